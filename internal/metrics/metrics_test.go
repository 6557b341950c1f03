package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_CountersAndHandler(t *testing.T) {
	m := New()

	m.Withdrawal("forwarded")
	m.Withdrawal("forwarded")
	m.Withdrawal("already_processed")
	m.PersistenceFailure()
	m.ProviderCall("success", 120*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.withdrawals.WithLabelValues("forwarded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.withdrawals.WithLabelValues("already_processed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.persistenceFailure))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pixrelay_withdrawals_total")
	assert.Contains(t, rec.Body.String(), "pixrelay_provider_request_duration_seconds")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.Withdrawal("forwarded")
		m.Reservation("reserved")
		m.PersistenceFailure()
		m.ProviderCall("error", time.Second)
		m.HTTPRequest("/health", http.StatusOK)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
