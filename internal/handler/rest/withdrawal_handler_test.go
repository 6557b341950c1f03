package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pixrelay/internal/config"
	"pixrelay/internal/domain"
	"pixrelay/internal/guard"
	"pixrelay/internal/metrics"
	"pixrelay/internal/provider/asaas"
	"pixrelay/internal/repository/memory"
	"pixrelay/internal/service"
)

const testToken = "relay-secret"

type MockWithdrawalService struct {
	mock.Mock
}

func (m *MockWithdrawalService) CreateWithdrawal(ctx context.Context, req *domain.WithdrawalReq) (*domain.WithdrawalResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.WithdrawalResult), args.Error(1)
}

func (m *MockWithdrawalService) Drain(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{MaxBodyBytes: 1 << 20},
		Token:    config.TokenConfig{RelayToken: testToken},
		Provider: config.ProviderConfig{APIKey: "key", AuthScheme: config.AuthBearer, PayloadFormat: config.PayloadDefault, Timeout: 2 * time.Second},
		Guard:    config.GuardConfig{ReservationTTL: time.Minute},
		Store:    config.StoreConfig{Type: config.StoreMemory},
	}
}

func newMockRouter(svc *MockWithdrawalService) http.Handler {
	return NewRouter(Dependencies{
		Config:  testConfig(),
		Service: svc,
		Store:   stubPinger{},
		Log:     zerolog.Nop(),
		Metrics: metrics.New(),
	})
}

func post(h http.Handler, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var withToken = map[string]string{"X-Relay-Token": testToken}

const validBody = `{"value":100,"externalReference":"w-1","pixAddressKey":"abc@pix"}`

// Тест 1: без токена запрос не доходит до сервиса
func TestWithdraw_AuthGate(t *testing.T) {
	svc := new(MockWithdrawalService)
	h := newMockRouter(svc)

	cases := map[string]map[string]string{
		"missing":      nil,
		"wrong header": {"X-Relay-Token": "nope"},
		"wrong bearer": {"Authorization": "Bearer nope"},
	}
	for name, headers := range cases {
		t.Run(name, func(t *testing.T) {
			rec := post(h, "/relay/withdraw", validBody, headers)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.JSONEq(t, `{"error":"invalid_relay_token"}`, rec.Body.String())
		})
	}

	rec := post(h, "/relay/withdraw", `{`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "auth is checked before the body is read")

	svc.AssertNotCalled(t, "CreateWithdrawal", mock.Anything, mock.Anything)
}

// Тест 2: обязательные поля
func TestWithdraw_Validation(t *testing.T) {
	svc := new(MockWithdrawalService)
	h := newMockRouter(svc)

	cases := map[string]struct {
		body  string
		field string
	}{
		"missing value":     {`{"externalReference":"w-1","pixAddressKey":"abc@pix"}`, "value"},
		"zero value":        {`{"value":0,"externalReference":"w-1","pixAddressKey":"abc@pix"}`, "value"},
		"negative value":    {`{"value":-5,"externalReference":"w-1","pixAddressKey":"abc@pix"}`, "value"},
		"missing reference": {`{"value":100,"pixAddressKey":"abc@pix"}`, "externalReference"},
		"blank reference":   {`{"value":100,"externalReference":"  ","pixAddressKey":"abc@pix"}`, "externalReference"},
		"missing key":       {`{"value":100,"externalReference":"w-1"}`, "pixAddressKey"},
		"bad key type":      {`{"value":100,"externalReference":"w-1","pixAddressKey":"abc","pixAddressKeyType":"IBAN"}`, "pixAddressKeyType"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := post(h, "/relay/withdraw", tc.body, withToken)
			require.Equal(t, http.StatusBadRequest, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "payload_incomplete", resp.Error)
			assert.Equal(t, []string{"value", "externalReference", "pixAddressKey"}, resp.Required)
			assert.Contains(t, resp.Fields, tc.field)
		})
	}

	rec := post(h, "/relay/withdraw", `not json`, withToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"invalid_json"}`, rec.Body.String())

	svc.AssertNotCalled(t, "CreateWithdrawal", mock.Anything, mock.Anything)
}

// Тест 3: нормализация запроса перед сервисом
func TestWithdraw_DefaultsAndStringValue(t *testing.T) {
	svc := new(MockWithdrawalService)
	h := newMockRouter(svc)

	svc.On("CreateWithdrawal", mock.Anything, mock.MatchedBy(func(req *domain.WithdrawalReq) bool {
		return req.ExternalReference == "w-7" &&
			req.PixAddressKeyType == "CPF" &&
			req.Value.Equal(decimal.RequireFromString("250.75")) &&
			string(req.BankAccount) == `{"bank":"001"}`
	})).Return(&domain.WithdrawalResult{
		ExternalReference: "w-7",
		Transfer:          &domain.TransferResult{ID: "tra_7", Status: "PENDING", Raw: json.RawMessage(`{"id":"tra_7"}`)},
		Recorded:          true,
	}, nil).Once()

	body := `{"value":"250.75","externalReference":" w-7 ","pixAddressKey":"12345678900","bankAccount":{"bank":"001"}}`
	rec := post(h, "/relay/withdraw", body, map[string]string{"Authorization": "Bearer " + testToken})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"message":"withdrawal_forwarded","externalReference":"w-7","providerId":"tra_7","status":"PENDING","data":{"id":"tra_7"}}`, rec.Body.String())
	svc.AssertExpectations(t)
}

func TestWithdraw_PersistenceWarning(t *testing.T) {
	svc := new(MockWithdrawalService)
	h := newMockRouter(svc)

	svc.On("CreateWithdrawal", mock.Anything, mock.Anything).Return(&domain.WithdrawalResult{
		ExternalReference: "w-1",
		Transfer:          &domain.TransferResult{ID: "tra_1"},
		Recorded:          false,
	}, nil).Once()

	rec := post(h, "/relay/withdraw", validBody, withToken)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "idempotency_not_recorded", resp["warning"])
	assert.Equal(t, "tra_1", resp["providerId"])
}

func TestWithdraw_ServiceErrors(t *testing.T) {
	cases := map[string]struct {
		err    error
		status int
		body   string
	}{
		"provider rejection": {
			err:    &domain.ProviderError{StatusCode: http.StatusUnprocessableEntity, Body: []byte(`{"errors":[{"code":"x"}]}`)},
			status: http.StatusUnprocessableEntity,
			body:   `{"error":"provider_error","status":422,"details":{"errors":[{"code":"x"}]}}`,
		},
		"provider text body": {
			err:    &domain.ProviderError{StatusCode: http.StatusInternalServerError, Body: []byte("boom")},
			status: http.StatusInternalServerError,
			body:   `{"error":"provider_error","status":500,"details":"boom"}`,
		},
		"provider timeout": {
			err:    &domain.ProviderError{StatusCode: http.StatusGatewayTimeout, Err: domain.ErrProviderTimeout},
			status: http.StatusGatewayTimeout,
			body:   `{"error":"provider_timeout"}`,
		},
		"provider unavailable": {
			err:    &domain.ProviderError{StatusCode: http.StatusBadGateway, Err: domain.ErrProviderUnavailable},
			status: http.StatusBadGateway,
			body:   `{"error":"provider_unavailable"}`,
		},
		"store failure": {
			err:    assert.AnError,
			status: http.StatusInternalServerError,
			body:   `{"error":"relay_internal_error"}`,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			svc := new(MockWithdrawalService)
			svc.On("CreateWithdrawal", mock.Anything, mock.Anything).Return(nil, tc.err).Once()

			rec := post(newMockRouter(svc), "/relay/withdraw", validBody, withToken)
			assert.Equal(t, tc.status, rec.Code)
			assert.JSONEq(t, tc.body, rec.Body.String())
		})
	}
}

type fakeProvider struct {
	calls  atomic.Int32
	status int
	delay  time.Duration
}

func (p *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := p.calls.Add(1)
	time.Sleep(p.delay)

	var payload map[string]any
	_ = json.NewDecoder(r.Body).Decode(&payload)

	w.Header().Set("Content-Type", "application/json")
	if p.status != 0 && n == 1 {
		w.WriteHeader(p.status)
		_, _ = io.WriteString(w, `{"errors":[{"code":"invalid_action","description":"saldo insuficiente"}]}`)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":                "tra_0001",
		"status":            "PENDING",
		"value":             payload["amount"],
		"externalReference": payload["externalReference"],
	})
}

func newRelay(t *testing.T, provider *fakeProvider) http.Handler {
	t.Helper()
	srv := httptest.NewServer(provider)
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.Provider.URL = srv.URL

	store := memory.NewReferenceRepository()
	g := guard.New(store, cfg.Guard, zerolog.Nop(), nil)
	client := asaas.NewClient(cfg.Provider, zerolog.Nop(), nil)
	svc := service.NewWithdrawalService(g, client, zerolog.Nop(), nil)

	return NewRouter(Dependencies{Config: cfg, Service: svc, Store: store, Log: zerolog.Nop(), Metrics: metrics.New()})
}

// Тест 4: сценарий w-1 целиком через HTTP
func TestWithdraw_EndToEndIdempotence(t *testing.T) {
	provider := &fakeProvider{}
	h := newRelay(t, provider)

	first := post(h, "/relay/withdraw", validBody, withToken)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &resp))
	assert.Equal(t, "tra_0001", resp["providerId"])
	assert.Equal(t, "w-1", resp["externalReference"])

	second := post(h, "/relay/withdraw", validBody, withToken)
	require.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, `{"message":"already_processed","externalReference":"w-1"}`, second.Body.String())

	legacy := post(h, "/transfer", validBody, withToken)
	require.Equal(t, http.StatusOK, legacy.Code)
	assert.JSONEq(t, `{"message":"already_processed","externalReference":"w-1"}`, legacy.Body.String())

	assert.Equal(t, int32(1), provider.calls.Load())
}

// Тест 5: ошибка провайдера возвращается как есть, повтор проходит
func TestWithdraw_EndToEndProviderFailureThenRetry(t *testing.T) {
	provider := &fakeProvider{status: http.StatusBadRequest}
	h := newRelay(t, provider)

	first := post(h, "/relay/withdraw", validBody, withToken)
	require.Equal(t, http.StatusBadRequest, first.Code)
	assert.JSONEq(t,
		`{"error":"provider_error","status":400,"details":{"errors":[{"code":"invalid_action","description":"saldo insuficiente"}]}}`,
		first.Body.String())

	retry := post(h, "/relay/withdraw", validBody, withToken)
	require.Equal(t, http.StatusOK, retry.Code)
	assert.Contains(t, retry.Body.String(), "tra_0001")

	assert.Equal(t, int32(2), provider.calls.Load())
}

// Тест 6: конкурентные дубликаты через HTTP
func TestWithdraw_EndToEndConcurrentDuplicates(t *testing.T) {
	provider := &fakeProvider{delay: 100 * time.Millisecond}
	h := newRelay(t, provider)

	const n = 8
	var wg sync.WaitGroup
	bodies := make(chan string, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := post(h, "/relay/withdraw", validBody, withToken)
			assert.Equal(t, http.StatusOK, rec.Code)
			bodies <- rec.Body.String()
		}()
	}

	wg.Wait()
	close(bodies)

	already := 0
	for body := range bodies {
		if strings.Contains(body, "already_processed") {
			already++
		}
	}
	assert.Equal(t, n-1, already)
	assert.Equal(t, int32(1), provider.calls.Load())
}
