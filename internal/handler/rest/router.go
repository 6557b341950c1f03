package rest

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"pixrelay/internal/config"
	"pixrelay/internal/metrics"
	"pixrelay/internal/port"
	"pixrelay/internal/ratelimit"
)

type Dependencies struct {
	Config  *config.Config
	Service port.WithdrawalService
	Store   Pinger
	Log     zerolog.Logger
	Metrics *metrics.Metrics
}

func NewRouter(d Dependencies) http.Handler {
	cfg := d.Config
	withdrawals := NewWithdrawalHandler(d.Service, cfg.Server.MaxBodyBytes, d.Log)
	health := NewHealthHandler(d.Store, cfg, d.Log)
	webhook := NewWebhookHandler(cfg.Token.WebhookToken, cfg.Server.MaxBodyBytes, d.Log)
	limiter := ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Log, d.Metrics))
	r.Use(middleware.Recoverer)

	r.Get("/health", health.Health)
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware(clientIP))
		r.Post("/relay/webhook", webhook.Receive)

		r.Group(func(r chi.Router) {
			r.Use(RequireRelayToken(cfg.Token.RelayToken, d.Log))
			r.Post("/relay/withdraw", withdrawals.Withdraw)
			r.Post("/transfer", withdrawals.Withdraw)
		})
	})

	return r
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func requestLogger(log zerolog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			m.HTTPRequest(route, status)

			log.Info().
				Str("requestId", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(start)).
				Str("remote", r.RemoteAddr).
				Msg("request")
		})
	}
}
