package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"pixrelay/internal/config"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	store              Pinger
	storeType          string
	providerConfigured bool
	ipLookupURL        string
	client             *http.Client
	logger             zerolog.Logger
	now                func() time.Time
}

func NewHealthHandler(store Pinger, cfg *config.Config, log zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		store:              store,
		storeType:          cfg.Store.Type,
		providerConfigured: cfg.Provider.APIKey != "",
		ipLookupURL:        cfg.Health.IPLookupURL,
		client:             &http.Client{Timeout: cfg.Health.IPLookupTimeout},
		logger:             log.With().Str("component", "health").Logger(),
		now:                time.Now,
	}
}

type healthEnv struct {
	ProviderConfigured bool   `json:"providerConfigured"`
	Store              string `json:"store"`
	StoreReachable     bool   `json:"storeReachable"`
}

type healthResponse struct {
	OK         bool      `json:"ok"`
	Message    string    `json:"message"`
	Timestamp  string    `json:"timestamp"`
	OutboundIP *string   `json:"outboundIp"`
	Env        healthEnv `json:"env"`
}

// outboundIP asks the lookup service which address our egress traffic comes from,
// since the provider allow-lists it.
func (h *HealthHandler) outboundIP(ctx context.Context) *string {
	if h.ipLookupURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.ipLookupURL, nil)
	if err != nil {
		return nil
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Warn().Err(err).Msg("could not resolve outbound ip")
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var body struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.IP == "" {
		return nil
	}
	return &body.IP
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		OK:         true,
		Message:    "relay_active",
		Timestamp:  h.now().UTC().Format(time.RFC3339),
		OutboundIP: h.outboundIP(r.Context()),
		Env: healthEnv{
			ProviderConfigured: h.providerConfigured,
			Store:              h.storeType,
			StoreReachable:     true,
		},
	}

	pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(pingCtx); err != nil {
		h.logger.Error().Err(err).Msg("reference store unreachable")
		resp.OK = false
		resp.Env.StoreReachable = false
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
