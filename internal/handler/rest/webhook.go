package rest

import (
	"io"
	"net/http"

	"github.com/rs/zerolog"
)

const (
	webhookTokenHeader = "asaas-access-token"
	webhookLogLimit    = 2000
)

// WebhookHandler acknowledges provider status notifications. Withdrawal state lives in the
// calling backend, so notifications are only logged.
type WebhookHandler struct {
	token        string
	maxBodyBytes int64
	logger       zerolog.Logger
}

func NewWebhookHandler(token string, maxBodyBytes int64, log zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		token:        token,
		maxBodyBytes: maxBodyBytes,
		logger:       log.With().Str("component", "webhook").Logger(),
	}
}

func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && !tokenMatches(r.Header.Get(webhookTokenHeader), h.token) {
		writeError(w, http.StatusUnauthorized, "invalid_webhook_token")
		return
	}

	body := r.Body
	if h.maxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	logged := payload
	if len(logged) > webhookLogLimit {
		logged = logged[:webhookLogLimit]
	}
	h.logger.Info().Int("size", len(payload)).Bytes("payload", logged).Msg("webhook received")

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
