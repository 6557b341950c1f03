package asaas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"pixrelay/internal/config"
	"pixrelay/internal/domain"
	"pixrelay/internal/metrics"
)

const (
	paymentMethodPix = "PIX"
	maxResponseBytes = 1 << 20
)

type pixKey struct {
	Key     string `json:"key"`
	KeyType string `json:"keyType"`
}

type transferPayload struct {
	ExternalReference string          `json:"externalReference"`
	Amount            json.Number     `json:"amount"`
	PaymentMethod     string          `json:"paymentMethod"`
	Pix               pixKey          `json:"pix"`
	BankAccount       json.RawMessage `json:"bankAccount,omitempty"`
}

type legacyTransferPayload struct {
	Value             json.Number `json:"value"`
	OperationType     string      `json:"operationType"`
	PixAddressKey     string      `json:"pixAddressKey"`
	PixAddressKeyType string      `json:"pixAddressKeyType"`
	ExternalReference string      `json:"externalReference"`
}

type Client struct {
	httpClient    *http.Client
	url           string
	apiKey        string
	authScheme    string
	payloadFormat string
	timeout       time.Duration
	log           zerolog.Logger
	metrics       *metrics.Metrics
}

func NewClient(cfg config.ProviderConfig, log zerolog.Logger, m *metrics.Metrics) *Client {
	return &Client{
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		url:           cfg.URL,
		apiKey:        cfg.APIKey,
		authScheme:    cfg.AuthScheme,
		payloadFormat: cfg.PayloadFormat,
		timeout:       cfg.Timeout,
		log:           log.With().Str("component", "asaas").Logger(),
		metrics:       m,
	}
}

func (c *Client) payload(req domain.TransferRequest) any {
	amount := json.Number(req.Amount.String())
	if c.payloadFormat == config.PayloadLegacy {
		return legacyTransferPayload{
			Value:             amount,
			OperationType:     paymentMethodPix,
			PixAddressKey:     req.PixKey,
			PixAddressKeyType: req.PixKeyType,
			ExternalReference: req.ExternalReference,
		}
	}
	return transferPayload{
		ExternalReference: req.ExternalReference,
		Amount:            amount,
		PaymentMethod:     paymentMethodPix,
		Pix:               pixKey{Key: req.PixKey, KeyType: req.PixKeyType},
		BankAccount:       req.BankAccount,
	}
}

// Transfer posts one PIX transfer. Non-2xx answers come back as *domain.ProviderError with
// the provider's status code and body untouched.
func (c *Client) Transfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error) {
	body, err := json.Marshal(c.payload(req))
	if err != nil {
		return nil, fmt.Errorf("encode transfer payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build transfer request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.authScheme == config.AuthAccessToken {
		httpReq.Header.Set("access_token", c.apiKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.log.Info().
		Str("externalReference", req.ExternalReference).
		Str("amount", req.Amount.String()).
		Msg("sending transfer to provider")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.ProviderCall("transport_error", time.Since(start))
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.metrics.ProviderCall("transport_error", time.Since(start))
		return nil, classifyTransportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.ProviderCall("rejected", time.Since(start))
		c.log.Error().
			Str("externalReference", req.ExternalReference).
			Int("status", resp.StatusCode).
			Bytes("body", respBody).
			Msg("provider rejected transfer")
		return nil, &domain.ProviderError{StatusCode: resp.StatusCode, Body: respBody}
	}
	c.metrics.ProviderCall("success", time.Since(start))

	result := &domain.TransferResult{}
	if json.Valid(respBody) {
		result.Raw = respBody
		// not every success body is an object; keep Raw either way
		if err := json.Unmarshal(respBody, result); err != nil {
			c.log.Debug().
				Err(err).
				Str("externalReference", req.ExternalReference).
				Msg("provider response does not match the expected transfer shape")
		}
	} else {
		result.Raw, _ = json.Marshal(string(respBody))
	}

	c.log.Info().
		Str("externalReference", req.ExternalReference).
		Str("providerId", result.ID).
		Str("status", result.Status).
		Msg("transfer created")
	return result, nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &domain.ProviderError{StatusCode: http.StatusGatewayTimeout, Err: fmt.Errorf("%w: %w", domain.ErrProviderTimeout, err)}
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("transfer cancelled: %w", err)
	}
	return &domain.ProviderError{StatusCode: http.StatusBadGateway, Err: fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)}
}
