package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pixrelay/internal/domain"
	"pixrelay/internal/port"
)

var requiredFields = []string{"value", "externalReference", "pixAddressKey"}

type WithdrawalHandler struct {
	service      port.WithdrawalService
	validate     *validator.Validate
	maxBodyBytes int64
	logger       zerolog.Logger
}

func NewWithdrawalHandler(service port.WithdrawalService, maxBodyBytes int64, log zerolog.Logger) *WithdrawalHandler {
	return &WithdrawalHandler{
		service:      service,
		validate:     newValidator(),
		maxBodyBytes: maxBodyBytes,
		logger:       log.With().Str("component", "http").Logger(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

type forwardedResponse struct {
	Message           string          `json:"message"`
	ExternalReference string          `json:"externalReference"`
	ProviderID        string          `json:"providerId,omitempty"`
	Status            string          `json:"status,omitempty"`
	Data              json.RawMessage `json:"data,omitempty"`
	Warning           string          `json:"warning,omitempty"`
}

type alreadyProcessedResponse struct {
	Message           string `json:"message"`
	ExternalReference string `json:"externalReference"`
}

func (h *WithdrawalHandler) decode(w http.ResponseWriter, r *http.Request) (*domain.WithdrawalReq, error) {
	body := r.Body
	if h.maxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}

	var req domain.WithdrawalReq
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return nil, err
	}
	req.Normalize()
	return &req, nil
}

func (h *WithdrawalHandler) validateRequest(req *domain.WithdrawalReq) error {
	err := h.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return &domain.ValidationError{Fields: fields}
}

func (h *WithdrawalHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	req, err := h.decode(w, r)
	if err != nil {
		h.logger.Debug().Err(err).Msg("undecodable withdrawal payload")
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}

	if err := h.validateRequest(req); err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error:    "payload_incomplete",
				Required: requiredFields,
				Fields:   verr.Fields,
			})
			return
		}
		h.logger.Error().Err(err).Msg("validator failure")
		writeError(w, http.StatusInternalServerError, "relay_internal_error")
		return
	}

	result, err := h.service.CreateWithdrawal(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, req, err)
		return
	}

	if result.AlreadyProcessed {
		writeJSON(w, http.StatusOK, alreadyProcessedResponse{
			Message:           "already_processed",
			ExternalReference: result.ExternalReference,
		})
		return
	}

	resp := forwardedResponse{
		Message:           "withdrawal_forwarded",
		ExternalReference: result.ExternalReference,
	}
	if result.Transfer != nil {
		resp.ProviderID = result.Transfer.ID
		resp.Status = result.Transfer.Status
		resp.Data = result.Transfer.Raw
	}
	if !result.Recorded {
		resp.Warning = "idempotency_not_recorded"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *WithdrawalHandler) writeServiceError(w http.ResponseWriter, req *domain.WithdrawalReq, err error) {
	log := h.logger.With().Str("externalReference", req.ExternalReference).Logger()

	var perr *domain.ProviderError
	switch {
	case errors.Is(err, domain.ErrProviderTimeout):
		writeError(w, http.StatusGatewayTimeout, "provider_timeout")
	case errors.Is(err, domain.ErrProviderUnavailable):
		writeError(w, http.StatusBadGateway, "provider_unavailable")
	case errors.As(err, &perr):
		writeJSON(w, perr.StatusCode, errorResponse{
			Error:   "provider_error",
			Status:  perr.StatusCode,
			Details: verbatim(perr.Body),
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request_cancelled")
	case errors.Is(err, domain.ErrEmptyReference):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:    "payload_incomplete",
			Required: requiredFields,
			Fields:   []string{"externalReference"},
		})
	default:
		log.Error().Err(err).Msg("withdrawal failed")
		writeError(w, http.StatusInternalServerError, "relay_internal_error")
	}
}
