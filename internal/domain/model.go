package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const DefaultPixKeyType = "CPF"

type WithdrawalReq struct {
	Value             decimal.Decimal `json:"value" validate:"required,gt=0"`
	ExternalReference string          `json:"externalReference" validate:"required,max=255"`
	PixAddressKey     string          `json:"pixAddressKey" validate:"required"`
	PixAddressKeyType string          `json:"pixAddressKeyType" validate:"omitempty,oneof=CPF CNPJ EMAIL PHONE EVP"`
	BankAccount       json.RawMessage `json:"bankAccount,omitempty"`
}

// Normalize trims the reference and applies the default key type.
func (r *WithdrawalReq) Normalize() {
	r.ExternalReference = strings.TrimSpace(r.ExternalReference)
	r.PixAddressKey = strings.TrimSpace(r.PixAddressKey)
	r.PixAddressKeyType = strings.ToUpper(strings.TrimSpace(r.PixAddressKeyType))
	if r.PixAddressKeyType == "" {
		r.PixAddressKeyType = DefaultPixKeyType
	}
}

// TransferRequest is what gets sent to the payment provider.
type TransferRequest struct {
	ExternalReference string
	Amount            decimal.Decimal
	PixKey            string
	PixKeyType        string
	BankAccount       json.RawMessage
}

func NewTransferRequest(req *WithdrawalReq) TransferRequest {
	return TransferRequest{
		ExternalReference: req.ExternalReference,
		Amount:            req.Value,
		PixKey:            req.PixAddressKey,
		PixKeyType:        req.PixAddressKeyType,
		BankAccount:       req.BankAccount,
	}
}

type TransferResult struct {
	ID                string          `json:"id"`
	Status            string          `json:"status"`
	Value             json.RawMessage `json:"value,omitempty"`
	ExternalReference string          `json:"externalReference,omitempty"`
	Raw               json.RawMessage `json:"-"`
}

type WithdrawalResult struct {
	ExternalReference string
	AlreadyProcessed  bool
	Transfer          *TransferResult
	// Recorded is false when the transfer went through but the processed marker
	// could not be persisted.
	Recorded bool
}

type ReferenceStatus string

const (
	ReferenceUnknown   ReferenceStatus = ""
	ReferencePending   ReferenceStatus = "pending"
	ReferenceProcessed ReferenceStatus = "processed"
)

type ReserveOutcome int

// ReserveUnknown is what a failed Reserve returns; it never permits a forward.
const (
	ReserveUnknown ReserveOutcome = iota
	Reserved
	AlreadyProcessed
	InFlight
)

func (o ReserveOutcome) String() string {
	switch o {
	case Reserved:
		return "reserved"
	case AlreadyProcessed:
		return "already_processed"
	case InFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// Reservation is a claim on an external reference held while the transfer is in flight.
type Reservation struct {
	Reference  string
	Token      string
	Outcome    ReserveOutcome
	ReservedAt time.Time
}
