package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnauthorized          = errors.New("unauthorized")
	ErrValidation            = errors.New("validation failed")
	ErrPersistence           = errors.New("persistence failed")
	ErrProvider              = errors.New("provider error")
	ErrProviderTimeout       = errors.New("provider timeout")
	ErrProviderUnavailable   = errors.New("provider unavailable")
	ErrEmptyReference        = errors.New("empty external reference")
	ErrReservationNotOwned   = errors.New("reservation not owned")
	ErrUnknownReferenceStore = errors.New("unknown reference store")
)

// ValidationError lists the request fields that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ProviderError carries the provider's status code and body verbatim.
type ProviderError struct {
	StatusCode int
	Body       []byte
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider status %d", e.StatusCode)
}

func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProvider}
	}
	return []error{ErrProvider, e.Err}
}
