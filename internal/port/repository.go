package port

import (
	"context"
	"time"

	"pixrelay/internal/domain"
)

// ReferenceStore persists the set of forwarded external references.
// Reserve must be atomic: for a given reference at most one caller gets domain.Reserved
// until the reservation is released or goes stale.
type ReferenceStore interface {
	Reserve(ctx context.Context, reference, token string, staleAfter time.Duration) (domain.ReserveOutcome, error)
	Confirm(ctx context.Context, reference string) error
	Release(ctx context.Context, reference, token string) error
	Status(ctx context.Context, reference string) (domain.ReferenceStatus, error)
	ListProcessed(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}
