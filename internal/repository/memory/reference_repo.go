package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"pixrelay/internal/domain"
	"pixrelay/internal/port"
)

type record struct {
	status      domain.ReferenceStatus
	token       string
	reservedAt  time.Time
	processedAt time.Time
}

// referenceRepository keeps references in process memory. Nothing survives a restart.
type referenceRepository struct {
	mu      sync.Mutex
	records map[string]record
	now     func() time.Time
}

func NewReferenceRepository() port.ReferenceStore {
	return &referenceRepository{
		records: make(map[string]record),
		now:     time.Now,
	}
}

func (r *referenceRepository) Reserve(ctx context.Context, reference, token string, staleAfter time.Duration) (domain.ReserveOutcome, error) {
	if err := ctx.Err(); err != nil {
		return domain.ReserveUnknown, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	rec, exists := r.records[reference]
	if exists {
		if rec.status == domain.ReferenceProcessed {
			return domain.AlreadyProcessed, nil
		}
		if now.Sub(rec.reservedAt) < staleAfter {
			return domain.InFlight, nil
		}
	}

	r.records[reference] = record{
		status:     domain.ReferencePending,
		token:      token,
		reservedAt: now,
	}
	return domain.Reserved, nil
}

func (r *referenceRepository) Confirm(ctx context.Context, reference string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.records[reference]
	if rec.status == domain.ReferenceProcessed {
		return nil
	}
	now := r.now()
	if rec.reservedAt.IsZero() {
		rec.reservedAt = now
	}
	rec.status = domain.ReferenceProcessed
	rec.processedAt = now
	r.records[reference] = rec
	return nil
}

func (r *referenceRepository) Release(ctx context.Context, reference, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[reference]
	if !exists || rec.status != domain.ReferencePending || rec.token != token {
		return domain.ErrReservationNotOwned
	}
	delete(r.records, reference)
	return nil
}

func (r *referenceRepository) Status(ctx context.Context, reference string) (domain.ReferenceStatus, error) {
	if err := ctx.Err(); err != nil {
		return domain.ReferenceUnknown, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.records[reference].status, nil
}

func (r *referenceRepository) ListProcessed(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	refs := make([]string, 0, len(r.records))
	for ref, rec := range r.records {
		if rec.status == domain.ReferenceProcessed {
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)
	return refs, nil
}

func (r *referenceRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (r *referenceRepository) Close() error {
	return nil
}
