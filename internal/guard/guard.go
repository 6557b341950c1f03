// Package guard makes sure a withdrawal is forwarded to the provider at most once per
// external reference.
//
// A caller reserves the reference before the outbound call, confirms it when the call
// succeeds and releases it when the call fails. Reservation is atomic in the backing
// store, so concurrent duplicates see InFlight instead of racing to the provider.
// Confirmed references are cached in memory; the cache is never consulted for a
// negative answer.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pixrelay/internal/config"
	"pixrelay/internal/domain"
	"pixrelay/internal/metrics"
	"pixrelay/internal/port"
)

type Guard struct {
	store     port.ReferenceStore
	ttl       time.Duration
	processed *ReferenceSet
	log       zerolog.Logger
	metrics   *metrics.Metrics
	newToken  func() string
	now       func() time.Time
}

func New(store port.ReferenceStore, cfg config.GuardConfig, log zerolog.Logger, m *metrics.Metrics) *Guard {
	return &Guard{
		store:     store,
		ttl:       cfg.ReservationTTL,
		processed: NewReferenceSet(),
		log:       log.With().Str("component", "guard").Logger(),
		metrics:   m,
		newToken:  uuid.NewString,
		now:       time.Now,
	}
}

// Load warms the cache with every confirmed reference in the store.
func (g *Guard) Load(ctx context.Context) (int, error) {
	refs, err := g.store.ListProcessed(ctx)
	if err != nil {
		return 0, fmt.Errorf("load processed references: %w", err)
	}
	for _, ref := range refs {
		g.processed.Add(ref)
	}
	g.log.Info().Int("count", len(refs)).Msg("processed references loaded")
	return len(refs), nil
}

func (g *Guard) IsProcessed(ctx context.Context, reference string) (bool, error) {
	if err := checkReference(reference); err != nil {
		return false, err
	}
	if g.processed.Has(reference) {
		return true, nil
	}

	status, err := g.store.Status(ctx, reference)
	if err != nil {
		return false, err
	}
	if status == domain.ReferenceProcessed {
		g.processed.Add(reference)
		return true, nil
	}
	return false, nil
}

// MarkProcessed records reference as forwarded. An error wraps domain.ErrPersistence and
// means the mark is not durable.
func (g *Guard) MarkProcessed(ctx context.Context, reference string) error {
	if err := checkReference(reference); err != nil {
		return err
	}
	if err := g.store.Confirm(ctx, reference); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}
	g.processed.Add(reference)
	return nil
}

func (g *Guard) Reserve(ctx context.Context, reference string) (domain.Reservation, error) {
	res := domain.Reservation{Reference: reference}
	if err := checkReference(reference); err != nil {
		return res, err
	}

	if g.processed.Has(reference) {
		res.Outcome = domain.AlreadyProcessed
		g.metrics.Reservation(res.Outcome.String())
		return res, nil
	}

	res.Token = g.newToken()
	res.ReservedAt = g.now()
	outcome, err := g.store.Reserve(ctx, reference, res.Token, g.ttl)
	if err != nil {
		g.metrics.Reservation("error")
		return domain.Reservation{Reference: reference}, fmt.Errorf("reserve %q: %w", reference, err)
	}

	res.Outcome = outcome
	if outcome == domain.AlreadyProcessed {
		g.processed.Add(reference)
	}
	if outcome != domain.Reserved {
		res.Token = ""
	}
	g.metrics.Reservation(outcome.String())
	return res, nil
}

func (g *Guard) Confirm(ctx context.Context, res domain.Reservation) error {
	return g.MarkProcessed(ctx, res.Reference)
}

// Release drops a reservation after a failed forward so a retry can go through.
// A reservation that was taken over after going stale is left alone.
func (g *Guard) Release(ctx context.Context, res domain.Reservation) error {
	if res.Outcome != domain.Reserved || res.Token == "" {
		return domain.ErrReservationNotOwned
	}
	err := g.store.Release(ctx, res.Reference, res.Token)
	if errors.Is(err, domain.ErrReservationNotOwned) {
		g.log.Warn().
			Str("externalReference", res.Reference).
			Dur("held", g.now().Sub(res.ReservedAt)).
			Msg("reservation no longer owned, not releasing")
		return err
	}
	if err != nil {
		return fmt.Errorf("release %q: %w", res.Reference, err)
	}
	return nil
}

func (g *Guard) Status(ctx context.Context, reference string) (domain.ReferenceStatus, error) {
	if err := checkReference(reference); err != nil {
		return domain.ReferenceUnknown, err
	}
	if g.processed.Has(reference) {
		return domain.ReferenceProcessed, nil
	}
	return g.store.Status(ctx, reference)
}

func checkReference(reference string) error {
	if strings.TrimSpace(reference) == "" {
		return domain.ErrEmptyReference
	}
	return nil
}
