// Package storetest holds the behaviour every port.ReferenceStore implementation must share.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pixrelay/internal/domain"
	"pixrelay/internal/port"
)

const ttl = time.Minute

type options struct {
	advance func(time.Duration)
}

type Option func(*options)

// WithClock replaces sleeping with advance, for stores whose expiry runs on a fake clock.
func WithClock(advance func(time.Duration)) Option {
	return func(o *options) { o.advance = advance }
}

// Run exercises store against the reservation contract. References are randomised so the
// suite can run against shared databases.
func Run(t *testing.T, newStore func(t *testing.T) port.ReferenceStore, opts ...Option) {
	o := options{advance: time.Sleep}
	for _, opt := range opts {
		opt(&o)
	}

	t.Run("ReserveBlocksSecondCaller", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		ref := newRef()

		outcome, err := store.Reserve(ctx, ref, uuid.NewString(), ttl)
		require.NoError(t, err)
		assert.Equal(t, domain.Reserved, outcome)

		outcome, err = store.Reserve(ctx, ref, uuid.NewString(), ttl)
		require.NoError(t, err)
		assert.Equal(t, domain.InFlight, outcome)

		status, err := store.Status(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, domain.ReferencePending, status)
	})

	t.Run("ConfirmMakesReferencePermanent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		ref := newRef()
		token := uuid.NewString()

		_, err := store.Reserve(ctx, ref, token, ttl)
		require.NoError(t, err)
		require.NoError(t, store.Confirm(ctx, ref))

		outcome, err := store.Reserve(ctx, ref, uuid.NewString(), ttl)
		require.NoError(t, err)
		assert.Equal(t, domain.AlreadyProcessed, outcome)

		status, err := store.Status(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, domain.ReferenceProcessed, status)

		err = store.Release(ctx, ref, token)
		assert.ErrorIs(t, err, domain.ErrReservationNotOwned)

		status, err = store.Status(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, domain.ReferenceProcessed, status, "processed references are never removed")

		refs, err := store.ListProcessed(ctx)
		require.NoError(t, err)
		assert.Contains(t, refs, ref)
	})

	t.Run("ConfirmWithoutReservation", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		ref := newRef()

		require.NoError(t, store.Confirm(ctx, ref))
		require.NoError(t, store.Confirm(ctx, ref))

		status, err := store.Status(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, domain.ReferenceProcessed, status)
	})

	t.Run("ReleaseAllowsRetry", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		ref := newRef()
		token := uuid.NewString()

		_, err := store.Reserve(ctx, ref, token, ttl)
		require.NoError(t, err)
		require.NoError(t, store.Release(ctx, ref, token))

		status, err := store.Status(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, domain.ReferenceUnknown, status)

		outcome, err := store.Reserve(ctx, ref, uuid.NewString(), ttl)
		require.NoError(t, err)
		assert.Equal(t, domain.Reserved, outcome)

		refs, err := store.ListProcessed(ctx)
		require.NoError(t, err)
		assert.NotContains(t, refs, ref)
	})

	t.Run("ReleaseRequiresOwner", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		ref := newRef()

		_, err := store.Reserve(ctx, ref, uuid.NewString(), ttl)
		require.NoError(t, err)

		err = store.Release(ctx, ref, uuid.NewString())
		assert.ErrorIs(t, err, domain.ErrReservationNotOwned)

		status, err := store.Status(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, domain.ReferencePending, status)
	})

	t.Run("StaleReservationIsTakenOver", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		ref := newRef()
		staleAfter := 100 * time.Millisecond
		oldToken := uuid.NewString()

		outcome, err := store.Reserve(ctx, ref, oldToken, staleAfter)
		require.NoError(t, err)
		require.Equal(t, domain.Reserved, outcome)

		o.advance(3 * staleAfter)

		outcome, err = store.Reserve(ctx, ref, uuid.NewString(), staleAfter)
		require.NoError(t, err)
		assert.Equal(t, domain.Reserved, outcome)

		err = store.Release(ctx, ref, oldToken)
		assert.ErrorIs(t, err, domain.ErrReservationNotOwned)
	})

	t.Run("ConcurrentReserveHasSingleWinner", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		ref := newRef()
		const callers = 20

		var wg sync.WaitGroup
		outcomes := make(chan domain.ReserveOutcome, callers)
		errs := make(chan error, callers)

		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				outcome, err := store.Reserve(ctx, ref, uuid.NewString(), ttl)
				if err != nil {
					errs <- err
					return
				}
				outcomes <- outcome
			}()
		}

		wg.Wait()
		close(outcomes)
		close(errs)

		for err := range errs {
			assert.NoError(t, err)
		}

		reserved := 0
		for outcome := range outcomes {
			if outcome == domain.Reserved {
				reserved++
			} else {
				assert.Equal(t, domain.InFlight, outcome)
			}
		}
		assert.Equal(t, 1, reserved)
	})

	t.Run("Ping", func(t *testing.T) {
		store := newStore(t)
		assert.NoError(t, store.Ping(context.Background()))
	})
}

func newRef() string {
	return "ref-" + uuid.NewString()
}
