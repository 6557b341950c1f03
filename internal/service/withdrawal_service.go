package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pixrelay/internal/domain"
	"pixrelay/internal/metrics"
	"pixrelay/internal/port"
)

// commitTimeout bounds Confirm and Release once the outbound call has returned.
const commitTimeout = 5 * time.Second

type forwardOutcome struct {
	result *domain.WithdrawalResult
	err    error
}

type withdrawalService struct {
	guard    port.IdempotencyGuard
	provider port.TransferProvider
	log      zerolog.Logger
	metrics  *metrics.Metrics
	inflight sync.WaitGroup
}

func NewWithdrawalService(
	guard port.IdempotencyGuard,
	provider port.TransferProvider,
	log zerolog.Logger,
	m *metrics.Metrics,
) port.WithdrawalService {
	return &withdrawalService{
		guard:    guard,
		provider: provider,
		log:      log.With().Str("component", "withdrawal").Logger(),
		metrics:  m,
	}
}

func (s *withdrawalService) CreateWithdrawal(ctx context.Context, req *domain.WithdrawalReq) (*domain.WithdrawalResult, error) {
	reservation, err := s.guard.Reserve(ctx, req.ExternalReference)
	if err != nil {
		s.metrics.Withdrawal("guard_error")
		return nil, err
	}

	if reservation.Outcome != domain.Reserved {
		s.log.Info().
			Str("externalReference", req.ExternalReference).
			Str("outcome", reservation.Outcome.String()).
			Msg("externalReference already processed")
		s.metrics.Withdrawal("already_processed")
		return &domain.WithdrawalResult{
			ExternalReference: req.ExternalReference,
			AlreadyProcessed:  true,
		}, nil
	}

	// The forward must settle the reservation even if the caller goes away.
	done := make(chan forwardOutcome, 1)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		done <- s.forward(context.WithoutCancel(ctx), reservation, req)
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		s.log.Warn().
			Str("externalReference", req.ExternalReference).
			Err(ctx.Err()).
			Msg("caller gone before transfer finished, reservation settles in background")
		return nil, ctx.Err()
	}
}

func (s *withdrawalService) forward(ctx context.Context, reservation domain.Reservation, req *domain.WithdrawalReq) forwardOutcome {
	log := s.log.With().Str("externalReference", req.ExternalReference).Logger()

	transfer, err := s.provider.Transfer(ctx, domain.NewTransferRequest(req))
	if err != nil {
		s.metrics.Withdrawal("provider_error")
		log.Error().Err(err).Msg("transfer failed, releasing reservation")

		releaseCtx, cancel := context.WithTimeout(ctx, commitTimeout)
		defer cancel()
		if relErr := s.guard.Release(releaseCtx, reservation); relErr != nil && !errors.Is(relErr, domain.ErrReservationNotOwned) {
			log.Error().Err(relErr).Msg("could not release reservation; retries are blocked until it goes stale")
		}
		return forwardOutcome{err: err}
	}

	result := &domain.WithdrawalResult{
		ExternalReference: req.ExternalReference,
		Transfer:          transfer,
		Recorded:          true,
	}

	confirmCtx, cancel := context.WithTimeout(ctx, commitTimeout)
	defer cancel()
	if err := s.guard.Confirm(confirmCtx, reservation); err != nil {
		// The transfer already happened; a retry with this reference will be forwarded again.
		result.Recorded = false
		s.metrics.PersistenceFailure()
		log.Error().
			Err(err).
			Str("providerId", transfer.ID).
			Msg("transfer forwarded but processed marker was not persisted")
	}

	s.metrics.Withdrawal("forwarded")
	log.Info().Str("providerId", transfer.ID).Str("status", transfer.Status).Msg("withdrawal forwarded")
	return forwardOutcome{result: result}
}

func (s *withdrawalService) Drain(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
