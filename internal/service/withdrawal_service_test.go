package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pixrelay/internal/config"
	"pixrelay/internal/domain"
	"pixrelay/internal/guard"
	"pixrelay/internal/port"
	"pixrelay/internal/repository/memory"
)

type MockTransferProvider struct {
	mock.Mock
}

func (m *MockTransferProvider) Transfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.TransferResult), args.Error(1)
}

// failingConfirmStore loses every Confirm.
type failingConfirmStore struct {
	port.ReferenceStore
}

func (s failingConfirmStore) Confirm(context.Context, string) error {
	return errors.New("disk full")
}

func newGuard(store port.ReferenceStore) *guard.Guard {
	return guard.New(store, config.GuardConfig{ReservationTTL: time.Minute}, zerolog.Nop(), nil)
}

func withdrawalReq(ref string) *domain.WithdrawalReq {
	return &domain.WithdrawalReq{
		Value:             decimal.NewFromInt(100),
		ExternalReference: ref,
		PixAddressKey:     "abc@pix",
		PixAddressKeyType: "EMAIL",
	}
}

func transferFor(ref string) any {
	return mock.MatchedBy(func(req domain.TransferRequest) bool {
		return req.ExternalReference == ref
	})
}

// Тест 1: успешная пересылка
func TestCreateWithdrawal_Success(t *testing.T) {
	provider := new(MockTransferProvider)
	g := newGuard(memory.NewReferenceRepository())
	svc := NewWithdrawalService(g, provider, zerolog.Nop(), nil)

	req := withdrawalReq("w-1")
	provider.On("Transfer", mock.Anything, domain.NewTransferRequest(req)).
		Return(&domain.TransferResult{ID: "tra_1", Status: "PENDING"}, nil).Once()

	result, err := svc.CreateWithdrawal(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.AlreadyProcessed)
	assert.True(t, result.Recorded)
	assert.Equal(t, "tra_1", result.Transfer.ID)

	processed, err := g.IsProcessed(context.Background(), "w-1")
	require.NoError(t, err)
	assert.True(t, processed)

	provider.AssertExpectations(t)
}

// Тест 2: идемпотентность - второй запрос не доходит до провайдера
func TestCreateWithdrawal_Idempotency(t *testing.T) {
	provider := new(MockTransferProvider)
	svc := NewWithdrawalService(newGuard(memory.NewReferenceRepository()), provider, zerolog.Nop(), nil)

	provider.On("Transfer", mock.Anything, transferFor("w-1")).
		Return(&domain.TransferResult{ID: "tra_1"}, nil).Once()

	first, err := svc.CreateWithdrawal(context.Background(), withdrawalReq("w-1"))
	require.NoError(t, err)
	require.NotNil(t, first.Transfer)

	second, err := svc.CreateWithdrawal(context.Background(), withdrawalReq("w-1"))
	require.NoError(t, err)
	assert.True(t, second.AlreadyProcessed)
	assert.Nil(t, second.Transfer)
	assert.Equal(t, "w-1", second.ExternalReference)

	provider.AssertNumberOfCalls(t, "Transfer", 1)
}

// Тест 3: ошибка провайдера не помечает ссылку, повтор уходит к провайдеру
func TestCreateWithdrawal_ProviderFailureIsNotMarked(t *testing.T) {
	provider := new(MockTransferProvider)
	g := newGuard(memory.NewReferenceRepository())
	svc := NewWithdrawalService(g, provider, zerolog.Nop(), nil)

	providerErr := &domain.ProviderError{StatusCode: http.StatusBadRequest, Body: []byte(`{"errors":[]}`)}
	provider.On("Transfer", mock.Anything, transferFor("w-1")).Return(nil, providerErr).Once()
	provider.On("Transfer", mock.Anything, transferFor("w-1")).Return(&domain.TransferResult{ID: "tra_2"}, nil).Once()

	_, err := svc.CreateWithdrawal(context.Background(), withdrawalReq("w-1"))
	var perr *domain.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, http.StatusBadRequest, perr.StatusCode)

	processed, err := g.IsProcessed(context.Background(), "w-1")
	require.NoError(t, err)
	assert.False(t, processed)

	retry, err := svc.CreateWithdrawal(context.Background(), withdrawalReq("w-1"))
	require.NoError(t, err)
	assert.Equal(t, "tra_2", retry.Transfer.ID)

	provider.AssertNumberOfCalls(t, "Transfer", 2)
}

// Тест 4: N конкурентных запросов с одной ссылкой - один вызов провайдера
func TestCreateWithdrawal_SameReferenceConcurrent(t *testing.T) {
	provider := new(MockTransferProvider)
	svc := NewWithdrawalService(newGuard(memory.NewReferenceRepository()), provider, zerolog.Nop(), nil)

	provider.On("Transfer", mock.Anything, transferFor("same-ref")).
		After(100*time.Millisecond).
		Return(&domain.TransferResult{ID: "tra_1"}, nil).Once()

	const n = 10
	var wg sync.WaitGroup
	results := make(chan *domain.WithdrawalResult, n)
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.CreateWithdrawal(context.Background(), withdrawalReq("same-ref"))
			if err != nil {
				errs <- err
				return
			}
			results <- result
		}()
	}

	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	forwarded, already := 0, 0
	for result := range results {
		if result.AlreadyProcessed {
			already++
		} else {
			forwarded++
		}
	}
	assert.Equal(t, 1, forwarded)
	assert.Equal(t, n-1, already)
	provider.AssertNumberOfCalls(t, "Transfer", 1)
}

// Тест 5: ошибка записи маркера не отменяет успешную пересылку
func TestCreateWithdrawal_PersistenceFailure(t *testing.T) {
	provider := new(MockTransferProvider)
	svc := NewWithdrawalService(newGuard(failingConfirmStore{memory.NewReferenceRepository()}), provider, zerolog.Nop(), nil)

	provider.On("Transfer", mock.Anything, transferFor("w-1")).
		Return(&domain.TransferResult{ID: "tra_1"}, nil).Once()

	result, err := svc.CreateWithdrawal(context.Background(), withdrawalReq("w-1"))
	require.NoError(t, err)
	assert.False(t, result.Recorded)
	assert.Equal(t, "tra_1", result.Transfer.ID)

	provider.AssertExpectations(t)
}

// Тест 6: клиент ушёл, резерв всё равно подтверждается
func TestCreateWithdrawal_CallerCancelledConfirmsLate(t *testing.T) {
	provider := new(MockTransferProvider)
	g := newGuard(memory.NewReferenceRepository())
	svc := NewWithdrawalService(g, provider, zerolog.Nop(), nil)

	provider.On("Transfer", mock.Anything, transferFor("w-1")).
		After(150*time.Millisecond).
		Return(&domain.TransferResult{ID: "tra_1"}, nil).Once()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := svc.CreateWithdrawal(ctx, withdrawalReq("w-1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	require.NoError(t, svc.Drain(drainCtx))

	processed, err := g.IsProcessed(context.Background(), "w-1")
	require.NoError(t, err)
	assert.True(t, processed)
}

// Тест 7: клиент ушёл, провайдер ответил ошибкой - резерв снимается
func TestCreateWithdrawal_CallerCancelledReleasesOnFailure(t *testing.T) {
	provider := new(MockTransferProvider)
	g := newGuard(memory.NewReferenceRepository())
	svc := NewWithdrawalService(g, provider, zerolog.Nop(), nil)

	provider.On("Transfer", mock.Anything, transferFor("w-1")).
		After(150*time.Millisecond).
		Return(nil, &domain.ProviderError{StatusCode: http.StatusGatewayTimeout, Err: domain.ErrProviderTimeout}).Once()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := svc.CreateWithdrawal(ctx, withdrawalReq("w-1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	require.NoError(t, svc.Drain(drainCtx))

	status, err := g.Status(context.Background(), "w-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReferenceUnknown, status)
}

func TestCreateWithdrawal_GuardError(t *testing.T) {
	provider := new(MockTransferProvider)
	svc := NewWithdrawalService(newGuard(memory.NewReferenceRepository()), provider, zerolog.Nop(), nil)

	_, err := svc.CreateWithdrawal(context.Background(), withdrawalReq(""))
	assert.ErrorIs(t, err, domain.ErrEmptyReference)
	provider.AssertNotCalled(t, "Transfer", mock.Anything, mock.Anything)
}
