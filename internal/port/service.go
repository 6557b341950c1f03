package port

import (
	"context"

	"pixrelay/internal/domain"
)

type IdempotencyGuard interface {
	IsProcessed(ctx context.Context, reference string) (bool, error)
	MarkProcessed(ctx context.Context, reference string) error
	Reserve(ctx context.Context, reference string) (domain.Reservation, error)
	Confirm(ctx context.Context, reservation domain.Reservation) error
	Release(ctx context.Context, reservation domain.Reservation) error
	Status(ctx context.Context, reference string) (domain.ReferenceStatus, error)
}

type TransferProvider interface {
	Transfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error)
}

type WithdrawalService interface {
	CreateWithdrawal(ctx context.Context, req *domain.WithdrawalReq) (*domain.WithdrawalResult, error)
	// Drain waits for forwards that outlived their inbound request.
	Drain(ctx context.Context) error
}
