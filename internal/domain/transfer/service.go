package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/loanpay/server/internal/domain/payment"
	"github.com/loanpay/server/internal/model"
	"go.uber.org/zap"
)

// Service drives transfers through their providers.
type Service interface {
	// InitiateTransfer submits a created transfer to its provider.
	InitiateTransfer(ctx context.Context, transferID uuid.UUID, provider *model.PaymentAccountProvider) (bool, error)
	CompleteTransfer(ctx context.Context, transferID uuid.UUID, provider *model.PaymentAccountProvider) (bool, error)
	FailTransfer(ctx context.Context, transferID uuid.UUID, payload model.TransferErrorPayload, provider *model.PaymentAccountProvider) (bool, error)

	// ProcessTransferUpdate applies a raw provider update to a known transfer.
	ProcessTransferUpdate(ctx context.Context, transferID uuid.UUID, payload model.TransferUpdatePayload, provider *model.PaymentAccountProvider) (bool, error)

	// ParseWebhook verifies a provider webhook and normalizes it. Returns nil
	// when the payload carries nothing to act on.
	ParseWebhook(ctx context.Context, provider model.PaymentAccountProvider, payload model.TransferUpdatePayload, header http.Header) (*model.TransferUpdate, error)

	// ApplyWebhook finds the transfer a parsed webhook refers to and applies it.
	ApplyWebhook(ctx context.Context, provider model.PaymentAccountProvider, update *model.TransferUpdate) (*model.Transfer, bool, error)

	// PollTransfer fetches the status of a pending transfer and applies it.
	PollTransfer(ctx context.Context, transferID uuid.UUID) (bool, error)
}

type service struct {
	factory  *ExecutionFactory
	payments payment.PaymentDomain
	logger   *zap.Logger
}

// NewService creates a new transfer service.
func NewService(factory *ExecutionFactory, payments payment.PaymentDomain, logger *zap.Logger) Service {
	return &service{
		factory:  factory,
		payments: payments,
		logger:   logger.Named("transfer"),
	}
}

func (s *service) InitiateTransfer(ctx context.Context, transferID uuid.UUID, provider *model.PaymentAccountProvider) (bool, error) {
	executor, err := s.factory.ExecutorFor(ctx, transferID, provider)
	if err != nil {
		return false, err
	}
	return executor.Initiate(ctx, transferID)
}

func (s *service) CompleteTransfer(ctx context.Context, transferID uuid.UUID, provider *model.PaymentAccountProvider) (bool, error) {
	executor, err := s.factory.ExecutorFor(ctx, transferID, provider)
	if err != nil {
		return false, err
	}
	return executor.Complete(ctx, transferID)
}

func (s *service) FailTransfer(ctx context.Context, transferID uuid.UUID, payload model.TransferErrorPayload, provider *model.PaymentAccountProvider) (bool, error) {
	executor, err := s.factory.ExecutorFor(ctx, transferID, provider)
	if err != nil {
		return false, err
	}
	return executor.Fail(ctx, transferID, payload)
}

func (s *service) ProcessTransferUpdate(ctx context.Context, transferID uuid.UUID, payload model.TransferUpdatePayload, provider *model.PaymentAccountProvider) (bool, error) {
	executor, err := s.factory.ExecutorFor(ctx, transferID, provider)
	if err != nil {
		return false, err
	}
	update, err := executor.ParseUpdate(payload)
	if err != nil {
		return false, err
	}
	if update == nil {
		return false, nil
	}

	transfer, err := s.payments.GetTransfer(ctx, transferID)
	if err != nil {
		return false, err
	}
	if update.ExternalID != "" && transfer.ExternalID != "" && update.ExternalID != transfer.ExternalID {
		return false, fmt.Errorf("%w: update for %s applied to transfer %s", ErrUnknownTransfer, update.ExternalID, transferID)
	}
	return executor.Apply(ctx, transfer, update)
}

func (s *service) ParseWebhook(ctx context.Context, provider model.PaymentAccountProvider, payload model.TransferUpdatePayload, header http.Header) (*model.TransferUpdate, error) {
	executor, err := s.factory.Executor(provider)
	if err != nil {
		return nil, err
	}
	if err := executor.VerifyWebhook(payload, header); err != nil {
		return nil, err
	}
	update, err := executor.ParseUpdate(payload)
	if err != nil {
		return nil, err
	}
	if update == nil || update.ExternalID == "" {
		s.logger.Debug("ignoring webhook without transfer reference", zap.String("provider", string(provider)))
		return nil, nil
	}
	return update, nil
}

func (s *service) ApplyWebhook(ctx context.Context, provider model.PaymentAccountProvider, update *model.TransferUpdate) (*model.Transfer, bool, error) {
	executor, err := s.factory.Executor(provider)
	if err != nil {
		return nil, false, err
	}
	transfer, err := s.payments.GetTransferByExternalID(ctx, executor.Provider(), update.ExternalID)
	if err != nil {
		if errors.Is(err, payment.ErrTransferNotFound) {
			return nil, false, fmt.Errorf("%w: %s %s", ErrUnknownTransfer, provider, update.ExternalID)
		}
		return nil, false, err
	}

	changed, err := executor.Apply(ctx, transfer, update)
	if err != nil {
		return transfer, false, err
	}
	s.logger.Info("webhook applied",
		zap.String("provider", string(provider)),
		zap.String("transfer_id", transfer.ID.String()),
		zap.String("state", string(update.State)),
		zap.Bool("changed", changed),
	)
	return transfer, changed, nil
}

func (s *service) PollTransfer(ctx context.Context, transferID uuid.UUID) (bool, error) {
	transfer, err := s.payments.GetTransfer(ctx, transferID)
	if err != nil {
		return false, err
	}
	if transfer.State != model.TransferStatePending || transfer.ExternalID == "" {
		return false, nil
	}

	executor, err := s.factory.ExecutorFor(ctx, transferID, nil)
	if err != nil {
		return false, err
	}
	update, err := executor.FetchStatus(ctx, transfer)
	if err != nil {
		return false, err
	}
	if update == nil {
		return false, nil
	}
	return executor.Apply(ctx, transfer, update)
}
