package paymentstep

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/loanpay/server/internal/domain/payment"
	"github.com/loanpay/server/internal/model"
	"go.uber.org/zap"
)

// Factory returns the manager for a step's state.
type Factory struct {
	base     *base
	managers map[model.PaymentStepState]Manager
}

// NewFactory creates a new payment step factory.
func NewFactory(payments payment.PaymentDomain, transfers TransferInitiator, logger *zap.Logger) *Factory {
	b := &base{
		payments:  payments,
		transfers: transfers,
		logger:    logger.Named("payment-step"),
	}
	f := &Factory{base: b, managers: make(map[model.PaymentStepState]Manager)}
	for _, r := range []transferReactions{
		createdStep{b},
		pendingStep{b},
		completedStep{b},
		failedStep{b},
	} {
		f.managers[r.state()] = &stepManager{transferReactions: r, base: b}
	}
	return f
}

// Manager returns the manager for the given state, loading the step's
// current state when state is nil.
func (f *Factory) Manager(ctx context.Context, stepID uuid.UUID, state *model.PaymentStepState) (Manager, error) {
	var current model.PaymentStepState
	if state != nil {
		current = *state
	} else {
		step, err := f.base.payments.GetPaymentStep(ctx, stepID)
		if err != nil {
			return nil, err
		}
		current = step.State
	}

	m, ok := f.managers[current]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedStepState, current)
	}
	return m, nil
}

// Retry adds a new transfer to a failed step whose latest transfer failed.
// The step reopens on its next advance.
func (f *Factory) Retry(ctx context.Context, stepID uuid.UUID) (*model.Transfer, error) {
	step, err := f.base.payments.GetPaymentStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if step.State != model.PaymentStepStateFailed {
		return nil, fmt.Errorf("%w: step %s is %s", ErrStepNotRetryable, stepID, step.State)
	}
	latest, err := f.base.payments.GetLatestTransferForStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if latest == nil || latest.State != model.TransferStateFailed {
		return nil, fmt.Errorf("%w: step %s has no failed transfer", ErrStepNotRetryable, stepID)
	}

	transfer, err := f.base.payments.CreateTransferForStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	f.base.logger.Info("payment step retry scheduled",
		zap.String("step_id", stepID.String()),
		zap.String("transfer_id", transfer.ID.String()),
		zap.Int("order", transfer.Order),
	)
	return transfer, nil
}
