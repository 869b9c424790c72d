// Package paymentstep advances payment steps from the state of their latest
// transfer.
package paymentstep

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/loanpay/server/internal/domain/payment"
	"github.com/loanpay/server/internal/model"
	"go.uber.org/zap"
)

// TransferInitiator submits transfers to their provider.
type TransferInitiator interface {
	InitiateTransfer(ctx context.Context, transferID uuid.UUID, provider *model.PaymentAccountProvider) (bool, error)
}

// Manager advances steps that are in one state.
type Manager interface {
	State() model.PaymentStepState

	// Advance reconciles the step with its latest transfer. Returns true
	// when the step changed state.
	Advance(ctx context.Context, stepID uuid.UUID) (bool, error)
}

// transferReactions holds what a step in a given state does for each state
// of its latest transfer.
type transferReactions interface {
	state() model.PaymentStepState
	onTransferNotFound(ctx context.Context, step *model.LoanPaymentStep) (bool, error)
	onTransferCreated(ctx context.Context, step *model.LoanPaymentStep, transfer *model.Transfer) (bool, error)
	onTransferPending(ctx context.Context, step *model.LoanPaymentStep, transfer *model.Transfer) (bool, error)
	onTransferCompleted(ctx context.Context, step *model.LoanPaymentStep, transfer *model.Transfer) (bool, error)
	onTransferFailed(ctx context.Context, step *model.LoanPaymentStep, transfer *model.Transfer) (bool, error)
}

// base carries the dependencies shared by all step managers.
type base struct {
	payments  payment.PaymentDomain
	transfers TransferInitiator
	logger    *zap.Logger
}

type stepManager struct {
	transferReactions
	*base
}

func (m *stepManager) State() model.PaymentStepState {
	return m.state()
}

func (m *stepManager) Advance(ctx context.Context, stepID uuid.UUID) (bool, error) {
	step, err := m.payments.GetPaymentStep(ctx, stepID)
	if err != nil {
		return false, err
	}
	if step.State != m.state() {
		m.logger.Debug("step state changed before advance",
			zap.String("step_id", stepID.String()),
			zap.String("expected", string(m.state())),
			zap.String("actual", string(step.State)),
		)
		return false, nil
	}

	transfer, err := m.payments.GetLatestTransferForStep(ctx, stepID)
	if err != nil {
		return false, err
	}
	if transfer == nil {
		return m.onTransferNotFound(ctx, step)
	}

	switch transfer.State {
	case model.TransferStateCreated:
		return m.onTransferCreated(ctx, step, transfer)
	case model.TransferStatePending:
		return m.onTransferPending(ctx, step, transfer)
	case model.TransferStateCompleted:
		return m.onTransferCompleted(ctx, step, transfer)
	case model.TransferStateFailed:
		return m.onTransferFailed(ctx, step, transfer)
	default:
		return false, fmt.Errorf("transfer %s has unknown state %q", transfer.ID, transfer.State)
	}
}

// changeStepState moves the step to next. Returns false when the step is
// already there or moved concurrently.
func (b *base) changeStepState(ctx context.Context, step *model.LoanPaymentStep, next model.PaymentStepState) (bool, error) {
	if step.State == next {
		return false, nil
	}
	return b.payments.UpdatePaymentStepState(ctx, step, step.State, next)
}

func (b *base) initiate(ctx context.Context, transfer *model.Transfer) error {
	_, err := b.transfers.InitiateTransfer(ctx, transfer.ID, nil)
	return err
}

// isRetry reports whether the transfer is a fresh retry of a failed one.
func (b *base) isRetry(ctx context.Context, step *model.LoanPaymentStep, transfer *model.Transfer) (bool, error) {
	if transfer.State != model.TransferStateCreated || transfer.Order == 0 {
		return false, nil
	}
	previous, err := b.payments.GetPreviousTransferForStep(ctx, step.ID, transfer.Order)
	if err != nil {
		return false, err
	}
	return previous != nil && previous.State == model.TransferStateFailed, nil
}

func (b *base) outOfSync(step *model.LoanPaymentStep, transfer *model.Transfer) error {
	transferState := "none"
	if transfer != nil {
		transferState = string(transfer.State)
	}
	b.logger.Error("payment step out of sync",
		zap.String("step_id", step.ID.String()),
		zap.String("step_state", string(step.State)),
		zap.String("transfer_state", transferState),
	)
	return fmt.Errorf("%w: step %s is %s, latest transfer is %s", ErrStepStateOutOfSync, step.ID, step.State, transferState)
}
