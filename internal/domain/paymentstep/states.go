package paymentstep

import (
	"context"

	"github.com/loanpay/server/internal/model"
)

// createdStep starts the step's transfer.
type createdStep struct{ *base }

func (m createdStep) state() model.PaymentStepState { return model.PaymentStepStateCreated }

func (m createdStep) onTransferNotFound(ctx context.Context, step *model.LoanPaymentStep) (bool, error) {
	transfer, err := m.payments.CreateTransferForStep(ctx, step.ID)
	if err != nil {
		return false, err
	}
	if err := m.initiate(ctx, transfer); err != nil {
		return false, err
	}
	return m.changeStepState(ctx, step, model.PaymentStepStatePending)
}

func (m createdStep) onTransferCreated(ctx context.Context, step *model.LoanPaymentStep, transfer *model.Transfer) (bool, error) {
	if err := m.initiate(ctx, transfer); err != nil {
		return false, err
	}
	return m.changeStepState(ctx, step, model.PaymentStepStatePending)
}

func (m createdStep) onTransferPending(ctx context.Context, step *model.LoanPaymentStep, _ *model.Transfer) (bool, error) {
	return m.changeStepState(ctx, step, model.PaymentStepStatePending)
}

func (m createdStep) onTransferCompleted(ctx context.Context, step *model.LoanPaymentStep, _ *model.Transfer) (bool, error) {
	ok, err := m.changeStepState(ctx, step, model.PaymentStepStatePending)
	if err != nil || !ok {
		return ok, err
	}
	return m.changeStepState(ctx, step, model.PaymentStepStateCompleted)
}

func (m createdStep) onTransferFailed(ctx context.Context, step *model.LoanPaymentStep, _ *model.Transfer) (bool, error) {
	return m.changeStepState(ctx, step, model.PaymentStepStateFailed)
}

// pendingStep waits for its transfer to settle.
type pendingStep struct{ *base }

func (m pendingStep) state() model.PaymentStepState { return model.PaymentStepStatePending }

func (m pendingStep) onTransferNotFound(ctx context.Context, step *model.LoanPaymentStep) (bool, error) {
	return false, m.outOfSync(step, nil)
}

// onTransferCreated submits a retry transfer. Any other created transfer on
// a pending step means the two disagree.
func (m pendingStep) onTransferCreated(ctx context.Context, step *model.LoanPaymentStep, transfer *model.Transfer) (bool, error) {
	retry, err := m.isRetry(ctx, step, transfer)
	if err != nil {
		return false, err
	}
	if !retry {
		return false, m.outOfSync(step, transfer)
	}
	return false, m.initiate(ctx, transfer)
}

func (m pendingStep) onTransferPending(context.Context, *model.LoanPaymentStep, *model.Transfer) (bool, error) {
	return false, nil
}

func (m pendingStep) onTransferCompleted(ctx context.Context, step *model.LoanPaymentStep, _ *model.Transfer) (bool, error) {
	return m.changeStepState(ctx, step, model.PaymentStepStateCompleted)
}

func (m pendingStep) onTransferFailed(ctx context.Context, step *model.LoanPaymentStep, _ *model.Transfer) (bool, error) {
	return m.changeStepState(ctx, step, model.PaymentStepStateFailed)
}

// completedStep is terminal.
type completedStep struct{ *base }

func (m completedStep) state() model.PaymentStepState { return model.PaymentStepStateCompleted }

func (m completedStep) onTransferNotFound(ctx context.Context, step *model.LoanPaymentStep) (bool, error) {
	return false, m.outOfSync(step, nil)
}

func (m completedStep) onTransferCreated(ctx context.Context, step *model.LoanPaymentStep, transfer *model.Transfer) (bool, error) {
	return false, m.outOfSync(step, transfer)
}

func (m completedStep) onTransferPending(ctx context.Context, step *model.LoanPaymentStep, transfer *model.Transfer) (bool, error) {
	return false, m.outOfSync(step, transfer)
}

func (m completedStep) onTransferCompleted(ctx context.Context, step *model.LoanPaymentStep, transfer *model.Transfer) (bool, error) {
	return false, m.outOfSync(step, transfer)
}

func (m completedStep) onTransferFailed(ctx context.Context, step *model.LoanPaymentStep, transfer *model.Transfer) (bool, error) {
	return false, m.outOfSync(step, transfer)
}

// failedStep is terminal unless a retry transfer was added.
type failedStep struct{ *base }

func (m failedStep) state() model.PaymentStepState { return model.PaymentStepStateFailed }

func (m failedStep) onTransferNotFound(ctx context.Context, step *model.LoanPaymentStep) (bool, error) {
	return false, m.outOfSync(step, nil)
}

// onTransferCreated reopens the step when the transfer retries a failed one.
func (m failedStep) onTransferCreated(ctx context.Context, step *model.LoanPaymentStep, transfer *model.Transfer) (bool, error) {
	retry, err := m.isRetry(ctx, step, transfer)
	if err != nil {
		return false, err
	}
	if !retry {
		return false, m.outOfSync(step, transfer)
	}
	ok, err := m.changeStepState(ctx, step, model.PaymentStepStatePending)
	if err != nil || !ok {
		return ok, err
	}
	return true, m.initiate(ctx, transfer)
}

func (m failedStep) onTransferPending(ctx context.Context, step *model.LoanPaymentStep, transfer *model.Transfer) (bool, error) {
	return false, m.outOfSync(step, transfer)
}

func (m failedStep) onTransferCompleted(ctx context.Context, step *model.LoanPaymentStep, transfer *model.Transfer) (bool, error) {
	return false, m.outOfSync(step, transfer)
}

func (m failedStep) onTransferFailed(ctx context.Context, step *model.LoanPaymentStep, transfer *model.Transfer) (bool, error) {
	return false, m.outOfSync(step, transfer)
}
