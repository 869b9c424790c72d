package management

import (
	"context"
	"fmt"

	"github.com/loanpay/server/internal/infra/events"
	"go.uber.org/zap"
)

// Registrar is the part of the event bus handlers are registered on.
type Registrar interface {
	Register(handler events.Handler)
}

// RegisterHandlers wires the lending event chain to the service.
func RegisterHandlers(bus Registrar, svc Service, logger *zap.Logger) {
	h := &eventHandlers{svc: svc, logger: logger.Named("lending-events")}

	bus.Register(events.NewHandlerFunc([]string{
		events.TransferCompletedType,
		events.TransferFailedType,
	}, h.onTransferSettled))

	bus.Register(events.NewHandlerFunc([]string{
		events.PaymentStepPendingType,
		events.PaymentStepCompletedType,
		events.PaymentStepFailedType,
	}, h.onStepChanged))

	bus.Register(events.NewHandlerFunc([]string{events.PaymentSteppedType}, h.onPaymentStepped))

	bus.Register(events.NewHandlerFunc([]string{
		events.PaymentCompletedType,
		events.PaymentFailedType,
	}, h.onPaymentSettled))

	bus.Register(events.NewHandlerFunc([]string{
		events.LoanStateChangedType,
		events.LoanStateSteppedType,
	}, h.onLoanState))
}

type eventHandlers struct {
	svc    Service
	logger *zap.Logger
}

func (h *eventHandlers) onTransferSettled(ctx context.Context, e events.Event) error {
	ev, ok := e.(*events.TransferStateEvent)
	if !ok {
		return unexpected(e)
	}
	if ev.StepID == nil {
		h.logger.Debug("transfer has no step", zap.String("transfer_id", ev.TransferID.String()))
		return nil
	}
	_, err := h.svc.AdvanceStep(ctx, *ev.StepID, nil)
	return h.settle(err)
}

func (h *eventHandlers) onStepChanged(ctx context.Context, e events.Event) error {
	ev, ok := e.(*events.PaymentStepStateEvent)
	if !ok {
		return unexpected(e)
	}
	_, err := h.svc.AdvancePayment(ctx, ev.PaymentID, nil)
	return h.settle(err)
}

func (h *eventHandlers) onPaymentStepped(ctx context.Context, e events.Event) error {
	ev, ok := e.(*events.PaymentStateEvent)
	if !ok {
		return unexpected(e)
	}
	_, err := h.svc.AdvanceNextStep(ctx, ev.PaymentID)
	return h.settle(err)
}

func (h *eventHandlers) onPaymentSettled(ctx context.Context, e events.Event) error {
	ev, ok := e.(*events.PaymentStateEvent)
	if !ok {
		return unexpected(e)
	}
	log := h.logger.With(
		zap.String("payment_id", ev.PaymentID.String()),
		zap.String("loan_id", ev.LoanID.String()),
		zap.String("payment_type", string(ev.PaymentType)),
	)
	if e.EventType() == events.PaymentFailedType {
		fields := []zap.Field{zap.String("original_state", string(ev.OriginalState))}
		if ev.FailedStepID != nil {
			fields = append(fields, zap.String("failed_step_id", ev.FailedStepID.String()))
		}
		log.Warn("payment failed", fields...)
		return nil
	}

	log.Info("payment completed")
	return h.settle(h.svc.CompleteLoanStage(ctx, ev.LoanID, ev.PaymentType))
}

func (h *eventHandlers) onLoanState(ctx context.Context, e events.Event) error {
	ev, ok := e.(*events.LoanStateEvent)
	if !ok {
		return unexpected(e)
	}
	var err error
	if e.EventType() == events.LoanStateSteppedType {
		_, err = h.svc.HandleLoanStateStepped(ctx, ev.LoanID, ev.State)
	} else {
		_, err = h.svc.HandleLoanStateChanged(ctx, ev.LoanID, ev.PreviousState, ev.State)
	}
	return h.settle(err)
}

// settle drops lock contention. A holder that finished before the event was
// published leaves the entity stalled; ReconcileStalled picks it up.
func (h *eventHandlers) settle(err error) error {
	if IsBusy(err) {
		h.logger.Debug("advance skipped", zap.Error(err))
		return nil
	}
	return err
}

func unexpected(e events.Event) error {
	return fmt.Errorf("unexpected payload %T for %s", e, e.EventType())
}
