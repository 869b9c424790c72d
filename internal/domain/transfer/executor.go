package transfer

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/loanpay/server/internal/domain/payment"
	"github.com/loanpay/server/internal/model"
	"github.com/loanpay/server/internal/port/outbound"
	"go.uber.org/zap"
)

// fallbackFailure is recorded when a provider reports a failed state
// without error details.
var fallbackFailure = model.TransferErrorDetails{
	Code:    "transfer_failed",
	Message: "provider reported the transfer as failed",
}

// ProviderRecorder observes provider calls.
type ProviderRecorder interface {
	RecordProviderCall(provider model.PaymentAccountProvider, operation string, err error)
}

// Executor runs transfer lifecycle operations through one provider.
type Executor struct {
	provider outbound.TransferProviderPort
	payments payment.PaymentDomain
	recorder ProviderRecorder
	logger   *zap.Logger
}

func newExecutor(provider outbound.TransferProviderPort, payments payment.PaymentDomain, recorder ProviderRecorder, logger *zap.Logger) *Executor {
	return &Executor{
		provider: provider,
		payments: payments,
		recorder: recorder,
		logger:   logger.With(zap.String("provider", string(provider.Name()))),
	}
}

// Provider returns the provider name.
func (e *Executor) Provider() model.PaymentAccountProvider {
	return e.provider.Name()
}

// Initiate submits a created transfer. An accepted transfer records the
// provider reference and moves to pending; a rejected one is failed with the
// provider's error. Transport errors leave the transfer created.
func (e *Executor) Initiate(ctx context.Context, transferID uuid.UUID) (bool, error) {
	transfer, err := e.payments.GetTransfer(ctx, transferID)
	if err != nil {
		return false, err
	}
	if transfer.State != model.TransferStateCreated {
		e.logger.Debug("transfer already initiated",
			zap.String("transfer_id", transferID.String()),
			zap.String("state", string(transfer.State)),
		)
		return false, nil
	}

	source, err := e.payments.GetPaymentAccount(ctx, transfer.SourceAccountID)
	if err != nil {
		return false, err
	}
	destination, err := e.payments.GetPaymentAccount(ctx, transfer.DestinationAccountID)
	if err != nil {
		return false, err
	}

	execution, err := e.provider.Execute(ctx, &outbound.TransferRequest{
		Transfer:    transfer,
		Source:      source,
		Destination: destination,
	})
	e.record("execute", err)
	if err != nil {
		return false, fmt.Errorf("%w: execute transfer %s via %s: %v", ErrProviderRequest, transferID, e.provider.Name(), err)
	}

	if !execution.Accepted {
		details := e.provider.ParseError(execution.Error)
		e.logger.Warn("transfer rejected by provider",
			zap.String("transfer_id", transferID.String()),
			zap.String("code", details.Code),
			zap.String("message", details.Message),
		)
		if execution.ExternalID != "" {
			if err := e.payments.SetTransferExternalID(ctx, transferID, e.provider.Name(), execution.ExternalID); err != nil {
				return false, err
			}
		}
		return e.payments.FailTransfer(ctx, transferID, details)
	}

	if err := e.payments.SetTransferExternalID(ctx, transferID, e.provider.Name(), execution.ExternalID); err != nil {
		return false, err
	}
	ok, err := e.payments.UpdateTransferState(ctx, transferID, model.TransferStateCreated, model.TransferStatePending)
	if err != nil {
		return false, err
	}

	e.logger.Info("transfer submitted",
		zap.String("transfer_id", transferID.String()),
		zap.String("external_id", execution.ExternalID),
		zap.String("amount", transfer.Amount.StringFixed(2)),
	)
	return ok, nil
}

// Complete marks the transfer completed.
func (e *Executor) Complete(ctx context.Context, transferID uuid.UUID) (bool, error) {
	return e.payments.CompleteTransfer(ctx, transferID)
}

// Fail normalizes the provider error and fails the transfer.
func (e *Executor) Fail(ctx context.Context, transferID uuid.UUID, payload model.TransferErrorPayload) (bool, error) {
	return e.payments.FailTransfer(ctx, transferID, e.provider.ParseError(payload))
}

// Apply moves the transfer to the state carried by a normalized update.
func (e *Executor) Apply(ctx context.Context, transfer *model.Transfer, update *model.TransferUpdate) (bool, error) {
	if update.Error != nil {
		return e.payments.FailTransfer(ctx, transfer.ID, *update.Error)
	}

	switch update.State {
	case model.TransferStateCompleted:
		return e.payments.CompleteTransfer(ctx, transfer.ID)
	case model.TransferStateFailed:
		return e.payments.FailTransfer(ctx, transfer.ID, fallbackFailure)
	case model.TransferStatePending:
		if transfer.State != model.TransferStateCreated {
			return false, nil
		}
		return e.payments.UpdateTransferState(ctx, transfer.ID, model.TransferStateCreated, model.TransferStatePending)
	default:
		return false, nil
	}
}

// ParseUpdate normalizes a raw provider payload.
func (e *Executor) ParseUpdate(payload model.TransferUpdatePayload) (*model.TransferUpdate, error) {
	update, err := e.provider.ParseUpdate(payload)
	e.record("parse_update", err)
	return update, err
}

// VerifyWebhook checks the webhook signature when the provider signs its
// webhooks.
func (e *Executor) VerifyWebhook(payload []byte, header http.Header) error {
	verifier, ok := e.provider.(outbound.WebhookVerifier)
	if !ok {
		return nil
	}
	if err := verifier.VerifyWebhook(payload, header); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// FetchStatus polls the provider for the transfer's current state.
func (e *Executor) FetchStatus(ctx context.Context, transfer *model.Transfer) (*model.TransferUpdate, error) {
	update, err := e.provider.FetchStatus(ctx, transfer)
	e.record("fetch_status", err)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch status of %s via %s: %v", ErrProviderRequest, transfer.ID, e.provider.Name(), err)
	}
	return update, nil
}

func (e *Executor) record(operation string, err error) {
	if e.recorder != nil {
		e.recorder.RecordProviderCall(e.provider.Name(), operation, err)
	}
}
