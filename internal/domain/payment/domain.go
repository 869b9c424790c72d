package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loanpay/server/internal/infra/events"
	"github.com/loanpay/server/internal/model"
	"github.com/loanpay/server/internal/port/outbound"
	"go.uber.org/zap"
)

// PaymentDomain owns persistence and state transitions of loan payments,
// their steps and the transfers backing them. Every successful transition
// publishes the matching lending event.
type PaymentDomain interface {
	GetLoan(ctx context.Context, loanID uuid.UUID, relations ...model.LoanRelation) (*model.Loan, error)
	GetPaymentAccount(ctx context.Context, accountID uuid.UUID) (*model.PaymentAccount, error)
	GetLoanPayment(ctx context.Context, paymentID uuid.UUID) (*model.LoanPayment, error)
	GetPaymentStep(ctx context.Context, stepID uuid.UUID) (*model.LoanPaymentStep, error)
	GetTransfer(ctx context.Context, transferID uuid.UUID) (*model.Transfer, error)
	GetTransferByExternalID(ctx context.Context, provider model.PaymentAccountProvider, externalID string) (*model.Transfer, error)

	// FindRoute returns the route matching the search, or nil when none does.
	FindRoute(ctx context.Context, search model.RouteSearch) (*model.PaymentsRoute, error)

	CreatePayment(ctx context.Context, payment *model.LoanPayment) error
	CreatePaymentSteps(ctx context.Context, steps []*model.LoanPaymentStep) error

	// GetSameInitiatedPayments lists payments of the type that are created or pending.
	GetSameInitiatedPayments(ctx context.Context, loanID uuid.UUID, paymentType model.LoanPaymentType) ([]*model.LoanPayment, error)
	GetSameCompletedPayments(ctx context.Context, loanID uuid.UUID, paymentType model.LoanPaymentType) ([]*model.LoanPayment, error)
	GetSameFailedPayments(ctx context.Context, loanID uuid.UUID, paymentType model.LoanPaymentType) ([]*model.LoanPayment, error)

	// HasDuplicatePayment reports whether a non-failed payment with the same
	// type and number exists.
	HasDuplicatePayment(ctx context.Context, loanID uuid.UUID, paymentType model.LoanPaymentType, paymentNumber *int) (bool, error)

	// StepPayment moves a created payment to pending and announces that its
	// next step may start. A failed payment whose failed step was retried
	// resumes the same way.
	StepPayment(ctx context.Context, payment *model.LoanPayment) (bool, error)
	CompletePayment(ctx context.Context, payment *model.LoanPayment) (bool, error)
	FailPayment(ctx context.Context, payment *model.LoanPayment, stepID uuid.UUID) (bool, error)

	// UpdatePaymentStepState moves a step from prev to next. Returns false
	// when the step was no longer in prev.
	UpdatePaymentStepState(ctx context.Context, step *model.LoanPaymentStep, prev, next model.PaymentStepState) (bool, error)

	// GetLatestTransferForStep returns the step's transfer with the highest order, or nil.
	GetLatestTransferForStep(ctx context.Context, stepID uuid.UUID) (*model.Transfer, error)
	// GetPreviousTransferForStep returns the transfer preceding order, or nil.
	GetPreviousTransferForStep(ctx context.Context, stepID uuid.UUID, order int) (*model.Transfer, error)
	CreateTransferForStep(ctx context.Context, stepID uuid.UUID) (*model.Transfer, error)
	UpdateTransferState(ctx context.Context, transferID uuid.UUID, prev, next model.TransferState) (bool, error)
	SetTransferExternalID(ctx context.Context, transferID uuid.UUID, provider model.PaymentAccountProvider, externalID string) error
	CompleteTransfer(ctx context.Context, transferID uuid.UUID) (bool, error)
	// FailTransfer records the error and fails the transfer. A transfer that
	// already carries an error is left untouched and false is returned.
	FailTransfer(ctx context.Context, transferID uuid.UUID, details model.TransferErrorDetails) (bool, error)
	ListPendingTransfers(ctx context.Context, olderThan time.Duration, limit int) ([]*model.Transfer, error)

	// ListStalledSteps lists pending steps whose latest transfer settled at least olderThan ago.
	ListStalledSteps(ctx context.Context, olderThan time.Duration, limit int) ([]*model.LoanPaymentStep, error)
	// ListStalledPayments lists payments whose steps all settled at least
	// olderThan ago while the payment did not follow.
	ListStalledPayments(ctx context.Context, olderThan time.Duration, limit int) ([]*model.LoanPayment, error)
}

// StateRecorder observes state transitions.
type StateRecorder interface {
	RecordPaymentState(paymentType model.LoanPaymentType, state model.PaymentState)
	RecordStepState(state model.PaymentStepState)
	RecordTransferState(provider model.PaymentAccountProvider, state model.TransferState)
}

// Ports groups the persistence ports the payment domain depends on.
type Ports struct {
	Loans     outbound.LoanDatabasePort
	Accounts  outbound.PaymentAccountDatabasePort
	Payments  outbound.LoanPaymentDatabasePort
	Steps     outbound.PaymentStepDatabasePort
	Transfers outbound.TransferDatabasePort
	Routes    outbound.PaymentsRouteDatabasePort
}

type paymentDomain struct {
	loanDB     outbound.LoanDatabasePort
	accountDB  outbound.PaymentAccountDatabasePort
	paymentDB  outbound.LoanPaymentDatabasePort
	stepDB     outbound.PaymentStepDatabasePort
	transferDB outbound.TransferDatabasePort
	routeDB    outbound.PaymentsRouteDatabasePort

	eventPublisher outbound.EventPublisherPort
	recorder       StateRecorder
	now            func() time.Time
	logger         *zap.Logger
}

// NewPaymentDomain creates a new payment domain service. recorder may be nil.
func NewPaymentDomain(
	ports Ports,
	eventPublisher outbound.EventPublisherPort,
	recorder StateRecorder,
	logger *zap.Logger,
) PaymentDomain {
	return &paymentDomain{
		loanDB:         ports.Loans,
		accountDB:      ports.Accounts,
		paymentDB:      ports.Payments,
		stepDB:         ports.Steps,
		transferDB:     ports.Transfers,
		routeDB:        ports.Routes,
		eventPublisher: eventPublisher,
		recorder:       recorder,
		now:            time.Now,
		logger:         logger.Named("payment"),
	}
}

// --- Lookups ---

func (d *paymentDomain) GetLoan(ctx context.Context, loanID uuid.UUID, relations ...model.LoanRelation) (*model.Loan, error) {
	loan, err := d.loanDB.FindByID(ctx, loanID, relations...)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, ErrLoanNotFound
	}
	return loan, nil
}

func (d *paymentDomain) GetPaymentAccount(ctx context.Context, accountID uuid.UUID) (*model.PaymentAccount, error) {
	account, err := d.accountDB.FindByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return account, nil
}

func (d *paymentDomain) GetLoanPayment(ctx context.Context, paymentID uuid.UUID) (*model.LoanPayment, error) {
	payment, err := d.paymentDB.FindByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, ErrPaymentNotFound
	}
	return payment, nil
}

func (d *paymentDomain) GetPaymentStep(ctx context.Context, stepID uuid.UUID) (*model.LoanPaymentStep, error) {
	step, err := d.stepDB.FindByID(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if step == nil {
		return nil, ErrStepNotFound
	}
	return step, nil
}

func (d *paymentDomain) GetTransfer(ctx context.Context, transferID uuid.UUID) (*model.Transfer, error) {
	transfer, err := d.transferDB.FindByID(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if transfer == nil {
		return nil, ErrTransferNotFound
	}
	return transfer, nil
}

func (d *paymentDomain) GetTransferByExternalID(ctx context.Context, provider model.PaymentAccountProvider, externalID string) (*model.Transfer, error) {
	transfer, err := d.transferDB.FindByExternalID(ctx, provider, externalID)
	if err != nil {
		return nil, err
	}
	if transfer == nil {
		return nil, ErrTransferNotFound
	}
	return transfer, nil
}

func (d *paymentDomain) FindRoute(ctx context.Context, search model.RouteSearch) (*model.PaymentsRoute, error) {
	return d.routeDB.Find(ctx, search)
}

// --- Payments ---

func (d *paymentDomain) CreatePayment(ctx context.Context, payment *model.LoanPayment) error {
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	if err := d.paymentDB.Create(ctx, payment); err != nil {
		return err
	}
	d.recordPayment(payment.Type, payment.State)

	// Zero-amount payments are born completed and never advance.
	if payment.State == model.PaymentStateCompleted {
		d.publish(ctx, events.NewPaymentStateEvent(events.PaymentCompletedType, payment, model.PaymentStateCreated))
	}
	return nil
}

func (d *paymentDomain) CreatePaymentSteps(ctx context.Context, steps []*model.LoanPaymentStep) error {
	if len(steps) == 0 {
		return nil
	}
	for _, step := range steps {
		if step.ID == uuid.Nil {
			step.ID = uuid.New()
		}
	}
	return d.stepDB.CreateBatch(ctx, steps)
}

func (d *paymentDomain) GetSameInitiatedPayments(ctx context.Context, loanID uuid.UUID, paymentType model.LoanPaymentType) ([]*model.LoanPayment, error) {
	return d.paymentDB.FindByLoan(ctx, loanID, paymentType, model.PaymentStateCreated, model.PaymentStatePending)
}

func (d *paymentDomain) GetSameCompletedPayments(ctx context.Context, loanID uuid.UUID, paymentType model.LoanPaymentType) ([]*model.LoanPayment, error) {
	return d.paymentDB.FindByLoan(ctx, loanID, paymentType, model.PaymentStateCompleted)
}

func (d *paymentDomain) GetSameFailedPayments(ctx context.Context, loanID uuid.UUID, paymentType model.LoanPaymentType) ([]*model.LoanPayment, error) {
	return d.paymentDB.FindByLoan(ctx, loanID, paymentType, model.PaymentStateFailed)
}

func (d *paymentDomain) HasDuplicatePayment(ctx context.Context, loanID uuid.UUID, paymentType model.LoanPaymentType, paymentNumber *int) (bool, error) {
	payments, err := d.paymentDB.FindByLoan(ctx, loanID, paymentType,
		model.PaymentStateCreated, model.PaymentStatePending, model.PaymentStateCompleted)
	if err != nil {
		return false, err
	}
	for _, p := range payments {
		if paymentNumber == nil || p.Number() == *paymentNumber {
			return true, nil
		}
	}
	return false, nil
}

func (d *paymentDomain) StepPayment(ctx context.Context, payment *model.LoanPayment) (bool, error) {
	original := payment.State
	switch original {
	case model.PaymentStatePending:
	case model.PaymentStateCreated, model.PaymentStateFailed:
		ok, err := d.paymentDB.UpdateState(ctx, payment.ID, original, model.PaymentStatePending)
		if err != nil {
			return false, fmt.Errorf("step payment: %w", err)
		}
		if !ok {
			d.logger.Debug("payment moved concurrently, skipping step",
				zap.String("payment_id", payment.ID.String()))
			return false, nil
		}
		payment.State = model.PaymentStatePending
		d.recordPayment(payment.Type, payment.State)
		d.publish(ctx, events.NewPaymentStateEvent(events.PaymentPendingType, payment, original))
	default:
		return false, fmt.Errorf("%w: payment %s is %s", ErrInvalidStateTransition, payment.ID, original)
	}

	d.publish(ctx, events.NewPaymentStateEvent(events.PaymentSteppedType, payment, original))
	return true, nil
}

func (d *paymentDomain) CompletePayment(ctx context.Context, payment *model.LoanPayment) (bool, error) {
	original := payment.State
	now := d.now()
	ok, err := d.paymentDB.Complete(ctx, payment.ID, now)
	if err != nil {
		return false, fmt.Errorf("complete payment: %w", err)
	}
	if !ok {
		return false, nil
	}
	payment.State = model.PaymentStateCompleted
	payment.CompletedAt = &now

	d.logger.Info("loan payment completed",
		zap.String("payment_id", payment.ID.String()),
		zap.String("loan_id", payment.LoanID.String()),
		zap.String("type", string(payment.Type)),
	)
	d.recordPayment(payment.Type, payment.State)
	d.publish(ctx, events.NewPaymentStateEvent(events.PaymentCompletedType, payment, original))
	return true, nil
}

func (d *paymentDomain) FailPayment(ctx context.Context, payment *model.LoanPayment, stepID uuid.UUID) (bool, error) {
	original := payment.State
	ok, err := d.paymentDB.Fail(ctx, payment.ID)
	if err != nil {
		return false, fmt.Errorf("fail payment: %w", err)
	}
	if !ok {
		return false, nil
	}
	payment.State = model.PaymentStateFailed

	d.logger.Warn("loan payment failed",
		zap.String("payment_id", payment.ID.String()),
		zap.String("loan_id", payment.LoanID.String()),
		zap.String("step_id", stepID.String()),
	)
	d.recordPayment(payment.Type, payment.State)

	event := events.NewPaymentStateEvent(events.PaymentFailedType, payment, original)
	event.FailedStepID = &stepID
	d.publish(ctx, event)
	return true, nil
}

// --- Steps ---

func (d *paymentDomain) UpdatePaymentStepState(ctx context.Context, step *model.LoanPaymentStep, prev, next model.PaymentStepState) (bool, error) {
	ok, err := d.stepDB.UpdateState(ctx, step.ID, prev, next)
	if err != nil {
		return false, fmt.Errorf("update step state: %w", err)
	}
	if !ok {
		d.logger.Debug("step state changed concurrently",
			zap.String("step_id", step.ID.String()),
			zap.String("expected", string(prev)),
		)
		return false, nil
	}
	step.State = next

	d.logger.Debug("payment step state changed",
		zap.String("step_id", step.ID.String()),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
	)
	if d.recorder != nil {
		d.recorder.RecordStepState(next)
	}
	if event := events.NewPaymentStepStateEvent(step, prev, next); event != nil {
		d.publish(ctx, event)
	}
	return true, nil
}

// --- Transfers ---

func (d *paymentDomain) GetLatestTransferForStep(ctx context.Context, stepID uuid.UUID) (*model.Transfer, error) {
	transfers, err := d.transferDB.FindByStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	var latest *model.Transfer
	for _, t := range transfers {
		if latest == nil || t.Order > latest.Order {
			latest = t
		}
	}
	return latest, nil
}

func (d *paymentDomain) GetPreviousTransferForStep(ctx context.Context, stepID uuid.UUID, order int) (*model.Transfer, error) {
	transfers, err := d.transferDB.FindByStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	var previous *model.Transfer
	for _, t := range transfers {
		if t.Order < order && (previous == nil || t.Order > previous.Order) {
			previous = t
		}
	}
	return previous, nil
}

func (d *paymentDomain) CreateTransferForStep(ctx context.Context, stepID uuid.UUID) (*model.Transfer, error) {
	step, err := d.GetPaymentStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	existing, err := d.transferDB.FindByStep(ctx, stepID)
	if err != nil {
		return nil, err
	}

	transfer := &model.Transfer{
		ID:                   uuid.New(),
		Order:                len(existing),
		Amount:               step.Amount,
		State:                model.TransferStateCreated,
		SourceAccountID:      step.SourceAccountID,
		DestinationAccountID: step.TargetAccountID,
		LoanPaymentStepID:    &step.ID,
	}
	if err := d.transferDB.Create(ctx, transfer); err != nil {
		return nil, err
	}

	d.logger.Debug("transfer created for step",
		zap.String("step_id", stepID.String()),
		zap.String("transfer_id", transfer.ID.String()),
		zap.Int("order", transfer.Order),
	)
	return transfer, nil
}

func (d *paymentDomain) UpdateTransferState(ctx context.Context, transferID uuid.UUID, prev, next model.TransferState) (bool, error) {
	ok, err := d.transferDB.UpdateState(ctx, transferID, prev, next)
	if err != nil {
		return false, fmt.Errorf("update transfer state: %w", err)
	}
	return ok, nil
}

func (d *paymentDomain) SetTransferExternalID(ctx context.Context, transferID uuid.UUID, provider model.PaymentAccountProvider, externalID string) error {
	return d.transferDB.SetExternalID(ctx, transferID, provider, externalID)
}

func (d *paymentDomain) CompleteTransfer(ctx context.Context, transferID uuid.UUID) (bool, error) {
	transfer, err := d.GetTransfer(ctx, transferID)
	if err != nil {
		return false, err
	}
	switch transfer.State {
	case model.TransferStateCompleted:
		return false, nil
	case model.TransferStateFailed:
		return false, fmt.Errorf("%w: transfer %s already failed", ErrInvalidStateTransition, transferID)
	}

	ok, err := d.transferDB.UpdateState(ctx, transferID, transfer.State, model.TransferStateCompleted)
	if err != nil {
		return false, fmt.Errorf("complete transfer: %w", err)
	}
	if !ok {
		return false, nil
	}
	transfer.State = model.TransferStateCompleted

	d.logger.Info("transfer completed",
		zap.String("transfer_id", transferID.String()),
		zap.String("provider", string(transfer.Provider)),
	)
	if d.recorder != nil {
		d.recorder.RecordTransferState(transfer.Provider, transfer.State)
	}
	d.publish(ctx, events.NewTransferCompletedEvent(transfer))
	return true, nil
}

func (d *paymentDomain) FailTransfer(ctx context.Context, transferID uuid.UUID, details model.TransferErrorDetails) (bool, error) {
	transfer, err := d.GetTransfer(ctx, transferID)
	if err != nil {
		return false, err
	}
	if transfer.Error != nil {
		d.logger.Debug("transfer already failed",
			zap.String("transfer_id", transferID.String()))
		return false, nil
	}
	if transfer.State == model.TransferStateCompleted {
		return false, fmt.Errorf("%w: transfer %s already completed", ErrInvalidStateTransition, transferID)
	}

	transferErr := &model.TransferError{
		ID:         uuid.New(),
		TransferID: transferID,
		LoanID:     d.loanIDForTransfer(ctx, transfer),
		Code:       details.Code,
		Message:    details.Message,
		Raw:        details.Raw,
	}
	ok, err := d.transferDB.Fail(ctx, transferID, transferErr)
	if err != nil {
		return false, fmt.Errorf("fail transfer: %w", err)
	}
	if !ok {
		return false, nil
	}
	transfer.State = model.TransferStateFailed
	transfer.Error = transferErr

	d.logger.Warn("transfer failed",
		zap.String("transfer_id", transferID.String()),
		zap.String("provider", string(transfer.Provider)),
		zap.String("code", details.Code),
		zap.String("message", details.Message),
	)
	if d.recorder != nil {
		d.recorder.RecordTransferState(transfer.Provider, transfer.State)
	}
	d.publish(ctx, events.NewTransferFailedEvent(transfer))
	return true, nil
}

func (d *paymentDomain) ListPendingTransfers(ctx context.Context, olderThan time.Duration, limit int) ([]*model.Transfer, error) {
	return d.transferDB.FindPending(ctx, d.now().Add(-olderThan), limit)
}

func (d *paymentDomain) ListStalledSteps(ctx context.Context, olderThan time.Duration, limit int) ([]*model.LoanPaymentStep, error) {
	return d.stepDB.FindStalled(ctx, d.now().Add(-olderThan), limit)
}

func (d *paymentDomain) ListStalledPayments(ctx context.Context, olderThan time.Duration, limit int) ([]*model.LoanPayment, error) {
	return d.paymentDB.FindStalled(ctx, d.now().Add(-olderThan), limit)
}

// --- Helpers ---

func (d *paymentDomain) loanIDForTransfer(ctx context.Context, transfer *model.Transfer) *uuid.UUID {
	if transfer.LoanPaymentStepID == nil {
		return nil
	}
	step, err := d.stepDB.FindByID(ctx, *transfer.LoanPaymentStepID)
	if err != nil || step == nil {
		return nil
	}
	payment, err := d.paymentDB.FindByID(ctx, step.LoanPaymentID)
	if err != nil || payment == nil {
		return nil
	}
	return &payment.LoanID
}

func (d *paymentDomain) recordPayment(paymentType model.LoanPaymentType, state model.PaymentState) {
	if d.recorder != nil {
		d.recorder.RecordPaymentState(paymentType, state)
	}
}

func (d *paymentDomain) publish(ctx context.Context, event events.Event) {
	if d.eventPublisher == nil {
		return
	}
	if err := d.eventPublisher.Publish(ctx, event); err != nil {
		d.logger.Error("failed to publish event",
			zap.String("event_type", event.EventType()),
			zap.Error(err),
		)
	}
}
