// Package management orchestrates loan payments: it initiates payments,
// advances payments and steps under a per-entity lock and reacts to the
// lending events those advances publish.
package management

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/loanpay/server/internal/domain/loanpayment"
	"github.com/loanpay/server/internal/domain/payment"
	"github.com/loanpay/server/internal/domain/paymentstep"
	"github.com/loanpay/server/internal/domain/transfer"
	"github.com/loanpay/server/internal/infra/events"
	"github.com/loanpay/server/internal/model"
	"github.com/loanpay/server/internal/port/outbound"
	"go.uber.org/zap"
)

// Service is the entry point for every payment operation.
type Service interface {
	// InitiateLoanPayment creates the next payment of the type for the loan
	// and starts it. Returns nil when the loan needs no such payment.
	InitiateLoanPayment(ctx context.Context, loanID uuid.UUID, paymentType model.LoanPaymentType) (*model.LoanPayment, error)

	// AdvancePayment reconciles a payment with its steps. paymentType is
	// loaded from the payment when nil.
	AdvancePayment(ctx context.Context, paymentID uuid.UUID, paymentType *model.LoanPaymentType) (bool, error)

	// AdvanceStep reconciles a step with its latest transfer. state is loaded
	// from the step when nil.
	AdvanceStep(ctx context.Context, stepID uuid.UUID, state *model.PaymentStepState) (bool, error)

	// AdvanceNextStep starts the step a stepped payment can run next.
	AdvanceNextStep(ctx context.Context, paymentID uuid.UUID) (bool, error)

	// RetryPaymentStep adds a transfer to a failed step and restarts it.
	RetryPaymentStep(ctx context.Context, stepID uuid.UUID) (*model.Transfer, error)

	// ProcessWebhook verifies, records and applies a provider webhook once
	// per provider event ID.
	ProcessWebhook(ctx context.Context, provider model.PaymentAccountProvider, payload []byte, header http.Header) (*WebhookResult, error)

	// ProcessTransferUpdate applies a raw provider update to a known transfer.
	ProcessTransferUpdate(ctx context.Context, transferID uuid.UUID, payload []byte, provider *model.PaymentAccountProvider) (bool, error)

	// PollTransfer fetches and applies the provider status of a pending transfer.
	PollTransfer(ctx context.Context, transferID uuid.UUID) (bool, error)

	// ChangeLoanState moves the loan to next and publishes LoanStateChanged.
	ChangeLoanState(ctx context.Context, loanID uuid.UUID, next model.LoanState) (*model.Loan, error)

	// StepLoanState publishes LoanStateStepped for the loan's current state.
	StepLoanState(ctx context.Context, loanID uuid.UUID) (*model.Loan, error)

	// CompleteLoanStage moves the loan past the stage a completed payment
	// closes. Repayments close the stage only once every installment is paid.
	CompleteLoanStage(ctx context.Context, loanID uuid.UUID, paymentType model.LoanPaymentType) error

	// ReconcileStalled re-advances steps whose latest transfer settled and
	// payments whose steps settled at least olderThan ago without the owner
	// following. Returns how many entities it advanced.
	ReconcileStalled(ctx context.Context, olderThan time.Duration, limit int) (int, error)

	HandleLoanStateChanged(ctx context.Context, loanID uuid.UUID, prev, next model.LoanState) (*model.LoanPayment, error)
	HandleLoanStateStepped(ctx context.Context, loanID uuid.UUID, state model.LoanState) (*model.LoanPayment, error)
}

// WebhookResult describes what a webhook did.
type WebhookResult struct {
	EventID    string     `json:"event_id,omitempty"`
	TransferID *uuid.UUID `json:"transfer_id,omitempty"`
	Duplicate  bool       `json:"duplicate"`
	Ignored    bool       `json:"ignored"`
	Changed    bool       `json:"changed"`
}

// Config holds advance lock settings.
type Config struct {
	LockTTL  time.Duration
	LockWait time.Duration
}

// Ports holds the persistence management needs beyond the payment domain.
type Ports struct {
	Loans    outbound.LoanDatabasePort
	Webhooks outbound.WebhookEventDatabasePort
	Lock     outbound.LockPort
}

// Dependencies holds the domain services management drives.
type Dependencies struct {
	Payments  payment.PaymentDomain
	Managers  *loanpayment.Factory
	Steps     *paymentstep.Factory
	Transfers transfer.Service
	Publisher outbound.EventPublisherPort
}

type service struct {
	payments  payment.PaymentDomain
	managers  *loanpayment.Factory
	steps     *paymentstep.Factory
	transfers transfer.Service
	publisher outbound.EventPublisherPort

	loanDB    outbound.LoanDatabasePort
	webhookDB outbound.WebhookEventDatabasePort
	lock      outbound.LockPort

	cfg    Config
	logger *zap.Logger
}

// NewService creates a new management service.
func NewService(deps Dependencies, ports Ports, cfg Config, logger *zap.Logger) Service {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &service{
		payments:  deps.Payments,
		managers:  deps.Managers,
		steps:     deps.Steps,
		transfers: deps.Transfers,
		publisher: deps.Publisher,
		loanDB:    ports.Loans,
		webhookDB: ports.Webhooks,
		lock:      ports.Lock,
		cfg:       cfg,
		logger:    logger.Named("management"),
	}
}

// --- Payments ---

func (s *service) InitiateLoanPayment(ctx context.Context, loanID uuid.UUID, paymentType model.LoanPaymentType) (*model.LoanPayment, error) {
	manager, err := s.managers.Manager(paymentType)
	if err != nil {
		return nil, err
	}

	var p *model.LoanPayment
	key := fmt.Sprintf("loan:%s:%s", loanID, paymentType)
	if err := s.withLock(ctx, key, func(ctx context.Context) error {
		p, err = manager.Initiate(ctx, loanID)
		return err
	}); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}

	// The first step starts outside the loan lock: completing it may
	// initiate the loan's next payment of the same type.
	steps := p.SortedSteps()
	if len(steps) == 0 {
		if _, err := s.AdvancePayment(ctx, p.ID, &paymentType); err != nil {
			return p, err
		}
		return p, nil
	}
	if _, err := s.AdvanceStep(ctx, steps[0].ID, nil); err != nil {
		return p, err
	}
	return p, nil
}

func (s *service) AdvancePayment(ctx context.Context, paymentID uuid.UUID, paymentType *model.LoanPaymentType) (bool, error) {
	var changed bool
	err := s.withLock(ctx, "payment:"+paymentID.String(), func(ctx context.Context) error {
		var t model.LoanPaymentType
		if paymentType != nil {
			t = *paymentType
		} else {
			p, err := s.payments.GetLoanPayment(ctx, paymentID)
			if err != nil {
				return err
			}
			t = p.Type
		}
		manager, err := s.managers.Manager(t)
		if err != nil {
			return err
		}
		changed, err = manager.Advance(ctx, paymentID)
		return err
	})
	return changed, err
}

func (s *service) AdvanceStep(ctx context.Context, stepID uuid.UUID, state *model.PaymentStepState) (bool, error) {
	var changed bool
	err := s.withLock(ctx, "step:"+stepID.String(), func(ctx context.Context) (err error) {
		changed, err = s.advanceStep(ctx, stepID, state)
		return err
	})
	return changed, err
}

func (s *service) advanceStep(ctx context.Context, stepID uuid.UUID, state *model.PaymentStepState) (bool, error) {
	manager, err := s.steps.Manager(ctx, stepID, state)
	if err != nil {
		return false, err
	}
	return manager.Advance(ctx, stepID)
}

func (s *service) AdvanceNextStep(ctx context.Context, paymentID uuid.UUID) (bool, error) {
	p, err := s.payments.GetLoanPayment(ctx, paymentID)
	if err != nil {
		return false, err
	}
	next := loanpayment.NextStep(p.SortedSteps())
	if next == nil {
		s.logger.Debug("payment has no step to start", zap.String("payment_id", paymentID.String()))
		return false, nil
	}
	created := model.PaymentStepStateCreated
	return s.AdvanceStep(ctx, next.ID, &created)
}

func (s *service) RetryPaymentStep(ctx context.Context, stepID uuid.UUID) (*model.Transfer, error) {
	var retry *model.Transfer
	err := s.withLock(ctx, "step:"+stepID.String(), func(ctx context.Context) error {
		var err error
		retry, err = s.steps.Retry(ctx, stepID)
		if err != nil {
			return err
		}
		failed := model.PaymentStepStateFailed
		_, err = s.advanceStep(ctx, stepID, &failed)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.payments.GetTransfer(ctx, retry.ID)
}

// --- Transfers ---

func (s *service) ProcessWebhook(ctx context.Context, provider model.PaymentAccountProvider, payload []byte, header http.Header) (*WebhookResult, error) {
	update, err := s.transfers.ParseWebhook(ctx, provider, payload, header)
	if err != nil {
		return nil, err
	}
	if update == nil {
		return &WebhookResult{Ignored: true}, nil
	}
	result := &WebhookResult{EventID: update.EventID}

	key := fmt.Sprintf("webhook:%s:%s", provider, update.ExternalID)
	var record *model.WebhookEvent
	applyErr := s.withLock(ctx, key, func(ctx context.Context) error {
		if update.EventID != "" {
			var err error
			record, err = s.webhookRecord(ctx, provider, update.EventID, payload)
			if err != nil {
				return err
			}
			if record == nil {
				result.Duplicate = true
				return nil
			}
		}
		applied, changed, err := s.transfers.ApplyWebhook(ctx, provider, update)
		if applied != nil {
			result.TransferID = &applied.ID
		}
		result.Changed = changed
		return err
	})

	if record != nil {
		if err := s.webhookDB.MarkProcessed(ctx, record.ID, applyErr); err != nil {
			s.logger.Error("failed to mark webhook processed",
				zap.String("event_id", update.EventID),
				zap.Error(err),
			)
		}
	}
	if applyErr != nil {
		return result, applyErr
	}
	return result, nil
}

// webhookRecord returns the event record to process, or nil when the event
// was already applied. An event whose earlier delivery failed, or never
// finished, is handed back for another attempt. Caller holds the webhook lock.
func (s *service) webhookRecord(ctx context.Context, provider model.PaymentAccountProvider, eventID string, payload []byte) (*model.WebhookEvent, error) {
	existing, err := s.webhookDB.Find(ctx, string(provider), eventID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Processed && existing.Error == nil {
			s.logger.Info("duplicate webhook",
				zap.String("provider", string(provider)),
				zap.String("event_id", eventID),
			)
			return nil, nil
		}
		s.logger.Info("retrying webhook",
			zap.String("provider", string(provider)),
			zap.String("event_id", eventID),
			zap.Bool("interrupted", !existing.Processed),
		)
		return existing, nil
	}

	record := &model.WebhookEvent{
		ID:       uuid.New(),
		Provider: string(provider),
		EventID:  eventID,
		Data:     string(payload),
	}
	if err := s.webhookDB.Create(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *service) ProcessTransferUpdate(ctx context.Context, transferID uuid.UUID, payload []byte, provider *model.PaymentAccountProvider) (bool, error) {
	var changed bool
	err := s.withLock(ctx, "transfer:"+transferID.String(), func(ctx context.Context) (err error) {
		changed, err = s.transfers.ProcessTransferUpdate(ctx, transferID, payload, provider)
		return err
	})
	return changed, err
}

func (s *service) PollTransfer(ctx context.Context, transferID uuid.UUID) (bool, error) {
	var changed bool
	err := s.withLock(ctx, "transfer:"+transferID.String(), func(ctx context.Context) (err error) {
		changed, err = s.transfers.PollTransfer(ctx, transferID)
		return err
	})
	return changed, err
}

// --- Loans ---

func (s *service) ChangeLoanState(ctx context.Context, loanID uuid.UUID, next model.LoanState) (*model.Loan, error) {
	var loan *model.Loan
	err := s.withLock(ctx, "loan:"+loanID.String(), func(ctx context.Context) error {
		var err error
		loan, err = s.payments.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if loan.State == next {
			return nil
		}
		return s.moveLoan(ctx, loan, next)
	})
	return loan, err
}

func (s *service) moveLoan(ctx context.Context, loan *model.Loan, next model.LoanState) error {
	prev := loan.State
	ok, err := s.loanDB.UpdateState(ctx, loan.ID, prev, next)
	if err != nil {
		return fmt.Errorf("update loan state: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: loan %s is no longer %s", ErrInvalidLoanState, loan.ID, prev)
	}
	loan.State = next
	s.logger.Info("loan state changed",
		zap.String("loan_id", loan.ID.String()),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
	)
	return s.publisher.Publish(ctx, events.NewLoanStateChangedEvent(loan.ID, prev, next))
}

func (s *service) StepLoanState(ctx context.Context, loanID uuid.UUID) (*model.Loan, error) {
	loan, err := s.payments.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if err := s.publisher.Publish(ctx, events.NewLoanStateSteppedEvent(loan.ID, loan.State)); err != nil {
		return nil, err
	}
	return loan, nil
}

func (s *service) CompleteLoanStage(ctx context.Context, loanID uuid.UUID, paymentType model.LoanPaymentType) error {
	stages := map[model.LoanPaymentType][2]model.LoanState{
		model.LoanPaymentTypeFunding:      {model.LoanStateFunding, model.LoanStateFunded},
		model.LoanPaymentTypeDisbursement: {model.LoanStateDisbursing, model.LoanStateDisbursed},
		model.LoanPaymentTypeRepayment:    {model.LoanStateRepaying, model.LoanStateRepaid},
	}
	stage, ok := stages[paymentType]
	if !ok {
		return nil
	}

	// No loan lock: the state update is conditional on the stage, so a
	// concurrent ChangeLoanState wins and this call becomes a no-op.
	loan, err := s.payments.GetLoan(ctx, loanID)
	if err != nil {
		return err
	}
	if loan.State != stage[0] {
		return nil
	}
	if paymentType == model.LoanPaymentTypeRepayment {
		completed, err := s.payments.GetSameCompletedPayments(ctx, loanID, paymentType)
		if err != nil {
			return err
		}
		if len(completed) < loan.PaymentsCount {
			s.logger.Debug("repayments outstanding",
				zap.String("loan_id", loanID.String()),
				zap.Int("completed", len(completed)),
				zap.Int("payments_count", loan.PaymentsCount),
			)
			return nil
		}
	}
	if err := s.moveLoan(ctx, loan, stage[1]); err != nil {
		if errors.Is(err, ErrInvalidLoanState) {
			s.logger.Debug("loan stage already moved", zap.String("loan_id", loanID.String()), zap.Error(err))
			return nil
		}
		return err
	}
	return nil
}

// --- Reconciliation ---

func (s *service) ReconcileStalled(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	steps, err := s.payments.ListStalledSteps(ctx, olderThan, limit)
	if err != nil {
		return 0, err
	}
	advanced := 0
	for _, step := range steps {
		if ctx.Err() != nil {
			return advanced, ctx.Err()
		}
		changed, err := s.AdvanceStep(ctx, step.ID, nil)
		if err != nil {
			if !IsBusy(err) {
				s.logger.Warn("stalled step not advanced", zap.String("step_id", step.ID.String()), zap.Error(err))
			}
			continue
		}
		if changed {
			advanced++
		}
	}

	payments, err := s.payments.ListStalledPayments(ctx, olderThan, limit)
	if err != nil {
		return advanced, err
	}
	for _, p := range payments {
		if ctx.Err() != nil {
			return advanced, ctx.Err()
		}
		paymentType := p.Type
		changed, err := s.AdvancePayment(ctx, p.ID, &paymentType)
		if err != nil {
			if !IsBusy(err) {
				s.logger.Warn("stalled payment not advanced", zap.String("payment_id", p.ID.String()), zap.Error(err))
			}
			continue
		}
		if changed {
			advanced++
		}
	}

	if advanced > 0 {
		s.logger.Info("reconciled stalled payments",
			zap.Int("steps", len(steps)),
			zap.Int("payments", len(payments)),
			zap.Int("advanced", advanced),
		)
	}
	return advanced, nil
}

// paymentTransitions lists the loan state changes that start a payment,
// keyed by the state the loan left.
var paymentTransitions = map[model.LoanState]model.LoanState{
	model.LoanStateAccepted:         model.LoanStateFunding,
	model.LoanStateFundingPaused:    model.LoanStateFunding,
	model.LoanStateFunded:           model.LoanStateDisbursing,
	model.LoanStateDisbursingPaused: model.LoanStateDisbursing,
	model.LoanStateDisbursed:        model.LoanStateRepaying,
	model.LoanStateRepaymentPaused:  model.LoanStateRepaying,
}

func (s *service) HandleLoanStateChanged(ctx context.Context, loanID uuid.UUID, prev, next model.LoanState) (*model.LoanPayment, error) {
	log := s.logger.With(
		zap.String("loan_id", loanID.String()),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
	)
	if prev == next {
		log.Debug("loan state unchanged")
		return nil, nil
	}
	if to, ok := paymentTransitions[prev]; !ok || to != next {
		log.Debug("loan state change starts no payment")
		return nil, nil
	}
	paymentType, ok := next.PaymentType()
	if !ok {
		log.Error("no payment type for loan state")
		return nil, nil
	}
	return s.InitiateLoanPayment(ctx, loanID, paymentType)
}

func (s *service) HandleLoanStateStepped(ctx context.Context, loanID uuid.UUID, state model.LoanState) (*model.LoanPayment, error) {
	if state != model.LoanStateRepaying {
		s.logger.Debug("loan state stepping starts no payment",
			zap.String("loan_id", loanID.String()),
			zap.String("state", string(state)),
		)
		return nil, nil
	}
	return s.InitiateLoanPayment(ctx, loanID, model.LoanPaymentTypeRepayment)
}

// --- Locking ---

// withLock runs fn while holding key. Events fn publishes are dispatched
// after the lock is released.
func (s *service) withLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	token, err := s.acquire(ctx, key)
	if err != nil {
		return err
	}

	deferred, flush := s.publisher.Defer(ctx)
	defer flush()
	defer func() {
		if err := s.lock.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			s.logger.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}()
	return fn(deferred)
}

func (s *service) acquire(ctx context.Context, key string) (string, error) {
	deadline := time.Now().Add(s.cfg.LockWait)
	for {
		token, ok, err := s.lock.TryLock(ctx, key, s.cfg.LockTTL)
		if err != nil {
			return "", fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return token, nil
		}
		if !time.Now().Before(deadline) {
			return "", fmt.Errorf("%w: %s", ErrAdvanceInProgress, key)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// IsBusy reports whether err only means another advance got there first.
func IsBusy(err error) bool {
	return errors.Is(err, ErrAdvanceInProgress)
}
