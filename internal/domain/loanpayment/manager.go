// Package loanpayment creates loan payments of each type and advances them
// from the state of their steps.
package loanpayment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/loanpay/server/internal/domain/payment"
	"github.com/loanpay/server/internal/model"
	"go.uber.org/zap"
)

// Manager drives payments of a single type.
type Manager interface {
	PaymentType() model.LoanPaymentType

	// Initiate creates the next payment of the manager's type for the loan,
	// with its steps. Returns nil when the loan does not need one.
	Initiate(ctx context.Context, loanID uuid.UUID) (*model.LoanPayment, error)

	// Advance completes, fails or steps the payment based on its steps.
	// Returns true when the payment changed or stepped.
	Advance(ctx context.Context, paymentID uuid.UUID) (bool, error)

	// NextStep returns the step the payment can start next, or nil.
	NextStep(ctx context.Context, paymentID uuid.UUID) (*model.LoanPaymentStep, error)
}

// accountPair holds the resolved source and destination account IDs.
type accountPair struct {
	from *uuid.UUID
	to   *uuid.UUID
}

// strategy holds what differs between payment types.
type strategy interface {
	paymentType() model.LoanPaymentType
	canInitiate(loan *model.Loan, log *zap.Logger) bool
	accounts(loan *model.Loan) accountPair
	calculate(loan *model.Loan, now time.Time) (*model.LoanPayment, error)
	stepsToApply(routeSteps []*model.PaymentsRouteStep) []*model.PaymentsRouteStep
}

// allRouteSteps is the default step selection.
func allRouteSteps(routeSteps []*model.PaymentsRouteStep) []*model.PaymentsRouteStep {
	return routeSteps
}

type baseManager struct {
	strategy
	payments payment.PaymentDomain
	now      func() time.Time
	logger   *zap.Logger
}

func newBaseManager(s strategy, payments payment.PaymentDomain, logger *zap.Logger) *baseManager {
	return &baseManager{
		strategy: s,
		payments: payments,
		now:      time.Now,
		logger:   logger.Named("loan-payment").With(zap.String("payment_type", string(s.paymentType()))),
	}
}

func (m *baseManager) PaymentType() model.LoanPaymentType {
	return m.paymentType()
}

func (m *baseManager) Initiate(ctx context.Context, loanID uuid.UUID) (*model.LoanPayment, error) {
	log := m.logger.With(zap.String("loan_id", loanID.String()))
	log.Debug("initiating payment")

	loan, err := m.payments.GetLoan(ctx, loanID, model.LoanRelationPayments, model.LoanRelationBiller)
	if err != nil {
		return nil, err
	}

	if !m.canInitiate(loan, log) {
		return nil, nil
	}

	pair := m.accounts(loan)
	if pair.from == nil || pair.to == nil {
		log.Warn("payment accounts are missing",
			zap.Bool("has_source", pair.from != nil),
			zap.Bool("has_destination", pair.to != nil),
		)
		return nil, nil
	}

	now := m.now()
	newPayment, err := m.calculate(loan, now)
	if err != nil {
		return nil, err
	}

	duplicate, err := m.payments.HasDuplicatePayment(ctx, loanID, m.paymentType(), newPayment.PaymentNumber)
	if err != nil {
		return nil, err
	}
	if duplicate {
		log.Warn("payment already exists", zap.Int("payment_number", newPayment.Number()))
		return nil, nil
	}

	// Payments born completed carry no money movement.
	if newPayment.State == model.PaymentStateCompleted {
		if err := m.create(ctx, newPayment, now); err != nil {
			return nil, err
		}
		log.Info("payment created completed", zap.String("payment_id", newPayment.ID.String()))
		return newPayment, nil
	}

	route, err := m.findRoute(ctx, loan, pair)
	if err != nil {
		return nil, err
	}

	if err := m.create(ctx, newPayment, now); err != nil {
		return nil, err
	}

	steps := m.generateSteps(newPayment, route, pair)
	if err := m.payments.CreatePaymentSteps(ctx, steps); err != nil {
		return nil, fmt.Errorf("create payment steps: %w", err)
	}
	newPayment.Steps = steps

	log.Info("payment initiated",
		zap.String("payment_id", newPayment.ID.String()),
		zap.String("amount", newPayment.Amount.StringFixed(2)),
		zap.Int("attempt", newPayment.Attempt),
		zap.Int("steps", len(steps)),
	)
	return newPayment, nil
}

func (m *baseManager) create(ctx context.Context, p *model.LoanPayment, now time.Time) error {
	failed, err := m.payments.GetSameFailedPayments(ctx, p.LoanID, p.Type)
	if err != nil {
		return err
	}
	attempt := 1
	for _, f := range failed {
		if f.Number() == p.Number() {
			attempt++
		}
	}
	p.Attempt = attempt
	p.InitiatedAt = &now

	if err := m.payments.CreatePayment(ctx, p); err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

func (m *baseManager) findRoute(ctx context.Context, loan *model.Loan, pair accountPair) (*model.PaymentsRoute, error) {
	from, err := m.payments.GetPaymentAccount(ctx, *pair.from)
	if err != nil {
		return nil, err
	}
	to, err := m.payments.GetPaymentAccount(ctx, *pair.to)
	if err != nil {
		return nil, err
	}

	search := model.NewRouteSearch(from, to, m.paymentType(), loan.Type)
	route, err := m.payments.FindRoute(ctx, search)
	if err != nil {
		return nil, err
	}
	if route == nil {
		m.logger.Error("no route for payment",
			zap.String("loan_id", loan.ID.String()),
			zap.String("from", fmt.Sprintf("%s/%s/%s", from.Type, from.Ownership, from.Provider)),
			zap.String("to", fmt.Sprintf("%s/%s/%s", to.Type, to.Ownership, to.Provider)),
		)
		return nil, fmt.Errorf("%w: %s payment for loan %s", ErrRouteNotFound, m.paymentType(), loan.ID)
	}
	return route, nil
}

// generateSteps turns the selected route steps into payment steps. Every
// step after the first waits for its predecessor to complete.
func (m *baseManager) generateSteps(p *model.LoanPayment, route *model.PaymentsRoute, pair accountPair) []*model.LoanPaymentStep {
	routeSteps := m.stepsToApply(sortedRouteSteps(route.Steps))

	steps := make([]*model.LoanPaymentStep, 0, len(routeSteps))
	for i, rs := range routeSteps {
		step := &model.LoanPaymentStep{
			ID:              uuid.New(),
			LoanPaymentID:   p.ID,
			Order:           i,
			Amount:          p.Amount,
			SourceAccountID: *pair.from,
			TargetAccountID: *pair.to,
			State:           model.PaymentStepStateCreated,
		}
		if rs.FromID != nil {
			step.SourceAccountID = *rs.FromID
		}
		if rs.ToID != nil {
			step.TargetAccountID = *rs.ToID
		}
		if i > 0 {
			await := model.PaymentStepStateCompleted
			step.AwaitStepState = &await
			step.AwaitStepID = &steps[i-1].ID
		}
		steps = append(steps, step)
	}
	return steps
}

func (m *baseManager) Advance(ctx context.Context, paymentID uuid.UUID) (bool, error) {
	p, err := m.payments.GetLoanPayment(ctx, paymentID)
	if err != nil {
		return false, err
	}
	steps := p.SortedSteps()

	if allStepsCompleted(steps) && p.State != model.PaymentStateCompleted {
		return m.payments.CompletePayment(ctx, p)
	}

	if failed := failedStep(steps); failed != nil && p.State != model.PaymentStateFailed {
		return m.payments.FailPayment(ctx, p, failed.ID)
	}

	// A failed payment only has a next step once its failed step was retried.
	if next := NextStep(steps); next != nil && p.State != model.PaymentStateCompleted {
		return m.payments.StepPayment(ctx, p)
	}

	return false, nil
}

func (m *baseManager) NextStep(ctx context.Context, paymentID uuid.UUID) (*model.LoanPaymentStep, error) {
	p, err := m.payments.GetLoanPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return NextStep(p.SortedSteps()), nil
}

// NextStep returns the created step that follows the highest completed
// step, or the first step when none completed. Steps must be sorted.
func NextStep(steps []*model.LoanPaymentStep) *model.LoanPaymentStep {
	if len(steps) == 0 {
		return nil
	}

	maxCompleted := -1
	for _, s := range steps {
		if s.State == model.PaymentStepStateCompleted && s.Order > maxCompleted {
			maxCompleted = s.Order
		}
	}

	for _, s := range steps {
		if s.Order == maxCompleted+1 && s.State == model.PaymentStepStateCreated {
			return s
		}
	}
	return nil
}

func allStepsCompleted(steps []*model.LoanPaymentStep) bool {
	for _, s := range steps {
		if s.State != model.PaymentStepStateCompleted {
			return false
		}
	}
	return true
}

// failedStep returns the highest-order started step when it failed.
func failedStep(steps []*model.LoanPaymentStep) *model.LoanPaymentStep {
	var last *model.LoanPaymentStep
	for _, s := range steps {
		if s.State == model.PaymentStepStateCreated {
			continue
		}
		if last == nil || s.Order > last.Order {
			last = s
		}
	}
	if last != nil && last.State == model.PaymentStepStateFailed {
		return last
	}
	return nil
}

func sortedRouteSteps(steps []*model.PaymentsRouteStep) []*model.PaymentsRouteStep {
	out := make([]*model.PaymentsRouteStep, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// samePayments filters the loan's payments of a type by state.
func samePayments(loan *model.Loan, t model.LoanPaymentType, states ...model.PaymentState) []*model.LoanPayment {
	var out []*model.LoanPayment
	for _, p := range loan.PaymentsOfType(t) {
		for _, s := range states {
			if p.State == s {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

func initiatedPayments(loan *model.Loan, t model.LoanPaymentType) []*model.LoanPayment {
	return samePayments(loan, t, model.PaymentStateCreated, model.PaymentStatePending)
}

func completedPayments(loan *model.Loan, t model.LoanPaymentType) []*model.LoanPayment {
	return samePayments(loan, t, model.PaymentStateCompleted)
}
