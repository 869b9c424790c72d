package loanpayment

import (
	"fmt"
	"time"

	"github.com/loanpay/server/internal/domain/schedule"
	"github.com/loanpay/server/internal/model"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func lenderToBiller(loan *model.Loan) accountPair {
	pair := accountPair{from: loan.LenderAccountID}
	if loan.Biller != nil {
		pair.to = loan.Biller.PaymentAccountID
	}
	return pair
}

func borrowerToLender(loan *model.Loan) accountPair {
	return accountPair{from: loan.BorrowerAccountID, to: loan.LenderAccountID}
}

func newPayment(loan *model.Loan, t model.LoanPaymentType, amount decimal.Decimal, scheduledAt time.Time) *model.LoanPayment {
	return &model.LoanPayment{
		LoanID:      loan.ID,
		Type:        t,
		Amount:      amount,
		State:       model.PaymentStateCreated,
		ScheduledAt: &scheduledAt,
	}
}

// singleShot refuses a payment type that is already in flight or done.
func singleShot(loan *model.Loan, t model.LoanPaymentType, log *zap.Logger) bool {
	if len(initiatedPayments(loan, t)) > 0 {
		log.Warn("payment already initiated")
		return false
	}
	if len(completedPayments(loan, t)) > 0 {
		log.Warn("payment already completed")
		return false
	}
	return true
}

// --- Funding ---

// fundingStrategy moves principal plus fee from the lender into the holding
// account. On multi-step routes it owns only the first step.
type fundingStrategy struct{}

func (fundingStrategy) paymentType() model.LoanPaymentType { return model.LoanPaymentTypeFunding }

func (fundingStrategy) canInitiate(loan *model.Loan, log *zap.Logger) bool {
	return singleShot(loan, model.LoanPaymentTypeFunding, log)
}

func (fundingStrategy) accounts(loan *model.Loan) accountPair { return lenderToBiller(loan) }

func (fundingStrategy) calculate(loan *model.Loan, now time.Time) (*model.LoanPayment, error) {
	return newPayment(loan, model.LoanPaymentTypeFunding, loan.Amount.Add(loan.FeeAmount), now), nil
}

func (fundingStrategy) stepsToApply(routeSteps []*model.PaymentsRouteStep) []*model.PaymentsRouteStep {
	if len(routeSteps) > 1 {
		return routeSteps[:1]
	}
	return nil
}

// --- Disbursement ---

// disbursementStrategy pays the principal out to the biller. On multi-step
// routes it owns every step after the first.
type disbursementStrategy struct{}

func (disbursementStrategy) paymentType() model.LoanPaymentType {
	return model.LoanPaymentTypeDisbursement
}

func (disbursementStrategy) canInitiate(loan *model.Loan, log *zap.Logger) bool {
	return singleShot(loan, model.LoanPaymentTypeDisbursement, log)
}

func (disbursementStrategy) accounts(loan *model.Loan) accountPair { return lenderToBiller(loan) }

func (disbursementStrategy) calculate(loan *model.Loan, now time.Time) (*model.LoanPayment, error) {
	return newPayment(loan, model.LoanPaymentTypeDisbursement, loan.Amount, now), nil
}

func (disbursementStrategy) stepsToApply(routeSteps []*model.PaymentsRouteStep) []*model.PaymentsRouteStep {
	if len(routeSteps) > 1 {
		return routeSteps[1:]
	}
	return routeSteps
}

// --- Repayment ---

// repaymentStrategy collects the next scheduled principal installment from
// the borrower. Fees are collected by the fee payment.
type repaymentStrategy struct {
	scheduler *schedule.Scheduler
}

func (repaymentStrategy) paymentType() model.LoanPaymentType { return model.LoanPaymentTypeRepayment }

func (repaymentStrategy) canInitiate(loan *model.Loan, log *zap.Logger) bool {
	if len(initiatedPayments(loan, model.LoanPaymentTypeRepayment)) > 0 {
		log.Warn("repayment already initiated")
		return false
	}
	highest := 0
	for _, p := range completedPayments(loan, model.LoanPaymentTypeRepayment) {
		if p.Number() > highest {
			highest = p.Number()
		}
	}
	if highest >= loan.PaymentsCount {
		log.Warn("all repayments completed",
			zap.Int("payments_count", loan.PaymentsCount),
			zap.Int("highest_payment_number", highest),
		)
		return false
	}
	return true
}

func (repaymentStrategy) accounts(loan *model.Loan) accountPair { return borrowerToLender(loan) }

func (s repaymentStrategy) calculate(loan *model.Loan, _ time.Time) (*model.LoanPayment, error) {
	completed := completedPayments(loan, model.LoanPaymentTypeRepayment)

	start := loan.CreatedAt
	if loan.RepaymentStartDate != nil {
		start = *loan.RepaymentStartDate
	}
	current := schedule.PlanInput{
		Amount:             loan.Amount,
		PaymentsCount:      loan.PaymentsCount,
		PaymentFrequency:   loan.PaymentFrequency,
		FeeMode:            loan.FeeMode,
		RepaymentStartDate: &start,
	}

	paid := make([]schedule.PaidRepayment, 0, len(completed))
	for _, p := range completed {
		date := p.CreatedAt
		if p.ScheduledAt != nil {
			date = *p.ScheduledAt
		}
		index := p.Number()
		if index == 0 {
			index = 1
		}
		paid = append(paid, schedule.PaidRepayment{Amount: p.Amount, PaymentDate: date, Index: index})
	}

	plan := s.scheduler.PreviewRemainingRepayments(current, paid)
	if len(plan) == 0 {
		return nil, fmt.Errorf("%w: no remaining repayments for loan %s", ErrPaymentCalculation, loan.ID)
	}
	next := plan[0]
	for _, item := range plan[1:] {
		if item.Index < next.Index {
			next = item
		}
	}

	p := newPayment(loan, model.LoanPaymentTypeRepayment, next.Amount, next.PaymentDate)
	number := len(completed) + 1
	p.PaymentNumber = &number
	return p, nil
}

func (repaymentStrategy) stepsToApply(routeSteps []*model.PaymentsRouteStep) []*model.PaymentsRouteStep {
	return allRouteSteps(routeSteps)
}

// --- Fee ---

// feeStrategy collects the loan fee from the borrower. A zero fee is
// recorded as an already completed payment.
type feeStrategy struct{}

func (feeStrategy) paymentType() model.LoanPaymentType { return model.LoanPaymentTypeFee }

func (feeStrategy) canInitiate(loan *model.Loan, log *zap.Logger) bool {
	return singleShot(loan, model.LoanPaymentTypeFee, log)
}

func (feeStrategy) accounts(loan *model.Loan) accountPair { return borrowerToLender(loan) }

func (feeStrategy) calculate(loan *model.Loan, now time.Time) (*model.LoanPayment, error) {
	if loan.FeeAmount.IsNegative() {
		return nil, fmt.Errorf("%w: negative fee for loan %s", ErrPaymentCalculation, loan.ID)
	}
	p := newPayment(loan, model.LoanPaymentTypeFee, loan.FeeAmount, now)
	if loan.FeeAmount.IsZero() {
		p.State = model.PaymentStateCompleted
		p.CompletedAt = &now
	}
	return p, nil
}

func (feeStrategy) stepsToApply(routeSteps []*model.PaymentsRouteStep) []*model.PaymentsRouteStep {
	return allRouteSteps(routeSteps)
}

// --- Refund ---

// refundStrategy returns funded money to the lender when the loan is not
// going to be disbursed.
type refundStrategy struct{}

func (refundStrategy) paymentType() model.LoanPaymentType { return model.LoanPaymentTypeRefund }

func (refundStrategy) canInitiate(loan *model.Loan, log *zap.Logger) bool {
	if len(initiatedPayments(loan, model.LoanPaymentTypeRefund)) > 0 {
		log.Warn("refund already initiated")
		return false
	}
	disbursed := len(initiatedPayments(loan, model.LoanPaymentTypeDisbursement)) +
		len(completedPayments(loan, model.LoanPaymentTypeDisbursement))
	if disbursed > 0 {
		log.Warn("loan is being disbursed, nothing to refund")
		return false
	}
	if !refundableAmount(loan).IsPositive() {
		log.Warn("nothing to refund")
		return false
	}
	return true
}

// Money flows back from the holding account to the lender.
func (refundStrategy) accounts(loan *model.Loan) accountPair {
	pair := lenderToBiller(loan)
	return accountPair{from: pair.to, to: pair.from}
}

func (refundStrategy) calculate(loan *model.Loan, now time.Time) (*model.LoanPayment, error) {
	p := newPayment(loan, model.LoanPaymentTypeRefund, refundableAmount(loan), now)
	number := len(completedPayments(loan, model.LoanPaymentTypeRefund)) + 1
	p.PaymentNumber = &number
	return p, nil
}

func (refundStrategy) stepsToApply(routeSteps []*model.PaymentsRouteStep) []*model.PaymentsRouteStep {
	return allRouteSteps(routeSteps)
}

// refundableAmount is what the lender funded minus what was already refunded.
func refundableAmount(loan *model.Loan) decimal.Decimal {
	total := decimal.Zero
	for _, p := range completedPayments(loan, model.LoanPaymentTypeFunding) {
		total = total.Add(p.Amount)
	}
	for _, p := range completedPayments(loan, model.LoanPaymentTypeRefund) {
		total = total.Sub(p.Amount)
	}
	return total
}
