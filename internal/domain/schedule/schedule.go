// Package schedule computes repayment plans for loans.
package schedule

import (
	"time"

	"github.com/loanpay/server/internal/model"
	"github.com/shopspring/decimal"
)

// DefaultFeePercentage is the service fee charged on the principal.
var DefaultFeePercentage = decimal.NewFromInt(5)

var hundred = decimal.NewFromInt(100)

// PlanInput describes the loan terms a plan is computed from.
type PlanInput struct {
	Amount             decimal.Decimal
	PaymentsCount      int
	PaymentFrequency   model.PaymentFrequency
	FeeMode            model.FeeMode
	FeeAmount          decimal.Decimal
	RepaymentStartDate *time.Time
}

// RepaymentItem is one scheduled repayment.
type RepaymentItem struct {
	Amount           decimal.Decimal `json:"amount"`
	FeeAmount        decimal.Decimal `json:"fee_amount"`
	Index            int             `json:"index"`
	PaymentsLeft     int             `json:"payments_left"`
	PaymentDate      time.Time       `json:"payment_date"`
	BeginningBalance decimal.Decimal `json:"beginning_balance"`
	EndingBalance    decimal.Decimal `json:"ending_balance"`
}

// Total returns principal plus fee of the item.
func (i RepaymentItem) Total() decimal.Decimal {
	return i.Amount.Add(i.FeeAmount)
}

// PaidRepayment is a repayment that already completed.
type PaidRepayment struct {
	Amount      decimal.Decimal
	FeeAmount   decimal.Decimal
	PaymentDate time.Time
	Index       int
}

// Scheduler computes repayment plans.
type Scheduler struct {
	feePercentage decimal.Decimal
	now           func() time.Time
}

// NewScheduler creates a scheduler with the default fee percentage.
func NewScheduler() *Scheduler {
	return &Scheduler{
		feePercentage: DefaultFeePercentage,
		now:           time.Now,
	}
}

// PreviewRepaymentPlan splits principal and fee evenly over the payments.
// Each share is rounded to cents and the last payment absorbs the rounding
// tail. Invalid input yields an empty plan.
func (s *Scheduler) PreviewRepaymentPlan(input PlanInput) []RepaymentItem {
	if !input.Amount.IsPositive() || input.PaymentsCount <= 0 || input.FeeAmount.IsNegative() {
		return nil
	}
	if input.FeeAmount.IsPositive() && input.FeeMode != "" && input.FeeMode != model.FeeModeStandard {
		return nil
	}

	firstDate := s.now().AddDate(0, 1, 0)
	if input.RepaymentStartDate != nil {
		firstDate = *input.RepaymentStartDate
	}

	count := decimal.NewFromInt(int64(input.PaymentsCount))
	principalBalance := input.Amount
	feeBalance := input.FeeAmount
	principalShare := principalBalance.Div(count).Round(2)
	feeShare := feeBalance.Div(count).Round(2)

	plan := make([]RepaymentItem, 0, input.PaymentsCount)
	for i := 0; i < input.PaymentsCount; i++ {
		beginning := principalBalance.Add(feeBalance)
		principalBalance = principalBalance.Sub(principalShare).Round(2)
		feeBalance = feeBalance.Sub(feeShare).Round(2)

		if i == input.PaymentsCount-1 {
			principalShare = principalBalance.Add(principalShare).Round(2)
			feeShare = feeBalance.Add(feeShare).Round(2)
			principalBalance = decimal.Zero
			feeBalance = decimal.Zero
		}

		plan = append(plan, RepaymentItem{
			Amount:           principalShare,
			FeeAmount:        feeShare,
			Index:            i,
			PaymentsLeft:     input.PaymentsCount - i - 1,
			PaymentDate:      RepaymentDate(firstDate, input.PaymentFrequency, i),
			BeginningBalance: beginning,
			EndingBalance:    principalBalance.Add(feeBalance),
		})
	}
	return plan
}

// PreviewRemainingRepayments plans what is left of a loan after the paid
// repayments. Only the unpaid payment count is scheduled, starting one
// period after the latest paid repayment.
func (s *Scheduler) PreviewRemainingRepayments(current PlanInput, paid []PaidRepayment) []RepaymentItem {
	remaining := current
	if len(paid) == 0 {
		return s.PreviewRepaymentPlan(remaining)
	}

	last := paid[0]
	for _, p := range paid {
		remaining.Amount = remaining.Amount.Sub(p.Amount)
		remaining.FeeAmount = remaining.FeeAmount.Sub(p.FeeAmount)
		if p.Index > last.Index {
			last = p
		}
	}
	remaining.PaymentsCount = current.PaymentsCount - len(paid)
	next := RepaymentDate(last.PaymentDate, current.PaymentFrequency, 1)
	remaining.RepaymentStartDate = &next

	return s.PreviewRepaymentPlan(remaining)
}

// PreviewFeeAmount returns the service fee for a principal.
func (s *Scheduler) PreviewFeeAmount(principal decimal.Decimal) decimal.Decimal {
	if !principal.IsPositive() {
		return decimal.Zero
	}
	return principal.Mul(s.feePercentage).Div(hundred).Round(2)
}

// PreviewApplicationPlan plans a loan application with the standard fee.
func (s *Scheduler) PreviewApplicationPlan(input PlanInput) []RepaymentItem {
	input.FeeAmount = s.PreviewFeeAmount(input.Amount)
	return s.PreviewRepaymentPlan(input)
}

// RepaymentDate returns the date of the payment at index. Unknown
// frequencies fall back to monthly.
func RepaymentDate(first time.Time, frequency model.PaymentFrequency, index int) time.Time {
	if index <= 0 {
		return first
	}
	switch frequency {
	case model.PaymentFrequencyWeekly:
		return first.AddDate(0, 0, 7*index)
	case model.PaymentFrequencySemimonthly:
		return first.AddDate(0, 0, 14*index)
	default:
		return first.AddDate(0, index, 0)
	}
}
