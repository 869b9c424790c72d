package schedule

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/loanpay/server/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler() *Scheduler {
	s := NewScheduler()
	s.now = func() time.Time { return time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC) }
	return s
}

func amounts(plan []RepaymentItem) []string {
	out := make([]string, 0, len(plan))
	for _, item := range plan {
		out = append(out, item.Amount.StringFixed(2))
	}
	return out
}

func fees(plan []RepaymentItem) []string {
	out := make([]string, 0, len(plan))
	for _, item := range plan {
		out = append(out, item.FeeAmount.StringFixed(2))
	}
	return out
}

func TestPreviewRepaymentPlan_RoundingTail(t *testing.T) {
	s := newTestScheduler()
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	plan := s.PreviewRepaymentPlan(PlanInput{
		Amount:             decimal.NewFromInt(1000),
		PaymentsCount:      3,
		PaymentFrequency:   model.PaymentFrequencyMonthly,
		FeeMode:            model.FeeModeStandard,
		FeeAmount:          decimal.NewFromInt(50),
		RepaymentStartDate: &start,
	})

	require.Len(t, plan, 3)
	assert.Equal(t, []string{"333.33", "333.33", "333.34"}, amounts(plan))
	assert.Equal(t, []string{"16.67", "16.67", "16.66"}, fees(plan))

	assert.Equal(t, "1050.00", plan[0].BeginningBalance.StringFixed(2))
	assert.Equal(t, "700.00", plan[0].EndingBalance.StringFixed(2))
	assert.True(t, plan[2].EndingBalance.IsZero())

	assert.Equal(t, 2, plan[0].PaymentsLeft)
	assert.Equal(t, 0, plan[2].PaymentsLeft)
	assert.Equal(t, start, plan[0].PaymentDate)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), plan[2].PaymentDate)

	total := decimal.Zero
	for _, item := range plan {
		total = total.Add(item.Total())
	}
	assert.Equal(t, "1050.00", total.StringFixed(2))
}

// decimalEqual compares amounts by value so 300 and 300.00 match.
var decimalEqual = cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })

func TestPreviewRepaymentPlan_EvenSplit(t *testing.T) {
	s := newTestScheduler()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	plan := s.PreviewRepaymentPlan(PlanInput{
		Amount:             decimal.NewFromInt(600),
		PaymentsCount:      2,
		PaymentFrequency:   model.PaymentFrequencyMonthly,
		FeeAmount:          decimal.NewFromInt(20),
		RepaymentStartDate: &start,
	})

	want := []RepaymentItem{
		{
			Amount:           decimal.NewFromInt(300),
			FeeAmount:        decimal.NewFromInt(10),
			Index:            0,
			PaymentsLeft:     1,
			PaymentDate:      start,
			BeginningBalance: decimal.NewFromInt(620),
			EndingBalance:    decimal.NewFromInt(310),
		},
		{
			Amount:           decimal.NewFromInt(300),
			FeeAmount:        decimal.NewFromInt(10),
			Index:            1,
			PaymentsLeft:     0,
			PaymentDate:      start.AddDate(0, 1, 0),
			BeginningBalance: decimal.NewFromInt(310),
			EndingBalance:    decimal.Zero,
		},
	}
	if diff := cmp.Diff(want, plan, decimalEqual); diff != "" {
		t.Errorf("PreviewRepaymentPlan() mismatch (-want +got):\n%s", diff)
	}
}

func TestPreviewRepaymentPlan_DefaultStartDate(t *testing.T) {
	s := newTestScheduler()

	plan := s.PreviewRepaymentPlan(PlanInput{
		Amount:           decimal.NewFromInt(100),
		PaymentsCount:    2,
		PaymentFrequency: model.PaymentFrequencyWeekly,
	})

	require.Len(t, plan, 2)
	assert.Equal(t, time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC), plan[0].PaymentDate)
	assert.Equal(t, time.Date(2026, 2, 22, 0, 0, 0, 0, time.UTC), plan[1].PaymentDate)
}

func TestPreviewRepaymentPlan_InvalidInput(t *testing.T) {
	s := newTestScheduler()

	tests := []struct {
		name  string
		input PlanInput
	}{
		{"zero amount", PlanInput{Amount: decimal.Zero, PaymentsCount: 3}},
		{"negative amount", PlanInput{Amount: decimal.NewFromInt(-5), PaymentsCount: 3}},
		{"no payments", PlanInput{Amount: decimal.NewFromInt(100), PaymentsCount: 0}},
		{"negative fee", PlanInput{Amount: decimal.NewFromInt(100), PaymentsCount: 2, FeeAmount: decimal.NewFromInt(-1)}},
		{"unsupported fee mode", PlanInput{Amount: decimal.NewFromInt(100), PaymentsCount: 2, FeeAmount: decimal.NewFromInt(5), FeeMode: "flat"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Empty(t, s.PreviewRepaymentPlan(tt.input))
		})
	}
}

func TestPreviewRemainingRepayments(t *testing.T) {
	s := newTestScheduler()
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	input := PlanInput{
		Amount:             decimal.NewFromInt(900),
		PaymentsCount:      3,
		PaymentFrequency:   model.PaymentFrequencySemimonthly,
		FeeMode:            model.FeeModeStandard,
		FeeAmount:          decimal.NewFromInt(30),
		RepaymentStartDate: &start,
	}

	t.Run("nothing paid", func(t *testing.T) {
		plan := s.PreviewRemainingRepayments(input, nil)
		require.Len(t, plan, 3)
		assert.Equal(t, start, plan[0].PaymentDate)
	})

	t.Run("one paid", func(t *testing.T) {
		paid := []PaidRepayment{{
			Amount:      decimal.NewFromInt(300),
			FeeAmount:   decimal.NewFromInt(10),
			PaymentDate: start,
			Index:       1,
		}}

		plan := s.PreviewRemainingRepayments(input, paid)
		require.Len(t, plan, 2)
		assert.Equal(t, []string{"300.00", "300.00"}, amounts(plan))
		assert.Equal(t, []string{"10.00", "10.00"}, fees(plan))
		assert.Equal(t, start.AddDate(0, 0, 14), plan[0].PaymentDate)
	})

	t.Run("all paid", func(t *testing.T) {
		paid := []PaidRepayment{
			{Amount: decimal.NewFromInt(300), FeeAmount: decimal.NewFromInt(10), PaymentDate: start, Index: 1},
			{Amount: decimal.NewFromInt(300), FeeAmount: decimal.NewFromInt(10), PaymentDate: start.AddDate(0, 0, 14), Index: 2},
			{Amount: decimal.NewFromInt(300), FeeAmount: decimal.NewFromInt(10), PaymentDate: start.AddDate(0, 0, 28), Index: 3},
		}
		assert.Empty(t, s.PreviewRemainingRepayments(input, paid))
	})
}

func TestPreviewFeeAmount(t *testing.T) {
	s := newTestScheduler()

	assert.Equal(t, "50.00", s.PreviewFeeAmount(decimal.NewFromInt(1000)).StringFixed(2))
	assert.Equal(t, "6.17", s.PreviewFeeAmount(decimal.RequireFromString("123.45")).StringFixed(2))
	assert.True(t, s.PreviewFeeAmount(decimal.Zero).IsZero())
}

func TestPreviewApplicationPlan(t *testing.T) {
	s := newTestScheduler()

	plan := s.PreviewApplicationPlan(PlanInput{
		Amount:           decimal.NewFromInt(200),
		PaymentsCount:    2,
		PaymentFrequency: model.PaymentFrequencyMonthly,
		FeeMode:          model.FeeModeStandard,
	})

	require.Len(t, plan, 2)
	assert.Equal(t, []string{"5.00", "5.00"}, fees(plan))
}

func TestRepaymentDate(t *testing.T) {
	first := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, first, RepaymentDate(first, model.PaymentFrequencyMonthly, 0))
	assert.Equal(t, first.AddDate(0, 0, 21), RepaymentDate(first, model.PaymentFrequencyWeekly, 3))
	assert.Equal(t, first.AddDate(0, 0, 28), RepaymentDate(first, model.PaymentFrequencySemimonthly, 2))
	assert.Equal(t, first.AddDate(0, 2, 0), RepaymentDate(first, model.PaymentFrequencyMonthly, 2))
}
