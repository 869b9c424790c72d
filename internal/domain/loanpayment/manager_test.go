package loanpayment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/loanpay/server/internal/adapter/outbound/memory"
	"github.com/loanpay/server/internal/domain/payment"
	"github.com/loanpay/server/internal/domain/schedule"
	"github.com/loanpay/server/internal/infra/events"
	"github.com/loanpay/server/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	store    *memory.Store
	fixture  *memory.Fixture
	payments payment.PaymentDomain
	factory  *Factory
	events   []string
}

func newTestEnv(t *testing.T, terms memory.LoanTerms) *testEnv {
	t.Helper()
	ctx := context.Background()

	store := memory.NewStore()
	fixture, err := store.SeedDirectBillPay(ctx, terms)
	require.NoError(t, err)

	env := &testEnv{store: store, fixture: fixture}
	bus := events.NewBus(zap.NewNop())
	bus.Register(events.NewHandlerFunc([]string{
		events.PaymentPendingType,
		events.PaymentSteppedType,
		events.PaymentCompletedType,
		events.PaymentFailedType,
	}, func(ctx context.Context, e events.Event) error {
		env.events = append(env.events, e.EventType())
		return nil
	}))

	env.payments = payment.NewPaymentDomain(payment.Ports{
		Loans:     store.Loans(),
		Accounts:  store.Accounts(),
		Payments:  store.Payments(),
		Steps:     store.Steps(),
		Transfers: store.Transfers(),
		Routes:    store.Routes(),
	}, bus, nil, zap.NewNop())
	env.factory = NewFactory(env.payments, schedule.NewScheduler(), zap.NewNop())
	return env
}

func defaultTerms() memory.LoanTerms {
	return memory.LoanTerms{
		Amount:        decimal.NewFromInt(1000),
		FeeAmount:     decimal.NewFromInt(50),
		PaymentsCount: 3,
	}
}

func (e *testEnv) manager(t *testing.T, paymentType model.LoanPaymentType) Manager {
	t.Helper()
	m, err := e.factory.Manager(paymentType)
	require.NoError(t, err)
	return m
}

func (e *testEnv) seedPayment(t *testing.T, p *model.LoanPayment) *model.LoanPayment {
	t.Helper()
	p.LoanID = e.fixture.Loan.ID
	require.NoError(t, e.store.Payments().Create(context.Background(), p))
	return p
}

func TestFactory_UnsupportedType(t *testing.T) {
	env := newTestEnv(t, defaultTerms())

	_, err := env.factory.Manager("interest")
	assert.ErrorIs(t, err, ErrUnsupportedPaymentType)
}

func TestFunding_Initiate(t *testing.T) {
	env := newTestEnv(t, defaultTerms())
	ctx := context.Background()
	m := env.manager(t, model.LoanPaymentTypeFunding)

	p, err := m.Initiate(ctx, env.fixture.Loan.ID)
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.Equal(t, model.PaymentStateCreated, p.State)
	assert.Equal(t, "1050.00", p.Amount.StringFixed(2))
	assert.Equal(t, 1, p.Attempt)
	assert.NotNil(t, p.InitiatedAt)

	require.Len(t, p.Steps, 1)
	step := p.Steps[0]
	assert.Equal(t, 0, step.Order)
	assert.Equal(t, env.fixture.Lender.ID, step.SourceAccountID)
	assert.Equal(t, env.fixture.Holding.ID, step.TargetAccountID)
	assert.Nil(t, step.AwaitStepState)
	assert.True(t, p.Amount.Equal(step.Amount))

	again, err := m.Initiate(ctx, env.fixture.Loan.ID)
	require.NoError(t, err)
	assert.Nil(t, again, "funding already initiated")
}

func TestFunding_AttemptCountsFailures(t *testing.T) {
	env := newTestEnv(t, defaultTerms())
	env.seedPayment(t, &model.LoanPayment{Type: model.LoanPaymentTypeFunding, State: model.PaymentStateFailed, Amount: decimal.NewFromInt(1050)})

	p, err := env.manager(t, model.LoanPaymentTypeFunding).Initiate(context.Background(), env.fixture.Loan.ID)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 2, p.Attempt)
}

func TestDisbursement_Initiate(t *testing.T) {
	env := newTestEnv(t, defaultTerms())

	p, err := env.manager(t, model.LoanPaymentTypeDisbursement).Initiate(context.Background(), env.fixture.Loan.ID)
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.Equal(t, "1000.00", p.Amount.StringFixed(2))
	require.Len(t, p.Steps, 1)
	assert.Equal(t, 0, p.Steps[0].Order)
	assert.Equal(t, env.fixture.Holding.ID, p.Steps[0].SourceAccountID)
	assert.Equal(t, env.fixture.Biller.ID, p.Steps[0].TargetAccountID)
}

func TestDisbursement_NotAfterCompletion(t *testing.T) {
	env := newTestEnv(t, defaultTerms())
	env.seedPayment(t, &model.LoanPayment{Type: model.LoanPaymentTypeDisbursement, State: model.PaymentStateCompleted})

	p, err := env.manager(t, model.LoanPaymentTypeDisbursement).Initiate(context.Background(), env.fixture.Loan.ID)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestFee_ZeroFeeCompletesImmediately(t *testing.T) {
	terms := defaultTerms()
	terms.FeeAmount = decimal.Zero
	env := newTestEnv(t, terms)

	p, err := env.manager(t, model.LoanPaymentTypeFee).Initiate(context.Background(), env.fixture.Loan.ID)
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.Equal(t, model.PaymentStateCompleted, p.State)
	assert.Empty(t, p.Steps)
	assert.NotNil(t, p.CompletedAt)
	assert.NotNil(t, p.ScheduledAt)
	assert.NotNil(t, p.InitiatedAt)
	assert.Equal(t, []string{events.PaymentCompletedType}, env.events)
}

func TestFee_Initiate(t *testing.T) {
	env := newTestEnv(t, defaultTerms())

	p, err := env.manager(t, model.LoanPaymentTypeFee).Initiate(context.Background(), env.fixture.Loan.ID)
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.Equal(t, "50.00", p.Amount.StringFixed(2))
	require.Len(t, p.Steps, 1)
	assert.Equal(t, env.fixture.Borrower.ID, p.Steps[0].SourceAccountID)
	assert.Equal(t, env.fixture.Lender.ID, p.Steps[0].TargetAccountID)
}

func TestRepayment_Initiate(t *testing.T) {
	env := newTestEnv(t, defaultTerms())
	ctx := context.Background()
	m := env.manager(t, model.LoanPaymentTypeRepayment)
	start := *env.fixture.Loan.RepaymentStartDate

	p, err := m.Initiate(ctx, env.fixture.Loan.ID)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 1, p.Number())
	assert.Equal(t, "333.33", p.Amount.StringFixed(2))
	require.NotNil(t, p.ScheduledAt)
	assert.Equal(t, start, *p.ScheduledAt)

	_, err = env.store.Payments().Complete(ctx, p.ID, time.Now())
	require.NoError(t, err)

	second, err := m.Initiate(ctx, env.fixture.Loan.ID)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 2, second.Number())
	assert.Equal(t, "333.34", second.Amount.StringFixed(2))
	assert.Equal(t, start.AddDate(0, 1, 0), *second.ScheduledAt)

	_, err = env.store.Payments().Complete(ctx, second.ID, time.Now())
	require.NoError(t, err)

	third, err := m.Initiate(ctx, env.fixture.Loan.ID)
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, 3, third.Number())
	assert.Equal(t, "333.33", third.Amount.StringFixed(2))

	_, err = env.store.Payments().Complete(ctx, third.ID, time.Now())
	require.NoError(t, err)

	none, err := m.Initiate(ctx, env.fixture.Loan.ID)
	require.NoError(t, err)
	assert.Nil(t, none, "all repayments completed")
}

func TestRepayment_OneAtATime(t *testing.T) {
	env := newTestEnv(t, defaultTerms())
	ctx := context.Background()
	m := env.manager(t, model.LoanPaymentTypeRepayment)

	_, err := m.Initiate(ctx, env.fixture.Loan.ID)
	require.NoError(t, err)

	p, err := m.Initiate(ctx, env.fixture.Loan.ID)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestRefund(t *testing.T) {
	t.Run("nothing funded", func(t *testing.T) {
		env := newTestEnv(t, defaultTerms())

		p, err := env.manager(t, model.LoanPaymentTypeRefund).Initiate(context.Background(), env.fixture.Loan.ID)
		require.NoError(t, err)
		assert.Nil(t, p)
	})

	t.Run("funded and not disbursed", func(t *testing.T) {
		env := newTestEnv(t, defaultTerms())
		env.seedPayment(t, &model.LoanPayment{Type: model.LoanPaymentTypeFunding, State: model.PaymentStateCompleted, Amount: decimal.NewFromInt(1050)})

		p, err := env.manager(t, model.LoanPaymentTypeRefund).Initiate(context.Background(), env.fixture.Loan.ID)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, "1050.00", p.Amount.StringFixed(2))
		assert.Equal(t, 1, p.Number())
		require.Len(t, p.Steps, 1)
		assert.Equal(t, env.fixture.Holding.ID, p.Steps[0].SourceAccountID)
		assert.Equal(t, env.fixture.Lender.ID, p.Steps[0].TargetAccountID)
	})

	t.Run("disbursement started", func(t *testing.T) {
		env := newTestEnv(t, defaultTerms())
		env.seedPayment(t, &model.LoanPayment{Type: model.LoanPaymentTypeFunding, State: model.PaymentStateCompleted, Amount: decimal.NewFromInt(1050)})
		env.seedPayment(t, &model.LoanPayment{Type: model.LoanPaymentTypeDisbursement, State: model.PaymentStatePending, Amount: decimal.NewFromInt(1000)})

		p, err := env.manager(t, model.LoanPaymentTypeRefund).Initiate(context.Background(), env.fixture.Loan.ID)
		require.NoError(t, err)
		assert.Nil(t, p)
	})
}

func TestInitiate_RouteNotFound(t *testing.T) {
	env := newTestEnv(t, defaultTerms())
	ctx := context.Background()

	loan := *env.fixture.Loan
	loan.ID = uuid.Nil
	loan.Type = model.LoanTypePersonal
	require.NoError(t, env.store.Loans().Create(ctx, &loan))

	_, err := env.manager(t, model.LoanPaymentTypeFunding).Initiate(ctx, loan.ID)
	assert.ErrorIs(t, err, ErrRouteNotFound)
}

func TestInitiate_LoanNotFound(t *testing.T) {
	env := newTestEnv(t, defaultTerms())

	_, err := env.manager(t, model.LoanPaymentTypeFunding).Initiate(context.Background(), uuid.New())
	assert.ErrorIs(t, err, payment.ErrLoanNotFound)
}

func TestInitiate_MissingAccounts(t *testing.T) {
	env := newTestEnv(t, defaultTerms())
	ctx := context.Background()

	loan := *env.fixture.Loan
	loan.ID = uuid.Nil
	loan.BorrowerAccountID = nil
	require.NoError(t, env.store.Loans().Create(ctx, &loan))

	p, err := env.manager(t, model.LoanPaymentTypeRepayment).Initiate(ctx, loan.ID)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestAdvance(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, stepStates ...model.PaymentStepState) (*testEnv, *model.LoanPayment) {
		env := newTestEnv(t, defaultTerms())
		p := env.seedPayment(t, &model.LoanPayment{Type: model.LoanPaymentTypeDisbursement, State: model.PaymentStateCreated})
		steps := make([]*model.LoanPaymentStep, 0, len(stepStates))
		for i, s := range stepStates {
			steps = append(steps, &model.LoanPaymentStep{LoanPaymentID: p.ID, Order: i, State: s})
		}
		require.NoError(t, env.store.Steps().CreateBatch(ctx, steps))
		p.Steps = steps
		return env, p
	}

	t.Run("starts first step", func(t *testing.T) {
		env, p := setup(t, model.PaymentStepStateCreated, model.PaymentStepStateCreated)

		ok, err := env.manager(t, model.LoanPaymentTypeDisbursement).Advance(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []string{events.PaymentPendingType, events.PaymentSteppedType}, env.events)

		next, err := env.manager(t, model.LoanPaymentTypeDisbursement).NextStep(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, p.Steps[0].ID, next.ID)
	})

	t.Run("waits for pending step", func(t *testing.T) {
		env, p := setup(t, model.PaymentStepStatePending, model.PaymentStepStateCreated)
		_, err := env.store.Payments().UpdateState(ctx, p.ID, model.PaymentStateCreated, model.PaymentStatePending)
		require.NoError(t, err)

		ok, err := env.manager(t, model.LoanPaymentTypeDisbursement).Advance(ctx, p.ID)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, env.events)
	})

	t.Run("steps to second step", func(t *testing.T) {
		env, p := setup(t, model.PaymentStepStateCompleted, model.PaymentStepStateCreated)
		_, err := env.store.Payments().UpdateState(ctx, p.ID, model.PaymentStateCreated, model.PaymentStatePending)
		require.NoError(t, err)

		ok, err := env.manager(t, model.LoanPaymentTypeDisbursement).Advance(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []string{events.PaymentSteppedType}, env.events)
	})

	t.Run("completes when every step completed", func(t *testing.T) {
		env, p := setup(t, model.PaymentStepStateCompleted, model.PaymentStepStateCompleted)

		ok, err := env.manager(t, model.LoanPaymentTypeDisbursement).Advance(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		stored, err := env.store.Payments().FindByID(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, model.PaymentStateCompleted, stored.State)
		assert.NotNil(t, stored.CompletedAt)

		ok, err = env.manager(t, model.LoanPaymentTypeDisbursement).Advance(ctx, p.ID)
		require.NoError(t, err)
		assert.False(t, ok, "advancing a completed payment is a no-op")
	})

	t.Run("completes without steps", func(t *testing.T) {
		env, p := setup(t)

		ok, err := env.manager(t, model.LoanPaymentTypeDisbursement).Advance(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("fails on failed last active step", func(t *testing.T) {
		env, p := setup(t, model.PaymentStepStateCompleted, model.PaymentStepStateFailed, model.PaymentStepStateCreated)

		ok, err := env.manager(t, model.LoanPaymentTypeDisbursement).Advance(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []string{events.PaymentFailedType}, env.events)

		ok, err = env.manager(t, model.LoanPaymentTypeDisbursement).Advance(ctx, p.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("failed payment resumes after retried step completes", func(t *testing.T) {
		env, p := setup(t, model.PaymentStepStateCompleted, model.PaymentStepStateCompleted, model.PaymentStepStateCreated)
		_, err := env.store.Payments().Fail(ctx, p.ID)
		require.NoError(t, err)

		ok, err := env.manager(t, model.LoanPaymentTypeDisbursement).Advance(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, []string{events.PaymentPendingType, events.PaymentSteppedType}, env.events)

		stored, err := env.store.Payments().FindByID(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, model.PaymentStatePending, stored.State)
	})
}

func TestNextStep(t *testing.T) {
	step := func(order int, state model.PaymentStepState) *model.LoanPaymentStep {
		return &model.LoanPaymentStep{ID: uuid.New(), Order: order, State: state}
	}

	tests := []struct {
		name  string
		steps []*model.LoanPaymentStep
		want  int
	}{
		{"no steps", nil, -1},
		{"first created", []*model.LoanPaymentStep{step(0, model.PaymentStepStateCreated), step(1, model.PaymentStepStateCreated)}, 0},
		{"first pending", []*model.LoanPaymentStep{step(0, model.PaymentStepStatePending), step(1, model.PaymentStepStateCreated)}, -1},
		{"after completed", []*model.LoanPaymentStep{step(0, model.PaymentStepStateCompleted), step(1, model.PaymentStepStateCreated)}, 1},
		{"next already pending", []*model.LoanPaymentStep{step(0, model.PaymentStepStateCompleted), step(1, model.PaymentStepStatePending)}, -1},
		{"all completed", []*model.LoanPaymentStep{step(0, model.PaymentStepStateCompleted), step(1, model.PaymentStepStateCompleted)}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextStep(tt.steps)
			if tt.want < 0 {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Order)
		})
	}
}
