package management

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/loanpay/server/internal/adapter/outbound/memory"
	"github.com/loanpay/server/internal/adapter/outbound/transferprovider"
	"github.com/loanpay/server/internal/domain/loanpayment"
	"github.com/loanpay/server/internal/domain/payment"
	"github.com/loanpay/server/internal/domain/paymentstep"
	"github.com/loanpay/server/internal/domain/schedule"
	"github.com/loanpay/server/internal/domain/transfer"
	"github.com/loanpay/server/internal/infra/events"
	"github.com/loanpay/server/internal/model"
	"github.com/loanpay/server/internal/port/outbound"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type testEnv struct {
	store    *memory.Store
	fixture  *memory.Fixture
	lock     outbound.LockPort
	payments payment.PaymentDomain
	mock     *transferprovider.Mock
	svc      Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithLogger(t, zap.NewNop())
}

func newTestEnvWithLogger(t *testing.T, logger *zap.Logger) *testEnv {
	t.Helper()
	ctx := context.Background()

	store := memory.NewStore()
	fixture, err := store.SeedDirectBillPay(ctx, memory.LoanTerms{
		Amount:        decimal.NewFromInt(1000),
		FeeAmount:     decimal.NewFromInt(50),
		PaymentsCount: 3,
	})
	require.NoError(t, err)

	bus := events.NewBus(logger)
	payments := payment.NewPaymentDomain(payment.Ports{
		Loans:     store.Loans(),
		Accounts:  store.Accounts(),
		Payments:  store.Payments(),
		Steps:     store.Steps(),
		Transfers: store.Transfers(),
		Routes:    store.Routes(),
	}, bus, nil, logger)

	mock := transferprovider.NewMock()
	executions := transfer.NewExecutionFactory(
		transferprovider.NewRegistry(mock),
		payments,
		nil,
		transfer.FactoryConfig{DefaultProvider: model.PaymentAccountProviderMock, FallbackToDefault: true},
		logger,
	)
	transfers := transfer.NewService(executions, payments, logger)

	lock := memory.NewLock()
	svc := NewService(Dependencies{
		Payments:  payments,
		Managers:  loanpayment.NewFactory(payments, schedule.NewScheduler(), logger),
		Steps:     paymentstep.NewFactory(payments, transfers, logger),
		Transfers: transfers,
		Publisher: bus,
	}, Ports{
		Loans:    store.Loans(),
		Webhooks: store.Webhooks(),
		Lock:     lock,
	}, Config{}, logger)
	RegisterHandlers(bus, svc, logger)

	return &testEnv{
		store:    store,
		fixture:  fixture,
		lock:     lock,
		payments: payments,
		mock:     mock,
		svc:      svc,
	}
}

func (e *testEnv) loanState(t *testing.T) model.LoanState {
	t.Helper()
	loan, err := e.payments.GetLoan(context.Background(), e.fixture.Loan.ID)
	require.NoError(t, err)
	return loan.State
}

func (e *testEnv) paymentsOf(t *testing.T, paymentType model.LoanPaymentType) []*model.LoanPayment {
	t.Helper()
	found, err := e.store.Payments().FindByLoan(context.Background(), e.fixture.Loan.ID, paymentType)
	require.NoError(t, err)
	return found
}

func (e *testEnv) onlyPayment(t *testing.T, paymentType model.LoanPaymentType) *model.LoanPayment {
	t.Helper()
	found := e.paymentsOf(t, paymentType)
	require.Len(t, found, 1)
	p, err := e.payments.GetLoanPayment(context.Background(), found[0].ID)
	require.NoError(t, err)
	return p
}

func (e *testEnv) latestTransfer(t *testing.T, step *model.LoanPaymentStep) *model.Transfer {
	t.Helper()
	tr, err := e.payments.GetLatestTransferForStep(context.Background(), step.ID)
	require.NoError(t, err)
	require.NotNil(t, tr)
	return tr
}

func (e *testEnv) webhook(t *testing.T, tr *model.Transfer, eventID, status string) []byte {
	t.Helper()
	body, err := json.Marshal(transferprovider.MockUpdate{
		ExternalID: e.mock.ExternalID(tr.ID),
		EventID:    eventID,
		Status:     status,
	})
	require.NoError(t, err)
	return body
}

func TestLoanLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	// Accepting funding starts the funding payment.
	_, err := env.svc.ChangeLoanState(ctx, env.fixture.Loan.ID, model.LoanStateFunding)
	require.NoError(t, err)

	funding := env.onlyPayment(t, model.LoanPaymentTypeFunding)
	assert.True(t, decimal.NewFromInt(1050).Equal(funding.Amount))
	require.Len(t, funding.Steps, 1)
	step := funding.SortedSteps()[0]
	assert.Equal(t, model.PaymentStepStatePending, step.State)
	assert.Equal(t, env.fixture.Holding.ID, step.TargetAccountID)

	tr := env.latestTransfer(t, step)
	assert.Equal(t, model.TransferStatePending, tr.State)

	// The provider webhook settles funding and the loan.
	body := env.webhook(t, tr, "evt_funding", "completed")
	result, err := env.svc.ProcessWebhook(ctx, model.PaymentAccountProviderMock, body, http.Header{})
	require.NoError(t, err)
	assert.True(t, result.Changed)
	require.NotNil(t, result.TransferID)
	assert.Equal(t, tr.ID, *result.TransferID)

	assert.Equal(t, model.PaymentStateCompleted, env.onlyPayment(t, model.LoanPaymentTypeFunding).State)
	assert.Equal(t, model.LoanStateFunded, env.loanState(t))

	replay, err := env.svc.ProcessWebhook(ctx, model.PaymentAccountProviderMock, body, http.Header{})
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.False(t, replay.Changed)

	// Disbursement moves the money from holding to the biller.
	_, err = env.svc.ChangeLoanState(ctx, env.fixture.Loan.ID, model.LoanStateDisbursing)
	require.NoError(t, err)
	disbursement := env.onlyPayment(t, model.LoanPaymentTypeDisbursement)
	require.Len(t, disbursement.Steps, 1)
	dstep := disbursement.SortedSteps()[0]
	assert.Equal(t, env.fixture.Holding.ID, dstep.SourceAccountID)

	changed, err := env.svc.PollTransfer(ctx, env.latestTransfer(t, dstep).ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.LoanStateDisbursed, env.loanState(t))

	// Repayment collects installments one at a time.
	_, err = env.svc.ChangeLoanState(ctx, env.fixture.Loan.ID, model.LoanStateRepaying)
	require.NoError(t, err)
	first := env.onlyPayment(t, model.LoanPaymentTypeRepayment)
	assert.Equal(t, "333.33", first.Amount.StringFixed(2))

	_, err = env.svc.PollTransfer(ctx, env.latestTransfer(t, first.SortedSteps()[0]).ID)
	require.NoError(t, err)
	assert.Equal(t, model.LoanStateRepaying, env.loanState(t), "two installments remain")

	_, err = env.svc.StepLoanState(ctx, env.fixture.Loan.ID)
	require.NoError(t, err)
	assert.Len(t, env.paymentsOf(t, model.LoanPaymentTypeRepayment), 2)
}

func TestFailedStepRetry(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.svc.ChangeLoanState(ctx, env.fixture.Loan.ID, model.LoanStateFunding)
	require.NoError(t, err)
	step := env.onlyPayment(t, model.LoanPaymentTypeFunding).SortedSteps()[0]
	first := env.latestTransfer(t, step)

	env.mock.FailOnPoll(first.ExternalID, "R01", "insufficient funds")
	_, err = env.svc.PollTransfer(ctx, first.ID)
	require.NoError(t, err)

	failed := env.onlyPayment(t, model.LoanPaymentTypeFunding)
	assert.Equal(t, model.PaymentStateFailed, failed.State)
	assert.Equal(t, model.PaymentStepStateFailed, failed.SortedSteps()[0].State)
	assert.Equal(t, model.LoanStateFunding, env.loanState(t))

	retry, err := env.svc.RetryPaymentStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, retry.Order)
	assert.Equal(t, model.TransferStatePending, retry.State)
	// A step retry adds a transfer; the payment stays on its attempt.
	assert.Equal(t, failed.Attempt, env.onlyPayment(t, model.LoanPaymentTypeFunding).Attempt)

	_, err = env.svc.PollTransfer(ctx, retry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStateCompleted, env.onlyPayment(t, model.LoanPaymentTypeFunding).State)
	assert.Equal(t, model.LoanStateFunded, env.loanState(t))

	_, err = env.svc.RetryPaymentStep(ctx, step.ID)
	assert.ErrorIs(t, err, paymentstep.ErrStepNotRetryable)
}

func TestInitiateLoanPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("zero fee completes without steps", func(t *testing.T) {
		env := newTestEnv(t)
		zero, err := env.store.SeedDirectBillPay(ctx, memory.LoanTerms{
			Amount:        decimal.NewFromInt(500),
			FeeAmount:     decimal.Zero,
			PaymentsCount: 1,
		})
		require.NoError(t, err)

		p, err := env.svc.InitiateLoanPayment(ctx, zero.Loan.ID, model.LoanPaymentTypeFee)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, model.PaymentStateCompleted, p.State)
		assert.Empty(t, p.Steps)
	})

	t.Run("second initiation is a no-op", func(t *testing.T) {
		env := newTestEnv(t)
		p, err := env.svc.InitiateLoanPayment(ctx, env.fixture.Loan.ID, model.LoanPaymentTypeFunding)
		require.NoError(t, err)
		require.NotNil(t, p)

		again, err := env.svc.InitiateLoanPayment(ctx, env.fixture.Loan.ID, model.LoanPaymentTypeFunding)
		require.NoError(t, err)
		assert.Nil(t, again)
		assert.Len(t, env.mock.Executed(), 1)
	})

	t.Run("unknown payment type", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.svc.InitiateLoanPayment(ctx, env.fixture.Loan.ID, model.LoanPaymentType("bonus"))
		assert.ErrorIs(t, err, loanpayment.ErrUnsupportedPaymentType)
	})
}

func TestHandleLoanStateChanged(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name      string
		prev      model.LoanState
		next      model.LoanState
		initiates bool
	}{
		{"accepted to funding", model.LoanStateAccepted, model.LoanStateFunding, true},
		{"resumed funding", model.LoanStateFundingPaused, model.LoanStateFunding, true},
		{"unchanged", model.LoanStateFunding, model.LoanStateFunding, false},
		{"pause", model.LoanStateFunding, model.LoanStateFundingPaused, false},
		{"unsupported jump", model.LoanStateBound, model.LoanStateFunding, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			p, err := env.svc.HandleLoanStateChanged(ctx, env.fixture.Loan.ID, tt.prev, tt.next)
			require.NoError(t, err)
			assert.Equal(t, tt.initiates, p != nil)
		})
	}

	t.Run("stepping outside repayment", func(t *testing.T) {
		env := newTestEnv(t)
		p, err := env.svc.HandleLoanStateStepped(ctx, env.fixture.Loan.ID, model.LoanStateFunding)
		require.NoError(t, err)
		assert.Nil(t, p)
	})
}

func TestAdvanceStepLocked(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	p, err := env.svc.InitiateLoanPayment(ctx, env.fixture.Loan.ID, model.LoanPaymentTypeFunding)
	require.NoError(t, err)
	step := p.SortedSteps()[0]

	token, ok, err := env.lock.TryLock(ctx, "step:"+step.ID.String(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = env.svc.AdvanceStep(ctx, step.ID, nil)
	assert.ErrorIs(t, err, ErrAdvanceInProgress)
	assert.True(t, IsBusy(err))

	require.NoError(t, env.lock.Unlock(ctx, "step:"+step.ID.String(), token))
	changed, err := env.svc.AdvanceStep(ctx, step.ID, nil)
	require.NoError(t, err)
	assert.False(t, changed, "pending transfer leaves the step pending")
}

func TestProcessWebhookIgnored(t *testing.T) {
	env := newTestEnv(t)
	result, err := env.svc.ProcessWebhook(context.Background(), model.PaymentAccountProviderMock, []byte(`{"status":"completed"}`), http.Header{})
	require.NoError(t, err)
	assert.True(t, result.Ignored)
}

// hold takes key on the shared lock and returns its release func.
func (e *testEnv) hold(t *testing.T, key string) func() {
	t.Helper()
	ctx := context.Background()
	token, ok, err := e.lock.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	return func() { require.NoError(t, e.lock.Unlock(ctx, key, token)) }
}

func (e *testEnv) startFunding(t *testing.T) (*model.LoanPaymentStep, *model.Transfer) {
	t.Helper()
	_, err := e.svc.ChangeLoanState(context.Background(), e.fixture.Loan.ID, model.LoanStateFunding)
	require.NoError(t, err)
	step := e.onlyPayment(t, model.LoanPaymentTypeFunding).SortedSteps()[0]
	return step, e.latestTransfer(t, step)
}

func TestReconcileStalled(t *testing.T) {
	ctx := context.Background()

	t.Run("step busy when its transfer settled", func(t *testing.T) {
		env := newTestEnv(t)
		step, tr := env.startFunding(t)

		release := env.hold(t, "step:"+step.ID.String())
		result, err := env.svc.ProcessWebhook(ctx, model.PaymentAccountProviderMock, env.webhook(t, tr, "evt_1", "completed"), http.Header{})
		require.NoError(t, err)
		assert.True(t, result.Changed)
		release()

		stalled := env.onlyPayment(t, model.LoanPaymentTypeFunding)
		assert.Equal(t, model.PaymentStepStatePending, stalled.SortedSteps()[0].State)
		assert.Equal(t, model.TransferStateCompleted, env.latestTransfer(t, step).State)
		assert.Equal(t, model.LoanStateFunding, env.loanState(t))

		advanced, err := env.svc.ReconcileStalled(ctx, 0, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, advanced)
		assert.Equal(t, model.PaymentStateCompleted, env.onlyPayment(t, model.LoanPaymentTypeFunding).State)
		assert.Equal(t, model.LoanStateFunded, env.loanState(t))

		again, err := env.svc.ReconcileStalled(ctx, 0, 10)
		require.NoError(t, err)
		assert.Zero(t, again)
	})

	t.Run("payment busy when its last step completed", func(t *testing.T) {
		env := newTestEnv(t)
		_, tr := env.startFunding(t)
		p := env.onlyPayment(t, model.LoanPaymentTypeFunding)

		release := env.hold(t, "payment:"+p.ID.String())
		_, err := env.svc.ProcessWebhook(ctx, model.PaymentAccountProviderMock, env.webhook(t, tr, "evt_1", "completed"), http.Header{})
		require.NoError(t, err)
		release()

		stalled := env.onlyPayment(t, model.LoanPaymentTypeFunding)
		assert.Equal(t, model.PaymentStatePending, stalled.State)
		assert.Equal(t, model.PaymentStepStateCompleted, stalled.SortedSteps()[0].State)

		advanced, err := env.svc.ReconcileStalled(ctx, 0, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, advanced)
		assert.Equal(t, model.PaymentStateCompleted, env.onlyPayment(t, model.LoanPaymentTypeFunding).State)
		assert.Equal(t, model.LoanStateFunded, env.loanState(t))
	})

	t.Run("in-flight transfers are left alone", func(t *testing.T) {
		env := newTestEnv(t)
		env.startFunding(t)

		advanced, err := env.svc.ReconcileStalled(ctx, 0, 10)
		require.NoError(t, err)
		assert.Zero(t, advanced)
		assert.Equal(t, model.PaymentStatePending, env.onlyPayment(t, model.LoanPaymentTypeFunding).State)
	})

	t.Run("recent settlements wait for the cutoff", func(t *testing.T) {
		env := newTestEnv(t)
		step, tr := env.startFunding(t)

		release := env.hold(t, "step:"+step.ID.String())
		_, err := env.svc.ProcessWebhook(ctx, model.PaymentAccountProviderMock, env.webhook(t, tr, "evt_1", "completed"), http.Header{})
		require.NoError(t, err)
		release()

		advanced, err := env.svc.ReconcileStalled(ctx, time.Hour, 10)
		require.NoError(t, err)
		assert.Zero(t, advanced)
		assert.Equal(t, model.LoanStateFunding, env.loanState(t))
	})
}

func TestCompleteLoanStageIgnoresLoanLock(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, tr := env.startFunding(t)

	release := env.hold(t, "loan:"+env.fixture.Loan.ID.String())
	defer release()

	_, err := env.svc.ProcessWebhook(ctx, model.PaymentAccountProviderMock, env.webhook(t, tr, "evt_1", "completed"), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, model.LoanStateFunded, env.loanState(t))

	require.NoError(t, env.svc.CompleteLoanStage(ctx, env.fixture.Loan.ID, model.LoanPaymentTypeFunding))
	assert.Equal(t, model.LoanStateFunded, env.loanState(t))
}

func TestProcessWebhookRedelivery(t *testing.T) {
	ctx := context.Background()

	t.Run("busy delivery is applied on retry", func(t *testing.T) {
		env := newTestEnv(t)
		_, tr := env.startFunding(t)
		body := env.webhook(t, tr, "evt_busy", "completed")

		release := env.hold(t, "webhook:mock:"+env.mock.ExternalID(tr.ID))
		_, err := env.svc.ProcessWebhook(ctx, model.PaymentAccountProviderMock, body, http.Header{})
		assert.True(t, IsBusy(err))
		release()

		retry, err := env.svc.ProcessWebhook(ctx, model.PaymentAccountProviderMock, body, http.Header{})
		require.NoError(t, err)
		assert.False(t, retry.Duplicate)
		assert.True(t, retry.Changed)
		assert.Equal(t, model.LoanStateFunded, env.loanState(t))
	})

	t.Run("failed delivery is applied on retry", func(t *testing.T) {
		env := newTestEnv(t)
		_, tr := env.startFunding(t)
		body := env.webhook(t, tr, "evt_failed", "completed")

		earlier := &model.WebhookEvent{Provider: string(model.PaymentAccountProviderMock), EventID: "evt_failed", Data: string(body)}
		require.NoError(t, env.store.Webhooks().Create(ctx, earlier))
		require.NoError(t, env.store.Webhooks().MarkProcessed(ctx, earlier.ID, errors.New("connection reset")))

		retry, err := env.svc.ProcessWebhook(ctx, model.PaymentAccountProviderMock, body, http.Header{})
		require.NoError(t, err)
		assert.False(t, retry.Duplicate)
		assert.True(t, retry.Changed)

		record, err := env.store.Webhooks().Find(ctx, string(model.PaymentAccountProviderMock), "evt_failed")
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, earlier.ID, record.ID)
		assert.True(t, record.Processed)
		assert.Nil(t, record.Error)

		replay, err := env.svc.ProcessWebhook(ctx, model.PaymentAccountProviderMock, body, http.Header{})
		require.NoError(t, err)
		assert.True(t, replay.Duplicate)
	})

	t.Run("interrupted delivery is applied on retry", func(t *testing.T) {
		env := newTestEnv(t)
		_, tr := env.startFunding(t)
		body := env.webhook(t, tr, "evt_interrupted", "completed")

		require.NoError(t, env.store.Webhooks().Create(ctx, &model.WebhookEvent{
			Provider: string(model.PaymentAccountProviderMock),
			EventID:  "evt_interrupted",
			Data:     string(body),
		}))

		retry, err := env.svc.ProcessWebhook(ctx, model.PaymentAccountProviderMock, body, http.Header{})
		require.NoError(t, err)
		assert.False(t, retry.Duplicate)
		assert.Equal(t, model.LoanStateFunded, env.loanState(t))
	})
}

func TestAdvanceNextStepQuietWhenNothingToStart(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.DebugLevel)
	env := newTestEnvWithLogger(t, zap.New(core))

	p, err := env.svc.InitiateLoanPayment(ctx, env.fixture.Loan.ID, model.LoanPaymentTypeFunding)
	require.NoError(t, err)

	// The only step is already pending, so there is nothing to start.
	started, err := env.svc.AdvanceNextStep(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, started)
	entries := logs.FilterMessage("payment has no step to start").All()
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.Equal(t, zapcore.DebugLevel, e.Level)
	}
}
