package transfer

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/loanpay/server/internal/adapter/outbound/memory"
	"github.com/loanpay/server/internal/adapter/outbound/transferprovider"
	"github.com/loanpay/server/internal/domain/payment"
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
	mock     *transferprovider.Mock
	registry *transferprovider.Registry
	service  Service
	events   []string
}

func newTestEnv(t *testing.T, cfg FactoryConfig) *testEnv {
	t.Helper()
	ctx := context.Background()

	store := memory.NewStore()
	fixture, err := store.SeedDirectBillPay(ctx, memory.LoanTerms{
		Amount:        decimal.NewFromInt(1000),
		FeeAmount:     decimal.NewFromInt(50),
		PaymentsCount: 3,
	})
	require.NoError(t, err)

	env := &testEnv{store: store, fixture: fixture}
	bus := events.NewBus(zap.NewNop())
	bus.Register(events.NewHandlerFunc([]string{
		events.TransferCompletedType,
		events.TransferFailedType,
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

	env.mock = transferprovider.NewMock()
	env.registry = transferprovider.NewRegistry(env.mock)
	factory := NewExecutionFactory(env.registry, env.payments, nil, cfg, zap.NewNop())
	env.service = NewService(factory, env.payments, zap.NewNop())
	return env
}

// newTransfer creates a funding payment with one step from the lender to
// the holding account and a created transfer for it.
func (e *testEnv) newTransfer(t *testing.T) *model.Transfer {
	t.Helper()
	ctx := context.Background()

	p := &model.LoanPayment{
		LoanID: e.fixture.Loan.ID,
		Type:   model.LoanPaymentTypeFunding,
		Amount: decimal.NewFromInt(1050),
	}
	require.NoError(t, e.payments.CreatePayment(ctx, p))
	step := &model.LoanPaymentStep{
		LoanPaymentID:   p.ID,
		Amount:          p.Amount,
		SourceAccountID: e.fixture.Lender.ID,
		TargetAccountID: e.fixture.Holding.ID,
	}
	require.NoError(t, e.payments.CreatePaymentSteps(ctx, []*model.LoanPaymentStep{step}))

	transfer, err := e.payments.CreateTransferForStep(ctx, step.ID)
	require.NoError(t, err)
	return transfer
}

func (e *testEnv) transfer(t *testing.T, tr *model.Transfer) *model.Transfer {
	t.Helper()
	found, err := e.payments.GetTransfer(context.Background(), tr.ID)
	require.NoError(t, err)
	return found
}

func mockProvider() *model.PaymentAccountProvider {
	p := model.PaymentAccountProviderMock
	return &p
}

func TestService_InitiateTransfer(t *testing.T) {
	ctx := context.Background()

	t.Run("accepted transfer moves to pending", func(t *testing.T) {
		env := newTestEnv(t, FactoryConfig{})
		tr := env.newTransfer(t)

		ok, err := env.service.InitiateTransfer(ctx, tr.ID, mockProvider())
		require.NoError(t, err)
		assert.True(t, ok)

		found := env.transfer(t, tr)
		assert.Equal(t, model.TransferStatePending, found.State)
		assert.Equal(t, env.mock.ExternalID(tr.ID), found.ExternalID)
		assert.Equal(t, model.PaymentAccountProviderMock, found.Provider)
	})

	t.Run("second initiation is a no-op", func(t *testing.T) {
		env := newTestEnv(t, FactoryConfig{})
		tr := env.newTransfer(t)

		_, err := env.service.InitiateTransfer(ctx, tr.ID, mockProvider())
		require.NoError(t, err)
		ok, err := env.service.InitiateTransfer(ctx, tr.ID, mockProvider())
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Len(t, env.mock.Executed(), 1)
	})

	t.Run("rejected transfer fails with parsed error", func(t *testing.T) {
		env := newTestEnv(t, FactoryConfig{})
		tr := env.newTransfer(t)
		env.mock.RejectTransfer(tr.ID, "R01", "insufficient funds")

		ok, err := env.service.InitiateTransfer(ctx, tr.ID, mockProvider())
		require.NoError(t, err)
		assert.True(t, ok)

		found := env.transfer(t, tr)
		assert.Equal(t, model.TransferStateFailed, found.State)
		require.NotNil(t, found.Error)
		assert.Equal(t, "R01", found.Error.Code)
		assert.Equal(t, "insufficient funds", found.Error.Message)
		require.NotNil(t, found.Error.LoanID)
		assert.Equal(t, env.fixture.Loan.ID, *found.Error.LoanID)
		assert.Equal(t, []string{events.TransferFailedType}, env.events)
	})
}

func TestExecutionFactory_Resolution(t *testing.T) {
	ctx := context.Background()

	t.Run("account provider not registered", func(t *testing.T) {
		env := newTestEnv(t, FactoryConfig{})
		tr := env.newTransfer(t)

		// The lender account is a checkbook account and only mock is registered.
		_, err := env.service.InitiateTransfer(ctx, tr.ID, nil)
		assert.ErrorIs(t, err, ErrProviderNotRegistered)
		assert.Equal(t, model.TransferStateCreated, env.transfer(t, tr).State)
	})

	t.Run("fallback to default provider", func(t *testing.T) {
		env := newTestEnv(t, FactoryConfig{
			DefaultProvider:   model.PaymentAccountProviderMock,
			FallbackToDefault: true,
		})
		tr := env.newTransfer(t)

		ok, err := env.service.InitiateTransfer(ctx, tr.ID, nil)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, model.TransferStatePending, env.transfer(t, tr).State)
	})

	t.Run("explicit provider wins", func(t *testing.T) {
		env := newTestEnv(t, FactoryConfig{})
		tr := env.newTransfer(t)

		stripe := model.PaymentAccountProviderStripe
		_, err := env.service.InitiateTransfer(ctx, tr.ID, &stripe)
		assert.ErrorIs(t, err, ErrProviderNotRegistered)
	})
}

func TestService_CompleteAndFail(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, FactoryConfig{})

	done := env.newTransfer(t)
	_, err := env.service.InitiateTransfer(ctx, done.ID, mockProvider())
	require.NoError(t, err)
	ok, err := env.service.CompleteTransfer(ctx, done.ID, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.TransferStateCompleted, env.transfer(t, done).State)

	failed := env.newTransfer(t)
	_, err = env.service.InitiateTransfer(ctx, failed.ID, mockProvider())
	require.NoError(t, err)
	ok, err = env.service.FailTransfer(ctx, failed.ID, model.TransferErrorPayload{"code": "R03"}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	found := env.transfer(t, failed)
	assert.Equal(t, model.TransferStateFailed, found.State)
	assert.Equal(t, "R03", found.Error.Code)
	assert.Equal(t, "transfer failed", found.Error.Message)

	assert.Equal(t, []string{events.TransferCompletedType, events.TransferFailedType}, env.events)
}

func TestService_ProcessTransferUpdate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, FactoryConfig{})
	tr := env.newTransfer(t)
	_, err := env.service.InitiateTransfer(ctx, tr.ID, mockProvider())
	require.NoError(t, err)

	body := func(u transferprovider.MockUpdate) model.TransferUpdatePayload {
		b, err := json.Marshal(u)
		require.NoError(t, err)
		return b
	}

	_, err = env.service.ProcessTransferUpdate(ctx, tr.ID, body(transferprovider.MockUpdate{
		ExternalID: "mock_other",
		Status:     "completed",
	}), nil)
	assert.ErrorIs(t, err, ErrUnknownTransfer)

	ok, err := env.service.ProcessTransferUpdate(ctx, tr.ID, body(transferprovider.MockUpdate{
		ExternalID: env.mock.ExternalID(tr.ID),
		Status:     "failed",
		Code:       "R02",
		Message:    "account closed",
	}), nil)
	require.NoError(t, err)
	assert.True(t, ok)

	found := env.transfer(t, tr)
	assert.Equal(t, model.TransferStateFailed, found.State)
	assert.Equal(t, "R02", found.Error.Code)
}

func TestService_Webhooks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, FactoryConfig{})
	tr := env.newTransfer(t)
	_, err := env.service.InitiateTransfer(ctx, tr.ID, mockProvider())
	require.NoError(t, err)

	payload, err := json.Marshal(transferprovider.MockUpdate{
		ExternalID: env.mock.ExternalID(tr.ID),
		EventID:    "evt_1",
		Status:     "completed",
	})
	require.NoError(t, err)

	update, err := env.service.ParseWebhook(ctx, model.PaymentAccountProviderMock, payload, http.Header{})
	require.NoError(t, err)
	require.NotNil(t, update)
	assert.Equal(t, "evt_1", update.EventID)

	applied, changed, err := env.service.ApplyWebhook(ctx, model.PaymentAccountProviderMock, update)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, tr.ID, applied.ID)
	assert.Equal(t, model.TransferStateCompleted, env.transfer(t, tr).State)

	// Replays do not change anything.
	_, changed, err = env.service.ApplyWebhook(ctx, model.PaymentAccountProviderMock, update)
	require.NoError(t, err)
	assert.False(t, changed)

	ignored, err := env.service.ParseWebhook(ctx, model.PaymentAccountProviderMock, []byte(`{"status":"completed"}`), http.Header{})
	require.NoError(t, err)
	assert.Nil(t, ignored)

	_, _, err = env.service.ApplyWebhook(ctx, model.PaymentAccountProviderMock, &model.TransferUpdate{ExternalID: "mock_missing", State: model.TransferStateCompleted})
	assert.ErrorIs(t, err, ErrUnknownTransfer)

	_, err = env.service.ParseWebhook(ctx, model.PaymentAccountProviderTabapay, payload, http.Header{})
	assert.ErrorIs(t, err, ErrProviderNotRegistered)
}

func TestService_PollTransfer(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, FactoryConfig{})

	created := env.newTransfer(t)
	ok, err := env.service.PollTransfer(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, ok, "created transfers are not polled")

	pending := env.newTransfer(t)
	_, err = env.service.InitiateTransfer(ctx, pending.ID, mockProvider())
	require.NoError(t, err)
	ok, err = env.service.PollTransfer(ctx, pending.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.TransferStateCompleted, env.transfer(t, pending).State)

	failing := env.newTransfer(t)
	_, err = env.service.InitiateTransfer(ctx, failing.ID, mockProvider())
	require.NoError(t, err)
	env.mock.FailOnPoll(env.mock.ExternalID(failing.ID), "R10", "unauthorized")
	ok, err = env.service.PollTransfer(ctx, failing.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	found := env.transfer(t, failing)
	assert.Equal(t, model.TransferStateFailed, found.State)
	assert.Equal(t, "R10", found.Error.Code)
}
