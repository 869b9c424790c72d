package gin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/loanpay/server/internal/adapter/outbound/memory"
	"github.com/loanpay/server/internal/adapter/outbound/transferprovider"
	"github.com/loanpay/server/internal/domain/loanpayment"
	"github.com/loanpay/server/internal/domain/management"
	"github.com/loanpay/server/internal/domain/payment"
	"github.com/loanpay/server/internal/domain/paymentstep"
	"github.com/loanpay/server/internal/domain/schedule"
	"github.com/loanpay/server/internal/domain/transfer"
	"github.com/loanpay/server/internal/infra/events"
	"github.com/loanpay/server/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type webhookCounts map[string]int

func (w webhookCounts) RecordWebhook(provider model.PaymentAccountProvider, outcome string) {
	w[string(provider)+"/"+outcome]++
}

type apiEnv struct {
	router   *gin.Engine
	store    *memory.Store
	fixture  *memory.Fixture
	payments payment.PaymentDomain
	mock     *transferprovider.Mock
	webhooks webhookCounts
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	store := memory.NewStore()
	fixture, err := store.SeedDirectBillPay(context.Background(), memory.LoanTerms{
		Amount:        decimal.NewFromInt(1000),
		FeeAmount:     decimal.NewFromInt(50),
		PaymentsCount: 3,
	})
	require.NoError(t, err)

	logger := zap.NewNop()
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
	svc := management.NewService(management.Dependencies{
		Payments:  payments,
		Managers:  loanpayment.NewFactory(payments, schedule.NewScheduler(), logger),
		Steps:     paymentstep.NewFactory(payments, transfers, logger),
		Transfers: transfers,
		Publisher: bus,
	}, management.Ports{
		Loans:    store.Loans(),
		Webhooks: store.Webhooks(),
		Lock:     memory.NewLock(),
	}, management.Config{}, logger)
	management.RegisterHandlers(bus, svc, logger)

	webhooks := webhookCounts{}
	router := gin.New()
	api := router.Group("/api/v1")
	RegisterLendingRoutes(api, NewLendingAdapter(svc, payments))
	transferAdapter := NewTransferAdapter(svc, payments, webhooks)
	RegisterTransferRoutes(api, transferAdapter)
	RegisterWebhookRoutes(api, transferAdapter)

	return &apiEnv{
		router:   router,
		store:    store,
		fixture:  fixture,
		payments: payments,
		mock:     mock,
		webhooks: webhooks,
	}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case []byte:
			buf.Write(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, "/api/v1"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *apiEnv) fundingTransfer(t *testing.T) *model.Transfer {
	t.Helper()
	ctx := context.Background()
	found, err := e.store.Payments().FindByLoan(ctx, e.fixture.Loan.ID, model.LoanPaymentTypeFunding)
	require.NoError(t, err)
	require.Len(t, found, 1)
	p, err := e.payments.GetLoanPayment(ctx, found[0].ID)
	require.NoError(t, err)
	tr, err := e.payments.GetLatestTransferForStep(ctx, p.SortedSteps()[0].ID)
	require.NoError(t, err)
	require.NotNil(t, tr)
	return tr
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestLendingRoutes(t *testing.T) {
	t.Run("get loan", func(t *testing.T) {
		env := newAPIEnv(t)

		w := env.do(t, http.MethodGet, "/loans/"+env.fixture.Loan.ID.String(), nil)

		require.Equal(t, http.StatusOK, w.Code)
		loan := decode[model.Loan](t, w)
		assert.Equal(t, env.fixture.Loan.ID, loan.ID)
		assert.Equal(t, model.LoanStateAccepted, loan.State)
	})

	t.Run("unknown loan is 404", func(t *testing.T) {
		env := newAPIEnv(t)

		w := env.do(t, http.MethodGet, "/loans/"+uuid.NewString(), nil)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "loan_not_found", decode[model.ErrorResponse](t, w).Code)
	})

	t.Run("malformed id is 400", func(t *testing.T) {
		env := newAPIEnv(t)

		w := env.do(t, http.MethodGet, "/payments/not-a-uuid", nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("initiate payment", func(t *testing.T) {
		env := newAPIEnv(t)
		path := "/loans/" + env.fixture.Loan.ID.String() + "/payments/funding"

		w := env.do(t, http.MethodPost, path, nil)
		require.Equal(t, http.StatusCreated, w.Code)
		resp := decode[model.InitiatePaymentResponse](t, w)
		require.NotNil(t, resp.Payment)
		assert.True(t, decimal.NewFromInt(1050).Equal(resp.Payment.Amount))

		w = env.do(t, http.MethodPost, path, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Nil(t, decode[model.InitiatePaymentResponse](t, w).Payment)
	})

	t.Run("unknown payment type is 400", func(t *testing.T) {
		env := newAPIEnv(t)

		w := env.do(t, http.MethodPost, "/loans/"+env.fixture.Loan.ID.String()+"/payments/bonus", nil)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "unsupported_payment_type", decode[model.ErrorResponse](t, w).Code)
	})

	t.Run("change loan state requires a state", func(t *testing.T) {
		env := newAPIEnv(t)

		w := env.do(t, http.MethodPut, "/loans/"+env.fixture.Loan.ID.String()+"/state", map[string]string{})

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestFundingThroughWebhook(t *testing.T) {
	env := newAPIEnv(t)
	loanPath := "/loans/" + env.fixture.Loan.ID.String()

	w := env.do(t, http.MethodPut, loanPath+"/state", model.ChangeLoanStateRequest{State: model.LoanStateFunding})
	require.Equal(t, http.StatusOK, w.Code)

	tr := env.fundingTransfer(t)
	body, err := json.Marshal(transferprovider.MockUpdate{
		ExternalID: env.mock.ExternalID(tr.ID),
		EventID:    "evt_1",
		Status:     "completed",
	})
	require.NoError(t, err)

	w = env.do(t, http.MethodPost, "/webhooks/mock", body)
	require.Equal(t, http.StatusOK, w.Code)
	result := decode[management.WebhookResult](t, w)
	assert.True(t, result.Changed)

	w = env.do(t, http.MethodPost, "/webhooks/mock", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[management.WebhookResult](t, w).Duplicate)

	w = env.do(t, http.MethodGet, loanPath, nil)
	assert.Equal(t, model.LoanStateFunded, decode[model.Loan](t, w).State)

	w = env.do(t, http.MethodGet, "/transfers/"+tr.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.TransferStateCompleted, decode[model.Transfer](t, w).State)

	assert.Equal(t, 1, env.webhooks["mock/applied"])
	assert.Equal(t, 1, env.webhooks["mock/duplicate"])
}

func TestTransferRoutes(t *testing.T) {
	t.Run("poll settles a pending transfer", func(t *testing.T) {
		env := newAPIEnv(t)
		w := env.do(t, http.MethodPost, "/loans/"+env.fixture.Loan.ID.String()+"/payments/funding", nil)
		require.Equal(t, http.StatusCreated, w.Code)
		tr := env.fundingTransfer(t)

		w = env.do(t, http.MethodPost, "/transfers/"+tr.ID.String()+"/poll", nil)

		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, decode[model.AdvanceResponse](t, w).Changed)
	})

	t.Run("failed step can be retried", func(t *testing.T) {
		env := newAPIEnv(t)
		w := env.do(t, http.MethodPost, "/loans/"+env.fixture.Loan.ID.String()+"/payments/funding", nil)
		require.Equal(t, http.StatusCreated, w.Code)
		tr := env.fundingTransfer(t)
		env.mock.FailOnPoll(tr.ExternalID, "R01", "insufficient funds")

		w = env.do(t, http.MethodPost, "/transfers/"+tr.ID.String()+"/poll", nil)
		require.Equal(t, http.StatusOK, w.Code)

		w = env.do(t, http.MethodPost, "/steps/"+tr.LoanPaymentStepID.String()+"/retry", nil)
		require.Equal(t, http.StatusCreated, w.Code)
		retry := decode[model.Transfer](t, w)
		assert.Equal(t, 1, retry.Order)

		w = env.do(t, http.MethodPost, "/steps/"+tr.LoanPaymentStepID.String()+"/retry", nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("update requires a payload", func(t *testing.T) {
		env := newAPIEnv(t)

		w := env.do(t, http.MethodPost, "/transfers/"+uuid.NewString()+"/updates", map[string]string{})

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown webhook provider is 404", func(t *testing.T) {
		env := newAPIEnv(t)

		w := env.do(t, http.MethodPost, "/webhooks/acme", []byte(`{}`))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Empty(t, env.webhooks)
	})
}

type stubImporter struct {
	result *model.BillerImportResult
	err    error
	names  []string
}

func (s *stubImporter) Import(ctx context.Context, name string) (*model.BillerImportResult, error) {
	s.names = append(s.names, name)
	return s.result, s.err
}

func TestBillerRoutes(t *testing.T) {
	store := memory.NewStore()
	importer := &stubImporter{result: &model.BillerImportResult{Created: 2}}
	router := gin.New()
	RegisterBillerRoutes(router.Group("/api/v1"), NewBillerAdapter(importer, store.Billers()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/billers/import", bytes.NewBufferString(`{"name":"rpps/2024-01-01.txt"}`)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"rpps/2024-01-01.txt"}, importer.names)
	assert.Equal(t, 2, decode[model.BillerImportResult](t, w).Created)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/billers/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
