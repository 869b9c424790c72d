package transferprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/loanpay/server/internal/model"
	"github.com/loanpay/server/internal/port/outbound"
	"github.com/loanpay/server/internal/shared/config"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
)

func testRequest() *outbound.TransferRequest {
	return &outbound.TransferRequest{
		Transfer: &model.Transfer{
			ID:     uuid.MustParse("8b0c9d4e-1f2a-4b3c-9d8e-7f6a5b4c3d2e"),
			Amount: decimal.RequireFromString("1050.00"),
		},
		Source:      &model.PaymentAccount{ExternalID: "src-1"},
		Destination: &model.PaymentAccount{ExternalID: "dst-1", Details: map[string]any{"account_number": "12345"}},
	}
}

func TestRegistry(t *testing.T) {
	mock := NewMock()
	registry := NewRegistry(mock)

	p, err := registry.Get(model.PaymentAccountProviderMock)
	require.NoError(t, err)
	assert.Equal(t, mock, p)

	_, err = registry.Get(model.PaymentAccountProviderFiserv)
	assert.Error(t, err)

	registry.Register(NewTabapay(http.DefaultClient, config.ProviderConfig{BaseURL: "http://localhost"}, BreakerSettings{}))
	assert.Equal(t, []model.PaymentAccountProvider{
		model.PaymentAccountProviderMock,
		model.PaymentAccountProviderTabapay,
	}, registry.Names())
}

func TestCheckbook_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("accepted", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/v3/check/digital", r.URL.Path)
			assert.Equal(t, "key:secret", r.Header.Get("Authorization"))

			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "dst-1", body["recipient"])
			assert.Equal(t, 1050.0, body["amount"])

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"chk_1","status":"IN_PROCESS"}`))
		}))
		defer server.Close()

		p := NewCheckbook(server.Client(), config.ProviderConfig{BaseURL: server.URL, APIKey: "key", APISecret: "secret"}, BreakerSettings{})
		exec, err := p.Execute(ctx, testRequest())
		require.NoError(t, err)
		assert.True(t, exec.Accepted)
		assert.Equal(t, "chk_1", exec.ExternalID)
	})

	t.Run("rejected", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"Invalid recipient","error_code":"INVALID_RECIPIENT"}`))
		}))
		defer server.Close()

		p := NewCheckbook(server.Client(), config.ProviderConfig{BaseURL: server.URL}, BreakerSettings{})
		exec, err := p.Execute(ctx, testRequest())
		require.NoError(t, err)
		assert.False(t, exec.Accepted)

		details := p.ParseError(exec.Error)
		assert.Equal(t, "invalid_recipient", details.Code)
		assert.Equal(t, "Invalid recipient", details.Message)
		assert.Contains(t, details.Raw, "INVALID_RECIPIENT")
	})
}

func TestRESTClient_BreakerTripsOnOutages(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newRESTClient(model.PaymentAccountProviderFiserv, server.Client(), server.URL, nil, BreakerSettings{FailureThreshold: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := client.do(ctx, http.MethodGet, "/status", nil, nil)
		require.Error(t, err)
	}
	err := client.do(ctx, http.MethodGet, "/status", nil, nil)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRESTClient_RejectionsDoNotTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"R01"}`))
	}))
	defer server.Close()

	client := newRESTClient(model.PaymentAccountProviderFiserv, server.Client(), server.URL, nil, BreakerSettings{FailureThreshold: 1})
	for i := 0; i < 3; i++ {
		err := client.do(context.Background(), http.MethodPost, "/payments", map[string]any{}, nil)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
		assert.Equal(t, "R01", apiErr.Body["code"])
	}
}

func TestFiserv(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "1050.00", body["amount"])
			assert.Equal(t, "12345", body["accountNumber"])
			_, _ = w.Write([]byte(`{"paymentId":"fsv_1","status":"SCHEDULED"}`))
		case http.MethodGet:
			assert.Equal(t, "/billpay/v1/payments/fsv_1", r.URL.Path)
			_, _ = w.Write([]byte(`{"paymentId":"fsv_1","status":"RETURNED","errorCode":"R03","errorMessage":"no account"}`))
		}
	}))
	defer server.Close()

	ctx := context.Background()
	p := NewFiserv(server.Client(), config.ProviderConfig{BaseURL: server.URL}, BreakerSettings{})

	exec, err := p.Execute(ctx, testRequest())
	require.NoError(t, err)
	assert.True(t, exec.Accepted)
	assert.Equal(t, "fsv_1", exec.ExternalID)

	update, err := p.FetchStatus(ctx, &model.Transfer{ExternalID: "fsv_1"})
	require.NoError(t, err)
	assert.Equal(t, model.TransferStateFailed, update.State)
	require.NotNil(t, update.Error)
	assert.Equal(t, "R03", update.Error.Code)
	assert.Equal(t, "no account", update.Error.Message)

	update, err = p.ParseUpdate([]byte(`{"eventId":"e1","payment":{"paymentId":"fsv_1","status":"PAID"}}`))
	require.NoError(t, err)
	assert.Equal(t, &model.TransferUpdate{ExternalID: "fsv_1", EventID: "e1", State: model.TransferStateCompleted}, update)

	update, err = p.ParseUpdate([]byte(`{"eventId":"e2"}`))
	require.NoError(t, err)
	assert.Nil(t, update)
}

func TestTabapay(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/clients/client-1/transactions", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Len(t, body["referenceID"], 15)
		_, _ = w.Write([]byte(`{"transactionID":"tx_1","status":"ERROR","networkRC":"51","EM":"insufficient funds"}`))
	}))
	defer server.Close()

	p := NewTabapay(server.Client(), config.ProviderConfig{BaseURL: server.URL, ClientID: "client-1"}, BreakerSettings{})
	exec, err := p.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.False(t, exec.Accepted)
	assert.Equal(t, "tx_1", exec.ExternalID)

	details := p.ParseError(exec.Error)
	assert.Equal(t, "51", details.Code)
	assert.Equal(t, "insufficient funds", details.Message)

	update, err := p.ParseUpdate([]byte(`{"transactionID":"tx_2","status":"COMPLETED"}`))
	require.NoError(t, err)
	assert.Equal(t, model.TransferStateCompleted, update.State)
	assert.Nil(t, update.Error)
}

func TestStripe_ParseUpdate(t *testing.T) {
	p := NewStripe(config.ProviderConfig{APIKey: "sk_test"}, BreakerSettings{})

	reversed := `{"id":"evt_1","type":"transfer.reversed","data":{"object":{"id":"tr_1","object":"transfer","reversed":true,"amount_reversed":105000}}}`
	update, err := p.ParseUpdate([]byte(reversed))
	require.NoError(t, err)
	require.NotNil(t, update)
	assert.Equal(t, "tr_1", update.ExternalID)
	assert.Equal(t, "evt_1", update.EventID)
	assert.Equal(t, model.TransferStateFailed, update.State)
	assert.Equal(t, "transfer_reversed", update.Error.Code)

	created := `{"id":"evt_2","type":"transfer.created","data":{"object":{"id":"tr_2","object":"transfer"}}}`
	update, err = p.ParseUpdate([]byte(created))
	require.NoError(t, err)
	assert.Equal(t, model.TransferStateCompleted, update.State)

	other := `{"id":"evt_3","type":"charge.succeeded","data":{"object":{"id":"ch_1"}}}`
	update, err = p.ParseUpdate([]byte(other))
	require.NoError(t, err)
	assert.Nil(t, update)

	assert.NoError(t, p.VerifyWebhook([]byte(created), http.Header{}), "no secret configured")
}

func TestStripe_Rejection(t *testing.T) {
	assert.True(t, isStripeRejection(&stripe.Error{HTTPStatusCode: http.StatusPaymentRequired}))
	assert.False(t, isStripeRejection(&stripe.Error{HTTPStatusCode: http.StatusTooManyRequests}))
	assert.False(t, isStripeRejection(&stripe.Error{HTTPStatusCode: http.StatusInternalServerError}))

	p := NewStripe(config.ProviderConfig{APIKey: "sk_test"}, BreakerSettings{})
	details := p.ParseError(stripeErrorPayload(&stripe.Error{
		Code: stripe.ErrorCode("insufficient_funds"),
		Msg:  "Insufficient funds in Stripe account.",
	}))
	assert.Equal(t, "insufficient_funds", details.Code)
	assert.Equal(t, "Insufficient funds in Stripe account.", details.Message)
}

func TestMock(t *testing.T) {
	ctx := context.Background()
	p := NewMock()
	req := testRequest()

	p.RejectTransfer(req.Transfer.ID, "R01", "declined")
	exec, err := p.Execute(ctx, req)
	require.NoError(t, err)
	assert.False(t, exec.Accepted)
	assert.Equal(t, "R01", p.ParseError(exec.Error).Code)

	exec, err = p.Execute(ctx, req)
	require.NoError(t, err)
	assert.True(t, exec.Accepted)
	assert.Equal(t, p.ExternalID(req.Transfer.ID), exec.ExternalID)
	assert.Len(t, p.Executed(), 2)

	update, err := p.FetchStatus(ctx, &model.Transfer{ExternalID: exec.ExternalID})
	require.NoError(t, err)
	assert.Equal(t, model.TransferStateCompleted, update.State)

	_, err = p.ParseUpdate([]byte(`{"external_id":"x","status":"bogus"}`))
	assert.Error(t, err)
}
