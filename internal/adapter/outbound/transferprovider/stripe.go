package transferprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/loanpay/server/internal/model"
	"github.com/loanpay/server/internal/port/outbound"
	"github.com/loanpay/server/internal/shared/config"
	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/transfer"
	"github.com/stripe/stripe-go/v76/webhook"
)

// Stripe moves money to connected accounts with Stripe Transfers.
type Stripe struct {
	currency      string
	webhookSecret string
	breaker       *gobreaker.CircuitBreaker[any]
}

// NewStripe creates a Stripe provider.
func NewStripe(cfg config.ProviderConfig, breaker BreakerSettings) *Stripe {
	stripe.Key = cfg.APIKey
	currency := cfg.Currency
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &Stripe{
		currency:      currency,
		webhookSecret: cfg.WebhookSecret,
		breaker:       newBreaker(model.PaymentAccountProviderStripe, breaker, isStripeRejection),
	}
}

// Name returns the provider name.
func (p *Stripe) Name() model.PaymentAccountProvider {
	return model.PaymentAccountProviderStripe
}

// Execute creates a transfer to the destination connected account. The
// transfer ID doubles as the idempotency key.
func (p *Stripe) Execute(ctx context.Context, req *outbound.TransferRequest) (*model.TransferExecution, error) {
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.Transfer.Amount.Shift(2).IntPart()),
		Currency:      stripe.String(p.currency),
		Destination:   stripe.String(req.Destination.ExternalID),
		TransferGroup: stripe.String(req.Transfer.ID.String()),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.Transfer.ID.String())
	params.AddMetadata("transfer_id", req.Transfer.ID.String())

	result, err := p.breaker.Execute(func() (any, error) {
		return transfer.New(params)
	})
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && isStripeRejection(err) {
			return &model.TransferExecution{Accepted: false, Error: stripeErrorPayload(stripeErr)}, nil
		}
		return nil, fmt.Errorf("create stripe transfer: %w", err)
	}

	t := result.(*stripe.Transfer)
	return &model.TransferExecution{Accepted: true, ExternalID: t.ID}, nil
}

// FetchStatus reads the transfer. Stripe transfers settle on creation, so a
// transfer is completed unless it was reversed.
func (p *Stripe) FetchStatus(ctx context.Context, tr *model.Transfer) (*model.TransferUpdate, error) {
	params := &stripe.TransferParams{}
	params.Context = ctx
	result, err := p.breaker.Execute(func() (any, error) {
		return transfer.Get(tr.ExternalID, params)
	})
	if err != nil {
		return nil, fmt.Errorf("get stripe transfer: %w", err)
	}
	return p.update(result.(*stripe.Transfer), ""), nil
}

// ParseUpdate parses a transfer.* webhook event. Other events are ignored.
func (p *Stripe) ParseUpdate(payload model.TransferUpdatePayload) (*model.TransferUpdate, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decode stripe event: %w", err)
	}
	switch event.Type {
	case "transfer.created", "transfer.updated", "transfer.reversed":
	default:
		return nil, nil
	}
	if event.Data == nil {
		return nil, nil
	}

	var t stripe.Transfer
	if err := json.Unmarshal(event.Data.Raw, &t); err != nil {
		return nil, fmt.Errorf("decode stripe transfer: %w", err)
	}
	if t.ID == "" {
		return nil, nil
	}
	return p.update(&t, event.ID), nil
}

// VerifyWebhook checks the Stripe-Signature header. Verification is skipped
// when no webhook secret is configured.
func (p *Stripe) VerifyWebhook(payload []byte, header http.Header) error {
	if p.webhookSecret == "" {
		return nil
	}
	return webhook.ValidatePayload(payload, header.Get("Stripe-Signature"), p.webhookSecret)
}

// ParseError normalizes a Stripe API error.
func (p *Stripe) ParseError(payload model.TransferErrorPayload) model.TransferErrorDetails {
	code := stringField(payload, "code", "decline_code", "type")
	message := stringField(payload, "message")
	return errorDetails(payload, code, message)
}

func (p *Stripe) update(t *stripe.Transfer, eventID string) *model.TransferUpdate {
	update := &model.TransferUpdate{
		ExternalID: t.ID,
		EventID:    eventID,
		State:      model.TransferStateCompleted,
	}
	if t.Reversed {
		update.State = model.TransferStateFailed
		details := p.ParseError(model.TransferErrorPayload{
			"code":    "transfer_reversed",
			"message": fmt.Sprintf("transfer reversed (%d reversed)", t.AmountReversed),
		})
		update.Error = &details
	}
	return update
}

func isStripeRejection(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.HTTPStatusCode >= 400 && stripeErr.HTTPStatusCode < 500 &&
		stripeErr.HTTPStatusCode != http.StatusTooManyRequests
}

func stripeErrorPayload(err *stripe.Error) model.TransferErrorPayload {
	return model.TransferErrorPayload{
		"code":         string(err.Code),
		"decline_code": string(err.DeclineCode),
		"type":         string(err.Type),
		"message":      err.Msg,
		"param":        err.Param,
	}
}

// Compile-time check
var (
	_ outbound.TransferProviderPort = (*Stripe)(nil)
	_ outbound.WebhookVerifier      = (*Stripe)(nil)
)
