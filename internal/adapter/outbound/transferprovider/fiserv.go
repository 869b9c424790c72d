package transferprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/loanpay/server/internal/model"
	"github.com/loanpay/server/internal/port/outbound"
	"github.com/loanpay/server/internal/shared/config"
)

// Fiserv pays billers over the bill payment network.
type Fiserv struct {
	rest *restClient
}

// NewFiserv creates a Fiserv bill payment provider.
func NewFiserv(client *http.Client, cfg config.ProviderConfig, breaker BreakerSettings) *Fiserv {
	headers := map[string]string{
		"Api-Key":       cfg.APIKey,
		"Authorization": "Bearer " + cfg.APISecret,
	}
	return &Fiserv{
		rest: newRESTClient(model.PaymentAccountProviderFiserv, client, cfg.BaseURL, headers, breaker),
	}
}

// Name returns the provider name.
func (p *Fiserv) Name() model.PaymentAccountProvider {
	return model.PaymentAccountProviderFiserv
}

type fiservPayment struct {
	PaymentID    string `json:"paymentId"`
	Status       string `json:"status"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Execute schedules a bill payment to the destination biller.
func (p *Fiserv) Execute(ctx context.Context, req *outbound.TransferRequest) (*model.TransferExecution, error) {
	body := map[string]any{
		"referenceId":     req.Transfer.ID.String(),
		"fundingAccount":  req.Source.ExternalID,
		"billerId":        req.Destination.ExternalID,
		"amount":          req.Transfer.Amount.StringFixed(2),
		"accountNumber":   stringField(req.Destination.Details, "account_number"),
		"paymentCurrency": "USD",
	}

	var payment fiservPayment
	if err := p.rest.do(ctx, http.MethodPost, "/billpay/v1/payments", body, &payment); err != nil {
		return rejected(err)
	}
	if fiservState(payment.Status) == model.TransferStateFailed {
		return &model.TransferExecution{
			Accepted:   false,
			ExternalID: payment.PaymentID,
			Error: model.TransferErrorPayload{
				"errorCode":    payment.ErrorCode,
				"errorMessage": payment.ErrorMessage,
			},
		}, nil
	}
	return &model.TransferExecution{Accepted: true, ExternalID: payment.PaymentID}, nil
}

// FetchStatus reads the bill payment status.
func (p *Fiserv) FetchStatus(ctx context.Context, transfer *model.Transfer) (*model.TransferUpdate, error) {
	var payment fiservPayment
	if err := p.rest.do(ctx, http.MethodGet, "/billpay/v1/payments/"+transfer.ExternalID, nil, &payment); err != nil {
		return nil, err
	}
	return p.update(payment, ""), nil
}

// ParseUpdate parses a payment status notification.
func (p *Fiserv) ParseUpdate(payload model.TransferUpdatePayload) (*model.TransferUpdate, error) {
	var event struct {
		EventID string        `json:"eventId"`
		Payment fiservPayment `json:"payment"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decode fiserv notification: %w", err)
	}
	if event.Payment.PaymentID == "" {
		return nil, nil
	}
	return p.update(event.Payment, event.EventID), nil
}

// ParseError normalizes a Fiserv error body.
func (p *Fiserv) ParseError(payload model.TransferErrorPayload) model.TransferErrorDetails {
	code := stringField(payload, "errorCode", "code")
	message := stringField(payload, "errorMessage", "message")
	return errorDetails(payload, code, message)
}

func (p *Fiserv) update(payment fiservPayment, eventID string) *model.TransferUpdate {
	update := &model.TransferUpdate{
		ExternalID: payment.PaymentID,
		EventID:    eventID,
		State:      fiservState(payment.Status),
	}
	if update.State == model.TransferStateFailed {
		details := p.ParseError(model.TransferErrorPayload{
			"errorCode":    payment.ErrorCode,
			"errorMessage": payment.ErrorMessage,
		})
		update.Error = &details
	}
	return update
}

func fiservState(status string) model.TransferState {
	switch strings.ToUpper(status) {
	case "PAID", "SETTLED", "DELIVERED":
		return model.TransferStateCompleted
	case "FAILED", "RETURNED", "CANCELLED", "REJECTED":
		return model.TransferStateFailed
	default:
		return model.TransferStatePending
	}
}

// Compile-time check
var _ outbound.TransferProviderPort = (*Fiserv)(nil)
