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

// Tabapay pulls from and pushes to debit cards.
type Tabapay struct {
	rest     *restClient
	clientID string
}

// NewTabapay creates a Tabapay card transfer provider.
func NewTabapay(client *http.Client, cfg config.ProviderConfig, breaker BreakerSettings) *Tabapay {
	headers := map[string]string{
		"Authorization": "Bearer " + cfg.APIKey,
	}
	return &Tabapay{
		rest:     newRESTClient(model.PaymentAccountProviderTabapay, client, cfg.BaseURL, headers, breaker),
		clientID: cfg.ClientID,
	}
}

// Name returns the provider name.
func (p *Tabapay) Name() model.PaymentAccountProvider {
	return model.PaymentAccountProviderTabapay
}

type tabapayTransaction struct {
	TransactionID string `json:"transactionID"`
	ReferenceID   string `json:"referenceID,omitempty"`
	Status        string `json:"status"`
	NetworkRC     string `json:"networkRC,omitempty"`
	SC            int    `json:"SC,omitempty"`
	EC            string `json:"EC,omitempty"`
	EM            string `json:"EM,omitempty"`
}

func (t tabapayTransaction) errorPayload() model.TransferErrorPayload {
	payload := model.TransferErrorPayload{
		"EC":        t.EC,
		"EM":        t.EM,
		"networkRC": t.NetworkRC,
		"status":    t.Status,
	}
	if t.SC != 0 {
		payload["SC"] = float64(t.SC)
	}
	return payload
}

// Execute creates a card transaction. Reference IDs are limited to 15
// characters.
func (p *Tabapay) Execute(ctx context.Context, req *outbound.TransferRequest) (*model.TransferExecution, error) {
	reference := strings.ReplaceAll(req.Transfer.ID.String(), "-", "")[:15]
	body := map[string]any{
		"referenceID": reference,
		"accounts": map[string]any{
			"sourceAccountID":      req.Source.ExternalID,
			"destinationAccountID": req.Destination.ExternalID,
		},
		"currency": "840",
		"amount":   req.Transfer.Amount.StringFixed(2),
	}

	var txn tabapayTransaction
	path := fmt.Sprintf("/v1/clients/%s/transactions", p.clientID)
	if err := p.rest.do(ctx, http.MethodPost, path, body, &txn); err != nil {
		return rejected(err)
	}
	if tabapayState(txn.Status) == model.TransferStateFailed {
		return &model.TransferExecution{
			Accepted:   false,
			ExternalID: txn.TransactionID,
			Error:      txn.errorPayload(),
		}, nil
	}
	return &model.TransferExecution{Accepted: true, ExternalID: txn.TransactionID}, nil
}

// FetchStatus reads the transaction status.
func (p *Tabapay) FetchStatus(ctx context.Context, transfer *model.Transfer) (*model.TransferUpdate, error) {
	var txn tabapayTransaction
	path := fmt.Sprintf("/v1/clients/%s/transactions/%s", p.clientID, transfer.ExternalID)
	if err := p.rest.do(ctx, http.MethodGet, path, nil, &txn); err != nil {
		return nil, err
	}
	return p.update(txn), nil
}

// ParseUpdate parses a transaction notification.
func (p *Tabapay) ParseUpdate(payload model.TransferUpdatePayload) (*model.TransferUpdate, error) {
	var txn tabapayTransaction
	if err := json.Unmarshal(payload, &txn); err != nil {
		return nil, fmt.Errorf("decode tabapay notification: %w", err)
	}
	if txn.TransactionID == "" {
		return nil, nil
	}
	return p.update(txn), nil
}

// ParseError normalizes a Tabapay error. The network response code wins
// over the Tabapay error code.
func (p *Tabapay) ParseError(payload model.TransferErrorPayload) model.TransferErrorDetails {
	code := stringField(payload, "networkRC", "EC", "SC", "status")
	message := stringField(payload, "EM", "message")
	return errorDetails(payload, code, message)
}

func (p *Tabapay) update(txn tabapayTransaction) *model.TransferUpdate {
	update := &model.TransferUpdate{
		ExternalID: txn.TransactionID,
		State:      tabapayState(txn.Status),
	}
	if update.State == model.TransferStateFailed {
		details := p.ParseError(txn.errorPayload())
		update.Error = &details
	}
	return update
}

func tabapayState(status string) model.TransferState {
	switch strings.ToUpper(status) {
	case "COMPLETED":
		return model.TransferStateCompleted
	case "FAILED", "ERROR", "REVERSED", "UNKNOWN":
		return model.TransferStateFailed
	default:
		return model.TransferStatePending
	}
}

// Compile-time check
var _ outbound.TransferProviderPort = (*Tabapay)(nil)
