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

// Checkbook moves money between bank accounts as digital checks.
type Checkbook struct {
	rest *restClient
}

// NewCheckbook creates a Checkbook provider. Requests authenticate with
// "key:secret" in the Authorization header.
func NewCheckbook(client *http.Client, cfg config.ProviderConfig, breaker BreakerSettings) *Checkbook {
	headers := map[string]string{
		"Authorization": cfg.APIKey + ":" + cfg.APISecret,
	}
	return &Checkbook{
		rest: newRESTClient(model.PaymentAccountProviderCheckbook, client, cfg.BaseURL, headers, breaker),
	}
}

// Name returns the provider name.
func (p *Checkbook) Name() model.PaymentAccountProvider {
	return model.PaymentAccountProviderCheckbook
}

type checkbookCheck struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
}

// Execute sends a digital check from the source account to the destination.
func (p *Checkbook) Execute(ctx context.Context, req *outbound.TransferRequest) (*model.TransferExecution, error) {
	body := map[string]any{
		"account":     req.Source.ExternalID,
		"recipient":   req.Destination.ExternalID,
		"amount":      req.Transfer.Amount.InexactFloat64(),
		"number":      req.Transfer.ID.String(),
		"description": fmt.Sprintf("transfer %s", req.Transfer.ID),
	}

	var check checkbookCheck
	if err := p.rest.do(ctx, http.MethodPost, "/v3/check/digital", body, &check); err != nil {
		return rejected(err)
	}
	if checkbookState(check.Status) == model.TransferStateFailed {
		return &model.TransferExecution{
			Accepted:   false,
			ExternalID: check.ID,
			Error:      model.TransferErrorPayload{"status": check.Status, "description": check.Description},
		}, nil
	}
	return &model.TransferExecution{Accepted: true, ExternalID: check.ID}, nil
}

// FetchStatus reads the check status.
func (p *Checkbook) FetchStatus(ctx context.Context, transfer *model.Transfer) (*model.TransferUpdate, error) {
	var check checkbookCheck
	if err := p.rest.do(ctx, http.MethodGet, "/v3/check/"+transfer.ExternalID, nil, &check); err != nil {
		return nil, err
	}
	return p.update(check, ""), nil
}

// ParseUpdate parses a check status webhook.
func (p *Checkbook) ParseUpdate(payload model.TransferUpdatePayload) (*model.TransferUpdate, error) {
	var event struct {
		checkbookCheck
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decode checkbook webhook: %w", err)
	}
	if event.ID == "" {
		return nil, nil
	}
	return p.update(event.checkbookCheck, event.EventID), nil
}

// ParseError normalizes a Checkbook error body.
func (p *Checkbook) ParseError(payload model.TransferErrorPayload) model.TransferErrorDetails {
	code := stringField(payload, "error_code", "status")
	message := stringField(payload, "error", "message", "description")
	return errorDetails(payload, strings.ToLower(code), message)
}

func (p *Checkbook) update(check checkbookCheck, eventID string) *model.TransferUpdate {
	update := &model.TransferUpdate{
		ExternalID: check.ID,
		EventID:    eventID,
		State:      checkbookState(check.Status),
	}
	if update.State == model.TransferStateFailed {
		details := p.ParseError(model.TransferErrorPayload{"status": check.Status, "description": check.Description})
		update.Error = &details
	}
	return update
}

func checkbookState(status string) model.TransferState {
	switch strings.ToUpper(status) {
	case "PAID", "PRINTED", "MAILED":
		return model.TransferStateCompleted
	case "FAILED", "VOID", "RETURNED", "EXPIRED":
		return model.TransferStateFailed
	default:
		return model.TransferStatePending
	}
}

// Compile-time check
var _ outbound.TransferProviderPort = (*Checkbook)(nil)
