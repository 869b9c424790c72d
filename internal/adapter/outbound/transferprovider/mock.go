package transferprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/loanpay/server/internal/model"
	"github.com/loanpay/server/internal/port/outbound"
)

// MockUpdate is the webhook body understood by the mock provider.
type MockUpdate struct {
	ExternalID string `json:"external_id"`
	EventID    string `json:"event_id,omitempty"`
	Status     string `json:"status"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Mock is an in-process provider for development and tests. It accepts
// every transfer unless told to reject it, and reports submitted transfers
// as completed when polled.
type Mock struct {
	mu       sync.Mutex
	rejects  map[uuid.UUID]model.TransferErrorPayload
	failures map[string]model.TransferErrorPayload
	executed []uuid.UUID
}

// NewMock creates a mock provider.
func NewMock() *Mock {
	return &Mock{
		rejects:  make(map[uuid.UUID]model.TransferErrorPayload),
		failures: make(map[string]model.TransferErrorPayload),
	}
}

// Name returns the provider name.
func (p *Mock) Name() model.PaymentAccountProvider {
	return model.PaymentAccountProviderMock
}

// RejectTransfer makes the next execution of the transfer fail with code.
func (p *Mock) RejectTransfer(transferID uuid.UUID, code, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejects[transferID] = model.TransferErrorPayload{"code": code, "message": message}
}

// FailOnPoll makes polling the external ID report a failure.
func (p *Mock) FailOnPoll(externalID, code, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[externalID] = model.TransferErrorPayload{"code": code, "message": message}
}

// Executed returns the IDs of transfers submitted so far.
func (p *Mock) Executed() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uuid.UUID(nil), p.executed...)
}

// ExternalID returns the reference the mock assigns to a transfer.
func (p *Mock) ExternalID(transferID uuid.UUID) string {
	return "mock_" + transferID.String()
}

// Execute accepts the transfer unless a rejection was registered for it.
func (p *Mock) Execute(ctx context.Context, req *outbound.TransferRequest) (*model.TransferExecution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.executed = append(p.executed, req.Transfer.ID)
	if payload, ok := p.rejects[req.Transfer.ID]; ok {
		delete(p.rejects, req.Transfer.ID)
		return &model.TransferExecution{Accepted: false, Error: payload}, nil
	}
	return &model.TransferExecution{Accepted: true, ExternalID: p.ExternalID(req.Transfer.ID)}, nil
}

// FetchStatus reports the transfer completed unless a poll failure was
// registered for it.
func (p *Mock) FetchStatus(ctx context.Context, transfer *model.Transfer) (*model.TransferUpdate, error) {
	p.mu.Lock()
	payload, failed := p.failures[transfer.ExternalID]
	p.mu.Unlock()

	if failed {
		details := p.ParseError(payload)
		return &model.TransferUpdate{
			ExternalID: transfer.ExternalID,
			State:      model.TransferStateFailed,
			Error:      &details,
		}, nil
	}
	return &model.TransferUpdate{ExternalID: transfer.ExternalID, State: model.TransferStateCompleted}, nil
}

// ParseUpdate parses a MockUpdate body.
func (p *Mock) ParseUpdate(payload model.TransferUpdatePayload) (*model.TransferUpdate, error) {
	var body MockUpdate
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decode mock update: %w", err)
	}
	if body.ExternalID == "" {
		return nil, nil
	}

	update := &model.TransferUpdate{
		ExternalID: body.ExternalID,
		EventID:    body.EventID,
	}
	switch model.TransferState(body.Status) {
	case model.TransferStateCompleted, model.TransferStateFailed, model.TransferStatePending:
		update.State = model.TransferState(body.Status)
	default:
		return nil, fmt.Errorf("unknown mock status %q", body.Status)
	}
	if update.State == model.TransferStateFailed && body.Code != "" {
		details := p.ParseError(model.TransferErrorPayload{"code": body.Code, "message": body.Message})
		update.Error = &details
	}
	return update, nil
}

// ParseError normalizes a mock error payload.
func (p *Mock) ParseError(payload model.TransferErrorPayload) model.TransferErrorDetails {
	return errorDetails(payload, stringField(payload, "code"), stringField(payload, "message"))
}

// Compile-time check
var _ outbound.TransferProviderPort = (*Mock)(nil)
