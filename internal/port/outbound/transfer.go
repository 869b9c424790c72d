package outbound

import (
	"context"
	"net/http"

	"github.com/loanpay/server/internal/model"
)

// TransferRequest carries a transfer and its resolved accounts to a provider.
type TransferRequest struct {
	Transfer    *model.Transfer
	Source      *model.PaymentAccount
	Destination *model.PaymentAccount
}

// TransferProviderPort defines a money-movement provider.
type TransferProviderPort interface {
	// Name returns the provider name.
	Name() model.PaymentAccountProvider

	// Execute submits a transfer. A rejected execution carries the provider error payload.
	Execute(ctx context.Context, req *TransferRequest) (*model.TransferExecution, error)

	// FetchStatus polls the provider for the current state of a submitted transfer.
	FetchStatus(ctx context.Context, transfer *model.Transfer) (*model.TransferUpdate, error)

	// ParseUpdate normalizes a webhook or poll payload. Returns nil for payloads to ignore.
	ParseUpdate(payload model.TransferUpdatePayload) (*model.TransferUpdate, error)

	// ParseError normalizes a provider error payload.
	ParseError(payload model.TransferErrorPayload) model.TransferErrorDetails
}

// WebhookVerifier is implemented by providers that sign their webhooks.
type WebhookVerifier interface {
	VerifyWebhook(payload []byte, header http.Header) error
}

// TransferProviderRegistryPort defines the transfer provider registry.
type TransferProviderRegistryPort interface {
	// Get returns a provider by name.
	Get(name model.PaymentAccountProvider) (TransferProviderPort, error)

	// Register registers a provider.
	Register(provider TransferProviderPort)

	// Names lists registered provider names.
	Names() []model.PaymentAccountProvider
}
