package transfer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/loanpay/server/internal/domain/payment"
	"github.com/loanpay/server/internal/model"
	"github.com/loanpay/server/internal/port/outbound"
	"go.uber.org/zap"
)

// FactoryConfig selects the provider used when a transfer's accounts do not
// name a registered one.
type FactoryConfig struct {
	DefaultProvider model.PaymentAccountProvider
	// FallbackToDefault routes transfers whose account provider is not
	// registered to the default provider instead of failing.
	FallbackToDefault bool
}

// ExecutionFactory resolves the executor for a transfer.
type ExecutionFactory struct {
	registry outbound.TransferProviderRegistryPort
	payments payment.PaymentDomain
	recorder ProviderRecorder
	cfg      FactoryConfig
	logger   *zap.Logger
}

// NewExecutionFactory creates a new execution factory.
func NewExecutionFactory(
	registry outbound.TransferProviderRegistryPort,
	payments payment.PaymentDomain,
	recorder ProviderRecorder,
	cfg FactoryConfig,
	logger *zap.Logger,
) *ExecutionFactory {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = model.PaymentAccountProviderMock
	}
	return &ExecutionFactory{
		registry: registry,
		payments: payments,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger.Named("transfer"),
	}
}

// Executor returns the executor for the named provider.
func (f *ExecutionFactory) Executor(name model.PaymentAccountProvider) (*Executor, error) {
	provider, err := f.registry.Get(name)
	if err != nil {
		if !f.cfg.FallbackToDefault || name == f.cfg.DefaultProvider {
			return nil, fmt.Errorf("%w: %s", ErrProviderNotRegistered, name)
		}
		f.logger.Debug("provider not registered, using default",
			zap.String("requested", string(name)),
			zap.String("default", string(f.cfg.DefaultProvider)),
		)
		provider, err = f.registry.Get(f.cfg.DefaultProvider)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrProviderNotRegistered, f.cfg.DefaultProvider)
		}
	}
	return newExecutor(provider, f.payments, f.recorder, f.logger), nil
}

// ExecutorFor resolves the executor of a transfer. An explicit provider
// wins; otherwise the transfer's recorded provider, then the provider of
// its source account, then of its destination account, then the default.
func (f *ExecutionFactory) ExecutorFor(ctx context.Context, transferID uuid.UUID, explicit *model.PaymentAccountProvider) (*Executor, error) {
	if explicit != nil && *explicit != "" {
		return f.Executor(*explicit)
	}

	transfer, err := f.payments.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if transfer.Provider != "" {
		return f.Executor(transfer.Provider)
	}

	source, err := f.payments.GetPaymentAccount(ctx, transfer.SourceAccountID)
	if err != nil {
		return nil, err
	}
	if source.Provider.IsValid() {
		return f.Executor(source.Provider)
	}

	destination, err := f.payments.GetPaymentAccount(ctx, transfer.DestinationAccountID)
	if err != nil {
		return nil, err
	}
	if destination.Provider.IsValid() {
		return f.Executor(destination.Provider)
	}

	return f.Executor(f.cfg.DefaultProvider)
}
