package transferprovider

import (
	"net/http"

	"github.com/loanpay/server/internal/shared/config"
	"go.uber.org/zap"
)

// NewRegistryFromConfig registers every provider that has credentials
// configured, plus the mock provider when enabled.
func NewRegistryFromConfig(cfg config.ProvidersConfig, client *http.Client, logger *zap.Logger) *Registry {
	breaker := BreakerSettings{
		FailureThreshold: cfg.FailureThreshold,
		Timeout:          cfg.CircuitTimeout,
	}

	registry := NewRegistry()
	if cfg.Checkbook.BaseURL != "" {
		registry.Register(NewCheckbook(client, cfg.Checkbook, breaker))
	}
	if cfg.Fiserv.BaseURL != "" {
		registry.Register(NewFiserv(client, cfg.Fiserv, breaker))
	}
	if cfg.Tabapay.BaseURL != "" {
		registry.Register(NewTabapay(client, cfg.Tabapay, breaker))
	}
	if cfg.Stripe.APIKey != "" {
		registry.Register(NewStripe(cfg.Stripe, breaker))
	}
	if cfg.Mock {
		registry.Register(NewMock())
	}

	names := make([]string, 0)
	for _, name := range registry.Names() {
		names = append(names, string(name))
	}
	logger.Info("transfer providers registered", zap.Strings("providers", names))
	return registry
}
