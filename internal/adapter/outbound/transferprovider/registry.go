package transferprovider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/loanpay/server/internal/model"
	"github.com/loanpay/server/internal/port/outbound"
)

// Registry holds the configured transfer providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[model.PaymentAccountProvider]outbound.TransferProviderPort
}

// NewRegistry creates a registry holding the given providers.
func NewRegistry(providers ...outbound.TransferProviderPort) *Registry {
	r := &Registry{
		providers: make(map[model.PaymentAccountProvider]outbound.TransferProviderPort),
	}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register registers a provider, replacing any provider with the same name.
func (r *Registry) Register(p outbound.TransferProviderPort) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns a provider by name.
func (r *Registry) Get(name model.PaymentAccountProvider) (outbound.TransferProviderPort, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider not found: %s", name)
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []model.PaymentAccountProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]model.PaymentAccountProvider, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Compile-time check
var _ outbound.TransferProviderRegistryPort = (*Registry)(nil)
