package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var ErrInvalidPrincipal = errors.New("identity: invalid principal")

// Provider is an allow-listed principal permitted to register medical records.
type Provider struct {
	Principal string    `json:"principal"`
	AddedBy   string    `json:"added_by"`
	AddedAt   time.Time `json:"added_at"`
}

// Registry maintains the verified-provider allow-list.
//
// Registration is deliberately permissive: any caller may add a provider.
// The upstream system had no caller restriction on this operation, and the
// behavior is preserved rather than silently hardened.
type Registry interface {
	AddProvider(ctx context.Context, caller, principal string) (Provider, error)
	IsProvider(ctx context.Context, principal string) (bool, error)
	Providers(ctx context.Context) ([]Provider, error)
}

// InMemory implements Registry with in-process concurrency safety.
type InMemory struct {
	mu    sync.RWMutex
	now   func() time.Time
	byID  map[string]Provider
	order []string
}

// NewInMemory creates an empty registry.
func NewInMemory() *InMemory {
	return &InMemory{
		now:  time.Now,
		byID: make(map[string]Provider),
	}
}

func (r *InMemory) AddProvider(ctx context.Context, caller, principal string) (Provider, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return Provider{}, ErrInvalidPrincipal
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.byID[principal]; ok {
		// Re-adding is a no-op; the original registration wins.
		return p, nil
	}
	p := Provider{
		Principal: principal,
		AddedBy:   strings.TrimSpace(caller),
		AddedAt:   r.now().UTC(),
	}
	r.byID[principal] = p
	r.order = append(r.order, principal)
	return p, nil
}

func (r *InMemory) IsProvider(ctx context.Context, principal string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[strings.TrimSpace(principal)]
	return ok, nil
}

func (r *InMemory) Providers(ctx context.Context) ([]Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out, nil
}
