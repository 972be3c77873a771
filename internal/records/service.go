package records

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ProviderGate answers whether a principal may register records.
type ProviderGate interface {
	IsProvider(ctx context.Context, principal string) (bool, error)
}

// Service defines record catalogue operations. Creation is gated on the
// verified-provider allow-list; the creating caller becomes the owner.
type Service interface {
	CreateRecord(ctx context.Context, caller, payloadHash, category string) (Record, error)
	GetRecord(ctx context.Context, id int64) (Record, error)
	RecordsOf(ctx context.Context, owner string) ([]int64, error)
	IncrementAccessCount(ctx context.Context, id int64) error
}

// InMemory implements Service with in-process concurrency safety.
type InMemory struct {
	mu      sync.RWMutex
	gate    ProviderGate
	now     func() time.Time
	nextID  int64
	byID    map[int64]*Record
	byOwner map[string][]int64
}

// NewInMemory creates an empty catalogue gated by the given registry.
func NewInMemory(gate ProviderGate) *InMemory {
	return &InMemory{
		gate:    gate,
		now:     time.Now,
		byID:    make(map[int64]*Record),
		byOwner: make(map[string][]int64),
	}
}

func (s *InMemory) CreateRecord(ctx context.Context, caller, payloadHash, category string) (Record, error) {
	caller = strings.TrimSpace(caller)
	payloadHash = strings.TrimSpace(payloadHash)
	if caller == "" || payloadHash == "" {
		return Record{}, ErrInvalidInput
	}
	ok, err := s.gate.IsProvider(ctx, caller)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, ErrUnauthorized
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	rec := &Record{
		ID:          s.nextID,
		Owner:       caller,
		PayloadHash: payloadHash,
		Category:    strings.TrimSpace(category),
		CreatedAt:   s.now().UTC(),
		Active:      true,
	}
	s.byID[rec.ID] = rec
	s.byOwner[caller] = append(s.byOwner[caller], rec.ID)
	return *rec, nil
}

func (s *InMemory) GetRecord(ctx context.Context, id int64) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

// RecordsOf returns the owner's record ids in insertion order. Unknown owners
// yield an empty slice; listing never fails.
func (s *InMemory) RecordsOf(ctx context.Context, owner string) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.byOwner[strings.TrimSpace(owner)]
	out := make([]int64, len(idx))
	copy(out, idx)
	return out, nil
}

func (s *InMemory) IncrementAccessCount(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	rec.AccessCount++
	return nil
}
