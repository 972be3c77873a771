package token

import (
	"context"
	"sync"
	"time"

	"healthex.org/internal/ids"
)

// Service defines credit ledger operations.
type Service interface {
	CreateAccount(ctx context.Context, owner string, initial int64) (Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	BalanceOf(ctx context.Context, id string) (int64, error)
	Mint(ctx context.Context, toID string, amount int64) (Transfer, error)
	Transfer(ctx context.Context, fromID, toID string, amount int64) (Transfer, error)
	ListTransfers(ctx context.Context, limit int, afterSeq uint64) ([]Transfer, uint64, error)
}

// InMemory implements Service with in-process concurrency safety.
type InMemory struct {
	mu    sync.RWMutex
	accts map[string]*Account
	seq   uint64
	moves []Transfer
}

// NewInMemory creates a fresh credit ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		accts: make(map[string]*Account),
	}
}

func (s *InMemory) CreateAccount(ctx context.Context, owner string, initial int64) (Account, error) {
	if owner == "" {
		return Account{}, ErrNotFound
	}
	if initial < 0 {
		return Account{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accts[owner]; ok {
		return Account{}, ErrAlreadyExists
	}
	acc := &Account{
		ID:        owner,
		CreatedAt: time.Now().UTC(),
		Balance:   initial,
	}
	s.accts[owner] = acc
	if initial > 0 {
		s.record("", owner, initial)
	}
	return *acc, nil
}

func (s *InMemory) GetAccount(ctx context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return *acc, nil
}

func (s *InMemory) BalanceOf(ctx context.Context, id string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accts[id]
	if !ok {
		return 0, ErrNotFound
	}
	return acc.Balance, nil
}

func (s *InMemory) Mint(ctx context.Context, toID string, amount int64) (Transfer, error) {
	if amount <= 0 {
		return Transfer{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	to, ok := s.accts[toID]
	if !ok {
		return Transfer{}, ErrNotFound
	}
	to.Balance += amount
	return s.record("", toID, amount), nil
}

func (s *InMemory) Transfer(ctx context.Context, fromID, toID string, amount int64) (Transfer, error) {
	if amount <= 0 {
		return Transfer{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	from, ok := s.accts[fromID]
	if !ok {
		return Transfer{}, ErrNotFound
	}
	if from.Balance < amount {
		return Transfer{}, ErrInsufficientFunds
	}

	// The recipient account is created on first receipt so payouts to
	// principals that never funded anything cannot strand a contribution.
	to, ok := s.accts[toID]
	if !ok {
		to = &Account{ID: toID, CreatedAt: time.Now().UTC()}
		s.accts[toID] = to
	}

	from.Balance -= amount
	to.Balance += amount
	return s.record(fromID, toID, amount), nil
}

func (s *InMemory) ListTransfers(ctx context.Context, limit int, afterSeq uint64) ([]Transfer, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Transfer
	var last uint64
	for _, mv := range s.moves {
		if mv.Sequence <= afterSeq {
			continue
		}
		res = append(res, mv)
		last = mv.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

// record appends a movement under the write lock.
func (s *InMemory) record(fromID, toID string, amount int64) Transfer {
	s.seq++
	mv := Transfer{
		ID:            ids.New(),
		CreatedAt:     time.Now().UTC(),
		FromAccountID: fromID,
		ToAccountID:   toID,
		Amount:        amount,
		Sequence:      s.seq,
	}
	s.moves = append(s.moves, mv)
	return mv
}

// Funds adapts a Service to the narrow move/inspect contract consumed by the
// marketplace ledger.
type Funds struct {
	svc Service
}

// NewFunds wraps a credit ledger for marketplace consumption.
func NewFunds(svc Service) Funds {
	return Funds{svc: svc}
}

func (f Funds) Transfer(ctx context.Context, fromID, toID string, amount int64) error {
	_, err := f.svc.Transfer(ctx, fromID, toID, amount)
	return err
}

func (f Funds) BalanceOf(ctx context.Context, id string) (int64, error) {
	return f.svc.BalanceOf(ctx, id)
}
