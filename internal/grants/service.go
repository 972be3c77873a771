package grants

import (
	"context"
	"strings"
	"sync"
	"time"

	"healthex.org/internal/records"
)

// Catalogue is the slice of the record store the grant manager needs:
// existence/ownership checks and the self-reported access counter.
type Catalogue interface {
	GetRecord(ctx context.Context, id int64) (records.Record, error)
	IncrementAccessCount(ctx context.Context, id int64) error
}

// Manager owns per-record, per-grantee authorization entries.
//
// Access and LogAccess are intentionally decoupled: Access is a pure query
// and never touches the record's access count; the count moves only when the
// grantee explicitly logs the access. A grantee can read without logging.
type Manager interface {
	Grant(ctx context.Context, caller string, recordID int64, grantee string, durationDays int64, purpose string) (Grant, error)
	Revoke(ctx context.Context, caller string, recordID int64, grantee string) error
	Access(ctx context.Context, caller string, recordID int64) (string, error)
	LogAccess(ctx context.Context, caller string, recordID int64) error
	GrantsFor(ctx context.Context, caller string, recordID int64) ([]Grant, error)
}

type pairKey struct {
	recordID int64
	grantee  string
}

// InMemory implements Manager with in-process concurrency safety.
type InMemory struct {
	mu       sync.RWMutex
	cat      Catalogue
	now      func() time.Time
	byKey    map[pairKey]Grant
	byRecord map[int64][]string // grantees in first-grant order
}

// NewInMemory creates an empty grant manager over the given catalogue.
func NewInMemory(cat Catalogue) *InMemory {
	return &InMemory{
		cat:      cat,
		now:      time.Now,
		byKey:    make(map[pairKey]Grant),
		byRecord: make(map[int64][]string),
	}
}

// WithClock overrides the time source. Intended for expiry tests.
func (m *InMemory) WithClock(now func() time.Time) *InMemory {
	m.now = now
	return m
}

func (m *InMemory) Grant(ctx context.Context, caller string, recordID int64, grantee string, durationDays int64, purpose string) (Grant, error) {
	grantee = strings.TrimSpace(grantee)
	if grantee == "" || durationDays <= 0 {
		return Grant{}, ErrInvalidInput
	}
	rec, err := m.cat.GetRecord(ctx, recordID)
	if err != nil {
		return Grant{}, err
	}
	if rec.Owner != caller {
		return Grant{}, ErrUnauthorized
	}
	if !rec.Active {
		return Grant{}, ErrNotActive
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	g := Grant{
		RecordID:  recordID,
		Grantee:   grantee,
		Purpose:   strings.TrimSpace(purpose),
		Expiry:    now.Add(time.Duration(durationDays) * 24 * time.Hour),
		Active:    true,
		GrantedAt: now,
	}
	key := pairKey{recordID: recordID, grantee: grantee}
	if _, exists := m.byKey[key]; !exists {
		m.byRecord[recordID] = append(m.byRecord[recordID], grantee)
	}
	m.byKey[key] = g
	return g, nil
}

// Revoke deactivates the grant for (recordID, grantee). Revoking an absent or
// already-revoked grant is a no-op, not an error.
func (m *InMemory) Revoke(ctx context.Context, caller string, recordID int64, grantee string) error {
	rec, err := m.cat.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}
	if rec.Owner != caller {
		return ErrUnauthorized
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey{recordID: recordID, grantee: strings.TrimSpace(grantee)}
	g, ok := m.byKey[key]
	if !ok || !g.Active {
		return nil
	}
	g.Active = false
	m.byKey[key] = g
	return nil
}

// Access returns the record's payload hash when the caller holds a live
// grant. It is a pure query; the access count is untouched.
func (m *InMemory) Access(ctx context.Context, caller string, recordID int64) (string, error) {
	rec, err := m.cat.GetRecord(ctx, recordID)
	if err != nil {
		return "", err
	}
	if err := m.authorize(rec, caller); err != nil {
		return "", err
	}
	return rec.PayloadHash, nil
}

// LogAccess performs the same authorization check as Access and increments
// the record's access count.
func (m *InMemory) LogAccess(ctx context.Context, caller string, recordID int64) error {
	rec, err := m.cat.GetRecord(ctx, recordID)
	if err != nil {
		return err
	}
	if err := m.authorize(rec, caller); err != nil {
		return err
	}
	return m.cat.IncrementAccessCount(ctx, recordID)
}

// GrantsFor lists the record's grants. Owner-only.
func (m *InMemory) GrantsFor(ctx context.Context, caller string, recordID int64) ([]Grant, error) {
	rec, err := m.cat.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Owner != caller {
		return nil, ErrUnauthorized
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	grantees := m.byRecord[recordID]
	out := make([]Grant, 0, len(grantees))
	for _, g := range grantees {
		out = append(out, m.byKey[pairKey{recordID: recordID, grantee: g}])
	}
	return out, nil
}

func (m *InMemory) authorize(rec records.Record, caller string) error {
	if !rec.Active {
		return ErrNotActive
	}
	m.mu.RLock()
	g, ok := m.byKey[pairKey{recordID: rec.ID, grantee: caller}]
	m.mu.RUnlock()
	if !ok || !g.Active {
		return ErrAccessDenied
	}
	if m.now().UTC().After(g.Expiry) {
		return ErrExpired
	}
	return nil
}
