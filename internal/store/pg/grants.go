package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"healthex.org/internal/grants"
	"healthex.org/internal/records"
)

// GrantStore persists per-record, per-grantee access grants.
type GrantStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ grants.Manager = (*GrantStore)(nil)

// WithClock overrides the time source. Intended for expiry tests.
func (s *GrantStore) WithClock(now func() time.Time) *GrantStore {
	s.now = now
	return s
}

func (s *GrantStore) Grant(ctx context.Context, caller string, recordID int64, grantee string, durationDays int64, purpose string) (grants.Grant, error) {
	grantee = strings.TrimSpace(grantee)
	if grantee == "" || durationDays <= 0 {
		return grants.Grant{}, grants.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return grants.Grant{}, err
	}
	defer func() { _ = tx.Rollback() }()

	owner, active, err := recordHeader(ctx, tx, recordID)
	if err != nil {
		return grants.Grant{}, err
	}
	if owner != caller {
		return grants.Grant{}, grants.ErrUnauthorized
	}
	if !active {
		return grants.Grant{}, grants.ErrNotActive
	}

	now := s.now().UTC()
	g := grants.Grant{
		RecordID:  recordID,
		Grantee:   grantee,
		Purpose:   strings.TrimSpace(purpose),
		Expiry:    now.Add(time.Duration(durationDays) * 24 * time.Hour),
		Active:    true,
		GrantedAt: now,
	}
	// Re-granting to the same grantee replaces the previous entry.
	if _, err := tx.ExecContext(ctx, `
		insert into access_grants(record_id, grantee, purpose, expiry, active, granted_at)
		values ($1, $2, $3, $4, true, $5)
		on conflict (record_id, grantee) do update
		set purpose = excluded.purpose,
		    expiry = excluded.expiry,
		    active = true,
		    granted_at = excluded.granted_at
	`, g.RecordID, g.Grantee, g.Purpose, g.Expiry, g.GrantedAt); err != nil {
		return grants.Grant{}, err
	}
	if err := tx.Commit(); err != nil {
		return grants.Grant{}, err
	}
	return g, nil
}

func (s *GrantStore) Revoke(ctx context.Context, caller string, recordID int64, grantee string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	owner, _, err := recordHeader(ctx, tx, recordID)
	if err != nil {
		return err
	}
	if owner != caller {
		return grants.ErrUnauthorized
	}

	// Revoking an absent or already-revoked grant is a no-op.
	if _, err := tx.ExecContext(ctx, `
		update access_grants set active=false where record_id=$1 and grantee=$2
	`, recordID, strings.TrimSpace(grantee)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *GrantStore) Access(ctx context.Context, caller string, recordID int64) (string, error) {
	hash, _, err := s.authorize(ctx, caller, recordID)
	return hash, err
}

func (s *GrantStore) LogAccess(ctx context.Context, caller string, recordID int64) error {
	_, _, err := s.authorize(ctx, caller, recordID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		update records set access_count = access_count + 1 where id=$1
	`, recordID)
	return err
}

func (s *GrantStore) GrantsFor(ctx context.Context, caller string, recordID int64) ([]grants.Grant, error) {
	owner, _, err := recordHeader(ctx, s.db, recordID)
	if err != nil {
		return nil, err
	}
	if owner != caller {
		return nil, grants.ErrUnauthorized
	}

	rows, err := s.db.QueryContext(ctx, `
		select record_id, grantee, purpose, expiry, active, granted_at
		from access_grants where record_id=$1 order by granted_at asc, grantee asc
	`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]grants.Grant, 0, 8)
	for rows.Next() {
		var g grants.Grant
		if err := rows.Scan(&g.RecordID, &g.Grantee, &g.Purpose, &g.Expiry, &g.Active, &g.GrantedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// authorize resolves the record and the caller's grant in one query and
// applies the live-record, live-grant, unexpired checks in order.
func (s *GrantStore) authorize(ctx context.Context, caller string, recordID int64) (string, bool, error) {
	var (
		hash        string
		recActive   bool
		grantActive sql.NullBool
		expiry      sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select r.payload_hash, r.active, g.active, g.expiry
		from records r
		left join access_grants g on g.record_id = r.id and g.grantee = $2
		where r.id = $1
	`, recordID, caller).Scan(&hash, &recActive, &grantActive, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, records.ErrNotFound
	}
	if err != nil {
		return "", false, err
	}
	if !recActive {
		return "", false, grants.ErrNotActive
	}
	if !grantActive.Valid || !grantActive.Bool {
		return "", false, grants.ErrAccessDenied
	}
	if s.now().UTC().After(expiry.Time) {
		return "", false, grants.ErrExpired
	}
	return hash, true, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func recordHeader(ctx context.Context, q rowQuerier, recordID int64) (owner string, active bool, err error) {
	err = q.QueryRowContext(ctx, `
		select owner, active from records where id=$1
	`, recordID).Scan(&owner, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, records.ErrNotFound
	}
	return owner, active, err
}
