package pg

import (
	"context"
	"database/sql"
	"strings"

	"healthex.org/internal/identity"
)

// IdentityStore persists the verified-provider allow-list.
type IdentityStore struct {
	db *sql.DB
}

var _ identity.Registry = (*IdentityStore)(nil)

func (s *IdentityStore) AddProvider(ctx context.Context, caller, principal string) (identity.Provider, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return identity.Provider{}, identity.ErrInvalidPrincipal
	}

	// First registration wins; re-adding returns the existing row.
	if _, err := s.db.ExecContext(ctx, `
		insert into providers(principal, added_by)
		values ($1, $2)
		on conflict (principal) do nothing
	`, principal, strings.TrimSpace(caller)); err != nil {
		return identity.Provider{}, err
	}

	var p identity.Provider
	err := s.db.QueryRowContext(ctx, `
		select principal, added_by, added_at from providers where principal=$1
	`, principal).Scan(&p.Principal, &p.AddedBy, &p.AddedAt)
	if err != nil {
		return identity.Provider{}, err
	}
	return p, nil
}

func (s *IdentityStore) IsProvider(ctx context.Context, principal string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from providers where principal=$1)
	`, strings.TrimSpace(principal)).Scan(&ok)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *IdentityStore) Providers(ctx context.Context) ([]identity.Provider, error) {
	rows, err := s.db.QueryContext(ctx, `
		select principal, added_by, added_at from providers order by added_at asc, principal asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]identity.Provider, 0, 16)
	for rows.Next() {
		var p identity.Provider
		if err := rows.Scan(&p.Principal, &p.AddedBy, &p.AddedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
