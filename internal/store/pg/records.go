package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"healthex.org/internal/records"
)

// RecordStore persists the record catalogue. The provider gate is the
// providers table itself, so the check and the insert sit in one transaction.
type RecordStore struct {
	db *sql.DB
}

var _ records.Service = (*RecordStore)(nil)

func (s *RecordStore) CreateRecord(ctx context.Context, caller, payloadHash, category string) (records.Record, error) {
	caller = strings.TrimSpace(caller)
	payloadHash = strings.TrimSpace(payloadHash)
	if caller == "" || payloadHash == "" {
		return records.Record{}, records.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return records.Record{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var isProvider bool
	if err := tx.QueryRowContext(ctx, `
		select exists(select 1 from providers where principal=$1)
	`, caller).Scan(&isProvider); err != nil {
		return records.Record{}, err
	}
	if !isProvider {
		return records.Record{}, records.ErrUnauthorized
	}

	rec := records.Record{
		Owner:       caller,
		PayloadHash: payloadHash,
		Category:    strings.TrimSpace(category),
		Active:      true,
	}
	if err := tx.QueryRowContext(ctx, `
		insert into records(owner, payload_hash, category)
		values ($1, $2, $3)
		returning id, created_at
	`, rec.Owner, rec.PayloadHash, rec.Category).Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return records.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return records.Record{}, err
	}
	return rec, nil
}

func (s *RecordStore) GetRecord(ctx context.Context, id int64) (records.Record, error) {
	var rec records.Record
	err := s.db.QueryRowContext(ctx, `
		select id, owner, payload_hash, category, created_at, active, access_count
		from records where id=$1
	`, id).Scan(&rec.ID, &rec.Owner, &rec.PayloadHash, &rec.Category, &rec.CreatedAt, &rec.Active, &rec.AccessCount)
	if errors.Is(err, sql.ErrNoRows) {
		return records.Record{}, records.ErrNotFound
	}
	if err != nil {
		return records.Record{}, err
	}
	return rec, nil
}

func (s *RecordStore) RecordsOf(ctx context.Context, owner string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id from records where owner=$1 order by id asc
	`, strings.TrimSpace(owner))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]int64, 0, 16)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *RecordStore) IncrementAccessCount(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		update records set access_count = access_count + 1 where id=$1
	`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return records.ErrNotFound
	}
	return nil
}
