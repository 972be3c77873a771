package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"healthex.org/internal/market"
)

// MarketStore persists funded data requests and contributions. Escrow moves
// run against the token tables inside the same transaction as the request
// mutation, so a failed payout rolls everything back.
type MarketStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ market.Ledger = (*MarketStore)(nil)

// WithClock overrides the time source. Intended for deadline tests.
func (s *MarketStore) WithClock(now func() time.Time) *MarketStore {
	s.now = now
	return s
}

func (s *MarketStore) CreateRequest(ctx context.Context, researcher, category, purpose string, rewardPerUnit, requiredCount, durationDays int64) (market.DataRequest, error) {
	researcher = strings.TrimSpace(researcher)
	if researcher == "" || rewardPerUnit <= 0 || requiredCount <= 0 || durationDays <= 0 {
		return market.DataRequest{}, market.ErrInvalidInput
	}
	totalBudget := rewardPerUnit * requiredCount

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return market.DataRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := moveFunds(ctx, tx, researcher, market.CustodyAccount, totalBudget); err != nil {
		return market.DataRequest{}, fmt.Errorf("%w: %v", market.ErrTransferFailed, err)
	}

	now := s.now().UTC()
	req := market.DataRequest{
		Researcher:    researcher,
		Category:      strings.TrimSpace(category),
		Purpose:       strings.TrimSpace(purpose),
		RewardPerUnit: rewardPerUnit,
		RequiredCount: requiredCount,
		TotalBudget:   totalBudget,
		Active:        true,
		Deadline:      now.Add(time.Duration(durationDays) * 24 * time.Hour),
	}
	if err := tx.QueryRowContext(ctx, `
		insert into data_requests(researcher, category, purpose, reward_per_unit, required_count, total_budget, deadline)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning id, created_at
	`, req.Researcher, req.Category, req.Purpose, req.RewardPerUnit, req.RequiredCount, req.TotalBudget, req.Deadline).
		Scan(&req.ID, &req.CreatedAt); err != nil {
		return market.DataRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return market.DataRequest{}, err
	}
	return req, nil
}

func (s *MarketStore) Contribute(ctx context.Context, patient string, requestID int64, recordIDs []int64) (market.Contribution, error) {
	patient = strings.TrimSpace(patient)
	if patient == "" {
		return market.Contribution{}, market.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return market.Contribution{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		active        bool
		deadline      time.Time
		collected     int64
		requiredCount int64
		rewardPerUnit int64
	)
	err = tx.QueryRowContext(ctx, `
		select active, deadline, collected, required_count, reward_per_unit
		from data_requests where id=$1 for update
	`, requestID).Scan(&active, &deadline, &collected, &requiredCount, &rewardPerUnit)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Contribution{}, market.ErrNotFound
	}
	if err != nil {
		return market.Contribution{}, err
	}
	if !active {
		return market.Contribution{}, market.ErrNotActive
	}
	if s.now().UTC().After(deadline) {
		return market.Contribution{}, market.ErrExpired
	}
	if collected >= requiredCount {
		return market.Contribution{}, market.ErrNotActive
	}

	// One contribution per (request, patient).
	res, err := tx.ExecContext(ctx, `
		insert into request_participants(request_id, patient)
		values ($1, $2) on conflict do nothing
	`, requestID, patient)
	if err != nil {
		return market.Contribution{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return market.Contribution{}, err
	} else if n == 0 {
		return market.Contribution{}, market.ErrAlreadyDone
	}

	// Every listed id must exist and belong to the patient; duplicates and
	// empty lists pass through unchanged.
	for _, id := range recordIDs {
		var owner string
		err := tx.QueryRowContext(ctx, `select owner from records where id=$1`, id).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			return market.Contribution{}, fmt.Errorf("record %d: %w", id, market.ErrNotFound)
		}
		if err != nil {
			return market.Contribution{}, err
		}
		if owner != patient {
			return market.Contribution{}, fmt.Errorf("record %d: %w", id, market.ErrUnauthorized)
		}
	}

	if _, err := moveFunds(ctx, tx, market.CustodyAccount, patient, rewardPerUnit); err != nil {
		return market.Contribution{}, fmt.Errorf("%w: %v", market.ErrTransferFailed, err)
	}

	c := market.Contribution{
		RequestID: requestID,
		Patient:   patient,
		RecordIDs: append([]int64(nil), recordIDs...),
		Reward:    rewardPerUnit,
	}
	if err := tx.QueryRowContext(ctx, `
		insert into contributions(request_id, patient, reward)
		values ($1, $2, $3) returning id, created_at
	`, requestID, patient, rewardPerUnit).Scan(&c.ID, &c.CreatedAt); err != nil {
		return market.Contribution{}, err
	}
	for pos, id := range recordIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into contribution_records(contribution_id, position, record_id)
			values ($1, $2, $3)
		`, c.ID, pos, id); err != nil {
			return market.Contribution{}, err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		update data_requests set collected = collected + 1 where id=$1
	`, requestID); err != nil {
		return market.Contribution{}, err
	}
	if err := tx.Commit(); err != nil {
		return market.Contribution{}, err
	}
	return c, nil
}

func (s *MarketStore) Close(ctx context.Context, researcher string, requestID int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		owner         string
		active        bool
		totalBudget   int64
		collected     int64
		rewardPerUnit int64
	)
	err = tx.QueryRowContext(ctx, `
		select researcher, active, total_budget, collected, reward_per_unit
		from data_requests where id=$1 for update
	`, requestID).Scan(&owner, &active, &totalBudget, &collected, &rewardPerUnit)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, market.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if owner != researcher {
		return 0, market.ErrUnauthorized
	}
	if !active {
		return 0, market.ErrNotActive
	}

	refund := totalBudget - collected*rewardPerUnit
	if refund > 0 {
		if _, err := moveFunds(ctx, tx, market.CustodyAccount, researcher, refund); err != nil {
			return 0, fmt.Errorf("%w: %v", market.ErrTransferFailed, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		update data_requests set active=false where id=$1
	`, requestID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return refund, nil
}

func (s *MarketStore) GetRequest(ctx context.Context, id int64) (market.DataRequest, error) {
	var req market.DataRequest
	err := s.db.QueryRowContext(ctx, `
		select id, researcher, category, purpose, reward_per_unit, required_count,
		       collected, total_budget, active, deadline, created_at
		from data_requests where id=$1
	`, id).Scan(&req.ID, &req.Researcher, &req.Category, &req.Purpose, &req.RewardPerUnit,
		&req.RequiredCount, &req.Collected, &req.TotalBudget, &req.Active, &req.Deadline, &req.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return market.DataRequest{}, market.ErrNotFound
	}
	if err != nil {
		return market.DataRequest{}, err
	}
	return req, nil
}

func (s *MarketStore) ListActiveRequests(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id from data_requests
		where active and deadline >= $1
		order by id asc
	`, s.now().UTC())
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

func (s *MarketStore) ContributionsOf(ctx context.Context, patient string) ([]market.Contribution, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, request_id, patient, reward, created_at
		from contributions where patient=$1 order by id asc
	`, strings.TrimSpace(patient))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]market.Contribution, 0, 8)
	for rows.Next() {
		var c market.Contribution
		if err := rows.Scan(&c.ID, &c.RequestID, &c.Patient, &c.Reward, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		recIDs, err := s.contributionRecords(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].RecordIDs = recIDs
	}
	return out, nil
}

func (s *MarketStore) TotalEarnings(ctx context.Context, patient string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		select coalesce(sum(reward), 0) from contributions where patient=$1
	`, strings.TrimSpace(patient)).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *MarketStore) contributionRecords(ctx context.Context, contributionID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		select record_id from contribution_records
		where contribution_id=$1 order by position asc
	`, contributionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]int64, 0, 4)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
