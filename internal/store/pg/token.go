package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"healthex.org/internal/ids"
	"healthex.org/internal/token"
)

// CreditStore persists the credit ledger.
type CreditStore struct {
	db *sql.DB
}

var _ token.Service = (*CreditStore)(nil)

func (s *CreditStore) CreateAccount(ctx context.Context, owner string, initial int64) (token.Account, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return token.Account{}, token.ErrNotFound
	}
	if initial < 0 {
		return token.Account{}, token.ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return token.Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		insert into token_accounts(id, balance)
		values ($1, $2)
		on conflict (id) do nothing
	`, owner, initial)
	if err != nil {
		return token.Account{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return token.Account{}, err
	}
	if n == 0 {
		return token.Account{}, token.ErrAlreadyExists
	}
	if initial > 0 {
		if _, err := insertTransfer(ctx, tx, "", owner, initial); err != nil {
			return token.Account{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return token.Account{}, err
	}

	return token.Account{
		ID:        owner,
		CreatedAt: time.Now().UTC(),
		Balance:   initial,
	}, nil
}

func (s *CreditStore) GetAccount(ctx context.Context, id string) (token.Account, error) {
	var acc token.Account
	err := s.db.QueryRowContext(ctx, `
		select id, created_at, balance from token_accounts where id=$1
	`, id).Scan(&acc.ID, &acc.CreatedAt, &acc.Balance)
	if errors.Is(err, sql.ErrNoRows) {
		return token.Account{}, token.ErrNotFound
	}
	if err != nil {
		return token.Account{}, err
	}
	return acc, nil
}

func (s *CreditStore) BalanceOf(ctx context.Context, id string) (int64, error) {
	var bal int64
	err := s.db.QueryRowContext(ctx, `
		select balance from token_accounts where id=$1
	`, id).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, token.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return bal, nil
}

func (s *CreditStore) Mint(ctx context.Context, toID string, amount int64) (token.Transfer, error) {
	if amount <= 0 {
		return token.Transfer{}, token.ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return token.Transfer{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update token_accounts set balance = balance + $2 where id=$1
	`, toID, amount)
	if err != nil {
		return token.Transfer{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return token.Transfer{}, err
	}
	if n == 0 {
		return token.Transfer{}, token.ErrNotFound
	}

	mv, err := insertTransfer(ctx, tx, "", toID, amount)
	if err != nil {
		return token.Transfer{}, err
	}
	if err := tx.Commit(); err != nil {
		return token.Transfer{}, err
	}
	return mv, nil
}

func (s *CreditStore) Transfer(ctx context.Context, fromID, toID string, amount int64) (token.Transfer, error) {
	if amount <= 0 {
		return token.Transfer{}, token.ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return token.Transfer{}, err
	}
	defer func() { _ = tx.Rollback() }()

	mv, err := moveFunds(ctx, tx, fromID, toID, amount)
	if err != nil {
		return token.Transfer{}, err
	}
	if err := tx.Commit(); err != nil {
		return token.Transfer{}, err
	}
	return mv, nil
}

func (s *CreditStore) ListTransfers(ctx context.Context, limit int, afterSeq uint64) ([]token.Transfer, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, created_at, coalesce(from_account_id, ''), to_account_id, amount, sequence
		from token_transfers
		where sequence > $1
		order by sequence asc
		limit $2
	`, afterSeq, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []token.Transfer
	var last uint64
	for rows.Next() {
		var mv token.Transfer
		if err := rows.Scan(&mv.ID, &mv.CreatedAt, &mv.FromAccountID, &mv.ToAccountID, &mv.Amount, &mv.Sequence); err != nil {
			return nil, 0, err
		}
		res = append(res, mv)
		last = mv.Sequence
	}
	return res, last, rows.Err()
}

// moveFunds debits fromID and credits toID inside the caller's transaction.
// The recipient account is created on first receipt. Accounts are locked in
// stable id order to avoid deadlocks between concurrent transfers.
func moveFunds(ctx context.Context, tx *sql.Tx, fromID, toID string, amount int64) (token.Transfer, error) {
	if _, err := tx.ExecContext(ctx, `
		insert into token_accounts(id, balance) values ($1, 0)
		on conflict (id) do nothing
	`, toID); err != nil {
		return token.Transfer{}, err
	}

	var fromBal int64
	for _, acc := range sorted(fromID, toID) {
		var bal int64
		err := tx.QueryRowContext(ctx, `
			select balance from token_accounts where id=$1 for update
		`, acc).Scan(&bal)
		if errors.Is(err, sql.ErrNoRows) {
			return token.Transfer{}, token.ErrNotFound
		}
		if err != nil {
			return token.Transfer{}, err
		}
		if acc == fromID {
			fromBal = bal
		}
	}
	if fromBal < amount {
		return token.Transfer{}, token.ErrInsufficientFunds
	}

	if _, err := tx.ExecContext(ctx, `
		update token_accounts set balance = balance - $2 where id=$1
	`, fromID, amount); err != nil {
		return token.Transfer{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update token_accounts set balance = balance + $2 where id=$1
	`, toID, amount); err != nil {
		return token.Transfer{}, err
	}
	return insertTransfer(ctx, tx, fromID, toID, amount)
}

func insertTransfer(ctx context.Context, tx *sql.Tx, fromID, toID string, amount int64) (token.Transfer, error) {
	mv := token.Transfer{
		ID:            ids.New(),
		CreatedAt:     time.Now().UTC(),
		FromAccountID: fromID,
		ToAccountID:   toID,
		Amount:        amount,
	}
	err := tx.QueryRowContext(ctx, `
		insert into token_transfers(id, from_account_id, to_account_id, amount)
		values ($1, nullif($2,''), $3, $4) returning sequence
	`, mv.ID, fromID, toID, amount).Scan(&mv.Sequence)
	if err != nil {
		return token.Transfer{}, err
	}
	return mv, nil
}

func sorted(a, b string) []string {
	if a <= b {
		return []string{a, b}
	}
	return []string{b, a}
}
