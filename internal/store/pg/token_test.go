package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"healthex.org/internal/token"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), mock
}

func TestCreditStoreCreateAccount(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into token_accounts").
		WithArgs("alice", int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("insert into token_transfers").
		WithArgs(sqlmock.AnyArg(), "", "alice", int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(uint64(1)))
	mock.ExpectCommit()

	acc, err := store.Credits().CreateAccount(context.Background(), "alice", 100)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if acc.ID != "alice" || acc.Balance != 100 {
		t.Fatalf("unexpected account: %+v", acc)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreditStoreCreateAccountDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into token_accounts").
		WithArgs("alice", int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := store.Credits().CreateAccount(context.Background(), "alice", 0)
	if !errors.Is(err, token.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreditStoreTransferInsufficientFunds(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into token_accounts").
		WithArgs("bob").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select balance from token_accounts").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(5)))
	mock.ExpectQuery("select balance from token_accounts").
		WithArgs("bob").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(0)))
	mock.ExpectRollback()

	_, err := store.Credits().Transfer(context.Background(), "alice", "bob", 10)
	if !errors.Is(err, token.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreditStoreTransferMovesBalances(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into token_accounts").
		WithArgs("bob").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select balance from token_accounts").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(50)))
	mock.ExpectQuery("select balance from token_accounts").
		WithArgs("bob").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(int64(0)))
	mock.ExpectExec("update token_accounts set balance = balance - ").
		WithArgs("alice", int64(20)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`update token_accounts set balance = balance \+ `).
		WithArgs("bob", int64(20)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("insert into token_transfers").
		WithArgs(sqlmock.AnyArg(), "alice", "bob", int64(20)).
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(uint64(7)))
	mock.ExpectCommit()

	mv, err := store.Credits().Transfer(context.Background(), "alice", "bob", 20)
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if mv.Sequence != 7 || mv.FromAccountID != "alice" || mv.ToAccountID != "bob" {
		t.Fatalf("unexpected transfer: %+v", mv)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreditStoreListTransfers(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now().UTC()
	mock.ExpectQuery("select id, created_at, coalesce").
		WithArgs(uint64(0), 10).
		WillReturnRows(sqlmock.
			NewRows([]string{"id", "created_at", "from_account_id", "to_account_id", "amount", "sequence"}).
			AddRow("t1", now, "", "alice", int64(100), uint64(1)).
			AddRow("t2", now, "alice", "bob", int64(20), uint64(2)))

	items, last, err := store.Credits().ListTransfers(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListTransfers: %v", err)
	}
	if len(items) != 2 || last != 2 {
		t.Fatalf("unexpected page: %d items, last=%d", len(items), last)
	}
	if items[0].FromAccountID != "" {
		t.Fatalf("issuance should have empty source, got %q", items[0].FromAccountID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
