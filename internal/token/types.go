package token

import (
	"errors"
	"time"
)

// Amounts are credits in minor units. No floats.

// Account holds the credit balance of one principal. Accounts are keyed by
// the principal identifier so the marketplace can pay owners directly.
type Account struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Balance   int64     `json:"balance"`
}

// Transfer is the result of a credit movement. Issuance (minting) is recorded
// with an empty FromAccountID.
type Transfer struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	FromAccountID string    `json:"from_account_id,omitempty"`
	ToAccountID   string    `json:"to_account_id"`
	Amount        int64     `json:"amount"`
	Sequence      uint64    `json:"sequence"`
}

var (
	ErrNotFound          = errors.New("account not found")
	ErrAlreadyExists     = errors.New("account already exists")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount (must be > 0)")
)
