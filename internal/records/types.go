package records

import (
	"errors"
	"time"
)

// Record references an encrypted payload by its content hash. The payload
// itself never enters the exchange. Record ids are sequential from 1 and are
// never reused.
type Record struct {
	ID          int64     `json:"id"`
	Owner       string    `json:"owner"`
	PayloadHash string    `json:"payload_hash"`
	Category    string    `json:"category"`
	CreatedAt   time.Time `json:"created_at"`
	Active      bool      `json:"active"`
	AccessCount int64     `json:"access_count"`
}

var (
	ErrNotFound     = errors.New("record not found")
	ErrUnauthorized = errors.New("caller is not a verified provider")
	ErrInvalidInput = errors.New("invalid record input")
)
