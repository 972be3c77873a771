package grants

import (
	"errors"
	"time"
)

// Grant authorizes one grantee to read one record until expiry. At most one
// grant exists per (record, grantee) pair; granting again overwrites the
// previous entry with no history kept.
type Grant struct {
	RecordID  int64     `json:"record_id"`
	Grantee   string    `json:"grantee"`
	Purpose   string    `json:"purpose"`
	Expiry    time.Time `json:"expiry"`
	Active    bool      `json:"active"`
	GrantedAt time.Time `json:"granted_at"`
}

var (
	ErrUnauthorized = errors.New("caller does not own the record")
	ErrNotActive    = errors.New("record is not active")
	ErrAccessDenied = errors.New("no active grant for caller")
	ErrExpired      = errors.New("grant has expired")
	ErrInvalidInput = errors.New("invalid grant input")
)
