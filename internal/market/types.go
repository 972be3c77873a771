package market

import (
	"errors"
	"time"
)

// DataRequest is a researcher-funded call for records. The full budget is
// escrowed in custody before the request exists; TotalBudget is fixed at
// creation and never recomputed.
type DataRequest struct {
	ID            int64     `json:"id"`
	Researcher    string    `json:"researcher"`
	Category      string    `json:"category"`
	Purpose       string    `json:"purpose"`
	RewardPerUnit int64     `json:"reward_per_unit"`
	RequiredCount int64     `json:"required_count"`
	Collected     int64     `json:"collected"`
	TotalBudget   int64     `json:"total_budget"`
	Active        bool      `json:"active"`
	Deadline      time.Time `json:"deadline"`
	CreatedAt     time.Time `json:"created_at"`
}

// Contribution is one patient's one-time submission to a request. The record
// id list is stored as submitted: it may be empty and may contain duplicates.
// The reward is the request's flat per-unit rate regardless of list length.
type Contribution struct {
	ID        int64     `json:"id"`
	RequestID int64     `json:"request_id"`
	Patient   string    `json:"patient"`
	RecordIDs []int64   `json:"record_ids"`
	Reward    int64     `json:"reward"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	ErrNotFound       = errors.New("request not found")
	ErrNotActive      = errors.New("request is not accepting contributions")
	ErrExpired        = errors.New("request deadline has passed")
	ErrAlreadyDone    = errors.New("patient already contributed to this request")
	ErrUnauthorized   = errors.New("caller lacks required ownership")
	ErrInvalidInput   = errors.New("invalid request input")
	ErrTransferFailed = errors.New("value transfer failed")
)
