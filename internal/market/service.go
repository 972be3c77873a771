package market

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"healthex.org/internal/records"
)

// CustodyAccount is the ledger-owned account that holds escrowed budgets.
const CustodyAccount = "exchange-custody"

// ValueTransfer is the narrow slice of the credit ledger the marketplace
// consumes. Any failure aborts the enclosing operation.
type ValueTransfer interface {
	Transfer(ctx context.Context, fromID, toID string, amount int64) error
	BalanceOf(ctx context.Context, accountID string) (int64, error)
}

// RecordOracle validates record existence and ownership at contribution time.
type RecordOracle interface {
	GetRecord(ctx context.Context, id int64) (records.Record, error)
}

// Ledger owns funded data requests and patient contributions.
type Ledger interface {
	CreateRequest(ctx context.Context, researcher, category, purpose string, rewardPerUnit, requiredCount, durationDays int64) (DataRequest, error)
	Contribute(ctx context.Context, patient string, requestID int64, recordIDs []int64) (Contribution, error)
	Close(ctx context.Context, researcher string, requestID int64) (int64, error)
	GetRequest(ctx context.Context, id int64) (DataRequest, error)
	ListActiveRequests(ctx context.Context) ([]int64, error)
	ContributionsOf(ctx context.Context, patient string) ([]Contribution, error)
	TotalEarnings(ctx context.Context, patient string) (int64, error)
}

// InMemory implements Ledger. A single mutex guards every mutating operation
// for its full duration, including the value-transfer call, so a reentrant
// call from the transfer path cannot observe mid-operation state.
type InMemory struct {
	mu      sync.Mutex
	funds   ValueTransfer
	oracle  RecordOracle
	custody string
	now     func() time.Time

	nextRequestID      int64
	nextContributionID int64
	requests           map[int64]*DataRequest
	contributions      []Contribution
	byPatient          map[string][]int
	participated       map[string]bool // requestID:patient
}

// NewInMemory creates an empty marketplace ledger.
func NewInMemory(funds ValueTransfer, oracle RecordOracle) *InMemory {
	return &InMemory{
		funds:        funds,
		oracle:       oracle,
		custody:      CustodyAccount,
		now:          time.Now,
		requests:     make(map[int64]*DataRequest),
		byPatient:    make(map[string][]int),
		participated: make(map[string]bool),
	}
}

// WithClock overrides the time source. Intended for deadline tests.
func (s *InMemory) WithClock(now func() time.Time) *InMemory {
	s.now = now
	return s
}

// Custody returns the escrow account identifier.
func (s *InMemory) Custody() string { return s.custody }

// CreateRequest escrows rewardPerUnit*requiredCount from the researcher and
// only then allocates the request. A failed escrow leaves no request behind.
func (s *InMemory) CreateRequest(ctx context.Context, researcher, category, purpose string, rewardPerUnit, requiredCount, durationDays int64) (DataRequest, error) {
	researcher = strings.TrimSpace(researcher)
	if researcher == "" || rewardPerUnit <= 0 || requiredCount <= 0 || durationDays <= 0 {
		return DataRequest{}, ErrInvalidInput
	}
	totalBudget := rewardPerUnit * requiredCount

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.funds.Transfer(ctx, researcher, s.custody, totalBudget); err != nil {
		return DataRequest{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	now := s.now().UTC()
	s.nextRequestID++
	req := &DataRequest{
		ID:            s.nextRequestID,
		Researcher:    researcher,
		Category:      strings.TrimSpace(category),
		Purpose:       strings.TrimSpace(purpose),
		RewardPerUnit: rewardPerUnit,
		RequiredCount: requiredCount,
		TotalBudget:   totalBudget,
		Active:        true,
		Deadline:      now.Add(time.Duration(durationDays) * 24 * time.Hour),
		CreatedAt:     now,
	}
	s.requests[req.ID] = req
	return *req, nil
}

// Contribute records a one-time submission and pays the flat per-unit reward.
// The submitted id list is not deduplicated and may be empty; every listed id
// must exist and belong to the patient. A failed payout retains no state.
func (s *InMemory) Contribute(ctx context.Context, patient string, requestID int64, recordIDs []int64) (Contribution, error) {
	patient = strings.TrimSpace(patient)
	if patient == "" {
		return Contribution{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok {
		return Contribution{}, ErrNotFound
	}
	if !req.Active {
		return Contribution{}, ErrNotActive
	}
	if s.now().UTC().After(req.Deadline) {
		return Contribution{}, ErrExpired
	}
	if req.Collected >= req.RequiredCount {
		return Contribution{}, ErrNotActive
	}
	if s.participated[participationKey(requestID, patient)] {
		return Contribution{}, ErrAlreadyDone
	}
	for _, id := range recordIDs {
		rec, err := s.oracle.GetRecord(ctx, id)
		if err != nil {
			return Contribution{}, fmt.Errorf("record %d: %w", id, err)
		}
		if rec.Owner != patient {
			return Contribution{}, fmt.Errorf("record %d: %w", id, ErrUnauthorized)
		}
	}

	// Pay before mutating so a failed payout rolls the whole call back.
	if err := s.funds.Transfer(ctx, s.custody, patient, req.RewardPerUnit); err != nil {
		return Contribution{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	s.nextContributionID++
	c := Contribution{
		ID:        s.nextContributionID,
		RequestID: requestID,
		Patient:   patient,
		RecordIDs: append([]int64(nil), recordIDs...),
		Reward:    req.RewardPerUnit,
		CreatedAt: s.now().UTC(),
	}
	s.contributions = append(s.contributions, c)
	s.byPatient[patient] = append(s.byPatient[patient], len(s.contributions)-1)
	s.participated[participationKey(requestID, patient)] = true
	req.Collected++
	return c, nil
}

// Close deactivates the request and refunds the unspent escrow. Only the
// funding researcher may close, and only while the request is active.
func (s *InMemory) Close(ctx context.Context, researcher string, requestID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok {
		return 0, ErrNotFound
	}
	if req.Researcher != researcher {
		return 0, ErrUnauthorized
	}
	if !req.Active {
		return 0, ErrNotActive
	}

	refund := req.TotalBudget - req.Collected*req.RewardPerUnit
	if refund > 0 {
		if err := s.funds.Transfer(ctx, s.custody, researcher, refund); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}
	req.Active = false
	return refund, nil
}

func (s *InMemory) GetRequest(ctx context.Context, id int64) (DataRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return DataRequest{}, ErrNotFound
	}
	return *req, nil
}

// ListActiveRequests scans all request ids in order and keeps those that are
// active and within deadline.
func (s *InMemory) ListActiveRequests(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	out := make([]int64, 0, len(s.requests))
	for id := int64(1); id <= s.nextRequestID; id++ {
		req, ok := s.requests[id]
		if !ok {
			continue
		}
		if req.Active && !now.After(req.Deadline) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *InMemory) ContributionsOf(ctx context.Context, patient string) ([]Contribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.byPatient[strings.TrimSpace(patient)]
	out := make([]Contribution, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.contributions[i])
	}
	return out, nil
}

// TotalEarnings sums the rewards paid to the patient across all requests.
func (s *InMemory) TotalEarnings(ctx context.Context, patient string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, i := range s.byPatient[strings.TrimSpace(patient)] {
		total += s.contributions[i].Reward
	}
	return total, nil
}

func participationKey(requestID int64, patient string) string {
	return fmt.Sprintf("%d:%s", requestID, patient)
}
