package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"healthex.org/internal/identity"
	"healthex.org/internal/records"
	"healthex.org/internal/token"
)

type fixture struct {
	credits *token.InMemory
	cat     *records.InMemory
	ledger  *InMemory
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()

	gate := identity.NewInMemory()
	if _, err := gate.AddProvider(ctx, "test", "patient-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := gate.AddProvider(ctx, "test", "patient-2"); err != nil {
		t.Fatal(err)
	}
	cat := records.NewInMemory(gate)

	credits := token.NewInMemory()
	if _, err := credits.CreateAccount(ctx, "researcher-1", 1000); err != nil {
		t.Fatal(err)
	}
	if _, err := credits.CreateAccount(ctx, CustodyAccount, 0); err != nil {
		t.Fatal(err)
	}

	return fixture{
		credits: credits,
		cat:     cat,
		ledger:  NewInMemory(token.NewFunds(credits), cat),
	}
}

func (f fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	bal, err := f.credits.BalanceOf(context.Background(), id)
	if err != nil {
		t.Fatalf("balance of %s: %v", id, err)
	}
	return bal
}

func TestCreateRequestEscrowsBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.ledger.CreateRequest(ctx, "researcher-1", "cardiology", "cohort study", 10, 3, 30)
	if err != nil {
		t.Fatal(err)
	}
	if req.ID != 1 || req.TotalBudget != 30 || req.Collected != 0 || !req.Active {
		t.Fatalf("unexpected request: %+v", req)
	}
	if got := f.balance(t, "researcher-1"); got != 970 {
		t.Fatalf("researcher balance after escrow: %d", got)
	}
	if got := f.balance(t, CustodyAccount); got != 30 {
		t.Fatalf("custody balance after escrow: %d", got)
	}
}

func TestCreateRequestFailedEscrowLeavesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.CreateRequest(ctx, "researcher-1", "lab", "too expensive", 1000, 5, 30)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if _, err := f.ledger.GetRequest(ctx, 1); err != ErrNotFound {
		t.Fatalf("no request may exist after failed escrow, got %v", err)
	}
	if got := f.balance(t, "researcher-1"); got != 1000 {
		t.Fatalf("balance must be untouched, got %d", got)
	}
}

func TestContributeAndCloseConservesBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.cat.CreateRecord(ctx, "patient-1", "hash-1", "cardiology")
	if err != nil {
		t.Fatal(err)
	}
	req, err := f.ledger.CreateRequest(ctx, "researcher-1", "cardiology", "cohort study", 10, 3, 30)
	if err != nil {
		t.Fatal(err)
	}

	c, err := f.ledger.Contribute(ctx, "patient-1", req.ID, []int64{rec.ID})
	if err != nil {
		t.Fatal(err)
	}
	if c.Reward != 10 {
		t.Fatalf("unexpected reward: %d", c.Reward)
	}
	got, _ := f.ledger.GetRequest(ctx, req.ID)
	if got.Collected != 1 {
		t.Fatalf("expected collected=1, got %d", got.Collected)
	}
	if bal := f.balance(t, "patient-1"); bal != 10 {
		t.Fatalf("patient balance: %d", bal)
	}
	if bal := f.balance(t, CustodyAccount); bal != 20 {
		t.Fatalf("custody balance: %d", bal)
	}

	refund, err := f.ledger.Close(ctx, "researcher-1", req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if refund != 20 {
		t.Fatalf("expected refund 20, got %d", refund)
	}
	got, _ = f.ledger.GetRequest(ctx, req.ID)
	if got.Active {
		t.Fatal("request must be inactive after close")
	}
	// Budget conservation: escrow fully split between payouts and refund.
	paid := got.Collected * got.RewardPerUnit
	if got.TotalBudget != paid+refund {
		t.Fatalf("conservation violated: budget=%d paid=%d refund=%d", got.TotalBudget, paid, refund)
	}
	if bal := f.balance(t, CustodyAccount); bal != 0 {
		t.Fatalf("custody must be empty after close, got %d", bal)
	}
	if bal := f.balance(t, "researcher-1"); bal != 990 {
		t.Fatalf("researcher balance after refund: %d", bal)
	}
}

func TestContributeTwiceRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, _ := f.ledger.CreateRequest(ctx, "researcher-1", "lab", "p", 10, 3, 30)
	if _, err := f.ledger.Contribute(ctx, "patient-1", req.ID, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.Contribute(ctx, "patient-1", req.ID, nil); err != ErrAlreadyDone {
		t.Fatalf("expected ErrAlreadyDone, got %v", err)
	}
}

func TestContributeEmptyListStillPaysFlatReward(t *testing.T) {
	// Preserved source behavior: the reward does not scale with the number
	// of submitted records, and an empty submission is accepted.
	f := newFixture(t)
	ctx := context.Background()

	req, _ := f.ledger.CreateRequest(ctx, "researcher-1", "lab", "p", 10, 3, 30)
	c, err := f.ledger.Contribute(ctx, "patient-1", req.ID, []int64{})
	if err != nil {
		t.Fatal(err)
	}
	if c.Reward != 10 {
		t.Fatalf("flat reward expected, got %d", c.Reward)
	}
	got, _ := f.ledger.GetRequest(ctx, req.ID)
	if got.Collected != 1 {
		t.Fatalf("collected must advance, got %d", got.Collected)
	}
}

func TestContributeDuplicateIDsAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, _ := f.cat.CreateRecord(ctx, "patient-1", "hash-1", "lab")
	req, _ := f.ledger.CreateRequest(ctx, "researcher-1", "lab", "p", 10, 3, 30)

	c, err := f.ledger.Contribute(ctx, "patient-1", req.ID, []int64{rec.ID, rec.ID})
	if err != nil {
		t.Fatal(err)
	}
	if c.Reward != 10 || len(c.RecordIDs) != 2 {
		t.Fatalf("duplicates must be stored as submitted: %+v", c)
	}
}

func TestContributeOwnershipChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, _ := f.cat.CreateRecord(ctx, "patient-2", "hash-2", "lab")
	req, _ := f.ledger.CreateRequest(ctx, "researcher-1", "lab", "p", 10, 3, 30)

	if _, err := f.ledger.Contribute(ctx, "patient-1", req.ID, []int64{rec.ID}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for foreign record, got %v", err)
	}
	if _, err := f.ledger.Contribute(ctx, "patient-1", req.ID, []int64{404}); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("expected records.ErrNotFound, got %v", err)
	}
	// Failed attempts must not consume the participation flag.
	if _, err := f.ledger.Contribute(ctx, "patient-1", req.ID, nil); err != nil {
		t.Fatalf("clean retry must succeed, got %v", err)
	}
}

func TestCollectedNeverExceedsRequired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, _ := f.ledger.CreateRequest(ctx, "researcher-1", "lab", "p", 10, 2, 30)
	if _, err := f.ledger.Contribute(ctx, "patient-1", req.ID, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.Contribute(ctx, "patient-2", req.ID, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.Contribute(ctx, "patient-3", req.ID, nil); err != ErrNotActive {
		t.Fatalf("full request must reject contributions, got %v", err)
	}
	got, _ := f.ledger.GetRequest(ctx, req.ID)
	if got.Collected != got.RequiredCount {
		t.Fatalf("collected=%d required=%d", got.Collected, got.RequiredCount)
	}
}

func TestContributeAfterDeadlineExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.ledger.WithClock(func() time.Time { return current })

	req, _ := f.ledger.CreateRequest(ctx, "researcher-1", "lab", "p", 10, 3, 1)
	current = current.Add(48 * time.Hour)

	if _, err := f.ledger.Contribute(ctx, "patient-1", req.ID, nil); err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	// Expired requests also drop out of the active listing.
	active, _ := f.ledger.ListActiveRequests(ctx)
	if len(active) != 0 {
		t.Fatalf("expected no active requests, got %v", active)
	}
}

// failAfter passes through n transfers and then fails every one.
type failAfter struct {
	inner ValueTransfer
	n     int
}

func (f *failAfter) Transfer(ctx context.Context, fromID, toID string, amount int64) error {
	if f.n <= 0 {
		return errors.New("simulated transfer outage")
	}
	f.n--
	return f.inner.Transfer(ctx, fromID, toID, amount)
}

func (f *failAfter) BalanceOf(ctx context.Context, id string) (int64, error) {
	return f.inner.BalanceOf(ctx, id)
}

func TestContributePayoutFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	funds := &failAfter{inner: token.NewFunds(f.credits), n: 1}
	ledger := NewInMemory(funds, f.cat)

	req, err := ledger.CreateRequest(ctx, "researcher-1", "lab", "p", 10, 3, 30)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ledger.Contribute(ctx, "patient-1", req.ID, nil); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	got, _ := ledger.GetRequest(ctx, req.ID)
	if got.Collected != 0 {
		t.Fatalf("collected must stay 0 after rollback, got %d", got.Collected)
	}
	earned, _ := ledger.TotalEarnings(ctx, "patient-1")
	if earned != 0 {
		t.Fatalf("no earnings may be recorded, got %d", earned)
	}

	// The participation flag was not consumed: a later retry succeeds.
	funds.n = 1
	if _, err := ledger.Contribute(ctx, "patient-1", req.ID, nil); err != nil {
		t.Fatalf("retry after outage must succeed, got %v", err)
	}
}

func TestCloseAuthorizationAndIdempotence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, _ := f.ledger.CreateRequest(ctx, "researcher-1", "lab", "p", 10, 2, 30)

	if _, err := f.ledger.Close(ctx, "someone-else", req.ID); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.ledger.Close(ctx, "researcher-1", req.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.Close(ctx, "researcher-1", req.ID); err != ErrNotActive {
		t.Fatalf("second close must fail with ErrNotActive, got %v", err)
	}
	if _, err := f.ledger.Close(ctx, "researcher-1", 404); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListActiveRequestsFiltersClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r1, _ := f.ledger.CreateRequest(ctx, "researcher-1", "lab", "p", 10, 2, 30)
	r2, _ := f.ledger.CreateRequest(ctx, "researcher-1", "lab", "p", 5, 2, 30)
	if _, err := f.ledger.Close(ctx, "researcher-1", r1.ID); err != nil {
		t.Fatal(err)
	}

	active, err := f.ledger.ListActiveRequests(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0] != r2.ID {
		t.Fatalf("unexpected active set: %v", active)
	}
}

func TestTotalEarningsSumsAcrossRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r1, _ := f.ledger.CreateRequest(ctx, "researcher-1", "lab", "p", 10, 2, 30)
	r2, _ := f.ledger.CreateRequest(ctx, "researcher-1", "imaging", "p", 7, 2, 30)
	if _, err := f.ledger.Contribute(ctx, "patient-1", r1.ID, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.Contribute(ctx, "patient-1", r2.ID, nil); err != nil {
		t.Fatal(err)
	}

	total, err := f.ledger.TotalEarnings(ctx, "patient-1")
	if err != nil {
		t.Fatal(err)
	}
	if total != 17 {
		t.Fatalf("expected 17, got %d", total)
	}

	list, _ := f.ledger.ContributionsOf(ctx, "patient-1")
	if len(list) != 2 {
		t.Fatalf("expected 2 contributions, got %d", len(list))
	}

	none, _ := f.ledger.TotalEarnings(ctx, "nobody")
	if none != 0 {
		t.Fatalf("unknown patient must earn 0, got %d", none)
	}
}
