package grants

import (
	"context"
	"testing"
	"time"

	"healthex.org/internal/identity"
	"healthex.org/internal/records"
)

func newFixture(t *testing.T) (*records.InMemory, *InMemory, records.Record) {
	t.Helper()
	ctx := context.Background()
	gate := identity.NewInMemory()
	if _, err := gate.AddProvider(ctx, "test", "clinic-1"); err != nil {
		t.Fatal(err)
	}
	cat := records.NewInMemory(gate)
	rec, err := cat.CreateRecord(ctx, "clinic-1", "hash-1", "cardiology")
	if err != nil {
		t.Fatal(err)
	}
	return cat, NewInMemory(cat), rec
}

func TestGrantRequiresOwner(t *testing.T) {
	_, m, rec := newFixture(t)
	ctx := context.Background()

	if _, err := m.Grant(ctx, "intruder", rec.ID, "lab-1", 7, "review"); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := m.Grant(ctx, "clinic-1", 404, "lab-1", 7, "review"); err != records.ErrNotFound {
		t.Fatalf("expected records.ErrNotFound, got %v", err)
	}
}

func TestGrantOverwritesPriorGrant(t *testing.T) {
	_, m, rec := newFixture(t)
	ctx := context.Background()

	first, err := m.Grant(ctx, "clinic-1", rec.ID, "lab-1", 1, "initial review")
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Grant(ctx, "clinic-1", rec.ID, "lab-1", 30, "followup study")
	if err != nil {
		t.Fatal(err)
	}
	if !second.Expiry.After(first.Expiry) {
		t.Fatal("second grant must extend expiry")
	}

	list, err := m.GrantsFor(ctx, "clinic-1", rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("overwrite must not create a second entry, got %d", len(list))
	}
	if list[0].Purpose != "followup study" {
		t.Fatalf("only the second grant's purpose may survive, got %q", list[0].Purpose)
	}
}

func TestRevokeThenAccessDenied(t *testing.T) {
	_, m, rec := newFixture(t)
	ctx := context.Background()

	if _, err := m.Grant(ctx, "clinic-1", rec.ID, "lab-1", 7, "review"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Access(ctx, "lab-1", rec.ID); err != nil {
		t.Fatalf("access before revoke: %v", err)
	}

	if err := m.Revoke(ctx, "clinic-1", rec.ID, "lab-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Access(ctx, "lab-1", rec.ID); err != ErrAccessDenied {
		t.Fatalf("expected ErrAccessDenied after revoke, got %v", err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	_, m, rec := newFixture(t)
	ctx := context.Background()

	// Revoking a grant that never existed is a no-op.
	if err := m.Revoke(ctx, "clinic-1", rec.ID, "ghost"); err != nil {
		t.Fatalf("revoke of absent grant must be a no-op, got %v", err)
	}

	_, _ = m.Grant(ctx, "clinic-1", rec.ID, "lab-1", 7, "review")
	if err := m.Revoke(ctx, "clinic-1", rec.ID, "lab-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Revoke(ctx, "clinic-1", rec.ID, "lab-1"); err != nil {
		t.Fatalf("second revoke must be a no-op, got %v", err)
	}

	if err := m.Revoke(ctx, "intruder", rec.ID, "lab-1"); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAccessExpiresWithClock(t *testing.T) {
	_, m, rec := newFixture(t)
	ctx := context.Background()

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.WithClock(func() time.Time { return current })

	if _, err := m.Grant(ctx, "clinic-1", rec.ID, "lab-1", 1, "review"); err != nil {
		t.Fatal(err)
	}
	hash, err := m.Access(ctx, "lab-1", rec.ID)
	if err != nil {
		t.Fatalf("access within window: %v", err)
	}
	if hash != "hash-1" {
		t.Fatalf("unexpected payload hash: %q", hash)
	}

	// Two days later the one-day grant is expired.
	current = current.Add(48 * time.Hour)
	if _, err := m.Access(ctx, "lab-1", rec.ID); err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestAccessWithoutGrantDenied(t *testing.T) {
	_, m, rec := newFixture(t)
	if _, err := m.Access(context.Background(), "stranger", rec.ID); err != ErrAccessDenied {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestLogAccessIsIndependentOfAccess(t *testing.T) {
	cat, m, rec := newFixture(t)
	ctx := context.Background()

	if _, err := m.Grant(ctx, "clinic-1", rec.ID, "lab-1", 7, "review"); err != nil {
		t.Fatal(err)
	}

	// Reading any number of times leaves the counter at zero.
	for i := 0; i < 3; i++ {
		if _, err := m.Access(ctx, "lab-1", rec.ID); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := cat.GetRecord(ctx, rec.ID)
	if got.AccessCount != 0 {
		t.Fatalf("pure reads must not move the counter, got %d", got.AccessCount)
	}

	// One explicit log moves it by exactly one.
	if err := m.LogAccess(ctx, "lab-1", rec.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = cat.GetRecord(ctx, rec.ID)
	if got.AccessCount != 1 {
		t.Fatalf("expected access count 1, got %d", got.AccessCount)
	}
}

func TestGrantValidation(t *testing.T) {
	_, m, rec := newFixture(t)
	ctx := context.Background()

	if _, err := m.Grant(ctx, "clinic-1", rec.ID, "  ", 7, "review"); err != ErrInvalidInput {
		t.Fatalf("expected ErrInvalidInput for blank grantee, got %v", err)
	}
	if _, err := m.Grant(ctx, "clinic-1", rec.ID, "lab-1", 0, "review"); err != ErrInvalidInput {
		t.Fatalf("expected ErrInvalidInput for zero duration, got %v", err)
	}
}
