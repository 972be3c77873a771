package records

import (
	"context"
	"testing"

	"healthex.org/internal/identity"
)

func newGated(t *testing.T, providers ...string) *InMemory {
	t.Helper()
	gate := identity.NewInMemory()
	for _, p := range providers {
		if _, err := gate.AddProvider(context.Background(), "test", p); err != nil {
			t.Fatal(err)
		}
	}
	return NewInMemory(gate)
}

func TestCreateRecordRequiresVerifiedProvider(t *testing.T) {
	s := newGated(t, "clinic-1")
	ctx := context.Background()

	if _, err := s.CreateRecord(ctx, "random", "hash-1", "cardiology"); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	rec, err := s.CreateRecord(ctx, "clinic-1", "hash-1", "cardiology")
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if rec.ID != 1 {
		t.Fatalf("first record id must be 1, got %d", rec.ID)
	}
	if rec.Owner != "clinic-1" {
		t.Fatalf("creator must become owner, got %q", rec.Owner)
	}
	if !rec.Active || rec.AccessCount != 0 {
		t.Fatalf("unexpected initial state: %+v", rec)
	}
}

func TestRecordIDsAreSequential(t *testing.T) {
	s := newGated(t, "clinic-1")
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		rec, err := s.CreateRecord(ctx, "clinic-1", "hash", "lab")
		if err != nil {
			t.Fatal(err)
		}
		if rec.ID != int64(i) {
			t.Fatalf("expected id %d, got %d", i, rec.ID)
		}
	}
}

func TestRecordsOfPreservesInsertionOrder(t *testing.T) {
	s := newGated(t, "clinic-1", "clinic-2")
	ctx := context.Background()

	_, _ = s.CreateRecord(ctx, "clinic-1", "h1", "lab")
	_, _ = s.CreateRecord(ctx, "clinic-2", "h2", "lab")
	_, _ = s.CreateRecord(ctx, "clinic-1", "h3", "lab")

	got, err := s.RecordsOf(ctx, "clinic-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("unexpected index: %v", got)
	}

	empty, err := s.RecordsOf(ctx, "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Fatalf("unknown owner must yield empty index, got %v", empty)
	}
}

func TestGetRecordUnknownID(t *testing.T) {
	s := newGated(t)
	if _, err := s.GetRecord(context.Background(), 99); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIncrementAccessCount(t *testing.T) {
	s := newGated(t, "clinic-1")
	ctx := context.Background()
	rec, _ := s.CreateRecord(ctx, "clinic-1", "h1", "lab")

	if err := s.IncrementAccessCount(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetRecord(ctx, rec.ID)
	if got.AccessCount != 1 {
		t.Fatalf("expected access count 1, got %d", got.AccessCount)
	}

	if err := s.IncrementAccessCount(ctx, 404); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
