package identity

import (
	"context"
	"testing"
)

func TestAddAndCheckProvider(t *testing.T) {
	r := NewInMemory()
	ctx := context.Background()

	ok, err := r.IsProvider(ctx, "clinic-1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("unlisted principal must not be a provider")
	}

	if _, err := r.AddProvider(ctx, "anyone", "clinic-1"); err != nil {
		t.Fatalf("AddProvider: %v", err)
	}
	ok, _ = r.IsProvider(ctx, "clinic-1")
	if !ok {
		t.Fatal("expected clinic-1 to be verified")
	}
}

func TestAddProviderIsFirstWriteWins(t *testing.T) {
	r := NewInMemory()
	ctx := context.Background()

	first, _ := r.AddProvider(ctx, "alice", "clinic-1")
	second, _ := r.AddProvider(ctx, "bob", "clinic-1")
	if second.AddedBy != first.AddedBy {
		t.Fatalf("re-add must keep original registration, got %q", second.AddedBy)
	}

	list, err := r.Providers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one provider, got %d", len(list))
	}
}

func TestAddProviderRejectsBlank(t *testing.T) {
	r := NewInMemory()
	if _, err := r.AddProvider(context.Background(), "x", "  "); err != ErrInvalidPrincipal {
		t.Fatalf("expected ErrInvalidPrincipal, got %v", err)
	}
}
