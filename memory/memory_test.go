package memory

import (
	"context"
	"errors"
	"testing"
)

func TestMemStorePutIncrementsVersion(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	v1, err := store.Put(ctx, "owner-1", CategoryTriageRule, "alice@example.com", "respond quickly")
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if v1 != 1 {
		t.Fatalf("expected version 1, got %d", v1)
	}

	v2, err := store.Put(ctx, "owner-1", CategoryTriageRule, "alice@example.com", "always notify")
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if v2 != 2 {
		t.Fatalf("expected version 2, got %d", v2)
	}

	rec, err := store.Get(ctx, "owner-1", CategoryTriageRule, "alice@example.com")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if rec.Value != "always notify" || rec.Version != 2 {
		t.Fatalf("last write did not win: %+v", rec)
	}
}

func TestMemStoreGetMissing(t *testing.T) {
	store := NewMemStore()
	_, err := store.Get(context.Background(), "owner-1", CategoryTriageRule, "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStoreListFiltersByCategory(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	seeds := []struct {
		owner    string
		category Category
		key      string
	}{
		{"owner-1", CategoryTriageRule, "alice@example.com"},
		{"owner-1", CategoryResponseStyle, "alice@example.com"},
		{"owner-1", CategoryTriageRule, "bob@example.com"},
		{"owner-2", CategoryTriageRule, "alice@example.com"},
	}
	for _, s := range seeds {
		if _, err := store.Put(ctx, s.owner, s.category, s.key, "v"); err != nil {
			t.Fatalf("Put returned error: %v", err)
		}
	}

	rules, err := store.List(ctx, "owner-1", CategoryTriageRule)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 triage rules, got %d", len(rules))
	}

	all, err := store.List(ctx, "owner-1", "")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records for owner-1, got %d", len(all))
	}
}

func TestMemStoreKeysAreScoped(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	if _, err := store.Put(ctx, "owner-1", CategoryTriageRule, "k", "one"); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if _, err := store.Put(ctx, "owner-1", CategoryResponseStyle, "k", "two"); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	rule, err := store.Get(ctx, "owner-1", CategoryTriageRule, "k")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if rule.Value != "one" {
		t.Fatalf("categories are not isolated: %+v", rule)
	}
}
