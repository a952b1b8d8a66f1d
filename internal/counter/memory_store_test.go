package counter

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreIncrAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	val, errIncr := store.IncrBy(ctx, "k", 3, time.Hour)
	if errIncr != nil {
		t.Fatalf("incr: %v", errIncr)
	}
	if val != 3 {
		t.Fatalf("expected 3 after first incr, got %d", val)
	}

	val, errIncr = store.IncrBy(ctx, "k", 2, time.Hour)
	if errIncr != nil {
		t.Fatalf("incr: %v", errIncr)
	}
	if val != 5 {
		t.Fatalf("expected 5 after second incr, got %d", val)
	}

	got, errGet := store.Get(ctx, "k")
	if errGet != nil {
		t.Fatalf("get: %v", errGet)
	}
	if got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
}

func TestMemoryStoreMissingKeyIsZero(t *testing.T) {
	store := NewMemoryStore()

	got, errGet := store.Get(context.Background(), "absent")
	if errGet != nil {
		t.Fatalf("get: %v", errGet)
	}
	if got != 0 {
		t.Fatalf("expected 0 for missing key, got %d", got)
	}
}

func TestMemoryStoreExpiryAnchoredAtFirstIncrement(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return current })

	if _, errIncr := store.IncrBy(ctx, "k", 1, time.Hour); errIncr != nil {
		t.Fatalf("incr: %v", errIncr)
	}

	// A later increment must not extend the window.
	current = current.Add(50 * time.Minute)
	if _, errIncr := store.IncrBy(ctx, "k", 1, time.Hour); errIncr != nil {
		t.Fatalf("incr: %v", errIncr)
	}

	current = current.Add(11 * time.Minute)
	got, errGet := store.Get(ctx, "k")
	if errGet != nil {
		t.Fatalf("get: %v", errGet)
	}
	if got != 0 {
		t.Fatalf("expected expired counter to read 0, got %d", got)
	}

	// The next increment starts a fresh window.
	val, errIncr := store.IncrBy(ctx, "k", 1, time.Hour)
	if errIncr != nil {
		t.Fatalf("incr: %v", errIncr)
	}
	if val != 1 {
		t.Fatalf("expected fresh window to start at 1, got %d", val)
	}
}
