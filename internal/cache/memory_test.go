package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStorePutGetRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	if err := store.Put(context.Background(), "doc", doc{Name: "a", Count: 3}, 0); err != nil {
		t.Fatalf("put: %v", err)
	}

	var got doc
	found, err := store.Get(context.Background(), "doc", &got)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found {
		t.Fatal("expected key to exist")
	}
	if got.Name != "a" || got.Count != 3 {
		t.Fatalf("unexpected value %+v", got)
	}

	found, err = store.Get(context.Background(), "missing", &got)
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if found {
		t.Fatal("expected missing key to report absent")
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	base := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	if err := store.Put(context.Background(), "ttl", 42, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}

	var value int
	if found, _ := store.Get(context.Background(), "ttl", &value); !found {
		t.Fatal("expected key before expiry")
	}

	base = base.Add(61 * time.Second)
	if found, _ := store.Get(context.Background(), "ttl", &value); found {
		t.Fatal("expected key to expire")
	}
}

func TestMemoryStoreCompareAndSwap(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	first, err := NewVersioned(1, map[string]float64{"x": 1})
	if err != nil {
		t.Fatalf("versioned: %v", err)
	}
	// Expecting a value where none exists must conflict.
	if err := store.CompareAndSwap(ctx, "slot", 3, first, 0); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for absent key, got %v", err)
	}
	// Generation 0 claims an empty slot.
	if err := store.CompareAndSwap(ctx, "slot", 0, first, 0); err != nil {
		t.Fatalf("initial cas: %v", err)
	}

	second, err := NewVersioned(2, map[string]float64{"x": 2})
	if err != nil {
		t.Fatalf("versioned: %v", err)
	}
	if err := store.CompareAndSwap(ctx, "slot", 1, second, 0); err != nil {
		t.Fatalf("advance cas: %v", err)
	}
	// A writer still holding generation 1 lost the race.
	if err := store.CompareAndSwap(ctx, "slot", 1, second, 0); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for stale generation, got %v", err)
	}

	var envelope Versioned
	found, err := store.Get(ctx, "slot", &envelope)
	if err != nil || !found {
		t.Fatalf("get slot: found=%v err=%v", found, err)
	}
	if envelope.Generation != 2 {
		t.Fatalf("expected generation 2, got %d", envelope.Generation)
	}
	var payload map[string]float64
	if err := envelope.Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["x"] != 2 {
		t.Fatalf("expected payload x=2, got %v", payload["x"])
	}
}

func TestMemoryStoreIncrement(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	base := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }
	ctx := context.Background()

	value, err := store.Increment(ctx, "counter", 1, time.Hour)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if value != 1 {
		t.Fatalf("expected 1, got %d", value)
	}
	value, err = store.Increment(ctx, "counter", 5, time.Hour)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if value != 6 {
		t.Fatalf("expected 6, got %d", value)
	}

	// The TTL set at creation survives later increments.
	base = base.Add(61 * time.Minute)
	var read int64
	if found, _ := store.Get(ctx, "counter", &read); found {
		t.Fatal("expected counter to expire with its original TTL")
	}
}
