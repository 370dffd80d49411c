package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryKVSetGetDelete(t *testing.T) {
	kv := NewMemoryKV()
	defer kv.Close()
	ctx := context.Background()

	if err := kv.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, err := kv.Get(ctx, "k")
	if err != nil || got != "v" {
		t.Fatalf("get returned %q, %v", got, err)
	}
	if err := kv.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := kv.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryKVTTLExpiry(t *testing.T) {
	kv := NewMemoryKV()
	defer kv.Close()
	ctx := context.Background()

	current := time.Now()
	kv.now = func() time.Time { return current }

	if err := kv.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, err := kv.Get(ctx, "k"); err != nil {
		t.Fatalf("get before expiry failed: %v", err)
	}

	current = current.Add(2 * time.Minute)
	if _, err := kv.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestMemoryKVSetNX(t *testing.T) {
	kv := NewMemoryKV()
	defer kv.Close()
	ctx := context.Background()

	current := time.Now()
	kv.now = func() time.Time { return current }

	inserted, err := kv.SetNX(ctx, "k", "first", time.Minute)
	if err != nil || !inserted {
		t.Fatalf("first SetNX = %v, %v", inserted, err)
	}
	inserted, err = kv.SetNX(ctx, "k", "second", time.Minute)
	if err != nil || inserted {
		t.Fatalf("second SetNX should not insert, got %v, %v", inserted, err)
	}
	got, _ := kv.Get(ctx, "k")
	if got != "first" {
		t.Fatalf("value overwritten to %q", got)
	}

	// Expired keys are reclaimable.
	current = current.Add(2 * time.Minute)
	inserted, err = kv.SetNX(ctx, "k", "third", time.Minute)
	if err != nil || !inserted {
		t.Fatalf("SetNX after expiry = %v, %v", inserted, err)
	}
}

func TestMemoryKVRejectsEmptyKey(t *testing.T) {
	kv := NewMemoryKV()
	defer kv.Close()
	ctx := context.Background()

	if err := kv.Set(ctx, "  ", "v", 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := kv.Get(ctx, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
