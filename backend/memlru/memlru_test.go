package memlru

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/catboxgo/cachepolicy/backend"
)

func TestSetGetDrop(t *testing.T) {
	b, err := New(16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if err := b.Set(ctx, "seg", "k1", "v1", time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	item, err := b.Get(ctx, "seg", "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.Value != "v1" {
		t.Fatalf("expected v1, got %v", item.Value)
	}

	if err := b.Drop(ctx, "seg", "k1"); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if _, err := b.Get(ctx, "seg", "k1"); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after drop, got %v", err)
	}
}

func TestGetExpired(t *testing.T) {
	b, err := New(16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if err := b.Set(ctx, "seg", "k1", "v1", time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := b.Get(ctx, "seg", "k1"); !errors.Is(err, backend.ErrNotFound) {
		t.Fatalf("expected expired entry to read as ErrNotFound, got %v", err)
	}
}

func TestSegmentsAreIsolated(t *testing.T) {
	b, err := New(16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	b.Set(ctx, "seg-a", "k1", "a", time.Hour)
	b.Set(ctx, "seg-b", "k1", "b", time.Hour)

	ia, _ := b.Get(ctx, "seg-a", "k1")
	ib, _ := b.Get(ctx, "seg-b", "k1")
	if ia.Value != "a" || ib.Value != "b" {
		t.Fatalf("expected isolated segments, got %v / %v", ia.Value, ib.Value)
	}
}

func TestIsReady(t *testing.T) {
	b, err := New(16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !b.IsReady() {
		t.Fatal("expected in-memory backend to always be ready")
	}
}
