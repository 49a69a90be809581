// Package memlru is an in-memory backend.Backend built on an LRU-evicted
// cache per segment, grounded on the teacher's unused (indirect-only)
// hashicorp/golang-lru/v2 dependency — made load-bearing here instead.
package memlru

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/catboxgo/cachepolicy/backend"
)

type entry struct {
	value  any
	stored time.Time
	ttl    time.Duration
}

func (e entry) expired(now time.Time) bool {
	if e.ttl <= 0 {
		return false
	}
	return now.Sub(e.stored) >= e.ttl
}

// Backend is an in-memory, LRU-evicted implementation of backend.Backend.
// Each segment gets its own bounded LRU cache, created lazily on first
// use, so unrelated policies never evict each other's entries.
type Backend struct {
	size     int
	segments sync.Map // backend.Segment -> *lru.Cache[string, entry]
}

// New builds a Backend whose per-segment LRU caches hold at most size
// entries each.
func New(size int) (*Backend, error) {
	if size <= 0 {
		size = 1024
	}
	return &Backend{size: size}, nil
}

func (b *Backend) segmentCache(seg backend.Segment) *lru.Cache[string, entry] {
	if c, ok := b.segments.Load(seg); ok {
		return c.(*lru.Cache[string, entry])
	}
	c, _ := lru.New[string, entry](b.size)
	actual, _ := b.segments.LoadOrStore(seg, c)
	return actual.(*lru.Cache[string, entry])
}

// Get implements backend.Backend.
func (b *Backend) Get(ctx context.Context, seg backend.Segment, id string) (*backend.Item, error) {
	c := b.segmentCache(seg)
	e, ok := c.Get(id)
	if !ok {
		return nil, backend.ErrNotFound
	}
	now := time.Now()
	if e.expired(now) {
		c.Remove(id)
		return nil, backend.ErrNotFound
	}
	remaining := e.ttl
	if e.ttl > 0 {
		if remaining = e.ttl - now.Sub(e.stored); remaining < 0 {
			remaining = 0
		}
	}
	return &backend.Item{Value: e.value, Stored: e.stored, TTL: remaining}, nil
}

// Set implements backend.Backend.
func (b *Backend) Set(ctx context.Context, seg backend.Segment, id string, value any, ttl time.Duration) error {
	c := b.segmentCache(seg)
	c.Add(id, entry{value: value, stored: time.Now(), ttl: ttl})
	return nil
}

// Drop implements backend.Backend.
func (b *Backend) Drop(ctx context.Context, seg backend.Segment, id string) error {
	c := b.segmentCache(seg)
	c.Remove(id)
	return nil
}

// ValidateSegmentName implements backend.Backend.
func (b *Backend) ValidateSegmentName(name string) error {
	return backend.ValidateSegmentName(name)
}

// IsReady implements backend.Backend. An in-memory backend is always
// ready once constructed.
func (b *Backend) IsReady() bool {
	return true
}
