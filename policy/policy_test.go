package policy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/catboxgo/cachepolicy/backend"
)

// memBackend is a minimal in-memory backend.Backend used to exercise
// Policy without pulling in a real storage implementation.
type memBackend struct {
	mu    sync.Mutex
	items map[string]*backend.Item

	getCalls atomic.Int64
	getDelay time.Duration
	ready    bool
}

func newMemBackend() *memBackend {
	return &memBackend{items: make(map[string]*backend.Item), ready: true}
}

func (b *memBackend) Get(ctx context.Context, seg backend.Segment, id string) (*backend.Item, error) {
	b.getCalls.Add(1)
	if b.getDelay > 0 {
		time.Sleep(b.getDelay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	item, ok := b.items[string(seg)+"/"+id]
	if !ok {
		return nil, backend.ErrNotFound
	}
	cp := *item
	if cp.TTL > 0 {
		if remaining := cp.TTL - time.Since(cp.Stored); remaining > 0 {
			cp.TTL = remaining
		} else {
			cp.TTL = 0
		}
	}
	return &cp, nil
}

func (b *memBackend) Set(ctx context.Context, seg backend.Segment, id string, value any, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[string(seg)+"/"+id] = &backend.Item{Value: value, Stored: time.Now(), TTL: ttl}
	return nil
}

func (b *memBackend) Drop(ctx context.Context, seg backend.Segment, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.items, string(seg)+"/"+id)
	return nil
}

func (b *memBackend) ValidateSegmentName(name string) error { return backend.ValidateSegmentName(name) }
func (b *memBackend) IsReady() bool                          { return b.ready }

func (b *memBackend) seed(seg backend.Segment, id string, value any, stored time.Time, ttl time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[string(seg)+"/"+id] = &backend.Item{Value: value, Stored: stored, TTL: ttl}
}

type getResult struct {
	err    error
	value  any
	item   *backend.Item
	report Report
}

func syncGet(p *Policy, key Key) getResult {
	ch := make(chan getResult, 1)
	p.Get(context.Background(), key, func(err error, value any, item *backend.Item, report Report) {
		ch <- getResult{err, value, item, report}
	})
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		panic("Get never delivered")
	}
}

func TestGetFreshHit(t *testing.T) {
	be := newMemBackend()
	be.seed("seg", "k1", "hello", time.Now(), time.Hour)

	p, err := New(be, "seg", RuleOptions{ExpiresIn: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := syncGet(p, StringKey("k1"))
	if r.err != nil {
		t.Fatalf("unexpected error: %v", r.err)
	}
	if r.value != "hello" {
		t.Fatalf("expected hello, got %v", r.value)
	}
	if r.report.IsStale {
		t.Fatal("expected not stale")
	}
}

func TestGetMissNoGenerator(t *testing.T) {
	be := newMemBackend()
	p, err := New(be, "seg", RuleOptions{ExpiresIn: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := syncGet(p, StringKey("missing"))
	if r.err != nil {
		t.Fatalf("unexpected error: %v", r.err)
	}
	if r.value != nil {
		t.Fatalf("expected nil value on plain miss, got %v", r.value)
	}
}

func TestGetCoalescesConcurrentMisses(t *testing.T) {
	be := newMemBackend()
	be.getDelay = 50 * time.Millisecond

	var generateCalls atomic.Int64
	gt := GenerateTimeoutAfter(5 * time.Second)
	p, err := New(be, "seg", RuleOptions{
		ExpiresIn: time.Hour,
		GenerateFunc: func(ctx context.Context, key Key) (any, time.Duration, error) {
			generateCalls.Add(1)
			return "generated", time.Hour, nil
		},
		GenerateTimeout: &gt,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]getResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = syncGet(p, StringKey("coalesced"))
		}(i)
	}
	wg.Wait()

	if got := be.getCalls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 backend read, got %d", got)
	}
	if got := generateCalls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 generate call, got %d", got)
	}
	for i, r := range results {
		if r.err != nil || r.value != "generated" {
			t.Fatalf("waiter %d: got (%v, %v)", i, r.value, r.err)
		}
	}
}

func TestGetCoalescesConcurrentHitsScaleStats(t *testing.T) {
	be := newMemBackend()
	be.getDelay = 50 * time.Millisecond
	be.seed("seg", "coalesced", "hello", time.Now(), time.Hour)

	p, err := New(be, "seg", RuleOptions{ExpiresIn: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]getResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = syncGet(p, StringKey("coalesced"))
		}(i)
	}
	wg.Wait()

	if got := be.getCalls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 backend read, got %d", got)
	}
	for i, r := range results {
		if r.err != nil || r.value != "hello" {
			t.Fatalf("waiter %d: got (%v, %v)", i, r.value, r.err)
		}
	}

	if s := p.Stats(); s.Hits != n {
		t.Fatalf("expected hits scaled by waiter count (%d), got %d", n, s.Hits)
	}
}

func TestGetStaleServesRevalidatedValue(t *testing.T) {
	be := newMemBackend()
	be.seed("seg", "k1", "old", time.Now().Add(-time.Minute), time.Hour)

	gt := GenerateTimeoutAfter(5 * time.Second)
	p, err := New(be, "seg", RuleOptions{
		ExpiresIn:    time.Hour,
		StaleIn:      time.Second,
		StaleTimeout: 2 * time.Second,
		GenerateFunc: func(ctx context.Context, key Key) (any, time.Duration, error) {
			return "fresh", time.Hour, nil
		},
		GenerateTimeout: &gt,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := syncGet(p, StringKey("k1"))
	if r.err != nil {
		t.Fatalf("unexpected error: %v", r.err)
	}
	if r.value != "fresh" {
		t.Fatalf("expected fresh value since generate completed before staleTimeout, got %v", r.value)
	}
}

func TestGetStaleFallbackOnSlowGenerate(t *testing.T) {
	be := newMemBackend()
	be.seed("seg", "k1", "old", time.Now().Add(-time.Minute), time.Hour)

	gt := GenerateTimeoutAfter(5 * time.Second)
	p, err := New(be, "seg", RuleOptions{
		ExpiresIn:    time.Hour,
		StaleIn:      time.Second,
		StaleTimeout: 50 * time.Millisecond,
		GenerateFunc: func(ctx context.Context, key Key) (any, time.Duration, error) {
			time.Sleep(time.Second)
			return "fresh", time.Hour, nil
		},
		GenerateTimeout: &gt,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := syncGet(p, StringKey("k1"))
	if r.err != nil {
		t.Fatalf("unexpected error: %v", r.err)
	}
	if r.value != "old" {
		t.Fatalf("expected stale fallback value, got %v", r.value)
	}
	if !r.report.IsStale {
		t.Fatal("expected IsStale true on fallback")
	}
}

// TestGetStaleNoFallbackWhenTTLExhausted covers the case where the
// remaining ttl on a stale entry would already be spent by the time the
// stale-fallback timer would fire: no fallback may be scheduled, so the
// waiter gets whatever the generator eventually produces instead of the
// stale value.
func TestGetStaleNoFallbackWhenTTLExhausted(t *testing.T) {
	be := newMemBackend()
	// stored 2s ago with a 2.2s ttl leaves ~200ms remaining at read time,
	// which is less than staleTimeout (300ms): no fallback may be armed.
	be.seed("seg", "k1", "old", time.Now().Add(-2*time.Second), 2200*time.Millisecond)

	gt := GenerateTimeoutAfter(5 * time.Second)
	p, err := New(be, "seg", RuleOptions{
		ExpiresIn:    time.Hour,
		StaleIn:      time.Second,
		StaleTimeout: 300 * time.Millisecond,
		GenerateFunc: func(ctx context.Context, key Key) (any, time.Duration, error) {
			time.Sleep(500 * time.Millisecond)
			return "fresh", time.Hour, nil
		},
		GenerateTimeout: &gt,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := syncGet(p, StringKey("k1"))
	if r.err != nil {
		t.Fatalf("unexpected error: %v", r.err)
	}
	if r.value != "fresh" {
		t.Fatalf("expected no stale fallback (ttl already exhausted by staleTimeout), got %v", r.value)
	}
	if r.report.IsStale {
		t.Fatal("expected IsStale false: waiter should have waited for the generator")
	}
}

func TestGetMissGenerateTimeout(t *testing.T) {
	be := newMemBackend()
	gt := GenerateTimeoutAfter(50 * time.Millisecond)
	p, err := New(be, "seg", RuleOptions{
		ExpiresIn: time.Hour,
		GenerateFunc: func(ctx context.Context, key Key) (any, time.Duration, error) {
			time.Sleep(time.Second)
			return "too-late", time.Hour, nil
		},
		GenerateTimeout: &gt,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := syncGet(p, StringKey("never-cached"))
	if !errors.Is(r.err, ErrGenerateTimeout) {
		t.Fatalf("expected ErrGenerateTimeout, got %v", r.err)
	}
}

func TestGetDropOnErrorTrue(t *testing.T) {
	be := newMemBackend()
	be.seed("seg", "k1", "old", time.Now().Add(-time.Minute), time.Hour)

	dropOnError := true
	gt := GenerateTimeoutAfter(5 * time.Second)
	boomErr := errors.New("boom")
	p, err := New(be, "seg", RuleOptions{
		ExpiresIn:    time.Hour,
		StaleIn:      time.Second,
		StaleTimeout: 2 * time.Second,
		GenerateFunc: func(ctx context.Context, key Key) (any, time.Duration, error) {
			return nil, 0, boomErr
		},
		GenerateTimeout: &gt,
		DropOnError:     &dropOnError,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := syncGet(p, StringKey("k1"))
	if !errors.Is(r.err, boomErr) {
		t.Fatalf("expected boom error, got %v", r.err)
	}

	// the stale entry should have been dropped
	be.mu.Lock()
	_, stillThere := be.items["seg/k1"]
	be.mu.Unlock()
	if stillThere {
		t.Fatal("expected entry dropped after dropOnError generation failure")
	}
}

func TestGetDropOnErrorFalseServesStale(t *testing.T) {
	be := newMemBackend()
	be.seed("seg", "k1", "old", time.Now().Add(-time.Minute), time.Hour)

	dropOnError := false
	gt := GenerateTimeoutAfter(5 * time.Second)
	boomErr := errors.New("boom")
	p, err := New(be, "seg", RuleOptions{
		ExpiresIn:    time.Hour,
		StaleIn:      time.Second,
		StaleTimeout: 2 * time.Second,
		GenerateFunc: func(ctx context.Context, key Key) (any, time.Duration, error) {
			return nil, 0, boomErr
		},
		GenerateTimeout: &gt,
		DropOnError:     &dropOnError,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := syncGet(p, StringKey("k1"))
	if r.err != nil {
		t.Fatalf("expected stale value served instead of error, got err=%v", r.err)
	}
	if r.value != "old" {
		t.Fatalf("expected stale value 'old', got %v", r.value)
	}
}

func TestSetAndDrop(t *testing.T) {
	be := newMemBackend()
	p, err := New(be, "seg", RuleOptions{ExpiresIn: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.Set(context.Background(), StringKey("k1"), "v1", time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	r := syncGet(p, StringKey("k1"))
	if r.value != "v1" {
		t.Fatalf("expected v1, got %v", r.value)
	}

	if err := p.Drop(context.Background(), StringKey("k1")); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	r2 := syncGet(p, StringKey("k1"))
	if r2.value != nil {
		t.Fatalf("expected nil after drop, got %v", r2.value)
	}
}

func TestStatsCounting(t *testing.T) {
	be := newMemBackend()
	be.seed("seg", "hit", "v", time.Now(), time.Hour)

	p, err := New(be, "seg", RuleOptions{ExpiresIn: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	syncGet(p, StringKey("hit"))
	syncGet(p, StringKey("miss"))
	p.Set(context.Background(), StringKey("set1"), "v", time.Hour)

	s := p.Stats()
	if s.Gets != 2 {
		t.Fatalf("expected 2 gets, got %d", s.Gets)
	}
	if s.Hits != 1 {
		t.Fatalf("expected 1 hit, got %d", s.Hits)
	}
	if s.Sets != 1 {
		t.Fatalf("expected 1 set, got %d", s.Sets)
	}
}

// TestStatsGenerateWritebackCountsAsSet covers §9's resolution that a
// generation writeback goes through the public set path, and so must be
// counted in stats.sets the same as an explicit Policy.Set call.
func TestStatsGenerateWritebackCountsAsSet(t *testing.T) {
	be := newMemBackend()
	gt := GenerateTimeoutAfter(5 * time.Second)
	p, err := New(be, "seg", RuleOptions{
		ExpiresIn: time.Hour,
		GenerateFunc: func(ctx context.Context, key Key) (any, time.Duration, error) {
			return "generated", time.Hour, nil
		},
		GenerateTimeout: &gt,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	r := syncGet(p, StringKey("never-cached"))
	if r.err != nil || r.value != "generated" {
		t.Fatalf("expected generated value, got (%v, %v)", r.value, r.err)
	}

	if s := p.Stats(); s.Sets != 1 {
		t.Fatalf("expected generate writeback to count as 1 set, got %d", s.Sets)
	}
}

func TestRulesSwap(t *testing.T) {
	be := newMemBackend()
	p, err := New(be, "seg", RuleOptions{ExpiresIn: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Rules(RuleOptions{ExpiresIn: 2 * time.Hour}); err != nil {
		t.Fatalf("Rules: %v", err)
	}
	d := p.TTL(time.Now())
	if d <= time.Hour {
		t.Fatalf("expected new rule to take effect, got ttl %v", d)
	}
}

func TestInvalidKey(t *testing.T) {
	be := newMemBackend()
	p, err := New(be, "seg", RuleOptions{ExpiresIn: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := syncGet(p, Key{})
	if !errors.Is(r.err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", r.err)
	}
}

func TestClosedPolicyRejectsCalls(t *testing.T) {
	be := newMemBackend()
	p, err := New(be, "seg", RuleOptions{ExpiresIn: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Close()

	r := syncGet(p, StringKey("k1"))
	if !errors.Is(r.err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Get, got %v", r.err)
	}
	if err := p.Set(context.Background(), StringKey("k1"), "v", time.Hour); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Set, got %v", err)
	}
	if err := p.Drop(context.Background(), StringKey("k1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Drop, got %v", err)
	}
}
