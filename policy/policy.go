// Package policy implements a cache-policy coordination layer that sits
// between callers and a pluggable backend.Backend, enforcing expiration,
// staleness, and single-flight regeneration of expensive values.
//
// A Policy serializes all coalescing/generation bookkeeping for a given id
// behind a single mutex rather than a dedicated goroutine loop — the same
// shape the teacher repo uses for its own shared mutable state (compare
// core.Engine's watcher list or providers.Registry's provider map), with
// backend reads and GenerateFunc invocations always happening off that
// lock so nothing ever suspends while holding it.
package policy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/catboxgo/cachepolicy/backend"
)

// GetCallback receives the outcome of a Get call. err is non-nil when no
// usable value (fresh, stale, or generated) could be produced, and also
// when GenerateIgnoreWriteError is false and writing a generated value
// back failed (value then still holds the generated value, unless a stale
// value is served instead because DropOnError is false). item is the
// backend item actually served (nil when the value was produced by
// generation).
type GetCallback func(err error, value any, item *backend.Item, report Report)

// waiter is one caller coalesced onto a genState.
type waiter struct {
	ctx context.Context
	cb  GetCallback
}

// genState tracks every caller currently waiting on the same in-flight
// backend read (and possibly subsequent generation) for one id. It is
// removed from Policy.pendings the moment it resolves, even though a
// GenerateFunc it kicked off may still be running in the background —
// that producer's eventual completion only writes back to the backend; it
// never retroactively resolves waiters that already got an answer.
type genState struct {
	id string

	mu       sync.Mutex
	resolved bool
	waiters  []waiter
	timers   []*time.Timer

	// hadEntry records whether the backend read this state coalesces on
	// observed an existing entry (fresh or stale), set once by runRead
	// before any timer or generation goroutine that reads it is started.
	// stats.hits is credited at resolution time, scaled by the waiter
	// count, only when this is true.
	hadEntry bool
}

func newGenState(id string) *genState {
	return &genState{id: id}
}

func (s *genState) addWaiter(w waiter) {
	s.mu.Lock()
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()
}

func (s *genState) setHadEntry(v bool) {
	s.mu.Lock()
	s.hadEntry = v
	s.mu.Unlock()
}

func (s *genState) addTimer(t *time.Timer) {
	s.mu.Lock()
	if s.resolved {
		s.mu.Unlock()
		t.Stop()
		return
	}
	s.timers = append(s.timers, t)
	s.mu.Unlock()
}

// resolve marks s resolved exactly once and stops its timers. It returns
// the waiters to deliver to and whether a backend entry
// was observed (for waiter-count-scaled stats.hits accounting), or
// delivered=false if this genState had already resolved (a no-op
// writeback-only completion).
func (s *genState) resolve() (waiters []waiter, hadEntry bool, delivered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved {
		return nil, false, false
	}
	s.resolved = true
	for _, t := range s.timers {
		t.Stop()
	}
	return s.waiters, s.hadEntry, true
}

// Policy enforces expiration, staleness, and single-flight regeneration
// for one logical collection of cached values backed by a single
// backend.Backend segment.
type Policy struct {
	be      backend.Backend
	segment backend.Segment

	ruleMu sync.RWMutex
	rule   *Rule

	coordMu    sync.Mutex
	pendings   map[string]*genState
	pendingGen map[string]bool

	stats statCounters

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    atomic.Bool
}

// New builds a Policy bound to segment on be, compiled from opts. be may be
// nil, in which case Get/Set/Drop all fail with ErrNoBackend and only a
// rule without staleIn is accepted.
func New(be backend.Backend, segment backend.Segment, opts RuleOptions) (*Policy, error) {
	if be != nil {
		if err := be.ValidateSegmentName(string(segment)); err != nil {
			return nil, err
		}
	}
	rule, err := CompileRuleForBackend(opts, be != nil)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Policy{
		be:         be,
		segment:    segment,
		rule:       rule,
		pendings:   make(map[string]*genState),
		pendingGen: make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
	}
	return p, nil
}

// Rules atomically swaps the policy's compiled rule, the Go analogue of
// catbox re-registering a policy's options. In-flight Gets keep running
// under whichever rule they started with.
func (p *Policy) Rules(opts RuleOptions) error {
	rule, err := CompileRuleForBackend(opts, p.be != nil)
	if err != nil {
		return err
	}
	p.ruleMu.Lock()
	p.rule = rule
	p.ruleMu.Unlock()
	return nil
}

func (p *Policy) currentRule() *Rule {
	p.ruleMu.RLock()
	defer p.ruleMu.RUnlock()
	return p.rule
}

// IsReady reports whether the underlying backend can serve requests right
// now. It is false for a Policy built without a backend.
func (p *Policy) IsReady() bool {
	if p.be == nil {
		return false
	}
	return p.be.IsReady()
}

// TTL computes the remaining lifetime for an entry stored at created,
// under the policy's current rule.
func (p *Policy) TTL(created time.Time) time.Duration {
	return ttl(p.currentRule(), created, time.Now())
}

// Stats returns a snapshot of the policy's activity counters.
func (p *Policy) Stats() Stats {
	return p.stats.snapshot()
}

// Close stops any context-bound background generation and causes every
// subsequent Get/Set/Drop to fail with ErrClosed. It does not wait for
// in-flight GenerateFunc calls to return; their writebacks, once they do,
// are harmless no-ops against an already-delivered genState.
func (p *Policy) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.cancel()
	})
}

func newRequestID() string {
	return uuid.NewString()
}

// Set writes value directly to the backend with the given ttl, or, when
// ttl is zero or negative, with the ttl the rule's expiresIn/expiresAt
// gives an entry stored now.
func (p *Policy) Set(ctx context.Context, key Key, value any, ttl time.Duration) error {
	if !key.valid() {
		return ErrInvalidKey
	}
	if p.closed.Load() {
		return ErrClosed
	}
	if p.be == nil {
		return ErrNoBackend
	}
	if ttl <= 0 {
		ttl = p.TTL(time.Now())
	}
	p.stats.sets.Add(1)
	if err := p.be.Set(ctx, p.segment, key.ID, value, ttl); err != nil {
		p.stats.errors.Add(1)
		return err
	}
	return nil
}

// Drop removes any cached entry for key, and discards any in-flight
// coalescing state so the next Get starts a fresh read.
func (p *Policy) Drop(ctx context.Context, key Key) error {
	if !key.valid() {
		return ErrInvalidKey
	}
	if p.closed.Load() {
		return ErrClosed
	}
	if p.be == nil {
		return ErrNoBackend
	}
	p.coordMu.Lock()
	delete(p.pendings, key.ID)
	delete(p.pendingGen, key.ID)
	p.coordMu.Unlock()

	if err := p.be.Drop(ctx, p.segment, key.ID); err != nil {
		p.stats.errors.Add(1)
		return err
	}
	return nil
}
