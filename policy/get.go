package policy

import (
	"context"
	"errors"
	"time"

	"github.com/catboxgo/cachepolicy/backend"
)

// Get resolves key to a value, coalescing concurrent callers for the same
// id onto a single backend read (and, if needed, a single regeneration).
// cb is always invoked on a goroutine distinct from the one Get was called
// on, so callers observe return-then-callback ordering regardless of
// whether the id was a fresh read or an already in-flight one.
func (p *Policy) Get(ctx context.Context, key Key, cb GetCallback) {
	if !key.valid() {
		go cb(ErrInvalidKey, nil, nil, Report{RequestID: newRequestID()})
		return
	}
	if p.closed.Load() {
		go cb(ErrClosed, nil, nil, Report{RequestID: newRequestID()})
		return
	}
	if p.be == nil {
		go cb(ErrNoBackend, nil, nil, Report{RequestID: newRequestID()})
		return
	}

	p.stats.gets.Add(1)
	rule := p.currentRule()
	start := time.Now()
	reqID := newRequestID()

	p.coordMu.Lock()
	state, exists := p.pendings[key.ID]
	if !exists {
		state = newGenState(key.ID)
		p.pendings[key.ID] = state
	}
	state.addWaiter(waiter{ctx: ctx, cb: cb})
	p.coordMu.Unlock()

	if exists {
		return
	}
	go p.runRead(state, key, rule, start, reqID)
}

// runRead performs the single backend read that every caller coalesced
// onto state is waiting on, then classifies the result per §4.3/§4.4:
// fresh hit, stale hit (enters generation with a fallback timer), miss
// (enters generation with a timeout timer), or a bare read error.
func (p *Policy) runRead(state *genState, key Key, rule *Rule, start time.Time, reqID string) {
	item, err := p.be.Get(p.ctx, p.segment, key.ID)
	now := time.Now()

	if err != nil && !errors.Is(err, backend.ErrNotFound) {
		p.stats.errors.Add(1)
		if rule.generateFunc == nil || !rule.generateOnReadError {
			p.finish(state, err, nil, nil, start, reqID, false)
			return
		}
		p.enterGeneration(state, key, rule, nil, start, reqID)
		return
	}
	if err != nil {
		item = nil
	}

	if item != nil {
		state.setHadEntry(true)
		if !isStale(rule, item.Stored, item.TTL, now) {
			p.finish(state, nil, item.Value, item, start, reqID, false)
			return
		}
		p.stats.stales.Add(1)
	}

	if rule.generateFunc == nil {
		if item != nil {
			p.finish(state, nil, item.Value, item, start, reqID, true)
		} else {
			p.finish(state, nil, nil, nil, start, reqID, false)
		}
		return
	}

	p.enterGeneration(state, key, rule, item, start, reqID)
}

// enterGeneration arms whichever race timer applies (stale fallback for a
// stale hit, generate timeout for a miss), then starts a GenerateFunc call
// unless one is already in flight for this id per the pendingGenerate
// single-flight-of-generation rule.
func (p *Policy) enterGeneration(state *genState, key Key, rule *Rule, item *backend.Item, start time.Time, reqID string) {
	armedTimer := false

	if item != nil && rule.staleTimeout > 0 && item.TTL-rule.staleTimeout > 0 {
		staleItem := item
		t := time.AfterFunc(rule.staleTimeout, func() {
			p.finish(state, nil, staleItem.Value, staleItem, start, reqID, true)
		})
		state.addTimer(t)
		armedTimer = true
	}

	if item == nil {
		if d, ok := rule.generateTimeout.duration(); ok && d > 0 {
			t := time.AfterFunc(d, func() {
				p.finish(state, ErrGenerateTimeout, nil, nil, start, reqID, false)
			})
			state.addTimer(t)
			armedTimer = true
		}
	}

	// A second concurrent generation for the same id is suppressed only
	// when these waiters have a timer that guarantees they'll eventually
	// be resolved some other way; otherwise suppressing would leave them
	// with nothing to wait on, since a prior generation's own waiters
	// were already resolved and detached before it finishes (see
	// Policy.finish) and can't deliver to this, unrelated, waiter set.
	p.coordMu.Lock()
	alreadyPending := p.pendingGen[key.ID]
	if rule.pendingGenerateTimeout > 0 && (!alreadyPending || !armedTimer) {
		p.pendingGen[key.ID] = true
	}
	p.coordMu.Unlock()

	if alreadyPending && armedTimer {
		return
	}

	if rule.pendingGenerateTimeout > 0 {
		id := key.ID
		time.AfterFunc(rule.pendingGenerateTimeout, func() {
			p.coordMu.Lock()
			delete(p.pendingGen, id)
			p.coordMu.Unlock()
		})
	}

	p.stats.generates.Add(1)
	go p.runGenerate(state, key, rule, item, start, reqID)
}

// runGenerate calls the rule's GenerateFunc and applies the producer
// writeback semantics of §4.4: drop-on-error, explicit ttl==0 eviction, a
// successful write (subject to generateIgnoreWriteError), or a bare
// generation error falling back to a stale cached value when dropOnError
// is false.
func (p *Policy) runGenerate(state *genState, key Key, rule *Rule, cachedBefore *backend.Item, start time.Time, reqID string) {
	value, ttlOut, genErr := rule.generateFunc(p.ctx, key)

	p.coordMu.Lock()
	delete(p.pendingGen, key.ID)
	p.coordMu.Unlock()

	switch {
	case genErr != nil && rule.dropOnError:
		if dropErr := p.be.Drop(p.ctx, p.segment, key.ID); dropErr != nil {
			p.stats.errors.Add(1)
		}
		p.finishGenerated(state, genErr, nil, nil, nil, rule, start, reqID)

	case genErr == nil && ttlOut == 0:
		if dropErr := p.be.Drop(p.ctx, p.segment, key.ID); dropErr != nil {
			p.stats.errors.Add(1)
		}
		p.finishGenerated(state, nil, value, nil, nil, rule, start, reqID)

	case genErr == nil:
		writeErr := p.Set(p.ctx, key, value, ttlOut)
		effErr := error(nil)
		if writeErr != nil && !rule.generateIgnoreWriteError {
			effErr = writeErr
		}
		p.finishGenerated(state, effErr, value, cachedBefore, nil, rule, start, reqID)

	default: // genErr != nil && !rule.dropOnError
		p.finishGenerated(state, genErr, value, cachedBefore, nil, rule, start, reqID)
	}
}

func (p *Policy) finishGenerated(state *genState, err error, value any, cachedBefore, newItem *backend.Item, rule *Rule, start time.Time, reqID string) {
	if err != nil && cachedBefore != nil && !rule.dropOnError {
		p.finish(state, nil, cachedBefore.Value, cachedBefore, start, reqID, true)
		return
	}
	p.finish(state, err, value, newItem, start, reqID, false)
}

// finish resolves state exactly once: it removes it from the pendings
// table and delivers (err, value, item, report) to every coalesced
// waiter. A second call (e.g. the generator completing after a stale
// fallback already fired) is a harmless no-op.
func (p *Policy) finish(state *genState, err error, value any, item *backend.Item, start time.Time, reqID string, stale bool) {
	waiters, hadEntry, delivered := state.resolve()
	if !delivered {
		return
	}
	if hadEntry {
		p.stats.hits.Add(uint64(len(waiters)))
	}

	p.coordMu.Lock()
	if p.pendings[state.id] == state {
		delete(p.pendings, state.id)
	}
	p.coordMu.Unlock()

	report := Report{RequestID: reqID, Msec: time.Since(start), IsStale: stale}
	if item != nil {
		report.Stored = item.Stored
		report.TTL = item.TTL
		report.HasStored = true
	}
	deliver(waiters, err, value, item, report)
}

// deliver runs every waiter's callback, in attach order, on a single
// goroutine distinct from the resolving call, matching the "deferred
// tick" delivery ordering guarantee.
func deliver(waiters []waiter, err error, value any, item *backend.Item, report Report) {
	if len(waiters) == 0 {
		return
	}
	go func() {
		for i, w := range waiters {
			r := report
			r.WasCoalesced = i > 0
			w.cb(err, value, item, r)
		}
	}()
}
