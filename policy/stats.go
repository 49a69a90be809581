package policy

import "sync/atomic"

// Stats is a point-in-time snapshot of a Policy's activity counters.
type Stats struct {
	Sets      uint64
	Gets      uint64
	Hits      uint64
	Stales    uint64
	Generates uint64
	Errors    uint64
}

// statCounters holds the live atomic counters a Policy updates as it
// works; Stats() takes a consistent-enough snapshot of them.
type statCounters struct {
	sets      atomic.Uint64
	gets      atomic.Uint64
	hits      atomic.Uint64
	stales    atomic.Uint64
	generates atomic.Uint64
	errors    atomic.Uint64
}

func (c *statCounters) snapshot() Stats {
	return Stats{
		Sets:      c.sets.Load(),
		Gets:      c.gets.Load(),
		Hits:      c.hits.Load(),
		Stales:    c.stales.Load(),
		Generates: c.generates.Load(),
		Errors:    c.errors.Load(),
	}
}
