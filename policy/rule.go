package policy

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// GenerateFunc produces a fresh value for key. A positive ttl overrides the
// rule's own expiration for the entry being written back, a negative one
// keeps the rule's own expiration, and a zero ttl is a
// signal to drop the id from the backend instead of writing it (see Rule's
// producer-completion semantics in Policy.Get).
type GenerateFunc func(ctx context.Context, key Key) (value any, ttl time.Duration, err error)

// StaleFunc computes how long after stored an entry should be treated as
// stale, given the entry's remaining TTL as of the backend read. It is the
// dynamic counterpart
// of a constant StaleIn duration.
type StaleFunc func(stored time.Time, ttl time.Duration) time.Duration

// GenerateTimeout bounds how long a caller will wait for a GenerateFunc
// before being told ErrGenerateTimeout, on a miss with no stale fallback
// available. A zero or negative duration (including the zero value) arms
// no timer, so it behaves like GenerateTimeoutDisabled.
type GenerateTimeout struct {
	disabled bool
	d        time.Duration
}

// GenerateTimeoutAfter bounds generation to d.
func GenerateTimeoutAfter(d time.Duration) GenerateTimeout {
	return GenerateTimeout{d: d}
}

// GenerateTimeoutDisabled lets a generation run with no timeout at all;
// the caller waits until the GenerateFunc itself returns.
var GenerateTimeoutDisabled = GenerateTimeout{disabled: true}

func (g GenerateTimeout) duration() (time.Duration, bool) {
	if g.disabled {
		return 0, false
	}
	return g.d, true
}

// ClockTime is a wall-clock time of day used by ExpiresAt.
type ClockTime struct {
	Hour   int
	Minute int
}

var clockTimePattern = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

func parseClockTime(s string) (ClockTime, error) {
	m := clockTimePattern.FindStringSubmatch(s)
	if m == nil {
		return ClockTime{}, ruleErr("expiresAt", "must be in HH:MM format")
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return ClockTime{}, ruleErr("expiresAt", "must name a valid time of day")
	}
	return ClockTime{Hour: hour, Minute: minute}, nil
}

// RuleOptions is the user-facing configuration a Rule is compiled from. It
// is the Go equivalent of catbox's free-form policy options object: a
// framework decodes its own config representation (file, flags, a map)
// into this struct and hands it to CompileRule.
type RuleOptions struct {
	// ExpiresIn is a relative expiration measured from the moment an
	// entry is stored. Mutually exclusive with ExpiresAt.
	ExpiresIn time.Duration

	// ExpiresAt is a daily wall-clock expiration in "HH:MM" form.
	// Mutually exclusive with ExpiresIn.
	ExpiresAt string

	// StaleIn and StaleInFunc configure stale-while-revalidate: StaleIn
	// is a constant offset from Stored; StaleInFunc computes it
	// per-entry. At most one should be set.
	StaleIn     time.Duration
	StaleInFunc StaleFunc

	// StaleTimeout bounds how long a stale-entry Get waits for a fresh
	// value before falling back to serving the stale one.
	StaleTimeout time.Duration

	// GenerateFunc, when set, lets the Policy regenerate values on miss
	// or staleness instead of just reporting the gap to the caller.
	GenerateFunc GenerateFunc

	// GenerateTimeout bounds how long a miss-with-no-cached-fallback Get
	// waits for GenerateFunc before failing with ErrGenerateTimeout.
	// Required whenever GenerateFunc is set.
	GenerateTimeout *GenerateTimeout

	// GenerateOnReadError controls whether a backend read error still
	// triggers generation (true) or is reported to the caller directly
	// (false). Defaults to true regardless of GenerateFunc.
	GenerateOnReadError *bool

	// GenerateIgnoreWriteError controls whether a backend write error
	// following a successful generation is swallowed (true) or returned
	// to the caller alongside the generated value (false). Defaults to
	// true regardless of GenerateFunc.
	GenerateIgnoreWriteError *bool

	// DropOnError controls what happens when GenerateFunc itself errors:
	// true drops any existing cached entry and returns the error; false
	// (only meaningful with a stale entry present) serves the stale
	// value instead of the error. Requires GenerateFunc. Defaults to
	// true when GenerateFunc is set.
	DropOnError *bool

	// PendingGenerateTimeout, when positive, suppresses a second
	// concurrent GenerateFunc invocation for the same id for up to this
	// long after one was started, even across unrelated Get calls; the
	// suppression also ends when that invocation returns.
	PendingGenerateTimeout time.Duration
}

// Rule is the compiled, validated, immutable form of RuleOptions. It is
// safe to share across goroutines; Policy.Rules swaps the whole value.
type Rule struct {
	expiresIn  time.Duration
	expiresAt  *ClockTime
	staleIn    time.Duration
	staleInFn  StaleFunc
	staleTimeout time.Duration

	generateFunc             GenerateFunc
	generateTimeout          GenerateTimeout
	generateOnReadError      bool
	generateIgnoreWriteError bool
	dropOnError              bool
	pendingGenerateTimeout   time.Duration
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// CompileRule validates opts and produces an immutable Rule, assuming the
// owning Policy has a configured Backend (staleness requires one to serve
// a stale fallback from; see CompileRuleForBackend).
func CompileRule(opts RuleOptions) (*Rule, error) {
	return compileRule(opts, true)
}

// CompileRuleForBackend is CompileRule but additionally validates that
// stale-while-revalidate options are only used when the policy actually
// has a backend to read stale entries from.
func CompileRuleForBackend(opts RuleOptions, hasBackend bool) (*Rule, error) {
	return compileRule(opts, hasBackend)
}

func compileRule(opts RuleOptions, hasBackend bool) (*Rule, error) {
	r := &Rule{}

	hasExpiresIn := opts.ExpiresIn != 0
	hasExpiresAt := strings.TrimSpace(opts.ExpiresAt) != ""

	if hasExpiresIn && hasExpiresAt {
		return nil, ruleErr("expiresAt", "cannot be used together with expiresIn")
	}

	if hasExpiresIn {
		if opts.ExpiresIn < 0 {
			return nil, ruleErr("expiresIn", "must be a positive duration")
		}
		r.expiresIn = opts.ExpiresIn
	}

	if hasExpiresAt {
		ct, err := parseClockTime(strings.TrimSpace(opts.ExpiresAt))
		if err != nil {
			return nil, err
		}
		r.expiresAt = &ct
	}

	hasStaleIn := opts.StaleIn != 0 || opts.StaleInFunc != nil
	if hasStaleIn {
		if opts.StaleIn != 0 && opts.StaleInFunc != nil {
			return nil, ruleErr("staleIn", "cannot set both a constant and a function")
		}
		if !hasBackend {
			return nil, ruleErr("staleIn", "requires a backend")
		}
		if opts.GenerateFunc == nil {
			return nil, ruleErr("staleIn", "requires generateFunc")
		}
		if opts.StaleTimeout <= 0 {
			return nil, ruleErr("staleIn", "requires staleTimeout")
		}
		if opts.StaleIn < 0 {
			return nil, ruleErr("staleIn", "must be a positive duration")
		}
		if opts.StaleInFunc == nil && hasExpiresIn && opts.StaleIn >= opts.ExpiresIn {
			return nil, ruleErr("staleIn", "must be less than expiresIn")
		}
		r.staleIn = opts.StaleIn
		r.staleInFn = opts.StaleInFunc
	}

	if opts.StaleTimeout != 0 {
		if opts.StaleTimeout < 0 {
			return nil, ruleErr("staleTimeout", "must be a positive duration")
		}
		if !hasStaleIn {
			return nil, ruleErr("staleTimeout", "requires staleIn")
		}
		if hasExpiresIn && opts.StaleTimeout >= opts.ExpiresIn-opts.StaleIn {
			return nil, ruleErr("staleTimeout", "must leave room before expiresIn")
		}
		r.staleTimeout = opts.StaleTimeout
	}

	if opts.PendingGenerateTimeout != 0 {
		if opts.PendingGenerateTimeout < 0 {
			return nil, ruleErr("pendingGenerateTimeout", "must be a positive duration")
		}
		if r.staleTimeout != 0 && r.staleTimeout >= opts.PendingGenerateTimeout {
			return nil, ruleErr("pendingGenerateTimeout", "must be greater than staleTimeout")
		}
		r.pendingGenerateTimeout = opts.PendingGenerateTimeout
	}

	if opts.GenerateFunc != nil {
		if opts.GenerateTimeout == nil {
			return nil, ruleErr("generateTimeout", "is required when generateFunc is set")
		}
		r.generateFunc = opts.GenerateFunc
		r.generateTimeout = *opts.GenerateTimeout
		r.dropOnError = boolOr(opts.DropOnError, true)
	} else {
		if opts.GenerateTimeout != nil {
			return nil, ruleErr("generateTimeout", "requires generateFunc")
		}
		if opts.DropOnError != nil {
			return nil, ruleErr("dropOnError", "requires generateFunc")
		}
	}

	r.generateOnReadError = boolOr(opts.GenerateOnReadError, true)
	r.generateIgnoreWriteError = boolOr(opts.GenerateIgnoreWriteError, true)

	return r, nil
}
