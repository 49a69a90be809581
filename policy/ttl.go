package policy

import "time"

// ttl computes the remaining lifetime of an entry stored at created, as
// observed at now, per the rule's expiresIn/expiresAt configuration. A
// zero result means the entry is expired (or the rule expires nothing, in
// which case it never computes a positive ttl at all — callers pass
// time.Duration(0) straight through to the backend, meaning "forever").
func ttl(r *Rule, created, now time.Time) time.Duration {
	if now.Before(created) {
		return 0
	}

	switch {
	case r.expiresIn > 0:
		remaining := r.expiresIn - now.Sub(created)
		if remaining < 0 {
			return 0
		}
		return remaining

	case r.expiresAt != nil:
		expires := time.Date(created.Year(), created.Month(), created.Day(),
			r.expiresAt.Hour, r.expiresAt.Minute, 0, 0, created.Location())
		if !expires.After(created) {
			expires = expires.Add(24 * time.Hour)
		}
		if !now.Before(expires) {
			return 0
		}
		return expires.Sub(now)

	default:
		return 0
	}
}

// isStale reports whether an item stored at stored with the given ttl has
// crossed the rule's staleIn threshold as observed at now.
func isStale(r *Rule, stored time.Time, ttl time.Duration, now time.Time) bool {
	var staleIn time.Duration
	switch {
	case r.staleInFn != nil:
		staleIn = r.staleInFn(stored, ttl)
	case r.staleIn > 0:
		staleIn = r.staleIn
	default:
		return false
	}
	if staleIn <= 0 {
		return false
	}
	return now.Sub(stored) >= staleIn
}
