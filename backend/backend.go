// Package backend defines the storage contract that a cachepolicy.Policy
// sits in front of, plus the shared item shape returned by Get.
package backend

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// ErrNotFound is returned by Get when no entry exists for the given id.
var ErrNotFound = errors.New("backend: item not found")

// Segment names a logical partition of the keyspace a Policy is bound to,
// the same way catbox partitions entries by "segment" per-policy.
type Segment string

var segmentNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateSegmentName reports whether name is an acceptable segment name.
// Shared by every Backend implementation so the rule is enforced uniformly.
func ValidateSegmentName(name string) error {
	if name == "" {
		return errors.New("backend: segment name cannot be empty")
	}
	if !segmentNamePattern.MatchString(name) {
		return errors.New("backend: segment name must be alphanumeric, '_' or '-'")
	}
	return nil
}

// Item is a single stored entry as returned by Get. Stored is when the
// entry was written; TTL is its remaining lifetime as of this read (not
// the ttl originally passed to Set), so the caller can compute staleness
// and arm fallback timers without the backend knowing anything about
// policy rules.
type Item struct {
	Value  any
	Stored time.Time
	TTL    time.Duration
}

// Backend is the storage contract a Policy is built on top of. The segment
// passed to every method is the Policy's own segment, fixed at construction
// time; the backend never has to resolve or validate it beyond storage.
type Backend interface {
	// Get fetches the item stored for id in seg. It returns ErrNotFound
	// (possibly wrapped) when no entry exists; any other error is a backend fault.
	Get(ctx context.Context, seg Segment, id string) (*Item, error)

	// Set stores value for id in seg with the given TTL.
	Set(ctx context.Context, seg Segment, id string, value any, ttl time.Duration) error

	// Drop removes the entry (if any) for id in seg.
	Drop(ctx context.Context, seg Segment, id string) error

	// ValidateSegmentName reports whether name is an acceptable segment
	// name for this backend.
	ValidateSegmentName(name string) error

	// IsReady reports whether the backend is connected and able to serve
	// requests right now.
	IsReady() bool
}
