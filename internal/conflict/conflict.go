// Package conflict implements the version-conflict resolution seam that
// GridDhtAtomicCache always routes applied writes through, even with DR
// disabled (see SPEC_FULL.md §3). The default resolver is exactly the
// CLOCK comparison rule of spec.md §4.2 step 6.
package conflict

import "github.com/devrev/pairdb/cachegrid/internal/model"

// Outcome is the result of resolving an incoming version against the
// entry's current version.
type Outcome int

const (
	// Accept: the incoming write is newer (or the entry has no version
	// yet); apply it.
	Accept Outcome = iota
	// Subsumed: the incoming write is stale; do not apply it, but the
	// caller is told success=true with the current value (spec.md §9
	// open question, preserved as specified).
	Subsumed
	// Reject: versions are not directly comparable (different data
	// centers) and an external DR merge must decide; treated as a
	// failed key in this repo since DR is out of scope.
	Reject
)

// Resolver decides what to do with an incoming write version against an
// entry's current version.
type Resolver interface {
	Resolve(current model.CacheVersion, currentExists bool, incoming model.CacheVersion) Outcome
}

// VersionResolver is the default resolver: plain CacheVersion.Compare
// when both versions carry the same DataCenterID. A DataCenterID
// mismatch returns Reject, since DR merging is out of scope per
// spec.md §1's non-goals.
type VersionResolver struct{}

func NewVersionResolver() *VersionResolver { return &VersionResolver{} }

func (r *VersionResolver) Resolve(current model.CacheVersion, currentExists bool, incoming model.CacheVersion) Outcome {
	if !currentExists || current.Zero() {
		return Accept
	}
	if current.DataCenterID != incoming.DataCenterID {
		return Reject
	}
	if incoming.Compare(current) > 0 {
		return Accept
	}
	return Subsumed
}
