package model

import (
	"time"
)

// SetOptions carries the optional attributes of a write.
type SetOptions struct {
	Priority int
	Tags     []string
	TTL      time.Duration
	Compress bool
}

// QueryFilter selects records from the durable tier. Nil bounds are
// unconstrained. Tags use AND semantics: a record matches only if its tag
// set contains every filter tag. CreatedAfter is inclusive, CreatedBefore
// is exclusive.
type QueryFilter struct {
	Tags          []string
	MinPriority   *int
	MaxSizeBytes  *int64
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// Matches reports whether a live record satisfies the filter. Liveness is
// checked by the caller.
func (f *QueryFilter) Matches(rec *Record) bool {
	if !rec.HasAllTags(f.Tags) {
		return false
	}
	if f.MinPriority != nil && rec.Priority < *f.MinPriority {
		return false
	}
	if f.MaxSizeBytes != nil && rec.SizeBytes > *f.MaxSizeBytes {
		return false
	}
	if f.CreatedAfter != nil && rec.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !rec.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

// QueryResult holds the matching values plus scan metrics.
type QueryResult struct {
	Items   map[string][]byte
	Scanned int
	Elapsed time.Duration
}

// Count returns the number of matches.
func (r *QueryResult) Count() int {
	return len(r.Items)
}
