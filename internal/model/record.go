package model

import (
	"time"
)

// Record is the unit of storage shared by the memory and durable tiers.
// SizeBytes always reflects the stored (possibly compressed) value and is
// recomputed on every write.
type Record struct {
	Key         string
	Value       []byte
	CreatedAt   time.Time
	LastAccess  time.Time
	Priority    int
	Tags        []string
	TTL         time.Duration // zero means the record never expires
	SizeBytes   int64
	Compressed  bool
	AccessCount int64
}

// Live reports whether the record has not expired at the given instant.
func (r *Record) Live(now time.Time) bool {
	if r.TTL <= 0 {
		return true
	}
	return now.Before(r.CreatedAt.Add(r.TTL))
}

// ExpiresAt returns the expiry instant, or the zero time if the record
// never expires.
func (r *Record) ExpiresAt() time.Time {
	if r.TTL <= 0 {
		return time.Time{}
	}
	return r.CreatedAt.Add(r.TTL)
}

// HasAllTags reports whether the record's tag set is a superset of want.
func (r *Record) HasAllTags(want []string) bool {
	if len(want) == 0 {
		return true
	}
	if len(r.Tags) < len(want) {
		return false
	}
	set := make(map[string]struct{}, len(r.Tags))
	for _, t := range r.Tags {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Value != nil {
		cp.Value = make([]byte, len(r.Value))
		copy(cp.Value, r.Value)
	}
	if r.Tags != nil {
		cp.Tags = make([]string, len(r.Tags))
		copy(cp.Tags, r.Tags)
	}
	return &cp
}
