// Package memtier implements the bounded volatile cache in front of the
// durable tier. The engine serializes same-key operations through its
// lock-keys, but distinct keys run concurrently, so the tier guards its
// shared state with its own mutex.
package memtier

import (
	"sort"
	"sync"
	"time"

	"github.com/JEflyer/CognitionStream-sub000/internal/model"
)

// Tier is a capacity-bounded key to record mapping. Absence from the tier
// never implies absence from the durable tier.
type Tier struct {
	mu       sync.RWMutex
	records  map[string]*model.Record
	capacity int
}

// New creates a tier with the given capacity.
func New(capacity int) *Tier {
	if capacity < 1 {
		capacity = 1
	}
	return &Tier{
		records:  make(map[string]*model.Record),
		capacity: capacity,
	}
}

// Get returns a copy of the resident record for key, if any.
func (t *Tier) Get(key string) (*model.Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[key]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Touch marks key as accessed at now, bumping its access count, and
// returns a copy of the updated record.
func (t *Tier) Touch(key string, now time.Time) (*model.Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[key]
	if !ok {
		return nil, false
	}
	rec.LastAccess = now
	rec.AccessCount++
	return rec.Clone(), true
}

// Put places a record in the tier. The caller must follow with
// EnforceLimit to restore the capacity invariant.
func (t *Tier) Put(rec *model.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[rec.Key] = rec
}

// Delete removes a key. Returns whether it was resident.
func (t *Tier) Delete(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[key]; !ok {
		return false
	}
	delete(t.records, key)
	return true
}

// Len returns the number of resident records.
func (t *Tier) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Clear drops every resident record.
func (t *Tier) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[string]*model.Record)
}

// Capacity returns the current capacity.
func (t *Tier) Capacity() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.capacity
}

// SetCapacity updates the capacity. The caller must follow with
// EnforceLimit if the capacity shrank.
func (t *Tier) SetCapacity(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.capacity = capacity
}

// EnforceLimit evicts records until len <= capacity, lowest priority
// first and oldest-accessed first among equal priority. Evicted records
// are passed to onEvict (which may be nil). Returns the eviction count.
func (t *Tier) EnforceLimit(onEvict func(rec *model.Record)) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	over := len(t.records) - t.capacity
	if over <= 0 {
		return 0
	}

	candidates := make([]*model.Record, 0, len(t.records))
	for _, rec := range t.records {
		candidates = append(candidates, rec)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].LastAccess.Before(candidates[j].LastAccess)
	})

	evicted := 0
	for _, rec := range candidates[:over] {
		delete(t.records, rec.Key)
		if onEvict != nil {
			onEvict(rec)
		}
		evicted++
	}
	return evicted
}

// Each visits every resident record until fn returns false. fn must not
// mutate the record or retain it past the call.
func (t *Tier) Each(fn func(rec *model.Record) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, rec := range t.records {
		if !fn(rec) {
			return
		}
	}
}
