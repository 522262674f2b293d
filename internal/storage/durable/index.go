package durable

import (
	"time"

	"github.com/google/btree"

	"github.com/JEflyer/CognitionStream-sub000/internal/model"
)

// Secondary indexes over the record table. One ordered index per sortable
// attribute (createdAt, priority, sizeBytes) plus an inverted tag index,
// so range and tag lookups never need a full table scan.

type createdItem struct {
	at  time.Time
	key string
}

func lessCreated(a, b createdItem) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.key < b.key
}

type priorityItem struct {
	priority int
	key      string
}

func lessPriority(a, b priorityItem) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.key < b.key
}

type sizeItem struct {
	size int64
	key  string
}

func lessSize(a, b sizeItem) bool {
	if a.size != b.size {
		return a.size < b.size
	}
	return a.key < b.key
}

type indexes struct {
	created  *btree.BTreeG[createdItem]
	priority *btree.BTreeG[priorityItem]
	size     *btree.BTreeG[sizeItem]
	tags     map[string]map[string]struct{}
}

const btreeDegree = 16

func newIndexes() *indexes {
	return &indexes{
		created:  btree.NewG(btreeDegree, lessCreated),
		priority: btree.NewG(btreeDegree, lessPriority),
		size:     btree.NewG(btreeDegree, lessSize),
		tags:     make(map[string]map[string]struct{}),
	}
}

func (ix *indexes) add(rec *model.Record) {
	ix.created.ReplaceOrInsert(createdItem{at: rec.CreatedAt, key: rec.Key})
	ix.priority.ReplaceOrInsert(priorityItem{priority: rec.Priority, key: rec.Key})
	ix.size.ReplaceOrInsert(sizeItem{size: rec.SizeBytes, key: rec.Key})
	for _, tag := range rec.Tags {
		keys, ok := ix.tags[tag]
		if !ok {
			keys = make(map[string]struct{})
			ix.tags[tag] = keys
		}
		keys[rec.Key] = struct{}{}
	}
}

func (ix *indexes) remove(rec *model.Record) {
	ix.created.Delete(createdItem{at: rec.CreatedAt, key: rec.Key})
	ix.priority.Delete(priorityItem{priority: rec.Priority, key: rec.Key})
	ix.size.Delete(sizeItem{size: rec.SizeBytes, key: rec.Key})
	for _, tag := range rec.Tags {
		if keys, ok := ix.tags[tag]; ok {
			delete(keys, rec.Key)
			if len(keys) == 0 {
				delete(ix.tags, tag)
			}
		}
	}
}

// ascendCreated walks keys in ascending createdAt order until fn returns
// false.
func (ix *indexes) ascendCreated(fn func(key string) bool) {
	ix.created.Ascend(func(it createdItem) bool {
		return fn(it.key)
	})
}

// ascendPriorityFrom walks keys with priority >= min in ascending priority
// order until fn returns false.
func (ix *indexes) ascendPriorityFrom(min int, fn func(key string) bool) {
	ix.priority.AscendGreaterOrEqual(priorityItem{priority: min}, func(it priorityItem) bool {
		return fn(it.key)
	})
}

// keysWithTag returns the keys carrying the given tag.
func (ix *indexes) keysWithTag(tag string) []string {
	keys := make([]string, 0, len(ix.tags[tag]))
	for k := range ix.tags[tag] {
		keys = append(keys, k)
	}
	return keys
}
