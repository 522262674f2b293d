package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/JEflyer/CognitionStream-sub000/internal/model"
)

// Query returns the live records matching the filter as a key to value
// mapping plus scan metrics. The tag index is used when the filter names
// tags, the priority index when it sets a minimum priority; otherwise the
// createdAt cursor drives a scan that stops early at the upper time
// bound. Expired records are always excluded.
func (e *Engine) Query(filter model.QueryFilter) (*model.QueryResult, error) {
	start := time.Now()
	var result *model.QueryResult
	err := e.locks.Do(lockQuery, e.cfg.Engine.LockTimeout, func() error {
		var err error
		result, err = e.doQuery(filter, start)
		return err
	})
	e.finishOp("query", start, err)
	return result, err
}

func (e *Engine) doQuery(filter model.QueryFilter, start time.Time) (*model.QueryResult, error) {
	store, err := e.currentStore()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	result := &model.QueryResult{Items: make(map[string][]byte)}

	collect := func(rec *model.Record) error {
		result.Scanned++
		if !rec.Live(now) || !filter.Matches(rec) {
			return nil
		}
		value, err := e.materialize(rec)
		if err != nil {
			// Corruption is fatal for the affected key only; the scan
			// continues.
			e.access.RecordError()
			e.logger.Warn("skipping undecodable record in query",
				zap.String("key", rec.Key), zap.Error(err))
			return nil
		}
		result.Items[rec.Key] = value
		return nil
	}

	switch {
	case len(filter.Tags) > 0:
		// Candidate set from the first tag's index; the full filter
		// enforces the AND semantics across the remaining tags.
		for _, key := range store.KeysWithTag(filter.Tags[0]) {
			rec, ok := store.Get(key)
			if !ok {
				continue
			}
			if err := collect(rec); err != nil {
				return nil, err
			}
		}

	case filter.MinPriority != nil:
		store.AscendPriority(*filter.MinPriority, func(rec *model.Record) bool {
			_ = collect(rec)
			return true
		})

	default:
		store.AscendCreatedAt(func(rec *model.Record) bool {
			if filter.CreatedBefore != nil && !rec.CreatedAt.Before(*filter.CreatedBefore) {
				return false // past the upper bound, cursor is ordered
			}
			_ = collect(rec)
			return true
		})
	}

	result.Elapsed = time.Since(start)
	e.logger.Debug("query completed",
		zap.Int("scanned", result.Scanned),
		zap.Int("matched", result.Count()),
		zap.Duration("elapsed", result.Elapsed))
	return result, nil
}
