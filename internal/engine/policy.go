package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/JEflyer/CognitionStream-sub000/internal/model"
)

// shouldStoreInMemory is the admission policy: priority records are always
// cached; oversized values never are; everything else is admitted when
// recently or frequently accessed.
func (e *Engine) shouldStoreInMemory(rec *model.Record, now time.Time) bool {
	if rec.Priority > 0 {
		return true
	}
	if rec.SizeBytes > e.cfg.Engine.MaxValueBytes {
		return false
	}
	if now.Sub(rec.LastAccess) <= e.cfg.Engine.RecencyWindow {
		return true
	}
	return rec.AccessCount > e.cfg.Engine.FrequencyThreshold
}

// enforceMemoryLimit evicts until the memory tier is back under capacity,
// lowest priority first, oldest-accessed first among equals.
func (e *Engine) enforceMemoryLimit() {
	evicted := e.mem.EnforceLimit(func(rec *model.Record) {
		e.metrics.MemoryEvictions.Inc()
		e.logger.Debug("evicted from memory tier",
			zap.String("key", rec.Key),
			zap.Int("priority", rec.Priority),
			zap.Time("last_access", rec.LastAccess))
	})
	if evicted > 0 {
		e.publishTierGauges()
	}
}
