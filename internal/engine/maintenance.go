package engine

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JEflyer/CognitionStream-sub000/internal/config"
	"github.com/JEflyer/CognitionStream-sub000/internal/errors"
	"github.com/JEflyer/CognitionStream-sub000/internal/model"
	"github.com/JEflyer/CognitionStream-sub000/internal/storage/durable"
	"github.com/JEflyer/CognitionStream-sub000/internal/util/workerpool"
)

// Vacuum removes every expired record from both tiers and returns the
// number of distinct keys removed. The durable sweep walks the createdAt
// cursor rather than an unordered scan.
func (e *Engine) Vacuum() (int, error) {
	start := time.Now()
	var removed int
	err := e.locks.Do(lockVacuum, e.cfg.Engine.LockTimeout, func() error {
		var err error
		removed, err = e.doVacuum()
		return err
	})
	e.finishOp("vacuum", start, err)
	return removed, err
}

func (e *Engine) doVacuum() (int, error) {
	store, err := e.currentStore()
	if err != nil {
		return 0, err
	}
	now := time.Now()

	expired := make(map[string]struct{})
	store.AscendCreatedAt(func(rec *model.Record) bool {
		if !rec.Live(now) {
			expired[rec.Key] = struct{}{}
		}
		return true
	})
	e.mem.Each(func(rec *model.Record) bool {
		if !rec.Live(now) {
			expired[rec.Key] = struct{}{}
		}
		return true
	})

	for key := range expired {
		if _, err := store.Delete(key); err != nil {
			return 0, err
		}
		e.mem.Delete(key)
	}

	if len(expired) > 0 {
		e.metrics.VacuumRemovedTotal.Add(float64(len(expired)))
		e.publishTierGauges()
		e.publishStoreGauges()
		e.logger.Info("vacuum removed expired records", zap.Int("removed", len(expired)))
	}
	return len(expired), nil
}

// Optimize vacuums, recomputes hit rate and recent errors, adjusts the
// memory tier capacity within its configured bounds, and triggers a
// durable-tier compaction when the fragmentation estimate exceeds its
// threshold.
func (e *Engine) Optimize() error {
	start := time.Now()
	err := e.locks.Do(lockOptimize, e.cfg.Engine.LockTimeout, func() error {
		return e.doOptimize()
	})
	e.finishOp("optimize", start, err)
	return err
}

func (e *Engine) doOptimize() error {
	if _, err := e.Vacuum(); err != nil {
		return err
	}

	snap := e.access.Snapshot()
	recentErrors := e.access.RecentErrors(e.lastErrors.Load())
	e.lastErrors.Store(snap.Errors)

	ec := e.cfg.Engine
	capacity := e.mem.Capacity()
	switch {
	case snap.HitRate > ec.GrowHitRate && recentErrors < ec.ErrorThreshold:
		grown := int(float64(capacity) * ec.GrowFactor)
		if grown > ec.MaxCapacity {
			grown = ec.MaxCapacity
		}
		if grown != capacity {
			e.mem.SetCapacity(grown)
			e.metrics.CapacityAdjusted.WithLabelValues("grow").Inc()
			e.logger.Info("memory tier capacity grown",
				zap.Int("from", capacity), zap.Int("to", grown),
				zap.Float64("hit_rate", snap.HitRate))
		}
	case snap.HitRate < ec.ShrinkHitRate || recentErrors >= ec.ErrorThreshold:
		shrunk := int(float64(capacity) * ec.ShrinkFactor)
		if shrunk < ec.MinCapacity {
			shrunk = ec.MinCapacity
		}
		if shrunk != capacity {
			e.mem.SetCapacity(shrunk)
			e.enforceMemoryLimit()
			e.metrics.CapacityAdjusted.WithLabelValues("shrink").Inc()
			e.logger.Info("memory tier capacity shrunk",
				zap.Int("from", capacity), zap.Int("to", shrunk),
				zap.Float64("hit_rate", snap.HitRate),
				zap.Uint64("recent_errors", recentErrors))
		}
	}
	e.publishTierGauges()

	store, err := e.currentStore()
	if err != nil {
		return err
	}
	frag := store.FragmentationRatio()
	if frag > ec.FragmentationThreshold {
		e.logger.Info("fragmentation over threshold, compacting",
			zap.Float64("fragmentation", frag),
			zap.Float64("threshold", ec.FragmentationThreshold))
		return e.Compact()
	}
	return nil
}

// Compact rebuilds the durable tier: exports all live records, discards
// the current store, creates a fresh generation and reinserts them. While
// the rebuild runs the engine has no durable tier and operations fail
// with a retryable condition. A failure mid-swap leaves the engine
// without a durable tier until Compact or Open succeeds again; this
// delete-then-recreate window is an accepted limitation of the design.
func (e *Engine) Compact() error {
	start := time.Now()
	err := e.locks.Do(lockCompact, e.cfg.Engine.LockTimeout, func() error {
		return e.doCompact()
	})
	e.finishOp("compact", start, err)
	return err
}

func (e *Engine) doCompact() error {
	store, err := e.currentStore()
	if err != nil {
		return err
	}
	start := time.Now()
	now := time.Now()

	live := make([]*model.Record, 0, store.Count())
	for _, rec := range store.Export() {
		if rec.Live(now) {
			live = append(live, rec)
		}
	}

	// Two-phase rebuild: from here until the new generation is installed
	// the engine has no durable tier.
	e.store.Store(nil)
	if err := store.Destroy(); err != nil {
		return errors.CompactionFailed("failed to discard old durable tier", err)
	}

	sc := e.cfg.Storage
	fresh, err := durable.Open(sc.DataDir, sc.StoreName,
		durable.Options{SyncWrites: sc.SyncWrites}, e.logger.Named("durable"))
	if err != nil {
		e.logger.Error("compaction left engine without durable tier", zap.Error(err))
		return errors.CompactionFailed("failed to create fresh durable tier", err)
	}
	for _, rec := range live {
		if err := fresh.Put(rec); err != nil {
			fresh.Close()
			return errors.CompactionFailed("failed to reinsert record", err).
				WithContext("key", rec.Key)
		}
	}
	e.store.Store(fresh)

	e.metrics.CompactionsTotal.Inc()
	e.metrics.CompactionDuration.Observe(time.Since(start).Seconds())
	e.publishStoreGauges()
	e.logger.Info("durable tier compacted",
		zap.Int("records", len(live)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// StartMaintenance begins periodic Optimize runs on a background worker
// pool. No-op if maintenance is disabled or already running.
func (e *Engine) StartMaintenance(cfg config.MaintenanceConfig) {
	if !cfg.Enabled || e.maintStop != nil {
		return
	}
	e.maintPool = workerpool.New(workerpool.Config{
		Name:      "maintenance",
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Logger:    e.logger.Named("maintenance"),
	})
	e.maintStop = make(chan struct{})

	go func(stop chan struct{}) {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				task := workerpool.Task{
					ID: "optimize-" + uuid.NewString(),
					Fn: e.Optimize,
				}
				if !e.maintPool.TrySubmit(task) {
					e.logger.Warn("maintenance queue full, skipping cycle")
				}
			}
		}
	}(e.maintStop)

	e.logger.Info("maintenance started", zap.Duration("interval", cfg.Interval))
}

// StopMaintenance stops the scheduler and drains the worker pool.
func (e *Engine) StopMaintenance() {
	if e.maintStop == nil {
		return
	}
	close(e.maintStop)
	e.maintStop = nil
	if e.maintPool != nil {
		if err := e.maintPool.Stop(10 * time.Second); err != nil {
			e.logger.Warn("maintenance pool stop", zap.Error(err))
		}
		e.maintPool = nil
	}
}
