// Package engine implements the tiered storage engine: a bounded memory
// tier with admission/eviction policy in front of an authoritative
// durable tier, with every operation serialized through a keyed lock.
//
// Isolation is deliberately weak across operation kinds: "read:"+key,
// "write:"+key and "delete:"+key are distinct lock-keys, so a concurrent
// read and write of the same logical key are not mutually excluded. Two
// sets (or two gets) of the same key do serialize. This is not full
// per-key linearizability; the durable tier stays consistent because
// each individual append is atomic.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JEflyer/CognitionStream-sub000/internal/compress"
	"github.com/JEflyer/CognitionStream-sub000/internal/config"
	"github.com/JEflyer/CognitionStream-sub000/internal/errors"
	"github.com/JEflyer/CognitionStream-sub000/internal/lock"
	"github.com/JEflyer/CognitionStream-sub000/internal/metrics"
	"github.com/JEflyer/CognitionStream-sub000/internal/model"
	"github.com/JEflyer/CognitionStream-sub000/internal/stats"
	"github.com/JEflyer/CognitionStream-sub000/internal/storage/durable"
	"github.com/JEflyer/CognitionStream-sub000/internal/storage/memtier"
	"github.com/JEflyer/CognitionStream-sub000/internal/util/workerpool"
)

// Fixed lock-keys for whole-engine operations.
const (
	lockClear    = "clear"
	lockQuery    = "query"
	lockVacuum   = "vacuum"
	lockOptimize = "optimize"
	lockCompact  = "compact"
)

// Engine is the tiered storage engine.
type Engine struct {
	cfg     *config.Config
	locks   *lock.KeyedLock
	mem     *memtier.Tier
	store   atomic.Pointer[durable.Store]
	access  *stats.Accumulator
	metrics *metrics.Metrics
	codec   compress.Codec
	logger  *zap.Logger

	initGroup singleflight.Group
	opened    atomic.Bool

	// error counter snapshot taken at the previous Optimize run, used to
	// derive the recent-error delta for adaptive sizing
	lastErrors atomic.Uint64

	maintPool *workerpool.Pool
	maintStop chan struct{}
}

// lockObserver mirrors keyed-lock events into Prometheus.
type lockObserver struct {
	m *metrics.Metrics
}

func (o lockObserver) Acquired(wait time.Duration, contended bool) {
	o.m.LockAcquisitionsTotal.Inc()
	if contended {
		o.m.LockContentionsTotal.Inc()
	}
	o.m.LockWaitDuration.Observe(wait.Seconds())
}

func (o lockObserver) TimedOut(wait time.Duration) {
	o.m.LockTimeoutsTotal.Inc()
	o.m.LockWaitDuration.Observe(wait.Seconds())
}

// New creates an engine. Open must be called before any operation.
// A nil codec falls back to gzip; nil metrics register against a private
// registry.
func New(cfg *config.Config, codec compress.Codec, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if codec == nil {
		codec = compress.NewGzip()
	}
	if m == nil {
		m = metrics.New(prometheus.NewRegistry())
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	locks := lock.New(logger.Named("lock"))
	locks.SetObserver(lockObserver{m: m})

	return &Engine{
		cfg:     cfg,
		locks:   locks,
		mem:     memtier.New(cfg.Engine.MemoryCapacity),
		access:  stats.New(stats.DefaultWindowSize),
		metrics: m,
		codec:   codec,
		logger:  logger,
	}
}

// Open opens the durable tier with bounded retries and backoff between
// attempts. Concurrent calls share a single in-flight attempt. Exhausting
// the retries is fatal to the engine instance: it stays unusable until
// Open succeeds.
func (e *Engine) Open(ctx context.Context) error {
	if e.opened.Load() {
		return nil
	}
	_, err, _ := e.initGroup.Do("init", func() (interface{}, error) {
		if e.opened.Load() {
			return nil, nil
		}
		return nil, e.openStore(ctx)
	})
	return err
}

func (e *Engine) openStore(ctx context.Context) error {
	sc := e.cfg.Storage
	var lastErr error
	for attempt := 1; attempt <= sc.InitRetries; attempt++ {
		store, err := durable.Open(sc.DataDir, sc.StoreName,
			durable.Options{SyncWrites: sc.SyncWrites}, e.logger.Named("durable"))
		if err == nil {
			e.store.Store(store)
			e.opened.Store(true)
			e.publishStoreGauges()
			return nil
		}
		lastErr = err
		e.logger.Warn("durable tier open failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", sc.InitRetries),
			zap.Error(err))
		if attempt == sc.InitRetries {
			break
		}
		select {
		case <-ctx.Done():
			return errors.InitFailed(attempt, ctx.Err())
		case <-time.After(sc.InitRetryDelay * time.Duration(attempt)):
		}
	}
	return errors.InitFailed(sc.InitRetries, lastErr)
}

// currentStore returns the durable tier, or an error while the store is
// absent (never opened, closed, or mid-compaction).
func (e *Engine) currentStore() (*durable.Store, error) {
	s := e.store.Load()
	if s == nil {
		if e.opened.Load() {
			return nil, errors.CompactionInProgress()
		}
		return nil, errors.StoreUnavailable("engine is not initialized", nil)
	}
	return s, nil
}

// Ready reports whether the engine can serve requests right now. It is
// false before Open, after Close, and during a compaction swap.
func (e *Engine) Ready() bool {
	return e.opened.Load() && e.store.Load() != nil
}

// Set stores the value under key, write-through: the durable tier is
// updated on every write regardless of memory admission. Success is
// returned only after the durable write is acknowledged.
func (e *Engine) Set(key string, value []byte, opts model.SetOptions) error {
	if key == "" {
		return errors.InvalidArgument("key must not be empty", nil)
	}
	start := time.Now()
	err := e.locks.Do("write:"+key, e.cfg.Engine.LockTimeout, func() error {
		return e.doSet(key, value, opts)
	})
	e.finishOp("set", start, err)
	return err
}

func (e *Engine) doSet(key string, value []byte, opts model.SetOptions) error {
	store, err := e.currentStore()
	if err != nil {
		return err
	}

	stored := value
	compressed := false
	if opts.Compress {
		c, err := e.codec.Compress(value)
		if err != nil {
			return errors.InternalError("compression failed", err).
				WithContext("key", key)
		}
		stored = c
		compressed = true
	}

	now := time.Now()
	rec := &model.Record{
		Key:         key,
		Value:       stored,
		CreatedAt:   now,
		LastAccess:  now,
		Priority:    opts.Priority,
		Tags:        opts.Tags,
		TTL:         opts.TTL,
		SizeBytes:   int64(len(stored)),
		Compressed:  compressed,
		AccessCount: 0,
	}

	if err := store.Put(rec); err != nil {
		return err
	}
	if e.shouldStoreInMemory(rec, now) {
		e.mem.Put(rec.Clone())
		e.enforceMemoryLimit()
	}
	e.access.RecordWrite()
	e.publishTierGauges()
	e.publishStoreGauges()
	return nil
}

// Get returns the value for key, or ok=false if absent or expired.
// Compressed values are transparently decompressed. Expired records found
// along the way are removed from both tiers.
func (e *Engine) Get(key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, errors.InvalidArgument("key must not be empty", nil)
	}
	start := time.Now()
	var value []byte
	var found bool
	err := e.locks.Do("read:"+key, e.cfg.Engine.LockTimeout, func() error {
		var err error
		value, found, err = e.doGet(key)
		return err
	})
	e.finishOp("get", start, err)
	return value, found, err
}

func (e *Engine) doGet(key string) ([]byte, bool, error) {
	store, err := e.currentStore()
	if err != nil {
		return nil, false, err
	}
	now := time.Now()

	if rec, ok := e.mem.Touch(key, now); ok {
		if !rec.Live(now) {
			e.mem.Delete(key)
			if _, err := store.Delete(key); err != nil {
				e.logger.Warn("failed to delete expired record", zap.String("key", key), zap.Error(err))
			}
			e.access.RecordMiss()
			e.metrics.TierMissesTotal.WithLabelValues("memory").Inc()
			e.publishTierGauges()
			return nil, false, nil
		}
		e.access.RecordHit()
		e.metrics.TierHitsTotal.WithLabelValues("memory").Inc()
		value, err := e.materialize(rec)
		if err != nil {
			return nil, false, err
		}
		return value, true, nil
	}
	e.metrics.TierMissesTotal.WithLabelValues("memory").Inc()

	rec, ok := store.Get(key)
	if !ok {
		e.access.RecordMiss()
		e.metrics.TierMissesTotal.WithLabelValues("durable").Inc()
		return nil, false, nil
	}
	if !rec.Live(now) {
		if _, err := store.Delete(key); err != nil {
			e.logger.Warn("failed to delete expired record", zap.String("key", key), zap.Error(err))
		}
		e.access.RecordMiss()
		e.metrics.TierMissesTotal.WithLabelValues("durable").Inc()
		e.publishStoreGauges()
		return nil, false, nil
	}

	rec.LastAccess = now
	rec.AccessCount++
	if err := store.Put(rec); err != nil {
		e.logger.Warn("failed to persist access update", zap.String("key", key), zap.Error(err))
	}
	if e.shouldStoreInMemory(rec, now) {
		e.mem.Put(rec.Clone())
		e.enforceMemoryLimit()
		e.publishTierGauges()
	}
	e.access.RecordHit()
	e.metrics.TierHitsTotal.WithLabelValues("durable").Inc()
	value, err := e.materialize(rec)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// materialize decompresses the record value if needed.
func (e *Engine) materialize(rec *model.Record) ([]byte, error) {
	if !rec.Compressed {
		return rec.Value, nil
	}
	value, err := e.codec.Decompress(rec.Value)
	if err != nil {
		return nil, errors.CorruptedData("failed to decompress stored value", err).
			WithContext("key", rec.Key)
	}
	return value, nil
}

// Delete removes key from both tiers. Returns whether a durable entry
// existed.
func (e *Engine) Delete(key string) (bool, error) {
	if key == "" {
		return false, errors.InvalidArgument("key must not be empty", nil)
	}
	start := time.Now()
	var existed bool
	err := e.locks.Do("delete:"+key, e.cfg.Engine.LockTimeout, func() error {
		store, err := e.currentStore()
		if err != nil {
			return err
		}
		e.mem.Delete(key)
		existed, err = store.Delete(key)
		if err != nil {
			return err
		}
		e.access.RecordDelete()
		e.publishTierGauges()
		e.publishStoreGauges()
		return nil
	})
	e.finishOp("delete", start, err)
	return existed, err
}

// Has reports whether a live record exists for key. Best-effort: it is
// not serialized against concurrent writers and may race with them.
func (e *Engine) Has(key string) bool {
	now := time.Now()
	if rec, ok := e.mem.Get(key); ok {
		return rec.Live(now)
	}
	store := e.store.Load()
	if store == nil {
		return false
	}
	rec, ok := store.Get(key)
	return ok && rec.Live(now)
}

// Clear empties both tiers and resets derived statistics.
func (e *Engine) Clear() error {
	start := time.Now()
	err := e.locks.Do(lockClear, e.cfg.Engine.LockTimeout, func() error {
		store, err := e.currentStore()
		if err != nil {
			return err
		}
		e.mem.Clear()
		if err := store.Clear(); err != nil {
			return err
		}
		e.access.Reset()
		e.lastErrors.Store(0)
		e.publishTierGauges()
		e.publishStoreGauges()
		return nil
	})
	e.finishOp("clear", start, err)
	return err
}

// finishOp records latency and error accounting shared by every public
// operation.
func (e *Engine) finishOp(op string, start time.Time, err error) {
	elapsed := time.Since(start)
	e.access.ObserveLatency(elapsed)
	e.metrics.OperationsTotal.WithLabelValues(op).Inc()
	e.metrics.OperationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	if err != nil {
		e.access.RecordError()
		e.metrics.ErrorsTotal.WithLabelValues(op).Inc()
	}
}

func (e *Engine) publishTierGauges() {
	e.metrics.MemoryTierEntries.Set(float64(e.mem.Len()))
	e.metrics.MemoryTierCapacity.Set(float64(e.mem.Capacity()))
}

func (e *Engine) publishStoreGauges() {
	store := e.store.Load()
	if store == nil {
		return
	}
	st := store.Stats()
	e.metrics.DurableRecords.Set(float64(st.Records))
	e.metrics.DurableTotalBytes.Set(float64(st.TotalBytes))
	e.metrics.DurableDeadBytes.Set(float64(st.DeadBytes))
}

// EngineStats aggregates tier, access and lock statistics.
type EngineStats struct {
	MemoryEntries  int
	MemoryCapacity int
	Durable        durable.StoreStats
	Access         stats.Snapshot
	Locks          lock.Stats
}

// Stats returns a best-effort snapshot of engine state.
func (e *Engine) Stats() EngineStats {
	s := EngineStats{
		MemoryEntries:  e.mem.Len(),
		MemoryCapacity: e.mem.Capacity(),
		Access:         e.access.Snapshot(),
		Locks:          e.locks.Stats(),
	}
	if store := e.store.Load(); store != nil {
		s.Durable = store.Stats()
	}
	return s
}

// Locks exposes the engine's keyed lock table, for callers that need to
// coordinate composite operations with engine lock-keys.
func (e *Engine) Locks() *lock.KeyedLock {
	return e.locks
}

// Close stops maintenance and closes the durable tier.
func (e *Engine) Close() error {
	e.StopMaintenance()
	store := e.store.Swap(nil)
	e.opened.Store(false)
	if store == nil {
		return nil
	}
	return store.Close()
}
