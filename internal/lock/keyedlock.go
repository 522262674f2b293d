package lock

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JEflyer/CognitionStream-sub000/internal/errors"
)

// KeyedLock provides per-key mutual exclusion with FIFO fairness and
// per-acquisition timeouts. A lock-key is an opaque caller-chosen string,
// typically "<operation>:<cache-key>". Table entries exist only while a
// key is held or has waiters, so an idle table holds no memory.
type KeyedLock struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  *zap.Logger

	observer Observer

	acquisitions uint64
	contentions  uint64
	timeouts     uint64
	totalWait    time.Duration
}

// Observer receives lock lifecycle events. Implementations must be fast
// and must not call back into the lock.
type Observer interface {
	Acquired(wait time.Duration, contended bool)
	TimedOut(wait time.Duration)
}

// entry tracks the holder flag and the FIFO wait queue for one lock-key.
// An entry exists iff the key is currently held; waiters are appended in
// arrival order and signalled head-first.
type entry struct {
	queue []*waiter
}

type waiter struct {
	ready   chan struct{}
	granted bool // set under the table mutex when handed the lock
}

// New creates an empty keyed lock table.
func New(logger *zap.Logger) *KeyedLock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyedLock{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// SetObserver installs an event observer. Must be called before the lock
// is shared between goroutines.
func (l *KeyedLock) SetObserver(o Observer) {
	l.observer = o
}

func (l *KeyedLock) observeAcquired(wait time.Duration, contended bool) {
	if l.observer != nil {
		l.observer.Acquired(wait, contended)
	}
}

func (l *KeyedLock) observeTimeout(wait time.Duration) {
	if l.observer != nil {
		l.observer.TimedOut(wait)
	}
}

// Do runs fn while holding the given lock-key. If the key is free the
// caller becomes holder immediately; otherwise it joins the key's FIFO
// queue and blocks until signalled or until timeout elapses. On timeout
// the waiter is removed from the queue, fn never runs, and a LockTimeout
// error is returned; the holder and other waiters are unaffected. The
// lock is always released when fn returns, including on panic.
func (l *KeyedLock) Do(key string, timeout time.Duration, fn func() error) error {
	start := time.Now()

	l.mu.Lock()
	l.acquisitions++
	e, held := l.entries[key]
	if !held {
		l.entries[key] = &entry{}
		l.mu.Unlock()
		l.observeAcquired(0, false)
		return l.runLocked(key, fn)
	}

	l.contentions++
	w := &waiter{ready: make(chan struct{})}
	e.queue = append(e.queue, w)
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		wait := time.Since(start)
		l.mu.Lock()
		l.totalWait += wait
		l.mu.Unlock()
		l.observeAcquired(wait, true)
		return l.runLocked(key, fn)

	case <-timer.C:
		l.mu.Lock()
		if w.granted {
			// Release raced the timer and already handed us the lock;
			// resolve in the caller's favor so the grant is not leaked.
			wait := time.Since(start)
			l.totalWait += wait
			l.mu.Unlock()
			l.observeAcquired(wait, true)
			return l.runLocked(key, fn)
		}
		if e, ok := l.entries[key]; ok {
			for i, qw := range e.queue {
				if qw == w {
					e.queue = append(e.queue[:i], e.queue[i+1:]...)
					break
				}
			}
		}
		l.timeouts++
		waited := time.Since(start)
		l.totalWait += waited
		l.mu.Unlock()

		l.observeTimeout(waited)
		l.logger.Debug("lock acquisition timed out",
			zap.String("lock_key", key),
			zap.Duration("waited", waited))
		return errors.LockTimeout(key, waited.Milliseconds())
	}
}

// TryDo is the non-blocking variant of Do: if the key is currently held it
// returns (false, nil) immediately without queueing, otherwise it runs fn
// as holder and returns (true, fn error).
func (l *KeyedLock) TryDo(key string, fn func() error) (bool, error) {
	l.mu.Lock()
	if _, held := l.entries[key]; held {
		l.mu.Unlock()
		return false, nil
	}
	l.acquisitions++
	l.entries[key] = &entry{}
	l.mu.Unlock()
	l.observeAcquired(0, false)
	return true, l.runLocked(key, fn)
}

// DoMulti acquires every key in keys (de-duplicated, sorted into a total
// order) nested in that order, runs fn holding all of them, and releases
// in reverse acquisition order as the nested calls unwind. The global
// sort order is what prevents circular-wait deadlocks across multi-key
// operations; every composite operation must go through here.
func (l *KeyedLock) DoMulti(keys []string, timeout time.Duration, fn func() error) error {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			uniq = append(uniq, k)
		}
	}
	sort.Strings(uniq)

	var acquire func(i int) error
	acquire = func(i int) error {
		if i == len(uniq) {
			return fn()
		}
		return l.Do(uniq[i], timeout, func() error {
			return acquire(i + 1)
		})
	}
	return acquire(0)
}

// runLocked executes fn and releases the key afterwards, signalling the
// next queued waiter if any.
func (l *KeyedLock) runLocked(key string, fn func() error) error {
	defer l.release(key)
	return fn()
}

func (l *KeyedLock) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return
	}
	if len(e.queue) == 0 {
		delete(l.entries, key)
		return
	}
	next := e.queue[0]
	e.queue = e.queue[1:]
	next.granted = true
	close(next.ready)
}

// IsLocked reports whether the key is currently held. Advisory snapshot
// only; the answer may be stale by the time the caller acts on it.
func (l *KeyedLock) IsLocked(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, held := l.entries[key]
	return held
}

// IsBusy reports whether any lock-key is currently held. Advisory only.
func (l *KeyedLock) IsBusy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries) > 0
}

// Stats is a snapshot of lock table counters.
type Stats struct {
	Acquisitions uint64
	Contentions  uint64
	Timeouts     uint64
	TotalWait    time.Duration
	AverageWait  time.Duration
}

// Stats returns a snapshot of global lock metrics.
func (l *KeyedLock) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{
		Acquisitions: l.acquisitions,
		Contentions:  l.contentions,
		Timeouts:     l.timeouts,
		TotalWait:    l.totalWait,
	}
	if l.acquisitions > 0 {
		s.AverageWait = l.totalWait / time.Duration(l.acquisitions)
	}
	return s
}
