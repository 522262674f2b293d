package engine_test

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JEflyer/CognitionStream-sub000/internal/config"
	"github.com/JEflyer/CognitionStream-sub000/internal/engine"
	"github.com/JEflyer/CognitionStream-sub000/internal/errors"
	"github.com/JEflyer/CognitionStream-sub000/internal/model"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.StoreName = "enginetest"
	cfg.Storage.InitRetries = 1
	cfg.Engine.MemoryCapacity = 100
	cfg.Engine.MinCapacity = 10
	cfg.Engine.MaxCapacity = 1000
	cfg.Engine.LockTimeout = 2 * time.Second
	return cfg
}

func openEngine(t *testing.T, cfg *config.Config) *engine.Engine {
	t.Helper()
	e := engine.New(cfg, nil, nil, zap.NewNop())
	require.NoError(t, e.Open(context.Background()))
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngine_SetGetRoundTrip(t *testing.T) {
	e := openEngine(t, testConfig(t))

	require.NoError(t, e.Set("greeting", []byte("hello"), model.SetOptions{}))

	value, found, err := e.Get("greeting")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("hello"), value)

	_, found, err = e.Get("absent")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEngine_EmptyKeyRejected(t *testing.T) {
	e := openEngine(t, testConfig(t))

	err := e.Set("", []byte("x"), model.SetOptions{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))

	_, _, err = e.Get("")
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))

	_, err = e.Delete("")
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}

func TestEngine_UnopenedEngineFails(t *testing.T) {
	e := engine.New(testConfig(t), nil, nil, zap.NewNop())

	err := e.Set("k", []byte("v"), model.SetOptions{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeStoreUnavailable, errors.GetCode(err))
	assert.False(t, e.Ready())
}

func TestEngine_CompressedRoundTrip(t *testing.T) {
	e := openEngine(t, testConfig(t))

	original := bytes.Repeat([]byte("compressible payload "), 100)
	require.NoError(t, e.Set("big", original, model.SetOptions{Compress: true}))

	value, found, err := e.Get("big")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, original, value)

	// The stored size reflects the compressed bytes.
	stats := e.Stats()
	assert.Less(t, stats.Durable.TotalBytes, int64(len(original)))
}

func TestEngine_WriteThroughSurvivesReopen(t *testing.T) {
	cfg := testConfig(t)

	e := openEngine(t, cfg)
	require.NoError(t, e.Set("persisted", []byte("value"), model.SetOptions{Priority: 3, Tags: []string{"keep"}}))
	require.NoError(t, e.Close())

	e2 := openEngine(t, cfg)
	value, found, err := e2.Get("persisted")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("value"), value)
}

func TestEngine_TTLExpiry(t *testing.T) {
	e := openEngine(t, testConfig(t))

	require.NoError(t, e.Set("ephemeral", []byte("x"), model.SetOptions{TTL: 20 * time.Millisecond}))
	require.NoError(t, e.Set("durable", []byte("y"), model.SetOptions{}))

	time.Sleep(40 * time.Millisecond)

	// The expired record reads as a miss and is purged from both tiers.
	_, found, err := e.Get("ephemeral")
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, e.Has("ephemeral"))
	assert.Equal(t, 1, e.Stats().Durable.Records)

	_, found, err = e.Get("durable")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestEngine_Delete(t *testing.T) {
	e := openEngine(t, testConfig(t))

	require.NoError(t, e.Set("k", []byte("v"), model.SetOptions{}))

	existed, err := e.Delete("k")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = e.Delete("k")
	require.NoError(t, err)
	assert.False(t, existed)

	_, found, err := e.Get("k")
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, e.Has("k"))
}

func TestEngine_Clear(t *testing.T) {
	e := openEngine(t, testConfig(t))

	for i := 0; i < 5; i++ {
		require.NoError(t, e.Set(fmt.Sprintf("k%d", i), []byte("v"), model.SetOptions{}))
	}
	require.NoError(t, e.Clear())

	stats := e.Stats()
	assert.Zero(t, stats.MemoryEntries)
	assert.Zero(t, stats.Durable.Records)
	assert.Zero(t, stats.Access.Writes)
}

func TestEngine_MemoryAdmission(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.MaxValueBytes = 16
	e := openEngine(t, cfg)

	// Fresh writes sit inside the recency window, so normal values are
	// admitted.
	require.NoError(t, e.Set("small", []byte("tiny"), model.SetOptions{}))
	assert.Equal(t, 1, e.Stats().MemoryEntries)

	// Oversized zero-priority values bypass the memory tier entirely.
	big := bytes.Repeat([]byte("x"), 64)
	require.NoError(t, e.Set("big", big, model.SetOptions{}))
	assert.Equal(t, 1, e.Stats().MemoryEntries)

	// Priority overrides the size limit.
	require.NoError(t, e.Set("big-priority", big, model.SetOptions{Priority: 1}))
	assert.Equal(t, 2, e.Stats().MemoryEntries)

	// All three remain readable through the durable tier.
	for _, key := range []string{"small", "big", "big-priority"} {
		_, found, err := e.Get(key)
		require.NoError(t, err)
		assert.True(t, found, key)
	}
}

func TestEngine_ConcurrentDistinctKeys(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.MemoryCapacity = 32
	cfg.Engine.MinCapacity = 1
	e := openEngine(t, cfg)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("worker%d-key%d", g, i%20)
				assert.NoError(t, e.Set(key, []byte("payload"), model.SetOptions{Priority: g % 3}))
				_, _, err := e.Get(key)
				assert.NoError(t, err)
				if i%50 == 0 {
					_, err := e.Delete(key)
					assert.NoError(t, err)
				}
			}
		}(g)
	}
	wg.Wait()

	s := e.Stats()
	assert.LessOrEqual(t, s.MemoryEntries, 32)
}

func TestEngine_MemoryCapacityInvariant(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.MemoryCapacity = 3
	cfg.Engine.MinCapacity = 1
	e := openEngine(t, cfg)

	for i := 0; i < 10; i++ {
		require.NoError(t, e.Set(fmt.Sprintf("k%d", i), []byte("v"), model.SetOptions{}))
		assert.LessOrEqual(t, e.Stats().MemoryEntries, 3)
	}

	// Every key is still served from the durable tier.
	for i := 0; i < 10; i++ {
		_, found, err := e.Get(fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		assert.True(t, found)
	}
}

func TestEngine_Vacuum(t *testing.T) {
	e := openEngine(t, testConfig(t))

	require.NoError(t, e.Set("e1", []byte("x"), model.SetOptions{TTL: 10 * time.Millisecond}))
	require.NoError(t, e.Set("e2", []byte("y"), model.SetOptions{TTL: 10 * time.Millisecond}))
	require.NoError(t, e.Set("keep", []byte("z"), model.SetOptions{}))

	time.Sleep(30 * time.Millisecond)

	removed, err := e.Vacuum()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, e.Stats().Durable.Records)

	// Idempotent once clean.
	removed, err = e.Vacuum()
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestEngine_QueryByTags(t *testing.T) {
	e := openEngine(t, testConfig(t))

	require.NoError(t, e.Set("a", []byte("1"), model.SetOptions{Tags: []string{"session", "hot"}}))
	require.NoError(t, e.Set("b", []byte("2"), model.SetOptions{Tags: []string{"session"}}))
	require.NoError(t, e.Set("c", []byte("3"), model.SetOptions{Tags: []string{"archive"}}))

	// Single tag.
	res, err := e.Query(model.QueryFilter{Tags: []string{"session"}})
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)
	assert.Contains(t, res.Items, "a")
	assert.Contains(t, res.Items, "b")

	// AND semantics across tags.
	res, err = e.Query(model.QueryFilter{Tags: []string{"session", "hot"}})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, []byte("1"), res.Items["a"])

	res, err = e.Query(model.QueryFilter{Tags: []string{"missing"}})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
}

func TestEngine_QueryByPriority(t *testing.T) {
	e := openEngine(t, testConfig(t))

	require.NoError(t, e.Set("low", []byte("1"), model.SetOptions{Priority: 1}))
	require.NoError(t, e.Set("mid", []byte("2"), model.SetOptions{Priority: 5}))
	require.NoError(t, e.Set("high", []byte("3"), model.SetOptions{Priority: 9}))

	min := 5
	res, err := e.Query(model.QueryFilter{MinPriority: &min})
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)
	assert.Contains(t, res.Items, "mid")
	assert.Contains(t, res.Items, "high")
}

func TestEngine_QueryByTimeRange(t *testing.T) {
	e := openEngine(t, testConfig(t))

	require.NoError(t, e.Set("early", []byte("1"), model.SetOptions{}))
	time.Sleep(5 * time.Millisecond)
	cut := time.Now()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, e.Set("late", []byte("2"), model.SetOptions{}))

	res, err := e.Query(model.QueryFilter{CreatedBefore: &cut})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Contains(t, res.Items, "early")
	// The createdAt cursor stops at the bound instead of scanning on.
	assert.Equal(t, 1, res.Scanned)

	res, err = e.Query(model.QueryFilter{CreatedAfter: &cut})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Contains(t, res.Items, "late")
}

func TestEngine_QueryExcludesExpired(t *testing.T) {
	e := openEngine(t, testConfig(t))

	require.NoError(t, e.Set("gone", []byte("1"), model.SetOptions{TTL: 10 * time.Millisecond, Tags: []string{"t"}}))
	require.NoError(t, e.Set("kept", []byte("2"), model.SetOptions{Tags: []string{"t"}}))

	time.Sleep(30 * time.Millisecond)

	res, err := e.Query(model.QueryFilter{Tags: []string{"t"}})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Contains(t, res.Items, "kept")
}

func TestEngine_CompactReclaimsDeadBytes(t *testing.T) {
	e := openEngine(t, testConfig(t))

	// Overwrites fragment the log.
	for i := 0; i < 10; i++ {
		require.NoError(t, e.Set("hot", []byte(fmt.Sprintf("version-%d", i)), model.SetOptions{}))
	}
	require.NoError(t, e.Set("cold", []byte("stable"), model.SetOptions{}))
	require.NoError(t, e.Set("expired", []byte("x"), model.SetOptions{TTL: 10 * time.Millisecond}))
	time.Sleep(30 * time.Millisecond)

	before := e.Stats().Durable
	assert.Positive(t, before.DeadBytes)

	require.NoError(t, e.Compact())

	after := e.Stats().Durable
	assert.Zero(t, after.DeadBytes)
	assert.Less(t, after.TotalBytes, before.TotalBytes)
	// Live records survive, expired ones are dropped by the rebuild.
	assert.Equal(t, 2, after.Records)

	value, found, err := e.Get("hot")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("version-9"), value)
	assert.True(t, e.Ready())
}

func TestEngine_OptimizeShrinksOnLowHitRate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.MemoryCapacity = 100
	cfg.Engine.MinCapacity = 10
	e := openEngine(t, cfg)

	// All misses push the hit rate to zero.
	for i := 0; i < 20; i++ {
		_, _, err := e.Get(fmt.Sprintf("missing%d", i))
		require.NoError(t, err)
	}

	require.NoError(t, e.Optimize())
	assert.Equal(t, 80, e.Stats().MemoryCapacity)

	// Repeated low hit rate bottoms out at MinCapacity.
	for i := 0; i < 20; i++ {
		require.NoError(t, e.Optimize())
	}
	assert.Equal(t, 10, e.Stats().MemoryCapacity)
}

func TestEngine_OptimizeGrowsOnHighHitRate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.MemoryCapacity = 100
	cfg.Engine.MaxCapacity = 130
	e := openEngine(t, cfg)

	require.NoError(t, e.Set("k", []byte("v"), model.SetOptions{}))
	for i := 0; i < 50; i++ {
		_, found, err := e.Get("k")
		require.NoError(t, err)
		require.True(t, found)
	}

	require.NoError(t, e.Optimize())
	assert.Equal(t, 120, e.Stats().MemoryCapacity)

	// The next adjustment clamps at MaxCapacity.
	require.NoError(t, e.Optimize())
	assert.Equal(t, 130, e.Stats().MemoryCapacity)
}

func TestEngine_OpenIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	e := openEngine(t, cfg)

	require.NoError(t, e.Open(context.Background()))
	assert.True(t, e.Ready())
}

func TestEngine_StatsSnapshot(t *testing.T) {
	e := openEngine(t, testConfig(t))

	require.NoError(t, e.Set("k", []byte("v"), model.SetOptions{}))
	_, _, err := e.Get("k")
	require.NoError(t, err)
	_, _, err = e.Get("missing")
	require.NoError(t, err)

	s := e.Stats()
	assert.Equal(t, uint64(1), s.Access.Writes)
	assert.Equal(t, uint64(1), s.Access.Hits)
	assert.Equal(t, uint64(1), s.Access.Misses)
	assert.InDelta(t, 0.5, s.Access.HitRate, 1e-9)
	assert.Positive(t, s.Locks.Acquisitions)
}
