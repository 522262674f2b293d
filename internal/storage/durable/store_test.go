package durable_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JEflyer/CognitionStream-sub000/internal/model"
	"github.com/JEflyer/CognitionStream-sub000/internal/storage/durable"
)

func openStore(t *testing.T, dir string) *durable.Store {
	t.Helper()
	s, err := durable.Open(dir, "teststore", durable.Options{}, zap.NewNop())
	require.NoError(t, err)
	return s
}

func makeRecord(key string, value []byte) *model.Record {
	now := time.Now()
	return &model.Record{
		Key:        key,
		Value:      value,
		CreatedAt:  now,
		LastAccess: now,
		SizeBytes:  int64(len(value)),
	}
}

func TestStore_PutGetDelete(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.Put(makeRecord("a", []byte("alpha"))))

	rec, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("alpha"), rec.Value)
	assert.Equal(t, 1, s.Count())

	// Stored records are isolated from caller mutation.
	rec.Value[0] = 'X'
	rec2, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("alpha"), rec2.Value)

	existed, err := s.Delete("a")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, 0, s.Count())

	existed, err = s.Delete("a")
	require.NoError(t, err)
	assert.False(t, existed)

	_, ok = s.Get("a")
	assert.False(t, ok)
}

func TestStore_ReplayAfterReopen(t *testing.T) {
	dir := t.TempDir()

	s := openStore(t, dir)
	require.NoError(t, s.Put(makeRecord("a", []byte("alpha"))))
	require.NoError(t, s.Put(makeRecord("b", []byte("beta"))))
	require.NoError(t, s.Put(makeRecord("a", []byte("alpha-v2"))))
	_, err := s.Delete("b")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2 := openStore(t, dir)
	defer s2.Close()

	// Latest version of "a" survives, tombstoned "b" stays gone.
	rec, ok := s2.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("alpha-v2"), rec.Value)

	_, ok = s2.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 1, s2.Count())
}

func TestStore_ReplaySkipsCorruptedFrame(t *testing.T) {
	dir := t.TempDir()

	s := openStore(t, dir)
	require.NoError(t, s.Put(makeRecord("victim", []byte("first frame"))))
	require.NoError(t, s.Put(makeRecord("survivor", []byte("second frame"))))
	require.NoError(t, s.Close())

	// Flip one payload byte in the first frame, past the length header.
	path := findLog(t, dir)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[10] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s2 := openStore(t, dir)
	defer s2.Close()

	_, ok := s2.Get("victim")
	assert.False(t, ok)

	rec, ok := s2.Get("survivor")
	require.True(t, ok)
	assert.Equal(t, []byte("second frame"), rec.Value)

	stats := s2.Stats()
	assert.Equal(t, uint64(1), stats.CorruptedFrames)
	assert.Positive(t, stats.DeadBytes)
}

func TestStore_ReplayTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()

	s := openStore(t, dir)
	require.NoError(t, s.Put(makeRecord("a", []byte("alpha"))))
	require.NoError(t, s.Close())

	// Simulate a torn final write: a partial header at the tail.
	path := findLog(t, dir)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xAB, 0xCD})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2 := openStore(t, dir)
	defer s2.Close()

	rec, ok := s2.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("alpha"), rec.Value)
	assert.Zero(t, s2.Stats().CorruptedFrames)

	// Writes keep working after the truncation.
	require.NoError(t, s2.Put(makeRecord("b", []byte("beta"))))
	assert.Equal(t, 2, s2.Count())
}

func TestStore_Clear(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.Put(makeRecord("a", []byte("alpha"))))
	require.NoError(t, s.Put(makeRecord("b", []byte("beta"))))

	require.NoError(t, s.Clear())
	assert.Equal(t, 0, s.Count())
	assert.Zero(t, s.FragmentationRatio())

	stats := s.Stats()
	assert.Zero(t, stats.TotalBytes)
	assert.Zero(t, stats.DeadBytes)
}

func TestStore_FragmentationAccounting(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	assert.Zero(t, s.FragmentationRatio())

	require.NoError(t, s.Put(makeRecord("a", []byte("v1"))))
	assert.Zero(t, s.FragmentationRatio())

	// Each overwrite kills the previous frame.
	require.NoError(t, s.Put(makeRecord("a", []byte("v2"))))
	frag := s.FragmentationRatio()
	assert.Greater(t, frag, 0.0)
	assert.Less(t, frag, 1.0)

	require.NoError(t, s.Put(makeRecord("a", []byte("v3"))))
	assert.Greater(t, s.FragmentationRatio(), frag)
}

func TestStore_AscendCreatedAt(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, key := range []string{"third", "first", "second"} {
		offsets := map[string]time.Duration{"first": 0, "second": time.Minute, "third": 2 * time.Minute}
		rec := makeRecord(key, []byte{byte(i)})
		rec.CreatedAt = base.Add(offsets[key])
		require.NoError(t, s.Put(rec))
	}

	var order []string
	s.AscendCreatedAt(func(rec *model.Record) bool {
		order = append(order, rec.Key)
		return true
	})
	assert.Equal(t, []string{"first", "second", "third"}, order)

	// Early stop.
	order = order[:0]
	s.AscendCreatedAt(func(rec *model.Record) bool {
		order = append(order, rec.Key)
		return len(order) < 2
	})
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestStore_AscendPriority(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	for key, prio := range map[string]int{"low": 1, "mid": 5, "high": 9} {
		rec := makeRecord(key, []byte(key))
		rec.Priority = prio
		require.NoError(t, s.Put(rec))
	}

	var keys []string
	s.AscendPriority(5, func(rec *model.Record) bool {
		keys = append(keys, rec.Key)
		return true
	})
	assert.Equal(t, []string{"mid", "high"}, keys)
}

func TestStore_KeysWithTag(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	a := makeRecord("a", []byte("1"))
	a.Tags = []string{"session", "hot"}
	b := makeRecord("b", []byte("2"))
	b.Tags = []string{"session"}
	require.NoError(t, s.Put(a))
	require.NoError(t, s.Put(b))

	assert.ElementsMatch(t, []string{"a", "b"}, s.KeysWithTag("session"))
	assert.ElementsMatch(t, []string{"a"}, s.KeysWithTag("hot"))
	assert.Empty(t, s.KeysWithTag("cold"))

	// Tag index follows overwrites.
	a2 := makeRecord("a", []byte("3"))
	a2.Tags = []string{"cold"}
	require.NoError(t, s.Put(a2))
	assert.ElementsMatch(t, []string{"b"}, s.KeysWithTag("session"))
	assert.ElementsMatch(t, []string{"a"}, s.KeysWithTag("cold"))
}

func TestStore_Export(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.Put(makeRecord("a", []byte("alpha"))))
	require.NoError(t, s.Put(makeRecord("b", []byte("beta"))))

	exported := s.Export()
	require.Len(t, exported, 2)

	// Exported records are copies.
	for _, rec := range exported {
		rec.Value[0] = 'X'
	}
	rec, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("alpha"), rec.Value)
}

func TestStore_Destroy(t *testing.T) {
	dir := t.TempDir()

	s := openStore(t, dir)
	require.NoError(t, s.Put(makeRecord("a", []byte("alpha"))))
	require.NoError(t, s.Destroy())

	matches, err := filepath.Glob(filepath.Join(dir, "teststore-*.log"))
	require.NoError(t, err)
	assert.Empty(t, matches)

	// A fresh open starts from an empty generation.
	s2 := openStore(t, dir)
	defer s2.Close()
	assert.Equal(t, 0, s2.Count())
}

func TestStore_ClosedStoreRejectsWrites(t *testing.T) {
	s := openStore(t, t.TempDir())
	require.NoError(t, s.Close())

	err := s.Put(makeRecord("a", []byte("alpha")))
	assert.Error(t, err)

	_, err = s.Delete("a")
	assert.Error(t, err)

	// Close is idempotent.
	assert.NoError(t, s.Close())
}

func findLog(t *testing.T, dir string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "teststore-*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	return matches[0]
}
