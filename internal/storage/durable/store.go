// Package durable implements the authoritative persistent tier: a
// checksummed append-only record log replayed into an in-memory table with
// secondary indexes over createdAt, priority, tags and sizeBytes.
//
// Every put (including last-access touches) appends a new frame and marks
// the previous frame for the key dead; deletes append tombstones. Dead
// bytes accumulate until the engine rebuilds the store into a fresh
// generation file (compaction).
package durable

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JEflyer/CognitionStream-sub000/internal/errors"
	"github.com/JEflyer/CognitionStream-sub000/internal/model"
	"github.com/JEflyer/CognitionStream-sub000/internal/util"
)

// frame is the on-disk representation of one log entry.
// Wire format: [4-byte little-endian length][json payload][4-byte crc32].
type frame struct {
	Key         string   `json:"key"`
	Value       []byte   `json:"value,omitempty"`
	CreatedAt   int64    `json:"created_at"`
	LastAccess  int64    `json:"last_access"`
	Priority    int      `json:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	TTLMs       int64    `json:"ttl_ms,omitempty"`
	SizeBytes   int64    `json:"size_bytes,omitempty"`
	Compressed  bool     `json:"compressed,omitempty"`
	AccessCount int64    `json:"access_count,omitempty"`
	Tombstone   bool     `json:"tombstone,omitempty"`
}

const frameHeaderLen = 4

// Store is the durable tier for one named record store.
type Store struct {
	mu   sync.RWMutex
	dir  string
	name string
	path string
	file *os.File

	records    map[string]*model.Record
	frameBytes map[string]int64 // live frame size per key, for dead-byte accounting
	idx        *indexes

	totalBytes int64
	deadBytes  int64
	corrupted  uint64

	syncWrites bool
	logger     *zap.Logger
}

// Options configures a store.
type Options struct {
	// SyncWrites fsyncs the log after every append. Slower, stronger
	// durability.
	SyncWrites bool
}

// Open opens (or creates) the named store under dir and replays its log.
// The newest generation file is used; stray generations from an
// interrupted compaction are logged and ignored.
func Open(dir, name string, opts Options, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if name == "" {
		return nil, errors.InvalidArgument("store name is required", nil)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.StoreUnavailable("failed to create store directory", err).
			WithContext("dir", dir)
	}

	path, err := findGeneration(dir, name)
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = generationPath(dir, name)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.StoreUnavailable("failed to open store log", err).
			WithContext("path", path)
	}

	s := &Store{
		dir:        dir,
		name:       name,
		path:       path,
		file:       file,
		records:    make(map[string]*model.Record),
		frameBytes: make(map[string]int64),
		idx:        newIndexes(),
		syncWrites: opts.SyncWrites,
		logger:     logger,
	}

	if err := s.replay(); err != nil {
		file.Close()
		return nil, err
	}

	logger.Info("durable store opened",
		zap.String("name", name),
		zap.String("path", path),
		zap.Int("records", len(s.records)),
		zap.Int64("total_bytes", s.totalBytes),
		zap.Int64("dead_bytes", s.deadBytes))
	return s, nil
}

func generationPath(dir, name string) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s.log", name, uuid.NewString()))
}

// findGeneration returns the newest generation file for the store, or ""
// if none exists yet.
func findGeneration(dir, name string) (string, error) {
	pattern := filepath.Join(dir, name+"-*.log")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", errors.StoreUnavailable("failed to scan store directory", err)
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Slice(matches, func(i, j int) bool {
		fi, errI := os.Stat(matches[i])
		fj, errJ := os.Stat(matches[j])
		if errI != nil || errJ != nil {
			return matches[i] < matches[j]
		}
		return fi.ModTime().Before(fj.ModTime())
	})
	return matches[len(matches)-1], nil
}

// replay rebuilds the in-memory table from the log. Frames failing their
// checksum are skipped (corruption is fatal per record only); a torn
// length prefix at the tail truncates the log to the last good frame.
func (s *Store) replay() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return errors.StoreUnavailable("failed to seek store log", err)
	}

	var offset int64
	header := make([]byte, frameHeaderLen)
	for {
		if _, err := io.ReadFull(s.file, header); err != nil {
			if err == io.EOF {
				break
			}
			// Partial header: torn final write.
			return s.truncateAt(offset)
		}
		length := binary.LittleEndian.Uint32(header)
		if length < 4 || length > 1<<30 {
			s.logger.Warn("implausible frame length, truncating log tail",
				zap.Int64("offset", offset),
				zap.Uint32("length", length))
			return s.truncateAt(offset)
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(s.file, body); err != nil {
			return s.truncateAt(offset)
		}
		frameLen := int64(frameHeaderLen) + int64(length)

		payload, ok := util.ValidateAndStripChecksum(body)
		if !ok {
			s.corrupted++
			s.logger.Warn("skipping corrupted frame",
				zap.Int64("offset", offset))
			s.totalBytes += frameLen
			s.deadBytes += frameLen
			offset += frameLen
			continue
		}

		var f frame
		if err := json.Unmarshal(payload, &f); err != nil {
			s.corrupted++
			s.logger.Warn("skipping undecodable frame",
				zap.Int64("offset", offset), zap.Error(err))
			s.totalBytes += frameLen
			s.deadBytes += frameLen
			offset += frameLen
			continue
		}

		s.apply(&f, frameLen)
		s.totalBytes += frameLen
		offset += frameLen
	}

	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return errors.StoreUnavailable("failed to seek store log", err)
	}
	return nil
}

func (s *Store) truncateAt(offset int64) error {
	s.logger.Warn("truncating torn store log tail", zap.Int64("offset", offset))
	if err := s.file.Truncate(offset); err != nil {
		return errors.StoreUnavailable("failed to truncate store log", err)
	}
	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return errors.StoreUnavailable("failed to seek store log", err)
	}
	return nil
}

// apply folds one replayed frame into the table and accounting.
func (s *Store) apply(f *frame, frameLen int64) {
	if old, ok := s.records[f.Key]; ok {
		s.idx.remove(old)
		s.deadBytes += s.frameBytes[f.Key]
		delete(s.records, f.Key)
		delete(s.frameBytes, f.Key)
	}
	if f.Tombstone {
		s.deadBytes += frameLen
		return
	}
	rec := f.toRecord()
	s.records[f.Key] = rec
	s.frameBytes[f.Key] = frameLen
	s.idx.add(rec)
}

func (f *frame) toRecord() *model.Record {
	return &model.Record{
		Key:         f.Key,
		Value:       f.Value,
		CreatedAt:   time.Unix(0, f.CreatedAt),
		LastAccess:  time.Unix(0, f.LastAccess),
		Priority:    f.Priority,
		Tags:        f.Tags,
		TTL:         time.Duration(f.TTLMs) * time.Millisecond,
		SizeBytes:   f.SizeBytes,
		Compressed:  f.Compressed,
		AccessCount: f.AccessCount,
	}
}

func recordFrame(rec *model.Record) *frame {
	return &frame{
		Key:         rec.Key,
		Value:       rec.Value,
		CreatedAt:   rec.CreatedAt.UnixNano(),
		LastAccess:  rec.LastAccess.UnixNano(),
		Priority:    rec.Priority,
		Tags:        rec.Tags,
		TTLMs:       rec.TTL.Milliseconds(),
		SizeBytes:   rec.SizeBytes,
		Compressed:  rec.Compressed,
		AccessCount: rec.AccessCount,
	}
}

// append writes one frame to the log and returns its on-disk size.
func (s *Store) append(f *frame) (int64, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return 0, errors.InternalError("failed to encode frame", err)
	}
	body := util.AppendChecksum(payload)
	buf := make([]byte, frameHeaderLen+len(body))
	binary.LittleEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[frameHeaderLen:], body)

	if _, err := s.file.Write(buf); err != nil {
		return 0, errors.StoreUnavailable("failed to append to store log", err).
			WithContext("key", f.Key)
	}
	if s.syncWrites {
		if err := s.file.Sync(); err != nil {
			return 0, errors.StoreUnavailable("failed to sync store log", err)
		}
	}
	return int64(len(buf)), nil
}

// Put persists the record, replacing any previous version of the key.
func (s *Store) Put(rec *model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.StoreUnavailable("store is closed", nil)
	}

	n, err := s.append(recordFrame(rec))
	if err != nil {
		return err
	}
	s.totalBytes += n

	if old, ok := s.records[rec.Key]; ok {
		s.idx.remove(old)
		s.deadBytes += s.frameBytes[rec.Key]
	}
	stored := rec.Clone()
	s.records[rec.Key] = stored
	s.frameBytes[rec.Key] = n
	s.idx.add(stored)
	return nil
}

// Get returns a copy of the stored record, if any. Liveness is the
// caller's concern.
func (s *Store) Get(key string) (*model.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Delete removes the key, appending a tombstone so the removal survives
// restart. Returns whether an entry existed.
func (s *Store) Delete(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return false, errors.StoreUnavailable("store is closed", nil)
	}

	old, ok := s.records[key]
	if !ok {
		return false, nil
	}
	n, err := s.append(&frame{Key: key, Tombstone: true})
	if err != nil {
		return false, err
	}
	s.totalBytes += n
	s.deadBytes += n + s.frameBytes[key]
	s.idx.remove(old)
	delete(s.records, key)
	delete(s.frameBytes, key)
	return true, nil
}

// Count returns the number of stored records.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Clear removes every record and resets the log.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.StoreUnavailable("store is closed", nil)
	}
	if err := s.file.Truncate(0); err != nil {
		return errors.StoreUnavailable("failed to truncate store log", err)
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return errors.StoreUnavailable("failed to seek store log", err)
	}
	s.records = make(map[string]*model.Record)
	s.frameBytes = make(map[string]int64)
	s.idx = newIndexes()
	s.totalBytes = 0
	s.deadBytes = 0
	return nil
}

// AscendCreatedAt walks records in ascending createdAt order until fn
// returns false. Records are copies; mutating them does not affect the
// store.
func (s *Store) AscendCreatedAt(fn func(rec *model.Record) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.idx.ascendCreated(func(key string) bool {
		rec, ok := s.records[key]
		if !ok {
			return true
		}
		return fn(rec.Clone())
	})
}

// AscendPriority walks records with priority >= min in ascending priority
// order until fn returns false.
func (s *Store) AscendPriority(min int, fn func(rec *model.Record) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.idx.ascendPriorityFrom(min, func(key string) bool {
		rec, ok := s.records[key]
		if !ok {
			return true
		}
		return fn(rec.Clone())
	})
}

// KeysWithTag returns the keys carrying the given tag, unordered.
func (s *Store) KeysWithTag(tag string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idx.keysWithTag(tag)
}

// Export returns copies of every stored record, for compaction.
func (s *Store) Export() []*model.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	return out
}

// FragmentationRatio estimates wasted log space as dead bytes over total
// bytes appended to the current generation.
func (s *Store) FragmentationRatio() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.totalBytes == 0 {
		return 0
	}
	return float64(s.deadBytes) / float64(s.totalBytes)
}

// StoreStats is a snapshot of store accounting.
type StoreStats struct {
	Records         int
	TotalBytes      int64
	DeadBytes       int64
	CorruptedFrames uint64
	Path            string
}

// Stats returns a snapshot of store accounting.
func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StoreStats{
		Records:         len(s.records),
		TotalBytes:      s.totalBytes,
		DeadBytes:       s.deadBytes,
		CorruptedFrames: s.corrupted,
		Path:            s.path,
	}
}

// Close flushes and closes the log. The store cannot be used afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Sync()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	if err != nil {
		return errors.StoreUnavailable("failed to close store log", err)
	}
	return nil
}

// Destroy closes the store and deletes every generation file for its
// name. Used by compaction to discard the old generation.
func (s *Store) Destroy() error {
	if err := s.Close(); err != nil {
		// Best-effort cleanup continues; log and keep removing files.
		s.logger.Warn("close before destroy failed", zap.Error(err))
	}
	pattern := filepath.Join(s.dir, s.name+"-*.log")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return errors.StoreUnavailable("failed to scan store directory", err)
	}
	for _, m := range matches {
		if !strings.HasPrefix(filepath.Base(m), s.name+"-") {
			continue
		}
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return errors.StoreUnavailable("failed to remove store log", err).
				WithContext("path", m)
		}
	}
	return nil
}
