package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/objectfs/fscache/pkg/errors"
	"github.com/objectfs/fscache/pkg/types"
	"github.com/objectfs/fscache/pkg/utils"
)

const (
	defaultIndexFile = "index.json"
	lockFileName     = ".lock"
	indexVersion     = 1
)

// StoreConfig represents persistent store configuration
type StoreConfig struct {
	Directory      string `yaml:"directory"`
	MaxBytes       int64  `yaml:"max_bytes"`
	MaxEntries     int    `yaml:"max_entries"`
	CheckIntegrity bool   `yaml:"check_integrity"`
	IndexFile      string `yaml:"index_file"`

	Logger *slog.Logger `yaml:"-"`
}

// IndexRecord describes one cached local copy.
type IndexRecord struct {
	SourceIdentity string    `json:"source_identity"`
	VersionToken   string    `json:"version_token"`
	LocalPath      string    `json:"local_path"`
	Size           int64     `json:"size"`
	LastAccess     time.Time `json:"last_access"`
	Checksum       string    `json:"checksum,omitempty"`

	// Sequence is a logical access clock that orders records touched
	// within the same clock tick.
	Sequence uint64 `json:"sequence"`
}

type indexFile struct {
	Version  int            `json:"version"`
	Sequence uint64         `json:"sequence"`
	Records  []*IndexRecord `json:"records"`
}

// FetchFunc writes the complete content of a source to w.
type FetchFunc func(ctx context.Context, w io.Writer) error

// PersistentStore maps (identity, version token) pairs to local copies on
// disk. It owns the copies and a JSON index, evicts least recently used
// unreferenced copies when over budget, and runs at most one fetch per
// identity at a time.
type PersistentStore struct {
	mu     sync.Mutex
	config StoreConfig
	index  map[string]*IndexRecord
	refs   map[string]int
	total  int64
	seq    uint64
	dirty  bool
	closed bool

	group  singleflight.Group
	lock   *dirLock
	logger *slog.Logger

	hits, misses, fills, evictions, corruptions uint64
	bytesFilled                                 int64
}

// OpenStore opens or creates a store in config.Directory. Records whose
// local copies have vanished are dropped, as are leftover temporary files.
func OpenStore(config StoreConfig) (*PersistentStore, error) {
	if config.Directory == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "persistent cache directory is required").
			WithComponent("store")
	}
	if config.IndexFile == "" {
		config.IndexFile = defaultIndexFile
	}
	dir, err := filepath.Abs(config.Directory)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid cache directory").WithComponent("store")
	}
	config.Directory = dir

	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to create cache directory").
			WithComponent("store")
	}

	lock, err := openDirLock(filepath.Join(dir, lockFileName))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to open lock file").WithComponent("store")
	}

	s := &PersistentStore{
		config: config,
		index:  make(map[string]*IndexRecord),
		refs:   make(map[string]int),
		lock:   lock,
		logger: utils.OrDefault(config.Logger).With("component", "store", "directory", dir),
	}

	s.removeTempFiles()
	if err := s.loadIndex(); err != nil {
		_ = lock.close()
		return nil, errors.Wrap(err, errors.ErrCodeCacheCorruption, "failed to load cache index").
			WithComponent("store")
	}
	s.logger.Debug("persistent store opened", "entries", len(s.index), "bytes", s.total)
	return s, nil
}

// GetOrFetch returns the path of a local copy of identity at version,
// fetching it with fetch on a miss. Concurrent callers for the same
// identity share one fetch; the fetch runs under the context of the caller
// that started it, and callers that joined it start a new one if that
// caller goes away. The copy is protected from eviction until release is
// called; release is idempotent.
func (s *PersistentStore) GetOrFetch(ctx context.Context, identity, version string, fetch FetchFunc) (string, func(), error) {
	var lastErr error
	// a record evicted or invalidated between fill and acquire is retried once
	for attempt := 0; attempt < 2; {
		if path, release, ok, err := s.lookup(identity, version); err != nil {
			return "", nil, err
		} else if ok {
			return path, release, nil
		}

		led := false
		ch := s.group.DoChan(identity, func() (interface{}, error) {
			led = true
			return nil, s.fill(ctx, identity, version, fetch)
		})
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil && !led && isContextError(res.Err) && ctx.Err() == nil {
				s.logger.Debug("shared fetch cancelled by its leader, retrying", "identity", identity)
				continue
			}
			if res.Err != nil {
				return "", nil, res.Err
			}
		}
		attempt++

		if path, release, ok := s.acquire(identity, version); ok {
			return path, release, nil
		}
		lastErr = errors.Newf(errors.ErrCodeCacheCorruption, "entry for %s vanished after fill", identity).
			WithComponent("store").
			WithOperation("get_or_fetch")
		s.logger.Warn("cache entry lost after fill, retrying", "identity", identity)
	}
	return "", nil, lastErr
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// lookup serves a hit. A copy that is missing or fails verification is
// dropped and reported as a miss.
func (s *PersistentStore) lookup(identity, version string) (string, func(), bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", nil, false, errors.New(errors.ErrCodeHandleClosed, "store is closed").WithComponent("store")
	}
	rec, ok := s.index[identity]
	if !ok || rec.VersionToken != version {
		s.misses++
		if ok {
			s.logger.Debug("stale cache entry", "identity", identity, "cached", rec.VersionToken, "current", version)
		}
		s.mu.Unlock()
		return "", nil, false, nil
	}
	snapshot := *rec
	s.refs[identity]++
	s.mu.Unlock()

	if err := s.verify(&snapshot); err != nil {
		s.mu.Lock()
		s.decRefLocked(identity)
		s.misses++
		if errors.Is(err, errors.ErrCacheCorruption) {
			s.corruptions++
			s.logger.Warn("cached copy failed verification", "identity", identity, "error", err)
		}
		if cur := s.index[identity]; cur != nil && cur.LocalPath == snapshot.LocalPath && cur.Sequence == snapshot.Sequence {
			s.dropLocked(identity)
		}
		s.mu.Unlock()
		return "", nil, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.index[identity]; cur != nil && cur.VersionToken == version {
		s.touchLocked(cur)
	}
	s.hits++
	return snapshot.LocalPath, s.releaser(identity), true, nil
}

// acquire takes a reference on a record that a fill just produced.
func (s *PersistentStore) acquire(identity, version string) (string, func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.index[identity]
	if !ok || rec.VersionToken != version {
		return "", nil, false
	}
	s.refs[identity]++
	s.touchLocked(rec)
	return rec.LocalPath, s.releaser(identity), true
}

func (s *PersistentStore) releaser(identity string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.decRefLocked(identity)
			s.mu.Unlock()
		})
	}
}

func (s *PersistentStore) decRefLocked(identity string) {
	if s.refs[identity] <= 1 {
		delete(s.refs, identity)
		return
	}
	s.refs[identity]--
}

func (s *PersistentStore) touchLocked(rec *IndexRecord) {
	s.seq++
	rec.Sequence = s.seq
	rec.LastAccess = time.Now()
	s.dirty = true
}

func (s *PersistentStore) verify(rec *IndexRecord) error {
	st, err := os.Stat(rec.LocalPath)
	if err != nil {
		return err
	}
	if st.Size() != rec.Size {
		return errors.Newf(errors.ErrCodeCacheCorruption, "size %d, index says %d", st.Size(), rec.Size).
			WithComponent("store")
	}
	if !s.config.CheckIntegrity || rec.Checksum == "" {
		return nil
	}
	sum, err := fileChecksum(rec.LocalPath)
	if err != nil {
		return err
	}
	if sum != rec.Checksum {
		return errors.New(errors.ErrCodeCacheCorruption, "checksum mismatch").
			WithComponent("store").
			WithDetail("expected", rec.Checksum).
			WithDetail("actual", sum)
	}
	return nil
}

type countingWriter struct{ n int64 }

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}

// fill materialises a fresh copy: fetch into a temporary file, fsync,
// rename over the final path, then replace the index record.
func (s *PersistentStore) fill(ctx context.Context, identity, version string, fetch FetchFunc) error {
	tmp := filepath.Join(s.config.Directory, uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "failed to create temporary file").WithComponent("store")
	}

	hash := sha256.New()
	counter := &countingWriter{}
	if err := fetch(ctx, io.MultiWriter(f, hash, counter)); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errors.Wrap(err, errors.ErrCodeInternalError, "failed to sync cached copy").WithComponent("store")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, errors.ErrCodeInternalError, "failed to close cached copy").WithComponent("store")
	}

	final := s.dataPath(identity)
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, errors.ErrCodeInternalError, "failed to install cached copy").WithComponent("store")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.index[identity]; ok {
		s.total -= old.Size
	}
	s.seq++
	s.index[identity] = &IndexRecord{
		SourceIdentity: identity,
		VersionToken:   version,
		LocalPath:      final,
		Size:           counter.n,
		LastAccess:     time.Now(),
		Checksum:       hex.EncodeToString(hash.Sum(nil)),
		Sequence:       s.seq,
	}
	s.total += counter.n
	s.fills++
	s.bytesFilled += counter.n
	s.logger.Debug("cached copy filled", "identity", identity, "size", counter.n, "version", version)

	s.evictLocked(identity)
	s.dirty = true
	return s.saveIndexLocked()
}

func (s *PersistentStore) overBudgetLocked() bool {
	if s.config.MaxBytes > 0 && s.total > s.config.MaxBytes {
		return true
	}
	return s.config.MaxEntries > 0 && len(s.index) > s.config.MaxEntries
}

// evictLocked drops least recently used unreferenced records, never keep,
// until the store is within budget.
func (s *PersistentStore) evictLocked(keep string) {
	if !s.overBudgetLocked() {
		return
	}

	candidates := make([]*IndexRecord, 0, len(s.index))
	for id, rec := range s.index {
		if id != keep && s.refs[id] == 0 {
			candidates = append(candidates, rec)
		}
	}
	slices.SortFunc(candidates, func(a, b *IndexRecord) int {
		if c := a.LastAccess.Compare(b.LastAccess); c != 0 {
			return c
		}
		return compareUint64(a.Sequence, b.Sequence)
	})

	for _, rec := range candidates {
		if !s.overBudgetLocked() {
			return
		}
		s.logger.Debug("evicting cached copy", "identity", rec.SourceIdentity, "size", rec.Size)
		s.dropLocked(rec.SourceIdentity)
		s.evictions++
	}
	if s.overBudgetLocked() {
		s.logger.Warn("persistent cache over budget, remaining entries are in use",
			"bytes", s.total, "max_bytes", s.config.MaxBytes, "entries", len(s.index))
	}
}

func compareUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (s *PersistentStore) dropLocked(identity string) {
	rec, ok := s.index[identity]
	if !ok {
		return
	}
	if err := os.Remove(rec.LocalPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove cached copy", "path", rec.LocalPath, "error", err)
	}
	delete(s.index, identity)
	s.total -= rec.Size
	s.dirty = true
}

// Invalidate drops the record for identity. Handles that already opened the
// copy keep reading it.
func (s *PersistentStore) Invalidate(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[identity]; !ok {
		return nil
	}
	s.dropLocked(identity)
	return s.saveIndexLocked()
}

// Clear drops every record and returns how many were removed.
func (s *PersistentStore) Clear() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.index)
	for id := range s.index {
		s.dropLocked(id)
	}
	return n, s.saveIndexLocked()
}

// Records returns a snapshot of the index ordered by identity.
func (s *PersistentStore) Records() []IndexRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]IndexRecord, 0, len(s.index))
	for _, rec := range s.index {
		out = append(out, *rec)
	}
	slices.SortFunc(out, func(a, b IndexRecord) int { return strings.Compare(a.SourceIdentity, b.SourceIdentity) })
	return out
}

// Refs returns the number of live references on identity.
func (s *PersistentStore) Refs(identity string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs[identity]
}

// Stats returns store statistics. FetchCalls counts fills.
func (s *PersistentStore) Stats() types.CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.CacheStats{
		Hits:         s.hits,
		Misses:       s.misses,
		Evictions:    s.evictions,
		FetchCalls:   s.fills,
		BytesFetched: s.bytesFilled,
		Entries:      len(s.index),
		Size:         s.total,
		Capacity:     s.config.MaxBytes,
	}.Finalize()
}

// Corruptions returns how many cached copies failed verification.
func (s *PersistentStore) Corruptions() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.corruptions
}

// Directory returns the absolute store directory.
func (s *PersistentStore) Directory() string { return s.config.Directory }

// Close saves the index and releases the directory lock. Calling Close
// again is a no-op.
func (s *PersistentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.saveIndexLocked()
	if cerr := s.lock.close(); err == nil {
		err = cerr
	}
	return err
}

func (s *PersistentStore) dataPath(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return filepath.Join(s.config.Directory, hex.EncodeToString(sum[:])+".data")
}

func (s *PersistentStore) indexPath() (string, error) {
	return utils.SecureJoin(s.config.Directory, s.config.IndexFile)
}

func (s *PersistentStore) removeTempFiles() {
	matches, _ := filepath.Glob(filepath.Join(s.config.Directory, "*.tmp"))
	for _, m := range matches {
		_ = os.Remove(m)
	}
}

func (s *PersistentStore) loadIndex() error {
	indexPath, err := s.indexPath()
	if err != nil {
		return err
	}

	data, err := os.ReadFile(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		s.logger.Warn("discarding unreadable cache index", "error", err)
		return nil
	}
	if idx.Version != indexVersion {
		return fmt.Errorf("unsupported index version %d", idx.Version)
	}

	s.seq = idx.Sequence
	for _, rec := range idx.Records {
		if rec == nil || rec.SourceIdentity == "" {
			continue
		}
		// copies are only ever created directly inside the store directory
		if filepath.Dir(rec.LocalPath) != s.config.Directory {
			continue
		}
		if _, err := os.Stat(rec.LocalPath); err != nil {
			s.dirty = true
			continue
		}
		s.index[rec.SourceIdentity] = rec
		s.total += rec.Size
		s.seq = max(s.seq, rec.Sequence)
	}
	return nil
}

// saveIndexLocked rewrites the index through a temporary file and rename,
// holding the directory lock.
func (s *PersistentStore) saveIndexLocked() error {
	if !s.dirty {
		return nil
	}
	indexPath, err := s.indexPath()
	if err != nil {
		return err
	}

	idx := indexFile{Version: indexVersion, Sequence: s.seq, Records: make([]*IndexRecord, 0, len(s.index))}
	for _, rec := range s.index {
		idx.Records = append(idx.Records, rec)
	}
	slices.SortFunc(idx.Records, func(a, b *IndexRecord) int { return compareUint64(a.Sequence, b.Sequence) })

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "failed to encode cache index").WithComponent("store")
	}

	unlock := s.lock.acquire(s.logger)
	defer unlock()

	tmpPath := indexPath + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "failed to write cache index").WithComponent("store")
	}
	if err := os.Rename(tmpPath, indexPath); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, errors.ErrCodeInternalError, "failed to replace cache index").WithComponent("store")
	}
	s.dirty = false
	return nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
