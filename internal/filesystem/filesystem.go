// Package filesystem is the entry point for callers: it resolves URLs to
// backends through an explicit Registry, opens BufferedFiles, optionally
// routes reads through a CachingFileSystem, and clears caches on request.
package filesystem

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/objectfs/fscache/internal/cache"
	"github.com/objectfs/fscache/internal/file"
	"github.com/objectfs/fscache/pkg/errors"
	"github.com/objectfs/fscache/pkg/types"
	"github.com/objectfs/fscache/pkg/utils"
)

// Scope selects which caches ClearCache drops.
type Scope int

const (
	// ScopeMemory drops the in-memory caches of every open handle.
	ScopeMemory Scope = 1 << iota
	// ScopePersistent drops every persistent local copy.
	ScopePersistent

	ScopeAll = ScopeMemory | ScopePersistent
)

func (s Scope) String() string {
	switch s {
	case ScopeMemory:
		return "memory"
	case ScopePersistent:
		return "persistent"
	case ScopeAll:
		return "all"
	default:
		return "none"
	}
}

// ParseScope parses "memory", "persistent" or "all".
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "memory", "mem":
		return ScopeMemory, nil
	case "persistent", "disk":
		return ScopePersistent, nil
	case "all", "":
		return ScopeAll, nil
	}
	return 0, errors.Newf(errors.ErrCodeInvalidConfig, "unknown cache scope %q", s).WithComponent("filesystem")
}

// Config configures a FileSystem.
type Config struct {
	// Defaults fills the zero fields of the options passed to Open.
	Defaults file.Options

	// Store enables persistent caching. With CacheAll every read goes
	// through it; otherwise only URLs with a filecache:: prefix do.
	Store    *cache.PersistentStore
	CacheAll bool
	Partial  bool

	Logger *slog.Logger
}

// FileSystem opens handles on any registered backend.
type FileSystem struct {
	registry *Registry
	config   Config
	logger   *slog.Logger

	mu      sync.Mutex
	handles map[*file.BufferedFile]struct{}
	caching map[types.Backend]*CachingFileSystem
}

// New creates a FileSystem over registry.
func New(registry *Registry, config Config) *FileSystem {
	logger := utils.OrDefault(config.Logger)
	if config.Defaults.Logger == nil {
		config.Defaults.Logger = logger
	}
	return &FileSystem{
		registry: registry,
		config:   config,
		logger:   logger.With("component", "filesystem"),
		handles:  make(map[*file.BufferedFile]struct{}),
		caching:  make(map[types.Backend]*CachingFileSystem),
	}
}

// Store returns the persistent store, or nil.
func (fs *FileSystem) Store() *cache.PersistentStore { return fs.config.Store }

func (fs *FileSystem) withDefaults(opts file.Options) file.Options {
	d := fs.config.Defaults
	if opts.Policy == "" {
		opts.Policy = d.Policy
	}
	if opts.Cache == (cache.Options{}) {
		opts.Cache = d.Cache
	}
	if opts.PartSize == 0 {
		opts.PartSize = d.PartSize
	}
	if opts.Logger == nil {
		opts.Logger = d.Logger
	}
	return opts
}

func (fs *FileSystem) cachingFor(b types.Backend) *CachingFileSystem {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	c, ok := fs.caching[b]
	if !ok {
		c = NewCachingFileSystem(b, fs.config.Store, fs.config.Partial, fs.config.Logger)
		fs.caching[b] = c
	}
	return c
}

// Open opens url in mode. Zero fields of opts take the configured defaults.
func (fs *FileSystem) Open(ctx context.Context, url string, mode file.Mode, opts file.Options) (*file.BufferedFile, error) {
	target, err := fs.registry.Resolve(ctx, url)
	if err != nil {
		return nil, err
	}
	opts = fs.withDefaults(opts)

	var handle *file.BufferedFile
	userClose := opts.OnClose
	opts.OnClose = func(err error) {
		fs.mu.Lock()
		delete(fs.handles, handle)
		fs.mu.Unlock()
		if userClose != nil {
			userClose(err)
		}
	}

	if fs.config.Store != nil && (fs.config.CacheAll || target.Cached) {
		handle, err = fs.cachingFor(target.Backend).Open(ctx, target.Path, mode, opts)
	} else {
		handle, err = file.Open(ctx, target.Backend, target.Path, mode, opts)
	}
	if err != nil {
		return nil, err
	}

	fs.mu.Lock()
	fs.handles[handle] = struct{}{}
	fs.mu.Unlock()
	return handle, nil
}

// OpenHandles returns the number of handles not yet closed.
func (fs *FileSystem) OpenHandles() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.handles)
}

// HandleStats sums the in-memory cache statistics of every open handle.
func (fs *FileSystem) HandleStats() types.CacheStats {
	var total types.CacheStats
	for _, h := range fs.openHandles() {
		s := h.Stats()
		total.Hits += s.Hits
		total.Misses += s.Misses
		total.Evictions += s.Evictions
		total.FetchCalls += s.FetchCalls
		total.BytesFetched += s.BytesFetched
		total.BytesRequested += s.BytesRequested
		total.Entries += s.Entries
		total.Size += s.Size
		total.Capacity += s.Capacity
	}
	return total.Finalize()
}

func (fs *FileSystem) openHandles() []*file.BufferedFile {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]*file.BufferedFile, 0, len(fs.handles))
	for h := range fs.handles {
		out = append(out, h)
	}
	return out
}

// ClearCache drops the caches selected by scope. Open handles keep working
// and refetch on their next read.
func (fs *FileSystem) ClearCache(scope Scope) error {
	if scope&ScopeMemory != 0 {
		handles := fs.openHandles()
		for _, h := range handles {
			h.InvalidateCache()
		}
		fs.logger.Info("in-memory caches cleared", "handles", len(handles))
	}
	if scope&ScopePersistent != 0 && fs.config.Store != nil {
		n, err := fs.config.Store.Clear()
		if err != nil {
			return err
		}
		fs.logger.Info("persistent cache cleared", "entries", n)
	}
	return nil
}

// Info returns the metadata of url.
func (fs *FileSystem) Info(ctx context.Context, url string) (*types.ObjectInfo, error) {
	target, err := fs.registry.Resolve(ctx, url)
	if err != nil {
		return nil, err
	}
	return target.Backend.Info(ctx, target.Path)
}

// Cat returns the whole content of url.
func (fs *FileSystem) Cat(ctx context.Context, url string) ([]byte, error) {
	f, err := fs.Open(ctx, url, file.ModeRead, file.Options{})
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	buf.Grow(int(f.Size()))
	if _, err := io.Copy(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadRanges returns the bytes of each range of url, in request order,
// through one handle so neighbouring ranges share fetched blocks.
func (fs *FileSystem) ReadRanges(ctx context.Context, url string, ranges []types.ByteRange) ([][]byte, error) {
	if len(ranges) == 0 {
		return nil, nil
	}
	span := ranges[0]
	for _, r := range ranges[1:] {
		lo := min(span.Offset, r.Offset)
		hi := max(span.End(), r.End())
		span = types.ByteRange{Offset: lo, Length: hi - lo}
	}

	f, err := fs.Open(ctx, url, file.ModeRead, file.Options{Hint: &span})
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// read in offset order so forward-only policies see a forward scan
	order := make([]int, len(ranges))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case ranges[a].Offset < ranges[b].Offset:
			return -1
		case ranges[a].Offset > ranges[b].Offset:
			return 1
		}
		return 0
	})

	out := make([][]byte, len(ranges))
	for _, i := range order {
		data, err := f.ReadRange(ctx, ranges[i].Offset, ranges[i].Length)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

// Put writes everything from r to url and returns the byte count.
func (fs *FileSystem) Put(ctx context.Context, url string, r io.Reader) (int64, error) {
	f, err := fs.Open(ctx, url, file.ModeWrite, file.Options{})
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if err != nil {
		_ = f.Abort(ctx)
		return n, err
	}
	return n, f.Close()
}

// Delete removes url and any persistent copy of it.
func (fs *FileSystem) Delete(ctx context.Context, url string) error {
	target, err := fs.registry.Resolve(ctx, url)
	if err != nil {
		return err
	}
	if err := target.Backend.Delete(ctx, target.Path); err != nil {
		return err
	}
	if fs.config.Store != nil {
		return fs.config.Store.Invalidate(fs.cachingFor(target.Backend).Identity(target.Path))
	}
	return nil
}
