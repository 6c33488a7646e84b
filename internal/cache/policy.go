package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/objectfs/fscache/internal/blockfetch"
	"github.com/objectfs/fscache/pkg/errors"
	"github.com/objectfs/fscache/pkg/types"
	"github.com/objectfs/fscache/pkg/utils"
)

// Policy decides, per read, which bytes of one source are already resident
// and which must be fetched. A Policy belongs to a single file handle and is
// not safe for concurrent use.
type Policy interface {
	// Read returns the bytes of [offset, offset+length) clamped to the
	// source size. The returned slice is owned by the caller.
	Read(ctx context.Context, offset, length int64) ([]byte, error)

	// Invalidate drops everything resident.
	Invalidate()

	// EvictIf drops resident units whose byte range satisfies pred and
	// returns how many were dropped.
	EvictIf(pred func(types.ByteRange) bool) int

	Stats() types.CacheStats
	Close() error
}

// Kind selects a Policy implementation.
type Kind string

const (
	KindWholeFile Kind = "wholefile"
	KindMMap      Kind = "mmap"
	KindBytes     Kind = "bytes"
	KindReadAhead Kind = "readahead"
	KindFirstLast Kind = "firstlast"
	KindNone      Kind = "none"
)

// Kinds lists every supported policy kind.
var Kinds = []Kind{KindWholeFile, KindMMap, KindBytes, KindReadAhead, KindFirstLast, KindNone}

var kindAliases = map[string]Kind{
	"all":        KindWholeFile,
	"whole":      KindWholeFile,
	"rolling":    KindBytes,
	"blockcache": KindReadAhead,
	"block":      KindReadAhead,
	"first":      KindFirstLast,
	"nocache":    KindNone,
}

// ParseKind resolves a policy name. The empty string selects KindReadAhead.
func ParseKind(name string) (Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return KindReadAhead, nil
	}
	for _, k := range Kinds {
		if string(k) == name {
			return k, nil
		}
	}
	if k, ok := kindAliases[name]; ok {
		return k, nil
	}
	return "", errors.Newf(errors.ErrCodeInvalidConfig, "unknown cache policy %q", name).
		WithComponent("cache")
}

// Options configures every policy kind. Fields a kind does not use are
// ignored.
type Options struct {
	// BlockSize is the fetch granularity for block-based policies.
	BlockSize int64 `yaml:"block_size"`

	// MaxBlocks bounds resident blocks in ReadAhead and FirstLastBlocks.
	MaxBlocks int `yaml:"max_blocks"`

	// MaxBytes bounds resident bytes in ReadAhead and FirstLastBlocks.
	MaxBytes int64 `yaml:"max_bytes"`

	// MaxWholeFileBytes is the WholeFile ceiling. Zero means unlimited.
	MaxWholeFileBytes int64 `yaml:"max_whole_file_bytes"`

	// WindowSize bounds the RollingWindow buffer. Zero uses BlockSize.
	WindowSize int64 `yaml:"window_size"`

	CoalesceGap      int64 `yaml:"coalesce_gap"`
	FetchConcurrency int   `yaml:"fetch_concurrency"`
	Prefetch         bool  `yaml:"prefetch"`

	// ScratchDir holds MemoryMapped scratch files. Empty uses os.TempDir.
	ScratchDir string `yaml:"scratch_dir"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		BlockSize:         blockfetch.DefaultBlockSize,
		MaxBlocks:         32,
		MaxBytes:          256 << 20,
		MaxWholeFileBytes: 1 << 30,
		Prefetch:          true,
		FetchConcurrency:  4,
	}
}

func (o Options) withDefaults() Options {
	if o.BlockSize <= 0 {
		o.BlockSize = blockfetch.DefaultBlockSize
	}
	if o.MaxBlocks <= 0 {
		o.MaxBlocks = 32
	}
	if o.WindowSize <= 0 {
		o.WindowSize = o.BlockSize
	}
	o.Logger = utils.OrDefault(o.Logger)
	return o
}

func (o Options) fetcher(source types.ByteSource, size int64) *blockfetch.Fetcher {
	return blockfetch.New(source, size, blockfetch.Config{
		BlockSize:      o.BlockSize,
		CoalesceGap:    o.CoalesceGap,
		MaxConcurrency: o.FetchConcurrency,
	}, o.Logger)
}

// New creates the policy of the given kind over a source of known size.
func New(kind Kind, source types.ByteSource, size int64, opts Options) (Policy, error) {
	if size < 0 {
		return nil, errors.Newf(errors.ErrCodeOutOfRange, "negative source size %d", size).WithComponent("cache")
	}
	opts = opts.withDefaults()

	switch kind {
	case KindWholeFile:
		return NewWholeFile(source, size, opts)
	case KindMMap:
		return NewMemoryMapped(source, size, opts)
	case KindBytes:
		return NewRollingWindow(source, size, opts), nil
	case KindReadAhead, "":
		return NewReadAhead(source, size, opts), nil
	case KindFirstLast:
		return NewFirstLast(source, size, opts), nil
	case KindNone:
		return NewNoCache(source, size, opts), nil
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown cache policy %q", kind).WithComponent("cache")
	}
}

// request validates a read and clamps it to size.
func request(offset, length, size int64) (types.ByteRange, error) {
	if offset < 0 || length < 0 {
		return types.ByteRange{}, errors.New(errors.ErrCodeOutOfRange,
			fmt.Sprintf("invalid read offset=%d length=%d", offset, length)).
			WithComponent("cache").
			WithOperation("read")
	}
	return types.ByteRange{Offset: offset, Length: length}.Clamp(size), nil
}

// fetchExact reads r from source and fails on a short read.
func fetchExact(ctx context.Context, source types.ByteSource, r types.ByteRange) ([]byte, error) {
	data, err := source.FetchRange(ctx, r.Offset, r.Length)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != r.Length {
		return nil, errors.Newf(errors.ErrCodeSourceUnavailable,
			"short read at %d: got %d of %d bytes", r.Offset, len(data), r.Length).
			WithComponent("cache").
			WithOperation("fetch_range")
	}
	return data, nil
}

// counters is the bookkeeping shared by every policy.
type counters struct {
	hits, misses, evictions uint64
	fetchCalls              uint64
	bytesFetched            int64
	bytesRequested          int64
}

func (c *counters) record(hit bool, returned int) {
	if hit {
		c.hits++
	} else {
		c.misses++
	}
	c.bytesRequested += int64(returned)
}

func (c *counters) fetched(calls uint64, n int64) {
	c.fetchCalls += calls
	c.bytesFetched += n
}

func (c *counters) snapshot() types.CacheStats {
	return types.CacheStats{
		Hits:           c.hits,
		Misses:         c.misses,
		Evictions:      c.evictions,
		FetchCalls:     c.fetchCalls,
		BytesFetched:   c.bytesFetched,
		BytesRequested: c.bytesRequested,
	}
}
