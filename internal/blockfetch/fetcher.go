// Package blockfetch serves block-aligned reads from a ByteSource, merging
// neighbouring blocks into single range requests.
package blockfetch

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/objectfs/fscache/pkg/errors"
	"github.com/objectfs/fscache/pkg/types"
)

// DefaultBlockSize is used when Config.BlockSize is not set.
const DefaultBlockSize int64 = 5 * 1024 * 1024

// Config controls block geometry and request coalescing.
type Config struct {
	// BlockSize is the size of every block but possibly the last.
	BlockSize int64 `yaml:"block_size"`

	// CoalesceGap is the largest number of unrequested blocks that may be
	// bridged to merge two runs into one request. Zero merges only
	// adjacent blocks; a negative value disables merging.
	CoalesceGap int64 `yaml:"coalesce_gap"`

	// MaxConcurrency bounds parallel range requests. Zero means unbounded.
	MaxConcurrency int `yaml:"max_concurrency"`
}

// Stats counts backend traffic issued by a Fetcher.
type Stats struct {
	FetchCalls    uint64 `json:"fetch_calls"`
	BlocksFetched uint64 `json:"blocks_fetched"`
	BytesFetched  int64  `json:"bytes_fetched"`
}

// Fetcher maps block indices onto ranged reads of one source. It holds no
// block data between calls.
type Fetcher struct {
	source types.ByteSource
	size   int64
	config Config
	logger *slog.Logger

	fetchCalls    *atomic.Uint64
	blocksFetched *atomic.Uint64
	bytesFetched  *atomic.Int64
}

// New creates a Fetcher for a source of the given size.
func New(source types.ByteSource, size int64, config Config, logger *slog.Logger) *Fetcher {
	if config.BlockSize <= 0 {
		config.BlockSize = DefaultBlockSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		source:        source,
		size:          max(size, 0),
		config:        config,
		logger:        logger.With("component", "blockfetch"),
		fetchCalls:    atomic.NewUint64(0),
		blocksFetched: atomic.NewUint64(0),
		bytesFetched:  atomic.NewInt64(0),
	}
}

// BlockSize returns the configured block size.
func (f *Fetcher) BlockSize() int64 { return f.config.BlockSize }

// Size returns the source size the Fetcher was built with.
func (f *Fetcher) Size() int64 { return f.size }

// NumBlocks returns ceil(size / blockSize).
func (f *Fetcher) NumBlocks() int64 {
	return (f.size + f.config.BlockSize - 1) / f.config.BlockSize
}

// BlockBounds returns the byte range covered by block index.
func (f *Fetcher) BlockBounds(index int64) types.ByteRange {
	start := index * f.config.BlockSize
	end := min(start+f.config.BlockSize, f.size)
	return types.ByteRange{Offset: start, Length: max(end-start, 0)}
}

// BlockRange returns the indices of the blocks covering [offset,
// offset+length) after clamping to the source size. The result is empty
// for empty or out-of-bounds requests.
func (f *Fetcher) BlockRange(offset, length int64) []int64 {
	r := types.ByteRange{Offset: offset, Length: length}.Clamp(f.size)
	if r.IsEmpty() {
		return nil
	}
	first := r.Offset / f.config.BlockSize
	last := (r.End() - 1) / f.config.BlockSize
	indices := make([]int64, 0, last-first+1)
	for i := first; i <= last; i++ {
		indices = append(indices, i)
	}
	return indices
}

// Stats returns a snapshot of the traffic counters.
func (f *Fetcher) Stats() Stats {
	return Stats{
		FetchCalls:    f.fetchCalls.Load(),
		BlocksFetched: f.blocksFetched.Load(),
		BytesFetched:  f.bytesFetched.Load(),
	}
}

type run struct {
	first, last int64
	wanted      []int64
}

// FetchBlocks fetches the requested blocks. Duplicate indices are fetched
// once. Runs of blocks closer than CoalesceGap are read with one FetchRange
// call, and separate runs are fetched concurrently.
func (f *Fetcher) FetchBlocks(ctx context.Context, indices []int64) (map[int64]types.Block, error) {
	result := make(map[int64]types.Block, len(indices))
	if len(indices) == 0 {
		return result, nil
	}

	sorted := slices.Clone(indices)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	if n := f.NumBlocks(); sorted[0] < 0 || sorted[len(sorted)-1] >= n {
		bad := sorted[0]
		if bad >= 0 {
			bad = sorted[len(sorted)-1]
		}
		return nil, errors.Newf(errors.ErrCodeOutOfRange, "block %d outside [0,%d)", bad, n).
			WithComponent("blockfetch").
			WithOperation("fetch_blocks").
			WithDetail("block", bad).
			WithDetail("num_blocks", n)
	}

	runs := f.plan(sorted)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	if f.config.MaxConcurrency > 0 {
		g.SetLimit(f.config.MaxConcurrency)
	}
	for _, r := range runs {
		r := r
		g.Go(func() error {
			blocks, err := f.fetchRun(gctx, r)
			if err != nil {
				return err
			}
			mu.Lock()
			for _, b := range blocks {
				result[b.Index] = b
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func (f *Fetcher) plan(sorted []int64) []run {
	var runs []run
	for _, idx := range sorted {
		if n := len(runs); n > 0 && f.config.CoalesceGap >= 0 && idx-runs[n-1].last-1 <= f.config.CoalesceGap {
			runs[n-1].last = idx
			runs[n-1].wanted = append(runs[n-1].wanted, idx)
			continue
		}
		runs = append(runs, run{first: idx, last: idx, wanted: []int64{idx}})
	}
	return runs
}

func (f *Fetcher) fetchRun(ctx context.Context, r run) ([]types.Block, error) {
	start := r.first * f.config.BlockSize
	end := min((r.last+1)*f.config.BlockSize, f.size)
	length := end - start

	f.logger.Debug("fetching block run",
		"first", r.first, "last", r.last, "offset", start, "length", length)

	data, err := f.source.FetchRange(ctx, start, length)
	f.fetchCalls.Inc()
	if err != nil {
		return nil, sourceError(ctx, err, start, length)
	}
	if int64(len(data)) != length {
		return nil, errors.Newf(errors.ErrCodeSourceUnavailable,
			"short read at %d: got %d of %d bytes", start, len(data), length).
			WithComponent("blockfetch").
			WithOperation("fetch_range")
	}
	f.bytesFetched.Add(length)
	f.blocksFetched.Add(uint64(len(r.wanted)))

	blocks := make([]types.Block, 0, len(r.wanted))
	for _, idx := range r.wanted {
		lo := idx*f.config.BlockSize - start
		hi := min(lo+f.config.BlockSize, length)
		blocks = append(blocks, types.Block{Index: idx, Data: data[lo:hi:hi]})
	}
	return blocks, nil
}

// sourceError passes typed source errors and context errors through and
// classifies anything else as SOURCE_UNAVAILABLE.
func sourceError(ctx context.Context, err error, offset, length int64) error {
	if errors.CodeOf(err) != "" {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Wrap(err, errors.ErrCodeSourceUnavailable, "fetch range failed").
		WithComponent("blockfetch").
		WithOperation("fetch_range").
		WithDetail("offset", offset).
		WithDetail("length", length)
}
