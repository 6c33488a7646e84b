package cache

import (
	"context"
	"log/slog"
	"slices"

	"github.com/objectfs/fscache/internal/blockfetch"
	"github.com/objectfs/fscache/pkg/types"
)

// ReadAhead keeps an LRU of fixed-size blocks. Missing blocks of a read are
// fetched in one coalesced call, and while access has only moved forward
// the block after the read is fetched alongside them if the cache has room
// for it.
type ReadAhead struct {
	fetcher  *blockfetch.Fetcher
	size     int64
	blocks   *blockLRU
	prefetch bool
	maxBytes int64

	lastOffset int64
	forward    bool
	logger     *slog.Logger
	counters
}

func NewReadAhead(source types.ByteSource, size int64, opts Options) *ReadAhead {
	return &ReadAhead{
		fetcher:  opts.fetcher(source, size),
		size:     size,
		blocks:   newBlockLRU(opts.MaxBlocks, opts.MaxBytes),
		prefetch: opts.Prefetch,
		maxBytes: opts.MaxBytes,
		forward:  true,
		logger:   opts.Logger.With("component", "cache", "policy", string(KindReadAhead)),
	}
}

func (c *ReadAhead) Read(ctx context.Context, offset, length int64) ([]byte, error) {
	r, err := request(offset, length, c.size)
	if err != nil {
		return nil, err
	}
	if r.IsEmpty() {
		return []byte{}, nil
	}

	if r.Offset < c.lastOffset {
		c.forward = false
	}
	c.lastOffset = r.Offset

	indices := c.fetcher.BlockRange(r.Offset, r.Length)
	have := make(map[int64][]byte, len(indices))
	var missing []int64
	for _, idx := range indices {
		if data, ok := c.blocks.get(idx); ok {
			have[idx] = data
		} else {
			missing = append(missing, idx)
		}
	}

	if len(missing) > 0 {
		want := missing
		next := indices[len(indices)-1] + 1
		if c.prefetch && c.forward && next < c.fetcher.NumBlocks() && !c.blocks.has(next) &&
			c.blocks.fits(len(missing)+1, int64(len(missing)+1)*c.fetcher.BlockSize()) {
			want = append(slices.Clone(missing), next)
		}

		before := c.fetcher.Stats()
		fetched, err := c.fetcher.FetchBlocks(ctx, want)
		if err != nil {
			return nil, err
		}
		after := c.fetcher.Stats()
		c.fetched(after.FetchCalls-before.FetchCalls, after.BytesFetched-before.BytesFetched)

		// prefetched block first, so the requested blocks are more recent.
		// It was only requested if it fits, so it never displaces a block.
		if len(want) > len(missing) {
			c.blocks.put(next, fetched[next].Data)
		}
		for _, idx := range missing {
			have[idx] = fetched[idx].Data
			c.blocks.put(idx, fetched[idx].Data)
		}
	}

	out := assemble(c.fetcher, r, indices, have)
	c.record(len(missing) == 0, len(out))
	return out, nil
}

// assemble copies the bytes of r out of the covering blocks.
func assemble(f *blockfetch.Fetcher, r types.ByteRange, indices []int64, blocks map[int64][]byte) []byte {
	out := make([]byte, 0, r.Length)
	for _, idx := range indices {
		bounds := f.BlockBounds(idx)
		data := blocks[idx]
		lo := max(r.Offset-bounds.Offset, 0)
		hi := min(r.End()-bounds.Offset, int64(len(data)))
		out = append(out, data[lo:hi]...)
	}
	return out
}

// Resident reports whether block index is cached, without touching recency.
func (c *ReadAhead) Resident(index int64) bool {
	return c.blocks.has(index)
}

func (c *ReadAhead) Invalidate() {
	c.blocks.clear()
	c.forward = true
	c.lastOffset = 0
}

func (c *ReadAhead) EvictIf(pred func(types.ByteRange) bool) int {
	return c.blocks.evictIf(func(idx int64) bool {
		return pred(c.fetcher.BlockBounds(idx))
	})
}

func (c *ReadAhead) Stats() types.CacheStats {
	s := c.snapshot()
	s.Evictions = c.blocks.evictions
	s.Entries = c.blocks.len()
	s.Size = c.blocks.size
	s.Capacity = c.maxBytes
	return s.Finalize()
}

func (c *ReadAhead) Close() error {
	c.blocks.clear()
	return nil
}
