package cache

import (
	"context"
	"log/slog"

	"github.com/objectfs/fscache/internal/blockfetch"
	"github.com/objectfs/fscache/pkg/types"
)

// FirstLast pins the first and last blocks once fetched, which suits
// formats with headers and footers. Other blocks go through an LRU bounded
// like ReadAhead's.
type FirstLast struct {
	fetcher  *blockfetch.Fetcher
	size     int64
	last     int64
	pinned   map[int64][]byte
	blocks   *blockLRU
	maxBytes int64
	logger   *slog.Logger
	counters
}

func NewFirstLast(source types.ByteSource, size int64, opts Options) *FirstLast {
	f := opts.fetcher(source, size)
	return &FirstLast{
		fetcher:  f,
		size:     size,
		last:     f.NumBlocks() - 1,
		pinned:   make(map[int64][]byte, 2),
		blocks:   newBlockLRU(opts.MaxBlocks, opts.MaxBytes),
		maxBytes: opts.MaxBytes,
		logger:   opts.Logger.With("component", "cache", "policy", string(KindFirstLast)),
	}
}

func (c *FirstLast) isPinned(idx int64) bool {
	return idx == 0 || idx == c.last
}

func (c *FirstLast) lookup(idx int64) ([]byte, bool) {
	if c.isPinned(idx) {
		data, ok := c.pinned[idx]
		return data, ok
	}
	return c.blocks.get(idx)
}

func (c *FirstLast) Read(ctx context.Context, offset, length int64) ([]byte, error) {
	r, err := request(offset, length, c.size)
	if err != nil {
		return nil, err
	}
	if r.IsEmpty() {
		return []byte{}, nil
	}

	indices := c.fetcher.BlockRange(r.Offset, r.Length)
	have := make(map[int64][]byte, len(indices))
	var missing []int64
	for _, idx := range indices {
		if data, ok := c.lookup(idx); ok {
			have[idx] = data
		} else {
			missing = append(missing, idx)
		}
	}

	if len(missing) > 0 {
		before := c.fetcher.Stats()
		fetched, err := c.fetcher.FetchBlocks(ctx, missing)
		if err != nil {
			return nil, err
		}
		after := c.fetcher.Stats()
		c.fetched(after.FetchCalls-before.FetchCalls, after.BytesFetched-before.BytesFetched)

		for _, idx := range missing {
			data := fetched[idx].Data
			have[idx] = data
			if c.isPinned(idx) {
				c.pinned[idx] = data
			} else {
				c.blocks.put(idx, data)
			}
		}
	}

	out := assemble(c.fetcher, r, indices, have)
	c.record(len(missing) == 0, len(out))
	return out, nil
}

// Invalidate drops pinned blocks as well.
func (c *FirstLast) Invalidate() {
	c.pinned = make(map[int64][]byte, 2)
	c.blocks.clear()
}

// EvictIf only considers unpinned blocks.
func (c *FirstLast) EvictIf(pred func(types.ByteRange) bool) int {
	return c.blocks.evictIf(func(idx int64) bool {
		return pred(c.fetcher.BlockBounds(idx))
	})
}

func (c *FirstLast) Stats() types.CacheStats {
	s := c.snapshot()
	s.Evictions = c.blocks.evictions
	s.Entries = c.blocks.len() + len(c.pinned)
	s.Size = c.blocks.size
	for _, data := range c.pinned {
		s.Size += int64(len(data))
	}
	s.Capacity = c.maxBytes
	return s.Finalize()
}

func (c *FirstLast) Close() error {
	c.Invalidate()
	return nil
}
