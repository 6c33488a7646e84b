package cache

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/objectfs/fscache/internal/blockfetch"
	"github.com/objectfs/fscache/pkg/types"
)

// MemoryMapped backs the cache with a scratch file mapped into memory, or a
// heap buffer where mapping is unavailable. A RangeSet records which bytes
// hold fetched data; misses fetch exactly the unfilled blocks covering the
// read, and a range is marked filled only after its fetch completes.
type MemoryMapped struct {
	fetcher *blockfetch.Fetcher
	size    int64
	region  []byte
	release func() error
	filled  RangeSet
	logger  *slog.Logger
	counters
}

func NewMemoryMapped(source types.ByteSource, size int64, opts Options) (*MemoryMapped, error) {
	logger := opts.Logger.With("component", "cache", "policy", string(KindMMap))
	m := &MemoryMapped{
		fetcher: opts.fetcher(source, size),
		size:    size,
		release: func() error { return nil },
		logger:  logger,
	}
	if size == 0 {
		return m, nil
	}

	region, release, err := mapScratch(opts.ScratchDir, size)
	if err != nil {
		logger.Debug("mmap unavailable, using heap buffer", "error", err, "size", size)
		region = make([]byte, size)
		release = func() error { return nil }
	}
	m.region = region
	m.release = release
	return m, nil
}

func (m *MemoryMapped) Read(ctx context.Context, offset, length int64) ([]byte, error) {
	r, err := request(offset, length, m.size)
	if err != nil {
		return nil, err
	}
	if r.IsEmpty() {
		return []byte{}, nil
	}

	gaps := m.filled.Missing(r)
	if len(gaps) > 0 {
		if err := m.fill(ctx, gaps); err != nil {
			return nil, err
		}
	}

	out := bytes.Clone(m.region[r.Offset:r.End()])
	m.record(len(gaps) == 0, len(out))
	return out, nil
}

// fill fetches the blocks covering gaps that are not already complete.
func (m *MemoryMapped) fill(ctx context.Context, gaps []types.ByteRange) error {
	var want []int64
	seen := make(map[int64]bool)
	for _, gap := range gaps {
		for _, idx := range m.fetcher.BlockRange(gap.Offset, gap.Length) {
			if !seen[idx] && !m.filled.Contains(m.fetcher.BlockBounds(idx)) {
				seen[idx] = true
				want = append(want, idx)
			}
		}
	}

	before := m.fetcher.Stats()
	blocks, err := m.fetcher.FetchBlocks(ctx, want)
	if err != nil {
		return err
	}
	after := m.fetcher.Stats()
	m.fetched(after.FetchCalls-before.FetchCalls, after.BytesFetched-before.BytesFetched)

	for _, idx := range want {
		bounds := m.fetcher.BlockBounds(idx)
		copy(m.region[bounds.Offset:bounds.End()], blocks[idx].Data)
		m.filled.Add(bounds)
	}
	return nil
}

// Filled returns the ranges currently holding fetched data.
func (m *MemoryMapped) Filled() []types.ByteRange {
	return m.filled.Ranges()
}

func (m *MemoryMapped) Invalidate() {
	m.filled.Clear()
}

func (m *MemoryMapped) EvictIf(pred func(types.ByteRange) bool) int {
	removed := 0
	for _, r := range m.filled.Ranges() {
		if pred(r) {
			m.filled.Remove(r)
			removed++
		}
	}
	m.evictions += uint64(removed)
	return removed
}

func (m *MemoryMapped) Stats() types.CacheStats {
	s := m.snapshot()
	s.Entries = len(m.filled.Ranges())
	s.Size = m.filled.Bytes()
	s.Capacity = m.size
	return s.Finalize()
}

func (m *MemoryMapped) Close() error {
	m.filled.Clear()
	m.region = nil
	release := m.release
	m.release = func() error { return nil }
	return release()
}
