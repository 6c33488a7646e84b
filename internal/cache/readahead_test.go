package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/fscache/internal/storage/memory"
	"github.com/objectfs/fscache/pkg/errors"
	"github.com/objectfs/fscache/pkg/types"
)

func TestReadAheadScenario(t *testing.T) {
	data := testData(3000)
	src, backend := newSource(t, data)
	p := NewReadAhead(src, 3000, Options{BlockSize: 1024, MaxBlocks: 8}.withDefaults())

	got, err := p.Read(context.Background(), 500, 2000)
	require.NoError(t, err)
	assert.Equal(t, data[500:2500], got)

	// blocks 0,1,2 in one coalesced call covering the whole source
	assert.Equal(t, []types.ByteRange{{Offset: 0, Length: 3000}}, backend.FetchLog())
	for idx := int64(0); idx < 3; idx++ {
		assert.True(t, p.Resident(idx), "block %d", idx)
	}
}

func TestReadAheadEvictsLeastRecentlyUsed(t *testing.T) {
	const n = 3
	data := testData(1024 * (n + 2))
	src, backend := newSource(t, data)
	p := NewReadAhead(src, int64(len(data)), Options{BlockSize: 1024, MaxBlocks: n}.withDefaults())
	ctx := context.Background()

	// N+1 distinct blocks, each read once, in order
	for idx := int64(0); idx <= n; idx++ {
		_, err := p.Read(ctx, idx*1024, 10)
		require.NoError(t, err)
	}

	assert.False(t, p.Resident(0), "least recently used block should be gone")
	for idx := int64(1); idx <= n; idx++ {
		assert.True(t, p.Resident(idx), "block %d", idx)
	}
	assert.Equal(t, uint64(1), p.Stats().Evictions)

	backend.ResetCounters()
	_, err := p.Read(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), backend.FetchCalls(), "evicted block must be refetched")
}

func TestReadAheadEvictionWithDefaultOptions(t *testing.T) {
	data := testData(1024 * 4)
	src, _ := newSource(t, data)
	opts := DefaultOptions()
	opts.BlockSize = 1024
	opts.MaxBlocks = 2
	require.True(t, opts.Prefetch)
	p, err := New(KindReadAhead, src, int64(len(data)), opts)
	require.NoError(t, err)
	ra := p.(*ReadAhead)
	ctx := context.Background()

	for idx := int64(0); idx <= 2; idx++ {
		_, err := p.Read(ctx, idx*1024, 10)
		require.NoError(t, err)
	}

	assert.False(t, ra.Resident(0), "least recently used block should be gone")
	assert.True(t, ra.Resident(1))
	assert.True(t, ra.Resident(2))
	assert.False(t, ra.Resident(3), "prefetch must not displace a block that was read")
	assert.Equal(t, uint64(1), p.Stats().Evictions)
}

// failSecondBlock fails every fetch that touches block 1 of 1024-byte blocks.
func failSecondBlock(ctx context.Context, path string, r types.ByteRange) error {
	if r.Offset <= 1024 && r.End() > 1024 {
		return errors.New(errors.ErrCodeSourceUnavailable, "connection reset mid-read")
	}
	return nil
}

func TestReadAheadFailedFetchMarksNothing(t *testing.T) {
	data := testData(1024 * 3)
	src, _ := newSource(t, data, memory.WithFetchHook(failSecondBlock))
	p := NewReadAhead(src, int64(len(data)), Options{BlockSize: 1024, MaxBlocks: 8, CoalesceGap: -1}.withDefaults())

	_, err := p.Read(context.Background(), 0, 2048)
	require.ErrorIs(t, err, errors.ErrSourceUnavailable)
	assert.False(t, p.Resident(0), "block 0 arrived but the read failed")
	assert.False(t, p.Resident(1))
	assert.Zero(t, p.Stats().Entries)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Read(ctx, 2048, 10)
	assert.Error(t, err)
	assert.False(t, p.Resident(2))
}

func TestFirstLastFailedFetchMarksNothing(t *testing.T) {
	data := testData(1024 * 3)
	src, backend := newSource(t, data, memory.WithFetchHook(failSecondBlock))
	p := NewFirstLast(src, int64(len(data)), Options{BlockSize: 1024, MaxBlocks: 8, CoalesceGap: -1}.withDefaults())

	// blocks 0 (pinned) and 1 (LRU) in separate runs; block 1 fails
	_, err := p.Read(context.Background(), 0, 2048)
	require.ErrorIs(t, err, errors.ErrSourceUnavailable)
	assert.Zero(t, p.Stats().Entries)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Read(ctx, 2048, 10)
	assert.Error(t, err)
	assert.Zero(t, p.Stats().Entries)

	// a later successful read of block 0 has to fetch it again
	backend.ResetCounters()
	got, err := p.Read(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, data[:10], got)
	assert.Equal(t, uint64(1), backend.FetchCalls())
	assert.Equal(t, 1, p.Stats().Entries)
}

func TestReadAheadRecencyIsUpdatedByHits(t *testing.T) {
	data := testData(1024 * 4)
	src, _ := newSource(t, data)
	p := NewReadAhead(src, int64(len(data)), Options{BlockSize: 1024, MaxBlocks: 2}.withDefaults())
	ctx := context.Background()

	for _, idx := range []int64{0, 1, 0, 2} {
		_, err := p.Read(ctx, idx*1024, 1)
		require.NoError(t, err)
	}
	assert.True(t, p.Resident(0))
	assert.False(t, p.Resident(1))
	assert.True(t, p.Resident(2))
}

func TestReadAheadPrefetchesForward(t *testing.T) {
	data := testData(1024 * 8)
	src, backend := newSource(t, data)
	opts := Options{BlockSize: 1024, MaxBlocks: 8, Prefetch: true}.withDefaults()
	p := NewReadAhead(src, int64(len(data)), opts)
	ctx := context.Background()

	_, err := p.Read(ctx, 0, 100)
	require.NoError(t, err)
	assert.True(t, p.Resident(1), "next block prefetched")
	assert.Equal(t, []types.ByteRange{{Offset: 0, Length: 2048}}, backend.FetchLog())

	// block 1 is a pure hit now
	_, err = p.Read(ctx, 1024, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), backend.FetchCalls())

	_, err = p.Read(ctx, 5*1024, 10)
	require.NoError(t, err)
	assert.True(t, p.Resident(6))

	// a backward seek stops prefetching
	_, err = p.Read(ctx, 3*1024, 10)
	require.NoError(t, err)
	assert.True(t, p.Resident(3))
	assert.False(t, p.Resident(4))

	p.Invalidate()
	_, err = p.Read(ctx, 0, 10)
	require.NoError(t, err)
	assert.True(t, p.Resident(1), "invalidate resets direction tracking")
}

func TestReadAheadByteBound(t *testing.T) {
	data := testData(1024 * 4)
	src, _ := newSource(t, data)
	p := NewReadAhead(src, int64(len(data)), Options{BlockSize: 1024, MaxBlocks: 10, MaxBytes: 2048}.withDefaults())
	ctx := context.Background()

	for idx := int64(0); idx < 4; idx++ {
		_, err := p.Read(ctx, idx*1024, 1)
		require.NoError(t, err)
	}
	stats := p.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(2048), stats.Size)
	assert.InDelta(t, 1.0, stats.Utilization, 0.001)
}

func TestReadAheadEvictIf(t *testing.T) {
	data := testData(1024 * 3)
	src, _ := newSource(t, data)
	p := NewReadAhead(src, int64(len(data)), Options{BlockSize: 1024, MaxBlocks: 8}.withDefaults())

	_, err := p.Read(context.Background(), 0, 3072)
	require.NoError(t, err)

	n := p.EvictIf(func(r types.ByteRange) bool { return r.Offset >= 1024 })
	assert.Equal(t, 2, n)
	assert.True(t, p.Resident(0))
	assert.False(t, p.Resident(1))
}

func TestFirstLastPinsEdges(t *testing.T) {
	data := testData(1024 * 6)
	src, backend := newSource(t, data)
	p := NewFirstLast(src, int64(len(data)), Options{BlockSize: 1024, MaxBlocks: 1}.withDefaults())
	ctx := context.Background()

	_, err := p.Read(ctx, 0, 10)
	require.NoError(t, err)
	_, err = p.Read(ctx, 5*1024, 10)
	require.NoError(t, err)

	// churn the middle LRU
	for idx := int64(1); idx < 5; idx++ {
		_, err := p.Read(ctx, idx*1024, 10)
		require.NoError(t, err)
	}

	backend.ResetCounters()
	got, err := p.Read(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, data[:10], got)
	got, err = p.Read(ctx, 6*1024-10, 10)
	require.NoError(t, err)
	assert.Equal(t, data[6*1024-10:], got)
	assert.Zero(t, backend.FetchCalls())

	assert.Zero(t, p.EvictIf(func(r types.ByteRange) bool { return r.Offset == 0 }))
	assert.Equal(t, 3, p.Stats().Entries)
}
