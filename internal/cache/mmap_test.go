package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/fscache/internal/storage/memory"
	"github.com/objectfs/fscache/pkg/types"
)

func newMMap(t *testing.T, data []byte) (*MemoryMapped, *memory.Backend) {
	t.Helper()
	src, backend := newSource(t, data)
	opts := Options{BlockSize: 1024, ScratchDir: t.TempDir()}.withDefaults()
	m, err := NewMemoryMapped(src, int64(len(data)), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, backend
}

func TestMemoryMappedFetchesOnlyMissingBlocks(t *testing.T) {
	data := testData(4096)
	m, backend := newMMap(t, data)
	ctx := context.Background()

	got, err := m.Read(ctx, 1500, 100)
	require.NoError(t, err)
	assert.Equal(t, data[1500:1600], got)
	assert.Equal(t, []types.ByteRange{{Offset: 1024, Length: 1024}}, m.Filled())

	got, err = m.Read(ctx, 1000, 100)
	require.NoError(t, err)
	assert.Equal(t, data[1000:1100], got)
	assert.Equal(t, []types.ByteRange{{Offset: 0, Length: 2048}}, m.Filled())

	assert.Equal(t, []types.ByteRange{
		{Offset: 1024, Length: 1024},
		{Offset: 0, Length: 1024},
	}, backend.FetchLog())

	got, err = m.Read(ctx, 0, 2048)
	require.NoError(t, err)
	assert.Equal(t, data[:2048], got)
	assert.Equal(t, uint64(2), backend.FetchCalls())
}

func TestMemoryMappedZeroBytesAreNotResident(t *testing.T) {
	data := make([]byte, 2048)
	m, backend := newMMap(t, data)

	// the scratch region is zero filled but nothing is resident yet
	assert.Empty(t, m.Filled())
	got, err := m.Read(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 10), got)
	assert.Equal(t, uint64(1), backend.FetchCalls())
}

func TestMemoryMappedCancelledFetchMarksNothing(t *testing.T) {
	data := testData(2048)
	m, _ := newMMap(t, data)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Read(ctx, 0, 100)
	assert.Error(t, err)
	assert.Empty(t, m.Filled())

	got, err := m.Read(context.Background(), 0, 100)
	require.NoError(t, err)
	assert.Equal(t, data[:100], got)
}

func TestMemoryMappedEvictIf(t *testing.T) {
	data := testData(4096)
	m, backend := newMMap(t, data)
	ctx := context.Background()

	_, err := m.Read(ctx, 0, 1024)
	require.NoError(t, err)
	_, err = m.Read(ctx, 3072, 1024)
	require.NoError(t, err)
	require.Len(t, m.Filled(), 2)

	n := m.EvictIf(func(r types.ByteRange) bool { return r.Offset == 0 })
	assert.Equal(t, 1, n)
	assert.Equal(t, []types.ByteRange{{Offset: 3072, Length: 1024}}, m.Filled())

	calls := backend.FetchCalls()
	_, err = m.Read(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, calls+1, backend.FetchCalls())

	stats := m.Stats()
	assert.Equal(t, int64(2048), stats.Size)
	assert.Equal(t, uint64(1), stats.Evictions)
}

func TestMemoryMappedEmptySource(t *testing.T) {
	m, backend := newMMap(t, []byte{})
	got, err := m.Read(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, backend.FetchCalls())
}
