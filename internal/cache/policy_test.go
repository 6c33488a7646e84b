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

func testData(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte((i * 7) % 256)
	}
	return out
}

func newSource(t *testing.T, data []byte, opts ...memory.Option) (types.ByteSource, *memory.Backend) {
	t.Helper()
	ctx := context.Background()
	backend := memory.New(opts...)
	require.NoError(t, backend.PutObject(ctx, "object", data))
	src, err := backend.Source(ctx, "object")
	require.NoError(t, err)
	return src, backend
}

func smallOptions() Options {
	return Options{
		BlockSize:         1024,
		MaxBlocks:         4,
		MaxWholeFileBytes: 1 << 20,
		WindowSize:        4096,
		ScratchDir:        "",
	}
}

func TestPoliciesCommonContract(t *testing.T) {
	data := testData(3000)

	for _, kind := range Kinds {
		kind := kind
		t.Run(string(kind), func(t *testing.T) {
			ctx := context.Background()
			src, backend := newSource(t, data)
			opts := smallOptions()
			opts.ScratchDir = t.TempDir()
			p, err := New(kind, src, int64(len(data)), opts)
			require.NoError(t, err)
			defer func() { assert.NoError(t, p.Close()) }()

			// zero-length reads never touch the backend
			got, err := p.Read(ctx, 100, 0)
			require.NoError(t, err)
			assert.Empty(t, got)
			assert.Zero(t, backend.FetchCalls())

			// identical repeated reads
			first, err := p.Read(ctx, 500, 2000)
			require.NoError(t, err)
			assert.Equal(t, data[500:2500], first)
			second, err := p.Read(ctx, 500, 2000)
			require.NoError(t, err)
			assert.Equal(t, first, second)

			// reading at the end returns nothing, past the end returns the tail
			got, err = p.Read(ctx, 3000, 10)
			require.NoError(t, err)
			assert.Empty(t, got)
			got, err = p.Read(ctx, 2990, 100)
			require.NoError(t, err)
			assert.Equal(t, data[2990:], got)

			_, err = p.Read(ctx, -1, 10)
			assert.ErrorIs(t, err, errors.ErrOutOfRange)

			// returned slices are caller owned
			first[0] ^= 0xff
			again, err := p.Read(ctx, 500, 1)
			require.NoError(t, err)
			assert.Equal(t, data[500], again[0])

			stats := p.Stats()
			assert.NotZero(t, stats.Misses)
		})
	}
}

func TestPoliciesPureCacheHit(t *testing.T) {
	data := testData(3000)
	for _, kind := range []Kind{KindWholeFile, KindMMap, KindBytes, KindReadAhead, KindFirstLast} {
		kind := kind
		t.Run(string(kind), func(t *testing.T) {
			ctx := context.Background()
			src, backend := newSource(t, data)
			p, err := New(kind, src, int64(len(data)), smallOptions())
			require.NoError(t, err)
			defer p.Close()

			_, err = p.Read(ctx, 0, 3000)
			require.NoError(t, err)
			calls := backend.FetchCalls()

			for _, r := range []types.ByteRange{{Offset: 0, Length: 10}, {Offset: 1500, Length: 700}, {Offset: 2999, Length: 1}} {
				got, err := p.Read(ctx, r.Offset, r.Length)
				require.NoError(t, err)
				assert.Equal(t, data[r.Offset:r.End()], got)
			}
			assert.Equal(t, calls, backend.FetchCalls(), "sub-range of fetched coverage hit the backend")
			assert.NotZero(t, p.Stats().Hits)
		})
	}
}

func TestPoliciesInvalidate(t *testing.T) {
	data := testData(2048)
	for _, kind := range []Kind{KindWholeFile, KindMMap, KindBytes, KindReadAhead, KindFirstLast} {
		kind := kind
		t.Run(string(kind), func(t *testing.T) {
			ctx := context.Background()
			src, backend := newSource(t, data)
			p, err := New(kind, src, int64(len(data)), smallOptions())
			require.NoError(t, err)
			defer p.Close()

			_, err = p.Read(ctx, 0, 100)
			require.NoError(t, err)
			calls := backend.FetchCalls()

			p.Invalidate()
			_, err = p.Read(ctx, 0, 100)
			require.NoError(t, err)
			assert.Greater(t, backend.FetchCalls(), calls)
		})
	}
}

func TestPolicySourceErrorPropagates(t *testing.T) {
	data := testData(2048)
	for _, kind := range Kinds {
		kind := kind
		t.Run(string(kind), func(t *testing.T) {
			src, backend := newSource(t, data)
			p, err := New(kind, src, int64(len(data)), smallOptions())
			require.NoError(t, err)
			defer p.Close()

			backend.SetFault(memory.OpFetch, errors.New(errors.ErrCodePermissionDenied, "denied"))
			_, err = p.Read(context.Background(), 0, 10)
			assert.ErrorIs(t, err, errors.ErrPermissionDenied)
		})
	}
}

func TestParseKind(t *testing.T) {
	tests := map[string]Kind{
		"":           KindReadAhead,
		"readahead":  KindReadAhead,
		"blockcache": KindReadAhead,
		"BYTES":      KindBytes,
		"mmap":       KindMMap,
		"first":      KindFirstLast,
		"all":        KindWholeFile,
		"none":       KindNone,
	}
	for in, want := range tests {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseKind("bogus")
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestWholeFileTooLarge(t *testing.T) {
	src, _ := newSource(t, testData(100))
	opts := smallOptions()
	opts.MaxWholeFileBytes = 99

	_, err := New(KindWholeFile, src, 100, opts)
	assert.ErrorIs(t, err, errors.ErrTooLarge)
}

func TestWholeFileSingleFetch(t *testing.T) {
	data := testData(5000)
	src, backend := newSource(t, data)
	p, err := New(KindWholeFile, src, int64(len(data)), smallOptions())
	require.NoError(t, err)

	for off := int64(0); off < 5000; off += 700 {
		_, err := p.Read(context.Background(), off, 300)
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(1), backend.FetchCalls())
	assert.Equal(t, 1, p.EvictIf(func(types.ByteRange) bool { return true }))
	assert.Zero(t, p.Stats().Entries)
}

func TestNoCacheAlwaysFetches(t *testing.T) {
	data := testData(100)
	src, backend := newSource(t, data)
	p, err := New(KindNone, src, int64(len(data)), smallOptions())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := p.Read(context.Background(), 10, 10)
		require.NoError(t, err)
		assert.Equal(t, data[10:20], got)
	}
	assert.Equal(t, uint64(3), backend.FetchCalls())
	assert.Zero(t, p.EvictIf(func(types.ByteRange) bool { return true }))
}
