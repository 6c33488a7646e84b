package filesystem

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/fscache/internal/cache"
	"github.com/objectfs/fscache/internal/file"
	"github.com/objectfs/fscache/internal/storage/memory"
	"github.com/objectfs/fscache/pkg/errors"
	"github.com/objectfs/fscache/pkg/types"
)

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func newFileSystem(t *testing.T, store *cache.PersistentStore, cacheAll bool) (*FileSystem, *memory.Backend) {
	t.Helper()
	b := memory.New()
	reg := NewRegistry(memory.Scheme, nil)
	reg.RegisterBackend(b)
	fs := New(reg, Config{
		Defaults: file.Options{
			Policy: cache.KindReadAhead,
			Cache:  cache.Options{BlockSize: 1024},
		},
		Store:    store,
		CacheAll: cacheAll,
	})
	return fs, b
}

func TestFileSystemTracksHandles(t *testing.T) {
	ctx := context.Background()
	fs, b := newFileSystem(t, nil, false)
	require.NoError(t, b.PutObject(ctx, "a", pattern(10)))

	f1, err := fs.Open(ctx, "memory://a", file.ModeRead, file.Options{})
	require.NoError(t, err)
	f2, err := fs.Open(ctx, "a", file.ModeRead, file.Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, fs.OpenHandles())

	require.NoError(t, f1.Close())
	require.NoError(t, f1.Close())
	assert.Equal(t, 1, fs.OpenHandles())
	require.NoError(t, f2.Close())
	assert.Zero(t, fs.OpenHandles())

	_, err = fs.Open(ctx, "memory://missing", file.ModeRead, file.Options{})
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.Zero(t, fs.OpenHandles())
}

func TestFileSystemAppliesDefaults(t *testing.T) {
	ctx := context.Background()
	fs, b := newFileSystem(t, nil, false)
	require.NoError(t, b.PutObject(ctx, "a", pattern(4096)))

	f, err := fs.Open(ctx, "memory://a", file.ModeRead, file.Options{})
	require.NoError(t, err)
	defer f.Close()

	_, err = f.ReadRange(ctx, 10, 10)
	require.NoError(t, err)
	log := b.FetchLog()
	require.NotEmpty(t, log)
	assert.Equal(t, types.ByteRange{Offset: 0, Length: 1024}, log[0])
}

func TestClearCacheMemory(t *testing.T) {
	ctx := context.Background()
	fs, b := newFileSystem(t, nil, false)
	require.NoError(t, b.PutObject(ctx, "a", pattern(4096)))

	f, err := fs.Open(ctx, "memory://a", file.ModeRead, file.Options{})
	require.NoError(t, err)
	defer f.Close()

	first, err := f.ReadRange(ctx, 0, 100)
	require.NoError(t, err)
	calls := b.FetchCalls()

	_, err = f.ReadRange(ctx, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, calls, b.FetchCalls())
	assert.Positive(t, fs.HandleStats().Hits)

	require.NoError(t, fs.ClearCache(ScopeMemory))
	again, err := f.ReadRange(ctx, 0, 100)
	require.NoError(t, err)
	assert.Greater(t, b.FetchCalls(), calls)
	assert.Equal(t, first, again)
}

func TestClearCachePersistent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	fs, b := newFileSystem(t, store, true)
	require.NoError(t, b.PutObject(ctx, "a", []byte("alpha")))
	require.NoError(t, b.PutObject(ctx, "b", []byte("bravo")))

	for _, url := range []string{"memory://a", "memory://b"} {
		data, err := fs.Cat(ctx, url)
		require.NoError(t, err)
		assert.Len(t, data, 5)
	}
	assert.Len(t, store.Records(), 2)
	assert.Equal(t, uint64(2), b.FetchCalls())

	require.NoError(t, fs.ClearCache(ScopeMemory))
	assert.Len(t, store.Records(), 2)

	require.NoError(t, fs.ClearCache(ScopePersistent))
	assert.Empty(t, store.Records())

	data, err := fs.Cat(ctx, "memory://a")
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))
	assert.Equal(t, uint64(3), b.FetchCalls())
}

func TestCachePrefixSelectsStore(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	fs, b := newFileSystem(t, store, false)
	require.NoError(t, b.PutObject(ctx, "a", []byte("alpha")))

	_, err := fs.Cat(ctx, "memory://a")
	require.NoError(t, err)
	assert.Empty(t, store.Records())

	_, err = fs.Cat(ctx, "filecache::memory://a")
	require.NoError(t, err)
	require.Len(t, store.Records(), 1)
	assert.Equal(t, "memory://a", store.Records()[0].SourceIdentity)

	calls := b.FetchCalls()
	_, err = fs.Cat(ctx, "simplecache::memory://a")
	require.NoError(t, err)
	assert.Equal(t, calls, b.FetchCalls())
}

func TestReadRanges(t *testing.T) {
	ctx := context.Background()
	fs, b := newFileSystem(t, nil, false)
	data := pattern(8192)
	require.NoError(t, b.PutObject(ctx, "a", data))

	ranges := []types.ByteRange{
		{Offset: 5000, Length: 100},
		{Offset: 10, Length: 20},
		{Offset: 8100, Length: 500},
		{Offset: 1000, Length: 50},
	}
	got, err := fs.ReadRanges(ctx, "memory://a", ranges)
	require.NoError(t, err)
	require.Len(t, got, len(ranges))
	assert.Equal(t, data[5000:5100], got[0])
	assert.Equal(t, data[10:30], got[1])
	assert.Equal(t, data[8100:], got[2], "ranges past the end are truncated")
	assert.Equal(t, data[1000:1050], got[3])
	assert.Zero(t, fs.OpenHandles())

	got, err = fs.ReadRanges(ctx, "memory://a", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPutInfoDelete(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	fs, b := newFileSystem(t, store, true)

	n, err := fs.Put(ctx, "memory://dir/obj", strings.NewReader("payload"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Zero(t, fs.OpenHandles())

	info, err := fs.Info(ctx, "memory://dir/obj")
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.Size)

	data, err := fs.Cat(ctx, "memory://dir/obj")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	require.Len(t, store.Records(), 1)

	require.NoError(t, fs.Delete(ctx, "memory://dir/obj"))
	assert.Empty(t, store.Records())
	_, err = b.Info(ctx, "dir/obj")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	_, err = fs.Cat(ctx, "memory://dir/obj")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestPutLargeMultipart(t *testing.T) {
	ctx := context.Background()
	b := memory.New(memory.WithMultipart(1024))
	reg := NewRegistry(memory.Scheme, nil)
	reg.RegisterBackend(b)
	fs := New(reg, Config{Defaults: file.Options{PartSize: 1024}})

	data := pattern(5000)
	n, err := fs.Put(ctx, "big", bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Zero(t, b.PendingUploads())

	got, err := fs.Cat(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestParseScope(t *testing.T) {
	cases := map[string]Scope{
		"memory":     ScopeMemory,
		"persistent": ScopePersistent,
		"ALL":        ScopeAll,
		"":           ScopeAll,
	}
	for in, want := range cases {
		got, err := ParseScope(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
		assert.NotEqual(t, "none", got.String())
	}
	_, err := ParseScope("swap")
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}
