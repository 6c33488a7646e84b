package filesystem

import (
	"context"
	"io"
	"log/slog"

	"github.com/objectfs/fscache/internal/cache"
	"github.com/objectfs/fscache/internal/file"
	"github.com/objectfs/fscache/internal/storage/local"
	"github.com/objectfs/fscache/pkg/errors"
	"github.com/objectfs/fscache/pkg/types"
	"github.com/objectfs/fscache/pkg/utils"
)

// copyChunk is the ranged fetch size used to materialise a local copy.
const copyChunk = 8 << 20

// URLer is implemented by backends that can name an object with a full
// URL, such as s3://bucket/key.
type URLer interface {
	URL(path string) string
}

// CachingFileSystem serves read handles from whole-object local copies kept
// in a PersistentStore, fetching a copy only when the backend's version
// token no longer matches the cached one.
type CachingFileSystem struct {
	inner   types.Backend
	store   *cache.PersistentStore
	local   *local.Backend
	partial bool
	logger  *slog.Logger
}

// NewCachingFileSystem wraps inner with store. With partial set, opens that
// carry a range hint read the remote object directly instead of copying it.
func NewCachingFileSystem(inner types.Backend, store *cache.PersistentStore, partial bool, logger *slog.Logger) *CachingFileSystem {
	logger = utils.OrDefault(logger)
	lb, _ := local.New("", logger)
	return &CachingFileSystem{
		inner:   inner,
		store:   store,
		local:   lb,
		partial: partial,
		logger:  logger.With("component", "caching-fs", "scheme", inner.Scheme()),
	}
}

// Inner returns the wrapped backend.
func (c *CachingFileSystem) Inner() types.Backend { return c.inner }

// Identity returns the store key of path.
func (c *CachingFileSystem) Identity(path string) string {
	if u, ok := c.inner.(URLer); ok {
		return u.URL(path)
	}
	return c.inner.Scheme() + "://" + path
}

// Open opens path. Read handles are served from a local copy; write and
// read-write handles go to the inner backend and invalidate the copy once
// they close successfully.
func (c *CachingFileSystem) Open(ctx context.Context, path string, mode file.Mode, opts file.Options) (*file.BufferedFile, error) {
	identity := c.Identity(path)
	if mode != file.ModeRead {
		userClose := opts.OnClose
		opts.OnClose = func(err error) {
			if err == nil {
				if ierr := c.store.Invalidate(identity); ierr != nil {
					c.logger.Warn("failed to invalidate cached copy", "identity", identity, "error", ierr)
				}
			}
			if userClose != nil {
				userClose(err)
			}
		}
		return file.Open(ctx, c.inner, path, mode, opts)
	}

	if c.partial && opts.Hint != nil {
		c.logger.Debug("partial read, bypassing persistent cache", "path", path, "range", opts.Hint.String())
		return file.Open(ctx, c.inner, path, mode, opts)
	}

	info, err := c.inner.Info(ctx, path)
	if err != nil {
		return nil, err
	}
	version := info.VersionToken()

	localPath, release, err := c.store.GetOrFetch(ctx, identity, version, c.fetcher(path, version, info.Size))
	if err != nil {
		return nil, err
	}

	userClose := opts.OnClose
	opts.OnClose = func(err error) {
		release()
		if userClose != nil {
			userClose(err)
		}
	}
	f, err := file.Open(ctx, c.local, localPath, mode, opts)
	if err != nil {
		release()
		return nil, err
	}
	return f, nil
}

// fetcher copies the whole object in chunks and fails with
// CONCURRENT_MODIFICATION if it changed while being copied.
func (c *CachingFileSystem) fetcher(path, version string, size int64) cache.FetchFunc {
	return func(ctx context.Context, w io.Writer) error {
		source, err := c.inner.Source(ctx, path)
		if err != nil {
			return err
		}
		defer func() {
			if cl, ok := source.(io.Closer); ok {
				_ = cl.Close()
			}
		}()

		var copied int64
		for copied < size {
			data, err := source.FetchRange(ctx, copied, min(copyChunk, size-copied))
			if err != nil {
				return err
			}
			if len(data) == 0 {
				break
			}
			if _, err := w.Write(data); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternalError, "failed to write local copy").
					WithComponent("caching-fs")
			}
			copied += int64(len(data))
		}

		current, err := source.VersionToken(ctx)
		if err != nil {
			return err
		}
		if current != version || copied != size {
			return errors.Newf(errors.ErrCodeConcurrentModification, "%s changed while it was being cached", path).
				WithComponent("caching-fs").
				WithOperation("fetch").
				WithDetail("expected_version", version).
				WithDetail("current_version", current).
				WithDetail("copied", copied).
				WithDetail("size", size)
		}
		c.logger.Debug("object cached", "path", path, "size", copied)
		return nil
	}
}
