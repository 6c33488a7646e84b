// Package local implements a storage backend over the local filesystem.
// Writes are atomic: data goes to a temporary file that is fsynced and
// renamed over the target.
package local

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/objectfs/fscache/pkg/errors"
	"github.com/objectfs/fscache/pkg/types"
	"github.com/objectfs/fscache/pkg/utils"
)

// Scheme is the URL scheme served by this backend.
const Scheme = "file"

// Backend serves files below Root. An empty Root accepts absolute paths.
type Backend struct {
	root   string
	logger *slog.Logger
}

// New creates a local backend rooted at root.
func New(root string, logger *slog.Logger) (*Backend, error) {
	if root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid root").WithComponent("local")
		}
		root = abs
	}
	return &Backend{
		root:   root,
		logger: utils.OrDefault(logger).With("component", "local-backend", "root", root),
	}, nil
}

// Scheme implements types.Backend.
func (b *Backend) Scheme() string { return Scheme }

// Capabilities implements types.Backend.
func (b *Backend) Capabilities() types.Capabilities {
	return types.Capabilities{Writable: true, Bidirectional: true}
}

func (b *Backend) resolve(path string) (string, error) {
	if b.root == "" {
		return filepath.Clean(path), nil
	}
	full, err := utils.SecureJoin(b.root, path)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodePermissionDenied, "path outside backend root").
			WithComponent("local").
			WithContext("path", path)
	}
	return full, nil
}

// LocalPath implements types.LocalPather. It returns "" for paths that
// escape the root.
func (b *Backend) LocalPath(path string) string {
	full, err := b.resolve(path)
	if err != nil {
		return ""
	}
	return full
}

// translateError maps os errors onto the error taxonomy.
func translateError(err error, op, path string) error {
	if err == nil {
		return nil
	}
	code := errors.ErrCodeSourceUnavailable
	switch {
	case errors.Is(err, fs.ErrNotExist):
		code = errors.ErrCodeNotFound
	case errors.Is(err, fs.ErrPermission):
		code = errors.ErrCodePermissionDenied
	}
	return errors.Wrap(err, code, fmt.Sprintf("%s %s", op, path)).
		WithComponent("local").
		WithOperation(op)
}

// Info implements types.Backend.
func (b *Backend) Info(ctx context.Context, path string) (*types.ObjectInfo, error) {
	full, err := b.resolve(path)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, translateError(err, "stat", path)
	}
	if st.IsDir() {
		return nil, errors.Newf(errors.ErrCodeUnsupported, "%s is a directory", path).WithComponent("local")
	}
	return &types.ObjectInfo{
		Key:          path,
		Size:         st.Size(),
		LastModified: st.ModTime(),
	}, nil
}

// Source implements types.Backend. The returned source holds the file open
// until Close, so it keeps reading the same content if the path is
// replaced or removed.
func (b *Backend) Source(ctx context.Context, path string) (types.ByteSource, error) {
	full, err := b.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, translateError(err, "open", path)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, translateError(err, "stat", path)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, errors.Newf(errors.ErrCodeUnsupported, "%s is a directory", path).WithComponent("local")
	}
	return &source{path: path, full: full, file: f}, nil
}

// PutObject implements types.Backend.
func (b *Backend) PutObject(ctx context.Context, path string, data []byte) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(full, data); err != nil {
		return translateError(err, "put", path)
	}
	b.logger.Debug("object written", "path", path, "size", len(data))
	return nil
}

// Delete implements types.Backend.
func (b *Backend) Delete(ctx context.Context, path string) error {
	full, err := b.resolve(path)
	if err != nil {
		return err
	}
	return translateError(os.Remove(full), "delete", path)
}

// Rename moves from onto to atomically.
func (b *Backend) Rename(ctx context.Context, from, to string) error {
	src, err := b.resolve(from)
	if err != nil {
		return err
	}
	dst, err := b.resolve(to)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return translateError(err, "rename", to)
	}
	return translateError(os.Rename(src, dst), "rename", from)
}

// WriteFileAtomic writes data to a temporary file next to path, fsyncs it
// and renames it over path.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	tmp := filepath.Join(dir, "."+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

type source struct {
	path string
	full string

	mu     sync.Mutex
	file   *os.File
	closed bool
}

func (s *source) Identity() string { return Scheme + "://" + s.full }

func (s *source) stat() (os.FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New(errors.ErrCodeHandleClosed, "source closed").WithComponent("local")
	}
	st, err := s.file.Stat()
	if err != nil {
		return nil, translateError(err, "stat", s.path)
	}
	return st, nil
}

func (s *source) Size(ctx context.Context) (int64, error) {
	st, err := s.stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (s *source) VersionToken(ctx context.Context) (string, error) {
	st, err := s.stat()
	if err != nil {
		return "", err
	}
	info := types.ObjectInfo{Key: s.path, Size: st.Size(), LastModified: st.ModTime()}
	return info.VersionToken(), nil
}

func (s *source) FetchRange(ctx context.Context, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, errors.Newf(errors.ErrCodeOutOfRange, "invalid range offset=%d length=%d", offset, length).
			WithComponent("local")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, err := s.stat()
	if err != nil {
		return nil, err
	}
	r := types.ByteRange{Offset: offset, Length: length}.Clamp(st.Size())
	buf := make([]byte, r.Length)
	n, err := s.file.ReadAt(buf, r.Offset)
	if err != nil && err != io.EOF {
		return nil, translateError(err, "read", s.path)
	}
	return buf[:n], nil
}

// Close releases the file. Calling Close again is a no-op.
func (s *source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
