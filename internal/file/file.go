// Package file implements BufferedFile, the file-like handle over a storage
// backend. Reads go through a per-handle cache policy; writes are buffered
// and uploaded as one object or as a multipart sequence on Close.
package file

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/objectfs/fscache/internal/buffer"
	"github.com/objectfs/fscache/internal/cache"
	"github.com/objectfs/fscache/pkg/errors"
	"github.com/objectfs/fscache/pkg/types"
	"github.com/objectfs/fscache/pkg/utils"
)

// DefaultPartSize is the multipart flush threshold when none is configured.
const DefaultPartSize = 8 << 20

// Options configures a handle.
type Options struct {
	// Policy selects the read cache. Empty selects readahead.
	Policy cache.Kind
	Cache  cache.Options

	// PartSize is the multipart flush threshold, raised to the backend's
	// minimum part size when smaller.
	PartSize int64

	// Hint is the byte range the caller intends to read, if known.
	Hint *types.ByteRange

	Logger *slog.Logger

	// OnClose runs once after the handle closes, with the close error.
	OnClose func(err error)
}

// BufferedFile is an open handle on one object. Calls on one handle are
// serialised; use separate handles for concurrent reading and writing.
type BufferedFile struct {
	mu      sync.Mutex
	ctx     context.Context
	backend types.Backend
	path    string
	mode    Mode
	opts    Options
	logger  *slog.Logger

	offset int64
	closed bool

	// read side
	source  types.ByteSource
	size    int64
	version string
	policy  cache.Policy

	// write side
	wbuf      *buffer.WriteBuffer
	multipart types.MultipartBackend
	uploadID  string
	parts     []types.CompletedPart
	written   int64
	failed    error

	// read-write side
	image []byte
	dirty bool
}

// Open opens path on backend. ctx bounds every backend call made through
// the io interfaces of the returned handle.
func Open(ctx context.Context, backend types.Backend, path string, mode Mode, opts Options) (*BufferedFile, error) {
	f := &BufferedFile{
		ctx:     ctx,
		backend: backend,
		path:    path,
		mode:    mode,
		opts:    opts,
		logger:  utils.OrDefault(opts.Logger).With("component", "file", "path", path, "mode", mode.String()),
	}

	var err error
	switch mode {
	case ModeRead:
		err = f.openRead(ctx)
	case ModeWrite:
		err = f.openWrite()
	case ModeReadWrite:
		err = f.openReadWrite(ctx)
	default:
		err = errors.Newf(errors.ErrCodeInvalidMode, "invalid mode %d", int(mode)).WithComponent("file")
	}
	if err != nil {
		return nil, err
	}
	f.logger.Debug("file opened", "size", f.size, "policy", f.opts.Policy)
	return f, nil
}

func (f *BufferedFile) openRead(ctx context.Context) error {
	source, err := f.backend.Source(ctx, f.path)
	if err != nil {
		return err
	}
	size, err := source.Size(ctx)
	if err == nil {
		f.version, err = source.VersionToken(ctx)
	}
	if err != nil {
		closeSource(source)
		return err
	}

	copts := f.opts.Cache
	if copts.Logger == nil {
		copts.Logger = f.opts.Logger
	}
	policy, err := cache.New(f.opts.Policy, source, size, copts)
	if err != nil {
		closeSource(source)
		return err
	}
	f.source, f.size, f.policy = source, size, policy
	return nil
}

func (f *BufferedFile) openWrite() error {
	caps := f.backend.Capabilities()
	if !caps.Writable {
		return errors.Newf(errors.ErrCodeUnsupported, "%s backend is read-only", f.backend.Scheme()).
			WithComponent("file")
	}

	mp, ok := f.backend.(types.MultipartBackend)
	if !ok || !caps.Multipart {
		f.wbuf = buffer.NewWriteBuffer(buffer.WriteBufferConfig{}, nil)
		return nil
	}

	partSize := f.opts.PartSize
	if partSize <= 0 {
		partSize = DefaultPartSize
	}
	partSize = max(partSize, caps.MinPartSize)
	f.multipart = mp
	f.wbuf = buffer.NewWriteBuffer(buffer.WriteBufferConfig{PartSize: partSize}, f.uploadPart)
	return nil
}

func (f *BufferedFile) openReadWrite(ctx context.Context) error {
	caps := f.backend.Capabilities()
	if !caps.Bidirectional || !caps.Writable {
		return errors.Newf(errors.ErrCodeInvalidMode, "%s backend does not support read-write handles", f.backend.Scheme()).
			WithComponent("file")
	}

	source, err := f.backend.Source(ctx, f.path)
	if errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer closeSource(source)

	size, err := source.Size(ctx)
	if err != nil {
		return err
	}
	if f.image, err = source.FetchRange(ctx, 0, size); err != nil {
		return err
	}
	f.size = int64(len(f.image))
	return nil
}

func closeSource(source types.ByteSource) {
	if c, ok := source.(io.Closer); ok {
		_ = c.Close()
	}
}

func (f *BufferedFile) closedError(op string) error {
	return errors.New(errors.ErrCodeHandleClosed, "file is closed").
		WithComponent("file").
		WithOperation(op).
		WithContext("path", f.path)
}

func (f *BufferedFile) modeError(op string) error {
	return errors.Newf(errors.ErrCodeInvalidMode, "%s not permitted in mode %s", op, f.mode).
		WithComponent("file").
		WithOperation(op).
		WithContext("path", f.path)
}

// incomplete wraps a multipart failure so the caller can abort or resume.
func (f *BufferedFile) incomplete(err error, op string) error {
	return errors.Wrap(err, errors.ErrCodeIncompleteUpload, "multipart upload did not complete").
		WithComponent("file").
		WithOperation(op).
		WithContext("path", f.path).
		WithDetail("upload_id", f.uploadID).
		WithDetail("parts_uploaded", len(f.parts))
}

// Path returns the backend path of the handle.
func (f *BufferedFile) Path() string { return f.path }

// Mode returns the access mode of the handle.
func (f *BufferedFile) Mode() Mode { return f.mode }

// Version returns the version token observed at open. Write handles have
// none.
func (f *BufferedFile) Version() string { return f.version }

// Size returns the object size for read handles and the bytes written so
// far for write handles.
func (f *BufferedFile) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mode == ModeWrite {
		return f.written
	}
	return f.size
}

// Tell returns the current offset.
func (f *BufferedFile) Tell() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset
}

// Info returns the backend metadata of the object.
func (f *BufferedFile) Info(ctx context.Context) (*types.ObjectInfo, error) {
	return f.backend.Info(ctx, f.path)
}

// Seek implements io.Seeker without any I/O. Write handles only report
// their position.
func (f *BufferedFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, f.closedError("seek")
	}
	if f.mode == ModeWrite {
		if offset == 0 && whence == io.SeekCurrent {
			return f.offset, nil
		}
		return 0, errors.New(errors.ErrCodeUnsupported, "write handles are append-only").
			WithComponent("file").
			WithOperation("seek")
	}

	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = f.offset
	case io.SeekEnd:
		base = f.size
	default:
		return 0, errors.Newf(errors.ErrCodeOutOfRange, "invalid whence %d", whence).WithComponent("file")
	}
	pos := base + offset
	if pos < 0 {
		return 0, errors.Newf(errors.ErrCodeOutOfRange, "negative position %d", pos).
			WithComponent("file").
			WithOperation("seek")
	}
	f.offset = pos
	return pos, nil
}

// readLocked returns up to n bytes at off without moving the offset.
func (f *BufferedFile) readLocked(ctx context.Context, off, n int64, op string) ([]byte, error) {
	if f.closed {
		return nil, f.closedError(op)
	}
	if off < 0 || n < 0 {
		return nil, errors.Newf(errors.ErrCodeOutOfRange, "invalid read offset=%d length=%d", off, n).
			WithComponent("file").
			WithOperation(op)
	}
	switch f.mode {
	case ModeRead:
		if n == 0 || off >= f.size {
			return nil, nil
		}
		return f.policy.Read(ctx, off, n)
	case ModeReadWrite:
		r := types.ByteRange{Offset: off, Length: n}.Clamp(f.size)
		return bytes.Clone(f.image[r.Offset:r.End()]), nil
	default:
		return nil, f.modeError(op)
	}
}

// Read implements io.Reader. It returns io.EOF once the offset reaches the
// end of the object.
func (f *BufferedFile) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(p) == 0 {
		if f.closed {
			return 0, f.closedError("read")
		}
		return 0, nil
	}
	data, err := f.readLocked(f.ctx, f.offset, int64(len(p)), "read")
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, data)
	f.offset += int64(n)
	return n, nil
}

// ReadAt implements io.ReaderAt. The offset of the handle is unchanged.
func (f *BufferedFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := f.readLocked(f.ctx, off, int64(len(p)), "read_at")
	if err != nil {
		return 0, err
	}
	n := copy(p, data)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// ReadRange returns the bytes of [off, off+n) clamped to the object size.
// A range starting at or past the end yields an empty result.
func (f *BufferedFile) ReadRange(ctx context.Context, off, n int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := f.readLocked(ctx, off, n, "read_range")
	if data == nil && err == nil {
		data = []byte{}
	}
	return data, err
}

// ReadUntil reads from the current offset through the first delim,
// inclusive. At the end of the object it returns what remains and io.EOF.
func (f *BufferedFile) ReadUntil(delim byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	chunk := f.opts.Cache.BlockSize
	if chunk <= 0 {
		chunk = 64 << 10
	}
	var out []byte
	for {
		data, err := f.readLocked(f.ctx, f.offset, chunk, "read_until")
		if err != nil {
			return out, err
		}
		if len(data) == 0 {
			return out, io.EOF
		}
		if i := bytes.IndexByte(data, delim); i >= 0 {
			out = append(out, data[:i+1]...)
			f.offset += int64(i + 1)
			return out, nil
		}
		out = append(out, data...)
		f.offset += int64(len(data))
	}
}

// Readline reads one line including its trailing newline.
func (f *BufferedFile) Readline() ([]byte, error) {
	return f.ReadUntil('\n')
}

// Write implements io.Writer. Read-write handles write at the offset;
// write handles append. A failed part upload fails this and every later
// write with INCOMPLETE_UPLOAD.
func (f *BufferedFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, f.closedError("write")
	}

	switch f.mode {
	case ModeReadWrite:
		end := f.offset + int64(len(p))
		if end > int64(len(f.image)) {
			f.image = append(f.image, make([]byte, end-int64(len(f.image)))...)
		}
		copy(f.image[f.offset:], p)
		f.offset = end
		f.size = int64(len(f.image))
		f.dirty = true
		return len(p), nil
	case ModeWrite:
	default:
		return 0, f.modeError("write")
	}

	if f.failed != nil {
		return 0, f.failed
	}
	n, err := f.wbuf.Write(f.ctx, p)
	f.written += int64(n)
	f.offset += int64(n)
	if err != nil {
		f.failed = err
		return n, err
	}
	return n, nil
}

// uploadPart is the write buffer's flush callback in multipart mode. The
// upload is created lazily so objects smaller than one part are written
// with a single PutObject.
func (f *BufferedFile) uploadPart(ctx context.Context, partNumber int, data []byte) error {
	if f.uploadID == "" {
		id, err := f.multipart.CreateMultipart(ctx, f.path)
		if err != nil {
			return err
		}
		f.uploadID = id
		f.logger.Debug("multipart upload started", "upload_id", id)
	}
	etag, err := f.multipart.UploadPart(ctx, f.path, f.uploadID, partNumber, data)
	if err != nil {
		f.logger.Warn("part upload failed", "upload_id", f.uploadID, "part", partNumber, "error", err)
		return f.incomplete(err, "upload_part")
	}
	f.parts = append(f.parts, types.CompletedPart{PartNumber: partNumber, ETag: etag, Size: int64(len(data))})
	return nil
}

// UploadID returns the id of the multipart upload in progress, if any. It
// stays set after a failed Close so the upload can be aborted.
func (f *BufferedFile) UploadID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploadID
}

// Stats returns the read cache statistics of the handle.
func (f *BufferedFile) Stats() types.CacheStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.policy == nil {
		return types.CacheStats{}
	}
	return f.policy.Stats()
}

// InvalidateCache drops everything the read cache holds.
func (f *BufferedFile) InvalidateCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.policy != nil && !f.closed {
		f.policy.Invalidate()
	}
}

// Close flushes pending writes and releases the handle. Upload failures are
// always returned. Closing again is a no-op.
func (f *BufferedFile) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true

	var err error
	switch f.mode {
	case ModeRead:
		err = f.policy.Close()
		closeSource(f.source)
	case ModeWrite:
		err = f.commit(f.ctx)
		f.wbuf.Release()
	case ModeReadWrite:
		if f.dirty {
			err = f.backend.PutObject(f.ctx, f.path, f.image)
		}
		f.image = nil
	}
	f.mu.Unlock()

	if err != nil {
		f.logger.Error("close failed", "error", err)
	} else {
		f.logger.Debug("file closed", "written", f.written)
	}
	if f.opts.OnClose != nil {
		f.opts.OnClose(err)
	}
	return err
}

// commit uploads what the handle wrote.
func (f *BufferedFile) commit(ctx context.Context) error {
	if f.failed != nil {
		return f.failed
	}
	if f.uploadID == "" {
		// never reached a full part, or whole-object mode
		return f.backend.PutObject(ctx, f.path, f.wbuf.Bytes())
	}

	if err := f.wbuf.Flush(ctx); err != nil {
		return err
	}
	if err := f.multipart.CompleteMultipart(ctx, f.path, f.uploadID, f.parts); err != nil {
		f.logger.Warn("multipart completion failed", "upload_id", f.uploadID, "error", err)
		return f.incomplete(err, "complete_multipart")
	}
	f.logger.Debug("multipart upload completed", "upload_id", f.uploadID, "parts", len(f.parts))
	f.uploadID = ""
	return nil
}

// Abort closes the handle without committing. A multipart upload in
// progress, including one left behind by a failed Close, is aborted.
func (f *BufferedFile) Abort(ctx context.Context) error {
	f.mu.Lock()
	wasClosed := f.closed
	f.closed = true
	var err error
	if f.uploadID != "" {
		err = f.multipart.AbortMultipart(ctx, f.path, f.uploadID)
		if err == nil {
			f.logger.Debug("multipart upload aborted", "upload_id", f.uploadID)
			f.uploadID = ""
		}
	}
	if !wasClosed {
		switch f.mode {
		case ModeRead:
			_ = f.policy.Close()
			closeSource(f.source)
		case ModeWrite:
			f.wbuf.Release()
		case ModeReadWrite:
			f.image = nil
		}
	}
	f.mu.Unlock()

	if !wasClosed && f.opts.OnClose != nil {
		f.opts.OnClose(err)
	}
	return err
}

// Discard drops pending writes and closes the handle without uploading.
func (f *BufferedFile) Discard() error {
	return f.Abort(f.ctx)
}
