// Package memory implements an in-process storage backend. It supports
// whole-object and multipart writes and records every ranged fetch so
// cache behaviour can be observed.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/objectfs/fscache/pkg/errors"
	"github.com/objectfs/fscache/pkg/types"
	"github.com/objectfs/fscache/pkg/utils"
)

// Scheme is the URL scheme served by this backend.
const Scheme = "memory"

// Op names a backend operation for fault injection.
type Op string

const (
	OpFetch    Op = "fetch"
	OpInfo     Op = "info"
	OpPut      Op = "put"
	OpPart     Op = "upload_part"
	OpComplete Op = "complete"
)

// FetchHook runs before every FetchRange. Returning an error fails the fetch.
type FetchHook func(ctx context.Context, path string, r types.ByteRange) error

type object struct {
	data       []byte
	modTime    time.Time
	generation int64
}

type upload struct {
	path  string
	parts map[int][]byte
}

// Backend is a thread-safe in-memory object store.
type Backend struct {
	mu         sync.RWMutex
	objects    map[string]*object
	uploads    map[string]*upload
	generation int64
	faults     map[Op]error
	fetchLog   []types.ByteRange
	hook       FetchHook

	caps   types.Capabilities
	logger *slog.Logger

	fetchCalls   *atomic.Uint64
	fetchedBytes *atomic.Int64
}

// Option configures a Backend.
type Option func(*Backend)

// WithMultipart enables multipart uploads with the given minimum part size.
func WithMultipart(minPartSize int64) Option {
	return func(b *Backend) {
		b.caps.Multipart = true
		b.caps.MinPartSize = minPartSize
	}
}

// WithBidirectional allows read-write handles.
func WithBidirectional() Option {
	return func(b *Backend) { b.caps.Bidirectional = true }
}

// WithFetchHook installs a hook run before every ranged fetch.
func WithFetchHook(hook FetchHook) Option {
	return func(b *Backend) { b.hook = hook }
}

// WithLogger sets the backend logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// New creates an empty Backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		objects:      make(map[string]*object),
		uploads:      make(map[string]*upload),
		faults:       make(map[Op]error),
		caps:         types.Capabilities{Writable: true},
		logger:       slog.Default(),
		fetchCalls:   atomic.NewUint64(0),
		fetchedBytes: atomic.NewInt64(0),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = utils.OrDefault(b.logger).With("component", "memory-backend")
	return b
}

// Scheme implements types.Backend.
func (b *Backend) Scheme() string { return Scheme }

// Capabilities implements types.Backend.
func (b *Backend) Capabilities() types.Capabilities { return b.caps }

func notFound(op, path string) error {
	return errors.Newf(errors.ErrCodeNotFound, "object %q not found", path).
		WithComponent("memory").
		WithOperation(op).
		WithContext("path", path)
}

func (b *Backend) fault(op Op) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.faults[op]
}

// Info implements types.Backend.
func (b *Backend) Info(ctx context.Context, path string) (*types.ObjectInfo, error) {
	if err := b.fault(OpInfo); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[path]
	if !ok {
		return nil, notFound("info", path)
	}
	return obj.info(path), nil
}

func (o *object) info(path string) *types.ObjectInfo {
	return &types.ObjectInfo{
		Key:          path,
		Size:         int64(len(o.data)),
		LastModified: o.modTime,
		ETag:         fmt.Sprintf("\"%d\"", o.generation),
	}
}

// Source implements types.Backend. The source is pinned to the generation
// current at the call: once the object is overwritten FetchRange fails with
// CONCURRENT_MODIFICATION, while VersionToken reports the new version.
func (b *Backend) Source(ctx context.Context, path string) (types.ByteSource, error) {
	if err := b.fault(OpInfo); err != nil {
		return nil, err
	}
	b.mu.RLock()
	obj, ok := b.objects[path]
	b.mu.RUnlock()
	if !ok {
		return nil, notFound("source", path)
	}
	return &source{backend: b, path: path, size: int64(len(obj.data)), generation: obj.generation}, nil
}

// PutObject implements types.Backend.
func (b *Backend) PutObject(ctx context.Context, path string, data []byte) error {
	if err := b.fault(OpPut); err != nil {
		return err
	}
	b.store(path, bytes.Clone(data))
	return nil
}

func (b *Backend) store(path string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.generation++
	b.objects[path] = &object{data: data, modTime: time.Now(), generation: b.generation}
}

// Delete implements types.Backend.
func (b *Backend) Delete(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[path]; !ok {
		return notFound("delete", path)
	}
	delete(b.objects, path)
	return nil
}

// CreateMultipart implements types.MultipartBackend.
func (b *Backend) CreateMultipart(ctx context.Context, path string) (string, error) {
	if !b.caps.Multipart {
		return "", errors.New(errors.ErrCodeUnsupported, "multipart uploads disabled").WithComponent("memory")
	}
	id := uuid.NewString()
	b.mu.Lock()
	b.uploads[id] = &upload{path: path, parts: make(map[int][]byte)}
	b.mu.Unlock()
	b.logger.Debug("multipart upload created", "path", path, "upload_id", id)
	return id, nil
}

// UploadPart implements types.MultipartBackend.
func (b *Backend) UploadPart(ctx context.Context, path, uploadID string, partNumber int, data []byte) (string, error) {
	if err := b.fault(OpPart); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	up, ok := b.uploads[uploadID]
	if !ok || up.path != path {
		return "", errors.Newf(errors.ErrCodeNotFound, "upload %s not found", uploadID).WithComponent("memory")
	}
	up.parts[partNumber] = bytes.Clone(data)
	return fmt.Sprintf("\"part-%d\"", partNumber), nil
}

// CompleteMultipart implements types.MultipartBackend. Parts are joined in
// part-number order.
func (b *Backend) CompleteMultipart(ctx context.Context, path, uploadID string, parts []types.CompletedPart) error {
	if err := b.fault(OpComplete); err != nil {
		return err
	}
	b.mu.Lock()
	up, ok := b.uploads[uploadID]
	if !ok || up.path != path {
		b.mu.Unlock()
		return errors.Newf(errors.ErrCodeNotFound, "upload %s not found", uploadID).WithComponent("memory")
	}
	sorted := slices.Clone(parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })
	var buf bytes.Buffer
	for _, p := range sorted {
		data, ok := up.parts[p.PartNumber]
		if !ok {
			b.mu.Unlock()
			return errors.Newf(errors.ErrCodeInternalError, "part %d was never uploaded", p.PartNumber).WithComponent("memory")
		}
		buf.Write(data)
	}
	delete(b.uploads, uploadID)
	b.mu.Unlock()

	b.store(path, buf.Bytes())
	return nil
}

// AbortMultipart implements types.MultipartBackend.
func (b *Backend) AbortMultipart(ctx context.Context, path, uploadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.uploads, uploadID)
	return nil
}

// PendingUploads returns the number of multipart uploads neither completed
// nor aborted.
func (b *Backend) PendingUploads() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.uploads)
}

// SetFault makes op fail with err until cleared with a nil err.
func (b *Backend) SetFault(op Op, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.faults, op)
		return
	}
	b.faults[op] = err
}

// FetchCalls returns the number of ranged fetches served.
func (b *Backend) FetchCalls() uint64 { return b.fetchCalls.Load() }

// FetchedBytes returns the number of bytes returned by ranged fetches.
func (b *Backend) FetchedBytes() int64 { return b.fetchedBytes.Load() }

// FetchLog returns the ranges fetched since the last ResetCounters.
func (b *Backend) FetchLog() []types.ByteRange {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.fetchLog)
}

// ResetCounters clears fetch statistics and the fetch log.
func (b *Backend) ResetCounters() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchLog = nil
	b.fetchCalls.Store(0)
	b.fetchedBytes.Store(0)
}

func (b *Backend) fetch(ctx context.Context, path string, generation, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, errors.Newf(errors.ErrCodeOutOfRange, "invalid range offset=%d length=%d", offset, length).
			WithComponent("memory")
	}
	if b.hook != nil {
		if err := b.hook(ctx, path, types.ByteRange{Offset: offset, Length: length}); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.fault(OpFetch); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	obj, ok := b.objects[path]
	if !ok {
		return nil, notFound("fetch_range", path)
	}
	if obj.generation != generation {
		return nil, errors.Newf(errors.ErrCodeConcurrentModification, "%s was overwritten after it was opened", path).
			WithComponent("memory").
			WithOperation("fetch_range").
			WithDetail("opened_generation", generation).
			WithDetail("current_generation", obj.generation)
	}
	r := types.ByteRange{Offset: offset, Length: length}.Clamp(int64(len(obj.data)))
	out := bytes.Clone(obj.data[r.Offset:r.End()])

	b.fetchLog = append(b.fetchLog, r)
	b.fetchCalls.Inc()
	b.fetchedBytes.Add(int64(len(out)))
	return out, nil
}

type source struct {
	backend    *Backend
	path       string
	size       int64
	generation int64
}

func (s *source) Identity() string { return Scheme + "://" + s.path }

func (s *source) Size(ctx context.Context) (int64, error) { return s.size, nil }

func (s *source) VersionToken(ctx context.Context) (string, error) {
	info, err := s.backend.Info(ctx, s.path)
	if err != nil {
		return "", err
	}
	return info.VersionToken(), nil
}

func (s *source) FetchRange(ctx context.Context, offset, length int64) ([]byte, error) {
	return s.backend.fetch(ctx, s.path, s.generation, offset, length)
}
