package types

import "context"

// ByteSource exposes sized, range-readable bytes plus a change-detection
// token. Retries and timeouts are the source's own business.
type ByteSource interface {
	// Size returns the total number of bytes in the source.
	Size(ctx context.Context) (int64, error)

	// VersionToken returns an opaque value that changes whenever the
	// content changes (etag, mtime, checksum).
	VersionToken(ctx context.Context) (string, error)

	// FetchRange returns up to length bytes starting at offset. Fewer bytes
	// are returned only when the range runs past the end of the source.
	FetchRange(ctx context.Context, offset, length int64) ([]byte, error)
}

// Identifier is implemented by sources that can name themselves stably
// across processes, e.g. "s3://bucket/key".
type Identifier interface {
	Identity() string
}

// Capabilities describes what a backend can do beyond reading.
type Capabilities struct {
	Writable      bool  `json:"writable"`
	Multipart     bool  `json:"multipart"`
	Bidirectional bool  `json:"bidirectional"`
	MinPartSize   int64 `json:"min_part_size"`

	// Sequential is set when one large FetchRange is cheaper than several
	// small ones, so adjacent blocks should be coalesced.
	Sequential bool `json:"sequential"`
}

// Backend is the narrow contract the core consumes from a storage
// implementation: metadata, a ByteSource per object and whole-object writes.
type Backend interface {
	Scheme() string
	Capabilities() Capabilities
	Info(ctx context.Context, path string) (*ObjectInfo, error)
	Source(ctx context.Context, path string) (ByteSource, error)
	PutObject(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
}

// MultipartBackend is a Backend that accepts chunked uploads.
type MultipartBackend interface {
	Backend
	CreateMultipart(ctx context.Context, path string) (uploadID string, err error)
	UploadPart(ctx context.Context, path, uploadID string, partNumber int, data []byte) (etag string, err error)
	CompleteMultipart(ctx context.Context, path, uploadID string, parts []CompletedPart) error
	AbortMultipart(ctx context.Context, path, uploadID string) error
}

// LocalPather is implemented by backends whose objects live on the local
// filesystem, so a cached copy can be opened without copying.
type LocalPather interface {
	LocalPath(path string) string
}
