package types

import (
	"fmt"
	"time"
)

// ByteRange is a half-open interval [Offset, Offset+Length).
type ByteRange struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// End returns the exclusive end offset.
func (r ByteRange) End() int64 {
	return r.Offset + r.Length
}

// IsEmpty reports whether the range covers no bytes.
func (r ByteRange) IsEmpty() bool {
	return r.Length <= 0
}

// Clamp clips the range to [0, size).
func (r ByteRange) Clamp(size int64) ByteRange {
	if r.Offset >= size || r.Length <= 0 {
		return ByteRange{Offset: min(r.Offset, size), Length: 0}
	}
	if r.End() > size {
		r.Length = size - r.Offset
	}
	return r
}

// Contains reports whether o lies entirely inside r.
func (r ByteRange) Contains(o ByteRange) bool {
	return o.Offset >= r.Offset && o.End() <= r.End()
}

// Overlaps reports whether r and o share at least one byte.
func (r ByteRange) Overlaps(o ByteRange) bool {
	return r.Offset < o.End() && o.Offset < r.End()
}

func (r ByteRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Offset, r.End())
}

// Block is one aligned unit of a source's address space. Data is
// block-size long except possibly for the final block.
type Block struct {
	Index int64
	Data  []byte
}

// CompletedPart records one uploaded part of a multipart upload.
type CompletedPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size"`
}

// ObjectInfo represents metadata about an object.
type ObjectInfo struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	LastModified time.Time         `json:"last_modified"`
	ETag         string            `json:"etag"`
	ContentType  string            `json:"content_type"`
	Metadata     map[string]string `json:"metadata"`
	Checksum     string            `json:"checksum"`
}

// VersionToken derives the change-detection token for the object:
// the checksum or etag when present, else modification time and size.
func (o *ObjectInfo) VersionToken() string {
	switch {
	case o.Checksum != "":
		return o.Checksum
	case o.ETag != "":
		return o.ETag
	default:
		return fmt.Sprintf("%d-%d", o.LastModified.UnixNano(), o.Size)
	}
}

// CacheStats represents cache performance statistics.
type CacheStats struct {
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	Evictions      uint64  `json:"evictions"`
	FetchCalls     uint64  `json:"fetch_calls"`
	BytesFetched   int64   `json:"bytes_fetched"`
	BytesRequested int64   `json:"bytes_requested"`
	Entries        int     `json:"entries"`
	Size           int64   `json:"size"`
	Capacity       int64   `json:"capacity"`
	HitRate        float64 `json:"hit_rate"`
	Utilization    float64 `json:"utilization"`
}

// Finalize fills the derived ratios.
func (s CacheStats) Finalize() CacheStats {
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	if s.Capacity > 0 {
		s.Utilization = float64(s.Size) / float64(s.Capacity)
	}
	return s
}
