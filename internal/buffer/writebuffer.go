package buffer

import (
	"context"
	"sync"
	"time"
)

// FlushCallback uploads one part. Part numbers start at 1.
type FlushCallback func(ctx context.Context, partNumber int, data []byte) error

// WriteBufferConfig represents write buffer configuration
type WriteBufferConfig struct {
	// PartSize is the flush threshold. Zero means the buffer only grows and
	// is drained by the caller at close.
	PartSize int64 `yaml:"part_size"`

	// Pool supplies part buffers. Nil uses the package default pool.
	Pool *BytePool `yaml:"-"`
}

// WriteBufferStats tracks write buffer activity
type WriteBufferStats struct {
	TotalWrites  uint64    `json:"total_writes"`
	TotalFlushes uint64    `json:"total_flushes"`
	TotalBytes   int64     `json:"total_bytes"`
	FlushedBytes int64     `json:"flushed_bytes"`
	PendingBytes int64     `json:"pending_bytes"`
	Errors       uint64    `json:"errors"`
	LastFlush    time.Time `json:"last_flush"`
}

// WriteBuffer accumulates sequential writes for one handle and hands them
// to a FlushCallback in parts of exactly PartSize bytes. The final part,
// which may be shorter, is flushed by Flush.
type WriteBuffer struct {
	mu       sync.Mutex
	config   WriteBufferConfig
	pool     *BytePool
	data     []byte
	pooled   bool
	nextPart int
	flush    FlushCallback
	stats    WriteBufferStats
}

// NewWriteBuffer creates a write buffer. A nil callback or zero PartSize
// disables part flushing.
func NewWriteBuffer(config WriteBufferConfig, flush FlushCallback) *WriteBuffer {
	pool := config.Pool
	if pool == nil {
		pool = defaultBytePool
	}
	wb := &WriteBuffer{
		config:   config,
		pool:     pool,
		nextPart: 1,
		flush:    flush,
	}
	if wb.multipart() {
		wb.data = pool.Get(int(config.PartSize))[:0]
		wb.pooled = true
	}
	return wb
}

func (wb *WriteBuffer) multipart() bool {
	return wb.flush != nil && wb.config.PartSize > 0
}

// Write appends p, flushing every full part. On a flush error the
// unflushed bytes stay buffered and the error is returned.
func (wb *WriteBuffer) Write(ctx context.Context, p []byte) (int, error) {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	wb.stats.TotalWrites++
	wb.stats.TotalBytes += int64(len(p))

	if !wb.multipart() {
		wb.data = append(wb.data, p...)
		return len(p), nil
	}

	total := len(p)
	partSize := int(wb.config.PartSize)
	for {
		if len(wb.data) >= partSize {
			if err := wb.flushLocked(ctx); err != nil {
				wb.data = append(wb.data, p...)
				return total, err
			}
		}
		if len(p) == 0 {
			return total, nil
		}
		n := min(partSize-len(wb.data), len(p))
		wb.data = append(wb.data, p[:n]...)
		p = p[n:]
	}
}

func (wb *WriteBuffer) flushLocked(ctx context.Context) error {
	if err := wb.flush(ctx, wb.nextPart, wb.data); err != nil {
		wb.stats.Errors++
		return err
	}
	wb.stats.TotalFlushes++
	wb.stats.FlushedBytes += int64(len(wb.data))
	wb.stats.LastFlush = time.Now()
	wb.nextPart++
	wb.data = wb.data[:0]
	return nil
}

// Flush hands any buffered bytes to the callback as the final part. It is
// a no-op without a callback or when nothing is pending.
func (wb *WriteBuffer) Flush(ctx context.Context) error {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	if !wb.multipart() || len(wb.data) == 0 {
		return nil
	}
	return wb.flushLocked(ctx)
}

// Bytes returns the pending, unflushed bytes. The slice is only valid
// until the next Write, Reset or Release.
func (wb *WriteBuffer) Bytes() []byte {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return wb.data
}

// Len returns the number of pending bytes
func (wb *WriteBuffer) Len() int {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return len(wb.data)
}

// PartsFlushed returns how many parts the callback accepted
func (wb *WriteBuffer) PartsFlushed() int {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return wb.nextPart - 1
}

// Reset drops pending bytes without flushing them
func (wb *WriteBuffer) Reset() {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	wb.data = wb.data[:0]
}

// Release returns the part buffer to its pool. The WriteBuffer must not be
// used afterwards.
func (wb *WriteBuffer) Release() {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	if wb.pooled {
		wb.pool.Put(wb.data)
		wb.pooled = false
	}
	wb.data = nil
}

// GetStats returns current buffer statistics
func (wb *WriteBuffer) GetStats() WriteBufferStats {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	stats := wb.stats
	stats.PendingBytes = int64(len(wb.data))
	return stats
}
