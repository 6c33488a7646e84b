package buffer

import (
	"sync"
)

// BytePool provides object pooling for byte slices to reduce GC pressure
type BytePool struct {
	pools map[int]*sync.Pool
	sizes []int
}

// DefaultSizes are the bucket sizes used by NewBytePool. They cover block
// sizes and upload part sizes from 64KB to 64MB.
var DefaultSizes = []int{
	65536,    // 64KB
	262144,   // 256KB
	1048576,  // 1MB
	4194304,  // 4MB
	5242880,  // 5MB, S3 minimum part size
	8388608,  // 8MB
	16777216, // 16MB
	67108864, // 64MB
}

// NewBytePool creates a pool with the given size buckets, or DefaultSizes.
// Sizes must be ascending.
func NewBytePool(sizes ...int) *BytePool {
	if len(sizes) == 0 {
		sizes = DefaultSizes
	}

	pools := make(map[int]*sync.Pool, len(sizes))
	for _, size := range sizes {
		size := size
		pools[size] = &sync.Pool{
			New: func() interface{} {
				return make([]byte, size)
			},
		}
	}

	return &BytePool{
		pools: pools,
		sizes: append([]int(nil), sizes...),
	}
}

// Get retrieves a byte slice of length size. Its capacity is the smallest
// bucket that fits, or exactly size when no bucket does.
func (p *BytePool) Get(size int) []byte {
	for _, bucketSize := range p.sizes {
		if bucketSize >= size {
			buf := p.pools[bucketSize].Get().([]byte)
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns a byte slice to the pool. Slices whose capacity does not
// match a bucket are left to the GC.
func (p *BytePool) Put(buf []byte) {
	if buf == nil {
		return
	}

	capacity := cap(buf)
	if pool, exists := p.pools[capacity]; exists {
		buf = buf[:capacity]
		clear(buf)
		// nolint:staticcheck // SA6002: sync.Pool.Put requires interface{}, slice allocation is expected
		pool.Put(buf)
	}
}

// PoolStats describes the configured buckets
type PoolStats struct {
	PoolSizes     []int `json:"pool_sizes"`
	TotalPools    int   `json:"total_pools"`
	MaxBufferSize int   `json:"max_buffer_size"`
	MinBufferSize int   `json:"min_buffer_size"`
}

// GetStats returns current pool statistics
func (p *BytePool) GetStats() PoolStats {
	stats := PoolStats{
		PoolSizes:  append([]int(nil), p.sizes...),
		TotalPools: len(p.pools),
	}
	if len(p.sizes) > 0 {
		stats.MinBufferSize = p.sizes[0]
		stats.MaxBufferSize = p.sizes[len(p.sizes)-1]
	}
	return stats
}

var defaultBytePool = NewBytePool()

// GetBuffer gets a buffer from the default pool
func GetBuffer(size int) []byte {
	return defaultBytePool.Get(size)
}

// PutBuffer returns a buffer to the default pool
func PutBuffer(buf []byte) {
	defaultBytePool.Put(buf)
}
