package cache

import (
	"context"

	"github.com/objectfs/fscache/pkg/types"
)

// NoCache passes every read straight to the source.
type NoCache struct {
	source types.ByteSource
	size   int64
	counters
}

func NewNoCache(source types.ByteSource, size int64, _ Options) *NoCache {
	return &NoCache{source: source, size: size}
}

func (n *NoCache) Read(ctx context.Context, offset, length int64) ([]byte, error) {
	r, err := request(offset, length, n.size)
	if err != nil {
		return nil, err
	}
	if r.IsEmpty() {
		return []byte{}, nil
	}
	data, err := fetchExact(ctx, n.source, r)
	if err != nil {
		return nil, err
	}
	n.fetched(1, int64(len(data)))
	n.record(false, len(data))
	return data, nil
}

func (n *NoCache) Invalidate() {}

func (n *NoCache) EvictIf(func(types.ByteRange) bool) int { return 0 }

func (n *NoCache) Stats() types.CacheStats { return n.snapshot().Finalize() }

func (n *NoCache) Close() error { return nil }
