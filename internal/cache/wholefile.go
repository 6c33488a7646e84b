package cache

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/objectfs/fscache/pkg/errors"
	"github.com/objectfs/fscache/pkg/types"
)

// WholeFile loads the entire source on first read and serves every later
// read from memory.
type WholeFile struct {
	source types.ByteSource
	size   int64
	data   []byte
	loaded bool
	logger *slog.Logger
	counters
}

// NewWholeFile fails with TOO_LARGE when size exceeds MaxWholeFileBytes.
func NewWholeFile(source types.ByteSource, size int64, opts Options) (*WholeFile, error) {
	if opts.MaxWholeFileBytes > 0 && size > opts.MaxWholeFileBytes {
		return nil, errors.Newf(errors.ErrCodeTooLarge,
			"source of %d bytes exceeds whole-file ceiling of %d", size, opts.MaxWholeFileBytes).
			WithComponent("cache").
			WithOperation("open").
			WithDetail("size", size).
			WithDetail("ceiling", opts.MaxWholeFileBytes)
	}
	return &WholeFile{
		source: source,
		size:   size,
		logger: opts.Logger.With("component", "cache", "policy", string(KindWholeFile)),
	}, nil
}

func (w *WholeFile) Read(ctx context.Context, offset, length int64) ([]byte, error) {
	r, err := request(offset, length, w.size)
	if err != nil {
		return nil, err
	}
	if r.IsEmpty() {
		return []byte{}, nil
	}

	hit := w.loaded
	if !w.loaded {
		data, err := fetchExact(ctx, w.source, types.ByteRange{Length: w.size})
		if err != nil {
			return nil, err
		}
		w.fetched(1, int64(len(data)))
		w.data = data
		w.loaded = true
		w.logger.Debug("loaded whole source", "size", w.size)
	}

	out := bytes.Clone(w.data[r.Offset:r.End()])
	w.record(hit, len(out))
	return out, nil
}

func (w *WholeFile) Invalidate() {
	w.data = nil
	w.loaded = false
}

func (w *WholeFile) EvictIf(pred func(types.ByteRange) bool) int {
	if !w.loaded || !pred(types.ByteRange{Length: w.size}) {
		return 0
	}
	w.Invalidate()
	w.evictions++
	return 1
}

func (w *WholeFile) Stats() types.CacheStats {
	s := w.snapshot()
	if w.loaded {
		s.Entries = 1
		s.Size = int64(len(w.data))
	}
	s.Capacity = w.size
	return s.Finalize()
}

func (w *WholeFile) Close() error {
	w.Invalidate()
	return nil
}
