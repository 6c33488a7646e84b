package cache

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/objectfs/fscache/pkg/types"
)

// RollingWindow keeps one contiguous window of the source. Reads that
// overlap or touch the window extend it by fetching only the missing
// edges; any other read replaces it. The window is trimmed to WindowSize,
// keeping the end nearest the latest read.
type RollingWindow struct {
	source     types.ByteSource
	size       int64
	windowSize int64
	start      int64
	data       []byte
	logger     *slog.Logger
	counters
}

func NewRollingWindow(source types.ByteSource, size int64, opts Options) *RollingWindow {
	return &RollingWindow{
		source:     source,
		size:       size,
		windowSize: opts.WindowSize,
		logger:     opts.Logger.With("component", "cache", "policy", string(KindBytes)),
	}
}

func (w *RollingWindow) window() types.ByteRange {
	return types.ByteRange{Offset: w.start, Length: int64(len(w.data))}
}

func (w *RollingWindow) Read(ctx context.Context, offset, length int64) ([]byte, error) {
	r, err := request(offset, length, w.size)
	if err != nil {
		return nil, err
	}
	if r.IsEmpty() {
		return []byte{}, nil
	}

	win := w.window()
	if len(w.data) > 0 && win.Contains(r) {
		out := bytes.Clone(w.data[r.Offset-w.start : r.End()-w.start])
		w.record(true, len(out))
		return out, nil
	}

	backward := false
	if len(w.data) > 0 && r.Offset <= win.End() && r.End() >= win.Offset {
		var head, tail []byte
		if r.Offset < win.Offset {
			head, err = w.fetch(ctx, types.ByteRange{Offset: r.Offset, Length: win.Offset - r.Offset})
			if err != nil {
				return nil, err
			}
			backward = true
		}
		if r.End() > win.End() {
			tail, err = w.fetch(ctx, types.ByteRange{Offset: win.End(), Length: r.End() - win.End()})
			if err != nil {
				return nil, err
			}
			backward = false
		}
		if head != nil {
			w.data = append(head, w.data...)
			w.start = r.Offset
		}
		w.data = append(w.data, tail...)
	} else {
		data, err := w.fetch(ctx, r)
		if err != nil {
			return nil, err
		}
		if len(w.data) > 0 {
			w.logger.Debug("window restarted", "old", win.String(), "new", r.String())
		}
		w.data = data
		w.start = r.Offset
	}

	out := bytes.Clone(w.data[r.Offset-w.start : r.End()-w.start])
	w.trim(backward)
	w.record(false, len(out))
	return out, nil
}

func (w *RollingWindow) fetch(ctx context.Context, r types.ByteRange) ([]byte, error) {
	data, err := fetchExact(ctx, w.source, r)
	if err != nil {
		return nil, err
	}
	w.fetched(1, int64(len(data)))
	return data, nil
}

func (w *RollingWindow) trim(keepHead bool) {
	excess := int64(len(w.data)) - w.windowSize
	if excess <= 0 {
		return
	}
	if keepHead {
		w.data = bytes.Clone(w.data[:w.windowSize])
	} else {
		w.data = bytes.Clone(w.data[excess:])
		w.start += excess
	}
}

func (w *RollingWindow) Invalidate() {
	w.data = nil
	w.start = 0
}

func (w *RollingWindow) EvictIf(pred func(types.ByteRange) bool) int {
	if len(w.data) == 0 || !pred(w.window()) {
		return 0
	}
	w.Invalidate()
	w.evictions++
	return 1
}

func (w *RollingWindow) Stats() types.CacheStats {
	s := w.snapshot()
	if len(w.data) > 0 {
		s.Entries = 1
	}
	s.Size = int64(len(w.data))
	s.Capacity = w.windowSize
	return s.Finalize()
}

func (w *RollingWindow) Close() error {
	w.Invalidate()
	return nil
}
