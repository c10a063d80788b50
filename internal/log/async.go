package log

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

type asyncEntry struct {
	handler slog.Handler
	record  slog.Record
}

// asyncCore is shared by an AsyncHandler and all handlers derived from it.
type asyncCore struct {
	entries chan asyncEntry
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// AsyncHandler is a slog.Handler handing records over to a background writer.
//
// Handle never blocks: when the buffer is full the record is dropped and counted.
type AsyncHandler struct {
	core *asyncCore
	next slog.Handler
}

// NewAsyncHandler returns a handler writing to next from a background goroutine, buffering up to size records.
func NewAsyncHandler(next slog.Handler, size int) *AsyncHandler {
	if size < 1 {
		size = 1
	}
	c := &asyncCore{entries: make(chan asyncEntry, size)}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for e := range c.entries {
			_ = e.handler.Handle(context.Background(), e.record)
		}
	}()

	return &AsyncHandler{core: c, next: next}
}

// Enabled implements slog.Handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *AsyncHandler) Handle(_ context.Context, record slog.Record) error {
	h.core.mu.RLock()
	defer h.core.mu.RUnlock()

	if h.core.closed {
		h.core.dropped.Add(1)
		return nil
	}

	select {
	case h.core.entries <- asyncEntry{handler: h.next, record: record.Clone()}:
	default:
		h.core.dropped.Add(1)
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{core: h.core, next: h.next.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{core: h.core, next: h.next.WithGroup(name)}
}

// Dropped returns the number of records discarded because the buffer was full or the handler closed.
func (h *AsyncHandler) Dropped() uint64 {
	return h.core.dropped.Load()
}

// Close stops accepting records and waits for the buffered ones to be written.
func (h *AsyncHandler) Close() error {
	h.core.mu.Lock()
	if h.core.closed {
		h.core.mu.Unlock()
		return nil
	}
	h.core.closed = true
	close(h.core.entries)
	h.core.mu.Unlock()

	h.core.wg.Wait()
	return nil
}
