package audit

import (
	"context"
	"log/slog"

	"github.com/nullstream/genai-key-proxy/internal/config"
)

// Writer accepts Events from the hot path without ever blocking it. Record
// is the only method the Retry Loop, Credential Manager, or Breaker call.
type Writer interface {
	Record(e Event)
	Close()
}

// DropHookSetter is implemented by Writer values that support observing a
// dropped event (the buffer-full case), so the process-wide metrics
// registry can be wired in without this package importing it.
type DropHookSetter interface {
	SetDropHook(fn func())
}

// New builds a Writer for cfg. When cfg.Enabled is false it returns a
// no-op writer so every caller can unconditionally call Record without a
// nil check or a config branch of its own.
func New(cfg config.AuditConfig, logger *slog.Logger) (Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return noopWriter{}, nil
	}

	store, err := OpenStore(cfg)
	if err != nil {
		return nil, err
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1024
	}

	w := &bufferedWriter{
		events: make(chan Event, bufferSize),
		done:   make(chan struct{}),
		store:  store,
		logger: logger,
	}
	go w.run()
	return w, nil
}

type noopWriter struct{}

func (noopWriter) Record(Event) {}
func (noopWriter) Close()       {}

// bufferedWriter decouples the hot path from audit storage latency: Record
// is a non-blocking channel send, and a single background goroutine drains
// it into the Store. A full buffer drops the event and logs a warning
// rather than applying backpressure to the caller.
type bufferedWriter struct {
	events chan Event
	done   chan struct{}
	store  Store
	logger *slog.Logger
	onDrop func()
}

// SetDropHook registers fn to be called whenever Record drops an event
// because the buffer is full.
func (w *bufferedWriter) SetDropHook(fn func()) {
	w.onDrop = fn
}

func (w *bufferedWriter) Record(e Event) {
	select {
	case w.events <- e:
	default:
		w.logger.Warn("audit_event_dropped", "event", "audit_event_dropped", "kind", e.Kind, "reason", "buffer_full")
		if w.onDrop != nil {
			w.onDrop()
		}
	}
}

func (w *bufferedWriter) run() {
	defer close(w.done)
	ctx := context.Background()
	for e := range w.events {
		if err := w.store.Append(ctx, e); err != nil {
			w.logger.Warn("audit_write_failed", "event", "audit_write_failed", "kind", e.Kind, "error", err)
		}
	}
}

// Close drains remaining buffered events and releases the Store. It blocks
// until the background writer has exited.
func (w *bufferedWriter) Close() {
	close(w.events)
	<-w.done
	_ = w.store.Close()
}
