package store

import (
	"context"
	"sync"
	"time"

	"github.com/signalsfoundry/trackcast/internal/logging"
	"github.com/signalsfoundry/trackcast/model"
)

// WriteBehind decouples callers from storage latency. SaveTrack copies the
// track into a bounded buffer and returns immediately; a single worker
// drains the buffer into the wrapped store. Failures are logged and
// counted, never returned to the caller.
type WriteBehind struct {
	next    TrackStore
	log     logging.Logger
	metrics MetricsRecorder
	timeout time.Duration

	queue chan *model.Track

	mu      sync.Mutex
	started bool
	closed  bool
	done    chan struct{}
}

// WriteBehindOption customises a WriteBehind.
type WriteBehindOption func(*WriteBehind)

// WithWriteLogger sets the logger used for failed writes.
func WithWriteLogger(log logging.Logger) WriteBehindOption {
	return func(w *WriteBehind) {
		if log != nil {
			w.log = log
		}
	}
}

// WithStoreMetrics attaches a failure counter.
func WithStoreMetrics(m MetricsRecorder) WriteBehindOption {
	return func(w *WriteBehind) { w.metrics = m }
}

// WithWriteTimeout bounds each individual write. Defaults to 5s.
func WithWriteTimeout(d time.Duration) WriteBehindOption {
	return func(w *WriteBehind) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// NewWriteBehind wraps next with a buffer of size entries.
func NewWriteBehind(next TrackStore, size int, opts ...WriteBehindOption) *WriteBehind {
	if next == nil {
		next = Noop{}
	}
	if size <= 0 {
		size = 1024
	}
	w := &WriteBehind{
		next:    next,
		log:     logging.Noop(),
		timeout: 5 * time.Second,
		queue:   make(chan *model.Track, size),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Start launches the worker. It is a no-op if already started.
func (w *WriteBehind) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.closed {
		return
	}
	w.started = true
	go w.run()
}

// SaveTrack enqueues a copy of t. It returns ErrQueueFull when the buffer
// is full; the write is dropped in that case.
func (w *WriteBehind) SaveTrack(_ context.Context, t *model.Track) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrQueueFull
	}
	select {
	case w.queue <- t.Clone():
		return nil
	default:
		w.recordError("enqueue")
		return ErrQueueFull
	}
}

// FindDuplicate forwards to the wrapped store when it supports dedup.
func (w *WriteBehind) FindDuplicate(ctx context.Context, key model.DedupKey, day time.Time) (string, bool, error) {
	if f, ok := w.next.(DuplicateFinder); ok {
		return f.FindDuplicate(ctx, key, day)
	}
	return "", false, nil
}

// Pending returns the number of buffered writes.
func (w *WriteBehind) Pending() int { return len(w.queue) }

// Close stops accepting writes and waits for the buffer to drain or ctx
// to expire.
func (w *WriteBehind) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	started := w.started
	close(w.queue)
	w.mu.Unlock()

	if !started {
		w.run()
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *WriteBehind) run() {
	defer close(w.done)
	for t := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		if err := w.next.SaveTrack(ctx, t); err != nil {
			w.recordError("save")
			w.log.Warn(ctx, "persist track failed",
				logging.String("track_id", t.ID),
				logging.String("status", string(t.Status)),
				logging.Err(err),
			)
		}
		cancel()
	}
}

func (w *WriteBehind) recordError(op string) {
	if w.metrics != nil {
		w.metrics.StoreError(op)
	}
}
