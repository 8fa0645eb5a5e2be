package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type WriteFunc func(ctx context.Context, s Store) error

// Writer accepts fire-and-forget writes whose results nothing reads back.
type Writer interface {
	Enqueue(op string, fn WriteFunc) bool
}

type write struct {
	op   string
	fn   WriteFunc
	done chan struct{}
}

// Queue applies writes in submission order on a single goroutine.
type Queue struct {
	store   Store
	timeout time.Duration
	logger  *slog.Logger
	ch      chan write
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

func NewQueue(store Store, size int, timeout time.Duration, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 4096
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	q := &Queue{store: store, timeout: timeout, logger: logger, ch: make(chan write, size)}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *Queue) run() {
	defer q.wg.Done()
	for w := range q.ch {
		if w.done != nil {
			close(w.done)
			continue
		}
		q.apply(w)
	}
}

func (q *Queue) apply(w write) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil && q.logger != nil {
			q.logger.Error("storage write panicked", "op", w.op, "panic", r)
		}
	}()
	if err := w.fn(ctx, q.store); err != nil && q.logger != nil {
		q.logger.Warn("storage write failed", "op", w.op, "err", err)
	}
}

// Enqueue never blocks. A full queue drops the write with a warning.
func (q *Queue) Enqueue(op string, fn WriteFunc) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed || fn == nil {
		return false
	}
	select {
	case q.ch <- write{op: op, fn: fn}:
		return true
	default:
		if q.logger != nil {
			q.logger.Warn("storage queue full, dropping write", "op", op)
		}
		return false
	}
}

// Flush waits until every write enqueued before the call has been applied.
func (q *Queue) Flush(ctx context.Context) error {
	done := make(chan struct{})
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return nil
	}
	select {
	case q.ch <- write{done: done}:
	case <-ctx.Done():
		q.mu.RUnlock()
		return ctx.Err()
	}
	q.mu.RUnlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting writes and drains what is queued.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	q.wg.Wait()
}

// Inline applies writes immediately on the caller's goroutine.
type Inline struct {
	Store  Store
	Logger *slog.Logger
}

func (w Inline) Enqueue(op string, fn WriteFunc) bool {
	if err := fn(context.Background(), w.Store); err != nil {
		if w.Logger != nil {
			w.Logger.Warn("storage write failed", "op", op, "err", err)
		}
		return false
	}
	return true
}
