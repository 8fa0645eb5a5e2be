package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type delivery struct {
	n Notifier
	p Payload
}

// Dispatcher runs deliveries on a fixed pool of workers so slow channels
// never hold up the caller.
type Dispatcher struct {
	queue   chan delivery
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(workers, queueSize int, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := &Dispatcher{
		queue:   make(chan delivery, queueSize),
		timeout: timeout,
		logger:  logger,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Dispatch queues one delivery and reports false when the queue is full.
func (d *Dispatcher) Dispatch(n Notifier, p Payload) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- delivery{n: n, p: p}:
		return true
	default:
		if d.logger != nil {
			d.logger.Warn("notification dropped", "rule", p.RuleName, "device_id", p.DeviceID)
		}
		return false
	}
}

// Close waits for queued deliveries to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for item := range d.queue {
		d.deliver(item)
	}
}

func (d *Dispatcher) deliver(item delivery) {
	defer func() {
		if r := recover(); r != nil && d.logger != nil {
			d.logger.Error("notifier panic", "rule", item.p.RuleName, "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := item.n.Notify(ctx, item.p); err != nil {
		if d.logger != nil {
			d.logger.Error("notification failed", "rule", item.p.RuleName, "device_id", item.p.DeviceID, "err", err)
		}
		return
	}
	if d.logger != nil {
		d.logger.Debug("notification sent", "rule", item.p.RuleName, "device_id", item.p.DeviceID)
	}
}
