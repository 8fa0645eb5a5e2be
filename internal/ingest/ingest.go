// Package ingest connects printers and relays to the processing pipeline.
package ingest

import (
	"context"
	"log/slog"
	"time"
)

// Sink receives raw device reports and connection transitions.
type Sink interface {
	Submit(deviceID string, payload []byte) bool
	Connected(deviceID string)
	Disconnected(deviceID string)
}

// SendNonBlocking delivers v unless out is full or ctx is done.
func SendNonBlocking[T any](ctx context.Context, out chan<- T, v T, logger *slog.Logger, attrs ...any) bool {
	select {
	case out <- v:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("channel full, dropping message", attrs...)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
