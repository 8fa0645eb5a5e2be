package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printwatch/internal/model"
)

func samplePayload() Payload {
	return Payload{
		RuleName:    "Print Failed",
		DeviceID:    "01S00A000000001",
		PrinterName: "Workshop",
		Severity:    model.SeverityError,
		Message:     "Print state changed to FAILED",
	}
}

type captured struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (c *captured) handler(t *testing.T, status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		var body map[string]any
		assert.NoError(t, json.Unmarshal(raw, &body))
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func TestWebhookFormats(t *testing.T) {
	var got captured
	srv := httptest.NewServer(got.handler(t, http.StatusOK))
	defer srv.Close()
	client := NewWebhookClient(time.Second)

	for _, format := range []string{FormatGeneric, FormatSlack, FormatDiscord} {
		require.NoError(t, client.Target(srv.URL, format).Notify(context.Background(), samplePayload()))
	}
	require.Len(t, got.bodies, 3)

	assert.Equal(t, "Print Failed", got.bodies[0]["ruleName"])
	assert.Equal(t, "error", got.bodies[0]["severity"])
	assert.NotEmpty(t, got.bodies[0]["timestamp"])

	assert.Contains(t, got.bodies[1]["text"], ":red_circle:")
	assert.Contains(t, got.bodies[1]["text"], "Workshop")

	embeds, ok := got.bodies[2]["embeds"].([]any)
	require.True(t, ok)
	require.Len(t, embeds, 1)
	embed := embeds[0].(map[string]any)
	assert.Equal(t, float64(0xFF0000), embed["color"])
	assert.Equal(t, "Print state changed to FAILED", embed["description"])
}

func TestWebhookErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	client := NewWebhookClient(time.Second)

	assert.Error(t, client.Target(srv.URL, FormatGeneric).Notify(context.Background(), samplePayload()))
	assert.Error(t, client.Target("", FormatGeneric).Notify(context.Background(), samplePayload()))
	err := client.Target(srv.URL, "teams").Notify(context.Background(), samplePayload())
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestValidFormat(t *testing.T) {
	assert.True(t, ValidFormat(""))
	assert.True(t, ValidFormat(FormatSlack))
	assert.False(t, ValidFormat("teams"))
}

type fakeNotifier struct {
	calls atomic.Int32
	err   error
	block chan struct{}
}

func (f *fakeNotifier) Notify(ctx context.Context, p Payload) error {
	if f.block != nil {
		<-f.block
	}
	f.calls.Add(1)
	return f.err
}

func TestDispatcherDeliversAndSurvivesFailures(t *testing.T) {
	d := NewDispatcher(2, 8, time.Second, nil)
	ok := &fakeNotifier{}
	bad := &fakeNotifier{err: errors.New("boom")}
	for i := 0; i < 3; i++ {
		assert.True(t, d.Dispatch(ok, samplePayload()))
		assert.True(t, d.Dispatch(bad, samplePayload()))
	}
	d.Close()
	assert.Equal(t, int32(3), ok.calls.Load())
	assert.Equal(t, int32(3), bad.calls.Load())
	assert.False(t, d.Dispatch(ok, samplePayload()))
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	n := &fakeNotifier{block: block}
	d := NewDispatcher(1, 1, time.Second, nil)

	dropped := false
	for i := 0; i < 10; i++ {
		if !d.Dispatch(n, samplePayload()) {
			dropped = true
			break
		}
	}
	assert.True(t, dropped)
	close(block)
	d.Close()
}

func TestConsoleNeverFails(t *testing.T) {
	assert.NoError(t, Console{}.Notify(context.Background(), samplePayload()))
}

type recording struct {
	Notifier
	mu   sync.Mutex
	errs []error
	took []time.Duration
}

func (r *recording) Notify(ctx context.Context, p Payload) error {
	start := time.Now()
	err := r.Notifier.Notify(ctx, p)
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.took = append(r.took, time.Since(start))
	r.mu.Unlock()
	return err
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDispatcherCutsOffSlowWebhook(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()
	fast := &captured{}
	fastSrv := httptest.NewServer(fast.handler(t, http.StatusOK))
	defer fastSrv.Close()

	logs := &lockedBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	client := NewWebhookClient(5 * time.Second)
	d := NewDispatcher(1, 4, 100*time.Millisecond, logger)

	slowTarget := &recording{Notifier: client.Target(slow.URL, FormatGeneric)}
	fastTarget := &recording{Notifier: client.Target(fastSrv.URL, FormatGeneric)}
	require.True(t, d.Dispatch(slowTarget, samplePayload()))
	require.True(t, d.Dispatch(fastTarget, samplePayload()))
	d.Close()

	require.Len(t, slowTarget.errs, 1)
	assert.ErrorIs(t, slowTarget.errs[0], context.DeadlineExceeded)
	assert.Less(t, slowTarget.took[0], time.Second)
	assert.Contains(t, logs.String(), "notification failed")

	require.Len(t, fastTarget.errs, 1)
	assert.NoError(t, fastTarget.errs[0])
	fast.mu.Lock()
	defer fast.mu.Unlock()
	require.Len(t, fast.bodies, 1)
	assert.Equal(t, "Print Failed", fast.bodies[0]["ruleName"])
}
