package broadcast

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printwatch/internal/config"
	"printwatch/internal/model"
)

type recorder struct{ msgs []model.Message }

func (r *recorder) Broadcast(msg model.Message) { r.msgs = append(r.msgs, msg) }

func TestMultiFansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := Multi{a, nil, b, Discard{}}
	m.Broadcast(model.Message{Type: model.MessageAuth})
	assert.Len(t, a.msgs, 1)
	assert.Len(t, b.msgs, 1)
}

func stateMessage(deviceID string) model.Message {
	return model.Message{
		Type: model.MessageState,
		Data: model.StatePayload{DeviceID: deviceID, State: &model.Snapshot{GcodeState: model.StateRunning}, Connected: true},
	}
}

func TestHubDeliversGreetingAndBroadcasts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(nil)
	hub.SetGreeting(func() []model.Message { return []model.Message{stateMessage("dev1")} })
	go hub.Run(ctx)

	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	read := func() map[string]any {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var out map[string]any
		require.NoError(t, json.Unmarshal(raw, &out))
		return out
	}

	greeting := read()
	assert.Equal(t, "state", greeting["type"])
	data := greeting["data"].(map[string]any)
	assert.Equal(t, "dev1", data["deviceId"])
	assert.Equal(t, true, data["connected"])

	hub.Broadcast(model.Message{Type: model.MessageEvent, Data: model.Event{DeviceID: "dev1", Kind: model.EventHMSError, Message: "Nozzle clog"}})
	ev := read()
	assert.Equal(t, "event", ev["type"])
	assert.Equal(t, "hms_error", ev["data"].(map[string]any)["event_type"])
}

func TestRedisPublisherStoresStateAndPublishes(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.DefaultConfig().Broadcast.Redis
	cfg.Addr = mr.Addr()
	client := NewRedisClient(cfg)
	defer client.Close()
	p := NewRedisPublisher(client, cfg, nil)
	ctx := context.Background()

	sub := client.Subscribe(ctx, cfg.Channel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, stateMessage("dev1")))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, `"type":"state"`)

	latest, err := p.Latest(ctx, "dev1")
	require.NoError(t, err)
	assert.Equal(t, "dev1", latest.DeviceID)
	require.NotNil(t, latest.State)
	assert.Equal(t, model.StateRunning, latest.State.GcodeState)
	assert.Equal(t, cfg.SnapshotTTL, mr.TTL(cfg.KeyPrefix+"dev1"))

	require.NoError(t, p.Publish(ctx, model.Message{Type: model.MessageEvent, Data: model.Event{DeviceID: "dev2"}}))
	assert.False(t, mr.Exists(cfg.KeyPrefix+"dev2"))
}

func TestRedisPublisherRunDrainsQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.DefaultConfig().Broadcast.Redis
	cfg.Addr = mr.Addr()
	client := NewRedisClient(cfg)
	defer client.Close()
	p := NewRedisPublisher(client, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	p.Broadcast(stateMessage("dev9"))

	require.Eventually(t, func() bool { return mr.Exists(cfg.KeyPrefix + "dev9") }, 2*time.Second, 10*time.Millisecond)
}
