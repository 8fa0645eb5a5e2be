package ingest

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printwatch/internal/config"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type published struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	opts *mqtt.ClientOptions

	mu         sync.Mutex
	connected  bool
	handlers   map[string]mqtt.MessageHandler
	published  []published
	disconnect bool
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }
func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return doneToken{}
}
func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected, c.disconnect = false, true
	c.mu.Unlock()
}
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{topic: topic, payload: payload.([]byte)})
	return doneToken{}
}
func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = cb
	return doneToken{}
}
func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken{}
}
func (c *fakeClient) Unsubscribe(...string) mqtt.Token        { return doneToken{} }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler)    {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func (c *fakeClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	h := c.handlers[topic]
	c.mu.Unlock()
	h(c, fakeMessage{topic: topic, payload: payload})
}
func (c *fakeClient) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.published...)
}

type fakeSink struct {
	mu           sync.Mutex
	reports      map[string][][]byte
	connected    []string
	disconnected []string
}

func newFakeSink() *fakeSink { return &fakeSink{reports: make(map[string][][]byte)} }

func (s *fakeSink) Submit(deviceID string, payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[deviceID] = append(s.reports[deviceID], payload)
	return true
}
func (s *fakeSink) Connected(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = append(s.connected, deviceID)
}
func (s *fakeSink) Disconnected(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = append(s.disconnected, deviceID)
}

type harness struct {
	m       *MQTTManager
	sink    *fakeSink
	clients map[string]*fakeClient
	clock   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{sink: newFakeSink(), clients: make(map[string]*fakeClient), clock: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)}
	cfg := config.DefaultConfig().Ingest.MQTT
	h.m = NewMQTTManager(cfg, "mqtts://us.mqtt.bambulab.com:8883", Credentials{UserID: "42", Token: "tok"}, h.sink, nil)
	h.m.now = func() time.Time { return h.clock }
	h.m.newClient = func(opts *mqtt.ClientOptions) mqtt.Client {
		c := &fakeClient{opts: opts, handlers: make(map[string]mqtt.MessageHandler)}
		h.clients[strings.Split(opts.ClientID, "_")[1]] = c
		return c
	}
	return h
}

func (h *harness) connect(t *testing.T, deviceID string) *fakeClient {
	t.Helper()
	require.NoError(t, h.m.Connect(deviceID))
	c := h.clients[deviceID]
	require.NotNil(t, c)
	c.opts.OnConnect(c)
	return c
}

func TestMQTTConnectSubscribesAndForcesPushall(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, "dev1")

	user, pass := c.opts.CredentialsProvider()
	assert.Equal(t, "u_42", user)
	assert.Equal(t, "tok", pass)
	assert.Equal(t, int64(30), c.opts.KeepAlive)
	assert.Contains(t, c.opts.ClientID, "printwatch_dev1_")

	sent := c.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "device/dev1/request", sent[0].topic)
	assert.JSONEq(t, `{"pushing":{"sequence_id":"0","command":"pushall"}}`, string(sent[0].payload))
	assert.Equal(t, []string{"dev1"}, h.sink.connected)

	c.deliver("device/dev1/report", []byte(`{"print":{"mc_percent":10}}`))
	require.Len(t, h.sink.reports["dev1"], 1)
	assert.True(t, h.m.IsConnected("dev1"))
	assert.False(t, h.m.IsConnected("nope"))
}

func TestMQTTPushallRateLimit(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, "dev1")

	h.clock = h.clock.Add(time.Minute)
	ok, err := h.m.Pushall("dev1")
	require.NoError(t, err)
	assert.False(t, ok)

	h.clock = h.clock.Add(4 * time.Minute)
	ok, err = h.m.Pushall("dev1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, c.sent(), 2)

	assert.Equal(t, 0, h.m.PushallAll())
	h.clock = h.clock.Add(5 * time.Minute)
	assert.Equal(t, 1, h.m.PushallAll())
}

func TestMQTTSendCommand(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, "dev1")

	speed, err := SetSpeed(3)
	require.NoError(t, err)
	require.NoError(t, h.m.SendCommand("dev1", speed))
	sent := c.sent()
	assert.JSONEq(t, `{"print":{"sequence_id":"0","command":"print_speed","param":"3"}}`, string(sent[len(sent)-1].payload))

	assert.ErrorIs(t, h.m.SendCommand("other", Pause()), ErrUnknownDevice)

	c.opts.OnConnectionLost(c, assert.AnError)
	c.Disconnect(0)
	assert.Equal(t, []string{"dev1"}, h.sink.disconnected)
	assert.ErrorIs(t, h.m.SendCommand("dev1", Pause()), ErrNotConnected)
}

func TestMQTTUpdateCredentialsAndClose(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, "dev1")
	h.m.UpdateCredentials(Credentials{UserID: "7", Token: "fresh"})
	user, pass := c.opts.CredentialsProvider()
	assert.Equal(t, "u_7", user)
	assert.Equal(t, "fresh", pass)

	require.NoError(t, h.m.Connect("dev1"))
	assert.Equal(t, []string{"dev1"}, h.m.Devices())

	h.m.Close()
	assert.True(t, c.disconnect)
	assert.Empty(t, h.m.Devices())
}

func TestCommands(t *testing.T) {
	cases := map[string]struct {
		name, param, want string
	}{
		"pause":  {"pause", "", `{"print":{"sequence_id":"0","command":"pause"}}`},
		"resume": {"resume", "", `{"print":{"sequence_id":"0","command":"resume"}}`},
		"stop":   {"STOP", "", `{"print":{"sequence_id":"0","command":"stop"}}`},
		"gcode":  {"gcode", "G28", `{"print":{"sequence_id":"0","command":"gcode_line","param":"G28"}}`},
		"speed":  {"speed", "4", `{"print":{"sequence_id":"0","command":"print_speed","param":"4"}}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cmd, err := ParseCommand(tc.name, tc.param)
			require.NoError(t, err)
			raw, err := json.Marshal(cmd)
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(raw))
		})
	}
	for _, bad := range [][2]string{{"speed", "9"}, {"speed", "fast"}, {"gcode", " "}, {"dance", ""}} {
		_, err := ParseCommand(bad[0], bad[1])
		assert.Error(t, err, bad)
	}
	assert.True(t, Pushall().IsPushall())
	assert.False(t, Pause().IsPushall())
}
