package ingest

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"printwatch/internal/config"
)

var (
	ErrUnknownDevice = errors.New("unknown device")
	ErrNotConnected  = errors.New("device not connected")
)

// Credentials authenticate against the cloud broker.
type Credentials struct {
	UserID string
	Token  string
}

func ReportTopic(deviceID string) string  { return "device/" + deviceID + "/report" }
func RequestTopic(deviceID string) string { return "device/" + deviceID + "/request" }

type session struct {
	deviceID string
	client   mqtt.Client

	mu          sync.Mutex
	lastPushall time.Time
}

// MQTTManager keeps one broker session per printer.
type MQTTManager struct {
	cfg    config.MQTTConfig
	broker string
	sink   Sink
	logger *slog.Logger

	mu       sync.RWMutex
	creds    Credentials
	sessions map[string]*session

	newClient func(*mqtt.ClientOptions) mqtt.Client
	now       func() time.Time
}

func NewMQTTManager(cfg config.MQTTConfig, broker string, creds Credentials, sink Sink, logger *slog.Logger) *MQTTManager {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.PushallMinInterval <= 0 {
		cfg.PushallMinInterval = 5 * time.Minute
	}
	return &MQTTManager{
		cfg:       cfg,
		broker:    broker,
		sink:      sink,
		logger:    logger,
		creds:     creds,
		sessions:  make(map[string]*session),
		newClient: mqtt.NewClient,
		now:       time.Now,
	}
}

func (m *MQTTManager) credentials() (string, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return "u_" + m.creds.UserID, m.creds.Token
}

// UpdateCredentials swaps the broker credentials. Sessions pick them up the
// next time they reconnect.
func (m *MQTTManager) UpdateCredentials(creds Credentials) {
	m.mu.Lock()
	m.creds = creds
	m.mu.Unlock()
	if m.logger != nil {
		m.logger.Info("mqtt credentials updated", "user_id", creds.UserID)
	}
}

func (m *MQTTManager) options(deviceID string) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.broker)
	opts.SetClientID(fmt.Sprintf("printwatch_%s_%d", deviceID, m.now().UnixMilli()))
	opts.SetCredentialsProvider(m.credentials)
	opts.SetKeepAlive(m.cfg.KeepAlive)
	opts.SetConnectTimeout(m.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetCleanSession(true)
	if isTLS(m.broker) {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: m.cfg.InsecureSkipVerify})
	}
	return opts
}

func isTLS(broker string) bool {
	for _, scheme := range []string{"mqtts://", "ssl://", "tls://", "tcps://", "wss://"} {
		if strings.HasPrefix(broker, scheme) {
			return true
		}
	}
	return false
}

// Connect opens a session for deviceID. The client keeps retrying in the
// background when the broker is unreachable.
func (m *MQTTManager) Connect(deviceID string) error {
	if deviceID == "" {
		return errors.New("device id is required")
	}
	m.mu.Lock()
	if _, ok := m.sessions[deviceID]; ok {
		m.mu.Unlock()
		return nil
	}
	s := &session{deviceID: deviceID}
	m.sessions[deviceID] = s
	m.mu.Unlock()

	opts := m.options(deviceID)
	opts.SetOnConnectHandler(func(c mqtt.Client) { m.onConnect(s, c) })
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		if m.logger != nil {
			m.logger.Warn("mqtt connection lost", "device_id", deviceID, "err", err)
		}
		m.sink.Disconnected(deviceID)
	})
	opts.SetReconnectingHandler(func(c mqtt.Client, _ *mqtt.ClientOptions) {
		if m.logger != nil {
			m.logger.Info("mqtt reconnecting", "device_id", deviceID)
		}
	})

	client := m.newClient(opts)
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	if m.logger != nil {
		m.logger.Info("connecting to mqtt broker", "device_id", deviceID, "broker", m.broker)
	}
	token := client.Connect()
	if token.WaitTimeout(m.cfg.ConnectTimeout) && token.Error() != nil {
		return fmt.Errorf("connect %s: %w", deviceID, token.Error())
	}
	return nil
}

func (m *MQTTManager) onConnect(s *session, c mqtt.Client) {
	if m.logger != nil {
		m.logger.Info("mqtt connected", "device_id", s.deviceID)
	}
	token := c.Subscribe(ReportTopic(s.deviceID), 0, func(_ mqtt.Client, msg mqtt.Message) {
		m.sink.Submit(s.deviceID, msg.Payload())
	})
	if token.WaitTimeout(m.cfg.ConnectTimeout) && token.Error() != nil {
		if m.logger != nil {
			m.logger.Error("mqtt subscribe failed", "device_id", s.deviceID, "err", token.Error())
		}
		return
	}
	m.sink.Connected(s.deviceID)
	if err := m.publish(s, Pushall()); err != nil && m.logger != nil {
		m.logger.Warn("initial pushall failed", "device_id", s.deviceID, "err", err)
	}
}

func (m *MQTTManager) lookup(deviceID string) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return s, nil
}

// SendCommand publishes cmd to the device's request topic.
func (m *MQTTManager) SendCommand(deviceID string, cmd Command) error {
	s, err := m.lookup(deviceID)
	if err != nil {
		return err
	}
	return m.publish(s, cmd)
}

// Pushall requests a full state report unless one was sent within the
// configured minimum interval. It reports whether a request was sent.
func (m *MQTTManager) Pushall(deviceID string) (bool, error) {
	s, err := m.lookup(deviceID)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	last := s.lastPushall
	s.mu.Unlock()
	if !last.IsZero() && m.now().Sub(last) < m.cfg.PushallMinInterval {
		if m.logger != nil {
			m.logger.Debug("pushall rate limited", "device_id", deviceID)
		}
		return false, nil
	}
	if err := m.publish(s, Pushall()); err != nil {
		return false, err
	}
	return true, nil
}

// PushallAll runs Pushall for every connected device.
func (m *MQTTManager) PushallAll() int {
	sent := 0
	for _, id := range m.Devices() {
		if !m.IsConnected(id) {
			continue
		}
		ok, err := m.Pushall(id)
		if err != nil && m.logger != nil {
			m.logger.Warn("pushall failed", "device_id", id, "err", err)
		}
		if ok {
			sent++
		}
	}
	return sent
}

func (m *MQTTManager) publish(s *session, cmd Command) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return fmt.Errorf("%w: %s", ErrNotConnected, s.deviceID)
	}
	payload, err := cmd.Encode()
	if err != nil {
		return err
	}
	if cmd.IsPushall() {
		s.mu.Lock()
		s.lastPushall = m.now()
		s.mu.Unlock()
	}
	token := client.Publish(RequestTopic(s.deviceID), 0, false, payload)
	if token.WaitTimeout(m.cfg.ConnectTimeout) && token.Error() != nil {
		return fmt.Errorf("publish %s: %w", s.deviceID, token.Error())
	}
	if m.logger != nil {
		m.logger.Debug("command published", "device_id", s.deviceID, "payload", string(payload))
	}
	return nil
}

func (m *MQTTManager) IsConnected(deviceID string) bool {
	s, err := m.lookup(deviceID)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil && s.client.IsConnected()
}

func (m *MQTTManager) Devices() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close disconnects every session.
func (m *MQTTManager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.mu.Lock()
		client := s.client
		s.mu.Unlock()
		if client != nil {
			client.Disconnect(250)
		}
	}
}
