package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"printwatch/internal/model"
)

const (
	EnvCloudToken  = "PRINTWATCH_CLOUD_TOKEN"
	EnvCloudUserID = "PRINTWATCH_CLOUD_USER_ID"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	LogFormat string          `json:"log_format" yaml:"log_format"`
	Printers  []PrinterConfig `json:"printers" yaml:"printers"`
	Cloud     CloudConfig     `json:"cloud" yaml:"cloud"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Sampling  SamplingConfig  `json:"sampling" yaml:"sampling"`
	Retention RetentionConfig `json:"retention" yaml:"retention"`
	Anomaly   AnomalyConfig   `json:"anomaly" yaml:"anomaly"`
	Alerts    AlertsConfig    `json:"alerts" yaml:"alerts"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Broadcast BroadcastConfig `json:"broadcast" yaml:"broadcast"`
	API       APIConfig       `json:"api" yaml:"api"`
	Schedule  ScheduleConfig  `json:"schedule" yaml:"schedule"`
}

type PrinterConfig struct {
	DeviceID       string   `json:"device_id" yaml:"device_id"`
	Name           string   `json:"name" yaml:"name"`
	Model          string   `json:"model" yaml:"model"`
	NozzleDiameter *float64 `json:"nozzle_diameter,omitempty" yaml:"nozzle_diameter"`
}

func (p PrinterConfig) Printer() model.Printer {
	name := p.Name
	if name == "" {
		name = p.DeviceID
	}
	m := p.Model
	if m == "" {
		m = "Unknown"
	}
	return model.Printer{DeviceID: p.DeviceID, Name: name, Model: m, NozzleDiameter: p.NozzleDiameter}
}

type CloudConfig struct {
	UserID string `json:"user_id" yaml:"user_id"`
	Token  string `json:"token" yaml:"token"`
	Region string `json:"region" yaml:"region"`
}

type IngestConfig struct {
	QueueSize int         `json:"queue_size" yaml:"queue_size"`
	MQTT      MQTTConfig  `json:"mqtt" yaml:"mqtt"`
	Kafka     KafkaConfig `json:"kafka" yaml:"kafka"`
	REST      RESTConfig  `json:"rest" yaml:"rest"`
}

// RESTConfig enables report relay over the API listener.
type RESTConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

type MQTTConfig struct {
	Enabled            bool          `json:"enabled" yaml:"enabled"`
	Broker             string        `json:"broker" yaml:"broker"`
	KeepAlive          time.Duration `json:"keep_alive" yaml:"keep_alive"`
	ConnectTimeout     time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	PushallMinInterval time.Duration `json:"pushall_min_interval" yaml:"pushall_min_interval"`
	InsecureSkipVerify bool          `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type SamplingConfig struct {
	ActiveInterval time.Duration `json:"active_interval" yaml:"active_interval"`
	IdleInterval   time.Duration `json:"idle_interval" yaml:"idle_interval"`
}

type RetentionConfig struct {
	Days int `json:"days" yaml:"days"`
}

// SensorThresholds holds one value per monitored temperature sensor.
type SensorThresholds struct {
	Nozzle  float64 `json:"nozzle" yaml:"nozzle"`
	Nozzle2 float64 `json:"nozzle2" yaml:"nozzle2"`
	Bed     float64 `json:"bed" yaml:"bed"`
	Chamber float64 `json:"chamber" yaml:"chamber"`
}

type AnomalyConfig struct {
	Deviation SensorThresholds `json:"deviation" yaml:"deviation"`
	Rate      SensorThresholds `json:"rate" yaml:"rate"`
	// RateMaxGap is the oldest prior reading a rate of change is computed from.
	RateMaxGap time.Duration `json:"rate_max_gap" yaml:"rate_max_gap"`
}

type AlertsConfig struct {
	Rules          []model.AlertRule `json:"rules" yaml:"rules"`
	SeedDefaults   bool              `json:"seed_defaults" yaml:"seed_defaults"`
	WebhookTimeout time.Duration     `json:"webhook_timeout" yaml:"webhook_timeout"`
	Workers        int               `json:"workers" yaml:"workers"`
	QueueSize      int               `json:"queue_size" yaml:"queue_size"`
	EventBuffer    int               `json:"event_buffer" yaml:"event_buffer"`
}

type StorageConfig struct {
	Driver       string        `json:"driver" yaml:"driver"`
	DSN          string        `json:"dsn" yaml:"dsn"`
	WriteQueue   int           `json:"write_queue" yaml:"write_queue"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

type BroadcastConfig struct {
	Redis RedisConfig `json:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	Addr        string        `json:"addr" yaml:"addr"`
	Password    string        `json:"password" yaml:"password"`
	DB          int           `json:"db" yaml:"db"`
	Channel     string        `json:"channel" yaml:"channel"`
	KeyPrefix   string        `json:"key_prefix" yaml:"key_prefix"`
	SnapshotTTL time.Duration `json:"snapshot_ttl" yaml:"snapshot_ttl"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// ScheduleConfig holds standard five-field cron specs.
type ScheduleConfig struct {
	Pushall      string `json:"pushall" yaml:"pushall"`
	Retention    string `json:"retention" yaml:"retention"`
	TokenRefresh string `json:"token_refresh" yaml:"token_refresh"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Cloud:     CloudConfig{Region: "us"},
		Ingest: IngestConfig{
			QueueSize: 256,
			MQTT: MQTTConfig{
				Enabled:            true,
				KeepAlive:          30 * time.Second,
				ConnectTimeout:     15 * time.Second,
				PushallMinInterval: 5 * time.Minute,
			},
			Kafka: KafkaConfig{Enabled: false},
		},
		Sampling:  SamplingConfig{ActiveInterval: 5 * time.Second, IdleInterval: 30 * time.Second},
		Retention: RetentionConfig{Days: 90},
		Anomaly: AnomalyConfig{
			Deviation:  SensorThresholds{Nozzle: 15, Nozzle2: 15, Bed: 10, Chamber: 10},
			Rate:       SensorThresholds{Nozzle: 5, Nozzle2: 5, Bed: 2, Chamber: 1},
			RateMaxGap: 60 * time.Second,
		},
		Alerts: AlertsConfig{
			SeedDefaults:   true,
			WebhookTimeout: 10 * time.Second,
			Workers:        4,
			QueueSize:      128,
			EventBuffer:    500,
		},
		Storage: StorageConfig{
			Driver:       "sqlite",
			DSN:          "file:printwatch.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
			WriteQueue:   4096,
			WriteTimeout: 5 * time.Second,
		},
		Broadcast: BroadcastConfig{Redis: RedisConfig{
			Enabled:     false,
			Addr:        "localhost:6379",
			Channel:     "printwatch:events",
			KeyPrefix:   "printwatch:state:",
			SnapshotTTL: 10 * time.Minute,
		}},
		API: APIConfig{Enabled: true, Addr: ":3000"},
		Schedule: ScheduleConfig{
			Pushall:      "*/5 * * * *",
			Retention:    "0 3 * * *",
			TokenRefresh: "0 */12 * * *",
		},
	}
}

// BrokerURL returns the configured broker or the regional cloud broker.
func (c *Config) BrokerURL() string {
	if c.Ingest.MQTT.Broker != "" {
		return c.Ingest.MQTT.Broker
	}
	region := c.Cloud.Region
	if region == "" {
		region = "us"
	}
	return fmt.Sprintf("mqtts://%s.mqtt.bambulab.com:8883", region)
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode %s: %w", path, decodeErr)
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvCloudToken)); v != "" {
		cfg.Cloud.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvCloudUserID)); v != "" {
		cfg.Cloud.UserID = v
	}
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Ingest.QueueSize <= 0 {
		cfg.Ingest.QueueSize = def.Ingest.QueueSize
	}
	if cfg.Ingest.MQTT.KeepAlive <= 0 {
		cfg.Ingest.MQTT.KeepAlive = def.Ingest.MQTT.KeepAlive
	}
	if cfg.Ingest.MQTT.ConnectTimeout <= 0 {
		cfg.Ingest.MQTT.ConnectTimeout = def.Ingest.MQTT.ConnectTimeout
	}
	if cfg.Ingest.MQTT.PushallMinInterval <= 0 {
		cfg.Ingest.MQTT.PushallMinInterval = def.Ingest.MQTT.PushallMinInterval
	}
	if cfg.Sampling.ActiveInterval <= 0 {
		cfg.Sampling.ActiveInterval = def.Sampling.ActiveInterval
	}
	if cfg.Sampling.IdleInterval <= 0 {
		cfg.Sampling.IdleInterval = def.Sampling.IdleInterval
	}
	if cfg.Retention.Days <= 0 {
		cfg.Retention.Days = def.Retention.Days
	}
	if cfg.Anomaly.RateMaxGap <= 0 {
		cfg.Anomaly.RateMaxGap = def.Anomaly.RateMaxGap
	}
	if cfg.Alerts.WebhookTimeout <= 0 {
		cfg.Alerts.WebhookTimeout = def.Alerts.WebhookTimeout
	}
	if cfg.Alerts.Workers <= 0 {
		cfg.Alerts.Workers = def.Alerts.Workers
	}
	if cfg.Alerts.QueueSize <= 0 {
		cfg.Alerts.QueueSize = def.Alerts.QueueSize
	}
	if cfg.Alerts.EventBuffer <= 0 {
		cfg.Alerts.EventBuffer = def.Alerts.EventBuffer
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = def.Storage.Driver
	}
	if cfg.Storage.WriteQueue <= 0 {
		cfg.Storage.WriteQueue = def.Storage.WriteQueue
	}
	if cfg.Storage.WriteTimeout <= 0 {
		cfg.Storage.WriteTimeout = def.Storage.WriteTimeout
	}
	if cfg.Broadcast.Redis.Channel == "" {
		cfg.Broadcast.Redis.Channel = def.Broadcast.Redis.Channel
	}
	if cfg.Broadcast.Redis.KeyPrefix == "" {
		cfg.Broadcast.Redis.KeyPrefix = def.Broadcast.Redis.KeyPrefix
	}
	if cfg.Schedule.Pushall == "" {
		cfg.Schedule.Pushall = def.Schedule.Pushall
	}
	if cfg.Schedule.Retention == "" {
		cfg.Schedule.Retention = def.Schedule.Retention
	}
	if cfg.Schedule.TokenRefresh == "" {
		cfg.Schedule.TokenRefresh = def.Schedule.TokenRefresh
	}
	for i := range cfg.Alerts.Rules {
		r := &cfg.Alerts.Rules[i]
		if r.ConditionConfig == "" {
			r.ConditionConfig = "{}"
		}
		if r.NotifyVia == "" {
			r.NotifyVia = model.NotifyConsole
		}
		if r.NotifyConfig == "" {
			r.NotifyConfig = "{}"
		}
	}
}

var conditionTypes = map[model.ConditionType]bool{
	model.ConditionStateChange:   true,
	model.ConditionHMSError:      true,
	model.ConditionTempAnomaly:   true,
	model.ConditionTempThreshold: true,
	model.ConditionProgressStall: true,
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	seen := make(map[string]bool, len(cfg.Printers))
	for i, p := range cfg.Printers {
		id := strings.TrimSpace(p.DeviceID)
		if id == "" {
			return fmt.Errorf("printers[%d].device_id required", i)
		}
		if seen[id] {
			return fmt.Errorf("printers[%d].device_id %q is duplicated", i, id)
		}
		seen[id] = true
	}
	if cfg.Ingest.MQTT.Enabled && len(cfg.Printers) > 0 && cfg.Cloud.UserID == "" {
		return errors.New("cloud.user_id required when ingest.mqtt.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql", "memory":
	default:
		return fmt.Errorf("storage.driver %q is not supported", cfg.Storage.Driver)
	}
	if cfg.Broadcast.Redis.Enabled && cfg.Broadcast.Redis.Addr == "" {
		return errors.New("broadcast.redis.addr required when broadcast.redis.enabled is true")
	}
	if err := validateThresholds("anomaly.deviation", cfg.Anomaly.Deviation); err != nil {
		return err
	}
	if err := validateThresholds("anomaly.rate", cfg.Anomaly.Rate); err != nil {
		return err
	}
	for i, r := range cfg.Alerts.Rules {
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("alerts.rules[%d].name required", i)
		}
		if !conditionTypes[r.ConditionType] {
			return fmt.Errorf("alerts.rules[%d].condition_type %q is not supported", i, r.ConditionType)
		}
		if r.NotifyVia != model.NotifyConsole && r.NotifyVia != model.NotifyWebhook {
			return fmt.Errorf("alerts.rules[%d].notify_via %q is not supported", i, r.NotifyVia)
		}
		if !json.Valid([]byte(r.ConditionConfig)) || !json.Valid([]byte(r.NotifyConfig)) {
			return fmt.Errorf("alerts.rules[%d] config must be JSON", i)
		}
		if r.CooldownSec < 0 {
			return fmt.Errorf("alerts.rules[%d].cooldown_sec must be >= 0", i)
		}
	}
	for name, spec := range map[string]string{
		"schedule.pushall":       cfg.Schedule.Pushall,
		"schedule.retention":     cfg.Schedule.Retention,
		"schedule.token_refresh": cfg.Schedule.TokenRefresh,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func validateThresholds(prefix string, t SensorThresholds) error {
	if t.Nozzle <= 0 || t.Nozzle2 <= 0 || t.Bed <= 0 || t.Chamber <= 0 {
		return fmt.Errorf("%s thresholds must be > 0", prefix)
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an already built config that has no backing file.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
