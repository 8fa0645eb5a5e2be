package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printwatch/internal/model"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "printwatch.yaml", `
log_level: debug
cloud:
  user_id: "1234"
  token: secret
printers:
  - device_id: 01S00A000000001
    name: Workshop X1C
    model: X1C
sampling:
  active_interval: 2s
alerts:
  rules:
    - name: Bed too hot
      enabled: true
      condition_type: temp_threshold
      condition_config: '{"sensor":"bed","operator":">","value":110}'
      cooldown_sec: 600
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.Sampling.ActiveInterval)
	assert.Equal(t, 30*time.Second, cfg.Sampling.IdleInterval)
	assert.Equal(t, 90, cfg.Retention.Days)
	assert.Equal(t, 15.0, cfg.Anomaly.Deviation.Nozzle)
	assert.Equal(t, 1.0, cfg.Anomaly.Rate.Chamber)
	require.Len(t, cfg.Alerts.Rules, 1)
	assert.Equal(t, model.NotifyConsole, cfg.Alerts.Rules[0].NotifyVia)
	assert.Equal(t, "{}", cfg.Alerts.Rules[0].NotifyConfig)
	assert.Equal(t, "mqtts://us.mqtt.bambulab.com:8883", cfg.BrokerURL())
	assert.Equal(t, "Workshop X1C", cfg.Printers[0].Printer().Name)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "printwatch.json", `{"log_level":"warn","storage":{"driver":"memory"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "memory", cfg.Storage.Driver)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvCloudToken, "from-env")
	t.Setenv(EnvCloudUserID, "42")
	path := writeFile(t, "printwatch.yaml", "printers:\n  - device_id: dev1\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Cloud.Token)
	assert.Equal(t, "42", cfg.Cloud.UserID)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"duplicate printer": func(c *Config) {
			c.Cloud.UserID = "1"
			c.Printers = []PrinterConfig{{DeviceID: "a"}, {DeviceID: "a"}}
		},
		"missing user id": func(c *Config) { c.Printers = []PrinterConfig{{DeviceID: "a"}} },
		"bad driver":      func(c *Config) { c.Storage.Driver = "mongo" },
		"bad cron":        func(c *Config) { c.Schedule.Retention = "every day" },
		"bad threshold":   func(c *Config) { c.Anomaly.Rate.Bed = 0 },
		"bad rule type": func(c *Config) {
			c.Alerts.Rules = []model.AlertRule{{Name: "x", ConditionType: "nope", NotifyVia: model.NotifyConsole, ConditionConfig: "{}", NotifyConfig: "{}"}}
		},
		"bad rule json": func(c *Config) {
			c.Alerts.Rules = []model.AlertRule{{Name: "x", ConditionType: model.ConditionHMSError, NotifyVia: model.NotifyConsole, ConditionConfig: "{", NotifyConfig: "{}"}}
		},
		"kafka without topic": func(c *Config) {
			c.Ingest.Kafka = KafkaConfig{Enabled: true, Brokers: []string{"localhost:9092"}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
	assert.NoError(t, Validate(DefaultConfig()))
}

func TestLoadEmptyFile(t *testing.T) {
	_, err := Load(writeFile(t, "empty.yaml", "  \n"))
	assert.Error(t, err)
}

func TestManagerReload(t *testing.T) {
	path := writeFile(t, "printwatch.yaml", "log_level: info\n")
	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, "info", m.Get().LogLevel)

	require.NoError(t, os.WriteFile(path, []byte("log_level: error\n"), 0o600))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))
	needs, err := m.NeedsReload()
	require.NoError(t, err)
	assert.True(t, needs)
	cfg, err := m.Reload()
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, "error", m.Get().LogLevel)
}
