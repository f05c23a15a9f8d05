package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReadConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	_, err := ReadConfig(path)
	if !errors.Is(err, ErrConfigCreated) {
		t.Fatalf("expected ErrConfigCreated, got %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default file to be written: %v", err)
	}

	cfg, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("expected default file to load, got %v", err)
	}
	if cfg.Broker.Port != 1883 || cfg.Client.MailboxSize != 10 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestReadConfigYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
app_name: sensor
client:
  client_id: dev1
  clean_session: true
  poll_interval: 200ms
  command_timeout: 2s
  keep_alive: 30s
  max_handlers: 3
  mailbox_size: 4
broker:
  host: broker.local
  port: 8883
  connect_timeout: 3s
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if cfg.Client.ClientID != "dev1" {
		t.Errorf("client_id: expected dev1, got %q", cfg.Client.ClientID)
	}
	if got := cfg.Client.PollIntervalDuration(); got != 200*time.Millisecond {
		t.Errorf("poll_interval: expected 200ms, got %v", got)
	}
	if got := cfg.Client.KeepAliveSeconds(); got != 30 {
		t.Errorf("keep_alive: expected 30, got %d", got)
	}
	if got := cfg.Broker.Address(); got != "broker.local:8883" {
		t.Errorf("address: expected broker.local:8883, got %s", got)
	}
	// 文件中未出现的字段保留默认值
	if cfg.Archive.Collection != "messages" {
		t.Errorf("archive.collection: expected default, got %q", cfg.Archive.Collection)
	}
}

func TestEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if _, err := ReadConfig(path); !errors.Is(err, ErrConfigCreated) {
		t.Fatalf("expected ErrConfigCreated, got %v", err)
	}

	t.Setenv("LWMQTT_CLIENT_ID", "from-env")
	t.Setenv("LWMQTT_BROKER_PORT", "1884")
	t.Setenv("LWMQTT_LOG_DEBUG", "true")

	cfg, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if cfg.Client.ClientID != "from-env" {
		t.Errorf("expected env client id, got %q", cfg.Client.ClientID)
	}
	if cfg.Broker.Port != 1884 {
		t.Errorf("expected env port 1884, got %d", cfg.Broker.Port)
	}
	if !cfg.Log.Debug {
		t.Error("expected env debug flag")
	}

	got, err := GetConfig()
	if err != nil || got.Client.ClientID != "from-env" {
		t.Errorf("GetConfig: expected cached config, got %+v %v", got.Client, err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"port zero", func(c *Config) { c.Broker.Port = 0 }, false},
		{"port too big", func(c *Config) { c.Broker.Port = 70000 }, false},
		{"no handlers", func(c *Config) { c.Client.MaxHandlers = 0 }, false},
		{"no mailbox", func(c *Config) { c.Client.MailboxSize = 0 }, false},
		{"will qos", func(c *Config) { c.Will.QoS = 3 }, false},
		{"no packet size", func(c *Config) { c.Client.MaxPacketSize = 0 }, false},
		{"packet size too big", func(c *Config) { c.Client.MaxPacketSize = 1 << 30 }, false},
		{"bad duration", func(c *Config) { c.Client.PollInterval = "soon" }, false},
		{"zero command timeout", func(c *Config) { c.Client.CommandTimeout = "0s" }, false},
		{"zero poll interval", func(c *Config) { c.Client.PollInterval = "0ms" }, true},
		{"archive pool", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.MinPoolSize = 20
		}, false},
	}

	for _, tt := range tests {
		cfg := Default()
		tt.mutate(&cfg)
		err := cfg.Validate()
		if (err == nil) != tt.ok {
			t.Errorf("%s: expected ok=%v, got %v", tt.name, tt.ok, err)
		}
	}
}
