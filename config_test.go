package mailguard

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig error: %s", err)
	}

	if cfg.SMTP.Addr != "127.0.0.1" || cfg.SMTP.Port != 10025 {
		t.Errorf("unexpected smtp listen %s:%d", cfg.SMTP.Addr, cfg.SMTP.Port)
	}
	if cfg.SMTP.ReadTimeout != 60*time.Second {
		t.Errorf("expected 60s, got %s", cfg.SMTP.ReadTimeout)
	}
	if cfg.Inference.URL != "http://localhost:11434" || cfg.Inference.PreflightTimeout != 5*time.Second {
		t.Errorf("unexpected inference %+v", cfg.Inference)
	}
	if len(cfg.Inference.Endpoints) != 3 || cfg.Inference.Endpoints[0].Model != "gemma3:4b" {
		t.Errorf("unexpected endpoints %+v", cfg.Inference.Endpoints)
	}
	if cfg.Relay.Addr != "localhost:1025" || cfg.Relay.Timeout != 30*time.Second {
		t.Errorf("unexpected relay %+v", cfg.Relay)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.DSN != "blocked_emails.db" {
		t.Errorf("unexpected store %+v", cfg.Store)
	}
	if cfg.Hooks.Redis.Queue != "blocked" {
		t.Errorf("expected blocked, got %s", cfg.Hooks.Redis.Queue)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("unexpected log %+v", cfg.Log)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailguard.yaml")
	yaml := `
smtp:
  port: 2525
inference:
  url: http://ollama:11434
  endpoints:
    - model: small
      priority: 1
      timeout: 2s
relay:
  addr: mailhog:1025
store:
  driver: postgres
  dsn: postgres://mailguard@db/mailguard
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile error: %s", err)
	}
	t.Setenv("MAILGUARD_RELAY_TIMEOUT", "7s")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %s", err)
	}

	if cfg.SMTP.Port != 2525 || cfg.SMTP.Addr != "127.0.0.1" {
		t.Errorf("unexpected smtp %+v", cfg.SMTP)
	}
	if len(cfg.Inference.Endpoints) != 1 {
		t.Fatalf("expected 1 endpoint, got %d", len(cfg.Inference.Endpoints))
	}
	ep := cfg.Inference.Endpoints[0]
	if ep.Model != "small" || ep.Priority != 1 || ep.Timeout != 2*time.Second {
		t.Errorf("unexpected endpoint %+v", ep)
	}
	if cfg.Relay.Addr != "mailhog:1025" || cfg.Relay.Timeout != 7*time.Second {
		t.Errorf("unexpected relay %+v", cfg.Relay)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("expected postgres, got %s", cfg.Store.Driver)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			SMTP:      SMTPConfig{Port: 10025},
			Inference: InferenceConfig{Endpoints: DefaultEndpoints()},
			Relay:     RelayConfig{Addr: "localhost:1025"},
			Store:     StoreConfig{Driver: "sqlite"},
		}
	}

	var tests = []struct {
		name   string
		modify func(*Config)
		expect string
	}{
		{name: "valid", modify: func(c *Config) {}, expect: ""},
		{name: "port", modify: func(c *Config) { c.SMTP.Port = 0 }, expect: "smtp.port"},
		{name: "no endpoints", modify: func(c *Config) { c.Inference.Endpoints = nil }, expect: "must not be empty"},
		{name: "no model", modify: func(c *Config) { c.Inference.Endpoints[1].Model = "" }, expect: "inference.endpoints[1]: model is required"},
		{name: "no timeout", modify: func(c *Config) { c.Inference.Endpoints[0].Timeout = 0 }, expect: "timeout must be positive"},
		{name: "driver", modify: func(c *Config) { c.Store.Driver = "oracle" }, expect: "unknown store driver"},
		{name: "relay", modify: func(c *Config) { c.Relay.Addr = "" }, expect: "relay.addr"},
	}

	for _, v := range tests {
		t.Run(v.name, func(t *testing.T) {
			c := valid()
			v.modify(c)
			err := c.Validate()
			if v.expect == "" {
				if err != nil {
					t.Errorf("unexpected error: %s", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), v.expect) {
				t.Errorf("expected error containing %q, got %v", v.expect, err)
			}
		})
	}

	c := valid()
	c.Store.Driver = "oracle"
	if !errors.Is(c.Validate(), ErrUnknownDriver) {
		t.Error("expected ErrUnknownDriver")
	}
}

func TestNewLogger(t *testing.T) {
	buf := new(bytes.Buffer)
	l, err := NewLogger(LogConfig{Level: "warn", Format: "json"}, buf)
	if err != nil {
		t.Fatalf("NewLogger error: %s", err)
	}
	l.Info("hidden")
	l.WithField("session", "abc").Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line should be filtered: %s", out)
	}
	if !strings.Contains(out, `"session":"abc"`) || !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("unexpected output %s", out)
	}

	if _, err := NewLogger(LogConfig{Level: "loud"}, buf); err == nil {
		t.Error("expected level error")
	}
	if _, err := NewLogger(LogConfig{Format: "xml"}, buf); err == nil {
		t.Error("expected format error")
	}
}
