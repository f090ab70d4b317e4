package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestLoadMissingFile tests that a missing file yields the defaults
func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Addr() != "0.0.0.0:6000" {
		t.Errorf("expected default address 0.0.0.0:6000, got %s", cfg.Addr())
	}
	if cfg.Server.Framing != "read" || cfg.Server.SlowClientPolicy != "disconnect" {
		t.Errorf("unexpected defaults: %+v", cfg.Server)
	}
	if cfg.Server.ReadBufferSize != 1024 || cfg.Server.EventQueueSize != 32 || cfg.Server.OutboundQueueSize != 4 {
		t.Errorf("unexpected queue defaults: %+v", cfg.Server)
	}
}

// TestLoadFile tests that file values override defaults
func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.yaml")
	data := `server:
  host: 127.0.0.1
  port: 7000
  framing: line
  outbound_queue_size: 16
redis:
  enabled: true
  url: redis://cache:6379/1
metrics:
  addr: ":9100"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:7000" {
		t.Errorf("expected 127.0.0.1:7000, got %s", cfg.Addr())
	}
	if cfg.Server.Framing != "line" || cfg.Server.OutboundQueueSize != 16 {
		t.Errorf("file values not applied: %+v", cfg.Server)
	}
	// untouched keys keep their defaults
	if cfg.Server.EventQueueSize != 32 {
		t.Errorf("expected default event queue size, got %d", cfg.Server.EventQueueSize)
	}
	if !cfg.Redis.Enabled || cfg.Redis.URL != "redis://cache:6379/1" || cfg.Metrics.Addr != ":9100" {
		t.Errorf("redis/metrics not applied: %+v %+v", cfg.Redis, cfg.Metrics)
	}
}

// TestLoadInvalidFile tests parse and validation failures
func TestLoadInvalidFile(t *testing.T) {
	cases := map[string]string{
		"not yaml":        "server: [",
		"bad framing":     "server:\n  framing: bytes\n",
		"bad policy":      "server:\n  slow_client_policy: maybe\n",
		"zero queue":      "server:\n  outbound_queue_size: 0\n",
		"port overflow":   "server:\n  port: 70000\n",
		"redis no url":    "redis:\n  enabled: true\n  url: \"\"\n",
		"empty host":      "server:\n  host: \" \"\n",
		"negative buffer": "server:\n  read_buffer_size: -1\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "conf.yaml")
			if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("expected error for %q", data)
			}
		})
	}
}

// TestApplyEnv tests environment overrides
func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CHATRELAY_HOST":         "::1",
		"CHATRELAY_PORT":         "6001",
		"CHATRELAY_DEBUG":        "true",
		"CHATRELAY_FRAMING":      "line",
		"CHATRELAY_REDIS_URL":    "redis://other:6379/0",
		"CHATRELAY_METRICS_ADDR": "127.0.0.1:9000",
	}
	cfg := Default()
	if err := cfg.applyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if cfg.Addr() != "[::1]:6001" {
		t.Errorf("expected [::1]:6001, got %s", cfg.Addr())
	}
	if !cfg.Server.Debug || cfg.Server.Framing != "line" {
		t.Errorf("env not applied: %+v", cfg.Server)
	}
	if !cfg.Redis.Enabled || cfg.Redis.URL != "redis://other:6379/0" {
		t.Errorf("redis env not applied: %+v", cfg.Redis)
	}
	if cfg.Metrics.Addr != "127.0.0.1:9000" {
		t.Errorf("metrics env not applied: %+v", cfg.Metrics)
	}
}

// TestApplyEnvInvalid tests malformed environment values
func TestApplyEnvInvalid(t *testing.T) {
	for _, kv := range [][2]string{{"CHATRELAY_PORT", "sixthousand"}, {"CHATRELAY_PORT", "65536"}, {"CHATRELAY_DEBUG", "perhaps"}} {
		cfg := Default()
		err := cfg.applyEnv(func(k string) string {
			if k == kv[0] {
				return kv[1]
			}
			return ""
		})
		if err == nil || !strings.Contains(err.Error(), kv[0]) {
			t.Errorf("%s=%s: expected error naming the variable, got %v", kv[0], kv[1], err)
		}
	}
}

// TestDefaultPath tests the default config location
func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath()
	if err != nil {
		t.Skipf("no current user: %v", err)
	}
	if !strings.HasSuffix(path, filepath.Join(".chatrelay", "conf.yaml")) {
		t.Errorf("unexpected default path %s", path)
	}
}
