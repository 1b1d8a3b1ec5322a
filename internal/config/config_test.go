package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

func TestDefaultConfig_ProctoringDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Proctoring.HeartbeatTimeout != 30*time.Second {
		t.Errorf("Expected 30s heartbeat timeout, got %s", cfg.Proctoring.HeartbeatTimeout)
	}
	if cfg.Proctoring.ReconnectGrace != 2*time.Minute {
		t.Errorf("Expected 2m reconnect grace, got %s", cfg.Proctoring.ReconnectGrace)
	}
	if cfg.Proctoring.DedupWindow != 2*time.Minute {
		t.Errorf("Expected 2m dedup window, got %s", cfg.Proctoring.DedupWindow)
	}
	if cfg.Proctoring.EscalationThreshold != 3 {
		t.Errorf("Expected escalation threshold 3, got %d", cfg.Proctoring.EscalationThreshold)
	}
	if cfg.Proctoring.CriticalTerminateThreshold != 3 {
		t.Errorf("Expected critical terminate threshold 3, got %d", cfg.Proctoring.CriticalTerminateThreshold)
	}
	if cfg.Proctoring.TickInterval != time.Second {
		t.Errorf("Expected 1s tick interval, got %s", cfg.Proctoring.TickInterval)
	}
}

func TestValidate_RejectsBrokenConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"nil database", func(c *Config) { c.Database = nil }},
		{"empty database path", func(c *Config) { c.Database.Path = "" }},
		{"zero port", func(c *Config) { c.HTTP.Port = 0 }},
		{"huge port", func(c *Config) { c.HTTP.Port = 70000 }},
		{"empty host", func(c *Config) { c.HTTP.Host = "" }},
		{"zero buffer", func(c *Config) { c.WebSocket.BufferSize = 0 }},
		{"nil proctoring", func(c *Config) { c.Proctoring = nil }},
		{"zero heartbeat timeout", func(c *Config) { c.Proctoring.HeartbeatTimeout = 0 }},
		{"zero reconnect grace", func(c *Config) { c.Proctoring.ReconnectGrace = 0 }},
		{"zero escalation threshold", func(c *Config) { c.Proctoring.EscalationThreshold = 0 }},
		{"zero tick interval", func(c *Config) { c.Proctoring.TickInterval = 0 }},
	}

	for _, tc := range tests {
		cfg := DefaultConfig()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadFromEnv_Overlay(t *testing.T) {
	t.Setenv("EXAMWATCH_HTTP_PORT", "9090")
	t.Setenv("EXAMWATCH_DATABASE_PATH", "/tmp/test.db")
	t.Setenv("EXAMWATCH_HEARTBEAT_TIMEOUT", "45s")
	t.Setenv("EXAMWATCH_ESCALATION_THRESHOLD", "5")

	cfg := LoadFromEnv()

	if cfg.HTTP.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.HTTP.Port)
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Expected /tmp/test.db, got %s", cfg.Database.Path)
	}
	if cfg.Proctoring.HeartbeatTimeout != 45*time.Second {
		t.Errorf("Expected 45s heartbeat timeout, got %s", cfg.Proctoring.HeartbeatTimeout)
	}
	if cfg.Proctoring.EscalationThreshold != 5 {
		t.Errorf("Expected escalation threshold 5, got %d", cfg.Proctoring.EscalationThreshold)
	}

	// Untouched fields keep their defaults.
	if cfg.Proctoring.ReconnectGrace != 2*time.Minute {
		t.Errorf("Expected default reconnect grace, got %s", cfg.Proctoring.ReconnectGrace)
	}
}

func TestLoadFromEnv_IgnoresGarbage(t *testing.T) {
	t.Setenv("EXAMWATCH_HTTP_PORT", "not-a-number")
	t.Setenv("EXAMWATCH_HEARTBEAT_TIMEOUT", "soon")

	cfg := LoadFromEnv()

	if cfg.HTTP.Port != 8080 {
		t.Errorf("Garbage port should keep default, got %d", cfg.HTTP.Port)
	}
	if cfg.Proctoring.HeartbeatTimeout != 30*time.Second {
		t.Errorf("Garbage duration should keep default, got %s", cfg.Proctoring.HeartbeatTimeout)
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `{
		"http": {"port": 9999},
		"proctoring": {
			"heartbeat_timeout": "1m",
			"escalation_threshold": 4
		}
	}`
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.HTTP.Port != 9999 {
		t.Errorf("Expected port 9999, got %d", cfg.HTTP.Port)
	}
	if cfg.Proctoring.HeartbeatTimeout != time.Minute {
		t.Errorf("Expected 1m heartbeat timeout, got %s", cfg.Proctoring.HeartbeatTimeout)
	}
	if cfg.Proctoring.EscalationThreshold != 4 {
		t.Errorf("Expected escalation threshold 4, got %d", cfg.Proctoring.EscalationThreshold)
	}
	if cfg.WebSocket.PingInterval != 30*time.Second {
		t.Errorf("Expected default ping interval, got %s", cfg.WebSocket.PingInterval)
	}
}

func TestLoadFromFile_MissingFile(t *testing.T) {
	if _, err := LoadFromFile("/no/such/config.json"); err == nil {
		t.Error("Missing file should error")
	}
}

func TestLoadFromFile_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := LoadFromFile(path); err == nil {
		t.Error("Broken JSON should error")
	}
}

func TestLoadConfigWithPrecedence_FileWins(t *testing.T) {
	t.Setenv("EXAMWATCH_HTTP_PORT", "9090")

	content := `{"http": {"port": 7070}}`
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg := LoadConfigWithPrecedence(path)
	if cfg.HTTP.Port != 7070 {
		t.Errorf("File should win over env, got %d", cfg.HTTP.Port)
	}
}

func TestLoadConfigWithPrecedence_FallsBackToEnv(t *testing.T) {
	t.Setenv("EXAMWATCH_HTTP_PORT", "9090")

	cfg := LoadConfigWithPrecedence("/no/such/config.json")
	if cfg.HTTP.Port != 9090 {
		t.Errorf("Missing file should fall back to env, got %d", cfg.HTTP.Port)
	}
}
