package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the system-wide settings coordinator. Precedence is
// file > environment > defaults; see LoadConfigWithPrecedence.
type Config struct {
	Database   *DatabaseConfig   `json:"database"`
	HTTP       *HTTPConfig       `json:"http"`
	WebSocket  *WebSocketConfig  `json:"websocket"`
	Proctoring *ProctoringConfig `json:"proctoring"`
}

// DatabaseConfig covers the SQLite persistence layer.
type DatabaseConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

// HTTPConfig covers the control-plane API server.
type HTTPConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	Host         string        `json:"host"`
}

// WebSocketConfig covers the per-connection transport settings.
type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BufferSize   int           `json:"buffer_size"`
}

// ProctoringConfig holds the enforcement policy. The escalation values
// are deployment-tunable rather than product constants.
type ProctoringConfig struct {
	// HeartbeatTimeout is how long an active attempt may go without a
	// heartbeat before the server synthesizes a disconnect violation.
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout"`
	// AuthGrace is how long an unauthenticated connection may idle before
	// it is closed.
	AuthGrace time.Duration `json:"auth_grace"`
	// ReconnectGrace is how long a dropped student may reconnect and
	// resume; past it the session is flagged.
	ReconnectGrace time.Duration `json:"reconnect_grace"`
	// DedupWindow is how long repeat violations of one type collapse into
	// a single open alert.
	DedupWindow time.Duration `json:"dedup_window"`
	// EscalationThreshold low/medium events within EscalationWindow raise
	// the next alert one severity level.
	EscalationThreshold int           `json:"escalation_threshold"`
	EscalationWindow    time.Duration `json:"escalation_window"`
	// CriticalTerminateThreshold unresolved critical alerts terminate the
	// attempt.
	CriticalTerminateThreshold int `json:"critical_terminate_threshold"`
	// TickInterval is the countdown resolution.
	TickInterval time.Duration `json:"tick_interval"`
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    "./examwatch.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		Proctoring: &ProctoringConfig{
			HeartbeatTimeout:           30 * time.Second,
			AuthGrace:                  10 * time.Second,
			ReconnectGrace:             2 * time.Minute,
			DedupWindow:                2 * time.Minute,
			EscalationThreshold:        3,
			EscalationWindow:           2 * time.Minute,
			CriticalTerminateThreshold: 3,
			TickInterval:               time.Second,
		},
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= 0 {
		return fmt.Errorf("WebSocket read timeout must be positive")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.Proctoring == nil {
		return fmt.Errorf("proctoring configuration is required")
	}
	if c.Proctoring.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat timeout must be positive")
	}
	if c.Proctoring.AuthGrace <= 0 {
		return fmt.Errorf("auth grace period must be positive")
	}
	if c.Proctoring.ReconnectGrace <= 0 {
		return fmt.Errorf("reconnect grace window must be positive")
	}
	if c.Proctoring.DedupWindow <= 0 {
		return fmt.Errorf("dedup window must be positive")
	}
	if c.Proctoring.EscalationThreshold <= 0 {
		return fmt.Errorf("escalation threshold must be positive")
	}
	if c.Proctoring.EscalationWindow <= 0 {
		return fmt.Errorf("escalation window must be positive")
	}
	if c.Proctoring.CriticalTerminateThreshold <= 0 {
		return fmt.Errorf("critical terminate threshold must be positive")
	}
	if c.Proctoring.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}

	return nil
}

// LoadFromEnv overlays EXAMWATCH_* environment variables on the defaults.
func LoadFromEnv() *Config {
	config := DefaultConfig()

	if port := os.Getenv("EXAMWATCH_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.HTTP.Port = p
		}
	}
	if host := os.Getenv("EXAMWATCH_HTTP_HOST"); host != "" {
		config.HTTP.Host = host
	}
	if dbPath := os.Getenv("EXAMWATCH_DATABASE_PATH"); dbPath != "" {
		config.Database.Path = dbPath
	}

	overlayDuration := func(env string, target *time.Duration) {
		if raw := os.Getenv(env); raw != "" {
			if d, err := time.ParseDuration(raw); err == nil {
				*target = d
			}
		}
	}
	overlayInt := func(env string, target *int) {
		if raw := os.Getenv(env); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				*target = n
			}
		}
	}

	overlayDuration("EXAMWATCH_DATABASE_TIMEOUT", &config.Database.Timeout)
	overlayDuration("EXAMWATCH_HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	overlayDuration("EXAMWATCH_HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)
	overlayDuration("EXAMWATCH_WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	overlayDuration("EXAMWATCH_WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	overlayDuration("EXAMWATCH_WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	overlayInt("EXAMWATCH_WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)

	overlayDuration("EXAMWATCH_HEARTBEAT_TIMEOUT", &config.Proctoring.HeartbeatTimeout)
	overlayDuration("EXAMWATCH_AUTH_GRACE", &config.Proctoring.AuthGrace)
	overlayDuration("EXAMWATCH_RECONNECT_GRACE", &config.Proctoring.ReconnectGrace)
	overlayDuration("EXAMWATCH_DEDUP_WINDOW", &config.Proctoring.DedupWindow)
	overlayInt("EXAMWATCH_ESCALATION_THRESHOLD", &config.Proctoring.EscalationThreshold)
	overlayDuration("EXAMWATCH_ESCALATION_WINDOW", &config.Proctoring.EscalationWindow)
	overlayInt("EXAMWATCH_CRITICAL_TERMINATE_THRESHOLD", &config.Proctoring.CriticalTerminateThreshold)
	overlayDuration("EXAMWATCH_TICK_INTERVAL", &config.Proctoring.TickInterval)

	return config
}

// configFile mirrors Config with duration fields as strings so JSON files
// can say "30s" instead of nanosecond counts.
type configFile struct {
	Database *struct {
		Path    string `json:"path"`
		Timeout string `json:"timeout"`
	} `json:"database"`
	HTTP *struct {
		Port         int    `json:"port"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
		Host         string `json:"host"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval string `json:"ping_interval"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
		BufferSize   int    `json:"buffer_size"`
	} `json:"websocket"`
	Proctoring *struct {
		HeartbeatTimeout           string `json:"heartbeat_timeout"`
		AuthGrace                  string `json:"auth_grace"`
		ReconnectGrace             string `json:"reconnect_grace"`
		DedupWindow                string `json:"dedup_window"`
		EscalationThreshold        int    `json:"escalation_threshold"`
		EscalationWindow           string `json:"escalation_window"`
		CriticalTerminateThreshold int    `json:"critical_terminate_threshold"`
		TickInterval               string `json:"tick_interval"`
	} `json:"proctoring"`
}

func parseDuration(raw string, target *time.Duration) {
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*target = d
	}
}

// LoadFromFile reads a JSON configuration file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config := DefaultConfig()

	if file.Database != nil {
		if file.Database.Path != "" {
			config.Database.Path = file.Database.Path
		}
		parseDuration(file.Database.Timeout, &config.Database.Timeout)
	}
	if file.HTTP != nil {
		if file.HTTP.Port > 0 {
			config.HTTP.Port = file.HTTP.Port
		}
		if file.HTTP.Host != "" {
			config.HTTP.Host = file.HTTP.Host
		}
		parseDuration(file.HTTP.ReadTimeout, &config.HTTP.ReadTimeout)
		parseDuration(file.HTTP.WriteTimeout, &config.HTTP.WriteTimeout)
	}
	if file.WebSocket != nil {
		if file.WebSocket.BufferSize > 0 {
			config.WebSocket.BufferSize = file.WebSocket.BufferSize
		}
		parseDuration(file.WebSocket.PingInterval, &config.WebSocket.PingInterval)
		parseDuration(file.WebSocket.ReadTimeout, &config.WebSocket.ReadTimeout)
		parseDuration(file.WebSocket.WriteTimeout, &config.WebSocket.WriteTimeout)
	}
	if file.Proctoring != nil {
		if file.Proctoring.EscalationThreshold > 0 {
			config.Proctoring.EscalationThreshold = file.Proctoring.EscalationThreshold
		}
		if file.Proctoring.CriticalTerminateThreshold > 0 {
			config.Proctoring.CriticalTerminateThreshold = file.Proctoring.CriticalTerminateThreshold
		}
		parseDuration(file.Proctoring.HeartbeatTimeout, &config.Proctoring.HeartbeatTimeout)
		parseDuration(file.Proctoring.AuthGrace, &config.Proctoring.AuthGrace)
		parseDuration(file.Proctoring.ReconnectGrace, &config.Proctoring.ReconnectGrace)
		parseDuration(file.Proctoring.DedupWindow, &config.Proctoring.DedupWindow)
		parseDuration(file.Proctoring.EscalationWindow, &config.Proctoring.EscalationWindow)
		parseDuration(file.Proctoring.TickInterval, &config.Proctoring.TickInterval)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return config, nil
}

// LoadConfigWithPrecedence resolves configuration as file > env > defaults.
// A missing or unreadable file falls back silently to env/defaults.
func LoadConfigWithPrecedence(path string) *Config {
	config := LoadFromEnv()

	if path != "" {
		if fileConfig, err := LoadFromFile(path); err == nil {
			config = fileConfig
		}
	}

	return config
}
