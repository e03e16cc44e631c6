package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read into a config.
const EnvPrefix = "MYPROTO_"

// Transport names.
const (
	TransportTCP = "tcp"
	TransportMux = "mux"
	TransportWS  = "ws"
)

// ServerConfig holds configuration for the protocol server.
type ServerConfig struct {
	// ListenAddr is the raw TCP address for peers (e.g., ":7000").
	// Empty disables the TCP listener.
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr" env:"LISTEN_ADDR"`

	// HTTPAddr serves the WebSocket endpoint, the API and metrics.
	// Empty disables the HTTP listener.
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" env:"HTTP_ADDR"`

	// Transport selects how TCP connections are framed: "tcp" runs one engine
	// per connection, "mux" runs one engine per yamux stream.
	Transport string `yaml:"transport" toml:"transport" env:"TRANSPORT"`

	// EchoFrames writes every delivered frame back to the peer.
	EchoFrames bool `yaml:"echo_frames" toml:"echo_frames" env:"ECHO_FRAMES"`

	// DatabasePath is the SQLite journal file. Empty disables the journal.
	DatabasePath string `yaml:"database_path" toml:"database_path" env:"DATABASE_PATH"`

	// Auth configuration for the inspection API.
	Auth AuthConfig `yaml:"auth" toml:"auth" envPrefix:"AUTH_"`

	// Limits configuration for resource constraints.
	Limits LimitsConfig `yaml:"limits" toml:"limits" envPrefix:"LIMITS_"`

	// Timeouts configuration for connection handling.
	Timeouts TimeoutsConfig `yaml:"timeouts" toml:"timeouts" envPrefix:"TIMEOUTS_"`

	// Metrics configuration for Prometheus.
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics" envPrefix:"METRICS_"`

	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level" toml:"log_level" env:"LOG_LEVEL"`

	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format" toml:"log_format" env:"LOG_FORMAT"`
}

// AuthConfig holds API authentication configuration.
type AuthConfig struct {
	// Mode is the authentication mode: "token" or "none".
	Mode string `yaml:"mode" toml:"mode" env:"MODE"`

	// TokenFile is the path to a file containing valid tokens (one per line).
	TokenFile string `yaml:"token_file" toml:"token_file" env:"TOKEN_FILE"`

	// AdminToken may create API tokens through the API.
	AdminToken string `yaml:"admin_token" toml:"admin_token" env:"ADMIN_TOKEN"`
}

// LimitsConfig holds resource constraint configuration.
type LimitsConfig struct {
	// MaxSessions caps concurrent engines. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions" toml:"max_sessions" env:"MAX_SESSIONS"`

	// MaxStreamsPerConn caps yamux streams per TCP connection in mux mode.
	MaxStreamsPerConn int `yaml:"max_streams_per_conn" toml:"max_streams_per_conn" env:"MAX_STREAMS_PER_CONN"`

	// ReadBufferSize is the size of each read from the transport.
	ReadBufferSize int `yaml:"read_buffer_size" toml:"read_buffer_size" env:"READ_BUFFER_SIZE"`
}

// TimeoutsConfig holds timeout configuration.
type TimeoutsConfig struct {
	// IdleTimeout ends a connection that sends nothing for this long.
	// Zero disables it.
	IdleTimeout time.Duration `yaml:"idle_timeout" toml:"idle_timeout" env:"IDLE_TIMEOUT"`

	// WriteTimeout bounds each write to a peer.
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout" env:"WRITE_TIMEOUT"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// MetricsConfig holds Prometheus configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" toml:"path" env:"PATH"`
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:   ":7000",
		HTTPAddr:     ":7080",
		Transport:    TransportTCP,
		EchoFrames:   false,
		DatabasePath: "./myproto.db",
		Auth: AuthConfig{
			Mode: "token",
		},
		Limits: LimitsConfig{
			MaxSessions:       1000,
			MaxStreamsPerConn: 64,
			ReadBufferSize:    4096,
		},
		Timeouts: TimeoutsConfig{
			IdleTimeout:     5 * time.Minute,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// LoadServerConfig loads server configuration from a YAML or TOML file and
// applies MYPROTO_* environment overrides. An empty path loads only defaults
// and the environment.
func LoadServerConfig(path string) (*ServerConfig, error) {
	config := DefaultServerConfig()
	if err := loadFile(path, config); err != nil {
		return nil, err
	}
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

// Validate checks if the server configuration is valid.
func (c *ServerConfig) Validate() error {
	if c.ListenAddr == "" && c.HTTPAddr == "" {
		return fmt.Errorf("at least one of listen_addr or http_addr is required")
	}
	if c.Transport != TransportTCP && c.Transport != TransportMux {
		return fmt.Errorf("transport must be %q or %q", TransportTCP, TransportMux)
	}
	if c.Auth.Mode != "token" && c.Auth.Mode != "none" {
		return fmt.Errorf("auth.mode must be 'token' or 'none'")
	}
	if c.Limits.MaxSessions < 0 {
		return fmt.Errorf("limits.max_sessions must not be negative")
	}
	if c.Limits.ReadBufferSize <= 0 {
		return fmt.Errorf("limits.read_buffer_size must be positive")
	}
	if c.Transport == TransportMux && c.Limits.MaxStreamsPerConn <= 0 {
		return fmt.Errorf("limits.max_streams_per_conn must be positive in mux mode")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/'")
	}
	return nil
}

// ClientConfig holds configuration for the protocol client.
type ClientConfig struct {
	// ServerAddr is host:port for tcp/mux or a ws:// URL.
	ServerAddr string `yaml:"server_addr" toml:"server_addr" env:"SERVER_ADDR"`

	// Transport is "tcp", "ws" or "mux".
	Transport string `yaml:"transport" toml:"transport" env:"TRANSPORT"`

	// Version is announced in the version header.
	Version int `yaml:"version" toml:"version" env:"VERSION"`

	// Streams is the number of yamux streams to open in mux mode.
	Streams int `yaml:"streams" toml:"streams" env:"STREAMS"`

	// HandshakeTimeout bounds dialing plus the version exchange.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" toml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`

	// WriteTimeout bounds each write.
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout" env:"WRITE_TIMEOUT"`

	// Reconnect configuration for dial retries.
	Reconnect ReconnectConfig `yaml:"reconnect" toml:"reconnect" envPrefix:"RECONNECT_"`

	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level" toml:"log_level" env:"LOG_LEVEL"`
}

// ReconnectConfig holds dial retry settings.
type ReconnectConfig struct {
	// Enabled indicates whether failed dials are retried.
	Enabled bool `yaml:"enabled" toml:"enabled" env:"ENABLED"`

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `yaml:"initial_delay" toml:"initial_delay" env:"INITIAL_DELAY"`

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration `yaml:"max_delay" toml:"max_delay" env:"MAX_DELAY"`

	// Multiplier is the factor by which the delay increases after each attempt.
	Multiplier float64 `yaml:"multiplier" toml:"multiplier" env:"MULTIPLIER"`

	// MaxAttempts is the maximum number of retries (0 = unlimited).
	MaxAttempts int `yaml:"max_attempts" toml:"max_attempts" env:"MAX_ATTEMPTS"`
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ServerAddr:       "localhost:7000",
		Transport:        TransportTCP,
		Version:          1,
		Streams:          1,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		Reconnect: ReconnectConfig{
			Enabled:      true,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
			MaxAttempts:  5,
		},
		LogLevel: "info",
	}
}

// LoadClientConfig loads client configuration from a YAML or TOML file and
// applies MYPROTO_* environment overrides.
func LoadClientConfig(path string) (*ClientConfig, error) {
	config := DefaultClientConfig()
	if err := loadFile(path, config); err != nil {
		return nil, err
	}
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

// Validate checks if the client configuration is valid.
func (c *ClientConfig) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server_addr is required")
	}
	switch c.Transport {
	case TransportTCP, TransportMux:
	case TransportWS:
		if !strings.HasPrefix(c.ServerAddr, "ws://") && !strings.HasPrefix(c.ServerAddr, "wss://") {
			return fmt.Errorf("server_addr must be a ws:// or wss:// URL for the ws transport")
		}
	default:
		return fmt.Errorf("transport must be one of tcp, ws, mux")
	}
	if c.Version < 0 || c.Version > 999999 {
		return fmt.Errorf("version must be between 0 and 999999")
	}
	if c.Streams <= 0 {
		return fmt.Errorf("streams must be positive")
	}
	if c.Streams > 1 && c.Transport != TransportMux {
		return fmt.Errorf("multiple streams require the mux transport")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake_timeout must be positive")
	}
	if c.Reconnect.Enabled && c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be at least 1")
	}
	return nil
}

// loadFile decodes path into config, choosing the format by extension.
func loadFile(path string, config interface{}) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	return nil
}

// applyEnv overlays MYPROTO_* environment variables onto config.
func applyEnv(config interface{}) error {
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}
