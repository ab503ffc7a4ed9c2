// Package config loads and validates the bridge configuration from a
// JSON or YAML file, with BRIDGE_* environment overrides layered on
// top.
package config

import (
	"fmt"
	"time"

	"github.com/FiLORUX/bitfocus-telemetry-bridge/clientserver"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/errors"
	"github.com/FiLORUX/bitfocus-telemetry-bridge/satellite"
)

// Config is the complete application configuration. Durations are
// carried as milliseconds in the file and converted at the component
// boundary.
type Config struct {
	Companion     CompanionConfig     `json:"companion" yaml:"companion"`
	ClientServer  ClientServerConfig  `json:"clientServer" yaml:"clientServer"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`
}

// CompanionConfig configures the upstream adapter.
type CompanionConfig struct {
	Host                 string `json:"host" yaml:"host"`
	Port                 int    `json:"port" yaml:"port"`
	DeviceID             string `json:"deviceId" yaml:"deviceId"`
	ProductName          string `json:"productName" yaml:"productName"`
	KeysPerRow           int    `json:"keysPerRow" yaml:"keysPerRow"`
	KeysTotal            int    `json:"keysTotal" yaml:"keysTotal"`
	BitmapSize           int    `json:"bitmapSize" yaml:"bitmapSize"`
	AutoReconnect        bool   `json:"autoReconnect" yaml:"autoReconnect"`
	ReconnectDelayMs     int    `json:"reconnectDelayMs" yaml:"reconnectDelayMs"`
	MaxReconnectAttempts int    `json:"maxReconnectAttempts" yaml:"maxReconnectAttempts"`
	HeartbeatIntervalMs  int    `json:"heartbeatIntervalMs" yaml:"heartbeatIntervalMs"`
	ConnectionTimeoutMs  int    `json:"connectionTimeoutMs" yaml:"connectionTimeoutMs"`
}

// ClientServerConfig configures the downstream client transport.
type ClientServerConfig struct {
	Host                string   `json:"host" yaml:"host"`
	Port                int      `json:"port" yaml:"port"`
	MaxClients          int      `json:"maxClients" yaml:"maxClients"`
	RateLimit           int      `json:"rateLimit" yaml:"rateLimit"`
	RateLimitWindowMs   int      `json:"rateLimitWindowMs" yaml:"rateLimitWindowMs"`
	IdleTimeoutMs       int      `json:"idleTimeoutMs" yaml:"idleTimeoutMs"`
	HandshakeTimeoutMs  int      `json:"handshakeTimeoutMs" yaml:"handshakeTimeoutMs"`
	HeartbeatIntervalMs int      `json:"heartbeatIntervalMs" yaml:"heartbeatIntervalMs"`
	RequireAuth         bool     `json:"requireAuth" yaml:"requireAuth"`
	AuthTokens          []string `json:"authTokens" yaml:"authTokens"`
	EnableCompression   bool     `json:"enableCompression" yaml:"enableCompression"`
	MaxMessageSize      int64    `json:"maxMessageSize" yaml:"maxMessageSize"`
}

// ObservabilityConfig configures the health/metrics/GUI HTTP server.
type ObservabilityConfig struct {
	Host        string   `json:"host" yaml:"host"`
	Port        int      `json:"port" yaml:"port"`
	EnableGUI   bool     `json:"enableGui" yaml:"enableGui"`
	CORSOrigins []string `json:"corsOrigins" yaml:"corsOrigins"`
}

// LoggingConfig configures the default slog handler.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns the full default configuration. File and
// environment values overlay it.
func Default() *Config {
	sat := satellite.DefaultConfig()
	cs := clientserver.DefaultConfig()
	return &Config{
		Companion: CompanionConfig{
			Host:                 sat.Host,
			Port:                 sat.Port,
			DeviceID:             sat.DeviceID,
			ProductName:          sat.ProductName,
			KeysPerRow:           sat.KeysPerRow,
			KeysTotal:            sat.KeysTotal,
			BitmapSize:           sat.BitmapSize,
			AutoReconnect:        sat.AutoReconnect,
			ReconnectDelayMs:     int(sat.ReconnectDelay / time.Millisecond),
			MaxReconnectAttempts: sat.MaxReconnectAttempts,
			HeartbeatIntervalMs:  int(sat.HeartbeatInterval / time.Millisecond),
			ConnectionTimeoutMs:  int(sat.ConnectionTimeout / time.Millisecond),
		},
		ClientServer: ClientServerConfig{
			Host:                cs.Host,
			Port:                cs.Port,
			MaxClients:          cs.MaxClients,
			RateLimit:           cs.RateLimit,
			RateLimitWindowMs:   int(cs.RateLimitWindow / time.Millisecond),
			IdleTimeoutMs:       int(cs.IdleTimeout / time.Millisecond),
			HandshakeTimeoutMs:  int(cs.HandshakeTimeout / time.Millisecond),
			HeartbeatIntervalMs: int(cs.HeartbeatInterval / time.Millisecond),
			RequireAuth:         cs.RequireAuth,
			AuthTokens:          cs.AuthTokens,
			EnableCompression:   cs.EnableCompression,
			MaxMessageSize:      cs.MaxMessageSize,
		},
		Observability: ObservabilityConfig{
			Host:        "0.0.0.0",
			Port:        9181,
			EnableGUI:   true,
			CORSOrigins: []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Satellite converts the companion section into the adapter config.
func (c *Config) Satellite() satellite.Config {
	return satellite.Config{
		Host:                 c.Companion.Host,
		Port:                 c.Companion.Port,
		DeviceID:             c.Companion.DeviceID,
		ProductName:          c.Companion.ProductName,
		KeysPerRow:           c.Companion.KeysPerRow,
		KeysTotal:            c.Companion.KeysTotal,
		BitmapSize:           c.Companion.BitmapSize,
		AutoReconnect:        c.Companion.AutoReconnect,
		ReconnectDelay:       time.Duration(c.Companion.ReconnectDelayMs) * time.Millisecond,
		MaxReconnectAttempts: c.Companion.MaxReconnectAttempts,
		HeartbeatInterval:    time.Duration(c.Companion.HeartbeatIntervalMs) * time.Millisecond,
		ConnectionTimeout:    time.Duration(c.Companion.ConnectionTimeoutMs) * time.Millisecond,
	}
}

// Transport converts the clientServer section into the transport
// config.
func (c *Config) Transport() clientserver.Config {
	return clientserver.Config{
		Host:              c.ClientServer.Host,
		Port:              c.ClientServer.Port,
		MaxClients:        c.ClientServer.MaxClients,
		RateLimit:         c.ClientServer.RateLimit,
		RateLimitWindow:   time.Duration(c.ClientServer.RateLimitWindowMs) * time.Millisecond,
		IdleTimeout:       time.Duration(c.ClientServer.IdleTimeoutMs) * time.Millisecond,
		HandshakeTimeout:  time.Duration(c.ClientServer.HandshakeTimeoutMs) * time.Millisecond,
		HeartbeatInterval: time.Duration(c.ClientServer.HeartbeatIntervalMs) * time.Millisecond,
		RequireAuth:       c.ClientServer.RequireAuth,
		AuthTokens:        c.ClientServer.AuthTokens,
		EnableCompression: c.ClientServer.EnableCompression,
		MaxMessageSize:    c.ClientServer.MaxMessageSize,
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Satellite().Validate(); err != nil {
		return fmt.Errorf("companion: %w", err)
	}
	if err := c.Transport().Validate(); err != nil {
		return fmt.Errorf("clientServer: %w", err)
	}
	if c.Observability.Port < 0 || c.Observability.Port > 65535 {
		return errors.Wrap(fmt.Errorf("port %d out of range", c.Observability.Port),
			"config", "Validate", "observability.port")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Wrap(fmt.Errorf("unknown level %q", c.Logging.Level),
			"config", "Validate", "logging.level")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return errors.Wrap(fmt.Errorf("unknown format %q", c.Logging.Format),
			"config", "Validate", "logging.format")
	}
	return nil
}
