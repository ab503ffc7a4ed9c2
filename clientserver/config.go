package clientserver

import (
	"fmt"
	"time"

	"github.com/FiLORUX/bitfocus-telemetry-bridge/errors"
)

// Config holds the client transport settings.
type Config struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`

	MaxClients        int           `json:"maxClients" yaml:"maxClients"`
	RateLimit         int           `json:"rateLimit" yaml:"rateLimit"` // messages per window
	RateLimitWindow   time.Duration `json:"rateLimitWindow" yaml:"rateLimitWindow"`
	IdleTimeout       time.Duration `json:"idleTimeout" yaml:"idleTimeout"`
	HandshakeTimeout  time.Duration `json:"handshakeTimeout" yaml:"handshakeTimeout"`
	HeartbeatInterval time.Duration `json:"heartbeatInterval" yaml:"heartbeatInterval"`

	RequireAuth bool     `json:"requireAuth" yaml:"requireAuth"`
	AuthTokens  []string `json:"authTokens" yaml:"authTokens"`

	EnableCompression bool  `json:"enableCompression" yaml:"enableCompression"`
	MaxMessageSize    int64 `json:"maxMessageSize" yaml:"maxMessageSize"`
}

// DefaultConfig returns the client transport defaults.
func DefaultConfig() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              9180,
		MaxClients:        32,
		RateLimit:         120,
		RateLimitWindow:   time.Second,
		IdleTimeout:       90 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		MaxMessageSize:    256 * 1024,
	}
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	// Port 0 binds an ephemeral port.
	if c.Port < 0 || c.Port > 65535 {
		return errors.Wrap(fmt.Errorf("port %d out of range", c.Port), "clientserver", "Validate", "validate port")
	}
	if c.MaxClients < 1 {
		return errors.Wrap(fmt.Errorf("maxClients must be positive"), "clientserver", "Validate", "validate maxClients")
	}
	if c.RateLimit < 1 {
		return errors.Wrap(fmt.Errorf("rateLimit must be positive"), "clientserver", "Validate", "validate rateLimit")
	}
	if c.RateLimitWindow <= 0 {
		return errors.Wrap(fmt.Errorf("rateLimitWindow must be positive"), "clientserver", "Validate", "validate rateLimitWindow")
	}
	if c.IdleTimeout <= 0 {
		return errors.Wrap(fmt.Errorf("idleTimeout must be positive"), "clientserver", "Validate", "validate idleTimeout")
	}
	if c.HandshakeTimeout <= 0 {
		return errors.Wrap(fmt.Errorf("handshakeTimeout must be positive"), "clientserver", "Validate", "validate handshakeTimeout")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.Wrap(fmt.Errorf("heartbeatInterval must be positive"), "clientserver", "Validate", "validate heartbeatInterval")
	}
	if c.MaxMessageSize < 1024 {
		return errors.Wrap(fmt.Errorf("maxMessageSize below 1024"), "clientserver", "Validate", "validate maxMessageSize")
	}
	if c.RequireAuth && len(c.AuthTokens) == 0 {
		return errors.Wrap(errors.ErrMissingConfig, "clientserver", "Validate", "validate authTokens")
	}
	return nil
}
