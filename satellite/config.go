package satellite

import (
	"fmt"
	"time"

	"github.com/FiLORUX/bitfocus-telemetry-bridge/errors"
)

// Config holds the upstream adapter settings.
type Config struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`

	// Device descriptor announced in BEGIN.
	DeviceID    string `json:"deviceId" yaml:"deviceId"`
	ProductName string `json:"productName" yaml:"productName"`
	KeysPerRow  int    `json:"keysPerRow" yaml:"keysPerRow"`
	KeysTotal   int    `json:"keysTotal" yaml:"keysTotal"`
	BitmapSize  int    `json:"bitmapSize" yaml:"bitmapSize"`

	AutoReconnect        bool          `json:"autoReconnect" yaml:"autoReconnect"`
	ReconnectDelay       time.Duration `json:"reconnectDelay" yaml:"reconnectDelay"`
	MaxReconnectAttempts int           `json:"maxReconnectAttempts" yaml:"maxReconnectAttempts"` // 0 = unlimited
	HeartbeatInterval    time.Duration `json:"heartbeatInterval" yaml:"heartbeatInterval"`
	ConnectionTimeout    time.Duration `json:"connectionTimeout" yaml:"connectionTimeout"`
}

// DefaultConfig returns the adapter defaults: the standard Satellite
// API port, an 8x4 surface, auto-reconnect on.
func DefaultConfig() Config {
	return Config{
		Host:              "127.0.0.1",
		Port:              16622,
		DeviceID:          "bridge00",
		ProductName:       "Telemetry Bridge",
		KeysPerRow:        8,
		KeysTotal:         32,
		BitmapSize:        72,
		AutoReconnect:     true,
		ReconnectDelay:    time.Second,
		HeartbeatInterval: 10 * time.Second,
		ConnectionTimeout: 5 * time.Second,
	}
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.Wrap(errors.ErrInvalidConfig, "satellite", "Validate", "validate host")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Wrap(fmt.Errorf("port %d out of range", c.Port), "satellite", "Validate", "validate port")
	}
	if c.DeviceID == "" {
		return errors.Wrap(errors.ErrInvalidConfig, "satellite", "Validate", "validate deviceId")
	}
	if c.KeysPerRow < 1 || c.KeysTotal < 1 || c.KeysTotal%c.KeysPerRow != 0 {
		return errors.Wrap(fmt.Errorf("keys %dx%d inconsistent", c.KeysPerRow, c.KeysTotal),
			"satellite", "Validate", "validate device geometry")
	}
	if c.ReconnectDelay <= 0 {
		return errors.Wrap(fmt.Errorf("reconnectDelay must be positive"), "satellite", "Validate", "validate reconnectDelay")
	}
	if c.MaxReconnectAttempts < 0 {
		return errors.Wrap(fmt.Errorf("maxReconnectAttempts cannot be negative"), "satellite", "Validate", "validate maxReconnectAttempts")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.Wrap(fmt.Errorf("heartbeatInterval must be positive"), "satellite", "Validate", "validate heartbeatInterval")
	}
	if c.ConnectionTimeout <= 0 {
		return errors.Wrap(fmt.Errorf("connectionTimeout must be positive"), "satellite", "Validate", "validate connectionTimeout")
	}
	return nil
}

// URL returns the WebSocket URL of the control surface server.
func (c Config) URL() string {
	return fmt.Sprintf("ws://%s:%d/api", c.Host, c.Port)
}
