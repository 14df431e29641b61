// Package config provides the configuration schema and loader for the
// mixwire capture service.
package config

import "time"

// LogLevel controls log verbosity for the mixwire server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for mixwire.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Audio     AudioConfig     `yaml:"audio"`
}

// ServerConfig holds network and logging settings for the local
// health/metrics listener.
type ServerConfig struct {
	// ListenAddr is the TCP address the health and metrics endpoints listen
	// on (e.g., ":9090"). Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// TransportConfig describes the websocket endpoint mixed audio frames are
// delivered to.
type TransportConfig struct {
	// Endpoint is the websocket URL of the frame consumer
	// (e.g., "ws://127.0.0.1:7070/audio").
	Endpoint string `yaml:"endpoint"`

	// DialTimeout bounds the initial websocket dial. Zero means no timeout.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// AudioConfig holds mixer and capture settings.
type AudioConfig struct {
	// Mode selects the streaming buffer policy: "lowLatency" or "performance".
	Mode string `yaml:"mode"`

	// Loopback enables local playback of the mix at startup.
	Loopback bool `yaml:"loopback"`

	// Devices lists external input devices to capture from at startup.
	Devices []DeviceConfig `yaml:"devices"`
}

// DeviceConfig identifies a single external input device.
type DeviceConfig struct {
	// ID is the host device name as reported by the audio backend.
	// Empty selects the system default input device.
	ID string `yaml:"id"`
}
