package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/mixwire/mixwire/pkg/audio/stream"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	// LoadFromReader errors already carry the package prefix.
	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Transport.Endpoint == "" {
		errs = append(errs, errors.New("transport.endpoint is required"))
	} else if u, err := url.Parse(cfg.Transport.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("transport.endpoint %q is not a valid URL: %w", cfg.Transport.Endpoint, err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("transport.endpoint %q must use a ws:// or wss:// scheme", cfg.Transport.Endpoint))
	}
	if cfg.Transport.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("transport.dial_timeout %v must not be negative", cfg.Transport.DialTimeout))
	}

	if cfg.Audio.Mode != "" {
		if _, err := stream.ParseMode(cfg.Audio.Mode); err != nil {
			errs = append(errs, fmt.Errorf("audio.mode %q is invalid; valid values: lowLatency, performance", cfg.Audio.Mode))
		}
	}

	// Duplicate device detection. Only one capture per device is allowed, so
	// a repeated id would fail at startup anyway; catch it early.
	devicesSeen := make(map[string]int, len(cfg.Audio.Devices))
	for i, dev := range cfg.Audio.Devices {
		if prev, ok := devicesSeen[dev.ID]; ok {
			errs = append(errs, fmt.Errorf("audio.devices[%d].id %q is a duplicate of audio.devices[%d]", i, dev.ID, prev))
			continue
		}
		devicesSeen[dev.ID] = i
	}

	return errors.Join(errs...)
}

// StreamMode returns the streaming mode selected by c, defaulting to low latency
// when audio.mode is unset. Call only after [Validate] has passed.
func (c *Config) StreamMode() stream.Mode {
	if c.Audio.Mode == "" {
		return stream.ModeLowLatency
	}
	m, err := stream.ParseMode(c.Audio.Mode)
	if err != nil {
		return stream.ModeLowLatency
	}
	return m
}
