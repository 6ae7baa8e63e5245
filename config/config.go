// Package config loads node configuration from a TOML file, the same
// kind of ad-hoc-flags replacement the teacher's server command reaches
// past stdlib flag parsing for.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds everything needed to start a node besides command-line
// overrides.
type Config struct {
	// Medium is the TCP address (host:port) of the external framing
	// server.
	Medium string `toml:"medium"`

	// FrequencyHz is the 24-bit channel frequency sent in CONNECT.
	FrequencyHz uint32 `toml:"frequency_hz"`

	// LogLevel is a logrus level name: "debug", "info", "warn", "error".
	LogLevel string `toml:"log_level"`

	// Syslog enables the syslog fallback sink in addition to stderr.
	Syslog bool `toml:"syslog"`

	// MetricsAddr, if non-empty, is the loopback address promhttp
	// listens on (e.g. "127.0.0.1:9100").
	MetricsAddr string `toml:"metrics_addr"`

	Timing TimingOverrides `toml:"timing"`
}

// TimingOverrides holds the durations read from the [timing] table. They
// are only parsed; the node does not apply them, and MAC, routing and
// addressing always use their built-in timing constants.
type TimingOverrides struct {
	MaxBackoff     Duration `toml:"max_backoff"`
	KeepAlivePeriod Duration `toml:"keep_alive_period"`
	BootstrapInterval Duration `toml:"bootstrap_interval"`
}

// Duration wraps time.Duration so it can be parsed from a TOML string
// like "15s" rather than an integer count of nanoseconds.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler, which BurntSushi/toml
// uses for scalar string fields.
func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", b, err)
	}
	d.Duration = parsed
	return nil
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Medium:      "localhost:8080",
		FrequencyHz: 433000000,
		LogLevel:    "info",
	}
}

// Load reads and decodes a TOML configuration file, starting from the
// defaults so a partial file only overrides what it specifies.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
