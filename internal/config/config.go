// Package config loads fsmhub configuration from defaults, an optional
// YAML file, and FSMHUB_-prefixed environment variables, in ascending
// precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "FSMHUB_"

// Config is the root configuration tree.
type Config struct {
	Hub     HubConfig     `koanf:"hub"`
	Monitor MonitorConfig `koanf:"monitor"`
	History HistoryConfig `koanf:"history"`
	NATS    NATSConfig    `koanf:"nats"`
	Server  ServerConfig  `koanf:"server"`
	Logging LoggingConfig `koanf:"logging"`
	Tracing TracingConfig `koanf:"tracing"`
}

// HubConfig tunes the transition hub.
type HubConfig struct {
	MaxConcurrentTransitions int      `koanf:"max_concurrent_transitions"`
	RequestTimeout           Duration `koanf:"request_timeout"`
	ConflictWaitTimeout      Duration `koanf:"conflict_wait_timeout"`
	HeartbeatInterval        Duration `koanf:"heartbeat_interval"`
	LivenessTimeout          Duration `koanf:"liveness_timeout"`
	ShutdownGrace            Duration `koanf:"shutdown_grace"`
	ValidationEnabled        bool     `koanf:"validation_enabled"`
	ConflictResolution       bool     `koanf:"conflict_resolution"`
}

// MonitorConfig tunes the transition monitor.
type MonitorConfig struct {
	CollectInterval Duration         `koanf:"collect_interval"`
	Retention       Duration         `koanf:"retention"`
	IdleAfter       Duration         `koanf:"idle_after"`
	Thresholds      ThresholdsConfig `koanf:"thresholds"`
}

// ThresholdsConfig holds the alerting thresholds.
type ThresholdsConfig struct {
	ErrorRate   float64  `koanf:"error_rate"`
	AvgDuration Duration `koanf:"avg_duration"`
	QueueLength int      `koanf:"queue_length"`
}

// HistoryConfig controls optional persistence of the ledger.
type HistoryConfig struct {
	Persist bool   `koanf:"persist"`
	Path    string `koanf:"path"`
}

// NATSConfig controls the optional event bridge.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	HTTPAddr string `koanf:"http_addr"`
}

// LoggingConfig controls zap construction.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TracingConfig controls the OTel stdout exporter.
type TracingConfig struct {
	Enabled bool `koanf:"enabled"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Hub: HubConfig{
			MaxConcurrentTransitions: 50,
			RequestTimeout:           Duration(30 * time.Second),
			ConflictWaitTimeout:      Duration(10 * time.Second),
			HeartbeatInterval:        Duration(30 * time.Second),
			LivenessTimeout:          Duration(120 * time.Second),
			ShutdownGrace:            Duration(5 * time.Second),
			ValidationEnabled:        true,
			ConflictResolution:       true,
		},
		Monitor: MonitorConfig{
			CollectInterval: Duration(5 * time.Second),
			Retention:       Duration(time.Hour),
			IdleAfter:       Duration(5 * time.Minute),
			Thresholds: ThresholdsConfig{
				ErrorRate:   0.05,
				AvgDuration: Duration(10 * time.Second),
				QueueLength: 100,
			},
		},
		History: HistoryConfig{
			Persist: false,
			Path:    "./data/badger",
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://localhost:4222",
			SubjectPrefix: "fsmhub",
		},
		Server: ServerConfig{
			HTTPAddr: ":8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled: false,
		},
	}
}

// Load reads the config file at path (optional; "" skips the file) and
// applies environment overrides such as FSMHUB_HUB_REQUEST_TIMEOUT.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	// FSMHUB_HUB_REQUEST_TIMEOUT           -> hub.request_timeout
	// FSMHUB_MONITOR_THRESHOLDS_ERROR_RATE -> monitor.thresholds.error_rate
	if err := k.Load(env.Provider(envPrefix, ".", transformEnvKey), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// nestedGroups are config subtrees deeper than section.field. The env
// transformer splits on the first underscore only, so without this list
// a key like MONITOR_THRESHOLDS_ERROR_RATE would flatten into the
// nonexistent monitor.thresholds_error_rate and be silently ignored.
var nestedGroups = []string{"monitor.thresholds"}

func transformEnvKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	key := parts[0] + "." + parts[1]
	for _, group := range nestedGroups {
		prefix := group + "_"
		if strings.HasPrefix(key, prefix) {
			return group + "." + strings.TrimPrefix(key, prefix)
		}
	}
	return key
}

// Validate checks the loaded tree for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Hub.MaxConcurrentTransitions <= 0 {
		return fmt.Errorf("hub.max_concurrent_transitions must be > 0")
	}
	if c.Hub.RequestTimeout.Duration() <= 0 {
		return fmt.Errorf("hub.request_timeout must be > 0")
	}
	if c.Monitor.CollectInterval.Duration() <= 0 {
		return fmt.Errorf("monitor.collect_interval must be > 0")
	}
	if c.Monitor.Thresholds.ErrorRate <= 0 || c.Monitor.Thresholds.ErrorRate > 1 {
		return fmt.Errorf("monitor.thresholds.error_rate must be in (0, 1]")
	}
	if c.History.Persist && c.History.Path == "" {
		return fmt.Errorf("history.path required when history.persist is enabled")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url required when nats.enabled is set")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	return nil
}
