// Package config holds the tunable constants for the race server, the way
// the teacher's config.go holds World/Player/Network constants as a single
// typed block. Unlike the teacher, these are overridable at boot from an
// optional on-disk file (YAML or TOML, sniffed by extension) because a
// production deployment needs to tune tick rate and capacity without a
// rebuild.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config holds the server's tunables; Default lists their default values.
type Config struct {
	TickHz               int `yaml:"tickHz" toml:"tick_hz"`
	SnapshotPeriodMs      int `yaml:"snapshotPeriodMs" toml:"snapshot_period_ms"`
	MaxSnapshotsPerRace   int `yaml:"maxSnapshotsPerRace" toml:"max_snapshots_per_race"`
	MaxParticipants       int `yaml:"maxParticipants" toml:"max_participants"`
	MaxQueueSize          int `yaml:"maxQueueSize" toml:"max_queue_size"`
	MaxCommandsPerSecond  int `yaml:"maxCommandsPerSecond" toml:"max_commands_per_second"`
	StaleConnectionMs     int `yaml:"staleConnectionMs" toml:"stale_connection_ms"`
	HealthCheckIntervalMs int `yaml:"healthCheckIntervalMs" toml:"health_check_interval_ms"`
	MemoryWarnPct         int `yaml:"memoryWarnPct" toml:"memory_warn_pct"`
	MemoryCritPct         int `yaml:"memoryCritPct" toml:"memory_crit_pct"`
	EventLogLimit         int `yaml:"eventLogLimit" toml:"event_log_limit"`
}

// Default returns the config defaults named across spec.md §6 and §4.
func Default() Config {
	return Config{
		TickHz:                10,
		SnapshotPeriodMs:      10_000,
		MaxSnapshotsPerRace:   50,
		MaxParticipants:       20,
		MaxQueueSize:          10,
		MaxCommandsPerSecond:  5,
		StaleConnectionMs:     120_000,
		HealthCheckIntervalMs: 30_000,
		MemoryWarnPct:         75,
		MemoryCritPct:         90,
		EventLogLimit:         100,
	}
}

// TickPeriod is the fixed simulation period derived from TickHz.
func (c Config) TickPeriod() time.Duration {
	return time.Second / time.Duration(c.TickHz)
}

// SnapshotPeriod is the wall-clock interval between snapshot samples.
func (c Config) SnapshotPeriod() time.Duration {
	return time.Duration(c.SnapshotPeriodMs) * time.Millisecond
}

// StaleAfter is the keepalive staleness threshold for C9.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleConnectionMs) * time.Millisecond
}

// HealthCheckInterval is the probing cadence for C11.
func (c Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMs) * time.Millisecond
}

// Load starts from Default() and, when path is non-empty, overlays values
// found in a YAML (.yml/.yaml) or TOML (.toml) file at path. A missing file
// is not an error: operators that don't supply one just get the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return cfg, err
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}
