package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CoreRuntime holds all configuration for the authoritative core runtime:
// tick cadence, persistence cadence, session/route token lifetimes, and the
// wire protocol limits. Mirrors GameServer/LoginServer in shape.
type CoreRuntime struct {
	// Network
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`

	// Database
	Database DatabaseConfig `yaml:"database"`

	// Logging
	LogLevel string `yaml:"log_level"`

	// Tick cadence
	PlayerTickMs  int `yaml:"player_tick_ms"`
	MonsterTickMs int `yaml:"monster_tick_ms"`

	// Persistence
	FlushTickMs   int `yaml:"flush_tick_ms"`
	MaxFlushLagMs int `yaml:"max_flush_lag_ms"`
	BatchSize     int `yaml:"batch_size"`

	// World/session
	SoftPlayerCap        int `yaml:"soft_player_cap"`
	IdleSessionTimeoutMs int `yaml:"idle_session_timeout_ms"`
	RouteTokenTTLMs      int `yaml:"route_token_ttl_ms"`

	// Wire protocol
	ProtocolVersion      uint16 `yaml:"protocol_version"`
	HMACSecret           string `yaml:"hmac_secret"`
	MaxDatagramSize      int    `yaml:"max_datagram_size"`
	MaxStreamPayloadSize int    `yaml:"max_stream_payload_size"`

	// WAL
	WALDir         string `yaml:"wal_dir"`
	WALRotateBytes int64  `yaml:"wal_rotate_bytes"`
}

// PlayerTick returns PlayerTickMs as a time.Duration.
func (c CoreRuntime) PlayerTick() time.Duration { return time.Duration(c.PlayerTickMs) * time.Millisecond }

// MonsterTick returns MonsterTickMs as a time.Duration.
func (c CoreRuntime) MonsterTick() time.Duration {
	return time.Duration(c.MonsterTickMs) * time.Millisecond
}

// FlushTick returns FlushTickMs as a time.Duration.
func (c CoreRuntime) FlushTick() time.Duration { return time.Duration(c.FlushTickMs) * time.Millisecond }

// MaxFlushLag returns MaxFlushLagMs as a time.Duration.
func (c CoreRuntime) MaxFlushLag() time.Duration {
	return time.Duration(c.MaxFlushLagMs) * time.Millisecond
}

// IdleSessionTimeout returns IdleSessionTimeoutMs as a time.Duration.
func (c CoreRuntime) IdleSessionTimeout() time.Duration {
	return time.Duration(c.IdleSessionTimeoutMs) * time.Millisecond
}

// RouteTokenTTL returns RouteTokenTTLMs as a time.Duration.
func (c CoreRuntime) RouteTokenTTL() time.Duration {
	return time.Duration(c.RouteTokenTTLMs) * time.Millisecond
}

// DefaultCoreRuntime returns CoreRuntime config with the defaults named in
// the runtime's external-interface contract.
func DefaultCoreRuntime() CoreRuntime {
	return CoreRuntime{
		BindAddress:          "0.0.0.0",
		Port:                 9090,
		LogLevel:             "info",
		PlayerTickMs:         50,
		MonsterTickMs:        150,
		FlushTickMs:          2000,
		MaxFlushLagMs:        12000,
		BatchSize:            300,
		SoftPlayerCap:        300,
		IdleSessionTimeoutMs: 60000,
		RouteTokenTTLMs:      15000,
		ProtocolVersion:      2,
		MaxDatagramSize:      1200,
		MaxStreamPayloadSize: 65536,
		WALDir:               "data/wal",
		WALRotateBytes:       64 * 1024 * 1024,
		Database: DatabaseConfig{
			Host:    "127.0.0.1",
			Port:    5432,
			User:    "la2go",
			Password: "la2go",
			DBName:  "la2go",
			SSLMode: "disable",
		},
	}
}

// LoadCoreRuntime loads core runtime config from a YAML file. If the file
// doesn't exist, returns defaults.
func LoadCoreRuntime(path string) (CoreRuntime, error) {
	cfg := DefaultCoreRuntime()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
