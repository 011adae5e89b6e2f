// Package config holds the CLI configuration and loads it from YAML files
// and MSNP2P_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Role represents the user's chosen role.
type Role string

const (
	RoleSend        Role = "send"
	RoleReceive     Role = "receive"
	RoleSwitchboard Role = "switchboard"
)

// RelayKind selects the channel MSNP2P runs over.
type RelayKind string

const (
	RelayWebSocket RelayKind = "ws"     // both peers join a switchboard room
	RelayQUIC      RelayKind = "quic"   // receiver listens, sender dials
	RelayWebRTC    RelayKind = "webrtc" // DataChannel negotiated through a switchboard room
)

// Config stores all parameters gathered from the config file, environment,
// flags and interactive prompts.
type Config struct {
	Role  Role      `mapstructure:"role"`
	Relay RelayKind `mapstructure:"relay"`

	// URL is the switchboard WebSocket URL (ws, webrtc).
	URL string `mapstructure:"url"`
	// PIN names the switchboard room.
	PIN string `mapstructure:"pin"`
	// Addr is the QUIC address the receiver listens on and the sender
	// dials, or the switchboard listen address.
	Addr string `mapstructure:"addr"`

	// Local and Remote are the peer addresses placed in SLP headers.
	Local  string `mapstructure:"local"`
	Remote string `mapstructure:"remote"`

	// File is the path to send.
	File string `mapstructure:"file"`
	// OutputDir receives incoming files.
	OutputDir string `mapstructure:"output_dir"`

	MaxChunkSize int    `mapstructure:"max_chunk_size"`
	AckEach      bool   `mapstructure:"ack_each"`
	LogLevel     string `mapstructure:"log_level"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Relay:        RelayWebSocket,
		Addr:         ":7860",
		Local:        "sender@msnp2p.local",
		Remote:       "receiver@msnp2p.local",
		OutputDir:    ".",
		MaxChunkSize: 1202,
		LogLevel:     "info",
	}
}

// Load reads configuration from path (if non-empty), otherwise it searches
// ./msnp2p.yaml and ~/.msnp2p/msnp2p.yaml. Environment variables use the
// prefix MSNP2P, e.g. MSNP2P_LOG_LEVEL=debug. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MSNP2P")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Seed defaults so env-only configs work.
	v.SetDefault("role", string(cfg.Role))
	v.SetDefault("relay", string(cfg.Relay))
	v.SetDefault("url", cfg.URL)
	v.SetDefault("pin", cfg.PIN)
	v.SetDefault("addr", cfg.Addr)
	v.SetDefault("local", cfg.Local)
	v.SetDefault("remote", cfg.Remote)
	v.SetDefault("file", cfg.File)
	v.SetDefault("output_dir", cfg.OutputDir)
	v.SetDefault("max_chunk_size", cfg.MaxChunkSize)
	v.SetDefault("ack_each", cfg.AckEach)
	v.SetDefault("log_level", cfg.LogLevel)

	if path == "" {
		path = os.Getenv("MSNP2P_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("msnp2p")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".msnp2p"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes and checks the configuration. An empty role is valid;
// the CLI prompts for it.
func (c *Config) Validate() error {
	c.Role = Role(strings.ToLower(strings.TrimSpace(string(c.Role))))
	c.Relay = RelayKind(strings.ToLower(strings.TrimSpace(string(c.Relay))))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))

	switch c.Role {
	case "", RoleSend, RoleReceive, RoleSwitchboard:
	default:
		return fmt.Errorf("invalid role: %q", c.Role)
	}
	switch c.Relay {
	case RelayWebSocket, RelayQUIC, RelayWebRTC:
	default:
		return fmt.Errorf("invalid relay: %q", c.Relay)
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error", "off":
	default:
		return fmt.Errorf("invalid log_level: %q", c.LogLevel)
	}
	if c.MaxChunkSize <= 0 || c.MaxChunkSize > 1<<20 {
		return fmt.Errorf("invalid max_chunk_size: %d", c.MaxChunkSize)
	}
	return nil
}
