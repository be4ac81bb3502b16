// Package config holds runtime settings for the CLI and the reference
// servers. Values come from defaults, then an optional YAML file, then
// SENDFILES_* environment variables; command flags are applied last by the
// caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultSTUNURL     = "stun:stun.l.google.com:19302"
	DefaultRelayURL    = "ws://localhost:8081"
	DefaultMetadataURL = "http://localhost:8080"

	// MaxValidity bounds how long a published transfer stays fetchable.
	MaxValidity = time.Hour

	envPrefix = "SENDFILES_"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	RelayURL    string        `yaml:"relay_url"`
	MetadataURL string        `yaml:"metadata_url"`
	STUNURL     string        `yaml:"stun_url"`
	Validity    time.Duration `yaml:"validity"`
	LogLevel    string        `yaml:"log_level"`

	Relay    RelayServer    `yaml:"relay"`
	Metadata MetadataServer `yaml:"metadata"`
}

type RelayServer struct {
	ListenAddr string        `yaml:"listen_addr"`
	OfferTTL   time.Duration `yaml:"offer_ttl"`
}

type MetadataServer struct {
	ListenAddr    string        `yaml:"listen_addr"`
	Backend       string        `yaml:"backend"`
	SQLitePath    string        `yaml:"sqlite_path"`
	RedisAddr     string        `yaml:"redis_addr"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

func Default() Config {
	return Config{
		RelayURL:    DefaultRelayURL,
		MetadataURL: DefaultMetadataURL,
		STUNURL:     DefaultSTUNURL,
		Validity:    MaxValidity,
		LogLevel:    "info",
		Relay: RelayServer{
			ListenAddr: ":8081",
			OfferTTL:   15 * time.Minute,
		},
		Metadata: MetadataServer{
			ListenAddr:    ":8080",
			Backend:       "sqlite",
			SQLitePath:    "sendfiles.db",
			RedisAddr:     "localhost:6379",
			PurgeInterval: 5 * time.Minute,
		},
	}
}

// Load reads defaults, the YAML file at path when path is non-empty, and the
// process environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from SENDFILES_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	text := map[string]*string{
		"RELAY_URL":        &c.RelayURL,
		"METADATA_URL":     &c.MetadataURL,
		"STUN_URL":         &c.STUNURL,
		"LOG_LEVEL":        &c.LogLevel,
		"RELAY_ADDR":       &c.Relay.ListenAddr,
		"METADATA_ADDR":    &c.Metadata.ListenAddr,
		"METADATA_BACKEND": &c.Metadata.Backend,
		"SQLITE_PATH":      &c.Metadata.SQLitePath,
		"REDIS_ADDR":       &c.Metadata.RedisAddr,
	}
	for name, field := range text {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*field = v
		}
	}

	durations := map[string]*time.Duration{
		"VALIDITY":       &c.Validity,
		"OFFER_TTL":      &c.Relay.OfferTTL,
		"PURGE_INTERVAL": &c.Metadata.PurgeInterval,
	}
	for name, field := range durations {
		v, ok := lookup(envPrefix + name)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s: %v", ErrInvalidConfig, envPrefix, name, err)
		}
		*field = d
	}
	return nil
}

func (c Config) Validate() error {
	if c.Validity <= 0 || c.Validity > MaxValidity {
		return fmt.Errorf("%w: validity must be in (0, %s], got %s", ErrInvalidConfig, MaxValidity, c.Validity)
	}
	if !strings.HasPrefix(c.STUNURL, "stun:") && !strings.HasPrefix(c.STUNURL, "stuns:") {
		return fmt.Errorf("%w: stun url %q", ErrInvalidConfig, c.STUNURL)
	}
	if !strings.HasPrefix(c.RelayURL, "ws://") && !strings.HasPrefix(c.RelayURL, "wss://") {
		return fmt.Errorf("%w: relay url %q", ErrInvalidConfig, c.RelayURL)
	}
	switch c.Metadata.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("%w: unknown metadata backend %q", ErrInvalidConfig, c.Metadata.Backend)
	}
	return nil
}
