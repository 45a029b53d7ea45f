// Package config holds the options enumerated in the spec's external
// interface section, layered the way the teacher layers its own config:
// compiled-in defaults, then an optional YAML file, then environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// MetadataBackend selects the storage.Backend implementation.
type MetadataBackend string

const (
	BackendLocalEmbedded   MetadataBackend = "local-embedded"
	BackendRemoteRelational MetadataBackend = "remote-relational"
)

type Config struct {
	EncryptionEnabled           bool            `yaml:"encryption_enabled"`
	EncryptionPrimarySecret     string          `yaml:"encryption_primary_secret"`
	EncryptionSecondarySecrets  []string        `yaml:"encryption_secondary_secrets"`
	EncryptionSalt              string          `yaml:"encryption_salt"`
	MetadataBackend             MetadataBackend `yaml:"metadata_backend"`
	GraphCacheSize              int             `yaml:"graph_cache_size"`
	DecayDefaultRate            float64         `yaml:"decay_default_rate"`
	PebblePath                  string          `yaml:"pebble_path"`
	PostgresDSN                 string          `yaml:"postgres_dsn"`
}

// Default returns the compiled-in defaults matching spec.md §6's stated
// default (decay_default_rate = 0.01/day) and a sane local-embedded setup.
func Default() Config {
	return Config{
		EncryptionEnabled: false,
		MetadataBackend:   BackendLocalEmbedded,
		GraphCacheSize:    2048,
		DecayDefaultRate:  0.01,
		PebblePath:        "./openmemory.db",
	}
}

// Load builds a Config starting from Default, applying path (a YAML file,
// skipped if empty or missing) and then environment variables prefixed
// OPENMEMORY_.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("OPENMEMORY_ENCRYPTION_ENABLED"); ok {
		cfg.EncryptionEnabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v, ok := os.LookupEnv("OPENMEMORY_ENCRYPTION_PRIMARY_SECRET"); ok {
		cfg.EncryptionPrimarySecret = v
	}
	if v, ok := os.LookupEnv("OPENMEMORY_ENCRYPTION_SECONDARY_SECRETS"); ok && v != "" {
		cfg.EncryptionSecondarySecrets = strings.Split(v, ",")
	}
	if v, ok := os.LookupEnv("OPENMEMORY_ENCRYPTION_SALT"); ok {
		cfg.EncryptionSalt = v
	}
	if v, ok := os.LookupEnv("OPENMEMORY_METADATA_BACKEND"); ok {
		cfg.MetadataBackend = MetadataBackend(v)
	}
	if v, ok := os.LookupEnv("OPENMEMORY_GRAPH_CACHE_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.GraphCacheSize = n
		}
	}
	if v, ok := os.LookupEnv("OPENMEMORY_DECAY_DEFAULT_RATE"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.DecayDefaultRate = f
		}
	}
	if v, ok := os.LookupEnv("OPENMEMORY_PEBBLE_PATH"); ok {
		cfg.PebblePath = v
	}
	if v, ok := os.LookupEnv("OPENMEMORY_POSTGRES_DSN"); ok {
		cfg.PostgresDSN = v
	}
}

// Validate enforces the constraints spec.md §6 calls out explicitly.
func Validate(cfg Config) error {
	if cfg.EncryptionEnabled && len(cfg.EncryptionPrimarySecret) < 16 {
		return fmt.Errorf("config: encryption_primary_secret must be >= 16 chars when encryption_enabled")
	}
	switch cfg.MetadataBackend {
	case BackendLocalEmbedded, BackendRemoteRelational:
	default:
		return fmt.Errorf("config: unknown metadata_backend %q", cfg.MetadataBackend)
	}
	if cfg.MetadataBackend == BackendRemoteRelational && cfg.PostgresDSN == "" {
		return fmt.Errorf("config: postgres_dsn required for remote-relational backend")
	}
	if cfg.GraphCacheSize <= 0 {
		return fmt.Errorf("config: graph_cache_size must be > 0")
	}
	return nil
}
