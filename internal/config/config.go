// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

// Package config loads service configuration from defaults, an optional
// YAML file, and command-line flags, in increasing order of precedence.
package config

import (
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Config is the full service configuration.
type Config struct {
	Database      DatabaseConfig      `koanf:"database"`
	HTTP          HTTPConfig          `koanf:"http"`
	Observability ObservabilityConfig `koanf:"observability"`
	Session       SessionConfig       `koanf:"session"`
	Hash          HashConfig          `koanf:"hash"`
	Skills        []SkillConfig       `koanf:"skills"`
	Rules         []RuleConfig        `koanf:"rules"`
}

// DatabaseConfig holds connection parameters.
type DatabaseConfig struct {
	URL string `koanf:"url"`
}

// HTTPConfig holds the API listener settings.
type HTTPConfig struct {
	Addr string `koanf:"addr"`
}

// ObservabilityConfig holds the metrics/health listener settings.
type ObservabilityConfig struct {
	Addr string `koanf:"addr"`
}

// SessionConfig controls token lifetime and rotation. A zero RenewalWindow
// disables rotation.
type SessionConfig struct {
	TTL           time.Duration `koanf:"ttl"`
	RenewalWindow time.Duration `koanf:"renewal_window"`
}

// HashConfig tunes argon2id. Zero values fall back to the built-in defaults.
type HashConfig struct {
	Time      uint32 `koanf:"time"`
	MemoryKiB uint32 `koanf:"memory_kib"`
	Threads   uint8  `koanf:"threads"`
}

// SkillConfig defines one progression track. Thresholds must start at 0 and
// strictly increase.
type SkillConfig struct {
	Name       string  `koanf:"name"`
	Thresholds []int64 `koanf:"thresholds"`
}

// RuleConfig maps an action pattern to an effect. Skill and MinLevel apply
// only to the "require" effect.
type RuleConfig struct {
	Action   string `koanf:"action"`
	Effect   string `koanf:"effect"`
	Skill    string `koanf:"skill"`
	MinLevel int    `koanf:"min_level"`
}

// Default listen addresses and session settings.
const (
	DefaultHTTPAddr          = ":8080"
	DefaultObservabilityAddr = "127.0.0.1:9100"
	DefaultSessionTTL        = 24 * time.Hour
)

// Load builds the configuration. path may be empty or point to a YAML
// file; flags may be nil. Precedence: defaults < file < flags.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, oops.In("config").
					Code("CONFIG_FILE_INVALID").
					With("path", path).
					Wrap(err)
			}
		} else if !os.IsNotExist(err) {
			return nil, oops.In("config").
				Code("CONFIG_FILE_UNREADABLE").
				With("path", path).
				Wrap(err)
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, oops.In("config").Code("CONFIG_FLAGS_INVALID").Wrap(err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.In("config").Code("CONFIG_UNMARSHAL_FAILED").Wrap(err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.Observability.Addr == "" {
		c.Observability.Addr = DefaultObservabilityAddr
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = DefaultSessionTTL
	}
}

// Validate rejects configurations the services would refuse at startup.
// Cross-field checks (rules referencing unknown skills, threshold ordering)
// are enforced by the skill and access constructors, not repeated here.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return oops.In("config").Code("CONFIG_MISSING_DATABASE_URL").New("database.url is required")
	}
	if c.Session.TTL < 0 {
		return oops.In("config").Code("CONFIG_INVALID_TTL").New("session.ttl cannot be negative")
	}
	if c.Session.RenewalWindow < 0 {
		return oops.In("config").Code("CONFIG_INVALID_RENEWAL").New("session.renewal_window cannot be negative")
	}
	for _, s := range c.Skills {
		if s.Name == "" {
			return oops.In("config").Code("CONFIG_INVALID_SKILL").New("skill name cannot be empty")
		}
	}
	for _, r := range c.Rules {
		if r.Action == "" {
			return oops.In("config").Code("CONFIG_INVALID_RULE").New("rule action cannot be empty")
		}
	}
	return nil
}
