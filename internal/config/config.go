// Package config loads toxfilter's process configuration. Live settings
// (enabled, endpoint) belong to the settings store; values here only
// override them for the running process.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pbaille/toxfilter/internal/logging"
	"github.com/pbaille/toxfilter/internal/profile"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	DefaultDBName            = "toxfilter.db"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultClassifierTimeout = "10s"
	DefaultUserAgent         = "toxfilter/1.0"
	DefaultMaxConcurrent     = 8
	DefaultCacheTTL          = "24h"
	DefaultPersistDelay      = "5s"
	DefaultSweepSchedule     = "@every 1m"
	DefaultFrameDelay        = "16ms"
	DefaultActivityInterval  = "1s"
	DefaultAddr              = ":8080"
)

type Config struct {
	DBPath      string `json:"db_path" toml:"db_path" yaml:"db_path"`
	APIEndpoint string `json:"api_endpoint,omitempty" toml:"api_endpoint" yaml:"api_endpoint"`
	Enabled     *bool  `json:"enabled,omitempty" toml:"enabled" yaml:"enabled"`

	Log        LogConfig                `json:"log" toml:"log" yaml:"log"`
	Classifier ClassifierConfig         `json:"classifier" toml:"classifier" yaml:"classifier"`
	Cache      CacheConfig              `json:"cache" toml:"cache" yaml:"cache"`
	Scheduler  SchedulerConfig          `json:"scheduler" toml:"scheduler" yaml:"scheduler"`
	Server     ServerConfig             `json:"server" toml:"server" yaml:"server"`
	Profiles   map[string]ProfileConfig `json:"profiles,omitempty" toml:"profiles" yaml:"profiles"`
}

type LogConfig struct {
	Level  string `json:"level" toml:"level" yaml:"level"`
	Format string `json:"format" toml:"format" yaml:"format"`
}

type ClassifierConfig struct {
	Timeout       string `json:"timeout" toml:"timeout" yaml:"timeout"`
	UserAgent     string `json:"user_agent" toml:"user_agent" yaml:"user_agent"`
	MaxConcurrent int    `json:"max_concurrent" toml:"max_concurrent" yaml:"max_concurrent"`
	CacheFallback bool   `json:"cache_fallback" toml:"cache_fallback" yaml:"cache_fallback"`
}

type CacheConfig struct {
	TTL           string `json:"ttl" toml:"ttl" yaml:"ttl"`
	PersistDelay  string `json:"persist_delay" toml:"persist_delay" yaml:"persist_delay"`
	SweepSchedule string `json:"sweep_schedule" toml:"sweep_schedule" yaml:"sweep_schedule"`
}

type SchedulerConfig struct {
	FrameDelay       string `json:"frame_delay" toml:"frame_delay" yaml:"frame_delay"`
	ActivityInterval string `json:"activity_interval" toml:"activity_interval" yaml:"activity_interval"`
}

type ServerConfig struct {
	Addr string `json:"addr" toml:"addr" yaml:"addr"`
}

// ProfileConfig declares a custom platform profile
type ProfileConfig struct {
	Hosts          []string        `json:"hosts" toml:"hosts" yaml:"hosts"`
	Posts          string          `json:"posts" toml:"posts" yaml:"posts"`
	TextContainers string          `json:"text_containers" toml:"text_containers" yaml:"text_containers"`
	Supplementary  []profile.Query `json:"supplementary,omitempty" toml:"supplementary" yaml:"supplementary"`
}

func DefaultConfig() *Config {
	return &Config{
		DBPath: filepath.Join(ConfigDir(), DefaultDBName),
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Classifier: ClassifierConfig{
			Timeout:       DefaultClassifierTimeout,
			UserAgent:     DefaultUserAgent,
			MaxConcurrent: DefaultMaxConcurrent,
		},
		Cache: CacheConfig{
			TTL:           DefaultCacheTTL,
			PersistDelay:  DefaultPersistDelay,
			SweepSchedule: DefaultSweepSchedule,
		},
		Scheduler: SchedulerConfig{
			FrameDelay:       DefaultFrameDelay,
			ActivityInterval: DefaultActivityInterval,
		},
		Server: ServerConfig{
			Addr: DefaultAddr,
		},
	}
}

// ConfigDir is $TOXFILTER_HOME, or ~/.toxfilter
func ConfigDir() string {
	if dir := os.Getenv("TOXFILTER_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".toxfilter")
}

// ConfigPath returns the first config file present in ConfigDir, or the
// default TOML path when there is none
func ConfigPath() string {
	for _, name := range []string{"config.toml", "config.yaml", "config.yml", "config.json"} {
		path := filepath.Join(ConfigDir(), name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return filepath.Join(ConfigDir(), "config.toml")
}

// LoadConfig reads the config file at path (ConfigPath when empty), applies
// environment overrides and validates the result. A missing file yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := decode(path, data, cfg); err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format: %s", path)
	}
	return nil
}

// ApplyEnvOverrides applies TOXFILTER_* environment variables
func (c *Config) ApplyEnvOverrides() {
	if db := os.Getenv("TOXFILTER_DB"); db != "" {
		c.DBPath = db
	}
	if endpoint := os.Getenv("TOXFILTER_API_ENDPOINT"); endpoint != "" {
		c.APIEndpoint = endpoint
	}
	if enabled := os.Getenv("TOXFILTER_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			c.Enabled = &parsed
		}
	}
	if level := os.Getenv("TOXFILTER_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("TOXFILTER_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}
	if addr := os.Getenv("TOXFILTER_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
}

// Validate checks durations, log settings, the sweep schedule and custom
// profiles
func (c *Config) Validate() error {
	durations := map[string]string{
		"classifier.timeout":          c.Classifier.Timeout,
		"cache.ttl":                   c.Cache.TTL,
		"cache.persist_delay":         c.Cache.PersistDelay,
		"scheduler.frame_delay":       c.Scheduler.FrameDelay,
		"scheduler.activity_interval": c.Scheduler.ActivityInterval,
	}
	for name, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.Classifier.MaxConcurrent <= 0 {
		return fmt.Errorf("classifier.max_concurrent must be positive")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		return fmt.Errorf("log.format: %w", err)
	}

	if _, err := cron.ParseStandard(c.Cache.SweepSchedule); err != nil {
		return fmt.Errorf("cache.sweep_schedule: %w", err)
	}

	if _, err := c.Registry(); err != nil {
		return err
	}
	return nil
}

// Registry returns the built-in profiles plus the configured ones
func (c *Config) Registry() (*profile.Registry, error) {
	r := profile.NewRegistry()
	for name, pc := range c.Profiles {
		p := profile.Profile{
			Name:                  name,
			Hosts:                 pc.Hosts,
			PostSelector:          pc.Posts,
			TextContainerSelector: pc.TextContainers,
			Supplementary:         pc.Supplementary,
		}
		if err := r.Register(p); err != nil {
			return nil, fmt.Errorf("profiles.%s: %w", name, err)
		}
	}
	return r, nil
}

func (c ClassifierConfig) TimeoutDuration() time.Duration {
	return mustDuration(c.Timeout)
}

func (c CacheConfig) TTLDuration() time.Duration {
	return mustDuration(c.TTL)
}

func (c CacheConfig) PersistDelayDuration() time.Duration {
	return mustDuration(c.PersistDelay)
}

func (c SchedulerConfig) FrameDelayDuration() time.Duration {
	return mustDuration(c.FrameDelay)
}

func (c SchedulerConfig) ActivityIntervalDuration() time.Duration {
	return mustDuration(c.ActivityInterval)
}

// mustDuration parses a duration that Validate has already checked. Invalid
// values yield zero, which components replace with their defaults.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
