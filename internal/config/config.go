package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml values like "5s" or "5m" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config holds the broker's tunables. Values come from defaults, then an
// optional yaml file, then environment variables, later sources winning.
type Config struct {
	ListenAddr      string   `yaml:"listen_addr"`
	RedisAddr       string   `yaml:"redis_addr"`
	GraceDelay      Duration `yaml:"grace_delay"`
	SweepInterval   Duration `yaml:"sweep_interval"`
	PresenceTTL     Duration `yaml:"presence_ttl"`
	MaxConns        int      `yaml:"max_conns"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	EventsPerMinute int      `yaml:"events_per_minute"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:      ":8080",
		GraceDelay:      Duration(5 * time.Second),
		SweepInterval:   Duration(60 * time.Second),
		PresenceTTL:     Duration(5 * time.Minute),
		EventsPerMinute: 300,
	}
}

// Load builds the configuration from defaults, the yaml file at path (if
// path is non-empty), and environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the config.
func (c *Config) applyEnv() error {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if err := envDuration("GRACE_DELAY", &c.GraceDelay); err != nil {
		return err
	}
	if err := envDuration("SWEEP_INTERVAL", &c.SweepInterval); err != nil {
		return err
	}
	if err := envDuration("PRESENCE_TTL", &c.PresenceTTL); err != nil {
		return err
	}
	if err := envDuration("IDLE_TIMEOUT", &c.IdleTimeout); err != nil {
		return err
	}
	if err := envInt("MAX_CONNS", &c.MaxConns); err != nil {
		return err
	}
	if err := envInt("EVENTS_PER_MINUTE", &c.EventsPerMinute); err != nil {
		return err
	}
	return nil
}

func envDuration(name string, dst *Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	*dst = Duration(d)
	return nil
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	*dst = n
	return nil
}
