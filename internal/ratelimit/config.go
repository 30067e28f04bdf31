package ratelimit

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Limit defines the rate limit for one resource-action.
type Limit struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
	Burst       int           `yaml:"burst"`
	Punishment  time.Duration `yaml:"punishment"`
}

// Config maps resource-action keys ("resource:action") to their limits.
// The "*" key is the fallback for actions with no explicit limit; it is
// always present after Load, so no action is ever unlimited.
type Config struct {
	Limits map[string]Limit `yaml:"limits"`
}

// DefaultLimit is the conservative fallback applied to any resource-action
// without an explicit entry.
var DefaultLimit = Limit{
	MaxRequests: 5,
	Window:      time.Minute,
	Burst:       1,
	Punishment:  5 * time.Minute,
}

// DefaultConfig returns the built-in limits.
func DefaultConfig() *Config {
	return &Config{
		Limits: map[string]Limit{
			"*":            DefaultLimit,
			"voice:start":  {MaxRequests: 5, Window: time.Minute, Burst: 1, Punishment: 5 * time.Minute},
			"tmux:execute": {MaxRequests: 30, Window: time.Minute, Burst: 5, Punishment: time.Minute},
		},
	}
}

// Load reads limiter configuration from a YAML file. A missing file falls
// back to defaults. A present file must be valid; loaded configs always
// end up with a "*" fallback entry.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read rate limit config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse rate limit config: %w", err)
	}
	if cfg.Limits == nil {
		cfg.Limits = map[string]Limit{}
	}
	if _, ok := cfg.Limits["*"]; !ok {
		cfg.Limits["*"] = DefaultLimit
	}
	for key, l := range cfg.Limits {
		if l.MaxRequests <= 0 || l.Window <= 0 {
			return nil, fmt.Errorf("rate limit %q: max_requests and window must be positive", key)
		}
	}
	return cfg, nil
}

// LimitFor returns the limit for a resource-action, falling back to "*".
func (c *Config) LimitFor(resourceAction string) Limit {
	if l, ok := c.Limits[resourceAction]; ok {
		return l
	}
	return c.Limits["*"]
}
