package grants

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vanasnip/cmdwarden/internal/model"
)

// SubjectOverride narrows a subject's grants below its role defaults.
// Deny entries are "resource:action" pairs; "*" is valid in either
// segment and withdraws every grant it covers.
type SubjectOverride struct {
	Deny []string `yaml:"deny"`
}

// Config holds the role and subject grant tables.
type Config struct {
	Roles    map[string][]string        `yaml:"roles"`
	Subjects map[string]SubjectOverride `yaml:"subjects"`
}

// DefaultConfig returns the built-in role table: a read-only operator
// role and an executor role able to run commands.
func DefaultConfig() *Config {
	return &Config{
		Roles: map[string][]string{
			"observer": {
				"filesystem:read",
				"system:inspect",
			},
			"operator": {
				"filesystem:read",
				"system:inspect",
				"tmux:execute",
				"voice:start",
				"voice:stop",
			},
		},
		Subjects: map[string]SubjectOverride{},
	}
}

// Load reads a grants configuration from a YAML file. A missing file
// falls back to defaults; invalid YAML or an invalid grant is an error.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read grants config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse grants config: %w", err)
	}
	if cfg.Roles == nil {
		cfg.Roles = DefaultConfig().Roles
	}
	if cfg.Subjects == nil {
		cfg.Subjects = map[string]SubjectOverride{}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for role, entries := range c.Roles {
		for _, raw := range entries {
			if _, err := model.ParseGrant(raw); err != nil {
				return fmt.Errorf("role %q: %w", role, err)
			}
		}
	}
	for subject, ov := range c.Subjects {
		for _, raw := range ov.Deny {
			if _, err := model.ParseGrant(raw); err != nil {
				return fmt.Errorf("subject %q: %w", subject, err)
			}
		}
	}
	return nil
}
