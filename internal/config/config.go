// Package config loads daemon configuration: defaults first, YAML file
// overwrites specified fields, environment variables win last.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/vanasnip/cmdwarden/internal/alert"
)

// SandboxConfig bounds command execution.
type SandboxConfig struct {
	MaxConcurrent    int   `yaml:"max_concurrent" env:"CMDWARDEN_MAX_CONCURRENT"`
	TimeoutSeconds   int   `yaml:"timeout_seconds" env:"CMDWARDEN_TIMEOUT_SECONDS"`
	KillGraceSeconds int   `yaml:"kill_grace_seconds" env:"CMDWARDEN_KILL_GRACE_SECONDS"`
	MaxOutputBytes   int64 `yaml:"max_output_bytes" env:"CMDWARDEN_MAX_OUTPUT_BYTES"`
}

// Config is the daemon's top-level configuration.
type Config struct {
	// MasterKeyHex is the 32-byte session master key, hex encoded. It
	// is accepted from the environment only; a key in a config file on
	// disk would defeat the point of deriving session keys.
	MasterKeyHex string `yaml:"-" env:"CMDWARDEN_MASTER_KEY"`

	GrantsPath    string `yaml:"grants_path" env:"CMDWARDEN_GRANTS_PATH"`
	RulesPath     string `yaml:"rules_path" env:"CMDWARDEN_RULES_PATH"`
	RateLimitPath string `yaml:"ratelimit_path" env:"CMDWARDEN_RATELIMIT_PATH"`
	AuditLogPath  string `yaml:"audit_log" env:"CMDWARDEN_AUDIT_LOG"`
	SessionDBPath string `yaml:"session_db" env:"CMDWARDEN_SESSION_DB"`
	SpoolDir      string `yaml:"spool_dir" env:"CMDWARDEN_SPOOL_DIR"`
	WorkDir       string `yaml:"work_dir" env:"CMDWARDEN_WORK_DIR"`

	// MaxAgeSeconds bounds envelope age for both the codec and the
	// replay guard.
	MaxAgeSeconds     int `yaml:"max_age_seconds" env:"CMDWARDEN_MAX_AGE_SECONDS"`
	SessionTTLMinutes int `yaml:"session_ttl_minutes" env:"CMDWARDEN_SESSION_TTL_MINUTES"`

	Sandbox SandboxConfig  `yaml:"sandbox"`
	Alerts  []alert.Config `yaml:"alerts"`
}

// Default returns the built-in configuration, rooted under the user's
// home directory.
func Default() *Config {
	base := "."
	if home, err := os.UserHomeDir(); err == nil {
		base = filepath.Join(home, ".cmdwarden")
	}
	return &Config{
		AuditLogPath:      filepath.Join(base, "audit.jsonl"),
		SessionDBPath:     filepath.Join(base, "sessions.db"),
		SpoolDir:          filepath.Join(base, "spool"),
		WorkDir:           base,
		MaxAgeSeconds:     60,
		SessionTTLMinutes: 60,
		Sandbox: SandboxConfig{
			MaxConcurrent:    4,
			TimeoutSeconds:   30,
			KillGraceSeconds: 5,
			MaxOutputBytes:   1 << 20,
		},
	}
}

// LoadWithHash loads configuration and returns the SHA-256 hash of the
// raw YAML bytes on disk. When no file exists (defaults used), the hash
// is the SHA-256 of empty input. Environment variables are applied after
// the file, so they always win.
func LoadWithHash(path string) (*Config, string, error) {
	cfg := Default()
	hash := emptyHash()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, "", fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, "", fmt.Errorf("parse config: %w", err)
			}
			h := sha256.Sum256(data)
			hash = "sha256:" + hex.EncodeToString(h[:])
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, "", fmt.Errorf("parse env: %w", err)
	}

	return cfg, hash, nil
}

// MasterKey decodes and checks the session master key.
func (c *Config) MasterKey() ([]byte, error) {
	if c.MasterKeyHex == "" {
		return nil, fmt.Errorf("CMDWARDEN_MASTER_KEY is not set")
	}
	key, err := hex.DecodeString(c.MasterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex")
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

func emptyHash() string {
	h := sha256.Sum256(nil)
	return "sha256:" + hex.EncodeToString(h[:])
}
