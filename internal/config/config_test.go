package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestDefaultsWhenFileMissing(t *testing.T) {
	cfg, hash, err := LoadWithHash(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadWithHash: %v", err)
	}
	if cfg.MaxAgeSeconds != 60 {
		t.Errorf("expected default max age 60, got %d", cfg.MaxAgeSeconds)
	}
	if cfg.Sandbox.MaxConcurrent != 4 {
		t.Errorf("expected default concurrency 4, got %d", cfg.Sandbox.MaxConcurrent)
	}
	if hash != emptyHash() {
		t.Errorf("expected empty-input hash for defaults, got %s", hash)
	}
}

func TestFileOverwritesOnlySpecifiedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "max_age_seconds: 30\nsandbox:\n  max_concurrent: 2\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, hash, err := LoadWithHash(path)
	if err != nil {
		t.Fatalf("LoadWithHash: %v", err)
	}
	if cfg.MaxAgeSeconds != 30 {
		t.Errorf("expected max age 30 from file, got %d", cfg.MaxAgeSeconds)
	}
	if cfg.Sandbox.MaxConcurrent != 2 {
		t.Errorf("expected concurrency 2 from file, got %d", cfg.Sandbox.MaxConcurrent)
	}
	if cfg.SessionTTLMinutes != 60 {
		t.Errorf("expected unspecified field to keep default, got %d", cfg.SessionTTLMinutes)
	}
	if hash == emptyHash() {
		t.Error("expected file hash to differ from empty hash")
	}
}

func TestEnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("max_age_seconds: 30\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CMDWARDEN_MAX_AGE_SECONDS", "15")

	cfg, _, err := LoadWithHash(path)
	if err != nil {
		t.Fatalf("LoadWithHash: %v", err)
	}
	if cfg.MaxAgeSeconds != 15 {
		t.Errorf("expected env override 15, got %d", cfg.MaxAgeSeconds)
	}
}

func TestMasterKeyValidation(t *testing.T) {
	cfg := Default()
	if _, err := cfg.MasterKey(); err == nil {
		t.Error("expected error for missing master key")
	}

	cfg.MasterKeyHex = "zzzz"
	if _, err := cfg.MasterKey(); err == nil {
		t.Error("expected error for non-hex key")
	}

	cfg.MasterKeyHex = "00112233"
	if _, err := cfg.MasterKey(); err == nil {
		t.Error("expected error for short key")
	}

	cfg.MasterKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	key, err := cfg.MasterKey()
	if err != nil {
		t.Fatalf("MasterKey: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("expected 32-byte key, got %d", len(key))
	}
}

func TestReloaderFiresOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("commands: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var fired atomic.Int32
	r, err := NewReloader([]string{path, ""}, func() error {
		fired.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("NewReloader: %v", err)
	}
	if len(r.Watched()) != 1 {
		t.Fatalf("expected 1 watched path, got %d", len(r.Watched()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("commands: [{name: ls}]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if fired.Load() == 0 {
		t.Error("expected reload callback to fire after write")
	}
}
