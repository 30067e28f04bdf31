package systemd

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func withUnit(t *testing.T, content []byte) (unitFile, hashFile string) {
	t.Helper()
	tmpDir := t.TempDir()
	unitFile = filepath.Join(tmpDir, "cmdwarden.service")
	if content != nil {
		if err := os.WriteFile(unitFile, content, 0644); err != nil {
			t.Fatal(err)
		}
	}
	hashFile = filepath.Join(tmpDir, "unit-file.sha256")

	oldPaths, oldHash := UnitFilePaths, UnitHashPath
	UnitFilePaths = []string{unitFile}
	UnitHashPath = hashFile
	t.Cleanup(func() {
		UnitFilePaths = oldPaths
		UnitHashPath = oldHash
	})
	return unitFile, hashFile
}

func TestCheckNoUnitFile(t *testing.T) {
	withUnit(t, nil)
	if msg := CheckUnitFileIntegrity(); msg != "" {
		t.Errorf("expected empty message when no unit file, got %q", msg)
	}
}

func TestCheckNoStoredHash(t *testing.T) {
	withUnit(t, []byte("[Unit]\nDescription=test\n"))
	if msg := CheckUnitFileIntegrity(); msg != "" {
		t.Errorf("expected empty message when no stored hash, got %q", msg)
	}
}

func TestCheckMatch(t *testing.T) {
	content := []byte("[Unit]\nDescription=test\n")
	_, hashFile := withUnit(t, content)

	h := sha256.Sum256(content)
	if err := os.WriteFile(hashFile, []byte(hex.EncodeToString(h[:])+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if msg := CheckUnitFileIntegrity(); msg != "" {
		t.Errorf("expected empty message on match, got %q", msg)
	}
}

func TestCheckModified(t *testing.T) {
	_, hashFile := withUnit(t, []byte("[Unit]\nDescription=tampered\n"))

	h := sha256.Sum256([]byte("[Unit]\nDescription=original\n"))
	if err := os.WriteFile(hashFile, []byte(hex.EncodeToString(h[:])+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	msg := CheckUnitFileIntegrity()
	if msg == "" {
		t.Fatal("expected warning for modified unit file")
	}
	if !strings.Contains(msg, "modified since installation") {
		t.Errorf("unexpected warning text: %q", msg)
	}
}

func TestRecordUnitFileHash(t *testing.T) {
	content := []byte(DaemonTemplate())
	_, hashFile := withUnit(t, content)

	if err := RecordUnitFileHash(); err != nil {
		t.Fatalf("RecordUnitFileHash: %v", err)
	}
	stored, err := os.ReadFile(hashFile)
	if err != nil {
		t.Fatal(err)
	}
	h := sha256.Sum256(content)
	want := hex.EncodeToString(h[:])
	if strings.TrimSpace(string(stored)) != want {
		t.Errorf("stored hash mismatch: got %q, want %q", strings.TrimSpace(string(stored)), want)
	}
	if msg := CheckUnitFileIntegrity(); msg != "" {
		t.Errorf("expected clean check after recording, got %q", msg)
	}
}

func TestDaemonTemplateHardened(t *testing.T) {
	unit := DaemonTemplate()
	for _, directive := range []string{
		"NoNewPrivileges=true",
		"ProtectSystem=strict",
		"PrivateTmp=true",
		"EnvironmentFile=",
	} {
		if !strings.Contains(unit, directive) {
			t.Errorf("unit template missing %s", directive)
		}
	}
	if strings.Contains(unit, "MASTER_KEY=") {
		t.Error("unit template must not embed key material")
	}
}
