package conditions

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vanasnip/cmdwarden/internal/command"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func cmdWith(args ...string) *command.SanitizedCommand {
	return &command.SanitizedCommand{Base: "cat", Args: args}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", "hello")
	c := New(dir)

	if err := c.Evaluate("file_exists", cmdWith(path)); err != nil {
		t.Errorf("expected existing file to pass, got %v", err)
	}
	if err := c.Evaluate("file_exists", cmdWith(filepath.Join(dir, "missing.txt"))); err == nil {
		t.Error("expected missing file to fail")
	}
	if err := c.Evaluate("file_exists", cmdWith(dir)); err == nil {
		t.Error("expected directory to fail file_exists")
	}
}

func TestFileSize(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "big.txt", strings.Repeat("x", 100))
	c := New(dir)
	c.MaxFileSize = 50

	if err := c.Evaluate("file_size", cmdWith(path)); err == nil {
		t.Error("expected oversized file to fail")
	}
	c.MaxFileSize = 200
	if err := c.Evaluate("file_size", cmdWith(path)); err != nil {
		t.Errorf("expected file within limit to pass, got %v", err)
	}
}

func TestExtensionAllowed(t *testing.T) {
	c := New(t.TempDir())
	if err := c.Evaluate("extension_allowed", cmdWith("/data/notes.txt")); err != nil {
		t.Errorf("expected .txt to pass, got %v", err)
	}
	if err := c.Evaluate("extension_allowed", cmdWith("/data/tool.EXE")); err == nil {
		t.Error("expected .exe to fail")
	}
	if err := c.Evaluate("extension_allowed", cmdWith("/data/noext")); err == nil {
		t.Error("expected extensionless file to fail")
	}
}

func TestInsideBase(t *testing.T) {
	dir := t.TempDir()
	c := New(dir)

	if err := c.Evaluate("inside_base", cmdWith(filepath.Join(dir, "sub", "f.txt"))); err != nil {
		t.Errorf("expected path under base to pass, got %v", err)
	}
	if err := c.Evaluate("inside_base", cmdWith("/etc/passwd")); err == nil {
		t.Error("expected path outside base to fail")
	}
	// Relative paths anchor at the base directory.
	if err := c.Evaluate("inside_base", cmdWith("rel/f.txt")); err != nil {
		t.Errorf("expected relative path to pass, got %v", err)
	}
	// Prefix collision with a sibling directory must not pass.
	if err := c.Evaluate("inside_base", cmdWith(dir+"-evil/f.txt")); err == nil {
		t.Error("expected sibling prefix directory to fail")
	}
}

func TestInsideBaseRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "base")
	outside := filepath.Join(root, "outside")
	for _, d := range []string{base, outside} {
		if err := os.Mkdir(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	secret := writeFile(t, outside, "secret.txt", "credentials")
	link := filepath.Join(base, "notes.txt")
	if err := os.Symlink(secret, link); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	c := New(base)
	if err := c.Evaluate("inside_base", cmdWith(link)); err == nil {
		t.Error("expected symlink pointing outside base to fail inside_base")
	}

	// A link that stays inside the area is still fine.
	inside := writeFile(t, base, "real.txt", "ok")
	goodLink := filepath.Join(base, "alias.txt")
	if err := os.Symlink(inside, goodLink); err != nil {
		t.Fatal(err)
	}
	if err := c.Evaluate("inside_base", cmdWith(goodLink)); err != nil {
		t.Errorf("expected link within base to pass, got %v", err)
	}
}

func TestInsideBaseRejectsSymlinkedParent(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "base")
	outside := filepath.Join(root, "outside")
	for _, d := range []string{base, outside} {
		if err := os.Mkdir(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	writeFile(t, outside, "secret.txt", "credentials")
	dirLink := filepath.Join(base, "docs")
	if err := os.Symlink(outside, dirLink); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	c := New(base)
	if err := c.Evaluate("inside_base", cmdWith(filepath.Join(dirLink, "secret.txt"))); err == nil {
		t.Error("expected path through symlinked directory to fail inside_base")
	}
}

func TestFlagsSkipped(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", "hi")
	c := New(dir)
	if err := c.Evaluate("file_exists", cmdWith("-n", path)); err != nil {
		t.Errorf("expected flag to be skipped, got %v", err)
	}
	if err := c.Evaluate("file_exists", cmdWith("-n")); err == nil {
		t.Error("expected failure when no path argument present")
	}
}

func TestUnknownConditionFailsClosed(t *testing.T) {
	c := New(t.TempDir())
	if err := c.Evaluate("phase_of_moon", cmdWith("/x")); err == nil {
		t.Error("expected unknown condition to fail")
	}
}
