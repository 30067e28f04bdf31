// Package conditions evaluates the runtime checks that command rules
// may require before execution: existence, size and extension limits on
// file targets, and base-directory containment.
package conditions

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vanasnip/cmdwarden/internal/command"
)

// DefaultMaxFileSize caps files a restricted read command may target.
const DefaultMaxFileSize = 10 << 20

// Checker implements command.ConditionEvaluator against the local
// filesystem. The zero value is not usable; construct with New.
type Checker struct {
	// BaseDir, when non-empty, confines every path argument. Paths
	// have symlinks resolved before comparison, so neither dot-dot
	// traversal nor a link planted inside the area can step outside.
	BaseDir string

	// MaxFileSize bounds the file_size condition.
	MaxFileSize int64

	// AllowedExtensions whitelists extensions (with leading dot,
	// lower case) for extension_allowed. Empty means the built-in set.
	AllowedExtensions map[string]bool
}

// DefaultExtensions lists file types restricted read commands may open.
var DefaultExtensions = []string{
	".txt", ".log", ".md", ".json", ".yaml", ".yml",
	".toml", ".csv", ".conf", ".cfg", ".ini",
}

// New returns a Checker confined to baseDir with default limits.
func New(baseDir string) *Checker {
	exts := make(map[string]bool, len(DefaultExtensions))
	for _, e := range DefaultExtensions {
		exts[e] = true
	}
	return &Checker{
		BaseDir:           baseDir,
		MaxFileSize:       DefaultMaxFileSize,
		AllowedExtensions: exts,
	}
}

// Evaluate dispatches a named condition. Unknown names fail closed.
func (c *Checker) Evaluate(name string, cmd *command.SanitizedCommand) error {
	switch name {
	case "file_exists":
		return c.eachPath(cmd, c.fileExists)
	case "file_size":
		return c.eachPath(cmd, c.fileSize)
	case "extension_allowed":
		return c.eachPath(cmd, c.extensionAllowed)
	case "inside_base":
		return c.eachPath(cmd, c.insideBase)
	default:
		return fmt.Errorf("unknown condition %q", name)
	}
}

// eachPath applies check to every path-like argument. Flags are skipped;
// everything else in a rule that names file conditions is a target path.
func (c *Checker) eachPath(cmd *command.SanitizedCommand, check func(string) error) error {
	checked := 0
	for _, arg := range cmd.Args {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		if err := check(arg); err != nil {
			return err
		}
		checked++
	}
	if checked == 0 {
		return fmt.Errorf("no path argument to check")
	}
	return nil
}

func (c *Checker) fileExists(path string) error {
	info, err := os.Stat(c.resolve(path))
	if err != nil {
		return fmt.Errorf("not accessible")
	}
	if info.IsDir() {
		return fmt.Errorf("is a directory")
	}
	return nil
}

func (c *Checker) fileSize(path string) error {
	info, err := os.Stat(c.resolve(path))
	if err != nil {
		return fmt.Errorf("not accessible")
	}
	if info.Size() > c.MaxFileSize {
		return fmt.Errorf("exceeds %d bytes", c.MaxFileSize)
	}
	return nil
}

func (c *Checker) extensionAllowed(path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return fmt.Errorf("no extension")
	}
	if !c.AllowedExtensions[ext] {
		return fmt.Errorf("extension %s not allowed", ext)
	}
	return nil
}

func (c *Checker) insideBase(path string) error {
	if c.BaseDir == "" {
		return nil
	}
	base, err := filepath.EvalSymlinks(filepath.Clean(c.BaseDir))
	if err != nil {
		return fmt.Errorf("working area not accessible")
	}
	real, err := resolveReal(c.resolve(path))
	if err != nil {
		return fmt.Errorf("not accessible")
	}
	if real != base && !strings.HasPrefix(real, base+string(filepath.Separator)) {
		return fmt.Errorf("outside working area")
	}
	return nil
}

// resolve anchors relative paths at BaseDir.
func (c *Checker) resolve(path string) string {
	if filepath.IsAbs(path) || c.BaseDir == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(c.BaseDir, path)
}

// resolveReal resolves symlinks in p the way the kernel would on open.
// The deepest existing ancestor is resolved and the missing remainder
// appended unchanged, so containment is judged on real locations: a
// symlink inside the working area pointing elsewhere resolves to its
// target, not to where the link sits.
func resolveReal(p string) (string, error) {
	remainder := ""
	for {
		real, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(real, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		dir, file := filepath.Split(filepath.Clean(p))
		dir = filepath.Clean(dir)
		if file == "" || dir == p {
			return "", err
		}
		remainder = filepath.Join(file, remainder)
		p = dir
	}
}
