package spool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Handler runs one raw envelope through the pipeline and returns the
// serialized response.
type Handler interface {
	Handle(ctx context.Context, raw []byte) []byte
}

// validName constrains request file names: the base name becomes the
// response file name, so it must not be able to traverse or collide.
var validName = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Processor moves a request file through its lifecycle:
// claim via rename into processing/, run the pipeline, write the sealed
// response to the outbox under the same base name.
type Processor struct {
	dirs    DirConfig
	handler Handler
}

// NewProcessor creates a processor over the given layout.
func NewProcessor(dirs DirConfig, handler Handler) *Processor {
	return &Processor{dirs: dirs, handler: handler}
}

// Process handles a single request file. Structural failures (symlink,
// bad name, unreadable) move the file to failed/; everything else gets
// a response in the outbox, refusals included.
func (p *Processor) Process(ctx context.Context, reqPath string) error {
	name := filepath.Base(reqPath)
	if !validName.MatchString(name) || strings.Contains(name, "..") {
		return p.quarantine(reqPath, "invalid file name")
	}

	// Reject symlinks before reading: a symlink into the inbox would
	// otherwise let a caller feed arbitrary filesystem content through
	// the pipeline.
	fi, err := os.Lstat(reqPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat request file: %w", err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return p.quarantine(reqPath, "symlink rejected")
	}

	// Claim. A concurrent worker loses the rename race and stops here.
	claimed := filepath.Join(p.dirs.ProcessingDir(), name)
	if err := moveFile(reqPath, claimed); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("claim request: %w", err)
	}

	raw, err := os.ReadFile(claimed)
	if err != nil {
		return p.quarantine(claimed, "unreadable request")
	}

	response := p.handler.Handle(ctx, raw)

	outPath := filepath.Join(p.dirs.Outbox, name)
	if err := writeAtomic(outPath, response); err != nil {
		return fmt.Errorf("write response: %w", err)
	}

	return os.Remove(claimed)
}

// quarantine moves a structurally bad file to failed/ so it stops
// retriggering the watcher.
func (p *Processor) quarantine(path, reason string) error {
	dst := filepath.Join(p.dirs.FailedDir(), filepath.Base(path))
	if err := moveFile(path, dst); err != nil {
		return fmt.Errorf("quarantine (%s): %w", reason, err)
	}
	return nil
}
