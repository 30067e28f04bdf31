// Package sandbox runs validated commands as direct argv executions
// with hard bounds on concurrency, runtime, and output volume. No shell
// is ever involved.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

var (
	ErrBackpressure   = errors.New("execution slots exhausted")
	ErrTimeout        = errors.New("execution timed out")
	ErrOutputTooLarge = errors.New("output limit exceeded")
	ErrSpawnFailed    = errors.New("spawn failed")
)

// Config bounds every execution. Zero fields take the defaults.
type Config struct {
	// MaxConcurrent caps simultaneously running commands.
	MaxConcurrent int
	// QueueWait is how long an execution may wait for a slot before
	// the caller gets backpressure instead of an unbounded queue.
	QueueWait time.Duration
	// DefaultTimeout applies when the command's rule sets no limit.
	DefaultTimeout time.Duration
	// KillGrace is the window between SIGTERM and SIGKILL.
	KillGrace time.Duration
	// MaxOutputBytes caps stdout and stderr combined.
	MaxOutputBytes int64
	// WorkDir is the working directory for every command.
	WorkDir string
	// Env is the full environment handed to commands. Nothing from
	// the parent process leaks in.
	Env []string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.QueueWait <= 0 {
		c.QueueWait = 500 * time.Millisecond
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 1 << 20
	}
	if c.Env == nil {
		c.Env = []string{"PATH=/usr/bin:/bin", "LANG=C"}
	}
	return c
}

// Result is the outcome of a completed execution. A non-zero exit code
// is a result, not an error; errors mean the sandbox itself intervened.
type Result struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Duration  time.Duration
	Truncated bool
}

// Runner executes commands under the configured bounds. Safe for
// concurrent use.
type Runner struct {
	cfg  Config
	slot chan struct{}
}

// New returns a Runner with cfg's bounds applied.
func New(cfg Config) *Runner {
	cfg = cfg.withDefaults()
	return &Runner{
		cfg:  cfg,
		slot: make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Execute runs base with args and waits for completion. timeout <= 0
// uses the default. The command gets no stdin, an empty environment,
// and is killed (SIGTERM, then SIGKILL after the grace window) when the
// timeout or output cap is hit.
func (r *Runner) Execute(ctx context.Context, base string, args []string, timeout time.Duration) (*Result, error) {
	select {
	case r.slot <- struct{}{}:
		defer func() { <-r.slot }()
	case <-time.After(r.cfg.QueueWait):
		return nil, ErrBackpressure
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	budget := &outputBudget{remaining: r.cfg.MaxOutputBytes, onExceed: cancel}
	stdout := budget.writer()
	stderr := budget.writer()

	cmd := exec.CommandContext(runCtx, base, args...)
	cmd.Dir = r.cfg.WorkDir
	cmd.Env = r.cfg.Env
	cmd.Stdin = nil
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.cfg.KillGrace

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	res := &Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  duration,
		Truncated: budget.exceeded(),
	}

	switch {
	case res.Truncated:
		return res, fmt.Errorf("%w: %d bytes", ErrOutputTooLarge, r.cfg.MaxOutputBytes)
	case runCtx.Err() == context.DeadlineExceeded:
		return res, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case err == nil:
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
}

// outputBudget shares one byte allowance between stdout and stderr and
// cancels the execution when it runs out.
type outputBudget struct {
	mu        sync.Mutex
	remaining int64
	hit       bool
	onExceed  func()
}

func (b *outputBudget) writer() *cappedWriter { return &cappedWriter{budget: b} }

func (b *outputBudget) exceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hit
}

// take reserves up to n bytes and reports how many were granted.
func (b *outputBudget) take(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if int64(n) <= b.remaining {
		b.remaining -= int64(n)
		return n
	}
	granted := int(b.remaining)
	b.remaining = 0
	if !b.hit {
		b.hit = true
		b.onExceed()
	}
	return granted
}

// cappedWriter keeps what fits in the shared budget and drops the rest.
// Write never returns an error so the child sees a healthy pipe until
// it is killed.
type cappedWriter struct {
	budget *outputBudget
	mu     sync.Mutex
	buf    []byte
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	granted := w.budget.take(len(p))
	if granted > 0 {
		w.mu.Lock()
		w.buf = append(w.buf, p[:granted]...)
		w.mu.Unlock()
	}
	return len(p), nil
}

func (w *cappedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}
