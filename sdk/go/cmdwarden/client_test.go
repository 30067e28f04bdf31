package cmdwarden

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vanasnip/cmdwarden/internal/audit"
	"github.com/vanasnip/cmdwarden/internal/command"
	"github.com/vanasnip/cmdwarden/internal/envelope"
	"github.com/vanasnip/cmdwarden/internal/grants"
	"github.com/vanasnip/cmdwarden/internal/pipeline"
	"github.com/vanasnip/cmdwarden/internal/ratelimit"
	"github.com/vanasnip/cmdwarden/internal/replay"
	"github.com/vanasnip/cmdwarden/internal/sandbox"
	"github.com/vanasnip/cmdwarden/internal/session"
	"github.com/vanasnip/cmdwarden/internal/spool"
)

// startDaemon runs a minimal daemon loop against a temp spool: scan the
// inbox on a short interval and hand each request to the pipeline
// through the spool processor. Stops when the test ends.
func startDaemon(t *testing.T, base string) (*session.MemoryStore, string) {
	t.Helper()

	masterKey := make([]byte, 32)
	copy(masterKey, "0123456789abcdef0123456789abcdef")
	resolver := grants.NewResolver(grants.DefaultConfig())
	store := session.NewMemoryStore(masterKey, resolver, time.Hour)

	pipe, err := pipeline.New(pipeline.Options{
		Codec:     envelope.NewCodec(time.Minute),
		Sessions:  store,
		Guard:     replay.NewGuard(time.Minute),
		Resolver:  resolver,
		Limiter:   ratelimit.NewLimiter(ratelimit.DefaultConfig()),
		Validator: command.NewValidator(command.DefaultRules(), nil),
		RulesHash: "sha256:test",
		Runner:    sandbox.New(sandbox.Config{}),
		Sink:      audit.NopSink{},
	})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}

	dirs := spool.DirsUnder(base)
	if err := spool.EnsureDirs(dirs); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	proc := spool.NewProcessor(dirs, pipe)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				spool.ScanExisting(dirs.Inbox, func(path string) {
					proc.Process(ctx, path)
				})
			}
		}
	}()

	return store, base
}

func newTestClient(t *testing.T, base string, sctx *session.Context) *Client {
	t.Helper()
	c, err := New(
		WithSpoolDir(base),
		WithSession(sctx.SessionID, sctx.SubjectID),
		WithKeys(
			hex.EncodeToString(sctx.EncryptionKey()[:]),
			hex.EncodeToString(sctx.SigningKey()[:]),
		),
		WithPollInterval(10*time.Millisecond),
		WithTimeout(5*time.Second),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewMissingConfig(t *testing.T) {
	if _, err := New(); err == nil {
		t.Error("expected error without spool directory")
	}
	if _, err := New(WithSpoolDir("/tmp/x")); err == nil {
		t.Error("expected error without session ID")
	}
	if _, err := New(
		WithSpoolDir("/tmp/x"),
		WithSession("sess-1", "alice"),
		WithKeys("not-hex", "not-hex"),
	); err == nil {
		t.Error("expected error for bad key material")
	}
	if _, err := New(
		WithSpoolDir("/tmp/x"),
		WithSession("sess-1", "alice"),
		WithKeys("abcd", "abcd"),
	); err == nil {
		t.Error("expected error for short keys")
	}
}

func TestExecuteRoundTrip(t *testing.T) {
	store, base := startDaemon(t, t.TempDir())
	sctx, err := store.Create("agent-7", "operator")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	c := newTestClient(t, base, sctx)

	res, err := c.Execute(context.Background(), "echo hello")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.OK() {
		t.Fatalf("expected ok, got %s: %s", res.Code, res.Message)
	}
	if res.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", res.ExitCode)
	}
	if res.Stdout != "hello\n" {
		t.Errorf("expected stdout %q, got %q", "hello\n", res.Stdout)
	}
}

func TestExecuteBlockedCommand(t *testing.T) {
	store, base := startDaemon(t, t.TempDir())
	sctx, err := store.Create("agent-7", "operator")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	c := newTestClient(t, base, sctx)

	res, err := c.Execute(context.Background(), "sudo ls")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.OK() {
		t.Fatal("expected refusal for sudo")
	}
	if res.Code != "COMMAND_BLOCKED" {
		t.Errorf("expected COMMAND_BLOCKED, got %s", res.Code)
	}
	if res.Stdout != "" || res.Stderr != "" {
		t.Error("refusal must not carry command output")
	}
}

func TestExecuteRevokedSession(t *testing.T) {
	store, base := startDaemon(t, t.TempDir())
	sctx, err := store.Create("agent-7", "operator")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	c := newTestClient(t, base, sctx)
	store.Revoke(sctx.SessionID)

	res, err := c.Execute(context.Background(), "echo hello")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Code != "SESSION_INVALID" {
		t.Errorf("expected SESSION_INVALID, got %s", res.Code)
	}
}

func TestExecuteWrongKeys(t *testing.T) {
	store, base := startDaemon(t, t.TempDir())
	sctx, err := store.Create("agent-7", "operator")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	// Valid session ID but keys from a different deployment. The daemon
	// rejects the request, then seals its refusal under the real keys,
	// so the client cannot open the response either.
	wrong := make([]byte, session.KeySize)
	c, err := New(
		WithSpoolDir(base),
		WithSession(sctx.SessionID, sctx.SubjectID),
		WithKeys(hex.EncodeToString(wrong), hex.EncodeToString(wrong)),
		WithPollInterval(10*time.Millisecond),
		WithTimeout(5*time.Second),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Execute(context.Background(), "echo hello"); err == nil {
		t.Fatal("expected error opening response sealed for other keys")
	}
}

func TestExecuteTimeout(t *testing.T) {
	base := t.TempDir()
	if err := spool.EnsureDirs(spool.DirsUnder(base)); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}

	// No daemon loop behind this spool.
	enc := make([]byte, session.KeySize)
	c, err := New(
		WithSpoolDir(base),
		WithSession("sess-1", "alice"),
		WithKeys(hex.EncodeToString(enc), hex.EncodeToString(enc)),
		WithPollInterval(10*time.Millisecond),
		WithTimeout(100*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Execute(context.Background(), "echo hello"); err != ErrTimeout {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestParsePlainRefusal(t *testing.T) {
	enc := make([]byte, session.KeySize)
	c, err := New(
		WithSpoolDir(t.TempDir()),
		WithSession("sess-1", "alice"),
		WithKeys(hex.EncodeToString(enc), hex.EncodeToString(enc)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	raw, _ := json.Marshal(pipeline.Response{
		Status:  "error",
		Code:    pipeline.CodeSessionInvalid,
		Message: "session invalid",
	})
	res, err := c.parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Code != "SESSION_INVALID" {
		t.Errorf("expected SESSION_INVALID, got %s", res.Code)
	}
}

func TestSubmitLeavesNoTempFiles(t *testing.T) {
	store, base := startDaemon(t, t.TempDir())
	sctx, err := store.Create("agent-7", "operator")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	c := newTestClient(t, base, sctx)

	if _, err := c.Execute(context.Background(), "echo hello"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(base, "inbox"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("stray temp file left in inbox: %s", e.Name())
		}
	}
}
