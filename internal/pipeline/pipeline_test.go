package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vanasnip/cmdwarden/internal/alert"
	"github.com/vanasnip/cmdwarden/internal/audit"
	"github.com/vanasnip/cmdwarden/internal/command"
	"github.com/vanasnip/cmdwarden/internal/envelope"
	"github.com/vanasnip/cmdwarden/internal/grants"
	"github.com/vanasnip/cmdwarden/internal/ratelimit"
	"github.com/vanasnip/cmdwarden/internal/replay"
	"github.com/vanasnip/cmdwarden/internal/sandbox"
	"github.com/vanasnip/cmdwarden/internal/session"
)

type testEnv struct {
	pipe  *Pipeline
	codec *envelope.Codec
	store *session.MemoryStore
}

func newTestEnv(t *testing.T, rlCfg *ratelimit.Config) *testEnv {
	t.Helper()

	masterKey := make([]byte, 32)
	copy(masterKey, "0123456789abcdef0123456789abcdef")
	resolver := grants.NewResolver(grants.DefaultConfig())
	store := session.NewMemoryStore(masterKey, resolver, time.Hour)
	codec := envelope.NewCodec(time.Minute)

	pipe, err := New(Options{
		Codec:     codec,
		Sessions:  store,
		Guard:     replay.NewGuard(time.Minute),
		Resolver:  resolver,
		Limiter:   ratelimit.NewLimiter(rlCfg),
		Validator: command.NewValidator(command.DefaultRules(), nil),
		RulesHash: "sha256:test",
		Runner:    sandbox.New(sandbox.Config{}),
		Sink:      audit.NopSink{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEnv{pipe: pipe, codec: codec, store: store}
}

func (te *testEnv) newSession(t *testing.T, role string) *session.Context {
	t.Helper()
	sctx, err := te.store.Create("agent-7", role)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sctx
}

func (te *testEnv) sealRequest(t *testing.T, sctx *session.Context, cmd string) []byte {
	t.Helper()
	body, _ := json.Marshal(Request{Command: cmd})
	env, err := te.codec.Seal(body, sctx, "tmux:execute")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

func (te *testEnv) openResponse(t *testing.T, sctx *session.Context, raw []byte) *Response {
	t.Helper()
	env, err := envelope.Decode(raw)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	body, err := te.codec.Open(env, sctx)
	if err != nil {
		t.Fatalf("open response: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return &resp
}

func TestRoundTripExecution(t *testing.T) {
	te := newTestEnv(t, nil)
	sctx := te.newSession(t, "operator")

	out := te.pipe.Handle(context.Background(), te.sealRequest(t, sctx, "echo hello"))
	resp := te.openResponse(t, sctx, out)

	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %s (%s)", resp.Status, resp.Code)
	}
	if resp.ExitCode != 0 {
		t.Errorf("expected exit 0, got %d", resp.ExitCode)
	}
	if !strings.Contains(resp.Stdout, "hello") {
		t.Errorf("expected stdout to contain hello, got %q", resp.Stdout)
	}
}

func TestReplayRejected(t *testing.T) {
	te := newTestEnv(t, nil)
	sctx := te.newSession(t, "operator")
	raw := te.sealRequest(t, sctx, "pwd")

	first := te.openResponse(t, sctx, te.pipe.Handle(context.Background(), raw))
	if first.Status != "ok" {
		t.Fatalf("expected first delivery to succeed, got %s", first.Code)
	}

	second := te.openResponse(t, sctx, te.pipe.Handle(context.Background(), raw))
	if second.Code != CodeRequestRejected {
		t.Errorf("expected replay to be rejected, got %s", second.Code)
	}
}

func TestTamperedEnvelopeRejected(t *testing.T) {
	te := newTestEnv(t, nil)
	sctx := te.newSession(t, "operator")
	raw := te.sealRequest(t, sctx, "pwd")

	tampered := strings.Replace(string(raw), `"payload":"`, `"payload":"AAAA`, 1)
	resp := te.openResponse(t, sctx, te.pipe.Handle(context.Background(), []byte(tampered)))
	if resp.Code != CodeRequestRejected {
		t.Errorf("expected tampered envelope to be rejected, got %s", resp.Code)
	}
	// The caller learns nothing beyond the coarse code.
	if strings.Contains(resp.Message, "signature") || strings.Contains(resp.Message, "key") {
		t.Errorf("response leaks internal detail: %q", resp.Message)
	}
}

func TestTamperAlertCarriesTimestamp(t *testing.T) {
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- body
	}))
	defer srv.Close()

	masterKey := make([]byte, 32)
	copy(masterKey, "0123456789abcdef0123456789abcdef")
	resolver := grants.NewResolver(grants.DefaultConfig())
	store := session.NewMemoryStore(masterKey, resolver, time.Hour)
	codec := envelope.NewCodec(time.Minute)

	pipe, err := New(Options{
		Codec:     codec,
		Sessions:  store,
		Guard:     replay.NewGuard(time.Minute),
		Resolver:  resolver,
		Limiter:   ratelimit.NewLimiter(nil),
		Validator: command.NewValidator(command.DefaultRules(), nil),
		RulesHash: "sha256:test",
		Runner:    sandbox.New(sandbox.Config{}),
		Sink:      audit.NopSink{},
		Alerts: alert.NewDispatcher([]alert.Config{
			{URL: srv.URL, Format: "generic", Events: []string{alert.KindTamper}},
		}),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sctx, err := store.Create("agent-7", "operator")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	body, _ := json.Marshal(Request{Command: "pwd"})
	env, err := codec.Seal(body, sctx, "tmux:execute")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	raw, _ := env.Encode()
	tampered := strings.Replace(string(raw), `"payload":"`, `"payload":"AAAA`, 1)
	pipe.Handle(context.Background(), []byte(tampered))

	select {
	case payload := <-received:
		var event alert.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			t.Fatalf("unmarshal alert: %v", err)
		}
		if event.Kind != alert.KindTamper {
			t.Errorf("expected tamper event, got %q", event.Kind)
		}
		if event.Timestamp == "" {
			t.Error("expected alert event to carry a timestamp")
		}
		if event.Subject != "agent-7" {
			t.Errorf("expected subject agent-7, got %q", event.Subject)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected a tamper alert delivery")
	}
}

func TestUnknownSessionGetsPlainError(t *testing.T) {
	te := newTestEnv(t, nil)
	sctx := te.newSession(t, "operator")
	raw := te.sealRequest(t, sctx, "pwd")
	te.store.Revoke(sctx.SessionID)

	out := te.pipe.Handle(context.Background(), raw)
	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("expected plaintext error document, got %v", err)
	}
	if resp.Code != CodeSessionInvalid {
		t.Errorf("expected SESSION_INVALID, got %s", resp.Code)
	}
}

func TestMalformedEnvelopeGetsPlainError(t *testing.T) {
	te := newTestEnv(t, nil)
	out := te.pipe.Handle(context.Background(), []byte("not json"))
	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("expected plaintext error document, got %v", err)
	}
	if resp.Code != CodeRequestRejected {
		t.Errorf("expected REQUEST_REJECTED, got %s", resp.Code)
	}
}

func TestObserverDeniedExecution(t *testing.T) {
	te := newTestEnv(t, nil)
	sctx := te.newSession(t, "observer")

	resp := te.openResponse(t, sctx, te.pipe.Handle(context.Background(), te.sealRequest(t, sctx, "pwd")))
	if resp.Code != CodeAccessDenied {
		t.Errorf("expected ACCESS_DENIED for observer, got %s", resp.Code)
	}
}

func TestRateLimitWithRetryAfter(t *testing.T) {
	cfg := &ratelimit.Config{Limits: map[string]ratelimit.Limit{
		"*": ratelimit.DefaultLimit,
		"tmux:execute": {
			MaxRequests: 2,
			Window:      time.Minute,
			Burst:       0,
			Punishment:  time.Minute,
		},
	}}
	te := newTestEnv(t, cfg)
	sctx := te.newSession(t, "operator")

	for i := 0; i < 2; i++ {
		resp := te.openResponse(t, sctx, te.pipe.Handle(context.Background(), te.sealRequest(t, sctx, "pwd")))
		if resp.Status != "ok" {
			t.Fatalf("request %d: expected ok, got %s", i+1, resp.Code)
		}
	}

	resp := te.openResponse(t, sctx, te.pipe.Handle(context.Background(), te.sealRequest(t, sctx, "pwd")))
	if resp.Code != CodeRateLimited {
		t.Fatalf("expected RATE_LIMITED, got %s", resp.Code)
	}
	if resp.RetryAfterMs <= 0 {
		t.Errorf("expected positive retryAfterMs, got %d", resp.RetryAfterMs)
	}
}

func TestInjectionBlocked(t *testing.T) {
	te := newTestEnv(t, nil)
	sctx := te.newSession(t, "operator")

	for _, cmd := range []string{"ls; rm -rf /", "sudo reboot", "gcc main.c"} {
		resp := te.openResponse(t, sctx, te.pipe.Handle(context.Background(), te.sealRequest(t, sctx, cmd)))
		if resp.Code != CodeCommandBlocked {
			t.Errorf("%q: expected COMMAND_BLOCKED, got %s", cmd, resp.Code)
		}
		if resp.Stdout != "" || resp.Stderr != "" {
			t.Errorf("%q: blocked command must produce no output", cmd)
		}
	}
}

func TestRuleSwapAppliesToNewRequests(t *testing.T) {
	te := newTestEnv(t, nil)
	sctx := te.newSession(t, "operator")

	empty, err := command.NewRuleSet(nil, command.DefaultForbidden)
	if err != nil {
		t.Fatalf("NewRuleSet: %v", err)
	}
	te.pipe.SwapRules(command.NewValidator(empty, nil), "sha256:empty")

	resp := te.openResponse(t, sctx, te.pipe.Handle(context.Background(), te.sealRequest(t, sctx, "pwd")))
	if resp.Code != CodeCommandBlocked {
		t.Errorf("expected COMMAND_BLOCKED after rule swap, got %s", resp.Code)
	}
	if te.pipe.RulesHash() != "sha256:empty" {
		t.Errorf("expected swapped hash, got %s", te.pipe.RulesHash())
	}
}

func TestMalformedPayloadRejected(t *testing.T) {
	te := newTestEnv(t, nil)
	sctx := te.newSession(t, "operator")

	env, err := te.codec.Seal([]byte("not a request"), sctx, "tmux:execute")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	raw, _ := env.Encode()

	resp := te.openResponse(t, sctx, te.pipe.Handle(context.Background(), raw))
	if resp.Code != CodeRequestRejected {
		t.Errorf("expected REQUEST_REJECTED for malformed payload, got %s", resp.Code)
	}
}

func TestSecretsRedactedFromOutput(t *testing.T) {
	te := newTestEnv(t, nil)
	sctx := te.newSession(t, "operator")

	out := te.pipe.Handle(context.Background(),
		te.sealRequest(t, sctx, "echo password=hunter2secret"))
	resp := te.openResponse(t, sctx, out)
	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %s", resp.Code)
	}
	if strings.Contains(resp.Stdout, "hunter2secret") {
		t.Errorf("secret leaked in stdout: %q", resp.Stdout)
	}
	if !strings.Contains(resp.Stdout, "[REDACTED:") {
		t.Errorf("expected redaction placeholder, got %q", resp.Stdout)
	}
}
