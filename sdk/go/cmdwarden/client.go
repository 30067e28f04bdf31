package cmdwarden

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vanasnip/cmdwarden/internal/envelope"
	"github.com/vanasnip/cmdwarden/internal/pipeline"
	"github.com/vanasnip/cmdwarden/internal/session"
)

const (
	defaultRequestType  = "tmux:execute"
	defaultPollInterval = 100 * time.Millisecond
	defaultTimeout      = 60 * time.Second
)

// ErrTimeout is returned when no response appears in the outbox within
// the configured timeout. The abandoned request may still run on the
// daemon side.
var ErrTimeout = errors.New("cmdwarden: timed out waiting for response")

// Client seals command requests and exchanges them with a daemon over
// its spool directories. Safe for concurrent use; each request is keyed
// by its envelope ID, so in-flight calls never collide.
type Client struct {
	cfg   clientConfig
	sctx  *session.Context
	codec *envelope.Codec
}

// New creates a Client with the given options. Spool directory, session,
// and both keys are required.
func New(opts ...Option) (*Client, error) {
	cfg := clientConfig{
		role:         "operator",
		requestType:  defaultRequestType,
		pollInterval: defaultPollInterval,
		timeout:      defaultTimeout,
	}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.spoolDir == "" {
		return nil, errors.New("cmdwarden: spool directory is required")
	}
	if cfg.sessionID == "" {
		return nil, errors.New("cmdwarden: session ID is required")
	}

	enc, err := decodeKey(cfg.encKeyHex)
	if err != nil {
		return nil, fmt.Errorf("cmdwarden: encryption key: %w", err)
	}
	mac, err := decodeKey(cfg.sigKeyHex)
	if err != nil {
		return nil, fmt.Errorf("cmdwarden: signing key: %w", err)
	}

	return &Client{
		cfg:   cfg,
		sctx:  session.NewContext(cfg.sessionID, cfg.subject, cfg.role, enc, mac),
		codec: envelope.NewCodec(0),
	}, nil
}

// Execute seals the command, drops it into the inbox, and waits for the
// daemon's response. Pipeline refusals are not errors: they come back as
// a Result with Status "error" and a coarse code. An error return means
// the exchange itself failed.
func (c *Client) Execute(ctx context.Context, command string) (*Result, error) {
	body, err := json.Marshal(pipeline.Request{Command: command})
	if err != nil {
		return nil, fmt.Errorf("cmdwarden: marshal request: %w", err)
	}
	env, err := c.codec.Seal(body, c.sctx, c.cfg.requestType)
	if err != nil {
		return nil, fmt.Errorf("cmdwarden: seal request: %w", err)
	}
	raw, err := env.Encode()
	if err != nil {
		return nil, fmt.Errorf("cmdwarden: encode request: %w", err)
	}

	// Drop via tmp+rename so the daemon's watcher never sees a partial
	// file. The .tmp suffix keeps it out of the inbox scan until renamed.
	name := env.ID + ".json"
	inbox := filepath.Join(c.cfg.spoolDir, "inbox")
	tmp := filepath.Join(inbox, name+".tmp")
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return nil, fmt.Errorf("cmdwarden: write request: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(inbox, name)); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("cmdwarden: submit request: %w", err)
	}

	return c.await(ctx, name)
}

// await polls the outbox for the response file matching the request's
// base name, consuming it once it appears.
func (c *Client) await(ctx context.Context, name string) (*Result, error) {
	outPath := filepath.Join(c.cfg.spoolDir, "outbox", name)

	deadline := time.NewTimer(c.cfg.timeout)
	defer deadline.Stop()
	tick := time.NewTicker(c.cfg.pollInterval)
	defer tick.Stop()

	for {
		raw, err := os.ReadFile(outPath)
		if err == nil {
			os.Remove(outPath)
			return c.parse(raw)
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("cmdwarden: read response: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrTimeout
		case <-tick.C:
		}
	}
}

// parse handles both response forms: the sealed envelope the daemon
// writes once it knows the session, and the plaintext refusal document it
// writes when it never got that far.
func (c *Client) parse(raw []byte) (*Result, error) {
	var resp pipeline.Response

	env, err := envelope.Decode(raw)
	if err == nil {
		body, err := c.codec.Open(env, c.sctx)
		if err != nil {
			return nil, fmt.Errorf("cmdwarden: open response: %w", err)
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("cmdwarden: decode response: %w", err)
		}
		return fromResponse(&resp), nil
	}

	if err := json.Unmarshal(raw, &resp); err != nil || resp.Code == "" {
		return nil, errors.New("cmdwarden: unreadable response")
	}
	return fromResponse(&resp), nil
}

func decodeKey(h string) ([session.KeySize]byte, error) {
	var key [session.KeySize]byte
	raw, err := hex.DecodeString(h)
	if err != nil {
		return key, fmt.Errorf("not valid hex: %w", err)
	}
	if len(raw) != session.KeySize {
		return key, fmt.Errorf("must be %d bytes, got %d", session.KeySize, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
