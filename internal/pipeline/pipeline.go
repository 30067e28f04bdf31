// Package pipeline chains every gate a command request must clear:
// envelope decode, session lookup, cryptographic open, replay check,
// authorization, rate limiting, validation, and sandboxed execution.
// Gates run in fixed order and the first refusal wins.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/vanasnip/cmdwarden/internal/alert"
	"github.com/vanasnip/cmdwarden/internal/audit"
	"github.com/vanasnip/cmdwarden/internal/command"
	"github.com/vanasnip/cmdwarden/internal/envelope"
	"github.com/vanasnip/cmdwarden/internal/grants"
	"github.com/vanasnip/cmdwarden/internal/model"
	"github.com/vanasnip/cmdwarden/internal/ratelimit"
	"github.com/vanasnip/cmdwarden/internal/redact"
	"github.com/vanasnip/cmdwarden/internal/replay"
	"github.com/vanasnip/cmdwarden/internal/sandbox"
	"github.com/vanasnip/cmdwarden/internal/session"
)

// ResponseType is the envelope type on sealed responses.
const ResponseType = "pipeline:response"

// Request is the decrypted payload of a command envelope.
type Request struct {
	Command string `json:"command"`
}

// Response is what gets sealed back to the caller. Error responses carry
// only the coarse code and its fixed message.
type Response struct {
	Status       string `json:"status"` // "ok" or "error"
	Code         Code   `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
	ExitCode     int    `json:"exitCode,omitempty"`
	Stdout       string `json:"stdout,omitempty"`
	Stderr       string `json:"stderr,omitempty"`
	DurationMs   int64  `json:"durationMs,omitempty"`
	Truncated    bool   `json:"truncated,omitempty"`
}

// ruleBundle pairs a validator with the hash of the rules it was built
// from, swapped atomically on reload.
type ruleBundle struct {
	validator *command.Validator
	hash      string
}

// Pipeline wires the gates together. Construct with New; all fields are
// required except Alerts, which may be nil.
type Pipeline struct {
	codec    *envelope.Codec
	sessions session.Provider
	guard    *replay.Guard
	resolver *grants.Resolver
	limiter  *ratelimit.Limiter
	runner   *sandbox.Runner
	sink     audit.Sink
	alerts   *alert.Dispatcher

	rules atomic.Pointer[ruleBundle]
}

// Options collects the pipeline's collaborators.
type Options struct {
	Codec     *envelope.Codec
	Sessions  session.Provider
	Guard     *replay.Guard
	Resolver  *grants.Resolver
	Limiter   *ratelimit.Limiter
	Validator *command.Validator
	RulesHash string
	Runner    *sandbox.Runner
	Sink      audit.Sink
	Alerts    *alert.Dispatcher
}

// New assembles a pipeline. A nil Sink falls back to NopSink.
func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.Codec == nil:
		return nil, errors.New("pipeline: codec is required")
	case opts.Sessions == nil:
		return nil, errors.New("pipeline: session provider is required")
	case opts.Guard == nil:
		return nil, errors.New("pipeline: replay guard is required")
	case opts.Resolver == nil:
		return nil, errors.New("pipeline: grant resolver is required")
	case opts.Limiter == nil:
		return nil, errors.New("pipeline: rate limiter is required")
	case opts.Validator == nil:
		return nil, errors.New("pipeline: command validator is required")
	case opts.Runner == nil:
		return nil, errors.New("pipeline: sandbox runner is required")
	}
	if opts.Sink == nil {
		opts.Sink = audit.NopSink{}
	}

	p := &Pipeline{
		codec:    opts.Codec,
		sessions: opts.Sessions,
		guard:    opts.Guard,
		resolver: opts.Resolver,
		limiter:  opts.Limiter,
		runner:   opts.Runner,
		sink:     opts.Sink,
		alerts:   opts.Alerts,
	}
	p.rules.Store(&ruleBundle{validator: opts.Validator, hash: opts.RulesHash})
	return p, nil
}

// SwapRules replaces the command validator atomically. In-flight
// requests finish against the table they started with.
func (p *Pipeline) SwapRules(v *command.Validator, hash string) {
	p.rules.Store(&ruleBundle{validator: v, hash: hash})
}

// RulesHash returns the hash of the active rule table.
func (p *Pipeline) RulesHash() string {
	return p.rules.Load().hash
}

// Handle runs one raw envelope through every gate and returns the
// serialized response. The response is sealed under the session keys
// whenever a valid session is in hand; failures before that point come
// back as a plaintext error document, since there are no keys to seal
// with and the caller may not even hold a session.
func (p *Pipeline) Handle(ctx context.Context, raw []byte) []byte {
	env, err := envelope.Decode(raw)
	if err != nil {
		p.record(audit.Entry{Stage: audit.StageDecode, Decision: "deny", Reason: err.Error()})
		return plainError(CodeRequestRejected)
	}

	sctx, err := p.sessions.Lookup(ctx, env.SessionID)
	if err != nil {
		p.record(audit.Entry{
			EnvelopeID: env.ID, SessionID: env.SessionID,
			Stage: audit.StageSession, Decision: "deny", Reason: err.Error(),
		})
		return plainError(CodeSessionInvalid)
	}

	resp := p.handleSealed(ctx, env, sctx)
	return p.seal(sctx, resp)
}

// handleSealed runs the gates that require an authenticated session.
func (p *Pipeline) handleSealed(ctx context.Context, env *envelope.Envelope, sctx *session.Context) *Response {
	resp, serr := p.run(ctx, env, sctx)
	if serr != nil {
		p.record(audit.Entry{
			EnvelopeID: env.ID, SessionID: env.SessionID, Subject: sctx.SubjectID,
			Stage: serr.stage, Decision: "deny", Reason: serr.reason,
			RulesHash: p.rules.Load().hash,
		})
		return &Response{
			Status:       "error",
			Code:         serr.code,
			Message:      publicMessage(serr.code),
			RetryAfterMs: serr.retryAfterMs,
		}
	}
	return resp
}

// run executes the gate sequence. Returning *stageError keeps the
// refusal path uniform.
func (p *Pipeline) run(ctx context.Context, env *envelope.Envelope, sctx *session.Context) (*Response, *stageError) {
	plaintext, err := p.codec.Open(env, sctx)
	if err != nil {
		switch {
		case errors.Is(err, envelope.ErrExpired), errors.Is(err, envelope.ErrVersionMismatch):
			return nil, refuse(audit.StageDecode, CodeRequestRejected, err.Error())
		default:
			p.alert(p.event(alert.KindTamper, env, sctx, "",
				errors.New("envelope verification failed")))
			return nil, refuse(audit.StageDecode, CodeRequestRejected, err.Error())
		}
	}

	nonce, err := envelope.NonceBytes(env)
	if err != nil {
		return nil, refuse(audit.StageReplay, CodeRequestRejected, err.Error())
	}
	if err := p.guard.CheckAndRecord(nonce, env.TimestampMs, env.SessionID); err != nil {
		return nil, refuse(audit.StageReplay, CodeRequestRejected, err.Error())
	}

	resource, action, err := model.ParseRequestType(env.Type)
	if err != nil {
		return nil, refuse(audit.StageAuthorize, CodeRequestRejected, err.Error())
	}
	if err := p.resolver.Authorize(sctx.SubjectID, sctx.Grants, resource, action); err != nil {
		return nil, refuse(audit.StageAuthorize, CodeAccessDenied, err.Error())
	}

	rl := p.limiter.TryConsume(sctx.SubjectID, resource+":"+action)
	if !rl.Allowed {
		if rl.Punished {
			p.alert(p.event(alert.KindRatePunished, env, sctx, "",
				fmt.Errorf("rate punishment active for %s", resource+":"+action)))
		}
		serr := refuse(audit.StageRateLimit, CodeRateLimited,
			fmt.Sprintf("limit %d reached, retry in %s", rl.Limit, rl.RetryAfter))
		serr.retryAfterMs = rl.RetryAfter.Milliseconds()
		return nil, serr
	}

	var req Request
	if err := json.Unmarshal(plaintext, &req); err != nil || req.Command == "" {
		return nil, refuse(audit.StageValidate, CodeRequestRejected, "malformed request payload")
	}

	bundle := p.rules.Load()
	cmd, err := bundle.validator.Validate(req.Command)
	if err != nil {
		switch {
		case errors.Is(err, command.ErrForbidden):
			p.alert(p.event(alert.KindForbiddenCommand, env, sctx, req.Command, err))
		case errors.Is(err, command.ErrDangerousPattern):
			p.alert(p.event(alert.KindDangerousPattern, env, sctx, req.Command, err))
		}
		return nil, refuse(audit.StageValidate, CodeCommandBlocked, err.Error())
	}

	timeout := time.Duration(0)
	if cmd.Rule.MaxExecutionMs > 0 {
		timeout = time.Duration(cmd.Rule.MaxExecutionMs) * time.Millisecond
	}

	res, err := p.runner.Execute(ctx, cmd.Base, cmd.Args, timeout)
	if err != nil {
		code := CodeExecutionFailed
		if errors.Is(err, sandbox.ErrBackpressure) {
			code = CodeBusy
		}
		return nil, refuse(audit.StageExecute, code, err.Error())
	}

	p.record(audit.Entry{
		EnvelopeID: env.ID, SessionID: env.SessionID, Subject: sctx.SubjectID,
		Stage: audit.StageExecute, Command: cmd.String(), Decision: "allow",
		Reason: fmt.Sprintf("exit %d in %s", res.ExitCode, res.Duration.Round(time.Millisecond)),
		RulesHash: bundle.hash,
	})

	return &Response{
		Status:     "ok",
		Code:       CodeOK,
		Message:    publicMessage(CodeOK),
		ExitCode:   res.ExitCode,
		Stdout:     redact.Mask(res.Stdout),
		Stderr:     redact.Mask(res.Stderr),
		DurationMs: res.Duration.Milliseconds(),
		Truncated:  res.Truncated,
	}, nil
}

func (p *Pipeline) seal(sctx *session.Context, resp *Response) []byte {
	body, err := json.Marshal(resp)
	if err != nil {
		return plainError(CodeInternal)
	}
	sealed, err := p.codec.Seal(body, sctx, ResponseType)
	if err != nil {
		return plainError(CodeInternal)
	}
	out, err := sealed.Encode()
	if err != nil {
		return plainError(CodeInternal)
	}
	return out
}

func (p *Pipeline) event(kind string, env *envelope.Envelope, sctx *session.Context, cmd string, err error) alert.Event {
	return alert.Event{
		Timestamp:  time.Now().UTC().Format(audit.TimestampFormat),
		Kind:       kind,
		EnvelopeID: env.ID,
		SessionID:  env.SessionID,
		Subject:    sctx.SubjectID,
		Command:    cmd,
		Reason:     err.Error(),
	}
}

func (p *Pipeline) record(entry audit.Entry) {
	_ = p.sink.Record(entry)
}

func (p *Pipeline) alert(event alert.Event) {
	if p.alerts != nil {
		p.alerts.Dispatch(event)
	}
}

// plainError is the unsealed error document used before session keys are
// available.
func plainError(code Code) []byte {
	body, _ := json.Marshal(Response{
		Status:  "error",
		Code:    code,
		Message: publicMessage(code),
	})
	return body
}
