package cmdwarden

import "github.com/vanasnip/cmdwarden/internal/pipeline"

// Result is the daemon's answer to one Execute call. Refusals carry only
// a coarse code and its fixed message; the detailed reason stays in the
// daemon's audit log.
type Result struct {
	Status       string
	Code         string
	Message      string
	RetryAfterMs int64
	ExitCode     int
	Stdout       string
	Stderr       string
	DurationMs   int64
	Truncated    bool
}

// OK reports whether the command was accepted and ran to completion,
// whatever its exit code.
func (r *Result) OK() bool {
	return r.Status == "ok"
}

func fromResponse(resp *pipeline.Response) *Result {
	return &Result{
		Status:       resp.Status,
		Code:         string(resp.Code),
		Message:      resp.Message,
		RetryAfterMs: resp.RetryAfterMs,
		ExitCode:     resp.ExitCode,
		Stdout:       resp.Stdout,
		Stderr:       resp.Stderr,
		DurationMs:   resp.DurationMs,
		Truncated:    resp.Truncated,
	}
}
