package pipeline

// Code identifies a failure class on the wire. Codes are deliberately
// coarse: a caller learns which gate refused the request, never why.
type Code string

const (
	CodeOK              Code = "OK"
	CodeRequestRejected Code = "REQUEST_REJECTED"
	CodeSessionInvalid  Code = "SESSION_INVALID"
	CodeAccessDenied    Code = "ACCESS_DENIED"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeCommandBlocked  Code = "COMMAND_BLOCKED"
	CodeExecutionFailed Code = "EXECUTION_FAILED"
	CodeBusy            Code = "BUSY"
	CodeInternal        Code = "INTERNAL"
)

// publicMessage maps codes to the fixed strings callers see. The
// internal cause goes to the audit log only.
func publicMessage(code Code) string {
	switch code {
	case CodeOK:
		return "ok"
	case CodeRequestRejected:
		return "request rejected"
	case CodeSessionInvalid:
		return "session invalid"
	case CodeAccessDenied:
		return "access denied"
	case CodeRateLimited:
		return "rate limited"
	case CodeCommandBlocked:
		return "command blocked"
	case CodeExecutionFailed:
		return "execution failed"
	case CodeBusy:
		return "busy, retry later"
	default:
		return "internal error"
	}
}

// stageError carries the gate that refused a request plus the internal
// reason. The reason is recorded, never serialized to the caller.
type stageError struct {
	stage        string
	code         Code
	reason       string
	retryAfterMs int64
}

func (e *stageError) Error() string {
	return e.stage + ": " + e.reason
}

func refuse(stage string, code Code, reason string) *stageError {
	return &stageError{stage: stage, code: code, reason: reason}
}
