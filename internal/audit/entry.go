package audit

// Entry is one line in the hash-chained JSONL audit log. All fields are
// flat scalars (no map[string]any) so json.Marshal field order is
// deterministic and hashing is reproducible.
type Entry struct {
	Timestamp  string `json:"ts"`
	EnvelopeID string `json:"envelope_id"`
	SessionID  string `json:"session_id"`
	Subject    string `json:"subject"`
	Stage      string `json:"stage"`
	Command    string `json:"command,omitempty"`
	Decision   string `json:"decision"`
	Reason     string `json:"reason,omitempty"`
	RulesHash  string `json:"rules_hash,omitempty"`
	PrevHash   string `json:"prev_hash"`
}

// Pipeline stage names recorded in entries.
const (
	StageDecode    = "decode"
	StageSession   = "session"
	StageReplay    = "replay"
	StageAuthorize = "authorize"
	StageRateLimit = "ratelimit"
	StageValidate  = "validate"
	StageExecute   = "execute"
)

// TimestampFormat is the layout used in audit entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"
