// Package alert pushes high-severity pipeline events to webhook
// endpoints. Delivery is best effort and never blocks command handling.
package alert

// Event kinds that dispatchers can subscribe to.
const (
	KindForbiddenCommand = "forbidden_command"
	KindDangerousPattern = "dangerous_pattern"
	KindTamper           = "tamper"
	KindRatePunished     = "rate_punished"
)

// Config defines a webhook alert destination.
type Config struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"` // kinds, e.g. ["forbidden_command", "tamper"]
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// Event is the payload sent to webhook endpoints.
type Event struct {
	Timestamp  string `json:"timestamp"`
	Kind       string `json:"kind"`
	EnvelopeID string `json:"envelope_id"`
	SessionID  string `json:"session_id"`
	Subject    string `json:"subject"`
	Command    string `json:"command,omitempty"`
	Reason     string `json:"reason"`
}
