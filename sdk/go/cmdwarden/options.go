package cmdwarden

import "time"

// Option configures a Client at creation time.
type Option func(*clientConfig)

type clientConfig struct {
	spoolDir     string
	sessionID    string
	subject      string
	role         string
	encKeyHex    string
	sigKeyHex    string
	requestType  string
	pollInterval time.Duration
	timeout      time.Duration
}

// WithSpoolDir sets the daemon spool directory (the one containing
// inbox/ and outbox/).
func WithSpoolDir(dir string) Option {
	return func(c *clientConfig) { c.spoolDir = dir }
}

// WithSession sets the session ID and subject this client acts as.
func WithSession(sessionID, subject string) Option {
	return func(c *clientConfig) {
		c.sessionID = sessionID
		c.subject = subject
	}
}

// WithRole sets the role recorded on the client context. Informational
// only; the daemon resolves grants from its own store.
func WithRole(role string) Option {
	return func(c *clientConfig) { c.role = role }
}

// WithKeys sets the hex-encoded encryption and signing keys issued at
// session creation.
func WithKeys(encKeyHex, sigKeyHex string) Option {
	return func(c *clientConfig) {
		c.encKeyHex = encKeyHex
		c.sigKeyHex = sigKeyHex
	}
}

// WithRequestType overrides the envelope type on sealed requests.
func WithRequestType(t string) Option {
	return func(c *clientConfig) { c.requestType = t }
}

// WithPollInterval sets how often the client checks the outbox for a
// response.
func WithPollInterval(d time.Duration) Option {
	return func(c *clientConfig) { c.pollInterval = d }
}

// WithTimeout sets how long Execute waits for a response before giving
// up. The abandoned request may still run on the daemon.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.timeout = d }
}
