package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/vanasnip/cmdwarden/internal/model"
)

// ErrSessionInvalid is returned when a session is unknown, expired, or revoked.
// Callers never learn which of the three it was.
var ErrSessionInvalid = errors.New("session invalid")

// KeySize is the size in bytes of the session encryption and signing keys.
const KeySize = 32

// Context is the authenticated security context for one session.
// The two keys are derived, not stored: a provider re-derives them from
// the deployment master key on every lookup, so no plaintext key material
// ever sits in the session store.
type Context struct {
	SubjectID string
	SessionID string
	Role      string
	Grants    []model.Grant
	CreatedAt time.Time

	encryptionKey [KeySize]byte
	signingKey    [KeySize]byte
}

// EncryptionKey returns the session-scoped AEAD key.
func (c *Context) EncryptionKey() *[KeySize]byte { return &c.encryptionKey }

// SigningKey returns the session-scoped MAC key.
func (c *Context) SigningKey() *[KeySize]byte { return &c.signingKey }

// HasGrant reports whether any of the context's grants covers the
// concrete (resource, action) pair.
func (c *Context) HasGrant(resource, action string) bool {
	for _, g := range c.Grants {
		if g.Covers(resource, action) {
			return true
		}
	}
	return false
}

// NewContext builds a context directly from issued key material. Used by
// clients that hold the keys handed out at session creation and so never
// touch the master key. A context built this way carries no grants; it
// can seal and open envelopes but cannot answer HasGrant.
func NewContext(sessionID, subjectID, role string, enc, mac [KeySize]byte) *Context {
	return &Context{
		SubjectID:     subjectID,
		SessionID:     sessionID,
		Role:          role,
		encryptionKey: enc,
		signingKey:    mac,
	}
}

// Provider resolves a session identifier to its security context.
// Implementations fail with ErrSessionInvalid for absent, expired, or
// revoked sessions.
type Provider interface {
	Lookup(ctx context.Context, sessionID string) (*Context, error)
}

// NewSessionID generates a random session identifier.
func NewSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("sess-%x", time.Now().UnixNano())
	}
	return "sess-" + hex.EncodeToString(b)
}
