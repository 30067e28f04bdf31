package envelope

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/vanasnip/cmdwarden/internal/session"
)

// NonceSize is the envelope nonce size: the XChaCha20-Poly1305 nonce.
// The same 24 random bytes serve as the AEAD nonce and as the anti-replay
// token. XChaCha20-Poly1305 does not require nonce secrecy, only
// uniqueness, so transmitting the nonce in the clear is sound; the codec
// is fixed to this cipher and must not be swapped for one where nonce
// secrecy matters.
const NonceSize = chacha20poly1305.NonceSizeX

// signatureSize is the keyed-BLAKE3 MAC length.
const signatureSize = 32

// Codec seals plaintext into envelopes and opens them back, bound to a
// session's keys. The codec is a pure transform: registering the consumed
// nonce with the replay guard is the caller's job.
type Codec struct {
	// MaxAge rejects envelopes whose embedded timestamp is older than
	// this. Zero disables the age check (the replay guard still applies
	// its own).
	MaxAge time.Duration

	// Logf, when set, receives the internal cause of failures that are
	// reported to callers only as ErrTampered. Never exposed on the
	// error itself.
	Logf func(format string, args ...any)

	now func() time.Time
}

// NewCodec returns a Codec with the given maximum message age.
func NewCodec(maxAge time.Duration) *Codec {
	return &Codec{MaxAge: maxAge, now: time.Now}
}

// Seal encrypts and signs plaintext under the session's keys.
func (c *Codec) Seal(plaintext []byte, sctx *session.Context, msgType string) (*Envelope, error) {
	aead, err := chacha20poly1305.NewX(sctx.EncryptionKey()[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	env := &Envelope{
		ID:          newEnvelopeID(),
		Type:        msgType,
		TimestampMs: c.clock().UnixMilli(),
		SessionID:   sctx.SessionID,
		Version:     ProtocolVersion,
	}

	aad := headerAAD(env)
	ciphertext := aead.Seal(nil, nonce[:], plaintext, aad)

	env.Nonce = base64.StdEncoding.EncodeToString(nonce[:])
	env.Payload = base64.StdEncoding.EncodeToString(ciphertext)

	sig := c.sign(sctx, env, nonce[:], ciphertext)
	env.Signature = base64.StdEncoding.EncodeToString(sig)

	return env, nil
}

// Open verifies and decrypts an envelope. Every verification failure is
// reported as ErrTampered; only staleness gets its own error. The session
// binding is part of the signed material, so an envelope replayed against
// a different session also fails as ErrTampered.
func (c *Codec) Open(env *Envelope, sctx *session.Context) ([]byte, error) {
	if env.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrVersionMismatch, env.Version, ProtocolVersion)
	}

	if c.MaxAge > 0 {
		age := c.clock().Sub(time.UnixMilli(env.TimestampMs))
		if age > c.MaxAge {
			return nil, fmt.Errorf("%w: message age %s exceeds %s", ErrExpired, age.Round(time.Millisecond), c.MaxAge)
		}
	}

	if env.SessionID != sctx.SessionID {
		return nil, c.tampered(env, "session mismatch: envelope %q, context %q", env.SessionID, sctx.SessionID)
	}

	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != NonceSize {
		return nil, c.tampered(env, "bad nonce encoding or length")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, c.tampered(env, "bad payload encoding")
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil || len(sig) != signatureSize {
		return nil, c.tampered(env, "bad signature encoding or length")
	}

	expected := c.sign(sctx, env, nonce, ciphertext)
	if subtle.ConstantTimeCompare(sig, expected) != 1 {
		return nil, c.tampered(env, "signature verification failed")
	}

	aead, err := chacha20poly1305.NewX(sctx.EncryptionKey()[:])
	if err != nil {
		return nil, c.tampered(env, "init cipher: %v", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, headerAAD(env))
	if err != nil {
		return nil, c.tampered(env, "AEAD open failed: %v", err)
	}

	return plaintext, nil
}

// NonceBytes decodes the envelope nonce for handing to the replay guard.
func NonceBytes(env *Envelope) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: bad nonce", ErrTampered)
	}
	return nonce, nil
}

// sign computes the keyed-BLAKE3 MAC over a canonical serialization of
// every envelope field except the signature itself. Fields are
// length-prefixed so the encoding is unambiguous regardless of content.
func (c *Codec) sign(sctx *session.Context, env *Envelope, nonce, ciphertext []byte) []byte {
	hasher, err := blake3.NewKeyed(sctx.SigningKey()[:])
	if err != nil {
		// Session keys are always 32 bytes; a failure here means the
		// key material is corrupt, not a recoverable condition.
		panic("envelope: keyed BLAKE3 init failed: " + err.Error())
	}

	writeField := func(b []byte) {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(b)))
		hasher.Write(n[:])
		hasher.Write(b)
	}

	writeField([]byte(env.Version))
	writeField([]byte(env.ID))
	writeField([]byte(env.Type))
	writeField([]byte(env.SessionID))

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(env.TimestampMs))
	writeField(ts[:])

	writeField(nonce)
	writeField(ciphertext)

	sum := hasher.Sum(nil)
	return sum[:signatureSize]
}

// headerAAD binds the ciphertext to the envelope header fields as AEAD
// additional data, so a valid ciphertext cannot be grafted onto a
// different id, type, or session.
func headerAAD(env *Envelope) []byte {
	aad := make([]byte, 0, len(env.Version)+len(env.ID)+len(env.Type)+len(env.SessionID)+8+4)
	aad = append(aad, env.Version...)
	aad = append(aad, env.ID...)
	aad = append(aad, env.Type...)
	aad = append(aad, env.SessionID...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(env.TimestampMs))
	aad = append(aad, ts[:]...)
	return aad
}

func (c *Codec) tampered(env *Envelope, format string, args ...any) error {
	if c.Logf != nil {
		c.Logf("envelope %s: "+format, append([]any{env.ID}, args...)...)
	}
	return ErrTampered
}

func (c *Codec) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func newEnvelopeID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("env-%x", time.Now().UnixNano())
	}
	return "env-" + hex.EncodeToString(b)
}
