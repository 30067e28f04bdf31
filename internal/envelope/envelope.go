// Package envelope seals and opens the signed, encrypted unit of
// transport between an untrusted caller and the pipeline.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the negotiated wire version. Envelopes carrying any
// other value are rejected before decryption is attempted.
const ProtocolVersion = "1"

// MaxEnvelopeBytes is the boundary cap on a serialized envelope.
const MaxEnvelopeBytes = 64 * 1024

// Failure modes. Open collapses every decryption, verification, and
// deserialization failure into ErrTampered so a caller cannot distinguish
// "bad key" from "bad ciphertext"; the underlying cause is logged
// internally only.
var (
	ErrTampered        = errors.New("envelope rejected")
	ErrExpired         = errors.New("envelope expired")
	ErrVersionMismatch = errors.New("protocol version mismatch")
	ErrTooLarge        = errors.New("envelope exceeds size limit")
)

// Envelope is the wire unit. Immutable once constructed; consumed exactly
// once by the replay guard. Payload, Signature, and Nonce are base64
// (std encoding) of the raw bytes.
type Envelope struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Payload     string `json:"payload"`
	Signature   string `json:"signature"`
	TimestampMs int64  `json:"timestampMs"`
	Nonce       string `json:"nonce"`
	SessionID   string `json:"sessionId"`
	Version     string `json:"version"`
}

// Decode parses a serialized envelope, enforcing the size cap and the
// protocol version before anything else is looked at.
func Decode(raw []byte) (*Envelope, error) {
	if len(raw) > MaxEnvelopeBytes {
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrTooLarge, len(raw), MaxEnvelopeBytes)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: not a valid envelope", ErrTampered)
	}
	if env.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrVersionMismatch, env.Version, ProtocolVersion)
	}
	return &env, nil
}

// Encode serializes an envelope for transport.
func (e *Envelope) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(raw) > MaxEnvelopeBytes {
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrTooLarge, len(raw), MaxEnvelopeBytes)
	}
	return raw, nil
}
