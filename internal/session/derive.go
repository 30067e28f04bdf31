package session

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF info strings. These are the "info" parameter to HKDF-SHA256 and
// provide domain separation between the encryption and signing key
// derivation paths. Changing either one invalidates every envelope sealed
// under sessions derived with the old value.
var (
	hkdfInfoEncryption = []byte("cmdwarden.session.enc.v1")
	hkdfInfoSigning    = []byte("cmdwarden.session.mac.v1")
)

// DeriveKeys derives the session encryption and signing keys from the
// deployment master key and the session ID. The derivation is
// deterministic: the same (masterKey, sessionID) pair always produces the
// same keys, which is what lets the session store persist only metadata.
//
// The master key must be exactly KeySize bytes.
func DeriveKeys(masterKey []byte, sessionID string) (enc, mac [KeySize]byte, err error) {
	if len(masterKey) != KeySize {
		return enc, mac, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey))
	}
	if err := deriveKey(masterKey, hkdfInfoEncryption, sessionID, enc[:]); err != nil {
		return enc, mac, err
	}
	if err := deriveKey(masterKey, hkdfInfoSigning, sessionID, mac[:]); err != nil {
		return enc, mac, err
	}
	return enc, mac, nil
}

// deriveKey runs HKDF-SHA256 with info = domainTag || sessionID. The salt
// is nil: the master key is already uniformly random, so the extract phase
// with a zero salt is appropriate per RFC 5869.
func deriveKey(masterKey, domainTag []byte, sessionID string, out []byte) error {
	info := make([]byte, 0, len(domainTag)+len(sessionID))
	info = append(info, domainTag...)
	info = append(info, sessionID...)

	reader := hkdf.New(sha256.New, masterKey, nil, info)
	if _, err := io.ReadFull(reader, out); err != nil {
		return fmt.Errorf("hkdf derivation failed: %w", err)
	}
	return nil
}
