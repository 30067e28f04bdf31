package session

import (
	"context"
	"sync"
	"time"

	"github.com/vanasnip/cmdwarden/internal/grants"
)

// MemoryStore is an in-process session provider. Sessions vanish on
// restart, which also invalidates any envelope sealed against them.
type MemoryStore struct {
	masterKey []byte
	resolver  *grants.Resolver
	ttl       time.Duration

	mu       sync.RWMutex
	sessions map[string]*record
}

type record struct {
	subjectID string
	role      string
	createdAt time.Time
	expiresAt time.Time
	revoked   bool
}

// NewMemoryStore creates a memory-backed session provider. Sessions
// expire after ttl; a zero ttl means no expiry.
func NewMemoryStore(masterKey []byte, resolver *grants.Resolver, ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		masterKey: masterKey,
		resolver:  resolver,
		ttl:       ttl,
		sessions:  make(map[string]*record),
	}
}

// Create registers a new session for the subject and returns its context.
func (s *MemoryStore) Create(subjectID, role string) (*Context, error) {
	now := time.Now().UTC()
	rec := &record{
		subjectID: subjectID,
		role:      role,
		createdAt: now,
	}
	if s.ttl > 0 {
		rec.expiresAt = now.Add(s.ttl)
	}

	id := NewSessionID()
	s.mu.Lock()
	s.sessions[id] = rec
	s.mu.Unlock()

	return s.build(id, rec)
}

// Lookup implements Provider.
func (s *MemoryStore) Lookup(_ context.Context, sessionID string) (*Context, error) {
	s.mu.RLock()
	rec, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok || rec.revoked {
		return nil, ErrSessionInvalid
	}
	if !rec.expiresAt.IsZero() && time.Now().After(rec.expiresAt) {
		return nil, ErrSessionInvalid
	}
	return s.build(sessionID, rec)
}

// Revoke marks a session invalid. Idempotent; unknown IDs are a no-op.
func (s *MemoryStore) Revoke(sessionID string) {
	s.mu.Lock()
	if rec, ok := s.sessions[sessionID]; ok {
		rec.revoked = true
	}
	s.mu.Unlock()
}

func (s *MemoryStore) build(sessionID string, rec *record) (*Context, error) {
	grantSet, err := s.resolver.EffectiveGrants(rec.subjectID, rec.role)
	if err != nil {
		return nil, ErrSessionInvalid
	}
	enc, mac, err := DeriveKeys(s.masterKey, sessionID)
	if err != nil {
		return nil, err
	}
	return &Context{
		SubjectID:     rec.subjectID,
		SessionID:     sessionID,
		Role:          rec.role,
		Grants:        grantSet,
		CreatedAt:     rec.createdAt,
		encryptionKey: enc,
		signingKey:    mac,
	}, nil
}
