package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vanasnip/cmdwarden/internal/grants"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	subject_id    TEXT NOT NULL,
	role          TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	expires_at_ms INTEGER NOT NULL DEFAULT 0,
	revoked       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_subject ON sessions(subject_id);
`

// SQLiteStore is a session provider backed by SQLite. Only session
// metadata is persisted; keys are re-derived from the master key on
// every lookup.
type SQLiteStore struct {
	db        *sql.DB
	masterKey []byte
	resolver  *grants.Resolver
	ttl       time.Duration
}

// OpenSQLite opens (or creates) the session database at path and applies
// the schema.
func OpenSQLite(path string, masterKey []byte, resolver *grants.Resolver, ttl time.Duration) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("session store path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping session store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply session schema: %w", err)
	}
	return &SQLiteStore{db: db, masterKey: masterKey, resolver: resolver, ttl: ttl}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create registers a new session for the subject and returns its context.
func (s *SQLiteStore) Create(ctx context.Context, subjectID, role string) (*Context, error) {
	// Validate the role before persisting anything.
	if _, err := s.resolver.EffectiveGrants(subjectID, role); err != nil {
		return nil, err
	}

	id := NewSessionID()
	now := time.Now().UTC()
	var expiresMs int64
	if s.ttl > 0 {
		expiresMs = now.Add(s.ttl).UnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, subject_id, role, created_at_ms, expires_at_ms) VALUES (?, ?, ?, ?, ?)`,
		id, subjectID, role, now.UnixMilli(), expiresMs)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	return s.build(id, subjectID, role, now)
}

// Lookup implements Provider.
func (s *SQLiteStore) Lookup(ctx context.Context, sessionID string) (*Context, error) {
	var (
		subjectID, role      string
		createdMs, expiresMs int64
		revoked              int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT subject_id, role, created_at_ms, expires_at_ms, revoked FROM sessions WHERE id = ?`,
		sessionID).Scan(&subjectID, &role, &createdMs, &expiresMs, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}

	if revoked != 0 {
		return nil, ErrSessionInvalid
	}
	if expiresMs > 0 && time.Now().UnixMilli() > expiresMs {
		return nil, ErrSessionInvalid
	}

	return s.build(sessionID, subjectID, role, time.UnixMilli(createdMs).UTC())
}

// Revoke marks a session invalid. Unknown IDs are a no-op.
func (s *SQLiteStore) Revoke(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET revoked = 1 WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// PruneExpired deletes sessions past their expiry. Returns the number of
// rows removed.
func (s *SQLiteStore) PruneExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at_ms > 0 AND expires_at_ms < ?`,
		time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) build(sessionID, subjectID, role string, createdAt time.Time) (*Context, error) {
	grantSet, err := s.resolver.EffectiveGrants(subjectID, role)
	if err != nil {
		return nil, ErrSessionInvalid
	}
	enc, mac, err := DeriveKeys(s.masterKey, sessionID)
	if err != nil {
		return nil, err
	}
	return &Context{
		SubjectID:     subjectID,
		SessionID:     sessionID,
		Role:          role,
		Grants:        grantSet,
		CreatedAt:     createdAt,
		encryptionKey: enc,
		signingKey:    mac,
	}, nil
}
