package session

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xtmp-net/xtmp-node/pkg/keys"
)

// PersistedSession is the durable form of an established session: enough to
// reinstall the key chain and resume traffic after a restart.
type PersistedSession struct {
	ID            uint64
	PeerAddress   string
	PeerClientID  string
	PeerIdentity  [32]byte
	Role          keys.Direction
	Suite         uint8
	Secret        []byte
	Generation    uint32
	SendSeq       uint64
	EstablishedAt time.Time
	ExpiresAt     time.Time
}

// Store persists established sessions to SQLite for resumption
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the session database
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY,
		peer_address TEXT NOT NULL,
		peer_client_id TEXT NOT NULL,
		peer_identity TEXT NOT NULL,
		role INTEGER NOT NULL,
		suite INTEGER NOT NULL,
		secret BLOB NOT NULL,
		generation INTEGER NOT NULL,
		send_seq INTEGER NOT NULL DEFAULT 0,
		established_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Save inserts or replaces a session row
func (s *Store) Save(ps *PersistedSession) error {
	query := `
		INSERT OR REPLACE INTO sessions
			(id, peer_address, peer_client_id, peer_identity, role, suite, secret, generation, send_seq, established_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		int64(ps.ID),
		ps.PeerAddress,
		ps.PeerClientID,
		hex.EncodeToString(ps.PeerIdentity[:]),
		int(ps.Role),
		int(ps.Suite),
		ps.Secret,
		int64(ps.Generation),
		int64(ps.SendSeq),
		ps.EstablishedAt.UnixMilli(),
		ps.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session %d: %w", ps.ID, err)
	}
	return nil
}

// LoadAll returns every persisted session, including expired rows; the
// caller decides what is still worth resuming.
func (s *Store) LoadAll() ([]*PersistedSession, error) {
	query := `
		SELECT id, peer_address, peer_client_id, peer_identity, role, suite, secret, generation, send_seq, established_at, expires_at
		FROM sessions
		ORDER BY id ASC
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	defer rows.Close()

	var out []*PersistedSession
	for rows.Next() {
		var (
			id, established, expires         int64
			identityHex                      string
			role, suite, generation, sendSeq int64
			ps                               PersistedSession
		)
		if err := rows.Scan(&id, &ps.PeerAddress, &ps.PeerClientID, &identityHex,
			&role, &suite, &ps.Secret, &generation, &sendSeq, &established, &expires); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}

		identity, err := hex.DecodeString(identityHex)
		if err != nil || len(identity) != len(ps.PeerIdentity) {
			return nil, fmt.Errorf("corrupt peer identity for session %d", id)
		}
		copy(ps.PeerIdentity[:], identity)

		ps.ID = uint64(id)
		ps.Role = keys.Direction(role)
		ps.Suite = uint8(suite)
		ps.Generation = uint32(generation)
		ps.SendSeq = uint64(sendSeq)
		ps.EstablishedAt = time.UnixMilli(established)
		ps.ExpiresAt = time.UnixMilli(expires)

		out = append(out, &ps)
	}
	return out, rows.Err()
}

// Delete removes a session row. Deleting a missing row is a no-op.
func (s *Store) Delete(id uint64) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, int64(id)); err != nil {
		return fmt.Errorf("failed to delete session %d: %w", id, err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
