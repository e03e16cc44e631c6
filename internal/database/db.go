package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidToken is returned when an API token does not authenticate.
var ErrInvalidToken = errors.New("invalid token")

type DB struct {
	*sql.DB
}

func New(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; a single connection also keeps ":memory:"
	// databases shared across queries.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return &DB{db}, nil
}

func migrate(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			conn_id TEXT NOT NULL,
			transport TEXT NOT NULL,
			remote_addr TEXT,
			peer_version INTEGER,
			negotiation TEXT,
			state TEXT NOT NULL,
			end_reason TEXT,
			error_code TEXT,
			frames INTEGER NOT NULL DEFAULT 0,
			bytes_in INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			ended_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS frames (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			frame_type TEXT NOT NULL,
			length INTEGER NOT NULL,
			body BLOB,
			created_at DATETIME NOT NULL,
			UNIQUE(session_id, seq),
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS api_tokens (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			token_hash TEXT NOT NULL,
			is_admin BOOLEAN DEFAULT FALSE,
			last_used_at DATETIME,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_conn_id ON sessions(conn_id);`,
		`CREATE INDEX IF NOT EXISTS idx_frames_session_id ON frames(session_id);`,
	}

	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

// --- Session Methods ---

// Session is the journal row for one protocol engine.
type Session struct {
	ID          string     `json:"id"`
	ConnID      string     `json:"conn_id"`
	Transport   string     `json:"transport"`
	RemoteAddr  string     `json:"remote_addr"`
	PeerVersion int        `json:"peer_version"`
	Negotiation string     `json:"negotiation,omitempty"`
	State       string     `json:"state"`
	EndReason   string     `json:"end_reason,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	Frames      int64      `json:"frames"`
	BytesIn     int64      `json:"bytes_in"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// CreateSession inserts a session row in its initial state.
func (db *DB) CreateSession(s *Session) error {
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}
	_, err := db.Exec(`INSERT INTO sessions
		(id, conn_id, transport, remote_addr, peer_version, state, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.ConnID, s.Transport, s.RemoteAddr, s.PeerVersion, s.State, s.StartedAt)
	return err
}

// UpdateSessionHandshake records the peer version and negotiation response.
func (db *DB) UpdateSessionHandshake(id string, peerVersion int, negotiation, state string) error {
	res, err := db.Exec(
		"UPDATE sessions SET peer_version = ?, negotiation = ?, state = ? WHERE id = ?",
		peerVersion, negotiation, state, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// EndSession stores the final state and counters of a session.
func (db *DB) EndSession(id, state, reason, errorCode string, bytesIn int64) error {
	res, err := db.Exec(`UPDATE sessions
		SET state = ?, end_reason = ?, error_code = ?, bytes_in = ?, ended_at = ?
		WHERE id = ?`,
		state, reason, errorCode, bytesIn, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

const sessionColumns = `id, conn_id, transport, COALESCE(remote_addr, ''),
	COALESCE(peer_version, -1), COALESCE(negotiation, ''), state,
	COALESCE(end_reason, ''), COALESCE(error_code, ''), frames, bytes_in,
	started_at, ended_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var ended sql.NullTime
	if err := row.Scan(&s.ID, &s.ConnID, &s.Transport, &s.RemoteAddr,
		&s.PeerVersion, &s.Negotiation, &s.State, &s.EndReason, &s.ErrorCode,
		&s.Frames, &s.BytesIn, &s.StartedAt, &ended); err != nil {
		return nil, err
	}
	if ended.Valid {
		t := ended.Time
		s.EndedAt = &t
	}
	return &s, nil
}

// GetSession retrieves a session by ID.
func (db *DB) GetSession(id string) (*Session, error) {
	s, err := scanSession(db.QueryRow("SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// ListSessions returns sessions newest first with pagination.
func (db *DB) ListSessions(limit, offset int) ([]Session, error) {
	rows, err := db.Query(
		"SELECT "+sessionColumns+" FROM sessions ORDER BY started_at DESC, id LIMIT ? OFFSET ?",
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// SessionCounts returns the number of journalled sessions per state.
func (db *DB) SessionCounts() (map[string]int64, error) {
	rows, err := db.Query("SELECT state, COUNT(*) FROM sessions GROUP BY state")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// --- Frame Methods ---

// Frame is a journalled frame delivered on a session.
type Frame struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Type      string    `json:"type"`
	Length    int       `json:"length"`
	Body      []byte    `json:"body,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordFrame appends a frame to a session's journal and bumps its counter.
func (db *DB) RecordFrame(sessionID string, seq int64, frameType byte, body []byte) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO frames
		(id, session_id, seq, frame_type, length, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), sessionID, seq, string([]byte{frameType}), len(body), body, time.Now().UTC())
	if err != nil {
		return err
	}

	if _, err := tx.Exec("UPDATE sessions SET frames = frames + 1 WHERE id = ?", sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// ListFrames returns a session's frames in delivery order.
func (db *DB) ListFrames(sessionID string, limit, offset int) ([]Frame, error) {
	rows, err := db.Query(`
		SELECT id, session_id, seq, frame_type, length, body, created_at
		FROM frames
		WHERE session_id = ?
		ORDER BY seq
		LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []Frame
	for rows.Next() {
		var f Frame
		if err := rows.Scan(&f.ID, &f.SessionID, &f.Seq, &f.Type, &f.Length, &f.Body, &f.CreatedAt); err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// --- API Token Methods ---

// APIToken describes a stored API token. The secret is never stored.
type APIToken struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	IsAdmin    bool       `json:"is_admin"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// CreateAPIToken stores a new token and returns it with its plaintext form
// "<id>.<secret>". The plaintext is only available here.
func (db *DB) CreateAPIToken(id, secret, name string, isAdmin bool) (*APIToken, string, error) {
	if id == "" || secret == "" || strings.Contains(id, ".") {
		return nil, "", fmt.Errorf("token id and secret are required and id must not contain '.'")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	_, err = db.Exec(
		"INSERT INTO api_tokens (id, name, token_hash, is_admin, created_at) VALUES (?, ?, ?, ?, ?)",
		id, name, string(hashed), isAdmin, now)
	if err != nil {
		return nil, "", err
	}

	return &APIToken{ID: id, Name: name, IsAdmin: isAdmin, CreatedAt: now}, id + "." + secret, nil
}

// ValidateAPIToken checks a plaintext "<id>.<secret>" token.
func (db *DB) ValidateAPIToken(token string) (*APIToken, error) {
	id, secret, ok := strings.Cut(token, ".")
	if !ok || id == "" || secret == "" {
		return nil, ErrInvalidToken
	}

	var t APIToken
	var hash string
	var lastUsed sql.NullTime
	err := db.QueryRow(
		"SELECT id, name, token_hash, is_admin, last_used_at, created_at FROM api_tokens WHERE id = ?", id,
	).Scan(&t.ID, &t.Name, &hash, &t.IsAdmin, &lastUsed, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return nil, ErrInvalidToken
	}

	now := time.Now().UTC()
	if _, err := db.Exec("UPDATE api_tokens SET last_used_at = ? WHERE id = ?", now, id); err != nil {
		return nil, err
	}
	t.LastUsedAt = &now
	return &t, nil
}

// ListAPITokens returns all stored tokens without secrets.
func (db *DB) ListAPITokens() ([]APIToken, error) {
	rows, err := db.Query("SELECT id, name, is_admin, last_used_at, created_at FROM api_tokens ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []APIToken
	for rows.Next() {
		var t APIToken
		var lastUsed sql.NullTime
		if err := rows.Scan(&t.ID, &t.Name, &t.IsAdmin, &lastUsed, &t.CreatedAt); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			lu := lastUsed.Time
			t.LastUsedAt = &lu
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// RevokeAPIToken deletes a token.
func (db *DB) RevokeAPIToken(id string) error {
	res, err := db.Exec("DELETE FROM api_tokens WHERE id = ?", id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
