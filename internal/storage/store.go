package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

const (
	sqliteConstraintCode = 19
	defaultBusyTimeout   = 5000
)

// Transition kinds persisted in presence_transitions.
const (
	KindJoined      = "joined"
	KindLeft        = "left"
	KindReconnected = "reconnected"
	KindReplaced    = "replaced"
)

// Store wraps the SQLite handle holding presence history.
type Store struct {
	db *sql.DB
}

// Transition is one confirmed presence change for a user.
type Transition struct {
	ID         int64
	Username   string
	Kind       string
	SessionID  string
	DeviceType string
	OccurredAt time.Time
}

// UserRecord captures when a user was first and last seen.
type UserRecord struct {
	Username  string
	FirstSeen time.Time
	LastSeen  time.Time
}

// ErrUnknownKind is returned when a transition kind fails the schema check.
var ErrUnknownKind = errors.New("unknown transition kind")

// NewStore initializes the SQLite database at the provided path. Call Close when done.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "presencehub.db"
	}
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", defaultBusyTimeout)); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying DB connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(path string) string {
	switch {
	case strings.HasPrefix(path, "sqlite://"):
		path = path[len("sqlite://"):]
	case strings.HasPrefix(path, "file:"), strings.HasPrefix(path, ":memory:"):
	default:
		path = "file:" + path
	}
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout=%d", path, separator, defaultBusyTimeout)
}

// Migrate runs the schema creation statements.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS presence_users (
			user_key TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			first_seen DATETIME NOT NULL,
			last_seen DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS presence_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_key TEXT NOT NULL,
			username TEXT NOT NULL,
			kind TEXT NOT NULL CHECK (kind IN ('joined', 'left', 'reconnected', 'replaced')),
			session_id TEXT NOT NULL DEFAULT '',
			device_type TEXT NOT NULL DEFAULT '',
			occurred_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_presence_transitions_user
			ON presence_transitions(user_key, occurred_at);`,
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecordTransition appends t to the log and bumps the user's last-seen time.
func (s *Store) RecordTransition(ctx context.Context, t Transition) (err error) {
	if t.OccurredAt.IsZero() {
		t.OccurredAt = time.Now()
	}
	at := t.OccurredAt.UTC()
	key := strings.ToLower(t.Username)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO presence_transitions(user_key, username, kind, session_id, device_type, occurred_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		key, t.Username, t.Kind, t.SessionID, t.DeviceType, at)
	if err != nil {
		if isConstraintError(err) {
			err = fmt.Errorf("%w: %q", ErrUnknownKind, t.Kind)
		}
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO presence_users(user_key, username, first_seen, last_seen)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(user_key) DO UPDATE SET username = excluded.username, last_seen = excluded.last_seen`,
		key, t.Username, at, at)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// GetUser returns the last-seen record for username, or nil if it was never seen.
func (s *Store) GetUser(ctx context.Context, username string) (*UserRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT username, first_seen, last_seen FROM presence_users WHERE user_key = ?`,
		strings.ToLower(username))
	var rec UserRecord
	if err := row.Scan(&rec.Username, &rec.FirstSeen, &rec.LastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// ListTransitions returns the most recent transitions for username, newest first.
func (s *Store) ListTransitions(ctx context.Context, username string, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, kind, session_id, device_type, occurred_at
		 FROM presence_transitions
		 WHERE user_key = ?
		 ORDER BY occurred_at DESC, id DESC
		 LIMIT ?`,
		strings.ToLower(username), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.ID, &t.Username, &t.Kind, &t.SessionID, &t.DeviceType, &t.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PruneTransitions deletes log rows older than before.
func (s *Store) PruneTransitions(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM presence_transitions WHERE occurred_at < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
