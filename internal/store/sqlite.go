package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/dkeye/Nearby/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	is_active  INTEGER NOT NULL,
	body       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_recent ON sessions(type, is_active, created_at DESC);

CREATE TABLE IF NOT EXISTS presence (
	user_id TEXT PRIMARY KEY,
	body    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS activity (
	id         TEXT PRIMARY KEY,
	actor      TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	body       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_actor ON activity(actor, created_at DESC);
`

// SQLite is the durable Store. Transactions open with an immediate write
// lock (_txlock=immediate), so a losing writer surfaces as ErrConflict
// instead of silently interleaving.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=2000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTx) Session(id domain.SessionID) (*domain.Session, error) {
	var body string
	err := t.tx.QueryRowContext(t.ctx, `SELECT body FROM sessions WHERE id = ?`, string(id)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	return decodeSession(body)
}

func (t *sqliteTx) PutSession(sess *domain.Session) error {
	body, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO sessions (id, type, created_at, is_active, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET type=excluded.type,
			created_at=excluded.created_at, is_active=excluded.is_active,
			body=excluded.body`,
		string(sess.ID), string(sess.Type), sess.CreatedAt.UnixNano(),
		boolToInt(sess.IsActive), string(body))
	return mapSQLiteErr(err)
}

func (t *sqliteTx) DeleteSession(id domain.SessionID) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM sessions WHERE id = ?`, string(id))
	return mapSQLiteErr(err)
}

func (t *sqliteTx) RecentSessions(typ domain.SessionType, limit int) ([]*domain.Session, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT body FROM sessions
		WHERE type = ? AND is_active = 1
		ORDER BY created_at DESC LIMIT ?`, string(typ), limit)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	return scanSessions(rows)
}

func (s *SQLite) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteErr(err)
	}
	if err := fn(&sqliteTx{ctx: ctx, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapSQLiteErr(err)
	}
	return nil
}

func (s *SQLite) Session(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM sessions WHERE id = ?`, string(id)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	return decodeSession(body)
}

func (s *SQLite) RecentSessions(ctx context.Context, typ domain.SessionType, limit int) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM sessions
		WHERE type = ? AND is_active = 1
		ORDER BY created_at DESC LIMIT ?`, string(typ), limit)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	return scanSessions(rows)
}

func (s *SQLite) ActiveSessions(ctx context.Context) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM sessions WHERE is_active = 1 ORDER BY created_at DESC`)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	return scanSessions(rows)
}

func (s *SQLite) Presence(ctx context.Context, id domain.UserID) (*domain.PresenceRecord, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM presence WHERE user_id = ?`, string(id)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	var rec domain.PresenceRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode presence: %w", err)
	}
	return &rec, nil
}

func (s *SQLite) PutPresence(ctx context.Context, rec *domain.PresenceRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO presence (user_id, body) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET body=excluded.body`,
		string(rec.UserID), string(body))
	return mapSQLiteErr(err)
}

func (s *SQLite) PutActivity(ctx context.Context, e *domain.ActivityEntry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activity (id, actor, created_at, expires_at, body)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, string(e.Actor), e.CreatedAt.UnixNano(), e.ExpiresAt.UnixNano(), string(body))
	return mapSQLiteErr(err)
}

func (s *SQLite) RecentActivity(ctx context.Context, actors []domain.UserID, now time.Time) ([]*domain.ActivityEntry, error) {
	if len(actors) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(actors)), ",")
	args := make([]any, 0, len(actors)+1)
	for _, actor := range actors {
		args = append(args, string(actor))
	}
	args = append(args, now.UnixNano())

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT body FROM activity
		WHERE actor IN (%s) AND expires_at > ?
		ORDER BY created_at DESC`, placeholders), args...)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()

	var out []*domain.ActivityEntry
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var e domain.ActivityEntry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("failed to decode activity: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func decodeSession(body string) (*domain.Session, error) {
	var sess domain.Session
	if err := json.Unmarshal([]byte(body), &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]*domain.Session, error) {
	defer rows.Close()
	var out []*domain.Session
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		sess, err := decodeSession(body)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		if se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked {
			return ErrConflict
		}
	}
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
