package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"mailbridge/internal/domain"
	"mailbridge/internal/store"
)

var migrations = []store.Migration{
	{
		Version:     1,
		Description: "sessions and session_turns",
		SQL: `
		CREATE TABLE IF NOT EXISTS sessions (
			session_key TEXT PRIMARY KEY,
			agent_id    TEXT NOT NULL DEFAULT '',
			channel     TEXT NOT NULL DEFAULT '',
			account_id  TEXT NOT NULL DEFAULT '',
			peer        TEXT NOT NULL DEFAULT '',
			label       TEXT NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS session_turns (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL REFERENCES sessions(session_key) ON DELETE CASCADE,
			direction   TEXT NOT NULL,
			message_id  TEXT,
			thread_id   TEXT NOT NULL DEFAULT '',
			body        TEXT NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL,
			UNIQUE(session_key, direction, message_id)
		);
		CREATE INDEX IF NOT EXISTS idx_turns_session ON session_turns(session_key, id);
		`,
	},
}

// SQLiteStore keeps session metadata and turn history for one store path.
// Times are stored as unix milliseconds.
type SQLiteStore struct {
	db     *sqlx.DB
	path   string
	logger *slog.Logger
}

// Summary describes one stored session.
type Summary struct {
	SessionKey string    `db:"session_key" json:"sessionKey"`
	AgentID    string    `db:"agent_id" json:"agentId"`
	AccountID  string    `db:"account_id" json:"accountId"`
	Peer       string    `db:"peer" json:"peer"`
	Label      string    `db:"label" json:"label"`
	UpdatedAt  time.Time `db:"-" json:"updatedAt"`
	Turns      int       `db:"turns" json:"turns"`

	UpdatedAtMs int64 `db:"updated_at" json:"-"`
}

type turnRow struct {
	Direction string         `db:"direction"`
	MessageID sql.NullString `db:"message_id"`
	ThreadID  string         `db:"thread_id"`
	Body      string         `db:"body"`
	CreatedAt int64          `db:"created_at"`
}

func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := store.Open(path, migrations, logger)
	if err != nil {
		return nil, fmt.Errorf("open session store %s: %w", path, err)
	}
	return &SQLiteStore{db: db, path: path, logger: logger}, nil
}

func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// LastActivity returns the time of the last recorded inbound turn, or the
// zero time when the session does not exist.
func (s *SQLiteStore) LastActivity(ctx context.Context, sessionKey string) (time.Time, error) {
	var ms int64
	err := s.db.GetContext(ctx, &ms, "SELECT updated_at FROM sessions WHERE session_key = ?", sessionKey)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read session %s: %w", sessionKey, err)
	}
	return time.UnixMilli(ms), nil
}

// RecordInbound upserts the session row and appends the inbound turn.
// A message id that was already recorded for the session is ignored.
func (s *SQLiteStore) RecordInbound(ctx context.Context, sessionKey string, in domain.InboundContext) error {
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ms := ts.UnixMilli()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (session_key, agent_id, channel, account_id, peer, label, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			label = excluded.label,
			updated_at = MAX(sessions.updated_at, excluded.updated_at)`,
		sessionKey, in.AgentID, in.Provider, in.AccountID, in.SenderID, in.ConversationLabel, ms, ms,
	); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO session_turns (session_key, direction, message_id, thread_id, body, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?)`,
		sessionKey, domain.DirectionInbound, in.MessageSid, in.ThreadID, in.Body, ms,
	); err != nil {
		return fmt.Errorf("insert inbound turn: %w", err)
	}

	return tx.Commit()
}

// RecordOutbound appends an outbound turn. It does not move the session's
// last-activity time, which tracks inbound mail only.
func (s *SQLiteStore) RecordOutbound(ctx context.Context, sessionKey string, turn domain.Turn) error {
	ts := turn.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	ms := ts.UnixMilli()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO sessions (session_key, created_at, updated_at) VALUES (?, ?, ?)`,
		sessionKey, ms, ms,
	); err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO session_turns (session_key, direction, message_id, thread_id, body, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?)`,
		sessionKey, domain.DirectionOutbound, turn.MessageID, turn.ThreadID, turn.Body, ms,
	); err != nil {
		return fmt.Errorf("insert outbound turn: %w", err)
	}

	return tx.Commit()
}

// History returns up to limit most recent turns, oldest first.
// A limit <= 0 returns every turn.
func (s *SQLiteStore) History(ctx context.Context, sessionKey string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []turnRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT direction, message_id, thread_id, body, created_at FROM (
			SELECT id, direction, message_id, thread_id, body, created_at
			FROM session_turns WHERE session_key = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		sessionKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", sessionKey, err)
	}

	turns := make([]domain.Turn, 0, len(rows))
	for _, r := range rows {
		turns = append(turns, domain.Turn{
			Direction: r.Direction,
			MessageID: r.MessageID.String,
			ThreadID:  r.ThreadID,
			Body:      r.Body,
			CreatedAt: time.UnixMilli(r.CreatedAt),
		})
	}
	return turns, nil
}

// Sessions lists stored sessions, most recently active first.
func (s *SQLiteStore) Sessions(ctx context.Context) ([]Summary, error) {
	var out []Summary
	err := s.db.SelectContext(ctx, &out, `
		SELECT s.session_key, s.agent_id, s.account_id, s.peer, s.label, s.updated_at,
			(SELECT COUNT(*) FROM session_turns t WHERE t.session_key = s.session_key) AS turns
		FROM sessions s
		ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	for i := range out {
		out[i].UpdatedAt = time.UnixMilli(out[i].UpdatedAtMs)
	}
	return out, nil
}

// Reset deletes a session and its turns.
func (s *SQLiteStore) Reset(ctx context.Context, sessionKey string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM session_turns WHERE session_key = ?",
		"DELETE FROM sessions WHERE session_key = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, sessionKey); err != nil {
			return fmt.Errorf("reset session %s: %w", sessionKey, err)
		}
	}
	return tx.Commit()
}
