package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sessionColumns = `id, user_id, started_at, last_active_at, ended_at, message_count, summarized`

func scanSession(row rowScanner) (*Session, error) {
	var (
		s          Session
		started    int64
		lastActive int64
		ended      sql.NullInt64
		summarized int
	)
	if err := row.Scan(&s.ID, &s.UserID, &started, &lastActive, &ended, &s.MessageCount, &summarized); err != nil {
		return nil, err
	}
	s.StartedAt = fromMillis(started)
	s.LastActiveAt = fromMillis(lastActive)
	if ended.Valid {
		t := fromMillis(ended.Int64)
		s.EndedAt = &t
	}
	s.Summarized = summarized != 0
	return &s, nil
}

// StartSession creates a session row. Starting an existing session id
// only refreshes last_active_at.
func (db *DB) StartSession(ctx context.Context, s *Session) error {
	if s.LastActiveAt.IsZero() {
		s.LastActiveAt = s.StartedAt
	}
	_, err := db.exec(ctx, `INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_active_at = MAX(last_active_at, excluded.last_active_at)`,
		s.ID, s.UserID, toMillis(s.StartedAt), toMillis(s.LastActiveAt), nullMillis(s.EndedAt),
		s.MessageCount, boolInt(s.Summarized))
	if err != nil {
		return fmt.Errorf("start session %s: %w", s.ID, err)
	}
	return nil
}

// GetSession returns a session by id.
func (db *DB) GetSession(ctx context.Context, id string) (*Session, error) {
	row := db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

// EndSession stamps ended_at on an existing session.
func (db *DB) EndSession(ctx context.Context, id string, at time.Time) error {
	res, err := db.exec(ctx, `UPDATE sessions SET ended_at = ?, last_active_at = MAX(last_active_at, ?) WHERE id = ?`,
		at.UnixMilli(), at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	return expectRow(res, "session", id)
}

// AppendMessage adds a message to an existing session and bumps its
// activity counters. A missing session is ErrNotFound.
func (db *DB) AppendMessage(ctx context.Context, m *Message) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		var userID string
		err := tx.QueryRowContext(ctx, `SELECT user_id FROM sessions WHERE id = ?`, m.SessionID).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session %s: %w", m.SessionID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lookup session %s: %w", m.SessionID, err)
		}
		if m.UserID == "" {
			m.UserID = userID
		}

		var valence, arousal, conf any
		if m.Affect != nil {
			valence, arousal, conf = m.Affect.Valence, m.Affect.Arousal, m.Affect.Confidence
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO session_messages
			(session_id, user_id, role, content, valence, arousal, affect_confidence, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.SessionID, m.UserID, m.Role, m.Content, valence, arousal, conf, toMillis(m.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		m.ID, _ = res.LastInsertId()

		_, err = tx.ExecContext(ctx, `UPDATE sessions
			SET message_count = message_count + 1, last_active_at = MAX(last_active_at, ?), summarized = 0
			WHERE id = ?`, toMillis(m.CreatedAt), m.SessionID)
		if err != nil {
			return fmt.Errorf("touch session %s: %w", m.SessionID, err)
		}
		return nil
	})
}

func (db *DB) querySessions(ctx context.Context, q string, args ...any) ([]Session, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// SessionsSince returns a user's sessions started at or after since,
// oldest first.
func (db *DB) SessionsSince(ctx context.Context, userID string, since time.Time) ([]Session, error) {
	return db.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ? AND started_at >= ? ORDER BY started_at ASC`, userID, since.UnixMilli())
}

// IdleSessions returns unsummarized sessions with no activity since cutoff.
func (db *DB) IdleSessions(ctx context.Context, cutoff time.Time, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE summarized = 0 AND message_count > 0 AND last_active_at < ?
		ORDER BY last_active_at ASC LIMIT ?`, cutoff.UnixMilli(), limit)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var (
			m                      Message
			valence, arousal, conf sql.NullFloat64
			created                int64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Role, &m.Content, &valence, &arousal, &conf, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if valence.Valid && arousal.Valid {
			m.Affect = &Affect{Valence: valence.Float64, Arousal: arousal.Float64, Confidence: conf.Float64}
		}
		m.CreatedAt = fromMillis(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

const messageColumns = `id, session_id, user_id, role, content, valence, arousal, affect_confidence, created_at`

// SessionMessages returns the messages of a session in order.
func (db *DB) SessionMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+messageColumns+` FROM session_messages
		WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session messages: %w", err)
	}
	return scanMessages(rows)
}

// UserMessagesSince returns a user's own (role=user) messages created at
// or after since, oldest first, capped at limit.
func (db *DB) UserMessagesSince(ctx context.Context, userID string, since time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.QueryContext(ctx, `SELECT `+messageColumns+` FROM session_messages
		WHERE user_id = ? AND role = 'user' AND created_at >= ?
		ORDER BY created_at ASC, id ASC LIMIT ?`, userID, since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("user messages: %w", err)
	}
	return scanMessages(rows)
}

// ScoredMessagesAfter returns a user's messages carrying affect scores
// with id greater than cursor, in id order.
func (db *DB) ScoredMessagesAfter(ctx context.Context, userID string, cursor int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.QueryContext(ctx, `SELECT `+messageColumns+` FROM session_messages
		WHERE user_id = ? AND id > ? AND valence IS NOT NULL AND arousal IS NOT NULL
		ORDER BY id ASC LIMIT ?`, userID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("scored messages: %w", err)
	}
	return scanMessages(rows)
}

// SaveSummary stores the summary of a session and marks it summarized.
func (db *DB) SaveSummary(ctx context.Context, sum SessionSummary) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE sessions SET summarized = 1 WHERE id = ?`, sum.SessionID)
		if err != nil {
			return fmt.Errorf("mark summarized %s: %w", sum.SessionID, err)
		}
		if err := expectRow(res, "session", sum.SessionID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO session_summaries (session_id, user_id, summary, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET summary = excluded.summary, created_at = excluded.created_at`,
			sum.SessionID, sum.UserID, sum.Summary, toMillis(sum.CreatedAt))
		if err != nil {
			return fmt.Errorf("save summary %s: %w", sum.SessionID, err)
		}
		return nil
	})
}

// SummariesSince returns summaries created at or after since, newest first.
func (db *DB) SummariesSince(ctx context.Context, since time.Time) ([]SessionSummary, error) {
	rows, err := db.QueryContext(ctx, `SELECT session_id, user_id, summary, created_at
		FROM session_summaries WHERE created_at >= ? ORDER BY created_at DESC`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("summaries since: %w", err)
	}
	defer rows.Close()
	var out []SessionSummary
	for rows.Next() {
		var s SessionSummary
		var created int64
		if err := rows.Scan(&s.SessionID, &s.UserID, &s.Summary, &created); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		s.CreatedAt = fromMillis(created)
		out = append(out, s)
	}
	return out, rows.Err()
}

// PruneSessionMessages deletes the raw messages of summarized sessions
// idle since before cutoff. The session row and its summary are kept.
func (db *DB) PruneSessionMessages(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := db.exec(ctx, `DELETE FROM session_messages WHERE session_id IN (
		SELECT id FROM sessions WHERE summarized = 1 AND last_active_at < ?)`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune session messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
