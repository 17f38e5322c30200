package sqlite

import (
	"context"
	"database/sql"
	"time"

	core "github.com/creditgate/creditgate/internal"
)

// CreateSession inserts a new chat session.
func (s *Store) CreateSession(ctx context.Context, sess *core.ChatSession) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, principal_id, title, model, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.PrincipalID, nullStr(sess.Title), sess.Model, boolToInt(sess.IsActive),
		sess.CreatedAt.UTC().Format(time.RFC3339), sess.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetSession retrieves a chat session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*core.ChatSession, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, principal_id, title, model, is_active, created_at, updated_at
		 FROM chat_sessions WHERE id=?`, id)
	return scanSession(row)
}

// ListSessions returns a principal's sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, principalID string, offset, limit int) ([]*core.ChatSession, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, principal_id, title, model, is_active, created_at, updated_at
		 FROM chat_sessions WHERE principal_id=? ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		principalID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.ChatSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a chat session and its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_messages WHERE session_id=?`, id); err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(result, "chat session"); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendMessages idempotently appends msgs to a session. The (session_id,
// request_id, role) unique index makes a retried append a no-op rather than a
// duplicate insert, so the Session Appender can retry safely after a crash
// between the write and its ack.
func (s *Store) AppendMessages(ctx context.Context, sessionID, requestID string, msgs []core.SessionMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, m := range msgs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO session_messages (id, session_id, request_id, role, content, tokens, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (session_id, request_id, role) DO NOTHING`,
			m.ID, sessionID, requestID, m.Role, string(m.Content), m.Tokens,
			m.CreatedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_sessions SET updated_at=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), sessionID,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// ListMessages returns a session's messages in append order.
func (s *Store) ListMessages(ctx context.Context, sessionID string, offset, limit int) ([]core.SessionMessage, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, session_id, request_id, role, content, tokens, created_at
		 FROM session_messages WHERE session_id=? ORDER BY created_at ASC LIMIT ? OFFSET ?`,
		sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.SessionMessage
	for rows.Next() {
		var m core.SessionMessage
		var content, createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.RequestID, &m.Role, &content, &m.Tokens, &createdAt); err != nil {
			return nil, err
		}
		m.Content = []byte(content)
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			m.CreatedAt = t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanSession(sc scanner) (*core.ChatSession, error) {
	var sess core.ChatSession
	var title sql.NullString
	var isActive int
	var createdAt, updatedAt string

	err := sc.Scan(&sess.ID, &sess.PrincipalID, &title, &sess.Model, &isActive, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	sess.Title = title.String
	sess.IsActive = isActive != 0
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		sess.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		sess.UpdatedAt = t
	}
	return &sess, nil
}
