package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/civica-gov/civica/internal/model"
)

// CreateChatSession starts a new conversation.
func (db *DB) CreateChatSession(ctx context.Context) (model.ChatSession, error) {
	s := model.ChatSession{ID: uuid.New(), CreatedAt: time.Now().UTC()}
	s.UpdatedAt = s.CreatedAt
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO chat_sessions (id, created_at, updated_at) VALUES ($1, $2, $3)`,
		s.ID, s.CreatedAt, s.UpdatedAt,
	); err != nil {
		return model.ChatSession{}, fmt.Errorf("storage: create chat session: %w", err)
	}
	return s, nil
}

// GetChatSession returns a conversation by id.
func (db *DB) GetChatSession(ctx context.Context, id uuid.UUID) (model.ChatSession, error) {
	var s model.ChatSession
	err := db.pool.QueryRow(ctx,
		`SELECT id, created_at, updated_at FROM chat_sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return model.ChatSession{}, fmt.Errorf("storage: get chat session: %w", mapError(err))
	}
	return s, nil
}

// AppendChatMessages stores messages in order and bumps the session's
// updated_at, all in one transaction.
func (db *DB) AppendChatMessages(ctx context.Context, sessionID uuid.UUID, msgs ...model.ChatMessage) ([]model.ChatMessage, error) {
	out := make([]model.ChatMessage, len(msgs))
	err := db.WithTx(ctx, func(tx *Tx) error {
		for i, m := range msgs {
			if m.ID == uuid.Nil {
				m.ID = uuid.New()
			}
			m.SessionID = sessionID
			sources := m.Sources
			if sources == nil {
				sources = []model.ChatSource{}
			}
			raw, err := json.Marshal(sources)
			if err != nil {
				return fmt.Errorf("storage: encode chat sources: %w", err)
			}
			if err := tx.tx.QueryRow(ctx,
				`INSERT INTO chat_messages (id, session_id, role, content, sources)
				 VALUES ($1, $2, $3, $4, $5)
				 RETURNING created_at`,
				m.ID, sessionID, string(m.Role), m.Content, raw,
			).Scan(&m.CreatedAt); err != nil {
				return fmt.Errorf("storage: insert chat message: %w", mapWriteError(err))
			}
			out[i] = m
		}
		if _, err := tx.tx.Exec(ctx, `UPDATE chat_sessions SET updated_at = now() WHERE id = $1`, sessionID); err != nil {
			return fmt.Errorf("storage: touch chat session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListChatMessages returns the most recent limit messages of a session in
// chronological order. A non-positive limit returns the whole history.
func (db *DB) ListChatMessages(ctx context.Context, sessionID uuid.UUID, limit int) ([]model.ChatMessage, error) {
	query := `SELECT id, session_id, role, content, sources, created_at FROM (
		SELECT id, session_id, role, content, sources, created_at
		FROM chat_messages WHERE session_id = $1
		ORDER BY created_at DESC, id DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	query += `) recent ORDER BY created_at ASC, id ASC`

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list chat messages: %w", err)
	}
	defer rows.Close()

	var out []model.ChatMessage
	for rows.Next() {
		var m model.ChatMessage
		var role string
		var raw []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &raw, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan chat message: %w", err)
		}
		m.Role = model.ChatRole(role)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &m.Sources); err != nil {
				return nil, fmt.Errorf("storage: decode chat sources: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
