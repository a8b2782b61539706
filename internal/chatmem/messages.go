package chatmem

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/neutronlabs/neutron/internal/identity"
	"github.com/neutronlabs/neutron/internal/types"
)

const messageColumns = `id, session_id, timestamp, role, content, model, tokens, files, user_id, team_id`

// AddMessage appends a conversation event to a session. The message always
// carries the session's user_id/team_id, never caller-supplied tenant
// identifiers. Messages longer than EmbedMinContentLen get a pre-computed
// embedding; embedding failures are logged and swallowed.
func (m *Memory) AddMessage(ctx context.Context, p types.Principal, sessionID, role, content, model string, tokens int, files []string) (*Message, error) {
	if role != "user" && role != "assistant" {
		return nil, fmt.Errorf("role %q out of range", role)
	}

	// Resolve the session's tenant identifiers; the caller must be able to
	// see the session to write into it.
	s, err := m.GetSession(ctx, p, sessionID)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		SessionID: sessionID,
		Timestamp: identity.Timestamp(time.Now()),
		Role:      role,
		Content:   content,
		Model:     model,
		Tokens:    tokens,
		Files:     files,
		UserID:    s.UserID,
		TeamID:    s.TeamID,
	}

	var filesJSON any
	if len(files) > 0 {
		b, err := json.Marshal(files)
		if err != nil {
			return nil, fmt.Errorf("marshal files: %w", err)
		}
		filesJSON = string(b)
	}

	err = m.store.WriteTx(ctx, m.store.Chat, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`INSERT INTO chat_messages (session_id, timestamp, role, content, model, tokens, files, user_id, team_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.SessionID, msg.Timestamp, msg.Role, msg.Content, nullable(msg.Model),
			msg.Tokens, filesJSON, msg.UserID, nullable(msg.TeamID),
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		msg.ID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}

		// Bump session bookkeeping: updated_at, message_count, models_used.
		models := s.ModelsUsed
		if model != "" {
			models = append(models, model)
		}
		if _, err := tx.Exec(
			`UPDATE chat_sessions SET updated_at = ?, message_count = message_count + 1, models_used = ? WHERE id = ?`,
			identity.Timestamp(time.Now()), joinModels(models), sessionID,
		); err != nil {
			return fmt.Errorf("bump session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(content) > EmbedMinContentLen {
		m.precomputeEmbedding(ctx, msg)
	}

	m.track(ctx, "chat_messages", "insert", strconv.FormatInt(msg.ID, 10), map[string]any{
		"session_id": msg.SessionID, "timestamp": msg.Timestamp, "role": msg.Role,
		"content": msg.Content, "model": nullable(msg.Model), "tokens": msg.Tokens,
		"user_id": msg.UserID, "team_id": nullable(msg.TeamID),
	}, msg.TeamID)

	return msg, nil
}

// precomputeEmbedding computes and stores the message embedding. Failures
// are logged and swallowed: the message itself must always succeed, and
// search falls back to on-the-fly embedding.
func (m *Memory) precomputeEmbedding(ctx context.Context, msg *Message) {
	vec, err := m.embedder.Embed(ctx, msg.Content)
	if err != nil {
		log.Printf("chatmem: embed message %d: %v", msg.ID, err)
		return
	}
	embJSON, err := json.Marshal(vec)
	if err != nil {
		log.Printf("chatmem: marshal embedding for message %d: %v", msg.ID, err)
		return
	}

	err = m.store.Write(func() error {
		_, err := m.store.Chat.ExecContext(ctx,
			`INSERT OR REPLACE INTO message_embeddings (message_id, session_id, embedding_json, team_id)
			 VALUES (?, ?, ?, ?)`,
			msg.ID, msg.SessionID, string(embJSON), nullable(msg.TeamID))
		return err
	})
	if err != nil {
		log.Printf("chatmem: store embedding for message %d: %v", msg.ID, err)
	}
}

// GetMessages returns the full history of a session in chronological order.
func (m *Memory) GetMessages(ctx context.Context, p types.Principal, sessionID string) ([]*Message, error) {
	if _, err := m.GetSession(ctx, p, sessionID); err != nil {
		return nil, err
	}
	return m.queryMessages(ctx,
		"SELECT "+messageColumns+" FROM chat_messages WHERE session_id = ? ORDER BY id ASC", sessionID)
}

// GetRecentMessages returns the most recent limit messages of a session in
// chronological order (queried DESC, then reversed).
func (m *Memory) GetRecentMessages(ctx context.Context, p types.Principal, sessionID string, limit int) ([]*Message, error) {
	if _, err := m.GetSession(ctx, p, sessionID); err != nil {
		return nil, err
	}
	msgs, err := m.queryMessages(ctx,
		"SELECT "+messageColumns+" FROM chat_messages WHERE session_id = ? ORDER BY id DESC LIMIT ?",
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (m *Memory) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := m.store.Chat.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

func scanMessage(r rowScanner) (*Message, error) {
	var msg Message
	var model, filesJSON, teamID sql.NullString
	var tokens sql.NullInt64
	if err := r.Scan(&msg.ID, &msg.SessionID, &msg.Timestamp, &msg.Role, &msg.Content,
		&model, &tokens, &filesJSON, &msg.UserID, &teamID); err != nil {
		return nil, err
	}
	msg.Model = model.String
	msg.Tokens = int(tokens.Int64)
	msg.TeamID = teamID.String
	if filesJSON.Valid && filesJSON.String != "" {
		if err := json.Unmarshal([]byte(filesJSON.String), &msg.Files); err != nil {
			msg.Files = nil
		}
	}
	return &msg, nil
}
