package chatmem

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/neutronlabs/neutron/internal/identity"
	"github.com/neutronlabs/neutron/internal/types"
)

// Rolling summary bounds.
const (
	SummaryMaxEvents     = 30
	SummaryMaxChars      = 1200
	SummaryContentSample = 100
)

// Summary is the rolling per-session digest.
type Summary struct {
	SessionID  string
	Summary    string
	ModelsUsed []string
	CreatedAt  string
	UpdatedAt  string
}

// UpdateSummary regenerates the rolling summary from the session's last
// SummaryMaxEvents messages, upserts the summary row, and mirrors the text
// into chat_sessions.summary for fast listing.
func (m *Memory) UpdateSummary(ctx context.Context, p types.Principal, sessionID string) (*Summary, error) {
	s, err := m.GetSession(ctx, p, sessionID)
	if err != nil {
		return nil, err
	}

	msgs, err := m.GetRecentMessages(ctx, p, sessionID, SummaryMaxEvents)
	if err != nil {
		return nil, err
	}

	text := RenderSummary(msgs)
	eventsJSON, err := json.Marshal(summaryEvents(msgs))
	if err != nil {
		return nil, fmt.Errorf("marshal events: %w", err)
	}

	now := identity.Timestamp(time.Now())
	modelsUsed := joinModels(s.ModelsUsed)
	err = m.store.WriteTx(ctx, m.store.Chat, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO conversation_summaries (session_id, summary, events_json, models_used, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET
			   summary = excluded.summary,
			   events_json = excluded.events_json,
			   models_used = excluded.models_used,
			   updated_at = excluded.updated_at`,
			sessionID, text, string(eventsJSON), modelsUsed, now, now,
		); err != nil {
			return fmt.Errorf("upsert summary: %w", err)
		}
		if _, err := tx.Exec(
			"UPDATE chat_sessions SET summary = ? WHERE id = ?", text, sessionID,
		); err != nil {
			return fmt.Errorf("mirror summary: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &Summary{
		SessionID:  sessionID,
		Summary:    text,
		ModelsUsed: splitModels(modelsUsed),
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// GetSummary returns the stored summary for a session.
func (m *Memory) GetSummary(ctx context.Context, p types.Principal, sessionID string) (*Summary, error) {
	if _, err := m.GetSession(ctx, p, sessionID); err != nil {
		return nil, err
	}

	var sum Summary
	var modelsUsed sql.NullString
	err := m.store.Chat.QueryRowContext(ctx,
		`SELECT session_id, summary, models_used, created_at, updated_at
		 FROM conversation_summaries WHERE session_id = ?`, sessionID,
	).Scan(&sum.SessionID, &sum.Summary, &modelsUsed, &sum.CreatedAt, &sum.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("summary for %s: %w", sessionID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	sum.ModelsUsed = splitModels(modelsUsed.String)
	return &sum, nil
}

// RenderSummary renders the deterministic bullet-list digest: one line per
// event as "- {role}[{model}]: {content truncated to 100}", prefixed
// "Recent conversation:", capped at SummaryMaxChars with an ellipsis.
func RenderSummary(msgs []*Message) string {
	var b strings.Builder
	b.WriteString("Recent conversation:")
	for _, msg := range msgs {
		b.WriteString("\n- ")
		b.WriteString(msg.Role)
		if msg.Model != "" {
			b.WriteString("[")
			b.WriteString(msg.Model)
			b.WriteString("]")
		}
		b.WriteString(": ")
		b.WriteString(truncate(msg.Content, SummaryContentSample))
	}

	out := b.String()
	if len(out) > SummaryMaxChars {
		out = out[:SummaryMaxChars-3] + "..."
	}
	return out
}

// summaryEvents is the snapshot stored alongside the rendered text.
func summaryEvents(msgs []*Message) []map[string]any {
	events := make([]map[string]any, 0, len(msgs))
	for _, msg := range msgs {
		events = append(events, map[string]any{
			"role":      msg.Role,
			"content":   truncate(msg.Content, SummaryContentSample),
			"model":     msg.Model,
			"timestamp": msg.Timestamp,
		})
	}
	return events
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
