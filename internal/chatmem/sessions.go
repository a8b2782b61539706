package chatmem

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/neutronlabs/neutron/internal/identity"
	"github.com/neutronlabs/neutron/internal/types"
)

const sessionColumns = `id, title, default_model, models_used, user_id, team_id, summary,
	archived, auto_titled, selected_mode, selected_model_id, message_count, created_at, updated_at`

// CreateSession creates a session owned by the principal. A team-scoped
// principal creates a team session; otherwise the session is personal.
func (m *Memory) CreateSession(ctx context.Context, p types.Principal, title, defaultModel string) (*Session, error) {
	now := identity.Timestamp(time.Now())
	s := &Session{
		ID:           identity.NewSessionID(),
		Title:        title,
		DefaultModel: defaultModel,
		UserID:       p.UserID,
		TeamID:       p.TeamID,
		SelectedMode: "intelligent",
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := m.store.Write(func() error {
		_, err := m.store.Chat.ExecContext(ctx,
			`INSERT INTO chat_sessions (id, title, default_model, models_used, user_id, team_id,
				selected_mode, created_at, updated_at)
			 VALUES (?, ?, ?, '', ?, ?, ?, ?, ?)`,
			s.ID, s.Title, s.DefaultModel, s.UserID, nullable(s.TeamID), s.SelectedMode, s.CreatedAt, s.UpdatedAt,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	m.track(ctx, "chat_sessions", "insert", s.ID, map[string]any{
		"id": s.ID, "title": s.Title, "default_model": s.DefaultModel,
		"user_id": s.UserID, "team_id": nullable(s.TeamID),
		"created_at": s.CreatedAt, "updated_at": s.UpdatedAt,
	}, s.TeamID)

	return s, nil
}

// GetSession returns the session when it is visible to the principal:
// team sessions require matching team_id, personal sessions matching
// user_id. Hidden and missing sessions both report ErrNotFound.
func (m *Memory) GetSession(ctx context.Context, p types.Principal, sessionID string) (*Session, error) {
	s, err := m.getSessionRaw(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sessionVisible(s, p) {
		return nil, fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
	}
	return s, nil
}

// getSessionRaw loads a session with no visibility filter.
func (m *Memory) getSessionRaw(ctx context.Context, sessionID string) (*Session, error) {
	row := m.store.Chat.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM chat_sessions WHERE id = ?", sessionID)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", sessionID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return s, nil
}

// sessionVisible applies the visibility rule.
func sessionVisible(s *Session, p types.Principal) bool {
	if s.TeamID != "" {
		return p.TeamID == s.TeamID
	}
	return p.UserID == s.UserID
}

// ListSessions returns the principal's visible sessions, newest first.
// Archived sessions are excluded unless includeArchived is set. The
// ordinary list never honors role escalation; god_rights callers use the
// admin accessors.
func (m *Memory) ListSessions(ctx context.Context, p types.Principal, includeArchived bool) ([]*Session, error) {
	query := "SELECT " + sessionColumns + " FROM chat_sessions WHERE "
	var args []any
	if p.HasTeam() {
		query += "team_id = ?"
		args = append(args, p.TeamID)
	} else {
		query += "user_id = ? AND team_id IS NULL"
		args = append(args, p.UserID)
	}
	if !includeArchived {
		query += " AND archived = 0"
	}
	query += " ORDER BY updated_at DESC"

	return m.querySessions(ctx, query, args...)
}

// ListAllSessionsAdmin returns every session. Requires god_rights.
func (m *Memory) ListAllSessionsAdmin(ctx context.Context, p types.Principal) ([]*Session, error) {
	if !p.IsGodRights() {
		return nil, fmt.Errorf("list all sessions: %w", types.ErrAccessDenied)
	}
	return m.querySessions(ctx,
		"SELECT "+sessionColumns+" FROM chat_sessions ORDER BY updated_at DESC")
}

// ListUserSessionsAdmin returns one user's sessions regardless of team
// scope. Requires god_rights.
func (m *Memory) ListUserSessionsAdmin(ctx context.Context, p types.Principal, userID string) ([]*Session, error) {
	if !p.IsGodRights() {
		return nil, fmt.Errorf("list user sessions: %w", types.ErrAccessDenied)
	}
	return m.querySessions(ctx,
		"SELECT "+sessionColumns+" FROM chat_sessions WHERE user_id = ? ORDER BY updated_at DESC", userID)
}

// DeleteSession deletes the session and cascades to messages, summaries,
// document chunks, and embeddings with explicit statements. Requires
// ownership (visibility) or god_rights. Returns whether access was granted.
func (m *Memory) DeleteSession(ctx context.Context, p types.Principal, sessionID string) (bool, error) {
	s, err := m.getSessionRaw(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if !sessionVisible(s, p) && !p.IsGodRights() {
		return false, nil
	}

	err = m.store.WriteTx(ctx, m.store.Chat, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			"DELETE FROM message_embeddings WHERE session_id = ?",
			"DELETE FROM chat_messages WHERE session_id = ?",
			"DELETE FROM conversation_summaries WHERE session_id = ?",
			"DELETE FROM document_chunks WHERE session_id = ?",
			"DELETE FROM chat_sessions WHERE id = ?",
		} {
			if _, err := tx.Exec(stmt, sessionID); err != nil {
				return fmt.Errorf("cascade delete: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	m.track(ctx, "chat_sessions", "delete", sessionID, nil, s.TeamID)
	return true, nil
}

// UpdateTitle sets the session title. autoTitled marks titles generated by
// the model rather than the user.
func (m *Memory) UpdateTitle(ctx context.Context, p types.Principal, sessionID, title string, autoTitled bool) error {
	s, err := m.GetSession(ctx, p, sessionID)
	if err != nil {
		return err
	}

	err = m.store.Write(func() error {
		_, err := m.store.Chat.ExecContext(ctx,
			"UPDATE chat_sessions SET title = ?, auto_titled = ?, updated_at = ? WHERE id = ?",
			title, boolInt(autoTitled), identity.Timestamp(time.Now()), sessionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}

	m.track(ctx, "chat_sessions", "update", sessionID, map[string]any{"title": title}, s.TeamID)
	return nil
}

// UpdateModelPrefs stores the session's model selection mode and, for
// manual mode, the chosen model.
func (m *Memory) UpdateModelPrefs(ctx context.Context, p types.Principal, sessionID, mode, modelID string) error {
	if mode != "intelligent" && mode != "manual" {
		return fmt.Errorf("selected_mode %q out of range", mode)
	}
	s, err := m.GetSession(ctx, p, sessionID)
	if err != nil {
		return err
	}

	err = m.store.Write(func() error {
		_, err := m.store.Chat.ExecContext(ctx,
			"UPDATE chat_sessions SET selected_mode = ?, selected_model_id = ?, updated_at = ? WHERE id = ?",
			mode, nullable(modelID), identity.Timestamp(time.Now()), sessionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("update model prefs: %w", err)
	}

	m.track(ctx, "chat_sessions", "update", sessionID,
		map[string]any{"selected_mode": mode, "selected_model_id": nullable(modelID)}, s.TeamID)
	return nil
}

// SetArchived archives or unarchives a session.
func (m *Memory) SetArchived(ctx context.Context, p types.Principal, sessionID string, archived bool) error {
	if _, err := m.GetSession(ctx, p, sessionID); err != nil {
		return err
	}
	return m.store.Write(func() error {
		_, err := m.store.Chat.ExecContext(ctx,
			"UPDATE chat_sessions SET archived = ?, updated_at = ? WHERE id = ?",
			boolInt(archived), identity.Timestamp(time.Now()), sessionID)
		return err
	})
}

// querySessions runs a session query and scans all rows.
func (m *Memory) querySessions(ctx context.Context, query string, args ...any) ([]*Session, error) {
	rows, err := m.store.Chat.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*Session, error) {
	var s Session
	var title, defaultModel, modelsUsed, teamID, summary, selectedMode, selectedModelID sql.NullString
	var archived, autoTitled int
	if err := r.Scan(&s.ID, &title, &defaultModel, &modelsUsed, &s.UserID, &teamID, &summary,
		&archived, &autoTitled, &selectedMode, &selectedModelID, &s.MessageCount,
		&s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Title = title.String
	s.DefaultModel = defaultModel.String
	s.ModelsUsed = splitModels(modelsUsed.String)
	s.TeamID = teamID.String
	s.Summary = summary.String
	s.Archived = archived != 0
	s.AutoTitled = autoTitled != 0
	s.SelectedMode = selectedMode.String
	s.SelectedModelID = selectedModelID.String
	return &s, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
