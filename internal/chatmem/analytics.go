package chatmem

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/neutronlabs/neutron/internal/types"
)

// UsageStats is the per-tenant activity rollup.
type UsageStats struct {
	Sessions      int
	Messages      int
	Tokens        int64
	ModelMessages map[string]int
}

// UsageStats aggregates the principal's visible activity: session and
// message counts, summed tokens, and a per-model message histogram.
func (m *Memory) UsageStats(ctx context.Context, p types.Principal) (*UsageStats, error) {
	var sessWhere, msgWhere string
	var args []any
	if p.HasTeam() {
		sessWhere = "team_id = ?"
		msgWhere = "team_id = ?"
		args = append(args, p.TeamID)
	} else {
		sessWhere = "user_id = ? AND team_id IS NULL"
		msgWhere = "user_id = ? AND team_id IS NULL"
		args = append(args, p.UserID)
	}

	stats := &UsageStats{ModelMessages: make(map[string]int)}

	err := m.store.Chat.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chat_sessions WHERE "+sessWhere, args...,
	).Scan(&stats.Sessions)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}

	var tokens sql.NullInt64
	err = m.store.Chat.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(tokens), 0) FROM chat_messages WHERE "+msgWhere, args...,
	).Scan(&stats.Messages, &tokens)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	stats.Tokens = tokens.Int64

	rows, err := m.store.Chat.QueryContext(ctx,
		"SELECT model, COUNT(*) FROM chat_messages WHERE "+msgWhere+
			" AND model IS NOT NULL AND model != '' GROUP BY model", args...)
	if err != nil {
		return nil, fmt.Errorf("model histogram: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var model string
		var n int
		if err := rows.Scan(&model, &n); err != nil {
			return nil, fmt.Errorf("scan histogram row: %w", err)
		}
		stats.ModelMessages[model] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate histogram: %w", err)
	}
	return stats, nil
}
