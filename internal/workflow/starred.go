package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/neutronlabs/neutron/internal/identity"
	"github.com/neutronlabs/neutron/internal/types"
)

// StarWorkflow stars a workflow for the principal. Starring twice is a
// no-op.
func (s *Store) StarWorkflow(ctx context.Context, p types.Principal, workflowID string) error {
	if _, err := s.GetWorkflow(ctx, p, workflowID); err != nil {
		return err
	}
	return s.store.Write(func() error {
		_, err := s.store.Workflows.ExecContext(ctx,
			"INSERT OR IGNORE INTO starred_workflows (user_id, workflow_id, starred_at) VALUES (?, ?, ?)",
			p.UserID, workflowID, identity.Timestamp(time.Now()))
		return err
	})
}

// UnstarWorkflow removes a star.
func (s *Store) UnstarWorkflow(ctx context.Context, p types.Principal, workflowID string) error {
	return s.store.Write(func() error {
		_, err := s.store.Workflows.ExecContext(ctx,
			"DELETE FROM starred_workflows WHERE user_id = ? AND workflow_id = ?",
			p.UserID, workflowID)
		return err
	})
}

// ListStarred returns the principal's starred workflows that are still
// visible to them.
func (s *Store) ListStarred(ctx context.Context, p types.Principal) ([]*Workflow, error) {
	rows, err := s.store.Workflows.QueryContext(ctx,
		`SELECT w.id, w.name, w.description, w.stages, w.triggers, w.workflow_type, w.visibility,
			w.owner_team_id, w.created_by, w.is_template, w.enabled, w.version, w.created_at, w.updated_at
		 FROM starred_workflows s JOIN workflows w ON w.id = s.workflow_id
		 WHERE s.user_id = ? ORDER BY s.starred_at DESC`, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("query starred: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var starred []*Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		if workflowVisible(w, p) {
			starred = append(starred, w)
		}
	}
	return starred, rows.Err()
}
