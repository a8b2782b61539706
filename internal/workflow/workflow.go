// Package workflow is the workflow and work-item store: stage-based
// workflow definitions with visibility scoping, trigger dispatch, work
// items with append-only transition history, queues with access rules, and
// starred workflows.
package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neutronlabs/neutron/internal/identity"
	"github.com/neutronlabs/neutron/internal/store"
	"github.com/neutronlabs/neutron/internal/types"
)

// Visibility values.
const (
	VisibilityPersonal = "personal"
	VisibilityTeam     = "team"
	VisibilityGlobal   = "global"
)

// Trigger types.
const (
	TriggerAgentEvent  = "agent_event"
	TriggerFilePattern = "file_pattern"
	TriggerManual      = "manual"
)

// OpTracker records local mutations of syncable tables for replication.
// The mesh engine implements it; a nil tracker disables replication.
type OpTracker interface {
	Track(ctx context.Context, table, operation, rowID string, data map[string]any, teamID string) error
}

// Store is the workflow engine.
type Store struct {
	store   *store.Store
	tracker OpTracker
}

// New creates a workflow store. tracker may be nil.
func New(s *store.Store, tracker OpTracker) *Store {
	return &Store{store: s, tracker: tracker}
}

// Stage is one step of a workflow.
type Stage struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	SLAMinutes int    `json:"sla_minutes,omitempty"`
}

// Trigger starts work items. Type selects which fields apply: agent_event
// uses EventType, file_pattern uses Pattern, manual uses neither.
type Trigger struct {
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
}

// Workflow is one workflow definition.
type Workflow struct {
	ID           string
	Name         string
	Description  string
	Stages       []Stage
	Triggers     []Trigger
	WorkflowType string // categorization label only
	Visibility   string // authoritative for access control; "" reads as personal
	OwnerTeamID  string
	CreatedBy    string
	IsTemplate   bool
	Enabled      bool
	Version      int
	CreatedAt    string
	UpdatedAt    string
}

const workflowColumns = `id, name, description, stages, triggers, workflow_type, visibility,
	owner_team_id, created_by, is_template, enabled, version, created_at, updated_at`

// CreateWorkflow stores a new workflow definition at version 1.
func (s *Store) CreateWorkflow(ctx context.Context, p types.Principal, w *Workflow) (*Workflow, error) {
	if w.Name == "" {
		return nil, fmt.Errorf("workflow name required")
	}
	if len(w.Stages) == 0 && !w.IsTemplate {
		return nil, fmt.Errorf("workflow needs at least one stage")
	}
	switch w.Visibility {
	case "", VisibilityPersonal, VisibilityTeam, VisibilityGlobal:
	default:
		return nil, fmt.Errorf("visibility %q out of range", w.Visibility)
	}
	if w.Visibility == VisibilityTeam && w.OwnerTeamID == "" {
		w.OwnerTeamID = p.TeamID
	}
	if w.WorkflowType == "" {
		w.WorkflowType = "local"
	}

	now := identity.Timestamp(time.Now())
	w.ID = identity.NewWorkflowID()
	w.CreatedBy = p.UserID
	w.Enabled = true
	w.Version = 1
	w.CreatedAt = now
	w.UpdatedAt = now

	stagesJSON, triggersJSON, err := marshalDefinition(w)
	if err != nil {
		return nil, err
	}

	err = s.store.Write(func() error {
		_, err := s.store.Workflows.ExecContext(ctx,
			`INSERT INTO workflows (id, name, description, stages, triggers, workflow_type, visibility,
				owner_team_id, created_by, is_template, enabled, version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 1, ?, ?)`,
			w.ID, w.Name, nullable(w.Description), stagesJSON, triggersJSON, w.WorkflowType,
			nullable(w.Visibility), nullable(w.OwnerTeamID), w.CreatedBy, boolInt(w.IsTemplate),
			w.CreatedAt, w.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert workflow: %w", err)
	}

	s.track(ctx, "workflows", "insert", w.ID, map[string]any{
		"id": w.ID, "name": w.Name, "stages": stagesJSON, "triggers": triggersJSON,
		"workflow_type": w.WorkflowType, "visibility": nullable(w.Visibility),
		"owner_team_id": nullable(w.OwnerTeamID), "created_by": w.CreatedBy,
		"created_at": w.CreatedAt, "updated_at": w.UpdatedAt,
	}, w.OwnerTeamID)
	return w, nil
}

// GetWorkflow returns a workflow visible to the principal. Hidden and
// missing both report ErrNotFound.
func (s *Store) GetWorkflow(ctx context.Context, p types.Principal, id string) (*Workflow, error) {
	w, err := s.getWorkflowRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	if !workflowVisible(w, p) {
		return nil, fmt.Errorf("workflow %s: %w", id, types.ErrNotFound)
	}
	return w, nil
}

func (s *Store) getWorkflowRaw(ctx context.Context, id string) (*Workflow, error) {
	row := s.store.Workflows.QueryRowContext(ctx,
		"SELECT "+workflowColumns+" FROM workflows WHERE id = ?", id)
	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("workflow %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query workflow: %w", err)
	}
	return w, nil
}

// workflowVisible applies the visibility rule. A NULL visibility column
// reads as personal.
func workflowVisible(w *Workflow, p types.Principal) bool {
	switch w.Visibility {
	case VisibilityGlobal:
		return true
	case VisibilityTeam:
		return p.TeamID != "" && p.TeamID == w.OwnerTeamID
	default: // personal, including legacy NULL
		return p.UserID == w.CreatedBy
	}
}

// ListWorkflows returns the workflows visible to the principal, newest
// first. Templates are included; callers filter on IsTemplate.
func (s *Store) ListWorkflows(ctx context.Context, p types.Principal) ([]*Workflow, error) {
	rows, err := s.store.Workflows.QueryContext(ctx,
		"SELECT "+workflowColumns+` FROM workflows
		 WHERE visibility = 'global'
		    OR (visibility = 'team' AND owner_team_id = ?)
		    OR ((visibility = 'personal' OR visibility IS NULL) AND created_by = ?)
		 ORDER BY updated_at DESC`,
		p.TeamID, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var workflows []*Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		workflows = append(workflows, w)
	}
	return workflows, rows.Err()
}

// UpdateWorkflow replaces the mutable definition fields and bumps version.
func (s *Store) UpdateWorkflow(ctx context.Context, p types.Principal, w *Workflow) (*Workflow, error) {
	cur, err := s.GetWorkflow(ctx, p, w.ID)
	if err != nil {
		return nil, err
	}
	if len(w.Stages) == 0 && !cur.IsTemplate {
		return nil, fmt.Errorf("workflow needs at least one stage")
	}

	stagesJSON, triggersJSON, err := marshalDefinition(w)
	if err != nil {
		return nil, err
	}
	now := identity.Timestamp(time.Now())

	err = s.store.Write(func() error {
		_, err := s.store.Workflows.ExecContext(ctx,
			`UPDATE workflows SET name = ?, description = ?, stages = ?, triggers = ?,
				version = version + 1, updated_at = ? WHERE id = ?`,
			w.Name, nullable(w.Description), stagesJSON, triggersJSON, now, w.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update workflow: %w", err)
	}

	s.track(ctx, "workflows", "update", w.ID, map[string]any{
		"name": w.Name, "stages": stagesJSON, "triggers": triggersJSON, "updated_at": now,
	}, cur.OwnerTeamID)
	return s.GetWorkflow(ctx, p, w.ID)
}

// SetEnabled toggles trigger dispatch for a workflow.
func (s *Store) SetEnabled(ctx context.Context, p types.Principal, id string, enabled bool) error {
	cur, err := s.GetWorkflow(ctx, p, id)
	if err != nil {
		return err
	}
	now := identity.Timestamp(time.Now())
	err = s.store.Write(func() error {
		_, err := s.store.Workflows.ExecContext(ctx,
			"UPDATE workflows SET enabled = ?, updated_at = ? WHERE id = ?",
			boolInt(enabled), now, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	s.track(ctx, "workflows", "update", id,
		map[string]any{"enabled": boolInt(enabled), "updated_at": now}, cur.OwnerTeamID)
	return nil
}

// DeleteWorkflow removes a workflow definition. Work items are kept; they
// reference the workflow id historically.
func (s *Store) DeleteWorkflow(ctx context.Context, p types.Principal, id string) error {
	cur, err := s.GetWorkflow(ctx, p, id)
	if err != nil {
		return err
	}
	err = s.store.Write(func() error {
		_, err := s.store.Workflows.ExecContext(ctx, "DELETE FROM workflows WHERE id = ?", id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	s.track(ctx, "workflows", "delete", id, nil, cur.OwnerTeamID)
	return nil
}

func marshalDefinition(w *Workflow) (stagesJSON, triggersJSON string, err error) {
	stages, err := json.Marshal(w.Stages)
	if err != nil {
		return "", "", fmt.Errorf("marshal stages: %w", err)
	}
	triggers := w.Triggers
	if triggers == nil {
		triggers = []Trigger{}
	}
	trig, err := json.Marshal(triggers)
	if err != nil {
		return "", "", fmt.Errorf("marshal triggers: %w", err)
	}
	if w.Stages == nil {
		stages = []byte("[]")
	}
	return string(stages), string(trig), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(r rowScanner) (*Workflow, error) {
	var w Workflow
	var desc, visibility, ownerTeam sql.NullString
	var stagesJSON, triggersJSON string
	var isTemplate, enabled int
	if err := r.Scan(&w.ID, &w.Name, &desc, &stagesJSON, &triggersJSON, &w.WorkflowType,
		&visibility, &ownerTeam, &w.CreatedBy, &isTemplate, &enabled, &w.Version,
		&w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.Description = desc.String
	w.Visibility = visibility.String
	w.OwnerTeamID = ownerTeam.String
	w.IsTemplate = isTemplate != 0
	w.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(stagesJSON), &w.Stages); err != nil {
		return nil, fmt.Errorf("decode stages: %w", err)
	}
	if err := json.Unmarshal([]byte(triggersJSON), &w.Triggers); err != nil {
		return nil, fmt.Errorf("decode triggers: %w", err)
	}
	return &w, nil
}

// track records a replication operation when a tracker is wired.
func (s *Store) track(ctx context.Context, table, op, rowID string, data map[string]any, teamID string) {
	if s.tracker == nil {
		return
	}
	_ = s.tracker.Track(ctx, table, op, rowID, data, teamID)
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
