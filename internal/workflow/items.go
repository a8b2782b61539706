package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neutronlabs/neutron/internal/identity"
	"github.com/neutronlabs/neutron/internal/types"
)

// Work item statuses and priorities.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusBlocked   = "blocked"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"

	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

func validStatus(s string) bool {
	switch s {
	case StatusPending, StatusActive, StatusBlocked, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// WorkItem is one unit of work moving through a workflow's stages.
type WorkItem struct {
	ID             string
	WorkflowID     string
	CurrentStageID string
	Status         string
	Priority       string
	AssignedTo     string
	Data           map[string]any
	SLADueAt       string
	IsOverdue      bool
	UserID         string
	TeamID         string
	CreatedAt      string
	UpdatedAt      string

	// Hydrated on request.
	History     []*StageTransition
	Attachments []*Attachment
}

// StageTransition is one append-only history row.
type StageTransition struct {
	ID              int64
	WorkItemID      string
	FromStageID     string
	ToStageID       string
	ActorID         string
	Note            string
	TransitionedAt  string
	DurationSeconds int64 // -1 when unknown (first transition)
}

// Attachment is file metadata attached to a work item.
type Attachment struct {
	ID          string
	WorkItemID  string
	Filename    string
	ContentType string
	SizeBytes   int64
	AddedBy     string
	AddedAt     string
}

const itemColumns = `id, workflow_id, current_stage_id, status, priority, assigned_to, data,
	sla_due_at, is_overdue, user_id, team_id, created_at, updated_at`

// CreateWorkItem starts a work item at the workflow's first stage.
func (s *Store) CreateWorkItem(ctx context.Context, p types.Principal, workflowID string, data map[string]any) (*WorkItem, error) {
	w, err := s.GetWorkflow(ctx, p, workflowID)
	if err != nil {
		return nil, err
	}
	if len(w.Stages) == 0 {
		return nil, fmt.Errorf("workflow %s has no stages", workflowID)
	}

	item := &WorkItem{
		ID:             identity.NewWorkItemID(),
		WorkflowID:     workflowID,
		CurrentStageID: w.Stages[0].ID,
		Status:         StatusPending,
		Priority:       PriorityNormal,
		Data:           data,
		UserID:         p.UserID,
		TeamID:         w.OwnerTeamID,
	}
	return item, s.SaveWorkItem(ctx, p, item, &StageTransition{
		ToStageID:       w.Stages[0].ID,
		ActorID:         p.UserID,
		DurationSeconds: -1,
	}, nil)
}

// SaveWorkItem writes a work item composite in one transaction: the row is
// upserted, the transition (when given) is appended to the history, and
// attachments are upserted. History rows are never updated or deleted.
func (s *Store) SaveWorkItem(ctx context.Context, p types.Principal, item *WorkItem, transition *StageTransition, attachments []*Attachment) error {
	if item.ID == "" {
		return fmt.Errorf("work item id required")
	}
	now := identity.Timestamp(time.Now())
	if item.CreatedAt == "" {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.Status == "" {
		item.Status = StatusPending
	}
	if !validStatus(item.Status) {
		return fmt.Errorf("status %q out of range", item.Status)
	}
	if item.Priority == "" {
		item.Priority = PriorityNormal
	}

	dataJSON := "{}"
	if item.Data != nil {
		b, err := json.Marshal(item.Data)
		if err != nil {
			return fmt.Errorf("marshal data: %w", err)
		}
		dataJSON = string(b)
	}

	err := s.store.WriteTx(ctx, s.store.Workflows, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO work_items (id, workflow_id, current_stage_id, status, priority, assigned_to,
				data, sla_due_at, is_overdue, user_id, team_id, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   current_stage_id = excluded.current_stage_id,
			   status = excluded.status,
			   priority = excluded.priority,
			   assigned_to = excluded.assigned_to,
			   data = excluded.data,
			   sla_due_at = excluded.sla_due_at,
			   is_overdue = excluded.is_overdue,
			   updated_at = excluded.updated_at`,
			item.ID, item.WorkflowID, item.CurrentStageID, item.Status, item.Priority,
			nullable(item.AssignedTo), dataJSON, nullable(item.SLADueAt), boolInt(item.IsOverdue),
			item.UserID, nullable(item.TeamID), item.CreatedAt, item.UpdatedAt,
		); err != nil {
			return fmt.Errorf("upsert item: %w", err)
		}

		if transition != nil {
			transition.WorkItemID = item.ID
			if transition.TransitionedAt == "" {
				transition.TransitionedAt = now
			}
			var duration any
			if transition.DurationSeconds >= 0 {
				duration = transition.DurationSeconds
			}
			res, err := tx.Exec(
				`INSERT INTO stage_transitions (work_item_id, from_stage_id, to_stage_id, actor_id, note, transitioned_at, duration_seconds)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				item.ID, nullable(transition.FromStageID), transition.ToStageID,
				nullable(transition.ActorID), nullable(transition.Note),
				transition.TransitionedAt, duration)
			if err != nil {
				return fmt.Errorf("append transition: %w", err)
			}
			transition.ID, _ = res.LastInsertId()
		}

		for _, a := range attachments {
			a.WorkItemID = item.ID
			if a.AddedAt == "" {
				a.AddedAt = now
			}
			if _, err := tx.Exec(
				`INSERT INTO attachments (id, work_item_id, filename, content_type, size_bytes, added_by, added_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(id) DO UPDATE SET
				   filename = excluded.filename,
				   content_type = excluded.content_type,
				   size_bytes = excluded.size_bytes`,
				a.ID, item.ID, a.Filename, nullable(a.ContentType), a.SizeBytes,
				nullable(a.AddedBy), a.AddedAt,
			); err != nil {
				return fmt.Errorf("upsert attachment %s: %w", a.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.track(ctx, "work_items", "insert", item.ID, map[string]any{
		"id": item.ID, "workflow_id": item.WorkflowID, "current_stage_id": item.CurrentStageID,
		"status": item.Status, "priority": item.Priority, "data": dataJSON,
		"user_id": item.UserID, "team_id": nullable(item.TeamID),
		"created_at": item.CreatedAt, "updated_at": item.UpdatedAt,
	}, item.TeamID)
	return nil
}

// HydrateOptions selects which related rows GetWorkItem loads.
type HydrateOptions struct {
	History     bool
	Attachments bool
}

// GetWorkItem loads a work item. Access follows the owning workflow's
// visibility.
func (s *Store) GetWorkItem(ctx context.Context, p types.Principal, id string, opts HydrateOptions) (*WorkItem, error) {
	row := s.store.Workflows.QueryRowContext(ctx,
		"SELECT "+itemColumns+" FROM work_items WHERE id = ?", id)
	item, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("work item %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}
	if _, err := s.GetWorkflow(ctx, p, item.WorkflowID); err != nil {
		return nil, fmt.Errorf("work item %s: %w", id, types.ErrNotFound)
	}

	if opts.History {
		if item.History, err = s.itemHistory(ctx, id); err != nil {
			return nil, err
		}
	}
	if opts.Attachments {
		if item.Attachments, err = s.itemAttachments(ctx, id); err != nil {
			return nil, err
		}
	}
	return item, nil
}

// ListWorkItems returns the items of one workflow, newest first.
func (s *Store) ListWorkItems(ctx context.Context, p types.Principal, workflowID, status string) ([]*WorkItem, error) {
	if _, err := s.GetWorkflow(ctx, p, workflowID); err != nil {
		return nil, err
	}
	query := "SELECT " + itemColumns + " FROM work_items WHERE workflow_id = ?"
	args := []any{workflowID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.store.Workflows.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// AdvanceStage moves a work item to a new stage and appends the transition.
// Duration is the wall-clock delta from the previous transition of the same
// item when one exists.
func (s *Store) AdvanceStage(ctx context.Context, p types.Principal, itemID, toStageID, note string) (*WorkItem, error) {
	item, err := s.GetWorkItem(ctx, p, itemID, HydrateOptions{})
	if err != nil {
		return nil, err
	}
	w, err := s.GetWorkflow(ctx, p, item.WorkflowID)
	if err != nil {
		return nil, err
	}
	if !stageExists(w.Stages, toStageID) {
		return nil, fmt.Errorf("stage %s not in workflow %s", toStageID, w.ID)
	}

	duration := int64(-1)
	var prevAt sql.NullString
	err = s.store.Workflows.QueryRowContext(ctx,
		`SELECT transitioned_at FROM stage_transitions WHERE work_item_id = ?
		 ORDER BY id DESC LIMIT 1`, itemID).Scan(&prevAt)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("query previous transition: %w", err)
	}
	now := time.Now()
	if prevAt.Valid {
		if prev, perr := time.Parse(time.RFC3339Nano, prevAt.String); perr == nil {
			duration = int64(now.Sub(prev).Seconds())
		}
	}

	fromStage := item.CurrentStageID
	item.CurrentStageID = toStageID
	if item.Status == StatusPending {
		item.Status = StatusActive
	}
	if isTerminalStage(w.Stages, toStageID) {
		item.Status = StatusCompleted
	}

	err = s.SaveWorkItem(ctx, p, item, &StageTransition{
		FromStageID:     fromStage,
		ToStageID:       toStageID,
		ActorID:         p.UserID,
		Note:            note,
		TransitionedAt:  identity.Timestamp(now),
		DurationSeconds: duration,
	}, nil)
	if err != nil {
		return nil, err
	}
	return item, nil
}

func stageExists(stages []Stage, id string) bool {
	for _, st := range stages {
		if st.ID == id {
			return true
		}
	}
	return false
}

func isTerminalStage(stages []Stage, id string) bool {
	return len(stages) > 0 && stages[len(stages)-1].ID == id
}

func (s *Store) itemHistory(ctx context.Context, itemID string) ([]*StageTransition, error) {
	rows, err := s.store.Workflows.QueryContext(ctx,
		`SELECT id, work_item_id, from_stage_id, to_stage_id, actor_id, note, transitioned_at, duration_seconds
		 FROM stage_transitions WHERE work_item_id = ? ORDER BY id`, itemID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var history []*StageTransition
	for rows.Next() {
		var t StageTransition
		var from, actor, note sql.NullString
		var duration sql.NullInt64
		if err := rows.Scan(&t.ID, &t.WorkItemID, &from, &t.ToStageID, &actor, &note,
			&t.TransitionedAt, &duration); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.FromStageID = from.String
		t.ActorID = actor.String
		t.Note = note.String
		if duration.Valid {
			t.DurationSeconds = duration.Int64
		} else {
			t.DurationSeconds = -1
		}
		history = append(history, &t)
	}
	return history, rows.Err()
}

func (s *Store) itemAttachments(ctx context.Context, itemID string) ([]*Attachment, error) {
	rows, err := s.store.Workflows.QueryContext(ctx,
		`SELECT id, work_item_id, filename, content_type, size_bytes, added_by, added_at
		 FROM attachments WHERE work_item_id = ? ORDER BY added_at`, itemID)
	if err != nil {
		return nil, fmt.Errorf("query attachments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var attachments []*Attachment
	for rows.Next() {
		var a Attachment
		var contentType, addedBy sql.NullString
		var size sql.NullInt64
		if err := rows.Scan(&a.ID, &a.WorkItemID, &a.Filename, &contentType, &size, &addedBy, &a.AddedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		a.ContentType = contentType.String
		a.SizeBytes = size.Int64
		a.AddedBy = addedBy.String
		attachments = append(attachments, &a)
	}
	return attachments, rows.Err()
}

func scanWorkItem(r rowScanner) (*WorkItem, error) {
	var item WorkItem
	var assignedTo, slaDueAt, teamID sql.NullString
	var dataJSON string
	var overdue int
	if err := r.Scan(&item.ID, &item.WorkflowID, &item.CurrentStageID, &item.Status,
		&item.Priority, &assignedTo, &dataJSON, &slaDueAt, &overdue,
		&item.UserID, &teamID, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, err
	}
	item.AssignedTo = assignedTo.String
	item.SLADueAt = slaDueAt.String
	item.IsOverdue = overdue != 0
	item.TeamID = teamID.String
	if err := json.Unmarshal([]byte(dataJSON), &item.Data); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	return &item, nil
}
