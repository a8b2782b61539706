package workflow

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/neutronlabs/neutron/internal/identity"
	"github.com/neutronlabs/neutron/internal/types"
)

// PatternMatcher decides whether a file path matches a trigger pattern.
// The default is substring matching; callers may plug in glob or regexp
// matchers.
type PatternMatcher func(pattern, path string) bool

// SubstringMatcher is the default file-pattern matcher.
func SubstringMatcher(pattern, path string) bool {
	return pattern != "" && strings.Contains(path, pattern)
}

// Dispatcher fans events out to workflow triggers. Dispatch never returns
// an error: a trigger that fails to start a work item is logged and the
// rest of the batch continues.
type Dispatcher struct {
	store   *Store
	matcher PatternMatcher
}

// NewDispatcher creates a dispatcher. matcher may be nil; substring
// matching is used then.
func NewDispatcher(s *Store, matcher PatternMatcher) *Dispatcher {
	if matcher == nil {
		matcher = SubstringMatcher
	}
	return &Dispatcher{store: s, matcher: matcher}
}

// DispatchAgentEvent starts a work item on every enabled non-template
// workflow carrying an agent_event trigger whose event type matches.
func (d *Dispatcher) DispatchAgentEvent(ctx context.Context, eventType string, payload map[string]any) int {
	return d.dispatch(ctx, "agent_event:"+eventType, func(t Trigger) bool {
		return t.Type == TriggerAgentEvent && t.EventType == eventType
	}, func() map[string]any {
		data := map[string]any{"triggered_by": TriggerAgentEvent, "event_type": eventType}
		for k, v := range payload {
			data[k] = v
		}
		return data
	})
}

// DispatchFileEvent starts a work item on every enabled non-template
// workflow carrying a file_pattern trigger matching the path.
func (d *Dispatcher) DispatchFileEvent(ctx context.Context, path string) int {
	return d.dispatch(ctx, "file:"+path, func(t Trigger) bool {
		return t.Type == TriggerFilePattern && d.matcher(t.Pattern, path)
	}, func() map[string]any {
		return map[string]any{"triggered_by": TriggerFilePattern, "path": path}
	})
}

// DispatchManual starts a work item on one workflow if it carries a manual
// trigger. Unlike the event paths this is a direct user action, so errors
// propagate.
func (d *Dispatcher) DispatchManual(ctx context.Context, p types.Principal, workflowID string, data map[string]any) (*WorkItem, error) {
	w, err := d.store.GetWorkflow(ctx, p, workflowID)
	if err != nil {
		return nil, err
	}
	if w.IsTemplate {
		return nil, fmt.Errorf("workflow %s is a template", workflowID)
	}
	if !w.Enabled {
		return nil, fmt.Errorf("workflow %s is disabled", workflowID)
	}
	if !hasTrigger(w.Triggers, func(t Trigger) bool { return t.Type == TriggerManual }) {
		return nil, fmt.Errorf("workflow %s has no manual trigger", workflowID)
	}

	merged := map[string]any{"triggered_by": TriggerManual}
	for k, v := range data {
		merged[k] = v
	}
	return d.startItem(ctx, w, merged)
}

// dispatch scans every enabled, non-template workflow for matching
// triggers and starts items under a system principal.
func (d *Dispatcher) dispatch(ctx context.Context, source string, match func(Trigger) bool, buildData func() map[string]any) int {
	workflows, err := d.store.listTriggerable(ctx)
	if err != nil {
		log.Printf("workflow: load triggerable workflows for %s: %v", source, err)
		return 0
	}

	started := 0
	for _, w := range workflows {
		if !hasTrigger(w.Triggers, match) {
			continue
		}
		if _, err := d.startItem(ctx, w, buildData()); err != nil {
			log.Printf("workflow: trigger %s on %s: %v", source, w.ID, err)
			continue
		}
		started++
	}
	return started
}

// startItem creates the triggered work item at the first stage.
func (d *Dispatcher) startItem(ctx context.Context, w *Workflow, data map[string]any) (*WorkItem, error) {
	if len(w.Stages) == 0 {
		return nil, fmt.Errorf("workflow %s has no stages", w.ID)
	}
	item := &WorkItem{
		ID:             identity.NewWorkItemID(),
		WorkflowID:     w.ID,
		CurrentStageID: w.Stages[0].ID,
		Status:         StatusPending,
		Priority:       PriorityNormal,
		Data:           data,
		UserID:         w.CreatedBy,
		TeamID:         w.OwnerTeamID,
	}
	err := d.store.SaveWorkItem(ctx, types.Principal{UserID: w.CreatedBy, TeamID: w.OwnerTeamID}, item, &StageTransition{
		ToStageID:       w.Stages[0].ID,
		DurationSeconds: -1,
	}, nil)
	if err != nil {
		return nil, err
	}
	return item, nil
}

// listTriggerable loads every enabled non-template workflow regardless of
// visibility: trigger dispatch acts on behalf of each workflow's owner.
func (s *Store) listTriggerable(ctx context.Context) ([]*Workflow, error) {
	rows, err := s.store.Workflows.QueryContext(ctx,
		"SELECT "+workflowColumns+" FROM workflows WHERE enabled = 1 AND is_template = 0")
	if err != nil {
		return nil, fmt.Errorf("query triggerable: %w", err)
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

func hasTrigger(triggers []Trigger, match func(Trigger) bool) bool {
	for _, t := range triggers {
		if match(t) {
			return true
		}
	}
	return false
}
