package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/neutronlabs/neutron/internal/store"
	"github.com/neutronlabs/neutron/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s, nil)
}

var (
	alice = types.Principal{UserID: "alice", Role: types.RoleMember}
	bob   = types.Principal{UserID: "bob", Role: types.RoleMember}
	teamA = types.Principal{UserID: "alice", Role: types.RoleMember, TeamID: "team-a"}
	teamB = types.Principal{UserID: "carol", Role: types.RoleMember, TeamID: "team-b"}
)

func triageStages() []Stage {
	return []Stage{
		{ID: "intake", Name: "Intake"},
		{ID: "review", Name: "Review"},
		{ID: "done", Name: "Done"},
	}
}

func TestWorkflowVisibility(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	personal, err := s.CreateWorkflow(ctx, alice, &Workflow{
		Name: "mine", Visibility: VisibilityPersonal, Stages: triageStages(),
	})
	if err != nil {
		t.Fatalf("create personal: %v", err)
	}
	team, err := s.CreateWorkflow(ctx, teamA, &Workflow{
		Name: "ours", Visibility: VisibilityTeam, Stages: triageStages(),
	})
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	global, err := s.CreateWorkflow(ctx, alice, &Workflow{
		Name: "everyone", Visibility: VisibilityGlobal, Stages: triageStages(),
	})
	if err != nil {
		t.Fatalf("create global: %v", err)
	}

	if _, err := s.GetWorkflow(ctx, bob, personal.ID); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("foreign personal get = %v, want ErrNotFound", err)
	}
	if _, err := s.GetWorkflow(ctx, teamB, team.ID); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("foreign team get = %v, want ErrNotFound", err)
	}
	if _, err := s.GetWorkflow(ctx, types.Principal{UserID: "dave", TeamID: "team-a"}, team.ID); err != nil {
		t.Fatalf("teammate get: %v", err)
	}
	if _, err := s.GetWorkflow(ctx, bob, global.ID); err != nil {
		t.Fatalf("global get: %v", err)
	}

	visible, err := s.ListWorkflows(ctx, bob)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(visible) != 1 || visible[0].ID != global.ID {
		t.Fatalf("bob sees %d workflows, want only the global one", len(visible))
	}
}

func TestNullVisibilityReadsAsPersonal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w, err := s.CreateWorkflow(ctx, alice, &Workflow{Name: "legacy", Stages: triageStages()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.GetWorkflow(ctx, alice, w.ID); err != nil {
		t.Fatalf("creator get: %v", err)
	}
	if _, err := s.GetWorkflow(ctx, bob, w.ID); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("foreign get = %v, want ErrNotFound", err)
	}
}

func TestUpdateWorkflow_BumpsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w, _ := s.CreateWorkflow(ctx, alice, &Workflow{Name: "v", Stages: triageStages()})
	if w.Version != 1 {
		t.Fatalf("initial version = %d", w.Version)
	}
	w.Name = "v2"
	updated, err := s.UpdateWorkflow(ctx, alice, w)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 || updated.Name != "v2" {
		t.Fatalf("updated = %+v", updated)
	}
}

func TestDispatchAgentEvent_MatchesTypeAndSkipsTemplatesAndDisabled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := NewDispatcher(s, nil)

	triggers := []Trigger{{Type: TriggerAgentEvent, EventType: "build.finished"}}
	live, _ := s.CreateWorkflow(ctx, alice, &Workflow{
		Name: "live", Stages: triageStages(), Triggers: triggers,
	})
	tmpl, _ := s.CreateWorkflow(ctx, alice, &Workflow{
		Name: "template", Stages: triageStages(), Triggers: triggers, IsTemplate: true,
	})
	disabled, _ := s.CreateWorkflow(ctx, alice, &Workflow{
		Name: "off", Stages: triageStages(), Triggers: triggers,
	})
	if err := s.SetEnabled(ctx, alice, disabled.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := s.CreateWorkflow(ctx, alice, &Workflow{
		Name: "other", Stages: triageStages(),
		Triggers: []Trigger{{Type: TriggerAgentEvent, EventType: "deploy.finished"}},
	}); err != nil {
		t.Fatalf("create other: %v", err)
	}

	started := d.DispatchAgentEvent(ctx, "build.finished", map[string]any{"commit": "abc123"})
	if started != 1 {
		t.Fatalf("started %d items, want 1", started)
	}

	items, err := s.ListWorkItems(ctx, alice, live.ID, "")
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("live workflow has %d items, want 1", len(items))
	}
	item := items[0]
	if item.CurrentStageID != "intake" || item.Status != StatusPending || item.Priority != PriorityNormal {
		t.Fatalf("triggered item = %+v", item)
	}
	if item.Data["triggered_by"] != TriggerAgentEvent || item.Data["event_type"] != "build.finished" || item.Data["commit"] != "abc123" {
		t.Fatalf("item data = %v", item.Data)
	}

	for _, id := range []string{tmpl.ID, disabled.ID} {
		var n int
		if err := s.store.Workflows.QueryRow(
			"SELECT COUNT(*) FROM work_items WHERE workflow_id = ?", id).Scan(&n); err != nil {
			t.Fatalf("count: %v", err)
		}
		if n != 0 {
			t.Fatalf("workflow %s should not have triggered", id)
		}
	}
}

func TestDispatchFileEvent_SubstringMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := NewDispatcher(s, nil)

	w, _ := s.CreateWorkflow(ctx, alice, &Workflow{
		Name: "reports", Stages: triageStages(),
		Triggers: []Trigger{{Type: TriggerFilePattern, Pattern: "reports/"}},
	})

	if n := d.DispatchFileEvent(ctx, "/data/reports/q3.csv"); n != 1 {
		t.Fatalf("matching path started %d items", n)
	}
	if n := d.DispatchFileEvent(ctx, "/data/notes/todo.txt"); n != 0 {
		t.Fatalf("non-matching path started %d items", n)
	}

	items, _ := s.ListWorkItems(ctx, alice, w.ID, "")
	if len(items) != 1 || items[0].Data["path"] != "/data/reports/q3.csv" {
		t.Fatalf("items = %+v", items)
	}
}

func TestDispatchManual_RequiresManualTrigger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := NewDispatcher(s, nil)

	manual, _ := s.CreateWorkflow(ctx, alice, &Workflow{
		Name: "manual", Stages: triageStages(),
		Triggers: []Trigger{{Type: TriggerManual}},
	})
	auto, _ := s.CreateWorkflow(ctx, alice, &Workflow{
		Name: "auto", Stages: triageStages(),
		Triggers: []Trigger{{Type: TriggerAgentEvent, EventType: "x"}},
	})

	item, err := d.DispatchManual(ctx, alice, manual.ID, map[string]any{"note": "go"})
	if err != nil {
		t.Fatalf("manual dispatch: %v", err)
	}
	if item.Data["triggered_by"] != TriggerManual || item.Data["note"] != "go" {
		t.Fatalf("item data = %v", item.Data)
	}
	if _, err := d.DispatchManual(ctx, alice, auto.ID, nil); err == nil {
		t.Fatal("manual dispatch without manual trigger allowed")
	}
}

func TestAdvanceStage_HistoryAndDuration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w, _ := s.CreateWorkflow(ctx, alice, &Workflow{Name: "flow", Stages: triageStages()})
	item, err := s.CreateWorkItem(ctx, alice, w.ID, map[string]any{"ticket": "T-1"})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}

	item, err = s.AdvanceStage(ctx, alice, item.ID, "review", "looks ready")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if item.CurrentStageID != "review" || item.Status != StatusActive {
		t.Fatalf("after advance = %+v", item)
	}

	if _, err := s.AdvanceStage(ctx, alice, item.ID, "nonexistent", ""); err == nil {
		t.Fatal("advance to unknown stage allowed")
	}

	item, err = s.AdvanceStage(ctx, alice, item.ID, "done", "")
	if err != nil {
		t.Fatalf("advance to terminal: %v", err)
	}
	if item.Status != StatusCompleted {
		t.Fatalf("terminal status = %s, want completed", item.Status)
	}

	full, err := s.GetWorkItem(ctx, alice, item.ID, HydrateOptions{History: true})
	if err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if len(full.History) != 3 {
		t.Fatalf("history has %d rows, want 3", len(full.History))
	}
	first, second := full.History[0], full.History[1]
	if first.FromStageID != "" || first.ToStageID != "intake" || first.DurationSeconds != -1 {
		t.Fatalf("first transition = %+v", first)
	}
	if second.FromStageID != "intake" || second.ToStageID != "review" || second.Note != "looks ready" {
		t.Fatalf("second transition = %+v", second)
	}
	if second.DurationSeconds < 0 {
		t.Fatalf("second transition duration = %d, want >= 0", second.DurationSeconds)
	}
}

func TestWorkItemStatuses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w, _ := s.CreateWorkflow(ctx, alice, &Workflow{Name: "flow", Stages: triageStages()})
	item, err := s.CreateWorkItem(ctx, alice, w.ID, nil)
	if err != nil {
		t.Fatalf("create item: %v", err)
	}

	for _, status := range []string{StatusActive, StatusBlocked, StatusCancelled, StatusCompleted, StatusPending} {
		item.Status = status
		if err := s.SaveWorkItem(ctx, alice, item, nil, nil); err != nil {
			t.Fatalf("save with status %q: %v", status, err)
		}
	}

	item.Status = "in_progress"
	if err := s.SaveWorkItem(ctx, alice, item, nil, nil); err == nil {
		t.Fatal("out-of-range status accepted")
	}
}

func TestSaveWorkItem_AttachmentsHydrate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w, _ := s.CreateWorkflow(ctx, alice, &Workflow{Name: "flow", Stages: triageStages()})
	item, _ := s.CreateWorkItem(ctx, alice, w.ID, nil)

	err := s.SaveWorkItem(ctx, alice, item, nil, []*Attachment{
		{ID: "att_1", Filename: "log.txt", ContentType: "text/plain", SizeBytes: 42, AddedBy: "alice"},
	})
	if err != nil {
		t.Fatalf("save with attachment: %v", err)
	}

	full, err := s.GetWorkItem(ctx, alice, item.ID, HydrateOptions{Attachments: true})
	if err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if len(full.Attachments) != 1 || full.Attachments[0].Filename != "log.txt" {
		t.Fatalf("attachments = %+v", full.Attachments)
	}

	bare, _ := s.GetWorkItem(ctx, alice, item.ID, HydrateOptions{})
	if bare.Attachments != nil || bare.History != nil {
		t.Fatal("unhydrated item carries related rows")
	}
}

func TestQueueAccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	q, err := s.CreateQueue(ctx, alice, "inbound", "", "team-a")
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}

	if ok, reason := s.CheckQueueAccess(ctx, alice, q.ID, AccessAdmin); !ok {
		t.Fatalf("creator denied: %s", reason)
	}
	if ok, _ := s.CheckQueueAccess(ctx, bob, q.ID, AccessRead); ok {
		t.Fatal("stranger granted read")
	}

	if err := s.GrantQueueAccess(ctx, alice, QueuePermission{
		QueueID: q.ID, AccessType: AccessRead, GrantType: GrantUser, GrantValue: "bob",
	}); err != nil {
		t.Fatalf("grant user read: %v", err)
	}
	if err := s.GrantQueueAccess(ctx, alice, QueuePermission{
		QueueID: q.ID, AccessType: AccessWrite, GrantType: GrantTeam, GrantValue: "team-b",
	}); err != nil {
		t.Fatalf("grant team write: %v", err)
	}
	if err := s.GrantQueueAccess(ctx, alice, QueuePermission{
		QueueID: q.ID, AccessType: AccessExecute, GrantType: GrantRole, GrantValue: "admin",
	}); err != nil {
		t.Fatalf("grant role execute: %v", err)
	}

	if ok, _ := s.CheckQueueAccess(ctx, bob, q.ID, AccessRead); !ok {
		t.Fatal("user grant not honored")
	}
	if ok, _ := s.CheckQueueAccess(ctx, bob, q.ID, AccessWrite); ok {
		t.Fatal("user read grant leaked into write")
	}
	if ok, _ := s.CheckQueueAccess(ctx, teamB, q.ID, AccessWrite); !ok {
		t.Fatal("team grant not honored")
	}
	if ok, _ := s.CheckQueueAccess(ctx, types.Principal{UserID: "ops", Role: types.RoleAdmin}, q.ID, AccessExecute); !ok {
		t.Fatal("role grant not honored")
	}

	// Admin grant implies other access types.
	if err := s.GrantQueueAccess(ctx, alice, QueuePermission{
		QueueID: q.ID, AccessType: AccessAdmin, GrantType: GrantUser, GrantValue: "dana",
	}); err != nil {
		t.Fatalf("grant admin: %v", err)
	}
	dana := types.Principal{UserID: "dana", Role: types.RoleMember}
	if ok, _ := s.CheckQueueAccess(ctx, dana, q.ID, AccessWrite); !ok {
		t.Fatal("admin grant does not imply write")
	}

	// Revocation.
	if err := s.RevokeQueueAccess(ctx, alice, QueuePermission{
		QueueID: q.ID, AccessType: AccessRead, GrantType: GrantUser, GrantValue: "bob",
	}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if ok, _ := s.CheckQueueAccess(ctx, bob, q.ID, AccessRead); ok {
		t.Fatal("revoked grant still honored")
	}
}

func TestStarredWorkflows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w, _ := s.CreateWorkflow(ctx, alice, &Workflow{Name: "fav", Stages: triageStages()})
	if err := s.StarWorkflow(ctx, alice, w.ID); err != nil {
		t.Fatalf("star: %v", err)
	}
	if err := s.StarWorkflow(ctx, alice, w.ID); err != nil {
		t.Fatalf("re-star: %v", err)
	}

	starred, err := s.ListStarred(ctx, alice)
	if err != nil || len(starred) != 1 {
		t.Fatalf("starred = %v, %v", starred, err)
	}

	if err := s.UnstarWorkflow(ctx, alice, w.ID); err != nil {
		t.Fatalf("unstar: %v", err)
	}
	if starred, _ := s.ListStarred(ctx, alice); len(starred) != 0 {
		t.Fatalf("after unstar: %d", len(starred))
	}
}
