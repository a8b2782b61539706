package mesh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/neutronlabs/neutron/internal/identity"
	"github.com/neutronlabs/neutron/internal/store"
	"github.com/neutronlabs/neutron/internal/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestTracker(t *testing.T, s *store.Store, peerID string, keys KeyStore) *Tracker {
	t.Helper()
	tr, err := NewTracker(s, peerID, keys)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	return tr
}

func TestTrackRejectsUnknownTable(t *testing.T) {
	s := newTestStore(t)
	tr := newTestTracker(t, s, "peer-a", nil)

	err := tr.Track(context.Background(), "users", "insert", "u1", nil, "")
	if !errors.Is(err, types.ErrNotSyncable) {
		t.Fatalf("expected ErrNotSyncable, got %v", err)
	}
	if err := tr.Track(context.Background(), "team_notes", "truncate", "n1", nil, ""); err == nil {
		t.Fatal("expected error for unknown operation")
	}
}

func TestTrackAssignsSequentialVersions(t *testing.T) {
	s := newTestStore(t)
	tr := newTestTracker(t, s, "peer-a", nil)
	ctx := context.Background()

	for i, rowID := range []string{"n1", "n2", "n3"} {
		if err := tr.Track(ctx, "team_notes", "insert", rowID, map[string]any{"id": rowID}, ""); err != nil {
			t.Fatalf("track %d: %v", i, err)
		}
	}

	ops, err := tr.OpsSince(ctx, "", nil)
	if err != nil {
		t.Fatalf("ops since: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("expected 3 ops, got %d", len(ops))
	}
	for i, op := range ops {
		if op.Version != int64(i+1) {
			t.Errorf("op %d: version = %d, want %d", i, op.Version, i+1)
		}
		if op.PeerID != "peer-a" {
			t.Errorf("op %d: peer = %q", i, op.PeerID)
		}
		if op.OpID == "" || op.Timestamp == "" {
			t.Errorf("op %d: missing op_id or timestamp", i)
		}
	}
	if tr.PendingCount() != 3 {
		t.Fatalf("pending = %d, want 3", tr.PendingCount())
	}
}

func TestTrackerReplaysUnsyncedOps(t *testing.T) {
	s := newTestStore(t)
	tr := newTestTracker(t, s, "peer-a", nil)
	ctx := context.Background()

	if err := tr.Track(ctx, "team_notes", "insert", "n1", map[string]any{"id": "n1"}, ""); err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := tr.Track(ctx, "team_notes", "update", "n1", map[string]any{"title": "x"}, ""); err != nil {
		t.Fatalf("track: %v", err)
	}

	ops, err := tr.OpsSince(ctx, "", nil)
	if err != nil {
		t.Fatalf("ops since: %v", err)
	}
	if err := tr.MarkSynced(ctx, ops[:1]); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	if tr.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", tr.PendingCount())
	}

	// A fresh tracker over the same store resumes where the old one left off.
	tr2 := newTestTracker(t, s, "peer-a", nil)
	if tr2.PendingCount() != 1 {
		t.Fatalf("replayed pending = %d, want 1", tr2.PendingCount())
	}
	if err := tr2.Track(ctx, "team_notes", "delete", "n1", nil, ""); err != nil {
		t.Fatalf("track after replay: %v", err)
	}
	ops, err = tr2.OpsSince(ctx, "", nil)
	if err != nil {
		t.Fatalf("ops since: %v", err)
	}
	if got := ops[len(ops)-1].Version; got != 3 {
		t.Fatalf("version after replay = %d, want 3", got)
	}
}

func TestOpsSinceFiltersTables(t *testing.T) {
	s := newTestStore(t)
	tr := newTestTracker(t, s, "peer-a", nil)
	ctx := context.Background()

	if err := tr.Track(ctx, "team_notes", "insert", "n1", map[string]any{"id": "n1"}, ""); err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := tr.Track(ctx, "workflows", "insert", "wf1", map[string]any{"id": "wf1"}, ""); err != nil {
		t.Fatalf("track: %v", err)
	}

	ops, err := tr.OpsSince(ctx, "", []string{"workflows"})
	if err != nil {
		t.Fatalf("ops since: %v", err)
	}
	if len(ops) != 1 || ops[0].TableName != "workflows" {
		t.Fatalf("expected only workflows op, got %+v", ops)
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	keys := StaticKeys{"team_1": []byte("secret")}
	op := &Operation{
		OpID:      identity.NewOpID(),
		TableName: "team_notes",
		Operation: "insert",
		RowID:     "n1",
		Data:      map[string]any{"id": "n1", "title": "hello"},
		Timestamp: identity.Timestamp(time.Now()),
		PeerID:    "peer-a",
		Version:   1,
		TeamID:    "team_1",
	}

	sig, err := signOperation(op, keys)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if sig == "" {
		t.Fatal("expected non-empty signature for team op")
	}
	op.Signature = sig
	if !verifyOperation(op, keys) {
		t.Fatal("valid signature rejected")
	}

	tampered := *op
	tampered.Data = map[string]any{"id": "n1", "title": "evil"}
	if verifyOperation(&tampered, keys) {
		t.Fatal("tampered operation verified")
	}
}

func TestSignatureDevMode(t *testing.T) {
	op := &Operation{TeamID: "team_1", Signature: "garbage"}

	// No key store at all.
	if !verifyOperation(op, nil) {
		t.Fatal("expected dev-mode verify with nil key store")
	}
	// Key store without this team's key.
	if !verifyOperation(op, StaticKeys{}) {
		t.Fatal("expected dev-mode verify with missing key")
	}

	sig, err := signOperation(&Operation{TeamID: "team_1"}, StaticKeys{})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if sig != "" {
		t.Fatalf("expected empty signature without key, got %q", sig)
	}
}
