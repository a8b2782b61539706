package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/neutronlabs/neutron/internal/store"
	"github.com/neutronlabs/neutron/internal/types"
)

// testNode is one side of an exchange: its own store, tracker, applier,
// and state machine.
type testNode struct {
	store   *store.Store
	tracker *Tracker
	applier *Applier
	state   *SyncState
}

func newTestNode(t *testing.T, peerID string) *testNode {
	t.Helper()
	s := newTestStore(t)
	return &testNode{
		store:   s,
		tracker: newTestTracker(t, s, peerID, nil),
		applier: NewApplier(s, peerID, nil, nil, nil),
		state:   NewSyncState(s),
	}
}

// servePeer exposes the node's exchange endpoint and registers it as a peer
// in the returned registry.
func servePeer(t *testing.T, node *testNode) (*PeerRegistry, string) {
	t.Helper()

	srv := httptest.NewServer(NewExchangeHandler(node.tracker, node.applier, node.state))
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	registry, err := NewPeerRegistry(t.TempDir() + "/peers.json")
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	peerID := node.tracker.PeerID()
	if err := registry.AddPeer(&Peer{PeerID: peerID, Host: host, Port: port}); err != nil {
		t.Fatalf("add peer: %v", err)
	}
	return registry, peerID
}

func TestSyncWithPeerExchangesBothDeltas(t *testing.T) {
	ctx := context.Background()
	alice := newTestNode(t, "peer-alice")
	bob := newTestNode(t, "peer-bob")

	if err := alice.tracker.Track(ctx, "team_notes", "insert", "n1",
		map[string]any{"id": "n1", "title": "from alice"}, ""); err != nil {
		t.Fatalf("track on alice: %v", err)
	}
	if err := bob.tracker.Track(ctx, "team_notes", "insert", "n2",
		map[string]any{"id": "n2", "title": "from bob"}, ""); err != nil {
		t.Fatalf("track on bob: %v", err)
	}

	registry, bobID := servePeer(t, bob)
	engine := NewEngine(alice.tracker, alice.applier, NewExchangeClient(), registry, alice.state)

	summary, err := engine.SyncWithPeer(ctx, bobID, nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if summary == nil {
		t.Fatal("sync was skipped")
	}
	if summary.Sent != 1 || summary.Received != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	// Alice's op landed on bob, bob's op landed on alice.
	if title, ok := noteTitle(t, bob.store, "n1"); !ok || title != "from alice" {
		t.Fatalf("bob missing alice's note: title=%q ok=%v", title, ok)
	}
	if title, ok := noteTitle(t, alice.store, "n2"); !ok || title != "from bob" {
		t.Fatalf("alice missing bob's note: title=%q ok=%v", title, ok)
	}

	// Alice's delta is drained and her state machine is back to idle.
	if alice.tracker.PendingCount() != 0 {
		t.Fatalf("pending after sync = %d", alice.tracker.PendingCount())
	}
	ps, err := alice.state.Get(ctx, bobID)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if ps.Status != StatusIdle {
		t.Fatalf("status = %q, want idle", ps.Status)
	}
	if ps.LastSync == "" {
		t.Fatal("last_sync not stamped")
	}
	if ps.OperationsSent != 1 || ps.OperationsReceived != 1 {
		t.Fatalf("counters = sent %d received %d", ps.OperationsSent, ps.OperationsReceived)
	}
}

func TestSyncWithUnreachablePeer(t *testing.T) {
	ctx := context.Background()
	alice := newTestNode(t, "peer-alice")

	registry, err := NewPeerRegistry(t.TempDir() + "/peers.json")
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	// A listener we immediately close guarantees a dead port.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	if err := registry.AddPeer(&Peer{PeerID: "peer-gone", Host: "127.0.0.1", Port: port}); err != nil {
		t.Fatalf("add peer: %v", err)
	}

	engine := NewEngine(alice.tracker, alice.applier, NewExchangeClient(), registry, alice.state)
	_, err = engine.SyncWithPeer(ctx, "peer-gone", nil)
	if !errors.Is(err, types.ErrPeerUnreachable) {
		t.Fatalf("expected ErrPeerUnreachable, got %v", err)
	}

	ps, err := alice.state.Get(ctx, "peer-gone")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if ps.Status != StatusError {
		t.Fatalf("status = %q, want error", ps.Status)
	}
}

func TestSyncWithUnknownPeer(t *testing.T) {
	alice := newTestNode(t, "peer-alice")
	registry, err := NewPeerRegistry(t.TempDir() + "/peers.json")
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	engine := NewEngine(alice.tracker, alice.applier, NewExchangeClient(), registry, alice.state)

	_, err = engine.SyncWithPeer(context.Background(), "peer-nobody", nil)
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExchangeHandlerRefusesSelf(t *testing.T) {
	bob := newTestNode(t, "peer-bob")
	registry, bobID := servePeer(t, bob)

	peer := registry.GetPeer(bobID)
	client := NewExchangeClient()
	_, err := client.Exchange(context.Background(), peer, &ExchangeRequest{PeerID: bobID})
	if !errors.Is(err, types.ErrPeerUnreachable) {
		t.Fatalf("expected rejection as ErrPeerUnreachable, got %v", err)
	}
}

func TestSyncInFlightGuard(t *testing.T) {
	ctx := context.Background()
	alice := newTestNode(t, "peer-alice")
	bob := newTestNode(t, "peer-bob")
	registry, bobID := servePeer(t, bob)
	engine := NewEngine(alice.tracker, alice.applier, NewExchangeClient(), registry, alice.state)

	// Simulate a round already in flight.
	started, err := alice.state.Begin(ctx, bobID)
	if err != nil || !started {
		t.Fatalf("begin: started=%v err=%v", started, err)
	}

	summary, err := engine.SyncWithPeer(ctx, bobID, nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if summary != nil {
		t.Fatalf("expected skip while syncing, got %+v", summary)
	}

	// Once the round finishes, sync proceeds again.
	if err := alice.state.Finish(ctx, bobID, 0, 0, 0); err != nil {
		t.Fatalf("finish: %v", err)
	}
	summary, err = engine.SyncWithPeer(ctx, bobID, nil)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if summary == nil {
		t.Fatal("sync skipped after round finished")
	}
}

func TestExchangeRequestWireFormat(t *testing.T) {
	b, err := json.Marshal(&ExchangeRequest{PeerID: "peer-alice"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"sender_peer_id":"peer-alice"`) {
		t.Fatalf("request body = %s", b)
	}
}

func TestPeerRegistryPersistence(t *testing.T) {
	path := t.TempDir() + "/peers.json"
	registry, err := NewPeerRegistry(path)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := registry.AddPeer(&Peer{PeerID: "peer-x", Host: "10.0.0.2", Port: 7433}); err != nil {
		t.Fatalf("add peer: %v", err)
	}

	reloaded, err := NewPeerRegistry(path)
	if err != nil {
		t.Fatalf("reload registry: %v", err)
	}
	p := reloaded.GetPeer("peer-x")
	if p == nil || p.Host != "10.0.0.2" || p.Port != 7433 {
		t.Fatalf("reloaded peer = %+v", p)
	}
	if err := reloaded.RemovePeer("peer-x"); err != nil {
		t.Fatalf("remove peer: %v", err)
	}
	if reloaded.Len() != 0 {
		t.Fatalf("len after remove = %d", reloaded.Len())
	}
}
