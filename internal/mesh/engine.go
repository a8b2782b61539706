package mesh

import (
	"context"
	"fmt"
	"log"

	"github.com/neutronlabs/neutron/internal/types"
)

// Engine coordinates full sync rounds: it drains the local delta to a
// peer, applies what the peer sends back, and keeps the per-peer state
// machine honest.
type Engine struct {
	tracker  *Tracker
	applier  *Applier
	client   *ExchangeClient
	registry *PeerRegistry
	state    *SyncState
}

// NewEngine creates the sync engine.
func NewEngine(tracker *Tracker, applier *Applier, client *ExchangeClient, registry *PeerRegistry, state *SyncState) *Engine {
	return &Engine{
		tracker:  tracker,
		applier:  applier,
		client:   client,
		registry: registry,
		state:    state,
	}
}

// SyncSummary reports one completed round.
type SyncSummary struct {
	PeerID    string
	Sent      int
	Received  int
	Conflicts int
}

// SyncWithPeer runs one full round with a known peer, optionally filtered
// to tables. A peer already mid-sync is skipped (nil summary, nil error).
func (e *Engine) SyncWithPeer(ctx context.Context, peerID string, tables []string) (*SyncSummary, error) {
	peer := e.registry.GetPeer(peerID)
	if peer == nil {
		return nil, fmt.Errorf("peer %s: %w", peerID, types.ErrNotFound)
	}

	started, err := e.state.Begin(ctx, peerID)
	if err != nil {
		return nil, err
	}
	if !started {
		return nil, nil
	}

	prev, err := e.state.Get(ctx, peerID)
	if err != nil {
		_ = e.state.Fail(ctx, peerID)
		return nil, err
	}

	ops, err := e.tracker.OpsSince(ctx, prev.LastSync, tables)
	if err != nil {
		_ = e.state.Fail(ctx, peerID)
		return nil, err
	}

	resp, err := e.client.Exchange(ctx, peer, &ExchangeRequest{
		PeerID:     e.tracker.PeerID(),
		Since:      prev.LastSync,
		Operations: ops,
	})
	if err != nil {
		_ = e.state.Fail(ctx, peerID)
		return nil, err
	}

	if err := e.tracker.MarkSynced(ctx, ops); err != nil {
		_ = e.state.Fail(ctx, peerID)
		return nil, err
	}

	res := e.applier.Apply(ctx, resp.Operations)

	if err := e.state.Finish(ctx, peerID, len(ops), res.Applied, res.Conflicts); err != nil {
		return nil, err
	}
	if err := e.registry.TouchPeer(peerID); err != nil {
		log.Printf("mesh: touch peer %s: %v", peerID, err)
	}

	return &SyncSummary{
		PeerID:    peerID,
		Sent:      len(ops),
		Received:  res.Applied,
		Conflicts: res.Conflicts,
	}, nil
}

// SyncAll runs a round with every registered peer. Unreachable peers are
// logged and skipped; the mesh tolerates absent laptops.
func (e *Engine) SyncAll(ctx context.Context) {
	for _, peer := range e.registry.ListPeers() {
		summary, err := e.SyncWithPeer(ctx, peer.PeerID, nil)
		if err != nil {
			log.Printf("mesh: sync with %s: %v", peer.PeerID, err)
			continue
		}
		if summary != nil {
			log.Printf("mesh: synced with %s: sent=%d received=%d conflicts=%d",
				summary.PeerID, summary.Sent, summary.Received, summary.Conflicts)
		}
	}
}
