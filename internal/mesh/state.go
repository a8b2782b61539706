package mesh

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/neutronlabs/neutron/internal/identity"
	"github.com/neutronlabs/neutron/internal/store"
)

// Peer sync statuses.
const (
	StatusIdle    = "idle"
	StatusSyncing = "syncing"
	StatusError   = "error"
)

// SyncState is the per-peer sync bookkeeping over peer_sync_state: status,
// last successful sync, and lifetime counters. The syncing status doubles
// as the in-flight guard so a peer is never synced from two goroutines.
type SyncState struct {
	store *store.Store
}

// NewSyncState creates the state tracker.
func NewSyncState(s *store.Store) *SyncState {
	return &SyncState{store: s}
}

// PeerState is one peer's sync bookkeeping row.
type PeerState struct {
	PeerID             string
	LastSync           string
	OperationsSent     int64
	OperationsReceived int64
	ConflictsResolved  int64
	Status             string
}

// Get returns the peer's state. Unknown peers read as idle with no history.
func (st *SyncState) Get(ctx context.Context, peerID string) (*PeerState, error) {
	ps := &PeerState{PeerID: peerID, Status: StatusIdle}
	var lastSync sql.NullString
	err := st.store.Sync.QueryRowContext(ctx,
		`SELECT last_sync, operations_sent, operations_received, conflicts_resolved, status
		 FROM peer_sync_state WHERE peer_id = ?`, peerID,
	).Scan(&lastSync, &ps.OperationsSent, &ps.OperationsReceived, &ps.ConflictsResolved, &ps.Status)
	if err == sql.ErrNoRows {
		return ps, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query peer state: %w", err)
	}
	ps.LastSync = lastSync.String
	return ps, nil
}

// Begin transitions the peer to syncing. Returns false without error when
// the peer is already mid-sync.
func (st *SyncState) Begin(ctx context.Context, peerID string) (bool, error) {
	started := false
	err := st.store.Write(func() error {
		res, err := st.store.Sync.ExecContext(ctx,
			`UPDATE peer_sync_state SET status = ? WHERE peer_id = ? AND status != ?`,
			StatusSyncing, peerID, StatusSyncing)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			started = true
			return nil
		}
		// No row yet, or already syncing. Insert-if-absent decides which.
		res, err = st.store.Sync.ExecContext(ctx,
			`INSERT OR IGNORE INTO peer_sync_state (peer_id, status) VALUES (?, ?)`,
			peerID, StatusSyncing)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		if err != nil {
			return err
		}
		started = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("begin sync for %s: %w", peerID, err)
	}
	return started, nil
}

// Finish records a successful round: counters bumped, last_sync stamped,
// status back to idle.
func (st *SyncState) Finish(ctx context.Context, peerID string, sent, received, conflicts int) error {
	err := st.store.Write(func() error {
		_, err := st.store.Sync.ExecContext(ctx,
			`UPDATE peer_sync_state SET
			   status = ?,
			   last_sync = ?,
			   operations_sent = operations_sent + ?,
			   operations_received = operations_received + ?,
			   conflicts_resolved = conflicts_resolved + ?
			 WHERE peer_id = ?`,
			StatusIdle, identity.Timestamp(time.Now()), sent, received, conflicts, peerID)
		return err
	})
	if err != nil {
		return fmt.Errorf("finish sync for %s: %w", peerID, err)
	}
	return nil
}

// Fail marks the peer's round as failed.
func (st *SyncState) Fail(ctx context.Context, peerID string) error {
	err := st.store.Write(func() error {
		_, err := st.store.Sync.ExecContext(ctx,
			`UPDATE peer_sync_state SET status = ? WHERE peer_id = ?`, StatusError, peerID)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark sync error for %s: %w", peerID, err)
	}
	return nil
}

// RecordInbound counts operations a peer pushed to us outside of a round we
// initiated.
func (st *SyncState) RecordInbound(ctx context.Context, peerID string, res ApplyResult) error {
	err := st.store.Write(func() error {
		if _, err := st.store.Sync.ExecContext(ctx,
			`INSERT OR IGNORE INTO peer_sync_state (peer_id, status) VALUES (?, ?)`,
			peerID, StatusIdle); err != nil {
			return err
		}
		_, err := st.store.Sync.ExecContext(ctx,
			`UPDATE peer_sync_state SET
			   operations_received = operations_received + ?,
			   conflicts_resolved = conflicts_resolved + ?
			 WHERE peer_id = ?`,
			res.Applied, res.Conflicts, peerID)
		return err
	})
	if err != nil {
		return fmt.Errorf("record inbound for %s: %w", peerID, err)
	}
	return nil
}
