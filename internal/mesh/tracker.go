package mesh

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/neutronlabs/neutron/internal/identity"
	"github.com/neutronlabs/neutron/internal/store"
	"github.com/neutronlabs/neutron/internal/types"
)

// Tracker is the local side of the operation log. Engines call Track on
// every mutation of a syncable table; the tracker assigns the next local
// version, signs team operations, persists the op with synced=0, and keeps
// the in-memory pending queue.
type Tracker struct {
	store  *store.Store
	peerID string
	keys   KeyStore

	mu           sync.Mutex
	localVersion int64
	pending      []*Operation
}

// NewTracker creates a tracker and replays unsynced local operations from
// a previous run: the pending queue is reloaded ordered by version and the
// version counter resumes past everything already persisted.
func NewTracker(s *store.Store, peerID string, keys KeyStore) (*Tracker, error) {
	t := &Tracker{store: s, peerID: peerID, keys: keys}

	var maxVersion sql.NullInt64
	err := s.Sync.QueryRow(
		"SELECT MAX(version) FROM sync_operations WHERE peer_id = ?", peerID,
	).Scan(&maxVersion)
	if err != nil {
		return nil, fmt.Errorf("load version counter: %w", err)
	}
	t.localVersion = maxVersion.Int64

	rows, err := s.Sync.Query(
		`SELECT op_id, table_name, operation, row_id, data, timestamp, peer_id, version, team_id, signature
		 FROM sync_operations WHERE peer_id = ? AND synced = 0 ORDER BY version`, peerID)
	if err != nil {
		return nil, fmt.Errorf("replay pending operations: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending operation: %w", err)
		}
		t.pending = append(t.pending, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending operations: %w", err)
	}
	return t, nil
}

// PeerID returns the local peer id.
func (t *Tracker) PeerID() string {
	return t.peerID
}

// Track records one local mutation for replication. Tables outside the
// allowlist are rejected with ErrNotSyncable.
func (t *Tracker) Track(ctx context.Context, table, operation, rowID string, data map[string]any, teamID string) error {
	if !Syncable(table) {
		return fmt.Errorf("track %s: %w", table, types.ErrNotSyncable)
	}
	switch operation {
	case "insert", "update", "delete":
	default:
		return fmt.Errorf("operation %q out of range", operation)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.localVersion++
	op := &Operation{
		OpID:      identity.NewOpID(),
		TableName: table,
		Operation: operation,
		RowID:     rowID,
		Data:      data,
		Timestamp: identity.Timestamp(time.Now()),
		PeerID:    t.peerID,
		Version:   t.localVersion,
		TeamID:    teamID,
	}
	sig, err := signOperation(op, t.keys)
	if err != nil {
		t.localVersion--
		return fmt.Errorf("sign operation: %w", err)
	}
	op.Signature = sig

	var dataJSON any
	if op.Data != nil {
		b, err := json.Marshal(op.Data)
		if err != nil {
			t.localVersion--
			return fmt.Errorf("marshal data: %w", err)
		}
		dataJSON = string(b)
	}

	// One transaction: the op log entry and the version_tracking upsert.
	// Local writes must be visible to conflict detection, or inbound ops
	// for rows this peer wrote would apply unconditionally.
	err = t.store.WriteTx(ctx, t.store.Sync, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO sync_operations (op_id, table_name, operation, row_id, data, timestamp, peer_id, version, team_id, signature, synced)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			op.OpID, op.TableName, op.Operation, op.RowID, dataJSON,
			op.Timestamp, op.PeerID, op.Version, nullableStr(op.TeamID), op.Signature,
		); err != nil {
			return err
		}
		_, err := tx.Exec(
			`INSERT INTO version_tracking (table_name, row_id, peer_id, version, timestamp)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(table_name, row_id, peer_id) DO UPDATE SET
			   version = excluded.version, timestamp = excluded.timestamp`,
			op.TableName, op.RowID, op.PeerID, op.Version, op.Timestamp)
		return err
	})
	if err != nil {
		t.localVersion--
		return fmt.Errorf("persist operation: %w", err)
	}

	t.pending = append(t.pending, op)
	return nil
}

// PendingCount returns the size of the pending queue.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// OpsSince returns the local operations newer than since (an RFC 3339
// timestamp; empty means everything), optionally filtered to tables,
// ordered by version.
func (t *Tracker) OpsSince(ctx context.Context, since string, tables []string) ([]*Operation, error) {
	query := `SELECT op_id, table_name, operation, row_id, data, timestamp, peer_id, version, team_id, signature
	          FROM sync_operations WHERE peer_id = ?`
	args := []any{t.peerID}
	if since != "" {
		query += " AND timestamp > ?"
		args = append(args, since)
	}
	if len(tables) > 0 {
		query += " AND table_name IN (?" + repeatParam(len(tables)-1) + ")"
		for _, tbl := range tables {
			args = append(args, tbl)
		}
	}
	query += " ORDER BY version"

	rows, err := t.store.Sync.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// MarkSynced flags operations as delivered and drops them from the pending
// queue.
func (t *Tracker) MarkSynced(ctx context.Context, ops []*Operation) error {
	if len(ops) == 0 {
		return nil
	}
	sent := make(map[string]bool, len(ops))
	for _, op := range ops {
		sent[op.OpID] = true
	}

	err := t.store.Write(func() error {
		for _, op := range ops {
			if _, err := t.store.Sync.ExecContext(ctx,
				"UPDATE sync_operations SET synced = 1 WHERE op_id = ?", op.OpID,
			); err != nil {
				return fmt.Errorf("mark %s synced: %w", op.OpID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.pending[:0]
	for _, op := range t.pending {
		if !sent[op.OpID] {
			kept = append(kept, op)
		}
	}
	t.pending = kept
	return nil
}

func scanOperation(rows *sql.Rows) (*Operation, error) {
	var op Operation
	var data, teamID sql.NullString
	if err := rows.Scan(&op.OpID, &op.TableName, &op.Operation, &op.RowID, &data,
		&op.Timestamp, &op.PeerID, &op.Version, &teamID, &op.Signature); err != nil {
		return nil, err
	}
	op.TeamID = teamID.String
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &op.Data); err != nil {
			return nil, fmt.Errorf("decode data for %s: %w", op.OpID, err)
		}
	}
	return &op, nil
}

// repeatParam renders n additional ", ?" placeholders.
func repeatParam(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
