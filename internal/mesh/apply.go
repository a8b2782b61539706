package mesh

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/neutronlabs/neutron/internal/safesql"
	"github.com/neutronlabs/neutron/internal/store"
	"github.com/neutronlabs/neutron/internal/types"
)

// ChangeSink receives operations that were applied locally, for the change
// feed. Publishing must not block the apply path.
type ChangeSink interface {
	Publish(op *Operation)
}

// Applier applies remote operations with last-writer-wins conflict
// resolution over the version_tracking table.
type Applier struct {
	store      *store.Store
	selfID     string
	keys       KeyStore
	membership MembershipResolver
	sink       ChangeSink

	requireSignatures bool
}

// NewApplier creates an applier for the local peer selfID. keys,
// membership, and sink may each be nil; missing collaborators relax the
// corresponding check.
func NewApplier(s *store.Store, selfID string, keys KeyStore, membership MembershipResolver, sink ChangeSink) *Applier {
	return &Applier{store: s, selfID: selfID, keys: keys, membership: membership, sink: sink}
}

// RequireSignatures drops unsigned team operations even when no team key
// is available. Off by default: a machine without keys runs in dev mode.
func (a *Applier) RequireSignatures(on bool) {
	a.requireSignatures = on
}

// ApplyResult summarizes one inbound batch.
type ApplyResult struct {
	Applied   int
	Conflicts int
	Dropped   int
}

// Apply processes a batch of remote operations. Per-operation failures are
// logged and the batch continues; a malformed peer never wedges sync.
func (a *Applier) Apply(ctx context.Context, ops []*Operation) ApplyResult {
	var res ApplyResult
	for _, op := range ops {
		applied, conflict, err := a.applyOne(ctx, op)
		if err != nil {
			log.Printf("mesh: apply %s (%s %s/%s): %v", op.OpID, op.Operation, op.TableName, op.RowID, err)
			res.Dropped++
			continue
		}
		if conflict {
			res.Conflicts++
		}
		if applied {
			res.Applied++
			if a.sink != nil {
				a.sink.Publish(op)
			}
		} else {
			res.Dropped++
		}
	}
	return res
}

// applyOne validates and applies a single operation. Returns whether the
// row changed and whether a conflict was resolved.
func (a *Applier) applyOne(ctx context.Context, op *Operation) (applied, conflict bool, err error) {
	if !Syncable(op.TableName) {
		return false, false, fmt.Errorf("table %s: %w", op.TableName, types.ErrNotSyncable)
	}
	if err := safesql.ValidIdent(op.TableName); err != nil {
		return false, false, err
	}

	if a.requireSignatures && op.TeamID != "" && op.Signature == "" {
		log.Printf("mesh: drop %s: unsigned team operation", op.OpID)
		return false, false, nil
	}
	if !verifyOperation(op, a.keys) {
		log.Printf("mesh: drop %s: %v", op.OpID, types.ErrInvalidSignature)
		return false, false, nil
	}
	if op.TeamID != "" && a.membership != nil {
		if userID, ok := op.Data["user_id"].(string); ok && userID != "" {
			member, err := a.membership.IsMember(ctx, op.TeamID, userID)
			if err != nil {
				return false, false, fmt.Errorf("membership check: %w", err)
			}
			if !member {
				log.Printf("mesh: drop %s: %s is not a member of %s", op.OpID, userID, op.TeamID)
				return false, false, nil
			}
		}
	}

	db, err := a.store.DBForTable(op.TableName)
	if err != nil {
		return false, false, err
	}

	// Conflict iff another peer has already written this row.
	prev, err := a.latestTracked(ctx, op.TableName, op.RowID)
	if err != nil {
		return false, false, err
	}
	if prev != nil && prev.peerID != op.PeerID {
		conflict = true
		if !winsOver(op, prev, a.selfID) {
			return false, true, nil
		}
	}

	err = a.store.WriteTx(ctx, db, func(tx *sql.Tx) error {
		switch op.Operation {
		case "insert":
			return applyInsert(tx, op)
		case "update":
			return applyUpdate(tx, op)
		case "delete":
			_, err := tx.Exec("DELETE FROM "+safesql.Quote(op.TableName)+" WHERE id = ?", op.RowID)
			return err
		default:
			return fmt.Errorf("operation %q out of range", op.Operation)
		}
	})
	if err != nil {
		return false, conflict, err
	}

	err = a.store.Write(func() error {
		_, err := a.store.Sync.ExecContext(ctx,
			`INSERT INTO version_tracking (table_name, row_id, peer_id, version, timestamp)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(table_name, row_id, peer_id) DO UPDATE SET
			   version = excluded.version, timestamp = excluded.timestamp`,
			op.TableName, op.RowID, op.PeerID, op.Version, op.Timestamp)
		return err
	})
	if err != nil {
		return false, conflict, fmt.Errorf("track version: %w", err)
	}
	return true, conflict, nil
}

// tracked is the latest version_tracking entry for a row.
type tracked struct {
	peerID    string
	version   int64
	timestamp string
}

// latestTracked returns the newest tracking entry for (table, row), or nil.
func (a *Applier) latestTracked(ctx context.Context, table, rowID string) (*tracked, error) {
	var t tracked
	err := a.store.Sync.QueryRowContext(ctx,
		`SELECT peer_id, version, timestamp FROM version_tracking
		 WHERE table_name = ? AND row_id = ? ORDER BY timestamp DESC, peer_id DESC LIMIT 1`,
		table, rowID).Scan(&t.peerID, &t.version, &t.timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query version tracking: %w", err)
	}
	return &t, nil
}

// winsOver applies the LWW rule: the newer timestamp wins; on an exact tie
// the incoming op wins only when its peer id is lexicographically greater
// than the local peer's, so a tie against our own write keeps our write.
// Timestamps are RFC 3339 UTC, so string comparison is chronological.
func winsOver(op *Operation, prev *tracked, self string) bool {
	if op.Timestamp != prev.timestamp {
		return op.Timestamp > prev.timestamp
	}
	return op.PeerID > self
}

// applyInsert builds INSERT OR REPLACE from the operation data. Column
// names come from the peer, so each is validated and quoted; values are
// always bound.
func applyInsert(tx *sql.Tx, op *Operation) error {
	if len(op.Data) == 0 {
		return fmt.Errorf("insert without data")
	}
	cols := make([]string, 0, len(op.Data))
	for col := range op.Data {
		if err := safesql.ValidColumn(col); err != nil {
			return err
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		quoted[i] = safesql.Quote(col)
		placeholders[i] = "?"
		args[i] = bindable(op.Data[col])
	}

	stmt := "INSERT OR REPLACE INTO " + safesql.Quote(op.TableName) +
		" (" + strings.Join(quoted, ", ") + ") VALUES (" + strings.Join(placeholders, ", ") + ")"
	_, err := tx.Exec(stmt, args...)
	return err
}

// applyUpdate builds UPDATE ... SET from the operation data.
func applyUpdate(tx *sql.Tx, op *Operation) error {
	if len(op.Data) == 0 {
		return fmt.Errorf("update without data")
	}
	cols := make([]string, 0, len(op.Data))
	for col := range op.Data {
		if err := safesql.ValidColumn(col); err != nil {
			return err
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		sets[i] = safesql.Quote(col) + " = ?"
		args = append(args, bindable(op.Data[col]))
	}
	args = append(args, op.RowID)

	stmt := "UPDATE " + safesql.Quote(op.TableName) + " SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	_, err := tx.Exec(stmt, args...)
	return err
}

// bindable coerces JSON-decoded values into driver-friendly types.
func bindable(v any) any {
	switch val := v.(type) {
	case map[string]any, []any:
		// Nested structures are stored as their JSON text.
		b, err := json.Marshal(val)
		if err != nil {
			return nil
		}
		return string(b)
	default:
		return v
	}
}
