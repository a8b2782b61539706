// Package mesh is the P2P offline sync engine: an append-only operation log
// over an allowlisted set of tables, HMAC-signed team operations,
// last-writer-wins conflict resolution, an HTTP exchange protocol between
// LAN peers, and a websocket change feed for local subscribers.
package mesh

import (
	"context"
)

// Operation is one replicated mutation, in wire format.
type Operation struct {
	OpID      string         `json:"op_id"`
	TableName string         `json:"table_name"`
	Operation string         `json:"operation"` // insert, update, delete
	RowID     string         `json:"row_id"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp string         `json:"timestamp"`
	PeerID    string         `json:"peer_id"`
	Version   int64          `json:"version"`
	TeamID    string         `json:"team_id,omitempty"`
	Signature string         `json:"signature,omitempty"`
}

// syncableTables is the frozen replication allowlist. Mutations to any
// other table are rejected before SQL construction.
var syncableTables = map[string]bool{
	"chat_sessions":  true,
	"chat_messages":  true,
	"chat_context":   true,
	"vault_files":    true,
	"vault_folders":  true,
	"vault_metadata": true,
	"workflows":      true,
	"work_items":     true,
	"team_notes":     true,
	"team_documents": true,
	"shared_queries": true,
	"query_history":  true,
}

// Syncable reports whether a table participates in replication.
func Syncable(table string) bool {
	return syncableTables[table]
}

// KeyStore resolves per-team signing keys. A nil KeyStore, or a missing
// key, puts signing into dev mode: operations carry an empty signature and
// every signature verifies.
type KeyStore interface {
	TeamKey(teamID string) ([]byte, bool)
}

// StaticKeys is a KeyStore over a fixed map.
type StaticKeys map[string][]byte

// TeamKey returns the key for a team.
func (k StaticKeys) TeamKey(teamID string) ([]byte, bool) {
	key, ok := k[teamID]
	return key, ok
}

// MembershipResolver checks team membership for inbound team operations.
// The team service implements it.
type MembershipResolver interface {
	IsMember(ctx context.Context, teamID, userID string) (bool, error)
}
