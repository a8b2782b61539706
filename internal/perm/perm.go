// Package perm is the permission and team boundary engine: the permission
// registry, reusable profiles, time-bounded permission sets, effective
// permission resolution with deny precedence, and founder rights.
package perm

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/neutronlabs/neutron/internal/audit"
	"github.com/neutronlabs/neutron/internal/cache"
	"github.com/neutronlabs/neutron/internal/store"
	"github.com/neutronlabs/neutron/internal/types"
)

// Engine is the permission engine.
type Engine struct {
	store *store.Store
	cache *cache.Cache
	audit audit.Recorder
}

// New creates a permission engine.
func New(s *store.Store, c *cache.Cache, rec audit.Recorder) *Engine {
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Engine{store: s, cache: c, audit: rec}
}

// Permission is one registry row.
type Permission struct {
	ID          string
	Key         string
	Category    string
	Subcategory string
	Type        string // boolean or leveled
	IsSystem    bool
}

// systemPermissions is the seed registry. Keys are dotted
// category.subcategory.action paths.
var systemPermissions = []Permission{
	{ID: "perm_chat_read", Key: "chat.sessions.read", Category: "chat", Subcategory: "sessions", Type: "boolean", IsSystem: true},
	{ID: "perm_chat_write", Key: "chat.sessions.write", Category: "chat", Subcategory: "sessions", Type: "boolean", IsSystem: true},
	{ID: "perm_chat_delete", Key: "chat.sessions.delete", Category: "chat", Subcategory: "sessions", Type: "boolean", IsSystem: true},
	{ID: "perm_wf_read", Key: "workflows.read", Category: "workflows", Type: "boolean", IsSystem: true},
	{ID: "perm_wf_write", Key: "workflows.write", Category: "workflows", Type: "boolean", IsSystem: true},
	{ID: "perm_wf_execute", Key: "workflows.execute", Category: "workflows", Type: "boolean", IsSystem: true},
	{ID: "perm_queue_manage", Key: "queues.manage", Category: "queues", Type: "boolean", IsSystem: true},
	{ID: "perm_team_manage", Key: "team.members.manage", Category: "team", Subcategory: "members", Type: "boolean", IsSystem: true},
	{ID: "perm_team_invite", Key: "team.invites.create", Category: "team", Subcategory: "invites", Type: "boolean", IsSystem: true},
	{ID: "perm_vault_access", Key: "vault.access", Category: "vault", Type: "leveled", IsSystem: true},
	{ID: "perm_sync_admin", Key: "sync.peers.manage", Category: "sync", Subcategory: "peers", Type: "boolean", IsSystem: true},
	{ID: "perm_audit_read", Key: "audit.read", Category: "audit", Type: "boolean", IsSystem: true},
}

// Seed inserts the system permission registry. Safe to call on every start.
func (e *Engine) Seed(ctx context.Context) error {
	return e.store.WriteTx(ctx, e.store.App, func(tx *sql.Tx) error {
		for _, p := range systemPermissions {
			if _, err := tx.Exec(
				`INSERT OR IGNORE INTO permissions (permission_id, permission_key, category, subcategory, permission_type, is_system)
				 VALUES (?, ?, ?, ?, ?, 1)`,
				p.ID, p.Key, p.Category, nullable(p.Subcategory), p.Type,
			); err != nil {
				return fmt.Errorf("seed %s: %w", p.Key, err)
			}
		}
		return nil
	})
}

// RegisterPermission adds a non-system permission to the registry.
func (e *Engine) RegisterPermission(ctx context.Context, actor types.Principal, p Permission) error {
	if p.ID == "" || p.Key == "" || p.Category == "" {
		return fmt.Errorf("permission id, key, and category required")
	}
	if p.Type == "" {
		p.Type = "boolean"
	}
	err := e.store.Write(func() error {
		_, err := e.store.App.ExecContext(ctx,
			`INSERT INTO permissions (permission_id, permission_key, category, subcategory, permission_type, is_system)
			 VALUES (?, ?, ?, ?, ?, 0)`,
			p.ID, p.Key, p.Category, nullable(p.Subcategory), p.Type)
		return err
	})
	if err != nil {
		return fmt.Errorf("register permission: %w", err)
	}
	e.audit.Record(ctx, audit.Entry{
		Action: "perm.register", ActorID: actor.UserID,
		ResourceType: "permission", ResourceID: p.ID,
		Details: map[string]any{"key": p.Key},
	})
	return nil
}

// GetPermission looks a permission up by key.
func (e *Engine) GetPermission(ctx context.Context, key string) (*Permission, error) {
	var p Permission
	var sub sql.NullString
	var isSystem int
	err := e.store.App.QueryRowContext(ctx,
		`SELECT permission_id, permission_key, category, subcategory, permission_type, is_system
		 FROM permissions WHERE permission_key = ?`, key,
	).Scan(&p.ID, &p.Key, &p.Category, &sub, &p.Type, &isSystem)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("permission %s: %w", key, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query permission: %w", err)
	}
	p.Subcategory = sub.String
	p.IsSystem = isSystem != 0
	return &p, nil
}

// ListPermissions returns the registry ordered by key.
func (e *Engine) ListPermissions(ctx context.Context) ([]*Permission, error) {
	rows, err := e.store.App.QueryContext(ctx,
		`SELECT permission_id, permission_key, category, subcategory, permission_type, is_system
		 FROM permissions ORDER BY permission_key`)
	if err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var perms []*Permission
	for rows.Next() {
		var p Permission
		var sub sql.NullString
		var isSystem int
		if err := rows.Scan(&p.ID, &p.Key, &p.Category, &sub, &p.Type, &isSystem); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		p.Subcategory = sub.String
		p.IsSystem = isSystem != 0
		perms = append(perms, &p)
	}
	return perms, rows.Err()
}

// invalidateUser drops the user's cached effective permissions.
func (e *Engine) invalidateUser(userID string) {
	if e.cache != nil {
		e.cache.DeletePrefix("perm:" + userID)
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
