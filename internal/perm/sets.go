package perm

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/neutronlabs/neutron/internal/audit"
	"github.com/neutronlabs/neutron/internal/identity"
	"github.com/neutronlabs/neutron/internal/types"
)

// PermissionSet is a bundle of grants that can be assigned with an expiry,
// for temporary elevation.
type PermissionSet struct {
	ID        string
	Name      string
	TeamID    string
	IsActive  bool
	CreatedAt string
}

// SetGrant is one grant inside a permission set.
type SetGrant struct {
	SetID        string
	PermissionID string
	Granted      bool
	Level        string
	Scope        string
}

// CreateSet creates a permission set.
func (e *Engine) CreateSet(ctx context.Context, actor types.Principal, name, teamID string) (*PermissionSet, error) {
	if name == "" {
		return nil, fmt.Errorf("set name required")
	}
	ps := &PermissionSet{
		ID:        identity.NewPermissionSetID(),
		Name:      name,
		TeamID:    teamID,
		IsActive:  true,
		CreatedAt: identity.Timestamp(time.Now()),
	}
	err := e.store.Write(func() error {
		_, err := e.store.App.ExecContext(ctx,
			`INSERT INTO permission_sets (permission_set_id, set_name, team_id, is_active, created_at)
			 VALUES (?, ?, ?, 1, ?)`,
			ps.ID, ps.Name, nullable(ps.TeamID), ps.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert set: %w", err)
	}
	e.audit.Record(ctx, audit.Entry{
		Action: "perm.set.create", ActorID: actor.UserID,
		ResourceType: "permission_set", ResourceID: ps.ID,
		Details: map[string]any{"name": name},
	})
	return ps, nil
}

// GetSet returns a permission set by id.
func (e *Engine) GetSet(ctx context.Context, setID string) (*PermissionSet, error) {
	var ps PermissionSet
	var teamID sql.NullString
	var active int
	err := e.store.App.QueryRowContext(ctx,
		`SELECT permission_set_id, set_name, team_id, is_active, created_at
		 FROM permission_sets WHERE permission_set_id = ?`, setID,
	).Scan(&ps.ID, &ps.Name, &teamID, &active, &ps.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("permission set %s: %w", setID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query set: %w", err)
	}
	ps.TeamID = teamID.String
	ps.IsActive = active != 0
	return &ps, nil
}

// SetSetGrant upserts one grant inside a set.
func (e *Engine) SetSetGrant(ctx context.Context, actor types.Principal, g SetGrant) error {
	if _, err := e.GetSet(ctx, g.SetID); err != nil {
		return err
	}
	granted := 0
	if g.Granted {
		granted = 1
	}
	err := e.store.Write(func() error {
		_, err := e.store.App.ExecContext(ctx,
			`INSERT INTO permission_set_grants (permission_set_id, permission_id, is_granted, permission_level, permission_scope)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(permission_set_id, permission_id) DO UPDATE SET
			   is_granted = excluded.is_granted,
			   permission_level = excluded.permission_level,
			   permission_scope = excluded.permission_scope`,
			g.SetID, g.PermissionID, granted, nullable(g.Level), nullable(g.Scope))
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert set grant: %w", err)
	}

	e.invalidateSetUsers(ctx, g.SetID)
	e.audit.Record(ctx, audit.Entry{
		Action: "perm.set.grant", ActorID: actor.UserID,
		ResourceType: "permission_set", ResourceID: g.SetID,
		Details: map[string]any{"permission_id": g.PermissionID, "granted": g.Granted},
	})
	return nil
}

// AssignSet assigns a set to a user, optionally until expiresAt. A zero
// expiresAt means no expiry. Re-assignment replaces the expiry.
func (e *Engine) AssignSet(ctx context.Context, actor types.Principal, setID, userID string, expiresAt time.Time) error {
	if _, err := e.GetSet(ctx, setID); err != nil {
		return err
	}
	var expires any
	if !expiresAt.IsZero() {
		expires = identity.Timestamp(expiresAt)
	}
	err := e.store.Write(func() error {
		_, err := e.store.App.ExecContext(ctx,
			`INSERT INTO permission_set_assignments (permission_set_id, user_id, expires_at, assigned_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(permission_set_id, user_id) DO UPDATE SET expires_at = excluded.expires_at`,
			setID, userID, expires, identity.Timestamp(time.Now()))
		return err
	})
	if err != nil {
		return fmt.Errorf("assign set: %w", err)
	}

	e.invalidateUser(userID)
	e.audit.Record(ctx, audit.Entry{
		Action: "perm.set.assign", ActorID: actor.UserID,
		ResourceType: "permission_set", ResourceID: setID,
		Details: map[string]any{"user_id": userID, "expires_at": expires},
	})
	return nil
}

// UnassignSet removes a user's set assignment.
func (e *Engine) UnassignSet(ctx context.Context, actor types.Principal, setID, userID string) error {
	err := e.store.Write(func() error {
		res, err := e.store.App.ExecContext(ctx,
			"DELETE FROM permission_set_assignments WHERE permission_set_id = ? AND user_id = ?", setID, userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("assignment of %s to %s: %w", setID, userID, types.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.invalidateUser(userID)
	e.audit.Record(ctx, audit.Entry{
		Action: "perm.set.unassign", ActorID: actor.UserID,
		ResourceType: "permission_set", ResourceID: setID,
		Details: map[string]any{"user_id": userID},
	})
	return nil
}

// invalidateSetUsers drops cached permissions for everyone assigned to the
// set.
func (e *Engine) invalidateSetUsers(ctx context.Context, setID string) {
	if e.cache == nil {
		return
	}
	rows, err := e.store.App.QueryContext(ctx,
		"SELECT user_id FROM permission_set_assignments WHERE permission_set_id = ?", setID)
	if err != nil {
		e.cache.DeletePrefix("perm:")
		return
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var userID string
		if rows.Scan(&userID) == nil {
			e.invalidateUser(userID)
		}
	}
}
