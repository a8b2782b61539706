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

// Profile is a reusable named bundle of permission grants.
type Profile struct {
	ID            string
	Name          string
	Description   string
	TeamID        string
	AppliesToRole types.Role // grants apply automatically to this role when set
	IsActive      bool
	CreatedAt     string
}

// ProfileGrant is one grant inside a profile.
type ProfileGrant struct {
	ProfileID    string
	PermissionID string
	Granted      bool // false is an explicit deny
	Level        string
	Scope        string
}

// CreateProfile creates a permission profile.
func (e *Engine) CreateProfile(ctx context.Context, actor types.Principal, name, description, teamID string, appliesToRole types.Role) (*Profile, error) {
	if name == "" {
		return nil, fmt.Errorf("profile name required")
	}
	if appliesToRole != "" && !appliesToRole.Valid() {
		return nil, fmt.Errorf("role %q out of range", appliesToRole)
	}
	p := &Profile{
		ID:            identity.NewProfileID(),
		Name:          name,
		Description:   description,
		TeamID:        teamID,
		AppliesToRole: appliesToRole,
		IsActive:      true,
		CreatedAt:     identity.Timestamp(time.Now()),
	}
	err := e.store.Write(func() error {
		_, err := e.store.App.ExecContext(ctx,
			`INSERT INTO permission_profiles (profile_id, profile_name, description, team_id, applies_to_role, is_active, created_at)
			 VALUES (?, ?, ?, ?, ?, 1, ?)`,
			p.ID, p.Name, nullable(p.Description), nullable(p.TeamID), nullable(string(p.AppliesToRole)), p.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert profile: %w", err)
	}
	e.audit.Record(ctx, audit.Entry{
		Action: "perm.profile.create", ActorID: actor.UserID,
		ResourceType: "profile", ResourceID: p.ID,
		Details: map[string]any{"name": name},
	})
	return p, nil
}

// GetProfile returns a profile by id.
func (e *Engine) GetProfile(ctx context.Context, profileID string) (*Profile, error) {
	var p Profile
	var desc, teamID, role sql.NullString
	var active int
	err := e.store.App.QueryRowContext(ctx,
		`SELECT profile_id, profile_name, description, team_id, applies_to_role, is_active, created_at
		 FROM permission_profiles WHERE profile_id = ?`, profileID,
	).Scan(&p.ID, &p.Name, &desc, &teamID, &role, &active, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("profile %s: %w", profileID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query profile: %w", err)
	}
	p.Description = desc.String
	p.TeamID = teamID.String
	p.AppliesToRole = types.Role(role.String)
	p.IsActive = active != 0
	return &p, nil
}

// SetProfileGrant upserts one grant on a profile. granted=false records an
// explicit deny, which beats any positive grant during resolution.
func (e *Engine) SetProfileGrant(ctx context.Context, actor types.Principal, g ProfileGrant) error {
	if _, err := e.GetProfile(ctx, g.ProfileID); err != nil {
		return err
	}
	granted := 0
	if g.Granted {
		granted = 1
	}
	err := e.store.Write(func() error {
		_, err := e.store.App.ExecContext(ctx,
			`INSERT INTO profile_grants (profile_id, permission_id, is_granted, permission_level, permission_scope)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(profile_id, permission_id) DO UPDATE SET
			   is_granted = excluded.is_granted,
			   permission_level = excluded.permission_level,
			   permission_scope = excluded.permission_scope`,
			g.ProfileID, g.PermissionID, granted, nullable(g.Level), nullable(g.Scope))
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert grant: %w", err)
	}

	e.invalidateProfileUsers(ctx, g.ProfileID)
	e.audit.Record(ctx, audit.Entry{
		Action: "perm.profile.grant", ActorID: actor.UserID,
		ResourceType: "profile", ResourceID: g.ProfileID,
		Details: map[string]any{"permission_id": g.PermissionID, "granted": g.Granted},
	})
	return nil
}

// AssignProfile assigns a profile to a user. Re-assigning is a no-op that
// keeps the original assigned_at.
func (e *Engine) AssignProfile(ctx context.Context, actor types.Principal, profileID, userID string) error {
	if _, err := e.GetProfile(ctx, profileID); err != nil {
		return err
	}
	err := e.store.Write(func() error {
		_, err := e.store.App.ExecContext(ctx,
			`INSERT OR IGNORE INTO profile_assignments (profile_id, user_id, assigned_at) VALUES (?, ?, ?)`,
			profileID, userID, identity.Timestamp(time.Now()))
		return err
	})
	if err != nil {
		return fmt.Errorf("assign profile: %w", err)
	}

	e.invalidateUser(userID)
	e.audit.Record(ctx, audit.Entry{
		Action: "perm.profile.assign", ActorID: actor.UserID,
		ResourceType: "profile", ResourceID: profileID,
		Details: map[string]any{"user_id": userID},
	})
	return nil
}

// UnassignProfile removes a user's profile assignment.
func (e *Engine) UnassignProfile(ctx context.Context, actor types.Principal, profileID, userID string) error {
	err := e.store.Write(func() error {
		res, err := e.store.App.ExecContext(ctx,
			"DELETE FROM profile_assignments WHERE profile_id = ? AND user_id = ?", profileID, userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("assignment of %s to %s: %w", profileID, userID, types.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.invalidateUser(userID)
	e.audit.Record(ctx, audit.Entry{
		Action: "perm.profile.unassign", ActorID: actor.UserID,
		ResourceType: "profile", ResourceID: profileID,
		Details: map[string]any{"user_id": userID},
	})
	return nil
}

// SetProfileActive activates or deactivates a profile. Inactive profiles
// contribute nothing to effective permissions but keep their grants.
func (e *Engine) SetProfileActive(ctx context.Context, actor types.Principal, profileID string, active bool) error {
	a := 0
	if active {
		a = 1
	}
	err := e.store.Write(func() error {
		res, err := e.store.App.ExecContext(ctx,
			"UPDATE permission_profiles SET is_active = ? WHERE profile_id = ?", a, profileID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("profile %s: %w", profileID, types.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.invalidateProfileUsers(ctx, profileID)
	e.audit.Record(ctx, audit.Entry{
		Action: "perm.profile.active", ActorID: actor.UserID,
		ResourceType: "profile", ResourceID: profileID,
		Details: map[string]any{"active": active},
	})
	return nil
}

// invalidateProfileUsers drops cached permissions for everyone assigned to
// the profile. Role-applied profiles can touch any user, so those flush the
// whole permission namespace.
func (e *Engine) invalidateProfileUsers(ctx context.Context, profileID string) {
	if e.cache == nil {
		return
	}
	p, err := e.GetProfile(ctx, profileID)
	if err == nil && p.AppliesToRole != "" {
		e.cache.DeletePrefix("perm:")
		return
	}
	rows, err := e.store.App.QueryContext(ctx,
		"SELECT user_id FROM profile_assignments WHERE profile_id = ?", profileID)
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
