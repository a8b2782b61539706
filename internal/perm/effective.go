package perm

import (
	"context"
	"fmt"
	"time"

	"github.com/neutronlabs/neutron/internal/identity"
	"github.com/neutronlabs/neutron/internal/types"
)

const effectiveCacheTTL = 5 * time.Minute

// Grant is one resolved permission.
type Grant struct {
	PermissionKey string
	Level         string
	Scope         string
}

// EffectivePermissions resolves the principal's permissions: grants from
// active assigned profiles, from active profiles applying to the
// principal's role (team-scoped profiles only within their team), and from
// unexpired set assignments. Positives union; one explicit deny anywhere
// removes the permission. Results are cached per (user, team).
func (e *Engine) EffectivePermissions(ctx context.Context, p types.Principal) (map[string]Grant, error) {
	key := "perm:" + p.UserID + ":" + p.TeamID
	if e.cache != nil {
		if v, ok := e.cache.Get(key); ok {
			if grants, ok := v.(map[string]Grant); ok {
				return grants, nil
			}
		}
	}

	grants, err := e.resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Set(key, grants, effectiveCacheTTL)
	}
	return grants, nil
}

// Has reports whether the principal holds a permission. god_rights holds
// everything.
func (e *Engine) Has(ctx context.Context, p types.Principal, permissionKey string) (bool, error) {
	if p.IsGodRights() {
		return true, nil
	}
	grants, err := e.EffectivePermissions(ctx, p)
	if err != nil {
		return false, err
	}
	_, ok := grants[permissionKey]
	return ok, nil
}

func (e *Engine) resolve(ctx context.Context, p types.Principal) (map[string]Grant, error) {
	type rawGrant struct {
		key, level, scope string
		granted           bool
	}
	var raw []rawGrant

	collect := func(query string, args ...any) error {
		rows, err := e.store.App.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var g rawGrant
			var granted int
			var level, scope any
			if err := rows.Scan(&g.key, &granted, &level, &scope); err != nil {
				return err
			}
			g.granted = granted != 0
			if s, ok := level.(string); ok {
				g.level = s
			}
			if s, ok := scope.(string); ok {
				g.scope = s
			}
			raw = append(raw, g)
		}
		return rows.Err()
	}

	// Grants from profiles assigned to the user.
	err := collect(
		`SELECT perm.permission_key, g.is_granted, g.permission_level, g.permission_scope
		 FROM profile_assignments a
		 JOIN permission_profiles p ON p.profile_id = a.profile_id AND p.is_active = 1
		 JOIN profile_grants g ON g.profile_id = a.profile_id
		 JOIN permissions perm ON perm.permission_id = g.permission_id
		 WHERE a.user_id = ?`, p.UserID)
	if err != nil {
		return nil, fmt.Errorf("assigned profile grants: %w", err)
	}

	// Grants from profiles applying to the principal's role. Team-scoped
	// role profiles only apply within their team.
	err = collect(
		`SELECT perm.permission_key, g.is_granted, g.permission_level, g.permission_scope
		 FROM permission_profiles p
		 JOIN profile_grants g ON g.profile_id = p.profile_id
		 JOIN permissions perm ON perm.permission_id = g.permission_id
		 WHERE p.is_active = 1 AND p.applies_to_role = ?
		   AND (p.team_id IS NULL OR p.team_id = ?)`,
		string(p.Role), p.TeamID)
	if err != nil {
		return nil, fmt.Errorf("role profile grants: %w", err)
	}

	// Grants from unexpired set assignments.
	err = collect(
		`SELECT perm.permission_key, g.is_granted, g.permission_level, g.permission_scope
		 FROM permission_set_assignments a
		 JOIN permission_sets ps ON ps.permission_set_id = a.permission_set_id AND ps.is_active = 1
		 JOIN permission_set_grants g ON g.permission_set_id = a.permission_set_id
		 JOIN permissions perm ON perm.permission_id = g.permission_id
		 WHERE a.user_id = ? AND (a.expires_at IS NULL OR a.expires_at > ?)`,
		p.UserID, identity.Timestamp(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("set grants: %w", err)
	}

	grants := make(map[string]Grant)
	denied := make(map[string]bool)
	for _, g := range raw {
		if !g.granted {
			denied[g.key] = true
			continue
		}
		cur, ok := grants[g.key]
		if !ok {
			grants[g.key] = Grant{PermissionKey: g.key, Level: g.level, Scope: g.scope}
			continue
		}
		// Prefer the grant that carries a level/scope when merging.
		if cur.Level == "" && g.level != "" {
			cur.Level = g.level
		}
		if cur.Scope == "" && g.scope != "" {
			cur.Scope = g.scope
		}
		grants[g.key] = cur
	}
	for key := range denied {
		delete(grants, key)
	}
	return grants, nil
}
