package perm

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/neutronlabs/neutron/internal/audit"
	"github.com/neutronlabs/neutron/internal/identity"
	"github.com/neutronlabs/neutron/internal/types"
)

// FounderGrant is one god_rights authorization row. The auth key is stored
// hashed; revocation preserves the row for the audit trail.
type FounderGrant struct {
	UserID      string
	DelegatedBy string
	IsActive    bool
	CreatedAt   string
	RevokedAt   string
	RevokedBy   string
	Notes       string
}

// hashAuthKey hashes a founder auth key for storage and comparison.
func hashAuthKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GrantFounder grants god_rights to a user, protected by authKey. An
// existing revoked row is reactivated with a fresh key instead of
// duplicated.
func (e *Engine) GrantFounder(ctx context.Context, actorID, userID, authKey, notes string) error {
	if authKey == "" {
		return fmt.Errorf("auth key required")
	}
	now := identity.Timestamp(time.Now())
	keyHash := hashAuthKey(authKey)

	err := e.store.Write(func() error {
		_, err := e.store.App.ExecContext(ctx,
			`INSERT INTO god_rights_auth (user_id, auth_key_hash, delegated_by, is_active, created_at, notes)
			 VALUES (?, ?, ?, 1, ?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET
			   auth_key_hash = excluded.auth_key_hash,
			   delegated_by = excluded.delegated_by,
			   is_active = 1,
			   revoked_at = NULL,
			   revoked_by = NULL,
			   notes = excluded.notes`,
			userID, keyHash, nullable(actorID), now, nullable(notes))
		return err
	})
	if err != nil {
		return fmt.Errorf("grant founder rights: %w", err)
	}

	e.invalidateUser(userID)
	e.audit.Record(ctx, audit.Entry{
		Action: "perm.founder.grant", ActorID: actorID,
		ResourceType: "user", ResourceID: userID,
	})
	return nil
}

// RevokeFounder deactivates a founder grant. The row is preserved with the
// revocation stamp.
func (e *Engine) RevokeFounder(ctx context.Context, actorID, userID string) error {
	err := e.store.Write(func() error {
		res, err := e.store.App.ExecContext(ctx,
			"UPDATE god_rights_auth SET is_active = 0, revoked_at = ?, revoked_by = ? WHERE user_id = ? AND is_active = 1",
			identity.Timestamp(time.Now()), actorID, userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("active founder grant for %s: %w", userID, types.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.invalidateUser(userID)
	e.audit.Record(ctx, audit.Entry{
		Action: "perm.founder.revoke", ActorID: actorID,
		ResourceType: "user", ResourceID: userID,
	})
	return nil
}

// ReactivateFounder flips a revoked grant back on. The original created_at
// is preserved; the revocation stamp is cleared.
func (e *Engine) ReactivateFounder(ctx context.Context, actorID, userID string) error {
	err := e.store.Write(func() error {
		res, err := e.store.App.ExecContext(ctx,
			"UPDATE god_rights_auth SET is_active = 1, revoked_at = NULL, revoked_by = NULL WHERE user_id = ? AND is_active = 0",
			userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("revoked founder grant for %s: %w", userID, types.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.invalidateUser(userID)
	e.audit.Record(ctx, audit.Entry{
		Action: "perm.founder.reactivate", ActorID: actorID,
		ResourceType: "user", ResourceID: userID,
	})
	return nil
}

// CheckFounder verifies an auth key against the user's active grant.
func (e *Engine) CheckFounder(ctx context.Context, userID, authKey string) (bool, error) {
	var keyHash string
	err := e.store.App.QueryRowContext(ctx,
		"SELECT auth_key_hash FROM god_rights_auth WHERE user_id = ? AND is_active = 1", userID,
	).Scan(&keyHash)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query founder grant: %w", err)
	}
	want := hashAuthKey(authKey)
	return subtle.ConstantTimeCompare([]byte(keyHash), []byte(want)) == 1, nil
}

// HasFounderRights reports whether the user holds an active founder
// grant, without requiring the auth key. Used by the permission checks
// that only need the yes/no answer; key-protected flows go through
// CheckFounder.
func (e *Engine) HasFounderRights(ctx context.Context, userID string) (bool, error) {
	var n int
	err := e.store.App.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM god_rights_auth WHERE user_id = ? AND is_active = 1", userID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query founder grant: %w", err)
	}
	return n > 0, nil
}

// ListFounders returns founder grants, optionally including revoked rows.
func (e *Engine) ListFounders(ctx context.Context, includeRevoked bool) ([]*FounderGrant, error) {
	query := `SELECT user_id, delegated_by, is_active, created_at, revoked_at, revoked_by, notes
	          FROM god_rights_auth`
	if !includeRevoked {
		query += " WHERE is_active = 1"
	}
	query += " ORDER BY created_at"

	rows, err := e.store.App.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query founder grants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var grants []*FounderGrant
	for rows.Next() {
		var g FounderGrant
		var delegatedBy, revokedAt, revokedBy, notes sql.NullString
		var active int
		if err := rows.Scan(&g.UserID, &delegatedBy, &active, &g.CreatedAt, &revokedAt, &revokedBy, &notes); err != nil {
			return nil, fmt.Errorf("scan founder grant: %w", err)
		}
		g.DelegatedBy = delegatedBy.String
		g.IsActive = active != 0
		g.RevokedAt = revokedAt.String
		g.RevokedBy = revokedBy.String
		g.Notes = notes.String
		grants = append(grants, &g)
	}
	return grants, rows.Err()
}
