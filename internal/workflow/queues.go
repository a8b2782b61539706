package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/neutronlabs/neutron/internal/identity"
	"github.com/neutronlabs/neutron/internal/types"
)

// Queue access types and grant types.
const (
	AccessRead    = "read"
	AccessWrite   = "write"
	AccessAdmin   = "admin"
	AccessExecute = "execute"

	GrantUser = "user"
	GrantRole = "role"
	GrantTeam = "team"
)

// Queue is a named work queue with its own access rules.
type Queue struct {
	ID          string
	Name        string
	Description string
	TeamID      string
	CreatedBy   string
	CreatedAt   string
}

// QueuePermission is one access rule row.
type QueuePermission struct {
	QueueID    string
	AccessType string // read, write, admin, execute
	GrantType  string // user, role, team
	GrantValue string
}

func validAccessType(t string) bool {
	switch t {
	case AccessRead, AccessWrite, AccessAdmin, AccessExecute:
		return true
	}
	return false
}

func validGrantType(t string) bool {
	switch t {
	case GrantUser, GrantRole, GrantTeam:
		return true
	}
	return false
}

// CreateQueue creates a queue. The creator implicitly holds admin on it.
func (s *Store) CreateQueue(ctx context.Context, p types.Principal, name, description, teamID string) (*Queue, error) {
	if name == "" {
		return nil, fmt.Errorf("queue name required")
	}
	q := &Queue{
		ID:          identity.NewQueueID(),
		Name:        name,
		Description: description,
		TeamID:      teamID,
		CreatedBy:   p.UserID,
		CreatedAt:   identity.Timestamp(time.Now()),
	}
	err := s.store.Write(func() error {
		_, err := s.store.Workflows.ExecContext(ctx,
			`INSERT INTO queues (queue_id, name, description, team_id, created_by, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			q.ID, q.Name, nullable(q.Description), nullable(q.TeamID), q.CreatedBy, q.CreatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert queue: %w", err)
	}
	return q, nil
}

// GetQueue returns a queue by id.
func (s *Store) GetQueue(ctx context.Context, id string) (*Queue, error) {
	var q Queue
	var desc, teamID sql.NullString
	err := s.store.Workflows.QueryRowContext(ctx,
		"SELECT queue_id, name, description, team_id, created_by, created_at FROM queues WHERE queue_id = ?", id,
	).Scan(&q.ID, &q.Name, &desc, &teamID, &q.CreatedBy, &q.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("queue %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	q.Description = desc.String
	q.TeamID = teamID.String
	return &q, nil
}

// DeleteQueue removes a queue and its permission rows. Requires admin
// access on the queue.
func (s *Store) DeleteQueue(ctx context.Context, p types.Principal, id string) error {
	ok, reason := s.CheckQueueAccess(ctx, p, id, AccessAdmin)
	if !ok {
		return fmt.Errorf("delete queue (%s): %w", reason, types.ErrAccessDenied)
	}
	return s.store.WriteTx(ctx, s.store.Workflows, func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM queue_permissions WHERE queue_id = ?", id); err != nil {
			return fmt.Errorf("delete permissions: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM queues WHERE queue_id = ?", id); err != nil {
			return fmt.Errorf("delete queue: %w", err)
		}
		return nil
	})
}

// GrantQueueAccess adds one access rule. Requires admin on the queue.
func (s *Store) GrantQueueAccess(ctx context.Context, p types.Principal, qp QueuePermission) error {
	if !validAccessType(qp.AccessType) {
		return fmt.Errorf("access type %q out of range", qp.AccessType)
	}
	if !validGrantType(qp.GrantType) {
		return fmt.Errorf("grant type %q out of range", qp.GrantType)
	}
	ok, reason := s.CheckQueueAccess(ctx, p, qp.QueueID, AccessAdmin)
	if !ok {
		return fmt.Errorf("grant queue access (%s): %w", reason, types.ErrAccessDenied)
	}
	return s.store.Write(func() error {
		_, err := s.store.Workflows.ExecContext(ctx,
			`INSERT OR IGNORE INTO queue_permissions (queue_id, access_type, grant_type, grant_value)
			 VALUES (?, ?, ?, ?)`,
			qp.QueueID, qp.AccessType, qp.GrantType, qp.GrantValue)
		return err
	})
}

// RevokeQueueAccess removes one access rule. Requires admin on the queue.
func (s *Store) RevokeQueueAccess(ctx context.Context, p types.Principal, qp QueuePermission) error {
	ok, reason := s.CheckQueueAccess(ctx, p, qp.QueueID, AccessAdmin)
	if !ok {
		return fmt.Errorf("revoke queue access (%s): %w", reason, types.ErrAccessDenied)
	}
	return s.store.Write(func() error {
		_, err := s.store.Workflows.ExecContext(ctx,
			`DELETE FROM queue_permissions WHERE queue_id = ? AND access_type = ? AND grant_type = ? AND grant_value = ?`,
			qp.QueueID, qp.AccessType, qp.GrantType, qp.GrantValue)
		return err
	})
}

// ListQueuePermissions returns a queue's access rules.
func (s *Store) ListQueuePermissions(ctx context.Context, queueID string) ([]*QueuePermission, error) {
	rows, err := s.store.Workflows.QueryContext(ctx,
		`SELECT queue_id, access_type, grant_type, grant_value FROM queue_permissions
		 WHERE queue_id = ? ORDER BY access_type, grant_type, grant_value`, queueID)
	if err != nil {
		return nil, fmt.Errorf("query queue permissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var perms []*QueuePermission
	for rows.Next() {
		var qp QueuePermission
		if err := rows.Scan(&qp.QueueID, &qp.AccessType, &qp.GrantType, &qp.GrantValue); err != nil {
			return nil, fmt.Errorf("scan queue permission: %w", err)
		}
		perms = append(perms, &qp)
	}
	return perms, rows.Err()
}

// CheckQueueAccess reports whether the principal holds an access type on a
// queue, with a human-readable reason. The creator and god_rights always
// pass; admin access implies every other access type.
func (s *Store) CheckQueueAccess(ctx context.Context, p types.Principal, queueID, accessType string) (bool, string) {
	q, err := s.GetQueue(ctx, queueID)
	if err != nil {
		return false, "queue not found"
	}
	if p.IsGodRights() {
		return true, "god_rights"
	}
	if q.CreatedBy == p.UserID {
		return true, "queue creator"
	}

	match := func(access string) (bool, string) {
		rows, err := s.store.Workflows.QueryContext(ctx,
			"SELECT grant_type, grant_value FROM queue_permissions WHERE queue_id = ? AND access_type = ?",
			queueID, access)
		if err != nil {
			return false, "permission lookup failed"
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var grantType, grantValue string
			if rows.Scan(&grantType, &grantValue) != nil {
				continue
			}
			switch grantType {
			case GrantUser:
				if grantValue == p.UserID {
					return true, "user grant"
				}
			case GrantRole:
				if grantValue == string(p.Role) {
					return true, "role grant"
				}
			case GrantTeam:
				if p.TeamID != "" && grantValue == p.TeamID {
					return true, "team grant"
				}
			}
		}
		return false, ""
	}

	if ok, reason := match(accessType); ok {
		return true, reason
	}
	if accessType != AccessAdmin {
		if ok, _ := match(AccessAdmin); ok {
			return true, "admin grant"
		}
	}
	return false, "no matching grant for " + accessType
}
