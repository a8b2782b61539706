// Package team manages teams, memberships, invite codes, and the two
// promotion flows: scheduled role changes and break-glass temporary
// promotion of the most senior admin.
package team

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/neutronlabs/neutron/internal/audit"
	"github.com/neutronlabs/neutron/internal/identity"
	"github.com/neutronlabs/neutron/internal/store"
	"github.com/neutronlabs/neutron/internal/types"
)

// Service is the team and membership engine.
type Service struct {
	store   *store.Store
	audit   audit.Recorder
	limiter *inviteLimiter
}

// New creates a team service.
func New(s *store.Store, rec audit.Recorder) *Service {
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Service{store: s, audit: rec, limiter: newInviteLimiter()}
}

// Team is one team row.
type Team struct {
	ID        string
	Name      string
	CreatedBy string
	CreatedAt string
}

// Member is one membership row.
type Member struct {
	TeamID   string
	UserID   string
	Role     types.Role
	JobRole  string
	JoinedAt string
	LastSeen string
}

// CreateTeam creates a team; the creator joins as super_admin.
func (s *Service) CreateTeam(ctx context.Context, p types.Principal, name string) (*Team, error) {
	if name == "" {
		return nil, fmt.Errorf("team name required")
	}
	now := identity.Timestamp(time.Now())
	t := &Team{ID: identity.NewTeamID(), Name: name, CreatedBy: p.UserID, CreatedAt: now}

	err := s.store.WriteTx(ctx, s.store.App, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"INSERT INTO teams (team_id, name, created_by, created_at) VALUES (?, ?, ?, ?)",
			t.ID, t.Name, t.CreatedBy, t.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert team: %w", err)
		}
		if _, err := tx.Exec(
			"INSERT INTO team_members (team_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)",
			t.ID, p.UserID, string(types.RoleSuperAdmin), now,
		); err != nil {
			return fmt.Errorf("insert founding member: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Entry{
		Action: "team.create", ActorID: p.UserID,
		ResourceType: "team", ResourceID: t.ID,
		Details: map[string]any{"name": name},
	})
	return t, nil
}

// GetTeam returns a team by id.
func (s *Service) GetTeam(ctx context.Context, teamID string) (*Team, error) {
	var t Team
	err := s.store.App.QueryRowContext(ctx,
		"SELECT team_id, name, created_by, created_at FROM teams WHERE team_id = ?", teamID,
	).Scan(&t.ID, &t.Name, &t.CreatedBy, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("team %s: %w", teamID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query team: %w", err)
	}
	return &t, nil
}

// ListUserTeams returns the teams a user belongs to.
func (s *Service) ListUserTeams(ctx context.Context, userID string) ([]*Team, error) {
	rows, err := s.store.App.QueryContext(ctx,
		`SELECT t.team_id, t.name, t.created_by, t.created_at
		 FROM teams t JOIN team_members m ON m.team_id = t.team_id
		 WHERE m.user_id = ? ORDER BY t.created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("query teams: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var teams []*Team
	for rows.Next() {
		var t Team
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedBy, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		teams = append(teams, &t)
	}
	return teams, rows.Err()
}

// GetMember returns one membership row.
func (s *Service) GetMember(ctx context.Context, teamID, userID string) (*Member, error) {
	row := s.store.App.QueryRowContext(ctx,
		`SELECT team_id, user_id, role, job_role, joined_at, last_seen
		 FROM team_members WHERE team_id = ? AND user_id = ?`, teamID, userID)
	m, err := scanMember(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("member %s of %s: %w", userID, teamID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query member: %w", err)
	}
	return m, nil
}

// IsMember reports whether userID belongs to teamID. The sync engine uses
// it as its membership resolver.
func (s *Service) IsMember(ctx context.Context, teamID, userID string) (bool, error) {
	var n int
	err := s.store.App.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM team_members WHERE team_id = ? AND user_id = ?",
		teamID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query membership: %w", err)
	}
	return n > 0, nil
}

// ListMembers returns a team's members ordered by seniority.
func (s *Service) ListMembers(ctx context.Context, teamID string) ([]*Member, error) {
	rows, err := s.store.App.QueryContext(ctx,
		`SELECT team_id, user_id, role, job_role, joined_at, last_seen
		 FROM team_members WHERE team_id = ? ORDER BY joined_at`, teamID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var members []*Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// AddMember adds a user to a team. The caller must administer the team.
func (s *Service) AddMember(ctx context.Context, p types.Principal, teamID, userID string, role types.Role) (*Member, error) {
	if !role.Valid() || role == types.RoleGodRights {
		return nil, fmt.Errorf("role %q out of range", role)
	}
	if err := s.requireTeamAdmin(ctx, p, teamID); err != nil {
		return nil, err
	}

	m := &Member{TeamID: teamID, UserID: userID, Role: role, JoinedAt: identity.Timestamp(time.Now())}
	err := s.store.Write(func() error {
		_, err := s.store.App.ExecContext(ctx,
			"INSERT INTO team_members (team_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)",
			teamID, userID, string(role), m.JoinedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert member: %w", err)
	}

	s.audit.Record(ctx, audit.Entry{
		Action: "team.member.add", ActorID: p.UserID,
		ResourceType: "team", ResourceID: teamID,
		Details: map[string]any{"user_id": userID, "role": string(role)},
	})
	return m, nil
}

// RemoveMember removes a user from a team.
func (s *Service) RemoveMember(ctx context.Context, p types.Principal, teamID, userID string) error {
	if err := s.requireTeamAdmin(ctx, p, teamID); err != nil {
		return err
	}
	err := s.store.Write(func() error {
		_, err := s.store.App.ExecContext(ctx,
			"DELETE FROM team_members WHERE team_id = ? AND user_id = ?", teamID, userID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	s.audit.Record(ctx, audit.Entry{
		Action: "team.member.remove", ActorID: p.UserID,
		ResourceType: "team", ResourceID: teamID,
		Details: map[string]any{"user_id": userID},
	})
	return nil
}

// SetMemberRole changes a member's team role.
func (s *Service) SetMemberRole(ctx context.Context, p types.Principal, teamID, userID string, role types.Role) error {
	if !role.Valid() || role == types.RoleGodRights {
		return fmt.Errorf("role %q out of range", role)
	}
	if err := s.requireTeamAdmin(ctx, p, teamID); err != nil {
		return err
	}
	return s.setRole(ctx, p.UserID, teamID, userID, role, "team.member.role")
}

// setRole updates a membership role and records the change.
func (s *Service) setRole(ctx context.Context, actorID, teamID, userID string, role types.Role, action string) error {
	err := s.store.Write(func() error {
		res, err := s.store.App.ExecContext(ctx,
			"UPDATE team_members SET role = ? WHERE team_id = ? AND user_id = ?",
			string(role), teamID, userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("member %s of %s: %w", userID, teamID, types.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Entry{
		Action: action, ActorID: actorID,
		ResourceType: "team", ResourceID: teamID,
		Details: map[string]any{"user_id": userID, "role": string(role)},
	})
	return nil
}

// TouchLastSeen stamps the member's last_seen. Best effort.
func (s *Service) TouchLastSeen(ctx context.Context, teamID, userID string) {
	_ = s.store.Write(func() error {
		_, err := s.store.App.ExecContext(ctx,
			"UPDATE team_members SET last_seen = ? WHERE team_id = ? AND user_id = ?",
			identity.Timestamp(time.Now()), teamID, userID)
		return err
	})
}

// requireTeamAdmin checks that p is a super_admin of the team, an admin of
// the team, or a god_rights principal.
func (s *Service) requireTeamAdmin(ctx context.Context, p types.Principal, teamID string) error {
	if p.IsGodRights() {
		return nil
	}
	m, err := s.GetMember(ctx, teamID, p.UserID)
	if err != nil {
		return fmt.Errorf("administer team %s: %w", teamID, types.ErrAccessDenied)
	}
	if m.Role != types.RoleAdmin && m.Role != types.RoleSuperAdmin {
		return fmt.Errorf("administer team %s: %w", teamID, types.ErrAccessDenied)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(r rowScanner) (*Member, error) {
	var m Member
	var role string
	var jobRole, lastSeen sql.NullString
	if err := r.Scan(&m.TeamID, &m.UserID, &role, &jobRole, &m.JoinedAt, &lastSeen); err != nil {
		return nil, err
	}
	m.Role = types.Role(role)
	m.JobRole = jobRole.String
	m.LastSeen = lastSeen.String
	return &m, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
