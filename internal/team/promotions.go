package team

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/neutronlabs/neutron/internal/audit"
	"github.com/neutronlabs/neutron/internal/identity"
	"github.com/neutronlabs/neutron/internal/types"
)

// DelayedPromotion is a scheduled role change.
type DelayedPromotion struct {
	ID          int64
	TeamID      string
	UserID      string
	FromRole    types.Role
	ToRole      types.Role
	ScheduledAt string
	ExecuteAt   string
	Executed    bool
	ExecutedAt  string
}

// SchedulePromotion schedules a role change to apply at executeAt. A
// (team, user) pair has at most one pending promotion.
func (s *Service) SchedulePromotion(ctx context.Context, p types.Principal, teamID, userID string, toRole types.Role, executeAt time.Time) (*DelayedPromotion, error) {
	if !toRole.Valid() || toRole == types.RoleGodRights {
		return nil, fmt.Errorf("role %q out of range", toRole)
	}
	if err := s.requireTeamAdmin(ctx, p, teamID); err != nil {
		return nil, err
	}
	m, err := s.GetMember(ctx, teamID, userID)
	if err != nil {
		return nil, err
	}

	var pending int
	err = s.store.App.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM delayed_promotions WHERE team_id = ? AND user_id = ? AND executed = 0",
		teamID, userID).Scan(&pending)
	if err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	if pending > 0 {
		return nil, fmt.Errorf("promotion already pending for %s in %s", userID, teamID)
	}

	dp := &DelayedPromotion{
		TeamID:      teamID,
		UserID:      userID,
		FromRole:    m.Role,
		ToRole:      toRole,
		ScheduledAt: identity.Timestamp(time.Now()),
		ExecuteAt:   identity.Timestamp(executeAt),
	}
	err = s.store.Write(func() error {
		res, err := s.store.App.ExecContext(ctx,
			`INSERT INTO delayed_promotions (team_id, user_id, from_role, to_role, scheduled_at, execute_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			dp.TeamID, dp.UserID, string(dp.FromRole), string(dp.ToRole), dp.ScheduledAt, dp.ExecuteAt)
		if err != nil {
			return err
		}
		dp.ID, _ = res.LastInsertId()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("insert promotion: %w", err)
	}

	s.audit.Record(ctx, audit.Entry{
		Action: "team.promotion.schedule", ActorID: p.UserID,
		ResourceType: "team", ResourceID: teamID,
		Details: map[string]any{"user_id": userID, "to_role": string(toRole), "execute_at": dp.ExecuteAt},
	})
	return dp, nil
}

// CancelPromotion drops a pending promotion.
func (s *Service) CancelPromotion(ctx context.Context, p types.Principal, teamID, userID string) error {
	if err := s.requireTeamAdmin(ctx, p, teamID); err != nil {
		return err
	}
	return s.store.Write(func() error {
		res, err := s.store.App.ExecContext(ctx,
			"DELETE FROM delayed_promotions WHERE team_id = ? AND user_id = ? AND executed = 0",
			teamID, userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("pending promotion for %s in %s: %w", userID, teamID, types.ErrNotFound)
		}
		return nil
	})
}

// SweepPromotions applies every due pending promotion and marks it
// executed. Per-row failures are logged; the sweep continues.
func (s *Service) SweepPromotions(ctx context.Context) (int, error) {
	now := identity.Timestamp(time.Now())
	rows, err := s.store.App.QueryContext(ctx,
		`SELECT id, team_id, user_id, to_role FROM delayed_promotions
		 WHERE executed = 0 AND execute_at <= ? ORDER BY execute_at`, now)
	if err != nil {
		return 0, fmt.Errorf("query due promotions: %w", err)
	}
	type due struct {
		id             int64
		teamID, userID string
		toRole         types.Role
	}
	var batch []due
	for rows.Next() {
		var d due
		var toRole string
		if err := rows.Scan(&d.id, &d.teamID, &d.userID, &toRole); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan promotion: %w", err)
		}
		d.toRole = types.Role(toRole)
		batch = append(batch, d)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate promotions: %w", err)
	}

	applied := 0
	for _, d := range batch {
		err := s.store.WriteTx(ctx, s.store.App, func(tx *sql.Tx) error {
			if _, err := tx.Exec(
				"UPDATE team_members SET role = ? WHERE team_id = ? AND user_id = ?",
				string(d.toRole), d.teamID, d.userID,
			); err != nil {
				return fmt.Errorf("apply role: %w", err)
			}
			if _, err := tx.Exec(
				"UPDATE delayed_promotions SET executed = 1, executed_at = ? WHERE id = ?",
				identity.Timestamp(time.Now()), d.id,
			); err != nil {
				return fmt.Errorf("mark executed: %w", err)
			}
			return nil
		})
		if err != nil {
			log.Printf("sweeper: promotion %d (%s in %s): %v", d.id, d.userID, d.teamID, err)
			continue
		}
		applied++
		s.audit.Record(ctx, audit.Entry{
			Action: "team.promotion.apply", ActorID: "system",
			ResourceType: "team", ResourceID: d.teamID,
			Details: map[string]any{"user_id": d.userID, "to_role": string(d.toRole)},
		})
	}
	return applied, nil
}

// TempPromotion is one break-glass promotion row.
type TempPromotion struct {
	ID                   int64
	TeamID               string
	OriginalSuperAdminID string
	PromotedAdminID      string
	Status               string // active, approved, reverted
	CreatedAt            string
	ResolvedAt           string
}

// BreakGlassPromote temporarily promotes the team's most senior admin
// (earliest joined_at) to super_admin when the current super_admin is
// unavailable. A team has at most one active temp promotion.
func (s *Service) BreakGlassPromote(ctx context.Context, teamID, unavailableSuperAdminID string) (*TempPromotion, error) {
	sa, err := s.GetMember(ctx, teamID, unavailableSuperAdminID)
	if err != nil {
		return nil, err
	}
	if sa.Role != types.RoleSuperAdmin {
		return nil, fmt.Errorf("%s is not the super admin of %s", unavailableSuperAdminID, teamID)
	}

	var active int
	err = s.store.App.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM temp_promotions WHERE team_id = ? AND status = 'active'", teamID,
	).Scan(&active)
	if err != nil {
		return nil, fmt.Errorf("count active: %w", err)
	}
	if active > 0 {
		return nil, fmt.Errorf("temp promotion already active for %s", teamID)
	}

	var adminID string
	err = s.store.App.QueryRowContext(ctx,
		`SELECT user_id FROM team_members WHERE team_id = ? AND role = ?
		 ORDER BY joined_at LIMIT 1`, teamID, string(types.RoleAdmin),
	).Scan(&adminID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no admin to promote in %s: %w", teamID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query senior admin: %w", err)
	}

	tp := &TempPromotion{
		TeamID:               teamID,
		OriginalSuperAdminID: unavailableSuperAdminID,
		PromotedAdminID:      adminID,
		Status:               "active",
		CreatedAt:            identity.Timestamp(time.Now()),
	}
	err = s.store.WriteTx(ctx, s.store.App, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`INSERT INTO temp_promotions (team_id, original_super_admin_id, promoted_admin_id, status, created_at)
			 VALUES (?, ?, ?, 'active', ?)`,
			tp.TeamID, tp.OriginalSuperAdminID, tp.PromotedAdminID, tp.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert temp promotion: %w", err)
		}
		tp.ID, _ = res.LastInsertId()
		if _, err := tx.Exec(
			"UPDATE team_members SET role = ? WHERE team_id = ? AND user_id = ?",
			string(types.RoleSuperAdmin), teamID, adminID,
		); err != nil {
			return fmt.Errorf("promote admin: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Entry{
		Action: "team.promotion.breakglass", ActorID: "system",
		ResourceType: "team", ResourceID: teamID,
		Details: map[string]any{"promoted": adminID, "unavailable": unavailableSuperAdminID},
	})
	return tp, nil
}

// ApproveTempPromotion makes the break-glass promotion permanent: the
// promoted admin keeps super_admin and the row resolves to approved.
func (s *Service) ApproveTempPromotion(ctx context.Context, p types.Principal, teamID string) error {
	return s.resolveTempPromotion(ctx, p, teamID, "approved", false)
}

// RevertTempPromotion undoes the break-glass promotion: the promoted admin
// drops back to admin and the row resolves to reverted.
func (s *Service) RevertTempPromotion(ctx context.Context, p types.Principal, teamID string) error {
	return s.resolveTempPromotion(ctx, p, teamID, "reverted", true)
}

func (s *Service) resolveTempPromotion(ctx context.Context, p types.Principal, teamID, status string, demote bool) error {
	if err := s.requireTeamAdmin(ctx, p, teamID); err != nil {
		return err
	}

	var id int64
	var promotedID string
	err := s.store.App.QueryRowContext(ctx,
		"SELECT id, promoted_admin_id FROM temp_promotions WHERE team_id = ? AND status = 'active'", teamID,
	).Scan(&id, &promotedID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("active temp promotion for %s: %w", teamID, types.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("query temp promotion: %w", err)
	}

	err = s.store.WriteTx(ctx, s.store.App, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"UPDATE temp_promotions SET status = ?, resolved_at = ? WHERE id = ?",
			status, identity.Timestamp(time.Now()), id,
		); err != nil {
			return fmt.Errorf("resolve: %w", err)
		}
		if demote {
			if _, err := tx.Exec(
				"UPDATE team_members SET role = ? WHERE team_id = ? AND user_id = ?",
				string(types.RoleAdmin), teamID, promotedID,
			); err != nil {
				return fmt.Errorf("demote: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.audit.Record(ctx, audit.Entry{
		Action: "team.promotion." + status, ActorID: p.UserID,
		ResourceType: "team", ResourceID: teamID,
		Details: map[string]any{"promoted": promotedID},
	})
	return nil
}
