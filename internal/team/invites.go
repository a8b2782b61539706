package team

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/neutronlabs/neutron/internal/audit"
	"github.com/neutronlabs/neutron/internal/identity"
	"github.com/neutronlabs/neutron/internal/types"
)

// Invite redemption throttling.
const (
	inviteFailureWindow = 15 * time.Minute
	inviteMaxFailures   = 5
)

// InviteCode is one invite row.
type InviteCode struct {
	Code      string
	TeamID    string
	ExpiresAt string
	Used      bool
	CreatedAt string
}

// CreateInviteCode issues a new invite for a team. A team has at most one
// active code: issuing a new one invalidates any previous active codes.
func (s *Service) CreateInviteCode(ctx context.Context, p types.Principal, teamID string, ttl time.Duration) (*InviteCode, error) {
	if err := s.requireTeamAdmin(ctx, p, teamID); err != nil {
		return nil, err
	}

	now := time.Now()
	inv := &InviteCode{
		Code:      identity.NewInviteCode(),
		TeamID:    teamID,
		CreatedAt: identity.Timestamp(now),
	}
	if ttl > 0 {
		inv.ExpiresAt = identity.Timestamp(now.Add(ttl))
	}

	err := s.store.WriteTx(ctx, s.store.App, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"UPDATE invite_codes SET used = 1 WHERE team_id = ? AND used = 0", teamID,
		); err != nil {
			return fmt.Errorf("invalidate old codes: %w", err)
		}
		if _, err := tx.Exec(
			"INSERT INTO invite_codes (code, team_id, expires_at, created_at) VALUES (?, ?, ?, ?)",
			inv.Code, teamID, nullable(inv.ExpiresAt), inv.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert code: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Entry{
		Action: "team.invite.create", ActorID: p.UserID,
		ResourceType: "team", ResourceID: teamID,
	})
	return inv, nil
}

// RedeemInviteCode joins userID to the invite's team. Every attempt is
// recorded; once a (code, ip) pair has accumulated inviteMaxFailures
// failures inside the window, further attempts are refused with
// ErrRateLimited whether or not the code is correct.
func (s *Service) RedeemInviteCode(ctx context.Context, userID, code, ip string) (*Member, error) {
	if !s.limiter.allow(code, ip) {
		return nil, fmt.Errorf("redeem invite: %w", types.ErrRateLimited)
	}

	windowStart := identity.Timestamp(time.Now().Add(-inviteFailureWindow))
	var failures int
	err := s.store.App.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM invite_attempts WHERE code = ? AND ip = ? AND success = 0 AND attempted_at >= ?",
		code, ip, windowStart).Scan(&failures)
	if err != nil {
		return nil, fmt.Errorf("count attempts: %w", err)
	}
	if failures >= inviteMaxFailures {
		s.recordAttempt(ctx, code, ip, false)
		return nil, fmt.Errorf("redeem invite: %w", types.ErrRateLimited)
	}

	var inv InviteCode
	var expiresAt sql.NullString
	var used int
	err = s.store.App.QueryRowContext(ctx,
		"SELECT code, team_id, expires_at, used, created_at FROM invite_codes WHERE code = ?", code,
	).Scan(&inv.Code, &inv.TeamID, &expiresAt, &used, &inv.CreatedAt)
	if err == sql.ErrNoRows {
		s.recordAttempt(ctx, code, ip, false)
		return nil, fmt.Errorf("invite code: %w", types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query code: %w", err)
	}
	if used != 0 || (expiresAt.Valid && expiresAt.String < identity.Timestamp(time.Now())) {
		s.recordAttempt(ctx, code, ip, false)
		return nil, fmt.Errorf("invite code: %w", types.ErrNotFound)
	}

	// The join and the code burn commit together: a redeemed code is
	// single-use.
	m := &Member{TeamID: inv.TeamID, UserID: userID, Role: types.RoleMember, JoinedAt: identity.Timestamp(time.Now())}
	err = s.store.WriteTx(ctx, s.store.App, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"INSERT INTO team_members (team_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)",
			m.TeamID, m.UserID, string(m.Role), m.JoinedAt,
		); err != nil {
			return err
		}
		_, err := tx.Exec("UPDATE invite_codes SET used = 1 WHERE code = ?", inv.Code)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("join team: %w", err)
	}
	s.recordAttempt(ctx, code, ip, true)

	s.audit.Record(ctx, audit.Entry{
		Action: "team.invite.redeem", ActorID: userID,
		ResourceType: "team", ResourceID: inv.TeamID, IP: ip,
	})
	return m, nil
}

// recordAttempt logs one redemption attempt. Best effort.
func (s *Service) recordAttempt(ctx context.Context, code, ip string, success bool) {
	ok := 0
	if success {
		ok = 1
	}
	_ = s.store.Write(func() error {
		_, err := s.store.App.ExecContext(ctx,
			"INSERT INTO invite_attempts (code, ip, success, attempted_at) VALUES (?, ?, ?, ?)",
			code, ip, ok, identity.Timestamp(time.Now()))
		return err
	})
}

// inviteLimiter throttles redemption attempts per (code, ip) before any
// database work happens.
type inviteLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newInviteLimiter() *inviteLimiter {
	return &inviteLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (l *inviteLimiter) allow(code, ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := code + "|" + ip
	lim, ok := l.limiters[key]
	if !ok {
		// One attempt per 3 s sustained, bursts of inviteMaxFailures.
		lim = rate.NewLimiter(rate.Every(3*time.Second), inviteMaxFailures)
		l.limiters[key] = lim
	}
	return lim.Allow()
}
