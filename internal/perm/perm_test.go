package perm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/neutronlabs/neutron/internal/audit"
	"github.com/neutronlabs/neutron/internal/cache"
	"github.com/neutronlabs/neutron/internal/store"
	"github.com/neutronlabs/neutron/internal/types"
)

func newTestEngine(t *testing.T) (*Engine, *cache.Cache) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	c := cache.New()
	e := New(s, c, audit.Nop{})
	if err := e.Seed(context.Background()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return e, c
}

var admin = types.Principal{UserID: "root", Role: types.RoleAdmin}

func TestSeed_Idempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.Seed(ctx); err != nil {
		t.Fatalf("re-seed: %v", err)
	}
	perms, err := e.ListPermissions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(perms) != len(systemPermissions) {
		t.Fatalf("registry has %d rows, want %d", len(perms), len(systemPermissions))
	}
}

func TestEffectivePermissions_ProfileGrants(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	prof, err := e.CreateProfile(ctx, admin, "writers", "", "", "")
	if err != nil {
		t.Fatalf("create profile: %v", err)
	}
	if err := e.SetProfileGrant(ctx, admin, ProfileGrant{ProfileID: prof.ID, PermissionID: "perm_wf_write", Granted: true}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := e.AssignProfile(ctx, admin, prof.ID, "alice"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	alice := types.Principal{UserID: "alice", Role: types.RoleMember}
	grants, err := e.EffectivePermissions(ctx, alice)
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	if _, ok := grants["workflows.write"]; !ok {
		t.Fatalf("workflows.write missing: %v", grants)
	}

	ok, err := e.Has(ctx, alice, "workflows.write")
	if err != nil || !ok {
		t.Fatalf("Has = (%v, %v)", ok, err)
	}
	ok, err = e.Has(ctx, alice, "workflows.execute")
	if err != nil || ok {
		t.Fatalf("ungranted Has = (%v, %v)", ok, err)
	}
}

func TestEffectivePermissions_DenyBeatsGrant(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	granting, _ := e.CreateProfile(ctx, admin, "granting", "", "", "")
	denying, _ := e.CreateProfile(ctx, admin, "denying", "", "", "")
	if err := e.SetProfileGrant(ctx, admin, ProfileGrant{ProfileID: granting.ID, PermissionID: "perm_wf_execute", Granted: true}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := e.SetProfileGrant(ctx, admin, ProfileGrant{ProfileID: denying.ID, PermissionID: "perm_wf_execute", Granted: false}); err != nil {
		t.Fatalf("deny: %v", err)
	}
	if err := e.AssignProfile(ctx, admin, granting.ID, "alice"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := e.AssignProfile(ctx, admin, denying.ID, "alice"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	grants, err := e.EffectivePermissions(ctx, types.Principal{UserID: "alice", Role: types.RoleMember})
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	if _, ok := grants["workflows.execute"]; ok {
		t.Fatal("explicit deny did not remove the grant")
	}
}

func TestEffectivePermissions_RoleProfiles(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	prof, _ := e.CreateProfile(ctx, admin, "admin defaults", "", "", types.RoleAdmin)
	if err := e.SetProfileGrant(ctx, admin, ProfileGrant{ProfileID: prof.ID, PermissionID: "perm_team_manage", Granted: true}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	grants, err := e.EffectivePermissions(ctx, types.Principal{UserID: "bob", Role: types.RoleAdmin})
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	if _, ok := grants["team.members.manage"]; !ok {
		t.Fatal("role profile grant missing for admin")
	}

	grants, err = e.EffectivePermissions(ctx, types.Principal{UserID: "carol", Role: types.RoleMember})
	if err != nil {
		t.Fatalf("effective: %v", err)
	}
	if _, ok := grants["team.members.manage"]; ok {
		t.Fatal("role profile grant leaked to member")
	}
}

func TestPermissionSets_ExpiryExcluded(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	set, err := e.CreateSet(ctx, admin, "oncall", "")
	if err != nil {
		t.Fatalf("create set: %v", err)
	}
	if err := e.SetSetGrant(ctx, admin, SetGrant{SetID: set.ID, PermissionID: "perm_sync_admin", Granted: true}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	// Live assignment grants; expired assignment does not.
	if err := e.AssignSet(ctx, admin, set.ID, "alice", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("assign live: %v", err)
	}
	if err := e.AssignSet(ctx, admin, set.ID, "bob", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("assign expired: %v", err)
	}

	alice := types.Principal{UserID: "alice", Role: types.RoleMember}
	if ok, _ := e.Has(ctx, alice, "sync.peers.manage"); !ok {
		t.Fatal("live set assignment not granting")
	}
	bob := types.Principal{UserID: "bob", Role: types.RoleMember}
	if ok, _ := e.Has(ctx, bob, "sync.peers.manage"); ok {
		t.Fatal("expired set assignment still granting")
	}
}

func TestAssignProfile_IdempotentAndCacheInvalidation(t *testing.T) {
	e, c := newTestEngine(t)
	ctx := context.Background()

	prof, _ := e.CreateProfile(ctx, admin, "writers", "", "", "")
	if err := e.AssignProfile(ctx, admin, prof.ID, "alice"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := e.AssignProfile(ctx, admin, prof.ID, "alice"); err != nil {
		t.Fatalf("re-assign: %v", err)
	}

	alice := types.Principal{UserID: "alice", Role: types.RoleMember}
	if _, err := e.EffectivePermissions(ctx, alice); err != nil {
		t.Fatalf("effective: %v", err)
	}
	if _, ok := c.Get("perm:alice:"); !ok {
		t.Fatal("effective permissions not cached")
	}

	// Granting on the assigned profile invalidates the cached entry.
	if err := e.SetProfileGrant(ctx, admin, ProfileGrant{ProfileID: prof.ID, PermissionID: "perm_wf_read", Granted: true}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, ok := c.Get("perm:alice:"); ok {
		t.Fatal("cache entry survived a profile grant change")
	}
	if ok, _ := e.Has(ctx, alice, "workflows.read"); !ok {
		t.Fatal("fresh grant not visible")
	}
}

func TestProfileDeactivation_RemovesGrants(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	prof, _ := e.CreateProfile(ctx, admin, "writers", "", "", "")
	if err := e.SetProfileGrant(ctx, admin, ProfileGrant{ProfileID: prof.ID, PermissionID: "perm_wf_write", Granted: true}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := e.AssignProfile(ctx, admin, prof.ID, "alice"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	alice := types.Principal{UserID: "alice", Role: types.RoleMember}
	if ok, _ := e.Has(ctx, alice, "workflows.write"); !ok {
		t.Fatal("grant missing before deactivation")
	}
	if err := e.SetProfileActive(ctx, admin, prof.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if ok, _ := e.Has(ctx, alice, "workflows.write"); ok {
		t.Fatal("inactive profile still granting")
	}
}

func TestFounderRights_Lifecycle(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if err := e.GrantFounder(ctx, "root", "alice", "hunter2", "bootstrap"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if ok, err := e.CheckFounder(ctx, "alice", "hunter2"); err != nil || !ok {
		t.Fatalf("check correct key = (%v, %v)", ok, err)
	}
	if ok, _ := e.CheckFounder(ctx, "alice", "wrong"); ok {
		t.Fatal("wrong key accepted")
	}
	if ok, err := e.HasFounderRights(ctx, "alice"); err != nil || !ok {
		t.Fatalf("has rights after grant = (%v, %v)", ok, err)
	}
	if ok, _ := e.HasFounderRights(ctx, "bob"); ok {
		t.Fatal("ungranted user has rights")
	}

	var createdAt string
	if err := e.store.App.QueryRow(
		"SELECT created_at FROM god_rights_auth WHERE user_id = 'alice'").Scan(&createdAt); err != nil {
		t.Fatalf("read created_at: %v", err)
	}

	if err := e.RevokeFounder(ctx, "root", "alice"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if ok, _ := e.CheckFounder(ctx, "alice", "hunter2"); ok {
		t.Fatal("revoked grant still checks")
	}
	if ok, _ := e.HasFounderRights(ctx, "alice"); ok {
		t.Fatal("revoked grant still reports rights")
	}
	grants, err := e.ListFounders(ctx, true)
	if err != nil || len(grants) != 1 {
		t.Fatalf("revoked row not preserved: %v %v", grants, err)
	}
	if grants[0].IsActive || grants[0].RevokedAt == "" || grants[0].RevokedBy != "root" {
		t.Fatalf("revocation stamp wrong: %+v", grants[0])
	}
	if active, _ := e.ListFounders(ctx, false); len(active) != 0 {
		t.Fatalf("active-only listing returned %d rows", len(active))
	}

	if err := e.ReactivateFounder(ctx, "root", "alice"); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if ok, _ := e.CheckFounder(ctx, "alice", "hunter2"); !ok {
		t.Fatal("reactivated grant does not check")
	}
	if ok, _ := e.HasFounderRights(ctx, "alice"); !ok {
		t.Fatal("reactivated grant does not report rights")
	}
	var after string
	if err := e.store.App.QueryRow(
		"SELECT created_at FROM god_rights_auth WHERE user_id = 'alice'").Scan(&after); err != nil {
		t.Fatalf("read created_at: %v", err)
	}
	if after != createdAt {
		t.Fatalf("created_at changed across reactivation: %s -> %s", createdAt, after)
	}

	if err := e.ReactivateFounder(ctx, "root", "alice"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("reactivate active grant = %v, want ErrNotFound", err)
	}
}

func TestHas_GodRightsBypasses(t *testing.T) {
	e, _ := newTestEngine(t)
	god := types.Principal{UserID: "root", Role: types.RoleGodRights}
	if ok, err := e.Has(context.Background(), god, "workflows.execute"); err != nil || !ok {
		t.Fatalf("god_rights Has = (%v, %v)", ok, err)
	}
}
