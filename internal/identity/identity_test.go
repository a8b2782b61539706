package identity_test

import (
	"strings"
	"testing"

	"github.com/neutronlabs/neutron/internal/identity"
)

func TestPeerID_StableAcrossCalls(t *testing.T) {
	dir := t.TempDir()

	first, err := identity.PeerID(dir)
	if err != nil {
		t.Fatalf("peer id: %v", err)
	}
	if len(first) != identity.PeerIDLength {
		t.Fatalf("peer id length = %d, want %d", len(first), identity.PeerIDLength)
	}

	second, err := identity.PeerID(dir)
	if err != nil {
		t.Fatalf("peer id: %v", err)
	}
	if first != second {
		t.Errorf("peer id not stable: %s != %s", first, second)
	}
}

func TestPeerID_IsLowerHex(t *testing.T) {
	id, err := identity.PeerID(t.TempDir())
	if err != nil {
		t.Fatalf("peer id: %v", err)
	}
	for _, c := range id {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Fatalf("peer id %q contains non-hex char %q", id, c)
		}
	}
}

func TestEntityIDPrefixes(t *testing.T) {
	cases := []struct {
		gen    func() string
		prefix string
	}{
		{identity.NewSessionID, "ses_"},
		{identity.NewWorkflowID, "wf_"},
		{identity.NewWorkItemID, "wi_"},
		{identity.NewQueueID, "q_"},
		{identity.NewTeamID, "team_"},
		{identity.NewProfileID, "prof_"},
		{identity.NewPermissionSetID, "pset_"},
	}
	for _, c := range cases {
		id := c.gen()
		if !strings.HasPrefix(id, c.prefix) {
			t.Errorf("id %q missing prefix %q", id, c.prefix)
		}
		if len(id) != len(c.prefix)+26 { // ULID is 26 chars
			t.Errorf("id %q has unexpected length %d", id, len(id))
		}
	}
}

func TestNewOpID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := identity.NewOpID()
		if seen[id] {
			t.Fatalf("duplicate op id %s", id)
		}
		seen[id] = true
	}
}
