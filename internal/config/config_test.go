package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.SyncSchedule != DefaultSyncSchedule {
		t.Errorf("sync_schedule = %q", cfg.SyncSchedule)
	}
	if cfg.DataDir == "" {
		t.Error("data_dir is empty")
	}
}

func TestLoadParsesFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "neutron.yaml")
	content := `
data_dir: /var/lib/neutron
listen_addr: 0.0.0.0:9000
sync_schedule: "*/10 * * * *"
watch_roots:
  - /srv/inbox
peers:
  - peer_id: peer-x
    host: 10.0.0.2
    port: 7433
team_keys:
  team_1: "deadbeef"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("NEUTRON_DATA_DIR", "/tmp/neutron-override")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DataDir != "/tmp/neutron-override" {
		t.Errorf("data_dir = %q, env override lost", cfg.DataDir)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if len(cfg.WatchRoots) != 1 || cfg.WatchRoots[0] != "/srv/inbox" {
		t.Errorf("watch_roots = %v", cfg.WatchRoots)
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0].PeerID != "peer-x" {
		t.Errorf("peers = %+v", cfg.Peers)
	}

	keys := cfg.DecodedTeamKeys()
	if len(keys["team_1"]) != 4 {
		t.Errorf("team_1 key = %x", keys["team_1"])
	}
}

func TestLoadRejectsBadTeamKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "neutron.yaml")
	content := "team_keys:\n  team_1: \"not hex\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for non-hex team key")
	}
}

func TestLoadRejectsIncompletePeer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "neutron.yaml")
	content := "peers:\n  - peer_id: peer-x\n    host: 10.0.0.2\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for peer without port")
	}
}
