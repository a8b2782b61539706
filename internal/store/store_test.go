package store_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/neutronlabs/neutron/internal/store"
	"github.com/neutronlabs/neutron/internal/types"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_SchemaIdempotent(t *testing.T) {
	dir := t.TempDir()

	s, err := store.Open(dir)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Re-opening over existing files must not fail: CREATE IF NOT EXISTS
	// plus swallowed duplicate-column migrations.
	s, err = store.Open(dir)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s.Close()

	var n int
	if err := s.Chat.QueryRow("SELECT COUNT(*) FROM chat_sessions").Scan(&n); err != nil {
		t.Fatalf("query chat_sessions: %v", err)
	}
}

func TestWriteTx_RollsBackOnError(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WriteTx(ctx, s.App, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"INSERT INTO teams (team_id, name, created_by, created_at) VALUES (?, ?, ?, ?)",
			"team_x", "X", "u1", "2024-01-01T00:00:00Z",
		); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WriteTx error = %v, want boom", err)
	}

	var n int
	if err := s.App.QueryRow("SELECT COUNT(*) FROM teams").Scan(&n); err != nil {
		t.Fatalf("count teams: %v", err)
	}
	if n != 0 {
		t.Errorf("rows after rollback = %d, want 0", n)
	}
}

func TestWrite_SerializesConcurrentWriters(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.WriteTx(ctx, s.App, func(tx *sql.Tx) error {
				_, err := tx.Exec(
					"INSERT INTO audit_log (action, actor_id, recorded_at) VALUES (?, ?, ?)",
					"test", "u1", "2024-01-01T00:00:00Z",
				)
				return err
			})
			if err != nil {
				t.Errorf("writer %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	var n int
	if err := s.App.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 20 {
		t.Errorf("rows = %d, want 20", n)
	}
}

func TestDBForTable(t *testing.T) {
	s := openStore(t)

	db, err := s.DBForTable("chat_messages")
	if err != nil {
		t.Fatalf("chat_messages: %v", err)
	}
	if db != s.Chat {
		t.Error("chat_messages should resolve to the chat database")
	}

	if _, err := s.DBForTable("users"); !errors.Is(err, types.ErrNotSyncable) {
		t.Errorf("users error = %v, want ErrNotSyncable", err)
	}
}
