// Package store is the embedded storage substrate: four logical SQLite
// databases opened in WAL mode, a process-wide write mutex that serializes
// all mutating statements, and idempotent schema initialization.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// Logical database file names.
const (
	ChatDBFile      = "chat_memory.db"
	AppDBFile       = "neutron.db"
	SyncDBFile      = "neutron_sync.db"
	WorkflowsDBFile = "workflows.db"
)

// Store owns the four logical databases and the global write mutex.
// Reads go straight to the handles; every mutating statement must run
// inside Write or WriteTx so that bursty writers never hit SQLITE_BUSY.
type Store struct {
	Chat      *sql.DB
	App       *sql.DB
	Sync      *sql.DB
	Workflows *sql.DB

	writeMu sync.Mutex
}

// Open opens (creating if needed) the databases under dir and initializes
// their schemas.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Store{}
	opened := []*sql.DB{}

	open := func(file string, init func(*sql.DB) error) (*sql.DB, error) {
		db, err := openDB(filepath.Join(dir, file))
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", file, err)
		}
		opened = append(opened, db)
		if err := init(db); err != nil {
			return nil, fmt.Errorf("init %s schema: %w", file, err)
		}
		return db, nil
	}

	var err error
	if s.Chat, err = open(ChatDBFile, initChatSchema); err == nil {
		if s.App, err = open(AppDBFile, initAppSchema); err == nil {
			if s.Sync, err = open(SyncDBFile, initSyncSchema); err == nil {
				s.Workflows, err = open(WorkflowsDBFile, initWorkflowSchema)
			}
		}
	}
	if err != nil {
		for _, db := range opened {
			_ = db.Close()
		}
		return nil, err
	}

	return s, nil
}

// openDB opens one SQLite database with the pragmas the substrate requires.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA mmap_size = 268435456",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	return db, nil
}

// Close closes all databases.
func (s *Store) Close() error {
	var errs []error
	for _, db := range []*sql.DB{s.Chat, s.App, s.Sync, s.Workflows} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Write runs fn while holding the global write mutex. fn must contain every
// mutating statement of the operation, and nothing slow besides them.
func (s *Store) Write(fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return fn()
}

// WriteTx runs fn inside a transaction on db, serialized by the global
// write mutex. The transaction is rolled back when fn returns an error.
func (s *Store) WriteTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
