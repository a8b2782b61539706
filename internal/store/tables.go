package store

import (
	"database/sql"
	"fmt"

	"github.com/neutronlabs/neutron/internal/types"
)

// tableHomes maps each replicated table to its logical database.
var tableHomes = map[string]func(*Store) *sql.DB{
	"chat_sessions":  func(s *Store) *sql.DB { return s.Chat },
	"chat_messages":  func(s *Store) *sql.DB { return s.Chat },
	"chat_context":   func(s *Store) *sql.DB { return s.Chat },
	"vault_files":    func(s *Store) *sql.DB { return s.App },
	"vault_folders":  func(s *Store) *sql.DB { return s.App },
	"vault_metadata": func(s *Store) *sql.DB { return s.App },
	"workflows":      func(s *Store) *sql.DB { return s.Workflows },
	"work_items":     func(s *Store) *sql.DB { return s.Workflows },
	"team_notes":     func(s *Store) *sql.DB { return s.App },
	"team_documents": func(s *Store) *sql.DB { return s.App },
	"shared_queries": func(s *Store) *sql.DB { return s.App },
	"query_history":  func(s *Store) *sql.DB { return s.App },
}

// DBForTable resolves the database that holds a replicated table. Tables
// outside the replication set resolve to ErrNotSyncable.
func (s *Store) DBForTable(table string) (*sql.DB, error) {
	home, ok := tableHomes[table]
	if !ok {
		return nil, fmt.Errorf("table %q: %w", table, types.ErrNotSyncable)
	}
	return home(s), nil
}
