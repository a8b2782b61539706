package store

import (
	"database/sql"
	"fmt"
	"strings"
)

// execAll runs each statement in order inside one transaction.
func execAll(db *sql.DB, stmts []string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// addColumn applies an additive migration. The "duplicate column name"
// failure from re-running it is swallowed; anything else propagates.
func addColumn(db *sql.DB, table, columnDef string) error {
	_, err := db.Exec("ALTER TABLE " + table + " ADD COLUMN " + columnDef)
	if err != nil && strings.Contains(err.Error(), "duplicate column name") {
		return nil
	}
	return err
}

// initChatSchema creates the chat memory tables.
func initChatSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id                TEXT PRIMARY KEY,
			title             TEXT,
			default_model     TEXT,
			models_used       TEXT DEFAULT '',
			user_id           TEXT NOT NULL,
			team_id           TEXT,
			summary           TEXT,
			archived          INTEGER DEFAULT 0,
			auto_titled       INTEGER DEFAULT 0,
			selected_mode     TEXT DEFAULT 'intelligent',
			selected_model_id TEXT,
			message_count     INTEGER DEFAULT 0,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS chat_messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			timestamp  TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			model      TEXT,
			tokens     INTEGER,
			files      TEXT,
			user_id    TEXT NOT NULL,
			team_id    TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS message_embeddings (
			message_id     INTEGER PRIMARY KEY,
			session_id     TEXT NOT NULL,
			embedding_json TEXT NOT NULL,
			team_id        TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS conversation_summaries (
			session_id  TEXT PRIMARY KEY,
			summary     TEXT NOT NULL,
			events_json TEXT NOT NULL,
			models_used TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS document_chunks (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id     TEXT NOT NULL,
			file_id        TEXT NOT NULL,
			filename       TEXT NOT NULL,
			chunk_index    INTEGER NOT NULL,
			total_chunks   INTEGER NOT NULL,
			content        TEXT NOT NULL,
			embedding_json TEXT,
			team_id        TEXT
		)`,

		// Replicated per-session context rows (key/value, syncable).
		`CREATE TABLE IF NOT EXISTS chat_context (
			id         TEXT PRIMARY KEY,
			session_id TEXT,
			context_key   TEXT,
			context_value TEXT,
			user_id    TEXT,
			team_id    TEXT,
			updated_at TEXT
		)`,

		"CREATE INDEX IF NOT EXISTS idx_sessions_user ON chat_sessions(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_sessions_team ON chat_sessions(team_id)",
		"CREATE INDEX IF NOT EXISTS idx_messages_session ON chat_messages(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_messages_time ON chat_messages(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_messages_user ON chat_messages(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_messages_team ON chat_messages(team_id)",
		"CREATE INDEX IF NOT EXISTS idx_embeddings_session ON message_embeddings(session_id)",
		"CREATE INDEX IF NOT EXISTS idx_chunks_session ON document_chunks(session_id)",
	}
	if err := execAll(db, stmts); err != nil {
		return err
	}

	// Additive migrations (order is stable; additions only).
	migrations := []struct{ table, col string }{
		{"chat_sessions", "selected_mode TEXT DEFAULT 'intelligent'"},
		{"chat_sessions", "selected_model_id TEXT"},
		{"chat_sessions", "auto_titled INTEGER DEFAULT 0"},
		{"chat_messages", "files TEXT"},
	}
	for _, m := range migrations {
		if err := addColumn(db, m.table, m.col); err != nil {
			return fmt.Errorf("add column %s.%s: %w", m.table, m.col, err)
		}
	}
	return nil
}

// initAppSchema creates the user/team/permission tables.
func initAppSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id               TEXT PRIMARY KEY,
			username              TEXT UNIQUE NOT NULL,
			role                  TEXT NOT NULL DEFAULT 'member',
			is_active             INTEGER DEFAULT 1,
			must_change_password  INTEGER DEFAULT 0,
			failed_login_attempts INTEGER DEFAULT 0,
			lockout_until         TEXT,
			created_at            TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS teams (
			team_id    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			created_by TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS team_members (
			team_id   TEXT NOT NULL,
			user_id   TEXT NOT NULL,
			role      TEXT NOT NULL DEFAULT 'member',
			job_role  TEXT,
			joined_at TEXT NOT NULL,
			last_seen TEXT,
			UNIQUE(team_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS invite_codes (
			code       TEXT PRIMARY KEY,
			team_id    TEXT NOT NULL,
			expires_at TEXT,
			used       INTEGER DEFAULT 0,
			created_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS invite_attempts (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			code         TEXT NOT NULL,
			ip           TEXT NOT NULL,
			success      INTEGER DEFAULT 0,
			attempted_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS god_rights_auth (
			user_id       TEXT PRIMARY KEY,
			auth_key_hash TEXT,
			delegated_by  TEXT,
			is_active     INTEGER DEFAULT 1,
			created_at    TEXT NOT NULL,
			revoked_at    TEXT,
			revoked_by    TEXT,
			notes         TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS delayed_promotions (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			team_id      TEXT NOT NULL,
			user_id      TEXT NOT NULL,
			from_role    TEXT NOT NULL,
			to_role      TEXT NOT NULL,
			scheduled_at TEXT NOT NULL,
			execute_at   TEXT NOT NULL,
			executed     INTEGER DEFAULT 0,
			executed_at  TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS temp_promotions (
			id                      INTEGER PRIMARY KEY AUTOINCREMENT,
			team_id                 TEXT NOT NULL,
			original_super_admin_id TEXT NOT NULL,
			promoted_admin_id       TEXT NOT NULL,
			status                  TEXT NOT NULL DEFAULT 'active',
			created_at              TEXT NOT NULL,
			resolved_at             TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS permissions (
			permission_id   TEXT PRIMARY KEY,
			permission_key  TEXT UNIQUE NOT NULL,
			category        TEXT NOT NULL,
			subcategory     TEXT,
			permission_type TEXT NOT NULL DEFAULT 'boolean',
			is_system       INTEGER DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS permission_profiles (
			profile_id      TEXT PRIMARY KEY,
			profile_name    TEXT NOT NULL,
			description     TEXT,
			team_id         TEXT,
			applies_to_role TEXT,
			is_active       INTEGER DEFAULT 1,
			created_at      TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS profile_grants (
			profile_id       TEXT NOT NULL,
			permission_id    TEXT NOT NULL,
			is_granted       INTEGER NOT NULL DEFAULT 1,
			permission_level TEXT,
			permission_scope TEXT,
			PRIMARY KEY (profile_id, permission_id)
		)`,

		`CREATE TABLE IF NOT EXISTS profile_assignments (
			profile_id  TEXT NOT NULL,
			user_id     TEXT NOT NULL,
			assigned_at TEXT NOT NULL,
			PRIMARY KEY (profile_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS permission_sets (
			permission_set_id TEXT PRIMARY KEY,
			set_name          TEXT NOT NULL,
			team_id           TEXT,
			is_active         INTEGER DEFAULT 1,
			created_at        TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS permission_set_grants (
			permission_set_id TEXT NOT NULL,
			permission_id     TEXT NOT NULL,
			is_granted        INTEGER NOT NULL DEFAULT 1,
			permission_level  TEXT,
			permission_scope  TEXT,
			PRIMARY KEY (permission_set_id, permission_id)
		)`,

		`CREATE TABLE IF NOT EXISTS permission_set_assignments (
			permission_set_id TEXT NOT NULL,
			user_id           TEXT NOT NULL,
			expires_at        TEXT,
			assigned_at       TEXT NOT NULL,
			PRIMARY KEY (permission_set_id, user_id)
		)`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			action        TEXT NOT NULL,
			actor_id      TEXT NOT NULL,
			resource_type TEXT,
			resource_id   TEXT,
			details_json  TEXT,
			ip            TEXT,
			recorded_at   TEXT NOT NULL
		)`,

		// Replicated vault metadata and team document rows (syncable).
		`CREATE TABLE IF NOT EXISTS vault_files (
			id TEXT PRIMARY KEY, folder_id TEXT, name TEXT, content_hash TEXT,
			size_bytes INTEGER, user_id TEXT, team_id TEXT, updated_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS vault_folders (
			id TEXT PRIMARY KEY, parent_id TEXT, name TEXT,
			user_id TEXT, team_id TEXT, updated_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS vault_metadata (
			id TEXT PRIMARY KEY, file_id TEXT, meta_key TEXT, meta_value TEXT,
			user_id TEXT, team_id TEXT, updated_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS team_notes (
			id TEXT PRIMARY KEY, title TEXT, content TEXT,
			user_id TEXT, team_id TEXT, updated_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS team_documents (
			id TEXT PRIMARY KEY, title TEXT, content TEXT, content_type TEXT,
			user_id TEXT, team_id TEXT, updated_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS shared_queries (
			id TEXT PRIMARY KEY, name TEXT, query_text TEXT,
			user_id TEXT, team_id TEXT, updated_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS query_history (
			id TEXT PRIMARY KEY, query_text TEXT, executed_at TEXT,
			user_id TEXT, team_id TEXT
		)`,

		"CREATE INDEX IF NOT EXISTS idx_team_members_team ON team_members(team_id)",
		"CREATE INDEX IF NOT EXISTS idx_team_members_user ON team_members(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_invite_attempts_code_ip ON invite_attempts(code, ip, attempted_at)",
		"CREATE INDEX IF NOT EXISTS idx_delayed_promotions_pending ON delayed_promotions(executed, execute_at)",
		"CREATE INDEX IF NOT EXISTS idx_profile_assignments_user ON profile_assignments(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_set_assignments_user ON permission_set_assignments(user_id)",
		"CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor_id, recorded_at)",
	}
	if err := execAll(db, stmts); err != nil {
		return err
	}

	migrations := []struct{ table, col string }{
		{"users", "must_change_password INTEGER DEFAULT 0"},
		{"users", "failed_login_attempts INTEGER DEFAULT 0"},
		{"users", "lockout_until TEXT"},
		{"team_members", "job_role TEXT"},
		{"team_members", "last_seen TEXT"},
		{"god_rights_auth", "notes TEXT"},
	}
	for _, m := range migrations {
		if err := addColumn(db, m.table, m.col); err != nil {
			return fmt.Errorf("add column %s.%s: %w", m.table, m.col, err)
		}
	}
	return nil
}

// initSyncSchema creates the operation log and peer tracking tables.
func initSyncSchema(db *sql.DB) error {
	return execAll(db, []string{
		`CREATE TABLE IF NOT EXISTS sync_operations (
			op_id      TEXT PRIMARY KEY,
			table_name TEXT NOT NULL,
			operation  TEXT NOT NULL,
			row_id     TEXT NOT NULL,
			data       TEXT,
			timestamp  TEXT NOT NULL,
			peer_id    TEXT NOT NULL,
			version    INTEGER NOT NULL,
			team_id    TEXT,
			signature  TEXT NOT NULL DEFAULT '',
			synced     INTEGER DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS peer_sync_state (
			peer_id             TEXT PRIMARY KEY,
			last_sync           TEXT,
			operations_sent     INTEGER DEFAULT 0,
			operations_received INTEGER DEFAULT 0,
			conflicts_resolved  INTEGER DEFAULT 0,
			status              TEXT NOT NULL DEFAULT 'idle'
		)`,

		`CREATE TABLE IF NOT EXISTS version_tracking (
			table_name TEXT NOT NULL,
			row_id     TEXT NOT NULL,
			peer_id    TEXT NOT NULL,
			version    INTEGER NOT NULL,
			timestamp  TEXT NOT NULL,
			PRIMARY KEY (table_name, row_id, peer_id)
		)`,

		"CREATE INDEX IF NOT EXISTS idx_sync_ops_pending ON sync_operations(peer_id, synced, version)",
		"CREATE INDEX IF NOT EXISTS idx_sync_ops_time ON sync_operations(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_version_tracking_row ON version_tracking(table_name, row_id)",
	})
}

// initWorkflowSchema creates the workflow, work item, and queue tables.
func initWorkflowSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			description   TEXT,
			stages        TEXT NOT NULL DEFAULT '[]',
			triggers      TEXT NOT NULL DEFAULT '[]',
			workflow_type TEXT NOT NULL DEFAULT 'local',
			visibility    TEXT,
			owner_team_id TEXT,
			created_by    TEXT NOT NULL,
			is_template   INTEGER DEFAULT 0,
			enabled       INTEGER DEFAULT 1,
			version       INTEGER DEFAULT 1,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS work_items (
			id               TEXT PRIMARY KEY,
			workflow_id      TEXT NOT NULL,
			current_stage_id TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'pending',
			priority         TEXT NOT NULL DEFAULT 'normal',
			assigned_to      TEXT,
			data             TEXT NOT NULL DEFAULT '{}',
			sla_due_at       TEXT,
			is_overdue       INTEGER DEFAULT 0,
			user_id          TEXT NOT NULL,
			team_id          TEXT,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS stage_transitions (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			work_item_id     TEXT NOT NULL,
			from_stage_id    TEXT,
			to_stage_id      TEXT NOT NULL,
			actor_id         TEXT,
			note             TEXT,
			transitioned_at  TEXT NOT NULL,
			duration_seconds INTEGER
		)`,

		`CREATE TABLE IF NOT EXISTS attachments (
			id           TEXT PRIMARY KEY,
			work_item_id TEXT NOT NULL,
			filename     TEXT NOT NULL,
			content_type TEXT,
			size_bytes   INTEGER,
			added_by     TEXT,
			added_at     TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS starred_workflows (
			user_id     TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			starred_at  TEXT NOT NULL,
			PRIMARY KEY (user_id, workflow_id)
		)`,

		`CREATE TABLE IF NOT EXISTS queues (
			queue_id    TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT,
			team_id     TEXT,
			created_by  TEXT NOT NULL,
			created_at  TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS queue_permissions (
			queue_id    TEXT NOT NULL,
			access_type TEXT NOT NULL,
			grant_type  TEXT NOT NULL,
			grant_value TEXT NOT NULL,
			PRIMARY KEY (queue_id, access_type, grant_type, grant_value)
		)`,

		"CREATE INDEX IF NOT EXISTS idx_workflows_visibility ON workflows(visibility, owner_team_id)",
		"CREATE INDEX IF NOT EXISTS idx_workflows_creator ON workflows(created_by)",
		"CREATE INDEX IF NOT EXISTS idx_work_items_workflow ON work_items(workflow_id)",
		"CREATE INDEX IF NOT EXISTS idx_work_items_status ON work_items(status)",
		"CREATE INDEX IF NOT EXISTS idx_work_items_team ON work_items(team_id)",
		"CREATE INDEX IF NOT EXISTS idx_transitions_item ON stage_transitions(work_item_id, transitioned_at)",
		"CREATE INDEX IF NOT EXISTS idx_attachments_item ON attachments(work_item_id)",
	}
	if err := execAll(db, stmts); err != nil {
		return err
	}

	migrations := []struct{ table, col string }{
		{"workflows", "is_template INTEGER DEFAULT 0"},
		{"workflows", "version INTEGER DEFAULT 1"},
		{"work_items", "sla_due_at TEXT"},
		{"work_items", "is_overdue INTEGER DEFAULT 0"},
		{"stage_transitions", "duration_seconds INTEGER"},
	}
	for _, m := range migrations {
		if err := addColumn(db, m.table, m.col); err != nil {
			return fmt.Errorf("add column %s.%s: %w", m.table, m.col, err)
		}
	}
	return nil
}
