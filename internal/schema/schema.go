// Package schema owns the SQLite schema for the keel record store and
// its versioned migrations.
//
// Schema migrations here are bookkeeping for keel's own tables. They are
// unrelated to the data Migration Engine in internal/migrate, which
// imports legacy records from another on-disk representation.
package schema

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// CurrentVersion is the current schema version.
const CurrentVersion = 2

// OpenDB opens a SQLite database connection in WAL mode.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// WAL for multi-reader/single-writer access from short-lived
	// agent processes
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}

	// Writers from other processes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return db, nil
}

// InitDB initializes a new database with the current schema.
func InitDB(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := createVersionTable(tx); err != nil {
		return fmt.Errorf("create version table: %w", err)
	}

	if err := createTables(tx); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	if err := createIndexes(tx); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}

	if err := setSchemaVersion(tx, CurrentVersion); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}

// Migrate brings the database up to CurrentVersion, initializing it if
// no schema exists yet.
func Migrate(db *sql.DB) error {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err == sql.ErrNoRows {
		// No schema exists, initialize it
		return InitDB(db)
	}
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	if currentVersion == 0 {
		// Version table exists but no version set, initialize
		return InitDB(db)
	}

	if currentVersion == CurrentVersion {
		return nil
	}

	if currentVersion < CurrentVersion {
		if err := runMigrations(db, currentVersion, CurrentVersion); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
	}

	return nil
}

// createVersionTable creates the schema_version table.
func createVersionTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// setSchemaVersion sets the schema version in the database.
func setSchemaVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version)
	return err
}

// createTables creates all database tables.
func createTables(tx *sql.Tx) error {
	tables := []string{
		// Tasks: archived rows stay in the table so their IDs keep
		// occupying the namespace (sequence scans and collision checks
		// include them).
		`CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			title       TEXT NOT NULL,
			status      TEXT NOT NULL,
			priority    TEXT,
			assignee    TEXT,
			description TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT,
			archived    INTEGER NOT NULL DEFAULT 0,
			archived_at TEXT
		)`,

		// Sessions: same shape discipline as tasks, separate ID namespace
		`CREATE TABLE IF NOT EXISTS sessions (
			id          TEXT PRIMARY KEY,
			agent       TEXT NOT NULL,
			status      TEXT NOT NULL,
			task_id     TEXT,
			notes       TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT,
			archived    INTEGER NOT NULL DEFAULT 0,
			archived_at TEXT
		)`,

		// Checkpoint references (git refs); rows are pruned oldest-first
		// past the retention limit
		`CREATE TABLE IF NOT EXISTS checkpoints (
			checkpoint_id TEXT PRIMARY KEY,
			git_ref       TEXT NOT NULL,
			op_context    TEXT NOT NULL,
			created_at    TEXT NOT NULL
		)`,
	}

	for _, table := range tables {
		if _, err := tx.Exec(table); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	return nil
}

// createIndexes creates all database indexes.
func createIndexes(tx *sql.Tx) error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, archived)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, archived)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_task ON sessions(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints(created_at)`,
	}

	for _, index := range indexes {
		if _, err := tx.Exec(index); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	return nil
}

// runMigrations applies schema migrations from startVersion to endVersion.
func runMigrations(db *sql.DB, startVersion, endVersion int) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Migration from version 1 to 2: add priority to tasks and
	// task linkage to sessions
	if startVersion < 2 && endVersion >= 2 {
		_, err = tx.Exec(`ALTER TABLE tasks ADD COLUMN priority TEXT`)
		if err != nil {
			return fmt.Errorf("add priority column: %w", err)
		}
		_, err = tx.Exec(`ALTER TABLE sessions ADD COLUMN task_id TEXT`)
		if err != nil {
			return fmt.Errorf("add task_id column: %w", err)
		}
		_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_task ON sessions(task_id)`)
		if err != nil {
			return fmt.Errorf("create idx_sessions_task: %w", err)
		}
	}

	// Update schema version
	_, err = tx.Exec("UPDATE schema_version SET version = ?", endVersion)
	if err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// WALCheckpoint flushes the write-ahead log into the main database file
// so a file-level snapshot of keel.db is self-contained.
func WALCheckpoint(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}
