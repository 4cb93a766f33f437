// Package schema opens the message database and keeps its layout current.
package schema

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// CurrentVersion is the current schema version.
//
// Version 1 is the original messages table; version 2 adds attachments_info.
const CurrentVersion = 2

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

func createVersionTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func setSchemaVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version)
	return err
}

// createTables creates the messages table. A reaction is stored as its own
// row whose reaction_target names the reacted-to timestamp.
func createTables(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			timestamp           INTEGER NOT NULL UNIQUE,
			source_number       TEXT NOT NULL,
			source_name         TEXT NOT NULL,
			conversation_number TEXT NOT NULL,
			message             TEXT,
			from_self           INTEGER NOT NULL DEFAULT 0,
			from_bot            INTEGER NOT NULL DEFAULT 0,
			quote_id            INTEGER,
			quote_text          TEXT,
			reaction_emoji      TEXT,
			reaction_target     INTEGER,
			attachments_info    TEXT
		)
	`)
	return err
}

func createIndexes(tx *sql.Tx) error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_number, timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(conversation_number, source_number, timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_messages_reaction ON messages(reaction_target, source_number)",
	}

	for _, stmt := range indexes {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// DSN builds a modernc.org/sqlite connection string. Pragmas are passed in
// the DSN so every pooled connection gets them, not just the first.
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "wal_autocheckpoint(1000)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

// OpenDB opens a SQLite database connection in WAL mode.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate brings the database to the current schema version, creating it
// when empty.
func Migrate(db *sql.DB) error {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err == sql.ErrNoRows {
		return migrateUnversioned(db)
	}
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	if currentVersion == 0 {
		return InitDB(db)
	}
	if currentVersion == CurrentVersion {
		return nil
	}
	if currentVersion > CurrentVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", currentVersion, CurrentVersion)
	}

	if err := runMigrations(db, currentVersion, CurrentVersion); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// migrateUnversioned handles databases created before schema_version was
// tracked: a bare messages table is treated as version 1.
func migrateUnversioned(db *sql.DB) error {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='messages'").Scan(&tableName)
	if err == sql.ErrNoRows {
		return InitDB(db)
	}
	if err != nil {
		return fmt.Errorf("check messages table: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := createVersionTable(tx); err != nil {
		return fmt.Errorf("create version table: %w", err)
	}
	if err := setSchemaVersion(tx, 1); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return runMigrations(db, 1, CurrentVersion)
}

// runMigrations runs all migrations from startVersion to endVersion.
func runMigrations(db *sql.DB, startVersion, endVersion int) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Migration from version 1 to 2: attachment summaries
	if startVersion < 2 && endVersion >= 2 {
		exists, err := columnExists(tx, "messages", "attachments_info")
		if err != nil {
			return err
		}
		if !exists {
			if _, err := tx.Exec(`ALTER TABLE messages ADD COLUMN attachments_info TEXT`); err != nil {
				return fmt.Errorf("add attachments_info column: %w", err)
			}
		}
	}

	// Indexes are idempotent and cover tables created before they existed.
	if err := createIndexes(tx); err != nil {
		return err
	}

	if _, err := tx.Exec("UPDATE schema_version SET version = ?", endVersion); err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func columnExists(tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return false, fmt.Errorf("inspect %s columns: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, fmt.Errorf("scan column name: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
