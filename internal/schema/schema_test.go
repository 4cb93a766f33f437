package schema_test

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/leonletto/tldrer/internal/schema"
)

func openTestDB(t *testing.T, name string) *sql.DB {
	t.Helper()
	db, err := schema.OpenDB(filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatalf("OpenDB() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func columns(t *testing.T, db *sql.DB, table string) map[string]bool {
	t.Helper()
	rows, err := db.Query("SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		t.Fatalf("pragma_table_info(%s) failed: %v", table, err)
	}
	defer func() { _ = rows.Close() }()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan column: %v", err)
		}
		cols[name] = true
	}
	return cols
}

func TestOpenDB(t *testing.T) {
	db := openTestDB(t, "test.db")

	if err := db.Ping(); err != nil {
		t.Errorf("Ping() failed: %v", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Query journal_mode failed: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected journal_mode='wal', got '%s'", journalMode)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("Query busy_timeout failed: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("Expected busy_timeout=5000, got %d", busyTimeout)
	}

	var walCheckpoint int
	if err := db.QueryRow("PRAGMA wal_autocheckpoint").Scan(&walCheckpoint); err != nil {
		t.Fatalf("Query wal_autocheckpoint failed: %v", err)
	}
	if walCheckpoint != 1000 {
		t.Errorf("Expected wal_autocheckpoint=1000, got %d", walCheckpoint)
	}
}

func TestInitDB(t *testing.T) {
	db := openTestDB(t, "init.db")

	if err := schema.InitDB(db); err != nil {
		t.Fatalf("InitDB() failed: %v", err)
	}

	version, err := schema.GetSchemaVersion(db)
	if err != nil {
		t.Fatalf("GetSchemaVersion() failed: %v", err)
	}
	if version != schema.CurrentVersion {
		t.Errorf("Expected schema version %d, got %d", schema.CurrentVersion, version)
	}

	cols := columns(t, db, "messages")
	for _, want := range []string{
		"timestamp", "source_number", "source_name", "conversation_number", "message",
		"from_self", "from_bot", "quote_id", "quote_text", "reaction_emoji",
		"reaction_target", "attachments_info",
	} {
		if !cols[want] {
			t.Errorf("messages table missing column %s", want)
		}
	}
}

func TestInitDB_Indexes(t *testing.T) {
	db := openTestDB(t, "indexes.db")
	if err := schema.InitDB(db); err != nil {
		t.Fatalf("InitDB() failed: %v", err)
	}

	for _, idx := range []string{"idx_messages_conversation", "idx_messages_sender", "idx_messages_reaction"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&name)
		if err == sql.ErrNoRows {
			t.Errorf("Index %s does not exist", idx)
		} else if err != nil {
			t.Fatalf("Query index %s failed: %v", idx, err)
		}
	}
}

func TestTimestampIsUnique(t *testing.T) {
	db := openTestDB(t, "unique.db")
	if err := schema.InitDB(db); err != nil {
		t.Fatalf("InitDB() failed: %v", err)
	}

	insert := `INSERT INTO messages (timestamp, source_number, source_name, conversation_number) VALUES (?, ?, ?, ?)`
	if _, err := db.Exec(insert, 100, "+1", "A", "+1"); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if _, err := db.Exec(insert, 100, "+2", "B", "+2"); err == nil {
		t.Error("duplicate timestamp insert should fail")
	}
}

func TestGetSchemaVersion_NoSchema(t *testing.T) {
	db := openTestDB(t, "empty.db")

	// GetSchemaVersion errors because the table doesn't exist
	if _, err := schema.GetSchemaVersion(db); err == nil {
		t.Error("GetSchemaVersion() should error on uninitialized database")
	}
}

func TestMigrate_NewDatabase(t *testing.T) {
	db := openTestDB(t, "migrate_new.db")

	if err := schema.Migrate(db); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}

	version, err := schema.GetSchemaVersion(db)
	if err != nil {
		t.Fatalf("GetSchemaVersion() failed: %v", err)
	}
	if version != schema.CurrentVersion {
		t.Errorf("Expected schema version %d, got %d", schema.CurrentVersion, version)
	}
}

func TestMigrate_CurrentVersion(t *testing.T) {
	db := openTestDB(t, "migrate_current.db")

	if err := schema.InitDB(db); err != nil {
		t.Fatalf("InitDB() failed: %v", err)
	}
	if err := schema.Migrate(db); err != nil {
		t.Errorf("Migrate() should not error on current version: %v", err)
	}
}

const v1Messages = `
	CREATE TABLE messages (
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
		reaction_target     INTEGER
	)
`

func TestMigrate_V1toV2(t *testing.T) {
	db := openTestDB(t, "migrate_v1.db")

	if _, err := db.Exec(`
		CREATE TABLE schema_version (
			version INTEGER NOT NULL,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		t.Fatalf("Create schema_version failed: %v", err)
	}
	if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
		t.Fatalf("Insert version 1 failed: %v", err)
	}
	if _, err := db.Exec(v1Messages); err != nil {
		t.Fatalf("Create v1 messages failed: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO messages (timestamp, source_number, source_name, conversation_number, message)
		VALUES (1, '+1', 'A', '+1', 'kept')`); err != nil {
		t.Fatalf("Insert v1 row failed: %v", err)
	}

	if err := schema.Migrate(db); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}

	version, err := schema.GetSchemaVersion(db)
	if err != nil {
		t.Fatalf("GetSchemaVersion() failed: %v", err)
	}
	if version != schema.CurrentVersion {
		t.Errorf("Expected schema version %d, got %d", schema.CurrentVersion, version)
	}
	if !columns(t, db, "messages")["attachments_info"] {
		t.Error("attachments_info column not added by migration")
	}

	var text string
	if err := db.QueryRow("SELECT message FROM messages WHERE timestamp = 1").Scan(&text); err != nil {
		t.Fatalf("existing row lost: %v", err)
	}
	if text != "kept" {
		t.Errorf("message = %q, want kept", text)
	}
}

func TestMigrate_UnversionedMessagesTable(t *testing.T) {
	db := openTestDB(t, "unversioned.db")

	if _, err := db.Exec(v1Messages); err != nil {
		t.Fatalf("Create v1 messages failed: %v", err)
	}

	if err := schema.Migrate(db); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}

	version, err := schema.GetSchemaVersion(db)
	if err != nil {
		t.Fatalf("GetSchemaVersion() failed: %v", err)
	}
	if version != schema.CurrentVersion {
		t.Errorf("Expected schema version %d, got %d", schema.CurrentVersion, version)
	}
	if !columns(t, db, "messages")["attachments_info"] {
		t.Error("attachments_info column not added")
	}
}

func TestMigrate_NewerVersionRejected(t *testing.T) {
	db := openTestDB(t, "newer.db")
	if err := schema.InitDB(db); err != nil {
		t.Fatalf("InitDB() failed: %v", err)
	}
	if _, err := db.Exec("UPDATE schema_version SET version = ?", schema.CurrentVersion+1); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	if err := schema.Migrate(db); err == nil {
		t.Error("Migrate() should refuse a newer schema")
	}
}

func TestDatabaseFile_Created(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "created.db")

	db, err := schema.OpenDB(dbPath)
	if err != nil {
		t.Fatalf("OpenDB() failed: %v", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file should be created")
	}
}
