package wallet

import (
	"database/sql"
	"errors"
	"fmt"
)

// Schema version constants
const (
	// SchemaVersion1 is the initial wallet_meta + key_records schema
	SchemaVersion1 = 1
	// SchemaVersion2 adds the verkey lookup index used by the resolver
	SchemaVersion2 = 2
	// CurrentSchemaVersion is the current schema version
	CurrentSchemaVersion = SchemaVersion2
)

// createTables creates the tables of a fresh wallet at the current version.
func createTables(db *sql.DB) error {
	// wallet_meta holds a single row: the data key wrapped under the
	// password-derived key.
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS wallet_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			wrapped_dek BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	// key_records: one row per DID. encrypted_seed is NULL for external DIDs.
	// id orders records by insertion.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS key_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			did TEXT UNIQUE NOT NULL,
			verkey TEXT NOT NULL,
			encrypted_seed BLOB,
			ownership TEXT NOT NULL CHECK (ownership IN ('own', 'external')),
			alias TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	return migrateToV2(db)
}

// getSchemaVersion returns the current schema version from the database.
// Returns 1 if no version is stored.
func getSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableName)
	if errors.Is(err, sql.ErrNoRows) {
		return SchemaVersion1, nil
	}
	if err != nil {
		return 0, storageError("wallet: failed to check schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return SchemaVersion1, nil
	}
	if err != nil {
		return 0, storageError("wallet: failed to get schema version: %w", err)
	}
	return version, nil
}

// setSchemaVersion records version in the schema_version table.
func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			migrated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return storageError("wallet: failed to create schema_version table: %w", err)
	}

	_, err = db.Exec("INSERT OR REPLACE INTO schema_version (version) VALUES (?)", version)
	if err != nil {
		return storageError("wallet: failed to set schema version: %w", err)
	}
	return nil
}

// migrateSchema brings an existing wallet up to CurrentSchemaVersion.
func migrateSchema(db *sql.DB) error {
	version, err := getSchemaVersion(db)
	if err != nil {
		return err
	}
	if version > CurrentSchemaVersion {
		return storageError("wallet: schema version %d is newer than supported %d", version, CurrentSchemaVersion)
	}

	if version < SchemaVersion2 {
		if err := migrateToV2(db); err != nil {
			return storageError("wallet: migration to v2 failed: %w", err)
		}
		if err := setSchemaVersion(db, SchemaVersion2); err != nil {
			return err
		}
	}
	return nil
}

// migrateToV2 adds the verkey index. Idempotent.
func migrateToV2(db *sql.DB) error {
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_key_records_verkey ON key_records(verkey)"); err != nil {
		return fmt.Errorf("create verkey index: %w", err)
	}
	return nil
}
