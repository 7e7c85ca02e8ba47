package db

import (
	"database/sql"
	"fmt"
	"sort"
)

const schema = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;

CREATE TABLE IF NOT EXISTS tracked_wallets (
    chat_id INTEGER NOT NULL,
    address TEXT NOT NULL,
    threshold_usd TEXT NOT NULL,
    cursor_time INTEGER NOT NULL DEFAULT 0,
    cursor_tid INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (chat_id, address)
);

CREATE INDEX IF NOT EXISTS idx_tracked_wallets_address ON tracked_wallets(address);

CREATE TABLE IF NOT EXISTS credentials (
    chat_id INTEGER PRIMARY KEY,
    address TEXT NOT NULL,
    ciphertext TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS operation_log (
    id TEXT PRIMARY KEY,
    chat_id INTEGER NOT NULL,
    kind TEXT NOT NULL,
    coin TEXT NOT NULL DEFAULT '',
    is_buy INTEGER NOT NULL DEFAULT 0,
    size TEXT NOT NULL DEFAULT '',
    price TEXT NOT NULL DEFAULT '',
    success INTEGER NOT NULL,
    error_kind TEXT NOT NULL DEFAULT '',
    detail TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_operation_log_chat ON operation_log(chat_id, created_at);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Columns added after the first release.
	if err := ensureColumn(d.DB, "credentials", "key_version", "INTEGER NOT NULL DEFAULT 1"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "operation_log", "instance_id", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "operation_log", "order_id", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "tracked_wallets", "order_threshold_usd", "TEXT"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// requiredColumns lists every column the queries rely on.
var requiredColumns = map[string][]string{
	"tracked_wallets": {"chat_id", "address", "threshold_usd", "order_threshold_usd", "cursor_time", "cursor_tid", "created_at", "updated_at"},
	"credentials":     {"chat_id", "address", "ciphertext", "key_version", "updated_at"},
	"operation_log": {"id", "chat_id", "kind", "coin", "is_buy", "size", "price", "order_id", "success",
		"error_kind", "detail", "instance_id", "created_at"},
}

// CheckSchema reports required columns missing from the database as
// "table.column" entries, sorted. An empty result means the schema is current.
func CheckSchema(d *Database) ([]string, error) {
	if d == nil || d.DB == nil {
		return nil, fmt.Errorf("database is not initialized")
	}
	var missing []string
	for table, columns := range requiredColumns {
		for _, column := range columns {
			ok, err := columnExists(d.DB, table, column)
			if err != nil {
				return nil, err
			}
			if !ok {
				missing = append(missing, table+"."+column)
			}
		}
	}
	sort.Strings(missing)
	return missing, nil
}
