package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// sqliteSchema mirrors the postgres migrations in sqlite dialect.
const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS roles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS group_roles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_name TEXT NOT NULL,
		role_name TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(group_name, role_name)
	);

	CREATE TABLE IF NOT EXISTS privileges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		principal_type TEXT NOT NULL,
		principal_name TEXT NOT NULL,
		scope TEXT NOT NULL,
		server TEXT NOT NULL DEFAULT '',
		db_name TEXT NOT NULL DEFAULT '',
		tbl_name TEXT NOT NULL DEFAULT '',
		col_name TEXT NOT NULL DEFAULT '',
		uri TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		grant_option INTEGER NOT NULL DEFAULT 0,
		synthesized INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(principal_type, principal_name, scope, server, db_name, tbl_name, col_name, uri, action, synthesized)
	);

	CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL DEFAULT 0
	);
`

// OpenMemory returns a store backed by in-memory sqlite. State is lost on
// close; meant for development and tests, not production.
func OpenMemory(ctx context.Context) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The in-memory database vanishes with its connection.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	if err := SeedCounters(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return NewSQLStore(db), nil
}
