package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wardenproject/warden/pkg/counter"
)

// Migration is one versioned schema change.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the schema in version order.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					created_at TIMESTAMP NOT NULL
				);

				CREATE INDEX idx_roles_name ON roles(name);
			`,
		},
		{
			Version:     2,
			Description: "Create group_roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS group_roles (
					id BIGSERIAL PRIMARY KEY,
					group_name VARCHAR(255) NOT NULL,
					role_name VARCHAR(255) NOT NULL,
					created_at TIMESTAMP NOT NULL,
					UNIQUE(group_name, role_name)
				);

				CREATE INDEX idx_group_roles_group_name ON group_roles(group_name);
				CREATE INDEX idx_group_roles_role_name ON group_roles(role_name);
			`,
		},
		{
			Version:     3,
			Description: "Create privileges table",
			SQL: `
				CREATE TABLE IF NOT EXISTS privileges (
					id BIGSERIAL PRIMARY KEY,
					principal_type VARCHAR(16) NOT NULL,
					principal_name VARCHAR(255) NOT NULL,
					scope VARCHAR(16) NOT NULL,
					server VARCHAR(255) NOT NULL DEFAULT '',
					db_name VARCHAR(255) NOT NULL DEFAULT '',
					tbl_name VARCHAR(255) NOT NULL DEFAULT '',
					col_name VARCHAR(255) NOT NULL DEFAULT '',
					uri TEXT NOT NULL DEFAULT '',
					action VARCHAR(32) NOT NULL,
					grant_option BOOLEAN NOT NULL DEFAULT FALSE,
					synthesized BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL,
					UNIQUE(principal_type, principal_name, scope, server, db_name, tbl_name, col_name, uri, action, synthesized)
				);

				CREATE INDEX idx_privileges_principal ON privileges(principal_type, principal_name);
				CREATE INDEX idx_privileges_synthesized ON privileges(synthesized);
			`,
		},
		{
			Version:     4,
			Description: "Create counters table",
			SQL: `
				CREATE TABLE IF NOT EXISTS counters (
					name VARCHAR(64) PRIMARY KEY,
					value BIGINT NOT NULL DEFAULT 0
				);
			`,
		},
	}
}

// RunMigrations executes all pending migrations and seeds the counter rows.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS warden_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM warden_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO warden_migrations (version, description, applied_at) VALUES ($1, $2, $3)",
			migration.Version, migration.Description, time.Now(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return SeedCounters(ctx, db)
}

// SeedCounters inserts a zero row for every counter category that does not
// have one yet. Existing values are preserved across restarts.
func SeedCounters(ctx context.Context, db *sql.DB) error {
	for _, c := range counter.Categories() {
		_, err := db.ExecContext(ctx,
			`INSERT INTO counters (name, value) VALUES ($1, 0) ON CONFLICT (name) DO NOTHING`,
			string(c))
		if err != nil {
			return fmt.Errorf("failed to seed counter %s: %w", c, err)
		}
	}
	return nil
}
