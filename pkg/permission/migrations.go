package permission

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all permission-store migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create object_permissions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS object_permissions (
					id BIGSERIAL PRIMARY KEY,
					subject BIGINT NOT NULL,
					kind VARCHAR(50) NOT NULL,
					target_kind VARCHAR(20) NOT NULL,
					target_id VARCHAR(30) NOT NULL,
					deny BOOLEAN NOT NULL DEFAULT FALSE,
					inherited BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_object_permissions_target ON object_permissions(target_kind, target_id);
				CREATE INDEX idx_object_permissions_subject ON object_permissions(subject);
				CREATE INDEX idx_object_permissions_inherited ON object_permissions(target_kind, target_id, inherited);
			`,
		},
		{
			Version:     2,
			Description: "Enforce explicit grant/deny uniqueness",
			SQL: `
				CREATE UNIQUE INDEX idx_object_permissions_explicit
					ON object_permissions(subject, kind, target_kind, target_id, deny)
					WHERE inherited = FALSE;
			`,
		},
	}
}

// RunMigrations executes all pending migrations from the given set,
// tracking applied versions in trackingTable. Each domain package keeps
// its own migrations and tracking table.
func RunMigrations(ctx context.Context, db *sql.DB, trackingTable string, migrations []Migration) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`, trackingTable))
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT version FROM %s ORDER BY version", trackingTable))
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

	for _, migration := range migrations {
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
			fmt.Sprintf("INSERT INTO %s (version, description) VALUES ($1, $2)", trackingTable),
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// Migrate runs the permission-store migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	return RunMigrations(ctx, db, "permission_migrations", GetMigrations())
}
