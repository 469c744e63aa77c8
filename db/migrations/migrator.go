// Package migrations runs the CORE's schema migrations against the
// database/sql + lib/pq connection cmd/migrate opens, kept deliberately
// separate from the pgx pool store.Postgres uses at request time (spec
// §9 ambient stack: "schema migration runner kept separate from the
// pgx-based runtime access").
package migrations

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "github.com/lib/pq"

	"github.com/alpharoyale/backend/logging"
)

// Migration represents a single forward/backward schema change,
// self-registered via RegisterMigration at package init time.
type Migration struct {
	Version   int64
	Name      string
	Up        func(*sql.Tx) error
	Down      func(*sql.Tx) error
	AppliedAt *time.Time
}

// Migrator applies registered migrations against db in version order,
// tracking which have already run in a schema_migrations table.
type Migrator struct {
	db         *sql.DB
	migrations []*Migration
	logger     *logging.Logger
}

// NewMigrator creates a new migrator instance.
func NewMigrator(db *sql.DB, logger *logging.Logger) *Migrator {
	return &Migrator{
		db:         db,
		migrations: make([]*Migration, 0),
		logger:     logger,
	}
}

// Register registers a migration
func (m *Migrator) Register(migration *Migration) {
	m.migrations = append(m.migrations, migration)
}

// Init creates the migrations tracking table
func (m *Migrator) Init() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version BIGINT PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := m.db.Exec(createTableSQL)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	m.logger.Info("migrations tracking table initialized", logging.Component("migrator"))
	return nil
}

// GetAppliedMigrations returns list of applied migration versions
func (m *Migrator) GetAppliedMigrations() (map[int64]bool, error) {
	rows, err := m.db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]bool)
	for rows.Next() {
		var version int64
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}

	return applied, nil
}

// Up runs all pending migrations
func (m *Migrator) Up() error {
	sort.Slice(m.migrations, func(i, j int) bool {
		return m.migrations[i].Version < m.migrations[j].Version
	})

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return err
	}

	for _, migration := range m.migrations {
		if applied[migration.Version] {
			m.logger.Debug("migration already applied, skipping",
				logging.Int64("version", migration.Version), logging.String("name", migration.Name))
			continue
		}

		m.logger.Info("applying migration",
			logging.Int64("version", migration.Version), logging.String("name", migration.Name))

		tx, err := m.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if err := migration.Up(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}

		_, err = tx.Exec("INSERT INTO schema_migrations (version, name) VALUES ($1, $2)",
			migration.Version, migration.Name)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration: %w", err)
		}

		m.logger.Info("migration applied",
			logging.Int64("version", migration.Version), logging.String("name", migration.Name))
	}

	m.logger.Info("all migrations applied", logging.Component("migrator"))
	return nil
}

// Down rolls back the last migration
func (m *Migrator) Down() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return err
	}

	if len(applied) == 0 {
		m.logger.Info("no migrations to rollback", logging.Component("migrator"))
		return nil
	}

	var latestVersion int64
	for version := range applied {
		if version > latestVersion {
			latestVersion = version
		}
	}

	var targetMigration *Migration
	for _, migration := range m.migrations {
		if migration.Version == latestVersion {
			targetMigration = migration
			break
		}
	}

	if targetMigration == nil {
		return fmt.Errorf("migration %d not found in registered migrations", latestVersion)
	}

	if targetMigration.Down == nil {
		return fmt.Errorf("migration %d has no down migration", latestVersion)
	}

	m.logger.Info("rolling back migration",
		logging.Int64("version", targetMigration.Version), logging.String("name", targetMigration.Name))

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := targetMigration.Down(tx); err != nil {
		tx.Rollback()
		return fmt.Errorf("rollback failed: %w", err)
	}

	_, err = tx.Exec("DELETE FROM schema_migrations WHERE version = $1", targetMigration.Version)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}

	m.logger.Info("migration rolled back",
		logging.Int64("version", targetMigration.Version), logging.String("name", targetMigration.Name))
	return nil
}

// Status logs the applied/pending state of every registered migration.
func (m *Migrator) Status() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return err
	}

	sort.Slice(m.migrations, func(i, j int) bool {
		return m.migrations[i].Version < m.migrations[j].Version
	})

	for _, migration := range m.migrations {
		status := "pending"
		if applied[migration.Version] {
			status = "applied"
		}
		m.logger.Info("migration status",
			logging.Int64("version", migration.Version),
			logging.String("name", migration.Name),
			logging.String("status", status))
	}

	m.logger.Info("migration summary",
		logging.Int("total", len(m.migrations)),
		logging.Int("applied", len(applied)),
		logging.Int("pending", len(m.migrations)-len(applied)))
	return nil
}

// UpTo runs migrations up to and including targetVersion.
func (m *Migrator) UpTo(targetVersion int64) error {
	sort.Slice(m.migrations, func(i, j int) bool {
		return m.migrations[i].Version < m.migrations[j].Version
	})

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return err
	}

	for _, migration := range m.migrations {
		if migration.Version > targetVersion {
			break
		}
		if applied[migration.Version] {
			continue
		}

		m.logger.Info("applying migration",
			logging.Int64("version", migration.Version), logging.String("name", migration.Name))

		tx, err := m.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if err := migration.Up(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}

		_, err = tx.Exec("INSERT INTO schema_migrations (version, name) VALUES ($1, $2)",
			migration.Version, migration.Name)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration: %w", err)
		}

		m.logger.Info("migration applied",
			logging.Int64("version", migration.Version), logging.String("name", migration.Name))
	}

	return nil
}
