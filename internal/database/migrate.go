// Package database runs the versioned schema migrations embedded in the binary
package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationConfig holds configuration for the migration runner
type MigrationConfig struct {
	// DatabaseURL is a postgres:// connection URL
	DatabaseURL string
	Logger      *zap.Logger
}

// MigrationRunner handles database migrations
type MigrationRunner struct {
	config  *MigrationConfig
	migrate *migrate.Migrate
	db      *sql.DB
	log     *zap.Logger
}

// MigrationStatus represents the current migration state
type MigrationStatus struct {
	Version uint   `json:"version"`
	Dirty   bool   `json:"dirty"`
	Applied bool   `json:"applied"`
	Error   string `json:"error,omitempty"`
}

// Source returns the embedded migration files as a golang-migrate source
func Source() (source.Driver, error) {
	return iofs.New(migrationsFS, "migrations")
}

// NewMigrationRunner creates a new migration runner
func NewMigrationRunner(config *MigrationConfig) (*MigrationRunner, error) {
	if config == nil || config.DatabaseURL == "" {
		return nil, errors.New("migration database URL is required")
	}
	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sql.Open("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create PostgreSQL driver: %w", err)
	}

	src, err := Source()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}

	return &MigrationRunner{config: config, migrate: m, db: db, log: log}, nil
}

// RunMigrations applies all pending migrations
func (r *MigrationRunner) RunMigrations() error {
	r.log.Info("running database migrations")

	err := r.migrate.Up()
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.log.Info("no migrations to apply, database is up to date")
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, _ := r.migrate.Version()
	r.log.Info("migrations completed", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// RollbackMigration rolls back the last migration
func (r *MigrationRunner) RollbackMigration() error {
	r.log.Info("rolling back last migration")

	err := r.migrate.Steps(-1)
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.log.Info("no migrations to roll back")
			return nil
		}
		return fmt.Errorf("rollback failed: %w", err)
	}

	version, dirty, _ := r.migrate.Version()
	r.log.Info("rollback completed", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// MigrateToVersion migrates to a specific version
func (r *MigrationRunner) MigrateToVersion(version uint) error {
	err := r.migrate.Migrate(version)
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			r.log.Info("already at requested version", zap.Uint("version", version))
			return nil
		}
		return fmt.Errorf("migration to version %d failed: %w", version, err)
	}
	r.log.Info("migrated", zap.Uint("version", version))
	return nil
}

// GetVersion returns the current migration version
func (r *MigrationRunner) GetVersion() (MigrationStatus, error) {
	version, dirty, err := r.migrate.Version()

	status := MigrationStatus{
		Version: version,
		Dirty:   dirty,
		Applied: version > 0,
	}

	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return MigrationStatus{}, nil
		}
		status.Error = err.Error()
		return status, err
	}

	return status, nil
}

// Force sets the migration version without running migrations.
// It is only for repairing a dirty state.
func (r *MigrationRunner) Force(version int) error {
	if err := r.migrate.Force(version); err != nil {
		return fmt.Errorf("force failed: %w", err)
	}
	r.log.Warn("migration version forced", zap.Int("version", version))
	return nil
}

// Close closes the migration runner and database connection
func (r *MigrationRunner) Close() error {
	if r.migrate != nil {
		srcErr, dbErr := r.migrate.Close()
		if srcErr != nil {
			return fmt.Errorf("failed to close source: %w", srcErr)
		}
		if dbErr != nil {
			return fmt.Errorf("failed to close database: %w", dbErr)
		}
	}
	return nil
}

// RunMigrations applies every pending migration to databaseURL
func RunMigrations(databaseURL string, log *zap.Logger) error {
	runner, err := NewMigrationRunner(&MigrationConfig{DatabaseURL: databaseURL, Logger: log})
	if err != nil {
		return err
	}
	defer runner.Close()

	return runner.RunMigrations()
}

// BuildPostgresURL constructs a PostgreSQL connection URL from components
func BuildPostgresURL(host string, port int, user, password, dbname, sslmode string) string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		user, password, host, port, dbname, sslmode,
	)
}
