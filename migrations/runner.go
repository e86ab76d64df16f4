package migrations

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	migrate "github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"

	_ "github.com/lib/pq" // PostgreSQL driver for database/sql
)

// Runner applies the embedded migrations against a PostgreSQL database.
type Runner interface {
	// Up applies all pending migrations.
	Up() error

	// Down rolls back the most recently applied migration.
	Down() error

	// Version reports the current schema version and dirty state.
	Version() (uint, bool, error)

	// Drop removes everything in the connected schema. Destructive.
	Drop() error

	// Close releases the database connection.
	Close() error
}

type runner struct {
	migrate *migrate.Migrate
	db      *sql.DB
	logger  *slog.Logger
}

// NewRunner connects to databaseURL and prepares a Runner over the
// embedded migrations. The caller owns the returned Runner and must
// Close it.
func NewRunner(databaseURL string, logger *slog.Logger) (Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create postgres driver: %w", err)
	}

	src, err := SourceDriver()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	return &runner{migrate: m, db: db, logger: logger}, nil
}

func (r *runner) Up() error {
	err := r.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("no pending migrations")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	r.logger.Info("migrations applied")
	return nil
}

func (r *runner) Down() error {
	err := r.migrate.Steps(-1)
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrate down: %w", err)
	}
	r.logger.Info("rolled back one migration")
	return nil
}

func (r *runner) Version() (uint, bool, error) {
	version, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migration version: %w", err)
	}
	return version, dirty, nil
}

func (r *runner) Drop() error {
	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("migrate drop: %w", err)
	}
	r.logger.Warn("schema dropped")
	return nil
}

func (r *runner) Close() error {
	srcErr, dbErr := r.migrate.Close()
	if err := r.db.Close(); err != nil && dbErr == nil {
		dbErr = err
	}
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}
