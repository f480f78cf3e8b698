package repository

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file" // Required for file source
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver
)

// DefaultBusyTimeoutMS bounds how long a writer waits out lock contention
// before surfacing an error.
const DefaultBusyTimeoutMS = 10000

// NewChannelDB opens (creating if necessary) the per-channel SQLite database
// at the given path. WAL journaling keeps appends durable on return while
// allowing the ingest and trainer goroutines to read concurrently; the busy
// timeout masks transient lock contention between them.
func NewChannelDB(dbPath string, busyTimeoutMS int, logger *zap.Logger) (*sqlx.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=synchronous(full)&_pragma=busy_timeout(%d)", dbPath, busyTimeoutMS)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	logger.Info("Opened channel database", zap.String("path", dbPath))
	return db, nil
}

// MigrateDB runs database migrations from the given directory.
func MigrateDB(db *sqlx.DB, migrationsDir string, logger *zap.Logger) error {
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("couldn't get database instance for running migrations: %w", err)
	}

	absDir, err := filepath.Abs(migrationsDir)
	if err != nil {
		return fmt.Errorf("couldn't resolve migrations directory: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+absDir, "gptbot", driver)
	if err != nil {
		return fmt.Errorf("couldn't create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("couldn't run database migration: %w", err)
	}

	logger.Info("Database migration was run successfully")
	return nil
}
