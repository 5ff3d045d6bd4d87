package storage

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Database wraps the sqlx.DB connection.
type Database struct {
	*sqlx.DB
	log zerolog.Logger
}

// NewDatabase opens the sqlite database behind connection and applies
// pending migrations. connection is either a file path or a "file:" DSN.
func NewDatabase(connection string, log zerolog.Logger) (*Database, error) {
	dsn, err := buildDSN(connection)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrateUp(db, log); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Database{DB: db, log: log}, nil
}

func buildDSN(connection string) (string, error) {
	connection = strings.TrimSpace(connection)
	if strings.HasPrefix(connection, "file:") {
		return connection, nil
	}

	// Ensure directory exists
	dir := filepath.Dir(connection)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create database directory: %w", err)
	}

	return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate&_foreign_keys=on", connection), nil
}

func migrateUp(db *sqlx.DB, log zerolog.Logger) error {
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		log.Debug().Msg("No migrations to apply")
		return nil
	}

	if version, dirty, err := m.Version(); err == nil {
		log.Info().Uint("version", version).Bool("dirty", dirty).Msg("Database migrated")
	}
	return nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.DB.Close()
}
