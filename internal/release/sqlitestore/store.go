// Package sqlitestore persists release histories in a local SQLite database.
// It backs offline and CI runs where the target cluster should not hold deployer state.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/dc-tec/kdeploy/internal/release"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements release.Store on SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ release.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, now: time.Now}, nil
}

func migrateUp(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Get implements release.Store.
func (s *Store) Get(ctx context.Context, name string) (*release.History, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM release_history WHERE name = ?`, name,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return &release.History{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read release history %q: %w", name, err)
	}
	return release.Decode(doc)
}

// Save implements release.Store.
func (s *Store) Save(ctx context.Context, name string, history *release.History) error {
	doc, err := release.Encode(history)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO release_history (name, document, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			document = excluded.document,
			updated_at = excluded.updated_at
	`, name, doc, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save release history %q: %w", name, err)
	}
	return nil
}
