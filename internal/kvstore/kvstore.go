// Package kvstore implements the daemon's C1 component: a namespaced,
// synchronously durable map of string keys to typed scalars. Writes commit
// before returning; reads return the last committed value. The store never
// surfaces an error to its caller — read-on-missing returns the caller's
// fallback, and write failures are logged and swallowed, so the rest of the
// daemon can treat configuration as infallible.
package kvstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite3 "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	kindBool   = "bool"
	kindInt    = "int"
	kindString = "string"
)

// Store is a durable key-value map, backed by a local sqlite database in WAL
// mode. One Store instance is shared by every component on the daemon that
// needs durable, process-local configuration.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and applies
// any pending schema migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %s: %w", path, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: enable WAL: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	target, err := migratesqlite3.WithInstance(db, &migratesqlite3.Config{})
	if err != nil {
		return fmt.Errorf("attach migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", target)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetString returns the committed value for (namespace, key), or fallback if
// the key is missing, stores something of a different kind, or the read
// fails.
func (s *Store) GetString(ctx context.Context, namespace, key, fallback string) string {
	kind, value, ok := s.get(ctx, namespace, key)
	if !ok || kind != kindString {
		return fallback
	}
	return value
}

// GetInt returns the committed value for (namespace, key), or fallback.
func (s *Store) GetInt(ctx context.Context, namespace, key string, fallback int) int {
	kind, value, ok := s.get(ctx, namespace, key)
	if !ok || kind != kindInt {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

// GetBool returns the committed value for (namespace, key), or fallback.
func (s *Store) GetBool(ctx context.Context, namespace, key string, fallback bool) bool {
	kind, value, ok := s.get(ctx, namespace, key)
	if !ok || kind != kindBool {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}

func (s *Store) get(ctx context.Context, namespace, key string) (kind, value string, ok bool) {
	row := s.db.QueryRowContext(ctx, `SELECT kind, value FROM kv WHERE namespace = ? AND key = ?`, namespace, key)
	if err := row.Scan(&kind, &value); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			slog.ErrorContext(ctx, "kvstore.get", "namespace", namespace, "key", key, "error", err)
		}
		return "", "", false
	}
	return kind, value, true
}

// SetString durably commits a string value. Failures are logged and ignored.
func (s *Store) SetString(ctx context.Context, namespace, key, value string) {
	s.set(ctx, namespace, key, kindString, value)
}

// SetInt durably commits an int value. Failures are logged and ignored.
func (s *Store) SetInt(ctx context.Context, namespace, key string, value int) {
	s.set(ctx, namespace, key, kindInt, strconv.Itoa(value))
}

// SetBool durably commits a bool value. Failures are logged and ignored.
func (s *Store) SetBool(ctx context.Context, namespace, key string, value bool) {
	s.set(ctx, namespace, key, kindBool, strconv.FormatBool(value))
}

func (s *Store) set(ctx context.Context, namespace, key, kind, value string) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (namespace, key, kind, value) VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET kind = excluded.kind, value = excluded.value
	`, namespace, key, kind, value)
	if err != nil {
		slog.ErrorContext(ctx, "kvstore.set", "namespace", namespace, "key", key, "error", err)
	}
}

// Delete removes a key. Failures are logged and ignored.
func (s *Store) Delete(ctx context.Context, namespace, key string) {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		slog.ErrorContext(ctx, "kvstore.delete", "namespace", namespace, "key", key, "error", err)
	}
}
