// Package migrations embeds the schema for the SQL rule persisters and
// applies it with golang-migrate.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// Dialect selects the migration set
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DialectOf infers the dialect from a database URL scheme and returns the
// URL in the form golang-migrate expects.
func DialectOf(databaseURL string) (Dialect, string, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return Postgres, databaseURL, nil
	case strings.HasPrefix(databaseURL, "sqlite3://"):
		return SQLite, databaseURL, nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return SQLite, "sqlite3://" + strings.TrimPrefix(databaseURL, "sqlite://"), nil
	}
	return "", "", fmt.Errorf("unsupported database url scheme in %q (use postgres:// or sqlite3://)", redact(databaseURL))
}

// SQLiteURL builds the migrate URL for a SQLite file path
func SQLiteURL(path string) string {
	return "sqlite3://" + path
}

// New creates a migrate instance over the embedded files for databaseURL.
// The caller must Close it.
func New(databaseURL string) (*migrate.Migrate, error) {
	dialect, url, err := DialectOf(databaseURL)
	if err != nil {
		return nil, err
	}

	src, err := iofs.New(files, string(dialect))
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded %s migrations: %w", dialect, err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// Up applies every pending migration. An up-to-date database is not an error.
func Up(databaseURL string) error {
	m, err := New(databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// redact hides the password of a URL for error messages
func redact(databaseURL string) string {
	at := strings.LastIndex(databaseURL, "@")
	scheme := strings.Index(databaseURL, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return databaseURL
	}
	userinfo := databaseURL[scheme+3 : at]
	if colon := strings.Index(userinfo, ":"); colon >= 0 {
		return databaseURL[:scheme+3] + userinfo[:colon] + ":xxxxx" + databaseURL[at:]
	}
	return databaseURL
}
