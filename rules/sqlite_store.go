package rules

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLitePersister persists a workspace's rules in a local SQLite file.
// Amounts are stored as decimal text so no precision is lost.
type SQLitePersister struct {
	sqlPersister
}

// NewSQLitePersister creates a persister for one workspace
func NewSQLitePersister(db *sql.DB, workspaceID string) *SQLitePersister {
	return &SQLitePersister{sqlPersister{
		db:          db,
		workspaceID: workspaceID,
	}}
}

// OpenSQLite opens path with WAL journaling and a single writer connection
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}
	return db, nil
}
