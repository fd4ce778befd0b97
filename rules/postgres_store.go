package rules

import (
	"database/sql"

	_ "github.com/lib/pq"
)

// PostgresPersister persists a workspace's rules in PostgreSQL.
// Amounts are NUMERIC columns; order is kept in the position column.
type PostgresPersister struct {
	sqlPersister
}

// NewPostgresPersister creates a persister for one workspace. The schema
// comes from the migrations package.
func NewPostgresPersister(db *sql.DB, workspaceID string) *PostgresPersister {
	return &PostgresPersister{sqlPersister{
		db:          db,
		workspaceID: workspaceID,
		dollar:      true,
	}}
}
