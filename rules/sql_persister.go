package rules

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// sqlPersister stores one workspace's rules in the price_rules table.
// Queries are written with ? placeholders and rebound for dollar-style drivers.
type sqlPersister struct {
	db          *sql.DB
	workspaceID string
	dollar      bool
}

const selectRulesSQL = `
	SELECT id, name, product_type, reference_price, comparison, adjustment_percentage,
	       exception_quantity, active, expression, created_at, updated_at
	FROM price_rules
	WHERE workspace_id = ?
	ORDER BY position`

const insertRuleSQL = `
	INSERT INTO price_rules (workspace_id, id, position, name, product_type, reference_price,
	                         comparison, adjustment_percentage, exception_quantity, active,
	                         expression, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *sqlPersister) rebind(query string) string {
	if !s.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Load returns the workspace's rules ordered by position
func (s *sqlPersister) Load(ctx context.Context) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(selectRulesSQL), s.workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		var condition string
		if err := rows.Scan(
			&r.ID,
			&r.Name,
			&r.ProductType,
			&r.ReferencePrice,
			&condition,
			&r.AdjustmentPercentage,
			&r.ExceptionQuantity,
			&r.Active,
			&r.Expression,
			&r.CreatedAt,
			&r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		r.Condition = Condition(condition)
		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return out, nil
}

// Save replaces the workspace's rules in a single transaction
func (s *sqlPersister) Save(ctx context.Context, rules []Rule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		s.rebind(`INSERT INTO workspaces (id) VALUES (?) ON CONFLICT DO NOTHING`),
		s.workspaceID,
	); err != nil {
		return fmt.Errorf("failed to ensure workspace: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		s.rebind(`DELETE FROM price_rules WHERE workspace_id = ?`),
		s.workspaceID,
	); err != nil {
		return fmt.Errorf("failed to clear rules: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, s.rebind(insertRuleSQL))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range rules {
		if _, err := stmt.ExecContext(ctx,
			s.workspaceID,
			r.ID,
			i,
			r.Name,
			r.ProductType,
			r.ReferencePrice,
			string(r.Condition),
			r.AdjustmentPercentage,
			r.ExceptionQuantity,
			r.Active,
			r.Expression,
			r.CreatedAt,
			r.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert rule %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rules: %w", err)
	}
	return nil
}

// ListWorkspaceIDs returns every workspace recorded in db
func ListWorkspaceIDs(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT id FROM workspaces ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query workspaces: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
