// Package data implements the Data Controller: the tenant data-plane
// operations (PostgREST-compatible CRUD via internal/query, schema
// introspection, RPC execution, raw SQL, and table lifecycle) that run
// against a per-request pooled connection with `role` set for the
// duration of one transaction so row-level-security policies apply.
//
// Grounded on the teacher's core/backend/collection.go (transactional,
// role-scoped execution of a generated statement) and
// core/backend/statistics.go (aggregate stats queries). Uses lib/pq for
// driver-level access, matching the teacher's stack.
package data

import (
	"context"
	"database/sql"

	"github.com/cascata/gateway/internal/access"
	"github.com/cascata/gateway/internal/errors"
	"github.com/cascata/gateway/internal/pg"
	"github.com/cascata/gateway/internal/query"
)

// Controller executes data-plane operations against a tenant's database.
type Controller struct{}

// New builds a Controller. It is stateless; all state lives in the
// *pg.DB handle passed to each call.
func New() *Controller {
	return &Controller{}
}

// withRoleTx begins a transaction, sets the session role for its
// duration, runs fn, and commits (or rolls back on error).
func withRoleTx(ctx context.Context, db *pg.DB, role access.Role, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.KindBadGateway, "cannot begin transaction", err)
	}
	if _, err := tx.ExecContext(ctx, `SET LOCAL role = `+query.QuoteIdent(string(role))); err != nil {
		tx.Rollback()
		return errors.FromPostgres(err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.KindBadGateway, "cannot commit transaction", err)
	}
	return nil
}

// rowsToMaps drains *sql.Rows into a slice of column-name->value maps,
// using the driver-reported column names and types.
func rowsToMaps(rows *sql.Rows) ([]map[string]interface{}, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "cannot read result columns", err)
	}
	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(errors.KindInternal, "cannot scan result row", err)
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			row[c] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.FromPostgres(err)
	}
	return out, nil
}

// normalizeValue converts driver-returned []byte (common for text-ish
// Postgres types read through the database/sql generic path) into string
// so JSON-encoding the result doesn't base64-encode it.
func normalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// Select executes a PostgREST SELECT and returns the matching rows.
func (c *Controller) Select(ctx context.Context, db *pg.DB, role access.Role, table string, p *query.Params) ([]map[string]interface{}, error) {
	stmt, err := query.BuildSelect(table, p)
	if err != nil {
		return nil, err
	}
	var out []map[string]interface{}
	err = withRoleTx(ctx, db, role, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return errors.FromPostgres(err)
		}
		defer rows.Close()
		out, err = rowsToMaps(rows)
		return err
	})
	return out, err
}

// Count executes Prefer: count=exact's companion COUNT(*) query.
func (c *Controller) Count(ctx context.Context, db *pg.DB, role access.Role, table string, p *query.Params) (int64, error) {
	stmt, err := query.BuildCount(table, p)
	if err != nil {
		return 0, err
	}
	var count int64
	err = withRoleTx(ctx, db, role, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, stmt.SQL, stmt.Args...)
		if err := row.Scan(&count); err != nil {
			return errors.FromPostgres(err)
		}
		return nil
	})
	return count, err
}

// Insert executes a PostgREST INSERT and returns the inserted/returned rows.
func (c *Controller) Insert(ctx context.Context, db *pg.DB, role access.Role, table string, rows []map[string]interface{}, onConflict string, resolution query.InsertResolution, returning bool) ([]map[string]interface{}, error) {
	stmt, err := query.BuildInsert(table, rows, onConflict, resolution, returning)
	if err != nil {
		return nil, err
	}
	return c.execReturningRows(ctx, db, role, stmt, returning)
}

// Update executes a PostgREST UPDATE (filters required) and returns the
// updated rows.
func (c *Controller) Update(ctx context.Context, db *pg.DB, role access.Role, table string, p *query.Params, set map[string]interface{}, returning bool) ([]map[string]interface{}, error) {
	stmt, err := query.BuildUpdate(table, p, set, returning)
	if err != nil {
		return nil, err
	}
	return c.execReturningRows(ctx, db, role, stmt, returning)
}

// Delete executes a PostgREST DELETE (filters required) and returns the
// deleted rows.
func (c *Controller) Delete(ctx context.Context, db *pg.DB, role access.Role, table string, p *query.Params, returning bool) ([]map[string]interface{}, error) {
	stmt, err := query.BuildDelete(table, p, returning)
	if err != nil {
		return nil, err
	}
	return c.execReturningRows(ctx, db, role, stmt, returning)
}

func (c *Controller) execReturningRows(ctx context.Context, db *pg.DB, role access.Role, stmt *query.Statement, returning bool) ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	err := withRoleTx(ctx, db, role, func(tx *sql.Tx) error {
		if !returning {
			_, err := tx.ExecContext(ctx, stmt.SQL, stmt.Args...)
			if err != nil {
				return errors.FromPostgres(err)
			}
			return nil
		}
		rows, err := tx.QueryContext(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return errors.FromPostgres(err)
		}
		defer rows.Close()
		out, err = rowsToMaps(rows)
		return err
	})
	return out, err
}
