package data

import (
	"context"
	"fmt"

	"github.com/cascata/gateway/internal/errors"
	"github.com/cascata/gateway/internal/pg"
	"github.com/cascata/gateway/internal/query"
)

// TableInfo describes one user table.
type TableInfo struct {
	Name   string `json:"name"`
	Schema string `json:"schema"`
}

// ColumnInfo describes one column, permitted for any role (spec.md §4.5).
type ColumnInfo struct {
	Name       string `json:"name"`
	DataType   string `json:"data_type"`
	IsNullable bool   `json:"is_nullable"`
	Default    string `json:"default,omitempty"`
}

// FunctionInfo describes one callable public function.
type FunctionInfo struct {
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	ReturnType string `json:"return_type"`
}

// TriggerInfo describes one trigger on a table.
type TriggerInfo struct {
	Name    string `json:"name"`
	Table   string `json:"table"`
	Event   string `json:"event"`
	Timing  string `json:"timing"`
	Enabled bool   `json:"enabled"`
}

// ListTables lists user tables in the tenant's schema, excluding the
// recycle-bin's soft-deleted entries (their name carries the
// "_deleted_<unix_ms>_" prefix).
func (c *Controller) ListTables(ctx context.Context, db *pg.DB) ([]TableInfo, error) {
	rows, err := db.QueryContext(ctx, `
SELECT table_name FROM information_schema.tables
WHERE table_schema = $1 AND table_type = 'BASE TABLE' AND table_name NOT LIKE '\_deleted\_%'
ORDER BY table_name`, db.Schema)
	if err != nil {
		return nil, errors.FromPostgres(err)
	}
	defer rows.Close()
	var out []TableInfo
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(errors.KindInternal, "cannot scan table name", err)
		}
		out = append(out, TableInfo{Name: name, Schema: db.Schema})
	}
	return out, rows.Err()
}

// GetColumns describes the columns of one table.
func (c *Controller) GetColumns(ctx context.Context, db *pg.DB, table string) ([]ColumnInfo, error) {
	rows, err := db.QueryContext(ctx, `
SELECT column_name, data_type, is_nullable = 'YES', coalesce(column_default, '')
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`, db.Schema, table)
	if err != nil {
		return nil, errors.FromPostgres(err)
	}
	defer rows.Close()
	var out []ColumnInfo
	for rows.Next() {
		var ci ColumnInfo
		if err := rows.Scan(&ci.Name, &ci.DataType, &ci.IsNullable, &ci.Default); err != nil {
			return nil, errors.Wrap(errors.KindInternal, "cannot scan column", err)
		}
		out = append(out, ci)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.FromPostgres(err)
	}
	if len(out) == 0 {
		return nil, errors.New(errors.KindNotFound, "no such table")
	}
	return out, nil
}

// ListFunctions lists callable functions in the public schema.
func (c *Controller) ListFunctions(ctx context.Context, db *pg.DB) ([]FunctionInfo, error) {
	rows, err := db.QueryContext(ctx, `
SELECT p.proname, pg_get_function_arguments(p.oid), pg_get_function_result(p.oid)
FROM pg_proc p
JOIN pg_namespace n ON n.oid = p.pronamespace
WHERE n.nspname = $1
ORDER BY p.proname`, db.Schema)
	if err != nil {
		return nil, errors.FromPostgres(err)
	}
	defer rows.Close()
	var out []FunctionInfo
	for rows.Next() {
		var f FunctionInfo
		if err := rows.Scan(&f.Name, &f.Arguments, &f.ReturnType); err != nil {
			return nil, errors.Wrap(errors.KindInternal, "cannot scan function", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListTriggers lists triggers defined on table.
func (c *Controller) ListTriggers(ctx context.Context, db *pg.DB, table string) ([]TriggerInfo, error) {
	rows, err := db.QueryContext(ctx, `
SELECT t.tgname, c.relname, t.tgtype::text, NOT t.tgenabled = 'D'
FROM pg_trigger t
JOIN pg_class c ON c.oid = t.tgrelid
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = $1 AND c.relname = $2 AND NOT t.tgisinternal`, db.Schema, table)
	if err != nil {
		return nil, errors.FromPostgres(err)
	}
	defer rows.Close()
	var out []TriggerInfo
	for rows.Next() {
		var ti TriggerInfo
		if err := rows.Scan(&ti.Name, &ti.Table, &ti.Event, &ti.Enabled); err != nil {
			return nil, errors.Wrap(errors.KindInternal, "cannot scan trigger", err)
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

// GetFunctionDefinition returns the body source of a public function.
func (c *Controller) GetFunctionDefinition(ctx context.Context, db *pg.DB, name string) (string, error) {
	row := db.QueryRowContext(ctx, `
SELECT pg_get_functiondef(p.oid)
FROM pg_proc p
JOIN pg_namespace n ON n.oid = p.pronamespace
WHERE n.nspname = $1 AND p.proname = $2
LIMIT 1`, db.Schema, name)
	var def string
	if err := row.Scan(&def); err != nil {
		if err == pg.ErrNoRows {
			return "", errors.New(errors.KindNotFound, "no such function")
		}
		return "", errors.FromPostgres(err)
	}
	return def, nil
}

// Stats is the result of get_stats.
type Stats struct {
	TableCount   int    `json:"table_count"`
	RowCount     int64  `json:"row_count"`
	UserCount    int64  `json:"user_count"`
	DatabaseSize string `json:"database_size"`
}

// GetStats returns table/row/user counts and the formatted database size,
// grounded on the teacher's statisticsDetails aggregation in
// core/backend/statistics.go, generalized from per-resource counts to a
// whole-tenant summary.
func (c *Controller) GetStats(ctx context.Context, db *pg.DB) (*Stats, error) {
	tables, err := c.ListTables(ctx, db)
	if err != nil {
		return nil, err
	}
	s := &Stats{TableCount: len(tables)}
	for _, t := range tables {
		row := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s.%s`, query.QuoteIdent(db.Schema), query.QuoteIdent(t.Name)))
		var n int64
		if err := row.Scan(&n); err != nil {
			return nil, errors.FromPostgres(err)
		}
		s.RowCount += n
	}
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM information_schema.role_table_grants WHERE table_schema = $1`, db.Schema).Scan(&s.UserCount); err != nil {
		return nil, errors.FromPostgres(err)
	}
	if err := db.QueryRowContext(ctx, `SELECT pg_size_pretty(pg_database_size(current_database()))`).Scan(&s.DatabaseSize); err != nil {
		return nil, errors.FromPostgres(err)
	}
	return s, nil
}

// GetOpenAPISpec returns a minimal OpenAPI description of the tenant's
// tables, gated per spec.md §4.5: blocked unless schema_exposure is true
// or the caller is admin.
func (c *Controller) GetOpenAPISpec(ctx context.Context, db *pg.DB, schemaExposureEnabled, isAdmin bool) (map[string]interface{}, error) {
	if !schemaExposureEnabled && !isAdmin {
		return nil, errors.New(errors.KindForbidden, "schema discovery is disabled for this project")
	}
	tables, err := c.ListTables(ctx, db)
	if err != nil {
		return nil, err
	}
	paths := map[string]interface{}{}
	for _, t := range tables {
		cols, err := c.GetColumns(ctx, db, t.Name)
		if err != nil {
			return nil, err
		}
		properties := map[string]interface{}{}
		for _, col := range cols {
			properties[col.Name] = map[string]string{"type": pgTypeToJSONSchema(col.DataType)}
		}
		paths["/"+t.Name] = map[string]interface{}{
			"get": map[string]interface{}{
				"summary": "List " + t.Name,
			},
			"schema": map[string]interface{}{
				"type":       "object",
				"properties": properties,
			},
		}
	}
	return map[string]interface{}{
		"openapi": "3.0.0",
		"info":    map[string]string{"title": "Cascata tenant API", "version": "1.0.0"},
		"paths":   paths,
	}, nil
}

func pgTypeToJSONSchema(pgType string) string {
	switch pgType {
	case "integer", "bigint", "smallint":
		return "integer"
	case "numeric", "real", "double precision":
		return "number"
	case "boolean":
		return "boolean"
	default:
		return "string"
	}
}
