package data

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/cascata/gateway/internal/access"
	"github.com/cascata/gateway/internal/errors"
	"github.com/cascata/gateway/internal/pg"
	"github.com/cascata/gateway/internal/query"
	"github.com/lib/pq"
)

// ExecuteRPC calls a public function: args arrive as a JSON object and each
// value is bound to the declared parameter of the same name, so the
// function receives them in declaration order whatever order argOrder has.
func (c *Controller) ExecuteRPC(ctx context.Context, db *pg.DB, role access.Role, name string, args map[string]interface{}, argOrder []string) ([]map[string]interface{}, error) {
	placeholders := make([]string, len(argOrder))
	values := make([]interface{}, len(argOrder))
	for i, argName := range argOrder {
		placeholders[i] = query.QuoteIdent(argName) + " => " + placeholderAt(i+1)
		values[i] = args[argName]
	}
	stmt := `SELECT * FROM ` + query.QuoteIdent(name) + `(` + strings.Join(placeholders, ", ") + `)`

	var out []map[string]interface{}
	err := withRoleTx(ctx, db, role, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, stmt, values...)
		if err != nil {
			return errors.FromPostgres(err)
		}
		defer rows.Close()
		out, err = rowsToMaps(rows)
		return err
	})
	return out, err
}

func placeholderAt(n int) string {
	return "$" + strconv.Itoa(n)
}

// RawQueryResult is the shape returned by run_raw_query.
type RawQueryResult struct {
	Rows       []map[string]interface{} `json:"rows"`
	RowCount   int                      `json:"rowCount"`
	Command    string                   `json:"command"`
	DurationMS int64                    `json:"duration_ms"`
}

// RunRawQuery executes arbitrary SQL. Service-role only -- the caller is
// responsible for enforcing that before calling this. On database error
// it returns an APIError carrying {error, code, position} rather than a
// generic 500, per spec.md §4.5.
func (c *Controller) RunRawQuery(ctx context.Context, db *pg.DB, role access.Role, sqlText string, args []interface{}) (*RawQueryResult, error) {
	if role != access.RoleServiceRole {
		return nil, errors.New(errors.KindForbidden, "raw SQL requires service_role")
	}
	start := time.Now()
	result := &RawQueryResult{Command: firstWordUpper(sqlText)}

	err := withRoleTx(ctx, db, role, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, sqlText, args...)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok {
				return &errors.APIError{Kind: errors.KindValidation, Message: pqErr.Message,
					Code: string(pqErr.Code), Position: pqErr.Position, Err: err}
			}
			return errors.FromPostgres(err)
		}
		defer rows.Close()
		result.Rows, err = rowsToMaps(rows)
		if err != nil {
			return err
		}
		result.RowCount = len(result.Rows)
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.DurationMS = time.Since(start).Milliseconds()
	return result, nil
}

func firstWordUpper(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	idx := strings.IndexAny(trimmed, " \t\n")
	word := trimmed
	if idx >= 0 {
		word = trimmed[:idx]
	}
	return strings.ToUpper(word)
}
