package data

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cascata/gateway/internal/errors"
	"github.com/cascata/gateway/internal/pg"
	"github.com/cascata/gateway/internal/query"
)

const deletedPrefix = "_deleted_"

// CreateTable creates a new table from a column DDL fragment (admin-only,
// enforced by the caller). The fragment is never assembled from a request
// query parameter -- it is the admin-authored column list for a brand new
// table, so it is trusted input, unlike filter/select expressions.
func (c *Controller) CreateTable(ctx context.Context, db *pg.DB, table, columnsDDL string) error {
	stmt := fmt.Sprintf(`CREATE TABLE %s.%s (%s)`, query.QuoteIdent(db.Schema), query.QuoteIdent(table), columnsDDL)
	_, err := db.ExecContext(ctx, stmt)
	if err != nil {
		return errors.FromPostgres(err)
	}
	return nil
}

// DeleteTable removes table, either by soft-renaming it into the recycle
// bin (cascade=false) or dropping it outright (cascade=true). Admin-only.
func (c *Controller) DeleteTable(ctx context.Context, db *pg.DB, table string, cascade bool) error {
	if cascade {
		_, err := db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE %s.%s CASCADE`, query.QuoteIdent(db.Schema), query.QuoteIdent(table)))
		if err != nil {
			return errors.FromPostgres(err)
		}
		return nil
	}

	renamed := fmt.Sprintf("%s%d_%s", deletedPrefix, unixMillis(), table)
	_, err := db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s.%s RENAME TO %s`,
		query.QuoteIdent(db.Schema), query.QuoteIdent(table), query.QuoteIdent(renamed)))
	if err != nil {
		return errors.FromPostgres(err)
	}
	return nil
}

// ListRecycleBin lists soft-deleted tables still renamed under the
// "_deleted_<unix_ms>_" prefix.
func (c *Controller) ListRecycleBin(ctx context.Context, db *pg.DB) ([]TableInfo, error) {
	rows, err := db.QueryContext(ctx, `
SELECT table_name FROM information_schema.tables
WHERE table_schema = $1 AND table_name LIKE '\_deleted\_%'
ORDER BY table_name`, db.Schema)
	if err != nil {
		return nil, errors.FromPostgres(err)
	}
	defer rows.Close()
	var out []TableInfo
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(errors.KindInternal, "cannot scan recycled table name", err)
		}
		out = append(out, TableInfo{Name: name, Schema: db.Schema})
	}
	return out, rows.Err()
}

// RestoreTable strips the "_deleted_<unix_ms>_" prefix from a recycled
// table name, restoring it under its original name.
func (c *Controller) RestoreTable(ctx context.Context, db *pg.DB, recycledName string) error {
	original, ok := stripDeletedPrefix(recycledName)
	if !ok {
		return errors.New(errors.KindValidation, "not a recycled table name")
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s.%s RENAME TO %s`,
		query.QuoteIdent(db.Schema), query.QuoteIdent(recycledName), query.QuoteIdent(original)))
	if err != nil {
		return errors.FromPostgres(err)
	}
	return nil
}

// stripDeletedPrefix strips a "_deleted_<digits>_" prefix, returning the
// original table name and whether the prefix was present.
func stripDeletedPrefix(name string) (string, bool) {
	if !strings.HasPrefix(name, deletedPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(name, deletedPrefix)
	idx := strings.IndexByte(rest, '_')
	if idx < 0 {
		return "", false
	}
	timestampPart := rest[:idx]
	for _, r := range timestampPart {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return rest[idx+1:], true
}

// unixMillis returns the current time in milliseconds since the epoch.
// Exposed as a var so tests can pin a deterministic value.
var unixMillis = defaultUnixMillis

func defaultUnixMillis() int64 {
	return time.Now().UnixMilli()
}
