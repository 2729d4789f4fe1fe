package query

import (
	"strconv"
	"strings"

	"github.com/cascata/gateway/internal/errors"
)

var operatorSQL = map[string]string{
	"eq": "=", "neq": "<>", "gt": ">", "gte": ">=", "lt": "<", "lte": "<=",
	"like": "LIKE", "ilike": "ILIKE", "cs": "@>", "cd": "<@",
}

// Statement is a parameterised SQL statement ready to execute.
type Statement struct {
	SQL  string
	Args []interface{}
}

// BuildSelect builds a SELECT statement from p.
func BuildSelect(table string, p *Params) (*Statement, error) {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(renderSelectList(p.Select))
	b.WriteString(" FROM ")
	b.WriteString(QuoteIdent(table))

	args, err := appendWhere(&b, p.Filters, nil)
	if err != nil {
		return nil, err
	}
	appendOrder(&b, p.Order)
	appendLimitOffset(&b, p.Limit, p.Offset)

	return &Statement{SQL: b.String(), Args: args}, nil
}

// BuildCount builds a `SELECT COUNT(*)` statement sharing p's filters,
// for Prefer: count=exact.
func BuildCount(table string, p *Params) (*Statement, error) {
	var b strings.Builder
	b.WriteString("SELECT COUNT(*) FROM ")
	b.WriteString(QuoteIdent(table))
	args, err := appendWhere(&b, p.Filters, nil)
	if err != nil {
		return nil, err
	}
	return &Statement{SQL: b.String(), Args: args}, nil
}

// InsertResolution is the conflict-resolution mode selected by the
// Prefer: resolution header.
type InsertResolution int

const (
	// ResolutionNone performs a plain INSERT.
	ResolutionNone InsertResolution = iota
	// ResolutionMergeDuplicates performs ON CONFLICT (...) DO UPDATE.
	ResolutionMergeDuplicates
	// ResolutionIgnoreDuplicates performs ON CONFLICT DO NOTHING.
	ResolutionIgnoreDuplicates
)

// BuildInsert builds an INSERT statement for one or more rows, all of
// which must share the same set of columns.
func BuildInsert(table string, rows []map[string]interface{}, onConflict string, resolution InsertResolution, returning bool) (*Statement, error) {
	if len(rows) == 0 {
		return nil, errors.New(errors.KindValidation, "insert requires at least one row")
	}
	cols := columnsOf(rows[0])
	if len(cols) == 0 {
		return nil, errors.New(errors.KindValidation, "insert row has no columns")
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(QuoteIdent(table))
	b.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(QuoteIdent(c))
	}
	b.WriteString(") VALUES ")

	var args []interface{}
	n := 0
	for r, row := range rows {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for i, c := range cols {
			if i > 0 {
				b.WriteString(", ")
			}
			v, ok := row[c]
			if !ok {
				return nil, errors.New(errors.KindValidation, "all rows in a batch insert must share the same columns")
			}
			n++
			b.WriteString(fmtPlaceholder(n))
			args = append(args, v)
		}
		b.WriteString(")")
	}

	switch resolution {
	case ResolutionMergeDuplicates:
		conflictCol := onConflict
		if conflictCol == "" {
			conflictCol = "id"
		}
		b.WriteString(" ON CONFLICT (")
		for i, c := range strings.Split(conflictCol, ",") {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(QuoteIdent(strings.TrimSpace(c)))
		}
		b.WriteString(") DO UPDATE SET ")
		first := true
		for _, c := range cols {
			if strings.Contains(","+conflictCol+",", ","+strings.TrimSpace(c)+",") {
				continue
			}
			if !first {
				b.WriteString(", ")
			}
			b.WriteString(QuoteIdent(c))
			b.WriteString(" = EXCLUDED.")
			b.WriteString(QuoteIdent(c))
			first = false
		}
	case ResolutionIgnoreDuplicates:
		b.WriteString(" ON CONFLICT DO NOTHING")
	}

	if returning {
		b.WriteString(" RETURNING *")
	}

	return &Statement{SQL: b.String(), Args: args}, nil
}

// BuildUpdate builds an UPDATE statement. Filters must be non-empty; a
// filterless mutation is rejected (spec.md §4.4).
func BuildUpdate(table string, p *Params, set map[string]interface{}, returning bool) (*Statement, error) {
	if len(p.Filters) == 0 {
		return nil, errors.New(errors.KindValidation, "update requires at least one filter")
	}
	cols := columnsOf(set)
	if len(cols) == 0 {
		return nil, errors.New(errors.KindValidation, "update requires at least one column")
	}

	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(QuoteIdent(table))
	b.WriteString(" SET ")

	var args []interface{}
	n := 0
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		n++
		b.WriteString(QuoteIdent(c))
		b.WriteString(" = ")
		b.WriteString(fmtPlaceholder(n))
		args = append(args, set[c])
	}

	whereArgs, err := appendWhere(&b, p.Filters, &n)
	if err != nil {
		return nil, err
	}
	args = append(args, whereArgs...)

	if returning {
		b.WriteString(" RETURNING *")
	}
	return &Statement{SQL: b.String(), Args: args}, nil
}

// BuildDelete builds a DELETE statement. Filters must be non-empty.
func BuildDelete(table string, p *Params, returning bool) (*Statement, error) {
	if len(p.Filters) == 0 {
		return nil, errors.New(errors.KindValidation, "delete requires at least one filter")
	}
	var b strings.Builder
	b.WriteString("DELETE FROM ")
	b.WriteString(QuoteIdent(table))

	args, err := appendWhere(&b, p.Filters, nil)
	if err != nil {
		return nil, err
	}
	if returning {
		b.WriteString(" RETURNING *")
	}
	return &Statement{SQL: b.String(), Args: args}, nil
}

func columnsOf(row map[string]interface{}) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	return cols
}

func renderSelectList(cols []Column) string {
	if len(cols) == 0 {
		return "*"
	}
	var b strings.Builder
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		if c.Expr == "*" {
			b.WriteString("*")
			continue
		}
		if isExpression(c.Expr) {
			b.WriteString(c.Expr)
		} else {
			b.WriteString(QuoteIdent(sanitizeOrderColumn(c.Expr)))
		}
		if c.Alias != "" {
			b.WriteString(" AS ")
			b.WriteString(QuoteIdent(c.Alias))
		}
	}
	return b.String()
}

func appendOrder(b *strings.Builder, order []OrderTerm) {
	if len(order) == 0 {
		return
	}
	b.WriteString(" ORDER BY ")
	for i, t := range order {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(QuoteIdent(t.Column))
		if t.Descending {
			b.WriteString(" DESC")
		} else {
			b.WriteString(" ASC")
		}
		if t.NullsFirst != nil {
			if *t.NullsFirst {
				b.WriteString(" NULLS FIRST")
			} else {
				b.WriteString(" NULLS LAST")
			}
		}
	}
}

func appendLimitOffset(b *strings.Builder, limit, offset *int) {
	if limit != nil {
		b.WriteString(" LIMIT ")
		b.WriteString(strconv.Itoa(*limit))
	}
	if offset != nil {
		b.WriteString(" OFFSET ")
		b.WriteString(strconv.Itoa(*offset))
	}
}

// appendWhere renders the WHERE clause for filters onto b, starting
// placeholder numbering after *startN (or 0 if nil), and returns the
// filter values in placeholder order.
func appendWhere(b *strings.Builder, filters []Filter, startN *int) ([]interface{}, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	n := 0
	if startN != nil {
		n = *startN
	}
	var args []interface{}
	b.WriteString(" WHERE ")
	for i, f := range filters {
		if i > 0 {
			b.WriteString(" AND ")
		}
		col := QuoteIdent(sanitizeOrderColumn(f.Column))
		clause, clauseArgs, newN, err := renderFilter(col, f, n)
		if err != nil {
			return nil, err
		}
		n = newN
		b.WriteString(clause)
		args = append(args, clauseArgs...)
	}
	if startN != nil {
		*startN = n
	}
	return args, nil
}

func renderFilter(col string, f Filter, n int) (clause string, args []interface{}, nextN int, err error) {
	switch f.Operator {
	case "is":
		v := strings.ToLower(strings.TrimSpace(f.Value))
		switch v {
		case "null":
			return col + " IS NULL", nil, n, nil
		case "true":
			return col + " IS TRUE", nil, n, nil
		case "false":
			return col + " IS FALSE", nil, n, nil
		default:
			return "", nil, n, errors.New(errors.KindValidation, "is operator requires null, true or false")
		}
	case "in":
		values := parseInList(f.Value)
		if len(values) == 0 {
			return "1=0", nil, n, nil
		}
		var placeholders []string
		for _, v := range values {
			n++
			placeholders = append(placeholders, fmtPlaceholder(n))
			args = append(args, v)
		}
		return col + " IN (" + strings.Join(placeholders, ", ") + ")", args, n, nil
	case "like", "ilike":
		n++
		val := strings.ReplaceAll(f.Value, "*", "%")
		return col + " " + operatorSQL[f.Operator] + " " + fmtPlaceholder(n), []interface{}{val}, n, nil
	case "cs", "cd":
		n++
		return col + " " + operatorSQL[f.Operator] + " " + fmtPlaceholder(n), []interface{}{f.Value}, n, nil
	default:
		op, ok := operatorSQL[f.Operator]
		if !ok {
			op = "="
		}
		n++
		return col + " " + op + " " + fmtPlaceholder(n), []interface{}{f.Value}, n, nil
	}
}

func parseInList(raw string) []string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "(")
	raw = strings.TrimSuffix(raw, ")")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
