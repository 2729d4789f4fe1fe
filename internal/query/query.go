// Package query implements the PostgREST-dialect Query Translator: it
// turns a table name, HTTP method, URL query parameters, request body and
// headers into a single parameterised SQL statement.
//
// Grounded on the teacher's core/backend/collection.go query-parameter
// parsing idiom (reserved keys vs. filter keys, building placeholder SQL
// incrementally) generalized to the PostgREST filter/select/order grammar
// the spec requires instead of the teacher's fixed "filter"/"search" keys.
package query

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/cascata/gateway/internal/errors"
)

// reservedParams are never treated as filters.
var reservedParams = map[string]bool{
	"select":      true,
	"order":       true,
	"limit":       true,
	"offset":      true,
	"on_conflict": true,
	"columns":     true,
}

// Column is one entry in a select list.
type Column struct {
	Expr  string // raw expression, already safe to inline (function call, json traversal) or a bare column name
	Alias string // "" when no alias was given
}

// OrderTerm is one entry in an order-by list.
type OrderTerm struct {
	Column     string
	Descending bool
	NullsFirst *bool // nil = database default
}

// Filter is one non-reserved query parameter.
type Filter struct {
	Column   string
	Operator string
	Value    string
}

// Params is the parsed form of a request's query string.
type Params struct {
	Select     []Column
	Order      []OrderTerm
	Limit      *int
	Offset     *int
	OnConflict string
	Columns    []string
	Filters    []Filter
}

// Parse parses raw query values into Params, applying the reserved-word
// split and the select/order grammars described in spec.md §4.4.
func Parse(values url.Values) (*Params, error) {
	p := &Params{}

	if raw := values.Get("select"); raw != "" {
		p.Select = parseSelect(raw)
	}
	if raw := values.Get("order"); raw != "" {
		order, err := parseOrder(raw)
		if err != nil {
			return nil, err
		}
		p.Order = order
	}
	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.New(errors.KindValidation, "limit must be an integer")
		}
		p.Limit = &n
	}
	if raw := values.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.New(errors.KindValidation, "offset must be an integer")
		}
		p.Offset = &n
	}
	p.OnConflict = values.Get("on_conflict")
	if raw := values.Get("columns"); raw != "" {
		p.Columns = splitTrim(raw)
	}

	for key, vals := range values {
		if reservedParams[key] {
			continue
		}
		for _, v := range vals {
			op, val := splitOperator(v)
			p.Filters = append(p.Filters, Filter{Column: key, Operator: op, Value: val})
		}
	}
	return p, nil
}

func splitTrim(raw string) []string {
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

// parseSelect implements the select grammar: comma-separated column list;
// "*" returns all; "col:alias" becomes an aliased column; expressions
// containing "(", "->", or "." pass through unquoted.
func parseSelect(raw string) []Column {
	parts := strings.Split(raw, ",")
	cols := make([]Column, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == "*" {
			cols = append(cols, Column{Expr: "*"})
			continue
		}
		expr, alias := part, ""
		if idx := strings.IndexByte(part, ':'); idx >= 0 && !isExpression(part) {
			expr, alias = part[:idx], part[idx+1:]
		}
		cols = append(cols, Column{Expr: expr, Alias: alias})
	}
	return cols
}

func isExpression(s string) bool {
	return strings.ContainsAny(s, "(.") || strings.Contains(s, "->")
}

// parseOrder implements the order grammar:
// col[.{asc|desc}][.{nullsfirst|nullslast}], comma-separated.
func parseOrder(raw string) ([]OrderTerm, error) {
	parts := strings.Split(raw, ",")
	terms := make([]OrderTerm, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		segs := strings.Split(part, ".")
		term := OrderTerm{Column: sanitizeOrderColumn(segs[0])}
		for _, seg := range segs[1:] {
			switch strings.ToLower(seg) {
			case "asc":
				term.Descending = false
			case "desc":
				term.Descending = true
			case "nullsfirst":
				b := true
				term.NullsFirst = &b
			case "nullslast":
				b := false
				term.NullsFirst = &b
			}
		}
		terms = append(terms, term)
	}
	return terms, nil
}

// sanitizeOrderColumn strips any character outside the allowed set
// (letters, digits, underscore, space, dash, ">") silently, per the open
// question in spec.md §9 (strip, don't reject).
func sanitizeOrderColumn(col string) string {
	var b strings.Builder
	for _, r := range col {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '_' || r == ' ' || r == '-' || r == '>' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// splitOperator splits "eq.5" into ("eq", "5"). A value with no recognised
// operator prefix is treated as literal equality on the raw value.
func splitOperator(v string) (op, val string) {
	idx := strings.IndexByte(v, '.')
	if idx < 0 {
		return "eq", v
	}
	candidate := v[:idx]
	if _, ok := filterOperators[candidate]; ok {
		return candidate, v[idx+1:]
	}
	return "eq", v
}

var filterOperators = map[string]bool{
	"eq": true, "neq": true, "gt": true, "gte": true, "lt": true, "lte": true,
	"like": true, "ilike": true, "is": true, "in": true, "cs": true, "cd": true,
}

// QuoteIdent double-quotes a SQL identifier, doubling any inner quote.
func QuoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// ParseRange parses an HTTP Range header of the form "start-end" into
// offset/limit. Range: 100-50 (end < start) is rejected.
func ParseRange(header string) (offset, limit int, err error) {
	const prefix = "items="
	header = strings.TrimPrefix(header, prefix)
	parts := strings.SplitN(header, "-", 2)
	if len(parts) != 2 {
		return 0, 0, errors.New(errors.KindValidation, "malformed Range header")
	}
	start, err1 := strconv.Atoi(parts[0])
	end, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, errors.New(errors.KindValidation, "malformed Range header")
	}
	if end < start {
		return 0, 0, errors.New(errors.KindValidation, "invalid Range: end precedes start")
	}
	return start, end - start + 1, nil
}

// fmtPlaceholder renders the Nth (1-based) positional SQL placeholder.
func fmtPlaceholder(n int) string {
	return fmt.Sprintf("$%d", n)
}
