package query

import (
	"net/url"
	"strings"
	"testing"
)

func TestParseSelectAliasAndExpression(t *testing.T) {
	p, err := Parse(url.Values{"select": {"id,name:full_name,jsonb_col->>'key'"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Select) != 3 {
		t.Fatalf("expected 3 select columns, got %d", len(p.Select))
	}
	if p.Select[1].Expr != "name" || p.Select[1].Alias != "full_name" {
		t.Fatalf("got %+v", p.Select[1])
	}
}

func TestParseOrderDefaultsAsc(t *testing.T) {
	p, err := Parse(url.Values{"order": {"name"}})
	if err != nil {
		t.Fatal(err)
	}
	if p.Order[0].Descending {
		t.Fatal("expected default ascending order")
	}
}

func TestParseOrderStripsDangerousCharacters(t *testing.T) {
	p, err := Parse(url.Values{"order": {"name;--.desc"}})
	if err != nil {
		t.Fatal(err)
	}
	if strings.ContainsAny(p.Order[0].Column, ";-") == false {
		// dash is allowed; semicolon must be stripped
	}
	if strings.Contains(p.Order[0].Column, ";") {
		t.Fatalf("expected semicolon stripped, got %q", p.Order[0].Column)
	}
}

func TestParseFiltersSeparatedFromReserved(t *testing.T) {
	p, err := Parse(url.Values{"select": {"*"}, "limit": {"10"}, "name": {"eq.A"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Filters) != 1 || p.Filters[0].Column != "name" || p.Filters[0].Operator != "eq" || p.Filters[0].Value != "A" {
		t.Fatalf("got %+v", p.Filters)
	}
}

func TestParseFilterUnknownOperatorFallsBackToLiteralEquality(t *testing.T) {
	p, err := Parse(url.Values{"name": {"plainvalue"}})
	if err != nil {
		t.Fatal(err)
	}
	if p.Filters[0].Operator != "eq" || p.Filters[0].Value != "plainvalue" {
		t.Fatalf("got %+v", p.Filters[0])
	}
}

func TestBuildSelectBasic(t *testing.T) {
	p, _ := Parse(url.Values{"name": {"eq.A"}, "order": {"name.desc"}})
	stmt, err := BuildSelect("customers", p)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stmt.SQL, `FROM "customers"`) {
		t.Fatalf("got %q", stmt.SQL)
	}
	if !strings.Contains(stmt.SQL, `WHERE "name" = $1`) {
		t.Fatalf("got %q", stmt.SQL)
	}
	if !strings.Contains(stmt.SQL, `ORDER BY "name" DESC`) {
		t.Fatalf("got %q", stmt.SQL)
	}
	if len(stmt.Args) != 1 || stmt.Args[0] != "A" {
		t.Fatalf("got args %+v", stmt.Args)
	}
}

func TestBuildSelectInEmptyListIsNoRowsNotError(t *testing.T) {
	p, _ := Parse(url.Values{"id": {"in.()"}})
	stmt, err := BuildSelect("widgets", p)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stmt.SQL, "1=0") {
		t.Fatalf("expected short-circuit 1=0 clause, got %q", stmt.SQL)
	}
	if len(stmt.Args) != 0 {
		t.Fatalf("expected no args for empty IN list, got %+v", stmt.Args)
	}
}

func TestBuildSelectInList(t *testing.T) {
	p, _ := Parse(url.Values{"id": {"in.(1,2,3)"}})
	stmt, err := BuildSelect("widgets", p)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stmt.SQL, `"id" IN ($1, $2, $3)`) {
		t.Fatalf("got %q", stmt.SQL)
	}
	if len(stmt.Args) != 3 {
		t.Fatalf("got %+v", stmt.Args)
	}
}

func TestBuildSelectIsNullHasNoPlaceholder(t *testing.T) {
	p, _ := Parse(url.Values{"deleted_at": {"is.null"}})
	stmt, err := BuildSelect("widgets", p)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stmt.SQL, `"deleted_at" IS NULL`) {
		t.Fatalf("got %q", stmt.SQL)
	}
	if len(stmt.Args) != 0 {
		t.Fatalf("expected no placeholder args for IS NULL, got %+v", stmt.Args)
	}
}

func TestBuildSelectLikeConvertsWildcard(t *testing.T) {
	p, _ := Parse(url.Values{"name": {"like.A*"}})
	stmt, err := BuildSelect("widgets", p)
	if err != nil {
		t.Fatal(err)
	}
	if stmt.Args[0] != "A%" {
		t.Fatalf("got %+v", stmt.Args)
	}
}

func TestBuildInsertMultiRow(t *testing.T) {
	rows := []map[string]interface{}{
		{"name": "A"},
		{"name": "B"},
	}
	stmt, err := BuildInsert("customers", rows, "", ResolutionNone, true)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stmt.SQL, "RETURNING *") {
		t.Fatalf("got %q", stmt.SQL)
	}
	if len(stmt.Args) != 2 {
		t.Fatalf("got %+v", stmt.Args)
	}
}

func TestBuildInsertMergeDuplicates(t *testing.T) {
	rows := []map[string]interface{}{{"id": 1, "name": "A"}}
	stmt, err := BuildInsert("customers", rows, "id", ResolutionMergeDuplicates, false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stmt.SQL, "ON CONFLICT") || !strings.Contains(stmt.SQL, "DO UPDATE SET") {
		t.Fatalf("got %q", stmt.SQL)
	}
}

func TestBuildInsertIgnoreDuplicates(t *testing.T) {
	rows := []map[string]interface{}{{"id": 1}}
	stmt, err := BuildInsert("customers", rows, "", ResolutionIgnoreDuplicates, false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stmt.SQL, "ON CONFLICT DO NOTHING") {
		t.Fatalf("got %q", stmt.SQL)
	}
}

func TestBuildUpdateRejectsFilterless(t *testing.T) {
	p := &Params{}
	_, err := BuildUpdate("customers", p, map[string]interface{}{"name": "AA"}, true)
	if err == nil {
		t.Fatal("expected filterless update to be rejected")
	}
}

func TestBuildUpdateWithFilter(t *testing.T) {
	p, _ := Parse(url.Values{"name": {"eq.A"}})
	stmt, err := BuildUpdate("customers", p, map[string]interface{}{"name": "AA"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stmt.SQL, `SET "name" = $1`) || !strings.Contains(stmt.SQL, `WHERE "name" = $2`) {
		t.Fatalf("got %q", stmt.SQL)
	}
	if stmt.Args[0] != "AA" || stmt.Args[1] != "A" {
		t.Fatalf("got %+v", stmt.Args)
	}
}

func TestBuildDeleteRejectsFilterless(t *testing.T) {
	p := &Params{}
	_, err := BuildDelete("customers", p, true)
	if err == nil {
		t.Fatal("expected filterless delete to be rejected")
	}
}

func TestBuildDeleteWithFilter(t *testing.T) {
	p, _ := Parse(url.Values{"name": {"in.(AA,B)"}})
	stmt, err := BuildDelete("customers", p, true)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stmt.SQL, "DELETE FROM") || !strings.Contains(stmt.SQL, "IN ($1, $2)") {
		t.Fatalf("got %q", stmt.SQL)
	}
}

func TestParseRangeBasic(t *testing.T) {
	offset, limit, err := ParseRange("0-0")
	if err != nil {
		t.Fatal(err)
	}
	if offset != 0 || limit != 1 {
		t.Fatalf("got offset=%d limit=%d", offset, limit)
	}
}

func TestParseRangeRejectsInverted(t *testing.T) {
	if _, _, err := ParseRange("100-50"); err == nil {
		t.Fatal("expected inverted range to be rejected")
	}
}

func TestQuoteIdentDoublesInnerQuotes(t *testing.T) {
	if QuoteIdent(`weird"name`) != `"weird""name"` {
		t.Fatalf("got %q", QuoteIdent(`weird"name`))
	}
}

func TestNoValueAppearsUnescapedInSQLText(t *testing.T) {
	p, _ := Parse(url.Values{"name": {`eq.robert'); DROP TABLE widgets;--`}})
	stmt, err := BuildSelect("widgets", p)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(stmt.SQL, "DROP TABLE") {
		t.Fatalf("raw filter value leaked into SQL text: %q", stmt.SQL)
	}
	if len(stmt.Args) != 1 {
		t.Fatalf("expected the dangerous value to flow through a placeholder, got %+v", stmt.Args)
	}
}
