package data

import (
	"context"
	"testing"

	"github.com/cascata/gateway/internal/access"
)

func TestStripDeletedPrefixRoundTrip(t *testing.T) {
	original, ok := stripDeletedPrefix("_deleted_1700000000000_customers")
	if !ok {
		t.Fatal("expected prefix to be recognised")
	}
	if original != "customers" {
		t.Fatalf("got %q", original)
	}
}

func TestStripDeletedPrefixRejectsNonRecycledName(t *testing.T) {
	if _, ok := stripDeletedPrefix("customers"); ok {
		t.Fatal("expected a plain table name to be rejected")
	}
}

func TestStripDeletedPrefixRejectsNonNumericTimestamp(t *testing.T) {
	if _, ok := stripDeletedPrefix("_deleted_notanumber_customers"); ok {
		t.Fatal("expected a non-numeric timestamp segment to be rejected")
	}
}

func TestNormalizeValueConvertsBytesToString(t *testing.T) {
	v := normalizeValue([]byte("hello"))
	s, ok := v.(string)
	if !ok || s != "hello" {
		t.Fatalf("got %#v", v)
	}
}

func TestNormalizeValuePassesThroughOtherTypes(t *testing.T) {
	v := normalizeValue(42)
	if v.(int) != 42 {
		t.Fatalf("got %#v", v)
	}
}

func TestFirstWordUpper(t *testing.T) {
	if firstWordUpper("select 1") != "SELECT" {
		t.Fatal("expected SELECT")
	}
	if firstWordUpper("  delete from widgets") != "DELETE" {
		t.Fatal("expected DELETE")
	}
}

func TestRunRawQueryRejectsNonServiceRole(t *testing.T) {
	c := New()
	_, err := c.RunRawQuery(context.Background(), nil, access.RoleAnon, "select 1", nil)
	if err == nil {
		t.Fatal("expected raw SQL to be rejected for a non-service_role caller")
	}
}

func TestGetOpenAPISpecBlockedWithoutSchemaExposure(t *testing.T) {
	c := New()
	_, err := c.GetOpenAPISpec(context.Background(), nil, false, false)
	if err == nil {
		t.Fatal("expected openapi spec to be forbidden when schema exposure is disabled")
	}
}
