package errors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/lib/pq"
)

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindUnauthorized, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindValidation, http.StatusBadRequest},
		{KindPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindLockedDown, http.StatusServiceUnavailable},
		{KindBadGateway, http.StatusBadGateway},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		err := New(tc.kind, "boom")
		if got := err.Status(); got != tc.want {
			t.Errorf("%s: got status %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestFromPostgresMapsKnownCodes(t *testing.T) {
	cases := []struct {
		code string
		want Kind
	}{
		{"23505", KindConflict},
		{"23503", KindValidation},
		{"23502", KindValidation},
		{"42703", KindValidation},
		{"22P02", KindValidation},
		{"42P01", KindNotFound},
		{"42601", KindValidation}, // unknown code surfaces as Validation with position/code
	}
	for _, tc := range cases {
		pqErr := &pq.Error{Code: pq.ErrorCode(tc.code), Message: "db says no", Position: "12"}
		got := FromPostgres(pqErr)
		if got.Kind != tc.want {
			t.Errorf("code %s: got kind %s, want %s", tc.code, got.Kind, tc.want)
		}
	}
}

func TestFromPostgresUnmappedErrorIsInternal(t *testing.T) {
	got := FromPostgres(errors.New("not a pq error"))
	if got.Kind != KindInternal {
		t.Fatalf("got %s, want Internal", got.Kind)
	}
}

func TestAsUnwrapsAPIError(t *testing.T) {
	original := New(KindConflict, "dup")
	wrapped := Wrap(KindInternal, "outer", original)
	// As() only looks for *APIError via errors.As, which finds the outermost one.
	got := As(wrapped)
	if got.Kind != KindInternal {
		t.Fatalf("got %s, want Internal (outermost)", got.Kind)
	}
	if !errors.Is(wrapped, wrapped) {
		t.Fatal("errors.Is should find itself")
	}
}

func TestShouldLog(t *testing.T) {
	if ShouldLog(http.StatusNotFound) {
		t.Error("4xx should not be logged by default")
	}
	if !ShouldLog(http.StatusInternalServerError) {
		t.Error("5xx should be logged")
	}
	if !ShouldLog(199) {
		t.Error("non-2xx/non-4xx below 200 should be logged")
	}
}
