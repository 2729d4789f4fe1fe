// Package errors implements the gateway's uniform error taxonomy and maps
// it onto HTTP status codes and Postgres error codes, so every component
// surfaces failures the same way instead of hand-rolling http.Error calls
// (as the teacher backend does ad hoc throughout core/backend).
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/lib/pq"
)

// Kind is one entry in the error taxonomy.
type Kind string

// The full taxonomy from the error handling design.
const (
	KindUnauthorized    Kind = "Unauthorized"
	KindForbidden       Kind = "Forbidden"
	KindNotFound        Kind = "NotFound"
	KindConflict        Kind = "Conflict"
	KindValidation      Kind = "Validation"
	KindPayloadTooLarge Kind = "PayloadTooLarge"
	KindRateLimited     Kind = "RateLimited"
	KindLockedDown      Kind = "LockedDown"
	KindBadGateway      Kind = "BadGateway"
	KindInternal        Kind = "Internal"
)

var statusByKind = map[Kind]int{
	KindUnauthorized:    http.StatusUnauthorized,
	KindForbidden:       http.StatusForbidden,
	KindNotFound:        http.StatusNotFound,
	KindConflict:        http.StatusConflict,
	KindValidation:      http.StatusBadRequest,
	KindPayloadTooLarge: http.StatusRequestEntityTooLarge,
	KindRateLimited:     http.StatusTooManyRequests,
	KindLockedDown:      http.StatusServiceUnavailable,
	KindBadGateway:      http.StatusBadGateway,
	KindInternal:        http.StatusInternalServerError,
}

// APIError is the gateway's uniform error type. Every handler that can fail
// returns one of these (or wraps one), so the wire mapping stays in one
// place.
type APIError struct {
	Kind     Kind
	Message  string
	Code     string // Postgres SQLSTATE, when relevant
	Position string // Postgres error position, when relevant
	Err      error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is/As to see through to the underlying cause.
func (e *APIError) Unwrap() error { return e.Err }

// Status returns the HTTP status code for this error's kind.
func (e *APIError) Status() int {
	if status, ok := statusByKind[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New builds a new APIError of the given kind.
func New(kind Kind, message string) *APIError {
	return &APIError{Kind: kind, Message: message}
}

// Wrap builds a new APIError of the given kind wrapping a lower-level cause.
func Wrap(kind Kind, message string, err error) *APIError {
	return &APIError{Kind: kind, Message: message, Err: err}
}

// As extracts an *APIError from err, or returns a generic KindInternal error
// if err isn't already one. Use this at the outermost point before writing
// a response.
func As(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Wrap(KindInternal, "unmapped error", err)
}

// FromPostgres maps a *pq.Error raised by a tenant-data query into the
// taxonomy, per the Postgres error-code table in the error handling design.
func FromPostgres(err error) *APIError {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return Wrap(KindInternal, "database error", err)
	}
	switch pqErr.Code {
	case "23505":
		return Wrap(KindConflict, "unique constraint violation", err)
	case "23503", "23502", "42703", "22P02":
		return Wrap(KindValidation, "invalid request", err)
	case "42P01":
		return Wrap(KindNotFound, "relation does not exist", err)
	default:
		return &APIError{
			Kind:     KindValidation,
			Message:  pqErr.Message,
			Code:     string(pqErr.Code),
			Position: pqErr.Position,
			Err:      err,
		}
	}
}

// errorBody is the uniform {error, code, position} envelope used for
// raw-SQL failures and the plain {error} envelope otherwise.
type errorBody struct {
	Error    string `json:"error"`
	Code     string `json:"code,omitempty"`
	Position string `json:"position,omitempty"`
}

// WriteHTTP writes err as a JSON error response onto w.
func WriteHTTP(w http.ResponseWriter, err error) {
	apiErr := As(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(apiErr.Status())

	body := errorBody{Error: apiErr.Message}
	if apiErr.Code != "" {
		body.Code = apiErr.Code
		body.Position = apiErr.Position
	}
	json.NewEncoder(w).Encode(body)
}

// ShouldLog reports whether an error of this status should be logged by
// default: all non-2xx, non-4xx responses are logged; 4xx is not, per the
// error handling design's propagation policy.
func ShouldLog(status int) bool {
	return status < 200 || (status >= 300 && status < 400) || status >= 500
}
