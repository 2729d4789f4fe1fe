// Package access implements the authorisation state machine: mapping a
// request's bearer token / apikey / admin signature into a Role, following
// the same "Authorization carried in context" idiom the teacher backend
// uses in core/access, generalized to the gateway's multi-tenant roles.
package access

import (
	"context"
)

// Role is the RLS role a resolved request executes as.
type Role string

// The roles recognised by the gateway. A verified admin resolves to
// RoleServiceRole too -- admin is not a distinct RLS role, it is a
// distinct credential that happens to grant the same role.
const (
	RoleServiceRole   Role = "service_role"
	RoleAnon          Role = "anon"
	RoleAuthenticated Role = "authenticated"
)

// Claims carries the authenticated user's claims, when the request carries
// a verified tenant JWT.
type Claims struct {
	Subject string
	Email   string
	Raw     map[string]interface{}
}

// Authorization is the resolved authorization for one request.
type Authorization struct {
	Role    Role
	Claims  *Claims
	IsAdmin bool // resolved via the process-wide admin credential, not a tenant key
}

type contextKey struct{}

var authKey = contextKey{}

// ContextWithAuthorization attaches an Authorization to ctx.
func ContextWithAuthorization(ctx context.Context, a *Authorization) context.Context {
	return context.WithValue(ctx, authKey, a)
}

// FromContext retrieves the Authorization attached to ctx, or nil.
func FromContext(ctx context.Context) *Authorization {
	a, _ := ctx.Value(authKey).(*Authorization)
	return a
}
