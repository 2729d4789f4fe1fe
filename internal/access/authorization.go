package access

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/cascata/gateway/internal/errors"
	"github.com/cascata/gateway/internal/tenant"
)

// AuthFlowAllowlist holds the request paths that are reachable anonymously
// even without a recognised apikey/bearer, because they are themselves part
// of an auth flow (spec.md §4.3.1's final state before 401).
var AuthFlowAllowlist = []string{
	"/auth/v1/callback",
	"/auth/v1/authorize",
	"/auth/v1/token",
	"/auth/v1/otp",
	"/auth/v1/verify",
	"/auth/v1/recover",
	"/auth/v1/magiclink",
}

func onAuthFlowAllowlist(urlPath string) bool {
	for _, p := range AuthFlowAllowlist {
		if strings.HasSuffix(urlPath, p) {
			return true
		}
	}
	return false
}

// Resolve implements the authorisation state machine from spec.md §4.3.1.
// States are evaluated in order; the first match wins. project is nil for
// control-plane requests, in which case only the admin states apply.
func Resolve(r *http.Request, project *tenant.Project, adminSecret string, urlPath string) (*Authorization, error) {
	bearer, hasBearer := bearerToken(r)
	apikey := apikeyCredential(r)

	// state 1: verified admin. An admin credential grants service_role,
	// the same RLS role a tenant service key grants, but is flagged
	// IsAdmin so control-plane-only actions can still tell it apart.
	if hasBearer {
		if _, ok := VerifyAdminToken(bearer, adminSecret); ok {
			return &Authorization{Role: RoleServiceRole, IsAdmin: true}, nil
		}
	}

	if project == nil {
		// control-plane path with no valid admin credential.
		return nil, errors.New(errors.KindUnauthorized, "admin authorization required")
	}

	// state 2: bearer == project.service_key.
	if hasBearer && constantTimeEqual(bearer, project.Secrets.ServiceKey) {
		return &Authorization{Role: RoleServiceRole}, nil
	}

	// state 3: bearer == project.anon_key.
	if hasBearer && constantTimeEqual(bearer, project.Secrets.AnonKey) {
		return &Authorization{Role: RoleAnon}, nil
	}

	// state 4: apikey == project.service_key.
	if apikey != "" && constantTimeEqual(apikey, project.Secrets.ServiceKey) {
		return &Authorization{Role: RoleServiceRole}, nil
	}

	// state 5: bearer verifies under project.jwt_secret.
	if hasBearer {
		if claims, ok := VerifyTenantToken(bearer, project.Secrets.JWTSecret); ok {
			return &Authorization{
				Role: RoleAuthenticated,
				Claims: &Claims{
					Subject: claims.Subject,
					Email:   claims.Email,
				},
			}, nil
		}
	}

	// state 6: apikey == project.anon_key.
	if apikey != "" && constantTimeEqual(apikey, project.Secrets.AnonKey) {
		return &Authorization{Role: RoleAnon}, nil
	}

	// state 7: path is itself part of an auth flow.
	if onAuthFlowAllowlist(urlPath) {
		return &Authorization{Role: RoleAnon}, nil
	}

	return nil, errors.New(errors.KindUnauthorized, "no valid credentials presented")
}

// BearerFromRequest exposes bearerToken to callers outside this package
// that need the raw credential before a Project is known, e.g. the
// gateway's tenant-resolution stage checking for a system request.
func BearerFromRequest(r *http.Request) (string, bool) {
	return bearerToken(r)
}

// bearerToken reads the bearer credential from the Authorization header,
// falling back to the `token` query parameter (spec.md §4.3.1's inputs).
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		if tok := strings.TrimSpace(strings.TrimPrefix(h, prefix)); tok != "" {
			return tok, true
		}
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, true
	}
	return "", false
}

// apikeyCredential reads the apikey credential from the apikey header,
// falling back to the `apikey` query parameter.
func apikeyCredential(r *http.Request) string {
	if v := r.Header.Get("apikey"); v != "" {
		return v
	}
	return r.URL.Query().Get("apikey")
}

// constantTimeEqual compares two secrets without leaking timing
// information about the length of a matching prefix.
func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
