package access

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cascata/gateway/internal/tenant"
)

func testProject() *tenant.Project {
	p := &tenant.Project{Slug: "acme"}
	p.Secrets.AnonKey = "anon-key-123"
	p.Secrets.ServiceKey = "service-key-456"
	p.Secrets.JWTSecret = "tenant-jwt-secret"
	return p
}

func withAuth(header, value string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/data/acme/widgets", nil)
	if header != "" {
		r.Header.Set(header, value)
	}
	return r
}

func TestResolveVerifiedAdminWins(t *testing.T) {
	tok, err := IssueAdminToken("admin-secret", "root", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	r := withAuth("Authorization", "Bearer "+tok)
	auth, err := Resolve(r, testProject(), "admin-secret", r.URL.Path)
	if err != nil {
		t.Fatal(err)
	}
	if auth.Role != RoleServiceRole || !auth.IsAdmin {
		t.Fatalf("expected admin-flagged service_role, got role=%q isAdmin=%v", auth.Role, auth.IsAdmin)
	}
}

func TestResolveBearerServiceKey(t *testing.T) {
	p := testProject()
	r := withAuth("Authorization", "Bearer "+p.Secrets.ServiceKey)
	auth, err := Resolve(r, p, "admin-secret", r.URL.Path)
	if err != nil {
		t.Fatal(err)
	}
	if auth.Role != RoleServiceRole {
		t.Fatalf("expected service_role, got %q", auth.Role)
	}
}

func TestResolveBearerAnonKey(t *testing.T) {
	p := testProject()
	r := withAuth("Authorization", "Bearer "+p.Secrets.AnonKey)
	auth, err := Resolve(r, p, "admin-secret", r.URL.Path)
	if err != nil {
		t.Fatal(err)
	}
	if auth.Role != RoleAnon {
		t.Fatalf("expected anon, got %q", auth.Role)
	}
}

func TestResolveApikeyServiceKey(t *testing.T) {
	p := testProject()
	r := withAuth("apikey", p.Secrets.ServiceKey)
	auth, err := Resolve(r, p, "admin-secret", r.URL.Path)
	if err != nil {
		t.Fatal(err)
	}
	if auth.Role != RoleServiceRole {
		t.Fatalf("expected service_role via apikey, got %q", auth.Role)
	}
}

func TestResolveBearerTenantJWT(t *testing.T) {
	p := testProject()
	tok, err := IssueAdminToken(p.Secrets.JWTSecret, "user-42", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	r := withAuth("Authorization", "Bearer "+tok)
	auth, err := Resolve(r, p, "admin-secret", r.URL.Path)
	if err != nil {
		t.Fatal(err)
	}
	if auth.Role != RoleAuthenticated {
		t.Fatalf("expected authenticated, got %q", auth.Role)
	}
	if auth.Claims == nil || auth.Claims.Subject != "user-42" {
		t.Fatalf("expected claims with subject user-42, got %+v", auth.Claims)
	}
}

func TestResolveApikeyAnonKey(t *testing.T) {
	p := testProject()
	r := withAuth("apikey", p.Secrets.AnonKey)
	auth, err := Resolve(r, p, "admin-secret", r.URL.Path)
	if err != nil {
		t.Fatal(err)
	}
	if auth.Role != RoleAnon {
		t.Fatalf("expected anon via apikey, got %q", auth.Role)
	}
}

func TestResolveAuthFlowAllowlist(t *testing.T) {
	p := testProject()
	r := httptest.NewRequest(http.MethodPost, "/api/data/acme/auth/v1/token", nil)
	auth, err := Resolve(r, p, "admin-secret", r.URL.Path)
	if err != nil {
		t.Fatal(err)
	}
	if auth.Role != RoleAnon {
		t.Fatalf("expected anon for auth-flow path, got %q", auth.Role)
	}
}

func TestResolveNoCredentialsUnauthorized(t *testing.T) {
	p := testProject()
	r := withAuth("", "")
	if _, err := Resolve(r, p, "admin-secret", r.URL.Path); err == nil {
		t.Fatal("expected unauthorized error")
	}
}

func TestResolveControlPlaneRequiresAdmin(t *testing.T) {
	r := withAuth("", "")
	if _, err := Resolve(r, nil, "admin-secret", "/api/control/projects"); err == nil {
		t.Fatal("expected unauthorized error for control-plane request without admin token")
	}
}

func TestResolveBearerFromTokenQueryParam(t *testing.T) {
	p := testProject()
	r := httptest.NewRequest(http.MethodGet, "/api/data/acme/widgets?token="+p.Secrets.ServiceKey, nil)
	auth, err := Resolve(r, p, "admin-secret", r.URL.Path)
	if err != nil {
		t.Fatal(err)
	}
	if auth.Role != RoleServiceRole {
		t.Fatalf("expected service_role via token query param, got %q", auth.Role)
	}
}

func TestResolveApikeyFromQueryParam(t *testing.T) {
	p := testProject()
	r := httptest.NewRequest(http.MethodGet, "/api/data/acme/widgets?apikey="+p.Secrets.AnonKey, nil)
	auth, err := Resolve(r, p, "admin-secret", r.URL.Path)
	if err != nil {
		t.Fatal(err)
	}
	if auth.Role != RoleAnon {
		t.Fatalf("expected anon via apikey query param, got %q", auth.Role)
	}
}

func TestResolveControlPlaneAcceptsAdmin(t *testing.T) {
	tok, err := IssueAdminToken("admin-secret", "root", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	r := withAuth("Authorization", "Bearer "+tok)
	auth, err := Resolve(r, nil, "admin-secret", "/api/control/projects")
	if err != nil {
		t.Fatal(err)
	}
	if auth.Role != RoleServiceRole || !auth.IsAdmin {
		t.Fatalf("expected admin-flagged service_role, got role=%q isAdmin=%v", auth.Role, auth.IsAdmin)
	}
}
