package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cascata/gateway/internal/tenant"
)

func TestSecurityHeadersSetAndPassesThrough(t *testing.T) {
	g := &Gateway{}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	g.securityHeaders(next).ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected the next handler to run")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("expected nosniff header")
	}
	if rec.Header().Get("X-Frame-Options") != "SAMEORIGIN" {
		t.Fatal("expected frame-options header")
	}
}

func TestAuthorizeExemptsHealthAndLogin(t *testing.T) {
	g := &Gateway{}
	for _, path := range []string{"/api/health", "/api/control/auth/login"} {
		called := false
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		g.authorize(next).ServeHTTP(rec, req)
		if !called {
			t.Fatalf("expected %s to bypass authorization entirely", path)
		}
	}
}

func TestAuthorizeRejectsUncredentialedControlPath(t *testing.T) {
	g := &Gateway{}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/control/projects", nil)
	req = req.WithContext(withState(req.Context(), &state{controlPlane: true}))
	g.authorize(next).ServeHTTP(rec, req)

	if called {
		t.Fatal("expected an uncredentialed control-plane request to be rejected")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d", rec.Code)
	}
}

func TestHostGuardReturnsNotFound(t *testing.T) {
	g := &Gateway{}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/data/ghost/widgets", nil)
	req = req.WithContext(withState(req.Context(), &state{notFound: true}))
	g.hostGuard(next).ServeHTTP(rec, req)

	if called {
		t.Fatal("expected the next handler to be skipped")
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d", rec.Code)
	}
}

func TestHostGuardPassesThroughResolvedRequests(t *testing.T) {
	g := &Gateway{}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/data/acme/widgets", nil)
	req = req.WithContext(withState(req.Context(), &state{}))
	g.hostGuard(next).ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected the next handler to run")
	}
}

func TestDynamicCORSEchoesLoopbackOrigin(t *testing.T) {
	g := &Gateway{}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/data/acme/widgets", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req = req.WithContext(withState(req.Context(), &state{}))
	g.dynamicCORS(next).ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("got %q", got)
	}
}

func TestDynamicCORSRejectsUnlistedOriginForConfiguredProject(t *testing.T) {
	g := &Gateway{}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/data/acme/widgets", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	project := &tenant.Project{Metadata: tenant.Metadata{AllowedOrigins: []tenant.Origin{{URL: "https://app.example.com"}}}}
	req = req.WithContext(withState(req.Context(), &state{project: project}))
	g.dynamicCORS(next).ServeHTTP(rec, req)

	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("expected no CORS header for an unlisted origin, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestDynamicCORSShortCircuitsPreflight(t *testing.T) {
	g := &Gateway{}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/api/data/acme/widgets", nil)
	req = req.WithContext(withState(req.Context(), &state{}))
	g.dynamicCORS(next).ServeHTTP(rec, req)

	if called {
		t.Fatal("expected OPTIONS to be answered without reaching the next handler")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
}

func TestOriginAllowed(t *testing.T) {
	g := &Gateway{}
	if !g.originAllowed("http://localhost:5173", nil) {
		t.Fatal("expected loopback origin to be allowed with no project")
	}
	if g.originAllowed("https://evil.example.com", nil) {
		t.Fatal("expected a non-loopback origin to be rejected with no project")
	}
	project := &tenant.Project{Metadata: tenant.Metadata{AllowedOrigins: []tenant.Origin{{URL: "https://app.example.com"}}}}
	if !g.originAllowed("https://app.example.com", project) {
		t.Fatal("expected a listed origin to be allowed")
	}
	if g.originAllowed("https://other.example.com", project) {
		t.Fatal("expected an unlisted origin to be rejected once origins are configured")
	}
}

func TestControlPlaneFirewallBlocksListedIP(t *testing.T) {
	g := &Gateway{}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/data/acme/widgets", nil)
	project := &tenant.Project{Blocklist: []string{"1.2.3.4"}}
	req = req.WithContext(withState(req.Context(), &state{project: project, clientIP: "1.2.3.4"}))
	g.controlPlaneFirewall(next).ServeHTTP(rec, req)

	if called {
		t.Fatal("expected the blocked client to be rejected")
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("got status %d", rec.Code)
	}
}

func TestControlPlaneFirewallAllowsUnlistedIP(t *testing.T) {
	g := &Gateway{}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/data/acme/widgets", nil)
	project := &tenant.Project{Blocklist: []string{"1.2.3.4"}}
	req = req.WithContext(withState(req.Context(), &state{project: project, clientIP: "9.9.9.9"}))
	g.controlPlaneFirewall(next).ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected an unblocked client to pass through")
	}
}

func TestSlugFromControlPath(t *testing.T) {
	cases := map[string]string{
		"/api/control/projects/acme":                "acme",
		"/api/control/projects/acme/rotate-keys":     "acme",
		"/api/control/projects":                      "",
		"/api/control/auth/login":                    "",
	}
	for path, want := range cases {
		if got := slugFromControlPath(path); got != want {
			t.Errorf("slugFromControlPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestRetryAfterJSON(t *testing.T) {
	if got := retryAfterJSON("5"); got != "5" {
		t.Fatalf("got %q", got)
	}
	if got := retryAfterJSON(""); got != "1" {
		t.Fatalf("got %q", got)
	}
	if got := retryAfterJSON("not-a-number"); got != "1" {
		t.Fatalf("got %q", got)
	}
}

func TestBodyLimitWrapsBodyAndPassesThrough(t *testing.T) {
	g := &Gateway{}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if r.Body == nil {
			t.Fatal("expected a non-nil wrapped body")
		}
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/data/acme/import/widgets", nil)
	req = req.WithContext(withState(req.Context(), &state{}))
	g.bodyLimit(next).ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected the next handler to run")
	}
}
