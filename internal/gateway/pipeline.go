package gateway

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/cascata/gateway/internal/access"
	"github.com/cascata/gateway/internal/errors"
	"github.com/cascata/gateway/internal/tenant"
)

// securityHeaders is pipeline stage 1 (spec.md §4.3): nosniff,
// same-origin-only framing, and no server-identifying header (net/http sets none of its
// own by default, so there is nothing to strip beyond not adding one).
func (g *Gateway) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		next.ServeHTTP(w, r)
	})
}

// resolveTenant is pipeline stage 2. It attaches the resolved Project and
// its selected pool handle to the request state. A NotFound resolution is
// deferred to the host guard (stage 4) rather than written here, so an
// unmatched public host and a genuinely missing slug get the same stealth
// response.
func (g *Gateway) resolveTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := &state{clientIP: clientIP(r)}
		ctx := withState(r.Context(), s)

		if bearer, ok := access.BearerFromRequest(r); ok {
			if _, admin := access.VerifyAdminToken(bearer, g.adminSecret); admin {
				s.systemRequest = true
			}
		}

		if tenant.IsControlPath(r.URL.Path) || tenant.IsAmbientPath(r.URL.Path) {
			s.controlPlane = true
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		resolution, err := g.directory.Resolve(ctx, r.Host, r.URL.Path, s.systemRequest)
		if err != nil {
			apiErr := errors.As(err)
			if apiErr.Kind == errors.KindNotFound {
				s.notFound = true
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			errors.WriteHTTP(w, err)
			return
		}

		s.project = resolution.Project
		s.slug = resolution.Project.Slug
		db, err := g.selectPool(r, resolution.Project)
		if err != nil {
			errors.WriteHTTP(w, err)
			return
		}
		s.db = db
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// dynamicCORS is pipeline stage 3 (spec.md §4.3 step 3). With a configured
// allow-list the request Origin is echoed only if listed; with an empty
// list only loopback origins are echoed (development posture). This
// generalizes the teacher's static handleCORS in core/backend/cors.go,
// which always echoes "*", into a per-tenant decision.
func (g *Gateway) dynamicCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && g.originAllowed(origin, fromContext(r.Context()).project) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, apikey, Content-Type, Prefer, Range, X-Client-Info")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Range, X-RateLimit-Limit, X-RateLimit-Remaining")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) originAllowed(origin string, project *tenant.Project) bool {
	if project == nil {
		return isLoopbackOrigin(origin)
	}
	if len(project.Metadata.AllowedOrigins) == 0 {
		return isLoopbackOrigin(origin)
	}
	for _, o := range project.Metadata.AllowedOrigins {
		if o.URL == origin || o.URL == "*" {
			return true
		}
	}
	return false
}

func isLoopbackOrigin(origin string) bool {
	return strings.Contains(origin, "://localhost") || strings.Contains(origin, "://127.0.0.1")
}

// hostGuard is pipeline stage 4: a request that resolved to no tenant and
// no control/ambient bypass gets a plain 404, whether the cause was an
// unmatched public host or a slug that does not exist -- the response is
// identical either way, so it leaks nothing about which case occurred. A
// request with no tenant context (control/ambient or a missed slug) also
// gets the same 404 when its Host doesn't match the configured system
// hostname, so probing arbitrary hosts can't discover that the control
// plane exists there.
func (g *Gateway) hostGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := fromContext(r.Context())
		if s.notFound {
			errors.WriteHTTP(w, errors.New(errors.KindNotFound, "not found"))
			return
		}
		if s.controlPlane && g.sysHostname != "" && !hostMatches(r.Host, g.sysHostname) {
			errors.WriteHTTP(w, errors.New(errors.KindNotFound, "not found"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// hostMatches compares a request's Host header to the configured system
// hostname, ignoring any port component.
func hostMatches(host, sysHostname string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host == sysHostname
}

// controlPlaneFirewall is pipeline stage 5: for control paths scoped to a
// project slug, reject callers on that project's blocklist.
func (g *Gateway) controlPlaneFirewall(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := fromContext(r.Context())
		if s.controlPlane {
			if slug := slugFromControlPath(r.URL.Path); slug != "" {
				if project, err := g.directory.GetBySlug(r.Context(), slug); err == nil {
					if project.IsBlocked(s.clientIP) {
						errors.WriteHTTP(w, errors.New(errors.KindForbidden, "client ip is blocked"))
						return
					}
				}
			}
		} else if s.project != nil && s.project.IsBlocked(s.clientIP) {
			errors.WriteHTTP(w, errors.New(errors.KindForbidden, "client ip is blocked"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// slugFromControlPath extracts {slug} from "/api/control/projects/{slug}/...".
func slugFromControlPath(urlPath string) string {
	const prefix = "/api/control/projects/"
	if !strings.HasPrefix(urlPath, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(urlPath, prefix)
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		return rest[:idx]
	}
	return rest
}

// authorize is pipeline stage 6 (spec.md §4.3.1). The plain liveness probe
// and the admin login endpoint itself are exempt, since a caller reaching
// either one has no credential yet; everything else goes through the
// authorisation state machine with project nil for control/ambient paths.
func (g *Gateway) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" || r.URL.Path == "/api/control/auth/login" {
			next.ServeHTTP(w, r)
			return
		}
		s := fromContext(r.Context())
		var project *tenant.Project
		if !s.controlPlane {
			project = s.project
		}
		auth, err := access.Resolve(r, project, g.adminSecret, r.URL.Path)
		if err != nil {
			errors.WriteHTTP(w, err)
			return
		}
		s.auth = auth
		next.ServeHTTP(w, r)
	})
}

const (
	baseBodyLimit    = 2 << 20  // 2 MiB
	edgeBodyLimit    = 10 << 20 // 10 MiB, for /edge/ and /import/ routes
	hardBodyLimitCap = 50 << 20 // 50 MiB
)

// bodyLimit is pipeline stage 7.
func (g *Gateway) bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := int64(baseBodyLimit)
		if strings.Contains(r.URL.Path, "/edge/") || strings.Contains(r.URL.Path, "/import/") {
			limit = edgeBodyLimit
		}
		if s := fromContext(r.Context()); s.project != nil && s.project.Metadata.Security.MaxJSONSize > 0 {
			limit = s.project.Metadata.Security.MaxJSONSize
		}
		if limit > hardBodyLimitCap {
			limit = hardBodyLimitCap
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}

// rateLimit is pipeline stage 8.
func (g *Gateway) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := fromContext(r.Context())
		role := ""
		if s.auth != nil {
			role = string(s.auth.Role)
		}
		if !g.limiter.Check(w, s.slug, r.URL.Path, r.Method, role, s.clientIP) {
			retryAfter := w.Header().Get("Retry-After")
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after":` + retryAfterJSON(retryAfter) + `}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfterJSON(s string) string {
	if _, err := strconv.Atoi(s); err != nil {
		return "1"
	}
	return s
}
