package gateway

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/cascata/gateway/internal/access"
	"github.com/cascata/gateway/internal/pg"
	"github.com/cascata/gateway/internal/tenant"
)

// state is the per-request scratchpad the pipeline's middleware stages
// fill in as the request advances; later stages and route handlers read
// from it via fromContext.
type state struct {
	controlPlane  bool // request bypasses tenant resolution entirely
	systemRequest bool // bearer verified under the admin secret
	notFound      bool // tenant resolution found no project
	forbidden     error

	project *tenant.Project
	db      *pg.DB
	auth    *access.Authorization
	slug    string

	clientIP string
}

type stateKey struct{}

var ctxKey = stateKey{}

func withState(ctx context.Context, s *state) context.Context {
	return context.WithValue(ctx, ctxKey, s)
}

func fromContext(ctx context.Context) *state {
	s, _ := ctx.Value(ctxKey).(*state)
	if s == nil {
		return &state{}
	}
	return s
}

// clientIP extracts the request's client address, preferring the leftmost
// X-Forwarded-For hop (the gateway sits behind a load balancer in any real
// deployment) and falling back to RemoteAddr.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
