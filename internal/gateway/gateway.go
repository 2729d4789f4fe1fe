// Package gateway wires the Request Pipeline's ordered middleware onto
// gorilla/mux and dispatches to the Query Translator, Data Controller, Job
// Engine, Notification Rule Engine, and Realtime Bridge. The overall
// "build a router, call router.Use(...) for cross-cutting concerns, then
// register routes" shape follows the teacher's core/backend/backend.go and
// core/backend/cors.go.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/cascata/gateway/internal/config"
	"github.com/cascata/gateway/internal/data"
	"github.com/cascata/gateway/internal/jobs"
	"github.com/cascata/gateway/internal/logging"
	"github.com/cascata/gateway/internal/pg"
	"github.com/cascata/gateway/internal/pool"
	"github.com/cascata/gateway/internal/ratelimit"
	"github.com/cascata/gateway/internal/realtime"
	"github.com/cascata/gateway/internal/rules"
	"github.com/cascata/gateway/internal/tenant"
)

// Gateway owns every shared dependency the Request Pipeline and its route
// handlers need, and builds the gorilla/mux router that ties them together.
type Gateway struct {
	cfg         *config.Config
	controlDB   *pg.DB
	directory   *tenant.Directory
	pools       *pool.Registry
	limiter     *ratelimit.Store
	data        *data.Controller
	jobsEngine  *jobs.Engine
	rules       *rules.Engine
	realtime    *realtime.Bridge
	adminSecret string
	sysHostname string

	bind *binding
}

// Config bundles the dependencies New needs. All fields are required
// except SystemHostname, which may be empty in single-host deployments.
// Jobs and Rules are built internally rather than accepted ready-made,
// because both depend on the gateway's own binding (device lookup, rule
// storage, audit) -- a dependency New resolves by constructing itself
// first and handing out a reference before the engines that need it.
type Config struct {
	Env            *config.Config
	ControlDB      *pg.DB
	Directory      *tenant.Directory
	Pools          *pool.Registry
	Limiter        *ratelimit.Store
	Data           *data.Controller
	Redis          *redis.Client
	Realtime       *realtime.Bridge
	AdminSecret    string
	SystemHostname string
}

// New builds a Gateway. It also ensures the control-plane tables this
// package owns (admin credentials, notification rules, push audit) exist.
func New(cfg Config) (*Gateway, error) {
	if err := ensureControlSchema(cfg.ControlDB); err != nil {
		return nil, err
	}
	g := &Gateway{
		cfg:         cfg.Env,
		controlDB:   cfg.ControlDB,
		directory:   cfg.Directory,
		pools:       cfg.Pools,
		limiter:     cfg.Limiter,
		data:        cfg.Data,
		realtime:    cfg.Realtime,
		adminSecret: cfg.AdminSecret,
		sysHostname: cfg.SystemHostname,
	}
	g.bind = &binding{g: g}
	g.jobsEngine = jobs.New(cfg.Redis, jobs.WebhookDependencies{Client: jobs.NewWebhookHTTPClient()}, g.bind)
	g.rules = rules.New(g.bind, g.bind, g.bind)
	g.realtime.OnEvent = func(slug string, evt realtime.Event) {
		g.rules.HandleEvent(context.Background(), slug, evt)
	}
	return g, nil
}

// StartWorkers launches the Job Engine's queue workers. Call it once
// per process in API or WORKER service mode; a CONTROL_PLANE-mode
// process serves only the control routes and never runs jobs.
func (g *Gateway) StartWorkers(ctx context.Context) {
	g.jobsEngine.Start(ctx)
}

// StopWorkers signals every job worker goroutine to exit after its
// current job.
func (g *Gateway) StopWorkers() {
	g.jobsEngine.Stop()
}

// selectPool implements the pool-selection rule from spec.md §4.2 step 2:
// external primary URL wins if ejected; a GET on a project with a read
// replica uses the replica; otherwise the internal pool for the tenant
// database.
func (g *Gateway) selectPool(r *http.Request, project *tenant.Project) (*pg.DB, error) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	cfg := pool.Config{
		MaxConnections:     project.Metadata.Pool.MaxConnections,
		IdleMS:             project.Metadata.Pool.IdleTimeoutSeconds * 1000,
		StatementTimeoutMS: project.Metadata.Pool.StatementTimeoutMS,
	}

	if project.IsEjected() {
		cfg.ConnectionString = project.Metadata.ExternalPrimaryURL
		return g.pools.Get(ctx, project.DBName, cfg)
	}
	if r.Method == http.MethodGet && project.HasReplica() {
		cfg.ConnectionString = project.Metadata.ReadReplicaURL
		return g.pools.Get(ctx, project.DBName, cfg)
	}
	return g.pools.Get(ctx, project.DBName, cfg)
}

// Router builds the full gorilla/mux router: the ordered Request Pipeline
// middleware, followed by every route in spec.md §6 plus the ambient health
// surface.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(logging.Middleware)
	r.Use(g.securityHeaders)
	r.Use(g.resolveTenant)
	r.Use(g.dynamicCORS)
	r.Use(g.hostGuard)
	r.Use(g.controlPlaneFirewall)
	r.Use(g.authorize)
	r.Use(g.bodyLimit)
	r.Use(g.rateLimit)

	g.registerHealthRoutes(r)
	g.registerControlRoutes(r)
	g.registerDataRoutes(r)
	return r
}
