// Package pool implements the Adaptive Connection Pool Registry: a
// process-wide cache of per-tenant database pools with LRU eviction and
// idle reaping.
//
// The locking discipline follows spec.md §5: acquisition takes a read lock
// for the hot path, and only the single goroutine that wins a short-lived
// "building" placeholder constructs a new entry, so concurrent callers
// never race to open the same physical pool twice.
package pool

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cascata/gateway/internal/errors"
	"github.com/cascata/gateway/internal/pg"
)

// Config describes how a single pool entry should be built.
type Config struct {
	MaxConnections     int
	IdleMS             int
	StatementTimeoutMS int
	UseDirect          bool
	ConnectionString   string // non-empty => external/ejected pool
}

// entry is one cached pool plus its bookkeeping.
type entry struct {
	db           *pg.DB
	lastAccessed time.Time
	external     bool
	mu           sync.Mutex // guards lastAccessed
}

func (e *entry) touch() {
	e.mu.Lock()
	e.lastAccessed = time.Now()
	e.mu.Unlock()
}

func (e *entry) idleFor(now time.Time) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return now.Sub(e.lastAccessed)
}

// building is a placeholder held in the registry while a pool is under
// construction, so concurrent callers for the same key wait on the same
// build instead of racing to open duplicate connections.
type building struct {
	done chan struct{}
	db   *pg.DB
	err  error
}

// Registry is the process-wide pool cache.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	inflight map[string]*building
	maxPools int

	opener func(Config) (*pg.DB, error)

	reaperStop chan struct{}
	reaperOnce sync.Once
}

// New builds an empty registry. maxPools is the hard cap (spec.md: default
// 500, env MAX_ACTIVE_POOLS).
func New(maxPools int) *Registry {
	if maxPools <= 0 {
		maxPools = 500
	}
	r := &Registry{
		entries:  make(map[string]*entry),
		inflight: make(map[string]*building),
		maxPools: maxPools,
		opener:   defaultOpener,
	}
	return r
}

func defaultOpener(cfg Config) (*pg.DB, error) {
	opts := pg.Options{
		ConnectionString:   cfg.ConnectionString,
		MaxOpenConns:       cfg.MaxConnections,
		ConnMaxIdleTime:    time.Duration(cfg.IdleMS) * time.Millisecond,
		StatementTimeoutMS: cfg.StatementTimeoutMS,
		InsecureSkipVerify: cfg.ConnectionString != "",
		External:           cfg.ConnectionString != "",
	}
	return pg.Open(opts)
}

// Key computes the registry key for a given database identifier and
// config, per spec.md §4.2's keying rules.
func Key(dbIdentifier string, cfg Config) string {
	if cfg.ConnectionString != "" {
		sum := base64.RawURLEncoding.EncodeToString([]byte(cfg.ConnectionString))
		if len(sum) > 10 {
			sum = sum[:10]
		}
		return fmt.Sprintf("ext_%s_%s", dbIdentifier, sum)
	}
	if cfg.UseDirect {
		return dbIdentifier + "_direct"
	}
	return dbIdentifier + "_pooled"
}

// Get acquires (creating if necessary) the pool entry for the given
// database identifier and config. Acquisition is safe across concurrent
// callers; only one of them constructs a given entry.
func (r *Registry) Get(ctx context.Context, dbIdentifier string, cfg Config) (*pg.DB, error) {
	key := Key(dbIdentifier, cfg)

	r.mu.RLock()
	if e, ok := r.entries[key]; ok {
		r.mu.RUnlock()
		e.touch()
		return e.db, nil
	}
	b, inflight := r.inflight[key]
	r.mu.RUnlock()

	if inflight {
		return r.waitForBuild(ctx, b)
	}

	return r.buildOrJoin(ctx, key, dbIdentifier, cfg)
}

func (r *Registry) buildOrJoin(ctx context.Context, key, dbIdentifier string, cfg Config) (*pg.DB, error) {
	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		r.mu.Unlock()
		e.touch()
		return e.db, nil
	}
	if b, ok := r.inflight[key]; ok {
		r.mu.Unlock()
		return r.waitForBuild(ctx, b)
	}
	b := &building{done: make(chan struct{})}
	r.inflight[key] = b
	r.mu.Unlock()

	db, err := r.opener(cfg)

	r.mu.Lock()
	delete(r.inflight, key)
	if err != nil {
		b.err = err
		r.mu.Unlock()
		close(b.done)
		return nil, errors.Wrap(errors.KindBadGateway, "cannot open tenant database pool", err)
	}
	r.entries[key] = &entry{db: db, lastAccessed: time.Now(), external: cfg.ConnectionString != ""}
	r.enforceHardCapLocked()
	r.mu.Unlock()

	b.db = db
	close(b.done)
	return db, nil
}

func (r *Registry) waitForBuild(ctx context.Context, b *building) (*pg.DB, error) {
	select {
	case <-b.done:
		if b.err != nil {
			return nil, errors.Wrap(errors.KindBadGateway, "cannot open tenant database pool", b.err)
		}
		return b.db, nil
	case <-ctx.Done():
		return nil, errors.Wrap(errors.KindBadGateway, "pool acquire timed out", ctx.Err())
	}
}

// enforceHardCapLocked evicts the oldest entries (by last-accessed) until
// the live set is at or under maxPools. Caller must hold r.mu.
func (r *Registry) enforceHardCapLocked() {
	for len(r.entries) > r.maxPools {
		var oldestKey string
		var oldestTime time.Time
		first := true
		now := time.Now()
		for key, e := range r.entries {
			age := e.idleFor(now)
			accessedAt := now.Add(-age)
			if first || accessedAt.Before(oldestTime) {
				oldestKey = key
				oldestTime = accessedAt
				first = false
			}
		}
		if oldestKey == "" {
			return
		}
		r.closeAndDeleteLocked(oldestKey)
	}
}

func (r *Registry) closeAndDeleteLocked(key string) {
	if e, ok := r.entries[key]; ok {
		e.db.Close()
		delete(r.entries, key)
	}
}

// Invalidate removes the entry for dbIdentifier+cfg, e.g. on a pool-level
// error event, so the next acquire rebuilds cleanly. In-flight callers that
// already hold the *pg.DB are unaffected: they see their own connection's
// error, not an invalidated map entry.
func (r *Registry) Invalidate(dbIdentifier string, cfg Config) {
	key := Key(dbIdentifier, cfg)
	r.mu.Lock()
	r.closeAndDeleteLocked(key)
	r.mu.Unlock()
}

// Close closes every variant whose key contains dbIdentifier -- internal
// direct/pooled and any external/ejected variants coexisting for the same
// logical tenant database.
func (r *Registry) Close(dbIdentifier string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.entries {
		if containsIdentifier(key, dbIdentifier) {
			r.closeAndDeleteLocked(key)
		}
	}
}

func containsIdentifier(key, dbIdentifier string) bool {
	return strings.Contains(key, dbIdentifier)
}

// CloseAll drains every pool in the registry. Used on graceful shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.entries {
		r.closeAndDeleteLocked(key)
	}
}

// Size returns the number of live pool entries. Exposed for tests and the
// health endpoint.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// StartReaper starts the idle-reap background loop: every tick, entries
// untouched for longer than idleThreshold are closed. Call Stop to end it.
func (r *Registry) StartReaper(tick, idleThreshold time.Duration) {
	r.reaperStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.reapIdle(idleThreshold)
			case <-r.reaperStop:
				return
			}
		}
	}()
}

func (r *Registry) reapIdle(threshold time.Duration) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.entries {
		if e.idleFor(now) > threshold {
			r.closeAndDeleteLocked(key)
		}
	}
}

// StopReaper stops the idle-reap background loop, if running.
func (r *Registry) StopReaper() {
	r.reaperOnce.Do(func() {
		if r.reaperStop != nil {
			close(r.reaperStop)
		}
	})
}
