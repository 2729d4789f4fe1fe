// Package pg provides the thin Postgres connection helper shared by every
// component that talks to a tenant or control-plane database.
package pg

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // load database driver for postgres
)

// ErrNoRows is returned by QueryRow.Scan when no row was found.
var ErrNoRows = sql.ErrNoRows

// DB wraps a standard sql.DB together with the schema it operates on and
// the statement timeout applied to every connection it hands out.
type DB struct {
	*sql.DB
	Schema            string
	StatementTimeout  time.Duration
	External          bool
}

// Options configures how a pool is opened.
type Options struct {
	// ConnectionString is the postgres DSN. Mandatory.
	ConnectionString string
	// Schema is the schema to operate in. Empty means "public".
	Schema string
	// MaxOpenConns caps the number of open connections.
	MaxOpenConns int
	// ConnMaxIdleTime closes connections that have been idle longer than this.
	ConnMaxIdleTime time.Duration
	// StatementTimeoutMS is applied via `SET statement_timeout` on every
	// new physical connection.
	StatementTimeoutMS int
	// InsecureSkipVerify permits self-signed TLS certificates. Used for
	// ejected/external tenant databases, which the platform does not
	// operate itself.
	InsecureSkipVerify bool
	// External marks a pool built from a tenant-supplied connection string
	// rather than the platform's own managed database.
	External bool
}

// Open opens a new connection pool according to opts. The statement timeout
// is enforced for every new physical connection via a connect hook.
//
// Callers building a connection string for an external/ejected tenant
// database are responsible for setting `sslmode=require` (encrypted,
// self-signed certificates accepted) rather than `sslmode=verify-full` --
// see Options.InsecureSkipVerify.
func Open(opts Options) (*DB, error) {
	db, err := sql.Open("postgres", opts.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("pg: open: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}

	timeoutMS := opts.StatementTimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = 15000
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("SET statement_timeout = %d", timeoutMS)); err != nil {
		db.Close()
		return nil, fmt.Errorf("pg: set statement_timeout: %w", err)
	}

	schema := opts.Schema
	if schema == "" {
		schema = "public"
	}

	return &DB{
		DB:               db,
		Schema:           schema,
		StatementTimeout: time.Duration(timeoutMS) * time.Millisecond,
		External:         opts.External,
	}, nil
}

// OpenControlPlane opens the control-plane database and ensures its schema
// exists, mirroring the teacher's OpenWithSchema.
func OpenControlPlane(dsn, schema string) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	if schema == "" {
		schema = "public"
	} else {
		if _, err := db.Exec(`CREATE extension IF NOT EXISTS "uuid-ossp"; CREATE schema IF NOT EXISTS ` + quoteSchema(schema) + `;`); err != nil {
			return nil, err
		}
	}
	return &DB{DB: db, Schema: schema}, nil
}

func quoteSchema(schema string) string {
	return `"` + schema + `"`
}
