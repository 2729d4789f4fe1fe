package tenant

import (
	"context"
	"database/sql"
	"encoding/json"
	"net"
	"strings"

	"github.com/google/uuid"

	apierrors "github.com/cascata/gateway/internal/errors"
	"github.com/cascata/gateway/internal/pg"
	"github.com/cascata/gateway/internal/secretbox"
)

// Resolution is the outcome of resolving a request to a tenant.
type Resolution struct {
	Project         *Project
	SystemRequest   bool
	ControlPlane    bool
	ResolvedByHost  bool
}

// PanicStore is the shared flag store consulted for the panic shield.
// It is implemented by internal/ratelimit.Store so the directory does not
// own this process-wide state itself (spec.md §9: treat shared state as an
// explicit dependency, not an ambient singleton).
type PanicStore interface {
	IsPanicked(slug string) bool
}

// Directory resolves a request's host/path/bearer into a Project.
type Directory struct {
	db      *pg.DB
	box     *secretbox.Box
	panics  PanicStore
	sysHost string

	selectByHost *sql.Stmt
	selectBySlug *sql.Stmt
}

// New builds a Directory backed by the control-plane database.
func New(db *pg.DB, box *secretbox.Box, panics PanicStore, systemHostname string) (*Directory, error) {
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	d := &Directory{db: db, box: box, panics: panics, sysHost: systemHostname}
	var err error
	d.selectByHost, err = db.Prepare(`SELECT ` + projectColumns + ` FROM ` + db.Schema + `.project WHERE custom_hostname = $1 AND status <> 'deleted'`)
	if err != nil {
		return nil, err
	}
	d.selectBySlug, err = db.Prepare(`SELECT ` + projectColumns + ` FROM ` + db.Schema + `.project WHERE slug = $1 AND status <> 'deleted'`)
	if err != nil {
		return nil, err
	}
	return d, nil
}

const projectColumns = `id, slug, display_name, db_name, custom_hostname, blocklist, status, metadata, anon_key, service_key, jwt_secret, version`

func ensureSchema(db *pg.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS ` + db.Schema + `.project (
	id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
	slug varchar NOT NULL UNIQUE,
	display_name varchar NOT NULL DEFAULT '',
	db_name varchar NOT NULL DEFAULT '',
	custom_hostname varchar,
	blocklist varchar[] NOT NULL DEFAULT '{}',
	status varchar NOT NULL DEFAULT 'active',
	metadata json NOT NULL DEFAULT '{}'::jsonb,
	anon_key varchar NOT NULL DEFAULT '',
	service_key varchar NOT NULL DEFAULT '',
	jwt_secret varchar NOT NULL DEFAULT '',
	version integer NOT NULL DEFAULT 1,
	created_at timestamp NOT NULL DEFAULT now(),
	updated_at timestamp NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS project_custom_hostname_idx ON ` + db.Schema + `.project(custom_hostname) WHERE custom_hostname IS NOT NULL;
`)
	return err
}

// IsControlPath reports whether the URL path belongs to the control plane
// and should bypass tenant resolution entirely.
func IsControlPath(urlPath string) bool {
	return strings.HasPrefix(urlPath, "/api/control/")
}

// IsAmbientPath reports whether the URL path is one of the gateway's own
// health-check routes, which also bypass tenant resolution.
func IsAmbientPath(urlPath string) bool {
	return urlPath == "/api/health" || urlPath == "/api/health/details"
}

// SlugFromDataPath extracts the tenant slug from a `/api/data/{slug}/...`
// path, if the path matches that shape.
func SlugFromDataPath(urlPath string) (string, bool) {
	const prefix = "/api/data/"
	if !strings.HasPrefix(urlPath, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(urlPath, prefix)
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return rest, rest != ""
	}
	slug := rest[:idx]
	return slug, slug != ""
}

// Resolve implements the Tenant Directory's resolution algorithm
// (spec.md §4.1).
func (d *Directory) Resolve(ctx context.Context, host, urlPath string, isSystemRequest bool) (*Resolution, error) {
	host = stripPort(host)

	if IsControlPath(urlPath) {
		return &Resolution{ControlPlane: true, SystemRequest: isSystemRequest}, nil
	}

	var (
		project        *Project
		err            error
		resolvedByHost bool
	)

	if !isLoopbackOrLinkLocal(host) {
		project, err = d.lookupByHost(ctx, host)
		if err != nil {
			return nil, err
		}
		if project != nil {
			resolvedByHost = true
		}
	}

	if project == nil {
		if slug, ok := SlugFromDataPath(urlPath); ok {
			project, err = d.lookupBySlug(ctx, slug)
			if err != nil {
				return nil, err
			}
		}
	}

	if project == nil {
		return nil, apierrors.New(apierrors.KindNotFound, "no such project")
	}

	// domain-locking: a project with a configured custom hostname must be
	// reached through that hostname, not the slug path, unless the caller
	// is a verified admin or this is a development loopback request.
	if project.CustomHostname != "" && !resolvedByHost {
		if !isSystemRequest && !isLoopbackOrLinkLocal(host) {
			return nil, apierrors.New(apierrors.KindForbidden, "project is domain-locked")
		}
	}

	if !isSystemRequest && d.panics != nil && d.panics.IsPanicked(project.Slug) {
		return nil, apierrors.New(apierrors.KindLockedDown, "project is locked down")
	}

	return &Resolution{Project: project, SystemRequest: isSystemRequest, ResolvedByHost: resolvedByHost}, nil
}

func (d *Directory) lookupByHost(ctx context.Context, host string) (*Project, error) {
	return d.scanProject(d.selectByHost.QueryRowContext(ctx, host))
}

func (d *Directory) lookupBySlug(ctx context.Context, slug string) (*Project, error) {
	return d.scanProject(d.selectBySlug.QueryRowContext(ctx, slug))
}

// rowScanner is the subset of *sql.Row / *sql.Rows that scanProject needs,
// so the same column-decode logic serves both single-row and multi-row
// callers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (d *Directory) scanProject(row rowScanner) (*Project, error) {
	var (
		p                                         Project
		customHostname                            sql.NullString
		blocklist                                 []string
		metadataRaw                               json.RawMessage
		anonKeyEnc, serviceKeyEnc, jwtSecretEnc    string
	)
	err := row.Scan(&p.ID, &p.Slug, &p.DisplayName, &p.DBName, &customHostname, &blocklist,
		&p.Status, &metadataRaw, &anonKeyEnc, &serviceKeyEnc, &jwtSecretEnc, &p.Version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindBadGateway, "project lookup failed", err)
	}
	if customHostname.Valid {
		p.CustomHostname = customHostname.String
	}
	p.Blocklist = blocklist
	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &p.Metadata); err != nil {
			return nil, apierrors.Wrap(apierrors.KindInternal, "corrupt project metadata", err)
		}
	}

	p.Secrets.AnonKey, err = d.box.Decrypt(anonKeyEnc)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "cannot decrypt anon key", err)
	}
	p.Secrets.ServiceKey, err = d.box.Decrypt(serviceKeyEnc)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "cannot decrypt service key", err)
	}
	p.Secrets.JWTSecret, err = d.box.Decrypt(jwtSecretEnc)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, "cannot decrypt jwt secret", err)
	}
	return &p, nil
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopbackOrLinkLocal(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsLinkLocalUnicast()
}

// Upsert encrypts p's secrets and inserts or updates its project row,
// bumping version on conflict. Used by the control-plane project CRUD
// handlers and by tests that need a project row in place.
func (d *Directory) Upsert(ctx context.Context, p *Project) error {
	metadataJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return err
	}
	anonEnc, err := d.box.Encrypt(p.Secrets.AnonKey)
	if err != nil {
		return err
	}
	serviceEnc, err := d.box.Encrypt(p.Secrets.ServiceKey)
	if err != nil {
		return err
	}
	jwtEnc, err := d.box.Encrypt(p.Secrets.JWTSecret)
	if err != nil {
		return err
	}
	id := p.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err = d.db.ExecContext(ctx, `
INSERT INTO `+d.db.Schema+`.project (id, slug, display_name, db_name, custom_hostname, blocklist, status, metadata, anon_key, service_key, jwt_secret, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, now())
ON CONFLICT (slug) DO UPDATE SET display_name=$3, db_name=$4, custom_hostname=$5, blocklist=$6, status=$7, metadata=$8, anon_key=$9, service_key=$10, jwt_secret=$11, version = `+d.db.Schema+`.project.version + 1, updated_at = now()
`, id, p.Slug, p.DisplayName, p.DBName, nullableString(p.CustomHostname), p.Blocklist, string(p.Status), metadataJSON, anonEnc, serviceEnc, jwtEnc)
	return err
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// GetBySlug looks up a project by slug regardless of host, for control-plane
// administration (which never goes through the host-based resolution path).
func (d *Directory) GetBySlug(ctx context.Context, slug string) (*Project, error) {
	p, err := d.lookupBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apierrors.New(apierrors.KindNotFound, "no such project")
	}
	return p, nil
}

// List returns every non-deleted project, for the control-plane project
// listing endpoint.
func (d *Directory) List(ctx context.Context) ([]*Project, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM `+d.db.Schema+`.project WHERE status <> 'deleted' ORDER BY slug`)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindBadGateway, "project listing failed", err)
	}
	defer rows.Close()
	var out []*Project
	for rows.Next() {
		p, err := d.scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Delete marks a project deleted (soft delete, matching the project table's
// own status lifecycle rather than removing the row outright).
func (d *Directory) Delete(ctx context.Context, slug string) error {
	res, err := d.db.ExecContext(ctx, `UPDATE `+d.db.Schema+`.project SET status = 'deleted', updated_at = now() WHERE slug = $1`, slug)
	if err != nil {
		return apierrors.Wrap(apierrors.KindBadGateway, "project delete failed", err)
	}
	return requireRowsAffected(res)
}

// SetBlocklist replaces a project's IP blocklist, used by the control-plane
// block-ip/unblock-ip endpoints.
func (d *Directory) SetBlocklist(ctx context.Context, slug string, blocklist []string) error {
	res, err := d.db.ExecContext(ctx, `UPDATE `+d.db.Schema+`.project SET blocklist = $2, updated_at = now() WHERE slug = $1`, slug, blocklist)
	if err != nil {
		return apierrors.Wrap(apierrors.KindBadGateway, "blocklist update failed", err)
	}
	return requireRowsAffected(res)
}

// AddBlockedIP appends ip to a project's blocklist if it is not already
// present, for the granular block-ip control-plane endpoint.
func (d *Directory) AddBlockedIP(ctx context.Context, slug, ip string) error {
	p, err := d.GetBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if p.IsBlocked(ip) {
		return nil
	}
	return d.SetBlocklist(ctx, slug, append(p.Blocklist, ip))
}

// RemoveBlockedIP removes ip from a project's blocklist, for the granular
// unblock-ip control-plane endpoint. A missing entry is not an error.
func (d *Directory) RemoveBlockedIP(ctx context.Context, slug, ip string) error {
	p, err := d.GetBySlug(ctx, slug)
	if err != nil {
		return err
	}
	out := make([]string, 0, len(p.Blocklist))
	for _, blocked := range p.Blocklist {
		if blocked != ip {
			out = append(out, blocked)
		}
	}
	return d.SetBlocklist(ctx, slug, out)
}

// SecretKind names one of a project's three rotatable secrets.
type SecretKind string

// The three rotatable secret kinds.
const (
	SecretAnonKey    SecretKind = "anon"
	SecretServiceKey SecretKind = "service"
	SecretJWTSecret  SecretKind = "jwt"
)

// RotateSecret encrypts newValue and stores it under the named secret slot.
func (d *Directory) RotateSecret(ctx context.Context, slug string, kind SecretKind, newValue string) error {
	enc, err := d.box.Encrypt(newValue)
	if err != nil {
		return err
	}
	var column string
	switch kind {
	case SecretAnonKey:
		column = "anon_key"
	case SecretServiceKey:
		column = "service_key"
	case SecretJWTSecret:
		column = "jwt_secret"
	default:
		return apierrors.New(apierrors.KindValidation, "unknown secret kind")
	}
	res, err := d.db.ExecContext(ctx, `UPDATE `+d.db.Schema+`.project SET `+column+` = $2, version = version + 1, updated_at = now() WHERE slug = $1`, slug, enc)
	if err != nil {
		return apierrors.Wrap(apierrors.KindBadGateway, "secret rotation failed", err)
	}
	return requireRowsAffected(res)
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apierrors.Wrap(apierrors.KindBadGateway, "cannot confirm update", err)
	}
	if n == 0 {
		return apierrors.New(apierrors.KindNotFound, "no such project")
	}
	return nil
}
