package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/cascata/gateway/internal/access"
	"github.com/cascata/gateway/internal/errors"
	"github.com/cascata/gateway/internal/rules"
	"github.com/cascata/gateway/internal/tenant"
)

const adminTokenTTL = 12 * time.Hour

// registerControlRoutes wires the control plane: admin login, project
// CRUD, key lifecycle, blocklist management, and snapshot export/import,
// all under /api/control/ (spec.md §6). Every route here runs through the
// pipeline's authorize stage with project nil, so only a verified admin
// credential reaches a handler body -- except login itself, which issues
// that credential.
func (g *Gateway) registerControlRoutes(r *mux.Router) {
	sub := r.PathPrefix("/api/control").Subrouter()
	sub.HandleFunc("/auth/login", g.handleAdminLogin).Methods(http.MethodPost)
	sub.HandleFunc("/auth/verify", g.handleAdminVerify).Methods(http.MethodGet)

	projects := sub.PathPrefix("/projects").Subrouter()
	projects.HandleFunc("", g.handleListProjects).Methods(http.MethodGet)
	projects.HandleFunc("", g.handleCreateProject).Methods(http.MethodPost)
	projects.HandleFunc("/import/upload", g.handleImportUpload).Methods(http.MethodPost)
	projects.HandleFunc("/import/confirm", g.handleImportConfirm).Methods(http.MethodPost)
	projects.HandleFunc("/{slug}", g.handleGetProject).Methods(http.MethodGet)
	projects.HandleFunc("/{slug}", g.handleUpdateProject).Methods(http.MethodPatch)
	projects.HandleFunc("/{slug}", g.handleDeleteProject).Methods(http.MethodDelete)
	projects.HandleFunc("/{slug}/rotate-keys", g.handleRotateKeys).Methods(http.MethodPost)
	projects.HandleFunc("/{slug}/reveal-key", g.handleRevealKey).Methods(http.MethodPost)
	projects.HandleFunc("/{slug}/blocklist", g.handleSetBlocklist).Methods(http.MethodPut)
	projects.HandleFunc("/{slug}/block-ip", g.handleBlockIP).Methods(http.MethodPost)
	projects.HandleFunc("/{slug}/block-ip/{ip}", g.handleUnblockIP).Methods(http.MethodDelete)
	projects.HandleFunc("/{slug}/export", g.handleExportProject).Methods(http.MethodGet)
}

// handleAdminLogin is the one control-plane route the authorize stage
// never gets to gate, since it is how a caller obtains a credential in
// the first place; the authorize stage lets its exact path through
// before any credential check.
func (g *Gateway) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	var hash string
	row := g.controlDB.QueryRowContext(r.Context(),
		`SELECT password_hash FROM `+g.controlDB.Schema+`.admin WHERE email = $1`, body.Email)
	if err := row.Scan(&hash); err != nil {
		errors.WriteHTTP(w, errors.New(errors.KindUnauthorized, "invalid credentials"))
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(body.Password)); err != nil {
		errors.WriteHTTP(w, errors.New(errors.KindUnauthorized, "invalid credentials"))
		return
	}
	token, err := access.IssueAdminToken(g.adminSecret, body.Email, adminTokenTTL)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, map[string]string{"token": token})
}

func (g *Gateway) handleAdminVerify(w http.ResponseWriter, r *http.Request) {
	s := fromContext(r.Context())
	writeJSON(w, map[string]bool{"admin": s.auth != nil && s.auth.IsAdmin})
}

func (g *Gateway) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := g.directory.List(r.Context())
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, redactAll(projects))
}

func (g *Gateway) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := g.directory.GetBySlug(r.Context(), mux.Vars(r)["slug"])
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, redact(project))
}

func (g *Gateway) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var project tenant.Project
	if err := decodeJSONBody(r, &project); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	if err := g.directory.Upsert(r.Context(), &project); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, redact(&project))
}

func (g *Gateway) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]
	existing, err := g.directory.GetBySlug(r.Context(), slug)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	var patch tenant.Project
	if err := decodeJSONBody(r, &patch); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	patch.ID = existing.ID
	patch.Slug = slug
	patch.Secrets = existing.Secrets
	if err := g.directory.Upsert(r.Context(), &patch); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, redact(&patch))
}

func (g *Gateway) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := g.directory.Delete(r.Context(), mux.Vars(r)["slug"]); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRotateKeys is the key-lifecycle rotate operation from spec.md §6:
// {type: anon|service|jwt}, optionally carrying an explicit new_value. A
// caller that omits new_value gets a freshly generated one back -- the
// only time a rotated value is ever echoed in a response.
func (g *Gateway) handleRotateKeys(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type     tenant.SecretKind `json:"type"`
		NewValue string            `json:"new_value,omitempty"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	if body.NewValue == "" {
		body.NewValue = access.NewRandomSecret()
	}
	slug := mux.Vars(r)["slug"]
	if err := g.directory.RotateSecret(r.Context(), slug, body.Type, body.NewValue); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, map[string]string{"new_value": body.NewValue})
}

// handleRevealKey is the key-lifecycle reveal operation from spec.md §6: it
// requires the calling admin to re-present their own password, then returns
// the requested key in plaintext. The admin identity comes from the bearer
// token's own subject, not the project, since revealing a secret is an
// admin-account action rather than a tenant-role one.
func (g *Gateway) handleRevealKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key      tenant.SecretKind `json:"key"`
		Password string            `json:"password"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	bearer, ok := access.BearerFromRequest(r)
	if !ok {
		errors.WriteHTTP(w, errors.New(errors.KindUnauthorized, "admin credential required"))
		return
	}
	claims, ok := access.VerifyAdminToken(bearer, g.adminSecret)
	if !ok {
		errors.WriteHTTP(w, errors.New(errors.KindUnauthorized, "admin credential required"))
		return
	}
	var hash string
	row := g.controlDB.QueryRowContext(r.Context(),
		`SELECT password_hash FROM `+g.controlDB.Schema+`.admin WHERE email = $1`, claims.Subject)
	if err := row.Scan(&hash); err != nil {
		errors.WriteHTTP(w, errors.New(errors.KindUnauthorized, "invalid credentials"))
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(body.Password)); err != nil {
		errors.WriteHTTP(w, errors.New(errors.KindUnauthorized, "invalid credentials"))
		return
	}

	project, err := g.directory.GetBySlug(r.Context(), mux.Vars(r)["slug"])
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	var value string
	switch body.Key {
	case tenant.SecretAnonKey:
		value = project.Secrets.AnonKey
	case tenant.SecretServiceKey:
		value = project.Secrets.ServiceKey
	case tenant.SecretJWTSecret:
		value = project.Secrets.JWTSecret
	default:
		errors.WriteHTTP(w, errors.New(errors.KindValidation, "unknown key"))
		return
	}
	writeJSON(w, map[string]string{"value": value})
}

func (g *Gateway) handleSetBlocklist(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Blocklist []string `json:"blocklist"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	slug := mux.Vars(r)["slug"]
	if err := g.directory.SetBlocklist(r.Context(), slug, body.Blocklist); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBlockIP and handleUnblockIP are the granular blocklist endpoints
// from spec.md §6, as opposed to handleSetBlocklist's bulk replace.
func (g *Gateway) handleBlockIP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IP string `json:"ip"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	if body.IP == "" {
		errors.WriteHTTP(w, errors.New(errors.KindValidation, "ip required"))
		return
	}
	if err := g.directory.AddBlockedIP(r.Context(), mux.Vars(r)["slug"], body.IP); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleUnblockIP(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := g.directory.RemoveBlockedIP(r.Context(), vars["slug"], vars["ip"]); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// projectSnapshot is the export/import payload shape: the project record
// (secrets included, since a snapshot is meant to restore a project whole)
// plus its notification rules.
type projectSnapshot struct {
	Project *tenant.Project        `json:"project"`
	Rules   []*notificationRuleRow `json:"rules"`
}

// handleExportProject is the snapshot-out operation from spec.md §6.
func (g *Gateway) handleExportProject(w http.ResponseWriter, r *http.Request) {
	slug := mux.Vars(r)["slug"]
	project, err := g.directory.GetBySlug(r.Context(), slug)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	rules, err := g.listNotificationRules(r.Context(), slug)
	if err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	writeJSON(w, projectSnapshot{Project: project, Rules: rules})
}

// handleImportUpload is the first half of the snapshot-in operation: it
// validates and stores the uploaded payload, returning an import id the
// caller must present to confirm. Storing the upload separately from
// applying it gives an admin a chance to inspect what they are about to
// overwrite before it happens.
func (g *Gateway) handleImportUpload(w http.ResponseWriter, r *http.Request) {
	var snapshot projectSnapshot
	if err := decodeJSONBody(r, &snapshot); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	if snapshot.Project == nil || snapshot.Project.Slug == "" {
		errors.WriteHTTP(w, errors.New(errors.KindValidation, "snapshot missing project"))
		return
	}
	payload, err := marshalSnapshot(&snapshot)
	if err != nil {
		errors.WriteHTTP(w, errors.Wrap(errors.KindValidation, "invalid snapshot", err))
		return
	}
	var id string
	row := g.controlDB.QueryRowContext(r.Context(),
		`INSERT INTO `+g.controlDB.Schema+`.import_snapshot (payload) VALUES ($1) RETURNING id`, payload)
	if err := row.Scan(&id); err != nil {
		errors.WriteHTTP(w, errors.Wrap(errors.KindBadGateway, "cannot store snapshot", err))
		return
	}
	writeJSON(w, map[string]string{"import_id": id})
}

// handleImportConfirm is the second half: it applies a previously uploaded
// snapshot by the id handleImportUpload returned.
func (g *Gateway) handleImportConfirm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ImportID string `json:"import_id"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	var payload []byte
	var status string
	row := g.controlDB.QueryRowContext(r.Context(),
		`SELECT payload, status FROM `+g.controlDB.Schema+`.import_snapshot WHERE id = $1`, body.ImportID)
	if err := row.Scan(&payload, &status); err != nil {
		errors.WriteHTTP(w, errors.New(errors.KindNotFound, "no such import"))
		return
	}
	if status == "confirmed" {
		errors.WriteHTTP(w, errors.New(errors.KindConflict, "import already confirmed"))
		return
	}
	snapshot, err := unmarshalSnapshot(payload)
	if err != nil {
		errors.WriteHTTP(w, errors.Wrap(errors.KindInternal, "corrupt snapshot", err))
		return
	}
	if err := g.directory.Upsert(r.Context(), snapshot.Project); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	for _, rule := range snapshot.Rules {
		if err := g.insertNotificationRule(r.Context(), snapshot.Project.Slug, rule); err != nil {
			errors.WriteHTTP(w, err)
			return
		}
	}
	if _, err := g.controlDB.ExecContext(r.Context(),
		`UPDATE `+g.controlDB.Schema+`.import_snapshot SET status = 'confirmed' WHERE id = $1`, body.ImportID); err != nil {
		errors.WriteHTTP(w, errors.Wrap(errors.KindBadGateway, "cannot mark import confirmed", err))
		return
	}
	writeJSON(w, redact(snapshot.Project))
}

// notificationRuleRow mirrors one row of the control-plane notification_rule
// table, for the export/import snapshot payload -- the full Notification
// Rule data model of spec.md §3, conditions and data_payload included.
type notificationRuleRow struct {
	Table           string            `json:"table"`
	Action          string            `json:"action"`
	TitleTemplate   string            `json:"title_template"`
	BodyTemplate    string            `json:"body_template"`
	RecipientColumn string            `json:"recipient_column"`
	Conditions      []rules.Condition `json:"conditions,omitempty"`
	DataPayload     map[string]string `json:"data_payload,omitempty"`
	Enabled         bool              `json:"enabled"`
}

func (g *Gateway) listNotificationRules(ctx context.Context, slug string) ([]*notificationRuleRow, error) {
	rowsOut, err := g.controlDB.QueryContext(ctx, `
SELECT table_name, action, title_template, body_template, recipient_column, conditions, data_payload, enabled
FROM `+g.controlDB.Schema+`.notification_rule WHERE project_slug = $1 ORDER BY created_at`, slug)
	if err != nil {
		return nil, errors.Wrap(errors.KindBadGateway, "cannot list rules", err)
	}
	defer rowsOut.Close()
	var out []*notificationRuleRow
	for rowsOut.Next() {
		var row notificationRuleRow
		var conditions, dataPayload []byte
		if err := rowsOut.Scan(&row.Table, &row.Action, &row.TitleTemplate, &row.BodyTemplate,
			&row.RecipientColumn, &conditions, &dataPayload, &row.Enabled); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(conditions, &row.Conditions); err != nil {
			return nil, errors.Wrap(errors.KindInternal, "corrupt rule conditions", err)
		}
		if err := json.Unmarshal(dataPayload, &row.DataPayload); err != nil {
			return nil, errors.Wrap(errors.KindInternal, "corrupt rule data payload", err)
		}
		out = append(out, &row)
	}
	return out, rowsOut.Err()
}

func (g *Gateway) insertNotificationRule(ctx context.Context, slug string, rule *notificationRuleRow) error {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return errors.Wrap(errors.KindValidation, "invalid conditions", err)
	}
	dataPayload, err := json.Marshal(rule.DataPayload)
	if err != nil {
		return errors.Wrap(errors.KindValidation, "invalid data_payload", err)
	}
	_, err = g.controlDB.ExecContext(ctx, `
INSERT INTO `+g.controlDB.Schema+`.notification_rule
	(project_slug, table_name, action, title_template, body_template, recipient_column, conditions, data_payload, enabled)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		slug, rule.Table, rule.Action, rule.TitleTemplate, rule.BodyTemplate, rule.RecipientColumn,
		conditions, dataPayload, rule.Enabled)
	if err != nil {
		return errors.Wrap(errors.KindBadGateway, "cannot restore rule", err)
	}
	return nil
}

func marshalSnapshot(s *projectSnapshot) ([]byte, error) {
	return json.Marshal(s)
}

func unmarshalSnapshot(payload []byte) (*projectSnapshot, error) {
	var s projectSnapshot
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// redact strips a project's decrypted secrets before it leaves the
// process in a listing or detail response. Rotate-keys and reveal-key
// return only the secret they were asked for; export returns the project
// with its secrets unredacted.
func redact(p *tenant.Project) *tenant.Project {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Secrets = tenant.Secrets{}
	return &clone
}

func redactAll(projects []*tenant.Project) []*tenant.Project {
	out := make([]*tenant.Project, len(projects))
	for i, p := range projects {
		out[i] = redact(p)
	}
	return out
}
