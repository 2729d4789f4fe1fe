package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/cascata/gateway/internal/errors"
	"github.com/cascata/gateway/internal/jobs"
	"github.com/cascata/gateway/internal/rules"
)

// registerPushRoutes wires device registration, direct send, and
// notification-rule management under /api/data/{slug}/push, the same
// slug-scoped subrouter the rest of the data plane uses.
func (g *Gateway) registerPushRoutes(sub *mux.Router) {
	sub.HandleFunc("/push/devices", g.handleRegisterDevice).Methods(http.MethodPost)
	sub.HandleFunc("/push/devices/{token}", g.handleUnregisterDevice).Methods(http.MethodDelete)
	sub.HandleFunc("/push/send", g.handleSendPush).Methods(http.MethodPost)
	sub.HandleFunc("/push/rules", g.handleListRules).Methods(http.MethodGet)
	sub.HandleFunc("/push/rules", g.handleCreateRule).Methods(http.MethodPost)
	sub.HandleFunc("/push/rules/{id}", g.handleDeleteRule).Methods(http.MethodDelete)
}

func (g *Gateway) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	s := fromContext(r.Context())
	var body struct {
		UserID   string `json:"user_id"`
		Token    string `json:"token"`
		Platform string `json:"platform"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	if err := ensureTenantAuthSchema(s.db); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	_, err := s.db.ExecContext(r.Context(), `
INSERT INTO auth.device (user_id, token, platform) VALUES ($1, $2, $3)
ON CONFLICT (token) DO UPDATE SET user_id = $1, platform = $3, is_active = true`,
		body.UserID, body.Token, body.Platform)
	if err != nil {
		errors.WriteHTTP(w, errors.Wrap(errors.KindBadGateway, "cannot register device", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleUnregisterDevice(w http.ResponseWriter, r *http.Request) {
	s := fromContext(r.Context())
	token := mux.Vars(r)["token"]
	if _, err := s.db.ExecContext(r.Context(), `DELETE FROM auth.device WHERE token = $1`, token); err != nil {
		errors.WriteHTTP(w, errors.Wrap(errors.KindBadGateway, "cannot unregister device", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSendPush enqueues an immediate push job, bypassing the rule
// engine entirely -- this is the direct-send path spec.md §4.7
// distinguishes from rule-driven notifications.
func (g *Gateway) handleSendPush(w http.ResponseWriter, r *http.Request) {
	s := fromContext(r.Context())
	var body struct {
		UserID string            `json:"user_id"`
		Title  string            `json:"title"`
		Body   string            `json:"body"`
		Data   map[string]string `json:"data,omitempty"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	job := jobs.PushJob{
		ID:          uuid.NewString(),
		ProjectSlug: s.slug,
		UserID:      body.UserID,
		Title:       body.Title,
		Body:        body.Body,
		Data:        body.Data,
	}
	if err := g.jobsEngine.EnqueuePush(r.Context(), job); err != nil {
		errors.WriteHTTP(w, errors.Wrap(errors.KindBadGateway, "cannot enqueue push", err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"job_id": job.ID})
}

func (g *Gateway) handleListRules(w http.ResponseWriter, r *http.Request) {
	s := fromContext(r.Context())
	rowsOut, err := g.controlDB.QueryContext(r.Context(), `
SELECT id, table_name, action, title_template, body_template, recipient_column, conditions, data_payload, enabled
FROM `+g.controlDB.Schema+`.notification_rule WHERE project_slug = $1 ORDER BY created_at`, s.slug)
	if err != nil {
		errors.WriteHTTP(w, errors.Wrap(errors.KindBadGateway, "cannot list rules", err))
		return
	}
	defer rowsOut.Close()
	var out []rules.Rule
	for rowsOut.Next() {
		var rule rules.Rule
		var event string
		var conditions, dataPayload []byte
		if err := rowsOut.Scan(&rule.ID, &rule.Table, &event, &rule.TitleTemplate, &rule.BodyTemplate,
			&rule.RecipientColumn, &conditions, &dataPayload, &rule.Active); err != nil {
			errors.WriteHTTP(w, err)
			return
		}
		rule.Event = rules.Action(event)
		rule.ProjectSlug = s.slug
		if err := json.Unmarshal(conditions, &rule.Conditions); err != nil {
			errors.WriteHTTP(w, errors.Wrap(errors.KindInternal, "corrupt rule conditions", err))
			return
		}
		if err := json.Unmarshal(dataPayload, &rule.DataPayload); err != nil {
			errors.WriteHTTP(w, errors.Wrap(errors.KindInternal, "corrupt rule data payload", err))
			return
		}
		out = append(out, rule)
	}
	writeJSON(w, out)
}

// handleCreateRule persists every field of the Notification Rule data
// model (spec.md §3), including the conditions a rule must match and the
// data_payload it templates, so rules.Engine.HandleEvent's condition
// evaluation actually has something to evaluate.
func (g *Gateway) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	s := fromContext(r.Context())
	var rule rules.Rule
	if err := decodeJSONBody(r, &rule); err != nil {
		errors.WriteHTTP(w, err)
		return
	}
	if rule.RecipientColumn == "" {
		errors.WriteHTTP(w, errors.New(errors.KindValidation, "recipient_column required"))
		return
	}
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		errors.WriteHTTP(w, errors.Wrap(errors.KindValidation, "invalid conditions", err))
		return
	}
	dataPayload, err := json.Marshal(rule.DataPayload)
	if err != nil {
		errors.WriteHTTP(w, errors.Wrap(errors.KindValidation, "invalid data_payload", err))
		return
	}
	var id string
	err = g.controlDB.QueryRowContext(r.Context(), `
INSERT INTO `+g.controlDB.Schema+`.notification_rule
	(project_slug, table_name, action, title_template, body_template, recipient_column, conditions, data_payload, enabled)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true) RETURNING id`,
		s.slug, rule.Table, string(rule.Event), rule.TitleTemplate, rule.BodyTemplate, rule.RecipientColumn,
		conditions, dataPayload,
	).Scan(&id)
	if err != nil {
		errors.WriteHTTP(w, errors.Wrap(errors.KindBadGateway, "cannot create rule", err))
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]string{"id": id})
}

func (g *Gateway) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	s := fromContext(r.Context())
	id := mux.Vars(r)["id"]
	_, err := g.controlDB.ExecContext(r.Context(), `
DELETE FROM `+g.controlDB.Schema+`.notification_rule WHERE id = $1 AND project_slug = $2`, id, s.slug)
	if err != nil {
		errors.WriteHTTP(w, errors.Wrap(errors.KindBadGateway, "cannot delete rule", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
