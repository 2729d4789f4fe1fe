package gateway

import (
	"context"
	"encoding/json"

	"github.com/cascata/gateway/internal/access"
	"github.com/cascata/gateway/internal/errors"
	"github.com/cascata/gateway/internal/jobs"
	"github.com/cascata/gateway/internal/pg"
	"github.com/cascata/gateway/internal/pool"
	"github.com/cascata/gateway/internal/query"
	"github.com/cascata/gateway/internal/rules"
)

// binding implements every dependency interface the Job Engine and the
// Notification Rule Engine need against the gateway's own control
// database and tenant pools, so those packages stay unaware of
// internal/tenant, internal/pool, and internal/data. Grounded on the
// teacher's core/backend/jobs.go pattern of a backend-owned struct
// satisfying the job pipeline's handler-dependency interfaces.
type binding struct {
	g *Gateway
}

var _ jobs.PushDependencies = (*binding)(nil)
var _ rules.Store = (*binding)(nil)
var _ rules.RowFetcher = (*binding)(nil)
var _ rules.PushEnqueuer = (*binding)(nil)

// tenantDB resolves slug to its primary pool (the external primary for an
// ejected project), outside of any request's
// pool-selection logic (these calls happen on worker goroutines, not
// inside the request pipeline).
func (b *binding) tenantDB(ctx context.Context, slug string) (*pg.DB, error) {
	project, err := b.g.directory.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	cfg := pool.Config{
		MaxConnections:     project.Metadata.Pool.MaxConnections,
		IdleMS:             project.Metadata.Pool.IdleTimeoutSeconds * 1000,
		StatementTimeoutMS: project.Metadata.Pool.StatementTimeoutMS,
	}
	if project.IsEjected() {
		cfg.ConnectionString = project.Metadata.ExternalPrimaryURL
	}
	return b.g.pools.Get(ctx, project.DBName, cfg)
}

// LoadFCMCredentials reads a project's push service-account credentials
// out of its control-plane metadata.
func (b *binding) LoadFCMCredentials(ctx context.Context, slug string) (jobs.FCMCredentials, error) {
	project, err := b.g.directory.GetBySlug(ctx, slug)
	if err != nil {
		return jobs.FCMCredentials{}, err
	}
	push := project.Metadata.Push
	if push.ProjectID == "" {
		return jobs.FCMCredentials{}, errors.New(errors.KindValidation, "project has no push credentials configured")
	}
	return jobs.FCMCredentials{
		ProjectID:   push.ProjectID,
		ClientEmail: push.ClientEmail,
		PrivateKey:  push.PrivateKey,
	}, nil
}

// LoadActiveDevices reads a user's registered push targets from the
// tenant's own auth.device table.
func (b *binding) LoadActiveDevices(ctx context.Context, slug, userID string) ([]jobs.Device, error) {
	db, err := b.tenantDB(ctx, slug)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT token, platform FROM auth.device WHERE user_id = $1 AND is_active`, userID)
	if err != nil {
		return nil, errors.Wrap(errors.KindBadGateway, "device lookup failed", err)
	}
	defer rows.Close()
	var out []jobs.Device
	for rows.Next() {
		var d jobs.Device
		d.UserID = userID
		if err := rows.Scan(&d.Token, &d.Platform); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDevice prunes a device token that FCM reported as unregistered.
func (b *binding) DeleteDevice(ctx context.Context, slug, userID, token string) error {
	db, err := b.tenantDB(ctx, slug)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM auth.device WHERE user_id = $1 AND token = $2`, userID, token)
	return err
}

// RecordPushAudit writes one push-delivery outcome to the control
// database's push_audit table (spec.md §4.7).
func (b *binding) RecordPushAudit(ctx context.Context, audit jobs.PushAudit) error {
	_, err := b.g.controlDB.ExecContext(ctx, `
INSERT INTO `+b.g.controlDB.Schema+`.push_audit (project_slug, device_token, title, body, status, error)
VALUES ($1, '', '', '', $2, $3)`,
		audit.ProjectSlug, audit.Status, audit.Error)
	return err
}

// LoadActiveRules satisfies rules.Store against the control database's
// notification_rule table, including the condition and data-payload
// templating columns spec.md §3/§4.8 require the rule engine to evaluate.
func (b *binding) LoadActiveRules(ctx context.Context, slug, table, action string) ([]rules.Rule, error) {
	rows, err := b.g.controlDB.QueryContext(ctx, `
SELECT id, project_slug, table_name, action, title_template, body_template, recipient_column, conditions, data_payload
FROM `+b.g.controlDB.Schema+`.notification_rule
WHERE project_slug = $1 AND table_name = $2 AND (action = $3 OR action = 'ALL') AND enabled`,
		slug, table, action)
	if err != nil {
		return nil, errors.Wrap(errors.KindBadGateway, "rule lookup failed", err)
	}
	defer rows.Close()
	var out []rules.Rule
	for rows.Next() {
		var r rules.Rule
		var event string
		var conditions, dataPayload []byte
		if err := rows.Scan(&r.ID, &r.ProjectSlug, &r.Table, &event, &r.TitleTemplate, &r.BodyTemplate, &r.RecipientColumn, &conditions, &dataPayload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
			return nil, errors.Wrap(errors.KindInternal, "corrupt rule conditions", err)
		}
		if err := json.Unmarshal(dataPayload, &r.DataPayload); err != nil {
			return nil, errors.Wrap(errors.KindInternal, "corrupt rule data payload", err)
		}
		r.Event = rules.Action(event)
		r.Active = true
		out = append(out, r)
	}
	return out, rows.Err()
}

// FetchRowByID satisfies rules.RowFetcher by running an ordinary filtered
// select through the same Query Translator the data plane uses, scoped
// to the service_role so row-level security never blocks a rule's own
// template rendering.
func (b *binding) FetchRowByID(ctx context.Context, slug, table string, id json.RawMessage) (map[string]interface{}, error) {
	db, err := b.tenantDB(ctx, slug)
	if err != nil {
		return nil, err
	}
	params := &query.Params{Filters: []query.Filter{{Column: "id", Operator: "eq", Value: trimJSONString(id)}}}
	rowsOut, err := b.g.data.Select(ctx, db, access.RoleServiceRole, table, params)
	if err != nil {
		return nil, err
	}
	if len(rowsOut) == 0 {
		return nil, nil
	}
	return rowsOut[0], nil
}

// EnqueuePush satisfies rules.PushEnqueuer, delegating straight to the
// Job Engine.
func (b *binding) EnqueuePush(ctx context.Context, job jobs.PushJob) error {
	return b.g.jobsEngine.EnqueuePush(ctx, job)
}

// trimJSONString unwraps a JSON string/number primary key into its raw
// text form for use as a SQL filter value.
func trimJSONString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
