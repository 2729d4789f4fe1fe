package gateway

import "github.com/cascata/gateway/internal/pg"

// ensureControlSchema creates the control-plane tables this package owns,
// following the same "CREATE TABLE IF NOT EXISTS" idiom as
// internal/tenant.ensureSchema: admin credentials for the bcrypt login
// endpoint, notification rules, and the push-notification audit trail.
func ensureControlSchema(db *pg.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS ` + db.Schema + `.admin (
	id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
	email varchar NOT NULL UNIQUE,
	password_hash varchar NOT NULL,
	created_at timestamp NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS ` + db.Schema + `.notification_rule (
	id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
	project_slug varchar NOT NULL,
	table_name varchar NOT NULL,
	action varchar NOT NULL,
	title_template varchar NOT NULL DEFAULT '',
	body_template varchar NOT NULL DEFAULT '',
	recipient_column varchar NOT NULL,
	conditions jsonb NOT NULL DEFAULT '[]',
	data_payload jsonb NOT NULL DEFAULT '{}',
	enabled boolean NOT NULL DEFAULT true,
	created_at timestamp NOT NULL DEFAULT now(),
	updated_at timestamp NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS notification_rule_lookup_idx ON ` + db.Schema + `.notification_rule(project_slug, table_name, action) WHERE enabled;
CREATE TABLE IF NOT EXISTS ` + db.Schema + `.push_audit (
	id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
	project_slug varchar NOT NULL,
	device_token varchar NOT NULL,
	title varchar NOT NULL DEFAULT '',
	body varchar NOT NULL DEFAULT '',
	rule_id uuid,
	status varchar NOT NULL DEFAULT 'sent',
	error varchar,
	created_at timestamp NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS push_audit_project_idx ON ` + db.Schema + `.push_audit(project_slug, created_at);
CREATE TABLE IF NOT EXISTS ` + db.Schema + `.import_snapshot (
	id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
	status varchar NOT NULL DEFAULT 'pending',
	payload jsonb NOT NULL,
	created_at timestamp NOT NULL DEFAULT now()
);
`)
	return err
}

// ensureTenantAuthSchema creates the per-tenant auth.device table used to
// register push-notification targets. It is called lazily against a
// tenant's own pool the first time a device is registered for that
// project, since the gateway does not own tenant schema migrations wholesale.
func ensureTenantAuthSchema(db *pg.DB) error {
	_, err := db.Exec(`
CREATE SCHEMA IF NOT EXISTS auth;
CREATE TABLE IF NOT EXISTS auth.device (
	id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
	user_id uuid,
	token varchar NOT NULL UNIQUE,
	platform varchar NOT NULL DEFAULT '',
	is_active boolean NOT NULL DEFAULT true,
	created_at timestamp NOT NULL DEFAULT now()
);
`)
	return err
}
