// Package tenant implements the Tenant Directory: resolving an incoming
// request to a Project record, decrypting its secrets, and enforcing
// domain-locking and the panic shield.
package tenant

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Status is the lifecycle status of a project.
type Status string

// Recognised project statuses.
const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// Origin is one entry of the allowed-origins list: either a bare string or
// a {url, require_auth} record, per the metadata bag's documented shape.
type Origin struct {
	URL         string `json:"url"`
	RequireAuth bool   `json:"require_auth,omitempty"`
}

// UnmarshalJSON accepts either a bare JSON string or an object.
func (o *Origin) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		o.URL = s
		o.RequireAuth = false
		return nil
	}
	type origin Origin
	var full origin
	if err := json.Unmarshal(data, &full); err != nil {
		return err
	}
	*o = Origin(full)
	return nil
}

// PoolSizing carries the tenant's pool sizing hints.
type PoolSizing struct {
	MaxConnections      int `json:"max_connections,omitempty"`
	IdleTimeoutSeconds  int `json:"idle_timeout_seconds,omitempty"`
	StatementTimeoutMS  int `json:"statement_timeout_ms,omitempty"`
}

// SecurityMetadata carries per-project security overrides.
type SecurityMetadata struct {
	MaxJSONSize    int64 `json:"max_json_size,omitempty"`
	SchemaExposure bool  `json:"schema_exposure,omitempty"`
}

// PushCredentials carries the project's FCM service-account credentials.
type PushCredentials struct {
	ProjectID   string `json:"project_id,omitempty"`
	ClientEmail string `json:"client_email,omitempty"`
	PrivateKey  string `json:"private_key,omitempty"`
}

// Metadata is the project's semi-structured extension document. Recognised
// keys get a typed surface; anything else is preserved opaquely so writers
// never clobber fields this gateway doesn't know about yet.
type Metadata struct {
	Pool                  PoolSizing       `json:"pool,omitempty"`
	Security              SecurityMetadata `json:"security,omitempty"`
	ExternalPrimaryURL    string           `json:"external_primary_url,omitempty"`
	ReadReplicaURL        string           `json:"read_replica_url,omitempty"`
	AllowedOrigins        []Origin         `json:"allowed_origins,omitempty"`
	SchemaExposure        bool             `json:"schema_exposure,omitempty"`
	Push                  PushCredentials  `json:"push,omitempty"`

	extra map[string]json.RawMessage
}

// MarshalJSON preserves unrecognised keys alongside the typed fields.
func (m Metadata) MarshalJSON() ([]byte, error) {
	type known struct {
		Pool               PoolSizing       `json:"pool,omitempty"`
		Security           SecurityMetadata `json:"security,omitempty"`
		ExternalPrimaryURL string           `json:"external_primary_url,omitempty"`
		ReadReplicaURL     string           `json:"read_replica_url,omitempty"`
		AllowedOrigins     []Origin         `json:"allowed_origins,omitempty"`
		SchemaExposure     bool             `json:"schema_exposure,omitempty"`
		Push               PushCredentials  `json:"push,omitempty"`
	}
	knownBytes, err := json.Marshal(known{
		Pool:               m.Pool,
		Security:           m.Security,
		ExternalPrimaryURL: m.ExternalPrimaryURL,
		ReadReplicaURL:     m.ReadReplicaURL,
		AllowedOrigins:     m.AllowedOrigins,
		SchemaExposure:     m.SchemaExposure,
		Push:               m.Push,
	})
	if err != nil {
		return nil, err
	}
	if len(m.extra) == 0 {
		return knownBytes, nil
	}
	merged := map[string]json.RawMessage{}
	for k, v := range m.extra {
		merged[k] = v
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(knownBytes, &knownMap); err != nil {
		return nil, err
	}
	for k, v := range knownMap {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON preserves unrecognised keys in extra.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	type known struct {
		Pool               PoolSizing       `json:"pool,omitempty"`
		Security           SecurityMetadata `json:"security,omitempty"`
		ExternalPrimaryURL string           `json:"external_primary_url,omitempty"`
		ReadReplicaURL     string           `json:"read_replica_url,omitempty"`
		AllowedOrigins     []Origin         `json:"allowed_origins,omitempty"`
		SchemaExposure     bool             `json:"schema_exposure,omitempty"`
		Push               PushCredentials  `json:"push,omitempty"`
	}
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, recognised := range []string{"pool", "security", "external_primary_url", "read_replica_url", "allowed_origins", "schema_exposure", "push"} {
		delete(raw, recognised)
	}
	*m = Metadata{
		Pool:               k.Pool,
		Security:           k.Security,
		ExternalPrimaryURL: k.ExternalPrimaryURL,
		ReadReplicaURL:     k.ReadReplicaURL,
		AllowedOrigins:     k.AllowedOrigins,
		SchemaExposure:     k.SchemaExposure,
		Push:               k.Push,
		extra:              raw,
	}
	return nil
}

// Secrets holds a project's three decrypted, in-memory secrets. It is never
// persisted or logged in this form.
type Secrets struct {
	AnonKey    string `json:"anon_key,omitempty"`
	ServiceKey string `json:"service_key,omitempty"`
	JWTSecret  string `json:"jwt_secret,omitempty"`
}

// Project is a tenant record, decrypted and ready for use by the request
// pipeline.
type Project struct {
	ID             uuid.UUID `json:"id"`
	Slug           string    `json:"slug"`
	DisplayName    string    `json:"display_name"`
	DBName         string    `json:"db_name"`
	CustomHostname string    `json:"custom_hostname,omitempty"`
	Blocklist      []string  `json:"blocklist,omitempty"`
	Status         Status    `json:"status"`
	Metadata       Metadata  `json:"metadata"`
	Secrets        Secrets   `json:"secrets,omitempty"`
	Version        int       `json:"version"`
}

// IsEjected reports whether the project's primary database lives outside
// the platform's own managed infrastructure.
func (p *Project) IsEjected() bool {
	return p.Metadata.ExternalPrimaryURL != ""
}

// HasReplica reports whether the project has a configured read replica.
func (p *Project) HasReplica() bool {
	return p.Metadata.ReadReplicaURL != ""
}

// IsBlocked reports whether clientIP appears on the project's blocklist.
func (p *Project) IsBlocked(clientIP string) bool {
	for _, blocked := range p.Blocklist {
		if blocked == clientIP {
			return true
		}
	}
	return false
}
