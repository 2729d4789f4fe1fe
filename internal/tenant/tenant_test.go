package tenant

import (
	"encoding/json"
	"testing"

	"github.com/cascata/gateway/internal/secretbox"
)

func TestIsControlPath(t *testing.T) {
	if !IsControlPath("/api/control/projects") {
		t.Fatal("expected control path to be recognised")
	}
	if IsControlPath("/api/data/acme/widgets") {
		t.Fatal("expected data path to be rejected")
	}
}

func TestIsAmbientPath(t *testing.T) {
	if !IsAmbientPath("/api/health") || !IsAmbientPath("/api/health/details") {
		t.Fatal("expected both health routes to be recognised as ambient")
	}
	if IsAmbientPath("/api/data/acme/widgets") {
		t.Fatal("expected a tenant path to be rejected")
	}
}

func TestSlugFromDataPath(t *testing.T) {
	slug, ok := SlugFromDataPath("/api/data/acme/widgets")
	if !ok || slug != "acme" {
		t.Fatalf("got %q, %v", slug, ok)
	}
	slug, ok = SlugFromDataPath("/api/data/acme")
	if !ok || slug != "acme" {
		t.Fatalf("got %q, %v", slug, ok)
	}
	if _, ok := SlugFromDataPath("/api/control/projects"); ok {
		t.Fatal("expected a control path to be rejected")
	}
}

func TestStripPort(t *testing.T) {
	if got := stripPort("acme.example.com:443"); got != "acme.example.com" {
		t.Fatalf("got %q", got)
	}
	if got := stripPort("acme.example.com"); got != "acme.example.com" {
		t.Fatalf("got %q", got)
	}
}

func TestIsLoopbackOrLinkLocal(t *testing.T) {
	cases := map[string]bool{
		"localhost":    true,
		"127.0.0.1":    true,
		"169.254.1.5":  true,
		"acme.example.com": false,
		"8.8.8.8":      false,
	}
	for host, want := range cases {
		if got := isLoopbackOrLinkLocal(host); got != want {
			t.Errorf("isLoopbackOrLinkLocal(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestProjectIsBlocked(t *testing.T) {
	p := &Project{Blocklist: []string{"1.2.3.4", "5.6.7.8"}}
	if !p.IsBlocked("1.2.3.4") {
		t.Fatal("expected listed ip to be blocked")
	}
	if p.IsBlocked("9.9.9.9") {
		t.Fatal("expected unlisted ip to pass")
	}
}

func TestProjectIsEjectedAndHasReplica(t *testing.T) {
	p := &Project{}
	if p.IsEjected() || p.HasReplica() {
		t.Fatal("expected a bare project to be neither ejected nor replicated")
	}
	p.Metadata.ExternalPrimaryURL = "postgres://ext/db"
	p.Metadata.ReadReplicaURL = "postgres://replica/db"
	if !p.IsEjected() || !p.HasReplica() {
		t.Fatal("expected metadata-backed project to report both")
	}
}

func TestOriginUnmarshalsBareStringAndObject(t *testing.T) {
	var bare Origin
	if err := json.Unmarshal([]byte(`"https://app.example.com"`), &bare); err != nil {
		t.Fatal(err)
	}
	if bare.URL != "https://app.example.com" || bare.RequireAuth {
		t.Fatalf("got %+v", bare)
	}

	var full Origin
	if err := json.Unmarshal([]byte(`{"url":"https://admin.example.com","require_auth":true}`), &full); err != nil {
		t.Fatal(err)
	}
	if full.URL != "https://admin.example.com" || !full.RequireAuth {
		t.Fatalf("got %+v", full)
	}
}

func TestMetadataRoundTripPreservesUnknownKeys(t *testing.T) {
	raw := []byte(`{"pool":{"max_connections":5},"some_future_field":{"nested":true}}`)
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	if m.Pool.MaxConnections != 5 {
		t.Fatalf("got %+v", m.Pool)
	}
	out, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var roundTripped map[string]json.RawMessage
	if err := json.Unmarshal(out, &roundTripped); err != nil {
		t.Fatal(err)
	}
	if _, ok := roundTripped["some_future_field"]; !ok {
		t.Fatalf("expected unrecognised key to survive round-trip, got %s", out)
	}
}

func TestRotateSecretRejectsUnknownKind(t *testing.T) {
	box, err := secretbox.New("test-passphrase")
	if err != nil {
		t.Fatal(err)
	}
	d := &Directory{box: box}
	if err := d.RotateSecret(nil, "acme", SecretKind("bogus"), "whatever"); err == nil {
		t.Fatal("expected an unknown secret kind to be rejected before touching the database")
	}
}
