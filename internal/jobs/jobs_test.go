package jobs

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestResolvePolicyAttemptsAndBackoff(t *testing.T) {
	cases := []struct {
		name     RetryPolicy
		attempts int
	}{
		{PolicyNone, 1},
		{PolicyLinear, 5},
		{PolicyStandard, 10},
		{"unknown", 10}, // falls back to standard
	}
	for _, c := range cases {
		p := resolvePolicy(c.name)
		if p.attempts != c.attempts {
			t.Errorf("policy %q: expected %d attempts, got %d", c.name, c.attempts, p.attempts)
		}
	}
}

func TestLinearBackoffIsFixed(t *testing.T) {
	p := resolvePolicy(PolicyLinear)
	if p.backoff(1) != 5*time.Second || p.backoff(4) != 5*time.Second {
		t.Fatal("expected linear policy to use a fixed 5s backoff regardless of attempt number")
	}
}

func TestStandardBackoffIsExponential(t *testing.T) {
	p := resolvePolicy(PolicyStandard)
	if p.backoff(1) != 2*time.Second {
		t.Fatalf("expected 2s at attempt 1, got %v", p.backoff(1))
	}
	if p.backoff(3) != 8*time.Second {
		t.Fatalf("expected 8s at attempt 3, got %v", p.backoff(3))
	}
}

func TestPushPolicyIsFixedRegardlessOfNamedPolicy(t *testing.T) {
	if pushPolicy.attempts != 3 {
		t.Fatalf("expected push jobs to always use 3 attempts, got %d", pushPolicy.attempts)
	}
	if pushPolicy.backoff(1) != 2*time.Second {
		t.Fatalf("expected exponential-from-1s backoff, got %v", pushPolicy.backoff(1))
	}
}

func TestKeysForAreQueueScopedAndDisjoint(t *testing.T) {
	w := keysFor(QueueWebhooks)
	p := keysFor(QueuePush)
	if w.queue == p.queue || w.delayed == p.delayed || w.completed == p.completed || w.failed == p.failed {
		t.Fatal("expected webhook and push queues to use disjoint key sets")
	}
	if w.queue != "cascata:jobs:webhooks" {
		t.Fatalf("unexpected webhook queue key: %s", w.queue)
	}
}

func TestSignAndVerifyPayload(t *testing.T) {
	payload := []byte(`{"hello":"world"}`)
	sig := SignPayload("s3cret", payload)
	if !VerifySignature("s3cret", payload, sig) {
		t.Fatal("expected matching secret to verify")
	}
	if VerifySignature("wrong", payload, sig) {
		t.Fatal("expected mismatched secret to fail verification")
	}
	if VerifySignature("s3cret", []byte(`{"tampered":true}`), sig) {
		t.Fatal("expected tampered payload to fail verification")
	}
}

func TestIdempotencyKeyIsStableAndQueueScoped(t *testing.T) {
	a := idempotencyKey(string(QueueWebhooks), "job-1")
	b := idempotencyKey(string(QueueWebhooks), "job-1")
	if a != b {
		t.Fatal("expected idempotency key to be deterministic")
	}
	if a == idempotencyKey(string(QueuePush), "job-1") {
		t.Fatal("expected idempotency key to be queue-scoped")
	}
}

// loopbackRoutedClient lets a test target a public-looking hostname that
// passes the SSRF guard while every dial lands on the local test server.
func loopbackRoutedClient(t *testing.T, srv *httptest.Server) *http.Client {
	t.Helper()
	prev := resolveHostFunc
	resolveHostFunc = func(host string) ([]string, error) { return []string{"93.184.216.34"}, nil }
	t.Cleanup(func() { resolveHostFunc = prev })
	return &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, network, srv.Listener.Addr().String())
		},
	}}
}

func TestDispatchWebhookSignsAndSetsHeaders(t *testing.T) {
	var gotSig, gotEvent, gotIdemp string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Cascata-Signature")
		gotEvent = r.Header.Get("X-Cascata-Event")
		gotIdemp = r.Header.Get("X-Cascata-Idempotency-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	job := WebhookJob{ID: "job-1", TargetURL: "http://hooks.example.com/hook", Secret: "s3cret", Event: "INSERT", Payload: []byte(`{}`)}
	outcome, status, err := dispatchWebhook(context.Background(), loopbackRoutedClient(t, srv), job)
	if err != nil || outcome != deliveryOK || status != http.StatusOK {
		t.Fatalf("expected successful delivery, got outcome=%v status=%d err=%v", outcome, status, err)
	}
	if gotSig != SignPayload("s3cret", job.Payload) {
		t.Fatal("expected outbound signature header to match SignPayload")
	}
	if gotEvent != "INSERT" {
		t.Fatalf("expected event header INSERT, got %s", gotEvent)
	}
	if gotIdemp == "" {
		t.Fatal("expected an idempotency key header")
	}
}

func TestDispatchWebhookRejectsSSRFTarget(t *testing.T) {
	job := WebhookJob{ID: "job-1", TargetURL: "http://localhost/hook", Secret: "s", Payload: []byte(`{}`)}
	outcome, _, err := dispatchWebhook(context.Background(), http.DefaultClient, job)
	if err == nil || outcome != deliveryFailed {
		t.Fatal("expected SSRF guard to reject the request before dispatch")
	}
}

func TestDispatchWebhookTreatsNon2xxAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	job := WebhookJob{ID: "job-1", TargetURL: "http://hooks.example.com/hook", Secret: "s", Payload: []byte(`{}`)}
	outcome, status, err := dispatchWebhook(context.Background(), loopbackRoutedClient(t, srv), job)
	if outcome != deliveryFailed || status != http.StatusInternalServerError || err == nil {
		t.Fatalf("expected failure outcome for 500, got outcome=%v status=%d err=%v", outcome, status, err)
	}
}
