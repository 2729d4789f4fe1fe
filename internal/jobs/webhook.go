package jobs

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cascata/gateway/internal/logging"
)

// idempotencyKey computes the stable sha256(queue|job_id) key attached to
// outbound webhook requests so a sink can dedupe at-least-once redeliveries
// (spec.md §1's idempotency-at-the-sink contract).
func idempotencyKey(queue, jobID string) string {
	sum := sha256.Sum256([]byte(queue + "|" + jobID))
	return hex.EncodeToString(sum[:])
}

// version is the webhook engine's own version string, reported in the
// outbound User-Agent header.
const version = "1.0"

// WebhookDependencies are the externally-constructed pieces the webhook
// worker needs: the outbound HTTP client (the signing secret travels on
// each WebhookJob). Grounded on the pack's redb-open webhook
// engine's httpClient construction (explicit timeouts, bounded idle
// connections) rather than the zero-value http.DefaultClient.
type WebhookDependencies struct {
	Client *http.Client
}

// NewWebhookHTTPClient builds the outbound client used for webhook
// delivery: 10s timeout per spec.md §5, bounded idle connections.
func NewWebhookHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

func (e *Engine) runWebhookWorker(ctx context.Context) {
	keys := keysFor(QueueWebhooks)
	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		result, err := e.rdb.BRPop(ctx, 5*time.Second, keys.queue).Result()
		if err != nil || len(result) < 2 {
			continue // timeout (no job ready) or transient Redis error
		}

		var job WebhookJob
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			logging.Default().WithError(err).Error("cannot decode webhook job")
			continue
		}

		_ = runWithRecover(ctx, "webhook job "+job.ID, func() error {
			e.processWebhookJob(ctx, keys, job)
			return nil
		})
	}
}

func (e *Engine) processWebhookJob(ctx context.Context, keys redisKeys, job WebhookJob) {
	policy := resolvePolicy(job.Policy)
	outcome, statusCode, deliveryErr := dispatchWebhook(ctx, e.webhookDep.Client, job)

	if outcome == deliveryOK {
		e.recordOutcome(ctx, keys, job.ID, false)
		logging.Default().Infof("webhook %s delivered to %s", job.ID, job.TargetURL)
		return
	}

	finalAttempt := job.Attempt+1 >= policy.attempts
	permanent4xx := statusCode >= 400 && statusCode < 500 && statusCode != http.StatusTooManyRequests

	if !finalAttempt && !permanent4xx {
		job.Attempt++
		payload, _ := json.Marshal(job)
		if err := e.schedule(ctx, keys, payload, policy.backoff(job.Attempt)); err != nil {
			logging.Default().WithError(err).Error("cannot schedule webhook retry")
		}
		return
	}

	// exhausted attempts, or a permanent 4xx that short-circuits retries.
	e.recordOutcome(ctx, keys, job.ID, true)
	logging.Default().Warnf("webhook %s failed permanently: %v", job.ID, deliveryErr)
	e.dispatchFallback(ctx, job, deliveryErr)
}

type deliveryOutcome int

const (
	deliveryOK deliveryOutcome = iota
	deliveryFailed
)

// dispatchWebhook implements the webhook worker algorithm's SSRF guard,
// signing and POST steps (spec.md §4.7 steps 1-3).
func dispatchWebhook(ctx context.Context, client *http.Client, job WebhookJob) (deliveryOutcome, int, error) {
	if err := ValidateOutboundURL(job.TargetURL); err != nil {
		return deliveryFailed, 0, err
	}

	sig := SignPayload(job.Secret, job.Payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.TargetURL, bytes.NewReader(job.Payload))
	if err != nil {
		return deliveryFailed, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Cascata-Signature", sig)
	req.Header.Set("X-Cascata-Event", job.Event)
	req.Header.Set("X-Cascata-Table", job.Table)
	req.Header.Set("X-Cascata-Idempotency-Key", idempotencyKey(string(QueueWebhooks), job.ID))
	req.Header.Set("User-Agent", "Cascata-Webhook-Engine/"+version)

	resp, err := client.Do(req)
	if err != nil {
		return deliveryFailed, 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return deliveryOK, resp.StatusCode, nil
	}
	return deliveryFailed, resp.StatusCode, fmt.Errorf("target responded %d", resp.StatusCode)
}

// SignPayload computes the outbound HMAC-SHA256 signature header value.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the expected HMAC,
// without leaking timing information about where a mismatch occurs.
func VerifySignature(secret string, payload []byte, signature string) bool {
	expected := SignPayload(secret, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

type fallbackAlert struct {
	Alert           string          `json:"alert"`
	OriginalTarget  string          `json:"original_target"`
	Error           string          `json:"error"`
	Event           string          `json:"event"`
	Table           string          `json:"table"`
	OriginalPayload json.RawMessage `json:"original_payload"`
}

// dispatchFallback implements the final-attempt fallback step: if
// fallback_url exists and passes SSRF validation, POST an alert with a
// 5s timeout; failure to deliver it is logged and discarded.
func (e *Engine) dispatchFallback(ctx context.Context, job WebhookJob, deliveryErr error) {
	if job.FallbackURL == "" {
		return
	}
	if err := ValidateOutboundURL(job.FallbackURL); err != nil {
		logging.Default().WithError(err).Warn("fallback URL rejected by SSRF guard")
		return
	}

	errMsg := ""
	if deliveryErr != nil {
		errMsg = deliveryErr.Error()
	}
	alert := fallbackAlert{
		Alert:           "webhook delivery failed",
		OriginalTarget:  job.TargetURL,
		Error:           errMsg,
		Event:           job.Event,
		Table:           job.Table,
		OriginalPayload: job.Payload,
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return
	}

	fallbackCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(fallbackCtx, http.MethodPost, job.FallbackURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	client := e.webhookDep.Client
	if client == nil {
		client = NewWebhookHTTPClient()
	}
	resp, err := client.Do(req)
	if err != nil {
		logging.Default().WithError(err).Warn("fallback alert delivery failed, discarding")
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
}
