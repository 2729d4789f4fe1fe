package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/cascata/gateway/internal/logging"
)

// fcmScope and fcmAudience are the OAuth2 scope and the assertion audience
// of the service-account token exchange.
const (
	fcmScope    = "https://www.googleapis.com/auth/firebase.messaging"
	fcmAudience = "https://oauth2.googleapis.com/token"
)

// fcmTokenURL and fcmSendURLFormat are overridable in tests to point at a
// local httptest server instead of Google's real endpoints.
var (
	fcmTokenURL      = "https://oauth2.googleapis.com/token"
	fcmSendURLFormat = "https://fcm.googleapis.com/v1/projects/%s/messages:send"
)

// Device is one registered push target for a tenant user.
type Device struct {
	UserID   string
	Token    string
	Platform string // ios | android | web | other
}

// FCMCredentials are a project's decrypted service-account credentials,
// sourced from its metadata.push bag.
type FCMCredentials struct {
	ProjectID   string
	ClientEmail string
	PrivateKey  string
}

// PushAudit is one row the push worker writes to the control database
// after dispatching (spec.md §4.7's "self-healing sinks" + audit trail).
type PushAudit struct {
	JobID       string
	ProjectSlug string
	UserID      string
	Status      string // completed | partial | no_devices | failed
	Sent        int
	Failed      int
	Error       string
}

// PushDependencies are the externally-constructed pieces the push worker
// needs: device lookup/pruning against the tenant's own database, FCM
// credential lookup against the project record, and the control-database
// audit sink. Kept as an interface (rather than a direct *pool.Registry /
// *tenant.Directory dependency) so the jobs package stays independent of
// the tenant and data packages; the gateway wires a concrete
// implementation at startup.
type PushDependencies interface {
	LoadFCMCredentials(ctx context.Context, slug string) (FCMCredentials, error)
	LoadActiveDevices(ctx context.Context, slug, userID string) ([]Device, error)
	DeleteDevice(ctx context.Context, slug, userID, token string) error
	RecordPushAudit(ctx context.Context, audit PushAudit) error
}

// fcmHTTPClient is the default outbound client for both the OAuth exchange
// and the FCM send calls: spec.md §5 caps outbound FCM calls at ≤30s.
var fcmHTTPClient = &http.Client{Timeout: 30 * time.Second}

func (e *Engine) runPushWorker(ctx context.Context) {
	keys := keysFor(QueuePush)
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
			continue
		}

		var job PushJob
		if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
			logging.Default().WithError(err).Error("cannot decode push job")
			continue
		}

		_ = runWithRecover(ctx, "push job "+job.ID, func() error {
			e.processPushJob(ctx, keys, job)
			return nil
		})
	}
}

// processPushJob implements the push worker algorithm of spec.md §4.7
// steps 1-5: load devices, exchange an OAuth bearer, send per device,
// self-heal dead tokens, and write the audit row. Push jobs always retry
// under the fixed 3-attempt exponential-from-1s policy, independent of
// any named policy.
func (e *Engine) processPushJob(ctx context.Context, keys redisKeys, job PushJob) {
	devices, err := e.pushDep.LoadActiveDevices(ctx, job.ProjectSlug, job.UserID)
	if err != nil {
		e.retryOrFailPush(ctx, keys, job, err)
		return
	}
	if len(devices) == 0 {
		e.recordOutcome(ctx, keys, job.ID, false)
		e.audit(ctx, job, "no_devices", 0, 0, "")
		return
	}

	creds, err := e.pushDep.LoadFCMCredentials(ctx, job.ProjectSlug)
	if err != nil || creds.ProjectID == "" {
		e.retryOrFailPush(ctx, keys, job, fmt.Errorf("fcm credentials unavailable: %w", err))
		return
	}

	bearer, err := mintFCMBearer(creds)
	if err != nil {
		e.retryOrFailPush(ctx, keys, job, err)
		return
	}

	sent, failed := 0, 0
	for _, d := range devices {
		status, err := sendFCM(ctx, bearer, creds.ProjectID, d, job)
		if err != nil {
			failed++
			logging.Default().WithError(err).Warnf("fcm send failed for device %s", d.Token)
			continue
		}
		if status == fcmStatusUnregistered {
			if derr := e.pushDep.DeleteDevice(ctx, job.ProjectSlug, d.UserID, d.Token); derr != nil {
				logging.Default().WithError(derr).Warn("cannot prune unregistered device")
			}
			continue
		}
		sent++
	}

	e.recordOutcome(ctx, keys, job.ID, failed > 0 && sent == 0)
	switch {
	case sent == 0 && failed == 0:
		e.audit(ctx, job, "completed", sent, failed, "")
	case sent > 0 && failed > 0:
		e.audit(ctx, job, "partial", sent, failed, "")
	case sent == 0:
		e.audit(ctx, job, "failed", sent, failed, "all device sends failed")
	default:
		e.audit(ctx, job, "completed", sent, failed, "")
	}
}

func (e *Engine) retryOrFailPush(ctx context.Context, keys redisKeys, job PushJob, cause error) {
	if job.Attempt+1 < pushPolicy.attempts {
		job.Attempt++
		payload, _ := json.Marshal(job)
		if err := e.schedule(ctx, keys, payload, pushPolicy.backoff(job.Attempt)); err != nil {
			logging.Default().WithError(err).Error("cannot schedule push retry")
		}
		return
	}
	e.recordOutcome(ctx, keys, job.ID, true)
	e.audit(ctx, job, "failed", 0, 0, cause.Error())
}

func (e *Engine) audit(ctx context.Context, job PushJob, status string, sent, failed int, errMsg string) {
	err := e.pushDep.RecordPushAudit(ctx, PushAudit{
		JobID:       job.ID,
		ProjectSlug: job.ProjectSlug,
		UserID:      job.UserID,
		Status:      status,
		Sent:        sent,
		Failed:      failed,
		Error:       errMsg,
	})
	if err != nil {
		logging.Default().WithError(err).Warn("cannot record push audit row")
	}
}

// fcmClaims are the RS256 assertion's claims for the service-account OAuth
// exchange (spec.md §4.7 step 3: scope=firebase.messaging, aud matches the
// token endpoint, 1h expiry).
type fcmClaims struct {
	Scope string `json:"scope"`
	jwt.StandardClaims
}

func mintFCMBearer(creds FCMCredentials) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(creds.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("parsing FCM service account key: %w", err)
	}

	now := time.Now()
	claims := fcmClaims{
		Scope: fcmScope,
		StandardClaims: jwt.StandardClaims{
			Issuer:    creds.ClientEmail,
			Subject:   creds.ClientEmail,
			Audience:  fcmAudience,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(time.Hour).Unix(),
		},
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing FCM assertion: %w", err)
	}

	return exchangeForBearer(assertion)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func exchangeForBearer(assertion string) (string, error) {
	form := "grant_type=urn:ietf:params:oauth:grant-type:jwt-bearer&assertion=" + assertion
	req, err := http.NewRequest(http.MethodPost, fcmTokenURL, strings.NewReader(form))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := fcmHTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK || out.AccessToken == "" {
		return "", fmt.Errorf("oauth token exchange failed with status %d", resp.StatusCode)
	}
	return out.AccessToken, nil
}

type fcmSendStatus int

const (
	fcmStatusOK fcmSendStatus = iota
	fcmStatusUnregistered
	fcmStatusOtherError
)

type fcmMessage struct {
	Message fcmMessageBody `json:"message"`
}

type fcmMessageBody struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// sendFCM POSTs a single message to FCM HTTP v1 (spec.md §4.7 step 4) and
// classifies the result for self-healing (step 5). The message has the same
// shape for every device; d.Platform does not change the payload.
func sendFCM(ctx context.Context, bearer, projectID string, d Device, job PushJob) (fcmSendStatus, error) {
	body, err := json.Marshal(fcmMessage{Message: fcmMessageBody{
		Token: d.Token,
		Notification: fcmNotification{
			Title: job.Title,
			Body:  job.Body,
		},
		Data: job.Data,
	}})
	if err != nil {
		return fcmStatusOtherError, err
	}

	url := fmt.Sprintf(fcmSendURLFormat, projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fcmStatusOtherError, err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := fcmHTTPClient.Do(req)
	if err != nil {
		return fcmStatusOtherError, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return fcmStatusOK, nil
	}
	if resp.StatusCode == http.StatusNotFound || isUnregisteredFCMError(resp) {
		return fcmStatusUnregistered, nil
	}
	return fcmStatusOtherError, fmt.Errorf("fcm responded %d", resp.StatusCode)
}

type fcmErrorBody struct {
	Error struct {
		Status  string `json:"status"`
		Details []struct {
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

// isUnregisteredFCMError inspects the FCM error body for the
// UNREGISTERED errorCode FCM returns on a dead token with a 400 status
// rather than 404.
func isUnregisteredFCMError(resp *http.Response) bool {
	var body fcmErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	for _, d := range body.Error.Details {
		if d.ErrorCode == "UNREGISTERED" {
			return true
		}
	}
	return false
}

