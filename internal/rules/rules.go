// Package rules implements the Notification Rule Engine: matching a
// realtime row-change event against a tenant's configured rules, rendering
// push templates from the changed row, and enqueueing the result into the
// Job Engine. It never sends a notification synchronously.
//
// Grounded on the teacher's core/backend/jobs.go
// HandleResourceNotification/callback-key dispatch -- a NOTIFY payload
// looked up against a small in-memory table of registered handlers -- here
// re-targeted at rule rows loaded from the control database instead of
// statically registered Go callbacks.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/cascata/gateway/internal/jobs"
	"github.com/cascata/gateway/internal/logging"
	"github.com/cascata/gateway/internal/realtime"
)

// Action is the row-change kind a rule can bind to.
type Action string

const (
	ActionInsert Action = "INSERT"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
	ActionAll    Action = "ALL"
)

// Matches reports whether a rule bound to Action ruleAction fires for an
// observed event action.
func (ruleAction Action) Matches(eventAction string) bool {
	return ruleAction == ActionAll || string(ruleAction) == eventAction
}

// Condition is one `{field, op, value}` clause; every condition on a rule
// must match for the rule to fire.
type Condition struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value string `json:"value"`
}

// Rule is a control-plane record binding (project, table, event) to a
// templated push notification.
type Rule struct {
	ID              string            `json:"id"`
	ProjectSlug     string            `json:"project_slug"`
	Table           string            `json:"table"`
	Event           Action            `json:"event"`
	RecipientColumn string            `json:"recipient_column"`
	TitleTemplate   string            `json:"title_template"`
	BodyTemplate    string            `json:"body_template"`
	Conditions      []Condition       `json:"conditions,omitempty"`
	DataPayload     map[string]string `json:"data_payload,omitempty"`
	Active          bool              `json:"active"`
}

// Store loads the active rules a gateway-wide or per-project configuration
// holds for a given table/event pair.
type Store interface {
	LoadActiveRules(ctx context.Context, slug, table, action string) ([]Rule, error)
}

// RowFetcher retrieves the fresh row a notification refers to, by primary
// key. Not called for DELETE events, since the row no longer exists.
type RowFetcher interface {
	FetchRowByID(ctx context.Context, slug, table string, id json.RawMessage) (map[string]interface{}, error)
}

// PushEnqueuer is the subset of the Job Engine the rule engine needs: it
// only ever enqueues, never sends.
type PushEnqueuer interface {
	EnqueuePush(ctx context.Context, job jobs.PushJob) error
}

// Engine evaluates realtime events against a tenant's notification rules.
type Engine struct {
	store Store
	rows  RowFetcher
	push  PushEnqueuer
}

// New builds a rule Engine against the given dependencies.
func New(store Store, rows RowFetcher, push PushEnqueuer) *Engine {
	return &Engine{store: store, rows: rows, push: push}
}

// HandleEvent implements spec.md §4.8: load matching rules, fetch the
// fresh row (skipped for DELETE), evaluate conditions, resolve the
// recipient, render templates, and enqueue. Attach as a realtime.Bridge's
// OnEvent hook to run off the same LISTEN feed the SSE fan-out uses.
func (e *Engine) HandleEvent(ctx context.Context, slug string, evt realtime.Event) {
	if evt.Table == "" {
		return
	}
	rules, err := e.store.LoadActiveRules(ctx, slug, evt.Table, evt.Action)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warn("cannot load notification rules")
		return
	}
	if len(rules) == 0 {
		return
	}

	var row map[string]interface{}
	if evt.Action != string(ActionDelete) {
		row, err = e.rows.FetchRowByID(ctx, slug, evt.Table, evt.RecordID)
		if err != nil {
			logging.FromContext(ctx).WithError(err).Warn("cannot fetch row for notification rule evaluation")
			return
		}
	}

	for _, rule := range rules {
		if !rule.Active || !rule.Event.Matches(evt.Action) {
			continue
		}
		if !conditionsMatch(rule.Conditions, row) {
			continue
		}
		userID, ok := resolveRecipient(rule, row, evt.RecordID)
		if !ok {
			continue
		}

		job := jobs.PushJob{
			ID:          uuid.NewString(),
			ProjectSlug: slug,
			UserID:      userID,
			Title:       renderTemplate(rule.TitleTemplate, row),
			Body:        renderTemplate(rule.BodyTemplate, row),
			Data:        renderDataPayload(rule.DataPayload, row),
		}
		if err := e.push.EnqueuePush(ctx, job); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("cannot enqueue rule-driven push job")
		}
	}
}

// resolveRecipient resolves user_id = row[rule.RecipientColumn]. DELETE
// events carry no fresh row; the only case a rule can still resolve a
// recipient for is recipient_column == "id", using the notification's own
// record id.
func resolveRecipient(rule Rule, row map[string]interface{}, recordID json.RawMessage) (string, bool) {
	if row != nil {
		v, ok := row[rule.RecipientColumn]
		if !ok || v == nil {
			return "", false
		}
		return fmt.Sprint(v), true
	}
	if rule.RecipientColumn == "id" && len(recordID) > 0 {
		return strings.Trim(string(recordID), `"`), true
	}
	return "", false
}

// conditionsMatch reports whether every condition matches row. A rule with
// no conditions always matches. A nil row (DELETE events) matches only a
// rule with no conditions, since there is no fresh data to evaluate them
// against.
func conditionsMatch(conditions []Condition, row map[string]interface{}) bool {
	if len(conditions) == 0 {
		return true
	}
	if row == nil {
		return false
	}
	for _, c := range conditions {
		if !evaluateCondition(c, row) {
			return false
		}
	}
	return true
}

func evaluateCondition(c Condition, row map[string]interface{}) bool {
	actual, ok := row[c.Field]
	actualStr := ""
	if ok && actual != nil {
		actualStr = fmt.Sprint(actual)
	}

	switch c.Op {
	case "eq":
		return actualStr == c.Value
	case "neq":
		return actualStr != c.Value
	case "gt", "gte", "lt", "lte":
		return compareNumeric(actualStr, c.Value, c.Op)
	case "like", "ilike":
		return matchesLike(actualStr, c.Value, c.Op == "ilike")
	case "is":
		switch strings.ToLower(c.Value) {
		case "null":
			return !ok || actual == nil
		case "true":
			return actualStr == "true"
		case "false":
			return actualStr == "false"
		}
		return false
	case "in":
		for _, v := range strings.Split(c.Value, ",") {
			if strings.TrimSpace(v) == actualStr {
				return true
			}
		}
		return false
	default:
		return actualStr == c.Value
	}
}

func compareNumeric(actual, want, op string) bool {
	a, aOK := parseNumber(actual)
	w, wOK := parseNumber(want)
	if !aOK || !wOK {
		return false
	}
	switch op {
	case "gt":
		return a > w
	case "gte":
		return a >= w
	case "lt":
		return a < w
	case "lte":
		return a <= w
	}
	return false
}

func parseNumber(s string) (float64, bool) {
	var f float64
	n, err := fmt.Sscanf(s, "%g", &f)
	return f, err == nil && n == 1
}

func matchesLike(actual, pattern string, caseInsensitive bool) bool {
	if caseInsensitive {
		actual = strings.ToLower(actual)
		pattern = strings.ToLower(pattern)
	}
	pattern = strings.ReplaceAll(pattern, "*", "%")
	if !strings.Contains(pattern, "%") {
		return actual == pattern
	}
	prefix, suffix, cut := strings.Cut(pattern, "%")
	if !cut {
		return actual == pattern
	}
	return strings.HasPrefix(actual, prefix) && strings.HasSuffix(actual, suffix)
}

// renderTemplate replaces every {{field}} occurrence with the stringified
// field value from row, or an empty string for a missing/null field.
func renderTemplate(tmpl string, row map[string]interface{}) string {
	if tmpl == "" {
		return ""
	}
	var b strings.Builder
	rest := tmpl
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end == -1 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		field := strings.TrimSpace(rest[start+2 : start+end])
		b.WriteString(fieldValue(row, field))
		rest = rest[start+end+2:]
	}
	return b.String()
}

func fieldValue(row map[string]interface{}, field string) string {
	if row == nil {
		return ""
	}
	v, ok := row[field]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func renderDataPayload(data map[string]string, row map[string]interface{}) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = renderTemplate(v, row)
	}
	return out
}
