package rules

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cascata/gateway/internal/jobs"
	"github.com/cascata/gateway/internal/realtime"
)

type fakeStore struct {
	rules []Rule
}

func (f *fakeStore) LoadActiveRules(ctx context.Context, slug, table, action string) ([]Rule, error) {
	return f.rules, nil
}

type fakeRows struct {
	row map[string]interface{}
	err error
}

func (f *fakeRows) FetchRowByID(ctx context.Context, slug, table string, id json.RawMessage) (map[string]interface{}, error) {
	return f.row, f.err
}

type fakePush struct {
	jobs []jobs.PushJob
}

func (f *fakePush) EnqueuePush(ctx context.Context, job jobs.PushJob) error {
	f.jobs = append(f.jobs, job)
	return nil
}

func TestHandleEventRendersTemplatesAndEnqueues(t *testing.T) {
	store := &fakeStore{rules: []Rule{{
		ID:              "r1",
		Table:           "orders",
		Event:           ActionInsert,
		Active:          true,
		RecipientColumn: "user_id",
		TitleTemplate:   "Order {{id}}",
		BodyTemplate:    "Status {{status}}",
	}}}
	rows := &fakeRows{row: map[string]interface{}{"id": float64(42), "user_id": "u1", "status": "paid"}}
	push := &fakePush{}
	e := New(store, rows, push)

	e.HandleEvent(context.Background(), "acme", realtime.Event{Table: "orders", Action: "INSERT", RecordID: json.RawMessage(`42`)})

	if len(push.jobs) != 1 {
		t.Fatalf("expected 1 enqueued job, got %d", len(push.jobs))
	}
	got := push.jobs[0]
	if got.UserID != "u1" || got.Title != "Order 42" || got.Body != "Status paid" {
		t.Fatalf("unexpected rendered job: %+v", got)
	}
	if got.ProjectSlug != "acme" {
		t.Fatalf("expected project slug to be carried through, got %s", got.ProjectSlug)
	}
}

func TestHandleEventSkipsWhenEventDoesNotMatch(t *testing.T) {
	store := &fakeStore{rules: []Rule{{Table: "orders", Event: ActionInsert, Active: true, RecipientColumn: "user_id"}}}
	push := &fakePush{}
	e := New(store, &fakeRows{row: map[string]interface{}{}}, push)

	e.HandleEvent(context.Background(), "acme", realtime.Event{Table: "orders", Action: "UPDATE", RecordID: json.RawMessage(`1`)})

	if len(push.jobs) != 0 {
		t.Fatal("expected no job for a non-matching event action")
	}
}

func TestHandleEventAllMatchesEveryAction(t *testing.T) {
	store := &fakeStore{rules: []Rule{{Table: "orders", Event: ActionAll, Active: true, RecipientColumn: "user_id"}}}
	rows := &fakeRows{row: map[string]interface{}{"user_id": "u1"}}
	push := &fakePush{}
	e := New(store, rows, push)

	e.HandleEvent(context.Background(), "acme", realtime.Event{Table: "orders", Action: "UPDATE", RecordID: json.RawMessage(`1`)})

	if len(push.jobs) != 1 {
		t.Fatal("expected ALL-bound rule to match any action")
	}
}

func TestHandleEventSkipsInactiveRules(t *testing.T) {
	store := &fakeStore{rules: []Rule{{Table: "orders", Event: ActionInsert, Active: false, RecipientColumn: "user_id"}}}
	push := &fakePush{}
	e := New(store, &fakeRows{row: map[string]interface{}{"user_id": "u1"}}, push)

	e.HandleEvent(context.Background(), "acme", realtime.Event{Table: "orders", Action: "INSERT", RecordID: json.RawMessage(`1`)})

	if len(push.jobs) != 0 {
		t.Fatal("expected inactive rule to never fire")
	}
}

func TestHandleEventEvaluatesConditions(t *testing.T) {
	store := &fakeStore{rules: []Rule{{
		Table: "orders", Event: ActionInsert, Active: true, RecipientColumn: "user_id",
		Conditions: []Condition{{Field: "status", Op: "eq", Value: "paid"}},
	}}}
	push := &fakePush{}
	e := New(store, &fakeRows{row: map[string]interface{}{"user_id": "u1", "status": "pending"}}, push)

	e.HandleEvent(context.Background(), "acme", realtime.Event{Table: "orders", Action: "INSERT", RecordID: json.RawMessage(`1`)})
	if len(push.jobs) != 0 {
		t.Fatal("expected a non-matching condition to suppress the rule")
	}
}

func TestHandleEventSkipsRowFetchOnDelete(t *testing.T) {
	store := &fakeStore{rules: []Rule{{Table: "orders", Event: ActionDelete, Active: true, RecipientColumn: "id"}}}
	rows := &fakeRows{err: errAlways{}}
	push := &fakePush{}
	e := New(store, rows, push)

	e.HandleEvent(context.Background(), "acme", realtime.Event{Table: "orders", Action: "DELETE", RecordID: json.RawMessage(`"abc-123"`)})

	if len(push.jobs) != 1 {
		t.Fatalf("expected DELETE rule resolving recipient from record id to still enqueue, got %d jobs", len(push.jobs))
	}
	if push.jobs[0].UserID != "abc-123" {
		t.Fatalf("expected record id as user id, got %q", push.jobs[0].UserID)
	}
}

type errAlways struct{}

func (errAlways) Error() string { return "row fetch must not be called for DELETE" }

func TestHandleEventNoRulesIsNoop(t *testing.T) {
	store := &fakeStore{}
	push := &fakePush{}
	e := New(store, &fakeRows{}, push)

	e.HandleEvent(context.Background(), "acme", realtime.Event{Table: "orders", Action: "INSERT", RecordID: json.RawMessage(`1`)})
	if len(push.jobs) != 0 {
		t.Fatal("expected no rules to mean no jobs")
	}
}

func TestRenderTemplateHandlesMissingFields(t *testing.T) {
	row := map[string]interface{}{"id": 1}
	got := renderTemplate("id={{id}} name={{name}}", row)
	if got != "id=1 name=" {
		t.Fatalf("unexpected render: %q", got)
	}
}
