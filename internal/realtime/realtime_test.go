package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/lib/pq"
)

type fakeListener struct {
	ch     chan *pq.Notification
	closed bool
}

func newFakeListener() *fakeListener {
	return &fakeListener{ch: make(chan *pq.Notification, 16)}
}

func (f *fakeListener) NotificationChannel() <-chan *pq.Notification { return f.ch }
func (f *fakeListener) Close() error                                 { f.closed = true; close(f.ch); return nil }

func (f *fakeListener) notify(payload string) {
	f.ch <- &pq.Notification{Channel: "cascata_events", Extra: payload}
}

func newTestBridge(fl *fakeListener) *Bridge {
	b := New()
	b.opener = func(connStr string) (notifyListener, error) { return fl, nil }
	return b
}

func TestSubscribeStartsListenerOnce(t *testing.T) {
	fl := newFakeListener()
	b := newTestBridge(fl)

	sub1, err := b.Subscribe("acme", "dsn", "")
	if err != nil {
		t.Fatal(err)
	}
	sub2, err := b.Subscribe("acme", "dsn", "")
	if err != nil {
		t.Fatal(err)
	}
	if sub1.ID == sub2.ID {
		t.Fatal("expected distinct subscriber IDs")
	}
	if b.SubscriberCount("acme") != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.SubscriberCount("acme"))
	}
	if !b.IsListening("acme") {
		t.Fatal("expected tenant bridge to be listening")
	}
}

func TestUnsubscribeLastSubscriberTearsDownListener(t *testing.T) {
	fl := newFakeListener()
	b := newTestBridge(fl)

	sub, err := b.Subscribe("acme", "dsn", "")
	if err != nil {
		t.Fatal(err)
	}
	b.Unsubscribe("acme", sub.ID)

	if b.IsListening("acme") {
		t.Fatal("expected listener to be torn down once subscribers reach zero")
	}
	if !fl.closed {
		t.Fatal("expected underlying listener to be closed")
	}
}

func TestFanOutRespectsTableFilter(t *testing.T) {
	fl := newFakeListener()
	b := newTestBridge(fl)

	matching, err := b.Subscribe("acme", "dsn", "customers")
	if err != nil {
		t.Fatal(err)
	}
	other, err := b.Subscribe("acme", "dsn", "orders")
	if err != nil {
		t.Fatal(err)
	}

	payload, _ := json.Marshal(Event{Table: "customers", Action: "INSERT"})
	fl.notify(string(payload))

	select {
	case got := <-matching.Out():
		if string(got) != string(payload) {
			t.Fatalf("got %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected matching subscriber to receive the event")
	}

	select {
	case got := <-other.Out():
		t.Fatalf("expected non-matching subscriber to receive nothing, got %s", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFanOutWithNoFilterReceivesEverything(t *testing.T) {
	fl := newFakeListener()
	b := newTestBridge(fl)

	sub, err := b.Subscribe("acme", "dsn", "")
	if err != nil {
		t.Fatal(err)
	}
	payload, _ := json.Marshal(Event{Table: "anything", Action: "UPDATE"})
	fl.notify(string(payload))

	select {
	case <-sub.Out():
	case <-time.After(time.Second):
		t.Fatal("expected unfiltered subscriber to receive the event")
	}
}

func TestSubscribeRejectsOverCap(t *testing.T) {
	fl := newFakeListener()
	b := newTestBridge(fl)

	for i := 0; i < MaxSubscribersPerTenant; i++ {
		if _, err := b.Subscribe("acme", "dsn", ""); err != nil {
			t.Fatalf("unexpected error at subscriber %d: %v", i, err)
		}
	}
	if _, err := b.Subscribe("acme", "dsn", ""); err == nil {
		t.Fatal("expected the subscriber cap to be enforced")
	}
}
