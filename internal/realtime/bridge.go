// Package realtime implements the Realtime Bridge: one dedicated,
// pool-bypassing LISTEN/NOTIFY connection per tenant with ≥1 active SSE
// subscriber, fanning out change events as they arrive.
//
// The per-connection subscriber bookkeeping (an RWMutex-guarded map keyed
// by a generated client ID) follows the same pattern the teacher's
// iot/broker package uses for per-connection device bookkeeping
// (deviceIdsRwmux / deviceIds), re-expressed over SSE clients instead of
// MQTT device connections. The dedicated LISTEN connection itself is
// lib/pq's own pq.Listener -- the teacher's own driver, used here for the
// one thing a transaction-mode pooler cannot do.
package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/cascata/gateway/internal/errors"
)

// MaxSubscribersPerTenant is the hard cap on live SSE subscribers for one
// tenant (spec.md §4.6).
const MaxSubscribersPerTenant = 5000

// Event is the JSON payload carried by pg_notify('cascata_events', ...).
type Event struct {
	Table     string          `json:"table"`
	Schema    string          `json:"schema"`
	Action    string          `json:"action"`
	RecordID  json.RawMessage `json:"record_id"`
	Timestamp string          `json:"timestamp"`
}

// Subscriber is one connected SSE client.
type Subscriber struct {
	ID          string
	TableFilter string
	out         chan []byte
}

// notifyListener is the subset of *pq.Listener's surface the bridge
// depends on, so tests can substitute a fake without a real database.
type notifyListener interface {
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

type pqListenerAdapter struct{ l *pq.Listener }

func (a *pqListenerAdapter) NotificationChannel() <-chan *pq.Notification { return a.l.Notify }
func (a *pqListenerAdapter) Close() error                                 { return a.l.Close() }

// defaultOpener opens a real dedicated LISTEN connection against
// connStr. connStr is used as given: its sslmode alone decides whether
// and how the connection uses TLS.
func defaultOpener(connStr string) (notifyListener, error) {
	l := pq.NewListener(connStr, 10*time.Second, time.Minute, nil)
	if err := l.Listen("cascata_events"); err != nil {
		l.Close()
		return nil, err
	}
	return &pqListenerAdapter{l: l}, nil
}

// tenantBridge is the per-tenant LISTEN session plus its subscriber set.
type tenantBridge struct {
	slug        string
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	listener    notifyListener
	stop        chan struct{}
	stopOnce    sync.Once
	onEvent     func(slug string, evt Event)
}

// Bridge is the process-wide registry of per-tenant realtime bridges.
type Bridge struct {
	mu      sync.Mutex
	tenants map[string]*tenantBridge
	opener  func(connStr string) (notifyListener, error)

	// OnEvent, if set, is invoked for every row-change notification a
	// tenant bridge receives, in addition to SSE fan-out. The Notification
	// Rule Engine attaches itself here so that rule matching runs off the
	// same LISTEN feed without the realtime package depending on it.
	OnEvent func(slug string, evt Event)
}

// New builds an empty Bridge registry.
func New() *Bridge {
	return &Bridge{
		tenants: make(map[string]*tenantBridge),
		opener:  defaultOpener,
	}
}

// Subscribe registers a new subscriber for slug, starting the tenant's
// LISTEN session on first subscriber. tableFilter, if non-empty,
// restricts delivery to events on that table.
func (b *Bridge) Subscribe(slug, connStr, tableFilter string) (*Subscriber, error) {
	b.mu.Lock()
	tb, ok := b.tenants[slug]
	if !ok {
		listener, err := b.opener(connStr)
		if err != nil {
			b.mu.Unlock()
			return nil, errors.Wrap(errors.KindBadGateway, "cannot start realtime listener", err)
		}
		tb = &tenantBridge{
			slug:        slug,
			subscribers: make(map[string]*Subscriber),
			listener:    listener,
			stop:        make(chan struct{}),
			onEvent:     b.OnEvent,
		}
		b.tenants[slug] = tb
		go tb.pump()
	}
	b.mu.Unlock()

	tb.mu.Lock()
	defer tb.mu.Unlock()
	if len(tb.subscribers) >= MaxSubscribersPerTenant {
		return nil, errors.New(errors.KindRateLimited, "too many realtime subscribers for this project")
	}
	sub := &Subscriber{
		ID:          uuid.NewString(),
		TableFilter: tableFilter,
		out:         make(chan []byte, 16),
	}
	tb.subscribers[sub.ID] = sub
	return sub, nil
}

// Unsubscribe removes a subscriber. If it was the last one, the tenant's
// LISTEN session is torn down.
func (b *Bridge) Unsubscribe(slug string, subscriberID string) {
	b.mu.Lock()
	tb, ok := b.tenants[slug]
	b.mu.Unlock()
	if !ok {
		return
	}

	tb.mu.Lock()
	delete(tb.subscribers, subscriberID)
	empty := len(tb.subscribers) == 0
	tb.mu.Unlock()

	if empty {
		b.teardown(slug, tb)
	}
}

func (b *Bridge) teardown(slug string, tb *tenantBridge) {
	b.mu.Lock()
	if current, ok := b.tenants[slug]; ok && current == tb {
		delete(b.tenants, slug)
	}
	b.mu.Unlock()
	tb.stopOnce.Do(func() { close(tb.stop) })
	tb.listener.Close()
}

// pump reads notifications off the tenant's LISTEN connection and fans
// them out to matching subscribers, in delivery order (spec.md §5).
func (tb *tenantBridge) pump() {
	for {
		select {
		case <-tb.stop:
			return
		case n, ok := <-tb.listener.NotificationChannel():
			if !ok {
				return
			}
			if n == nil {
				continue // connection re-established notice, nothing to fan out
			}
			tb.fanOut([]byte(n.Extra))
		}
	}
}

func (tb *tenantBridge) fanOut(payload []byte) {
	var evt Event
	table := ""
	if err := json.Unmarshal(payload, &evt); err == nil {
		table = evt.Table
	}

	tb.mu.RLock()
	for _, sub := range tb.subscribers {
		if sub.TableFilter != "" && sub.TableFilter != table {
			continue
		}
		select {
		case sub.out <- payload:
		default:
			// a slow subscriber drops the frame rather than blocking fan-out
			// for every other subscriber.
		}
	}
	tb.mu.RUnlock()

	if tb.onEvent != nil {
		tb.onEvent(tb.slug, evt)
	}
}

// SubscriberCount reports how many live subscribers slug currently has.
func (b *Bridge) SubscriberCount(slug string) int {
	b.mu.Lock()
	tb, ok := b.tenants[slug]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return len(tb.subscribers)
}

// IsListening reports whether slug currently has an active LISTEN
// session (state machine "Listening" vs. "Down", spec.md §4.9).
func (b *Bridge) IsListening(slug string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.tenants[slug]
	return ok
}

// Out returns the channel a connected HTTP handler should read frames
// from for delivery to its client.
func (s *Subscriber) Out() <-chan []byte {
	return s.out
}
