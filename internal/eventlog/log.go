// Package eventlog provides the bridge's bounded, replayable event log.
//
// The log is an in-memory ring: appends assign monotonically increasing
// ids starting at 0, the oldest entries are evicted once the configured
// capacity is exceeded, and subscribers are notified synchronously
// inside Append so they observe events in append order.
package eventlog

import (
	"log/slog"
	"sync"
	"time"

	"github.com/user/clawbridge/internal/types"
)

// Log is a bounded FIFO of events with live subscription.
//
// dispatchMu serializes whole appends (id assignment through fan-out)
// so concurrent appenders cannot deliver to a subscriber out of id
// order. mu guards the ring and subscriber set only; Subscribe and
// cancel take just mu, so a callback may unsubscribe without
// deadlocking. Callbacks must not append.
type Log struct {
	dispatchMu sync.Mutex

	mu      sync.Mutex
	max     int
	nextID  uint64
	events  []types.Event
	subs    map[int]func(types.Event)
	nextSub int
	now     func() time.Time
}

// New creates a Log retaining at most max events.
func New(max int) *Log {
	if max <= 0 {
		max = 2000
	}
	return &Log{
		max:  max,
		subs: make(map[int]func(types.Event)),
		now:  time.Now,
	}
}

// Append assigns an id and timestamp to a new event, stores it,
// and notifies all subscribers before returning. It never fails: a
// panicking subscriber is logged and skipped so one bad subscriber
// cannot break ingestion or starve the others.
func (l *Log) Append(sessionID types.SessionID, typ types.EventType, payload map[string]any) types.Event {
	l.dispatchMu.Lock()
	defer l.dispatchMu.Unlock()

	l.mu.Lock()

	event := types.Event{
		ID:        l.nextID,
		TS:        types.EpochMillis(l.now()),
		SessionID: sessionID,
		Type:      typ,
		Payload:   payload,
	}
	l.nextID++

	l.events = append(l.events, event)
	if len(l.events) > l.max {
		l.events = l.events[len(l.events)-l.max:]
	}

	// Snapshot subscribers so a callback that unsubscribes (itself or
	// another) doesn't mutate the map mid-iteration.
	fns := make([]func(types.Event), 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		notify(fn, event)
	}

	return event
}

func notify(fn func(types.Event), event types.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("event subscriber panicked", "event_id", event.ID, "panic", r)
		}
	}()
	fn(event)
}

// After returns all retained events with id strictly greater than
// afterID, oldest first. Pass -1 to get everything currently retained.
// Events already evicted from the ring are silently absent.
func (l *Log) After(afterID int64) []types.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Events are stored in id order, so binary-search-free scan from
	// the front is fine at ring sizes; find the first id > afterID.
	start := len(l.events)
	for i, event := range l.events {
		if int64(event.ID) > afterID {
			start = i
			break
		}
	}

	out := make([]types.Event, len(l.events)-start)
	copy(out, l.events[start:])
	return out
}

// Subscribe registers fn to be called synchronously for every
// subsequent append. The returned cancel function removes the
// subscription; it is safe to call more than once.
func (l *Log) Subscribe(fn func(types.Event)) (cancel func()) {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

// Len returns the number of events currently retained.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// NextID returns the id the next append will receive. Used by the
// health endpoint and the session history close path.
func (l *Log) NextID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextID
}

// SetNow overrides the clock. Test hook.
func (l *Log) SetNow(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

var _ types.EventSink = (*Log)(nil)
