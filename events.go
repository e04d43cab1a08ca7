package lottery

import (
	"sync"
	"time"
)

// Event is an observable log entry with a stable name and ordered arguments
type Event interface {
	EventName() string
	Args() []any
}

// Entered is emitted when a player joins the current round
type Entered struct {
	Player Address `json:"player"`
}

func (e Entered) EventName() string { return "Entered" }
func (e Entered) Args() []any       { return []any{e.Player} }

// DrawRequested is emitted when a draw has asked the oracle for randomness
type DrawRequested struct {
	RequestID uint64 `json:"request_id"`
}

func (e DrawRequested) EventName() string { return "DrawRequested" }
func (e DrawRequested) Args() []any       { return []any{e.RequestID} }

// WinnerPicked is emitted once a round is closed
type WinnerPicked struct {
	Winner Address `json:"winner"`
}

func (e WinnerPicked) EventName() string { return "WinnerPicked" }
func (e WinnerPicked) Args() []any       { return []any{e.Winner} }

// SubscriptionCreated is emitted by the oracle for every new subscription
type SubscriptionCreated struct {
	SubscriptionID uint64 `json:"subscription_id"`
}

func (e SubscriptionCreated) EventName() string { return "SubscriptionCreated" }
func (e SubscriptionCreated) Args() []any       { return []any{e.SubscriptionID} }

// SubscriptionFunded is emitted when a subscription balance grows
type SubscriptionFunded struct {
	SubscriptionID uint64 `json:"subscription_id"`
	OldBalance     uint64 `json:"old_balance"`
	NewBalance     uint64 `json:"new_balance"`
}

func (e SubscriptionFunded) EventName() string { return "SubscriptionFunded" }
func (e SubscriptionFunded) Args() []any {
	return []any{e.SubscriptionID, e.OldBalance, e.NewBalance}
}

// SubscriptionCanceled is emitted when a subscription is removed
type SubscriptionCanceled struct {
	SubscriptionID uint64 `json:"subscription_id"`
}

func (e SubscriptionCanceled) EventName() string { return "SubscriptionCanceled" }
func (e SubscriptionCanceled) Args() []any       { return []any{e.SubscriptionID} }

// ConsumerAdded is emitted when a consumer is newly authorized
type ConsumerAdded struct {
	SubscriptionID uint64  `json:"subscription_id"`
	Consumer       Address `json:"consumer"`
}

func (e ConsumerAdded) EventName() string { return "ConsumerAdded" }
func (e ConsumerAdded) Args() []any       { return []any{e.SubscriptionID, e.Consumer} }

// ConsumerRemoved is emitted when a consumer loses its authorization
type ConsumerRemoved struct {
	SubscriptionID uint64  `json:"subscription_id"`
	Consumer       Address `json:"consumer"`
}

func (e ConsumerRemoved) EventName() string { return "ConsumerRemoved" }
func (e ConsumerRemoved) Args() []any       { return []any{e.SubscriptionID, e.Consumer} }

// RandomnessRequested is emitted by the oracle for every accepted request.
// Callers read RequestID from it.
type RandomnessRequested struct {
	RequestID      uint64 `json:"request_id"`
	SubscriptionID uint64 `json:"subscription_id"`
}

func (e RandomnessRequested) EventName() string { return "RandomnessRequested" }
func (e RandomnessRequested) Args() []any       { return []any{e.RequestID, e.SubscriptionID} }

// RandomWordsFulfilled is emitted after a delivery attempt
type RandomWordsFulfilled struct {
	RequestID uint64 `json:"request_id"`
	Success   bool   `json:"success"`
}

func (e RandomWordsFulfilled) EventName() string { return "RandomWordsFulfilled" }
func (e RandomWordsFulfilled) Args() []any       { return []any{e.RequestID, e.Success} }

// LoggedEvent is an Event with its position and emission time
type LoggedEvent struct {
	Index int
	Time  time.Time
	Event Event
}

// EventLog is an append-only, in-memory record of events with optional subscribers
type EventLog struct {
	mu          sync.RWMutex
	entries     []LoggedEvent
	subscribers []func(Event)
}

// NewEventLog creates an empty event log
func NewEventLog() *EventLog {
	return &EventLog{}
}

// Subscribe registers fn to be called for every event emitted afterwards
func (l *EventLog) Subscribe(fn func(Event)) {
	if fn == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.subscribers = append(l.subscribers, fn)
}

// Emit records and publishes events
func (l *EventLog) Emit(at time.Time, events ...Event) {
	l.record(at, events...)
	l.publish(events...)
}

// record appends events without notifying subscribers
func (l *EventLog) record(at time.Time, events ...Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range events {
		l.entries = append(l.entries, LoggedEvent{Index: len(l.entries), Time: at, Event: e})
	}
}

// publish notifies subscribers. It must not run under the emitter's own lock.
func (l *EventLog) publish(events ...Event) {
	l.mu.RLock()
	subs := make([]func(Event), len(l.subscribers))
	copy(subs, l.subscribers)
	l.mu.RUnlock()

	for _, e := range events {
		for _, fn := range subs {
			fn(e)
		}
	}
}

// Events returns a copy of all recorded events in emission order
func (l *EventLog) Events() []LoggedEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]LoggedEvent, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of recorded events
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.entries)
}

// Last returns the most recent event called name
func (l *EventLog) Last(name string) (Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Event.EventName() == name {
			return l.entries[i].Event, true
		}
	}
	return nil, false
}

// Filter returns all events called name in emission order
func (l *EventLog) Filter(name string) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for _, entry := range l.entries {
		if entry.Event.EventName() == name {
			out = append(out, entry.Event)
		}
	}
	return out
}
