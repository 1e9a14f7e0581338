// Package eventbus is an in-memory fan-out of small lifecycle signals
// (delivery results, actions, focus transitions) consumed by metrics and
// logging without coupling producers to them.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by carebot components.
const (
	DeliverySent     = "delivery.sent"
	DeliveryFailed   = "delivery.failed"
	DeliveryPaused   = "delivery.paused"
	ActionApplied    = "action.applied"
	DeferralArmed    = "deferral.armed"
	DeferralFired    = "deferral.fired"
	DeferralCanceled = "deferral.canceled"
	FocusResult      = "focus.result"
	TickDone         = "tick.done"
	JobDone          = "scheduler.job"
)

// Event is one published signal. Publish never blocks; a slow subscriber
// drops events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Delivery is the payload of delivery.* events.
type Delivery struct {
	UserID int64  `json:"user_id"`
	Kind   string `json:"kind"`
	Error  string `json:"error,omitempty"`
}

// Action is the payload of action.applied and deferral.* events.
type Action struct {
	UserID     int64  `json:"user_id"`
	Kind       string `json:"kind"`
	Action     string `json:"action"`
	Occurrence string `json:"occurrence,omitempty"`
}

// JobRun is the payload of scheduler.job events.
type JobRun struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"`
}

// Tick is the payload of tick.done events.
type Tick struct {
	RunID    string        `json:"run_id"`
	Users    int           `json:"users"`
	Sent     int           `json:"sent"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a bus that owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		func() {
			// A concurrent unsubscribe may close ch.
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
