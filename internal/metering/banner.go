package metering

import (
	"sync"
	"time"
)

// EventKind classifies a status event for display.
type EventKind string

const (
	EventInfo    EventKind = "info"
	EventSuccess EventKind = "success"
	EventFailure EventKind = "failure"
)

// StatusEvent is a transient, user-facing notification.
type StatusEvent struct {
	Kind     EventKind
	Message  string
	Sequence int
	At       time.Time
}

// Observer receives status events. Implementations must not block.
type Observer interface {
	Notify(StatusEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(StatusEvent)

func (f ObserverFunc) Notify(ev StatusEvent) { f(ev) }

// DefaultBannerTTL is how long a status line stays visible.
const DefaultBannerTTL = 8 * time.Second

// Banner keeps the most recent status event and hides it once its TTL passed.
type Banner struct {
	clock Clock
	ttl   time.Duration

	mu      sync.Mutex
	current *StatusEvent
}

// NewBanner creates a banner. A non-positive ttl uses DefaultBannerTTL.
func NewBanner(clock Clock, ttl time.Duration) *Banner {
	if clock == nil {
		clock = SystemClock{}
	}
	if ttl <= 0 {
		ttl = DefaultBannerTTL
	}
	return &Banner{clock: clock, ttl: ttl}
}

// Notify replaces the displayed event.
func (b *Banner) Notify(ev StatusEvent) {
	if ev.At.IsZero() {
		ev.At = b.clock.Now()
	}
	b.mu.Lock()
	b.current = &ev
	b.mu.Unlock()
}

// Current returns the visible event, if any.
func (b *Banner) Current() (StatusEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == nil {
		return StatusEvent{}, false
	}
	if b.clock.Now().Sub(b.current.At) >= b.ttl {
		b.current = nil
		return StatusEvent{}, false
	}
	return *b.current, true
}
