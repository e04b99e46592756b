package session

import (
	"sync"

	"github.com/facboy/openvpn3/internal/model"
)

// eventBufferSize bounds the queue of undelivered events. A host that does
// not drain events does not block the protocol engine.
const eventBufferSize = 64

// EventBus carries typed session events to the host program. Events are
// delivered in post order. The first fatal event seals the bus: later posts
// are dropped, so the host observes exactly one terminal event.
//
// The zero value is invalid; use [NewEventBus].
type EventBus struct {
	mu     sync.Mutex
	events chan *model.Event
	sealed bool
	logger model.Logger
}

// NewEventBus creates an [EventBus].
func NewEventBus(logger model.Logger) *EventBus {
	return &EventBus{
		events: make(chan *model.Event, eventBufferSize),
		logger: logger,
	}
}

// Post enqueues an event. Returns true if the event was accepted, false if
// the bus is sealed or the queue overflowed.
func (b *EventBus) Post(code model.ErrorCode, message string, fatal bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed {
		return false
	}
	ev := model.NewEvent(code, message, fatal)
	if fatal {
		b.sealed = true
	}
	select {
	case b.events <- ev:
	default:
		if !fatal {
			b.logger.Warnf("session: event queue full, dropping %s", ev)
			return false
		}
		// the terminal event must reach the host: give up the oldest
		// queued event to make room for it
		select {
		case old := <-b.events:
			b.logger.Warnf("session: event queue full, dropping %s", old)
		default:
		}
		b.events <- ev
	}
	if fatal {
		b.logger.Warnf("session: fatal event: %s", ev)
	} else {
		b.logger.Infof("session: event: %s", ev)
	}
	return true
}

// Sealed returns whether a fatal event has been posted.
func (b *EventBus) Sealed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sealed
}

// Events returns the channel delivering posted events.
func (b *EventBus) Events() <-chan *model.Event {
	return b.events
}
