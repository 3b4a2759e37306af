// Package eventbus provides the in-process pub/sub event bus
// that fans session/tab/batch/log events out to the GUI, remote gateway
// clients, and the history writer.
package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a single message published on the bus.
type Event struct {
	ID string
	Type string
	SessionID string // empty for engine-wide events
	Timestamp time.Time
	Data map[string]interface{}
}

// NewEvent creates an Event with a fresh id and current timestamp.
func NewEvent(eventType, sessionID string, data map[string]interface{}) *Event {
	return &Event{
		ID: uuid.NewString(),
		Type: eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data: data,
	}
}

// Handler processes a published event. A non-nil error is logged by the
// bus but never stops delivery to other subscribers.
type Handler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription that can be cancelled.
type Subscription interface {
	Unsubscribe()
}

// Bus is the interface both the in-memory and NATS-backed implementations
// satisfy. Subjects are hierarchical strings such as "session.<id>.tab" or
// "autorun.<id>.state"; Subscribe supports a trailing "*" wildcard segment.
type Bus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close() error
}

// Well-known event types published by the engine's subsystems. These are
// deliberately coarse-grained tags on Event.Type; subscribers read
// Event.Data for specifics.
const (
	TypeSessionAdded = "session.added"
	TypeSessionRemoved = "session.removed"
	TypeSessionStateChange = "session.state_change"
	TypeTabsChanged = "session.tabs_changed"
	TypeSessionOutput = "session.output"
	TypeUserInput = "session.user_input"
	TypeActiveSessionChanged = "session.active_changed"
	TypeAutoRunStateChange = "autorun.state_change"
)
