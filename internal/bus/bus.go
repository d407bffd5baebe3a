// Package bus is the cross-instance fanout channel. When several wispd
// instances share one logical connection pool, an event landing on one
// instance reaches clients connected to another by passing through the bus.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Broadcast is the reserved routing key addressing every session on every
// instance rather than one user's sessions.
const Broadcast = "*"

// Event is the unit published across instances.
type Event struct {
	// Origin is the publishing instance id; subscribers drop their own
	// events to avoid double delivery.
	Origin string `json:"origin"`
	// Key is the target user id, or Broadcast.
	Key string `json:"key"`
	// Frame is the client-ready websocket payload.
	Frame json.RawMessage `json:"frame"`
	// At is the publish time.
	At time.Time `json:"at"`
}

// Handler consumes events arriving from other instances.
type Handler func(ev Event)

// Bus publishes events keyed by user id and delivers remote events to a
// subscriber. Implementations must be safe for concurrent use.
type Bus interface {
	// Publish sends an event to all instances. Exactly one publish happens
	// per call; delivery to remote instances is at-most-once.
	Publish(ctx context.Context, ev Event) error
	// Subscribe registers the handler and consumes events until ctx is
	// canceled. At most one Subscribe per Bus.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}
