// Package events defines the notification sink the allocator publishes
// entity lifecycle events to.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	EntitlementCreated = "entitlement.created"
	EntitlementDeleted = "entitlement.deleted"
	PoolCreated        = "pool.created"
	PoolDeleted        = "pool.deleted"
)

// Event carries the affected entity and its owner. Events are emitted only
// after the transaction that produced them has committed.
type Event struct {
	Type       string    `json:"type"`
	EntityID   uuid.UUID `json:"entity_id"`
	OwnerID    uuid.UUID `json:"owner_id"`
	ConsumerID uuid.UUID `json:"consumer_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sink receives events. Implementations should be non-blocking and
// best-effort; publish failures must not fail the operation that produced
// the event.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
