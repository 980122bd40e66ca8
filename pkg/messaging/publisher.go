// Package messaging defines the event contract published by the cart service.
package messaging

import (
	"context"
)

// OrdersPlacedSubject is the subject checkout events are published on.
const OrdersPlacedSubject = "orders.placed"

type Event interface {
	Subject() string
	Payload() ([]byte, error)
}

// Identified is implemented by events that carry a stable ID. Publishing the same ID twice
// delivers the event once.
type Identified interface {
	MessageID() string
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher drops every event. It is used when event publication is disabled.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
