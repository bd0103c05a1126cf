// Package bus provides at-least-once message queues for the worker
// pipeline. A received message stays invisible to other consumers until
// it is settled or abandoned; abandoned and expired deliveries come
// back for redelivery.
package bus

import (
	"context"
	"time"
)

// Message is one queued job delivery.
type Message struct {
	// ID is the broker's delivery identifier, used to settle.
	ID string
	// Body is the opaque job payload.
	Body []byte
	// DeliveryCount starts at 1 and grows on redelivery.
	DeliveryCount int
}

// Queue is an at-least-once job queue.
type Queue interface {
	// Send enqueues a payload.
	Send(ctx context.Context, body []byte) error

	// Receive fetches up to max messages, blocking up to wait when the
	// queue is empty. An empty slice with a nil error means the wait
	// elapsed with nothing to deliver.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error)

	// Settle acknowledges a delivery; the message will not be seen again.
	Settle(ctx context.Context, msg Message) error

	// Abandon gives up on a delivery so another consumer can retry it.
	Abandon(ctx context.Context, msg Message) error

	// Close releases broker resources.
	Close() error
}
