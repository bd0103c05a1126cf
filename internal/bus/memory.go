package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue with the same settle and abandon
// semantics as the Redis-backed one. Used in tests and single-process
// setups.
type MemoryQueue struct {
	mu       sync.Mutex
	ready    []Message
	inflight map[string]Message
	nextID   int
	closed   bool

	// wake is signalled on Send so blocked receivers return early.
	wake chan struct{}
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inflight: make(map[string]Message),
		wake:     make(chan struct{}, 1),
	}
}

// Send enqueues a payload.
func (q *MemoryQueue) Send(ctx context.Context, body []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("queue closed")
	}
	q.nextID++
	q.ready = append(q.ready, Message{
		ID:            fmt.Sprintf("mem-%d", q.nextID),
		Body:          append([]byte(nil), body...),
		DeliveryCount: 1,
	})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Receive pops up to max ready messages, blocking up to wait when empty.
func (q *MemoryQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, fmt.Errorf("queue closed")
		}
		if len(q.ready) > 0 {
			n := max
			if n > len(q.ready) {
				n = len(q.ready)
			}
			msgs := make([]Message, n)
			copy(msgs, q.ready[:n])
			q.ready = q.ready[n:]
			for _, m := range msgs {
				q.inflight[m.ID] = m
			}
			q.mu.Unlock()
			return msgs, nil
		}
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		t := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-q.wake:
			t.Stop()
		case <-t.C:
			return nil, nil
		}
	}
}

// Settle drops the in-flight delivery for good.
func (q *MemoryQueue) Settle(_ context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, msg.ID)
	return nil
}

// Abandon puts the delivery back at the head of the queue with a bumped
// delivery count.
func (q *MemoryQueue) Abandon(_ context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.inflight[msg.ID]
	if !ok {
		return nil
	}
	delete(q.inflight, msg.ID)
	m.DeliveryCount++
	q.ready = append([]Message{m}, q.ready...)

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close rejects further sends and receives.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Depth reports ready plus in-flight messages. Test helper.
func (q *MemoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.inflight)
}
