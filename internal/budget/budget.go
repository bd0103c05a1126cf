// Package budget implements tumbling-minute quota budgets with
// hold/commit/release semantics. A Budget is one quota pool (tokens or
// requests per minute); a Pair composes a token budget with a request
// budget behind a single compound reservation handle.
package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/tokengate/internal/idgen"
	"github.com/mbd888/tokengate/internal/metrics"
)

// ErrInvalidAmount is returned for negative reservation amounts. Zero is
// a valid reservation: it consumes a handle but holds nothing.
var ErrInvalidAmount = errors.New("reservation amount must not be negative")

// Window is the tumbling interval over which usage accumulates.
const Window = time.Minute

// Reservation records one outstanding hold against a budget.
type Reservation struct {
	ClientID   string
	Amount     int
	AcquiredAt time.Time
}

// LockResult is the outcome of a Lock attempt.
type LockResult struct {
	Allowed           bool
	Handle            string
	Available         int
	SecondsUntilReset int
	Reason            string // denial detail, empty when allowed
}

// Snapshot is a point-in-time view of a budget's window.
type Snapshot struct {
	Limit             int
	Committed         int
	Held              int
	Available         int
	SecondsUntilReset int
}

// Budget is a single per-minute quota pool. One mutex guards all state;
// every entry point rolls the window first, so there is no background
// timer and no reservation outlives its window.
type Budget struct {
	name   string // metric label, e.g. "completion_tokens"
	prefix string // handle prefix, e.g. "tok_"
	limit  int

	mu           sync.Mutex
	windowStart  time.Time
	committed    int
	held         int
	reservations map[string]Reservation

	now func() time.Time
}

// Option configures a Budget.
type Option func(*Budget)

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(b *Budget) { b.now = now }
}

// New creates a budget with the given per-minute limit. name labels the
// budget in metrics and logs; prefix namespaces its handles.
func New(name, prefix string, limit int, opts ...Option) *Budget {
	b := &Budget{
		name:         name,
		prefix:       prefix,
		limit:        limit,
		reservations: make(map[string]Reservation),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.windowStart = b.now().Truncate(Window)
	metrics.BudgetLimit.WithLabelValues(name).Set(float64(limit))
	return b
}

// Name returns the budget's metric label.
func (b *Budget) Name() string { return b.name }

// Limit returns the configured per-minute limit.
func (b *Budget) Limit() int { return b.limit }

// roll advances the window if at least one full window has elapsed.
// Must be called with b.mu held, before any other logic. A backward
// clock jump leaves the window untouched; a forward jump of any size
// advances to the minute boundary at or before now, exactly once.
func (b *Budget) roll(now time.Time) {
	if now.Sub(b.windowStart) < Window {
		return
	}
	if n := len(b.reservations); n > 0 {
		metrics.ReclaimedReservationsTotal.WithLabelValues(b.name).Add(float64(n))
	}
	b.windowStart = now.Truncate(Window)
	b.committed = 0
	b.held = 0
	b.reservations = make(map[string]Reservation)
	metrics.WindowRollsTotal.WithLabelValues(b.name).Inc()
	b.publish()
}

// publish pushes the window gauges. Must be called with b.mu held.
func (b *Budget) publish() {
	metrics.BudgetCommitted.WithLabelValues(b.name).Set(float64(b.committed))
	metrics.BudgetHeld.WithLabelValues(b.name).Set(float64(b.held))
}

// secondsUntilReset reports the ceiling of the time remaining in the
// current window, clamped to [0, 60]. Must be called with b.mu held,
// after roll.
func (b *Budget) secondsUntilReset(now time.Time) int {
	remaining := b.windowStart.Add(Window).Sub(now)
	if remaining <= 0 {
		return 0
	}
	secs := int((remaining + time.Second - 1) / time.Second)
	if secs > 60 {
		secs = 60
	}
	return secs
}

// Lock attempts to reserve amount units for clientID. On success the
// returned handle identifies the reservation until it is reported,
// released, or reclaimed at window roll-over.
func (b *Budget) Lock(clientID string, amount int) (LockResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.roll(now)

	if amount < 0 {
		return LockResult{}, ErrInvalidAmount
	}

	// Zero-amount reservations always admit, even when an overcommit
	// has driven the window negative.
	available := b.limit - b.committed - b.held
	if amount > 0 && amount > available {
		if available < 0 {
			available = 0
		}
		return LockResult{
			Allowed:           false,
			Available:         available,
			SecondsUntilReset: b.secondsUntilReset(now),
			Reason:            fmt.Sprintf("limit would be exceeded. Available: %d, Requested: %d", available, amount),
		}, nil
	}

	handle := idgen.Handle(b.prefix)
	b.held += amount
	b.reservations[handle] = Reservation{
		ClientID:   clientID,
		Amount:     amount,
		AcquiredAt: now,
	}
	b.publish()

	return LockResult{
		Allowed:           true,
		Handle:            handle,
		Available:         b.limit - b.committed - b.held,
		SecondsUntilReset: b.secondsUntilReset(now),
	}, nil
}

// Report settles a reservation with the amount actually used. The
// reported amount is authoritative: it may exceed the reservation, in
// which case committed transiently exceeds the limit and later locks
// deny until roll-over. A handle unknown to the current window (already
// reclaimed by a roll) is a benign no-op; found reports whether the
// reservation was still live.
func (b *Budget) Report(handle string, used int) (found bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.roll(now)

	r, ok := b.reservations[handle]
	if !ok {
		return false
	}

	if used < 0 {
		used = 0
	}
	if used > r.Amount {
		metrics.OvercommitTotal.WithLabelValues(b.name).Inc()
	}

	b.held -= r.Amount
	b.committed += used
	delete(b.reservations, handle)
	b.publish()
	return true
}

// Release returns a reservation to the pool without committing usage.
// Unknown handles are a benign no-op, same as Report.
func (b *Budget) Release(handle string) (found bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.roll(now)

	r, ok := b.reservations[handle]
	if !ok {
		return false
	}

	b.held -= r.Amount
	delete(b.reservations, handle)
	b.publish()
	return true
}

// Status rolls the window and returns the current snapshot.
func (b *Budget) Status() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.roll(now)

	available := b.limit - b.committed - b.held
	if available < 0 {
		available = 0
	}
	return Snapshot{
		Limit:             b.limit,
		Committed:         b.committed,
		Held:              b.held,
		Available:         available,
		SecondsUntilReset: b.secondsUntilReset(now),
	}
}

// Outstanding reports the number of live reservations.
func (b *Budget) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.reservations)
}
