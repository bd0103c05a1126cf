package quotaclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/tokengate/internal/logging"
	"github.com/mbd888/tokengate/internal/metrics"
)

const (
	// DefaultResetBuffer pads the counter's reported reset so the retry
	// lands after the window actually rolled, not on its edge.
	DefaultResetBuffer = 1 * time.Second

	// DefaultMaxAttempts bounds how many windows an operation may span.
	DefaultMaxAttempts = 5

	// fallbackWait is used when the counter cannot tell us when the
	// window resets.
	fallbackWait = 5 * time.Second
)

// Coordinator retries a quota-gated operation across window rolls. On a
// quota denial it asks the counter when the window resets, sleeps until
// then plus a buffer, and tries again. Every other error propagates
// immediately; backoff only ever means "the minute is spent".
type Coordinator struct {
	client      *Client
	group       Group
	buffer      time.Duration
	maxAttempts int
	logger      *slog.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// CoordinatorOption configures a Coordinator
type CoordinatorOption func(*Coordinator)

// WithResetBuffer overrides the post-reset padding
func WithResetBuffer(d time.Duration) CoordinatorOption {
	return func(co *Coordinator) { co.buffer = d }
}

// WithMaxAttempts overrides how many quota denials are tolerated
func WithMaxAttempts(n int) CoordinatorOption {
	return func(co *Coordinator) { co.maxAttempts = n }
}

// WithCoordinatorLogger sets a custom logger
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(co *Coordinator) { co.logger = logger }
}

// NewCoordinator creates a backoff coordinator for one budget group.
func NewCoordinator(client *Client, group Group, opts ...CoordinatorOption) *Coordinator {
	co := &Coordinator{
		client:      client,
		group:       group,
		buffer:      DefaultResetBuffer,
		maxAttempts: DefaultMaxAttempts,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(co)
	}
	if co.maxAttempts <= 0 {
		co.maxAttempts = 1
	}
	if co.logger == nil {
		co.logger = logging.New("info", "json")
	}
	return co
}

// Run executes fn, retrying across quota denials until it succeeds, a
// non-quota error occurs, the attempt budget is spent, or ctx ends.
func (co *Coordinator) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= co.maxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !IsQuotaDenial(err) {
			return err
		}
		if attempt == co.maxAttempts {
			break
		}

		wait := co.waitFor(ctx, err)
		metrics.CoordinatorWaits.WithLabelValues(string(co.group)).Observe(wait.Seconds())
		co.logger.InfoContext(ctx, "quota exhausted, waiting for window reset",
			"group", co.group, "attempt", attempt, "wait", wait)

		if serr := co.sleep(ctx, wait); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("quota retries exhausted after %d attempts: %w", co.maxAttempts, err)
}

// waitFor decides how long to sleep for one denial. The counter's live
// status is authoritative; the denial's own reset hint is the fallback
// when the status query fails.
func (co *Coordinator) waitFor(ctx context.Context, denial error) time.Duration {
	if st, err := co.client.Status(ctx, co.group); err == nil {
		return time.Duration(st.ResetTimeSeconds)*time.Second + co.buffer
	} else {
		co.logger.WarnContext(ctx, "status query failed during backoff", "error", err)
	}

	var qe *QuotaError
	if errors.As(denial, &qe) && qe.SecondsUntilReset > 0 {
		return time.Duration(qe.SecondsUntilReset)*time.Second + co.buffer
	}
	return fallbackWait
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
