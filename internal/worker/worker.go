// Package worker drains the inbound job queue, runs each job through
// the quota-gated provider, and publishes results. Deliveries are
// settled only after a result is out; failures are abandoned for
// redelivery.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/tokengate/internal/bus"
	"github.com/mbd888/tokengate/internal/idgen"
	"github.com/mbd888/tokengate/internal/logging"
	"github.com/mbd888/tokengate/internal/metrics"
)

// ErrDrop marks a poison message: settle it without a result instead
// of redelivering it forever.
var ErrDrop = errors.New("drop message")

const (
	minIdleSleep = 1 * time.Second
	maxIdleSleep = 10 * time.Second
	receiveWait  = 1 * time.Second
)

// Processor turns one delivery into an optional result payload.
type Processor interface {
	Process(ctx context.Context, msg bus.Message) ([]byte, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, msg bus.Message) ([]byte, error)

// Process calls the function.
func (f ProcessorFunc) Process(ctx context.Context, msg bus.Message) ([]byte, error) {
	return f(ctx, msg)
}

// Worker is the pipeline loop. Polling backs off one second per empty
// receive up to ten seconds and snaps back on the first delivery.
type Worker struct {
	in     bus.Queue
	out    bus.Queue
	proc   Processor
	batch  int
	fanOut int
	logger *slog.Logger
}

// Option configures the worker
type Option func(*Worker)

// WithBatchSize sets how many messages one receive may return
func WithBatchSize(n int) Option {
	return func(w *Worker) { w.batch = n }
}

// WithFanOut bounds concurrent in-flight jobs
func WithFanOut(n int) Option {
	return func(w *Worker) { w.fanOut = n }
}

// WithOutput sets the result queue
func WithOutput(out bus.Queue) Option {
	return func(w *Worker) { w.out = out }
}

// WithWorkerLogger sets a custom logger
func WithWorkerLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// New creates a worker over the inbound queue.
func New(in bus.Queue, proc Processor, opts ...Option) *Worker {
	w := &Worker{
		in:     in,
		proc:   proc,
		batch:  4,
		fanOut: 8,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.batch <= 0 {
		w.batch = 1
	}
	if w.fanOut <= 0 {
		w.fanOut = 1
	}
	if w.logger == nil {
		w.logger = logging.New("info", "json")
	}
	return w
}

// Run drains the queue until ctx ends, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	sem := make(chan struct{}, w.fanOut)
	var wg sync.WaitGroup
	idle := minIdleSleep

	for {
		if ctx.Err() != nil {
			break
		}

		msgs, err := w.in.Receive(ctx, w.batch, receiveWait)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.Error("receive failed", "error", err)
			if !sleepFor(ctx, idle) {
				break
			}
			idle = growIdle(idle)
			continue
		}

		if len(msgs) == 0 {
			if !sleepFor(ctx, idle) {
				break
			}
			idle = growIdle(idle)
			continue
		}
		idle = minIdleSleep

		for _, msg := range msgs {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				// Not started; leave the delivery pending for redelivery.
				break
			}
			wg.Add(1)
			go func(msg bus.Message) {
				defer wg.Done()
				defer func() { <-sem }()
				w.handle(ctx, msg)
			}(msg)
		}
	}

	wg.Wait()
	w.logger.Info("worker drained")
	return ctx.Err()
}

func (w *Worker) handle(ctx context.Context, msg bus.Message) {
	ctx = logging.WithMessageID(ctx, msg.ID)
	log := logging.L(ctx)

	result, err := w.proc.Process(ctx, msg)
	switch {
	case errors.Is(err, ErrDrop):
		metrics.WorkerMessagesTotal.WithLabelValues("decode_error").Inc()
		log.Warn("dropping poison message", "delivery_count", msg.DeliveryCount, "error", err)
		if serr := w.in.Settle(ctx, msg); serr != nil {
			log.Error("settle failed", "error", serr)
		}
		return

	case err != nil:
		metrics.WorkerMessagesTotal.WithLabelValues("abandoned").Inc()
		log.Error("job failed, abandoning for redelivery",
			"delivery_count", msg.DeliveryCount, "error", err)
		if aerr := w.in.Abandon(ctx, msg); aerr != nil {
			log.Error("abandon failed", "error", aerr)
		}
		return
	}

	// Publish before settling: a crash between the two duplicates the
	// result, never loses it.
	if w.out != nil && result != nil {
		if serr := w.out.Send(ctx, result); serr != nil {
			metrics.WorkerMessagesTotal.WithLabelValues("abandoned").Inc()
			log.Error("result publish failed, abandoning", "error", serr)
			if aerr := w.in.Abandon(ctx, msg); aerr != nil {
				log.Error("abandon failed", "error", aerr)
			}
			return
		}
	}

	if serr := w.in.Settle(ctx, msg); serr != nil {
		log.Error("settle failed, delivery will repeat", "error", serr)
		return
	}
	metrics.WorkerMessagesTotal.WithLabelValues("settled").Inc()
	log.Debug("job settled")
}

func growIdle(d time.Duration) time.Duration {
	d += time.Second
	if d > maxIdleSleep {
		return maxIdleSleep
	}
	return d
}

func sleepFor(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// NewConsumerName builds a unique consumer identity for a host.
func NewConsumerName(host string) string {
	if host == "" {
		host = "worker"
	}
	return host + "-" + idgen.Hex(4)
}
