// Tokengate worker - drains the job queue through the quota-gated provider
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbd888/tokengate/internal/bus"
	"github.com/mbd888/tokengate/internal/config"
	"github.com/mbd888/tokengate/internal/logging"
	"github.com/mbd888/tokengate/internal/provider"
	"github.com/mbd888/tokengate/internal/quotaclient"
	"github.com/mbd888/tokengate/internal/traces"
	"github.com/mbd888/tokengate/internal/worker"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting worker",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"counter", cfg.CounterBaseURL,
		"in_queue", cfg.InQueue,
		"out_queue", cfg.OutQueue,
		"fan_out", cfg.FanOut,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTraces, err := traces.Init(ctx, "tokengate-worker", cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTraces(context.Background()) }()

	consumer := worker.NewConsumerName(cfg.ConsumerName)
	in, err := bus.NewRedisQueue(ctx, cfg.RedisURL, cfg.InQueue, cfg.ConsumerGroup, consumer,
		bus.WithRedisLogger(logger))
	if err != nil {
		logger.Error("failed to connect inbound queue", "error", err)
		os.Exit(1)
	}
	defer in.Close()

	out, err := bus.NewRedisQueue(ctx, cfg.RedisURL, cfg.OutQueue, cfg.ConsumerGroup, consumer,
		bus.WithRedisLogger(logger))
	if err != nil {
		logger.Error("failed to connect outbound queue", "error", err)
		os.Exit(1)
	}
	defer out.Close()

	est, err := provider.NewEstimator(cfg.ProviderDeployment)
	if err != nil {
		logger.Error("failed to load tokenizer", "error", err)
		os.Exit(1)
	}

	counterClient := quotaclient.New(cfg.CounterBaseURL, cfg.AppID, quotaclient.WithLogger(logger))
	gated := provider.NewService(
		provider.NewClient(cfg, provider.WithClientLogger(logger)),
		counterClient,
		est,
		provider.WithServiceLogger(logger),
	)

	w := worker.New(in, worker.NewJobProcessor(gated),
		worker.WithOutput(out),
		worker.WithBatchSize(cfg.BatchSize),
		worker.WithFanOut(cfg.FanOut),
		worker.WithWorkerLogger(logger),
	)

	logger.Info("worker running", "consumer", consumer)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
