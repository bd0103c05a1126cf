// Tokengate transcriber - batch audio transcription through the whisper quota pool
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mbd888/tokengate/internal/config"
	"github.com/mbd888/tokengate/internal/logging"
	"github.com/mbd888/tokengate/internal/provider"
	"github.com/mbd888/tokengate/internal/quotaclient"
)

func main() {
	writeOut := flag.Bool("write", false, "write a .txt transcript next to each audio file")
	flag.Parse()

	logger := logging.New("info", "text")

	files := flag.Args()
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "usage: transcriber [-write] <audio-file> [audio-file ...]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	failed := 0
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		if err := transcribeFile(ctx, gated, path, *writeOut); err != nil {
			logger.Error("transcription failed", "file", path, "error", err)
			failed++
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func transcribeFile(ctx context.Context, gated *provider.Service, path string, writeOut bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	tr, err := gated.Transcribe(ctx, filepath.Base(path), f)
	if err != nil {
		return err
	}

	if writeOut {
		outPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".txt"
		return os.WriteFile(outPath, []byte(tr.Text), 0o644)
	}
	fmt.Printf("%s:\n%s\n", path, tr.Text)
	return nil
}
