package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"distmesh/internal/config"
	"distmesh/internal/logging"
	"distmesh/internal/observability/tracing"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	configPath := fs.String("config", "configs/meshctl.example.yaml", "path to meshctl config")
	archivePath := fs.String("file", "distmesh-store.tar.zst", "archive file for archive and restore")
	_ = fs.Parse(os.Args[2:])

	var run func(ctx context.Context, cfg *config.Config, logger *zap.Logger) error
	switch os.Args[1] {
	case "seed":
		run = seed
	case "build":
		run = func(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
			summary, err := build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			fmt.Println(summary)
			return nil
		}
	case "inspect":
		run = inspect
	case "archive":
		run = func(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
			return archive(ctx, cfg, logger, *archivePath)
		}
	case "restore":
		run = func(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
			return restore(ctx, cfg, logger, *archivePath)
		}
	default:
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, _, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.Setup(ctx, cfg.TracingConfig())
	if err != nil {
		logger.Fatal("failed to set up tracing", zap.Error(err))
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error(os.Args[1]+" failed", zap.Error(err))
		stop()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `distmesh operator tool

Usage:
  meshctl seed    --config <file>   generate a partitioned grid into the store
  meshctl build   --config <file>   build the distributed mesh from the store and write back extracted parts
  meshctl inspect --config <file>   print what the store holds
  meshctl archive --config <file> --file <archive>   write the store to a compressed archive
  meshctl restore --config <file> --file <archive>   replace the store with an archive
`)
}
