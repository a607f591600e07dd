// Package main is the entry point for ingestscan, a one-shot command-line
// tool that walks a directory, content-defined-chunks every regular file it
// finds, and prints a summary. It exists to exercise internal/ingest's
// Runtime end to end; a long-running daemon would additionally call
// Runtime.Watch and keep the process alive past the initial scan.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/prn-tf/ingestfs/internal/batch"
	"github.com/prn-tf/ingestfs/internal/config"
	"github.com/prn-tf/ingestfs/internal/domain"
	"github.com/prn-tf/ingestfs/internal/ingest"
	"github.com/prn-tf/ingestfs/internal/scanner"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	configPath := flag.String("config", "", "path to a config file (optional)")
	root := flag.String("root", ".", "directory to scan and chunk")
	shutdownTimeout := flag.Duration("shutdown-timeout", 30*time.Second, "graceful shutdown deadline")
	flag.Parse()

	log.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Msg("starting ingestscan")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	rt := ingest.NewRuntime(runtimeConfigFrom(cfg), log.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt.Start(ctx)

	scanOpts := scanner.DefaultScanOptions()
	scanOpts.MaxDepth = cfg.Scan.MaxDepth
	scanOpts.IncludeHidden = cfg.Scan.IncludeHidden
	scanOpts.DetectSparse = cfg.Scan.DetectSparse

	result, err := rt.Scanner.WalkParallel(ctx, *root, scanOpts, cfg.Scan.ParallelWorkers)
	if err != nil {
		log.Error().Err(err).Msg("scan did not complete cleanly")
	}

	log.Info().
		Int("files", len(result.Files)).
		Int("errors", len(result.Errors)).
		Dur("elapsed", result.Ended.Sub(result.Started)).
		Msg("scan complete")

	var paths []string
	for _, f := range result.Files {
		paths = append(paths, f.Path)
	}

	if len(paths) > 0 {
		op := &batch.Operation{
			ID:       domain.NewOperationID(),
			Files:    paths,
			Priority: 0,
			Strategy: cfg.Batch.DefaultStrategy,
		}
		if err := rt.Scheduler.Submit(op); err != nil {
			log.Fatal().Err(err).Msg("failed to submit chunking batch")
		}
	}

	log.Info().Msg("waiting for chunking to drain or a shutdown signal")
	waitForDrainOrSignal(ctx, rt)

	log.Info().Msg("shutting down")
	if err := rt.Close(*shutdownTimeout); err != nil {
		log.Error().Err(err).Msg("shutdown did not complete cleanly")
	}

	fmt.Printf("scanned %d files (%d errors) under %s\n", len(result.Files), len(result.Errors), *root)
}

func waitForDrainOrSignal(ctx context.Context, rt *ingest.Runtime) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rt.Scheduler.Pending() == 0 {
				return
			}
		}
	}
}

func runtimeConfigFrom(cfg *config.RuntimeConfig) ingest.Config {
	rc := ingest.DefaultConfig()

	rc.Buffers.DefaultSize = cfg.Pools.DefaultBufferSize
	rc.Buffers.MaxBuffers = cfg.Pools.MaxBuffers
	rc.Buffers.MinSize = cfg.Pools.MinBufferSize
	rc.Buffers.MaxSize = cfg.Pools.MaxBufferSize

	if io, ok := rc.Pools["io"]; ok {
		io.MaxSize = cfg.Pools.IOPoolSize
		rc.Pools["io"] = io
	}
	if cpu, ok := rc.Pools["cpu"]; ok {
		cpu.MaxSize = cfg.Pools.CPUPoolSize
		rc.Pools["cpu"] = cpu
	}
	if completion, ok := rc.Pools["completion"]; ok {
		completion.MaxSize = cfg.Pools.CompletionPoolSize
		rc.Pools["completion"] = completion
	}
	if b, ok := rc.Pools["batch"]; ok {
		b.MaxSize = cfg.Pools.BatchPoolSize
		rc.Pools["batch"] = b
	}
	if mgmt, ok := rc.Pools["mgmt"]; ok {
		mgmt.MaxSize = cfg.Pools.MgmtPoolSize
		rc.Pools["mgmt"] = mgmt
	}

	rc.Batch = cfg.Batch
	rc.Adaptive.SizingInterval = cfg.Adaptive.SizingInterval()
	rc.Adaptive.MemoryInterval = cfg.Adaptive.MemoryInterval()
	rc.MemoryCeilingBytes = cfg.Adaptive.MemoryCeilingBytes

	return rc
}
