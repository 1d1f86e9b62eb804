// Command dedupstored runs a dedupcore storage engine as a standalone
// daemon: it loads configuration, brings the engine up through its
// DirtyStart recovery pass, keeps it running until SIGINT or SIGTERM, and
// then stops it in write-back mode. It serves no front-end protocol itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dedupcore/engine/internal/logger"
	"github.com/dedupcore/engine/pkg/config"
	"github.com/dedupcore/engine/pkg/engine"
)

// shutdownGrace pads the shutdown deadline beyond a few committer
// cycles, giving the write-back path room to flush the active
// container, block index, and chunk index.
const shutdownGrace = 10 * time.Second

func main() {
	configFile := flag.String("config", "", "path to config file (default: $XDG_CONFIG_HOME/dedupcore/config.yaml)")
	dataDir := flag.String("data-dir", ".", "data directory used to fill in defaults absent from the config file")
	create := flag.Bool("create", false, "format a new store if none exists at the configured directories")
	logLevel := flag.String("log-level", "INFO", "log level: DEBUG, INFO, WARN, ERROR")
	logFormat := flag.String("log-format", "text", "log format: text, json")
	logOutput := flag.String("log-output", "stdout", "log output: stdout, stderr, or a file path")
	flag.Parse()

	if err := logger.Init(logger.Config{Level: *logLevel, Format: *logFormat, Output: *logOutput}); err != nil {
		log.Fatalf("dedupstored: init logger: %v", err)
	}

	cfg, err := config.Load(*configFile, *dataDir)
	if err != nil {
		log.Fatalf("dedupstored: load config: %v", err)
	}
	if *create {
		cfg.Startup.Create = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, err := engine.New(cfg)
	if err != nil {
		log.Fatalf("dedupstored: construct engine: %v", err)
	}

	if err := e.Start(ctx); err != nil {
		log.Fatalf("dedupstored: start engine: %v", err)
	}

	logger.InfoCtx(ctx, "dedupstored running", "container_dir", cfg.ContainerDir, "block_size", cfg.BlockSize)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	signal.Stop(sigChan)

	logger.InfoCtx(ctx, "shutdown signal received, committing and stopping")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.CommitterInterval*4+shutdownGrace)
	defer stopCancel()

	if err := e.Stop(stopCtx, engine.ShutdownWriteBack); err != nil {
		fmt.Fprintf(os.Stderr, "dedupstored: shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.InfoCtx(ctx, "dedupstored stopped")
}
