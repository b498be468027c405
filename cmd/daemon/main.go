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

	"github.com/yourorg/projectfeed/internal/changefeed"
	"github.com/yourorg/projectfeed/internal/config"
	"github.com/yourorg/projectfeed/internal/logging"
	"github.com/yourorg/projectfeed/internal/oplog"
	"github.com/yourorg/projectfeed/internal/rpc"
	"github.com/yourorg/projectfeed/internal/server"
	"github.com/yourorg/projectfeed/internal/state"
	"github.com/yourorg/projectfeed/internal/stream"
	"github.com/yourorg/projectfeed/internal/version"
	"github.com/yourorg/projectfeed/internal/watcher"
	"github.com/yourorg/projectfeed/internal/workspace"
)

func main() {
	// CLI flags (override config file)
	settings := flag.String("config", "", "Settings file (defaults to ~/.projectfeed/settings.toml)")
	listen := flag.String("listen", "", "JSON-RPC listen address")
	httpAddr := flag.String("http", "", "HTTP address for streams, files and health")
	root := flag.String("workspace", "", "Workspace root holding one directory per project")
	logLevel := flag.String("log-level", "", "Log level: debug|info|warn|error")
	noWatch := flag.Bool("no-watch", false, "Do not watch project trees; accept changes only via RPC or POST")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info().String())
		os.Exit(0)
	}

	cfg, err := config.Load(*settings)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// CLI overrides
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *root != "" {
		cfg.WorkspaceRoot = *root
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := os.MkdirAll(cfg.WorkspaceRoot, 0o755); err != nil {
		logger.Error("create workspace root", logging.String("path", cfg.WorkspaceRoot), logging.Error(err))
		os.Exit(1)
	}

	logger.Info("projectfeed daemon starting",
		logging.String("version", version.Version),
		logging.String("listen", cfg.Listen),
		logging.String("http", cfg.HTTPAddr),
		logging.String("workspace", cfg.WorkspaceRoot),
		logging.String("settings", cfg.SettingsPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := state.New()
	ops := oplog.New(500)
	ws := workspace.New(cfg, logger.Named("workspace"))

	// the registry's hooks and the watcher's sink refer to each other
	var watch *watcher.Service
	registry := stream.NewRegistry(logger.Named("stream"),
		stream.WithOpLog(ops),
		stream.WithActiveHook(func(projectID string) error {
			if watch == nil {
				return nil
			}
			return watch.Watch(projectID)
		}),
		stream.WithIdleHook(func(projectID string) {
			if watch != nil {
				watch.Unwatch(projectID)
			}
		}),
	)
	if !*noWatch {
		watch = watcher.New(ws, func(ctx context.Context, ev changefeed.Event) {
			registry.BroadcastFileChange(ctx, ev)
		}, cfg.WatchDebounce, logger.Named("watcher"), ops)
	}

	httpSrv := server.NewHTTPServer(cfg, st, registry, ws, watch, ops, logger.Named("http"))
	rpcSrv := rpc.New(cfg.Listen, logger)
	rpcSrv.RegisterCore(cfg, st, registry, ws, ops)

	errCh := make(chan error, 2)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	if err := rpcSrv.Start(); err != nil {
		errCh <- fmt.Errorf("rpc server: %w", err)
	}

	st.SetReady()
	logger.Info("projectfeed daemon ready")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server error", logging.Error(err))
	}
	st.SetStopping()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// flush pending watcher changes while streams are still open
	if watch != nil {
		watch.StopAll()
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", logging.Error(err))
	}
	if err := rpcSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("rpc shutdown error", logging.Error(err))
	}

	logger.Info("projectfeed daemon stopped")
}
