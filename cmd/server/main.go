package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/websoft9/deskgate/internal/audit"
	"github.com/websoft9/deskgate/internal/autosync"
	"github.com/websoft9/deskgate/internal/config"
	"github.com/websoft9/deskgate/internal/fileutil"
	"github.com/websoft9/deskgate/internal/gateway"
	"github.com/websoft9/deskgate/internal/server"
	"github.com/websoft9/deskgate/internal/sshconn"
	"github.com/websoft9/deskgate/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	setupLogger(cfg)

	log.Info().
		Str("version", cfg.Version).
		Str("env", cfg.Env).
		Msg("Starting deskgate")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}
	log.Info().Msg("Server exited")
}

func run(cfg *config.Config) error {
	hostKeys, err := sshconn.HostKeyCallback(cfg.KnownHosts, cfg.StrictHostKey)
	if err != nil {
		return err
	}

	syncDir := cfg.SyncDir
	if syncDir == "" {
		syncDir = filepath.Join(os.TempDir(), "deskgate")
	}
	if n, err := autosync.SweepStale(syncDir, cfg.SyncMaxAge, time.Now()); err != nil {
		log.Warn().Err(err).Msg("Startup sweep failed")
	} else if n > 0 {
		log.Info().Int("removed", n).Msg("Removed stale sync copies")
	}

	opts := []gateway.Option{
		gateway.WithLogger(log.Logger),
		gateway.WithAudit(audit.New(log.Logger)),
		gateway.WithConnector(gateway.SSHConnector{Dialer: &sshconn.Dialer{
			Timeout:         cfg.ConnectTimeout,
			KeepAlive:       cfg.KeepAlive,
			HostKeyCallback: hostKeys,
		}}),
	}
	if cfg.LocalRoot != "" {
		sandbox, err := fileutil.NewSandbox(cfg.LocalRoot)
		if err != nil {
			return err
		}
		opts = append(opts, gateway.WithSandbox(sandbox))
	}

	gw := gateway.New(gateway.Config{
		ConnectTimeout: cfg.ConnectTimeout,
		OpTimeout:      cfg.OpTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxReadBytes:   cfg.MaxReadBytes,
		MaxUploadBytes: cfg.MaxUploadBytes,
		InboundRate:    cfg.InboundRate,
		InboundBurst:   cfg.InboundBurst,
		SyncDir:        syncDir,
		SyncDebounce:   cfg.SyncDebounce,
	}, opts...)
	srv := server.New(cfg, gw)

	if cfg.RedisAddr != "" {
		w := worker.New(cfg.RedisAddr, log.Logger)
		if err := w.Start(syncDir, cfg.SyncMaxAge); err != nil {
			return err
		}
		defer w.Shutdown()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr()).Msg("HTTP server listening")
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func setupLogger(cfg *config.Config) {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.DurationFieldUnit = time.Millisecond

	// Pretty logging for development
	if cfg.Env == "development" && cfg.LogFormat == "pretty" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
