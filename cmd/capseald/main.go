// Package main — cmd/capseald/main.go
//
// Sidecar daemon entrypoint.
//
// Startup sequence:
//  1. Root check — abort if not running as root (binds a privileged
//     socket directory and custodies secrets outside the
//     orchestrator's reach).
//  2. Load and validate config from the optional positional argument
//     or -config (default /etc/capseal/sidecar.yaml).
//  3. Initialise structured logger (zap).
//  4. Generate in-memory secrets (construction token, seal key).
//  5. Load or create the persisted session key.
//  6. Open the audit ledger (bbolt-backed if enabled, no-op otherwise).
//  7. Construct the grant, ticket, and frame tables.
//  8. Start Prometheus metrics server (if configured).
//  9. Start the background table-cleanup ticker.
// 10. Start the listener (binds the socket, begins accepting).
// 11. Register SIGHUP handler for log-level hot-reload.
// 12. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to listener and metrics server).
//  2. Close the audit ledger.
//  3. Flush logger.
//  4. Exit 0.
//
// On any fatal startup error, exit 1 before accepting any traffic.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/capseal/capseal/internal/audit"
	"github.com/capseal/capseal/internal/config"
	"github.com/capseal/capseal/internal/frames"
	"github.com/capseal/capseal/internal/grants"
	"github.com/capseal/capseal/internal/handler"
	"github.com/capseal/capseal/internal/listener"
	"github.com/capseal/capseal/internal/observability"
	"github.com/capseal/capseal/internal/secrets"
	"github.com/capseal/capseal/internal/sessionkey"
	"github.com/capseal/capseal/internal/tickets"
)

func main() {
	configPath := flag.String("config", "/etc/capseal/sidecar.yaml", "Path to the daemon's YAML configuration")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()
	if flag.NArg() > 0 {
		*configPath = flag.Arg(0)
	}

	if *versionFlag {
		fmt.Printf("capseald %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	if os.Getuid() != 0 {
		fmt.Fprintln(os.Stderr, "FATAL: capseald must run as root (UID 0)")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, atomicLevel, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("capseald starting",
		zap.String("version", config.Version),
		zap.String("mode", cfg.Mode.String()),
		zap.String("config", *configPath),
	)
	if cfg.Mode == config.ModeStandalone {
		log.Warn("running in STANDALONE mode — secrets are less isolated than the sidecar model assumes (CVE-ADR-002-A-009 UNFIXED)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secretStore, err := secrets.Generate()
	if err != nil {
		log.Fatal("secret generation failed", zap.Error(err))
	}

	sessKey, err := sessionkey.LoadOrInit(cfg.SessionKeyPath)
	if err != nil {
		log.Fatal("session key load/init failed", zap.Error(err), zap.String("path", cfg.SessionKeyPath))
	}
	log.Info("session key ready", zap.String("path", cfg.SessionKeyPath))

	var ledger audit.Ledger
	if cfg.Audit.Enabled {
		ledger, err = audit.Open(cfg.Audit.DBPath, cfg.Audit.RetentionDays)
		if err != nil {
			log.Fatal("audit ledger open failed", zap.Error(err), zap.String("path", cfg.Audit.DBPath))
		}
		log.Info("audit ledger opened", zap.String("path", cfg.Audit.DBPath))
	} else {
		ledger = audit.NewDisabled()
		log.Info("audit ledger disabled — audit_id counter still advances")
	}
	defer ledger.Close() //nolint:errcheck

	grantTable := grants.New(cfg.GrantTTL())
	ticketTable := tickets.New(cfg.GrantTTL())
	frameTable := frames.New()

	metrics := observability.NewMetrics()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.ServeMetrics(ctx, cfg.MetricsAddr); err != nil {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
		log.Info("metrics server started", zap.String("addr", cfg.MetricsAddr))
	}

	go runCleanup(ctx, grantTable, ticketTable, cfg.CleanupInterval(), log)

	h := handler.New(grantTable, ticketTable, frameTable, secretStore, sessKey, ledger, metrics, log)

	lsnr := listener.New(listener.Config{
		SocketPath:       cfg.SocketPath,
		AllowedUID:       cfg.AppUserUID,
		MaxRequestBytes:  int(cfg.MaxRequestSizeBytes),
		ConnTimeout:      30 * time.Second,
		MaxInflightConns: cfg.MaxInflightConnections,
	}, func(_ uint32, req []byte) []byte {
		return h.Handle(req)
	}, metrics, log)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- lsnr.Serve(ctx)
	}()

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			var newLevel zapcore.Level
			if err := newLevel.UnmarshalText([]byte(newCfg.LogLevel)); err == nil {
				atomicLevel.SetLevel(newLevel)
				log.Info("log level hot-reloaded", zap.String("new_level", newLevel.String()))
			} else {
				log.Error("config hot-reload: invalid log_level, retaining current level", zap.Error(err))
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			log.Fatal("listener exited with error", zap.Error(err))
		}
	}

	cancel()
	log.Info("capseald shutdown complete")
}

// runCleanup periodically prunes expired grants and tickets. Never
// blocks a handler: cleanup runs on its own goroutine against the
// same concurrent tables handlers use.
func runCleanup(ctx context.Context, g *grants.Table, t *tickets.Table, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.CleanupExpired()
			t.CleanupExpired()
			log.Debug("table cleanup ran", zap.Int("pending_grants", g.Len()))
		}
	}
}

// buildLogger constructs a zap.Logger at the given level using
// production (JSON) encoding. The returned AtomicLevel lets SIGHUP
// adjust verbosity without rebuilding the logger.
func buildLogger(level string) (*zap.Logger, zap.AtomicLevel, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	atomicLevel := zap.NewAtomicLevelAt(zapLevel)
	cfg := zap.NewProductionConfig()
	cfg.Level = atomicLevel
	logger, err := cfg.Build()
	return logger, atomicLevel, err
}
