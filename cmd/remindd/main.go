// Command remindd is the invoice reminder scheduler daemon.
// It loads configuration, opens the durable stores, restores armed alarms,
// and serves the scheduling API.
//
// Usage:
//
//	remindd [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kivohq/remindd/internal/actor"
	"github.com/kivohq/remindd/internal/alarm"
	"github.com/kivohq/remindd/internal/config"
	"github.com/kivohq/remindd/internal/dispatch"
	"github.com/kivohq/remindd/internal/events"
	"github.com/kivohq/remindd/internal/invoice"
	"github.com/kivohq/remindd/internal/ledger"
	"github.com/kivohq/remindd/internal/metrics"
	"github.com/kivohq/remindd/internal/node"
	"github.com/kivohq/remindd/internal/store"
	"github.com/kivohq/remindd/internal/sweep"
	transphttp "github.com/kivohq/remindd/internal/transport/http"
	transpws "github.com/kivohq/remindd/internal/transport/websocket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "remindd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// ── 3. Initialise instance identity ──────────────────────────────────────
	instanceID, err := node.Load(cfg.Server.DataDir, cfg.Server.ID)
	if err != nil {
		return fmt.Errorf("init instance id: %w", err)
	}

	slog.Info("remindd starting",
		"instance_id", instanceID,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"data_dir", cfg.Server.DataDir,
	)

	// ── 4. Open the shared application database (ledger + invoice source) ───
	db, err := ledger.OpenDB(cfg.Database.Path, cfg.Database.BusyTimeoutMs)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	led, err := ledger.NewSQL(initCtx, db)
	cancelInit()
	if err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}
	source := invoice.NewSQLSource(db)

	// ── 5. Open the actor state store ────────────────────────────────────────
	st, err := store.Open(filepath.Join(cfg.Server.DataDir, "state.db"))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer st.Close()

	// ── 6. Open the alarm store (restores armed slots) ───────────────────────
	retryInterval := cfg.Reminders.RetryIntervalDuration()
	alarms, err := alarm.Open(filepath.Join(cfg.Server.DataDir, "alarms.db"), retryInterval)
	if err != nil {
		return fmt.Errorf("open alarm store: %w", err)
	}
	defer alarms.Close()

	// ── 7. Wire the actor registry ───────────────────────────────────────────
	m := metrics.New()
	feed := events.NewFeed()

	dispatcher := dispatch.NewEmail(dispatch.Config{
		APIKey:        cfg.Email.ResendAPIKey,
		From:          cfg.Email.From,
		PublicBaseURL: cfg.Email.PublicBaseURL,
		Timeout:       time.Duration(cfg.Email.TimeoutMs) * time.Millisecond,
		MaxRate:       cfg.Email.MaxRate,
		Burst:         cfg.Email.Burst,
	})

	registry := actor.NewRegistry(actor.Deps{
		Store:         st,
		Ledger:        led,
		Source:        source,
		Dispatcher:    dispatcher,
		Alarm:         alarms,
		Offsets:       cfg.Reminders.Offsets(),
		RetryInterval: retryInterval,
		Metrics:       m,
		Feed:          feed,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── 8. Start the alarm fire loop ─────────────────────────────────────────
	alarms.Start(ctx, registry.Fire)
	defer alarms.Stop()

	// ── 9. Start the safety-net sweep ────────────────────────────────────────
	if cfg.Sweep.Enabled {
		sw, err := sweep.New(cfg.Sweep.Spec, registry)
		if err != nil {
			return err
		}
		sw.Start()
		defer sw.Stop()
		slog.Info("sweep enabled", "spec", cfg.Sweep.Spec)
	}

	// ── 10. Serve the API ────────────────────────────────────────────────────
	srv := transphttp.New(cfg, registry, m, &transpws.Handler{Feed: feed})

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
