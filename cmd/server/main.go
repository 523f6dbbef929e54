// CopyArena server — the copy-trading broker between master traders and
// their followers.
//
// Architecture:
//
//	main.go                — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	api/server.go          — HTTP + WebSocket surface: auth, ingestion, dashboard reads, sockets
//	ingest/reconciler.go   — per-owner serialized snapshot reconciliation (positions, account, history)
//	replicate/engine.go    — turns master position events into follower trade commands
//	replicate/confirm.go   — links client execution/close confirmations back to the copy ledger
//	hub/hub.go             — per-user WebSocket channels: UI push and client command delivery
//	notify/notify.go       — typed UI push messages fanned out to followers and masters
//	store/                 — sqlite persistence: users, trades, follows, copy ledger, connections
//	auth/                  — bcrypt credentials, session tokens, ca_ API key issuance
//	events/                — bounded in-process queue between reconciler and engine
//
// Data flow:
//
//	Desktop clients POST trading snapshots to /api/ea/data. The reconciler
//	diffs each snapshot against the store and publishes open/close events.
//	The replication engine scales each master trade per follow relation,
//	records it in the copy ledger, and pushes execute/close commands to the
//	follower's client socket. Client confirmations settle the ledger and
//	notify dashboards.
package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"copyarena/internal/api"
	"copyarena/internal/auth"
	"copyarena/internal/config"
	"copyarena/internal/events"
	"copyarena/internal/hub"
	"copyarena/internal/ingest"
	"copyarena/internal/notify"
	"copyarena/internal/replicate"
	"copyarena/internal/store"
)

const hookTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("COPYARENA_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			def := config.Default()
			cfg = &def
			slog.Warn("config file not found, using defaults", "path", cfgPath)
		} else {
			slog.Error("failed to load config", "error", err, "path", cfgPath)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	st, err := store.Open(cfg.Database.Path, cfg.Database.BusyTimeout, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err, "path", cfg.Database.Path)
		os.Exit(1)
	}

	authSvc := auth.NewService(st, cfg.Auth, logger)
	h := hub.New(cfg.Hub, logger)
	n := notify.New(h, st, logger)
	q := events.NewQueue(cfg.Replicate.QueueSize, logger)
	rec := ingest.NewReconciler(st, q, h, n, cfg.Ingest, logger)
	eng := replicate.NewEngine(st, q, h, n, cfg.Replicate, logger)

	// Client socket lifecycle drives presence, master online/offline pushes,
	// and the reconnect backfill.
	h.SetClientHooks(
		func(userID int64, wasConnected bool) {
			ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
			defer cancel()
			if err := st.SetOnline(ctx, userID, true); err != nil {
				logger.Warn("set online on attach", "user_id", userID, "error", err)
			}
			u, err := st.GetUserByID(ctx, userID)
			if err != nil {
				logger.Warn("load user on attach", "user_id", userID, "error", err)
				return
			}
			if u.IsMaster && !wasConnected {
				n.MasterStatus(ctx, u.ID, u.Username, true)
			}
			eng.Backfill(ctx, userID)
		},
		func(userID int64) {
			ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
			defer cancel()
			if err := st.SetOnline(ctx, userID, false); err != nil {
				logger.Warn("set offline on detach", "user_id", userID, "error", err)
			}
			u, err := st.GetUserByID(ctx, userID)
			if err != nil {
				logger.Warn("load user on detach", "user_id", userID, "error", err)
				return
			}
			if u.IsMaster {
				n.MasterStatus(ctx, u.ID, u.Username, false)
			}
		},
	)
	h.SetConfirmHandler(eng.HandleConfirmation)

	eng.Start()

	srv := api.NewServer(cfg.Server, st, authSvc, rec, h, logger)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("http server failed", "error", err)
		}
	}()

	logger.Info("copyarena server started",
		"addr", cfg.Server.Addr,
		"db", cfg.Database.Path,
		"replicate_workers", cfg.Replicate.Workers,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop intake first, then drain: no new snapshots, reconciler workers
	// finish queued jobs, the engine consumes what they published, and only
	// then does the store close.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error("failed to stop http server", "error", err)
	}
	rec.Stop()
	q.Close()
	eng.Stop()
	if err := st.Close(); err != nil {
		logger.Error("failed to close store", "error", err)
	}
	logger.Info("shutdown complete")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
