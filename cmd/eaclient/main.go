// CopyArena client simulator — stands in for the desktop terminal client
// during development. It reports connection, account, position, and history
// snapshots to /api/ea/data the way a live terminal does, holds the
// WebSocket command channel open with reconnect backoff, executes
// execute_trade / close_trade commands against a local position book, and
// answers with trade_executed / trade_closed confirmations.
//
// Run a master whose positions get mirrored:
//
//	eaclient -key ca_... -trade
//
// Run a follower that only acts on server commands:
//
//	eaclient -key ca_...
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	var (
		server   = flag.String("server", envOr("COPYARENA_SERVER", "http://localhost:8000"), "server base URL")
		key      = flag.String("key", os.Getenv("COPYARENA_API_KEY"), "ingestion API key (ca_...)")
		login    = flag.Int64("login", 10012345, "simulated terminal login")
		broker   = flag.String("broker", "CopyArena-Demo", "simulated broker server name")
		interval = flag.Duration("interval", 2*time.Second, "snapshot reporting interval")
		trade    = flag.Bool("trade", false, "open and close random positions (master mode)")
		maxOpen  = flag.Int("max-open", 3, "cap on self-opened positions in trade mode")
		symbols  = flag.String("symbols", "EURUSD,GBPUSD,USDJPY", "comma-separated symbols for trade mode")
		debug    = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if *key == "" {
		logger.Error("missing -key (or COPYARENA_API_KEY)")
		os.Exit(1)
	}
	userID, err := userIDFromKey(*key)
	if err != nil {
		logger.Error("cannot read user id from key", "error", err)
		os.Exit(1)
	}

	sim := newSimulator(simConfig{
		ServerURL: *server,
		APIKey:    *key,
		UserID:    userID,
		Login:     *login,
		Broker:    *broker,
		Interval:  *interval,
		AutoTrade: *trade,
		MaxOpen:   *maxOpen,
		Symbols:   strings.Split(*symbols, ","),
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sim.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("simulator stopped", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// userIDFromKey reads the zero-padded owner id segment of a ca_ key, so the
// simulator needs no separate -user flag.
func userIDFromKey(key string) (int64, error) {
	parts := strings.Split(key, "_")
	if len(parts) < 3 || parts[0] != "ca" {
		return 0, fmt.Errorf("key does not look like a ca_ ingestion key")
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("key owner segment %q is not a user id", parts[1])
	}
	return id, nil
}
