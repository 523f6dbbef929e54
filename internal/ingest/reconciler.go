// Package ingest reconciles desktop client snapshots into the trade store.
//
// Snapshots for one account must apply in order, but accounts are
// independent, so work is keyed: each owner gets a short-lived worker
// goroutine with a bounded job queue. Workers that sit idle are reaped.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"copyarena/internal/config"
	"copyarena/internal/events"
	"copyarena/internal/store"
	"copyarena/pkg/types"
)

var (
	ErrUnknownPayloadType = errors.New("ingest: unknown payload type")
	ErrShuttingDown       = errors.New("ingest: reconciler is shutting down")
)

// Liveness answers whether a user's desktop client is currently attached.
type Liveness interface {
	IsClientConnected(userID int64) bool
}

// Notifier receives UI pushes derived from applied snapshots.
type Notifier interface {
	PositionsUpdated(userID int64, open []*types.Trade)
	AccountUpdated(userID int64, conn *types.MT5Connection)
	MarginWarning(userID int64, level, threshold decimal.Decimal)
	TradesSynced(userID int64, count int)
	TradeNew(userID int64, t *types.Trade)
	TradeClosed(userID int64, t *types.Trade)
}

type job struct {
	owner *types.User
	env   types.IngestEnvelope
}

// ownerWorker serializes one account's snapshots. pending counts jobs
// enqueued but not yet handled; a worker only reaps itself when it is zero,
// so a blocking enqueue can never land on a dead queue.
type ownerWorker struct {
	jobs    chan job
	pending int
}

// Reconciler applies snapshots and emits domain events for the replication
// engine.
type Reconciler struct {
	store  *store.Store
	queue  *events.Queue
	live   Liveness
	notify Notifier
	cfg    config.IngestConfig
	logger *slog.Logger

	mu      sync.Mutex
	workers map[int64]*ownerWorker
	closed  bool

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewReconciler(st *store.Store, q *events.Queue, live Liveness, n Notifier, cfg config.IngestConfig, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:   st,
		queue:   q,
		live:    live,
		notify:  n,
		cfg:     cfg,
		logger:  logger.With("component", "ingest"),
		workers: make(map[int64]*ownerWorker),
		quit:    make(chan struct{}),
	}
}

// Enqueue hands one validated envelope to the owner's worker, creating it on
// demand. Blocks when the owner's queue is full, which backpressures the
// HTTP handler rather than dropping snapshots.
func (r *Reconciler) Enqueue(ctx context.Context, owner *types.User, env types.IngestEnvelope) error {
	if !env.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownPayloadType, env.Type)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrShuttingDown
	}
	w := r.workers[owner.ID]
	if w == nil {
		w = &ownerWorker{jobs: make(chan job, r.cfg.QueueSize)}
		r.workers[owner.ID] = w
		r.wg.Add(1)
		go r.runWorker(owner.ID, w)
	}
	w.pending++
	r.mu.Unlock()

	select {
	case w.jobs <- job{owner: owner, env: env}:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		w.pending--
		r.mu.Unlock()
		return ctx.Err()
	}
}

// Stop drains the workers. Call only after the HTTP server has stopped
// accepting snapshots.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.quit)
	r.wg.Wait()
}

func (r *Reconciler) runWorker(ownerID int64, w *ownerWorker) {
	defer r.wg.Done()
	idle := time.NewTimer(r.cfg.WorkerIdle)
	defer idle.Stop()

	finish := func(j job) {
		r.handle(j)
		r.mu.Lock()
		w.pending--
		r.mu.Unlock()
	}

	for {
		select {
		case j := <-w.jobs:
			finish(j)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.cfg.WorkerIdle)

		case <-idle.C:
			r.mu.Lock()
			if w.pending == 0 {
				delete(r.workers, ownerID)
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
			idle.Reset(r.cfg.WorkerIdle)

		case <-r.quit:
			for {
				select {
				case j := <-w.jobs:
					finish(j)
				default:
					return
				}
			}
		}
	}
}

func (r *Reconciler) handle(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	err := r.apply(ctx, j.owner, j.env)
	if err != nil {
		r.logger.Error("snapshot failed",
			"user_id", j.owner.ID, "type", j.env.Type, "error", err)
		return
	}
	r.logger.Debug("snapshot applied",
		"user_id", j.owner.ID, "type", j.env.Type, "elapsed", time.Since(start))
}

func (r *Reconciler) apply(ctx context.Context, owner *types.User, env types.IngestEnvelope) error {
	switch env.Type {
	case types.PayloadConnectionStatus:
		var cs types.ConnectionStatus
		if err := json.Unmarshal(env.Data, &cs); err != nil {
			return fmt.Errorf("decode connection_status: %w", err)
		}
		return r.applyConnectionStatus(ctx, owner, cs)

	case types.PayloadAccountUpdate:
		var info types.AccountInfo
		if err := json.Unmarshal(env.Data, &info); err != nil {
			return fmt.Errorf("decode account_update: %w", err)
		}
		return r.applyAccountUpdate(ctx, owner, info)

	case types.PayloadPositionsUpdate:
		var payload types.PositionsPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return fmt.Errorf("decode positions_update: %w", err)
		}
		return r.applyPositions(ctx, owner, payload)

	case types.PayloadHistoryUpdate:
		var history []types.HistoryTrade
		if err := json.Unmarshal(env.Data, &history); err != nil {
			return fmt.Errorf("decode history_update: %w", err)
		}
		return r.applyHistory(ctx, owner, history)

	case types.PayloadOrdersUpdate:
		// Working orders carry no replication meaning; acknowledged only.
		var orders []json.RawMessage
		if err := json.Unmarshal(env.Data, &orders); err != nil {
			return fmt.Errorf("decode orders_update: %w", err)
		}
		r.logger.Debug("orders snapshot acknowledged",
			"user_id", owner.ID, "count", len(orders))
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownPayloadType, env.Type)
}
