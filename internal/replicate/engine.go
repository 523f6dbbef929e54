// Package replicate turns master position events into follower trade
// commands and folds the resulting client confirmations back into the
// copy-trade ledger.
package replicate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"copyarena/internal/config"
	"copyarena/internal/events"
	"copyarena/internal/store"
	"copyarena/pkg/types"
)

const handleTimeout = 30 * time.Second

// minLot is the smallest volume a broker order can carry.
var minLot = decimal.NewFromFloat(0.01)

// CommandSender is the hub surface the engine needs: liveness and the
// command channel. SendCommand returns false when the channel is gone or
// overflowed; the ledger record then stays pending for a later backfill.
type CommandSender interface {
	IsClientConnected(userID int64) bool
	SendCommand(userID int64, frame types.CommandFrame) bool
}

// Notifier is the UI push surface the engine touches on confirmations.
type Notifier interface {
	CopyTradeExecuted(followerID int64, ct *types.CopyTrade)
	TradeClosed(userID int64, t *types.Trade)
}

// Engine fans master position events out to followers. Workers share the
// event queue; per-record work is idempotent, so concurrent delivery of
// related events is safe.
type Engine struct {
	store  *store.Store
	queue  *events.Queue
	hub    CommandSender
	notify Notifier
	cfg    config.ReplicateConfig
	logger *slog.Logger

	wg sync.WaitGroup

	mu       sync.Mutex
	lastFill map[int64]time.Time
}

func NewEngine(st *store.Store, q *events.Queue, hub CommandSender, n Notifier, cfg config.ReplicateConfig, logger *slog.Logger) *Engine {
	return &Engine{
		store:    st,
		queue:    q,
		hub:      hub,
		notify:   n,
		cfg:      cfg,
		logger:   logger.With("component", "replicate"),
		lastFill: make(map[int64]time.Time),
	}
}

// Start launches the worker pool over the event queue.
func (e *Engine) Start() {
	n := e.cfg.Workers
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		e.wg.Add(1)
		go e.run()
	}
	e.logger.Info("replication engine started", "workers", n)
}

// Stop waits for the workers to drain. Close the queue first.
func (e *Engine) Stop() {
	e.wg.Wait()
	e.logger.Info("replication engine stopped")
}

func (e *Engine) run() {
	defer e.wg.Done()
	for ev := range e.queue.C() {
		e.dispatch(ev)
	}
}

func (e *Engine) dispatch(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	switch ev.Kind {
	case events.MasterPositionOpened:
		e.handleOpened(ctx, ev)
	case events.MasterPositionClosed:
		e.handleClosed(ctx, ev)
	case events.MasterPositionsCleared:
		e.handleCleared(ctx, ev)
	default:
		e.logger.Warn("unknown event kind", "kind", ev.Kind)
	}
}

func (e *Engine) handleOpened(ctx context.Context, ev events.Event) {
	if ev.Trade == nil {
		return
	}
	follows, err := e.store.ListActiveFollowsOfMaster(ctx, ev.OwnerID)
	if err != nil {
		e.logger.Error("list follows", "master_id", ev.OwnerID, "error", err)
		return
	}
	for _, f := range follows {
		if ev.FollowerID != 0 && f.FollowerID != ev.FollowerID {
			continue
		}
		e.mirrorOpen(ctx, ev, f)
	}
}

// mirrorOpen ensures the ledger record for one follow and dispatches the
// execute command when the follower's client is attached. Repeat delivery
// of the same event re-dispatches a still-pending record and leaves every
// other status alone.
func (e *Engine) mirrorOpen(ctx context.Context, ev events.Event, f *types.Follow) {
	t := ev.Trade
	if !t.Volume.IsPositive() {
		e.logger.Warn("master trade without volume", "master_ticket", t.Ticket)
		return
	}

	volume := scaleVolume(t.Volume, f.CopyPercentage, f.MaxRiskPerTrade)
	connected := e.hub.IsClientConnected(f.FollowerID)

	p := store.PendingCopyTrade{
		FollowID:       f.ID,
		MasterTradeID:  t.ID,
		MasterTicket:   t.Ticket,
		Symbol:         t.Symbol,
		Side:           t.Side,
		MasterVolume:   t.Volume,
		FollowerVolume: volume,
		CopyRatio:      volume.Div(t.Volume),
		CopyHash:       types.CopyHash(ev.OwnerUsername, t.Ticket, t.OpenTime),
	}
	if !connected {
		p.Error = "client not connected"
	}

	ct, created, err := e.store.EnsurePendingCopyTrade(ctx, p)
	if err != nil {
		e.logger.Error("ensure pending copy trade",
			"follow_id", f.ID, "master_ticket", t.Ticket, "error", err)
		return
	}
	if ct.Status != types.CopyPending {
		return
	}
	if !connected {
		e.logger.Debug("follower offline, copy left pending",
			"follower_id", f.FollowerID, "master_ticket", t.Ticket)
		return
	}

	cmd := types.CommandFrame{
		Type: types.CommandExecuteTrade,
		Data: types.ExecuteTradeCommand{
			Symbol:       t.Symbol,
			Type:         t.Side,
			Volume:       ct.FollowerVolume,
			StopLoss:     t.StopLoss,
			TakeProfit:   t.TakeProfit,
			MasterTrader: ev.OwnerUsername,
			MasterTicket: t.Ticket,
			CopyTradeID:  ct.ID,
			CopyHash:     ct.CopyHash,
		},
	}
	if !e.hub.SendCommand(f.FollowerID, cmd) {
		e.logger.Warn("execute command not delivered, copy stays pending",
			"follower_id", f.FollowerID, "copy_trade_id", ct.ID)
		return
	}
	e.logger.Info("execute command dispatched",
		"follower_id", f.FollowerID, "master_trader", ev.OwnerUsername,
		"master_ticket", t.Ticket, "volume", ct.FollowerVolume.String(),
		"copy_trade_id", ct.ID, "redispatch", !created)
}

func (e *Engine) handleClosed(ctx context.Context, ev events.Event) {
	records, err := e.store.ListExecutedCopyTradesForMasterTicket(ctx, ev.OwnerID, ev.Ticket)
	if err != nil {
		e.logger.Error("list executed copies",
			"master_id", ev.OwnerID, "master_ticket", ev.Ticket, "error", err)
		return
	}
	for _, ct := range records {
		e.dispatchClose(ctx, ev, ct, "master position closed")
	}
}

func (e *Engine) handleCleared(ctx context.Context, ev events.Event) {
	records, err := e.store.ListExecutedCopyTradesForMaster(ctx, ev.OwnerID)
	if err != nil {
		e.logger.Error("list executed copies", "master_id", ev.OwnerID, "error", err)
		return
	}
	for _, ct := range records {
		e.dispatchClose(ctx, ev, ct, "master positions cleared")
	}
}

// dispatchClose sends a close command for one executed record. The ledger
// is not touched here: the record moves to closed only on the client's
// trade_closed confirmation.
func (e *Engine) dispatchClose(ctx context.Context, ev events.Event, ct *types.CopyTrade, reason string) {
	f, err := e.store.GetFollow(ctx, ct.FollowID)
	if err != nil {
		e.logger.Error("resolve follow", "follow_id", ct.FollowID, "error", err)
		return
	}
	if !e.hub.IsClientConnected(f.FollowerID) {
		e.logger.Warn("follower offline, close command skipped",
			"follower_id", f.FollowerID, "copy_trade_id", ct.ID)
		return
	}

	cmd := types.CommandFrame{
		Type: types.CommandCloseTrade,
		Data: types.CloseTradeCommand{
			Ticket:       ct.FollowerTicket,
			Symbol:       ct.Symbol,
			MasterTrader: ev.OwnerUsername,
			Reason:       reason,
			CopyTradeID:  ct.ID,
			CopyHash:     ct.CopyHash,
			MasterTicket: ct.MasterTicket,
		},
	}
	if !e.hub.SendCommand(f.FollowerID, cmd) {
		e.logger.Warn("close command not delivered",
			"follower_id", f.FollowerID, "copy_trade_id", ct.ID)
		return
	}
	e.logger.Info("close command dispatched",
		"follower_id", f.FollowerID, "follower_ticket", ct.FollowerTicket,
		"copy_trade_id", ct.ID, "reason", reason)
}

// scaleVolume sizes the follower's order: percentage of the master volume,
// rounded to the broker step, capped by the follow's risk budget, never
// below the minimum lot.
func scaleVolume(master, copyPct, maxRisk decimal.Decimal) decimal.Decimal {
	v := master.Mul(copyPct).Div(decimal.NewFromInt(100)).Round(2)
	if maxRisk.IsPositive() && v.GreaterThan(maxRisk) {
		v = maxRisk
	}
	if v.LessThan(minLot) {
		v = minLot
	}
	return v
}
