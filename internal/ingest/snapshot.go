package ingest

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"copyarena/internal/events"
	"copyarena/internal/store"
	"copyarena/pkg/types"
)

func (r *Reconciler) applyConnectionStatus(ctx context.Context, owner *types.User, cs types.ConnectionStatus) error {
	now := time.Now().UTC()
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.SetConnected(ctx, owner.ID, cs.Connected, cs.Login, cs.Server, cs.Company, now)
	})
	if err != nil {
		return err
	}
	if conn, err := r.store.GetConnection(ctx, owner.ID); err == nil {
		r.notify.AccountUpdated(owner.ID, conn)
	}
	return nil
}

func (r *Reconciler) applyAccountUpdate(ctx context.Context, owner *types.User, info types.AccountInfo) error {
	level := types.NormalizeMarginLevel(info.MarginLevel, info.Equity, info.Margin)
	conn := types.MT5Connection{
		UserID:      owner.ID,
		Login:       info.Login,
		Server:      info.Server,
		Company:     info.Company,
		Currency:    info.Currency,
		Balance:     info.Balance,
		Equity:      info.Equity,
		Margin:      info.Margin,
		FreeMargin:  info.FreeMargin,
		MarginLevel: level,
		Leverage:    info.Leverage,
		Profit:      info.Profit,
		IsConnected: true,
		LastSync:    time.Now().UTC(),
	}
	if err := r.store.UpsertConnection(ctx, conn); err != nil {
		return err
	}

	r.notify.AccountUpdated(owner.ID, &conn)

	threshold := decimal.NewFromFloat(r.cfg.MarginWarnBelow)
	if threshold.IsPositive() && level.LessThan(threshold) {
		r.notify.MarginWarning(owner.ID, level, threshold)
	}
	return nil
}

func (r *Reconciler) applyHistory(ctx context.Context, owner *types.User, history []types.HistoryTrade) error {
	imported := 0
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		for _, h := range history {
			if h.Ticket == "" {
				continue
			}
			inserted, err := tx.InsertClosedTrade(ctx, owner.ID, h)
			if err != nil {
				return err
			}
			if inserted {
				imported++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if imported > 0 {
		r.logger.Info("history imported", "user_id", owner.ID, "count", imported)
		r.notify.TradesSynced(owner.ID, imported)
	}
	return nil
}

// applyPositions reconciles one open-book snapshot: present tickets upsert
// as open, follower positions link back to their ledger records, and absent
// tickets are inferred closed — but only behind the closure gate.
//
// The gate: closures are believed only for masters, only while the client
// claims the market is open, and only while that client is attached. A
// stale snapshot from a dead client, or a weekend feed with the book
// hidden, must never cascade closes to followers.
func (r *Reconciler) applyPositions(ctx context.Context, owner *types.User, payload types.PositionsPayload) error {
	now := time.Now().UTC()
	gate := owner.IsMaster && payload.MarketOpen && r.live.IsClientConnected(owner.ID)

	var (
		opened    []*types.Trade
		closed    []*types.Trade
		openAfter []*types.Trade
		cleared   bool
	)
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		before, err := tx.OpenTickets(ctx, owner.ID)
		if err != nil {
			return err
		}

		seen := make(map[types.Ticket]bool, len(payload.Positions))
		for _, p := range payload.Positions {
			if p.Ticket == "" {
				continue
			}
			seen[p.Ticket] = true
			t, created, err := tx.UpsertOpenTrade(ctx, owner.ID, p)
			if err != nil {
				return err
			}
			if created {
				opened = append(opened, t)
			}
		}

		if err := r.linkMirrors(ctx, tx, owner.ID, payload.Positions); err != nil {
			return err
		}

		if gate {
			for ticket := range before {
				if seen[ticket] {
					continue
				}
				t, err := tx.CloseTrade(ctx, owner.ID, ticket, now)
				if err != nil {
					return err
				}
				closed = append(closed, t)
			}
			cleared = len(before) > 0 && len(seen) == 0
		}

		openAfter, err = tx.ListOpenTrades(ctx, owner.ID)
		return err
	})
	if err != nil {
		return err
	}

	if owner.IsMaster {
		for _, t := range opened {
			r.queue.Publish(events.Event{
				Kind:          events.MasterPositionOpened,
				OwnerID:       owner.ID,
				OwnerUsername: owner.Username,
				Trade:         t,
			})
		}
		if cleared {
			r.logger.Info("master book cleared", "user_id", owner.ID, "closed", len(closed))
			r.queue.Publish(events.Event{
				Kind:          events.MasterPositionsCleared,
				OwnerID:       owner.ID,
				OwnerUsername: owner.Username,
			})
		} else {
			for _, t := range closed {
				r.queue.Publish(events.Event{
					Kind:          events.MasterPositionClosed,
					OwnerID:       owner.ID,
					OwnerUsername: owner.Username,
					Trade:         t,
					Ticket:        t.Ticket,
				})
			}
		}
	}

	for _, t := range opened {
		r.notify.TradeNew(owner.ID, t)
	}
	for _, t := range closed {
		r.notify.TradeClosed(owner.ID, t)
	}
	r.notify.PositionsUpdated(owner.ID, openAfter)
	return nil
}

// linkMirrors matches the follower's reported positions against their
// non-terminal ledger records: a match by follower ticket, or by the hash
// tag the client embeds in the broker comment, promotes a pending record to
// executed (the confirmation beat the snapshot or got lost) and backfills
// the trade-row link on executed records that miss it.
func (r *Reconciler) linkMirrors(ctx context.Context, tx *store.Tx, ownerID int64, positions []types.Position) error {
	linkable, err := tx.LinkableCopyTrades(ctx, ownerID)
	if err != nil {
		return err
	}
	if len(linkable) == 0 {
		return nil
	}

	byTicket := make(map[types.Ticket]*types.CopyTrade)
	byTag := make(map[string]*types.CopyTrade)
	for _, ct := range linkable {
		if ct.FollowerTicket != "" {
			byTicket[ct.FollowerTicket] = ct
		}
		if len(ct.CopyHash) >= 16 {
			byTag[ct.CopyHash[:16]] = ct
		}
	}

	now := time.Now().UTC()
	for _, p := range positions {
		if p.Ticket == "" {
			continue
		}
		ct := byTicket[p.Ticket]
		if ct == nil {
			if tag := types.HashFromComment(p.Comment); tag != "" {
				ct = byTag[tag]
			}
		}
		if ct == nil {
			continue
		}

		t, err := tx.GetTradeByTicket(ctx, ownerID, p.Ticket)
		if err != nil {
			return err
		}

		switch ct.Status {
		case types.CopyPending:
			if _, err := tx.LinkCopyExecution(ctx, ct.ID, p.Ticket, &t.ID, now); err != nil {
				return err
			}
			r.logger.Info("promoted pending mirror from snapshot",
				"user_id", ownerID, "copy_trade_id", ct.ID, "ticket", p.Ticket)
		case types.CopyExecuted:
			if ct.FollowerTradeID == nil {
				if err := tx.SetCopyFollowerTradeID(ctx, ct.ID, t.ID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
