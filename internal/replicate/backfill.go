package replicate

import (
	"context"
	"time"

	"copyarena/internal/events"
)

// Backfill re-synthesizes opened events for every open master trade the
// follower has not mirrored yet — no ledger record, or a record still
// pending from an offline stretch. Scoped to the one follower so siblings
// are not re-targeted. Debounced per user; the ledger's single
// non-terminal record per (follow, master trade) is the hard duplicate
// stop regardless.
func (e *Engine) Backfill(ctx context.Context, followerID int64) {
	now := time.Now()
	e.mu.Lock()
	if last, ok := e.lastFill[followerID]; ok && now.Sub(last) < e.cfg.BackfillDebounce {
		e.mu.Unlock()
		return
	}
	e.lastFill[followerID] = now
	e.mu.Unlock()

	follows, err := e.store.ListActiveFollowsOfFollower(ctx, followerID)
	if err != nil {
		e.logger.Error("backfill: list follows", "follower_id", followerID, "error", err)
		return
	}

	total := 0
	for _, f := range follows {
		master, err := e.store.GetUserByID(ctx, f.MasterID)
		if err != nil {
			e.logger.Error("backfill: resolve master",
				"master_id", f.MasterID, "error", err)
			continue
		}
		trades, err := e.store.ListUnmirroredOpenMasterTrades(ctx, f.ID, f.MasterID)
		if err != nil {
			e.logger.Error("backfill: list unmirrored trades",
				"follow_id", f.ID, "error", err)
			continue
		}
		for _, t := range trades {
			e.queue.Publish(events.Event{
				Kind:          events.MasterPositionOpened,
				OwnerID:       master.ID,
				OwnerUsername: master.Username,
				Trade:         t,
				FollowerID:    followerID,
			})
			total++
		}
	}
	if total > 0 {
		e.logger.Info("backfill queued", "follower_id", followerID, "trades", total)
	}
}
