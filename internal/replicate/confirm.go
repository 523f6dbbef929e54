package replicate

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"copyarena/internal/store"
	"copyarena/pkg/types"
)

// HandleConfirmation consumes a trade_executed or trade_closed frame from
// a follower's command channel. Runs on the channel's read goroutine, so
// it must not block on the hub.
func (e *Engine) HandleConfirmation(userID int64, frame types.ClientFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	var conf types.TradeConfirmation
	if err := json.Unmarshal(frame.Data, &conf); err != nil {
		e.logger.Warn("malformed confirmation",
			"user_id", userID, "frame_type", frame.Type, "error", err)
		return
	}

	switch frame.Type {
	case types.FrameTradeExecuted:
		e.confirmExecution(ctx, userID, conf)
	case types.FrameTradeClosed:
		e.confirmClose(ctx, userID, conf)
	}
}

func (e *Engine) confirmExecution(ctx context.Context, userID int64, conf types.TradeConfirmation) {
	ct := e.correlateExecution(ctx, userID, conf)
	if ct == nil {
		e.logger.Warn("unmatched execution confirmation",
			"user_id", userID, "ticket", conf.Ticket, "copy_hash", conf.CopyHash)
		return
	}

	if !conf.Success {
		reason := conf.Error
		if reason == "" {
			reason = "execution rejected by client"
		}
		if _, err := e.store.MarkCopyFailed(ctx, ct.ID, reason); err != nil {
			e.logger.Error("mark copy failed",
				"copy_trade_id", ct.ID, "error", err)
			return
		}
		e.logger.Warn("copy execution failed",
			"user_id", userID, "copy_trade_id", ct.ID, "reason", reason)
		return
	}

	// The follower's trade row may not exist until the next snapshot; the
	// reconciler links it then.
	var tradeID *int64
	if conf.Ticket != "" {
		if t, err := e.store.GetTradeByTicket(ctx, userID, conf.Ticket); err == nil {
			tradeID = &t.ID
		}
	}

	linked, err := e.store.LinkCopyExecution(ctx, ct.ID, conf.Ticket, tradeID, time.Now().UTC())
	if err != nil {
		e.logger.Error("link copy execution",
			"copy_trade_id", ct.ID, "ticket", conf.Ticket, "error", err)
		return
	}
	e.notify.CopyTradeExecuted(userID, linked)
	e.logger.Info("copy executed",
		"user_id", userID, "copy_trade_id", linked.ID,
		"follower_ticket", linked.FollowerTicket, "master_ticket", linked.MasterTicket)
}

func (e *Engine) confirmClose(ctx context.Context, userID int64, conf types.TradeConfirmation) {
	ct := e.correlateClose(ctx, userID, conf)
	if ct == nil {
		e.logger.Warn("unmatched close confirmation",
			"user_id", userID, "ticket", conf.Ticket, "copy_hash", conf.CopyHash)
		return
	}

	if !conf.Success {
		// Record stays executed; the next master close event retries.
		e.logger.Warn("copy close failed",
			"user_id", userID, "copy_trade_id", ct.ID, "error", conf.Error)
		return
	}

	now := time.Now().UTC()
	if _, err := e.store.MarkCopyClosed(ctx, ct.ID, now); err != nil {
		e.logger.Error("mark copy closed", "copy_trade_id", ct.ID, "error", err)
		return
	}

	ticket := conf.Ticket
	if ticket == "" {
		ticket = ct.FollowerTicket
	}
	if ticket != "" {
		t, err := e.store.CloseTrade(ctx, userID, ticket, conf.Price, conf.Profit, now)
		switch {
		case err == nil:
			e.notify.TradeClosed(userID, t)
		case !errors.Is(err, store.ErrNotFound):
			e.logger.Error("close follower trade",
				"user_id", userID, "ticket", ticket, "error", err)
		}
	}
	e.logger.Info("copy closed",
		"user_id", userID, "copy_trade_id", ct.ID, "follower_ticket", ticket)
}

// correlateExecution finds the ledger record a trade_executed frame talks
// about: copy hash first, then the echoed command, then the oldest pending
// record on the command's master ticket.
func (e *Engine) correlateExecution(ctx context.Context, userID int64, conf types.TradeConfirmation) *types.CopyTrade {
	if conf.CopyHash != "" {
		if ct, err := e.store.GetCopyTradeByHash(ctx, userID, conf.CopyHash); err == nil {
			return ct
		}
	}

	var cmd types.ExecuteTradeCommand
	if len(conf.OriginalCommand) == 0 || json.Unmarshal(conf.OriginalCommand, &cmd) != nil {
		return nil
	}
	if cmd.CopyHash != "" && cmd.CopyHash != conf.CopyHash {
		if ct, err := e.store.GetCopyTradeByHash(ctx, userID, cmd.CopyHash); err == nil {
			return ct
		}
	}
	if cmd.CopyTradeID > 0 {
		if ct := e.ownedCopyTrade(ctx, userID, cmd.CopyTradeID); ct != nil {
			return ct
		}
	}
	if cmd.MasterTicket != "" {
		follows, err := e.store.ListActiveFollowsOfFollower(ctx, userID)
		if err != nil {
			return nil
		}
		for _, f := range follows {
			if ct, err := e.store.GetPendingCopyTradeByMasterTicket(ctx, f.ID, cmd.MasterTicket); err == nil {
				return ct
			}
		}
	}
	return nil
}

// correlateClose: copy hash, then the follower's own ticket, then the
// echoed command.
func (e *Engine) correlateClose(ctx context.Context, userID int64, conf types.TradeConfirmation) *types.CopyTrade {
	if conf.CopyHash != "" {
		if ct, err := e.store.GetCopyTradeByHash(ctx, userID, conf.CopyHash); err == nil {
			return ct
		}
	}
	if conf.Ticket != "" {
		if ct, err := e.store.GetCopyTradeByFollowerTicket(ctx, userID, conf.Ticket); err == nil {
			return ct
		}
	}

	var cmd types.CloseTradeCommand
	if len(conf.OriginalCommand) == 0 || json.Unmarshal(conf.OriginalCommand, &cmd) != nil {
		return nil
	}
	if cmd.CopyHash != "" && cmd.CopyHash != conf.CopyHash {
		if ct, err := e.store.GetCopyTradeByHash(ctx, userID, cmd.CopyHash); err == nil {
			return ct
		}
	}
	if cmd.CopyTradeID > 0 {
		if ct := e.ownedCopyTrade(ctx, userID, cmd.CopyTradeID); ct != nil {
			return ct
		}
	}
	return nil
}

// ownedCopyTrade resolves an id only when the record belongs to one of the
// confirming user's follows. A client can echo any id; it may only move
// its own records.
func (e *Engine) ownedCopyTrade(ctx context.Context, userID, id int64) *types.CopyTrade {
	ct, err := e.store.GetCopyTrade(ctx, id)
	if err != nil {
		return nil
	}
	f, err := e.store.GetFollow(ctx, ct.FollowID)
	if err != nil || f.FollowerID != userID {
		return nil
	}
	return ct
}
