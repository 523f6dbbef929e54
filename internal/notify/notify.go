// Package notify renders domain happenings into UI push messages.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"copyarena/internal/hub"
	"copyarena/internal/store"
	"copyarena/pkg/types"
)

// Notifier is the one place push payload shapes are defined.
type Notifier struct {
	hub    *hub.Hub
	store  *store.Store
	logger *slog.Logger
}

func New(h *hub.Hub, st *store.Store, logger *slog.Logger) *Notifier {
	return &Notifier{hub: h, store: st, logger: logger.With("component", "notify")}
}

// PositionsUpdated pushes the user's refreshed open book.
func (n *Notifier) PositionsUpdated(userID int64, open []*types.Trade) {
	n.hub.SendToUser(userID, types.PushMessage{
		Type: types.PushPositionsUpdate,
		Data: map[string]any{"positions": open, "count": len(open)},
	})
}

// AccountUpdated pushes the refreshed account summary.
func (n *Notifier) AccountUpdated(userID int64, conn *types.MT5Connection) {
	n.hub.SendToUser(userID, types.PushMessage{
		Type: types.PushAccountUpdate,
		Data: conn,
	})
}

// MarginWarning alerts the user that free margin is running out.
func (n *Notifier) MarginWarning(userID int64, level, threshold decimal.Decimal) {
	n.hub.SendToUser(userID, types.PushMessage{
		Type: types.PushMarginWarning,
		Data: map[string]any{
			"margin_level": level,
			"message":      fmt.Sprintf("Margin level %s%% is below the %s%% warning threshold", level, threshold),
		},
	})
}

// TradesSynced reports how many historical trades a sync imported.
func (n *Notifier) TradesSynced(userID int64, count int) {
	n.hub.SendToUser(userID, types.PushMessage{
		Type: types.PushTradesSynced,
		Data: map[string]any{"count": count},
	})
}

// TradeNew announces a newly opened trade.
func (n *Notifier) TradeNew(userID int64, t *types.Trade) {
	n.hub.SendToUser(userID, types.PushMessage{Type: types.PushTradeNew, Data: t})
}

// TradeClosed announces a close, with final profit attached.
func (n *Notifier) TradeClosed(userID int64, t *types.Trade) {
	n.hub.SendToUser(userID, types.PushMessage{Type: types.PushTradeClosed, Data: t})
}

// CopyTradeExecuted tells a follower their mirror got filled.
func (n *Notifier) CopyTradeExecuted(followerID int64, ct *types.CopyTrade) {
	n.hub.SendToUser(followerID, types.PushMessage{Type: types.PushCopyTradeExecuted, Data: ct})
}

// MasterStatus tells every active follower that a master's client came
// online or went away.
func (n *Notifier) MasterStatus(ctx context.Context, masterID int64, masterUsername string, online bool) {
	followers, err := n.store.ListFollowerIDsOfMaster(ctx, masterID)
	if err != nil {
		n.logger.Error("resolve followers for status push", "master_id", masterID, "error", err)
		return
	}
	status := "offline"
	if online {
		status = "online"
	}
	for _, followerID := range followers {
		n.hub.SendToUser(followerID, types.PushMessage{
			Type: types.PushMasterStatusChange,
			Data: map[string]any{
				"master_id":       masterID,
				"master_username": masterUsername,
				"status":          status,
			},
		})
	}
}
