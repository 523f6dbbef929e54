package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"copyarena/pkg/types"
)

const tradeCols = `id, user_id, ticket, symbol, side, volume, open_price, current_price,
	close_price, sl, tp, unrealized_pnl, realized_pnl, open_time, close_time, status`

func scanTrade(r rowScanner) (*types.Trade, error) {
	var t types.Trade
	var side, status string
	var closePrice, sl, tp, realized decimal.NullDecimal
	var openTime int64
	var closeTime sql.NullInt64
	err := r.Scan(&t.ID, &t.UserID, &t.Ticket, &t.Symbol, &side, &t.Volume, &t.OpenPrice,
		&t.CurrentPrice, &closePrice, &sl, &tp, &t.UnrealizedPnL, &realized,
		&openTime, &closeTime, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan trade: %w", err)
	}
	t.Side = types.Side(side)
	t.Status = types.TradeStatus(status)
	t.ClosePrice = decPtr(closePrice)
	t.StopLoss = decPtr(sl)
	t.TakeProfit = decPtr(tp)
	t.RealizedPnL = decPtr(realized)
	t.OpenTime = time.Unix(openTime, 0).UTC()
	t.CloseTime = unixPtr(closeTime)
	return &t, nil
}

func getTradeByTicket(ctx context.Context, q dbtx, userID int64, ticket types.Ticket) (*types.Trade, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+tradeCols+` FROM trades WHERE user_id = ? AND ticket = ?`, userID, ticket)
	return scanTrade(row)
}

func getTradeByID(ctx context.Context, q dbtx, id int64) (*types.Trade, error) {
	row := q.QueryRowContext(ctx, `SELECT `+tradeCols+` FROM trades WHERE id = ?`, id)
	return scanTrade(row)
}

// upsertOpenTrade reconciles one reported position into the trades table.
// New tickets insert as open; known tickets refresh price and profit fields
// and flip back to open if a close was recorded prematurely. Applying the
// same snapshot twice yields identical rows.
func upsertOpenTrade(ctx context.Context, q dbtx, userID int64, p types.Position) (*types.Trade, bool, error) {
	existing, err := getTradeByTicket(ctx, q, userID, p.Ticket)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	if existing == nil {
		res, err := q.ExecContext(ctx,
			`INSERT INTO trades (user_id, ticket, symbol, side, volume, open_price, current_price,
				sl, tp, unrealized_pnl, open_time, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			userID, p.Ticket, p.Symbol, string(p.Type.Side()), p.Volume, p.OpenPrice,
			p.CurrentPrice, nullDec(p.StopLoss), nullDec(p.TakeProfit), p.Profit,
			p.OpenTime, string(types.TradeOpen))
		if err != nil {
			return nil, false, fmt.Errorf("insert trade: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, false, fmt.Errorf("insert trade id: %w", err)
		}
		t, err := getTradeByID(ctx, q, id)
		return t, true, err
	}

	_, err = q.ExecContext(ctx,
		`UPDATE trades SET symbol = ?, side = ?, volume = ?, open_price = ?, current_price = ?,
			sl = ?, tp = ?, unrealized_pnl = ?, open_time = ?,
			status = ?, close_price = NULL, close_time = NULL, realized_pnl = NULL
		 WHERE id = ?`,
		p.Symbol, string(p.Type.Side()), p.Volume, p.OpenPrice, p.CurrentPrice,
		nullDec(p.StopLoss), nullDec(p.TakeProfit), p.Profit, p.OpenTime,
		string(types.TradeOpen), existing.ID)
	if err != nil {
		return nil, false, fmt.Errorf("update trade: %w", err)
	}
	t, err := getTradeByID(ctx, q, existing.ID)
	return t, false, err
}

// closeTrade marks a trade closed, moving the floating profit into realized.
// price and profit override the last-known values when the caller has a
// confirmed fill; nil keeps what the final snapshot reported. Closing an
// already-closed trade is a no-op.
func closeTrade(ctx context.Context, q dbtx, userID int64, ticket types.Ticket, price, profit *decimal.Decimal, at time.Time) (*types.Trade, error) {
	t, err := getTradeByTicket(ctx, q, userID, ticket)
	if err != nil {
		return nil, err
	}
	if !t.IsOpen() {
		return t, nil
	}

	closePrice := t.CurrentPrice
	if price != nil {
		closePrice = *price
	}
	realized := t.UnrealizedPnL
	if profit != nil {
		realized = *profit
	}

	_, err = q.ExecContext(ctx,
		`UPDATE trades SET status = ?, close_price = ?, close_time = ?, realized_pnl = ?,
			current_price = ?, unrealized_pnl = ? WHERE id = ?`,
		string(types.TradeClosed), closePrice, at.Unix(), realized, closePrice, decimal.Zero, t.ID)
	if err != nil {
		return nil, fmt.Errorf("close trade: %w", err)
	}
	return getTradeByID(ctx, q, t.ID)
}

func listTrades(ctx context.Context, q dbtx, userID int64, status types.TradeStatus) ([]*types.Trade, error) {
	query := `SELECT ` + tradeCols + ` FROM trades WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY open_time DESC, id DESC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []*types.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// openTickets returns the set of tickets currently open for the user. The
// reconciler diffs it against a snapshot to detect closures.
func openTickets(ctx context.Context, q dbtx, userID int64) (map[types.Ticket]bool, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT ticket FROM trades WHERE user_id = ? AND status = ?`,
		userID, string(types.TradeOpen))
	if err != nil {
		return nil, fmt.Errorf("open tickets: %w", err)
	}
	defer rows.Close()

	out := make(map[types.Ticket]bool)
	for rows.Next() {
		var t types.Ticket
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		out[t] = true
	}
	return out, rows.Err()
}

// insertClosedTrade records one historical (already closed) trade. Tickets
// already present for the user are skipped, so replaying history is safe.
func insertClosedTrade(ctx context.Context, q dbtx, userID int64, h types.HistoryTrade) (bool, error) {
	res, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO trades (user_id, ticket, symbol, side, volume, open_price,
			current_price, close_price, unrealized_pnl, realized_pnl, open_time, close_time, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, h.Ticket, h.Symbol, string(h.Type.Side()), h.Volume, h.OpenPrice,
		h.ClosePrice, h.ClosePrice, decimal.Zero, h.Profit, h.OpenTime, h.CloseTime,
		string(types.TradeClosed))
	if err != nil {
		return false, fmt.Errorf("insert closed trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert closed trade: %w", err)
	}
	return n > 0, nil
}

// ————————————————————————————————————————————————————————————————————————
// Store and Tx wrappers
// ————————————————————————————————————————————————————————————————————————

func (s *Store) GetTradeByTicket(ctx context.Context, userID int64, ticket types.Ticket) (*types.Trade, error) {
	return getTradeByTicket(ctx, s.db, userID, ticket)
}

func (s *Store) GetTradeByID(ctx context.Context, id int64) (*types.Trade, error) {
	return getTradeByID(ctx, s.db, id)
}

func (s *Store) ListTrades(ctx context.Context, userID int64) ([]*types.Trade, error) {
	return listTrades(ctx, s.db, userID, "")
}

func (s *Store) ListOpenTrades(ctx context.Context, userID int64) ([]*types.Trade, error) {
	return listTrades(ctx, s.db, userID, types.TradeOpen)
}

func (s *Store) CloseTrade(ctx context.Context, userID int64, ticket types.Ticket, price, profit *decimal.Decimal, at time.Time) (*types.Trade, error) {
	return closeTrade(ctx, s.db, userID, ticket, price, profit, at)
}

func (t *Tx) UpsertOpenTrade(ctx context.Context, userID int64, p types.Position) (*types.Trade, bool, error) {
	return upsertOpenTrade(ctx, t.tx, userID, p)
}

func (t *Tx) CloseTrade(ctx context.Context, userID int64, ticket types.Ticket, at time.Time) (*types.Trade, error) {
	return closeTrade(ctx, t.tx, userID, ticket, nil, nil, at)
}

func (t *Tx) OpenTickets(ctx context.Context, userID int64) (map[types.Ticket]bool, error) {
	return openTickets(ctx, t.tx, userID)
}

func (t *Tx) ListOpenTrades(ctx context.Context, userID int64) ([]*types.Trade, error) {
	return listTrades(ctx, t.tx, userID, types.TradeOpen)
}

func (t *Tx) GetTradeByTicket(ctx context.Context, userID int64, ticket types.Ticket) (*types.Trade, error) {
	return getTradeByTicket(ctx, t.tx, userID, ticket)
}

func (t *Tx) InsertClosedTrade(ctx context.Context, userID int64, h types.HistoryTrade) (bool, error) {
	return insertClosedTrade(ctx, t.tx, userID, h)
}
