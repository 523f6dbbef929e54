package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"copyarena/pkg/types"
)

// TradeStats summarizes one user's trading record. Profit figures are exact
// decimal sums; WinRate is the percentage of closed trades with positive
// realized profit, rounded to two places (zero when nothing has closed).
type TradeStats struct {
	TotalTrades      int             `json:"total_trades"`
	OpenTrades       int             `json:"open_trades"`
	ClosedTrades     int             `json:"closed_trades"`
	HistoricalProfit decimal.Decimal `json:"historical_profit"`
	FloatingProfit   decimal.Decimal `json:"floating_profit"`
	TotalProfit      decimal.Decimal `json:"total_profit"`
	WinRate          decimal.Decimal `json:"win_rate"`
}

// GetTradeStats computes the stats by walking the user's trade rows, summing
// in decimal so repeated small profits never drift.
func (s *Store) GetTradeStats(ctx context.Context, userID int64) (*TradeStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, unrealized_pnl, COALESCE(realized_pnl, '0') FROM trades WHERE user_id = ?`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("trade stats: %w", err)
	}
	defer rows.Close()

	st := &TradeStats{}
	wins := 0
	for rows.Next() {
		var status string
		var unrealized, realized decimal.Decimal
		if err := rows.Scan(&status, &unrealized, &realized); err != nil {
			return nil, fmt.Errorf("scan trade stats: %w", err)
		}
		st.TotalTrades++
		switch types.TradeStatus(status) {
		case types.TradeOpen:
			st.OpenTrades++
			st.FloatingProfit = st.FloatingProfit.Add(unrealized)
		case types.TradeClosed:
			st.ClosedTrades++
			st.HistoricalProfit = st.HistoricalProfit.Add(realized)
			if realized.IsPositive() {
				wins++
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trade stats: %w", err)
	}

	st.HistoricalProfit = st.HistoricalProfit.Round(2)
	st.FloatingProfit = st.FloatingProfit.Round(2)
	st.TotalProfit = st.HistoricalProfit.Add(st.FloatingProfit).Round(2)
	if st.ClosedTrades > 0 {
		st.WinRate = decimal.NewFromInt(int64(wins * 100)).
			Div(decimal.NewFromInt(int64(st.ClosedTrades))).Round(2)
	}
	return st, nil
}

// TraderSummary is one marketplace row: a master trader with display
// aggregates.
type TraderSummary struct {
	ID            int64           `json:"id"`
	Username      string          `json:"username"`
	IsOnline      bool            `json:"is_online"`
	FollowerCount int             `json:"follower_count"`
	TotalTrades   int             `json:"total_trades"`
	OpenTrades    int             `json:"open_trades"`
	WinRate       decimal.Decimal `json:"win_rate"`
	TotalProfit   decimal.Decimal `json:"total_profit"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ListMarketplaceTraders returns every active master with their aggregates.
// Three grouped queries total, regardless of how many masters exist. The
// profit aggregates run through sqlite REAL arithmetic — they are display
// figures, not ledger state.
func (s *Store) ListMarketplaceTraders(ctx context.Context) ([]*TraderSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, is_online, created_at FROM users
		 WHERE is_master = 1 AND is_active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list masters: %w", err)
	}
	defer rows.Close()

	var out []*TraderSummary
	byID := make(map[int64]*TraderSummary)
	for rows.Next() {
		var t TraderSummary
		var createdAt int64
		if err := rows.Scan(&t.ID, &t.Username, &t.IsOnline, &createdAt); err != nil {
			return nil, fmt.Errorf("scan master: %w", err)
		}
		t.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &t)
		byID[t.ID] = &t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list masters: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	stats, err := s.db.QueryContext(ctx,
		`SELECT user_id,
			COUNT(*),
			SUM(CASE WHEN status = 'open' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'closed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'closed' AND CAST(COALESCE(realized_pnl, '0') AS REAL) > 0 THEN 1 ELSE 0 END),
			COALESCE(SUM(CASE WHEN status = 'closed' THEN CAST(COALESCE(realized_pnl, '0') AS REAL) ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'open' THEN CAST(unrealized_pnl AS REAL) ELSE 0 END), 0)
		 FROM trades GROUP BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("marketplace stats: %w", err)
	}
	defer stats.Close()

	for stats.Next() {
		var userID int64
		var total, open, closed, wins int
		var historical, floating float64
		if err := stats.Scan(&userID, &total, &open, &closed, &wins, &historical, &floating); err != nil {
			return nil, fmt.Errorf("scan marketplace stats: %w", err)
		}
		t, ok := byID[userID]
		if !ok {
			continue
		}
		t.TotalTrades = total
		t.OpenTrades = open
		t.TotalProfit = decimal.NewFromFloat(historical + floating).Round(2)
		if closed > 0 {
			t.WinRate = decimal.NewFromInt(int64(wins * 100)).
				Div(decimal.NewFromInt(int64(closed))).Round(2)
		}
	}
	if err := stats.Err(); err != nil {
		return nil, fmt.Errorf("marketplace stats: %w", err)
	}

	followers, err := s.db.QueryContext(ctx,
		`SELECT master_id, COUNT(*) FROM follows WHERE is_active = 1 GROUP BY master_id`)
	if err != nil {
		return nil, fmt.Errorf("marketplace followers: %w", err)
	}
	defer followers.Close()

	for followers.Next() {
		var masterID int64
		var count int
		if err := followers.Scan(&masterID, &count); err != nil {
			return nil, fmt.Errorf("scan follower count: %w", err)
		}
		if t, ok := byID[masterID]; ok {
			t.FollowerCount = count
		}
	}
	return out, followers.Err()
}
