package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"copyarena/pkg/types"
)

const connCols = `user_id, login, server, company, currency, balance, equity, margin,
	free_margin, margin_level, leverage, profit, is_connected, last_sync`

func scanConnection(r rowScanner) (*types.MT5Connection, error) {
	var c types.MT5Connection
	var lastSync int64
	err := r.Scan(&c.UserID, &c.Login, &c.Server, &c.Company, &c.Currency, &c.Balance,
		&c.Equity, &c.Margin, &c.FreeMargin, &c.MarginLevel, &c.Leverage, &c.Profit,
		&c.IsConnected, &lastSync)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan connection: %w", err)
	}
	c.LastSync = time.Unix(lastSync, 0).UTC()
	return &c, nil
}

// upsertConnection replaces the cached account summary for one user.
func upsertConnection(ctx context.Context, q dbtx, c types.MT5Connection) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO mt5_connections (user_id, login, server, company, currency, balance,
			equity, margin, free_margin, margin_level, leverage, profit, is_connected, last_sync)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
			login = excluded.login, server = excluded.server, company = excluded.company,
			currency = excluded.currency, balance = excluded.balance, equity = excluded.equity,
			margin = excluded.margin, free_margin = excluded.free_margin,
			margin_level = excluded.margin_level, leverage = excluded.leverage,
			profit = excluded.profit, is_connected = excluded.is_connected,
			last_sync = excluded.last_sync`,
		c.UserID, c.Login, c.Server, c.Company, c.Currency, c.Balance, c.Equity,
		c.Margin, c.FreeMargin, c.MarginLevel, c.Leverage, c.Profit, c.IsConnected,
		c.LastSync.Unix())
	if err != nil {
		return fmt.Errorf("upsert connection: %w", err)
	}
	return nil
}

// setConnected flips only the connection flag, keeping the cached summary.
func setConnected(ctx context.Context, q dbtx, userID int64, connected bool, login int64, server, company string, at time.Time) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO mt5_connections (user_id, login, server, company, is_connected, last_sync)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
			is_connected = excluded.is_connected, last_sync = excluded.last_sync,
			login = CASE WHEN excluded.login != 0 THEN excluded.login ELSE mt5_connections.login END,
			server = CASE WHEN excluded.server != '' THEN excluded.server ELSE mt5_connections.server END,
			company = CASE WHEN excluded.company != '' THEN excluded.company ELSE mt5_connections.company END`,
		userID, login, server, company, connected, at.Unix())
	if err != nil {
		return fmt.Errorf("set connected: %w", err)
	}
	return nil
}

func (s *Store) GetConnection(ctx context.Context, userID int64) (*types.MT5Connection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+connCols+` FROM mt5_connections WHERE user_id = ?`, userID)
	return scanConnection(row)
}

func (s *Store) UpsertConnection(ctx context.Context, c types.MT5Connection) error {
	return upsertConnection(ctx, s.db, c)
}

func (t *Tx) UpsertConnection(ctx context.Context, c types.MT5Connection) error {
	return upsertConnection(ctx, t.tx, c)
}

func (t *Tx) SetConnected(ctx context.Context, userID int64, connected bool, login int64, server, company string, at time.Time) error {
	return setConnected(ctx, t.tx, userID, connected, login, server, company, at)
}
