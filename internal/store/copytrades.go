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

const copyCols = `ct.id, ct.follow_id, ct.master_trade_id, ct.follower_trade_id,
	ct.master_ticket, ct.follower_ticket, ct.symbol, ct.side, ct.master_volume,
	ct.follower_volume, ct.copy_ratio, ct.copy_hash, ct.status, ct.error,
	ct.retry_count, ct.created_at, ct.executed_at, ct.closed_at`

func scanCopyTrade(r rowScanner) (*types.CopyTrade, error) {
	var ct types.CopyTrade
	var followerTradeID sql.NullInt64
	var side, status string
	var createdAt int64
	var executedAt, closedAt sql.NullInt64
	err := r.Scan(&ct.ID, &ct.FollowID, &ct.MasterTradeID, &followerTradeID,
		&ct.MasterTicket, &ct.FollowerTicket, &ct.Symbol, &side, &ct.MasterVolume,
		&ct.FollowerVolume, &ct.CopyRatio, &ct.CopyHash, &status, &ct.Error,
		&ct.RetryCount, &createdAt, &executedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan copy trade: %w", err)
	}
	if followerTradeID.Valid {
		ct.FollowerTradeID = &followerTradeID.Int64
	}
	ct.Side = types.Side(side)
	ct.Status = types.CopyStatus(status)
	ct.CreatedAt = time.Unix(createdAt, 0).UTC()
	ct.ExecutedAt = unixPtr(executedAt)
	ct.ClosedAt = unixPtr(closedAt)
	return &ct, nil
}

// PendingCopyTrade carries everything needed to open a ledger record.
type PendingCopyTrade struct {
	FollowID       int64
	MasterTradeID  int64
	MasterTicket   types.Ticket
	Symbol         string
	Side           types.Side
	MasterVolume   decimal.Decimal
	FollowerVolume decimal.Decimal
	CopyRatio      decimal.Decimal
	CopyHash       string
	Error          string
}

// EnsurePendingCopyTrade creates a pending ledger record for one (follow,
// master trade) replication, or returns the live record if one already
// exists. At most one non-terminal record per pair can exist; the unique
// (follow_id, copy_hash) constraint backstops races.
func (s *Store) EnsurePendingCopyTrade(ctx context.Context, p PendingCopyTrade) (*types.CopyTrade, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+copyCols+` FROM copy_trades ct
		 WHERE ct.follow_id = ? AND ct.master_trade_id = ? AND ct.status IN (?, ?)
		 ORDER BY ct.id DESC LIMIT 1`,
		p.FollowID, p.MasterTradeID, string(types.CopyPending), string(types.CopyExecuted))
	existing, err := scanCopyTrade(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO copy_trades (follow_id, master_trade_id, master_ticket, symbol, side,
			master_volume, follower_volume, copy_ratio, copy_hash, status, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.FollowID, p.MasterTradeID, p.MasterTicket, p.Symbol, string(p.Side),
		p.MasterVolume, p.FollowerVolume, p.CopyRatio, p.CopyHash,
		string(types.CopyPending), p.Error, time.Now().Unix())
	if err != nil {
		if isUniqueViolation(err, "copy_trades") {
			row := s.db.QueryRowContext(ctx,
				`SELECT `+copyCols+` FROM copy_trades ct WHERE ct.follow_id = ? AND ct.copy_hash = ?`,
				p.FollowID, p.CopyHash)
			ct, scanErr := scanCopyTrade(row)
			if scanErr != nil {
				return nil, false, scanErr
			}
			return ct, false, nil
		}
		return nil, false, fmt.Errorf("insert copy trade: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("insert copy trade id: %w", err)
	}
	ct, err := s.GetCopyTrade(ctx, id)
	return ct, true, err
}

func getCopyTrade(ctx context.Context, q dbtx, id int64) (*types.CopyTrade, error) {
	row := q.QueryRowContext(ctx, `SELECT `+copyCols+` FROM copy_trades ct WHERE ct.id = ?`, id)
	return scanCopyTrade(row)
}

func (s *Store) GetCopyTrade(ctx context.Context, id int64) (*types.CopyTrade, error) {
	return getCopyTrade(ctx, s.db, id)
}

// linkCopyExecution promotes pending→executed, recording the follower-side
// ticket and (when known) the follower trade row. Re-linking an executed
// record is a no-op; linking a terminal record is an error.
func linkCopyExecution(ctx context.Context, q dbtx, id int64, followerTicket types.Ticket, followerTradeID *int64, at time.Time) (*types.CopyTrade, error) {
	var tradeID sql.NullInt64
	if followerTradeID != nil {
		tradeID = sql.NullInt64{Int64: *followerTradeID, Valid: true}
	}
	res, err := q.ExecContext(ctx,
		`UPDATE copy_trades SET status = ?, follower_ticket = ?, follower_trade_id = ?,
			executed_at = ?, error = '' WHERE id = ? AND status = ?`,
		string(types.CopyExecuted), followerTicket, tradeID, at.Unix(), id, string(types.CopyPending))
	if err != nil {
		return nil, fmt.Errorf("link copy execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("link copy execution: %w", err)
	}
	ct, err := getCopyTrade(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if ct.Status == types.CopyExecuted {
			return ct, nil
		}
		return nil, fmt.Errorf("%w: %s → executed", ErrInvalidTransition, ct.Status)
	}
	return ct, nil
}

// markCopyClosed completes the executed→closed transition. Closing an
// already-closed record is a no-op.
func markCopyClosed(ctx context.Context, q dbtx, id int64, at time.Time) (*types.CopyTrade, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE copy_trades SET status = ?, closed_at = ? WHERE id = ? AND status = ?`,
		string(types.CopyClosed), at.Unix(), id, string(types.CopyExecuted))
	if err != nil {
		return nil, fmt.Errorf("mark copy closed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("mark copy closed: %w", err)
	}
	ct, err := getCopyTrade(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if ct.Status == types.CopyClosed {
			return ct, nil
		}
		return nil, fmt.Errorf("%w: %s → closed", ErrInvalidTransition, ct.Status)
	}
	return ct, nil
}

// markCopyFailed records a definitive execution failure: pending→failed.
func markCopyFailed(ctx context.Context, q dbtx, id int64, reason string) (*types.CopyTrade, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE copy_trades SET status = ?, error = ?, retry_count = retry_count + 1
		 WHERE id = ? AND status = ?`,
		string(types.CopyFailed), reason, id, string(types.CopyPending))
	if err != nil {
		return nil, fmt.Errorf("mark copy failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("mark copy failed: %w", err)
	}
	ct, err := getCopyTrade(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if ct.Status == types.CopyFailed {
			return ct, nil
		}
		return nil, fmt.Errorf("%w: %s → failed", ErrInvalidTransition, ct.Status)
	}
	return ct, nil
}

func (s *Store) LinkCopyExecution(ctx context.Context, id int64, followerTicket types.Ticket, followerTradeID *int64, at time.Time) (*types.CopyTrade, error) {
	return linkCopyExecution(ctx, s.db, id, followerTicket, followerTradeID, at)
}

func (s *Store) MarkCopyClosed(ctx context.Context, id int64, at time.Time) (*types.CopyTrade, error) {
	return markCopyClosed(ctx, s.db, id, at)
}

func (s *Store) MarkCopyFailed(ctx context.Context, id int64, reason string) (*types.CopyTrade, error) {
	return markCopyFailed(ctx, s.db, id, reason)
}

// SetCopyFollowerTradeID backfills the follower trade row linkage on an
// executed record that was confirmed before the trade reached the store.
func setCopyFollowerTradeID(ctx context.Context, q dbtx, id, tradeID int64) error {
	_, err := q.ExecContext(ctx, `UPDATE copy_trades SET follower_trade_id = ? WHERE id = ?`, tradeID, id)
	if err != nil {
		return fmt.Errorf("set follower trade id: %w", err)
	}
	return nil
}

func (s *Store) SetCopyFollowerTradeID(ctx context.Context, id, tradeID int64) error {
	return setCopyFollowerTradeID(ctx, s.db, id, tradeID)
}

// ————————————————————————————————————————————————————————————————————————
// Correlation lookups
// ————————————————————————————————————————————————————————————————————————

// GetCopyTradeByHash resolves a hash to the follower's ledger record. Both
// the full hash and the truncated comment-tag prefix are accepted. Scoped to
// one follower: siblings copying the same master trade share the hash.
func (s *Store) GetCopyTradeByHash(ctx context.Context, followerID int64, hash string) (*types.CopyTrade, error) {
	if hash == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+copyCols+` FROM copy_trades ct
		 JOIN follows f ON f.id = ct.follow_id
		 WHERE f.follower_id = ? AND substr(ct.copy_hash, 1, ?) = ?
		 ORDER BY (ct.status IN (?, ?)) DESC, ct.id DESC LIMIT 1`,
		followerID, len(hash), hash, string(types.CopyPending), string(types.CopyExecuted))
	return scanCopyTrade(row)
}

// GetCopyTradeByFollowerTicket resolves a follower-side broker ticket to its
// ledger record, preferring live records.
func (s *Store) GetCopyTradeByFollowerTicket(ctx context.Context, followerID int64, ticket types.Ticket) (*types.CopyTrade, error) {
	if ticket == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+copyCols+` FROM copy_trades ct
		 JOIN follows f ON f.id = ct.follow_id
		 WHERE f.follower_id = ? AND ct.follower_ticket = ?
		 ORDER BY (ct.status IN (?, ?)) DESC, ct.id DESC LIMIT 1`,
		followerID, ticket, string(types.CopyPending), string(types.CopyExecuted))
	return scanCopyTrade(row)
}

// GetPendingCopyTradeByMasterTicket is the last-resort correlation: the
// newest pending record for the follow edge matching the master ticket.
func (s *Store) GetPendingCopyTradeByMasterTicket(ctx context.Context, followID int64, masterTicket types.Ticket) (*types.CopyTrade, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+copyCols+` FROM copy_trades ct
		 WHERE ct.follow_id = ? AND ct.master_ticket = ? AND ct.status = ?
		 ORDER BY ct.id DESC LIMIT 1`,
		followID, masterTicket, string(types.CopyPending))
	return scanCopyTrade(row)
}

// ListExecutedCopyTradesForMasterTicket returns the executed mirrors of one
// master position whose follower trade is still open (or never linked), i.e.
// the set that must receive close commands when the master closes.
func (s *Store) ListExecutedCopyTradesForMasterTicket(ctx context.Context, masterID int64, masterTicket types.Ticket) ([]*types.CopyTrade, error) {
	return s.listExecuted(ctx,
		`f.master_id = ? AND ct.master_ticket = ?`, masterID, masterTicket)
}

// ListExecutedCopyTradesForMaster returns every live mirror of the master's
// positions, used when the master's book clears at once.
func (s *Store) ListExecutedCopyTradesForMaster(ctx context.Context, masterID int64) ([]*types.CopyTrade, error) {
	return s.listExecuted(ctx, `f.master_id = ?`, masterID)
}

func (s *Store) listExecuted(ctx context.Context, where string, args ...any) ([]*types.CopyTrade, error) {
	query := `SELECT ` + copyCols + ` FROM copy_trades ct
		 JOIN follows f ON f.id = ct.follow_id
		 LEFT JOIN trades ft ON ft.id = ct.follower_trade_id
		 WHERE ` + where + ` AND ct.status = ? AND (ft.id IS NULL OR ft.status = ?)
		 ORDER BY ct.id`
	args = append(args, string(types.CopyExecuted), string(types.TradeOpen))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executed copy trades: %w", err)
	}
	defer rows.Close()
	return collectCopyTrades(rows)
}

// ListCopyTradesForFollower returns the follower's ledger, newest first.
func (s *Store) ListCopyTradesForFollower(ctx context.Context, followerID int64) ([]*types.CopyTrade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+copyCols+` FROM copy_trades ct
		 JOIN follows f ON f.id = ct.follow_id
		 WHERE f.follower_id = ? ORDER BY ct.id DESC`, followerID)
	if err != nil {
		return nil, fmt.Errorf("list copy trades: %w", err)
	}
	defer rows.Close()
	return collectCopyTrades(rows)
}

// ListUnmirroredOpenMasterTrades returns the master's open trades the follow
// edge has not yet mirrored — no record at all, or only pendings awaiting
// dispatch. Trades with an executed, failed, or closed record are excluded.
func (s *Store) ListUnmirroredOpenMasterTrades(ctx context.Context, followID, masterID int64) ([]*types.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tradeCols+` FROM trades
		 WHERE user_id = ? AND status = ?
		   AND NOT EXISTS (
			SELECT 1 FROM copy_trades ct
			WHERE ct.follow_id = ? AND ct.master_trade_id = trades.id
			  AND ct.status IN (?, ?, ?))
		 ORDER BY open_time, id`,
		masterID, string(types.TradeOpen), followID,
		string(types.CopyExecuted), string(types.CopyFailed), string(types.CopyClosed))
	if err != nil {
		return nil, fmt.Errorf("list unmirrored trades: %w", err)
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

func collectCopyTrades(rows *sql.Rows) ([]*types.CopyTrade, error) {
	var out []*types.CopyTrade
	for rows.Next() {
		ct, err := scanCopyTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Tx wrappers used by snapshot reconciliation
// ————————————————————————————————————————————————————————————————————————

// LinkableCopyTrades returns the follower's non-terminal ledger records so
// the reconciler can promote pendings (and backfill trade links) against an
// incoming positions snapshot.
func (t *Tx) LinkableCopyTrades(ctx context.Context, followerID int64) ([]*types.CopyTrade, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+copyCols+` FROM copy_trades ct
		 JOIN follows f ON f.id = ct.follow_id
		 WHERE f.follower_id = ? AND ct.status IN (?, ?)
		 ORDER BY ct.id`,
		followerID, string(types.CopyPending), string(types.CopyExecuted))
	if err != nil {
		return nil, fmt.Errorf("linkable copy trades: %w", err)
	}
	defer rows.Close()
	return collectCopyTrades(rows)
}

func (t *Tx) LinkCopyExecution(ctx context.Context, id int64, followerTicket types.Ticket, followerTradeID *int64, at time.Time) (*types.CopyTrade, error) {
	return linkCopyExecution(ctx, t.tx, id, followerTicket, followerTradeID, at)
}

func (t *Tx) SetCopyFollowerTradeID(ctx context.Context, id, tradeID int64) error {
	return setCopyFollowerTradeID(ctx, t.tx, id, tradeID)
}
