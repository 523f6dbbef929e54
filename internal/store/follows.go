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

const followCols = `id, follower_id, master_id, copy_percentage, max_risk_per_trade, is_active, created_at`

func scanFollow(r rowScanner) (*types.Follow, error) {
	var f types.Follow
	var createdAt int64
	err := r.Scan(&f.ID, &f.FollowerID, &f.MasterID, &f.CopyPercentage, &f.MaxRiskPerTrade,
		&f.IsActive, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan follow: %w", err)
	}
	f.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &f, nil
}

// CreateFollow adds (or reactivates) the follower→master edge. A dormant
// edge left by an earlier unfollow is revived with the new parameters so the
// ledger history attached to it stays intact.
func (s *Store) CreateFollow(ctx context.Context, followerID, masterID int64, copyPct, maxRisk decimal.Decimal) (*types.Follow, error) {
	if followerID == masterID {
		return nil, ErrSelfFollow
	}

	existing, err := s.GetFollowByPair(ctx, followerID, masterID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		if existing.IsActive {
			return nil, ErrDuplicateFollow
		}
		_, err := s.db.ExecContext(ctx,
			`UPDATE follows SET is_active = 1, copy_percentage = ?, max_risk_per_trade = ? WHERE id = ?`,
			copyPct, maxRisk, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("reactivate follow: %w", err)
		}
		return s.GetFollow(ctx, existing.ID)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO follows (follower_id, master_id, copy_percentage, max_risk_per_trade, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		followerID, masterID, copyPct, maxRisk, time.Now().Unix())
	if err != nil {
		if isUniqueViolation(err, "follows") {
			return nil, ErrDuplicateFollow
		}
		return nil, fmt.Errorf("insert follow: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert follow id: %w", err)
	}
	return s.GetFollow(ctx, id)
}

// DeactivateFollow ends copying without deleting the edge.
func (s *Store) DeactivateFollow(ctx context.Context, followerID, masterID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE follows SET is_active = 0 WHERE follower_id = ? AND master_id = ? AND is_active = 1`,
		followerID, masterID)
	if err != nil {
		return fmt.Errorf("deactivate follow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetFollow(ctx context.Context, id int64) (*types.Follow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+followCols+` FROM follows WHERE id = ?`, id)
	return scanFollow(row)
}

// GetFollowByPair returns the edge in any state; callers check IsActive.
func (s *Store) GetFollowByPair(ctx context.Context, followerID, masterID int64) (*types.Follow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+followCols+` FROM follows WHERE follower_id = ? AND master_id = ?`,
		followerID, masterID)
	return scanFollow(row)
}

// ListActiveFollowsOfMaster returns the fan-out set for one master.
func (s *Store) ListActiveFollowsOfMaster(ctx context.Context, masterID int64) ([]*types.Follow, error) {
	return s.listFollows(ctx, `master_id`, masterID)
}

// ListActiveFollowsOfFollower returns the masters one user copies.
func (s *Store) ListActiveFollowsOfFollower(ctx context.Context, followerID int64) ([]*types.Follow, error) {
	return s.listFollows(ctx, `follower_id`, followerID)
}

func (s *Store) listFollows(ctx context.Context, col string, id int64) ([]*types.Follow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+followCols+` FROM follows WHERE `+col+` = ? AND is_active = 1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list follows: %w", err)
	}
	defer rows.Close()

	var out []*types.Follow
	for rows.Next() {
		f, err := scanFollow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListFollowerIDsOfMaster returns ids of users actively copying the master.
func (s *Store) ListFollowerIDsOfMaster(ctx context.Context, masterID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT follower_id FROM follows WHERE master_id = ? AND is_active = 1 ORDER BY follower_id`, masterID)
	if err != nil {
		return nil, fmt.Errorf("list follower ids: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan follower id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
