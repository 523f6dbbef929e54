package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"copyarena/pkg/types"
)

const userCols = `id, email, username, password_hash, COALESCE(api_key, ''), key_generation,
	is_active, is_master, is_online, COALESCE(last_login_ip, ''), last_seen, created_at`

func scanUser(r rowScanner) (*types.User, error) {
	var u types.User
	var lastSeen sql.NullInt64
	var createdAt int64
	err := r.Scan(&u.ID, &u.Email, &u.Username, &u.PasswordHash, &u.APIKey, &u.KeyGeneration,
		&u.IsActive, &u.IsMaster, &u.IsOnline, &u.LastLoginIP, &lastSeen, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if lastSeen.Valid {
		u.LastSeen = time.Unix(lastSeen.Int64, 0).UTC()
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &u, nil
}

// CreateUser registers a new account. The API key is assigned separately so
// key material never rides through the registration path twice.
func (s *Store) CreateUser(ctx context.Context, email, username, passwordHash string) (*types.User, error) {
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		email, username, passwordHash, now)
	if err != nil {
		switch {
		case isUniqueViolation(err, "email"):
			return nil, ErrDuplicateEmail
		case isUniqueViolation(err, "username"):
			return nil, ErrDuplicateUsername
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert user id: %w", err)
	}
	return s.GetUserByID(ctx, id)
}

// GetUserByID looks up one user.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*types.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByEmail resolves a login identifier case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE lower(email) = lower(?)`, email)
	return scanUser(row)
}

// GetUserByUsername looks up one user by display name.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*types.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE username = ?`, username)
	return scanUser(row)
}

// GetUserByAPIKey resolves an ingestion credential to its owner.
func (s *Store) GetUserByAPIKey(ctx context.Context, key string) (*types.User, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE api_key = ?`, key)
	return scanUser(row)
}

// SetAPIKey installs key as the user's sole ingestion credential and bumps
// the key generation, revoking whatever key was active before. Returns the
// new generation.
func (s *Store) SetAPIKey(ctx context.Context, userID int64, key string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET api_key = ?, key_generation = key_generation + 1 WHERE id = ?`,
		key, userID)
	if err != nil {
		if isUniqueViolation(err, "api_key") {
			return 0, ErrDuplicateAPIKey
		}
		return 0, fmt.Errorf("set api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("set api key: %w", err)
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	var gen int64
	if err := s.db.QueryRowContext(ctx, `SELECT key_generation FROM users WHERE id = ?`, userID).Scan(&gen); err != nil {
		return 0, fmt.Errorf("read key generation: %w", err)
	}
	return gen, nil
}

// SetOnline updates the presence flag and stamps last_seen.
func (s *Store) SetOnline(ctx context.Context, userID int64, online bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_online = ?, last_seen = ? WHERE id = ?`,
		online, time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("set online: %w", err)
	}
	return nil
}

// SetMasterTrader toggles whether the user's positions are replicated.
func (s *Store) SetMasterTrader(ctx context.Context, userID int64, master bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_master = ? WHERE id = ?`, master, userID)
	if err != nil {
		return fmt.Errorf("set master trader: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLastLoginIP records the source address of the latest successful login.
// Ingestion cross-checks it when binding a desktop client to the account.
func (s *Store) SetLastLoginIP(ctx context.Context, userID int64, ip string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_ip = ? WHERE id = ?`, ip, userID)
	if err != nil {
		return fmt.Errorf("set last login ip: %w", err)
	}
	return nil
}
