// Package auth implements account registration, login, session tokens, and
// API key issuance and verification for desktop clients.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"copyarena/internal/config"
	"copyarena/internal/store"
	"copyarena/pkg/types"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInvalidAPIKey      = errors.New("auth: invalid api key")
	ErrInvalidToken       = errors.New("auth: invalid session token")
	ErrInactiveAccount    = errors.New("auth: account deactivated")
	ErrEmailFormat        = errors.New("auth: invalid email address")
	ErrUsernameFormat     = errors.New("auth: username must be at least 3 characters")
	ErrPasswordFormat     = errors.New("auth: password too short")
)

const sessionPrefix = "session_"

// SessionToken derives the opaque bearer token for browser sessions.
func SessionToken(userID int64) string {
	return sessionPrefix + strconv.FormatInt(userID, 10)
}

// cacheEntry pins the key's owner and the generation the key belonged to
// when cached. A hit is re-verified against the live user row, so a rotated
// or deactivated key dies within one request.
type cacheEntry struct {
	userID     int64
	generation int64
}

// Service owns authentication state. Safe for concurrent use.
type Service struct {
	store  *store.Store
	cfg    config.AuthConfig
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

func NewService(st *store.Store, cfg config.AuthConfig, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		cfg:    cfg,
		logger: logger.With("component", "auth"),
		cache:  make(map[string]cacheEntry),
	}
}

// Register creates an account and issues its first API key.
func (s *Service) Register(ctx context.Context, email, username, password string) (*types.User, string, error) {
	email = strings.TrimSpace(email)
	username = strings.TrimSpace(username)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, "", ErrEmailFormat
	}
	if len(username) < 3 {
		return nil, "", ErrUsernameFormat
	}
	if len(password) < s.cfg.MinPasswordLen {
		return nil, "", ErrPasswordFormat
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	u, err := s.store.CreateUser(ctx, email, username, string(hash))
	if err != nil {
		return nil, "", err
	}

	key, err := s.assignKey(ctx, u.ID)
	if err != nil {
		return nil, "", err
	}
	u, err = s.store.GetUserByID(ctx, u.ID)
	if err != nil {
		return nil, "", err
	}
	s.logger.Info("user registered", "user_id", u.ID, "username", u.Username)
	return u, key, nil
}

// Login verifies credentials and returns the user, their session token, and
// their current API key (issuing one if the account somehow has none).
func (s *Service) Login(ctx context.Context, email, password, ip string) (*types.User, string, error) {
	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, "", ErrInvalidCredentials
	}
	if !u.IsActive {
		return nil, "", ErrInactiveAccount
	}

	if u.APIKey == "" {
		if _, err := s.assignKey(ctx, u.ID); err != nil {
			return nil, "", err
		}
		if u, err = s.store.GetUserByID(ctx, u.ID); err != nil {
			return nil, "", err
		}
	}

	if ip != "" {
		if err := s.store.SetLastLoginIP(ctx, u.ID, ip); err != nil {
			s.logger.Warn("record login ip", "user_id", u.ID, "error", err)
		}
	}

	s.logger.Info("user logged in", "user_id", u.ID, "username", u.Username)
	return u, SessionToken(u.ID), nil
}

// VerifySessionToken resolves a browser bearer token to its user.
func (s *Service) VerifySessionToken(ctx context.Context, token string) (*types.User, error) {
	raw, ok := strings.CutPrefix(token, sessionPrefix)
	if !ok {
		return nil, ErrInvalidToken
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, ErrInvalidToken
	}
	u, err := s.store.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if !u.IsActive {
		return nil, ErrInactiveAccount
	}
	return u, nil
}

// VerifyAPIKey resolves an ingestion credential to its user. Cache hits are
// re-verified against the live row: the key must still be the account's
// current key, at the cached generation, on an active account.
func (s *Service) VerifyAPIKey(ctx context.Context, key string) (*types.User, error) {
	if !ValidKeyFormat(key) {
		return nil, ErrInvalidAPIKey
	}

	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		u, err := s.store.GetUserByID(ctx, entry.userID)
		if err == nil && u.APIKey == key && u.IsActive && u.KeyGeneration == entry.generation {
			return u, nil
		}
		s.mu.Lock()
		delete(s.cache, key)
		s.mu.Unlock()
	}

	u, err := s.store.GetUserByAPIKey(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}
	if !u.IsActive {
		return nil, ErrInactiveAccount
	}

	s.mu.Lock()
	s.cache[key] = cacheEntry{userID: u.ID, generation: u.KeyGeneration}
	s.mu.Unlock()
	return u, nil
}

// RotateAPIKey replaces the user's key. The old key is evicted from the
// verification cache immediately; the generation bump covers any copy of it
// cached elsewhere.
func (s *Service) RotateAPIKey(ctx context.Context, userID int64) (string, error) {
	u, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	key, err := s.assignKey(ctx, userID)
	if err != nil {
		return "", err
	}
	if u.APIKey != "" {
		s.mu.Lock()
		delete(s.cache, u.APIKey)
		s.mu.Unlock()
	}
	s.logger.Info("api key rotated", "user_id", userID)
	return key, nil
}

// assignKey installs a freshly generated key, retrying the astronomically
// unlikely uniqueness collision a bounded number of times.
func (s *Service) assignKey(ctx context.Context, userID int64) (string, error) {
	var lastErr error
	for i := 0; i < s.cfg.KeyRetryLimit; i++ {
		key, err := GenerateAPIKey(userID)
		if err != nil {
			return "", err
		}
		if _, err := s.store.SetAPIKey(ctx, userID, key); err != nil {
			if errors.Is(err, store.ErrDuplicateAPIKey) {
				lastErr = err
				continue
			}
			return "", err
		}
		return key, nil
	}
	return "", fmt.Errorf("allocate api key after %d attempts: %w", s.cfg.KeyRetryLimit, lastErr)
}
