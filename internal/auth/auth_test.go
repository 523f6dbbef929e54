package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"copyarena/internal/config"
	"copyarena/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), time.Second, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Default().Auth
	cfg.BcryptCost = bcrypt.MinCost
	return NewService(st, cfg, logger), st
}

func TestGenerateAPIKeyFormat(t *testing.T) {
	t.Parallel()
	key, err := GenerateAPIKey(9)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(key) != keyLength {
		t.Fatalf("length: got %d, want %d: %s", len(key), keyLength, key)
	}
	if !strings.HasPrefix(key, "ca_00000009_") {
		t.Errorf("prefix: got %s", key[:12])
	}
	for _, c := range key[12:24] {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Fatalf("sha segment not hex: %s", key[12:24])
		}
	}
	for _, c := range key[25:41] {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Fatalf("blake segment not hex: %s", key[25:41])
		}
	}
	tail := key[len(key)-8:]
	for _, c := range tail {
		if c < '0' || c > '9' {
			t.Fatalf("timestamp tail not numeric: %s", tail)
		}
	}
	if !ValidKeyFormat(key) {
		t.Error("generated key fails its own format check")
	}
}

func TestGenerateAPIKeyUnique(t *testing.T) {
	t.Parallel()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key, err := GenerateAPIKey(42)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if seen[key] {
			t.Fatalf("duplicate key after %d generations", i)
		}
		seen[key] = true
	}
}

func TestValidKeyFormat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"empty", "", false},
		{"wrong prefix", strings.Repeat("x", keyLength), false},
		{"too short", "ca_123", false},
		{"right shape", "ca_" + strings.Repeat("a", keyLength-3), true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ValidKeyFormat(tt.key); got != tt.want {
				t.Errorf("ValidKeyFormat(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		email    string
		username string
		password string
		wantErr  error
	}{
		{"bad email", "not-an-email", "trader", "secret1", ErrEmailFormat},
		{"short username", "a@example.com", "ab", "secret1", ErrUsernameFormat},
		{"short password", "a@example.com", "trader", "abc", ErrPasswordFormat},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := s.Register(ctx, tt.email, tt.username, tt.password)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegisterIssuesWorkingKey(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	u, key, err := s.Register(ctx, "trader@example.com", "trader", "secret1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !ValidKeyFormat(key) {
		t.Errorf("issued key malformed: %s", key)
	}
	if u.APIKey != key {
		t.Errorf("user record key %q != issued %q", u.APIKey, key)
	}

	got, err := s.VerifyAPIKey(ctx, key)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("verified wrong user: %d != %d", got.ID, u.ID)
	}

	if _, _, err := s.Register(ctx, "trader@example.com", "other", "secret1"); !errors.Is(err, store.ErrDuplicateEmail) {
		t.Errorf("duplicate email: got %v", err)
	}
}

func TestLogin(t *testing.T) {
	t.Parallel()
	s, st := newTestService(t)
	ctx := context.Background()

	u, _, err := s.Register(ctx, "trader@example.com", "trader", "secret1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, _, err := s.Login(ctx, "trader@example.com", "wrong", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v", err)
	}
	if _, _, err := s.Login(ctx, "nobody@example.com", "secret1", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown email: got %v", err)
	}

	got, token, err := s.Login(ctx, "Trader@Example.com", "secret1", "203.0.113.7")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("logged in wrong user")
	}
	if token != SessionToken(u.ID) {
		t.Errorf("token: got %q, want %q", token, SessionToken(u.ID))
	}

	fresh, err := st.GetUserByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if fresh.LastLoginIP != "203.0.113.7" {
		t.Errorf("login ip: got %q", fresh.LastLoginIP)
	}
}

func TestVerifySessionToken(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	u, _, err := s.Register(ctx, "trader@example.com", "trader", "secret1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := s.VerifySessionToken(ctx, SessionToken(u.ID))
	if err != nil || got.ID != u.ID {
		t.Fatalf("valid token: got %v, %v", got, err)
	}

	for _, token := range []string{"", "session_", "session_abc", "session_999999", "bearer_1"} {
		if _, err := s.VerifySessionToken(ctx, token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("token %q: got %v, want ErrInvalidToken", token, err)
		}
	}
}

func TestRotationRevokesOldKeyImmediately(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t)
	ctx := context.Background()

	u, oldKey, err := s.Register(ctx, "trader@example.com", "trader", "secret1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	// Prime the verification cache.
	if _, err := s.VerifyAPIKey(ctx, oldKey); err != nil {
		t.Fatalf("prime cache: %v", err)
	}

	newKey, err := s.RotateAPIKey(ctx, u.ID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if newKey == oldKey {
		t.Fatal("rotation returned the same key")
	}

	if _, err := s.VerifyAPIKey(ctx, oldKey); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("old key after rotation: got %v, want ErrInvalidAPIKey", err)
	}
	got, err := s.VerifyAPIKey(ctx, newKey)
	if err != nil || got.ID != u.ID {
		t.Errorf("new key: got %v, %v", got, err)
	}
}

func TestVerifyAPIKeyCacheSelfHeals(t *testing.T) {
	t.Parallel()
	s, st := newTestService(t)
	ctx := context.Background()

	u, oldKey, err := s.Register(ctx, "trader@example.com", "trader", "secret1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := s.VerifyAPIKey(ctx, oldKey); err != nil {
		t.Fatalf("prime cache: %v", err)
	}

	// Rotate behind the service's back: the stale cache entry must fail its
	// re-verification and fall through to a rejecting lookup.
	replacement, err := GenerateAPIKey(u.ID)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := st.SetAPIKey(ctx, u.ID, replacement); err != nil {
		t.Fatalf("set key: %v", err)
	}

	if _, err := s.VerifyAPIKey(ctx, oldKey); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("stale cached key: got %v, want ErrInvalidAPIKey", err)
	}
	if _, err := s.VerifyAPIKey(ctx, replacement); err != nil {
		t.Errorf("replacement key: %v", err)
	}
}
