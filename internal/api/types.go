package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"copyarena/internal/auth"
	"copyarena/internal/store"
	"copyarena/pkg/types"
)

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	User  *types.User `json:"user"`
	Token string      `json:"token"`
}

type profileResponse struct {
	User   *types.User `json:"user"`
	APIKey string      `json:"api_key"`
}

type masterTraderRequest struct {
	IsMaster bool `json:"is_master_trader"`
}

// followRequest tunes one copy relation. Absent fields take the stock
// full-copy parameters.
type followRequest struct {
	CopyPercentage  *decimal.Decimal `json:"copy_percentage"`
	MaxRiskPerTrade *decimal.Decimal `json:"max_risk_per_trade"`
}

type tradesResponse struct {
	Trades []*types.Trade `json:"trades"`
	Count  int            `json:"count"`
}

type copyTradesResponse struct {
	CopyTrades []*types.CopyTrade `json:"copy_trades"`
	Count      int                `json:"count"`
}

type tradersResponse struct {
	Traders []*store.TraderSummary `json:"traders"`
	Count   int                    `json:"count"`
}

// statsResponse is the three-section account document the dashboard reads.
type statsResponse struct {
	Account accountSection    `json:"account"`
	Trading *store.TradeStats `json:"trading"`
	Status  statusSection     `json:"status"`
}

type accountSection struct {
	Login       int64           `json:"login"`
	Server      string          `json:"server"`
	Company     string          `json:"company"`
	Currency    string          `json:"currency"`
	Balance     decimal.Decimal `json:"balance"`
	Equity      decimal.Decimal `json:"equity"`
	Margin      decimal.Decimal `json:"margin"`
	FreeMargin  decimal.Decimal `json:"free_margin"`
	MarginLevel decimal.Decimal `json:"margin_level"`
}

type statusSection struct {
	MT5Connected bool       `json:"mt5_connected"`
	LastUpdate   *time.Time `json:"last_update"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type apiKeyResponse struct {
	APIKey string `json:"api_key"`
}

type healthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Detail string `json:"detail"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("encode response", "error", err)
	}
}

func respondDetail(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, errorResponse{Detail: detail})
}

// respondError maps domain sentinels onto the HTTP taxonomy.
func respondError(w http.ResponseWriter, err error) {
	respondDetail(w, errStatus(err), errDetail(err))
}

func errStatus(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrInvalidAPIKey):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrInactiveAccount):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateEmail),
		errors.Is(err, store.ErrDuplicateUsername),
		errors.Is(err, store.ErrDuplicateFollow),
		errors.Is(err, store.ErrSelfFollow),
		errors.Is(err, auth.ErrEmailFormat),
		errors.Is(err, auth.ErrUsernameFormat),
		errors.Is(err, auth.ErrPasswordFormat):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errDetail(err error) string {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return "Invalid email or password"
	case errors.Is(err, auth.ErrInvalidToken):
		return "Invalid or expired session"
	case errors.Is(err, auth.ErrInvalidAPIKey):
		return "Invalid API key"
	case errors.Is(err, auth.ErrInactiveAccount):
		return "Account is deactivated"
	case errors.Is(err, store.ErrNotFound):
		return "Not found"
	case errors.Is(err, store.ErrDuplicateEmail):
		return "Email already registered"
	case errors.Is(err, store.ErrDuplicateUsername):
		return "Username already taken"
	case errors.Is(err, store.ErrDuplicateFollow):
		return "Already following this trader"
	case errors.Is(err, store.ErrSelfFollow):
		return "Cannot follow yourself"
	case errors.Is(err, auth.ErrEmailFormat):
		return "Invalid email address"
	case errors.Is(err, auth.ErrUsernameFormat):
		return "Username must be at least 3 characters"
	case errors.Is(err, auth.ErrPasswordFormat):
		return "Password must be at least 6 characters"
	default:
		return "Internal server error"
	}
}
