package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"copyarena/internal/auth"
	"copyarena/internal/ingest"
	"copyarena/internal/store"
	"copyarena/pkg/types"
)

// Ingestor accepts one client snapshot for asynchronous reconciliation.
type Ingestor interface {
	Enqueue(ctx context.Context, owner *types.User, env types.IngestEnvelope) error
}

// Handlers carries the dependencies of every HTTP endpoint.
type Handlers struct {
	store    *store.Store
	auth     *auth.Service
	ingest   Ingestor
	hub      SessionHub
	upgrader websocket.Upgrader
	limiter  *credentialLimiter
	logger   *slog.Logger
}

func NewHandlers(st *store.Store, authSvc *auth.Service, ing Ingestor, h SessionHub, allowedOrigins []string, logger *slog.Logger) *Handlers {
	return &Handlers{
		store:    st,
		auth:     authSvc,
		ingest:   ing,
		hub:      h,
		upgrader: newUpgrader(allowedOrigins),
		limiter:  newCredentialLimiter(credentialBurst, credentialRefill),
		logger:   logger.With("component", "api"),
	}
}

// requireSession wraps a handler with bearer-token auth.
func (h *Handlers) requireSession(next func(http.ResponseWriter, *http.Request, *types.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			respondDetail(w, http.StatusUnauthorized, "Missing bearer token")
			return
		}
		user, err := h.auth.VerifySessionToken(r.Context(), token)
		if err != nil {
			respondError(w, err)
			return
		}
		next(w, r, user)
	}
}

func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	user, token, err := h.auth.Register(r.Context(), req.Email, req.Username, req.Password)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, authResponse{User: user, Token: token})
}

func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	user, token, err := h.auth.Login(r.Context(), req.Email, req.Password, clientIP(r))
	if err != nil {
		respondError(w, err)
		return
	}
	if err := h.store.SetOnline(r.Context(), user.ID, true); err != nil {
		h.logger.Warn("set online on login", "user_id", user.ID, "error", err)
	}
	respondJSON(w, http.StatusOK, authResponse{User: user, Token: token})
}

func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request, user *types.User) {
	if err := h.store.SetOnline(r.Context(), user.ID, false); err != nil {
		h.logger.Warn("set offline on logout", "user_id", user.ID, "error", err)
	}
	respondJSON(w, http.StatusOK, statusResponse{Status: "success"})
}

// HandleSessionGone answers the retired cookie-session endpoints.
func (h *Handlers) HandleSessionGone(w http.ResponseWriter, r *http.Request) {
	respondDetail(w, http.StatusGone, "Session endpoint removed; authenticate with bearer tokens")
}

// HandleEAData ingests one desktop-client snapshot. The API key travels in
// the body; optional user_id/username claims must match the key's owner.
func (h *Handlers) HandleEAData(w http.ResponseWriter, r *http.Request) {
	var env types.IngestEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		respondDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if env.APIKey == "" {
		respondDetail(w, http.StatusUnauthorized, "Missing API key")
		return
	}

	user, err := h.auth.VerifyAPIKey(r.Context(), env.APIKey)
	if err != nil {
		respondError(w, err)
		return
	}

	if env.UserID != 0 && env.UserID != user.ID {
		h.logger.Warn("ingestion identity mismatch",
			"key_owner", user.ID, "claimed_id", env.UserID, "remote", clientIP(r))
		respondDetail(w, http.StatusForbidden, "API key does not belong to the claimed user")
		return
	}
	if env.Username != "" && !strings.EqualFold(env.Username, user.Username) {
		h.logger.Warn("ingestion identity mismatch",
			"key_owner", user.ID, "claimed_username", env.Username, "remote", clientIP(r))
		respondDetail(w, http.StatusForbidden, "API key does not belong to the claimed user")
		return
	}

	h.bindIP(r.Context(), user, clientIP(r))

	if err := h.ingest.Enqueue(r.Context(), user, env); err != nil {
		switch {
		case errors.Is(err, ingest.ErrUnknownPayloadType):
			respondDetail(w, http.StatusBadRequest, "Unknown payload type")
		case errors.Is(err, ingest.ErrShuttingDown):
			respondDetail(w, http.StatusServiceUnavailable, "Server is shutting down")
		default:
			respondDetail(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	respondJSON(w, http.StatusOK, statusResponse{Status: "success"})
}

// bindIP pins the client address on first ingestion; later changes are
// logged prominently but allowed (VPNs and DHCP churn are routine).
func (h *Handlers) bindIP(ctx context.Context, user *types.User, ip string) {
	if ip == "" {
		return
	}
	if user.LastLoginIP == "" {
		if err := h.store.SetLastLoginIP(ctx, user.ID, ip); err != nil {
			h.logger.Warn("bind client ip", "user_id", user.ID, "error", err)
		}
		return
	}
	if user.LastLoginIP != ip {
		h.logger.Warn("client ip changed since binding",
			"user_id", user.ID, "bound_ip", user.LastLoginIP, "remote_ip", ip)
	}
}

func (h *Handlers) HandleTrades(w http.ResponseWriter, r *http.Request, user *types.User) {
	trades, err := h.store.ListTrades(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("list trades", "user_id", user.ID, "error", err)
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tradesResponse{Trades: trades, Count: len(trades)})
}

func (h *Handlers) HandleCopyTrades(w http.ResponseWriter, r *http.Request, user *types.User) {
	records, err := h.store.ListCopyTradesForFollower(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("list copy trades", "user_id", user.ID, "error", err)
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, copyTradesResponse{CopyTrades: records, Count: len(records)})
}

func (h *Handlers) HandleAccountStats(w http.ResponseWriter, r *http.Request, user *types.User) {
	resp := statsResponse{}

	conn, err := h.store.GetConnection(r.Context(), user.ID)
	switch {
	case err == nil:
		resp.Account = accountSection{
			Login:       conn.Login,
			Server:      conn.Server,
			Company:     conn.Company,
			Currency:    conn.Currency,
			Balance:     conn.Balance,
			Equity:      conn.Equity,
			Margin:      conn.Margin,
			FreeMargin:  conn.FreeMargin,
			MarginLevel: conn.MarginLevel,
		}
		resp.Status = statusSection{MT5Connected: conn.IsConnected, LastUpdate: &conn.LastSync}
	case errors.Is(err, store.ErrNotFound):
		// No client has ever reported; sections stay zero.
	default:
		h.logger.Error("get connection", "user_id", user.ID, "error", err)
		respondError(w, err)
		return
	}

	stats, err := h.store.GetTradeStats(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("trade stats", "user_id", user.ID, "error", err)
		respondError(w, err)
		return
	}
	resp.Trading = stats

	respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleProfile(w http.ResponseWriter, r *http.Request, user *types.User) {
	respondJSON(w, http.StatusOK, profileResponse{User: user, APIKey: user.APIKey})
}

func (h *Handlers) HandleRegenerateKey(w http.ResponseWriter, r *http.Request, user *types.User) {
	key, err := h.auth.RotateAPIKey(r.Context(), user.ID)
	if err != nil {
		h.logger.Error("rotate api key", "user_id", user.ID, "error", err)
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, apiKeyResponse{APIKey: key})
}

func (h *Handlers) HandleMasterTrader(w http.ResponseWriter, r *http.Request, user *types.User) {
	var req masterTraderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.store.SetMasterTrader(r.Context(), user.ID, req.IsMaster); err != nil {
		respondError(w, err)
		return
	}
	updated, err := h.store.GetUserByID(r.Context(), user.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (h *Handlers) HandleMarketplace(w http.ResponseWriter, r *http.Request) {
	traders, err := h.store.ListMarketplaceTraders(r.Context())
	if err != nil {
		h.logger.Error("marketplace traders", "error", err)
		respondDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	respondJSON(w, http.StatusOK, tradersResponse{Traders: traders, Count: len(traders)})
}

var (
	defaultCopyPercentage = decimal.NewFromInt(100)
	defaultMaxRisk        = decimal.NewFromInt(10)
	maxCopyPercentage     = decimal.NewFromInt(100)
	minRiskPerTrade       = decimal.NewFromFloat(0.1)
	maxRiskPerTrade       = decimal.NewFromInt(10)
)

func (h *Handlers) HandleFollow(w http.ResponseWriter, r *http.Request, user *types.User) {
	masterID, ok := pathUserID(r)
	if !ok {
		respondDetail(w, http.StatusBadRequest, "Invalid master id")
		return
	}

	var req followRequest
	if r.Body != nil {
		// Body is optional; a bare POST follows with stock parameters.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondDetail(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	copyPct, maxRisk := defaultCopyPercentage, defaultMaxRisk
	if req.CopyPercentage != nil {
		copyPct = *req.CopyPercentage
	}
	if req.MaxRiskPerTrade != nil {
		maxRisk = *req.MaxRiskPerTrade
	}
	if copyPct.IsNegative() || copyPct.GreaterThan(maxCopyPercentage) {
		respondDetail(w, http.StatusBadRequest, "copy_percentage must be between 0 and 100")
		return
	}
	if maxRisk.LessThan(minRiskPerTrade) || maxRisk.GreaterThan(maxRiskPerTrade) {
		respondDetail(w, http.StatusBadRequest, "max_risk_per_trade must be between 0.1 and 10")
		return
	}

	master, err := h.store.GetUserByID(r.Context(), masterID)
	if err != nil || !master.IsMaster {
		respondDetail(w, http.StatusNotFound, "Master trader not found")
		return
	}

	follow, err := h.store.CreateFollow(r.Context(), user.ID, masterID, copyPct, maxRisk)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, follow)
}

func (h *Handlers) HandleUnfollow(w http.ResponseWriter, r *http.Request, user *types.User) {
	masterID, ok := pathUserID(r)
	if !ok {
		respondDetail(w, http.StatusBadRequest, "Invalid master id")
		return
	}
	if err := h.store.DeactivateFollow(r.Context(), user.ID, masterID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondDetail(w, http.StatusNotFound, "Not following this trader")
			return
		}
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, statusResponse{Status: "success"})
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, healthResponse{Status: "ok", Time: time.Now().UTC()})
}

// pathUserID reads the numeric id path variable.
func pathUserID(r *http.Request) (int64, bool) {
	for _, key := range []string{"master_id", "user_id"} {
		if raw, ok := mux.Vars(r)[key]; ok {
			id, err := strconv.ParseInt(raw, 10, 64)
			return id, err == nil && id > 0
		}
	}
	return 0, false
}
