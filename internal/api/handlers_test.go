package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"copyarena/internal/auth"
	"copyarena/internal/config"
	"copyarena/internal/events"
	"copyarena/internal/hub"
	"copyarena/internal/ingest"
	"copyarena/internal/notify"
	"copyarena/internal/store"
	"copyarena/pkg/types"
)

// testServer wires the real store, auth service, hub, and reconciler behind
// an httptest listener so handlers are exercised through the actual router.
type testServer struct {
	ts    *httptest.Server
	store *store.Store
	hub   *hub.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"), time.Second, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Auth.BcryptCost = bcrypt.MinCost

	authSvc := auth.NewService(st, cfg.Auth, logger)
	h := hub.New(cfg.Hub, logger)
	q := events.NewQueue(cfg.Replicate.QueueSize, logger)
	rec := ingest.NewReconciler(st, q, h, notify.New(h, st, logger), cfg.Ingest, logger)
	t.Cleanup(func() {
		rec.Stop()
		q.Close()
	})

	srv := NewServer(cfg.Server, st, authSvc, rec, h, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{ts: ts, store: st, hub: h}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func detailOf(t *testing.T, resp *http.Response) string {
	t.Helper()
	var out errorResponse
	decodeBody(t, resp, &out)
	return out.Detail
}

func (s *testServer) register(t *testing.T, email, username, password string) authResponse {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/api/auth/register", "", registerRequest{
		Email: email, Username: username, Password: password,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register %s: status %d, detail %q", username, resp.StatusCode, detailOf(t, resp))
	}
	var out authResponse
	decodeBody(t, resp, &out)
	return out
}

func (s *testServer) apiKey(t *testing.T, token string) string {
	t.Helper()
	resp := s.do(t, http.MethodGet, "/api/user/profile", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("profile: status %d", resp.StatusCode)
	}
	var out profileResponse
	decodeBody(t, resp, &out)
	return out.APIKey
}

func (s *testServer) postEA(t *testing.T, env types.IngestEnvelope) *http.Response {
	t.Helper()
	return s.do(t, http.MethodPost, "/api/ea/data", "", env)
}

func rawData(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func accountData(t *testing.T, login int64) json.RawMessage {
	t.Helper()
	return rawData(t, map[string]any{
		"login":        login,
		"currency":     "USD",
		"balance":      "10000.00",
		"equity":       "10050.00",
		"margin":       "500.00",
		"free_margin":  "9550.00",
		"margin_level": "2010.00",
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegisterLoginLogout(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	reg := s.register(t, "alice@example.com", "alice", "secret123")
	if reg.User == nil || reg.User.ID == 0 {
		t.Fatalf("register returned no user: %+v", reg)
	}
	if reg.Token == "" {
		t.Fatal("register returned empty token")
	}
	if reg.User.Username != "alice" || reg.User.Email != "alice@example.com" {
		t.Errorf("unexpected user doc: %+v", reg.User)
	}

	tests := []struct {
		name   string
		body   registerRequest
		detail string
	}{
		{
			name:   "duplicate email",
			body:   registerRequest{Email: "alice@example.com", Username: "alice2", Password: "secret123"},
			detail: "Email already registered",
		},
		{
			name:   "duplicate username",
			body:   registerRequest{Email: "alice2@example.com", Username: "alice", Password: "secret123"},
			detail: "Username already taken",
		},
		{
			name:   "short password",
			body:   registerRequest{Email: "bob@example.com", Username: "bob", Password: "short"},
			detail: "Password must be at least 6 characters",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, http.MethodPost, "/api/auth/register", "", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if d := detailOf(t, resp); d != tt.detail {
				t.Errorf("detail = %q, want %q", d, tt.detail)
			}
		})
	}

	resp := s.do(t, http.MethodPost, "/api/auth/login", "", loginRequest{Email: "alice@example.com", Password: "wrong-pass"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad-password login status = %d, want 401", resp.StatusCode)
	}
	if d := detailOf(t, resp); d != "Invalid email or password" {
		t.Errorf("detail = %q", d)
	}

	resp = s.do(t, http.MethodPost, "/api/auth/login", "", loginRequest{Email: "alice@example.com", Password: "secret123"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", resp.StatusCode)
	}
	var login authResponse
	decodeBody(t, resp, &login)
	if login.User.ID != reg.User.ID {
		t.Errorf("login user id = %d, want %d", login.User.ID, reg.User.ID)
	}
	if login.Token == "" || login.Token == reg.Token {
		t.Error("login should mint a fresh non-empty token")
	}

	resp = s.do(t, http.MethodPost, "/api/auth/logout", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("tokenless logout status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	resp = s.do(t, http.MethodPost, "/api/auth/logout", login.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d, want 200", resp.StatusCode)
	}
	var out statusResponse
	decodeBody(t, resp, &out)
	if out.Status != "success" {
		t.Errorf("logout status body = %q", out.Status)
	}
}

func TestSessionEndpointsGone(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		resp := s.do(t, method, "/api/auth/session", "", nil)
		if resp.StatusCode != http.StatusGone {
			t.Fatalf("%s /api/auth/session status = %d, want 410", method, resp.StatusCode)
		}
		if d := detailOf(t, resp); !strings.Contains(d, "bearer") {
			t.Errorf("%s detail = %q, want a pointer at bearer auth", method, d)
		}
	}
}

func TestEADataIdentityChecks(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	reg := s.register(t, "bob@example.com", "bob", "secret123")
	key := s.apiKey(t, reg.Token)

	tests := []struct {
		name       string
		env        types.IngestEnvelope
		wantStatus int
		wantDetail string
	}{
		{
			name:       "missing api key",
			env:        types.IngestEnvelope{Type: types.PayloadAccountUpdate},
			wantStatus: http.StatusUnauthorized,
			wantDetail: "Missing API key",
		},
		{
			name:       "unknown api key",
			env:        types.IngestEnvelope{APIKey: "ca_not_a_real_key", Type: types.PayloadAccountUpdate},
			wantStatus: http.StatusUnauthorized,
			wantDetail: "Invalid API key",
		},
		{
			name:       "claimed user id mismatch",
			env:        types.IngestEnvelope{APIKey: key, UserID: reg.User.ID + 99, Type: types.PayloadAccountUpdate},
			wantStatus: http.StatusForbidden,
			wantDetail: "API key does not belong to the claimed user",
		},
		{
			name:       "claimed username mismatch",
			env:        types.IngestEnvelope{APIKey: key, Username: "mallory", Type: types.PayloadAccountUpdate},
			wantStatus: http.StatusForbidden,
			wantDetail: "API key does not belong to the claimed user",
		},
		{
			name:       "unknown payload type",
			env:        types.IngestEnvelope{APIKey: key, Type: "telemetry_dump"},
			wantStatus: http.StatusBadRequest,
			wantDetail: "Unknown payload type",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if tt.env.Data == nil {
				tt.env.Data = accountData(t, 100200)
			}
			resp := s.postEA(t, tt.env)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if d := detailOf(t, resp); d != tt.wantDetail {
				t.Errorf("detail = %q, want %q", d, tt.wantDetail)
			}
		})
	}

	// Username claims are case-insensitive; terminals shout.
	resp := s.postEA(t, types.IngestEnvelope{
		APIKey:   key,
		UserID:   reg.User.ID,
		Username: strings.ToUpper(reg.User.Username),
		Type:     types.PayloadAccountUpdate,
		Data:     accountData(t, 100200),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("uppercase username status = %d, detail %q", resp.StatusCode, detailOf(t, resp))
	}
	var out statusResponse
	decodeBody(t, resp, &out)
	if out.Status != "success" {
		t.Errorf("body status = %q, want success", out.Status)
	}

	waitFor(t, "account snapshot to land", func() bool {
		conn, err := s.store.GetConnection(t.Context(), reg.User.ID)
		return err == nil && conn.Login == 100200
	})
}

func TestRotatedKeyDiesImmediately(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	reg := s.register(t, "carol@example.com", "carol", "secret123")
	oldKey := s.apiKey(t, reg.Token)

	resp := s.postEA(t, types.IngestEnvelope{APIKey: oldKey, Type: types.PayloadAccountUpdate, Data: accountData(t, 777)})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pre-rotation ingest status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = s.do(t, http.MethodPost, "/api/user/regenerate-api-key", reg.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rotate status = %d", resp.StatusCode)
	}
	var rotated apiKeyResponse
	decodeBody(t, resp, &rotated)
	if rotated.APIKey == "" || rotated.APIKey == oldKey {
		t.Fatal("rotation did not mint a new key")
	}

	resp = s.postEA(t, types.IngestEnvelope{APIKey: oldKey, Type: types.PayloadAccountUpdate, Data: accountData(t, 777)})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("stale key status = %d, want 401", resp.StatusCode)
	}
	if d := detailOf(t, resp); d != "Invalid API key" {
		t.Errorf("stale key detail = %q", d)
	}

	resp = s.postEA(t, types.IngestEnvelope{APIKey: rotated.APIKey, Type: types.PayloadAccountUpdate, Data: accountData(t, 777)})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fresh key status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestFollowLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	master := s.register(t, "master@example.com", "mariosat2", "secret123")
	follower := s.register(t, "follower@example.com", "mariosat", "secret123")
	followPath := "/api/follow/" + pathID(master.User.ID)

	resp := s.do(t, http.MethodPost, followPath, follower.Token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("follow of unflagged account status = %d, want 404", resp.StatusCode)
	}
	if d := detailOf(t, resp); d != "Master trader not found" {
		t.Errorf("detail = %q", d)
	}

	resp = s.do(t, http.MethodPost, "/api/user/master-trader", master.Token, masterTraderRequest{IsMaster: true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("master-trader toggle status = %d", resp.StatusCode)
	}
	var flagged types.User
	decodeBody(t, resp, &flagged)
	if !flagged.IsMaster {
		t.Fatal("toggle response does not carry is_master_trader=true")
	}

	badParams := []struct {
		name   string
		body   map[string]any
		detail string
	}{
		{"percentage above cap", map[string]any{"copy_percentage": 150}, "copy_percentage must be between 0 and 100"},
		{"negative percentage", map[string]any{"copy_percentage": -5}, "copy_percentage must be between 0 and 100"},
		{"risk below floor", map[string]any{"max_risk_per_trade": 0.01}, "max_risk_per_trade must be between 0.1 and 10"},
		{"risk above cap", map[string]any{"max_risk_per_trade": 50}, "max_risk_per_trade must be between 0.1 and 10"},
	}
	for _, tt := range badParams {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			resp := s.do(t, http.MethodPost, followPath, follower.Token, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if d := detailOf(t, resp); d != tt.detail {
				t.Errorf("detail = %q, want %q", d, tt.detail)
			}
		})
	}

	resp = s.do(t, http.MethodPost, "/api/follow/0", follower.Token, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("follow id 0 status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = s.do(t, http.MethodPost, followPath, follower.Token, map[string]any{
		"copy_percentage":    50,
		"max_risk_per_trade": 2,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("follow status = %d, detail %q", resp.StatusCode, detailOf(t, resp))
	}
	var follow types.Follow
	decodeBody(t, resp, &follow)
	if follow.FollowerID != follower.User.ID || follow.MasterID != master.User.ID {
		t.Errorf("follow edge = %d→%d, want %d→%d", follow.FollowerID, follow.MasterID, follower.User.ID, master.User.ID)
	}
	if !follow.IsActive {
		t.Error("new follow should be active")
	}
	if follow.CopyPercentage.String() != "50" || follow.MaxRiskPerTrade.String() != "2" {
		t.Errorf("follow params = %s%%/%s lots", follow.CopyPercentage, follow.MaxRiskPerTrade)
	}

	resp = s.do(t, http.MethodPost, followPath, follower.Token, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("duplicate follow status = %d, want 400", resp.StatusCode)
	}
	if d := detailOf(t, resp); d != "Already following this trader" {
		t.Errorf("detail = %q", d)
	}

	resp = s.do(t, http.MethodPost, "/api/follow/"+pathID(master.User.ID), master.Token, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("self-follow status = %d, want 400", resp.StatusCode)
	}
	if d := detailOf(t, resp); d != "Cannot follow yourself" {
		t.Errorf("detail = %q", d)
	}

	resp = s.do(t, http.MethodGet, "/api/marketplace/traders", follower.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("marketplace status = %d", resp.StatusCode)
	}
	var market tradersResponse
	decodeBody(t, resp, &market)
	if market.Count != 1 || len(market.Traders) != 1 {
		t.Fatalf("marketplace count = %d, want 1", market.Count)
	}
	if tr := market.Traders[0]; tr.Username != "mariosat2" || tr.FollowerCount != 1 {
		t.Errorf("trader summary = %+v", tr)
	}

	resp = s.do(t, http.MethodDelete, "/api/unfollow/"+pathID(master.User.ID), follower.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unfollow status = %d", resp.StatusCode)
	}
	var out statusResponse
	decodeBody(t, resp, &out)
	if out.Status != "success" {
		t.Errorf("unfollow body = %q", out.Status)
	}

	resp = s.do(t, http.MethodDelete, "/api/unfollow/"+pathID(master.User.ID), follower.Token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("repeat unfollow status = %d, want 404", resp.StatusCode)
	}
	if d := detailOf(t, resp); d != "Not following this trader" {
		t.Errorf("detail = %q", d)
	}
}

func TestTradesStatsProfileShapes(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	reg := s.register(t, "dave@example.com", "dave", "secret123")

	resp := s.do(t, http.MethodGet, "/api/trades", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("tokenless trades status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	resp = s.do(t, http.MethodGet, "/api/trades", "not-a-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus token trades status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	resp = s.do(t, http.MethodGet, "/api/trades", reg.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("trades status = %d", resp.StatusCode)
	}
	var trades tradesResponse
	decodeBody(t, resp, &trades)
	if trades.Count != 0 || len(trades.Trades) != 0 {
		t.Errorf("fresh account trades = %+v", trades)
	}

	resp = s.do(t, http.MethodGet, "/api/account/stats", reg.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d", resp.StatusCode)
	}
	var stats statsResponse
	decodeBody(t, resp, &stats)
	if stats.Status.MT5Connected {
		t.Error("fresh account reports a connected terminal")
	}
	if stats.Trading == nil || stats.Trading.TotalTrades != 0 {
		t.Errorf("fresh account trading section = %+v", stats.Trading)
	}

	key := s.apiKey(t, reg.Token)
	if !strings.HasPrefix(key, "ca_") {
		t.Errorf("api key %q lacks the ca_ prefix", key)
	}

	resp = s.postEA(t, types.IngestEnvelope{APIKey: key, Type: types.PayloadConnectionStatus, Data: rawData(t, map[string]any{
		"connected": true,
		"login":     555001,
		"server":    "Demo-1",
	})})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("connection_status ingest = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = s.postEA(t, types.IngestEnvelope{APIKey: key, Type: types.PayloadPositionsUpdate, Data: rawData(t, map[string]any{
		"market_open": true,
		"positions": []map[string]any{{
			"ticket":        11046500,
			"symbol":        "EURUSD",
			"type":          "buy",
			"volume":        "0.10",
			"open_price":    "1.03345",
			"current_price": "1.03360",
			"profit":        "1.50",
			"open_time":     time.Now().Add(-time.Hour).Unix(),
		}},
	})})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("positions_update ingest = %d", resp.StatusCode)
	}
	resp.Body.Close()

	waitFor(t, "position snapshot to land", func() bool {
		resp := s.do(t, http.MethodGet, "/api/trades", reg.Token, nil)
		var trades tradesResponse
		decodeBody(t, resp, &trades)
		return trades.Count == 1
	})

	resp = s.do(t, http.MethodGet, "/api/account/stats", reg.Token, nil)
	decodeBody(t, resp, &stats)
	if !stats.Status.MT5Connected {
		t.Error("stats should report the terminal connected")
	}
	if stats.Account.Login != 555001 || stats.Account.Server != "Demo-1" {
		t.Errorf("account section = %+v", stats.Account)
	}
	if stats.Trading.OpenTrades != 1 {
		t.Errorf("open trades = %d, want 1", stats.Trading.OpenTrades)
	}

	resp = s.do(t, http.MethodGet, "/api/copytrades", reg.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("copytrades status = %d", resp.StatusCode)
	}
	var ledger copyTradesResponse
	decodeBody(t, resp, &ledger)
	if ledger.Count != 0 {
		t.Errorf("copy trades = %d, want 0", ledger.Count)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/api/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	var out healthResponse
	decodeBody(t, resp, &out)
	if out.Status != "ok" || out.Time.IsZero() {
		t.Errorf("health body = %+v", out)
	}
}

func TestClientSocketAuth(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	reg := s.register(t, "erin@example.com", "erin", "secret123")
	key := s.apiKey(t, reg.Token)
	base := "ws" + strings.TrimPrefix(s.ts.URL, "http")

	dial := func(path string) (*websocket.Conn, int) {
		conn, resp, err := websocket.DefaultDialer.Dial(base+path, nil)
		status := 0
		if resp != nil {
			status = resp.StatusCode
			resp.Body.Close()
		}
		if err != nil {
			return nil, status
		}
		return conn, status
	}

	id := pathID(reg.User.ID)

	if conn, status := dial("/ws/client/" + id + "?api_key=ca_bogus"); conn != nil {
		conn.Close()
		t.Fatal("bogus key should not connect")
	} else if status != http.StatusUnauthorized {
		t.Errorf("bogus key handshake status = %d, want 401", status)
	}

	if conn, status := dial("/ws/client/" + pathID(reg.User.ID+5) + "?api_key=" + key); conn != nil {
		conn.Close()
		t.Fatal("foreign path id should not connect")
	} else if status != http.StatusForbidden {
		t.Errorf("foreign id handshake status = %d, want 403", status)
	}

	conn, _ := dial("/ws/client/" + id + "?api_key=" + key)
	if conn == nil {
		t.Fatal("valid client dial failed")
	}
	waitFor(t, "client channel to attach", func() bool { return s.hub.IsClientConnected(reg.User.ID) })
	conn.Close()
	waitFor(t, "client channel to detach", func() bool { return !s.hub.IsClientConnected(reg.User.ID) })

	if conn, status := dial("/ws/user/" + id + "?token=stale"); conn != nil {
		conn.Close()
		t.Fatal("bogus token should not connect")
	} else if status != http.StatusUnauthorized {
		t.Errorf("bogus token handshake status = %d, want 401", status)
	}

	ui, _ := dial("/ws/user/" + id + "?token=" + reg.Token)
	if ui == nil {
		t.Fatal("valid ui dial failed")
	}
	ui.Close()
}

func pathID(id int64) string {
	return strconv.FormatInt(id, 10)
}
