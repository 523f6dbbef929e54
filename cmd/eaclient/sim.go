package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"copyarena/pkg/types"
)

const (
	wsReadTimeout    = 90 * time.Second // ~3 missed heartbeats triggers reconnect
	wsWriteTimeout   = 10 * time.Second
	maxReconnectWait = 30 * time.Second
	contractSize     = 100000
	ticketBase       = 30000000
	historyEvery     = 15 // report closed trades every Nth snapshot
)

var marginPerLot = decimal.NewFromInt(1000) // 1:100 leverage on a standard lot

// basePrices seeds the per-symbol random walk. Symbols outside this table
// start at 1.0.
var basePrices = map[string]float64{
	"EURUSD": 1.0745,
	"GBPUSD": 1.2704,
	"USDJPY": 157.20,
	"AUDUSD": 0.6215,
	"XAUUSD": 2655.40,
}

type simConfig struct {
	ServerURL string
	APIKey    string
	UserID    int64
	Login     int64
	Broker    string
	Interval  time.Duration
	AutoTrade bool
	MaxOpen   int
	Symbols   []string
}

type position struct {
	ticket    types.Ticket
	symbol    string
	side      types.Side
	volume    decimal.Decimal
	openPrice decimal.Decimal
	current   decimal.Decimal
	stopLoss  *decimal.Decimal
	takeProf  *decimal.Decimal
	profit    decimal.Decimal
	comment   string
	openTime  time.Time
}

// mark reprices the position and recomputes its floating profit.
func (p *position) mark(price decimal.Decimal) {
	p.current = price
	diff := price.Sub(p.openPrice)
	if p.side == types.Sell {
		diff = diff.Neg()
	}
	p.profit = diff.Mul(p.volume).Mul(decimal.NewFromInt(contractSize)).Round(2)
}

// simulator stands in for a desktop trading terminal: it reports snapshots
// over HTTP and serves trade commands on the WebSocket command channel.
type simulator struct {
	cfg    simConfig
	http   *resty.Client
	logger *slog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	prices     map[string]float64
	positions  []*position
	closed     []types.HistoryTrade
	nextTicket int64
	balance    decimal.Decimal
}

func newSimulator(cfg simConfig, logger *slog.Logger) *simulator {
	httpClient := resty.New().
		SetBaseURL(cfg.ServerURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	prices := make(map[string]float64, len(basePrices))
	for sym, p := range basePrices {
		prices[sym] = p
	}

	return &simulator{
		cfg:        cfg,
		http:       httpClient,
		logger:     logger,
		prices:     prices,
		nextTicket: ticketBase,
		balance:    decimal.NewFromInt(10000),
	}
}

// Run reports snapshots until ctx is cancelled, sending a final offline
// status on the way out. The command channel runs on its own goroutine.
func (s *simulator) Run(ctx context.Context) error {
	if err := s.reportConnection(ctx, true); err != nil {
		return fmt.Errorf("initial connection report: %w", err)
	}
	s.logger.Info("terminal reporting",
		"server", s.cfg.ServerURL, "user_id", s.cfg.UserID,
		"login", s.cfg.Login, "auto_trade", s.cfg.AutoTrade)

	go s.commandLoop(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-ctx.Done():
			off, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.reportConnection(off, false); err != nil {
				s.logger.Warn("offline report failed", "error", err)
			}
			s.closeConn()
			return ctx.Err()

		case <-ticker.C:
			n++
			s.tick()
			if s.cfg.AutoTrade && marketOpen(time.Now()) {
				s.maybeTrade()
			}
			if err := s.reportAccount(ctx); err != nil {
				s.logger.Warn("account report failed", "error", err)
				continue
			}
			if err := s.reportPositions(ctx); err != nil {
				s.logger.Warn("positions report failed", "error", err)
			}
			if n%historyEvery == 0 {
				if err := s.reportHistory(ctx); err != nil {
					s.logger.Warn("history report failed", "error", err)
				}
			}
		}
	}
}

// marketOpen mimics forex hours: closed on the weekend, open otherwise.
func marketOpen(now time.Time) bool {
	switch now.UTC().Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}

// ————————————————————————————————————————————————————————————————————————
// HTTP snapshot reporting
// ————————————————————————————————————————————————————————————————————————

func (s *simulator) post(ctx context.Context, typ types.PayloadType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := types.IngestEnvelope{
		APIKey:    s.cfg.APIKey,
		UserID:    s.cfg.UserID,
		Type:      typ,
		Timestamp: time.Now().Unix(),
		Data:      raw,
		ClientInfo: &types.ClientInfo{
			Version:  "sim-0.3",
			Type:     "simulator",
			Platform: runtime.GOOS,
		},
	}
	resp, err := s.http.R().SetContext(ctx).SetBody(env).Post("/api/ea/data")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("%s: status %d: %s", typ, resp.StatusCode(), resp.String())
	}
	return nil
}

func (s *simulator) reportConnection(ctx context.Context, connected bool) error {
	return s.post(ctx, types.PayloadConnectionStatus, types.ConnectionStatus{
		Connected: connected,
		Login:     s.cfg.Login,
		Server:    s.cfg.Broker,
	})
}

func (s *simulator) reportAccount(ctx context.Context) error {
	s.mu.Lock()
	floating := decimal.Zero
	marginUsed := decimal.Zero
	for _, p := range s.positions {
		floating = floating.Add(p.profit)
		marginUsed = marginUsed.Add(p.volume.Mul(marginPerLot))
	}
	equity := s.balance.Add(floating)
	level := decimal.Zero
	if marginUsed.IsPositive() {
		level = equity.Div(marginUsed).Mul(decimal.NewFromInt(100)).Round(2)
	}
	info := types.AccountInfo{
		Login:        s.cfg.Login,
		Server:       s.cfg.Broker,
		Company:      "CopyArena Markets",
		Currency:     "USD",
		Balance:      s.balance.Round(2),
		Equity:       equity.Round(2),
		Margin:       marginUsed.Round(2),
		FreeMargin:   equity.Sub(marginUsed).Round(2),
		MarginLevel:  level,
		Leverage:     100,
		Profit:       floating.Round(2),
		TradeAllowed: true,
	}
	s.mu.Unlock()
	return s.post(ctx, types.PayloadAccountUpdate, info)
}

func (s *simulator) reportPositions(ctx context.Context) error {
	s.mu.Lock()
	list := make([]types.Position, 0, len(s.positions))
	for _, p := range s.positions {
		list = append(list, types.Position{
			Ticket:       p.ticket,
			Symbol:       p.symbol,
			Type:         types.FlexSide(p.side),
			Volume:       p.volume,
			OpenPrice:    p.openPrice,
			CurrentPrice: p.current,
			StopLoss:     p.stopLoss,
			TakeProfit:   p.takeProf,
			Profit:       p.profit,
			Comment:      p.comment,
			OpenTime:     p.openTime.Unix(),
		})
	}
	s.mu.Unlock()

	return s.post(ctx, types.PayloadPositionsUpdate, map[string]any{
		"positions":   list,
		"market_open": marketOpen(time.Now()),
	})
}

func (s *simulator) reportHistory(ctx context.Context) error {
	s.mu.Lock()
	rows := make([]types.HistoryTrade, len(s.closed))
	copy(rows, s.closed)
	s.mu.Unlock()
	if len(rows) == 0 {
		return nil
	}
	return s.post(ctx, types.PayloadHistoryUpdate, rows)
}

// ————————————————————————————————————————————————————————————————————————
// Local position book
// ————————————————————————————————————————————————————————————————————————

// tick random-walks every symbol with an open position and reprices the book.
func (s *simulator) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.positions {
		base := s.prices[p.symbol]
		base *= 1 + (rand.Float64()-0.5)*0.0006
		s.prices[p.symbol] = base
		p.mark(decimal.NewFromFloat(base).Round(5))
	}
}

// maybeTrade occasionally opens or closes a self-directed position. Mirrored
// positions (tagged comments) are left to server commands.
func (s *simulator) maybeTrade() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var own []*position
	for _, p := range s.positions {
		if !strings.HasPrefix(p.comment, types.CommentTagPrefix) {
			own = append(own, p)
		}
	}

	if len(own) < s.cfg.MaxOpen && rand.Float64() < 0.25 {
		symbol := s.cfg.Symbols[rand.IntN(len(s.cfg.Symbols))]
		side := types.Buy
		if rand.IntN(2) == 1 {
			side = types.Sell
		}
		volume := decimal.NewFromFloat(0.01 + rand.Float64()*0.49).Round(2)
		p := s.open(symbol, side, volume, nil, nil, "")
		s.logger.Info("opened position", "ticket", p.ticket, "symbol", symbol, "type", side, "volume", volume)
		return
	}

	if len(own) > 0 && rand.Float64() < 0.10 {
		p := own[rand.IntN(len(own))]
		price, profit := s.close(p)
		s.logger.Info("closed position", "ticket", p.ticket, "price", price, "profit", profit)
	}
}

// open books a position at the current market price. Caller holds s.mu.
func (s *simulator) open(symbol string, side types.Side, volume decimal.Decimal, sl, tp *decimal.Decimal, comment string) *position {
	if _, ok := s.prices[symbol]; !ok {
		s.prices[symbol] = 1 + (rand.Float64()-0.5)*0.01
	}
	s.nextTicket++
	p := &position{
		ticket:    types.Ticket(fmt.Sprintf("%d", s.nextTicket)),
		symbol:    symbol,
		side:      side,
		volume:    volume,
		openPrice: decimal.NewFromFloat(s.prices[symbol]).Round(5),
		stopLoss:  sl,
		takeProf:  tp,
		comment:   comment,
		openTime:  time.Now().UTC(),
	}
	p.mark(p.openPrice)
	s.positions = append(s.positions, p)
	return p
}

// close removes a position, realizes its profit, and records the history
// row. Caller holds s.mu.
func (s *simulator) close(p *position) (price, profit decimal.Decimal) {
	for i, q := range s.positions {
		if q == p {
			s.positions = append(s.positions[:i], s.positions[i+1:]...)
			break
		}
	}
	s.balance = s.balance.Add(p.profit)
	s.closed = append(s.closed, types.HistoryTrade{
		Ticket:     p.ticket,
		Symbol:     p.symbol,
		Type:       types.FlexSide(p.side),
		Volume:     p.volume,
		OpenPrice:  p.openPrice,
		ClosePrice: p.current,
		Profit:     p.profit,
		OpenTime:   p.openTime.Unix(),
		CloseTime:  time.Now().Unix(),
	})
	if len(s.closed) > 100 {
		s.closed = s.closed[len(s.closed)-100:]
	}
	return p.current, p.profit
}

func (s *simulator) findTicket(ticket types.Ticket) *position {
	for _, p := range s.positions {
		if p.ticket == ticket {
			return p
		}
	}
	return nil
}

func (s *simulator) findComment(tag string) *position {
	for _, p := range s.positions {
		if strings.Contains(p.comment, tag) {
			return p
		}
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket command channel
// ————————————————————————————————————————————————————————————————————————

// commandLoop keeps the command channel up with exponential backoff
// (1s → 30s max), reconnecting until ctx is cancelled.
func (s *simulator) commandLoop(ctx context.Context) {
	backoff := time.Second
	for {
		err := s.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("command channel down, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (s *simulator) connectAndServe(ctx context.Context) error {
	wsURL, err := s.commandURL()
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		conn.Close()
		s.conn = nil
		s.mu.Unlock()
	}()

	s.logger.Info("command channel connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.dispatch(data)
	}
}

func (s *simulator) commandURL() (string, error) {
	u, err := url.Parse(s.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = fmt.Sprintf("/ws/client/%d", s.cfg.UserID)
	u.RawQuery = url.Values{"api_key": {s.cfg.APIKey}}.Encode()
	return u.String(), nil
}

func (s *simulator) dispatch(data []byte) {
	var frame struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Warn("malformed server frame", "error", err)
		return
	}

	switch frame.Type {
	case types.PushPing:
		s.writeFrame(types.ClientFrame{Type: "pong"})
	case types.CommandExecuteTrade:
		s.handleExecute(frame.Data)
	case types.CommandCloseTrade:
		s.handleClose(frame.Data)
	case types.CommandModifyTrade:
		s.logger.Debug("modify_trade not simulated")
	default:
		s.logger.Debug("ignoring server frame", "type", frame.Type)
	}
}

func (s *simulator) handleExecute(raw json.RawMessage) {
	var cmd types.ExecuteTradeCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.logger.Warn("malformed execute_trade", "error", err)
		return
	}

	conf := types.TradeConfirmation{CopyHash: cmd.CopyHash, OriginalCommand: raw}
	if !marketOpen(time.Now()) {
		conf.Error = "market closed"
		s.send(types.FrameTradeExecuted, conf)
		return
	}

	s.mu.Lock()
	p := s.open(cmd.Symbol, cmd.Type, cmd.Volume, cmd.StopLoss, cmd.TakeProfit, types.CommentTag(cmd.CopyHash))
	price := p.openPrice
	ticket := p.ticket
	s.mu.Unlock()

	conf.Success = true
	conf.Ticket = ticket
	conf.Price = &price
	s.send(types.FrameTradeExecuted, conf)
	s.logger.Info("mirrored position opened",
		"ticket", ticket, "symbol", cmd.Symbol, "volume", cmd.Volume, "master", cmd.MasterTrader)
}

func (s *simulator) handleClose(raw json.RawMessage) {
	var cmd types.CloseTradeCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		s.logger.Warn("malformed close_trade", "error", err)
		return
	}

	conf := types.TradeConfirmation{CopyHash: cmd.CopyHash, OriginalCommand: raw}

	s.mu.Lock()
	p := s.findTicket(cmd.Ticket)
	if p == nil && cmd.CopyHash != "" {
		// Stale ticket; fall back to the comment tag.
		p = s.findComment(types.CommentTag(cmd.CopyHash))
	}
	if p == nil {
		s.mu.Unlock()
		conf.Error = "position not found"
		s.send(types.FrameTradeClosed, conf)
		return
	}
	price, profit := s.close(p)
	s.mu.Unlock()

	conf.Success = true
	conf.Ticket = p.ticket
	conf.Price = &price
	conf.Profit = &profit
	s.send(types.FrameTradeClosed, conf)
	s.logger.Info("position closed by command",
		"ticket", p.ticket, "profit", profit, "reason", cmd.Reason)
}

func (s *simulator) send(frameType string, conf types.TradeConfirmation) {
	raw, err := json.Marshal(conf)
	if err != nil {
		s.logger.Error("marshal confirmation", "error", err)
		return
	}
	s.writeFrame(types.ClientFrame{Type: frameType, Data: raw})
}

func (s *simulator) writeFrame(frame types.ClientFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		s.logger.Warn("command channel not connected, dropping frame", "type", frame.Type)
		return
	}
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := s.conn.WriteJSON(frame); err != nil {
		s.logger.Warn("write frame", "type", frame.Type, "error", err)
	}
}

func (s *simulator) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}
