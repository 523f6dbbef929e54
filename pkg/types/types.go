// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the broker — users, trades,
// follow edges, copy-trade ledger records, and the wire payloads exchanged
// with desktop clients over HTTP ingestion and the WebSocket command channel.
// It has no dependencies on internal packages, so it can be imported by any
// layer.
package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a position: buy or sell.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// ParseSide maps the two encodings brokers emit — MT5's numeric type
// (0=buy, 1=sell) and the string form — onto Side.
func ParseSide(v any) (Side, error) {
	switch t := v.(type) {
	case string:
		switch strings.ToLower(t) {
		case "buy", "0":
			return Buy, nil
		case "sell", "1":
			return Sell, nil
		}
		return "", fmt.Errorf("unknown side %q", t)
	case float64:
		switch t {
		case 0:
			return Buy, nil
		case 1:
			return Sell, nil
		}
		return "", fmt.Errorf("unknown side %v", t)
	case int:
		return ParseSide(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return "", fmt.Errorf("unknown side %q", t.String())
		}
		return ParseSide(f)
	}
	return "", fmt.Errorf("unknown side type %T", v)
}

// FlexSide is a Side that unmarshals from either the numeric (0/1) or the
// string ("buy"/"sell") JSON encoding.
type FlexSide Side

func (s *FlexSide) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	side, err := ParseSide(raw)
	if err != nil {
		return err
	}
	*s = FlexSide(side)
	return nil
}

func (s FlexSide) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// Side converts back to the canonical enum.
func (s FlexSide) Side() Side { return Side(s) }

// TradeStatus is the lifecycle state of a trade record.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "open"
	TradeClosed TradeStatus = "closed"
)

// CopyStatus is the lifecycle state of a copy-trade ledger record.
// Transitions are monotonic: pending→executed→closed, or pending→failed.
type CopyStatus string

const (
	CopyPending  CopyStatus = "pending"
	CopyExecuted CopyStatus = "executed"
	CopyClosed   CopyStatus = "closed"
	CopyFailed   CopyStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s CopyStatus) Terminal() bool {
	return s == CopyClosed || s == CopyFailed
}

// PayloadType enumerates the snapshot kinds a client may send to /api/ea/data.
type PayloadType string

const (
	PayloadConnectionStatus PayloadType = "connection_status"
	PayloadAccountUpdate    PayloadType = "account_update"
	PayloadPositionsUpdate  PayloadType = "positions_update"
	PayloadHistoryUpdate    PayloadType = "history_update"
	PayloadOrdersUpdate     PayloadType = "orders_update"
)

// Valid reports whether the payload type is one the reconciler accepts.
func (p PayloadType) Valid() bool {
	switch p {
	case PayloadConnectionStatus, PayloadAccountUpdate, PayloadPositionsUpdate,
		PayloadHistoryUpdate, PayloadOrdersUpdate:
		return true
	}
	return false
}

// Ticket is a broker-assigned position identifier. Brokers emit it as a
// number; the rest of the system treats it as opaque text. UnmarshalJSON
// accepts both encodings.
type Ticket string

func (t *Ticket) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*t = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Ticket(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("ticket: %w", err)
	}
	*t = Ticket(n.String())
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Domain entities
// ————————————————————————————————————————————————————————————————————————

// User is an account holder. A user may run a desktop client (ingestion via
// api_key), follow masters, and — when IsMaster — have their positions
// replicated to followers.
type User struct {
	ID            int64     `json:"id"`
	Email         string    `json:"email"`
	Username      string    `json:"username"`
	PasswordHash  string    `json:"-"`
	APIKey        string    `json:"-"`
	KeyGeneration int64     `json:"-"`
	IsMaster      bool      `json:"is_master_trader"`
	IsActive      bool      `json:"is_active"`
	IsOnline      bool      `json:"is_online"`
	LastSeen      time.Time `json:"last_seen,omitempty"`
	LastLoginIP   string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// Trade is the canonical server-side view of one broker position, addressed
// by (owner, ticket). Status coherence invariant: a trade is open iff
// CloseTime is nil iff RealizedPnL is nil.
type Trade struct {
	ID            int64            `json:"id"`
	UserID        int64            `json:"user_id"`
	Ticket        Ticket           `json:"ticket"`
	Symbol        string           `json:"symbol"`
	Side          Side             `json:"type"`
	Volume        decimal.Decimal  `json:"volume"`
	OpenPrice     decimal.Decimal  `json:"open_price"`
	CurrentPrice  decimal.Decimal  `json:"current_price"`
	ClosePrice    *decimal.Decimal `json:"close_price,omitempty"`
	StopLoss      *decimal.Decimal `json:"sl,omitempty"`
	TakeProfit    *decimal.Decimal `json:"tp,omitempty"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
	RealizedPnL   *decimal.Decimal `json:"realized_pnl,omitempty"`
	OpenTime      time.Time        `json:"open_time"`
	CloseTime     *time.Time       `json:"close_time,omitempty"`
	Status        TradeStatus      `json:"status"`
}

// IsOpen reports whether the trade is still live.
func (t *Trade) IsOpen() bool { return t.Status == TradeOpen }

// MT5Connection is the cached account summary for one user's terminal.
// MarginLevel is a percentage; MarginLevelCap is stored when margin is zero.
type MT5Connection struct {
	UserID      int64           `json:"user_id"`
	Login       int64           `json:"login"`
	Server      string          `json:"server"`
	Company     string          `json:"company"`
	Currency    string          `json:"currency"`
	Balance     decimal.Decimal `json:"balance"`
	Equity      decimal.Decimal `json:"equity"`
	Margin      decimal.Decimal `json:"margin"`
	FreeMargin  decimal.Decimal `json:"free_margin"`
	MarginLevel decimal.Decimal `json:"margin_level"`
	Leverage    int             `json:"leverage"`
	Profit      decimal.Decimal `json:"profit"`
	IsConnected bool            `json:"is_connected"`
	LastSync    time.Time       `json:"last_sync"`
}

// MarginLevelCap is the sentinel stored when margin is zero (no open
// positions — margin level is effectively infinite).
var MarginLevelCap = decimal.NewFromInt(999999)

// NormalizeMarginLevel applies the margin-level correction: with zero margin
// the sentinel is stored; a reported level that is non-physical (negative or
// above 100000%) while margin is positive is recomputed as equity/margin·100.
func NormalizeMarginLevel(reported, equity, margin decimal.Decimal) decimal.Decimal {
	if margin.LessThanOrEqual(decimal.Zero) {
		return MarginLevelCap
	}
	if reported.IsNegative() || reported.GreaterThan(decimal.NewFromInt(100000)) {
		return equity.Div(margin).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return reported
}

// Follow is an edge from a follower to a master, carrying per-edge copy
// parameters. CopyPercentage scales the master's volume; MaxRiskPerTrade is
// a hard per-trade lot ceiling.
type Follow struct {
	ID              int64           `json:"id"`
	FollowerID      int64           `json:"follower_id"`
	MasterID        int64           `json:"master_id"`
	IsActive        bool            `json:"is_active"`
	CopyPercentage  decimal.Decimal `json:"copy_percentage"`
	MaxRiskPerTrade decimal.Decimal `json:"max_risk_per_trade"`
	CreatedAt       time.Time       `json:"created_at"`
}

// CopyTrade is one replication-ledger record: a single attempt to mirror one
// master trade onto one follower, tracked through pending→executed→closed
// (or pending→failed). CopyHash plus the follow edge is the durable
// correlation key; FollowerTicket is the fast key.
type CopyTrade struct {
	ID              int64           `json:"id"`
	FollowID        int64           `json:"follow_id"`
	MasterTradeID   int64           `json:"master_trade_id"`
	FollowerTradeID *int64          `json:"follower_trade_id,omitempty"`
	MasterTicket    Ticket          `json:"master_ticket"`
	FollowerTicket  Ticket          `json:"follower_ticket,omitempty"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"type"`
	MasterVolume    decimal.Decimal `json:"master_volume"`
	FollowerVolume  decimal.Decimal `json:"follower_volume"`
	CopyRatio       decimal.Decimal `json:"copy_ratio"`
	CopyHash        string          `json:"copy_hash"`
	Status          CopyStatus      `json:"status"`
	Error           string          `json:"error,omitempty"`
	RetryCount      int             `json:"retry_count"`
	CreatedAt       time.Time       `json:"created_at"`
	ExecutedAt      *time.Time      `json:"executed_at,omitempty"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Copy hash
// ————————————————————————————————————————————————————————————————————————

// copyHashTimeLayout is second-precision ISO without a zone suffix; the
// desktop client embeds the same rendering, so both sides must agree.
const copyHashTimeLayout = "2006-01-02T15:04:05"

// CopyHash derives the correlation hash for one replication instance:
// SHA-256 over master_username + "_" + master_ticket + "_" + open time in
// UTC ISO form. The hash survives broker re-ticketing on the follower side.
func CopyHash(masterUsername string, masterTicket Ticket, openTime time.Time) string {
	input := masterUsername + "_" + string(masterTicket) + "_" + openTime.UTC().Format(copyHashTimeLayout)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// CommentTagPrefix marks the hash fragment embedded in the broker comment
// field of mirrored positions.
const CommentTagPrefix = "CA:"

// CommentTag renders the truncated hash as it appears in a broker comment.
// Broker comment fields are short, so only the first 16 chars ride along.
func CommentTag(copyHash string) string {
	if len(copyHash) > 16 {
		copyHash = copyHash[:16]
	}
	return CommentTagPrefix + copyHash
}

// HashFromComment extracts the truncated hash from a broker comment, or ""
// if the comment carries no tag.
func HashFromComment(comment string) string {
	i := strings.Index(comment, CommentTagPrefix)
	if i < 0 {
		return ""
	}
	tag := comment[i+len(CommentTagPrefix):]
	if j := strings.IndexAny(tag, " |,;"); j >= 0 {
		tag = tag[:j]
	}
	return tag
}

// ————————————————————————————————————————————————————————————————————————
// Ingestion payloads (client → server over HTTP)
// ————————————————————————————————————————————————————————————————————————

// IngestEnvelope is the request body of POST /api/ea/data. UserID and
// Username are optional cross-checks against the API key's owner.
type IngestEnvelope struct {
	APIKey     string          `json:"api_key"`
	UserID     int64           `json:"user_id,omitempty"`
	Username   string          `json:"username,omitempty"`
	Type       PayloadType     `json:"type"`
	Timestamp  int64           `json:"timestamp,omitempty"`
	Data       json.RawMessage `json:"data"`
	ClientInfo *ClientInfo     `json:"client_info,omitempty"`
}

// ClientInfo identifies the desktop client build that produced a snapshot.
type ClientInfo struct {
	Version  string `json:"version"`
	Type     string `json:"type"`
	Platform string `json:"platform"`
}

// Position is one live broker position as reported in a positions_update.
type Position struct {
	Ticket       Ticket           `json:"ticket"`
	Symbol       string           `json:"symbol"`
	Type         FlexSide         `json:"type"`
	Volume       decimal.Decimal  `json:"volume"`
	OpenPrice    decimal.Decimal  `json:"open_price"`
	CurrentPrice decimal.Decimal  `json:"current_price"`
	StopLoss     *decimal.Decimal `json:"sl,omitempty"`
	TakeProfit   *decimal.Decimal `json:"tp,omitempty"`
	Profit       decimal.Decimal  `json:"profit"`
	Swap         decimal.Decimal  `json:"swap,omitempty"`
	Comment      string           `json:"comment,omitempty"`
	OpenTime     int64            `json:"open_time"`
}

// PositionsPayload is the positions_update body. Two envelope forms exist on
// the wire: the legacy bare list (treated as market_open=true) and the
// object form carrying an explicit market_open claim.
type PositionsPayload struct {
	Positions  []Position
	MarketOpen bool
}

func (p *PositionsPayload) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		// Legacy form: bare list, market assumed open.
		p.MarketOpen = true
		return json.Unmarshal(trimmed, &p.Positions)
	}
	var obj struct {
		Positions  []Position `json:"positions"`
		MarketOpen *bool      `json:"market_open"`
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return err
	}
	p.Positions = obj.Positions
	p.MarketOpen = true
	if obj.MarketOpen != nil {
		p.MarketOpen = *obj.MarketOpen
	}
	return nil
}

// AccountInfo is the account_update body: the terminal's account summary.
type AccountInfo struct {
	Login        int64           `json:"login"`
	Server       string          `json:"server,omitempty"`
	Company      string          `json:"company,omitempty"`
	Currency     string          `json:"currency"`
	Balance      decimal.Decimal `json:"balance"`
	Equity       decimal.Decimal `json:"equity"`
	Margin       decimal.Decimal `json:"margin"`
	FreeMargin   decimal.Decimal `json:"free_margin"`
	MarginLevel  decimal.Decimal `json:"margin_level"`
	Leverage     int             `json:"leverage,omitempty"`
	Profit       decimal.Decimal `json:"profit,omitempty"`
	TradeAllowed bool            `json:"trade_allowed,omitempty"`
}

// HistoryTrade is one already-closed position reported in a history_update.
type HistoryTrade struct {
	Ticket     Ticket          `json:"ticket"`
	Symbol     string          `json:"symbol"`
	Type       FlexSide        `json:"type"`
	Volume     decimal.Decimal `json:"volume"`
	OpenPrice  decimal.Decimal `json:"open_price"`
	ClosePrice decimal.Decimal `json:"close_price"`
	Profit     decimal.Decimal `json:"profit"`
	OpenTime   int64           `json:"open_time"`
	CloseTime  int64           `json:"close_time"`
}

// ConnectionStatus is the connection_status body.
type ConnectionStatus struct {
	Connected bool   `json:"connected"`
	Login     int64  `json:"login,omitempty"`
	Server    string `json:"server,omitempty"`
	Company   string `json:"company,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Command channel frames (server ⇄ client over WebSocket)
// ————————————————————————————————————————————————————————————————————————

// CommandFrame is a server→client envelope on the command channel.
type CommandFrame struct {
	Type      string    `json:"type"` // "execute_trade", "close_trade", "modify_trade"
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientFrame is a client→server envelope on the command channel. Only
// trade_executed and trade_closed are consumed; snapshots stay on HTTP.
type ClientFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	CommandExecuteTrade = "execute_trade"
	CommandCloseTrade   = "close_trade"
	CommandModifyTrade  = "modify_trade"

	FrameTradeExecuted = "trade_executed"
	FrameTradeClosed   = "trade_closed"
)

// ExecuteTradeCommand instructs a follower's client to open a mirrored
// position. The client embeds CommentTag(CopyHash) in the broker comment so
// the position stays correlatable after re-ticketing.
type ExecuteTradeCommand struct {
	Symbol       string           `json:"symbol"`
	Type         Side             `json:"type"`
	Volume       decimal.Decimal  `json:"volume"`
	StopLoss     *decimal.Decimal `json:"sl,omitempty"`
	TakeProfit   *decimal.Decimal `json:"tp,omitempty"`
	MasterTrader string           `json:"master_trader"`
	MasterTicket Ticket           `json:"master_ticket"`
	CopyTradeID  int64            `json:"copy_trade_id"`
	CopyHash     string           `json:"copy_hash"`
}

// CloseTradeCommand instructs a follower's client to close a mirrored
// position. Ticket may be stale; the client falls back to matching the
// comment hash.
type CloseTradeCommand struct {
	Ticket       Ticket `json:"ticket,omitempty"`
	Symbol       string `json:"symbol"`
	MasterTrader string `json:"master_trader"`
	Reason       string `json:"reason"`
	CopyTradeID  int64  `json:"copy_trade_id"`
	CopyHash     string `json:"copy_hash"`
	MasterTicket Ticket `json:"master_ticket"`
}

// TradeConfirmation is the data of a trade_executed or trade_closed frame.
// Ticket is the broker ticket the client actually acted on, which may differ
// from the one the command named.
type TradeConfirmation struct {
	Success         bool             `json:"success"`
	Ticket          Ticket           `json:"ticket,omitempty"`
	CopyHash        string           `json:"copy_hash,omitempty"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	Profit          *decimal.Decimal `json:"profit,omitempty"`
	Error           string           `json:"error,omitempty"`
	OriginalCommand json.RawMessage  `json:"original_command,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// UI push messages (server → browser over WebSocket)
// ————————————————————————————————————————————————————————————————————————

// PushMessage is the envelope for every UI channel push.
type PushMessage struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// UI push message types.
const (
	PushPositionsUpdate    = "positions_update"
	PushPositionsUpdated   = "positions_updated"
	PushAccountUpdate      = "account_update"
	PushMarginWarning      = "margin_warning"
	PushTradesSynced       = "trades_synced"
	PushTradeNew           = "trade_new"
	PushTradeUpdated       = "trade_updated"
	PushTradeClosed        = "trade_closed"
	PushCopyTradeExecuted  = "copy_trade_executed"
	PushMasterStatusChange = "master_status_change"
	PushPing               = "ping"
)

// FormatUserID renders a user id the way key and token formats embed it.
func FormatUserID(id int64) string {
	return strconv.FormatInt(id, 10)
}
