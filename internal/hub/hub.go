// Package hub tracks live WebSocket sessions: browser UI channels (fan-out
// per user) and desktop client command channels (at most one per user).
//
// The hub is the authority on client liveness. Replication asks it whether a
// follower's client is attached before dispatching, and presence hooks fire
// on attach/detach so followers can be told a master went online or offline.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"copyarena/internal/config"
	"copyarena/pkg/types"
)

// ConfirmHandler consumes trade confirmations arriving on client channels.
// It runs on the channel's read goroutine, outside any hub lock.
type ConfirmHandler func(userID int64, frame types.ClientFrame)

// Hub is safe for concurrent use.
type Hub struct {
	cfg    config.HubConfig
	logger *slog.Logger

	mu      sync.RWMutex
	ui      map[int64]map[*Channel]bool
	clients map[int64]*Channel

	confirmHandler ConfirmHandler
	clientAttached func(userID int64, wasConnected bool)
	clientDetached func(userID int64)
}

func New(cfg config.HubConfig, logger *slog.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger.With("component", "hub"),
		ui:      make(map[int64]map[*Channel]bool),
		clients: make(map[int64]*Channel),
	}
}

// SetConfirmHandler installs the consumer for client trade confirmations.
// Must be called before the first attach.
func (h *Hub) SetConfirmHandler(fn ConfirmHandler) {
	h.confirmHandler = fn
}

// SetClientHooks installs presence callbacks. attached reports whether the
// user already had a live channel (a reconnect); detached fires only when
// the user's current channel goes away, not when an old one is evicted.
// Hooks run outside the hub lock. Must be called before the first attach.
func (h *Hub) SetClientHooks(attached func(userID int64, wasConnected bool), detached func(userID int64)) {
	h.clientAttached = attached
	h.clientDetached = detached
}

// AttachUI registers a browser session and starts its pumps.
func (h *Hub) AttachUI(userID int64, conn *websocket.Conn) *Channel {
	ch := h.newChannel(userID, conn, kindUI)

	h.mu.Lock()
	set := h.ui[userID]
	if set == nil {
		set = make(map[*Channel]bool)
		h.ui[userID] = set
	}
	set[ch] = true
	n := len(set)
	h.mu.Unlock()

	h.logger.Info("ui channel attached", "user_id", userID, "channels", n)
	go ch.writePump()
	go ch.readPump()
	return ch
}

// AttachClient registers the user's desktop client channel. A previous
// channel for the same user is evicted silently: its send side closes, its
// pumps wind down, and no detach hook fires for it.
func (h *Hub) AttachClient(userID int64, conn *websocket.Conn) *Channel {
	ch := h.newChannel(userID, conn, kindClient)

	h.mu.Lock()
	old := h.clients[userID]
	h.clients[userID] = ch
	if old != nil {
		close(old.send)
	}
	h.mu.Unlock()

	wasConnected := old != nil
	h.logger.Info("client channel attached", "user_id", userID, "reconnect", wasConnected)
	if h.clientAttached != nil {
		h.clientAttached(userID, wasConnected)
	}
	go ch.writePump()
	go ch.readPump()
	return ch
}

// IsClientConnected reports whether the user's desktop client is attached.
func (h *Hub) IsClientConnected(userID int64) bool {
	h.mu.RLock()
	_, ok := h.clients[userID]
	h.mu.RUnlock()
	return ok
}

// ConnectedClientIDs lists users with a live client channel.
func (h *Hub) ConnectedClientIDs() []int64 {
	h.mu.RLock()
	out := make([]int64, 0, len(h.clients))
	for id := range h.clients {
		out = append(out, id)
	}
	h.mu.RUnlock()
	return out
}

// SendToUser pushes msg to every UI channel of the user. Channels that
// cannot keep up are dropped.
func (h *Hub) SendToUser(userID int64, msg types.PushMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal push message", "type", msg.Type, "error", err)
		return
	}

	var slow []*Channel
	h.mu.RLock()
	for ch := range h.ui[userID] {
		select {
		case ch.send <- data:
		default:
			slow = append(slow, ch)
		}
	}
	h.mu.RUnlock()

	for _, ch := range slow {
		h.logger.Warn("ui channel overflow, dropping channel", "user_id", userID)
		h.removeUI(ch)
	}
}

// Broadcast pushes msg to every UI channel of every user. A non-zero
// excludeUserID skips that user's channels. Channels that cannot keep up
// are dropped, same as SendToUser.
func (h *Hub) Broadcast(msg types.PushMessage, excludeUserID int64) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal push message", "type", msg.Type, "error", err)
		return
	}

	type slowEntry struct {
		userID int64
		ch     *Channel
	}
	var slow []slowEntry
	h.mu.RLock()
	for userID, channels := range h.ui {
		if excludeUserID != 0 && userID == excludeUserID {
			continue
		}
		for ch := range channels {
			select {
			case ch.send <- data:
			default:
				slow = append(slow, slowEntry{userID, ch})
			}
		}
	}
	h.mu.RUnlock()

	for _, e := range slow {
		h.logger.Warn("ui channel overflow, dropping channel", "user_id", e.userID)
		h.removeUI(e.ch)
	}
}

// SendCommand delivers a command frame to the user's client channel.
// Returns false when no client is attached or the channel overflowed; an
// overflowed channel is dropped and the detach hook fires, flipping the
// user offline.
func (h *Hub) SendCommand(userID int64, frame types.CommandFrame) bool {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("marshal command frame", "type", frame.Type, "error", err)
		return false
	}

	h.mu.RLock()
	ch, ok := h.clients[userID]
	if !ok {
		h.mu.RUnlock()
		return false
	}
	select {
	case ch.send <- data:
		h.mu.RUnlock()
		return true
	default:
	}
	h.mu.RUnlock()

	h.logger.Warn("client channel overflow, dropping channel", "user_id", userID)
	h.detachClient(ch)
	return false
}

// removeUI drops a UI channel from the registry and closes its send side.
func (h *Hub) removeUI(ch *Channel) {
	h.mu.Lock()
	set, ok := h.ui[ch.userID]
	if ok && set[ch] {
		delete(set, ch)
		if len(set) == 0 {
			delete(h.ui, ch.userID)
		}
		close(ch.send)
	}
	h.mu.Unlock()
}

// detachClient drops a client channel. The detach hook fires only if ch is
// still the user's current channel; evicted channels land here too when
// their pumps exit, and must stay silent.
func (h *Hub) detachClient(ch *Channel) {
	h.mu.Lock()
	current := h.clients[ch.userID] == ch
	if current {
		delete(h.clients, ch.userID)
		close(ch.send)
	}
	h.mu.Unlock()

	if current {
		h.logger.Info("client channel detached", "user_id", ch.userID)
		if h.clientDetached != nil {
			h.clientDetached(ch.userID)
		}
	}
}

func (h *Hub) detach(ch *Channel) {
	switch ch.kind {
	case kindUI:
		h.removeUI(ch)
	case kindClient:
		h.detachClient(ch)
	}
}
