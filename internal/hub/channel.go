package hub

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"copyarena/pkg/types"
)

const maxMessageSize = 512 * 1024 // 512 KB

type channelKind int

const (
	kindUI channelKind = iota
	kindClient
)

// Channel is one live WebSocket session.
type Channel struct {
	hub    *Hub
	userID int64
	conn   *websocket.Conn
	send   chan []byte
	kind   channelKind
}

func (h *Hub) newChannel(userID int64, conn *websocket.Conn, kind channelKind) *Channel {
	return &Channel{
		hub:    h,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, h.cfg.SendBuffer),
		kind:   kind,
	}
}

// writePump serializes all writes to the connection: queued messages plus a
// JSON heartbeat. The heartbeat is an application-level {"type":"ping"}
// rather than a control frame, because both the browser and the desktop
// client answer in JSON.
func (c *Channel) writePump() {
	ticker := time.NewTicker(c.hub.cfg.Heartbeat)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if !ok {
				// Evicted or dropped from the registry.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			ping, err := json.Marshal(types.PushMessage{Type: types.PushPing, Timestamp: time.Now().UTC()})
			if err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound frames until the connection dies, then detaches
// the channel. UI sessions are read-only; client sessions deliver trade
// confirmations to the hub's confirm handler.
func (c *Channel) readPump() {
	defer func() {
		c.hub.detach(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error", "user_id", c.userID, "error", err)
			}
			return
		}
		// Any inbound traffic proves liveness.
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))

		if c.kind != kindClient {
			continue
		}
		var frame types.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.hub.logger.Warn("malformed client frame", "user_id", c.userID, "error", err)
			continue
		}
		switch frame.Type {
		case types.FrameTradeExecuted, types.FrameTradeClosed:
			if c.hub.confirmHandler != nil {
				c.hub.confirmHandler(c.userID, frame)
			}
		default:
			// Heartbeat answers and anything else just refresh the deadline.
		}
	}
}
