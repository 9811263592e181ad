package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"podcomm/internal/protocol"
	"podcomm/internal/store"
)

// Client is one live WebSocket connection for one authenticated user. A user
// may hold several concurrent connections; each one subscribes to rooms
// independently.
type Client struct {
	ID   string
	conn *websocket.Conn
	gw   *Gateway
	user store.User
	send chan []byte

	mu    sync.RWMutex
	rooms map[string]bool
}

// NewClient wraps an upgraded connection for an already-verified user
func (g *Gateway) NewClient(conn *websocket.Conn, user store.User) *Client {
	return &Client{
		ID:    uuid.NewString(),
		conn:  conn,
		gw:    g,
		user:  user,
		send:  make(chan []byte, g.cfg.SendBufferSize),
		rooms: make(map[string]bool),
	}
}

// UserID implements relay.Sender
func (c *Client) UserID() string {
	return c.user.ID
}

// Subscribed implements relay.Sender: whether this connection has joined the
// channel's room.
func (c *Client) Subscribed(channelID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms[protocol.ChannelTopic(channelID)]
}

func (c *Client) addTopic(topic string) {
	c.mu.Lock()
	c.rooms[topic] = true
	c.mu.Unlock()
}

func (c *Client) removeTopic(topic string) {
	c.mu.Lock()
	delete(c.rooms, topic)
	c.mu.Unlock()
}

func (c *Client) topics() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for topic := range c.rooms {
		out = append(out, topic)
	}
	return out
}

// Send queues an already-serialized envelope without blocking
func (c *Client) Send(data []byte) {
	select {
	case c.send <- data:
	default:
		c.conn.Close()
	}
}

// ReadPump pumps events from the WebSocket connection into the gateway.
// Events from one connection are processed in order.
func (c *Client) ReadPump() {
	defer func() {
		c.gw.UnregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.gw.cfg.MaxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(c.gw.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.gw.cfg.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.gw.logger.Error("WebSocket error", "client_id", c.ID, "error", err)
			}
			break
		}
		c.handleEvent(data)
	}
}

// WritePump pumps queued envelopes out to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.gw.cfg.PongTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleEvent decodes and dispatches one inbound event. Unknown or malformed
// events are rejected with a validation error; the connection stays open.
func (c *Client) handleEvent(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.sendError("validation_error", "invalid event format", false)
		return
	}

	switch env.Type {
	case protocol.EventJoinChannel:
		var p protocol.JoinChannelPayload
		if !c.decode(env.Data, &p) {
			return
		}
		c.handleJoinChannel(p.ChannelID)

	case protocol.EventLeaveChannel:
		var p protocol.LeaveChannelPayload
		if !c.decode(env.Data, &p) {
			return
		}
		c.handleLeaveChannel(p.ChannelID)

	case protocol.EventSendMessage:
		var p protocol.SendMessagePayload
		if !c.decode(env.Data, &p) {
			return
		}
		c.handleSendMessage(p)

	case protocol.EventUpdateStatus:
		var p protocol.UpdateStatusPayload
		if !c.decode(env.Data, &p) {
			return
		}
		c.handleUpdateStatus(p)

	case protocol.EventTypingStart:
		var p protocol.TypingPayload
		if !c.decode(env.Data, &p) {
			return
		}
		c.handleTyping(p.ChannelID, protocol.EventUserTyping)

	case protocol.EventTypingStop:
		var p protocol.TypingPayload
		if !c.decode(env.Data, &p) {
			return
		}
		c.handleTyping(p.ChannelID, protocol.EventUserStoppedTyping)

	case protocol.EventPing:
		c.Send(protocol.MustEncode(protocol.EventPong, nil))

	default:
		c.sendError("validation_error", "unknown event type: "+string(env.Type), false)
	}
}

// decode unmarshals and validates an inbound payload, reporting the error to
// the client on failure.
func (c *Client) decode(raw json.RawMessage, payload interface{}) bool {
	if len(raw) == 0 {
		c.sendError("validation_error", "event payload required", false)
		return false
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		c.sendError("validation_error", "invalid event payload", false)
		return false
	}
	if err := c.gw.validate.Struct(payload); err != nil {
		c.sendError("validation_error", err.Error(), false)
		return false
	}
	return true
}

// handleJoinChannel subscribes the connection to a channel room after a
// member-or-above permission check. Failure is reported to this connection
// only.
func (c *Client) handleJoinChannel(channelID string) {
	ctx, cancel := c.gw.storeContext()
	defer cancel()

	ok, err := c.gw.members.CheckPermission(ctx, channelID, c.user.ID, store.RoleMember)
	if err != nil {
		c.sendStoreError(err)
		return
	}
	if !ok {
		c.sendError("forbidden", "not a member of this channel", false)
		return
	}

	if err := c.gw.joinRoom(c, protocol.ChannelTopic(channelID)); err != nil {
		c.sendStoreError(err)
		return
	}

	// Recent history gives a fresh connection something to render.
	var history []store.Message
	if c.gw.cfg.HistoryOnJoin > 0 {
		history, err = c.gw.store.ListMessages(ctx, channelID, c.gw.cfg.HistoryOnJoin, "")
		if err != nil {
			c.gw.logger.Error("Failed to load channel history", "channel_id", channelID, "error", err)
			history = nil
		}
	}

	c.Send(protocol.MustEncode(protocol.EventChannelJoined, protocol.ChannelJoinedPayload{
		ChannelID: channelID,
		History:   history,
	}))
}

// handleLeaveChannel is a session-local action: it drops the room
// subscription and never touches persisted membership.
func (c *Client) handleLeaveChannel(channelID string) {
	c.gw.leaveRoom(c, protocol.ChannelTopic(channelID))
	c.Send(protocol.MustEncode(protocol.EventChannelLeft, protocol.ChannelLeftPayload{
		ChannelID: channelID,
	}))
}

func (c *Client) handleSendMessage(p protocol.SendMessagePayload) {
	ctx, cancel := c.gw.storeContext()
	defer cancel()

	if _, err := c.gw.relay.HandleIncoming(ctx, c, p.ChannelID, p.Content, store.MessageType(p.Type)); err != nil {
		c.sendStoreError(err)
	}
}

// handleUpdateStatus advances a message's delivery status and announces the
// transition to the channel room, excluding this connection.
func (c *Client) handleUpdateStatus(p protocol.UpdateStatusPayload) {
	ctx, cancel := c.gw.storeContext()
	defer cancel()

	status := store.MessageStatus(p.Status)
	if err := c.gw.members.MarkMessageStatus(ctx, c.user.ID, p.ChannelID, p.MessageID, status); err != nil {
		c.sendStoreError(err)
		return
	}

	envelope := protocol.MustEncode(protocol.EventMessageStatus, protocol.MessageStatusPayload{
		ChannelID: p.ChannelID,
		MessageID: p.MessageID,
		Status:    p.Status,
		UserID:    c.user.ID,
	})
	frame, err := protocol.EncodeFrame(c.ID, envelope)
	if err != nil {
		return
	}
	if err := c.gw.bus.Publish(ctx, protocol.ChannelTopic(p.ChannelID), frame); err != nil {
		c.gw.logger.Error("Failed to publish status event", "channel_id", p.ChannelID, "error", err)
	}
}

// handleTyping broadcasts an ephemeral typing event to the channel room,
// excluding this connection. Nothing is persisted.
func (c *Client) handleTyping(channelID string, event protocol.EventType) {
	if !c.Subscribed(channelID) {
		c.sendError("forbidden", "not subscribed to channel", false)
		return
	}

	envelope := protocol.MustEncode(event, protocol.UserTypingPayload{
		UserID:    c.user.ID,
		ChannelID: channelID,
	})
	frame, err := protocol.EncodeFrame(c.ID, envelope)
	if err != nil {
		return
	}

	ctx, cancel := c.gw.storeContext()
	defer cancel()
	if err := c.gw.bus.Publish(ctx, protocol.ChannelTopic(channelID), frame); err != nil {
		c.gw.logger.Error("Failed to publish typing event", "channel_id", channelID, "error", err)
	}
}

func (c *Client) sendStoreError(err error) {
	code, retryable := errorCode(err)
	message := err.Error()
	if code == "internal_error" {
		// Internal failures are logged, never leaked.
		c.gw.logger.Error("Gateway store error", "client_id", c.ID, "error", err)
		message = "internal error"
	}
	c.sendError(code, message, retryable)
}

func (c *Client) sendError(code, message string, retryable bool) {
	c.Send(protocol.MustEncode(protocol.EventError, protocol.ErrorPayload{
		Code:      code,
		Message:   message,
		Retryable: retryable,
	}))
}
