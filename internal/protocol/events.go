// Package protocol defines the wire format spoken over gateway connections:
// a closed set of tagged events, each with a typed payload validated at the
// boundary before it reaches business logic.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"podcomm/internal/store"
)

type EventType string

// Client -> server events
const (
	EventJoinChannel  EventType = "join_channel"
	EventLeaveChannel EventType = "leave_channel"
	EventSendMessage  EventType = "send_message"
	EventUpdateStatus EventType = "update_status"
	EventTypingStart  EventType = "typing_start"
	EventTypingStop   EventType = "typing_stop"
	EventPing         EventType = "ping"
)

// Server -> client events
const (
	EventConnected         EventType = "connected"
	EventChannelJoined     EventType = "channel_joined"
	EventChannelLeft       EventType = "channel_left"
	EventNewMessage        EventType = "new_message"
	EventMessageStatus     EventType = "message_status"
	EventUserTyping        EventType = "user_typing"
	EventUserStoppedTyping EventType = "user_stopped_typing"
	EventPong              EventType = "pong"
	EventError             EventType = "error"
)

// Envelope is the outer frame of every event in both directions
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound payloads

type JoinChannelPayload struct {
	ChannelID string `json:"channel_id" validate:"required,uuid"`
}

type LeaveChannelPayload struct {
	ChannelID string `json:"channel_id" validate:"required,uuid"`
}

type SendMessagePayload struct {
	ChannelID string `json:"channel_id" validate:"required,uuid"`
	Content   string `json:"content" validate:"required,max=4096"`
	Type      string `json:"type" validate:"omitempty,oneof=text data command response"`
}

type UpdateStatusPayload struct {
	ChannelID string `json:"channel_id" validate:"required,uuid"`
	MessageID string `json:"message_id" validate:"required,uuid"`
	Status    string `json:"status" validate:"required,oneof=delivered read"`
}

type TypingPayload struct {
	ChannelID string `json:"channel_id" validate:"required,uuid"`
}

// Outbound payloads

type ConnectedPayload struct {
	ClientID string `json:"client_id"`
	UserID   string `json:"user_id"`
}

type ChannelJoinedPayload struct {
	ChannelID string          `json:"channel_id"`
	History   []store.Message `json:"history,omitempty"`
}

type ChannelLeftPayload struct {
	ChannelID string `json:"channel_id"`
}

type NewMessagePayload struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageStatusPayload announces a delivery-status transition to the room.
// UserID names the member who marked the message.
type MessageStatusPayload struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	UserID    string `json:"user_id"`
}

type UserTypingPayload struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
}

// ErrorPayload carries a stable code, never a raw stack trace. Retryable is
// set for capacity, timeout and conflict errors.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// NewMessageFrom converts a persisted message into its wire event
func NewMessageFrom(msg store.Message) NewMessagePayload {
	return NewMessagePayload{
		ID:        msg.ID,
		ChannelID: msg.ChannelID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Type:      string(msg.Type),
		CreatedAt: msg.CreatedAt,
	}
}

// Encode wraps a payload into a serialized envelope
func Encode(eventType EventType, payload interface{}) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		data = raw
	}
	return json.Marshal(Envelope{Type: eventType, Data: data})
}

// MustEncode is Encode for payloads that cannot fail to marshal
func MustEncode(eventType EventType, payload interface{}) []byte {
	data, err := Encode(eventType, payload)
	if err != nil {
		panic(err)
	}
	return data
}

// Frame is the bus-level wrapper around a serialized envelope. Origin names
// the connection that produced the event; rooms skip it on fan-out (typing
// events exclude the sender, messages do not set it).
type Frame struct {
	Origin string          `json:"origin,omitempty"`
	Data   json.RawMessage `json:"data"`
}

func EncodeFrame(origin string, envelope []byte) ([]byte, error) {
	return json.Marshal(Frame{Origin: origin, Data: envelope})
}

func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// Topics: one per channel room plus one personal room per user
func ChannelTopic(channelID string) string {
	return "channel:" + channelID
}

func UserTopic(userID string) string {
	return "user:" + userID
}
