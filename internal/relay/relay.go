// Package relay accepts inbound message events from authenticated
// connections, validates membership, persists the message and republishes it
// to the channel room. The gateway never persists directly.
package relay

import (
	"context"

	"podcomm/internal/bus"
	"podcomm/internal/membership"
	"podcomm/internal/protocol"
	"podcomm/internal/store"
	"podcomm/pkg/logger"
)

// Sender is the connection-scoped view the relay needs: who is sending and
// whether that connection is subscribed to the channel's room.
type Sender interface {
	UserID() string
	Subscribed(channelID string) bool
}

type Relay struct {
	store   store.Store
	members *membership.Manager
	bus     bus.Bus
	logger  *logger.Logger
}

func New(st store.Store, members *membership.Manager, b bus.Bus, log *logger.Logger) *Relay {
	return &Relay{store: st, members: members, bus: b, logger: log}
}

// HandleIncoming runs the full inbound path for one message: subscription
// check, membership check, persist, broadcast. The broadcast goes to the
// whole room, the sender's connections included; clients de-duplicate by
// message id.
func (r *Relay) HandleIncoming(ctx context.Context, sender Sender, channelID, content string, msgType store.MessageType) (store.Message, error) {
	// A connection may only send into rooms it has joined.
	if !sender.Subscribed(channelID) {
		return store.Message{}, store.ErrForbidden
	}

	ok, err := r.members.CheckPermission(ctx, channelID, sender.UserID(), store.RoleMember)
	if err != nil {
		return store.Message{}, err
	}
	if !ok {
		return store.Message{}, store.ErrForbidden
	}

	if msgType == "" {
		msgType = store.MessageText
	}

	saved, err := r.store.SaveMessage(ctx, store.NewMessage{
		ChannelID: channelID,
		SenderID:  sender.UserID(),
		Content:   content,
		Type:      msgType,
	})
	if err != nil {
		return store.Message{}, err
	}

	if err := r.Broadcast(ctx, saved); err != nil {
		// The message is committed; a failed fan-out is not rolled back.
		r.logger.Error("Failed to broadcast message",
			"channel_id", channelID,
			"message_id", saved.ID,
			"error", err)
	}

	return saved, nil
}

// Broadcast publishes a persisted message to its channel room
func (r *Relay) Broadcast(ctx context.Context, msg store.Message) error {
	envelope, err := protocol.Encode(protocol.EventNewMessage, protocol.NewMessageFrom(msg))
	if err != nil {
		return err
	}
	frame, err := protocol.EncodeFrame("", envelope)
	if err != nil {
		return err
	}
	return r.bus.Publish(ctx, protocol.ChannelTopic(msg.ChannelID), frame)
}
