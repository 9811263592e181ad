package relay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podcomm/internal/bus"
	"podcomm/internal/config"
	"podcomm/internal/membership"
	"podcomm/internal/protocol"
	"podcomm/internal/store"
	"podcomm/pkg/logger"
)

type fakeSender struct {
	userID string
	rooms  map[string]bool
}

func (f *fakeSender) UserID() string { return f.userID }

func (f *fakeSender) Subscribed(channelID string) bool { return f.rooms[channelID] }

type harness struct {
	store   *store.MemStore
	bus     *bus.MemoryBus
	relay   *Relay
	channel store.Channel
	owner   store.User
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	log, err := logger.New(config.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	st := store.NewMemStore()
	members := membership.NewManager(st, log)
	b := bus.NewMemoryBus()

	owner, err := st.UpsertUser(ctx, "owner-pk", "")
	require.NoError(t, err)

	ch, err := st.CreateChannel(ctx, owner.ID, store.ChannelSpec{
		Name:       "general",
		Visibility: store.VisibilityPublic,
		MaxMembers: 10,
	})
	require.NoError(t, err)

	return &harness{
		store:   st,
		bus:     b,
		relay:   New(st, members, b, log),
		channel: ch,
		owner:   owner,
	}
}

func (h *harness) collectFrames(t *testing.T) *[]protocol.Frame {
	t.Helper()
	frames := &[]protocol.Frame{}
	_, err := h.bus.Subscribe(protocol.ChannelTopic(h.channel.ID), func(payload []byte) {
		frame, err := protocol.DecodeFrame(payload)
		require.NoError(t, err)
		*frames = append(*frames, frame)
	})
	require.NoError(t, err)
	return frames
}

func TestHandleIncomingPersistsAndBroadcasts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	frames := h.collectFrames(t)

	sender := &fakeSender{
		userID: h.owner.ID,
		rooms:  map[string]bool{h.channel.ID: true},
	}

	saved, err := h.relay.HandleIncoming(ctx, sender, h.channel.ID, "hello room", store.MessageText)
	require.NoError(t, err)

	assert.NotEmpty(t, saved.ID)
	assert.False(t, saved.CreatedAt.IsZero())
	assert.Equal(t, store.StatusSent, saved.Status)

	require.Len(t, *frames, 1)
	frame := (*frames)[0]

	// Message broadcasts reach the whole room, the sender included.
	assert.Empty(t, frame.Origin)

	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(frame.Data, &env))
	assert.Equal(t, protocol.EventNewMessage, env.Type)

	var payload protocol.NewMessagePayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, saved.ID, payload.ID)
	assert.Equal(t, h.owner.ID, payload.SenderID)
	assert.Equal(t, "hello room", payload.Content)
	assert.Equal(t, saved.CreatedAt.Unix(), payload.CreatedAt.Unix())
}

func TestHandleIncomingDefaultsToText(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sender := &fakeSender{
		userID: h.owner.ID,
		rooms:  map[string]bool{h.channel.ID: true},
	}

	saved, err := h.relay.HandleIncoming(ctx, sender, h.channel.ID, "untyped", "")
	require.NoError(t, err)
	assert.Equal(t, store.MessageText, saved.Type)
}

func TestHandleIncomingRejectsUnsubscribed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	frames := h.collectFrames(t)

	// A member whose connection never joined the room.
	sender := &fakeSender{userID: h.owner.ID, rooms: map[string]bool{}}

	_, err := h.relay.HandleIncoming(ctx, sender, h.channel.ID, "sneaky", store.MessageText)
	assert.ErrorIs(t, err, store.ErrForbidden)
	assert.Empty(t, *frames)

	messages, err := h.store.ListMessages(ctx, h.channel.ID, 10, "")
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestHandleIncomingRejectsNonMember(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	frames := h.collectFrames(t)

	// Subscribed at the connection level but never actually a member.
	sender := &fakeSender{
		userID: "intruder",
		rooms:  map[string]bool{h.channel.ID: true},
	}

	_, err := h.relay.HandleIncoming(ctx, sender, h.channel.ID, "hello?", store.MessageText)
	assert.ErrorIs(t, err, store.ErrForbidden)
	assert.Empty(t, *frames)
}

func TestHandleIncomingValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sender := &fakeSender{
		userID: h.owner.ID,
		rooms:  map[string]bool{h.channel.ID: true},
	}

	_, err := h.relay.HandleIncoming(ctx, sender, h.channel.ID, "", store.MessageText)
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = h.relay.HandleIncoming(ctx, sender, h.channel.ID, "x", "sticker")
	assert.ErrorIs(t, err, store.ErrValidation)
}
