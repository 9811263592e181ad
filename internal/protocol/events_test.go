package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podcomm/internal/store"
)

func TestEncodeDecodeEnvelope(t *testing.T) {
	raw, err := Encode(EventJoinChannel, JoinChannelPayload{ChannelID: "chan-1"})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, EventJoinChannel, env.Type)

	var payload JoinChannelPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "chan-1", payload.ChannelID)
}

func TestEncodeNilPayload(t *testing.T) {
	raw, err := Encode(EventPong, nil)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, EventPong, env.Type)
	assert.Empty(t, env.Data)
}

func TestFrameRoundTrip(t *testing.T) {
	envelope := MustEncode(EventUserTyping, UserTypingPayload{UserID: "u1", ChannelID: "c1"})

	raw, err := EncodeFrame("conn-42", envelope)
	require.NoError(t, err)

	frame, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, "conn-42", frame.Origin)
	assert.JSONEq(t, string(envelope), string(frame.Data))
}

func TestFrameEmptyOrigin(t *testing.T) {
	raw, err := EncodeFrame("", []byte(`{"type":"new_message"}`))
	require.NoError(t, err)

	frame, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Empty(t, frame.Origin)
}

func TestDecodeFrameGarbage(t *testing.T) {
	_, err := DecodeFrame([]byte("{{{"))
	assert.Error(t, err)
}

func TestNewMessageFrom(t *testing.T) {
	created := time.Now()
	payload := NewMessageFrom(store.Message{
		ID:        "m1",
		ChannelID: "c1",
		SenderID:  "u1",
		Content:   "hello",
		Type:      store.MessageText,
		Status:    store.StatusSent,
		CreatedAt: created,
	})

	assert.Equal(t, "m1", payload.ID)
	assert.Equal(t, "c1", payload.ChannelID)
	assert.Equal(t, "u1", payload.SenderID)
	assert.Equal(t, "hello", payload.Content)
	assert.Equal(t, "text", payload.Type)
	assert.Equal(t, created, payload.CreatedAt)
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "channel:c1", ChannelTopic("c1"))
	assert.Equal(t, "user:u1", UserTopic("u1"))
	assert.NotEqual(t, ChannelTopic("x"), UserTopic("x"))
}
