package wsproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientFrameSubscribe(t *testing.T) {
	raw := []byte(`{"type":"subscribe","channel":"agent:output:a1","cursor":"abc"}`)
	cf, appErr := ParseClientFrame(raw)
	require.Nil(t, appErr)
	require.NotNil(t, cf.Subscribe)
	assert.Equal(t, "agent:output:a1", cf.Subscribe.Channel)
	assert.Equal(t, "abc", cf.Subscribe.Cursor)
}

func TestParseClientFrameRejectsUnknownType(t *testing.T) {
	raw := []byte(`{"type":"bogus"}`)
	_, appErr := ParseClientFrame(raw)
	require.NotNil(t, appErr)
	assert.Equal(t, "INVALID_FORMAT", appErr.Code)
}

func TestParseClientFrameRejectsMalformedJSON(t *testing.T) {
	_, appErr := ParseClientFrame([]byte(`not json`))
	require.NotNil(t, appErr)
	assert.Equal(t, "INVALID_FORMAT", appErr.Code)
}

func TestParseClientFrameRequiresChannel(t *testing.T) {
	_, appErr := ParseClientFrame([]byte(`{"type":"subscribe"}`))
	require.NotNil(t, appErr)
}

func TestEncodeStampsType(t *testing.T) {
	data, err := Encode(ServerFramePong, PongFrame{Timestamp: 1, ServerTime: "now", Subscriptions: []string{"a"}, Cursors: map[string]string{"a": "c1"}})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"pong"`)
	assert.Contains(t, string(data), `"timestamp":1`)
}

func TestAckRequiredClosedSet(t *testing.T) {
	assert.True(t, MessageTypeAgentStateSnapshot.AckRequired())
	assert.True(t, MessageTypeConflictOpened.AckRequired())
	assert.True(t, MessageTypeReservationAcquired.AckRequired())
	assert.True(t, MessageTypeSafetyBlockRaised.AckRequired())
	assert.True(t, MessageTypeContextHealthEmergency.AckRequired())
	assert.False(t, MessageTypeAgentOutputChunk.AckRequired())
}
