package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/gateway/internal/cursor"
	"github.com/agentrelay/gateway/internal/hub"
	"github.com/agentrelay/gateway/internal/wsproto"
)

type allowAllResolver struct{}

func (allowAllResolver) CanAccessAgent(userID, agentID string) bool { return true }

func newTestHub() *hub.Hub {
	gen := cursor.NewGenerator(func() int64 { return time.Now().UnixMilli() })
	return hub.New(hub.DefaultConfig(), gen, nil, allowAllResolver{})
}

func TestNewBridgeDisabledWithoutURL(t *testing.T) {
	b, err := NewBridge(Config{}, newTestHub())
	require.NoError(t, err)
	assert.False(t, b.IsEnabled())
}

func TestRelayPublishesDriverEventIntoHub(t *testing.T) {
	h := newTestHub()
	b := &Bridge{hub: h, enabled: true}

	event := DriverEvent{
		Channel: "agent:output:agent-1",
		Type:    wsproto.MessageTypeAgentOutputChunk,
		Payload: json.RawMessage(`{"text":"hello"}`),
	}
	data, err := json.Marshal(event)
	require.NoError(t, err)

	b.relay(context.Background(), data)

	stats := h.GetStats()
	assert.Len(t, stats.BuffersBySize, 1)
}

func TestRelayIgnoresMalformedPayload(t *testing.T) {
	h := newTestHub()
	b := &Bridge{hub: h, enabled: true}

	b.relay(context.Background(), []byte("not json"))

	stats := h.GetStats()
	assert.Len(t, stats.BuffersBySize, 0)
}
