package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/gateway/internal/authz"
	"github.com/agentrelay/gateway/internal/cursor"
	"github.com/agentrelay/gateway/internal/wsproto"
)

type fakeTransport struct {
	mu     sync.Mutex
	frames []sentFrame
	failOn string
	closed bool
}

type sentFrame struct {
	frameType string
	body      interface{}
}

func (f *fakeTransport) Send(frameType string, body interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && frameType == f.failOn {
		return assertErr
	}
	f.frames = append(f.frames, sentFrame{frameType, body})
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) count(frameType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fr := range f.frames {
		if fr.frameType == frameType {
			n++
		}
	}
	return n
}

type stubErr struct{ msg string }

func (e stubErr) Error() string { return e.msg }

var assertErr = stubErr{"send failed"}

type allowAllResolver struct{}

func (allowAllResolver) CanAccessAgent(userID, agentID string) bool { return true }

func newTestHub() *Hub {
	gen := cursor.NewGenerator(func() int64 { return time.Now().UnixMilli() })
	return New(DefaultConfig(), gen, nil, allowAllResolver{})
}

func authedPrincipal() authz.Principal {
	return authz.Principal{UserID: "u1", WorkspaceIDs: []string{"w1"}, Authenticated: true}
}

func TestSubscribePublishDelivers(t *testing.T) {
	h := newTestHub()
	tr := &fakeTransport{}
	conn := NewConnection("c1", authedPrincipal(), tr, time.Now())
	h.AddConnection(conn)

	_, err := h.Subscribe(context.Background(), "c1", "workspace:agents:w1", "")
	require.Nil(t, err)

	payload, _ := json.Marshal(map[string]string{"hello": "world"})
	_, perr := h.Publish(context.Background(), "workspace:agents:w1", wsproto.MessageTypeFleetAgentJoined, payload, nil)
	require.Nil(t, perr)

	assert.Equal(t, 1, tr.count(wsproto.ServerFrameMessage))
}

func TestSubscribeDeniedForUnauthorizedWorkspace(t *testing.T) {
	h := newTestHub()
	tr := &fakeTransport{}
	conn := NewConnection("c1", authedPrincipal(), tr, time.Now())
	h.AddConnection(conn)

	_, err := h.Subscribe(context.Background(), "c1", "workspace:agents:other-workspace", "")
	require.NotNil(t, err)
	assert.Equal(t, "WS_SUBSCRIPTION_DENIED", err.Code)
}

func TestFanOutIsolatesSendFailure(t *testing.T) {
	h := newTestHub()
	trGood := &fakeTransport{}
	trBad := &fakeTransport{failOn: wsproto.ServerFrameMessage}
	connGood := NewConnection("good", authedPrincipal(), trGood, time.Now())
	connBad := NewConnection("bad", authedPrincipal(), trBad, time.Now())
	h.AddConnection(connGood)
	h.AddConnection(connBad)

	_, _ = h.Subscribe(context.Background(), "good", "workspace:agents:w1", "")
	_, _ = h.Subscribe(context.Background(), "bad", "workspace:agents:w1", "")

	payload, _ := json.Marshal(map[string]string{"x": "y"})
	_, err := h.Publish(context.Background(), "workspace:agents:w1", wsproto.MessageTypeFleetAgentJoined, payload, nil)
	require.Nil(t, err)

	assert.Equal(t, 1, trGood.count(wsproto.ServerFrameMessage))
	assert.Equal(t, 0, trBad.count(wsproto.ServerFrameMessage))
}

func TestAckRequiredMessageTracksPendingAck(t *testing.T) {
	h := newTestHub()
	tr := &fakeTransport{}
	conn := NewConnection("c1", authedPrincipal(), tr, time.Now())
	h.AddConnection(conn)
	_, _ = h.Subscribe(context.Background(), "c1", "workspace:conflicts:w1", "")

	payload, _ := json.Marshal(map[string]string{"x": "y"})
	_, err := h.Publish(context.Background(), "workspace:conflicts:w1", wsproto.MessageTypeConflictOpened, payload, nil)
	require.Nil(t, err)
	assert.Equal(t, 1, conn.pendingAckCount())

	tr.mu.Lock()
	msgID := tr.frames[len(tr.frames)-1].body.(wsproto.MessageFrame).Message.ID
	tr.mu.Unlock()

	res, aerr := h.Ack("c1", []string{msgID})
	require.Nil(t, aerr)
	assert.Equal(t, []string{msgID}, res.Acknowledged)
	assert.Equal(t, 0, conn.pendingAckCount())
}

func TestReplayFallsBackToDurableWhenCursorExpired(t *testing.T) {
	h := newTestHub()
	tr := &fakeTransport{}
	conn := NewConnection("c1", authedPrincipal(), tr, time.Now())
	h.AddConnection(conn)

	// no durable store wired: replay of a well-formed-but-unknown cursor
	// against an empty ring buffer reports cursorExpired with no store
	// to consult.
	stale := cursor.Cursor{TimestampMs: 1, Sequence: 1}.String()
	messages, _, _, expired, err := h.Replay(context.Background(), "c1", "workspace:agents:w1", stale, 10)
	require.Nil(t, err)
	assert.True(t, expired)
	assert.Empty(t, messages)
}

func TestRemoveConnectionClearsSubscriptionIndex(t *testing.T) {
	h := newTestHub()
	tr := &fakeTransport{}
	conn := NewConnection("c1", authedPrincipal(), tr, time.Now())
	h.AddConnection(conn)
	_, _ = h.Subscribe(context.Background(), "c1", "workspace:agents:w1", "")

	h.RemoveConnection("c1")

	payload, _ := json.Marshal(map[string]string{"x": "y"})
	_, err := h.Publish(context.Background(), "workspace:agents:w1", wsproto.MessageTypeFleetAgentJoined, payload, nil)
	require.Nil(t, err)
	assert.Equal(t, 0, tr.count(wsproto.ServerFrameMessage))
}
