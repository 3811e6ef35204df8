package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/gateway/internal/authz"
	"github.com/agentrelay/gateway/internal/cursor"
	"github.com/agentrelay/gateway/internal/hub"
	"github.com/agentrelay/gateway/internal/wsproto"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   []string
	closed bool
	code   int
	reason string
}

func (f *fakeTransport) Send(frameType string, body interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frameType)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	f.reason = reason
	return nil
}

type allowAllResolver struct{}

func (allowAllResolver) CanAccessAgent(userID, agentID string) bool { return true }

func newTestHub() *hub.Hub {
	gen := cursor.NewGenerator(func() int64 { return time.Now().UnixMilli() })
	return hub.New(hub.DefaultConfig(), gen, nil, allowAllResolver{})
}

func TestCheckOncePingsLiveConnection(t *testing.T) {
	h := newTestHub()
	tr := &fakeTransport{}
	now := time.Now()
	conn := hub.NewConnection("c1", authz.Principal{Authenticated: true}, tr, now)
	h.AddConnection(conn)

	m := New(h, Config{Interval: time.Hour, Timeout: time.Minute})
	m.checkOnce(now.Add(10 * time.Second))

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Contains(t, tr.sent, wsproto.ServerFrameHeartbeat)
	assert.False(t, tr.closed)
}

func TestCheckOnceClosesStaleConnection(t *testing.T) {
	h := newTestHub()
	tr := &fakeTransport{}
	now := time.Now()
	conn := hub.NewConnection("c1", authz.Principal{Authenticated: true}, tr, now)
	h.AddConnection(conn)

	m := New(h, Config{Interval: time.Hour, Timeout: 30 * time.Second})
	m.checkOnce(now.Add(time.Minute))

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.True(t, tr.closed)
	assert.Equal(t, CloseCodeStale, tr.code)

	_, ok := h.GetConnection("c1")
	assert.False(t, ok)
}

func TestPongReportsSubscriptionsAndCursors(t *testing.T) {
	h := newTestHub()
	tr := &fakeTransport{}
	conn := hub.NewConnection("c1", authz.Principal{Authenticated: true}, tr, time.Now())
	h.AddConnection(conn)
	_, aerr := h.Subscribe(context.Background(), "c1", "system:health", "")
	require.Nil(t, aerr)

	frame := Pong(conn, 123, time.Now())
	assert.Equal(t, int64(123), frame.Timestamp)
	assert.NotEmpty(t, frame.ServerTime)
	assert.Equal(t, []string{"system:health"}, frame.Subscriptions)
	assert.Contains(t, frame.Cursors, "system:health")
}
