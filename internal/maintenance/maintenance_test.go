package maintenance

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
	return nil
}

type allowAllResolver struct{}

func (allowAllResolver) CanAccessAgent(userID, agentID string) bool { return true }

func newTestHub() *hub.Hub {
	gen := cursor.NewGenerator(func() int64 { return time.Now().UnixMilli() })
	return hub.New(hub.DefaultConfig(), gen, nil, allowAllResolver{})
}

func TestEnterMaintenancePublishesThenCloses(t *testing.T) {
	h := newTestHub()
	tr := &fakeTransport{}
	conn := hub.NewConnection("c1", authz.Principal{Authenticated: true}, tr, time.Now())
	h.AddConnection(conn)
	_, err := h.Subscribe(context.Background(), "c1", systemMaintenanceChannel, "")
	require.Nil(t, err)

	c := New(h)
	c.EnterMaintenance(context.Background(), "deploy")

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Contains(t, tr.sent, wsproto.ServerFrameMessage)
	assert.True(t, tr.closed)
	assert.Equal(t, CloseCodeMaintenance, tr.code)
	assert.Equal(t, StateMaintenance, c.State())
}

func TestStartDrainingWithZeroDeadlineClosesImmediately(t *testing.T) {
	h := newTestHub()
	tr := &fakeTransport{}
	conn := hub.NewConnection("c1", authz.Principal{Authenticated: true}, tr, time.Now())
	h.AddConnection(conn)

	c := New(h)
	c.StartDraining(context.Background(), "scale-down", 0)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.True(t, tr.closed)
	assert.Equal(t, CloseCodeDraining, tr.code)
}

func TestExitMaintenanceReturnsToRunning(t *testing.T) {
	h := newTestHub()
	c := New(h)
	c.EnterMaintenance(context.Background(), "x")
	c.ExitMaintenance(context.Background())
	assert.Equal(t, StateRunning, c.State())
}

func TestInflightHTTPCounter(t *testing.T) {
	h := newTestHub()
	c := New(h)
	c.IncInflightHTTP()
	c.IncInflightHTTP()
	c.DecInflightHTTP()
	assert.Equal(t, int64(1), c.InflightHTTP())
}
