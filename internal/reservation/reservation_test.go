package reservation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/gateway/internal/authz"
	"github.com/agentrelay/gateway/internal/cursor"
	"github.com/agentrelay/gateway/internal/hub"
)

type allowAllResolver struct{}

func (allowAllResolver) CanAccessAgent(userID, agentID string) bool { return true }

func newTestHub() *hub.Hub {
	gen := cursor.NewGenerator(func() int64 { return time.Now().UnixMilli() })
	return hub.New(hub.DefaultConfig(), gen, nil, allowAllResolver{})
}

func TestAcquireGrantsWhenNoOverlap(t *testing.T) {
	e := New(newTestHub())
	r, c, err := e.Acquire(context.Background(), "proj1", "agent-a", []string{"src/a.go"}, true, time.Minute)
	require.Nil(t, err)
	require.Nil(t, c)
	require.NotNil(t, r)
	assert.Equal(t, "agent-a", r.Holder)
}

func TestAcquireOpensConflictOnExclusiveOverlap(t *testing.T) {
	e := New(newTestHub())
	ctx := context.Background()

	_, c, err := e.Acquire(ctx, "proj1", "agent-a", []string{"src/*.go"}, true, time.Minute)
	require.Nil(t, err)
	require.Nil(t, c)

	r2, conflict, err2 := e.Acquire(ctx, "proj1", "agent-b", []string{"src/main.go"}, true, time.Minute)
	require.Nil(t, r2)
	require.NotNil(t, conflict)
	require.NotNil(t, err2)
	assert.Equal(t, "agent-a", conflict.HolderID)
	assert.Equal(t, "agent-b", conflict.RequesterID)
	assert.Equal(t, []string{"src/main.go"}, conflict.OverlappingPatterns)
	assert.Equal(t, ConflictOpen, conflict.Status)
}

func TestAcquireReusesOpenConflictForSameTuple(t *testing.T) {
	e := New(newTestHub())
	ctx := context.Background()

	_, _, _ = e.Acquire(ctx, "proj1", "agent-a", []string{"src/main.go"}, true, time.Minute)
	_, conflict1, _ := e.Acquire(ctx, "proj1", "agent-b", []string{"src/main.go"}, true, time.Minute)
	_, conflict2, _ := e.Acquire(ctx, "proj1", "agent-b", []string{"src/main.go"}, true, time.Minute)

	require.NotNil(t, conflict1)
	require.NotNil(t, conflict2)
	assert.Equal(t, conflict1.ID, conflict2.ID)
}

func TestNonExclusiveReservationsDoNotConflict(t *testing.T) {
	e := New(newTestHub())
	ctx := context.Background()

	_, c1, err1 := e.Acquire(ctx, "proj1", "agent-a", []string{"src/main.go"}, false, time.Minute)
	require.Nil(t, err1)
	require.Nil(t, c1)

	r2, c2, err2 := e.Acquire(ctx, "proj1", "agent-b", []string{"src/main.go"}, false, time.Minute)
	require.Nil(t, err2)
	require.Nil(t, c2)
	require.NotNil(t, r2)
}

func TestReleaseFreesPathForReacquisition(t *testing.T) {
	e := New(newTestHub())
	ctx := context.Background()

	r1, _, err := e.Acquire(ctx, "proj1", "agent-a", []string{"src/main.go"}, true, time.Minute)
	require.Nil(t, err)

	require.Nil(t, e.Release(ctx, r1.ID))

	r2, c2, err2 := e.Acquire(ctx, "proj1", "agent-b", []string{"src/main.go"}, true, time.Minute)
	require.Nil(t, err2)
	require.Nil(t, c2)
	require.NotNil(t, r2)
}

func TestResolveConflictIsImmutable(t *testing.T) {
	e := New(newTestHub())
	ctx := context.Background()

	_, _, _ = e.Acquire(ctx, "proj1", "agent-a", []string{"src/main.go"}, true, time.Minute)
	_, conflict, _ := e.Acquire(ctx, "proj1", "agent-b", []string{"src/main.go"}, true, time.Minute)

	resolved, err := e.ResolveConflict(ctx, conflict.ID, "agent-b", "holder-yielded")
	require.Nil(t, err)
	assert.Equal(t, ConflictResolved, resolved.Status)

	_, err2 := e.ResolveConflict(ctx, conflict.ID, "agent-b", "retry")
	require.NotNil(t, err2)
}

func TestListConflictsFiltersByStatus(t *testing.T) {
	e := New(newTestHub())
	ctx := context.Background()

	_, _, _ = e.Acquire(ctx, "proj1", "agent-a", []string{"src/main.go"}, true, time.Minute)
	_, conflict, _ := e.Acquire(ctx, "proj1", "agent-b", []string{"src/main.go"}, true, time.Minute)

	open := e.ListConflicts("proj1", ConflictOpen)
	require.Len(t, open, 1)
	assert.Equal(t, conflict.ID, open[0].ID)

	resolved := e.ListConflicts("proj1", ConflictResolved)
	require.Len(t, resolved, 0)

	_, err := e.ResolveConflict(ctx, conflict.ID, "agent-b", "manual")
	require.Nil(t, err)

	resolved = e.ListConflicts("proj1", ConflictResolved)
	require.Len(t, resolved, 1)
}

func TestSweepExpiredReleasesPastTTL(t *testing.T) {
	e := New(newTestHub())
	ctx := context.Background()
	now := time.Now()

	_, _, err := e.Acquire(ctx, "proj1", "agent-a", []string{"src/main.go"}, true, time.Second)
	require.Nil(t, err)

	n := e.SweepExpired(ctx, now.Add(2*time.Second))
	assert.Equal(t, 1, n)

	r2, c2, err2 := e.Acquire(ctx, "proj1", "agent-b", []string{"src/main.go"}, true, time.Minute)
	require.Nil(t, err2)
	require.Nil(t, c2)
	require.NotNil(t, r2)
}
