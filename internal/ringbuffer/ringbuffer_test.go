package ringbuffer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/gateway/internal/cursor"
	"github.com/agentrelay/gateway/internal/wsproto"
)

func newTestGen() *cursor.Generator {
	tick := int64(1700000000000)
	return cursor.NewGenerator(func() int64 { return tick })
}

func msg(t *testing.T, id string) wsproto.HubMessage {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"id": id})
	require.NoError(t, err)
	return wsproto.HubMessage{ID: id, Channel: "agent:output:a1", Type: wsproto.MessageTypeAgentOutputChunk, Payload: payload}
}

func TestAppendAssignsIncreasingCursors(t *testing.T) {
	b := New(10, newTestGen())
	c1 := b.Append(msg(t, "m1"))
	c2 := b.Append(msg(t, "m2"))
	assert.True(t, c1.Less(c2))
	assert.Equal(t, 2, b.Len())
}

func TestAppendEvictsOldestOnOverflow(t *testing.T) {
	b := New(2, newTestGen())
	b.Append(msg(t, "m1"))
	b.Append(msg(t, "m2"))
	b.Append(msg(t, "m3"))

	assert.Equal(t, 2, b.Len())
	latest := b.Latest(10)
	require.Len(t, latest, 2)
	assert.Equal(t, "m2", latest[0].ID)
	assert.Equal(t, "m3", latest[1].ID)
}

func TestRangeReturnsMessagesAfterCursor(t *testing.T) {
	b := New(10, newTestGen())
	c1 := b.Append(msg(t, "m1"))
	b.Append(msg(t, "m2"))
	b.Append(msg(t, "m3"))

	msgs, lastCursor, hasMore, expired := b.Range(c1, 100)
	require.False(t, expired)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, "m3", msgs[1].ID)
	assert.False(t, hasMore)
	assert.False(t, lastCursor.Zero())
}

func TestRangeExpiredWhenCursorOlderThanOldestRetained(t *testing.T) {
	b := New(2, newTestGen())
	c1 := b.Append(msg(t, "m1"))
	b.Append(msg(t, "m2"))
	b.Append(msg(t, "m3")) // evicts m1

	msgs, _, _, expired := b.Range(c1, 100)
	assert.True(t, expired)
	assert.Empty(t, msgs)
}

func TestRangeRespectsLimitAndReportsHasMore(t *testing.T) {
	b := New(10, newTestGen())
	zero := cursor.Cursor{}
	b.Append(msg(t, "m1"))
	b.Append(msg(t, "m2"))
	b.Append(msg(t, "m3"))

	msgs, _, hasMore, _ := b.Range(zero, 2)
	require.Len(t, msgs, 2)
	assert.True(t, hasMore)
}

func TestOldestCursor(t *testing.T) {
	b := New(10, newTestGen())
	_, ok := b.OldestCursor()
	assert.False(t, ok)

	c1 := b.Append(msg(t, "m1"))
	oldest, ok := b.OldestCursor()
	require.True(t, ok)
	assert.Equal(t, c1, oldest)
}
