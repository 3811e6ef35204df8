// Package ringbuffer implements the per-channel bounded ordered log
// that backs the hub's fast-path replay (spec §4.2).
package ringbuffer

import (
	"sync"

	"github.com/agentrelay/gateway/internal/cursor"
	"github.com/agentrelay/gateway/internal/wsproto"
)

// Capacities by channel capacity class (internal/channel.Class),
// a closed configuration table per spec §4.2 ("capacities vary by
// channel prefix via a closed configuration table").
const (
	CapacityHighVolume = 5000
	CapacityStandard   = 1000
	CapacitySmall      = 200
)

// Buffer is a single channel's bounded ordered log. Safe for
// concurrent append/range/latest from multiple goroutines; the hub
// still serializes fan-out per channel so subscribers observe a
// single consistent append order (spec §5).
type Buffer struct {
	mu       sync.RWMutex
	messages []wsproto.HubMessage
	cursors  []cursor.Cursor
	capacity int
	gen      *cursor.Generator
}

// New creates a ring buffer of the given capacity using gen to assign
// cursors on append.
func New(capacity int, gen *cursor.Generator) *Buffer {
	if capacity <= 0 {
		capacity = CapacityStandard
	}
	return &Buffer{capacity: capacity, gen: gen}
}

// Append assigns a fresh cursor to msg, inserts it at the tail, and
// evicts the oldest entry if the buffer is at capacity. Returns the
// assigned cursor. Invariants I1 (strictly increasing cursors), I2
// (size <= capacity), I3 (evicted cursors never re-enter) hold by
// construction: cursors are generator-assigned and monotonic, and
// eviction only ever removes from the head.
func (b *Buffer) Append(msg wsproto.HubMessage) cursor.Cursor {
	c := b.gen.Next()
	msg.Cursor = c.String()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.messages = append(b.messages, msg)
	b.cursors = append(b.cursors, c)
	if len(b.messages) > b.capacity {
		overflow := len(b.messages) - b.capacity
		b.messages = b.messages[overflow:]
		b.cursors = b.cursors[overflow:]
	}
	return c
}

// Range returns messages with cursor strictly greater than fromCursor,
// in ascending order, up to limit. expired is true when fromCursor is
// non-zero and either older than the oldest retained cursor or the
// buffer is empty — the signal the hub uses to fall through to the
// durable event log.
func (b *Buffer) Range(fromCursor cursor.Cursor, limit int) (messages []wsproto.HubMessage, lastCursor cursor.Cursor, hasMore bool, expired bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.cursors) == 0 {
		return nil, cursor.Cursor{}, false, !fromCursor.Zero()
	}

	oldest := b.cursors[0]
	if !fromCursor.Zero() && fromCursor.Less(oldest) {
		return nil, cursor.Cursor{}, false, true
	}

	start := 0
	for start < len(b.cursors) && !fromCursor.Less(b.cursors[start]) {
		start++
	}

	end := len(b.cursors)
	truncated := false
	if limit > 0 && end-start > limit {
		end = start + limit
		truncated = true
	}

	messages = append(messages, b.messages[start:end]...)
	if len(messages) > 0 {
		lastCursor = b.cursors[end-1]
	}
	hasMore = truncated
	return messages, lastCursor, hasMore, false
}

// Latest returns the most recent limit messages in ascending order.
func (b *Buffer) Latest(limit int) []wsproto.HubMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.messages)
	if limit <= 0 || limit > n {
		limit = n
	}
	start := n - limit
	out := make([]wsproto.HubMessage, limit)
	copy(out, b.messages[start:])
	return out
}

// OldestCursor reports the oldest retained cursor, if any.
func (b *Buffer) OldestCursor() (cursor.Cursor, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.cursors) == 0 {
		return cursor.Cursor{}, false
	}
	return b.cursors[0], true
}

// Len reports the current number of retained messages.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages)
}
