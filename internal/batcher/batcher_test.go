package batcher

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoalescesSameKeyWithinWindow(t *testing.T) {
	var mu sync.Mutex
	var delivered []Entry
	done := make(chan struct{}, 1)

	b := New(Config{BatchWindow: 50 * time.Millisecond, MaxEventsPerBatch: 50, Debounce: 50 * time.Millisecond}, func(batch []Entry) {
		mu.Lock()
		delivered = append(delivered, batch...)
		mu.Unlock()
		done <- struct{}{}
	})
	defer b.Stop()

	b.Enqueue("k1", "v1")
	b.Enqueue("k1", "v2")
	b.Enqueue("k1", "v3")
	b.Enqueue("k2", "v4")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for batch delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 2)
	assert.Equal(t, "k1", delivered[0].Key)
	assert.Equal(t, "v3", delivered[0].Event)
	assert.Equal(t, "k2", delivered[1].Key)
	assert.Equal(t, "v4", delivered[1].Event)
}

func TestCapDropsOldestAndCountsDrops(t *testing.T) {
	b := New(Config{BatchWindow: time.Hour, MaxEventsPerBatch: 2, Debounce: time.Hour}, func(batch []Entry) {})
	defer b.Stop()

	b.Enqueue("k1", "v1")
	b.Enqueue("k2", "v2")
	b.Enqueue("k3", "v3") // drops k1

	stats := b.GetStats()
	assert.Equal(t, int64(1), stats.DroppedCount)
	assert.Equal(t, 2, stats.QueuedEvents)
}

func TestStopFlushesAndDisablesFurtherEnqueues(t *testing.T) {
	var mu sync.Mutex
	var delivered []Entry
	b := New(Config{BatchWindow: time.Hour, MaxEventsPerBatch: 50, Debounce: time.Hour}, func(batch []Entry) {
		mu.Lock()
		delivered = append(delivered, batch...)
		mu.Unlock()
	})

	b.Enqueue("k1", "v1")
	b.Stop()

	mu.Lock()
	require.Len(t, delivered, 1)
	mu.Unlock()

	b.Enqueue("k2", "v2") // no-op after stop
	stats := b.GetStats()
	assert.Equal(t, 0, stats.QueuedEvents)
}

func TestSinkPanicDoesNotBreakBatcher(t *testing.T) {
	calls := 0
	b := New(Config{BatchWindow: time.Hour, MaxEventsPerBatch: 50, Debounce: time.Hour}, func(batch []Entry) {
		calls++
		if calls == 1 {
			panic("boom")
		}
	})
	defer b.Stop()

	b.Enqueue("k1", "v1")
	b.Flush()

	b.Enqueue("k2", "v2")
	b.Flush()

	assert.Equal(t, 2, calls)
}

func TestResetDroppedCount(t *testing.T) {
	b := New(Config{BatchWindow: time.Hour, MaxEventsPerBatch: 1, Debounce: time.Hour}, func(batch []Entry) {})
	defer b.Stop()

	b.Enqueue("k1", "v1")
	b.Enqueue("k2", "v2") // drops k1

	require.Equal(t, int64(1), b.GetStats().DroppedCount)
	b.ResetDroppedCount()
	assert.Equal(t, int64(0), b.GetStats().DroppedCount)
}
