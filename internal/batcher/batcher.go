// Package batcher implements the ingest-side throttled coalescer used
// to shape high-frequency per-key events (e.g. agent state updates)
// before they reach the hub (spec §4.6).
package batcher

import (
	"sync"
	"time"

	"github.com/agentrelay/gateway/internal/logger"
)

// Config tunes batching behavior. Zero values are replaced with spec
// defaults by New.
type Config struct {
	BatchWindow     time.Duration
	MaxEventsPerBatch int
	Debounce        time.Duration
}

// DefaultConfig matches spec §4.6's stated defaults.
func DefaultConfig() Config {
	return Config{
		BatchWindow:       100 * time.Millisecond,
		MaxEventsPerBatch: 50,
		Debounce:          50 * time.Millisecond,
	}
}

// Entry is one coalesced (key, event) pair pending delivery.
type Entry struct {
	Key   string
	Event interface{}
}

// Stats reports batcher health for introspection.
type Stats struct {
	QueuedEvents int
	DroppedCount int64
}

// Sink receives a completed batch, in insertion order.
type Sink func(batch []Entry)

// Batcher coalesces (key, event) pairs per key until the next flush,
// caps queue size with an oldest-drop policy, and flushes on a fixed
// window or on demand. Config.Debounce is not consulted: coalescing
// spans the whole batch window.
type Batcher struct {
	cfg  Config
	sink Sink

	mu           sync.Mutex
	order        []string         // insertion order of keys currently queued
	queued       map[string]Entry // latest event per key; same-key enqueues coalesce here
	droppedCount int64
	stopped      bool

	timer *time.Timer
	done  chan struct{}
}

// New creates a batcher delivering completed batches to sink.
func New(cfg Config, sink Sink) *Batcher {
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = DefaultConfig().BatchWindow
	}
	if cfg.MaxEventsPerBatch <= 0 {
		cfg.MaxEventsPerBatch = DefaultConfig().MaxEventsPerBatch
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultConfig().Debounce
	}

	b := &Batcher{
		cfg:    cfg,
		sink:   sink,
		queued: make(map[string]Entry),
		done:   make(chan struct{}),
	}
	b.armTimer()
	return b
}

// Enqueue adds (key, event) to the pending batch. Until the next
// flush, only the latest event for a given key survives — earlier
// same-key events are coalesced out however far apart they were
// enqueued; no separate debounce window applies. If the queue is at capacity, the
// oldest queued event is dropped and droppedCount is incremented.
func (b *Batcher) Enqueue(key string, event interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}

	_, alreadyQueued := b.queued[key]

	if !alreadyQueued && len(b.order) >= b.cfg.MaxEventsPerBatch {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.queued, oldest)
		b.droppedCount++
		logger.Batcher().Warn().Str("key", oldest).Msg("batcher: dropped oldest queued event at capacity")
	}

	if !alreadyQueued {
		b.order = append(b.order, key)
	}
	b.queued[key] = Entry{Key: key, Event: event}
}

// Flush delivers the current batch to the sink immediately, in
// insertion order, then clears the queue.
func (b *Batcher) Flush() {
	b.mu.Lock()
	batch := b.drainLocked()
	b.mu.Unlock()

	b.deliver(batch)
}

func (b *Batcher) drainLocked() []Entry {
	if len(b.order) == 0 {
		return nil
	}
	batch := make([]Entry, 0, len(b.order))
	for _, k := range b.order {
		batch = append(batch, b.queued[k])
	}
	b.order = nil
	b.queued = make(map[string]Entry)
	return batch
}

func (b *Batcher) deliver(batch []Entry) {
	if len(batch) == 0 || b.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Batcher().Error().Interface("panic", r).Msg("batcher: sink panicked, batch dropped")
		}
	}()
	b.sink(batch)
}

func (b *Batcher) armTimer() {
	b.timer = time.AfterFunc(b.cfg.BatchWindow, b.onWindowExpiry)
}

func (b *Batcher) onWindowExpiry() {
	select {
	case <-b.done:
		return
	default:
	}
	b.Flush()

	b.mu.Lock()
	stopped := b.stopped
	b.mu.Unlock()
	if !stopped {
		b.armTimer()
	}
}

// Stop flushes any pending batch synchronously and disables further
// enqueues, matching spec's "stop() flushes; subsequent enqueues are
// no-ops".
func (b *Batcher) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	batch := b.drainLocked()
	b.mu.Unlock()

	close(b.done)
	b.timer.Stop()
	b.deliver(batch)
}

// GetStats reports current queue depth and cumulative drop count.
func (b *Batcher) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{QueuedEvents: len(b.order), DroppedCount: b.droppedCount}
}

// ResetDroppedCount zeroes the cumulative drop counter.
func (b *Batcher) ResetDroppedCount() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.droppedCount = 0
}
