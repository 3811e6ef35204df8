// Package hub implements the pub/sub fan-out core of the delivery
// fabric: connection registry, subscription index, ring-buffer-backed
// replay with durable-tier fallback, ack-based backpressure, and
// channel authorization.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/agentrelay/gateway/internal/apperr"
	"github.com/agentrelay/gateway/internal/authz"
	"github.com/agentrelay/gateway/internal/channel"
	"github.com/agentrelay/gateway/internal/cursor"
	"github.com/agentrelay/gateway/internal/eventlog"
	"github.com/agentrelay/gateway/internal/logger"
	"github.com/agentrelay/gateway/internal/ringbuffer"
	"github.com/agentrelay/gateway/internal/wsproto"
)

// Config tunes hub-wide backpressure limits (spec §4.4, §5, §6).
type Config struct {
	MaxActiveReplaysPerConnection int
	MaxPendingAcksPerConnection   int
	ReplayThrottleResumeAfterMs   int64
}

// DefaultConfig matches spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxActiveReplaysPerConnection: 2,
		MaxPendingAcksPerConnection:   200,
		ReplayThrottleResumeAfterMs:   1000,
	}
}

// Stats summarizes hub-wide state for health/introspection endpoints.
type Stats struct {
	ConnectionCount  int
	ChannelCount     int
	SlowClientCount  int
	BuffersBySize    map[string]int
}

// Hub is the single process-wide owner of connections, the
// subscription index, and per-channel ring buffers (spec §9:
// "connection registry and subscription index are hub-owned state").
type Hub struct {
	cfg Config

	mu          sync.RWMutex
	connections map[string]*Connection
	subsIndex   map[string]map[string]struct{} // channel -> set of connection IDs

	buffersMu sync.Mutex
	buffers   map[string]*ringbuffer.Buffer

	gen      *cursor.Generator
	store    *eventlog.Store
	resolver authz.AgentAccessResolver

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New constructs a Hub. gen assigns cursors to newly published
// messages; store provides the durable second-tier replay; resolver
// answers per-agent authorization checks.
func New(cfg Config, gen *cursor.Generator, store *eventlog.Store, resolver authz.AgentAccessResolver) *Hub {
	if cfg.MaxActiveReplaysPerConnection <= 0 {
		cfg.MaxActiveReplaysPerConnection = DefaultConfig().MaxActiveReplaysPerConnection
	}
	if cfg.MaxPendingAcksPerConnection <= 0 {
		cfg.MaxPendingAcksPerConnection = DefaultConfig().MaxPendingAcksPerConnection
	}
	if cfg.ReplayThrottleResumeAfterMs <= 0 {
		cfg.ReplayThrottleResumeAfterMs = DefaultConfig().ReplayThrottleResumeAfterMs
	}
	return &Hub{
		cfg:         cfg,
		connections: make(map[string]*Connection),
		subsIndex:   make(map[string]map[string]struct{}),
		buffers:     make(map[string]*ringbuffer.Buffer),
		gen:         gen,
		store:       store,
		resolver:    resolver,
		limiters:    make(map[string]*rate.Limiter),
	}
}

func (h *Hub) bufferFor(ch channel.Channel) *ringbuffer.Buffer {
	key := ch.String()
	h.buffersMu.Lock()
	defer h.buffersMu.Unlock()
	b, ok := h.buffers[key]
	if !ok {
		var capacity int
		switch ch.Class() {
		case channel.CapacityHighVolume:
			capacity = ringbuffer.CapacityHighVolume
		case channel.CapacitySmall:
			capacity = ringbuffer.CapacitySmall
		default:
			capacity = ringbuffer.CapacityStandard
		}
		b = ringbuffer.New(capacity, h.gen)
		h.buffers[key] = b
	}
	return b
}

// AddConnection registers a connection in state "new" -> "authorized".
func (h *Hub) AddConnection(c *Connection) {
	h.mu.Lock()
	h.connections[c.ID] = c
	h.mu.Unlock()
	c.setState(StateAuthorized)
	logger.Hub().Debug().Str("connectionId", c.ID).Msg("connection registered")
}

// RemoveConnection unregisters a connection and clears its
// subscription-index entries. It does not close the transport — the
// caller (read/write pump) owns the socket lifecycle.
func (h *Hub) RemoveConnection(connID string) {
	h.mu.Lock()
	c, ok := h.connections[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.connections, connID)
	for ch, set := range h.subsIndex {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.subsIndex, ch)
		}
	}
	h.mu.Unlock()

	c.setState(StateClosed)
	h.limiterMu.Lock()
	delete(h.limiters, connID)
	h.limiterMu.Unlock()
	logger.Hub().Debug().Str("connectionId", connID).Msg("connection unregistered")
}

// GetConnection returns the connection record for connID, if present.
func (h *Hub) GetConnection(connID string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.connections[connID]
	return c, ok
}

// Connections returns a snapshot of every currently registered
// connection, for use by the heartbeat monitor and maintenance
// coordinator.
func (h *Hub) Connections() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		out = append(out, c)
	}
	return out
}

// GetStats reports hub-wide counters (spec §4.8 health surface).
func (h *Hub) GetStats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	slow := 0
	for _, c := range h.connections {
		if c.isSlow() {
			slow++
		}
	}

	h.buffersMu.Lock()
	sizes := make(map[string]int, len(h.buffers))
	for ch, b := range h.buffers {
		sizes[ch] = b.Len()
	}
	h.buffersMu.Unlock()

	return Stats{
		ConnectionCount: len(h.connections),
		ChannelCount:    len(h.subsIndex),
		SlowClientCount: slow,
		BuffersBySize:   sizes,
	}
}

// MarkAllDraining transitions every active connection into "draining"
// (spec §4.4, §4.8): new subscribes are denied from this point, but
// existing subscriptions keep receiving deliveries until the drain
// deadline closes the socket.
func (h *Hub) MarkAllDraining() {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.MarkDraining()
	}
}

// CloseAllConnections closes every registered connection with the
// given close code and reason (used by the maintenance coordinator,
// spec §4.8).
func (h *Hub) CloseAllConnections(code int, reason string) {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.setState(StateClosed)
		if err := c.Transport.Close(code, reason); err != nil {
			logger.Hub().Debug().Str("connectionId", c.ID).Err(err).Msg("error closing connection")
		}
	}
}

// SubscribeResult is returned by Subscribe: any backfill performed
// inline as part of subscribing (spec §4.4: "subscribing with a cursor
// immediately replays missed messages").
type SubscribeResult struct {
	Channel       string
	Backfilled    []wsproto.HubMessage
	LastCursor    cursor.Cursor
	HasMore       bool
	CursorExpired bool
}

// Subscribe adds connID to channelStr's subscriber set, authorizing
// against the connection's principal first. If fromCursor is
// non-empty, missed messages are replayed inline from the ring buffer,
// falling back to the durable store when the cursor has rolled off
// (spec §4.1, §4.2, §4.7).
func (h *Hub) Subscribe(ctx context.Context, connID string, channelStr string, fromCursor string) (SubscribeResult, *apperr.AppError) {
	c, ok := h.GetConnection(connID)
	if !ok {
		return SubscribeResult{}, apperr.Internal("connection not found")
	}
	if c.State() == StateDraining {
		return SubscribeResult{}, apperr.New(apperr.CodeUnavailable, "gateway is draining, not accepting new subscriptions")
	}

	ch, err := channel.Parse(channelStr)
	if err != nil {
		return SubscribeResult{}, apperr.InvalidChannel(channelStr)
	}

	decision := authz.Authorize(c.Auth, ch, h.resolver)
	if !decision.Allowed {
		return SubscribeResult{}, apperr.SubscriptionDenied(decision.Reason)
	}

	h.mu.Lock()
	set, ok := h.subsIndex[channelStr]
	if !ok {
		set = make(map[string]struct{})
		h.subsIndex[channelStr] = set
	}
	set[connID] = struct{}{}
	h.mu.Unlock()
	c.setState(StateActive)

	result := SubscribeResult{Channel: channelStr}
	if fromCursor != "" {
		backfilled, last, hasMore, expired, aerr := h.Replay(ctx, connID, channelStr, fromCursor, 0)
		if aerr != nil {
			return SubscribeResult{}, aerr
		}
		result.Backfilled = backfilled
		result.LastCursor = last
		result.HasMore = hasMore
		result.CursorExpired = expired
		if len(backfilled) > 0 {
			last := backfilled[len(backfilled)-1]
			if lc, perr := cursor.Parse(last.Cursor); perr == nil {
				c.setSubscription(channelStr, lc)
			}
		}
	} else {
		c.setSubscription(channelStr, cursor.Cursor{})
	}

	logger.Hub().Debug().Str("connectionId", connID).Str("channel", channelStr).Msg("subscribed")
	return result, nil
}

// Unsubscribe removes connID from channelStr's subscriber set.
func (h *Hub) Unsubscribe(connID string, channelStr string) {
	h.mu.Lock()
	if set, ok := h.subsIndex[channelStr]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.subsIndex, channelStr)
		}
	}
	h.mu.Unlock()

	if c, ok := h.GetConnection(connID); ok {
		c.removeSubscription(channelStr)
	}
}

func (h *Hub) replayLimiter(connID string) *rate.Limiter {
	h.limiterMu.Lock()
	defer h.limiterMu.Unlock()
	l, ok := h.limiters[connID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Duration(h.cfg.ReplayThrottleResumeAfterMs)*time.Millisecond), 1)
		h.limiters[connID] = l
	}
	return l
}

// Replay serves a backfill request for connID on channelStr, enforcing
// the per-connection concurrent-durable-replay cap (spec §4.4, §9:
// "backpressure over drop"). The ring buffer is tried first; the
// durable store is consulted only when the cursor has rolled off.
func (h *Hub) Replay(ctx context.Context, connID string, channelStr string, fromCursor string, limit int) ([]wsproto.HubMessage, cursor.Cursor, bool, bool, *apperr.AppError) {
	if limit <= 0 {
		limit = 100
	}
	ch, err := channel.Parse(channelStr)
	if err != nil {
		return nil, cursor.Cursor{}, false, false, apperr.InvalidChannel(channelStr)
	}

	buf := h.bufferFor(ch)

	var from cursor.Cursor
	if fromCursor != "" {
		from, err = cursor.Parse(fromCursor)
		if err != nil {
			// malformed cursor: ring buffer Range treats non-zero parse
			// failure the same as "start from beginning of retained
			// window" is not safe here, so fall straight to the durable
			// tier which flags cursorExpired explicitly.
			return h.replayDurable(ctx, connID, channelStr, fromCursor, limit)
		}
	}

	if oldest, ok := buf.OldestCursor(); ok && !from.Zero() && from.Less(oldest) {
		return h.replayDurable(ctx, connID, channelStr, fromCursor, limit)
	}

	messages, last, hasMore, expired := buf.Range(from, limit)
	if expired {
		return h.replayDurable(ctx, connID, channelStr, fromCursor, limit)
	}
	return messages, last, hasMore, false, nil
}

func (h *Hub) replayDurable(ctx context.Context, connID string, channelStr string, fromCursor string, limit int) ([]wsproto.HubMessage, cursor.Cursor, bool, bool, *apperr.AppError) {
	c, ok := h.GetConnection(connID)
	if !ok {
		return nil, cursor.Cursor{}, false, false, apperr.Internal("connection not found")
	}

	if !c.tryEnterReplay(h.cfg.MaxActiveReplaysPerConnection) {
		limiter := h.replayLimiter(connID)
		resumeMs := h.cfg.ReplayThrottleResumeAfterMs
		if res := limiter.Reserve(); res.OK() {
			if d := res.Delay(); d > 0 {
				resumeMs = d.Milliseconds()
			}
			res.Cancel()
		}
		_ = c.Transport.Send(wsproto.ServerFrameThrottled, wsproto.ThrottledFrame{
			Message:       "durable replay capacity exceeded, retry shortly",
			ResumeAfterMs: resumeMs,
			CurrentCount:  c.activeReplayCount(),
			Limit:         h.cfg.MaxActiveReplaysPerConnection,
		})
		return nil, cursor.Cursor{}, false, false, apperr.ServiceUnavailable("durable replay capacity exceeded")
	}
	defer c.exitReplay()

	if h.store == nil {
		return nil, cursor.Cursor{}, false, true, nil
	}
	res, err := h.store.Replay(ctx, channelStr, fromCursor, limit)
	if err != nil {
		return nil, cursor.Cursor{}, false, false, apperr.Wrap(apperr.CodeInternal, "durable replay failed", err)
	}
	return res.Messages, res.LastCursor, res.HasMore, res.CursorExpired, nil
}

// Publish appends msg to channelStr's ring buffer (assigning it a
// cursor), mirrors it to the durable store, and fans it out to every
// subscriber. A send failure on one connection never prevents
// delivery to the others (spec §4.4, §9).
func (h *Hub) Publish(ctx context.Context, channelStr string, msgType wsproto.MessageType, payload []byte, meta *wsproto.Metadata) (cursor.Cursor, *apperr.AppError) {
	ch, err := channel.Parse(channelStr)
	if err != nil {
		return cursor.Cursor{}, apperr.InvalidChannel(channelStr)
	}

	buf := h.bufferFor(ch)
	msg := wsproto.HubMessage{
		Channel:   channelStr,
		Type:      msgType,
		Payload:   payload,
		Metadata:  meta,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		ID:        uuid.NewString(),
	}
	c := buf.Append(msg)
	msg.Cursor = c.String()

	if h.store != nil {
		h.store.Append(ctx, msg)
	}

	h.fanOut(channelStr, msg)
	return c, nil
}

func (h *Hub) fanOut(channelStr string, msg wsproto.HubMessage) {
	h.mu.RLock()
	set := h.subsIndex[channelStr]
	targets := make([]*Connection, 0, len(set))
	for connID := range set {
		if c, ok := h.connections[connID]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	ackRequired := msg.Type.AckRequired()
	for _, c := range targets {
		if ackRequired && c.pendingAckCount() >= h.cfg.MaxPendingAcksPerConnection {
			c.setSlow(true)
			logger.Hub().Warn().Str("connectionId", c.ID).Str("channel", channelStr).Msg("deferring delivery: pending-ack cap reached")
			continue
		}
		c.setSlow(false)

		if err := c.Transport.Send(wsproto.ServerFrameMessage, wsproto.MessageFrame{Message: msg, AckRequired: ackRequired}); err != nil {
			logger.Hub().Debug().Str("connectionId", c.ID).Err(err).Msg("fan-out send failed, closing connection")
			c.setState(StateClosed)
			_ = c.Transport.Close(1011, "send failed")
			continue
		}
		c.setSubscription(channelStr, cursorOrZero(msg.Cursor))
		if ackRequired {
			c.addPendingAck(msg.ID, channelStr, time.Now())
		}
	}
}

func cursorOrZero(token string) cursor.Cursor {
	c, err := cursor.Parse(token)
	if err != nil {
		return cursor.Cursor{}
	}
	return c
}

// ReconnectResult reports, per previously-subscribed channel, how many
// messages were replayed and whether the supplied cursor had expired.
type ReconnectResult struct {
	Replayed   map[string]int
	Expired    []string
	NewCursors map[string]string
}

// Reconnect re-establishes subscriptions for a set of channel->cursor
// pairs in one round trip (spec §6 reconnect frame).
func (h *Hub) Reconnect(ctx context.Context, connID string, cursors map[string]string) (ReconnectResult, *apperr.AppError) {
	result := ReconnectResult{Replayed: make(map[string]int), NewCursors: make(map[string]string)}

	for ch, tok := range cursors {
		res, err := h.Subscribe(ctx, connID, ch, tok)
		if err != nil {
			continue
		}
		result.Replayed[ch] = len(res.Backfilled)
		if res.CursorExpired {
			result.Expired = append(result.Expired, ch)
		}
		if !res.LastCursor.Zero() {
			result.NewCursors[ch] = res.LastCursor.String()
		} else {
			result.NewCursors[ch] = tok
		}
	}
	return result, nil
}

// AckResult reports which message IDs were cleared versus unknown.
type AckResult struct {
	Acknowledged []string
	NotFound     []string
}

// Ack clears pending-ack entries for connID, releasing backpressure
// once the connection's pending count drops back under cap.
func (h *Hub) Ack(connID string, messageIDs []string) (AckResult, *apperr.AppError) {
	c, ok := h.GetConnection(connID)
	if !ok {
		return AckResult{}, apperr.Internal("connection not found")
	}
	acked, notFound := c.ack(messageIDs)
	if c.pendingAckCount() < h.cfg.MaxPendingAcksPerConnection {
		c.setSlow(false)
	}
	return AckResult{Acknowledged: acked, NotFound: notFound}, nil
}
