package hub

import (
	"sync"
	"time"

	"github.com/agentrelay/gateway/internal/authz"
	"github.com/agentrelay/gateway/internal/cursor"
)

// State is the connection lifecycle state machine from spec §4.4.
type State string

const (
	StateNew        State = "new"
	StateAuthorized State = "authorized"
	StateActive     State = "active"
	StateDraining   State = "draining"
	StateClosed     State = "closed"
)

// Transport abstracts the underlying socket so the hub's fan-out and
// replay logic can be exercised without a real WebSocket connection.
type Transport interface {
	// Send marshals and writes a server frame. A returned error marks
	// the connection for close; it never affects other connections.
	Send(frameType string, body interface{}) error
	// Close closes the underlying socket with the given close code and
	// reason string.
	Close(code int, reason string) error
}

// PendingAck is a message awaiting client acknowledgment.
type PendingAck struct {
	MessageID   string
	Channel     string
	SentAt      time.Time
	ReplayCount int
}

// Connection is the hub's exclusively-owned record for one client
// socket's lifetime (spec §3). The hub serializes access to a
// connection's mutable fields through mu; Transport I/O happens
// outside the lock.
type Connection struct {
	ID          string
	ConnectedAt time.Time
	Auth        authz.Principal
	Transport   Transport

	mu            sync.Mutex
	state         State
	subscriptions map[string]cursor.Cursor // channel -> lastDeliveredCursor (zero = none)
	lastHeartbeat time.Time
	pendingAcks   map[string]PendingAck
	activeReplays int
	slowClient    bool
}

// NewConnection creates a connection record in state "new".
func NewConnection(id string, auth authz.Principal, transport Transport, now time.Time) *Connection {
	return &Connection{
		ID:            id,
		ConnectedAt:   now,
		Auth:          auth,
		Transport:     transport,
		state:         StateNew,
		subscriptions: make(map[string]cursor.Cursor),
		lastHeartbeat: now,
		pendingAcks:   make(map[string]PendingAck),
	}
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MarkDraining transitions an active connection into "draining" (spec
// §4.4: "active -> draining when maintenance enters 'draining'; further
// subscribes denied; deliveries continue"). Connections that are
// already closed are left alone.
func (c *Connection) MarkDraining() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		c.state = StateDraining
	}
}

func (c *Connection) touchHeartbeat(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = t
}

// Touch records that a valid client frame (of any kind) was just
// observed on this connection, resetting its liveness window (spec
// §4.5: "any valid frame, not just ping, resets the timeout").
func (c *Connection) Touch(t time.Time) {
	c.touchHeartbeat(t)
}

// LastHeartbeat reports the last time any valid client frame (or an
// explicit heartbeat) was observed.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

func (c *Connection) setSubscription(channel string, last cursor.Cursor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[channel] = last
}

func (c *Connection) removeSubscription(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, channel)
}

// Subscriptions returns a snapshot of channel -> last delivered cursor
// string, used for the pong consistency check (spec §4.5).
func (c *Connection) Subscriptions() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.subscriptions))
	for ch, cur := range c.subscriptions {
		if cur.Zero() {
			out[ch] = ""
		} else {
			out[ch] = cur.String()
		}
	}
	return out
}

func (c *Connection) isSubscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[channel]
	return ok
}

func (c *Connection) addPendingAck(messageID, channel string, sentAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingAcks[messageID] = PendingAck{MessageID: messageID, Channel: channel, SentAt: sentAt}
}

func (c *Connection) ack(messageIDs []string) (acked, notFound []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range messageIDs {
		if _, ok := c.pendingAcks[id]; ok {
			delete(c.pendingAcks, id)
			acked = append(acked, id)
		} else {
			notFound = append(notFound, id)
		}
	}
	return acked, notFound
}

func (c *Connection) pendingAckCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingAcks)
}

// isSlow reports whether fan-out to this connection is currently
// suspended because its pending-ack cap was reached (spec §4.4
// backpressure policy: defer, not drop).
func (c *Connection) isSlow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slowClient
}

func (c *Connection) setSlow(slow bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slowClient = slow
}

// tryEnterReplay attempts to reserve one of cap concurrent durable
// replay slots. Returns false if the cap is already reached.
func (c *Connection) tryEnterReplay(cap int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeReplays >= cap {
		return false
	}
	c.activeReplays++
	return true
}

func (c *Connection) exitReplay() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeReplays > 0 {
		c.activeReplays--
	}
}

func (c *Connection) activeReplayCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeReplays
}
