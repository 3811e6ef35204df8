// Package heartbeat implements the hub's liveness-probe manager: a
// periodic checker that pings idle connections and closes ones that
// have gone silent past the timeout window (spec §4.5).
package heartbeat

import (
	"sync"
	"time"

	"github.com/agentrelay/gateway/internal/hub"
	"github.com/agentrelay/gateway/internal/logger"
	"github.com/agentrelay/gateway/internal/wsproto"
)

// CloseCodeStale is sent when a connection is closed for exceeding the
// heartbeat timeout window (spec §6).
const CloseCodeStale = 1011

// Config tunes the probe interval and timeout window.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultConfig matches spec §4.5's stated defaults: a 30s probe
// interval and a 60s timeout (the spec allows up to 90s; 60s is the
// conservative default).
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second, Timeout: 60 * time.Second}
}

// Monitor runs the periodic liveness check against every connection
// registered in the hub.
type Monitor struct {
	hub *hub.Hub
	cfg Config

	mu      sync.Mutex
	ticker  *time.Ticker
	stopCh  chan struct{}
	running bool
}

// New creates a heartbeat monitor for h.
func New(h *hub.Hub, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Monitor{hub: h, cfg: cfg}
}

// Start launches the background ticker. It is safe to call once; a
// second call is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.ticker = time.NewTicker(m.cfg.Interval)
	m.stopCh = make(chan struct{})
	ticker := m.ticker
	stopCh := m.stopCh
	m.mu.Unlock()

	logger.Heartbeat().Info().Dur("interval", m.cfg.Interval).Dur("timeout", m.cfg.Timeout).Msg("heartbeat monitor started")

	go func() {
		for {
			select {
			case <-ticker.C:
				m.checkOnce(time.Now())
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop halts the ticker.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.ticker.Stop()
	close(m.stopCh)
}

// checkOnce pings every live connection and closes any that exceeded
// the timeout window since their last valid frame.
func (m *Monitor) checkOnce(now time.Time) {
	for _, c := range m.hub.Connections() {
		last := c.LastHeartbeat()
		if now.Sub(last) > m.cfg.Timeout {
			logger.Heartbeat().Warn().Str("connectionId", c.ID).Dur("silentFor", now.Sub(last)).Msg("closing stale connection")
			_ = c.Transport.Close(CloseCodeStale, "stale: no heartbeat within timeout window")
			m.hub.RemoveConnection(c.ID)
			continue
		}

		serverTime := now.UTC().Format(time.RFC3339Nano)
		frame := wsproto.HeartbeatFrame{ServerTime: serverTime}
		if err := c.Transport.Send(wsproto.ServerFrameHeartbeat, frame); err != nil {
			logger.Heartbeat().Debug().Str("connectionId", c.ID).Err(err).Msg("heartbeat send failed")
		}
	}
}

// Pong builds the server's reply to a client ping frame, including the
// connection's current subscription set and per-channel cursors so the
// client can detect drift (spec §4.5, §9(b): "pong reports the
// connection's current subscriptions").
func Pong(c *hub.Connection, clientTimestamp int64, now time.Time) wsproto.PongFrame {
	cursors := c.Subscriptions()
	subs := make([]string, 0, len(cursors))
	for ch := range cursors {
		subs = append(subs, ch)
	}
	c.Touch(now)
	return wsproto.PongFrame{
		Timestamp:     clientTimestamp,
		ServerTime:    now.UTC().Format(time.RFC3339Nano),
		Subscriptions: subs,
		Cursors:       cursors,
	}
}
