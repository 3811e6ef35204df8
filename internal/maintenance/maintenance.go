// Package maintenance implements the gateway's operational state
// machine: running, maintenance, and draining, with the publish-before-
// close ordering spec §4.8 requires so subscribers always see the
// state transition before their socket closes.
package maintenance

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentrelay/gateway/internal/hub"
	"github.com/agentrelay/gateway/internal/logger"
	"github.com/agentrelay/gateway/internal/wsproto"
)

// State is the coordinator's operational state.
type State string

const (
	StateRunning     State = "running"
	StateMaintenance State = "maintenance"
	StateDraining    State = "draining"
)

// Close codes sent to connections when the gateway enters maintenance
// or draining (spec §6).
const (
	CloseCodeMaintenance = 1013
	CloseCodeDraining    = 1012
)

const systemMaintenanceChannel = "system:maintenance"

// stateChangedPayload is the body of the maintenance.state_changed
// message published on the system:maintenance channel.
type stateChangedPayload struct {
	State     State  `json:"state"`
	Reason    string `json:"reason,omitempty"`
	DeadlineS int     `json:"deadlineSeconds,omitempty"`
}

// Coordinator owns the gateway's running/maintenance/draining state and
// the inflight HTTP request counter used to gate drain completion.
type Coordinator struct {
	hub *hub.Hub

	mu     sync.RWMutex
	state  State
	reason string

	inflightHTTP int64
}

// New creates a coordinator in state "running".
func New(h *hub.Hub) *Coordinator {
	return &Coordinator{hub: h, state: StateRunning}
}

// State reports the current operational state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IncInflightHTTP and DecInflightHTTP track in-progress REST requests,
// consulted by an orchestrator deciding when a drain has quiesced.
func (c *Coordinator) IncInflightHTTP() { atomic.AddInt64(&c.inflightHTTP, 1) }
func (c *Coordinator) DecInflightHTTP() { atomic.AddInt64(&c.inflightHTTP, -1) }

// InflightHTTP reports the current in-progress REST request count.
func (c *Coordinator) InflightHTTP() int64 { return atomic.LoadInt64(&c.inflightHTTP) }

// EnterMaintenance publishes the state transition to every subscriber
// of system:maintenance, then closes all connections with close code
// 1013. Ordering matters: publish must be observed before close (spec
// §4.8, §9).
func (c *Coordinator) EnterMaintenance(ctx context.Context, reason string) {
	c.transition(ctx, StateMaintenance, reason, 0, CloseCodeMaintenance)
}

// StartDraining publishes the transition, marks every connection
// draining, and closes connections with close code 1012: immediately
// when deadlineSeconds <= 0, otherwise after deadlineSeconds via a
// timer (the call itself returns without waiting for the deadline).
func (c *Coordinator) StartDraining(ctx context.Context, reason string, deadlineSeconds int) {
	c.mu.Lock()
	c.state = StateDraining
	c.reason = reason
	c.mu.Unlock()

	c.publishState(ctx, StateDraining, reason, deadlineSeconds)
	c.hub.MarkAllDraining()
	logger.Maintenance().Info().Int("deadlineSeconds", deadlineSeconds).Str("reason", reason).Msg("draining started")

	if deadlineSeconds <= 0 {
		c.hub.CloseAllConnections(CloseCodeDraining, "draining")
		return
	}
	time.AfterFunc(time.Duration(deadlineSeconds)*time.Second, func() {
		c.hub.CloseAllConnections(CloseCodeDraining, "draining")
	})
}

// ExitMaintenance returns the coordinator to "running" and publishes
// the transition; it does not close any connections.
func (c *Coordinator) ExitMaintenance(ctx context.Context) {
	c.mu.Lock()
	c.state = StateRunning
	c.reason = ""
	c.mu.Unlock()
	c.publishState(ctx, StateRunning, "", 0)
	logger.Maintenance().Info().Msg("exited maintenance, state=running")
}

func (c *Coordinator) transition(ctx context.Context, state State, reason string, deadlineSeconds int, closeCode int) {
	c.mu.Lock()
	c.state = state
	c.reason = reason
	c.mu.Unlock()

	c.publishState(ctx, state, reason, deadlineSeconds)
	logger.Maintenance().Info().Str("state", string(state)).Str("reason", reason).Msg("state transition")
	c.hub.CloseAllConnections(closeCode, string(state))
}

func (c *Coordinator) publishState(ctx context.Context, state State, reason string, deadlineSeconds int) {
	payload, err := json.Marshal(stateChangedPayload{State: state, Reason: reason, DeadlineS: deadlineSeconds})
	if err != nil {
		logger.Maintenance().Error().Err(err).Msg("failed to marshal maintenance state payload")
		return
	}
	if _, aerr := c.hub.Publish(ctx, systemMaintenanceChannel, wsproto.MessageTypeMaintenanceStateChanged, payload, nil); aerr != nil {
		logger.Maintenance().Error().Str("code", aerr.Code).Msg("failed to publish maintenance state change")
	}
}
