// Package wsproto defines the gateway's WebSocket wire format: the
// HubMessage envelope carried on every channel, the closed set of
// message kinds it may carry, and the client/server frame codec.
package wsproto

import "encoding/json"

// MessageType is a closed enum of 40 event kinds a HubMessage can
// carry, grouped by domain below.
type MessageType string

const (
	// Agent output
	MessageTypeAgentOutputChunk MessageType = "agent.output.chunk"
	MessageTypeAgentOutputDone  MessageType = "agent.output.done"

	// Agent state
	MessageTypeAgentStateSnapshot MessageType = "agent.state.snapshot"
	MessageTypeAgentStateStarted  MessageType = "agent.state.started"
	MessageTypeAgentStatePaused   MessageType = "agent.state.paused"
	MessageTypeAgentStateResumed  MessageType = "agent.state.resumed"
	MessageTypeAgentStateStopped  MessageType = "agent.state.stopped"
	MessageTypeAgentStateFailed   MessageType = "agent.state.failed"

	// Tool calls
	MessageTypeToolCallStarted   MessageType = "tool.call.started"
	MessageTypeToolCallProgress  MessageType = "tool.call.progress"
	MessageTypeToolCallCompleted MessageType = "tool.call.completed"
	MessageTypeToolCallFailed    MessageType = "tool.call.failed"

	// Reservations
	MessageTypeReservationAcquired MessageType = "reservation.acquired"
	MessageTypeReservationReleased MessageType = "reservation.released"
	MessageTypeReservationExpired  MessageType = "reservation.expired"

	// Conflicts
	MessageTypeConflictOpened   MessageType = "conflict.opened"
	MessageTypeConflictResolved MessageType = "conflict.resolved"

	// DCG (dependency/change graph)
	MessageTypeDCGUpdated  MessageType = "dcg.updated"
	MessageTypeDCGInvalid  MessageType = "dcg.invalidated"

	// Safety
	MessageTypeSafetyBlockRaised  MessageType = "safety.block.raised"
	MessageTypeSafetyBlockCleared MessageType = "safety.block.cleared"
	MessageTypeSafetyAllowlisted  MessageType = "safety.allowlisted"

	// Context health
	MessageTypeContextHealthWarning   MessageType = "context.health.warning"
	MessageTypeContextHealthEmergency MessageType = "context.health.emergency"
	MessageTypeContextBuildStarted    MessageType = "context.build.started"
	MessageTypeContextBuildCompleted  MessageType = "context.build.completed"

	// Checkpoints
	MessageTypeCheckpointCreated  MessageType = "checkpoint.created"
	MessageTypeCheckpointRestored MessageType = "checkpoint.restored"
	MessageTypeCheckpointDeleted  MessageType = "checkpoint.deleted"

	// Fleet
	MessageTypeFleetAgentJoined MessageType = "fleet.agent.joined"
	MessageTypeFleetAgentLeft   MessageType = "fleet.agent.left"
	MessageTypeFleetCapacity    MessageType = "fleet.capacity.changed"

	// Git
	MessageTypeGitCommit      MessageType = "git.commit"
	MessageTypeGitBranchMoved MessageType = "git.branch.moved"
	MessageTypeGitConflict    MessageType = "git.conflict"

	// Mail / notifications
	MessageTypeMailReceived          MessageType = "mail.received"
	MessageTypeNotificationCreated   MessageType = "notification.created"
	MessageTypeNotificationDismissed MessageType = "notification.dismissed"

	// System
	MessageTypeMaintenanceStateChanged MessageType = "maintenance.state_changed"
	MessageTypeHealthChanged           MessageType = "health.changed"
)

// AckRequired reports whether messages of this type must be held in a
// connection's pendingAcks until the client acknowledges them. This is
// a closed, small set keyed to the channel/message kind, per spec
// §4.4 and §9 ("ack-required set is closed and small").
func (t MessageType) AckRequired() bool {
	switch t {
	case MessageTypeAgentStateSnapshot,
		MessageTypeConflictOpened, MessageTypeConflictResolved,
		MessageTypeReservationAcquired, MessageTypeReservationReleased, MessageTypeReservationExpired,
		MessageTypeSafetyBlockRaised, MessageTypeSafetyBlockCleared,
		MessageTypeContextHealthEmergency:
		return true
	default:
		return false
	}
}

// Metadata is the optional correlating context attached to a HubMessage.
type Metadata struct {
	CorrelationID string `json:"correlationId,omitempty"`
	AgentID       string `json:"agentId,omitempty"`
	UserID        string `json:"userId,omitempty"`
	WorkspaceID   string `json:"workspaceId,omitempty"`
}

// HubMessage is the canonical envelope appended to a channel's ring
// buffer and fanned out to subscribers. Once appended, ID and Cursor
// are immutable; Payload must not be mutated by any subscriber (the
// hub owns it, see SPEC design notes on message ownership).
type HubMessage struct {
	ID        string          `json:"id"`
	Cursor    string          `json:"cursor"`
	Timestamp string          `json:"timestamp"`
	Channel   string          `json:"channel"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  *Metadata       `json:"metadata,omitempty"`
}
