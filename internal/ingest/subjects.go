package ingest

// NATS subject constants for driver-origin agent events.
// Format: agentrelay.events.<domain>

const (
	SubjectAgentEvents       = "agentrelay.events.agent"
	SubjectToolEvents        = "agentrelay.events.tool"
	SubjectReservationEvents = "agentrelay.events.reservation"
	SubjectSafetyEvents      = "agentrelay.events.safety"
	SubjectContextEvents     = "agentrelay.events.context"
	SubjectCheckpointEvents  = "agentrelay.events.checkpoint"
	SubjectFleetEvents       = "agentrelay.events.fleet"
	SubjectGitEvents         = "agentrelay.events.git"
	SubjectDCGEvents         = "agentrelay.events.dcg"

	// SubjectAllEvents is the wildcard the bridge subscribes to; every
	// concrete subject above is a child of it.
	SubjectAllEvents = "agentrelay.events.>"
)
