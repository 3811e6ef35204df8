// Package authz implements the gateway's per-(principal, channel)
// authorization decision (spec §4.3). The decision function is pure:
// for every input it returns Allowed or Denied, it never panics or
// returns an error (P5, "authorization total").
package authz

import (
	"github.com/agentrelay/gateway/internal/channel"
)

// Principal is the authenticated identity behind a connection or
// publish call, matching Connection.auth from spec §3.
type Principal struct {
	UserID       string
	WorkspaceIDs []string
	IsAdmin      bool

	// Authenticated distinguishes an anonymous connection (zero value)
	// from a genuinely empty-but-authenticated principal.
	Authenticated bool
}

// AgentAccessResolver decides whether a user may access a specific
// agent's channels. Channels under agent:* require this resolver to
// be present and to return true; URL-embedded subscriptions to an
// agent channel are not trusted and must still pass this check
// (spec §9, "authorization must run on URL-embedded subscriptions").
type AgentAccessResolver interface {
	CanAccessAgent(userID, agentID string) bool
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision        { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// Authorize decides whether principal may subscribe to (or receive
// publishes on) ch. resolver may be nil; agent:* channels then deny
// every principal except admins, who are allowed on all channels.
func Authorize(p Principal, ch channel.Channel, resolver AgentAccessResolver) Decision {
	if !p.Authenticated {
		return deny("unauthenticated")
	}
	if p.IsAdmin {
		return allow()
	}

	switch ch.Scope {
	case channel.ScopeAgent:
		if resolver == nil {
			return deny("no agent-access resolver configured")
		}
		if !resolver.CanAccessAgent(p.UserID, ch.ID) {
			return deny("principal does not have access to this agent")
		}
		return allow()

	case channel.ScopeWorkspace:
		for _, w := range p.WorkspaceIDs {
			if w == ch.ID {
				return allow()
			}
		}
		return deny("principal is not a member of this workspace")

	case channel.ScopeUser:
		if p.UserID == ch.ID {
			return allow()
		}
		return deny("principal does not own this user channel")

	case channel.ScopeSystem:
		// Mutations (e.g. maintenance transitions) are invoked by
		// internal callers, not over this decision function; read
		// subscription to system:* is allowed for any authenticated
		// principal.
		return allow()

	default:
		return deny("unknown channel scope")
	}
}

// AuthorizePublish mirrors Authorize. Publish is effectively restricted
// to internal callers (the hub publishes on behalf of services), but
// the decision function itself applies the same rules so a future
// caller (e.g. an admin API) gets consistent behavior.
func AuthorizePublish(p Principal, ch channel.Channel, resolver AgentAccessResolver) Decision {
	return Authorize(p, ch, resolver)
}
