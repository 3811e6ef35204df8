package authz

import (
	"context"
	"database/sql"
	"time"
)

// SQLAgentAccessResolver answers CanAccessAgent by checking agent
// ownership/sharing in Postgres, adapted from the teacher's
// X-Agent-API-Key ownership check (middleware/agent_auth.go) into a
// plain boolean predicate the hub can call synchronously.
type SQLAgentAccessResolver struct {
	db *sql.DB
}

// NewSQLAgentAccessResolver creates a resolver backed by db. db may be
// nil, in which case CanAccessAgent always denies — callers that run
// without a database (e.g. tests) get the conservative "no agent
// access" behavior spec §4.3 mandates when a resolver is absent.
func NewSQLAgentAccessResolver(db *sql.DB) *SQLAgentAccessResolver {
	return &SQLAgentAccessResolver{db: db}
}

// CanAccessAgent reports whether userID may subscribe to agentID's
// channels: either userID owns the agent directly, or the agent
// belongs to a workspace userID is a member of.
func (r *SQLAgentAccessResolver) CanAccessAgent(userID, agentID string) bool {
	if r.db == nil || userID == "" || agentID == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const query = `
		SELECT EXISTS (
			SELECT 1 FROM agents a
			WHERE a.id = $1
			AND (
				a.owner_user_id = $2
				OR a.workspace_id IN (
					SELECT workspace_id FROM workspace_members WHERE user_id = $2
				)
			)
		)
	`
	var exists bool
	if err := r.db.QueryRowContext(ctx, query, agentID, userID).Scan(&exists); err != nil {
		return false
	}
	return exists
}
