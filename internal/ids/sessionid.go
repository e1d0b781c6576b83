package ids

import (
	"time"

	"github.com/google/uuid"
)

// SessionID formats the full, durable session identifier from an agent's
// own session identifier: "YYYY-MM-DD-<agent-session-id>". The date
// prefix lets sessions sort chronologically and survive the agent
// reusing an id across days.
func SessionID(agentSessionID string) string {
	return time.Now().UTC().Format("2006-01-02") + "-" + agentSessionID
}

// AgentSessionID extracts the agent-native session id from a full
// SessionID, undoing the date prefix SessionID adds. Returns the input
// unchanged if it doesn't match the expected "YYYY-MM-DD-" shape, for
// backwards compatibility with ids recorded before this scheme existed.
func AgentSessionID(sessionID string) string {
	if len(sessionID) > 11 && sessionID[4] == '-' && sessionID[7] == '-' && sessionID[10] == '-' {
		return sessionID[11:]
	}
	return sessionID
}

// NewWorktreeID generates an opaque worktree identifier for use when the
// caller has no stable filesystem-derived identity to offer (e.g. a
// worktree created from stdin/ephemeral checkout). Stable worktree
// identities should prefer the worktree's absolute path instead; this is
// purely a fallback so shadow ref partitioning still works.
func NewWorktreeID() string {
	return uuid.NewString()
}
