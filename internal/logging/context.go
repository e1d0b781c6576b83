package logging

import "context"

// Context keys for logging values. Using private types avoids key
// collisions with other packages' context values.
type contextKey int

const (
	sessionIDKey contextKey = iota
	worktreeIDKey
	componentKey
	agentKey
)

// WithSession adds a session ID to the context.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// WithWorktree adds a worktree identifier to the context, distinguishing
// concurrent sessions recording against the same base commit from
// different linked worktrees.
func WithWorktree(ctx context.Context, worktreeID string) context.Context {
	return context.WithValue(ctx, worktreeIDKey, worktreeID)
}

// WithComponent adds a component name to the context (e.g.
// "checkpoint", "overlap", "engine") identifying the subsystem
// generating a log line.
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// WithAgent adds the coding agent's name to the context (e.g.
// "claude-code", "cursor", "aider").
func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, agentKey, agent)
}

func stringFromContext(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(key); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
