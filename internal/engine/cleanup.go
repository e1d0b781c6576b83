package engine

import (
	"context"
	"time"

	"github.com/stepvault/engine/internal/ids"
	"github.com/stepvault/engine/internal/logging"
)

// sessionGracePeriod is the minimum age a session must have before its
// shadow ref and state file are eligible for orphan cleanup; it
// protects a session that hasn't written its first checkpoint yet.
const sessionGracePeriod = 10 * time.Minute

// OrphanKind identifies what kind of artifact OrphanedItem refers to.
type OrphanKind string

const (
	OrphanShadowRef    OrphanKind = "shadow-ref"
	OrphanSessionState OrphanKind = "session-state"
)

// OrphanedItem is one artifact Cleanup found with nothing left
// referencing it.
type OrphanedItem struct {
	Kind   OrphanKind
	ID     string
	Reason string
}

// FindOrphans scans shadow refs and session state files for anything no
// longer reachable from a live session or a committed checkpoint:
// shadow refs whose session state is gone, and session states past the
// grace period with neither a shadow ref nor a promoted checkpoint to
// show for themselves.
func (e *Engine) FindOrphans(ctx context.Context) ([]OrphanedItem, error) {
	ctx, cancel := withTimeout(ctx, defaultOpTimeout)
	defer cancel()
	ctx = logging.WithComponent(ctx, "engine")

	states, err := e.sessions.List(ctx)
	if err != nil {
		logging.Warn(ctx, "cleanup: listing session states", "error", err)
		return nil, err
	}
	expectedRefs := make(map[string]bool, len(states))
	for _, s := range states {
		expectedRefs[ids.ShadowRefName(s.BaseCommit, s.WorktreeID)] = true
	}

	committed, err := e.checkpoints.ListCommitted(ctx)
	if err != nil {
		logging.Warn(ctx, "cleanup: listing committed checkpoints", "error", err)
	}
	sessionsWithCheckpoints := make(map[string]bool, len(committed))
	for _, c := range committed {
		sessionsWithCheckpoints[c.SessionID] = true
	}

	temps, err := e.checkpoints.ListTemporary(ctx)
	if err != nil {
		logging.Warn(ctx, "cleanup: listing temporary checkpoints", "error", err)
		temps = nil
	}

	var out []OrphanedItem
	for _, t := range temps {
		if !expectedRefs[t.RefName] {
			out = append(out, OrphanedItem{
				Kind:   OrphanShadowRef,
				ID:     t.RefName,
				Reason: "no session state references this ref",
			})
		}
	}

	now := timeNow()
	for _, s := range states {
		if now.Sub(s.StartedAt) < sessionGracePeriod {
			continue
		}
		if sessionsWithCheckpoints[s.SessionID] {
			continue
		}
		temp, err := e.checkpoints.ReadTemporary(ctx, s.BaseCommit, s.WorktreeID)
		if err != nil || temp != nil {
			continue
		}
		out = append(out, OrphanedItem{
			Kind:   OrphanSessionState,
			ID:     s.SessionID,
			Reason: "no shadow ref and no committed checkpoint",
		})
	}

	return out, nil
}

// Cleanup deletes the shadow refs and session state files FindOrphans
// reported. It is best-effort: a single failed deletion is logged and
// does not stop the rest from proceeding.
func (e *Engine) Cleanup(ctx context.Context, items []OrphanedItem) error {
	ctx, cancel := withTimeout(ctx, defaultOpTimeout)
	defer cancel()
	ctx = logging.WithComponent(ctx, "engine")

	for _, item := range items {
		switch item.Kind {
		case OrphanShadowRef:
			if err := e.vcs.DeleteRef(ctx, item.ID); err != nil {
				logging.Warn(ctx, "cleanup: deleting shadow ref", "error", err, "ref", item.ID)
			}
		case OrphanSessionState:
			if err := e.sessions.Delete(ctx, item.ID); err != nil {
				logging.Warn(ctx, "cleanup: deleting session state", "error", err, "session", item.ID)
			}
		}
	}
	return nil
}
