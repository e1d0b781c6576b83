package engine

import (
	"context"
	"fmt"

	"github.com/stepvault/engine/internal/checkpoint"
	"github.com/stepvault/engine/internal/ids"
	"github.com/stepvault/engine/internal/logging"
)

// ListCommitted lists every checkpoint recorded on the metadata ref,
// newest information last as the store itself orders them.
func (e *Engine) ListCommitted(ctx context.Context, limit int) ([]checkpoint.CommittedInfo, error) {
	ctx, cancel := withTimeout(ctx, defaultOpTimeout)
	defer cancel()

	all, err := e.checkpoints.ListCommitted(ctx)
	if err != nil {
		logging.Warn(ctx, "list-committed: reading metadata ref", "error", err)
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// ReadCommitted returns the checkpoint-level summary for id, or nil if
// no such checkpoint was ever promoted.
func (e *Engine) ReadCommitted(ctx context.Context, id ids.CheckpointID) (*checkpoint.Summary, error) {
	ctx, cancel := withTimeout(ctx, defaultOpTimeout)
	defer cancel()

	summary, _, err := e.checkpoints.ReadCommitted(ctx, id)
	if err != nil {
		logging.Warn(ctx, "read-committed: reading checkpoint", "error", err, "id", id.String())
		return nil, err
	}
	return summary, nil
}

// ReadSessionContent returns the transcript/prompt/context content for
// the sessionIndex'th session (1-based, in the order it was recorded)
// contributing to checkpoint id.
func (e *Engine) ReadSessionContent(ctx context.Context, id ids.CheckpointID, sessionIndex int) (*checkpoint.SessionContent, error) {
	ctx, cancel := withTimeout(ctx, defaultOpTimeout)
	defer cancel()

	summary, _, err := e.checkpoints.ReadCommitted(ctx, id)
	if err != nil {
		logging.Warn(ctx, "read-session-content: reading checkpoint", "error", err, "id", id.String())
		return nil, err
	}
	if summary == nil {
		return nil, nil
	}
	if sessionIndex < 1 || sessionIndex > len(summary.SessionIDs) {
		return nil, fmt.Errorf("engine: session index %d out of range for checkpoint %s (%d sessions)", sessionIndex, id, len(summary.SessionIDs))
	}

	sessionID := summary.SessionIDs[sessionIndex-1]
	content, err := e.checkpoints.ReadSessionContent(ctx, id, sessionID)
	if err != nil {
		logging.Warn(ctx, "read-session-content: reading session folder", "error", err, "session", sessionID)
		return nil, err
	}
	return content, nil
}

// ListTemporary lists every live shadow ref, regardless of which
// session or base commit it belongs to.
func (e *Engine) ListTemporary(ctx context.Context) ([]checkpoint.TemporaryInfo, error) {
	ctx, cancel := withTimeout(ctx, defaultOpTimeout)
	defer cancel()

	infos, err := e.checkpoints.ListTemporary(ctx)
	if err != nil {
		logging.Warn(ctx, "list-temporary: listing shadow refs", "error", err)
		return nil, err
	}
	return infos, nil
}

// ReadTemporary reads the latest shadow-ref checkpoint for the given
// (baseCommit, worktreeID) pair, or nil if no session has written one.
func (e *Engine) ReadTemporary(ctx context.Context, baseCommit, worktreeID string) (*checkpoint.TemporaryInfo, error) {
	ctx, cancel := withTimeout(ctx, defaultOpTimeout)
	defer cancel()

	temp, err := e.checkpoints.ReadTemporary(ctx, baseCommit, worktreeID)
	if err != nil {
		logging.Warn(ctx, "read-temporary: resolving shadow ref", "error", err)
		return nil, err
	}
	if temp == nil {
		return nil, nil
	}
	return &checkpoint.TemporaryInfo{
		RefName:      ids.ShadowRefName(baseCommit, worktreeID),
		BaseCommit:   baseCommit,
		LatestCommit: temp.CommitHash,
		SessionID:    temp.SessionID,
		Timestamp:    temp.Timestamp,
	}, nil
}
