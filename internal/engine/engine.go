// Package engine wires the session store, checkpoint store, and overlap
// analyzer into the strategy coordinator: the state machine driven by
// version-control hook points (record-step, prepare-commit-msg,
// commit-msg, post-commit, pre-push) plus the read-side operations a
// rewind/explain front end needs (list/read committed, list/read
// temporary).
//
// Every hook-facing method follows one rule: no failure inside the
// engine is ever fatal to the host's own version-control operation.
// Errors are logged and swallowed here; the one documented exception is
// ValidateCommitMessage, which must propagate so the host can abort an
// otherwise-empty commit.
package engine

import (
	"context"
	"time"

	"github.com/stepvault/engine/internal/checkpoint"
	"github.com/stepvault/engine/internal/sessionstore"
	"github.com/stepvault/engine/internal/vcs"
)

// StrategyName identifies this coordinator in shadow-commit trailers.
const StrategyName = "checkpoint"

// MetadataRoot is the tree-relative directory every session's shadow
// metadata subtree is grafted under.
const MetadataRoot = ".stepvault"

const (
	defaultOpTimeout   = 30 * time.Second
	defaultPushTimeout = 60 * time.Second
)

// Engine is the checkpoint engine's entrypoint, built from an open
// repository handle. One Engine is constructed per hook invocation or
// CLI command; it holds no state beyond the handles passed to New.
type Engine struct {
	vcs         vcs.Store
	checkpoints *checkpoint.Store
	sessions    *sessionstore.Store
	metadataRef string
	remoteName  string
}

// New constructs an Engine. metadataRef is the fully-resolved metadata
// ref name (see ids.MetadataRefName); remoteName is the git remote
// PrePush pushes the metadata ref to (typically "origin").
func New(store vcs.Store, sessions *sessionstore.Store, metadataRef, remoteName string) *Engine {
	if remoteName == "" {
		remoteName = "origin"
	}
	return &Engine{
		vcs:         store,
		checkpoints: checkpoint.New(store, metadataRef),
		sessions:    sessions,
		metadataRef: metadataRef,
		remoteName:  remoteName,
	}
}

// withTimeout bounds an operation at d unless ctx already carries an
// earlier deadline, matching the per-operation budget in the
// concurrency model: 30s for most engine operations, 60s for the
// metadata-ref push.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= d {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

func sessionMetadataDir(sessionID string) string {
	return MetadataRoot + "/sessions/" + sessionID
}

func taskMetadataDir(sessionID, toolUseID string) string {
	return sessionMetadataDir(sessionID) + "/tasks/" + toolUseID
}
