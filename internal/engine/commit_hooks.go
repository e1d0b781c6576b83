package engine

import (
	"context"
	"os"

	"github.com/stepvault/engine/internal/checkpoint"
	"github.com/stepvault/engine/internal/ids"
	"github.com/stepvault/engine/internal/logging"
	"github.com/stepvault/engine/internal/overlap"
	"github.com/stepvault/engine/internal/sessionstore"
	"github.com/stepvault/engine/internal/tokenusage"
	"github.com/stepvault/engine/internal/trailers"
	"github.com/stepvault/engine/internal/vcs"
)

// skipPrepareSources are the prepare-commit-msg "source" values that
// never warrant a checkpoint trailer, because the message isn't the
// user's own (merge, squash). An amend (source "commit") is handled
// separately in PrepareCommitMessage: it is skipped only when the
// message already carries a checkpoint trailer.
var skipPrepareSources = map[string]bool{
	"merge":  true,
	"squash": true,
}

// PrepareCommitMessage runs on the host's prepare-commit-msg hook. It
// finds every session whose shadow history sits on the current HEAD
// and, if any of their touched files overlap what's staged, injects or
// reuses a checkpoint trailer in the message file at messageFilePath.
func (e *Engine) PrepareCommitMessage(ctx context.Context, messageFilePath, source, refHint string) error {
	ctx, cancel := withTimeout(ctx, defaultOpTimeout)
	defer cancel()
	ctx = logging.WithComponent(ctx, "engine")

	if skipPrepareSources[source] {
		return nil
	}

	raw, err := os.ReadFile(messageFilePath)
	if err != nil {
		logging.Warn(ctx, "prepare-commit-msg: reading message file", "error", err)
		return nil
	}
	message := string(raw)

	if source == "commit" {
		if _, ok := trailers.ParseCheckpoint(message); ok {
			// Amending a commit that already carries a trailer: leave it
			// alone rather than risk attaching the wrong checkpoint id.
			return nil
		}
	}

	head, err := e.vcs.Head(ctx)
	if err != nil {
		logging.Warn(ctx, "prepare-commit-msg: resolving HEAD", "error", err)
		return nil
	}

	sessions, err := e.sessions.FindByBaseCommit(ctx, head)
	if err != nil {
		logging.Warn(ctx, "prepare-commit-msg: listing sessions at HEAD", "error", err)
		return nil
	}

	var candidate *sessionstore.State
	for _, s := range sessions {
		if s.StepCount == 0 || len(s.FilesTouched) == 0 {
			continue
		}
		temp, err := e.checkpoints.ReadTemporary(ctx, s.BaseCommit, s.WorktreeID)
		if err != nil || temp == nil {
			continue
		}
		overlaps, err := overlap.StagedOverlap(ctx, e.vcs, head, temp.TreeHash, s.FilesTouched)
		if err != nil {
			logging.Warn(ctx, "prepare-commit-msg: checking staged overlap", "error", err, "session", s.SessionID)
			continue
		}
		if overlaps {
			candidate = s
			break
		}
	}
	if candidate == nil {
		return nil
	}

	checkpointID := candidate.LastCheckpointID
	if checkpointID.IsEmpty() {
		checkpointID, err = ids.GenerateCheckpointID()
		if err != nil {
			logging.Warn(ctx, "prepare-commit-msg: generating checkpoint id", "error", err)
			return nil
		}
		candidate.LastCheckpointID = checkpointID
		if err := e.sessions.Save(ctx, candidate); err != nil {
			logging.Warn(ctx, "prepare-commit-msg: persisting checkpoint id", "error", err)
		}
	}

	updated := trailers.InjectCheckpointTrailer(message, checkpointID)
	if err := os.WriteFile(messageFilePath, []byte(updated), 0o644); err != nil { //nolint:gosec // hook-provided path
		logging.Warn(ctx, "prepare-commit-msg: writing message file", "error", err)
	}
	return nil
}

// ValidateCommitMessage runs on the host's commit-msg hook. If the
// message is nothing but comments plus an injected checkpoint trailer,
// it strips the trailer and returns ErrEmptyCommit so the host aborts
// the commit instead of recording a trailer-only message; this is the
// one engine error a caller must propagate.
func (e *Engine) ValidateCommitMessage(ctx context.Context, messageFilePath string) error {
	ctx, cancel := withTimeout(ctx, defaultOpTimeout)
	defer cancel()
	ctx = logging.WithComponent(ctx, "engine")

	raw, err := os.ReadFile(messageFilePath)
	if err != nil {
		logging.Warn(ctx, "commit-msg: reading message file", "error", err)
		return nil
	}
	message := string(raw)

	if !trailers.HasOnlyCommentsAndTrailer(message) {
		return nil
	}

	stripped := trailers.StripCheckpointTrailer(message)
	if err := os.WriteFile(messageFilePath, []byte(stripped), 0o644); err != nil { //nolint:gosec // hook-provided path
		logging.Warn(ctx, "commit-msg: writing stripped message file", "error", err)
	}
	return ErrEmptyCommit
}

// PostCommit runs on the host's post-commit hook. For every session
// whose shadow history sits on the commit's parent, it checks whether
// the new commit overlaps the session's touched files; on overlap it
// promotes the session's shadow content into a committed checkpoint,
// then either resets the session (full promotion) or carries forward
// whatever didn't make it into the commit (partial promotion).
func (e *Engine) PostCommit(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, defaultOpTimeout)
	defer cancel()
	ctx = logging.WithComponent(ctx, "engine")

	head, err := e.vcs.Head(ctx)
	if err != nil {
		logging.Warn(ctx, "post-commit: resolving HEAD", "error", err)
		return nil
	}
	commit, err := e.vcs.ReadCommit(ctx, head)
	if err != nil {
		logging.Warn(ctx, "post-commit: reading HEAD commit", "error", err)
		return nil
	}
	if len(commit.Parents) == 0 {
		return nil
	}
	parentHash := commit.Parents[0]
	parentCommit, err := e.vcs.ReadCommit(ctx, parentHash)
	if err != nil {
		logging.Warn(ctx, "post-commit: reading parent commit", "error", err)
		return nil
	}

	checkpointID, hasTrailer := trailers.ParseCheckpoint(commit.Message)

	sessions, err := e.sessions.FindByBaseCommit(ctx, parentHash)
	if err != nil {
		logging.Warn(ctx, "post-commit: listing sessions at parent", "error", err)
		return nil
	}

	if !hasTrailer {
		// The user committed without a checkpoint trailer — either they
		// removed it, or this commit never went through
		// PrepareCommitMessage at all. Nothing gets promoted; just keep
		// BaseCommit from going stale so a later commit can still match
		// these sessions.
		e.postCommitUpdateBaseCommitOnly(ctx, sessions, head)
		return nil
	}

	for _, state := range sessions {
		e.promoteSession(ctx, state, head, commit.TreeHash, parentCommit.TreeHash, checkpointID)
	}
	return nil
}

// postCommitUpdateBaseCommitOnly advances BaseCommit to head for every
// active session in sessions, without promoting or touching
// LastCheckpointID — idle/ended sessions are left alone so a later
// checkpoint trailer can still be matched against their recorded id.
func (e *Engine) postCommitUpdateBaseCommitOnly(ctx context.Context, sessions []*sessionstore.State, head string) {
	for _, state := range sessions {
		if state.Phase != sessionstore.PhaseActive {
			continue
		}
		if state.BaseCommit == head {
			continue
		}
		state.BaseCommit = head
		if err := e.sessions.Save(ctx, state); err != nil {
			logging.Warn(ctx, "post-commit: updating base commit without trailer", "error", err, "session", state.SessionID)
		}
	}
}

func (e *Engine) promoteSession(ctx context.Context, state *sessionstore.State, headCommit, headTree, parentTree string, checkpointID ids.CheckpointID) {
	ctx = logging.WithSession(ctx, state.SessionID)

	if state.StepCount == 0 || len(state.FilesTouched) == 0 {
		return
	}

	temp, err := e.checkpoints.ReadTemporary(ctx, state.BaseCommit, state.WorktreeID)
	if err != nil || temp == nil {
		return
	}

	overlaps, err := overlap.CommittedOverlap(ctx, e.vcs, headTree, parentTree, temp.TreeHash, state.FilesTouched)
	if err != nil {
		logging.Warn(ctx, "post-commit: checking committed overlap", "error", err)
		return
	}
	if !overlaps {
		return
	}

	id := checkpointID
	if id.IsEmpty() {
		id = state.LastCheckpointID
		if id.IsEmpty() {
			id, err = ids.GenerateCheckpointID()
			if err != nil {
				logging.Warn(ctx, "post-commit: generating checkpoint id", "error", err)
				return
			}
		}
	}

	transcript, _ := os.ReadFile(state.TranscriptPath) //nolint:gosec // path recorded by this session's own adapter

	author := vcs.ResolveAuthor(e.vcs)
	err = e.checkpoints.WriteCommitted(ctx, checkpoint.WriteCommittedOptions{
		CheckpointID:                id,
		SessionID:                   state.SessionID,
		Strategy:                    StrategyName,
		Transcript:                  transcript,
		FilesTouched:                state.FilesTouched,
		CheckpointsCount:            state.StepCount,
		Author:                      checkpoint.AuthorIdentity{Name: author.Name, Email: author.Email},
		TranscriptIdentifierAtStart: state.TranscriptIdentifierAtStart,
		TokenUsage:                  state.TokenUsage,
		InitialAttribution:          state.FirstPrompt,
	})
	if err != nil {
		logging.Warn(ctx, "post-commit: promoting checkpoint", "error", err)
		return
	}

	diff, err := e.vcs.DiffNameStatus(ctx, parentTree, headTree)
	if err != nil {
		logging.Warn(ctx, "post-commit: diffing commit tree", "error", err)
		diff = nil
	}
	committedSet := make(map[string]bool, len(diff))
	for _, d := range diff {
		if d.Status == vcs.StatusAdded || d.Status == vcs.StatusModified {
			committedSet[d.Path] = true
		}
	}
	remaining, err := overlap.RemainingWork(ctx, e.vcs, headTree, temp.TreeHash, state.FilesTouched, committedSet)
	if err != nil {
		logging.Warn(ctx, "post-commit: computing remaining work", "error", err)
		remaining = nil
	}

	if err := e.checkpoints.DeleteShadowRef(ctx, state.BaseCommit, state.WorktreeID); err != nil {
		logging.Warn(ctx, "post-commit: deleting shadow ref", "error", err)
	}

	if len(remaining) == 0 {
		state.BaseCommit = headCommit
		state.AttributionBaseCommit = headCommit
		state.Phase = sessionstore.PhaseIdle
		state.StepCount = 0
		state.FilesTouched = nil
		state.LastCheckpointID = ids.Empty
		state.TokenUsage = tokenusage.Usage{}
		state.FirstPrompt = ""
		state.TranscriptIdentifierAtStart = ""
	} else {
		state.BaseCommit = headCommit
		state.FilesTouched = remaining
		state.LastCheckpointID = ids.Empty
	}

	if err := e.sessions.Save(ctx, state); err != nil {
		logging.Warn(ctx, "post-commit: persisting session state", "error", err)
	}
}

// PrePush runs on the host's pre-push hook. It pushes the metadata ref
// to remoteName on a best-effort basis; any failure (no such remote,
// network error, rejected push) is logged and swallowed, since the
// metadata ref is a convenience mirror, never a requirement for the
// user's own push to succeed.
func (e *Engine) PrePush(ctx context.Context, remoteName string) error {
	ctx, cancel := withTimeout(ctx, defaultPushTimeout)
	defer cancel()
	ctx = logging.WithComponent(ctx, "engine")

	if remoteName == "" {
		remoteName = e.remoteName
	}

	if _, err := e.vcs.ResolveRef(ctx, e.metadataRef); vcs.IsNotFound(err) {
		return nil
	} else if err != nil {
		logging.Warn(ctx, "pre-push: resolving metadata ref", "error", err)
		return nil
	}

	if err := e.vcs.Push(ctx, remoteName, e.metadataRef); err != nil {
		logging.Warn(ctx, "pre-push: pushing metadata ref", "error", err, "remote", remoteName)
	}
	return nil
}
