package engine

import (
	"context"
	"time"

	"github.com/stepvault/engine/internal/checkpoint"
	"github.com/stepvault/engine/internal/ids"
	"github.com/stepvault/engine/internal/logging"
	"github.com/stepvault/engine/internal/sessionstore"
	"github.com/stepvault/engine/internal/vcs"
)

// RecordStep loads or initializes the session named in step, writes a
// temporary checkpoint for it, and persists the updated session state.
// No error it returns is meant to abort the caller's agent turn; every
// failure is logged and the session state is left so the next step
// retries from wherever this one got to.
func (e *Engine) RecordStep(ctx context.Context, step StepInput) error {
	ctx, cancel := withTimeout(ctx, defaultOpTimeout)
	defer cancel()

	ctx = logging.WithSession(ctx, step.SessionID)
	ctx = logging.WithWorktree(ctx, step.WorktreeID)
	ctx = logging.WithComponent(ctx, "engine")

	head, err := e.vcs.Head(ctx)
	if err != nil {
		logging.Warn(ctx, "record-step: resolving HEAD", "error", err)
		return nil
	}

	state, err := e.loadOrInitSession(ctx, step.SessionID, step.WorktreeID, step.WorktreePath, head)
	if err != nil {
		logging.Warn(ctx, "record-step: loading session state", "error", err)
		return nil
	}

	e.migrateBase(ctx, state, head)

	meta := stepMetadata{
		SessionID:     state.SessionID,
		BaseCommit:    state.BaseCommit,
		Timestamp:     time.Now(),
		ModifiedFiles: step.ModifiedFiles,
		NewFiles:      step.NewFiles,
		DeletedFiles:  step.DeletedFiles,
	}

	result, writeErr := e.checkpoints.WriteTemporary(ctx, state.WorktreeID, checkpoint.WriteTemporaryOptions{
		SessionID:         state.SessionID,
		BaseCommit:        state.BaseCommit,
		ModifiedFiles:     step.ModifiedFiles,
		NewFiles:          step.NewFiles,
		DeletedFiles:      step.DeletedFiles,
		MetadataDir:       sessionMetadataDir(state.SessionID),
		MetadataFiles:     map[string][]byte{"checkpoint.json": marshalStepMetadata(meta)},
		CommitMessage:     stepCommitSubject(step.Subject),
		Strategy:          StrategyName,
		Author:            vcsIdentityToAuthor(vcs.ResolveAuthor(e.vcs)),
		IsFirstCheckpoint: state.StepCount == 0,
	})
	if writeErr != nil {
		logging.Warn(ctx, "record-step: writing temporary checkpoint", "error", writeErr)
	} else if !result.Skipped {
		state.StepCount++
		state.MergeFilesTouched(step.ModifiedFiles...)
		state.MergeFilesTouched(step.NewFiles...)
		state.MergeFilesTouched(step.DeletedFiles...)
		state.TokenUsage.Add(step.TokenUsage)
		if state.StepCount == 1 {
			state.TranscriptIdentifierAtStart = step.TranscriptIdentifier
		}
		if step.FirstPrompt != "" && state.FirstPrompt == "" {
			state.FirstPrompt = step.FirstPrompt
		}
		if step.TranscriptPath != "" {
			state.TranscriptPath = step.TranscriptPath
		}
	}
	state.Phase = sessionstore.PhaseActive

	if err := e.sessions.Save(ctx, state); err != nil {
		logging.Warn(ctx, "record-step: persisting session state", "error", err)
	}
	return nil
}

// RecordTaskStep is RecordStep's subagent/task variant: it grafts the
// step's metadata under the parent session's nested tasks/<toolUseId>
// path instead of the session root, but otherwise drives the same
// session-state bookkeeping.
func (e *Engine) RecordTaskStep(ctx context.Context, step TaskStepInput) error {
	ctx, cancel := withTimeout(ctx, defaultOpTimeout)
	defer cancel()

	ctx = logging.WithSession(ctx, step.SessionID)
	ctx = logging.WithWorktree(ctx, step.WorktreeID)
	ctx = logging.WithAgent(ctx, step.AgentID)
	ctx = logging.WithComponent(ctx, "engine")

	head, err := e.vcs.Head(ctx)
	if err != nil {
		logging.Warn(ctx, "record-task-step: resolving HEAD", "error", err)
		return nil
	}

	state, err := e.loadOrInitSession(ctx, step.SessionID, step.WorktreeID, step.WorktreePath, head)
	if err != nil {
		logging.Warn(ctx, "record-task-step: loading session state", "error", err)
		return nil
	}

	e.migrateBase(ctx, state, head)

	meta := stepMetadata{
		SessionID:       state.SessionID,
		BaseCommit:      state.BaseCommit,
		Timestamp:       time.Now(),
		ModifiedFiles:   step.ModifiedFiles,
		NewFiles:        step.NewFiles,
		DeletedFiles:    step.DeletedFiles,
		ToolUseID:       step.ToolUseID,
		AgentID:         step.AgentID,
		TaskDescription: step.TaskDescription,
	}

	result, writeErr := e.checkpoints.WriteTemporary(ctx, state.WorktreeID, checkpoint.WriteTemporaryOptions{
		SessionID:     state.SessionID,
		BaseCommit:    state.BaseCommit,
		ModifiedFiles: step.ModifiedFiles,
		NewFiles:      step.NewFiles,
		DeletedFiles:  step.DeletedFiles,
		MetadataDir:   taskMetadataDir(state.SessionID, step.ToolUseID),
		MetadataFiles: map[string][]byte{"checkpoint.json": marshalStepMetadata(meta)},
		CommitMessage: stepCommitSubject(step.Subject),
		Strategy:      StrategyName,
		IsTaskStep:    true,
		Author:        vcsIdentityToAuthor(vcs.ResolveAuthor(e.vcs)),
	})
	if writeErr != nil {
		logging.Warn(ctx, "record-task-step: writing temporary checkpoint", "error", writeErr)
	} else if !result.Skipped {
		state.StepCount++
		state.MergeFilesTouched(step.ModifiedFiles...)
		state.MergeFilesTouched(step.NewFiles...)
		state.MergeFilesTouched(step.DeletedFiles...)
		state.TokenUsage.Add(step.TokenUsage)
	}
	state.Phase = sessionstore.PhaseActive

	if err := e.sessions.Save(ctx, state); err != nil {
		logging.Warn(ctx, "record-task-step: persisting session state", "error", err)
	}
	return nil
}

// loadOrInitSession returns the session's existing state, or a freshly
// initialized one anchored at head if none exists yet.
func (e *Engine) loadOrInitSession(ctx context.Context, sessionID, worktreeID, worktreePath, head string) (*sessionstore.State, error) {
	state, err := e.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state != nil {
		return state, nil
	}

	untracked, err := e.untrackedPaths(ctx)
	if err != nil {
		logging.Warn(ctx, "record-step: collecting untracked files at session start", "error", err)
	}

	return &sessionstore.State{
		SessionID:             sessionID,
		BaseCommit:            head,
		AttributionBaseCommit: head,
		WorktreeID:            worktreeID,
		WorktreePath:          worktreePath,
		StartedAt:             time.Now(),
		Phase:                 sessionstore.PhaseIdle,
		UntrackedFilesAtStart: untracked,
	}, nil
}

func (e *Engine) untrackedPaths(ctx context.Context) ([]string, error) {
	statuses, err := e.vcs.WorkingStatus(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, s := range statuses {
		if s.Status == vcs.StatusUntracked {
			out = append(out, s.Path)
		}
	}
	return out, nil
}

// migrateBase moves state onto head when HEAD has advanced since the
// session's last recorded step (amend, rebase, or a plain fast-forward
// between steps). It tries to rename the session's shadow ref onto the
// new base commit name so the shadow history isn't orphaned; any
// failure to do so (including the new name already being taken by
// another session) still advances BaseCommit, since the next
// WriteTemporary call will simply start a fresh shadow ref.
func (e *Engine) migrateBase(ctx context.Context, state *sessionstore.State, head string) {
	if state.BaseCommit == head {
		return
	}

	oldRef := ids.ShadowRefName(state.BaseCommit, state.WorktreeID)
	newRef := ids.ShadowRefName(head, state.WorktreeID)
	if oldRef == newRef {
		state.BaseCommit = head
		return
	}

	hash, err := e.vcs.ResolveRef(ctx, oldRef)
	if err != nil {
		state.BaseCommit = head
		return
	}

	if err := e.vcs.CreateRef(ctx, newRef, hash); err != nil {
		logging.Warn(ctx, "record-step: migrating shadow ref", "error", err, "oldRef", oldRef, "newRef", newRef)
		state.BaseCommit = head
		return
	}
	if err := e.vcs.DeleteRef(ctx, oldRef); err != nil {
		logging.Warn(ctx, "record-step: deleting old shadow ref after migration", "error", err, "oldRef", oldRef)
	}
	state.BaseCommit = head
}

func vcsIdentityToAuthor(id vcs.Identity) checkpoint.AuthorIdentity {
	return checkpoint.AuthorIdentity{Name: id.Name, Email: id.Email}
}

func stepCommitSubject(subject string) string {
	if subject == "" {
		return "checkpoint: step"
	}
	return subject
}
