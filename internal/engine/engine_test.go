package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepvault/engine/internal/ids"
	"github.com/stepvault/engine/internal/sessionstore"
	"github.com/stepvault/engine/internal/vcs"
)

func newTestRepo(t *testing.T) (vcs.Store, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	cfg, err := repo.Config()
	require.NoError(t, err)
	cfg.User.Name = "Test User"
	cfg.User.Email = "test@example.com"
	require.NoError(t, repo.SetConfig(cfg))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	headHash, err := wt.Commit("initial commit", &git.CommitOptions{
		Author: &object.Signature{Name: "Test User", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	store, err := vcs.Open(dir)
	require.NoError(t, err)
	return store, headHash.String()
}

func newTestEngine(t *testing.T, store vcs.Store) *Engine {
	t.Helper()
	sessions := sessionstore.New(t.TempDir())
	return New(store, sessions, ids.MetadataRefName(""), "origin")
}

func writeFile(t *testing.T, repoDir, relPath, content string) {
	t.Helper()
	full := filepath.Join(repoDir, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func stageAndCommit(t *testing.T, repoDir, relPath, message string) string {
	t.Helper()
	repo, err := git.PlainOpen(repoDir)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(relPath)
	require.NoError(t, err)
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: "Test User", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

// stageAndCommitWithTrailer mirrors the real hook sequence: stage the
// file, run PrepareCommitMessage to inject the checkpoint trailer, then
// commit the resulting message, exactly as a host's commit would after
// its prepare-commit-msg hook ran.
func stageAndCommitWithTrailer(t *testing.T, ctx context.Context, eng *Engine, repoDir, relPath, subject string) string {
	t.Helper()
	repo, err := git.PlainOpen(repoDir)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(relPath)
	require.NoError(t, err)

	msgFile := filepath.Join(t.TempDir(), "COMMIT_EDITMSG")
	require.NoError(t, os.WriteFile(msgFile, []byte(subject+"\n"), 0o644))
	require.NoError(t, eng.PrepareCommitMessage(ctx, msgFile, "", ""))
	data, err := os.ReadFile(msgFile)
	require.NoError(t, err)

	hash, err := wt.Commit(string(data), &git.CommitOptions{
		Author: &object.Signature{Name: "Test User", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

func TestRecordStepInitializesSessionAndWritesShadowRef(t *testing.T) {
	store, head := newTestRepo(t)
	eng := newTestEngine(t, store)
	ctx := context.Background()

	writeFile(t, store.RepoRoot(), "a.go", "package a\n")

	err := eng.RecordStep(ctx, StepInput{
		SessionID:  "sess-1",
		WorktreeID: "wt1",
		NewFiles:   []string{"a.go"},
		Subject:    "step 1",
	})
	require.NoError(t, err)

	state, err := eng.sessions.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, head, state.BaseCommit)
	assert.Equal(t, 1, state.StepCount)
	assert.Equal(t, []string{"a.go"}, state.FilesTouched)
	assert.Equal(t, sessionstore.PhaseActive, state.Phase)

	temp, err := eng.checkpoints.ReadTemporary(ctx, head, "wt1")
	require.NoError(t, err)
	require.NotNil(t, temp)
	assert.Equal(t, "sess-1", temp.SessionID)
}

func TestRecordStepSecondIdenticalStepIsDeduped(t *testing.T) {
	store, _ := newTestRepo(t)
	eng := newTestEngine(t, store)
	ctx := context.Background()

	writeFile(t, store.RepoRoot(), "a.go", "package a\n")
	require.NoError(t, eng.RecordStep(ctx, StepInput{SessionID: "sess-1", WorktreeID: "wt1", NewFiles: []string{"a.go"}}))

	state, err := eng.sessions.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 1, state.StepCount)

	// No working-tree change between steps: the shadow tree is
	// identical, so WriteTemporary dedups and the counter doesn't move.
	require.NoError(t, eng.RecordStep(ctx, StepInput{SessionID: "sess-1", WorktreeID: "wt1", ModifiedFiles: []string{"a.go"}}))

	state, err = eng.sessions.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.StepCount)
}

func TestPostCommitPromotesFullyOverlappingSession(t *testing.T) {
	store, head := newTestRepo(t)
	eng := newTestEngine(t, store)
	ctx := context.Background()

	writeFile(t, store.RepoRoot(), "a.go", "package a\n\nfunc Agent() {}\n")
	require.NoError(t, eng.RecordStep(ctx, StepInput{SessionID: "sess-1", WorktreeID: "wt1", NewFiles: []string{"a.go"}}))

	// The user stages exactly what the agent wrote; the hook injects the
	// checkpoint trailer before the commit lands.
	newHead := stageAndCommitWithTrailer(t, ctx, eng, store.RepoRoot(), "a.go", "user commit")
	require.NotEqual(t, head, newHead)

	require.NoError(t, eng.PostCommit(ctx))

	checkpoints, err := eng.checkpoints.ListCommitted(ctx)
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
	assert.Equal(t, "sess-1", checkpoints[0].SessionID)
	assert.Contains(t, checkpoints[0].FilesTouched, "a.go")

	state, err := eng.sessions.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, sessionstore.PhaseIdle, state.Phase)
	assert.Equal(t, 0, state.StepCount)
	assert.Empty(t, state.FilesTouched)
	assert.Equal(t, newHead, state.BaseCommit)

	temp, err := eng.checkpoints.ReadTemporary(ctx, head, "wt1")
	require.NoError(t, err)
	assert.Nil(t, temp, "shadow ref should be deleted after full promotion")
}

func TestPostCommitCarriesForwardUncommittedFile(t *testing.T) {
	store, head := newTestRepo(t)
	eng := newTestEngine(t, store)
	ctx := context.Background()

	writeFile(t, store.RepoRoot(), "a.go", "package a\n")
	writeFile(t, store.RepoRoot(), "b.go", "package b\n")
	require.NoError(t, eng.RecordStep(ctx, StepInput{SessionID: "sess-1", WorktreeID: "wt1", NewFiles: []string{"a.go", "b.go"}}))

	// The user only commits a.go; b.go stays uncommitted.
	newHead := stageAndCommitWithTrailer(t, ctx, eng, store.RepoRoot(), "a.go", "user commit")
	require.NotEqual(t, head, newHead)

	require.NoError(t, eng.PostCommit(ctx))

	checkpoints, err := eng.checkpoints.ListCommitted(ctx)
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)

	state, err := eng.sessions.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, []string{"b.go"}, state.FilesTouched)
	assert.Equal(t, newHead, state.BaseCommit)
}

func TestPostCommitWithoutTrailerUpdatesBaseCommitOnly(t *testing.T) {
	store, head := newTestRepo(t)
	eng := newTestEngine(t, store)
	ctx := context.Background()

	writeFile(t, store.RepoRoot(), "a.go", "package a\n\nfunc Agent() {}\n")
	require.NoError(t, eng.RecordStep(ctx, StepInput{SessionID: "sess-1", WorktreeID: "wt1", NewFiles: []string{"a.go"}}))

	// The user commits without ever running prepare-commit-msg (or
	// deliberately stripped the trailer), so the commit carries no
	// Stepvault-Checkpoint trailer.
	newHead := stageAndCommit(t, store.RepoRoot(), "a.go", "user commit, no trailer")
	require.NotEqual(t, head, newHead)

	require.NoError(t, eng.PostCommit(ctx))

	checkpoints, err := eng.checkpoints.ListCommitted(ctx)
	require.NoError(t, err)
	assert.Empty(t, checkpoints, "no trailer means no promotion")

	state, err := eng.sessions.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, newHead, state.BaseCommit, "base commit still advances so a later commit can match")
	assert.Equal(t, 1, state.StepCount, "session work is untouched, not promoted")
	assert.Equal(t, []string{"a.go"}, state.FilesTouched)

	// The shadow ref itself isn't migrated here — that happens lazily on
	// the session's next recorded step, same as any other base-commit
	// drift (amend, rebase).
	temp, err := eng.checkpoints.ReadTemporary(ctx, head, "wt1")
	require.NoError(t, err)
	require.NotNil(t, temp, "shadow ref still sits on the old base commit until the next step migrates it")
}

func TestPrepareCommitMessageInjectsTrailerOnStagedOverlap(t *testing.T) {
	store, head := newTestRepo(t)
	eng := newTestEngine(t, store)
	ctx := context.Background()

	writeFile(t, store.RepoRoot(), "a.go", "package a\n\nfunc Agent() {}\n")
	require.NoError(t, eng.RecordStep(ctx, StepInput{SessionID: "sess-1", WorktreeID: "wt1", NewFiles: []string{"a.go"}}))

	repo, err := git.PlainOpen(store.RepoRoot())
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("a.go")
	require.NoError(t, err)

	msgFile := filepath.Join(t.TempDir(), "COMMIT_EDITMSG")
	require.NoError(t, os.WriteFile(msgFile, []byte("user commit message\n"), 0o644))

	require.NoError(t, eng.PrepareCommitMessage(ctx, msgFile, "", ""))

	data, err := os.ReadFile(msgFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Stepvault-Checkpoint:")

	state, err := eng.sessions.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, state.LastCheckpointID.IsEmpty())

	_ = head
}

func TestValidateCommitMessageStripsTrailerOnlyMessage(t *testing.T) {
	store, _ := newTestRepo(t)
	eng := newTestEngine(t, store)
	ctx := context.Background()

	id, err := ids.GenerateCheckpointID()
	require.NoError(t, err)

	msgFile := filepath.Join(t.TempDir(), "COMMIT_EDITMSG")
	message := "\n# Please enter the commit message\n\nStepvault-Checkpoint: " + id.String() + "\n"
	require.NoError(t, os.WriteFile(msgFile, []byte(message), 0o644))

	err = eng.ValidateCommitMessage(ctx, msgFile)
	assert.ErrorIs(t, err, ErrEmptyCommit)
}

func TestDoctorReportsStaleActiveSession(t *testing.T) {
	store, head := newTestRepo(t)
	eng := newTestEngine(t, store)
	ctx := context.Background()

	require.NoError(t, eng.sessions.Save(ctx, &sessionstore.State{
		SessionID:  "stuck-1",
		BaseCommit: head,
		WorktreeID: "wt1",
		StartedAt:  time.Now().Add(-2 * time.Hour),
		Phase:      sessionstore.PhaseActive,
	}))

	stuck, err := eng.Doctor(ctx)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "stuck-1", stuck[0].SessionID)
}

func TestPrePushIsNoOpWithoutMetadataRef(t *testing.T) {
	store, _ := newTestRepo(t)
	eng := newTestEngine(t, store)
	ctx := context.Background()

	assert.NoError(t, eng.PrePush(ctx, "origin"))
}
