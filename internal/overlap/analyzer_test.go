package overlap

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

	"github.com/stepvault/engine/internal/vcs"
)

func newTestRepo(t *testing.T) (vcs.Store, string, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	cfg, err := repo.Config()
	require.NoError(t, err)
	cfg.User.Name = "Test User"
	cfg.User.Email = "test@example.com"
	require.NoError(t, repo.SetConfig(cfg))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "existing.go"), []byte("package main\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("existing.go")
	require.NoError(t, err)
	rootHash, err := wt.Commit("root", &git.CommitOptions{
		Author: &object.Signature{Name: "Test User", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	store, err := vcs.Open(dir)
	require.NoError(t, err)

	rootCommit, err := store.ReadCommit(context.Background(), rootHash.String())
	require.NoError(t, err)
	return store, dir, rootCommit.TreeHash
}

func writeAndStage(t *testing.T, repoDir string, path, content string) {
	t.Helper()
	full := filepath.Join(repoDir, path)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))

	repo, err := git.PlainOpen(repoDir)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(path)
	require.NoError(t, err)
}

func TestCommittedOverlapModifiedFileAlwaysOverlaps(t *testing.T) {
	store, repoDir, parentTree := newTestRepo(t)
	ctx := context.Background()

	shadowHash, err := store.WriteBlob(ctx, []byte("package main\n\nfunc Agent() {}\n"))
	require.NoError(t, err)
	shadowEntries, err := store.ListTree(ctx, parentTree)
	require.NoError(t, err)
	shadowEntries["existing.go"] = vcs.TreeEntry{Path: "existing.go", Mode: vcs.ModeRegular, Hash: shadowHash}
	shadowTree, err := store.ComposeTree(ctx, shadowEntries)
	require.NoError(t, err)

	writeAndStage(t, repoDir, "existing.go", "package main\n\nfunc UserEdit() {}\n")
	headTree := commitStaged(t, repoDir, store)

	overlap, err := CommittedOverlap(ctx, store, headTree, parentTree, shadowTree, []string{"existing.go"})
	require.NoError(t, err)
	assert.True(t, overlap, "modified files always count as overlap regardless of content divergence")
}

func TestCommittedOverlapNewFileRequiresContentMatch(t *testing.T) {
	store, repoDir, parentTree := newTestRepo(t)
	ctx := context.Background()

	agentContent := "package main\n\nfunc Agent() {}\n"
	shadowHash, err := store.WriteBlob(ctx, []byte(agentContent))
	require.NoError(t, err)
	shadowEntries, err := store.ListTree(ctx, parentTree)
	require.NoError(t, err)
	shadowEntries["new.go"] = vcs.TreeEntry{Path: "new.go", Mode: vcs.ModeRegular, Hash: shadowHash}
	shadowTree, err := store.ComposeTree(ctx, shadowEntries)
	require.NoError(t, err)

	writeAndStage(t, repoDir, "new.go", agentContent)
	headTree := commitStaged(t, repoDir, store)

	overlap, err := CommittedOverlap(ctx, store, headTree, parentTree, shadowTree, []string{"new.go"})
	require.NoError(t, err)
	assert.True(t, overlap)
}

func TestCommittedOverlapRevertedAndReplacedFileDoesNotOverlap(t *testing.T) {
	store, repoDir, parentTree := newTestRepo(t)
	ctx := context.Background()

	shadowHash, err := store.WriteBlob(ctx, []byte("package main\n\nfunc Agent() {}\n"))
	require.NoError(t, err)
	shadowEntries, err := store.ListTree(ctx, parentTree)
	require.NoError(t, err)
	shadowEntries["new.go"] = vcs.TreeEntry{Path: "new.go", Mode: vcs.ModeRegular, Hash: shadowHash}
	shadowTree, err := store.ComposeTree(ctx, shadowEntries)
	require.NoError(t, err)

	writeAndStage(t, repoDir, "new.go", "package main\n\nfunc TotallyUnrelated() {}\n")
	headTree := commitStaged(t, repoDir, store)

	overlap, err := CommittedOverlap(ctx, store, headTree, parentTree, shadowTree, []string{"new.go"})
	require.NoError(t, err)
	assert.False(t, overlap, "reverted-and-replaced new files should not count as overlap")
}

func TestStagedOverlapDetectsNewFileMatch(t *testing.T) {
	store, repoDir, headTree := newTestRepo(t)
	ctx := context.Background()

	agentContent := "package main\n\nfunc Agent() {}\n"
	shadowHash, err := store.WriteBlob(ctx, []byte(agentContent))
	require.NoError(t, err)
	shadowEntries, err := store.ListTree(ctx, headTree)
	require.NoError(t, err)
	shadowEntries["new.go"] = vcs.TreeEntry{Path: "new.go", Mode: vcs.ModeRegular, Hash: shadowHash}
	shadowTree, err := store.ComposeTree(ctx, shadowEntries)
	require.NoError(t, err)

	writeAndStage(t, repoDir, "new.go", agentContent)

	overlap, err := StagedOverlap(ctx, store, headTree, shadowTree, []string{"new.go"})
	require.NoError(t, err)
	assert.True(t, overlap)
}

func TestRemainingWorkKeepsUncommittedAndPartialFiles(t *testing.T) {
	store, _, parentTree := newTestRepo(t)
	ctx := context.Background()

	shadowHashA, err := store.WriteBlob(ctx, []byte("a content, fully committed"))
	require.NoError(t, err)
	shadowHashC, err := store.WriteBlob(ctx, []byte("c content, session's full version"))
	require.NoError(t, err)
	shadowEntries, err := store.ListTree(ctx, parentTree)
	require.NoError(t, err)
	shadowEntries["a.go"] = vcs.TreeEntry{Path: "a.go", Mode: vcs.ModeRegular, Hash: shadowHashA}
	shadowEntries["c.go"] = vcs.TreeEntry{Path: "c.go", Mode: vcs.ModeRegular, Hash: shadowHashC}
	shadowTree, err := store.ComposeTree(ctx, shadowEntries)
	require.NoError(t, err)

	// Head commit captures a.go exactly as the session wrote it, and a
	// partial (different-content) version of c.go. b.go is the
	// session's file that never made it into a commit at all.
	headEntries, err := store.ListTree(ctx, parentTree)
	require.NoError(t, err)
	headEntries["a.go"] = vcs.TreeEntry{Path: "a.go", Mode: vcs.ModeRegular, Hash: shadowHashA}
	partialHashC, err := store.WriteBlob(ctx, []byte("c content, only half committed"))
	require.NoError(t, err)
	headEntries["c.go"] = vcs.TreeEntry{Path: "c.go", Mode: vcs.ModeRegular, Hash: partialHashC}
	headTree, err := store.ComposeTree(ctx, headEntries)
	require.NoError(t, err)

	committed := map[string]bool{"a.go": true, "c.go": true}
	remaining, err := RemainingWork(ctx, store, headTree, shadowTree, []string{"a.go", "b.go", "c.go"}, committed)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b.go", "c.go"}, remaining)
}

func commitStaged(t *testing.T, repoDir string, store vcs.Store) string {
	t.Helper()
	repo, err := git.PlainOpen(repoDir)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	hash, err := wt.Commit("user commit", &git.CommitOptions{
		Author: &object.Signature{Name: "Test User", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	commit, err := store.ReadCommit(context.Background(), hash.String())
	require.NoError(t, err)
	return commit.TreeHash
}
