package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"

	"github.com/stepvault/engine/internal/ids"
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

func writeWorkingFile(t *testing.T, repoDir, relPath, content string) {
	t.Helper()
	full := filepath.Join(repoDir, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func testAuthor() AuthorIdentity {
	return AuthorIdentity{Name: "Agent Bot", Email: "agent@stepvault.local"}
}

func mustCheckpointID(t *testing.T) ids.CheckpointID {
	t.Helper()
	id, err := ids.GenerateCheckpointID()
	require.NoError(t, err)
	return id
}
