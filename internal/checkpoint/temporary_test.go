package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepvault/engine/internal/ids"
	"github.com/stepvault/engine/internal/vcs"
)

func TestWriteTemporaryCreatesShadowRefOnFirstStep(t *testing.T) {
	store, headHash := newTestRepo(t)
	s := New(store, ids.MetadataRefName(""))
	ctx := context.Background()

	writeWorkingFile(t, store.RepoRoot(), "work.go", "package work\n")

	result, err := s.WriteTemporary(ctx, "wt1", WriteTemporaryOptions{
		SessionID:         "sess-1",
		BaseCommit:        headHash,
		NewFiles:          []string{"work.go"},
		IsFirstCheckpoint: true,
		CommitMessage:     "step 1",
		Strategy:          "manual",
		Author:            testAuthor(),
	})
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.NotEmpty(t, result.CommitHash)

	tc, err := s.ReadTemporary(ctx, headHash, "wt1")
	require.NoError(t, err)
	require.NotNil(t, tc)
	assert.Equal(t, "sess-1", tc.SessionID)
}

func TestWriteTemporaryDedupsIdenticalTree(t *testing.T) {
	store, headHash := newTestRepo(t)
	s := New(store, ids.MetadataRefName(""))
	ctx := context.Background()

	writeWorkingFile(t, store.RepoRoot(), "work.go", "package work\n")

	opts := WriteTemporaryOptions{
		SessionID:         "sess-1",
		BaseCommit:        headHash,
		NewFiles:          []string{"work.go"},
		IsFirstCheckpoint: true,
		CommitMessage:     "step 1",
		Strategy:          "manual",
		Author:            testAuthor(),
	}
	first, err := s.WriteTemporary(ctx, "wt1", opts)
	require.NoError(t, err)
	require.False(t, first.Skipped)

	opts.IsFirstCheckpoint = false
	opts.NewFiles = nil
	opts.ModifiedFiles = nil
	second, err := s.WriteTemporary(ctx, "wt1", opts)
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, first.CommitHash, second.CommitHash)
}

func TestWriteTemporaryAppendsOnSecondStep(t *testing.T) {
	store, headHash := newTestRepo(t)
	s := New(store, ids.MetadataRefName(""))
	ctx := context.Background()

	writeWorkingFile(t, store.RepoRoot(), "work.go", "package work\n")
	first, err := s.WriteTemporary(ctx, "wt1", WriteTemporaryOptions{
		SessionID:         "sess-1",
		BaseCommit:        headHash,
		NewFiles:          []string{"work.go"},
		IsFirstCheckpoint: true,
		CommitMessage:     "step 1",
		Strategy:          "manual",
		Author:            testAuthor(),
	})
	require.NoError(t, err)

	writeWorkingFile(t, store.RepoRoot(), "work.go", "package work\n\nfunc Foo() {}\n")
	second, err := s.WriteTemporary(ctx, "wt1", WriteTemporaryOptions{
		SessionID:     "sess-1",
		BaseCommit:    headHash,
		ModifiedFiles: []string{"work.go"},
		CommitMessage: "step 2",
		Strategy:      "manual",
		Author:        testAuthor(),
	})
	require.NoError(t, err)
	assert.False(t, second.Skipped)
	assert.NotEqual(t, first.CommitHash, second.CommitHash)

	commit, err := store.ReadCommit(ctx, second.CommitHash)
	require.NoError(t, err)
	assert.Equal(t, []string{first.CommitHash}, commit.Parents)
}

func TestReadTemporaryReturnsNilWhenAbsent(t *testing.T) {
	store, headHash := newTestRepo(t)
	s := New(store, ids.MetadataRefName(""))

	tc, err := s.ReadTemporary(context.Background(), headHash, "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, tc)
}

func TestListTemporaryExcludesMetadataRef(t *testing.T) {
	store, headHash := newTestRepo(t)
	metadataRef := ids.MetadataRefName("")
	s := New(store, metadataRef)
	ctx := context.Background()

	writeWorkingFile(t, store.RepoRoot(), "a.go", "package a\n")
	_, err := s.WriteTemporary(ctx, "wt1", WriteTemporaryOptions{
		SessionID:         "sess-1",
		BaseCommit:        headHash,
		NewFiles:          []string{"a.go"},
		IsFirstCheckpoint: true,
		CommitMessage:     "step 1",
		Strategy:          "manual",
		Author:            testAuthor(),
	})
	require.NoError(t, err)

	require.NoError(t, s.WriteCommitted(ctx, WriteCommittedOptions{
		CheckpointID: mustCheckpointID(t),
		SessionID:    "sess-1",
		Author:       testAuthor(),
		Transcript:   []byte(`{"role":"user"}` + "\n"),
	}))

	list, err := s.ListTemporary(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sess-1", list[0].SessionID)
}

func TestDeleteShadowRefIsIdempotent(t *testing.T) {
	store, headHash := newTestRepo(t)
	s := New(store, ids.MetadataRefName(""))
	ctx := context.Background()

	require.NoError(t, s.DeleteShadowRef(ctx, headHash, "wt1"))

	writeWorkingFile(t, store.RepoRoot(), "a.go", "package a\n")
	_, err := s.WriteTemporary(ctx, "wt1", WriteTemporaryOptions{
		SessionID:         "sess-1",
		BaseCommit:        headHash,
		NewFiles:          []string{"a.go"},
		IsFirstCheckpoint: true,
		CommitMessage:     "step 1",
		Strategy:          "manual",
		Author:            testAuthor(),
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteShadowRef(ctx, headHash, "wt1"))
	require.NoError(t, s.DeleteShadowRef(ctx, headHash, "wt1"))

	_, err = store.ResolveRef(ctx, ids.ShadowRefName(headHash, "wt1"))
	assert.True(t, vcs.IsNotFound(err))
}
