package sessionstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()

	state := &State{
		SessionID:  "2026-01-02-abc123",
		BaseCommit: "deadbeef",
		Phase:      PhaseActive,
		StartedAt:  time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.Save(ctx, state))

	loaded, err := store.Load(ctx, state.SessionID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, state.BaseCommit, loaded.BaseCommit)
	assert.Equal(t, state.Phase, loaded.Phase)
}

func TestLoadMissingReturnsNilNil(t *testing.T) {
	store := New(t.TempDir())
	state, err := store.Load(context.Background(), "2026-01-02-missing")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestLoadRejectsInvalidSessionID(t *testing.T) {
	store := New(t.TempDir())
	_, err := store.Load(context.Background(), "../escape")
	assert.Error(t, err)
}

func TestListSkipsTmpAndCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &State{SessionID: "2026-01-01-one", Phase: PhaseIdle, StartedAt: time.Now()}))
	require.NoError(t, store.Save(ctx, &State{SessionID: "2026-01-02-two", Phase: PhaseIdle, StartedAt: time.Now()}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "corrupt.json"), []byte("not json"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leftover.json.tmp"), []byte("{}"), 0o600))

	states, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "2026-01-01-one", states[0].SessionID)
	assert.Equal(t, "2026-01-02-two", states[1].SessionID)
}

func TestStaleEndedSessionSweptOnLoad(t *testing.T) {
	store := New(t.TempDir()).WithStaleThreshold(24 * time.Hour)
	ctx := context.Background()

	ended := time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.Save(ctx, &State{
		SessionID: "2026-01-01-stale",
		Phase:     PhaseEnded,
		EndedAt:   &ended,
		StartedAt: ended.Add(-time.Hour),
	}))

	loaded, err := store.Load(ctx, "2026-01-01-stale")
	require.NoError(t, err)
	assert.Nil(t, loaded)

	_, err = os.Stat(filepath.Join(store.dir, "2026-01-01-stale.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestUnmarshalJSONAcceptsSnakeCase(t *testing.T) {
	raw := []byte(`{
		"session_id": "2026-01-02-abc",
		"base_commit": "deadbeef",
		"phase": "active",
		"step_count": 3,
		"files_touched": ["a.go", "b.go"]
	}`)

	var state State
	require.NoError(t, json.Unmarshal(raw, &state))
	assert.Equal(t, "2026-01-02-abc", state.SessionID)
	assert.Equal(t, "deadbeef", state.BaseCommit)
	assert.Equal(t, 3, state.StepCount)
	assert.Equal(t, []string{"a.go", "b.go"}, state.FilesTouched)
}

func TestUnmarshalJSONAcceptsCamelCase(t *testing.T) {
	raw := []byte(`{"sessionId": "2026-01-02-abc", "baseCommit": "cafef00d", "phase": "idle"}`)

	var state State
	require.NoError(t, json.Unmarshal(raw, &state))
	assert.Equal(t, "2026-01-02-abc", state.SessionID)
	assert.Equal(t, "cafef00d", state.BaseCommit)
}

func TestMergeFilesTouchedDedupsAndSorts(t *testing.T) {
	state := &State{FilesTouched: []string{"b.go"}}
	state.MergeFilesTouched("a.go", "b.go", "c.go")
	assert.Equal(t, []string{"a.go", "b.go", "c.go"}, state.FilesTouched)
}

func TestFindByBaseCommit(t *testing.T) {
	store := New(t.TempDir())
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, &State{SessionID: "2026-01-01-a", BaseCommit: "h1", Phase: PhaseActive, StartedAt: time.Now()}))
	require.NoError(t, store.Save(ctx, &State{SessionID: "2026-01-01-b", BaseCommit: "h2", Phase: PhaseActive, StartedAt: time.Now()}))

	matches, err := store.FindByBaseCommit(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "2026-01-01-a", matches[0].SessionID)
}
