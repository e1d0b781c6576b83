package sessionstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/stepvault/engine/internal/ids"
)

// DefaultStaleThreshold is how long an ended session is kept before
// Load/List sweep it away: auto-deleted after sitting in the ended
// state for this many days (default 7).
const DefaultStaleThreshold = 7 * 24 * time.Hour

// Store persists one State per session as a JSON file named
// "<sessionID>.json" under a directory chosen by the caller;
// stepvaultctl uses .stepvault/sessions under the working tree root, so
// each worktree keeps its own session state.
type Store struct {
	dir            string
	staleThreshold time.Duration
}

// New creates a Store rooted at dir. dir is created lazily on first
// Save; callers don't need to pre-create the state directory.
func New(dir string) *Store {
	return &Store{dir: dir, staleThreshold: DefaultStaleThreshold}
}

// WithStaleThreshold overrides the default 7-day ended-session sweep
// window; used by tests and by an operator-configurable setting.
func (s *Store) WithStaleThreshold(d time.Duration) *Store {
	s.staleThreshold = d
	return s
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// Load reads the session state for sessionID. Returns (nil, nil) if no
// state file exists for it, or if it existed but was stale and has just
// been swept — both are "not found", not an error, matching the
// teacher's "not found is an expected case" convention.
func (s *Store) Load(ctx context.Context, sessionID string) (*State, error) {
	if err := ids.ValidateSessionID(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session id: %w", err)
	}

	data, err := os.ReadFile(s.path(sessionID)) //nolint:gosec // path is derived from a validated session id
	if os.IsNotExist(err) {
		return nil, nil //nolint:nilnil // absence is the expected case, not a failure
	}
	if err != nil {
		return nil, fmt.Errorf("reading session state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshaling session state: %w", err)
	}

	if state.IsStale(s.staleThreshold, timeNow()) {
		_ = s.Delete(ctx, sessionID)
		return nil, nil
	}

	return &state, nil
}

// Save atomically persists state, via temp-file-then-rename in the same
// directory so a crash mid-write never leaves a torn file behind.
func (s *Store) Save(_ context.Context, state *State) error {
	if err := ids.ValidateSessionID(state.SessionID); err != nil {
		return fmt.Errorf("invalid session id: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("creating session state directory: %w", err)
	}

	data, err := marshalIndentWithNewline(state)
	if err != nil {
		return fmt.Errorf("marshaling session state: %w", err)
	}

	final := s.path(state.SessionID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing session state: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("renaming session state into place: %w", err)
	}
	return nil
}

// Delete removes the session state file for sessionID. Deleting an
// already-absent session is not an error.
func (s *Store) Delete(_ context.Context, sessionID string) error {
	if err := ids.ValidateSessionID(sessionID); err != nil {
		return fmt.Errorf("invalid session id: %w", err)
	}
	if err := os.Remove(s.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing session state: %w", err)
	}
	return nil
}

// Exists reports whether a (non-stale) session state file is present.
func (s *Store) Exists(ctx context.Context, sessionID string) (bool, error) {
	state, err := s.Load(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return state != nil, nil
}

// List returns every non-stale session state, sorted by SessionID
// (which sorts chronologically thanks to the date prefix). Corrupted
// state files are skipped rather than failing the whole list.
func (s *Store) List(ctx context.Context) ([]*State, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session state directory: %w", err)
	}

	var states []*State
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		sessionID := strings.TrimSuffix(entry.Name(), ".json")
		state, err := s.Load(ctx, sessionID)
		if err != nil || state == nil {
			continue
		}
		states = append(states, state)
	}

	sort.Slice(states, func(i, j int) bool { return states[i].SessionID < states[j].SessionID })
	return states, nil
}

// FindByBaseCommit returns every session currently checkpointing
// against baseCommit.
func (s *Store) FindByBaseCommit(ctx context.Context, baseCommit string) ([]*State, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var matching []*State
	for _, state := range all {
		if state.BaseCommit == baseCommit {
			matching = append(matching, state)
		}
	}
	return matching, nil
}

// FindActiveOlderThan returns every session in PhaseActive whose
// StartedAt predates cutoff and that has recorded no step — the shape
// Doctor needs to flag stuck sessions.
func (s *Store) FindActiveOlderThan(ctx context.Context, cutoff time.Time) ([]*State, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var stuck []*State
	for _, state := range all {
		if state.Phase == PhaseActive && state.StepCount == 0 && state.StartedAt.Before(cutoff) {
			stuck = append(stuck, state)
		}
	}
	return stuck, nil
}

func marshalIndentWithNewline(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var timeNow = time.Now
