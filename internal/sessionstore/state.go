// Package sessionstore persists SessionState, the one record the
// checkpoint engine keeps per in-progress agent session: the base
// commit it is checkpointing against, which files the session has
// touched, and enough transcript/token bookkeeping to resume or
// promote the session without re-deriving it from git history.
package sessionstore

import (
	"time"

	"github.com/stepvault/engine/internal/ids"
	"github.com/stepvault/engine/internal/tokenusage"
)

// Phase is the closed set of states a session moves through.
type Phase string

const (
	// PhaseActive means the session has at least one uncommitted step
	// recorded since it started or was last promoted.
	PhaseActive Phase = "active"
	// PhaseIdle means the session exists but has taken no step yet, or
	// was just reset to a fresh base commit after a full promotion.
	PhaseIdle Phase = "idle"
	// PhaseEnded means the session was explicitly closed; it is kept
	// around for the stale-sweep window, then deleted.
	PhaseEnded Phase = "ended"
)

// State is the durable record of one agent session's checkpoint
// progress.
type State struct {
	SessionID string `json:"sessionId"`

	// BaseCommit is the commit the session is currently checkpointing
	// against: it moves forward on promotion and on history-rewrite
	// migration (amend/rebase), and is what the shadow ref name is
	// derived from.
	BaseCommit string `json:"baseCommit"`

	// AttributionBaseCommit is the commit the session actually started
	// from; unlike BaseCommit it does not move on carry-forward or
	// history-rewrite migration (only a full promotion resets it along
	// with the rest of the session), so overlap/attribution logic can
	// ask "what did the agent see before it touched anything."
	AttributionBaseCommit string `json:"attributionBaseCommit"`

	WorktreeID   string `json:"worktreeId"`
	WorktreePath string `json:"worktreePath,omitempty"`

	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`

	Phase Phase `json:"phase"`

	StepCount int `json:"stepCount"`

	// FilesTouched is the sorted, de-duplicated union of every
	// modified/new/deleted path across every step since the last
	// promotion or carry-forward reset.
	FilesTouched []string `json:"filesTouched,omitempty"`

	// UntrackedFilesAtStart is the set of untracked paths present when
	// the session's first step ran, so a full promotion can tell which
	// untracked files predate the session versus were created by it.
	UntrackedFilesAtStart []string `json:"untrackedFilesAtStart,omitempty"`

	LastCheckpointID ids.CheckpointID `json:"lastCheckpointId,omitempty"`

	// FirstPrompt is the first user prompt the session recorded, kept
	// for human-readable summaries (it becomes the committed
	// checkpoint's InitialAttribution) without re-reading the transcript.
	FirstPrompt string `json:"firstPrompt,omitempty"`

	TokenUsage tokenusage.Usage `json:"tokenUsage,omitempty"`

	// TranscriptIdentifierAtStart anchors where in a (possibly shared,
	// possibly rewound) transcript this session's recorded steps begin,
	// so a later promotion can slice out only the portion this session
	// is responsible for.
	TranscriptIdentifierAtStart string `json:"transcriptIdentifierAtStart,omitempty"`

	TranscriptPath string `json:"transcriptPath,omitempty"`
}

// IsStale reports whether an ended session is older than threshold and
// should be swept on the next Load/List.
func (s *State) IsStale(threshold time.Duration, now time.Time) bool {
	if s.Phase != PhaseEnded || s.EndedAt == nil {
		return false
	}
	return now.Sub(*s.EndedAt) > threshold
}

// MergeFilesTouched folds paths into FilesTouched, keeping the result
// sorted and de-duplicated so overlap comparisons are stable across
// runs.
func (s *State) MergeFilesTouched(paths ...string) {
	seen := make(map[string]bool, len(s.FilesTouched)+len(paths))
	for _, p := range s.FilesTouched {
		seen[p] = true
	}
	changed := false
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		s.FilesTouched = append(s.FilesTouched, p)
		changed = true
	}
	if changed {
		sortStrings(s.FilesTouched)
	}
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
