package sessionstore

import (
	"encoding/json"
	"time"

	"github.com/stepvault/engine/internal/ids"
	"github.com/stepvault/engine/internal/tokenusage"
)

// wireState mirrors State field-for-field but is decoded permissively:
// every field accepts both its camelCase and snake_case spelling, so a
// store directory written by an older or differently-cased
// implementation still loads. Missing fields default to the zero value
// rather than erroring.
type wireState struct {
	SessionID             string `json:"sessionId"`
	SessionIDSnake        string `json:"session_id"`
	BaseCommit             string `json:"baseCommit"`
	BaseCommitSnake        string `json:"base_commit"`
	AttributionBaseCommit      string `json:"attributionBaseCommit"`
	AttributionBaseCommitSnake string `json:"attribution_base_commit"`
	WorktreeID       string `json:"worktreeId"`
	WorktreeIDSnake  string `json:"worktree_id"`
	WorktreePath       string `json:"worktreePath"`
	WorktreePathSnake  string `json:"worktree_path"`
	StartedAt       time.Time `json:"startedAt"`
	StartedAtSnake  time.Time `json:"started_at"`
	EndedAt         *time.Time `json:"endedAt"`
	EndedAtSnake    *time.Time `json:"ended_at"`
	Phase           Phase `json:"phase"`
	StepCount       int `json:"stepCount"`
	StepCountSnake  int `json:"step_count"`
	FilesTouched       []string `json:"filesTouched"`
	FilesTouchedSnake  []string `json:"files_touched"`
	UntrackedFilesAtStart      []string `json:"untrackedFilesAtStart"`
	UntrackedFilesAtStartSnake []string `json:"untracked_files_at_start"`
	LastCheckpointID       ids.CheckpointID `json:"lastCheckpointId"`
	LastCheckpointIDSnake  ids.CheckpointID `json:"last_checkpoint_id"`
	FirstPrompt       string `json:"firstPrompt"`
	FirstPromptSnake  string `json:"first_prompt"`
	TokenUsage        tokenusage.Usage `json:"tokenUsage"`
	TokenUsageSnake   tokenusage.Usage `json:"token_usage"`
	TranscriptIdentifierAtStart      string `json:"transcriptIdentifierAtStart"`
	TranscriptIdentifierAtStartSnake string `json:"transcript_identifier_at_start"`
	TranscriptPath      string `json:"transcriptPath"`
	TranscriptPathSnake string `json:"transcript_path"`
}

func firstNonZero[T comparable](a, b T) T {
	var zero T
	if a != zero {
		return a
	}
	return b
}

// UnmarshalJSON implements camelCase/snake_case tolerant decoding so a
// state file written by an older field-naming convention still loads.
func (s *State) UnmarshalJSON(data []byte) error {
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	s.SessionID = firstNonZero(w.SessionID, w.SessionIDSnake)
	s.BaseCommit = firstNonZero(w.BaseCommit, w.BaseCommitSnake)
	s.AttributionBaseCommit = firstNonZero(w.AttributionBaseCommit, w.AttributionBaseCommitSnake)
	s.WorktreeID = firstNonZero(w.WorktreeID, w.WorktreeIDSnake)
	s.WorktreePath = firstNonZero(w.WorktreePath, w.WorktreePathSnake)

	if !w.StartedAt.IsZero() {
		s.StartedAt = w.StartedAt
	} else {
		s.StartedAt = w.StartedAtSnake
	}
	if w.EndedAt != nil {
		s.EndedAt = w.EndedAt
	} else {
		s.EndedAt = w.EndedAtSnake
	}

	s.Phase = w.Phase
	s.StepCount = firstNonZero(w.StepCount, w.StepCountSnake)

	if len(w.FilesTouched) > 0 {
		s.FilesTouched = w.FilesTouched
	} else {
		s.FilesTouched = w.FilesTouchedSnake
	}
	if len(w.UntrackedFilesAtStart) > 0 {
		s.UntrackedFilesAtStart = w.UntrackedFilesAtStart
	} else {
		s.UntrackedFilesAtStart = w.UntrackedFilesAtStartSnake
	}

	s.LastCheckpointID = firstNonZero(w.LastCheckpointID, w.LastCheckpointIDSnake)
	s.FirstPrompt = firstNonZero(w.FirstPrompt, w.FirstPromptSnake)

	if !w.TokenUsage.IsZero() {
		s.TokenUsage = w.TokenUsage
	} else {
		s.TokenUsage = w.TokenUsageSnake
	}

	s.TranscriptIdentifierAtStart = firstNonZero(w.TranscriptIdentifierAtStart, w.TranscriptIdentifierAtStartSnake)
	s.TranscriptPath = firstNonZero(w.TranscriptPath, w.TranscriptPathSnake)

	return nil
}
