package engine

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/stepvault/engine/internal/tokenusage"
)

// ErrEmptyCommit is returned by ValidateCommitMessage when it strips an
// injected checkpoint trailer because the user left no content of their
// own — the one engine error a hook caller must propagate, so the host
// version-control system aborts the commit instead of recording a
// trailer-only message.
var ErrEmptyCommit = errors.New("engine: commit message has no content besides comments and the checkpoint trailer")

// StepInput is what an agent adapter reports to RecordStep after one
// turn of work.
type StepInput struct {
	SessionID    string
	WorktreeID   string
	WorktreePath string

	ModifiedFiles []string
	NewFiles      []string
	DeletedFiles  []string

	// Subject is the human-readable first line of the shadow commit
	// (e.g. a short turn description); trailers are appended by the
	// engine.
	Subject string

	FirstPrompt          string
	TranscriptPath       string
	TranscriptIdentifier string
	Agent                string

	TokenUsage tokenusage.Usage
}

// TaskStepInput is the subagent/task variant of StepInput: it behaves
// identically but is grafted at a nested metadata path scoped to the
// parent session and tool-use invocation rather than the session root.
type TaskStepInput struct {
	StepInput

	ToolUseID       string
	AgentID         string
	TaskDescription string
}

// stepMetadata is the checkpoint.json blob grafted into a shadow
// commit's metadata subtree: a self-contained record of what one step
// touched, independent of the session-state JSON document that tracks
// the running total.
type stepMetadata struct {
	SessionID     string    `json:"sessionId"`
	BaseCommit    string    `json:"baseCommit"`
	Timestamp     time.Time `json:"timestamp"`
	ModifiedFiles []string  `json:"modifiedFiles,omitempty"`
	NewFiles      []string  `json:"newFiles,omitempty"`
	DeletedFiles  []string  `json:"deletedFiles,omitempty"`

	ToolUseID       string `json:"toolUseId,omitempty"`
	AgentID         string `json:"agentId,omitempty"`
	TaskDescription string `json:"taskDescription,omitempty"`
}

func marshalStepMetadata(m stepMetadata) []byte {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		// m is built entirely from this package's own fields; a
		// marshal failure here would mean a non-serializable type was
		// added to stepMetadata.
		return []byte("{}")
	}
	return append(data, '\n')
}

// StuckSession is one entry in Doctor's report: a session that has sat
// active past the staleness threshold with no recorded step.
type StuckSession struct {
	SessionID    string
	WorktreeID   string
	WorktreePath string
	StartedAt    time.Time
	FilesTouched []string
}
