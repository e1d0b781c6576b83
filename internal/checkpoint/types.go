// Package checkpoint implements the two-tier checkpoint store: fast,
// local-only "temporary" checkpoints written to shadow refs during a
// session, and durable "committed" checkpoints grafted onto the
// metadata ref once a session's work lands in the user's own history.
package checkpoint

import (
	"errors"
	"time"

	"github.com/stepvault/engine/internal/ids"
	"github.com/stepvault/engine/internal/tokenusage"
)

// Sentinel errors returned by Store operations.
var (
	ErrNoTranscript = errors.New("checkpoint: no transcript recorded")
)

// WriteTemporaryOptions is the input to Store.WriteTemporary.
type WriteTemporaryOptions struct {
	SessionID  string
	BaseCommit string

	ModifiedFiles []string
	NewFiles      []string
	DeletedFiles  []string

	// MetadataDir is the tree-relative path the session's metadata
	// subtree should be grafted at.
	MetadataDir string
	// MetadataFiles is the flattened metadata-dir content to graft,
	// keyed by path relative to MetadataDir.
	MetadataFiles map[string][]byte

	// CommitMessage is the shadow commit's subject line; WriteTemporary
	// appends the metadata/session/strategy trailers itself.
	CommitMessage string
	Strategy      string
	Author        AuthorIdentity

	// IsTaskStep selects the Stepvault-Metadata-Task trailer over
	// Stepvault-Metadata, for a subagent/task step grafted at a nested
	// metadata path.
	IsTaskStep bool

	// IsFirstCheckpoint captures the full working tree rather than
	// only ModifiedFiles/NewFiles, so untracked files present at
	// session start survive into the shadow ref.
	IsFirstCheckpoint bool
}

// AuthorIdentity names who a checkpoint commit is attributed to.
type AuthorIdentity struct {
	Name  string
	Email string
}

// WriteTemporaryResult reports the outcome of WriteTemporary.
type WriteTemporaryResult struct {
	CommitHash string
	// Skipped is true when the new tree hash matched the shadow ref's
	// current tip, so no commit was created (dedup).
	Skipped bool
}

// TemporaryCheckpoint is what ReadTemporary returns: the latest step on
// a session's shadow ref.
type TemporaryCheckpoint struct {
	CommitHash  string
	TreeHash    string
	SessionID   string
	MetadataDir string
	Timestamp   time.Time
}

// TemporaryInfo summarizes one shadow ref for ListTemporary.
type TemporaryInfo struct {
	RefName      string
	BaseCommit   string
	LatestCommit string
	SessionID    string
	Timestamp    time.Time
}

// WriteCommittedOptions is the input to Store.WriteCommitted.
type WriteCommittedOptions struct {
	CheckpointID ids.CheckpointID
	SessionID    string
	Strategy     string
	Branch       string

	Transcript []byte
	Prompts    []string
	Context    []byte

	FilesTouched     []string
	CheckpointsCount int

	Author AuthorIdentity
	Agent  string

	TurnID                      string
	TranscriptIdentifierAtStart string
	CheckpointTranscriptStart   int

	TokenUsage tokenusage.Usage
	Summary    string

	// InitialAttribution carries a short description of what state the
	// session started from, for human-readable checkpoint summaries.
	InitialAttribution string

	// MetadataFiles, if set, holds additional files to copy verbatim
	// into the checkpoint's session subdirectory (subagent transcripts,
	// task checkpoints), keyed by path relative to that subdirectory.
	MetadataFiles map[string][]byte

	IsTask    bool
	ToolUseID string
	AgentID   string
}

// CommittedMetadata is the per-session metadata.json stored at
// <shard>/<id>/<sessionIndex>/metadata.json.
type CommittedMetadata struct {
	CheckpointID     ids.CheckpointID `json:"checkpointId"`
	SessionID        string           `json:"sessionId"`
	Strategy         string           `json:"strategy"`
	CreatedAt        time.Time        `json:"createdAt"`
	Branch           string           `json:"branch,omitempty"`
	CheckpointsCount int              `json:"checkpointsCount"`
	FilesTouched     []string         `json:"filesTouched"`
	Agent            string           `json:"agent,omitempty"`

	TurnID                      string `json:"turnId,omitempty"`
	TranscriptIdentifierAtStart string `json:"transcriptIdentifierAtStart,omitempty"`
	CheckpointTranscriptStart   int    `json:"checkpointTranscriptStart,omitempty"`

	TokenUsage          tokenusage.Usage `json:"tokenUsage,omitempty"`
	Summary             string           `json:"summary,omitempty"`
	InitialAttribution  string           `json:"initialAttribution,omitempty"`

	IsTask    bool   `json:"isTask,omitempty"`
	ToolUseID string `json:"toolUseId,omitempty"`
}

// Summary is the checkpoint-level metadata.json stored at the root of a
// checkpoint's sharded directory, aggregating across every contributing
// session.
type Summary struct {
	CheckpointID     ids.CheckpointID `json:"checkpointId"`
	CreatedAt        time.Time        `json:"createdAt"`
	CheckpointsCount int              `json:"checkpointsCount"`
	FilesTouched     []string         `json:"filesTouched"`
	Agent            string           `json:"agent,omitempty"`
	IsTask           bool             `json:"isTask,omitempty"`
	ToolUseID        string           `json:"toolUseId,omitempty"`

	SessionCount int      `json:"sessionCount"`
	SessionIDs   []string `json:"sessionIds"`
}

// SessionContent is what ReadSessionContent returns for one session
// folder within a checkpoint.
type SessionContent struct {
	SessionID   string
	FolderIndex int
	Transcript  []byte
	Prompts     string
	Context     string
	Metadata    CommittedMetadata
}

// CommittedInfo summarizes one committed checkpoint for ListCommitted.
type CommittedInfo struct {
	CheckpointID     ids.CheckpointID
	SessionID        string
	CreatedAt        time.Time
	CheckpointsCount int
	FilesTouched     []string
	Agent            string
	IsTask           bool
	ToolUseID        string
	SessionCount     int
	SessionIDs       []string
}
