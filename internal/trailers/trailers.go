// Package trailers parses and formats Stepvault commit-message trailers:
// Key: value lines appended after a blank line separator from the
// subject/body, following the git trailer convention. Split out of
// internal/ids to avoid an import cycle between ids, checkpoint, and
// engine.
package trailers

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/stepvault/engine/internal/ids"
)

// Trailer key constants.
const (
	// MetadataKey points to the metadata subtree grafted under a shadow
	// commit's tree.
	MetadataKey = "Stepvault-Metadata"

	// MetadataTaskKey points to a subagent task's metadata subtree.
	MetadataTaskKey = "Stepvault-Metadata-Task"

	// StrategyKey names the strategy that produced a commit.
	StrategyKey = "Stepvault-Strategy"

	// SessionKey identifies the session that produced a commit.
	SessionKey = "Stepvault-Session"

	// CheckpointKey links a user commit to its committed checkpoint.
	// Survives amend/rebase since it travels with the commit message.
	CheckpointKey = "Stepvault-Checkpoint"

	// AgentKey names the human-readable agent that produced a checkpoint.
	AgentKey = "Stepvault-Agent"

	// BaseCommitKey records the base commit a shadow ref was created
	// from, for diagnostics independent of the ref name itself.
	BaseCommitKey = "Base-Commit"
)

var (
	strategyRegexp     = regexp.MustCompile(StrategyKey + `:\s*(.+)`)
	metadataRegexp     = regexp.MustCompile(MetadataKey + `:\s*(.+)`)
	taskMetadataRegexp = regexp.MustCompile(MetadataTaskKey + `:\s*(.+)`)
	sessionRegexp      = regexp.MustCompile(SessionKey + `:\s*(.+)`)
	checkpointRegexp   = regexp.MustCompile(CheckpointKey + `:\s*(` + ids.Pattern + `)(?:\s|$)`)
	baseCommitRegexp   = regexp.MustCompile(BaseCommitKey + `:\s*([a-f0-9]{40})`)
)

// ParseStrategy extracts the strategy trailer, if present.
func ParseStrategy(message string) (string, bool) { return firstMatch(strategyRegexp, message) }

// ParseMetadata extracts the metadata trailer, if present.
func ParseMetadata(message string) (string, bool) { return firstMatch(metadataRegexp, message) }

// ParseTaskMetadata extracts the task-metadata trailer, if present.
func ParseTaskMetadata(message string) (string, bool) {
	return firstMatch(taskMetadataRegexp, message)
}

// ParseSession extracts the first session trailer, if present. Use
// ParseAllSessions to retrieve every session trailer on a commit that
// multiple sessions contributed to.
func ParseSession(message string) (string, bool) { return firstMatch(sessionRegexp, message) }

// ParseBaseCommit extracts the base-commit trailer, if present.
func ParseBaseCommit(message string) (string, bool) { return firstMatch(baseCommitRegexp, message) }

// ParseCheckpoint extracts and validates the checkpoint trailer.
func ParseCheckpoint(message string) (ids.CheckpointID, bool) {
	m := checkpointRegexp.FindStringSubmatch(message)
	if len(m) < 2 {
		return ids.Empty, false
	}
	id, err := ids.NewCheckpointID(strings.TrimSpace(m[1]))
	if err != nil {
		return ids.Empty, false
	}
	return id, true
}

// ParseAllSessions returns every distinct session id trailer on message,
// in first-seen order. A commit on the metadata ref can legitimately
// carry more than one when several sessions contributed to one
// checkpoint promotion.
func ParseAllSessions(message string) []string {
	matches := sessionRegexp.FindAllStringSubmatch(message, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if len(m) < 2 {
			continue
		}
		id := strings.TrimSpace(m[1])
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func firstMatch(re *regexp.Regexp, message string) (string, bool) {
	m := re.FindStringSubmatch(message)
	if len(m) < 2 {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// FormatShadowCommit builds the message for a shadow-ref step commit:
// subject, blank line, then Metadata/Session/Strategy trailers in that
// order (I6: exactly one of each).
func FormatShadowCommit(subject, metadataDir, sessionID, strategy string) string {
	var b strings.Builder
	b.WriteString(subject)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "%s: %s\n", MetadataKey, metadataDir)
	fmt.Fprintf(&b, "%s: %s\n", SessionKey, sessionID)
	fmt.Fprintf(&b, "%s: %s\n", StrategyKey, strategy)
	return b.String()
}

// FormatShadowTaskCommit builds the message for a shadow-ref task-step
// commit.
func FormatShadowTaskCommit(subject, taskMetadataDir, sessionID, strategy string) string {
	var b strings.Builder
	b.WriteString(subject)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "%s: %s\n", MetadataTaskKey, taskMetadataDir)
	fmt.Fprintf(&b, "%s: %s\n", SessionKey, sessionID)
	fmt.Fprintf(&b, "%s: %s\n", StrategyKey, strategy)
	return b.String()
}

// FormatCommittedCommit builds the subject+body for a metadata-ref
// promotion commit: "Stepvault-Checkpoint: <id>" subject line, blank
// line, then one Session: line per contributing session.
func FormatCommittedCommit(checkpointID ids.CheckpointID, sessionIDs []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n\n", CheckpointKey, checkpointID.String())
	for _, s := range sessionIDs {
		fmt.Fprintf(&b, "Session: %s\n", s)
	}
	return b.String()
}

// InjectCheckpointTrailer inserts a Stepvault-Checkpoint trailer into an
// in-progress commit message, immediately before any "#"-comment region
// (the portion of a commit message file the editor leaves for the user's
// reference and that git strips before committing), or at the end if no
// comment region exists. A blank line always separates the trailer from
// whatever precedes it.
func InjectCheckpointTrailer(message string, id ids.CheckpointID) string {
	trailer := fmt.Sprintf("%s: %s", CheckpointKey, id.String())

	lines := strings.Split(message, "\n")
	commentStart := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "#") {
			commentStart = i
			break
		}
	}

	if commentStart == -1 {
		trimmed := strings.TrimRight(message, "\n")
		if trimmed == "" {
			return trailer + "\n"
		}
		return trimmed + "\n\n" + trailer + "\n"
	}

	before := strings.Join(lines[:commentStart], "\n")
	after := strings.Join(lines[commentStart:], "\n")
	trimmedBefore := strings.TrimRight(before, "\n")
	if trimmedBefore == "" {
		return trailer + "\n\n" + after
	}
	return trimmedBefore + "\n\n" + trailer + "\n\n" + after
}

// StripCheckpointTrailer removes any Stepvault-Checkpoint trailer line
// (and the blank line immediately preceding it, if present) from
// message. Used by ValidateCommitMessage to undo an injected trailer
// when the user left the commit message otherwise empty.
func StripCheckpointTrailer(message string) string {
	lines := strings.Split(message, "\n")
	out := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		if strings.HasPrefix(lines[i], CheckpointKey+":") {
			if len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
				out = out[:len(out)-1]
			}
			continue
		}
		out = append(out, lines[i])
	}
	return strings.Join(out, "\n")
}

// HasOnlyCommentsAndTrailer reports whether message, once the checkpoint
// trailer and blank lines are discounted, contains only "#"-comment
// lines. Used by ValidateCommitMessage to decide whether to abort an
// otherwise-empty commit.
func HasOnlyCommentsAndTrailer(message string) bool {
	stripped := StripCheckpointTrailer(message)
	for _, line := range strings.Split(stripped, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		return false
	}
	return true
}
