package ids

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Prefix namespaces every ref the engine creates. A shadow ref is
// Prefix + <7-hex base commit> [+ "-" + <6-hex worktree hash>]; the
// metadata ref is Prefix + "checkpoints/v1" (optionally project-suffixed).
const Prefix = "stepvault/"

// DefaultMetadataRefSuffix is appended to Prefix for the default,
// non-project-namespaced metadata ref.
const DefaultMetadataRefSuffix = "checkpoints/v1"

// shadowRefPattern matches any ref produced by ShadowRefName, and is used
// by IsShadowRef to distinguish shadow refs from the metadata ref despite
// both sharing Prefix.
var shadowRefPattern = regexp.MustCompile(`^` + regexp.QuoteMeta(Prefix) + `[0-9a-f]{7,}(-[0-9a-f]{6,})?$`)

// ShadowRefName returns the deterministic shadow ref name for the given
// (baseCommit, worktreeID) pair. Two calls with the same inputs always
// return the same name (invariant I1). If worktreeID is empty, the
// worktree suffix is omitted.
func ShadowRefName(baseCommit, worktreeID string) string {
	short := baseCommit
	if len(short) > 7 {
		short = short[:7]
	}
	name := Prefix + short
	if worktreeID != "" {
		name += "-" + sha256Hex6(worktreeID)
	}
	return name
}

// IsShadowRef reports whether name looks like a ref ShadowRefName could
// have produced. The metadata ref is explicitly excluded even though it
// shares Prefix, per spec: classification uses the shadow pattern plus an
// explicit exclusion for the metadata ref.
func IsShadowRef(name, metadataRef string) bool {
	if name == metadataRef {
		return false
	}
	return shadowRefPattern.MatchString(name)
}

// BaseCommitFromShadowRef extracts the short base-commit hex prefix
// embedded in a shadow ref name. Returns ("", false) if name doesn't look
// like a shadow ref.
func BaseCommitFromShadowRef(name string) (string, bool) {
	if !shadowRefPattern.MatchString(name) {
		return "", false
	}
	rest := strings.TrimPrefix(name, Prefix)
	if idx := strings.IndexByte(rest, '-'); idx >= 0 {
		rest = rest[:idx]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}

// MetadataRefName returns the metadata ref name, optionally namespaced by
// projectID when multiple projects share one session repository.
func MetadataRefName(projectID string) string {
	if projectID == "" {
		return Prefix + DefaultMetadataRefSuffix
	}
	return Prefix + DefaultMetadataRefSuffix + "-" + projectID
}

// ProjectID derives the deterministic namespace for a project rooted at
// absPath: sanitize(basename(absPath)) + "-" + first 8 hex chars of
// sha256(absPath).
func ProjectID(absPath string) string {
	base := filepath.Base(filepath.Clean(absPath))
	return sanitizeForPath(base) + "-" + sha256Hex8(absPath)
}

var nonPathSafe = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

func sanitizeForPath(s string) string {
	s = nonPathSafe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "project"
	}
	return s
}

// ValidateSessionID rejects empty session IDs and anything containing a
// path separator, since session IDs are used directly as filenames and
// as path components inside the metadata tree.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("invalid session id %q: contains path separators", id)
	}
	return nil
}

var pathSafeRegexp = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateToolUseID allows empty (optional field) or path-safe strings
// only, matching the characters Claude/Gemini tool_use ids and synthetic
// identifiers are composed of.
func ValidateToolUseID(id string) error {
	if id == "" {
		return nil
	}
	if !pathSafeRegexp.MatchString(id) {
		return fmt.Errorf("invalid tool use id %q: must be alphanumeric with underscores/hyphens", id)
	}
	return nil
}

// ValidateAgentID is the same shape constraint as ValidateToolUseID,
// kept distinct because the two ids validate different domain concepts.
func ValidateAgentID(id string) error {
	if id == "" {
		return nil
	}
	if !pathSafeRegexp.MatchString(id) {
		return fmt.Errorf("invalid agent id %q: must be alphanumeric with underscores/hyphens", id)
	}
	return nil
}
