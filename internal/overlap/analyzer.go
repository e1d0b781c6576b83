// Package overlap determines whether a user's commit or staged changes
// incorporate an agent session's tracked file modifications, using
// content-level (blob hash) comparison rather than filename matching
// alone.
//
// A file that already existed before the session started always counts
// as overlap once it appears in a commit or the index — the user is
// necessarily editing the session's work, whatever the new content
// looks like. A file the session created from scratch only counts as
// overlap if its content still matches what the session wrote; if the
// user reverted it and wrote something unrelated in its place, the
// session's work was discarded, not incorporated, and should not carry
// a checkpoint trailer.
package overlap

import (
	"context"
	"fmt"

	"github.com/stepvault/engine/internal/logging"
	"github.com/stepvault/engine/internal/vcs"
)

// CommittedOverlap reports whether headTreeHash (the tree of a commit
// just made) contains any file from filesTouched whose content traces
// back to shadowTreeHash (the session's shadow-ref tree), distinguishing
// modified files (always overlap) from new files (content match
// required). parentTreeHash is the commit's parent tree, used to tell
// which files in filesTouched predate the session; pass "" for a root
// commit.
func CommittedOverlap(ctx context.Context, store vcs.Store, headTreeHash, parentTreeHash, shadowTreeHash string, filesTouched []string) (bool, error) {
	ctx = logging.WithComponent(ctx, "overlap")

	headEntries, err := store.ListTree(ctx, headTreeHash)
	if err != nil {
		return false, fmt.Errorf("overlap: listing head tree: %w", err)
	}
	shadowEntries, err := store.ListTree(ctx, shadowTreeHash)
	if err != nil {
		return false, fmt.Errorf("overlap: listing shadow tree: %w", err)
	}
	var parentEntries map[string]vcs.TreeEntry
	if parentTreeHash != "" {
		parentEntries, err = store.ListTree(ctx, parentTreeHash)
		if err != nil {
			return false, fmt.Errorf("overlap: listing parent tree: %w", err)
		}
	}

	for _, path := range filesTouched {
		headEntry, inHead := headEntries[path]
		if !inHead {
			// Session touched this file but the commit doesn't contain
			// it (user deleted it, or staged a deletion). Not overlap.
			continue
		}

		if _, isModified := parentEntries[path]; isModified {
			logging.Debug(ctx, "modified file counts as overlap", "file", path)
			return true, nil
		}

		shadowEntry, inShadow := shadowEntries[path]
		if !inShadow {
			continue
		}
		if headEntry.Hash == shadowEntry.Hash {
			logging.Debug(ctx, "new file content match", "file", path)
			return true, nil
		}
		logging.Debug(ctx, "new file content mismatch, possibly reverted and replaced", "file", path)
	}

	return false, nil
}

// StagedOverlap reports whether any currently-staged file in
// filesTouched overlaps with shadowTreeHash, under the same
// modified-vs-new distinction as CommittedOverlap. headTreeHash is
// HEAD's tree, used to tell which staged files already existed.
func StagedOverlap(ctx context.Context, store vcs.Store, headTreeHash, shadowTreeHash string, filesTouched []string) (bool, error) {
	ctx = logging.WithComponent(ctx, "overlap")

	touched := make(map[string]bool, len(filesTouched))
	for _, f := range filesTouched {
		touched[f] = true
	}

	stagedPaths, err := store.StagedPaths(ctx)
	if err != nil {
		return false, fmt.Errorf("overlap: listing staged paths: %w", err)
	}

	headEntries, err := store.ListTree(ctx, headTreeHash)
	if err != nil {
		return false, fmt.Errorf("overlap: listing head tree: %w", err)
	}
	shadowEntries, err := store.ListTree(ctx, shadowTreeHash)
	if err != nil {
		return false, fmt.Errorf("overlap: listing shadow tree: %w", err)
	}

	for _, path := range stagedPaths {
		if !touched[path] {
			continue
		}

		if _, isModified := headEntries[path]; isModified {
			logging.Debug(ctx, "staged modified file counts as overlap", "file", path)
			return true, nil
		}

		stagedHash, err := store.StagedFileHash(ctx, path)
		if err != nil {
			continue
		}
		shadowEntry, inShadow := shadowEntries[path]
		if !inShadow {
			continue
		}
		if stagedHash == shadowEntry.Hash {
			logging.Debug(ctx, "staged new file content match", "file", path)
			return true, nil
		}
	}

	return false, nil
}

// RemainingWork returns the subset of filesTouched that still has
// uncommitted agent changes after a commit: files never committed at
// all, plus files whose committed content doesn't match the shadow
// tree (the user committed only part of the session's change, e.g. via
// a patch-mode add). Used to carry a session's remaining work forward
// to the next checkpoint after a partial promotion.
func RemainingWork(ctx context.Context, store vcs.Store, headTreeHash, shadowTreeHash string, filesTouched []string, committed map[string]bool) ([]string, error) {
	ctx = logging.WithComponent(ctx, "overlap")

	headEntries, err := store.ListTree(ctx, headTreeHash)
	if err != nil {
		return nil, fmt.Errorf("overlap: listing head tree: %w", err)
	}
	shadowEntries, err := store.ListTree(ctx, shadowTreeHash)
	if err != nil {
		return nil, fmt.Errorf("overlap: listing shadow tree: %w", err)
	}

	var remaining []string
	for _, path := range filesTouched {
		if !committed[path] {
			remaining = append(remaining, path)
			logging.Debug(ctx, "file not committed, carrying forward", "file", path)
			continue
		}

		shadowEntry, inShadow := shadowEntries[path]
		if !inShadow {
			continue
		}

		headEntry, inHead := headEntries[path]
		if !inHead {
			remaining = append(remaining, path)
			logging.Debug(ctx, "file missing from commit but present in shadow tree, carrying forward", "file", path)
			continue
		}

		if headEntry.Hash != shadowEntry.Hash {
			remaining = append(remaining, path)
			logging.Debug(ctx, "committed content differs from shadow tree, carrying forward", "file", path)
		}
	}

	return remaining, nil
}
