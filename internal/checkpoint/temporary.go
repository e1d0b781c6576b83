package checkpoint

import (
	"context"
	"fmt"
	"sort"

	"github.com/stepvault/engine/internal/ids"
	"github.com/stepvault/engine/internal/trailers"
	"github.com/stepvault/engine/internal/vcs"
)

// WriteTemporary writes one step to the shadow ref for
// opts.BaseCommit/worktreeID, grafting code changes and a metadata
// subtree onto whatever the ref's current tip tree is (or HEAD's tree,
// if the ref doesn't exist yet). If the resulting tree is identical to
// the ref's current tree, the write is skipped and the existing commit
// hash is returned (I4 dedup).
func (s *Store) WriteTemporary(ctx context.Context, worktreeID string, opts WriteTemporaryOptions) (WriteTemporaryResult, error) {
	if opts.BaseCommit == "" {
		return WriteTemporaryResult{}, fmt.Errorf("checkpoint: base commit is required")
	}
	if err := ids.ValidateSessionID(opts.SessionID); err != nil {
		return WriteTemporaryResult{}, fmt.Errorf("checkpoint: invalid write options: %w", err)
	}

	refName := ids.ShadowRefName(opts.BaseCommit, worktreeID)

	parentHash, baseTreeHash, err := s.getOrCreateShadowRef(ctx, refName)
	if err != nil {
		return WriteTemporaryResult{}, fmt.Errorf("checkpoint: resolving shadow ref: %w", err)
	}

	var lastTreeHash string
	if parentHash != "" {
		if parentCommit, err := s.vcs.ReadCommit(ctx, parentHash); err == nil {
			lastTreeHash = parentCommit.TreeHash
		}
	}

	var files []string
	if opts.IsFirstCheckpoint {
		files, err = s.vcs.CollectWorkingFiles(ctx, ".git", ".stepvault")
		if err != nil {
			return WriteTemporaryResult{}, fmt.Errorf("checkpoint: collecting working files: %w", err)
		}
	} else {
		files = append(append([]string{}, opts.ModifiedFiles...), opts.NewFiles...)
	}

	treeHash, err := s.buildTreeWithChanges(ctx, baseTreeHash, files, opts.DeletedFiles, opts.MetadataDir, opts.MetadataFiles)
	if err != nil {
		return WriteTemporaryResult{}, fmt.Errorf("checkpoint: building tree: %w", err)
	}

	if lastTreeHash != "" && treeHash == lastTreeHash {
		return WriteTemporaryResult{CommitHash: parentHash, Skipped: true}, nil
	}

	author := vcs.Identity{Name: opts.Author.Name, Email: opts.Author.Email}
	var message string
	if opts.IsTaskStep {
		message = trailers.FormatShadowTaskCommit(opts.CommitMessage, opts.MetadataDir, opts.SessionID, opts.Strategy)
	} else {
		message = trailers.FormatShadowCommit(opts.CommitMessage, opts.MetadataDir, opts.SessionID, opts.Strategy)
	}

	var parents []string
	if parentHash != "" {
		parents = []string{parentHash}
	}

	commitHash, err := s.vcs.CreateCommit(ctx, treeHash, parents, message, author, author)
	if err != nil {
		return WriteTemporaryResult{}, fmt.Errorf("checkpoint: creating commit: %w", err)
	}

	if err := s.vcs.UpdateRef(ctx, refName, parentHash, commitHash); err != nil {
		return WriteTemporaryResult{}, fmt.Errorf("checkpoint: updating shadow ref: %w", err)
	}

	return WriteTemporaryResult{CommitHash: commitHash}, nil
}

// ReadTemporary reads the latest step on a session's shadow ref.
// Returns (nil, nil) if no shadow ref exists yet — absence is expected,
// not an error.
func (s *Store) ReadTemporary(ctx context.Context, baseCommit, worktreeID string) (*TemporaryCheckpoint, error) {
	refName := ids.ShadowRefName(baseCommit, worktreeID)

	hash, err := s.vcs.ResolveRef(ctx, refName)
	if vcs.IsNotFound(err) {
		return nil, nil //nolint:nilnil // absence is the expected case
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: resolving shadow ref: %w", err)
	}

	commit, err := s.vcs.ReadCommit(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: reading shadow commit: %w", err)
	}

	sessionID, _ := trailers.ParseSession(commit.Message)
	metadataDir, ok := trailers.ParseMetadata(commit.Message)
	if !ok {
		metadataDir, _ = trailers.ParseTaskMetadata(commit.Message)
	}

	return &TemporaryCheckpoint{
		CommitHash:  commit.Hash,
		TreeHash:    commit.TreeHash,
		SessionID:   sessionID,
		MetadataDir: metadataDir,
	}, nil
}

// ListTemporary lists every shadow ref (excluding the metadata ref).
func (s *Store) ListTemporary(ctx context.Context) ([]TemporaryInfo, error) {
	refs, err := s.vcs.ListRefs(ctx, ids.Prefix)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: listing shadow refs: %w", err)
	}

	var out []TemporaryInfo
	for _, ref := range refs {
		if !ids.IsShadowRef(ref, s.metadataRef) {
			continue
		}

		hash, err := s.vcs.ResolveRef(ctx, ref)
		if err != nil {
			continue
		}
		commit, err := s.vcs.ReadCommit(ctx, hash)
		if err != nil {
			continue
		}
		sessionID, _ := trailers.ParseSession(commit.Message)
		baseCommit, _ := ids.BaseCommitFromShadowRef(ref)

		out = append(out, TemporaryInfo{
			RefName:      ref,
			BaseCommit:   baseCommit,
			LatestCommit: hash,
			SessionID:    sessionID,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].RefName < out[j].RefName })
	return out, nil
}

// DeleteShadowRef removes the shadow ref for baseCommit/worktreeID. It
// is not an error if the ref does not exist.
func (s *Store) DeleteShadowRef(ctx context.Context, baseCommit, worktreeID string) error {
	refName := ids.ShadowRefName(baseCommit, worktreeID)
	if err := s.vcs.DeleteRef(ctx, refName); err != nil && !vcs.IsNotFound(err) {
		return fmt.Errorf("checkpoint: deleting shadow ref: %w", err)
	}
	return nil
}

func (s *Store) getOrCreateShadowRef(ctx context.Context, refName string) (parentHash, baseTreeHash string, err error) {
	hash, err := s.vcs.ResolveRef(ctx, refName)
	if err == nil {
		commit, err := s.vcs.ReadCommit(ctx, hash)
		if err != nil {
			return "", "", fmt.Errorf("reading shadow ref tip: %w", err)
		}
		return hash, commit.TreeHash, nil
	}
	if !vcs.IsNotFound(err) {
		return "", "", err
	}

	head, err := s.vcs.Head(ctx)
	if err != nil {
		return "", "", fmt.Errorf("resolving HEAD for new shadow ref: %w", err)
	}
	headCommit, err := s.vcs.ReadCommit(ctx, head)
	if err != nil {
		return "", "", fmt.Errorf("reading HEAD commit: %w", err)
	}
	return "", headCommit.TreeHash, nil
}

// buildTreeWithChanges flattens baseTreeHash, applies modified/deleted
// working-tree files, grafts metadataFiles under metadataDir, and
// composes the result into a new tree: flatten-mutate-recompose rather
// than editing git's nested tree objects in place.
func (s *Store) buildTreeWithChanges(ctx context.Context, baseTreeHash string, modified, deleted []string, metadataDir string, metadataFiles map[string][]byte) (string, error) {
	entries, err := s.vcs.ListTree(ctx, baseTreeHash)
	if err != nil {
		return "", fmt.Errorf("flattening base tree: %w", err)
	}

	for _, path := range deleted {
		delete(entries, path)
	}

	for _, path := range modified {
		hash, mode, err := s.vcs.CreateBlobFromWorkingFile(ctx, path)
		if err != nil {
			if vcs.IsNotFound(err) {
				delete(entries, path)
				continue
			}
			continue
		}
		entries[path] = vcs.TreeEntry{Path: path, Mode: mode, Hash: hash}
	}

	if metadataDir != "" {
		for relPath, content := range metadataFiles {
			hash, err := s.vcs.WriteBlob(ctx, content)
			if err != nil {
				return "", fmt.Errorf("writing metadata blob %s: %w", relPath, err)
			}
			fullPath := metadataDir + "/" + relPath
			entries[fullPath] = vcs.TreeEntry{Path: fullPath, Mode: vcs.ModeRegular, Hash: hash}
		}
	}

	return s.vcs.ComposeTree(ctx, entries)
}
