package overlap

import (
	"context"
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/stepvault/engine/internal/vcs"
)

// DiffPreview renders a human-readable diff between a file's content at
// headTreeHash and its content at shadowTreeHash, for diagnosing why a
// file at path was or wasn't counted as overlap. Returns an empty
// string (no error) if the content is identical on both sides or the
// file is absent from both; a side where the file is absent counts as
// empty content, so a file present on one side only yields a diff.
func DiffPreview(ctx context.Context, store vcs.Store, headTreeHash, shadowTreeHash, path string) (string, error) {
	headContent, err := readOrEmpty(ctx, store, headTreeHash, path)
	if err != nil {
		return "", fmt.Errorf("overlap: reading head content for %s: %w", path, err)
	}
	shadowContent, err := readOrEmpty(ctx, store, shadowTreeHash, path)
	if err != nil {
		return "", fmt.Errorf("overlap: reading shadow content for %s: %w", path, err)
	}

	if string(headContent) == string(shadowContent) {
		return "", nil
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(shadowContent), string(headContent), false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	return dmp.DiffPrettyText(diffs), nil
}

func readOrEmpty(ctx context.Context, store vcs.Store, treeHash, path string) ([]byte, error) {
	content, err := store.ReadFileAt(ctx, treeHash, path)
	if vcs.IsNotFound(err) {
		return nil, nil
	}
	return content, err
}
