// Package vcs adapts the checkpoint engine onto a content-addressed
// object store. The only implementation is git, via go-git/v5, but the
// engine package depends on the Store interface rather than go-git
// directly so the tree-grafting and ref bookkeeping the checkpoint
// engine needs stays testable without a real repository.
package vcs

import (
	"context"
)

// ObjectKind distinguishes the three git object kinds Store callers
// work with. Tags are never produced or consumed by the checkpoint
// engine.
type ObjectKind int

const (
	BlobKind ObjectKind = iota
	TreeKind
	CommitKind
)

// FileMode mirrors the handful of git file modes the engine cares
// about; it intentionally does not expose gitlink/submodule modes since
// the checkpoint engine never writes them.
type FileMode int

const (
	ModeRegular FileMode = iota
	ModeExecutable
	ModeSymlink
	ModeDir
)

// TreeEntry is one flattened path -> (mode, blob hash) mapping. Store's
// tree primitives work on flattened maps keyed by full repo-relative
// path rather than nested trees, since that's the shape checkpoint
// grafting needs: overlay a metadata subtree onto an arbitrary base tree
// without walking intermediate directories by hand.
type TreeEntry struct {
	Path string
	Mode FileMode
	Hash string
}

// Identity is a commit author/committer pair. The engine never reads
// ambient git config itself; callers resolve an Identity once (see
// ResolveAuthor) and pass it through.
type Identity struct {
	Name  string
	Email string
}

// DiffEntry is one path's status between two trees or between the index
// and a tree.
type DiffEntry struct {
	Path   string
	Status FileStatus
}

// FileStatus is the closed set of statuses DiffNameStatus and
// WorkingStatus report.
type FileStatus int

const (
	StatusUnmodified FileStatus = iota
	StatusAdded
	StatusModified
	StatusDeleted
	StatusRenamed
	StatusUntracked
)

// CommitInfo is the subset of a commit object the engine reads back:
// enough to extract trailers and resolve a tree without re-fetching the
// whole object.
type CommitInfo struct {
	Hash      string
	TreeHash  string
	Parents   []string
	Message   string
	Author    Identity
	Committer Identity
}

// Store is the object-store abstraction the checkpoint engine builds
// on. Every method is safe to call concurrently for reads; writes that
// mutate a ref go through UpdateRef's compare-and-swap so concurrent
// writers never silently clobber each other.
type Store interface {
	// RepoRoot returns the absolute path to the repository's working
	// tree root (not the .git directory), resolved the way the
	// teacher's linked-worktree-aware open does.
	RepoRoot() string

	// ResolveRef resolves a ref name (branch, or fully-qualified ref
	// path) to a commit hash. Returns a NotFound *Error if the ref
	// doesn't exist.
	ResolveRef(ctx context.Context, ref string) (string, error)

	// ReadCommit reads a commit object by hash.
	ReadCommit(ctx context.Context, hash string) (CommitInfo, error)

	// ListTree flattens the tree at hash into path -> entry, recursing
	// into subtrees. An empty hash ("") is treated as an empty tree so
	// callers building a tree from scratch don't need a special case.
	ListTree(ctx context.Context, hash string) (map[string]TreeEntry, error)

	// ReadFile reads a blob's content by hash.
	ReadFile(ctx context.Context, hash string) ([]byte, error)

	// ReadFileAt reads a file's content at a path within a tree.
	// Returns a NotFound *Error if the path doesn't exist in the tree.
	ReadFileAt(ctx context.Context, treeHash, path string) ([]byte, error)

	// WriteBlob stores content as a blob object and returns its hash.
	WriteBlob(ctx context.Context, content []byte) (string, error)

	// ComposeTree builds a tree object from a flattened path -> entry
	// map, creating the intermediate subtrees as needed, and returns
	// the root tree hash. Entries are sorted into git's required
	// directories-with-trailing-slash order internally.
	ComposeTree(ctx context.Context, entries map[string]TreeEntry) (string, error)

	// CreateCommit creates a commit object pointing at treeHash with
	// the given parents (empty for a root commit) and returns its hash.
	// It does not move any ref.
	CreateCommit(ctx context.Context, treeHash string, parents []string, message string, author, committer Identity) (string, error)

	// UpdateRef performs a compare-and-swap ref update: it only
	// succeeds if the ref currently points at oldHash (oldHash == ""
	// means "ref must not currently exist"). Returns a Conflict *Error
	// if the current value doesn't match.
	UpdateRef(ctx context.Context, ref, oldHash, newHash string) error

	// CreateRef creates a new ref. Equivalent to
	// UpdateRef(ctx, ref, "", hash) but reads more clearly at call
	// sites that never expect the ref to already exist.
	CreateRef(ctx context.Context, ref, hash string) error

	// DeleteRef removes a ref entirely.
	DeleteRef(ctx context.Context, ref string) error

	// ListRefs lists every ref whose name has the given prefix
	// (typically "refs/heads/stepvault/" for shadow refs).
	ListRefs(ctx context.Context, prefix string) ([]string, error)

	// DiffNameStatus reports the path-level diff between two commits'
	// trees. fromHash == "" diffs against an empty tree.
	DiffNameStatus(ctx context.Context, fromHash, toHash string) ([]DiffEntry, error)

	// StagedPaths lists paths currently staged in the index.
	StagedPaths(ctx context.Context) ([]string, error)

	// StagedFileHash returns the blob hash a path currently has in the
	// index. Returns a NotFound *Error if path isn't staged.
	StagedFileHash(ctx context.Context, path string) (string, error)

	// WorkingStatus reports the working-tree status (staged, unstaged,
	// and untracked) for every path that differs from HEAD.
	WorkingStatus(ctx context.Context) ([]DiffEntry, error)

	// Push pushes ref to the named remote. Used only for the metadata
	// ref; shadow refs are deliberately local-only.
	Push(ctx context.Context, remote, ref string) error

	// Head returns the current HEAD commit hash, or a NotFound *Error
	// on an unborn branch.
	Head(ctx context.Context) (string, error)

	// CreateBlobFromWorkingFile reads path (repo-root-relative) off
	// disk and stores it as a blob, returning the hash and the mode it
	// should be recorded with.
	CreateBlobFromWorkingFile(ctx context.Context, path string) (hash string, mode FileMode, err error)

	// CollectWorkingFiles walks the working tree from its root and
	// returns every repo-relative path, excluding .git and the
	// checkpoint engine's own metadata directory.
	CollectWorkingFiles(ctx context.Context, excludeDirs ...string) ([]string, error)
}

// ResolveAuthor resolves the identity the engine should attribute
// checkpoint commits to: the STEPVAULT_AUTHOR_NAME/STEPVAULT_AUTHOR_EMAIL
// environment override first (for hook contexts where HOME may not
// resolve config the same way), then repo-local git config, then global
// git config, then a fixed fallback.
func ResolveAuthor(s Store) Identity {
	return resolveAuthor(s)
}
