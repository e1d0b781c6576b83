package vcs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// GitStore is the go-git-backed Store implementation. It is the only
// Store the checkpoint engine ships; the interface exists to keep
// internal/engine testable against a lighter fake, not to support a
// second real backend.
type GitStore struct {
	repo *git.Repository
	root string
}

// Open opens the repository rooted at or above dir, with linked-worktree
// support enabled: EnableDotGitCommonDir is required for go-git to route
// ref writes correctly when dir is inside a worktree created with
// "git worktree add" rather than the main checkout.
func Open(dir string) (*GitStore, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		return nil, newError(Io, "Open", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, newError(Unsupported, "Open", fmt.Errorf("bare repositories are not supported: %w", err))
	}

	return &GitStore{repo: repo, root: wt.Filesystem.Root()}, nil
}

func (s *GitStore) RepoRoot() string { return s.root }

func (s *GitStore) ResolveRef(_ context.Context, ref string) (string, error) {
	r, err := s.repo.Reference(refName(ref), true)
	if err != nil {
		return "", mapRefError("ResolveRef", err)
	}
	return r.Hash().String(), nil
}

func (s *GitStore) ReadCommit(_ context.Context, hash string) (CommitInfo, error) {
	h, err := parseHash(hash)
	if err != nil {
		return CommitInfo{}, newError(Invalid, "ReadCommit", err)
	}
	c, err := s.repo.CommitObject(h)
	if err != nil {
		return CommitInfo{}, mapObjectError("ReadCommit", err)
	}
	parents := make([]string, len(c.ParentHashes))
	for i, p := range c.ParentHashes {
		parents[i] = p.String()
	}
	return CommitInfo{
		Hash:      c.Hash.String(),
		TreeHash:  c.TreeHash.String(),
		Parents:   parents,
		Message:   c.Message,
		Author:    Identity{Name: c.Author.Name, Email: c.Author.Email},
		Committer: Identity{Name: c.Committer.Name, Email: c.Committer.Email},
	}, nil
}

func (s *GitStore) ListTree(_ context.Context, hash string) (map[string]TreeEntry, error) {
	entries := make(map[string]TreeEntry)
	if hash == "" {
		return entries, nil
	}
	h, err := parseHash(hash)
	if err != nil {
		return nil, newError(Invalid, "ListTree", err)
	}
	tree, err := s.repo.TreeObject(h)
	if err != nil {
		return nil, mapObjectError("ListTree", err)
	}
	if err := flattenTree(s.repo, tree, "", entries); err != nil {
		return nil, newError(Io, "ListTree", err)
	}
	return entries, nil
}

func (s *GitStore) ReadFile(_ context.Context, hash string) ([]byte, error) {
	h, err := parseHash(hash)
	if err != nil {
		return nil, newError(Invalid, "ReadFile", err)
	}
	blob, err := s.repo.BlobObject(h)
	if err != nil {
		return nil, mapObjectError("ReadFile", err)
	}
	r, err := blob.Reader()
	if err != nil {
		return nil, newError(Io, "ReadFile", err)
	}
	defer r.Close()
	buf := make([]byte, blob.Size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, newError(Io, "ReadFile", err)
	}
	return buf, nil
}

func (s *GitStore) ReadFileAt(ctx context.Context, treeHash, path string) ([]byte, error) {
	entries, err := s.ListTree(ctx, treeHash)
	if err != nil {
		return nil, err
	}
	entry, ok := entries[path]
	if !ok {
		return nil, newError(NotFound, "ReadFileAt", fmt.Errorf("path %q not found in tree", path))
	}
	return s.ReadFile(ctx, entry.Hash)
}

func (s *GitStore) WriteBlob(_ context.Context, content []byte) (string, error) {
	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))

	w, err := obj.Writer()
	if err != nil {
		return "", newError(Io, "WriteBlob", err)
	}
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return "", newError(Io, "WriteBlob", err)
	}
	if err := w.Close(); err != nil {
		return "", newError(Io, "WriteBlob", err)
	}

	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", newError(Io, "WriteBlob", err)
	}
	return hash.String(), nil
}

// ComposeTree builds nested tree objects bottom-up from a flattened
// path -> entry map, the same two-pass shape the checkpoint store needs
// every time it grafts a metadata subtree onto an arbitrary base tree:
// split each path on "/" into a node tree, then recurse depth-first
// writing the deepest trees first so every parent tree can reference
// an already-stored child hash.
func (s *GitStore) ComposeTree(_ context.Context, entries map[string]TreeEntry) (string, error) {
	root := &treeNode{children: make(map[string]*treeNode)}
	for path, entry := range entries {
		parts := strings.Split(path, "/")
		insertEntry(root, parts, entry)
	}
	hash, err := writeTreeNode(s.repo, root)
	if err != nil {
		return "", newError(Io, "ComposeTree", err)
	}
	return hash.String(), nil
}

func (s *GitStore) CreateCommit(_ context.Context, treeHash string, parents []string, message string, author, committer Identity) (string, error) {
	th, err := parseHash(treeHash)
	if err != nil {
		return "", newError(Invalid, "CreateCommit", err)
	}

	parentHashes := make([]plumbing.Hash, 0, len(parents))
	for _, p := range parents {
		ph, err := parseHash(p)
		if err != nil {
			return "", newError(Invalid, "CreateCommit", err)
		}
		parentHashes = append(parentHashes, ph)
	}

	now := time.Now()
	commit := &object.Commit{
		TreeHash:     th,
		ParentHashes: parentHashes,
		Author:       object.Signature{Name: author.Name, Email: author.Email, When: now},
		Committer:    object.Signature{Name: committer.Name, Email: committer.Email, When: now},
		Message:      message,
	}

	obj := s.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return "", newError(Io, "CreateCommit", err)
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", newError(Io, "CreateCommit", err)
	}
	return hash.String(), nil
}

func (s *GitStore) UpdateRef(_ context.Context, ref, oldHash, newHash string) error {
	name := refName(ref)
	nh, err := parseHash(newHash)
	if err != nil {
		return newError(Invalid, "UpdateRef", err)
	}

	current, err := s.repo.Reference(name, true)
	currentlyExists := err == nil

	if oldHash == "" {
		if currentlyExists {
			return newError(Conflict, "UpdateRef", fmt.Errorf("ref %s already exists at %s", ref, current.Hash()))
		}
	} else {
		if !currentlyExists {
			return newError(Conflict, "UpdateRef", fmt.Errorf("ref %s does not exist, expected %s", ref, oldHash))
		}
		if current.Hash().String() != oldHash {
			return newError(Conflict, "UpdateRef", fmt.Errorf("ref %s is at %s, expected %s", ref, current.Hash(), oldHash))
		}
	}

	if err := s.repo.Storer.SetReference(plumbing.NewHashReference(name, nh)); err != nil {
		return newError(Io, "UpdateRef", err)
	}
	return nil
}

func (s *GitStore) CreateRef(ctx context.Context, ref, hash string) error {
	return s.UpdateRef(ctx, ref, "", hash)
}

func (s *GitStore) DeleteRef(_ context.Context, ref string) error {
	if err := s.repo.Storer.RemoveReference(refName(ref)); err != nil {
		return newError(Io, "DeleteRef", err)
	}
	return nil
}

func (s *GitStore) ListRefs(_ context.Context, prefix string) ([]string, error) {
	iter, err := s.repo.References()
	if err != nil {
		return nil, newError(Io, "ListRefs", err)
	}
	defer iter.Close()

	var out []string
	err = iter.ForEach(func(r *plumbing.Reference) error {
		name := r.Name().String()
		if strings.HasPrefix(name, prefix) || strings.HasPrefix(r.Name().Short(), prefix) {
			out = append(out, r.Name().Short())
		}
		return nil
	})
	if err != nil {
		return nil, newError(Io, "ListRefs", err)
	}
	sort.Strings(out)
	return out, nil
}

func (s *GitStore) DiffNameStatus(ctx context.Context, fromHash, toHash string) ([]DiffEntry, error) {
	fromEntries, err := s.ListTree(ctx, fromHash)
	if err != nil {
		return nil, err
	}
	toEntries, err := s.ListTree(ctx, toHash)
	if err != nil {
		return nil, err
	}

	var out []DiffEntry
	for path, toEntry := range toEntries {
		fromEntry, existed := fromEntries[path]
		switch {
		case !existed:
			out = append(out, DiffEntry{Path: path, Status: StatusAdded})
		case fromEntry.Hash != toEntry.Hash:
			out = append(out, DiffEntry{Path: path, Status: StatusModified})
		}
	}
	for path := range fromEntries {
		if _, stillPresent := toEntries[path]; !stillPresent {
			out = append(out, DiffEntry{Path: path, Status: StatusDeleted})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *GitStore) StagedPaths(_ context.Context) ([]string, error) {
	wt, err := s.repo.Worktree()
	if err != nil {
		return nil, newError(Unsupported, "StagedPaths", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, newError(Io, "StagedPaths", err)
	}
	var out []string
	for path, st := range status {
		if st.Staging != git.Unmodified && st.Staging != git.Untracked {
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *GitStore) StagedFileHash(_ context.Context, path string) (string, error) {
	idx, err := s.repo.Storer.Index()
	if err != nil {
		return "", newError(Io, "StagedFileHash", err)
	}
	entry, err := idx.Entry(path)
	if err != nil {
		return "", newError(NotFound, "StagedFileHash", err)
	}
	return entry.Hash.String(), nil
}

func (s *GitStore) WorkingStatus(_ context.Context) ([]DiffEntry, error) {
	wt, err := s.repo.Worktree()
	if err != nil {
		return nil, newError(Unsupported, "WorkingStatus", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, newError(Io, "WorkingStatus", err)
	}
	var out []DiffEntry
	for path, st := range status {
		out = append(out, DiffEntry{Path: path, Status: mapGitStatus(st)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *GitStore) Push(ctx context.Context, remote, ref string) error {
	refspec := config.RefSpec(fmt.Sprintf("%s:%s", refName(ref), refName(ref)))
	err := s.repo.PushContext(ctx, &git.PushOptions{RemoteName: remote, RefSpecs: []config.RefSpec{refspec}})
	if err != nil {
		if err == git.NoErrAlreadyUpToDate {
			return nil
		}
		return newError(Io, "Push", err)
	}
	return nil
}

func (s *GitStore) Head(_ context.Context) (string, error) {
	head, err := s.repo.Head()
	if err != nil {
		return "", mapRefError("Head", err)
	}
	return head.Hash().String(), nil
}

func (s *GitStore) CreateBlobFromWorkingFile(_ context.Context, path string) (string, FileMode, error) {
	abs := filepath.Join(s.root, path)
	info, err := os.Lstat(abs)
	if err != nil {
		return "", 0, newError(NotFound, "CreateBlobFromWorkingFile", err)
	}

	mode := ModeRegular
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		mode = ModeSymlink
	case info.Mode()&0o111 != 0:
		mode = ModeExecutable
	}

	content, err := os.ReadFile(abs) //nolint:gosec // abs is joined from the repo root and a checkpoint-tracked path
	if err != nil {
		return "", 0, newError(Io, "CreateBlobFromWorkingFile", err)
	}

	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))
	w, err := obj.Writer()
	if err != nil {
		return "", 0, newError(Io, "CreateBlobFromWorkingFile", err)
	}
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return "", 0, newError(Io, "CreateBlobFromWorkingFile", err)
	}
	if err := w.Close(); err != nil {
		return "", 0, newError(Io, "CreateBlobFromWorkingFile", err)
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", 0, newError(Io, "CreateBlobFromWorkingFile", err)
	}
	return hash.String(), mode, nil
}

func (s *GitStore) CollectWorkingFiles(_ context.Context, excludeDirs ...string) ([]string, error) {
	excluded := make(map[string]bool, len(excludeDirs))
	for _, d := range excludeDirs {
		excluded[d] = true
	}

	var files []string
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr // best-effort walk, skip unreadable entries
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil //nolint:nilerr
		}
		if rel == "." {
			return nil
		}
		top := strings.SplitN(rel, string(filepath.Separator), 2)[0]
		if info.IsDir() {
			if excluded[top] {
				return filepath.SkipDir
			}
			return nil
		}
		if excluded[top] {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, newError(Io, "CollectWorkingFiles", err)
	}
	return files, nil
}

func resolveAuthor(s Store) Identity {
	if name, email := os.Getenv("STEPVAULT_AUTHOR_NAME"), os.Getenv("STEPVAULT_AUTHOR_EMAIL"); name != "" && email != "" {
		return Identity{Name: name, Email: email}
	}

	gs, ok := s.(*GitStore)
	if !ok {
		return Identity{Name: "Unknown", Email: "unknown@local"}
	}

	name, email := "", ""
	if cfg, err := gs.repo.Config(); err == nil {
		name, email = cfg.User.Name, cfg.User.Email
	}
	if name == "" || email == "" {
		if global, err := config.LoadConfig(config.GlobalScope); err == nil {
			if name == "" {
				name = global.User.Name
			}
			if email == "" {
				email = global.User.Email
			}
		}
	}
	if name == "" {
		name = "Unknown"
	}
	if email == "" {
		email = "unknown@local"
	}
	return Identity{Name: name, Email: email}
}

func mapGitStatus(st *git.FileStatus) FileStatus {
	switch {
	case st.Staging == git.Untracked && st.Worktree == git.Untracked:
		return StatusUntracked
	case st.Staging == git.Added || st.Worktree == git.Added:
		return StatusAdded
	case st.Staging == git.Deleted || st.Worktree == git.Deleted:
		return StatusDeleted
	case st.Staging == git.Renamed || st.Worktree == git.Renamed:
		return StatusRenamed
	case st.Staging == git.Modified || st.Worktree == git.Modified:
		return StatusModified
	default:
		return StatusUnmodified
	}
}

func refName(ref string) plumbing.ReferenceName {
	if strings.HasPrefix(ref, "refs/") {
		return plumbing.ReferenceName(ref)
	}
	return plumbing.NewBranchReferenceName(ref)
}

func parseHash(hash string) (plumbing.Hash, error) {
	if !plumbing.IsHash(hash) {
		return plumbing.ZeroHash, fmt.Errorf("malformed hash %q", hash)
	}
	return plumbing.NewHash(hash), nil
}

func mapRefError(op string, err error) error {
	if err == plumbing.ErrReferenceNotFound {
		return newError(NotFound, op, err)
	}
	return newError(Io, op, err)
}

func mapObjectError(op string, err error) error {
	if err == plumbing.ErrObjectNotFound {
		return newError(NotFound, op, err)
	}
	return newError(Io, op, err)
}

// treeNode is an in-progress directory while composing a tree from a
// flattened path map: files land directly in a node, subdirectories
// recurse into child nodes keyed by path segment.
type treeNode struct {
	children map[string]*treeNode
	entries  []object.TreeEntry
}

func insertEntry(node *treeNode, parts []string, entry TreeEntry) {
	if len(parts) == 1 {
		node.entries = append(node.entries, object.TreeEntry{
			Name: parts[0],
			Mode: toFilemode(entry.Mode),
			Hash: plumbing.NewHash(entry.Hash),
		})
		return
	}
	child, ok := node.children[parts[0]]
	if !ok {
		child = &treeNode{children: make(map[string]*treeNode)}
		node.children[parts[0]] = child
	}
	insertEntry(child, parts[1:], entry)
}

func writeTreeNode(repo *git.Repository, node *treeNode) (plumbing.Hash, error) {
	entries := append([]object.TreeEntry{}, node.entries...)
	for name, child := range node.children {
		hash, err := writeTreeNode(repo, child)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: hash})
	}
	sortTreeEntries(entries)

	tree := &object.Tree{Entries: entries}
	obj := repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return repo.Storer.SetEncodedObject(obj)
}

// sortTreeEntries orders entries the way git requires: lexicographic by
// name, with directory names compared as if they carried a trailing "/".
func sortTreeEntries(entries []object.TreeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Name, entries[j].Name
		if entries[i].Mode == filemode.Dir {
			a += "/"
		}
		if entries[j].Mode == filemode.Dir {
			b += "/"
		}
		return a < b
	})
}

func toFilemode(m FileMode) filemode.FileMode {
	switch m {
	case ModeExecutable:
		return filemode.Executable
	case ModeSymlink:
		return filemode.Symlink
	case ModeDir:
		return filemode.Dir
	default:
		return filemode.Regular
	}
}

func fromFilemode(m filemode.FileMode) FileMode {
	switch m {
	case filemode.Executable:
		return ModeExecutable
	case filemode.Symlink:
		return ModeSymlink
	case filemode.Dir:
		return ModeDir
	default:
		return ModeRegular
	}
}

func flattenTree(repo *git.Repository, tree *object.Tree, prefix string, out map[string]TreeEntry) error {
	for _, entry := range tree.Entries {
		full := entry.Name
		if prefix != "" {
			full = prefix + "/" + entry.Name
		}
		if entry.Mode == filemode.Dir {
			sub, err := repo.TreeObject(entry.Hash)
			if err != nil {
				return fmt.Errorf("subtree %s: %w", full, err)
			}
			if err := flattenTree(repo, sub, full, out); err != nil {
				return err
			}
			continue
		}
		out[full] = TreeEntry{Path: full, Mode: fromFilemode(entry.Mode), Hash: entry.Hash.String()}
	}
	return nil
}
