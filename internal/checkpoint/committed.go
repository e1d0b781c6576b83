package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stepvault/engine/internal/ids"
	"github.com/stepvault/engine/internal/trailers"
	"github.com/stepvault/engine/internal/vcs"
)

const (
	metadataFileName    = "metadata.json"
	transcriptFileName  = "full.jsonl"
	promptFileName      = "prompt.txt"
	contextFileName     = "context.md"
	contentHashFileName = "content_hash.txt"
)

// WriteCommitted grafts a checkpoint onto the metadata ref at its
// sharded path <id[:2]>/<id[2:]>/. Each contributing session gets its
// own numbered subdirectory (1/, 2/, ...); a session ID that already
// has a subdirectory under this checkpoint reuses its slot rather than
// appending, so re-recording the same session's promotion overwrites
// instead of duplicating.
func (s *Store) WriteCommitted(ctx context.Context, opts WriteCommittedOptions) error {
	if opts.CheckpointID.IsEmpty() {
		return fmt.Errorf("checkpoint: checkpoint id is required")
	}
	if err := ids.ValidateSessionID(opts.SessionID); err != nil {
		return fmt.Errorf("checkpoint: invalid write options: %w", err)
	}

	parentHash, entries, err := s.metadataRefEntries(ctx)
	if err != nil {
		return err
	}

	basePath := opts.CheckpointID.Path()

	existingSummary, _ := s.readSummary(entries, basePath)
	sessionIndex := findSessionIndex(existingSummary, opts.SessionID)
	sessionPath := fmt.Sprintf("%s/%d", basePath, sessionIndex)

	for key := range entries {
		if strings.HasPrefix(key, sessionPath+"/") {
			delete(entries, key)
		}
	}

	if err := s.writeSessionFiles(ctx, entries, sessionPath, opts); err != nil {
		return err
	}

	if opts.MetadataFiles != nil {
		for relPath, content := range opts.MetadataFiles {
			hash, err := s.vcs.WriteBlob(ctx, content)
			if err != nil {
				return fmt.Errorf("checkpoint: writing metadata file %s: %w", relPath, err)
			}
			full := sessionPath + "/" + relPath
			entries[full] = vcs.TreeEntry{Path: full, Mode: vcs.ModeRegular, Hash: hash}
		}
	}

	summary := mergeSummary(existingSummary, opts, sessionIndex)
	if err := s.writeSummary(ctx, entries, basePath, summary); err != nil {
		return err
	}

	newTreeHash, err := s.vcs.ComposeTree(ctx, entries)
	if err != nil {
		return fmt.Errorf("checkpoint: composing metadata tree: %w", err)
	}

	message := trailers.FormatCommittedCommit(opts.CheckpointID, nonEmpty(summary.SessionIDs))
	author := vcs.Identity{Name: opts.Author.Name, Email: opts.Author.Email}

	var parents []string
	if parentHash != "" {
		parents = []string{parentHash}
	}

	commitHash, err := s.vcs.CreateCommit(ctx, newTreeHash, parents, message, author, author)
	if err != nil {
		return fmt.Errorf("checkpoint: creating metadata commit: %w", err)
	}

	if err := s.vcs.UpdateRef(ctx, s.metadataRef, parentHash, commitHash); err != nil {
		return fmt.Errorf("checkpoint: updating metadata ref: %w", err)
	}
	return nil
}

// ReadCommitted reads the checkpoint at checkpointID, returning the
// most recently written session's content plus archived content from
// every earlier session. Returns (nil, nil) if no such checkpoint
// exists.
func (s *Store) ReadCommitted(ctx context.Context, checkpointID ids.CheckpointID) (*Summary, []SessionContent, error) {
	_, entries, err := s.metadataRefEntries(ctx)
	if err != nil {
		return nil, nil, err
	}

	basePath := checkpointID.Path()
	summary, ok := s.readSummary(entries, basePath)
	if !ok {
		return nil, nil, nil //nolint:nilnil // absence is the expected case
	}

	var sessions []SessionContent
	for i := range summary.Sessions {
		if summary.Sessions[i] == "" {
			continue
		}
		content, err := s.readSessionContent(ctx, entries, basePath, i)
		if err != nil {
			continue
		}
		sessions = append(sessions, *content)
	}

	return &summary.Summary, sessions, nil
}

// ReadSessionContent reads a single session's folder within a
// checkpoint by session ID, searching every session index for a match.
func (s *Store) ReadSessionContent(ctx context.Context, checkpointID ids.CheckpointID, sessionID string) (*SessionContent, error) {
	_, entries, err := s.metadataRefEntries(ctx)
	if err != nil {
		return nil, err
	}

	basePath := checkpointID.Path()
	summary, ok := s.readSummary(entries, basePath)
	if !ok {
		return nil, nil //nolint:nilnil
	}

	for i := range summary.Sessions {
		content, err := s.readSessionContent(ctx, entries, basePath, i)
		if err != nil {
			continue
		}
		if content.SessionID == sessionID {
			return content, nil
		}
	}
	return nil, nil //nolint:nilnil
}

// ListCommitted lists every checkpoint on the metadata ref.
func (s *Store) ListCommitted(ctx context.Context) ([]CommittedInfo, error) {
	_, entries, err := s.metadataRefEntries(ctx)
	if err != nil {
		return nil, err
	}

	bases := make(map[string]bool)
	for path := range entries {
		parts := strings.SplitN(path, "/", 3)
		if len(parts) == 3 && parts[2] == metadataFileName {
			bases[parts[0]+"/"+parts[1]] = true
		}
	}

	var out []CommittedInfo
	for base := range bases {
		summary, ok := s.readSummary(entries, base)
		if !ok {
			continue
		}
		out = append(out, CommittedInfo{
			CheckpointID:     summary.Summary.CheckpointID,
			CreatedAt:        summary.Summary.CreatedAt,
			CheckpointsCount: summary.Summary.CheckpointsCount,
			FilesTouched:     summary.Summary.FilesTouched,
			Agent:            summary.Summary.Agent,
			IsTask:           summary.Summary.IsTask,
			ToolUseID:        summary.Summary.ToolUseID,
			SessionCount:     summary.Summary.SessionCount,
			SessionIDs:       summary.Summary.SessionIDs,
		})
		if len(summary.Summary.SessionIDs) > 0 {
			out[len(out)-1].SessionID = summary.Summary.SessionIDs[len(summary.Summary.SessionIDs)-1]
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) metadataRefEntries(ctx context.Context) (parentHash string, entries map[string]vcs.TreeEntry, err error) {
	hash, err := s.vcs.ResolveRef(ctx, s.metadataRef)
	if vcs.IsNotFound(err) {
		return "", make(map[string]vcs.TreeEntry), nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("checkpoint: resolving metadata ref: %w", err)
	}

	commit, err := s.vcs.ReadCommit(ctx, hash)
	if err != nil {
		return "", nil, fmt.Errorf("checkpoint: reading metadata ref tip: %w", err)
	}
	entries, err = s.vcs.ListTree(ctx, commit.TreeHash)
	if err != nil {
		return "", nil, fmt.Errorf("checkpoint: flattening metadata tree: %w", err)
	}
	return hash, entries, nil
}

func (s *Store) writeSessionFiles(ctx context.Context, entries map[string]vcs.TreeEntry, sessionPath string, opts WriteCommittedOptions) error {
	if len(opts.Transcript) > 0 {
		var splitter Splitter = JSONLSplitter{}
		chunks, err := splitter.Split(opts.Transcript, MaxChunkSize)
		if err != nil {
			return fmt.Errorf("checkpoint: chunking transcript: %w", err)
		}
		names := chunkFileNames(transcriptFileName, len(chunks))
		for i, chunk := range chunks {
			hash, err := s.vcs.WriteBlob(ctx, chunk)
			if err != nil {
				return fmt.Errorf("checkpoint: writing transcript chunk %d: %w", i+1, err)
			}
			path := sessionPath + "/" + names[i]
			entries[path] = vcs.TreeEntry{Path: path, Mode: vcs.ModeRegular, Hash: hash}
		}

		contentHash, err := s.vcs.WriteBlob(ctx, []byte(fmt.Sprintf("%x\n", sha256Sum(opts.Transcript))))
		if err != nil {
			return fmt.Errorf("checkpoint: writing content hash blob: %w", err)
		}
		hashPath := sessionPath + "/" + contentHashFileName
		entries[hashPath] = vcs.TreeEntry{Path: hashPath, Mode: vcs.ModeRegular, Hash: contentHash}
	}

	if len(opts.Prompts) > 0 {
		hash, err := s.vcs.WriteBlob(ctx, []byte(strings.Join(opts.Prompts, "\n\n---\n\n")))
		if err != nil {
			return fmt.Errorf("checkpoint: writing prompt blob: %w", err)
		}
		path := sessionPath + "/" + promptFileName
		entries[path] = vcs.TreeEntry{Path: path, Mode: vcs.ModeRegular, Hash: hash}
	}

	if len(opts.Context) > 0 {
		hash, err := s.vcs.WriteBlob(ctx, opts.Context)
		if err != nil {
			return fmt.Errorf("checkpoint: writing context blob: %w", err)
		}
		path := sessionPath + "/" + contextFileName
		entries[path] = vcs.TreeEntry{Path: path, Mode: vcs.ModeRegular, Hash: hash}
	}

	metadata := CommittedMetadata{
		CheckpointID:                opts.CheckpointID,
		SessionID:                   opts.SessionID,
		Strategy:                    opts.Strategy,
		CreatedAt:                   time.Now().UTC(),
		Branch:                      opts.Branch,
		CheckpointsCount:            opts.CheckpointsCount,
		FilesTouched:                opts.FilesTouched,
		Agent:                       opts.Agent,
		TurnID:                      opts.TurnID,
		TranscriptIdentifierAtStart: opts.TranscriptIdentifierAtStart,
		CheckpointTranscriptStart:   opts.CheckpointTranscriptStart,
		TokenUsage:                  opts.TokenUsage,
		Summary:                     opts.Summary,
		InitialAttribution:          opts.InitialAttribution,
		IsTask:                      opts.IsTask,
		ToolUseID:                   opts.ToolUseID,
	}
	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshaling session metadata: %w", err)
	}
	hash, err := s.vcs.WriteBlob(ctx, append(data, '\n'))
	if err != nil {
		return fmt.Errorf("checkpoint: writing session metadata blob: %w", err)
	}
	path := sessionPath + "/" + metadataFileName
	entries[path] = vcs.TreeEntry{Path: path, Mode: vcs.ModeRegular, Hash: hash}
	return nil
}

// summaryWithSessions pairs the public Summary with the internal
// session-index -> sessionID slice used to find/reuse subdirectories;
// Summary.SessionIDs is the same data but doesn't preserve empty slots
// for indices a session was removed from.
type summaryWithSessions struct {
	Summary  Summary
	Sessions []string
}

func (s *Store) readSummary(entries map[string]vcs.TreeEntry, basePath string) (summaryWithSessions, bool) {
	entry, ok := entries[basePath+"/"+metadataFileName]
	if !ok {
		return summaryWithSessions{}, false
	}
	data, err := s.vcs.ReadFile(context.Background(), entry.Hash)
	if err != nil {
		return summaryWithSessions{}, false
	}
	var summary Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return summaryWithSessions{}, false
	}
	return summaryWithSessions{Summary: summary, Sessions: summary.SessionIDs}, true
}

func (s *Store) writeSummary(ctx context.Context, entries map[string]vcs.TreeEntry, basePath string, summary summaryWithSessions) error {
	data, err := json.MarshalIndent(summary.Summary, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshaling checkpoint summary: %w", err)
	}
	hash, err := s.vcs.WriteBlob(ctx, append(data, '\n'))
	if err != nil {
		return fmt.Errorf("checkpoint: writing checkpoint summary blob: %w", err)
	}
	path := basePath + "/" + metadataFileName
	entries[path] = vcs.TreeEntry{Path: path, Mode: vcs.ModeRegular, Hash: hash}
	return nil
}

// readSessionContent reads one session's four subtree blobs — metadata,
// transcript, prompts, context — concurrently, since each is an
// independent blob lookup against the same read-only tree snapshot.
func (s *Store) readSessionContent(ctx context.Context, entries map[string]vcs.TreeEntry, basePath string, index int) (*SessionContent, error) {
	sessionPath := fmt.Sprintf("%s/%d", basePath, index+1)

	var (
		wg          sync.WaitGroup
		metadata    CommittedMetadata
		metaErr     error
		transcript  []byte
		prompts     string
		contextData string
	)

	wg.Add(4)
	go func() {
		defer wg.Done()
		metaEntry, ok := entries[sessionPath+"/"+metadataFileName]
		if !ok {
			metaErr = fmt.Errorf("checkpoint: no metadata at %s", sessionPath)
			return
		}
		data, err := s.vcs.ReadFile(ctx, metaEntry.Hash)
		if err != nil {
			metaErr = err
			return
		}
		metaErr = json.Unmarshal(data, &metadata)
	}()
	go func() {
		defer wg.Done()
		if data, err := s.readChunkedFile(ctx, entries, sessionPath, transcriptFileName, JSONLSplitter{}); err == nil {
			transcript = data
		}
	}()
	go func() {
		defer wg.Done()
		if entry, ok := entries[sessionPath+"/"+promptFileName]; ok {
			if data, err := s.vcs.ReadFile(ctx, entry.Hash); err == nil {
				prompts = string(data)
			}
		}
	}()
	go func() {
		defer wg.Done()
		if entry, ok := entries[sessionPath+"/"+contextFileName]; ok {
			if data, err := s.vcs.ReadFile(ctx, entry.Hash); err == nil {
				contextData = string(data)
			}
		}
	}()
	wg.Wait()

	if metaErr != nil {
		return nil, metaErr
	}

	return &SessionContent{
		SessionID:   metadata.SessionID,
		FolderIndex: index + 1,
		Metadata:    metadata,
		Transcript:  transcript,
		Prompts:     prompts,
		Context:     contextData,
	}, nil
}

// readChunkedFile reads baseName back from sessionPath, transparently
// reassembling it if it was split across baseName.1, baseName.2, ...
// by writeSessionFiles.
func (s *Store) readChunkedFile(ctx context.Context, entries map[string]vcs.TreeEntry, sessionPath, baseName string, splitter Splitter) ([]byte, error) {
	if entry, ok := entries[sessionPath+"/"+baseName]; ok {
		return s.vcs.ReadFile(ctx, entry.Hash)
	}

	var chunks [][]byte
	for i := 1; ; i++ {
		entry, ok := entries[fmt.Sprintf("%s/%s.%d", sessionPath, baseName, i)]
		if !ok {
			break
		}
		data, err := s.vcs.ReadFile(ctx, entry.Hash)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, data)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("checkpoint: no %s at %s", baseName, sessionPath)
	}
	return splitter.Reassemble(chunks)
}

// findSessionIndex returns the 1-based subdirectory index a session
// should write to: the index it already occupies, or the next free
// slot after every existing session.
func findSessionIndex(existing summaryWithSessions, sessionID string) int {
	for i, id := range existing.Sessions {
		if id == sessionID {
			return i + 1
		}
	}
	return len(existing.Sessions) + 1
}

func mergeSummary(existing summaryWithSessions, opts WriteCommittedOptions, sessionIndex int) summaryWithSessions {
	sessionIDs := append([]string{}, existing.Sessions...)
	for len(sessionIDs) < sessionIndex {
		sessionIDs = append(sessionIDs, "")
	}
	sessionIDs[sessionIndex-1] = opts.SessionID

	filesTouched := mergeUniqueSorted(existing.Summary.FilesTouched, opts.FilesTouched)

	createdAt := existing.Summary.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	return summaryWithSessions{
		Sessions: sessionIDs,
		Summary: Summary{
			CheckpointID:     opts.CheckpointID,
			CreatedAt:        createdAt,
			CheckpointsCount: opts.CheckpointsCount,
			FilesTouched:     filesTouched,
			Agent:            opts.Agent,
			IsTask:           opts.IsTask,
			ToolUseID:        opts.ToolUseID,
			SessionCount:     len(sessionIDs),
			SessionIDs:       sessionIDs,
		},
	}
}

func mergeUniqueSorted(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, v := range append(append([]string{}, a...), b...) {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func nonEmpty(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
