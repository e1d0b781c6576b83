package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/stepvault/engine/internal/engine"
	"github.com/stepvault/engine/internal/ids"
	"github.com/stepvault/engine/internal/logging"
	"github.com/stepvault/engine/internal/sessionstore"
	"github.com/stepvault/engine/internal/vcs"
)

// sessionStateDir is the directory, relative to the working tree root,
// that session state JSON files live under. It sits outside .git, and a
// `git worktree add` checkout has its own working tree root, so each
// worktree keeps its own session set.
const sessionStateDir = ".stepvault/sessions"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stepvaultctl",
		Short:         "Checkpoint engine hook surface",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newRecordStepCmd())
	cmd.AddCommand(newPrepareCommitMsgCmd())
	cmd.AddCommand(newCommitMsgCmd())
	cmd.AddCommand(newPostCommitCmd())
	cmd.AddCommand(newPrePushCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newShowCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newCleanupCmd())

	return cmd
}

// openEngine opens the repository at the current directory and wires an
// Engine against it. Every subcommand calls this once; there is no
// long-lived daemon, just a cooperative single-process model driven by
// git's own hooks.
func openEngine(ctx context.Context) (*engine.Engine, func(), error) {
	store, err := vcs.Open(".")
	if err != nil {
		return nil, func() {}, fmt.Errorf("opening repository: %w", err)
	}

	sessions := sessionstore.New(store.RepoRoot() + "/" + sessionStateDir)
	metadataRef := ids.MetadataRefName("")

	if err := logging.Init(store.RepoRoot(), "stepvaultctl"); err != nil {
		logging.Warn(ctx, "failed to initialize session log file", "error", err)
	}
	cleanup := logging.Close

	return engine.New(store, sessions, metadataRef, "origin"), cleanup, nil
}

func newRecordStepCmd() *cobra.Command {
	var sessionID, worktreeID, worktreePath, subject string
	var modified, added, deleted []string

	cmd := &cobra.Command{
		Use:    "record-step",
		Short:  "Record one agent turn against the current session",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, cleanup, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			return eng.RecordStep(cmd.Context(), engine.StepInput{
				SessionID:     sessionID,
				WorktreeID:    worktreeID,
				WorktreePath:  worktreePath,
				ModifiedFiles: modified,
				NewFiles:      added,
				DeletedFiles:  deleted,
				Subject:       subject,
			})
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "agent session id")
	cmd.Flags().StringVar(&worktreeID, "worktree", "", "worktree id")
	cmd.Flags().StringVar(&worktreePath, "worktree-path", "", "worktree path")
	cmd.Flags().StringVar(&subject, "subject", "", "shadow commit subject")
	cmd.Flags().StringSliceVar(&modified, "modified", nil, "modified files")
	cmd.Flags().StringSliceVar(&added, "added", nil, "new files")
	cmd.Flags().StringSliceVar(&deleted, "deleted", nil, "deleted files")
	_ = cmd.MarkFlagRequired("session")

	return cmd
}

func newPrepareCommitMsgCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prepare-commit-msg <commit-msg-file> [source] [ref]",
		Short: "Handle the git prepare-commit-msg hook",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			var source, ref string
			if len(args) > 1 {
				source = args[1]
			}
			if len(args) > 2 {
				ref = args[2]
			}
			return eng.PrepareCommitMessage(cmd.Context(), args[0], source, ref)
		},
	}
}

func newCommitMsgCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "commit-msg <commit-msg-file>",
		Short: "Handle the git commit-msg hook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			return eng.ValidateCommitMessage(cmd.Context(), args[0])
		},
	}
}

func newPostCommitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "post-commit",
		Short: "Handle the git post-commit hook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, cleanup, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			return eng.PostCommit(cmd.Context())
		},
	}
}

func newPrePushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pre-push <remote>",
		Short: "Handle the git pre-push hook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			return eng.PrePush(cmd.Context(), args[0])
		},
	}
}

func newListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List committed checkpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, cleanup, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			checkpoints, err := eng.ListCommitted(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for i := len(checkpoints) - 1; i >= 0; i-- {
				c := checkpoints[i]
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d files\t%d sessions\n",
					c.CheckpointID, c.CreatedAt.Format("2006-01-02T15:04:05"), len(c.FilesTouched), c.SessionCount)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of checkpoints to show, most recent first")
	return cmd
}

func newShowCmd() *cobra.Command {
	var sessionIndex int
	cmd := &cobra.Command{
		Use:   "show <checkpoint-id>",
		Short: "Show a committed checkpoint's session content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			id, err := ids.NewCheckpointID(args[0])
			if err != nil {
				return err
			}

			if sessionIndex == 0 {
				summary, err := eng.ReadCommitted(cmd.Context(), id)
				if err != nil {
					return err
				}
				if summary == nil {
					return fmt.Errorf("no such checkpoint: %s", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "checkpoint %s: %d sessions, %d files\n",
					summary.CheckpointID, summary.SessionCount, len(summary.FilesTouched))
				for i, sid := range summary.SessionIDs {
					fmt.Fprintf(cmd.OutOrStdout(), "  %d. %s\n", i+1, sid)
				}
				return nil
			}

			content, err := eng.ReadSessionContent(cmd.Context(), id, sessionIndex)
			if err != nil {
				return err
			}
			if content == nil {
				return fmt.Errorf("no such session index: %d", sessionIndex)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s\n%s\n", content.SessionID, content.Transcript)
			return nil
		},
	}
	cmd.Flags().IntVar(&sessionIndex, "session", 0, "1-based session index within the checkpoint")
	return cmd
}

func newCleanupCmd() *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Find and optionally remove orphaned shadow refs and session state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, cleanup, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			orphans, err := eng.FindOrphans(cmd.Context())
			if err != nil {
				return err
			}
			if len(orphans) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to clean up")
				return nil
			}
			for _, o := range orphans {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", o.Kind, o.ID, o.Reason)
			}
			if !apply {
				fmt.Fprintln(cmd.OutOrStdout(), "rerun with --apply to remove these")
				return nil
			}
			return eng.Cleanup(cmd.Context(), orphans)
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "delete the orphaned items found")
	return cmd
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Report stuck sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, cleanup, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			stuck, err := eng.Doctor(cmd.Context())
			if err != nil {
				return err
			}
			if len(stuck) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no stuck sessions")
				return nil
			}
			for _, s := range stuck {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tstarted %s\t%s files\n",
					s.SessionID, s.StartedAt.Format("2006-01-02T15:04:05"), strconv.Itoa(len(s.FilesTouched)))
			}
			return nil
		},
	}
}
