package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keywatch/keywatch/internal/core"
	apperrors "github.com/keywatch/keywatch/internal/errors"
	"github.com/keywatch/keywatch/internal/observability"
	"github.com/keywatch/keywatch/internal/output"
)

var (
	threadName         string
	threadRefreshForce bool
)

var threadCmd = &cobra.Command{
	Use:   "thread",
	Short: "Manage conversation threads",
}

var threadAddCmd = &cobra.Command{
	Use:   "add <thread-id> <recipient>...",
	Short: "Create or replace a thread and its recipients",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		recipients, err := parseRecipients(args[1:])
		if err != nil {
			return err
		}

		db, err := openStore(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		thread := core.Thread{
			ID:         strings.TrimSpace(args[0]),
			Name:       strings.TrimSpace(threadName),
			Recipients: recipients,
		}
		if err := db.SaveThread(cmd.Context(), thread); err != nil {
			return err
		}

		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Saved thread %s with %d recipient(s)\n", thread.ID, len(recipients))
		return err
	},
}

var threadListCmd = &cobra.Command{
	Use:   "list",
	Short: "List threads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		threads, err := db.ListThreads(cmd.Context())
		if err != nil {
			return err
		}
		return writeView(cmd, output.ThreadsView(threads))
	},
}

var threadRefreshCmd = &cobra.Command{
	Use:   "refresh <thread-id>",
	Short: "Fetch the profile of every recipient in a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		db, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		thread, err := db.GetThread(ctx, args[0])
		if err != nil {
			return err
		}
		if thread == nil {
			return apperrors.NewNotFoundError(fmt.Sprintf("thread %q not found", args[0]))
		}

		p, err := newPipeline(ctx, cfg, db, pipelineOptions{
			ForceRefresh: threadRefreshForce,
			Logger:       observability.Current(),
		})
		if err != nil {
			return err
		}

		p.Coordinator.RunForThread(ctx, *thread)
		p.Close()

		return writeView(cmd, output.FetchResultsView(orderResults(thread.Recipients, p.Results())))
	},
}

func init() {
	threadAddCmd.Flags().StringVar(&threadName, "name", "", "Display name for the thread")
	addOutputFlags(threadListCmd)
	threadRefreshCmd.Flags().BoolVar(&threadRefreshForce, "force", false, "Ignore the throttle window")
	addOutputFlags(threadRefreshCmd)

	threadCmd.AddCommand(threadAddCmd)
	threadCmd.AddCommand(threadListCmd)
	threadCmd.AddCommand(threadRefreshCmd)
	rootCmd.AddCommand(threadCmd)
}
