package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/keywatch/keywatch/internal/core/engine"
	"github.com/keywatch/keywatch/internal/core/store"
	"github.com/keywatch/keywatch/internal/output"
)

var (
	attemptsListPrefix string

	attemptsResetAll       bool
	attemptsResetRecipient string
	attemptsResetPrefix    string
	attemptsResetYes       bool
	attemptsResetDryRun    bool
)

// confirmReset is replaced in tests.
var confirmReset = confirm

var attemptsCmd = &cobra.Command{
	Use:   "attempts",
	Short: "Inspect and reset persisted fetch attempts",
	Long: `Fetch attempts drive the throttle window. Resetting them lets the next
fetch for a recipient run immediately.

The budgets subcommand shows requests spent per profile service host and any
cooldown the service asked for with a 429 answer.`,
}

var attemptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the last fetch attempt of each recipient",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		query := store.AttemptQuery{All: true}
		if prefix := strings.TrimSpace(attemptsListPrefix); prefix != "" {
			query = store.AttemptQuery{Prefix: prefix}
		}

		db, err := openStore(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		attempts, err := db.ListFetchAttempts(cmd.Context(), query)
		if err != nil {
			return err
		}
		return writeView(cmd, output.AttemptsView(attempts))
	},
}

var attemptsBudgetsCmd = &cobra.Command{
	Use:   "budgets",
	Short: "Show the request budget spent against each profile service host",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Context())
		if err != nil {
			return err
		}
		db, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		budgets, err := db.ListHostBudgets(cmd.Context())
		if err != nil {
			return err
		}

		limiter := &engine.HostLimiter{}
		limiter.Configure(cfg.RateLimits, cfg.RateLimitMargin)
		return writeView(cmd, output.HostBudgetsView(budgets, limiter.Limit, time.Now()))
	},
}

// ResetRecord reports what an attempts reset matched and removed.
type ResetRecord struct {
	Matched int   `json:"matched" yaml:"matched"`
	Deleted int64 `json:"deleted" yaml:"deleted"`
	DryRun  bool  `json:"dry_run" yaml:"dry_run"`
}

var attemptsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete persisted fetch attempts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		query := store.AttemptQuery{
			All:       attemptsResetAll,
			Recipient: strings.TrimSpace(attemptsResetRecipient),
			Prefix:    strings.TrimSpace(attemptsResetPrefix),
		}
		if err := query.Validate(); err != nil {
			return err
		}

		db, err := openStore(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		matched, err := db.CountFetchAttempts(cmd.Context(), query)
		if err != nil {
			return err
		}

		if attemptsResetDryRun {
			return writeView(cmd, resetView(ResetRecord{Matched: matched, DryRun: true}))
		}

		if query.All && !attemptsResetYes {
			prompt := fmt.Sprintf("Delete %d fetch attempt(s)?", matched)
			if !confirmReset(cmd.ErrOrStderr(), prompt) {
				return errors.New("--all requires --yes or interactive confirmation (or use --dry-run)")
			}
		}

		deleted, err := db.ResetFetchAttempts(cmd.Context(), query)
		if err != nil {
			return err
		}
		return writeView(cmd, resetView(ResetRecord{Matched: matched, Deleted: deleted}))
	},
}

func resetView(record ResetRecord) output.View {
	summary := fmt.Sprintf("deleted %d of %d", record.Deleted, record.Matched)
	if record.DryRun {
		summary = fmt.Sprintf("would delete %d", record.Matched)
	}
	return output.View{
		Title:  "Fetch attempt reset",
		Header: []string{"Matched", "Deleted", "Dry run", "Summary"},
		Rows: [][]string{{
			fmt.Sprint(record.Matched),
			fmt.Sprint(record.Deleted),
			fmt.Sprint(record.DryRun),
			summary,
		}},
		Data: record,
	}
}

func init() {
	attemptsListCmd.Flags().StringVar(&attemptsListPrefix, "prefix", "", "Only list recipients with this prefix")
	addOutputFlags(attemptsListCmd)
	addOutputFlags(attemptsBudgetsCmd)

	attemptsResetCmd.Flags().BoolVar(&attemptsResetAll, "all", false, "Reset every recipient")
	attemptsResetCmd.Flags().StringVar(&attemptsResetRecipient, "recipient", "", "Reset a single recipient (exact match)")
	attemptsResetCmd.Flags().StringVar(&attemptsResetPrefix, "prefix", "", "Reset recipients with matching prefix")
	attemptsResetCmd.Flags().BoolVar(&attemptsResetYes, "yes", false, "Confirm destructive reset")
	attemptsResetCmd.Flags().BoolVar(&attemptsResetDryRun, "dry-run", false, "Show what would be deleted")
	addOutputFlags(attemptsResetCmd)

	attemptsCmd.AddCommand(attemptsListCmd)
	attemptsCmd.AddCommand(attemptsResetCmd)
	attemptsCmd.AddCommand(attemptsBudgetsCmd)
	rootCmd.AddCommand(attemptsCmd)
}
