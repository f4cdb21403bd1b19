package cmd

import (
	"github.com/spf13/cobra"

	"github.com/keywatch/keywatch/internal/core"
	"github.com/keywatch/keywatch/internal/observability"
	"github.com/keywatch/keywatch/internal/output"
)

var fetchForce bool

var fetchCmd = &cobra.Command{
	Use:   "fetch <recipient>...",
	Short: "Fetch profiles and reconcile identity keys",
	Long: `Fetch the public profile of each recipient, compare its identity key
with the stored one and archive sessions when the key changed.

Recipients fetched within the throttle window are skipped unless --force
is given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recipients, err := parseRecipients(args)
		if err != nil {
			return err
		}

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

		p, err := newPipeline(ctx, cfg, db, pipelineOptions{
			ForceRefresh: fetchForce,
			Logger:       observability.Current(),
		})
		if err != nil {
			return err
		}

		for _, recipientID := range recipients {
			p.Coordinator.FetchProfile(ctx, recipientID)
		}
		p.Close()

		return writeView(cmd, output.FetchResultsView(orderResults(recipients, p.Results())))
	},
}

func parseRecipients(args []string) ([]core.RecipientID, error) {
	seen := make(map[core.RecipientID]bool, len(args))
	recipients := make([]core.RecipientID, 0, len(args))
	for _, arg := range args {
		id, err := core.ParseRecipientID(arg)
		if err != nil {
			return nil, err
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		recipients = append(recipients, id)
	}
	return recipients, nil
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().BoolVar(&fetchForce, "force", false, "Ignore the throttle window")
	addOutputFlags(fetchCmd)
}
