package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/keywatch/keywatch/internal/core"
	"github.com/keywatch/keywatch/internal/output"
)

var sessionListArchived bool

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage secure sessions with recipient devices",
}

var sessionAddCmd = &cobra.Command{
	Use:   "add <recipient> <device-id>",
	Short: "Record an active session with a recipient device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		recipientID, err := core.ParseRecipientID(args[0])
		if err != nil {
			return err
		}
		deviceID, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid device id %q: %w", args[1], err)
		}

		db, err := openStore(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		session, err := db.CreateSession(cmd.Context(), recipientID, deviceID)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Created session %d for %s device %d\n",
			session.ID, session.RecipientID, session.DeviceID)
		return err
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list <recipient>",
	Short: "List sessions with a recipient",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recipientID, err := core.ParseRecipientID(args[0])
		if err != nil {
			return err
		}

		db, err := openStore(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		sessions, err := db.ListSessions(cmd.Context(), recipientID, sessionListArchived)
		if err != nil {
			return err
		}
		return writeView(cmd, output.SessionsView(sessions))
	},
}

func init() {
	sessionListCmd.Flags().BoolVar(&sessionListArchived, "archived", false, "Include archived sessions")
	addOutputFlags(sessionListCmd)

	sessionCmd.AddCommand(sessionAddCmd)
	sessionCmd.AddCommand(sessionListCmd)
	rootCmd.AddCommand(sessionCmd)
}
