package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keywatch/keywatch/internal/core"
	"github.com/keywatch/keywatch/internal/core/profile"
	apperrors "github.com/keywatch/keywatch/internal/errors"
	"github.com/keywatch/keywatch/internal/output"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Inspect and manage trusted identity keys",
}

var identityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trusted identity keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		records, err := db.ListIdentities(cmd.Context())
		if err != nil {
			return err
		}
		return writeView(cmd, output.IdentitiesView(records))
	},
}

var identityShowCmd = &cobra.Command{
	Use:   "show <recipient>",
	Short: "Show the trusted identity key of a recipient",
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

		record, err := db.GetIdentity(cmd.Context(), recipientID)
		if err != nil {
			return err
		}
		if record == nil {
			return apperrors.NewNotFoundError(fmt.Sprintf("no identity key stored for %s", recipientID))
		}
		return writeView(cmd, output.IdentityView(*record))
	},
}

var identitySetCmd = &cobra.Command{
	Use:   "set <recipient> <base64-key>",
	Short: "Trust an identity key verified out of band",
	Long: `Store an identity key for a recipient. The key may be given in wire form
(33 bytes with the type byte) or as bare key material (32 bytes), base64
encoded. Replacing a different key archives the recipient's sessions.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		recipientID, err := core.ParseRecipientID(args[0])
		if err != nil {
			return err
		}
		key, err := profile.ParseIdentityKey(args[1])
		if err != nil {
			return apperrors.WrapInvalidInput(cmd.Context(), err, "invalid identity key")
		}

		db, err := openStore(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		changed, err := db.SetIdentityKey(cmd.Context(), recipientID, key)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if !changed {
			_, err = fmt.Fprintf(out, "Stored identity key for %s (%s)\n", recipientID, key.Fingerprint())
			return err
		}

		archived, err := db.ArchiveSessions(cmd.Context(), recipientID)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "Replaced identity key for %s (%s); archived %d session(s)\n",
			recipientID, key.Fingerprint(), archived)
		return err
	},
}

var identityHistoryCmd = &cobra.Command{
	Use:   "history <recipient>",
	Short: "Show identity key changes for a recipient",
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

		changes, err := db.IdentityHistory(cmd.Context(), recipientID)
		if err != nil {
			return err
		}
		return writeView(cmd, output.HistoryView(recipientID, changes))
	},
}

var identityKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a Curve25519 identity key pair",
	Long: `Generate a Curve25519 identity key pair. The public key is printed in
wire form and can be served by a test profile service.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pair, err := profile.GenerateIdentityKey()
		if err != nil {
			return err
		}
		return writeView(cmd, output.KeyPairView(pair))
	},
}

func init() {
	addOutputFlags(identityListCmd)
	addOutputFlags(identityShowCmd)
	addOutputFlags(identityHistoryCmd)
	addOutputFlags(identityKeygenCmd)

	identityCmd.AddCommand(identityListCmd)
	identityCmd.AddCommand(identityShowCmd)
	identityCmd.AddCommand(identitySetCmd)
	identityCmd.AddCommand(identityHistoryCmd)
	identityCmd.AddCommand(identityKeygenCmd)
	rootCmd.AddCommand(identityCmd)
}
