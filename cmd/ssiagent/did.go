package main

import (
	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/spf13/cobra"

	"github.com/forest6511/ssiagent/internal/cli"
	"github.com/forest6511/ssiagent/pkg/agent"
	"github.com/forest6511/ssiagent/pkg/crypto"
	"github.com/forest6511/ssiagent/pkg/errs"
	"github.com/forest6511/ssiagent/pkg/wallet"
)

// Secret DID inputs, from the environment or config file only.
const (
	keySeed     = "seed"
	keyMnemonic = "mnemonic"
)

var (
	didAlias       string
	didNewMnemonic bool
	didFromSeed    bool
	didFromWords   bool
	didListFilter  string
	didListMatch   string
	didDeleteYes   bool
)

func init() {
	rootCmd.AddCommand(didCmd)
	didCmd.AddCommand(didCreateCmd, didImportCmd, didStoreCmd, didListCmd, didAliasCmd, didDeleteCmd)

	for _, c := range []*cobra.Command{didCreateCmd, didImportCmd, didStoreCmd} {
		c.Flags().StringVar(&didAlias, "alias", "", "alias for the DID")
	}
	didCreateCmd.Flags().BoolVar(&didNewMnemonic, "mnemonic", false, "derive the key from a new BIP-39 mnemonic and print it once")
	didImportCmd.Flags().BoolVar(&didFromSeed, "seed", false, "import from a 32-byte seed ("+envName(keySeed)+" or prompt)")
	didImportCmd.Flags().BoolVar(&didFromWords, "mnemonic", false, "import from a BIP-39 mnemonic ("+envName(keyMnemonic)+" or prompt)")
	didImportCmd.MarkFlagsMutuallyExclusive("seed", "mnemonic")
	didImportCmd.MarkFlagsOneRequired("seed", "mnemonic")
	didListCmd.Flags().StringVar(&didListFilter, "filter", "all", "ownership filter: own, external or all")
	didDeleteCmd.Flags().BoolVarP(&didDeleteYes, "yes", "y", false, "allow deleting more than one DID")
	didListCmd.Flags().StringVar(&didListMatch, "match", "", "glob on DID, verkey or alias (e.g. 'issuer-*')")
}

// didCmd is the parent command for DID operations
var didCmd = &cobra.Command{
	Use:   "did",
	Short: "DID and key record operations",
}

type didCreateResult struct {
	*wallet.KeyRecord `yaml:",inline"`
	Mnemonic          string `json:"mnemonic,omitempty" yaml:"mnemonic,omitempty"`
}

var didCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Generate a new own DID",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOpenWallet(cmd, func(a *agent.Agent) (err error) {
			defer err2.Handle(&err)

			if !didNewMnemonic {
				return printResult(cmd, try.To1(a.CreateDID(didAlias)))
			}
			mnemonic := try.To1(wallet.NewMnemonic())
			rec := try.To1(a.ImportDIDFromMnemonic(mnemonic, didAlias))
			return printResult(cmd, didCreateResult{KeyRecord: rec, Mnemonic: mnemonic})
		})
	},
}

var didImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import an own DID from a seed or mnemonic",
	Long: `Import an own DID. Importing the same seed twice returns the existing
record. A seed is 32 raw characters (Indy style) or hex or base64 text of
32 bytes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOpenWallet(cmd, func(a *agent.Agent) (err error) {
			defer err2.Handle(&err)

			if didFromWords {
				words := try.To1(readSecret(cmd, keyMnemonic, "Enter mnemonic: "))
				return printResult(cmd, try.To1(a.ImportDIDFromMnemonic(string(words), didAlias)))
			}
			seed := try.To1(readSecret(cmd, keySeed, "Enter seed: "))
			defer crypto.SecureWipe(seed)
			return printResult(cmd, try.To1(a.ImportDID(seed, didAlias)))
		})
	},
}

var didStoreCmd = &cobra.Command{
	Use:   "store <did> <verkey>",
	Short: "Store a third party DID and verkey",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOpenWallet(cmd, func(a *agent.Agent) (err error) {
			defer err2.Handle(&err)
			return printResult(cmd, try.To1(a.StoreTheirDID(args[0], args[1], didAlias)))
		})
	},
}

var didListCmd = &cobra.Command{
	Use:   "list",
	Short: "List DIDs in insertion order",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOpenWallet(cmd, func(a *agent.Agent) (err error) {
			defer err2.Handle(&err)

			filter := try.To1(wallet.ParseFilter(didListFilter))
			recs := try.To1(a.ListDIDs(filter))
			recs = try.To1(cli.MatchRecords(didListMatch, recs))
			if recs == nil {
				recs = []*wallet.KeyRecord{}
			}
			return printResult(cmd, recs)
		})
	},
}

var didAliasCmd = &cobra.Command{
	Use:   "alias <did> <alias>",
	Short: "Set the alias of a DID",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOpenWallet(cmd, func(a *agent.Agent) (err error) {
			defer err2.Handle(&err)

			try.To(a.SetAlias(args[0], args[1]))
			w := try.To1(a.Wallet())
			return printResult(cmd, try.To1(w.GetDID(args[0])))
		})
	},
}

type deletedResult struct {
	Deleted []string `json:"deleted" yaml:"deleted"`
}

var didDeleteCmd = &cobra.Command{
	Use:   "delete <did|alias|pattern>...",
	Short: "Delete DIDs by DID, alias or glob pattern",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOpenWallet(cmd, func(a *agent.Agent) (err error) {
			defer err2.Handle(&err)

			recs := try.To1(a.ListDIDs(wallet.FilterAll))
			dids := try.To1(cli.ExpandPatterns(args, recs))
			if len(dids) > 1 && !didDeleteYes {
				return errs.Errorf(errs.InvalidArgument, "%d DIDs match; rerun with --yes to delete them all", len(dids))
			}
			for _, did := range dids {
				try.To(a.DeleteDID(did))
			}
			return printResult(cmd, deletedResult{Deleted: dids})
		})
	},
}

