package main

import (
	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/spf13/cobra"

	"github.com/forest6511/ssiagent/pkg/agent"
	"github.com/forest6511/ssiagent/pkg/crypto"
	"github.com/forest6511/ssiagent/pkg/errs"
	"github.com/forest6511/ssiagent/pkg/wallet"
)

var walletResetForce bool

func init() {
	rootCmd.AddCommand(walletCmd)
	walletCmd.AddCommand(walletCreateCmd, walletOpenCmd, walletResetCmd, walletPasswdCmd)

	walletResetCmd.Flags().BoolVarP(&walletResetForce, "force", "f", false, "confirm removal of the wallet and all its files")
}

// walletCmd is the parent command for wallet operations
var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Wallet lifecycle operations",
}

type walletCreateResult struct {
	Path     string   `json:"path" yaml:"path"`
	Strength string   `json:"password_strength" yaml:"password_strength"`
	Warnings []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

var walletCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new encrypted wallet",
	Long: `Create a new wallet at --wallet. The password is read from
SSIAGENT_PASSWORD or prompted for. The wallet is left closed.

Files created next to the wallet:
  <wallet>.kdf.json     Argon2id salt and costs
  <wallet>.audit.jsonl  HMAC-chained audit log`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		defer err2.Handle(&err)

		path := try.To1(walletPath())
		password := try.To1(readNewSecret(cmd, keyPassword, "Enter wallet password: ", "Confirm wallet password: "))
		defer crypto.SecureWipe(password)

		// Warnings are advisory; length limits are enforced by Create.
		check := wallet.CheckPassword(string(password))

		try.To(withAgent(func(a *agent.Agent) error {
			return a.CreateWallet(path, string(password))
		}))
		return printResult(cmd, walletCreateResult{
			Path:     path,
			Strength: check.Strength.String(),
			Warnings: check.Warnings,
		})
	},
}

type walletOpenResult struct {
	Path     string `json:"path" yaml:"path"`
	Own      int    `json:"own_dids" yaml:"own_dids"`
	External int    `json:"external_dids" yaml:"external_dids"`
}

var walletOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Check that the wallet opens with its password",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOpenWallet(cmd, func(a *agent.Agent) (err error) {
			defer err2.Handle(&err)

			w := try.To1(a.Wallet())
			recs := try.To1(a.ListDIDs(wallet.FilterAll))
			res := walletOpenResult{Path: w.Path()}
			for _, r := range recs {
				if r.Ownership == wallet.Own {
					res.Own++
				} else {
					res.External++
				}
			}
			return printResult(cmd, res)
		})
	},
}

type pathResult struct {
	Path string `json:"path" yaml:"path"`
}

var walletResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the wallet, its sidecar, journal files and audit log",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		defer err2.Handle(&err)

		path := try.To1(walletPath())
		if !walletResetForce {
			return errs.New(errs.InvalidArgument, "wallet reset removes all keys; rerun with --force")
		}
		try.To(withAgent(func(a *agent.Agent) error {
			return a.DestroyWallet(path)
		}))
		return printResult(cmd, pathResult{Path: path})
	},
}

var walletPasswdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the wallet password",
	Long: `Change the wallet password by re-wrapping the data encryption key
under a key derived from the new password with a fresh salt. Private keys
are not re-encrypted. Passwords come from SSIAGENT_PASSWORD and
SSIAGENT_NEW_PASSWORD or are prompted for.`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		defer err2.Handle(&err)

		path := try.To1(walletPath())
		current := try.To1(readSecret(cmd, keyPassword, "Enter current password: "))
		defer crypto.SecureWipe(current)

		return withAgent(func(a *agent.Agent) (err error) {
			defer err2.Handle(&err)

			try.To(a.OpenWallet(path, string(current)))
			next := try.To1(readNewSecret(cmd, keyNewPassword, "Enter new password: ", "Confirm new password: "))
			defer crypto.SecureWipe(next)

			check := wallet.CheckPassword(string(next))
			try.To(a.ChangeWalletPassword(string(current), string(next)))
			return printResult(cmd, walletCreateResult{
				Path:     path,
				Strength: check.Strength.String(),
				Warnings: check.Warnings,
			})
		})
	},
}
