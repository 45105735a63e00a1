package main

import (
	"time"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/forest6511/ssiagent/pkg/agent"
	"github.com/forest6511/ssiagent/pkg/crypto"
)

var (
	backupOut    string
	backupIn     string
	backupForce  bool
	backupReveal bool
)

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupCreateCmd, backupRecoverCmd, backupVerifyCmd)

	backupCreateCmd.Flags().StringVarP(&backupOut, "out", "O", "", "backup file to write (required)")
	backupCreateCmd.Flags().BoolVarP(&backupForce, "force", "f", false, "overwrite an existing backup file")
	_ = backupCreateCmd.MarkFlagRequired("out")

	for _, c := range []*cobra.Command{backupRecoverCmd, backupVerifyCmd} {
		c.Flags().StringVarP(&backupIn, "in", "i", "", "backup file to read (required)")
		_ = c.MarkFlagRequired("in")
	}
	backupRecoverCmd.Flags().BoolVar(&backupReveal, "reveal", false, "print the recovered wallet password")
}

// backupCmd is the parent command for password backups
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up the wallet password under a separate passphrase",
	Long: `A backup holds only the wallet password, encrypted with
XChaCha20-Poly1305 under a key derived from the backup passphrase with
Argon2id. Keep it apart from the wallet file.

The passphrase comes from SSIAGENT_BACKUP_PASSPHRASE or is prompted for.`,
}

type backupCreateResult struct {
	Path      string    `json:"path" yaml:"path"`
	Version   int       `json:"version" yaml:"version"`
	Cipher    string    `json:"cipher" yaml:"cipher"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Write a backup of the wallet password",
	Long: `Create checks that the wallet password opens --wallet before
writing the backup, so a backup never holds a wrong password.`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		defer err2.Handle(&err)

		path := try.To1(walletPath())
		password := try.To1(readSecret(cmd, keyPassword, "Enter wallet password: "))
		defer crypto.SecureWipe(password)

		return withAgent(func(a *agent.Agent) (err error) {
			defer err2.Handle(&err)

			try.To(a.OpenWallet(path, string(password)))
			a.CloseWallet()

			passphrase := try.To1(readNewSecret(cmd, keyBackupPassphrase,
				"Enter backup passphrase: ", "Confirm backup passphrase: "))
			defer crypto.SecureWipe(passphrase)

			rec := try.To1(a.CreateBackup(password, string(passphrase), backupOut, backupForce))
			return printResult(cmd, backupCreateResult{
				Path:      backupOut,
				Version:   rec.Version,
				Cipher:    rec.Cipher,
				CreatedAt: rec.CreatedAt,
			})
		})
	},
}

type backupRecoverResult struct {
	Path        string `json:"path" yaml:"path"`
	Password    string `json:"password,omitempty" yaml:"password,omitempty"`
	WalletOpens *bool  `json:"wallet_opens,omitempty" yaml:"wallet_opens,omitempty"`
}

var backupRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Recover the wallet password from a backup",
	Long: `Recover decrypts the backup. The password is printed only with
--reveal. When a wallet is configured the recovered password is also
checked against it.`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		defer err2.Handle(&err)

		passphrase := try.To1(readSecret(cmd, keyBackupPassphrase, "Enter backup passphrase: "))
		defer crypto.SecureWipe(passphrase)

		return withAgent(func(a *agent.Agent) (err error) {
			defer err2.Handle(&err)

			password := try.To1(a.RecoverBackup(string(passphrase), backupIn))
			defer crypto.SecureWipe(password)

			res := backupRecoverResult{Path: backupIn}
			if backupReveal {
				res.Password = string(password)
			}
			if path := viper.GetString(keyWallet); path != "" {
				try.To(a.OpenWallet(path, string(password)))
				opens := true
				res.WalletOpens = &opens
			}
			return printResult(cmd, res)
		})
	},
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check a backup passphrase without printing the password",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		defer err2.Handle(&err)

		passphrase := try.To1(readSecret(cmd, keyBackupPassphrase, "Enter backup passphrase: "))
		defer crypto.SecureWipe(passphrase)

		return withAgent(func(a *agent.Agent) (err error) {
			defer err2.Handle(&err)
			return printResult(cmd, try.To1(a.VerifyBackup(string(passphrase), backupIn)))
		})
	},
}
