package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/forest6511/ssiagent/pkg/agent"
	"github.com/forest6511/ssiagent/pkg/envelope"
	"github.com/forest6511/ssiagent/pkg/wallet"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script for your shell",
	Long: `To load completions:

Bash:
  $ source <(ssiagent completion bash)

Zsh:
  $ ssiagent completion zsh > ~/.zsh/completions/_ssiagent

Fish:
  $ ssiagent completion fish > ~/.config/fish/completions/ssiagent.fish

PowerShell:
  PS> ssiagent completion powershell >> $PROFILE

Dynamic completion (DIDs and aliases):
  Set SSIAGENT_COMPLETION_ENABLED=1. The wallet password must be in
  SSIAGENT_PASSWORD; completion never prompts.
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(out)
		case "zsh":
			return cmd.Root().GenZshCompletion(out)
		case "fish":
			return cmd.Root().GenFishCompletion(out, true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(out)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
	registerCompletionFunctions()
}

// isDynamicCompletionEnabled checks if dynamic completion is opt-in enabled.
// It is off by default so tab completion never opens the wallet unasked.
func isDynamicCompletionEnabled() bool {
	return os.Getenv(envName("completion-enabled")) == "1"
}

// completeDIDs completes DIDs and aliases from the configured wallet.
func completeDIDs(filter wallet.Filter) func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
	return func(_ *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if !isDynamicCompletionEnabled() {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		password := viper.GetString(keyPassword)
		path := viper.GetString(keyWallet)
		if password == "" || path == "" {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		var recs []*wallet.KeyRecord
		err := withAgent(func(a *agent.Agent) error {
			if err := a.OpenWallet(path, password); err != nil {
				return err
			}
			var err error
			recs, err = a.ListDIDs(filter)
			return err
		})
		if err != nil {
			return nil, cobra.ShellCompDirectiveError
		}
		return completionCandidates(recs, toComplete), cobra.ShellCompDirectiveNoFileComp
	}
}

// completionCandidates returns the DIDs and aliases of recs that start
// with prefix, aliases compared case-insensitively.
func completionCandidates(recs []*wallet.KeyRecord, prefix string) []string {
	lowerPrefix := strings.ToLower(prefix)
	var out []string
	for _, r := range recs {
		if strings.HasPrefix(r.DID, prefix) {
			out = append(out, r.DID)
		}
		if r.Alias != "" && strings.HasPrefix(strings.ToLower(r.Alias), lowerPrefix) {
			out = append(out, r.Alias)
		}
	}
	return out
}

func completeModes(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
	return []string{
		string(envelope.ModeNone),
		string(envelope.ModeAnoncrypt),
		string(envelope.ModeAuthcrypt),
	}, cobra.ShellCompDirectiveNoFileComp
}

// registerCompletionFunctions registers ValidArgsFunction for commands that
// take DIDs.
func registerCompletionFunctions() {
	didAliasCmd.ValidArgsFunction = completeDIDs(wallet.FilterAll)
	didDeleteCmd.ValidArgsFunction = completeDIDs(wallet.FilterAll)

	_ = envelopePackCmd.RegisterFlagCompletionFunc("mode", completeModes)
	_ = envelopePackCmd.RegisterFlagCompletionFunc("from", completeDIDs(wallet.FilterOwn))
	_ = envelopePackCmd.RegisterFlagCompletionFunc("to", completeDIDs(wallet.FilterAll))
	_ = envelopeUnpackCmd.RegisterFlagCompletionFunc("as", completeDIDs(wallet.FilterOwn))
	_ = schemaWriteCmd.RegisterFlagCompletionFunc("did", completeDIDs(wallet.FilterOwn))
	_ = credDefWriteCmd.RegisterFlagCompletionFunc("did", completeDIDs(wallet.FilterOwn))
}
