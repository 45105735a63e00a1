package main

import (
	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/spf13/cobra"

	"github.com/forest6511/ssiagent/pkg/agent"
)

var (
	ledgerDID        string
	schemaName       string
	schemaVersion    string
	schemaAttrs      []string
	credDefSchema    string
	credDefTag       string
	credDefRevocable bool
)

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerSchemaCmd, ledgerCredDefCmd)
	ledgerSchemaCmd.AddCommand(schemaWriteCmd, schemaGetCmd)
	ledgerCredDefCmd.AddCommand(credDefWriteCmd, credDefGetCmd)

	for _, c := range []*cobra.Command{schemaWriteCmd, credDefWriteCmd} {
		c.Flags().StringVar(&ledgerDID, "did", "", "issuer DID (required)")
		_ = c.MarkFlagRequired("did")
	}
	schemaWriteCmd.Flags().StringVar(&schemaName, "name", "", "schema name (required)")
	schemaWriteCmd.Flags().StringVar(&schemaVersion, "version", "", "schema version (required)")
	schemaWriteCmd.Flags().StringSliceVarP(&schemaAttrs, "attr", "a", nil, "attribute names, repeatable or comma separated")
	_ = schemaWriteCmd.MarkFlagRequired("name")
	_ = schemaWriteCmd.MarkFlagRequired("version")
	_ = schemaWriteCmd.MarkFlagRequired("attr")

	credDefWriteCmd.Flags().StringVar(&credDefSchema, "schema", "", "schema id (required)")
	credDefWriteCmd.Flags().StringVar(&credDefTag, "tag", "default", "credential definition tag")
	credDefWriteCmd.Flags().BoolVar(&credDefRevocable, "revocation", false, "support revocation")
	_ = credDefWriteCmd.MarkFlagRequired("schema")
}

// ledgerCmd is the parent command for the local ledger mirror
var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Schemas and credential definitions on the local ledger mirror",
	Long: `The ledger mirror is a local bbolt file set with --ledger or
SSIAGENT_LEDGER. Identifiers are derived from their inputs, so writing the
same schema twice returns the same id.`,
}

var ledgerSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Schema operations",
}

var ledgerCredDefCmd = &cobra.Command{
	Use:     "creddef",
	Aliases: []string{"cred-def"},
	Short:   "Credential definition operations",
}

type idResult struct {
	ID string `json:"id" yaml:"id"`
}

// withLedger runs fn with the configured ledger mirror connected.
func withLedger(fn func(a *agent.Agent) error) error {
	return withAgent(func(a *agent.Agent) (err error) {
		defer err2.Handle(&err)

		try.To(a.ConnectLedger(""))
		return fn(a)
	})
}

var schemaWriteCmd = &cobra.Command{
	Use:   "write",
	Short: "Register a schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(a *agent.Agent) (err error) {
			defer err2.Handle(&err)

			id := try.To1(a.WriteSchema(ledgerDID, schemaName, schemaVersion, schemaAttrs))
			return printResult(cmd, idResult{ID: id})
		})
	},
}

var schemaGetCmd = &cobra.Command{
	Use:   "get <schema-id>",
	Short: "Fetch a schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(a *agent.Agent) (err error) {
			defer err2.Handle(&err)
			return printResult(cmd, try.To1(a.GetSchema(args[0])))
		})
	},
}

var credDefWriteCmd = &cobra.Command{
	Use:   "write",
	Short: "Register a credential definition for a schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(a *agent.Agent) (err error) {
			defer err2.Handle(&err)

			id := try.To1(a.WriteCredDef(ledgerDID, credDefSchema, credDefTag, credDefRevocable))
			return printResult(cmd, idResult{ID: id})
		})
	},
}

var credDefGetCmd = &cobra.Command{
	Use:   "get <creddef-id>",
	Short: "Fetch a credential definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(a *agent.Agent) (err error) {
			defer err2.Handle(&err)
			return printResult(cmd, try.To1(a.GetCredDef(args[0])))
		})
	},
}
