package main

import (
	"time"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/spf13/cobra"

	"github.com/forest6511/ssiagent/pkg/agent"
	"github.com/forest6511/ssiagent/pkg/audit"
)

var (
	auditLimit int
	auditSince string
	auditOp    string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd, auditVerifyCmd)

	auditListCmd.Flags().IntVarP(&auditLimit, "limit", "n", 100, "maximum number of events, 0 for all")
	auditListCmd.Flags().StringVar(&auditSince, "since", "", "only events newer than this, e.g. 24h or 7d")
	auditListCmd.Flags().StringVar(&auditOp, "op", "", "operation prefix, e.g. did. or wallet.open")
}

// auditCmd is the parent command for audit operations
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the wallet audit log",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent audit events",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		defer err2.Handle(&err)

		var since time.Time
		if auditSince != "" {
			d := try.To1(parseDuration(auditSince))
			since = time.Now().Add(-d)
		}
		return withOpenWallet(cmd, func(a *agent.Agent) (err error) {
			defer err2.Handle(&err)

			w := try.To1(a.Wallet())
			events := try.To1(w.AuditLogger().ListEvents(auditLimit, auditOp, since))
			if events == nil {
				events = []audit.Event{}
			}
			return printResult(cmd, events)
		})
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the HMAC chain of the audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withOpenWallet(cmd, func(a *agent.Agent) (err error) {
			defer err2.Handle(&err)

			w := try.To1(a.Wallet())
			return printResult(cmd, try.To1(w.AuditVerify()))
		})
	},
}
