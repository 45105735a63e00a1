package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/forest6511/ssiagent/pkg/agent"
	"github.com/forest6511/ssiagent/pkg/crypto"
	"github.com/forest6511/ssiagent/pkg/errs"
)

const envPrefix = "SSIAGENT"

// Output formats
const (
	outputJSON = "json"
	outputYAML = "yaml"
)

// Config keys. Flags are bound to them, and every key can also come from
// the environment (SSIAGENT_<KEY>, dots and dashes as underscores) or the
// config file.
const (
	keyWallet         = "wallet"
	keyOutput         = "output"
	keyLedger         = "ledger"
	keyMetricsFile    = "metrics-file"
	keyLogging        = "logging"
	keyKDFTime        = "kdf.time"
	keyKDFMemory      = "kdf.memory"
	keyKDFParallelism = "kdf.parallelism"

	// Secrets are never flags: environment, config file or prompt only.
	keyPassword         = "password"
	keyNewPassword      = "new-password"
	keyBackupPassphrase = "backup-passphrase"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ssiagent",
	Short: "ssiagent is an SSI agent with an encrypted local wallet",
	Long: `ssiagent manages an encrypted DID wallet, packs and unpacks agent
message envelopes (none, anoncrypt, authcrypt), backs up the wallet password
under a separate passphrase and keeps a local ledger mirror.

Every command prints {"ok": true, ...} on success or
{"ok": false, "code": ..., "message": ...} on failure.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return parseLoggingArgs(viper.GetString(keyLogging))
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "configuration file, "+envName("config"))
	flags.String("logging", "-logtostderr=true -v=0", "glog startup arguments, "+envName(keyLogging))
	flags.StringP("wallet", "w", "", "wallet file path, "+envName(keyWallet))
	flags.StringP("output", "o", outputJSON, "output format: json or yaml, "+envName(keyOutput))
	flags.String("ledger", "", "ledger mirror file path, "+envName(keyLedger))
	flags.String("metrics-file", "", "write metrics in textfile format on exit, "+envName(keyMetricsFile))
	flags.Uint32("kdf-time", 0, "Argon2id time cost for new wallets and backups, "+envName(keyKDFTime))
	flags.Uint32("kdf-memory", 0, "Argon2id memory cost in KiB, "+envName(keyKDFMemory))
	flags.Uint8("kdf-parallelism", 0, "Argon2id parallelism, "+envName(keyKDFParallelism))

	for key, name := range map[string]string{
		keyLogging:        "logging",
		keyWallet:         "wallet",
		keyOutput:         "output",
		keyLedger:         "ledger",
		keyMetricsFile:    "metrics-file",
		keyKDFTime:        "kdf-time",
		keyKDFMemory:      "kdf-memory",
		keyKDFParallelism: "kdf-parallelism",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			glog.Fatalf("bind flag %s: %v", name, err)
		}
	}
}

func initConfig() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if cfgFile == "" {
		cfgFile = os.Getenv(envName("config"))
	}
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			glog.Warningf("cannot read config file %s: %v", cfgFile, err)
		} else {
			glog.V(1).Infof("using config file: %s", viper.ConfigFileUsed())
		}
	}
}

func envName(key string) string {
	r := strings.NewReplacer("-", "_", ".", "_")
	return envPrefix + "_" + strings.ToUpper(r.Replace(key))
}

// parseLoggingArgs feeds a "-flag=value ..." string to the glog flags.
// The flags are parsed through a ContinueOnError copy of the global set so
// a typo is reported instead of exiting the process.
func parseLoggingArgs(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	fs := flag.NewFlagSet("logging", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	flag.CommandLine.VisitAll(func(f *flag.Flag) {
		fs.Var(f.Value, f.Name, f.Usage)
	})
	if err := fs.Parse(strings.Fields(s)); err != nil {
		return errs.Errorf(errs.InvalidArgument, "invalid --logging arguments %q: %v", s, err)
	}
	return nil
}

var (
	trackOnce  sync.Once
	runStarted bool
)

// trackRuns marks when a command body starts, so that errors raised by
// cobra itself (unknown flags, missing arguments) can be told apart.
func trackRuns(c *cobra.Command) {
	if run := c.RunE; run != nil {
		c.RunE = func(cmd *cobra.Command, args []string) error {
			runStarted = true
			return run(cmd, args)
		}
	}
	for _, sub := range c.Commands() {
		trackRuns(sub)
	}
}

// Execute runs the root command and prints failures in the structured
// error shape. It returns the process exit code.
func Execute() int {
	trackOnce.Do(func() { trackRuns(rootCmd) })
	runStarted = false

	err := rootCmd.Execute()
	glog.Flush()
	if err == nil {
		return 0
	}
	if !runStarted && errs.CodeOf(err) == errs.Internal {
		err = errs.Wrap(errs.InvalidArgument, err)
	}
	if perr := writeOutput(rootCmd.OutOrStdout(), errs.ToResponse(err)); perr != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return 1
}

// okResponse is the success shape of every command.
type okResponse struct {
	OK     bool `json:"ok" yaml:"ok"`
	Result any  `json:"result,omitempty" yaml:"result,omitempty"`
}

// printResult writes {"ok": true, "result": v}.
func printResult(cmd *cobra.Command, v any) error {
	return writeOutput(cmd.OutOrStdout(), okResponse{OK: true, Result: v})
}

func writeOutput(w io.Writer, v any) error {
	switch format := viper.GetString(keyOutput); format {
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case outputJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return errs.Errorf(errs.InvalidArgument, "unknown output format %q (use json or yaml)", format)
	}
}

func kdfParams() crypto.KDFParams {
	return crypto.KDFParams{
		Time:        viper.GetUint32(keyKDFTime),
		Memory:      viper.GetUint32(keyKDFMemory),
		Parallelism: uint8(viper.GetUint(keyKDFParallelism)),
	}
}

// newAgent builds an agent session from the configuration.
func newAgent() *agent.Agent {
	p := kdfParams()
	if p != (crypto.KDFParams{}) {
		// Partially set costs fall back to defaults field by field.
		d := crypto.DefaultKDFParams()
		if p.Time == 0 {
			p.Time = d.Time
		}
		if p.Memory == 0 {
			p.Memory = d.Memory
		}
		if p.Parallelism == 0 {
			p.Parallelism = d.Parallelism
		}
	}
	return agent.New(agent.Config{
		KDFParams:   p,
		LedgerPath:  viper.GetString(keyLedger),
		MetricsFile: viper.GetString(keyMetricsFile),
	})
}

// walletPath returns the configured wallet path or InvalidArgument.
func walletPath() (string, error) {
	path := viper.GetString(keyWallet)
	if path == "" {
		return "", errs.Errorf(errs.InvalidArgument, "wallet path is required (--wallet or %s)", envName(keyWallet))
	}
	return path, nil
}

// withAgent runs fn with a fresh agent and closes it afterwards.
func withAgent(fn func(a *agent.Agent) error) (err error) {
	a := newAgent()
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}

// withOpenWallet runs fn with the configured wallet open, prompting for the
// password when it is not in the environment.
func withOpenWallet(cmd *cobra.Command, fn func(a *agent.Agent) error) error {
	password, err := readWalletPassword(cmd)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(password)
	return withWallet(password, fn)
}

// readWalletPassword checks that a wallet is configured and reads its
// password. Commands that also take a body from stdin call it before
// reading the body, so piped input carries the password on its first line.
func readWalletPassword(cmd *cobra.Command) ([]byte, error) {
	if _, err := walletPath(); err != nil {
		return nil, err
	}
	return readSecret(cmd, keyPassword, "Enter wallet password: ")
}

// withWallet runs fn with the configured wallet opened with password.
func withWallet(password []byte, fn func(a *agent.Agent) error) error {
	return withAgent(func(a *agent.Agent) (err error) {
		defer err2.Handle(&err)

		path := try.To1(walletPath())
		try.To(a.OpenWallet(path, string(password)))
		return fn(a)
	})
}

// parseDuration parses a duration string like "30d", "1y", "24h".
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, errs.Errorf(errs.InvalidArgument, "duration too short: %s", s)
	}

	unit := s[len(s)-1]
	valueStr := s[:len(s)-1]

	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		d, perr := time.ParseDuration(s)
		if perr != nil {
			return 0, errs.Errorf(errs.InvalidArgument, "invalid duration: %s", s)
		}
		return d, nil
	}

	switch unit {
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	case 'y':
		return time.Duration(value) * 365 * 24 * time.Hour, nil
	default:
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, errs.Errorf(errs.InvalidArgument, "invalid duration: %s", s)
		}
		return d, nil
	}
}
