package main

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"time"
	"unicode/utf8"

	"github.com/lainio/err2"
	"github.com/lainio/err2/try"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/forest6511/ssiagent/pkg/agent"
	"github.com/forest6511/ssiagent/pkg/crypto"
	"github.com/forest6511/ssiagent/pkg/envelope"
	"github.com/forest6511/ssiagent/pkg/errs"
	"github.com/forest6511/ssiagent/pkg/wallet"
)

var (
	packMode      string
	packKind      string
	packFrom      string
	packTo        string
	packThread    string
	packNewThread bool
	packExpiresIn string
	packExpiresAt string
	packMetadata  string
	envelopeIn    string
	unpackAs      string
	unpackOut     string
)

func init() {
	rootCmd.AddCommand(envelopeCmd)
	envelopeCmd.AddCommand(envelopePackCmd, envelopeUnpackCmd, envelopeParseCmd)

	f := envelopePackCmd.Flags()
	f.StringVarP(&packMode, "mode", "m", string(envelope.ModeAnoncrypt), "none, anoncrypt or authcrypt")
	f.StringVarP(&packKind, "kind", "k", "", "message kind (required)")
	f.StringVar(&packFrom, "from", "", "sender DID or verkey (authcrypt)")
	f.StringVar(&packTo, "to", "", "recipient DID or verkey (anoncrypt, authcrypt)")
	f.StringVar(&packThread, "thread", "", "thread id")
	f.BoolVar(&packNewThread, "new-thread", false, "start a new thread with a random id")
	f.StringVar(&packExpiresIn, "expires-in", "", "lifetime such as 10m, 24h or 7d")
	f.StringVar(&packExpiresAt, "expires-at", "", "expiry as RFC 3339 time")
	f.StringVar(&packMetadata, "metadata", "", "JSON object carried in the clear")
	f.StringVarP(&envelopeIn, "in", "i", "", "plaintext file, - or empty for stdin")
	_ = envelopePackCmd.MarkFlagRequired("kind")
	envelopePackCmd.MarkFlagsMutuallyExclusive("thread", "new-thread")
	envelopePackCmd.MarkFlagsMutuallyExclusive("expires-in", "expires-at")

	envelopeUnpackCmd.Flags().StringVar(&unpackAs, "as", "", "own DID or verkey to unpack as")
	envelopeUnpackCmd.Flags().StringVarP(&envelopeIn, "in", "i", "", "envelope file, - or empty for stdin")
	envelopeUnpackCmd.Flags().StringVar(&unpackOut, "out", "", "write the plaintext to this file instead of the result")

	envelopeParseCmd.Flags().StringVarP(&envelopeIn, "in", "i", "", "envelope file, - or empty for stdin")
}

// envelopeCmd is the parent command for message envelopes
var envelopeCmd = &cobra.Command{
	Use:     "envelope",
	Aliases: []string{"env"},
	Short:   "Pack, unpack and inspect agent message envelopes",
}

var envelopePackCmd = &cobra.Command{
	Use:   "pack",
	Short: "Pack a message into an envelope",
	Long: `Pack reads the plaintext from --in or stdin and prints the envelope.
When the wallet is needed and the password is not in SSIAGENT_PASSWORD,
the first line of piped stdin is the password and the rest is the body.

Modes:
  none       plaintext must be UTF-8 and travels as is
  anoncrypt  sealed to --to; the sender stays anonymous
  authcrypt  encrypted from --from to --to; --from must be an own DID

The wallet is opened only when a DID has to be resolved.`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		defer err2.Handle(&err)

		mode := try.To1(envelope.ParseMode(packMode))
		opts := try.To1(packOptions())

		var password []byte
		useWallet := needsWallet(mode, packTo)
		if useWallet {
			password = try.To1(readWalletPassword(cmd))
			defer crypto.SecureWipe(password)
		}
		plaintext := try.To1(readInput(cmd, envelopeIn))

		pack := func(a *agent.Agent) (err error) {
			defer err2.Handle(&err)
			data := try.To1(a.Pack(mode, packKind, packFrom, packTo, plaintext, opts))
			return printResult(cmd, rawJSON(data))
		}
		if useWallet {
			return withWallet(password, pack)
		}
		return withAgent(pack)
	},
}

// needsWallet reports whether packing needs DIDs resolved from the wallet.
// Anoncrypt to a raw verkey does not.
func needsWallet(mode envelope.Mode, to string) bool {
	switch mode {
	case envelope.ModeNone:
		return false
	case envelope.ModeAnoncrypt:
		_, err := wallet.DecodeVerkey(to)
		return err != nil
	default:
		return true
	}
}

func packOptions() (envelope.Options, error) {
	opts := envelope.Options{ThreadID: packThread}
	if packNewThread {
		opts.ThreadID = envelope.NewThreadID()
	}
	if packMetadata != "" {
		opts.Metadata = json.RawMessage(packMetadata)
	}
	switch {
	case packExpiresIn != "":
		d, err := parseDuration(packExpiresIn)
		if err != nil {
			return opts, err
		}
		if d <= 0 {
			return opts, errs.Errorf(errs.InvalidArgument, "expiry must be in the future: %s", packExpiresIn)
		}
		opts.ExpiresAtMs = time.Now().Add(d).UnixMilli()
	case packExpiresAt != "":
		t, err := time.Parse(time.RFC3339, packExpiresAt)
		if err != nil {
			return opts, errs.Errorf(errs.InvalidArgument, "invalid --expires-at %q: %v", packExpiresAt, err)
		}
		opts.ExpiresAtMs = t.UnixMilli()
	}
	return opts, nil
}

// rawJSON keeps an encoded envelope verbatim in JSON output and decodes it
// for YAML.
func rawJSON(data []byte) any {
	if viper.GetString(keyOutput) != outputYAML {
		return json.RawMessage(data)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	return v
}

type unpackResult struct {
	Kind         string        `json:"kind" yaml:"kind"`
	Mode         envelope.Mode `json:"mode" yaml:"mode"`
	Plaintext    *string       `json:"plaintext,omitempty" yaml:"plaintext,omitempty"`
	PlaintextB64 string        `json:"plaintext_b64,omitempty" yaml:"plaintext_b64,omitempty"`
	Out          string        `json:"out,omitempty" yaml:"out,omitempty"`
}

var envelopeUnpackCmd = &cobra.Command{
	Use:   "unpack",
	Short: "Unpack an envelope addressed to an own key",
	Long: `Unpack reads an envelope from --in or stdin. With --as and no
SSIAGENT_PASSWORD, the first line of piped stdin is the wallet password.
Plaintext that is valid
UTF-8 is printed as "plaintext", anything else as "plaintext_b64".
Expired envelopes are rejected with EnvelopeExpired.`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		defer err2.Handle(&err)

		// --as means a key will be needed; take the password before the body.
		var password []byte
		if unpackAs != "" {
			password = try.To1(readWalletPassword(cmd))
			defer crypto.SecureWipe(password)
		}
		data := try.To1(readInput(cmd, envelopeIn))
		summary := try.To1(envelope.Parse(data))

		unpack := func(a *agent.Agent) (err error) {
			defer err2.Handle(&err)

			plaintext := try.To1(a.Unpack(unpackAs, data))
			res := unpackResult{Kind: summary.Kind, Mode: summary.Crypto.Mode}
			switch {
			case unpackOut != "":
				try.To(errs.Wrap(errs.StorageError, os.WriteFile(unpackOut, plaintext, 0600)))
				res.Out = unpackOut
			case utf8.Valid(plaintext):
				s := string(plaintext)
				res.Plaintext = &s
			default:
				res.PlaintextB64 = base64.StdEncoding.EncodeToString(plaintext)
			}
			return printResult(cmd, res)
		}
		if summary.Crypto.Mode == envelope.ModeNone {
			return withAgent(unpack)
		}
		if unpackAs == "" {
			return errs.New(errs.InvalidArgument, "--as is required for encrypted envelopes")
		}
		return withWallet(password, unpack)
	},
}

var envelopeParseCmd = &cobra.Command{
	Use:   "parse",
	Short: "Show the kind, mode and payload size of an envelope without keys",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		defer err2.Handle(&err)

		data := try.To1(readInput(cmd, envelopeIn))
		return withAgent(func(a *agent.Agent) (err error) {
			defer err2.Handle(&err)
			return printResult(cmd, try.To1(a.Parse(data)))
		})
	},
}
