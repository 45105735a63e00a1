package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/ssiagent/pkg/crypto"
	"github.com/forest6511/ssiagent/pkg/envelope"
	"github.com/forest6511/ssiagent/pkg/errs"
	"github.com/forest6511/ssiagent/pkg/ledger"
	"github.com/forest6511/ssiagent/pkg/wallet"
)

const (
	testPassword = "testpassword123"
	steward1Seed = "000000000000000000000000Steward1"
	steward1DID  = "Th7MpTaRZVRYnPiabds81Y"
)

var testKDF = crypto.KDFParams{Time: 1, Memory: 8 * 1024, Parallelism: 1}

func newTestAgent(t *testing.T, cfg Config) (*Agent, string) {
	t.Helper()
	cfg.KDFParams = testKDF
	a := New(cfg)
	t.Cleanup(func() { _ = a.Close() })

	path := filepath.Join(t.TempDir(), "wallet.db")
	require.NoError(t, a.CreateWallet(path, testPassword))
	return a, path
}

func openTestAgent(t *testing.T, cfg Config) *Agent {
	t.Helper()
	a, path := newTestAgent(t, cfg)
	require.NoError(t, a.OpenWallet(path, testPassword))
	return a
}

func TestOpenWalletLifecycle(t *testing.T) {
	a, path := newTestAgent(t, Config{})

	err := a.OpenWallet(filepath.Join(t.TempDir(), "missing.db"), testPassword)
	require.Equal(t, errs.NotFound, errs.CodeOf(err))

	err = a.OpenWallet(path, "wrongpassword")
	require.Equal(t, errs.WalletAuthFailed, errs.CodeOf(err))
	_, err = a.Wallet()
	require.Equal(t, errs.WalletNotOpen, errs.CodeOf(err), "no key material after failed open")

	require.NoError(t, a.OpenWallet(path, testPassword))
	require.NoError(t, a.OpenWallet(path, testPassword), "double open with same password")

	err = a.OpenWallet(path, "wrongpassword")
	require.Equal(t, errs.WalletAuthFailed, errs.CodeOf(err))
	_, err = a.Wallet()
	require.NoError(t, err, "failed re-open keeps the session")

	other := filepath.Join(t.TempDir(), "other.db")
	require.NoError(t, a.CreateWallet(other, testPassword))
	err = a.OpenWallet(other, testPassword)
	require.ErrorIs(t, err, ErrWalletAlreadyOpen)

	a.CloseWallet()
	a.CloseWallet()
	require.NoError(t, a.OpenWallet(other, testPassword))
}

func TestClosedWalletFailsFast(t *testing.T) {
	a := New(Config{})

	_, err := a.CreateDID("x")
	require.Equal(t, errs.WalletNotOpen, errs.CodeOf(err))
	_, err = a.ListDIDs(wallet.FilterAll)
	require.Equal(t, errs.WalletNotOpen, errs.CodeOf(err))
	_, _, err = a.ResolvePrivateKey(steward1DID)
	require.Equal(t, errs.WalletNotOpen, errs.CodeOf(err))
	_, err = a.Pack(envelope.ModeAuthcrypt, "basic", steward1DID, steward1DID, []byte("x"), envelope.Options{})
	require.Equal(t, errs.WalletNotOpen, errs.CodeOf(err))
}

func TestDIDOperations(t *testing.T) {
	a := openTestAgent(t, Config{})

	own, err := a.ImportDID([]byte(steward1Seed), "steward")
	require.NoError(t, err)
	require.Equal(t, steward1DID, own.DID)

	again, err := a.ImportDID([]byte(steward1Seed), "steward")
	require.NoError(t, err)
	require.Equal(t, own.Verkey, again.Verkey)

	mnemonic, err := wallet.NewMnemonic()
	require.NoError(t, err)
	fromWords, err := a.ImportDIDFromMnemonic(mnemonic, "words")
	require.NoError(t, err)

	theirs, err := a.CreateDID("")
	require.NoError(t, err)
	// A record for their DID in a second agent.
	b := openTestAgent(t, Config{})
	_, err = b.StoreTheirDID(theirs.DID, theirs.Verkey, "peer")
	require.NoError(t, err)
	_, err = b.StoreTheirDID(theirs.DID, theirs.Verkey, "peer")
	require.NoError(t, err)

	list, err := b.ListDIDs(wallet.FilterExternal)
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = a.ListDIDs(wallet.FilterOwn)
	require.NoError(t, err)
	require.Equal(t, []string{own.DID, fromWords.DID, theirs.DID},
		[]string{list[0].DID, list[1].DID, list[2].DID})

	require.NoError(t, a.SetAlias(own.DID, "renamed"))
	require.NoError(t, a.DeleteDID(fromWords.DID))
	require.Equal(t, errs.NotFound, errs.CodeOf(a.DeleteDID(fromWords.DID)))
}

func TestEnvelopeThroughWallet(t *testing.T) {
	a := openTestAgent(t, Config{})

	alice, err := a.CreateDID("alice")
	require.NoError(t, err)
	bob, err := a.CreateDID("bob")
	require.NoError(t, err)
	carol, err := a.CreateDID("carol")
	require.NoError(t, err)

	for _, mode := range []envelope.Mode{envelope.ModeNone, envelope.ModeAnoncrypt, envelope.ModeAuthcrypt} {
		data, err := a.Pack(mode, "basic", alice.DID, bob.DID, []byte("hello bob"), envelope.Options{})
		require.NoError(t, err)

		summary, err := a.Parse(data)
		require.NoError(t, err)
		require.Equal(t, len("hello bob"), summary.Payload.CiphertextLen)

		got, err := a.Unpack(bob.DID, data)
		require.NoError(t, err)
		require.Equal(t, "hello bob", string(got))

		if mode == envelope.ModeNone {
			continue
		}
		got, err = a.Unpack(carol.Verkey, data)
		require.Nil(t, got)
		require.Equal(t, errs.RecipientMismatch, errs.CodeOf(err))
	}

	require.Equal(t, 1.0, testutil.ToFloat64(a.Metrics().packs.WithLabelValues("authcrypt")))
	require.Equal(t, 1.0, testutil.ToFloat64(a.Metrics().unpacks.WithLabelValues("anoncrypt")))
	require.Equal(t, 2.0, testutil.ToFloat64(a.Metrics().failures.WithLabelValues("unpack", "RecipientMismatch")))
}

func TestEnvelopeToExternalDID(t *testing.T) {
	sender := openTestAgent(t, Config{})
	receiver := openTestAgent(t, Config{})

	me, err := sender.CreateDID("me")
	require.NoError(t, err)
	peer, err := receiver.CreateDID("peer")
	require.NoError(t, err)
	_, err = sender.StoreTheirDID(peer.DID, peer.Verkey, "peer")
	require.NoError(t, err)
	_, err = receiver.StoreTheirDID(me.DID, me.Verkey, "sender")
	require.NoError(t, err)

	data, err := sender.Pack(envelope.ModeAuthcrypt, "basic", me.DID, peer.DID, []byte("hi"), envelope.Options{})
	require.NoError(t, err)

	got, err := receiver.Unpack(peer.DID, data)
	require.NoError(t, err)
	require.Equal(t, "hi", string(got))

	// The sender only knows peer's public key.
	_, err = sender.Unpack(peer.DID, data)
	require.Equal(t, errs.RecipientKeyNotFound, errs.CodeOf(err))
}

func TestEnvelopeExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := openTestAgent(t, Config{Now: func() time.Time { return now }})
	bob, err := a.CreateDID("bob")
	require.NoError(t, err)

	data, err := a.Pack(envelope.ModeAnoncrypt, "basic", "", bob.DID, []byte("late"),
		envelope.Options{ExpiresAtMs: now.Add(-time.Minute).UnixMilli()})
	require.NoError(t, err)

	_, err = a.Unpack(bob.DID, data)
	require.Equal(t, errs.EnvelopeExpired, errs.CodeOf(err))
}

func TestBackupRecoversWalletPassword(t *testing.T) {
	a, path := newTestAgent(t, Config{})
	out := filepath.Join(t.TempDir(), "wallet.backup")

	_, err := a.CreateBackup([]byte(testPassword), "backup passphrase", out, false)
	require.NoError(t, err)

	_, err = a.CreateBackup([]byte(testPassword), "backup passphrase", out, false)
	require.Equal(t, errs.AlreadyExists, errs.CodeOf(err))

	result, err := a.VerifyBackup("backup passphrase", out)
	require.NoError(t, err)
	require.True(t, result.Valid)

	_, err = a.RecoverBackup("wrong passphrase", out)
	require.Equal(t, errs.BackupAuthFailed, errs.CodeOf(err))

	pw, err := a.RecoverBackup("backup passphrase", out)
	require.NoError(t, err)
	require.NoError(t, a.OpenWallet(path, string(pw)))
}

func TestLedger(t *testing.T) {
	ledgerPath := filepath.Join(t.TempDir(), "ledger.db")
	a := openTestAgent(t, Config{LedgerPath: ledgerPath})

	_, err := a.WriteSchema(steward1DID, "gvt", "1.0", []string{"name"})
	require.Equal(t, errs.PoolNotConnected, errs.CodeOf(err))
	_, err = a.GetSchema(ledger.SchemaID(steward1DID, "gvt", "1.0"))
	require.Equal(t, errs.PoolNotConnected, errs.CodeOf(err))

	require.NoError(t, a.ConnectLedger(""))
	require.NoError(t, a.ConnectLedger(ledgerPath))

	sid, err := a.WriteSchema(steward1DID, "gvt", "1.0", []string{"name", "age"})
	require.NoError(t, err)

	id1, err := a.WriteCredDef(steward1DID, sid, "TAG1", false)
	require.NoError(t, err)
	id2, err := a.WriteCredDef(steward1DID, sid, "TAG1", false)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	_, err = a.GetCredDef(ledger.CredDefID(steward1DID, sid, "OTHER"))
	require.Equal(t, errs.NotFound, errs.CodeOf(err))

	require.NoError(t, a.DisconnectLedger())
	_, err = a.GetCredDef(id1)
	require.Equal(t, errs.PoolNotConnected, errs.CodeOf(err))

	require.Equal(t, errs.InvalidArgument, errs.CodeOf(New(Config{}).ConnectLedger("")))
}

func TestDestroyWallet(t *testing.T) {
	a, path := newTestAgent(t, Config{})
	require.NoError(t, a.OpenWallet(path, testPassword))

	require.NoError(t, a.DestroyWallet(path))
	_, err := a.Wallet()
	require.Equal(t, errs.WalletNotOpen, errs.CodeOf(err))
	require.False(t, wallet.Exists(path))

	require.Equal(t, errs.NotFound, errs.CodeOf(a.DestroyWallet(path)))
}

func TestMetricsTextfile(t *testing.T) {
	metricsFile := filepath.Join(t.TempDir(), "ssiagent.prom")
	a := openTestAgent(t, Config{MetricsFile: metricsFile})

	_, err := a.Pack(envelope.ModeNone, "basic", "", "", []byte("x"), envelope.Options{})
	require.NoError(t, err)

	families, err := a.Metrics().Registry().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
	require.NoError(t, a.Close())

	data, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	text := string(data)
	require.True(t, strings.Contains(text, `ssiagent_envelope_packs_total{mode="none"} 1`), text)
	require.True(t, strings.Contains(text, `ssiagent_wallet_opens_total{result="ok"} 1`), text)
}
