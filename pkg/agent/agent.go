// Package agent provides the explicit session object of an SSI agent. An
// Agent owns at most one open wallet, the envelope codec bound to it, and a
// connection to the local ledger mirror. There is no process wide current
// wallet: callers hold the Agent and pass it around.
//
// An Agent is not safe for concurrent open and close; callers serialize
// lifecycle calls per handle.
package agent

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/golang/glog"

	"github.com/forest6511/ssiagent/pkg/backup"
	"github.com/forest6511/ssiagent/pkg/crypto"
	"github.com/forest6511/ssiagent/pkg/envelope"
	"github.com/forest6511/ssiagent/pkg/errs"
	"github.com/forest6511/ssiagent/pkg/ledger"
	"github.com/forest6511/ssiagent/pkg/wallet"
)

// ErrWalletAlreadyOpen is returned when opening a wallet at another path
// while one is open.
var ErrWalletAlreadyOpen = errs.New(errs.WalletAlreadyOpen, "agent: another wallet is already open")

// Config configures an Agent. The zero value is usable.
type Config struct {
	// KDFParams are the Argon2id costs for new wallets and backups. Zero
	// means defaults.
	KDFParams crypto.KDFParams
	// LedgerPath is the bbolt file of the ledger mirror.
	LedgerPath string
	// MetricsFile, when set, receives a textfile dump of the metrics on
	// Close and FlushMetrics.
	MetricsFile string
	// Now overrides the clock of the envelope codec.
	Now func() time.Time
}

// Agent is one agent session.
type Agent struct {
	cfg     Config
	wallet  *wallet.Wallet
	pool    *ledger.Pool
	metrics *Metrics
}

// New returns an agent with no wallet open and no ledger connected.
func New(cfg Config) *Agent {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Agent{cfg: cfg, metrics: NewMetrics()}
}

// Metrics returns the agent counters.
func (a *Agent) Metrics() *Metrics {
	return a.metrics
}

func (a *Agent) walletOptions() []wallet.Option {
	if a.cfg.KDFParams == (crypto.KDFParams{}) {
		return nil
	}
	return []wallet.Option{wallet.WithKDFParams(a.cfg.KDFParams)}
}

// CreateWallet creates a wallet at path and leaves it closed.
func (a *Agent) CreateWallet(path, password string) error {
	err := wallet.New(path, a.walletOptions()...).Create(password)
	a.metrics.observe("wallet_create", err)
	return err
}

// OpenWallet opens the wallet at path. Opening the same path again is
// idempotent with the same password and fails with WalletAuthFailed
// otherwise; opening a different path while one is open fails with
// WalletAlreadyOpen.
func (a *Agent) OpenWallet(path, password string) (err error) {
	defer func() { a.metrics.walletOpened(err) }()

	if a.wallet != nil && a.wallet.IsOpen() {
		if !samePath(a.wallet.Path(), path) {
			return fmt.Errorf("%w: %s", ErrWalletAlreadyOpen, a.wallet.Path())
		}
		return a.wallet.Open(password)
	}

	w := wallet.New(path, a.walletOptions()...)
	if err := w.Open(password); err != nil {
		return err
	}
	a.wallet = w
	glog.V(1).Infof("agent: wallet %s open", path)
	return nil
}

// CloseWallet closes the open wallet, if any.
func (a *Agent) CloseWallet() {
	if a.wallet == nil {
		return
	}
	a.wallet.Close()
	a.wallet = nil
}

// DestroyWallet removes the wallet file family at path, closing it first
// when it is the open wallet.
func (a *Agent) DestroyWallet(path string) error {
	if a.wallet != nil && samePath(a.wallet.Path(), path) {
		a.CloseWallet()
	}
	err := wallet.Destroy(path)
	a.metrics.observe("wallet_destroy", err)
	return err
}

// ChangeWalletPassword re-wraps the open wallet's key under newPassword.
func (a *Agent) ChangeWalletPassword(oldPassword, newPassword string) error {
	w, err := a.Wallet()
	if err != nil {
		return err
	}
	return w.ChangePassword(oldPassword, newPassword)
}

// Wallet returns the open wallet or WalletNotOpen.
func (a *Agent) Wallet() (*wallet.Wallet, error) {
	if a.wallet == nil || !a.wallet.IsOpen() {
		return nil, wallet.ErrWalletNotOpen
	}
	return a.wallet, nil
}

// CreateDID generates an own DID in the open wallet.
func (a *Agent) CreateDID(alias string) (*wallet.KeyRecord, error) {
	w, err := a.Wallet()
	if err != nil {
		return nil, err
	}
	return w.CreateOwnDID(alias)
}

// ImportDID imports an own DID from a seed.
func (a *Agent) ImportDID(seed []byte, alias string) (*wallet.KeyRecord, error) {
	w, err := a.Wallet()
	if err != nil {
		return nil, err
	}
	return w.ImportOwnDID(seed, alias)
}

// ImportDIDFromMnemonic imports an own DID from a BIP-39 mnemonic.
func (a *Agent) ImportDIDFromMnemonic(mnemonic, alias string) (*wallet.KeyRecord, error) {
	w, err := a.Wallet()
	if err != nil {
		return nil, err
	}
	return w.ImportOwnDIDFromMnemonic(mnemonic, alias)
}

// StoreTheirDID records a third party DID and verkey.
func (a *Agent) StoreTheirDID(did, verkey, alias string) (*wallet.KeyRecord, error) {
	w, err := a.Wallet()
	if err != nil {
		return nil, err
	}
	return w.StoreTheirDID(did, verkey, alias)
}

// ListDIDs lists records of the open wallet in insertion order.
func (a *Agent) ListDIDs(filter wallet.Filter) ([]*wallet.KeyRecord, error) {
	w, err := a.Wallet()
	if err != nil {
		return nil, err
	}
	return w.ListDIDs(filter)
}

// SetAlias changes the alias of a record.
func (a *Agent) SetAlias(did, alias string) error {
	w, err := a.Wallet()
	if err != nil {
		return err
	}
	return w.SetAlias(did, alias)
}

// DeleteDID removes a record.
func (a *Agent) DeleteDID(did string) error {
	w, err := a.Wallet()
	if err != nil {
		return err
	}
	return w.DeleteDID(did)
}

// codec binds the envelope codec to the open wallet, or to no resolver.
func (a *Agent) codec() *envelope.Codec {
	var r envelope.Resolver
	if w, err := a.Wallet(); err == nil {
		r = w
	}
	return envelope.NewCodec(r, envelope.WithClock(a.cfg.Now))
}

// Pack builds an envelope in the given mode.
func (a *Agent) Pack(mode envelope.Mode, kind, sender, recipient string, plaintext []byte, opts envelope.Options) ([]byte, error) {
	data, err := a.codec().Pack(mode, kind, sender, recipient, plaintext, opts)
	a.metrics.observe("pack", err)
	if err == nil {
		a.metrics.packs.WithLabelValues(string(mode)).Inc()
	}
	return data, err
}

// Unpack opens an envelope for recipient, dispatching on its mode.
func (a *Agent) Unpack(recipient string, data []byte) ([]byte, error) {
	plaintext, err := a.codec().UnpackAuto(recipient, data)
	a.metrics.observe("unpack", err)
	if err != nil {
		return nil, err
	}
	// UnpackAuto succeeded, so data parses.
	s, _ := envelope.Parse(data)
	a.metrics.unpacks.WithLabelValues(string(s.Crypto.Mode)).Inc()
	return plaintext, nil
}

// Parse inspects an envelope without keys.
func (a *Agent) Parse(data []byte) (*envelope.Summary, error) {
	s, err := envelope.Parse(data)
	a.metrics.observe("parse", err)
	return s, err
}

// ResolvePrivateKey exposes the open wallet's resolver.
func (a *Agent) ResolvePrivateKey(didOrVerkey string) (ed25519.PrivateKey, string, error) {
	w, err := a.Wallet()
	if err != nil {
		return nil, "", err
	}
	return w.ResolvePrivateKey(didOrVerkey)
}

func (a *Agent) backupOptions(force bool) backup.Options {
	return backup.Options{KDFParams: a.cfg.KDFParams, Force: force}
}

// CreateBackup wraps walletPassword under passphrase into outFile. It does
// not need an open wallet.
func (a *Agent) CreateBackup(walletPassword []byte, passphrase, outFile string, force bool) (*backup.Record, error) {
	rec, err := backup.Create(walletPassword, passphrase, outFile, a.backupOptions(force))
	a.metrics.observe("backup_create", err)
	return rec, err
}

// RecoverBackup returns the wallet password stored in inFile.
func (a *Agent) RecoverBackup(passphrase, inFile string) ([]byte, error) {
	pw, err := backup.Recover(passphrase, inFile)
	a.metrics.observe("backup_recover", err)
	return pw, err
}

// VerifyBackup checks passphrase against inFile.
func (a *Agent) VerifyBackup(passphrase, inFile string) (*backup.VerifyResult, error) {
	return backup.Verify(passphrase, inFile)
}

// ConnectLedger connects the ledger mirror at path, or at the configured
// LedgerPath when path is empty.
func (a *Agent) ConnectLedger(path string) error {
	if path == "" {
		path = a.cfg.LedgerPath
	}
	if path == "" {
		return errs.New(errs.InvalidArgument, "agent: no ledger path configured")
	}
	if a.pool != nil && a.pool.IsConnected() {
		if samePath(a.pool.Path(), path) {
			return nil
		}
		if err := a.pool.Close(); err != nil {
			return err
		}
	}
	p := ledger.NewPool(path)
	if err := p.Connect(); err != nil {
		a.metrics.observe("ledger_connect", err)
		return err
	}
	a.pool = p
	return nil
}

// DisconnectLedger closes the ledger mirror, if connected.
func (a *Agent) DisconnectLedger() error {
	if a.pool == nil {
		return nil
	}
	err := a.pool.Close()
	a.pool = nil
	return err
}

// Ledger returns the connected pool or PoolNotConnected.
func (a *Agent) Ledger() (*ledger.Pool, error) {
	if a.pool == nil || !a.pool.IsConnected() {
		return nil, ledger.ErrNotConnected
	}
	return a.pool, nil
}

// WriteSchema registers a schema issued by did on the mirror.
func (a *Agent) WriteSchema(did, name, version string, attrs []string) (string, error) {
	p, err := a.Ledger()
	if err == nil {
		var id string
		id, err = p.WriteSchema(did, name, version, attrs)
		if err == nil {
			return id, nil
		}
	}
	a.metrics.observe("ledger_write", err)
	return "", err
}

// WriteCredDef registers a credential definition on the mirror.
func (a *Agent) WriteCredDef(did, schemaID, tag string, supportRevocation bool) (string, error) {
	p, err := a.Ledger()
	if err == nil {
		var id string
		id, err = p.WriteCredDef(did, schemaID, tag, supportRevocation)
		if err == nil {
			return id, nil
		}
	}
	a.metrics.observe("ledger_write", err)
	return "", err
}

// GetSchema fetches a schema from the mirror.
func (a *Agent) GetSchema(id string) (*ledger.Schema, error) {
	p, err := a.Ledger()
	if err != nil {
		a.metrics.observe("ledger_get", err)
		return nil, err
	}
	s, err := p.GetSchema(id)
	a.metrics.observe("ledger_get", err)
	return s, err
}

// GetCredDef fetches a credential definition from the mirror.
func (a *Agent) GetCredDef(id string) (*ledger.CredDef, error) {
	p, err := a.Ledger()
	if err != nil {
		a.metrics.observe("ledger_get", err)
		return nil, err
	}
	cd, err := p.GetCredDef(id)
	a.metrics.observe("ledger_get", err)
	return cd, err
}

// FlushMetrics writes the metrics textfile when one is configured.
func (a *Agent) FlushMetrics() error {
	if a.cfg.MetricsFile == "" {
		return nil
	}
	return a.metrics.WriteTextfile(a.cfg.MetricsFile)
}

// Close ends the session: the wallet is closed, the ledger disconnected
// and metrics flushed. All errors are returned joined.
func (a *Agent) Close() error {
	a.CloseWallet()
	return errors.Join(a.DisconnectLedger(), a.FlushMetrics())
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}
