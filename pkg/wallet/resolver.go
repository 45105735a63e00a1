package wallet

import (
	"crypto/ed25519"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/forest6511/ssiagent/pkg/audit"
	"github.com/forest6511/ssiagent/pkg/crypto"
	"github.com/forest6511/ssiagent/pkg/errs"
)

// ErrKeyNotFound is returned when no own key matches a DID or verkey.
var ErrKeyNotFound = errs.New(errs.RecipientKeyNotFound, "wallet: no private key for did or verkey")

// ResolvePrivateKey finds the own record whose DID or verkey equals
// didOrVerkey and returns its private key and verkey. External records have
// no private key and never match.
func (w *Wallet) ResolvePrivateKey(didOrVerkey string) (ed25519.PrivateKey, string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if err := w.requireOpen(); err != nil {
		return nil, "", err
	}

	var did, verkey string
	var encrypted []byte
	err := w.db.QueryRow(`
		SELECT did, verkey, encrypted_seed FROM key_records
		WHERE ownership = 'own' AND (did = ? OR verkey = ?)
		ORDER BY id LIMIT 1
	`, didOrVerkey, didOrVerkey).Scan(&did, &verkey, &encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("%w: %s", ErrKeyNotFound, didOrVerkey)
	}
	if err != nil {
		return nil, "", storageError("wallet: failed to resolve key: %w", err)
	}

	seed, err := crypto.Open(w.dek, encrypted, []byte(did))
	if err != nil {
		// The DEK opened, so a failing record means the row was altered.
		return nil, "", storageError("wallet: key record for %s is corrupted: %w", did, err)
	}
	defer crypto.SecureWipe(seed)
	if len(seed) != SeedLength {
		return nil, "", storageError("wallet: key record for %s has a %d-byte seed", did, len(seed))
	}

	_ = w.audit.LogSuccess(audit.OpKeyResolved, did)
	glog.V(3).Infof("resolved private key for %s", did)
	return ed25519.NewKeyFromSeed(seed), verkey, nil
}

// ResolveVerkey returns the verkey of any record whose DID or verkey equals
// didOrVerkey. A well-formed verkey that is not stored is returned as is,
// so recipients can be addressed by raw key.
func (w *Wallet) ResolveVerkey(didOrVerkey string) (string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if err := w.requireOpen(); err != nil {
		return "", err
	}

	var verkey string
	err := w.db.QueryRow(`
		SELECT verkey FROM key_records WHERE did = ? OR verkey = ?
		ORDER BY id LIMIT 1
	`, didOrVerkey, didOrVerkey).Scan(&verkey)
	switch {
	case err == nil:
		return verkey, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", storageError("wallet: failed to resolve verkey: %w", err)
	}

	if _, err := DecodeVerkey(didOrVerkey); err == nil {
		return didOrVerkey, nil
	}
	return "", fmt.Errorf("%w: %s", ErrKeyNotFound, didOrVerkey)
}
