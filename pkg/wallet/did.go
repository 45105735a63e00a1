package wallet

import (
	"crypto/ed25519"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"

	"github.com/forest6511/ssiagent/pkg/audit"
	"github.com/forest6511/ssiagent/pkg/crypto"
	"github.com/forest6511/ssiagent/pkg/errs"
)

// Ownership tells whether the wallet holds the private key of a DID.
type Ownership string

const (
	Own      Ownership = "own"
	External Ownership = "external"
)

// Filter selects records in ListDIDs.
type Filter string

const (
	FilterAll      Filter = "all"
	FilterOwn      Filter = "own"
	FilterExternal Filter = "external"
)

const (
	// SeedLength is the Ed25519 seed size.
	SeedLength = ed25519.SeedSize

	// indyDIDLength is the number of verkey bytes an Indy DID encodes.
	indyDIDLength = 16

	mnemonicEntropyBits = 256
	mnemonicHKDFInfo    = "ssiagent/did/ed25519/v1"
)

var (
	ErrDIDNotFound     = errs.New(errs.NotFound, "wallet: did not found")
	ErrDIDConflict     = errs.New(errs.AlreadyExists, "wallet: did already stored with a different key")
	ErrInvalidDID      = errs.New(errs.InvalidArgument, "wallet: invalid did")
	ErrInvalidVerkey   = errs.New(errs.InvalidArgument, "wallet: invalid verkey, must be base58 of 32 bytes")
	ErrInvalidSeed     = errs.New(errs.InvalidArgument, "wallet: seed must be 32 bytes, or hex or base64 text of 32 bytes")
	ErrInvalidMnemonic = errs.New(errs.InvalidArgument, "wallet: invalid mnemonic")
	ErrInvalidFilter   = errs.New(errs.InvalidArgument, "wallet: filter must be own, external or all")
)

// KeyRecord is one DID held by the wallet. PrivateKey is only set on
// records returned by the resolver; listings never carry key material.
type KeyRecord struct {
	DID        string             `json:"did" yaml:"did"`
	Verkey     string             `json:"verkey" yaml:"verkey"`
	PrivateKey ed25519.PrivateKey `json:"-" yaml:"-"`
	Ownership  Ownership          `json:"ownership" yaml:"ownership"`
	Alias      string             `json:"alias,omitempty" yaml:"alias,omitempty"`
	CreatedAt  time.Time          `json:"created_at" yaml:"created_at"`
}

// ParseFilter converts user input into a Filter. Empty means all.
func ParseFilter(s string) (Filter, error) {
	switch Filter(strings.ToLower(s)) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterOwn:
		return FilterOwn, nil
	case FilterExternal:
		return FilterExternal, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidFilter, s)
}

// DIDFromVerkey derives the Indy-style DID: base58 of the first 16 bytes of
// the verification key.
func DIDFromVerkey(pub ed25519.PublicKey) string {
	return base58.Encode(pub[:indyDIDLength])
}

// DecodeVerkey parses a base58 verification key.
func DecodeVerkey(verkey string) (ed25519.PublicKey, error) {
	b, err := base58.Decode(verkey)
	if err != nil || len(b) != ed25519.PublicKeySize {
		return nil, ErrInvalidVerkey
	}
	return ed25519.PublicKey(b), nil
}

// ValidateDID accepts an unqualified Indy DID or a qualified did:<method>:<id>.
func ValidateDID(did string) error {
	if strings.HasPrefix(did, "did:") {
		parts := strings.SplitN(did, ":", 3)
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			return fmt.Errorf("%w: %q", ErrInvalidDID, did)
		}
		return nil
	}
	b, err := base58.Decode(did)
	if err != nil || len(b) != indyDIDLength {
		return fmt.Errorf("%w: %q", ErrInvalidDID, did)
	}
	return nil
}

// ParseSeed accepts a raw 32-byte seed (Indy style, e.g. a 32 character
// string), or hex or base64 text encoding 32 bytes.
func ParseSeed(seed []byte) ([]byte, error) {
	if len(seed) == SeedLength {
		return append([]byte(nil), seed...), nil
	}
	text := strings.TrimSpace(string(seed))
	if b, err := hex.DecodeString(text); err == nil && len(b) == SeedLength {
		return b, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(text); err == nil && len(b) == SeedLength {
			return b, nil
		}
	}
	return nil, ErrInvalidSeed
}

// NewMnemonic returns a fresh 24-word BIP-39 mnemonic for ImportOwnDIDFromMnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		return "", fmt.Errorf("wallet: failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("wallet: failed to build mnemonic: %w", err)
	}
	return mnemonic, nil
}

// seedFromMnemonic expands a BIP-39 mnemonic into an Ed25519 seed.
func seedFromMnemonic(mnemonic string) ([]byte, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	bip39Seed := bip39.NewSeed(mnemonic, "")
	defer crypto.SecureWipe(bip39Seed)

	seed := make([]byte, SeedLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, bip39Seed, nil, []byte(mnemonicHKDFInfo)), seed); err != nil {
		return nil, fmt.Errorf("wallet: failed to derive seed: %w", err)
	}
	return seed, nil
}

// CreateOwnDID generates a new Ed25519 key pair and stores it as an own DID.
func (w *Wallet) CreateOwnDID(alias string) (*KeyRecord, error) {
	seed, err := crypto.RandomBytes(SeedLength)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(seed)
	return w.storeOwn(seed, alias, audit.OpDIDCreate)
}

// ImportOwnDID stores the key pair derived from seed as an own DID.
// Importing the same seed twice returns the existing record.
func (w *Wallet) ImportOwnDID(seed []byte, alias string) (*KeyRecord, error) {
	raw, err := ParseSeed(seed)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(raw)
	return w.storeOwn(raw, alias, audit.OpDIDImport)
}

// ImportOwnDIDFromMnemonic derives an own DID from a BIP-39 mnemonic.
func (w *Wallet) ImportOwnDIDFromMnemonic(mnemonic, alias string) (*KeyRecord, error) {
	seed, err := seedFromMnemonic(mnemonic)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(seed)
	return w.storeOwn(seed, alias, audit.OpDIDImport)
}

func (w *Wallet) storeOwn(seed []byte, alias, op string) (*KeyRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.requireOpen(); err != nil {
		return nil, err
	}

	priv := ed25519.NewKeyFromSeed(seed)
	defer crypto.SecureWipe(priv)
	pub := priv.Public().(ed25519.PublicKey)
	did, verkey := DIDFromVerkey(pub), base58.Encode(pub)

	existing, err := w.getRecordLocked(did)
	switch {
	case err == nil:
		if existing.Verkey != verkey || existing.Ownership != Own {
			_ = w.audit.LogError(op, did, ErrDIDConflict)
			return nil, ErrDIDConflict
		}
		return existing, nil
	case !errors.Is(err, ErrDIDNotFound):
		return nil, err
	}

	encrypted, err := crypto.Seal(w.dek, seed, []byte(did))
	if err != nil {
		return nil, fmt.Errorf("wallet: failed to encrypt key: %w", err)
	}

	rec := &KeyRecord{DID: did, Verkey: verkey, Ownership: Own, Alias: alias, CreatedAt: w.now().UTC()}
	if err := w.insertRecordLocked(rec, encrypted); err != nil {
		return nil, err
	}

	_ = w.audit.LogSuccess(op, did)
	return rec, nil
}

// StoreTheirDID records another party's DID and verification key.
// Storing the same pair twice succeeds without duplication.
func (w *Wallet) StoreTheirDID(did, verkey, alias string) (*KeyRecord, error) {
	if err := ValidateDID(did); err != nil {
		return nil, err
	}
	if _, err := DecodeVerkey(verkey); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.requireOpen(); err != nil {
		return nil, err
	}

	existing, err := w.getRecordLocked(did)
	switch {
	case err == nil:
		if existing.Verkey != verkey {
			_ = w.audit.LogError(audit.OpDIDStore, did, ErrDIDConflict)
			return nil, ErrDIDConflict
		}
		return existing, nil
	case !errors.Is(err, ErrDIDNotFound):
		return nil, err
	}

	rec := &KeyRecord{DID: did, Verkey: verkey, Ownership: External, Alias: alias, CreatedAt: w.now().UTC()}
	if err := w.insertRecordLocked(rec, nil); err != nil {
		return nil, err
	}

	_ = w.audit.LogSuccess(audit.OpDIDStore, did)
	return rec, nil
}

// GetDID returns the public view of one record.
func (w *Wallet) GetDID(did string) (*KeyRecord, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if err := w.requireOpen(); err != nil {
		return nil, err
	}
	return w.getRecordLocked(did)
}

// ListDIDs returns records in insertion order.
func (w *Wallet) ListDIDs(filter Filter) ([]*KeyRecord, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if err := w.requireOpen(); err != nil {
		return nil, err
	}

	query := "SELECT did, verkey, ownership, alias, created_at FROM key_records"
	var args []any
	switch filter {
	case FilterAll, "":
	case FilterOwn, FilterExternal:
		query += " WHERE ownership = ?"
		args = append(args, string(filter))
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidFilter, filter)
	}
	query += " ORDER BY id"

	rows, err := w.db.Query(query, args...)
	if err != nil {
		return nil, storageError("wallet: failed to list dids: %w", err)
	}
	defer rows.Close()

	var records []*KeyRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("wallet: failed to list dids: %w", err)
	}
	return records, nil
}

// SetAlias replaces the alias of a record. It is the only mutable field.
func (w *Wallet) SetAlias(did, alias string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.requireOpen(); err != nil {
		return err
	}

	res, err := w.db.Exec("UPDATE key_records SET alias = ? WHERE did = ?", alias, did)
	if err != nil {
		return storageError("wallet: failed to set alias: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDIDNotFound
	}

	_ = w.audit.LogSuccess(audit.OpDIDAlias, did)
	return nil
}

// DeleteDID removes a record and, for own DIDs, its private key.
func (w *Wallet) DeleteDID(did string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.requireOpen(); err != nil {
		return err
	}

	res, err := w.db.Exec("DELETE FROM key_records WHERE did = ?", did)
	if err != nil {
		return storageError("wallet: failed to delete did: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDIDNotFound
	}

	_ = w.audit.LogSuccess(audit.OpDIDDelete, did)
	return nil
}

func (w *Wallet) getRecordLocked(did string) (*KeyRecord, error) {
	row := w.db.QueryRow("SELECT did, verkey, ownership, alias, created_at FROM key_records WHERE did = ?", did)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDIDNotFound
	}
	return rec, err
}

func (w *Wallet) insertRecordLocked(rec *KeyRecord, encryptedSeed []byte) error {
	_, err := w.db.Exec(`
		INSERT INTO key_records (did, verkey, encrypted_seed, ownership, alias, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.DID, rec.Verkey, encryptedSeed, string(rec.Ownership), rec.Alias, rec.CreatedAt.UnixMilli())
	if err != nil {
		return storageError("wallet: failed to store did: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*KeyRecord, error) {
	var (
		rec       KeyRecord
		ownership string
		createdAt int64
	)
	if err := row.Scan(&rec.DID, &rec.Verkey, &ownership, &rec.Alias, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storageError("wallet: failed to read did: %w", err)
	}
	rec.Ownership = Ownership(ownership)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &rec, nil
}
