package backup

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/forest6511/ssiagent/pkg/crypto"
)

// FormatVersion is the current backup record version.
const FormatVersion = 1

// CipherXChaCha20Poly1305 is the only supported record cipher.
const CipherXChaCha20Poly1305 = "xchacha20poly1305"

const kdfAlgorithm = "argon2id"

// maxRecordSize bounds the file read by Recover. A record holds one
// password, so anything larger is not ours.
const maxRecordSize = 64 * 1024

// KDFRecord holds the Argon2id inputs of the backup key. They are
// independent of the wallet's own KDF parameters.
type KDFRecord struct {
	Algorithm string `json:"algorithm"`
	Salt      []byte `json:"salt"` // base64 in JSON
	crypto.KDFParams
}

// Record is the on-disk backup file.
type Record struct {
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	Cipher     string    `json:"cipher"`
	KDF        KDFRecord `json:"kdf_params_backup"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext_of_wallet_password"`
}

// header is the authenticated part of a record: everything except the
// nonce and ciphertext.
type header struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Cipher    string    `json:"cipher"`
	KDF       KDFRecord `json:"kdf_params_backup"`
}

// HeaderBytes returns the serialized header used as AEAD associated data.
func HeaderBytes(r *Record) ([]byte, error) {
	data, err := json.Marshal(header{
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		Cipher:    r.Cipher,
		KDF:       r.KDF,
	})
	if err != nil {
		return nil, fmt.Errorf("backup: failed to marshal header: %w", err)
	}
	return data, nil
}

// EncodeRecord serializes a record as indented JSON.
func EncodeRecord(r *Record) ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("backup: failed to marshal record: %w", err)
	}
	return append(data, '\n'), nil
}

// DecodeRecord parses and validates a record. It never touches key material.
func DecodeRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}

	switch {
	case r.Version == 0:
		return nil, fmt.Errorf("%w: missing version", ErrInvalidBackup)
	case r.Version > FormatVersion:
		return nil, fmt.Errorf("%w: got %d, max supported %d", ErrUnsupportedVersion, r.Version, FormatVersion)
	case r.Cipher != CipherXChaCha20Poly1305:
		return nil, fmt.Errorf("%w: unsupported cipher %q", ErrInvalidBackup, r.Cipher)
	case r.KDF.Algorithm != kdfAlgorithm:
		return nil, fmt.Errorf("%w: unsupported kdf %q", ErrInvalidBackup, r.KDF.Algorithm)
	case len(r.KDF.Salt) < crypto.SaltLength:
		return nil, fmt.Errorf("%w: salt too short", ErrInvalidBackup)
	case len(r.Nonce) != nonceSize:
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrInvalidBackup, nonceSize)
	case len(r.Ciphertext) < tagSize:
		return nil, fmt.Errorf("%w: ciphertext too short", ErrInvalidBackup)
	}
	if err := r.KDF.KDFParams.ValidateStored(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	return &r, nil
}
