package wallet

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/forest6511/ssiagent/pkg/crypto"
)

const (
	sidecarAlgorithm = "argon2id"
	sidecarVersion   = 1
)

// Sidecar is the on-disk KDF record stored at <wallet>.kdf.json.
type Sidecar struct {
	Algorithm string `json:"algorithm"`
	Salt      string `json:"salt"` // base64 (standard, padded)
	crypto.KDFParams
	Version int `json:"version"`

	salt []byte
}

func newSidecar(salt []byte, p crypto.KDFParams) *Sidecar {
	return &Sidecar{
		Algorithm: sidecarAlgorithm,
		Salt:      base64.StdEncoding.EncodeToString(salt),
		KDFParams: p,
		Version:   sidecarVersion,
		salt:      salt,
	}
}

// ReadSidecar loads and validates the KDF sidecar of the wallet at path.
func ReadSidecar(path string) (*Sidecar, error) {
	return readSidecar(path)
}

func readSidecar(path string) (*Sidecar, error) {
	data, err := os.ReadFile(SidecarPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrWalletNotFound
		}
		return nil, storageError("wallet: failed to read kdf sidecar: %w", err)
	}

	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSidecarCorrupted, err)
	}
	if sc.Algorithm != sidecarAlgorithm {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrSidecarCorrupted, sc.Algorithm)
	}
	if sc.Version != sidecarVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrSidecarCorrupted, sc.Version)
	}
	if err := sc.KDFParams.ValidateStored(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSidecarCorrupted, err)
	}
	sc.salt, err = base64.StdEncoding.DecodeString(sc.Salt)
	if err != nil || len(sc.salt) < crypto.SaltLength {
		return nil, fmt.Errorf("%w: invalid salt", ErrSidecarCorrupted)
	}
	return &sc, nil
}

func sidecarTempPath(path string) string {
	return SidecarPath(path) + ".tmp"
}

// writeSidecar replaces the sidecar atomically through a temp file.
func writeSidecar(path string, sc *Sidecar) error {
	if err := writeSidecarTemp(path, sc); err != nil {
		return err
	}
	return commitSidecar(path)
}

func writeSidecarTemp(path string, sc *Sidecar) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("wallet: failed to marshal kdf sidecar: %w", err)
	}

	tmp := sidecarTempPath(path)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, FileMode)
	if err != nil {
		return storageError("wallet: failed to create kdf sidecar: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return storageError("wallet: failed to write kdf sidecar: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return storageError("wallet: failed to sync kdf sidecar: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return storageError("wallet: failed to close kdf sidecar: %w", err)
	}
	return nil
}

func commitSidecar(path string) error {
	tmp := sidecarTempPath(path)
	if err := os.Rename(tmp, SidecarPath(path)); err != nil {
		os.Remove(tmp)
		return storageError("wallet: failed to replace kdf sidecar: %w", err)
	}
	return nil
}
