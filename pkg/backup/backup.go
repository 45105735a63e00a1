// Package backup wraps a wallet password under an independent backup
// passphrase so a forgotten wallet password can be recovered.
//
// Features:
//   - XChaCha20-Poly1305 with the record header as associated data
//   - Argon2id key derivation with a fresh salt per backup, then HKDF-SHA256
//   - Durable writes: temp file, fsync, rename
//
// Security:
//   - Backup salt and costs never reuse the wallet's KDF parameters
//   - A wrong passphrase and a modified file fail the same way
//   - File permissions: 0600
//   - Derived keys cleared from memory with SecureWipe
package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"

	"github.com/forest6511/ssiagent/pkg/crypto"
	"github.com/forest6511/ssiagent/pkg/errs"
)

// Options configures Create.
type Options struct {
	// KDFParams are the Argon2id costs for the backup key. Zero means defaults.
	KDFParams crypto.KDFParams
	// Force replaces an existing output file.
	Force bool
	// Now overrides the clock for created_at.
	Now func() time.Time
}

// VerifyResult contains the result of a verify operation.
type VerifyResult struct {
	// Valid indicates the passphrase opens the backup.
	Valid bool `json:"valid" yaml:"valid"`
	// Version is the backup format version.
	Version int `json:"version,omitempty" yaml:"version,omitempty"`
	// CreatedAt is when the backup was created.
	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	// Cipher is the record cipher.
	Cipher string `json:"cipher,omitempty" yaml:"cipher,omitempty"`
	// Error is set if verification failed.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Create encrypts walletPassword under backupPassphrase and writes the
// record to outFile.
func Create(walletPassword []byte, backupPassphrase, outFile string, opts Options) (*Record, error) {
	if len(walletPassword) == 0 {
		return nil, ErrEmptyPassword
	}
	if outFile == "" {
		return nil, errs.New(errs.InvalidArgument, "backup: output path is required")
	}
	if !opts.Force {
		if _, err := os.Stat(outFile); err == nil {
			return nil, ErrBackupExists
		}
	}

	params := opts.KDFParams
	if params == (crypto.KDFParams{}) {
		params = crypto.DefaultKDFParams()
	}
	if err := params.ValidateStored(); err != nil {
		return nil, err
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	salt, err := crypto.RandomBytes(SaltLength)
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.RandomBytes(nonceSize)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		Version:   FormatVersion,
		CreatedAt: now().UTC().Truncate(time.Second),
		Cipher:    CipherXChaCha20Poly1305,
		KDF:       KDFRecord{Algorithm: kdfAlgorithm, Salt: salt, KDFParams: params},
		Nonce:     nonce,
	}

	key, err := deriveBackupKey(backupPassphrase, rec.KDF)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(key)

	aad, err := HeaderBytes(rec)
	if err != nil {
		return nil, err
	}
	rec.Ciphertext, err = seal(key, nonce, walletPassword, aad)
	if err != nil {
		return nil, err
	}

	data, err := EncodeRecord(rec)
	if err != nil {
		return nil, err
	}
	if err := writeFileDurable(outFile, data); err != nil {
		return nil, err
	}

	glog.V(1).Infof("backup written: %s", outFile)
	return rec, nil
}

// Recover decrypts the wallet password stored in inFile. The returned
// bytes are exactly the password given to Create.
func Recover(backupPassphrase, inFile string) ([]byte, error) {
	rec, err := ReadRecord(inFile)
	if err != nil {
		return nil, err
	}
	return decrypt(rec, backupPassphrase)
}

// Verify checks that backupPassphrase opens inFile without returning the
// password. Failures are reported in the result, like a health check.
func Verify(backupPassphrase, inFile string) (*VerifyResult, error) {
	rec, err := ReadRecord(inFile)
	if err != nil {
		return &VerifyResult{Valid: false, Error: err.Error()}, nil
	}

	result := &VerifyResult{Version: rec.Version, CreatedAt: rec.CreatedAt, Cipher: rec.Cipher}
	password, err := decrypt(rec, backupPassphrase)
	if err != nil {
		result.Error = err.Error()
		return result, nil
	}
	crypto.SecureWipe(password)

	result.Valid = true
	return result, nil
}

// ReadRecord loads and validates a backup file without decrypting it.
func ReadRecord(inFile string) (*Record, error) {
	f, err := os.Open(inFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, inFile)
		}
		return nil, errs.Wrap(errs.StorageError, fmt.Errorf("backup: failed to open backup file: %w", err))
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxRecordSize+1))
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, fmt.Errorf("backup: failed to read backup file: %w", err))
	}
	if len(data) > maxRecordSize {
		return nil, fmt.Errorf("%w: file larger than %d bytes", ErrInvalidBackup, maxRecordSize)
	}
	return DecodeRecord(data)
}

func decrypt(rec *Record, backupPassphrase string) ([]byte, error) {
	key, err := deriveBackupKey(backupPassphrase, rec.KDF)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(key)

	aad, err := HeaderBytes(rec)
	if err != nil {
		return nil, err
	}
	return open(key, rec.Nonce, rec.Ciphertext, aad)
}

// writeFileDurable writes data to a temp file in the target directory,
// syncs it and renames it over path.
func writeFileDurable(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errs.Wrap(errs.StorageError, fmt.Errorf("backup: failed to create directory: %w", err))
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return errs.Wrap(errs.StorageError, fmt.Errorf("backup: failed to create temp file: %w", err))
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if err := tmp.Chmod(0600); err != nil {
		cleanup()
		return errs.Wrap(errs.StorageError, fmt.Errorf("backup: failed to set permissions: %w", err))
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return errs.Wrap(errs.StorageError, fmt.Errorf("backup: failed to write backup: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return errs.Wrap(errs.StorageError, fmt.Errorf("backup: failed to sync backup: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.StorageError, fmt.Errorf("backup: failed to close backup: %w", err))
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.StorageError, fmt.Errorf("backup: failed to move backup into place: %w", err))
	}

	syncDir(dir)
	return nil
}

// syncDir flushes the directory entry of a rename. Not supported everywhere,
// so failures are only logged.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		glog.V(2).Infof("backup: directory sync skipped: %v", err)
	}
}
