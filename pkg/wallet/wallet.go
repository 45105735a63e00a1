// Package wallet implements the encrypted key store of the agent and the key
// resolver used by the envelope codec.
//
// A wallet is a single SQLite file. A random data encryption key (DEK)
// protects every private key; the DEK itself is wrapped under a key derived
// from the wallet password with Argon2id. The Argon2id salt and cost
// parameters live in a JSON sidecar next to the wallet file so the costs can
// change without breaking existing wallets.
package wallet

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/forest6511/ssiagent/pkg/audit"
	"github.com/forest6511/ssiagent/pkg/crypto"
	"github.com/forest6511/ssiagent/pkg/errs"

	_ "modernc.org/sqlite"
)

// Constants
const (
	FileMode = 0600 // Owner read/write only
	DirMode  = 0700 // Owner read/write/execute only

	// Sibling files of the wallet, named by suffix.
	SidecarSuffix  = ".kdf.json"
	AuditSuffix    = ".audit.jsonl"
	AttemptsSuffix = ".attempts.json"

	// Failed open limits: 5 attempts -> 30s, 10 attempts -> 5min, 20 attempts -> 30min
	CooldownThreshold1 = 5
	CooldownThreshold2 = 10
	CooldownThreshold3 = 20
	CooldownDuration1  = 30 * time.Second
	CooldownDuration2  = 5 * time.Minute
	CooldownDuration3  = 30 * time.Minute

	// Disk capacity thresholds
	MinDiskSpaceBytes  = 10 * 1024 * 1024 // 10 MB minimum free space
	DiskWarningPercent = 90
)

// dekAAD binds the wrapped DEK to its purpose.
var dekAAD = []byte("ssiagent-wallet-dek-v1")

// Errors
var (
	ErrWalletExists     = errs.New(errs.AlreadyExists, "wallet: wallet already exists at this path")
	ErrWalletNotFound   = errs.New(errs.NotFound, "wallet: wallet not found at this path")
	ErrWalletNotOpen    = errs.New(errs.WalletNotOpen, "wallet: wallet is not open")
	ErrInvalidPassword  = errs.New(errs.WalletAuthFailed, "wallet: invalid password")
	ErrTooManyAttempts  = errs.New(errs.WalletAuthFailed, "wallet: too many failed open attempts")
	ErrCooldownActive   = errs.New(errs.WalletAuthFailed, "wallet: cooldown period active")
	ErrSidecarCorrupted = errs.New(errs.StorageError, "wallet: kdf sidecar is corrupted")
	ErrDEKNotFound      = errs.New(errs.StorageError, "wallet: wrapped data key not found in database")
	ErrInsufficientDisk = errs.New(errs.StorageError, "wallet: insufficient disk space")
)

// Wallet is a handle on one wallet file. The zero state is closed; Open
// makes key records available until Close.
type Wallet struct {
	path   string           // Path to the wallet file
	params crypto.KDFParams // Argon2id costs for new key derivations
	dek    []byte           // Decrypted data encryption key while open
	db     *sql.DB          // SQLite connection while open
	mu     sync.RWMutex
	audit  *audit.Logger
	now    func() time.Time
}

// Option configures a Wallet handle.
type Option func(*Wallet)

// WithKDFParams sets the Argon2id costs used by Create and ChangePassword.
// Open always uses the parameters recorded in the sidecar.
func WithKDFParams(p crypto.KDFParams) Option {
	return func(w *Wallet) {
		w.params = p
	}
}

// New creates a closed handle for the wallet file at path.
func New(path string, opts ...Option) *Wallet {
	w := &Wallet{
		path:   path,
		params: crypto.DefaultKDFParams(),
		audit:  audit.NewLogger(AuditPath(path)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SidecarPath returns the KDF sidecar location for a wallet file.
func SidecarPath(path string) string {
	return path + SidecarSuffix
}

// AuditPath returns the audit log location for a wallet file.
func AuditPath(path string) string {
	return path + AuditSuffix
}

// Exists reports whether a wallet file or its sidecar is present at path.
func Exists(path string) bool {
	return fileExists(path) || fileExists(SidecarPath(path))
}

// Create initializes a new wallet and leaves it closed:
// 1. Generate salt and write the sidecar
// 2. Derive KEK from the password and salt
// 3. Generate DEK and wrap it with KEK
// 4. Create the database and store the wrapped DEK
func (w *Wallet) Create(password string) (err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := ValidatePassword(password); err != nil {
		return err
	}
	if err := w.params.ValidateStored(); err != nil {
		return err
	}
	if Exists(w.path) {
		return ErrWalletExists
	}

	if err := os.MkdirAll(filepath.Dir(w.path), DirMode); err != nil {
		return storageError("wallet: failed to create wallet directory: %w", err)
	}
	if err := w.checkDiskSpaceForWrite(1024 * 1024); err != nil {
		return err
	}

	// Anything left behind by a failed create would block the next attempt.
	defer func() {
		if err != nil {
			_ = removeWalletFiles(w.path)
		}
	}()

	salt, err := crypto.RandomBytes(crypto.SaltLength)
	if err != nil {
		return err
	}
	if err := writeSidecar(w.path, newSidecar(salt, w.params)); err != nil {
		return err
	}

	kek, err := deriveKEK(password, salt, w.params)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(kek)

	dek, err := crypto.RandomBytes(crypto.KeyLength)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(dek)

	wrapped, err := crypto.Seal(kek, dek, dekAAD)
	if err != nil {
		return fmt.Errorf("wallet: failed to wrap data key: %w", err)
	}

	db, err := openDB(w.path)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := createTables(db); err != nil {
		return storageError("wallet: failed to create tables: %w", err)
	}
	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return err
	}
	if _, err := db.Exec("INSERT INTO wallet_meta(id, wrapped_dek, created_at) VALUES(1, ?, ?)",
		wrapped, w.now().UnixMilli()); err != nil {
		return storageError("wallet: failed to save wrapped data key: %w", err)
	}

	if err := os.Chmod(w.path, FileMode); err != nil {
		return storageError("wallet: failed to set database permissions: %w", err)
	}

	if err := w.audit.SetHMACKey(dek); err != nil {
		glog.Warningf("wallet: failed to initialize audit logger: %v", err)
	} else {
		_ = w.audit.LogSuccess(audit.OpWalletCreate, "")
		w.audit.ClearKey()
	}

	glog.V(1).Infof("wallet created: %s", w.path)
	return nil
}

// Open unlocks the wallet with its password:
// 1. Check cooldown status
// 2. Read the sidecar and derive KEK
// 3. Unwrap the DEK; this is the only password check
// 4. Keep DEK and database open until Close
//
// Opening an already open handle succeeds only with the same password.
func (w *Wallet) Open(password string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !fileExists(w.path) || !fileExists(SidecarPath(w.path)) {
		return ErrWalletNotFound
	}

	if w.dek != nil {
		return w.reopen(password)
	}

	if remaining, err := w.checkCooldown(); err != nil {
		if errors.Is(err, ErrCooldownActive) {
			return fmt.Errorf("%w: please wait %v", ErrCooldownActive, remaining.Round(time.Second))
		}
		return err
	}

	sc, err := readSidecar(w.path)
	if err != nil {
		return err
	}
	kek, err := deriveKEK(password, sc.salt, sc.KDFParams)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(kek)

	db, err := openDB(w.path)
	if err != nil {
		return err
	}

	wrapped, err := readWrappedDEK(db)
	if err != nil {
		db.Close()
		return err
	}

	dek, err := crypto.Open(kek, wrapped, dekAAD)
	if err != nil {
		db.Close()
		if errs.Is(err, errs.DecryptionFailed) {
			return w.failedAttempt()
		}
		return fmt.Errorf("wallet: failed to unwrap data key: %w", err)
	}

	// Only an authenticated open may change the file.
	if err := migrateSchema(db); err != nil {
		crypto.SecureWipe(dek)
		db.Close()
		return err
	}

	w.dek = dek
	w.db = db

	if err := w.clearLockState(); err != nil {
		glog.Warningf("wallet: failed to clear lock state: %v", err)
	}

	if err := w.audit.SetHMACKey(dek); err != nil {
		glog.Warningf("wallet: failed to initialize audit logger: %v", err)
	} else {
		_ = w.audit.LogSuccess(audit.OpWalletOpen, "")
	}

	w.checkAndWarnPermissions()
	glog.V(1).Infof("wallet opened: %s", w.path)
	return nil
}

// reopen handles Open on an already open handle. Caller holds w.mu.
func (w *Wallet) reopen(password string) error {
	sc, err := readSidecar(w.path)
	if err != nil {
		return err
	}
	kek, err := deriveKEK(password, sc.salt, sc.KDFParams)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(kek)

	wrapped, err := readWrappedDEK(w.db)
	if err != nil {
		return err
	}
	dek, err := crypto.Open(kek, wrapped, dekAAD)
	if err != nil {
		_ = w.audit.LogError(audit.OpWalletOpenFailed, "", ErrInvalidPassword)
		return w.failedAttempt()
	}
	crypto.SecureWipe(dek)
	return nil
}

// failedAttempt records a failed password check and returns the error to
// report. Caller holds w.mu.
func (w *Wallet) failedAttempt() error {
	cooldown, err := w.recordFailedAttempt()
	if err != nil {
		glog.Warningf("wallet: failed to record open attempt: %v", err)
	}
	if cooldown > 0 {
		return fmt.Errorf("%w: cooldown activated for %v", ErrTooManyAttempts, cooldown.Round(time.Second))
	}
	return ErrInvalidPassword
}

// Close wipes the data key and closes the database. Closing a closed
// wallet is a no-op.
func (w *Wallet) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dek != nil {
		_ = w.audit.LogSuccess(audit.OpWalletClose, "")
		w.audit.ClearKey()
		crypto.SecureWipe(w.dek)
		w.dek = nil
	}

	if w.db != nil {
		w.db.Close()
		w.db = nil
	}
}

// IsOpen reports whether the wallet is open.
func (w *Wallet) IsOpen() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.dek != nil
}

// Path returns the wallet file path
func (w *Wallet) Path() string {
	return w.path
}

// AuditLogger returns the audit logger
func (w *Wallet) AuditLogger() *audit.Logger {
	return w.audit
}

// AuditVerify verifies the audit log chain. The wallet must be open.
func (w *Wallet) AuditVerify() (*audit.VerifyResult, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.dek == nil {
		return nil, ErrWalletNotOpen
	}
	return w.audit.Verify()
}

// ChangePassword re-wraps the data key under a new password with a fresh
// salt. Private keys are untouched since they are encrypted under the DEK.
func (w *Wallet) ChangePassword(oldPassword, newPassword string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dek == nil {
		return ErrWalletNotOpen
	}
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	if err := w.params.ValidateStored(); err != nil {
		return err
	}

	sc, err := readSidecar(w.path)
	if err != nil {
		return err
	}
	oldKEK, err := deriveKEK(oldPassword, sc.salt, sc.KDFParams)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(oldKEK)

	oldWrapped, err := readWrappedDEK(w.db)
	if err != nil {
		return err
	}
	check, err := crypto.Open(oldKEK, oldWrapped, dekAAD)
	if err != nil {
		_ = w.audit.LogError(audit.OpWalletPassword, "", ErrInvalidPassword)
		return ErrInvalidPassword
	}
	crypto.SecureWipe(check)

	salt, err := crypto.RandomBytes(crypto.SaltLength)
	if err != nil {
		return err
	}
	newKEK, err := deriveKEK(newPassword, salt, w.params)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(newKEK)

	wrapped, err := crypto.Seal(newKEK, w.dek, dekAAD)
	if err != nil {
		return fmt.Errorf("wallet: failed to wrap data key: %w", err)
	}

	// The sidecar temp file is written before the database commits and
	// renamed after, so a crash leaves at worst a stale temp file.
	if err := writeSidecarTemp(w.path, newSidecar(salt, w.params)); err != nil {
		return err
	}

	tx, err := w.db.Begin()
	if err != nil {
		_ = os.Remove(sidecarTempPath(w.path))
		return storageError("wallet: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE wallet_meta SET wrapped_dek = ? WHERE id = 1", wrapped); err != nil {
		_ = os.Remove(sidecarTempPath(w.path))
		return storageError("wallet: failed to update wrapped data key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		_ = os.Remove(sidecarTempPath(w.path))
		return storageError("wallet: failed to commit transaction: %w", err)
	}

	if err := commitSidecar(w.path); err != nil {
		// Put the old wrapping back so the old sidecar still matches.
		if _, rbErr := w.db.Exec("UPDATE wallet_meta SET wrapped_dek = ? WHERE id = 1", oldWrapped); rbErr != nil {
			glog.Errorf("wallet: failed to restore wrapped data key: %v", rbErr)
		}
		return err
	}

	_ = w.audit.LogSuccess(audit.OpWalletPassword, "")
	return nil
}

// Destroy removes the wallet file together with its WAL, shared memory,
// sidecar, sidecar temp, audit log and attempts files. Every removal is
// attempted; the errors are joined. The handle for path must be closed.
func Destroy(path string) error {
	if !Exists(path) && !fileExists(AuditPath(path)) {
		return ErrWalletNotFound
	}
	if err := removeWalletFiles(path); err != nil {
		return errs.Wrap(errs.StorageError, err)
	}
	glog.V(1).Infof("wallet destroyed: %s", path)
	return nil
}

func removeWalletFiles(path string) error {
	var removeErrs []error
	for _, p := range []string{
		path,
		path + "-wal",
		path + "-shm",
		SidecarPath(path),
		sidecarTempPath(path),
		AuditPath(path),
		path + AttemptsSuffix,
	} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			removeErrs = append(removeErrs, fmt.Errorf("wallet: failed to remove %s: %w", p, err))
		}
	}
	return errors.Join(removeErrs...)
}

// requireOpen fails fast on a closed wallet. Caller holds w.mu.
func (w *Wallet) requireOpen() error {
	if w.dek == nil {
		return ErrWalletNotOpen
	}
	return nil
}

func deriveKEK(password string, salt []byte, p crypto.KDFParams) ([]byte, error) {
	pw := normalizePassword(password)
	defer crypto.SecureWipe(pw)
	return crypto.DeriveKey(pw, salt, p)
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, storageError("wallet: failed to open database: %w", err)
	}

	// One connection avoids "database is locked" between our own statements.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, storageError("wallet: failed to open database: %w", err)
	}
	return db, nil
}

func readWrappedDEK(db *sql.DB) ([]byte, error) {
	var wrapped []byte
	err := db.QueryRow("SELECT wrapped_dek FROM wallet_meta WHERE id = 1").Scan(&wrapped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDEKNotFound
	}
	if err != nil {
		return nil, storageError("wallet: failed to read wrapped data key: %w", err)
	}
	return wrapped, nil
}

// checkAndWarnPermissions logs a warning for wallet files readable by
// group or others. Advisory only.
func (w *Wallet) checkAndWarnPermissions() {
	for _, p := range []string{w.path, SidecarPath(w.path), AuditPath(w.path)} {
		if info, err := os.Stat(p); err == nil {
			if perm := info.Mode().Perm(); perm&0077 != 0 {
				glog.Warningf("%s has insecure permissions %04o (expected 0600)", filepath.Base(p), perm)
			}
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func storageError(format string, args ...any) error {
	return errs.Replace(errs.StorageError, fmt.Errorf(format, args...))
}
