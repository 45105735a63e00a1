// Package crypto provides the cryptographic primitives used by the wallet,
// the backup vault and the envelope codec.
//
// # Security Features
//
//   - Argon2id key derivation with explicit, persisted parameters
//   - AES-256-GCM authenticated encryption with the nonce prepended to the blob
//   - Ed25519 to X25519 conversion and NaCl box constructions (see box.go)
//   - Secure memory wiping for sensitive data
//
// # Example Usage
//
//	params := crypto.DefaultKDFParams()
//	salt, _ := crypto.RandomBytes(crypto.SaltLength)
//	key, err := crypto.DeriveKey([]byte("password"), salt, params)
//
//	blob, err := crypto.Seal(key, plaintext, nil)
//	plaintext, err := crypto.Open(key, blob, nil)
//
//	crypto.SecureWipe(key)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"runtime"

	"golang.org/x/crypto/argon2"

	"github.com/forest6511/ssiagent/pkg/errs"
)

// Argon2id defaults following OWASP recommendations.
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4

	// KeyLength is the length of symmetric keys in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12

	// SaltLength is the KDF salt length in bytes.
	SaltLength = 16
)

// Lower bounds accepted when reading persisted parameters. Anything weaker is
// treated as a corrupted or tampered sidecar.
const (
	minArgon2Memory = 8 * 1024
	maxArgon2Memory = 4 * 1024 * 1024
	maxArgon2Time   = 64
)

// Ceilings for parameters persisted next to ciphertext. A file under
// attacker control must not be able to demand more than this before the
// AEAD gets a chance to reject it.
const (
	MaxStoredArgon2Memory  = 1024 * 1024
	MaxStoredArgon2Time    = 10
	MaxStoredArgon2Threads = 16
)

// Sentinel errors returned by crypto functions.
var (
	ErrInvalidKeyLength   = errs.New(errs.InvalidArgument, "crypto: invalid key length, must be 32 bytes")
	ErrInvalidKDFParams   = errs.New(errs.InvalidArgument, "crypto: invalid kdf parameters")
	ErrCiphertextTooShort = errs.New(errs.DecryptionFailed, "crypto: ciphertext too short")
	ErrDecryptionFailed   = errs.New(errs.DecryptionFailed, "crypto: decryption failed, authentication tag verification failed")
)

// KDFParams are the Argon2id cost parameters. They are persisted next to
// every artifact derived from a password so costs can change over time.
type KDFParams struct {
	Time        uint32 `json:"time_cost"`
	Memory      uint32 `json:"memory_cost"`
	Parallelism uint8  `json:"parallelism"`
}

// DefaultKDFParams returns the OWASP-recommended parameters.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: Argon2Time, Memory: Argon2Memory, Parallelism: Argon2Threads}
}

// Validate rejects parameter sets outside the accepted range.
func (p KDFParams) Validate() error {
	switch {
	case p.Time == 0 || p.Time > maxArgon2Time:
		return fmt.Errorf("%w: time_cost %d", ErrInvalidKDFParams, p.Time)
	case p.Memory < minArgon2Memory || p.Memory > maxArgon2Memory:
		return fmt.Errorf("%w: memory_cost %d KiB", ErrInvalidKDFParams, p.Memory)
	case p.Parallelism == 0:
		return fmt.Errorf("%w: parallelism 0", ErrInvalidKDFParams)
	}
	return nil
}

// ValidateStored is Validate with the tighter ceilings that apply to
// parameters written to or read from a file.
func (p KDFParams) ValidateStored() error {
	if err := p.Validate(); err != nil {
		return err
	}
	switch {
	case p.Time > MaxStoredArgon2Time:
		return fmt.Errorf("%w: time_cost %d exceeds %d", ErrInvalidKDFParams, p.Time, MaxStoredArgon2Time)
	case p.Memory > MaxStoredArgon2Memory:
		return fmt.Errorf("%w: memory_cost %d KiB exceeds %d KiB", ErrInvalidKDFParams, p.Memory, MaxStoredArgon2Memory)
	case p.Parallelism > MaxStoredArgon2Threads:
		return fmt.Errorf("%w: parallelism %d exceeds %d", ErrInvalidKDFParams, p.Parallelism, MaxStoredArgon2Threads)
	}
	return nil
}

// DeriveKey derives a 256-bit key from a password using Argon2id.
// The salt should be at least 16 bytes of cryptographically secure random data.
func DeriveKey(password, salt []byte, p KDFParams) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(salt) < SaltLength {
		return nil, fmt.Errorf("%w: salt must be at least %d bytes", ErrInvalidKDFParams, SaltLength)
	}
	return argon2.IDKey(password, salt, p.Time, p.Memory, p.Parallelism, KeyLength), nil
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: failed to read random bytes: %w", err)
	}
	return b, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext with AES-256-GCM under key and returns
// nonce || ciphertext || tag. aad is authenticated but not encrypted.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce, err := RandomBytes(NonceLength)
	if err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal. Any tampering with blob or aad yields ErrDecryptionFailed.
func Open(key, blob, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(blob) < NonceLength+gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err := gcm.Open(nil, blob[:NonceLength], blob[NonceLength:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive keeps b "in use" after the loop so the writes stay.
	runtime.KeepAlive(b)
}
