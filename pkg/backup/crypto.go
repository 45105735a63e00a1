package backup

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/text/unicode/norm"

	"github.com/forest6511/ssiagent/pkg/crypto"
)

const (
	// SaltLength is the length of the backup salt in bytes.
	SaltLength = 32

	nonceSize = chacha20poly1305.NonceSizeX
	tagSize   = chacha20poly1305.Overhead
)

// HKDF info string for the record encryption key.
const hkdfInfoEncryption = "ssiagent-backup-encryption-v1"

// deriveBackupKey derives the XChaCha20-Poly1305 key from a passphrase:
// Argon2id with the record's own salt and costs, then HKDF-SHA256.
func deriveBackupKey(passphrase string, kdf KDFRecord) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassword
	}

	pw := []byte(norm.NFC.String(passphrase))
	defer crypto.SecureWipe(pw)

	masterKey, err := crypto.DeriveKey(pw, kdf.Salt, kdf.KDFParams)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(masterKey)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, kdf.Salt, []byte(hkdfInfoEncryption)), key); err != nil {
		return nil, fmt.Errorf("backup: failed to derive encryption key: %w", err)
	}
	return key, nil
}

func seal(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to create cipher: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

func open(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to create cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}
