package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/forest6511/ssiagent/pkg/errs"
)

const (
	// Curve25519KeySize is the size of an X25519 public or private key.
	Curve25519KeySize = 32

	// BoxNonceSize is the size of a NaCl box nonce.
	BoxNonceSize = 24
)

// ErrInvalidPublicKey is returned when a verification key is not a valid
// Ed25519 point.
var ErrInvalidPublicKey = errs.New(errs.InvalidArgument, "crypto: invalid ed25519 public key")

// PublicEd25519ToCurve25519 maps an Ed25519 verification key to the
// birationally equivalent X25519 public key.
func PublicEd25519ToCurve25519(pub ed25519.PublicKey) (*[Curve25519KeySize]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: %d-byte key", ErrInvalidPublicKey, len(pub))
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	var out [Curve25519KeySize]byte
	copy(out[:], p.BytesMontgomery())
	return &out, nil
}

// SecretEd25519ToCurve25519 derives the X25519 secret scalar from an Ed25519
// private key, the same way libsodium's crypto_sign_ed25519_sk_to_curve25519 does.
func SecretEd25519ToCurve25519(priv ed25519.PrivateKey) (*[Curve25519KeySize]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: %d-byte private key", ErrInvalidKeyLength, len(priv))
	}
	h := sha512.Sum512(priv.Seed())
	defer SecureWipe(h[:])

	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	var out [Curve25519KeySize]byte
	copy(out[:], h[:Curve25519KeySize])
	return &out, nil
}

// SealAnonymous encrypts message to the holder of recipient using an
// ephemeral sender key (libsodium crypto_box_seal). The sender is not
// authenticated.
func SealAnonymous(message []byte, recipient ed25519.PublicKey) ([]byte, error) {
	recPub, err := PublicEd25519ToCurve25519(recipient)
	if err != nil {
		return nil, err
	}
	out, err := box.SealAnonymous(nil, message, recPub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: sealed box failed: %w", err)
	}
	return out, nil
}

// OpenAnonymous decrypts a SealAnonymous output with the recipient's key pair.
func OpenAnonymous(sealed []byte, recipient ed25519.PrivateKey) ([]byte, error) {
	if len(sealed) < box.AnonymousOverhead {
		return nil, ErrCiphertextTooShort
	}
	recPriv, err := SecretEd25519ToCurve25519(recipient)
	if err != nil {
		return nil, err
	}
	defer SecureWipe(recPriv[:])

	recPub, err := PublicEd25519ToCurve25519(recipient.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}

	out, ok := box.OpenAnonymous(nil, sealed, recPub, recPriv)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return out, nil
}

// AuthSeal encrypts and authenticates message from sender to recipient with a
// Curve25519 Diffie-Hellman box. The random nonce is prepended to the output.
func AuthSeal(message []byte, sender ed25519.PrivateKey, recipient ed25519.PublicKey) ([]byte, error) {
	senderPriv, err := SecretEd25519ToCurve25519(sender)
	if err != nil {
		return nil, err
	}
	defer SecureWipe(senderPriv[:])

	recPub, err := PublicEd25519ToCurve25519(recipient)
	if err != nil {
		return nil, err
	}

	var nonce [BoxNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	return box.Seal(nonce[:], message, &nonce, recPub, senderPriv), nil
}

// AuthOpen verifies and decrypts an AuthSeal output. Tampering with any byte,
// or using keys other than the original pair, fails cryptographically.
func AuthOpen(sealed []byte, sender ed25519.PublicKey, recipient ed25519.PrivateKey) ([]byte, error) {
	if len(sealed) < BoxNonceSize+box.Overhead {
		return nil, ErrCiphertextTooShort
	}

	senderPub, err := PublicEd25519ToCurve25519(sender)
	if err != nil {
		return nil, err
	}
	recPriv, err := SecretEd25519ToCurve25519(recipient)
	if err != nil {
		return nil, err
	}
	defer SecureWipe(recPriv[:])

	var nonce [BoxNonceSize]byte
	copy(nonce[:], sealed[:BoxNonceSize])

	out, ok := box.Open(nil, sealed[BoxNonceSize:], &nonce, senderPub, recPriv)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return out, nil
}
