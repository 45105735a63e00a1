package crypto_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/forest6511/ssiagent/pkg/crypto"
)

// BenchmarkDeriveKey measures Argon2id key derivation with the default
// OWASP parameters (64MB memory cost).
func BenchmarkDeriveKey(b *testing.B) {
	password := []byte("testpassword123!")
	salt := make([]byte, crypto.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		b.Fatal(err)
	}
	params := crypto.DefaultKDFParams()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := crypto.DeriveKey(password, salt, params); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSeal measures AES-256-GCM encryption with a 1KB payload.
func BenchmarkSeal(b *testing.B) {
	key := make([]byte, crypto.KeyLength)
	if _, err := rand.Read(key); err != nil {
		b.Fatal(err)
	}
	data := make([]byte, 1024)

	b.ReportAllocs()
	b.SetBytes(1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := crypto.Seal(key, data, nil); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkAuthSeal measures the authcrypt box including key conversion.
func BenchmarkAuthSeal(b *testing.B) {
	_, sender, _ := ed25519.GenerateKey(rand.Reader)
	recipient, _, _ := ed25519.GenerateKey(rand.Reader)
	data := make([]byte, 1024)

	b.ReportAllocs()
	b.SetBytes(1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := crypto.AuthSeal(data, sender, recipient); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkOpenAnonymous measures opening a sealed box, the unpack path of
// every anoncrypt envelope.
func BenchmarkOpenAnonymous(b *testing.B) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	sealed, err := crypto.SealAnonymous(make([]byte, 1024), pub)
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.SetBytes(1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := crypto.OpenAnonymous(sealed, priv); err != nil {
			b.Fatal(err)
		}
	}
}
