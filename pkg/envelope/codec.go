package envelope

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/golang/glog"
	"github.com/mr-tron/base58"

	"github.com/forest6511/ssiagent/pkg/crypto"
	"github.com/forest6511/ssiagent/pkg/errs"
)

// Resolver supplies key material by DID or verkey. An open wallet
// implements it.
type Resolver interface {
	// ResolvePrivateKey returns an own private key and its verkey.
	ResolvePrivateKey(didOrVerkey string) (ed25519.PrivateKey, string, error)
	// ResolveVerkey returns the verkey of any known DID, or a raw verkey.
	ResolveVerkey(didOrVerkey string) (string, error)
}

var ciphertextEncoding = base64.RawURLEncoding

// Codec packs and unpacks envelopes. It keeps no state besides the
// resolver and clock and persists nothing.
type Codec struct {
	resolver Resolver
	now      func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec returns a codec borrowing keys from r. r may be nil, in which
// case only none envelopes and anoncrypt to raw verkeys can be packed.
func NewCodec(r Resolver, opts ...Option) *Codec {
	c := &Codec{resolver: r, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pack dispatches to the mode specific pack function. sender is ignored
// unless mode is authcrypt, recipient is ignored for none.
func (c *Codec) Pack(mode Mode, kind, sender, recipient string, plaintext []byte, opts Options) ([]byte, error) {
	switch mode {
	case ModeNone:
		return c.PackNone(kind, plaintext, opts)
	case ModeAnoncrypt:
		return c.PackAnon(kind, recipient, plaintext, opts)
	case ModeAuthcrypt:
		return c.PackAuth(kind, sender, recipient, plaintext, opts)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
}

// PackNone builds a plaintext envelope. The plaintext must be UTF-8 so it
// survives the JSON string unchanged.
func (c *Codec) PackNone(kind string, plaintext []byte, opts Options) ([]byte, error) {
	if !utf8.Valid(plaintext) {
		return nil, ErrInvalidPlaintext
	}
	env, err := newEnvelope(kind, Crypto{Mode: ModeNone}, opts)
	if err != nil {
		return nil, err
	}
	env.Payload = Payload{Ciphertext: string(plaintext), CiphertextLen: len(plaintext)}
	return Marshal(env)
}

// PackAnon seals plaintext to recipient, a DID or verkey. No sender is
// recorded or authenticated.
func (c *Codec) PackAnon(kind, recipient string, plaintext []byte, opts Options) ([]byte, error) {
	recVerkey, recPub, err := c.resolveRecipient(recipient)
	if err != nil {
		return nil, err
	}
	env, err := newEnvelope(kind, Crypto{Mode: ModeAnoncrypt, RecipientVerkey: recVerkey}, opts)
	if err != nil {
		return nil, err
	}

	sealed, err := crypto.SealAnonymous(plaintext, recPub)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err)
	}
	env.Payload = Payload{Ciphertext: ciphertextEncoding.EncodeToString(sealed), CiphertextLen: len(plaintext)}

	glog.V(2).Infof("packed anoncrypt %s envelope for %s", kind, recVerkey)
	return Marshal(env)
}

// PackAuth encrypts plaintext from sender, an own DID or verkey, to
// recipient.
func (c *Codec) PackAuth(kind, sender, recipient string, plaintext []byte, opts Options) ([]byte, error) {
	if c.resolver == nil {
		return nil, ErrNoResolver
	}
	senderKey, senderVerkey, err := c.resolver.ResolvePrivateKey(sender)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(senderKey)

	recVerkey, recPub, err := c.resolveRecipient(recipient)
	if err != nil {
		return nil, err
	}
	env, err := newEnvelope(kind, Crypto{
		Mode:            ModeAuthcrypt,
		SenderVerkey:    senderVerkey,
		RecipientVerkey: recVerkey,
	}, opts)
	if err != nil {
		return nil, err
	}

	sealed, err := crypto.AuthSeal(plaintext, senderKey, recPub)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err)
	}
	env.Payload = Payload{Ciphertext: ciphertextEncoding.EncodeToString(sealed), CiphertextLen: len(plaintext)}

	glog.V(2).Infof("packed authcrypt %s envelope %s -> %s", kind, senderVerkey, recVerkey)
	return Marshal(env)
}

// Parse inspects data without key access.
func (c *Codec) Parse(data []byte) (*Summary, error) {
	return Parse(data)
}

// UnpackAuto decodes data, dispatches on crypto.mode and returns the
// plaintext. recipient is the DID or verkey whose private key opens the
// envelope and is ignored for none envelopes. Expired envelopes never
// return plaintext.
func (c *Codec) UnpackAuto(recipient string, data []byte) ([]byte, error) {
	env, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}

	var plaintext []byte
	switch env.Crypto.Mode {
	case ModeNone:
		plaintext = []byte(env.Payload.Ciphertext)
	case ModeAnoncrypt, ModeAuthcrypt:
		plaintext, err = c.decrypt(env, recipient)
		if err != nil {
			return nil, err
		}
	}

	if len(plaintext) != env.Payload.CiphertextLen {
		crypto.SecureWipe(plaintext)
		return nil, fmt.Errorf("%w: ciphertext_len %d, plaintext is %d bytes",
			ErrInvalidEnvelope, env.Payload.CiphertextLen, len(plaintext))
	}
	if err := c.checkExpiry(env); err != nil {
		crypto.SecureWipe(plaintext)
		return nil, err
	}
	return plaintext, nil
}

// Expired reports whether env is at or past its expiry.
func (c *Codec) Expired(env *Envelope) bool {
	return env.ExpiresAt != nil && c.now().UnixMilli() >= *env.ExpiresAt
}

func (c *Codec) checkExpiry(env *Envelope) error {
	if c.Expired(env) {
		return fmt.Errorf("%w: expires_at %d", ErrExpired, *env.ExpiresAt)
	}
	return nil
}

func (c *Codec) decrypt(env *Envelope, recipient string) ([]byte, error) {
	if c.resolver == nil {
		return nil, ErrNoResolver
	}
	priv, verkey, err := c.resolver.ResolvePrivateKey(recipient)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(priv)

	if verkey != env.Crypto.RecipientVerkey {
		return nil, fmt.Errorf("%w: have %s, envelope is for %s", ErrRecipientMismatch, verkey, env.Crypto.RecipientVerkey)
	}

	sealed, err := ciphertextEncoding.DecodeString(env.Payload.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrInvalidEnvelope, err)
	}

	var plaintext []byte
	if env.Crypto.Mode == ModeAnoncrypt {
		plaintext, err = crypto.OpenAnonymous(sealed, priv)
	} else {
		var senderPub ed25519.PublicKey
		senderPub, err = decodeVerkey(env.Crypto.SenderVerkey)
		if err != nil {
			return nil, fmt.Errorf("%w: sender_verkey", ErrInvalidEnvelope)
		}
		plaintext, err = crypto.AuthOpen(sealed, senderPub, priv)
	}
	if err != nil {
		if errs.Is(err, errs.DecryptionFailed) {
			return nil, err
		}
		if errors.Is(err, crypto.ErrInvalidPublicKey) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
		}
		return nil, errs.Wrap(errs.DecryptionFailed, err)
	}
	glog.V(2).Infof("unpacked %s %s envelope for %s", env.Crypto.Mode, env.Kind, verkey)
	return plaintext, nil
}

// resolveRecipient returns the verkey and public key of a recipient DID or
// verkey. Without a resolver only raw verkeys are accepted.
func (c *Codec) resolveRecipient(recipient string) (string, ed25519.PublicKey, error) {
	verkey := recipient
	if c.resolver != nil {
		var err error
		if verkey, err = c.resolver.ResolveVerkey(recipient); err != nil {
			return "", nil, err
		}
	}
	pub, err := decodeVerkey(verkey)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidRecipientKey, recipient)
	}
	return verkey, pub, nil
}

func decodeVerkey(verkey string) (ed25519.PublicKey, error) {
	b, err := base58.Decode(verkey)
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("verkey is %d bytes", len(b))
	}
	return ed25519.PublicKey(b), nil
}

func newEnvelope(kind string, c Crypto, opts Options) (*Envelope, error) {
	if kind == "" {
		return nil, ErrEmptyKind
	}
	env := &Envelope{V: Version, Kind: kind, Crypto: c}
	if err := opts.apply(env); err != nil {
		return nil, err
	}
	return env, nil
}
