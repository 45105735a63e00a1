// Package envelope implements the agent message envelope: one wire struct
// carried in three crypto modes.
//
//   - none: the plaintext travels as is
//   - anoncrypt: libsodium sealed box to the recipient verkey
//   - authcrypt: NaCl box from the sender key to the recipient verkey
//
// Ed25519 verkeys are converted to X25519 for the box constructions.
// Ciphertexts are base64url without padding.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/forest6511/ssiagent/pkg/errs"
)

// Version is the only envelope version understood.
const Version = 1

// Mode selects the crypto construction of an envelope.
type Mode string

// Envelope modes. The string values are part of the wire format.
const (
	ModeNone      Mode = "none"
	ModeAnoncrypt Mode = "anoncrypt"
	ModeAuthcrypt Mode = "authcrypt"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeNone, ModeAnoncrypt, ModeAuthcrypt:
		return true
	}
	return false
}

// ParseMode converts a user supplied mode name.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
	return m, nil
}

// Envelope errors
var (
	ErrInvalidEnvelope     = errs.New(errs.InvalidEnvelope, "envelope: malformed envelope")
	ErrUnsupportedVersion  = errs.New(errs.InvalidEnvelope, "envelope: unsupported version")
	ErrUnknownMode         = errs.New(errs.InvalidEnvelope, "envelope: unknown crypto mode")
	ErrExpired             = errs.New(errs.EnvelopeExpired, "envelope: expired")
	ErrRecipientMismatch   = errs.New(errs.RecipientMismatch, "envelope: key does not match envelope recipient")
	ErrNoResolver          = errs.New(errs.WalletNotOpen, "envelope: no wallet available for key resolution")
	ErrEmptyKind           = errs.New(errs.InvalidArgument, "envelope: kind is required")
	ErrInvalidMetadata     = errs.New(errs.InvalidArgument, "envelope: metadata must be a JSON object")
	ErrInvalidPlaintext    = errs.New(errs.InvalidArgument, "envelope: plaintext of a none envelope must be valid UTF-8")
	ErrInvalidExpiry       = errs.New(errs.InvalidArgument, "envelope: expires_at must be a positive millisecond timestamp")
	ErrInvalidRecipientKey = errs.New(errs.InvalidArgument, "envelope: invalid recipient verkey")
)

// Envelope is the canonical wire struct shared by all modes.
type Envelope struct {
	V         int             `json:"v"`
	Kind      string          `json:"kind"`
	ThreadID  *string         `json:"thread_id"`
	Crypto    Crypto          `json:"crypto"`
	Payload   Payload         `json:"payload"`
	ExpiresAt *int64          `json:"expires_at"`
	Metadata  json.RawMessage `json:"metadata"`
}

// Crypto names the mode and the keys involved. SenderVerkey is set only for
// authcrypt and RecipientVerkey is empty only for none.
type Crypto struct {
	Mode            Mode   `json:"mode"`
	SenderVerkey    string `json:"sender_verkey,omitempty"`
	RecipientVerkey string `json:"recipient_verkey"`
}

// Payload holds the encoded ciphertext. CiphertextLen is the byte length of
// the plaintext, not of Ciphertext.
type Payload struct {
	Ciphertext    string `json:"ciphertext"`
	CiphertextLen int    `json:"ciphertext_len"`
}

// Summary is the decryption-free view returned by Parse.
type Summary struct {
	Kind    string         `json:"kind" yaml:"kind"`
	Crypto  SummaryCrypto  `json:"crypto" yaml:"crypto"`
	Payload SummaryPayload `json:"payload" yaml:"payload"`
}

// SummaryCrypto is the crypto part of a Summary.
type SummaryCrypto struct {
	Mode Mode `json:"mode" yaml:"mode"`
}

// SummaryPayload is the payload part of a Summary.
type SummaryPayload struct {
	CiphertextLen int `json:"ciphertext_len" yaml:"ciphertext_len"`
}

// Options are the optional envelope fields set at pack time.
type Options struct {
	// ThreadID is copied to thread_id. Empty means null.
	ThreadID string
	// ExpiresAtMs is the absolute expiry in Unix milliseconds. Zero means
	// the envelope never expires.
	ExpiresAtMs int64
	// Metadata is a raw JSON object copied to metadata. Empty or "null"
	// means null.
	Metadata json.RawMessage
}

// NewThreadID returns a fresh random thread id.
func NewThreadID() string {
	return uuid.New().String()
}

func (o Options) apply(env *Envelope) error {
	if o.ThreadID != "" {
		tid := o.ThreadID
		env.ThreadID = &tid
	}
	if o.ExpiresAtMs < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidExpiry, o.ExpiresAtMs)
	}
	if o.ExpiresAtMs > 0 {
		exp := o.ExpiresAtMs
		env.ExpiresAt = &exp
	}
	md, err := normalizeMetadata(o.Metadata)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	env.Metadata = md
	return nil
}

// normalizeMetadata compacts a JSON object. nil and "null" yield nil.
func normalizeMetadata(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Marshal encodes env after checking it is well formed.
func Marshal(env *Envelope) ([]byte, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, fmt.Errorf("envelope: failed to marshal: %w", err))
	}
	return data, nil
}

// Unmarshal decodes and validates an envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	if _, err := normalizeMetadata(env.Metadata); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidEnvelope, err)
	}
	return &env, nil
}

func (env *Envelope) validate() error {
	switch {
	case env.V != Version:
		return fmt.Errorf("%w: v=%d", ErrUnsupportedVersion, env.V)
	case !env.Crypto.Mode.Valid():
		return fmt.Errorf("%w: %q", ErrUnknownMode, env.Crypto.Mode)
	case env.Kind == "":
		return fmt.Errorf("%w: missing kind", ErrInvalidEnvelope)
	case env.Payload.CiphertextLen < 0:
		return fmt.Errorf("%w: negative ciphertext_len", ErrInvalidEnvelope)
	}

	c := env.Crypto
	switch c.Mode {
	case ModeNone:
		if c.SenderVerkey != "" || c.RecipientVerkey != "" {
			return fmt.Errorf("%w: none envelope carries keys", ErrInvalidEnvelope)
		}
	case ModeAnoncrypt:
		if c.RecipientVerkey == "" || c.SenderVerkey != "" {
			return fmt.Errorf("%w: anoncrypt needs only recipient_verkey", ErrInvalidEnvelope)
		}
	case ModeAuthcrypt:
		if c.RecipientVerkey == "" || c.SenderVerkey == "" {
			return fmt.Errorf("%w: authcrypt needs sender_verkey and recipient_verkey", ErrInvalidEnvelope)
		}
	}
	return nil
}

// Summary returns the decryption-free view of env.
func (env *Envelope) Summary() *Summary {
	return &Summary{
		Kind:    env.Kind,
		Crypto:  SummaryCrypto{Mode: env.Crypto.Mode},
		Payload: SummaryPayload{CiphertextLen: env.Payload.CiphertextLen},
	}
}

// Parse inspects an envelope without touching any key material.
func Parse(data []byte) (*Summary, error) {
	env, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	return env.Summary(), nil
}
