package envelope

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/require"

	"github.com/forest6511/ssiagent/pkg/errs"
)

// keyResolver is an in-memory Resolver. Keys are addressable by verkey and
// by a "did:test:<name>" alias.
type keyResolver struct {
	priv    map[string]ed25519.PrivateKey
	verkeys map[string]string
}

func newKeyResolver() *keyResolver {
	return &keyResolver{priv: map[string]ed25519.PrivateKey{}, verkeys: map[string]string{}}
}

func (r *keyResolver) addOwn(t *testing.T, name string) string {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	verkey := base58.Encode(pub)
	r.priv[verkey] = priv
	r.verkeys["did:test:"+name] = verkey
	return verkey
}

func (r *keyResolver) addTheirs(t *testing.T, name string) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	verkey := base58.Encode(pub)
	r.verkeys["did:test:"+name] = verkey
	return verkey
}

func (r *keyResolver) lookup(didOrVerkey string) string {
	if vk, ok := r.verkeys[didOrVerkey]; ok {
		return vk
	}
	return didOrVerkey
}

func (r *keyResolver) ResolvePrivateKey(didOrVerkey string) (ed25519.PrivateKey, string, error) {
	vk := r.lookup(didOrVerkey)
	priv, ok := r.priv[vk]
	if !ok {
		return nil, "", errs.Errorf(errs.RecipientKeyNotFound, "no key for %s", didOrVerkey)
	}
	return append(ed25519.PrivateKey(nil), priv...), vk, nil
}

func (r *keyResolver) ResolveVerkey(didOrVerkey string) (string, error) {
	vk := r.lookup(didOrVerkey)
	if _, err := decodeVerkey(vk); err != nil {
		return "", errs.Errorf(errs.RecipientKeyNotFound, "no verkey for %s", didOrVerkey)
	}
	return vk, nil
}

type fixture struct {
	codec    *Codec
	keys     *keyResolver
	alice    string
	bob      string
	carol    string
	outsider string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	keys := newKeyResolver()
	f := &fixture{keys: keys}
	f.alice = keys.addOwn(t, "alice")
	f.bob = keys.addOwn(t, "bob")
	f.carol = keys.addOwn(t, "carol")
	f.outsider = keys.addTheirs(t, "outsider")
	f.codec = NewCodec(keys, opts...)
	return f
}

func (f *fixture) pack(t *testing.T, mode Mode, plaintext string, opts Options) []byte {
	t.Helper()
	data, err := f.codec.Pack(mode, "basic", "did:test:alice", "did:test:bob", []byte(plaintext), opts)
	require.NoError(t, err)
	return data
}

var plaintexts = []string{
	"",
	"hello",
	"Hello, 世界! 🌍",
	`{"@type":"https://didcomm.org/basicmessage/1.0/message","content":"hi"}`,
	string(make([]byte, 4096)),
}

func TestRoundTripAllModes(t *testing.T) {
	f := newFixture(t)

	for _, mode := range []Mode{ModeNone, ModeAnoncrypt, ModeAuthcrypt} {
		for i, pt := range plaintexts {
			t.Run(fmt.Sprintf("%s/%d", mode, i), func(t *testing.T) {
				data := f.pack(t, mode, pt, Options{})

				got, err := f.codec.UnpackAuto("did:test:bob", data)
				require.NoError(t, err)
				require.Equal(t, pt, string(got))

				// The recipient can also be named by verkey.
				got, err = f.codec.UnpackAuto(f.bob, data)
				require.NoError(t, err)
				require.Equal(t, pt, string(got))
			})
		}
	}
}

func TestCiphertextLenIsPlaintextBytes(t *testing.T) {
	f := newFixture(t)

	for _, mode := range []Mode{ModeNone, ModeAnoncrypt, ModeAuthcrypt} {
		for _, pt := range plaintexts {
			summary, err := Parse(f.pack(t, mode, pt, Options{}))
			require.NoError(t, err)
			require.Equal(t, len(pt), summary.Payload.CiphertextLen)
			require.Equal(t, mode, summary.Crypto.Mode)
			require.Equal(t, "basic", summary.Kind)
		}
	}
}

func TestWireShape(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		mode      Mode
		sender    bool
		recipient string
	}{
		{ModeNone, false, ""},
		{ModeAnoncrypt, false, "bob"},
		{ModeAuthcrypt, true, "bob"},
	}

	for _, tc := range tests {
		data := f.pack(t, tc.mode, "P", Options{})

		var raw map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &raw))
		for _, key := range []string{"v", "kind", "thread_id", "crypto", "payload", "expires_at", "metadata"} {
			require.Contains(t, raw, key, "mode %s", tc.mode)
		}
		require.JSONEq(t, "1", string(raw["v"]))
		require.JSONEq(t, "null", string(raw["thread_id"]))
		require.JSONEq(t, "null", string(raw["expires_at"]))
		require.JSONEq(t, "null", string(raw["metadata"]))

		var c map[string]string
		require.NoError(t, json.Unmarshal(raw["crypto"], &c))
		require.Equal(t, string(tc.mode), c["mode"])
		require.Contains(t, c, "recipient_verkey")
		_, hasSender := c["sender_verkey"]
		require.Equal(t, tc.sender, hasSender)
		if tc.recipient != "" {
			require.Equal(t, f.bob, c["recipient_verkey"])
		} else {
			require.Empty(t, c["recipient_verkey"])
		}
		if tc.sender {
			require.Equal(t, f.alice, c["sender_verkey"])
		}
	}
}

func TestNoneIsPassThrough(t *testing.T) {
	f := newFixture(t)
	data := f.pack(t, ModeNone, "plain text", Options{})

	env, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, "plain text", env.Payload.Ciphertext)

	// Recipient is ignored, even an unknown one.
	got, err := f.codec.UnpackAuto("did:test:nobody", data)
	require.NoError(t, err)
	require.Equal(t, "plain text", string(got))

	// No keys needed at all.
	got, err = NewCodec(nil).UnpackAuto("", data)
	require.NoError(t, err)
	require.Equal(t, "plain text", string(got))
}

func TestPackNoneRejectsInvalidUTF8(t *testing.T) {
	f := newFixture(t)
	_, err := f.codec.PackNone("basic", []byte{0xff, 0xfe}, Options{})
	require.ErrorIs(t, err, ErrInvalidPlaintext)
}

func TestWrongRecipientRejected(t *testing.T) {
	f := newFixture(t)

	for _, mode := range []Mode{ModeAnoncrypt, ModeAuthcrypt} {
		data := f.pack(t, mode, "secret for bob", Options{})

		// An own key of someone else.
		got, err := f.codec.UnpackAuto("did:test:carol", data)
		require.Nil(t, got)
		require.Equal(t, errs.RecipientMismatch, errs.CodeOf(err), "mode %s", mode)

		// A key we hold no private part for.
		got, err = f.codec.UnpackAuto("did:test:outsider", data)
		require.Nil(t, got)
		require.Equal(t, errs.RecipientKeyNotFound, errs.CodeOf(err), "mode %s", mode)

		// Rewriting recipient_verkey to carol makes the key match but the
		// ciphertext still belongs to bob.
		env, err := Unmarshal(data)
		require.NoError(t, err)
		env.Crypto.RecipientVerkey = f.carol
		forged, err := Marshal(env)
		require.NoError(t, err)
		got, err = f.codec.UnpackAuto("did:test:carol", forged)
		require.Nil(t, got)
		require.Equal(t, errs.DecryptionFailed, errs.CodeOf(err), "mode %s", mode)
	}
}

func TestTamperedCiphertextFails(t *testing.T) {
	f := newFixture(t)

	for _, mode := range []Mode{ModeAnoncrypt, ModeAuthcrypt} {
		env, err := Unmarshal(f.pack(t, mode, "do not touch", Options{}))
		require.NoError(t, err)

		raw, err := ciphertextEncoding.DecodeString(env.Payload.Ciphertext)
		require.NoError(t, err)
		raw[len(raw)-1] ^= 0x01
		env.Payload.Ciphertext = ciphertextEncoding.EncodeToString(raw)

		data, err := Marshal(env)
		require.NoError(t, err)
		_, err = f.codec.UnpackAuto("did:test:bob", data)
		require.Equal(t, errs.DecryptionFailed, errs.CodeOf(err), "mode %s", mode)
	}
}

func TestAuthcryptForgedSenderFails(t *testing.T) {
	f := newFixture(t)

	env, err := Unmarshal(f.pack(t, ModeAuthcrypt, "from alice", Options{}))
	require.NoError(t, err)
	env.Crypto.SenderVerkey = f.carol

	data, err := Marshal(env)
	require.NoError(t, err)
	_, err = f.codec.UnpackAuto("did:test:bob", data)
	require.Equal(t, errs.DecryptionFailed, errs.CodeOf(err))
}

func TestExpiry(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	f := newFixture(t, WithClock(func() time.Time { return now }))

	for _, mode := range []Mode{ModeNone, ModeAnoncrypt, ModeAuthcrypt} {
		past := f.pack(t, mode, "stale", Options{ExpiresAtMs: now.UnixMilli() - 1})
		_, err := f.codec.UnpackAuto("did:test:bob", past)
		require.ErrorIs(t, err, ErrExpired, "mode %s", mode)

		// Valid strictly before expires_at.
		boundary := f.pack(t, mode, "edge", Options{ExpiresAtMs: now.UnixMilli()})
		_, err = f.codec.UnpackAuto("did:test:bob", boundary)
		require.Equal(t, errs.EnvelopeExpired, errs.CodeOf(err), "mode %s", mode)

		future := f.pack(t, mode, "fresh", Options{ExpiresAtMs: now.UnixMilli() + 1})
		got, err := f.codec.UnpackAuto("did:test:bob", future)
		require.NoError(t, err)
		require.Equal(t, "fresh", string(got))

		never := f.pack(t, mode, "forever", Options{})
		got, err = NewCodec(f.keys, WithClock(func() time.Time { return now.AddDate(100, 0, 0) })).
			UnpackAuto("did:test:bob", never)
		require.NoError(t, err)
		require.Equal(t, "forever", string(got))
	}
}

func TestExpiryChecksAfterRecipient(t *testing.T) {
	f := newFixture(t)
	data := f.pack(t, ModeAnoncrypt, "stale", Options{ExpiresAtMs: 1})

	_, err := f.codec.UnpackAuto("did:test:carol", data)
	require.Equal(t, errs.RecipientMismatch, errs.CodeOf(err))
}

func TestOptions(t *testing.T) {
	f := newFixture(t)
	tid := NewThreadID()

	data := f.pack(t, ModeAnoncrypt, "x", Options{
		ThreadID:    tid,
		ExpiresAtMs: 4_102_444_800_000,
		Metadata:    json.RawMessage(`{ "priority": "high",  "n": 1 }`),
	})

	env, err := Unmarshal(data)
	require.NoError(t, err)
	require.NotNil(t, env.ThreadID)
	require.Equal(t, tid, *env.ThreadID)
	require.NotNil(t, env.ExpiresAt)
	require.Equal(t, int64(4_102_444_800_000), *env.ExpiresAt)
	require.JSONEq(t, `{"priority":"high","n":1}`, string(env.Metadata))

	_, err = f.codec.PackNone("basic", []byte("x"), Options{Metadata: json.RawMessage(`[1,2]`)})
	require.ErrorIs(t, err, ErrInvalidMetadata)

	_, err = f.codec.PackNone("basic", []byte("x"), Options{Metadata: json.RawMessage(`{bad`)})
	require.Equal(t, errs.InvalidArgument, errs.CodeOf(err))

	_, err = f.codec.PackNone("basic", []byte("x"), Options{ExpiresAtMs: -5})
	require.ErrorIs(t, err, ErrInvalidExpiry)

	_, err = f.codec.PackNone("", []byte("x"), Options{})
	require.ErrorIs(t, err, ErrEmptyKind)
}

func TestPackErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.codec.PackAuth("basic", "did:test:outsider", "did:test:bob", []byte("x"), Options{})
	require.Equal(t, errs.RecipientKeyNotFound, errs.CodeOf(err), "sender without private key")

	_, err = f.codec.PackAnon("basic", "did:test:unknown", []byte("x"), Options{})
	require.Equal(t, errs.RecipientKeyNotFound, errs.CodeOf(err))

	_, err = f.codec.Pack(Mode("rot13"), "basic", "", "", []byte("x"), Options{})
	require.ErrorIs(t, err, ErrUnknownMode)

	// Anoncrypt to an external DID works: only the public key is needed.
	data, err := f.codec.PackAnon("basic", "did:test:outsider", []byte("x"), Options{})
	require.NoError(t, err)
	env, err := Unmarshal(data)
	require.NoError(t, err)
	require.Equal(t, f.outsider, env.Crypto.RecipientVerkey)
}

func TestNilResolver(t *testing.T) {
	f := newFixture(t)
	c := NewCodec(nil)

	data, err := c.PackAnon("basic", f.bob, []byte("to a raw verkey"), Options{})
	require.NoError(t, err)
	got, err := f.codec.UnpackAuto("did:test:bob", data)
	require.NoError(t, err)
	require.Equal(t, "to a raw verkey", string(got))

	_, err = c.PackAnon("basic", "did:test:bob", []byte("x"), Options{})
	require.ErrorIs(t, err, ErrInvalidRecipientKey)

	_, err = c.PackAuth("basic", f.alice, f.bob, []byte("x"), Options{})
	require.Equal(t, errs.WalletNotOpen, errs.CodeOf(err))

	_, err = c.UnpackAuto(f.bob, data)
	require.Equal(t, errs.WalletNotOpen, errs.CodeOf(err))
}

func TestParseNeedsNoKeys(t *testing.T) {
	f := newFixture(t)
	data := f.pack(t, ModeAuthcrypt, "hidden", Options{})

	summary, err := NewCodec(nil).Parse(data)
	require.NoError(t, err)
	require.Equal(t, &Summary{
		Kind:    "basic",
		Crypto:  SummaryCrypto{Mode: ModeAuthcrypt},
		Payload: SummaryPayload{CiphertextLen: 6},
	}, summary)
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := map[string]string{
		"not json":          `garbage`,
		"empty":             `{}`,
		"wrong version":     `{"v":2,"kind":"k","crypto":{"mode":"none","recipient_verkey":""},"payload":{"ciphertext":"","ciphertext_len":0}}`,
		"unknown mode":      `{"v":1,"kind":"k","crypto":{"mode":"rot13","recipient_verkey":""},"payload":{"ciphertext":"","ciphertext_len":0}}`,
		"missing kind":      `{"v":1,"crypto":{"mode":"none","recipient_verkey":""},"payload":{"ciphertext":"","ciphertext_len":0}}`,
		"anon no recipient": `{"v":1,"kind":"k","crypto":{"mode":"anoncrypt","recipient_verkey":""},"payload":{"ciphertext":"","ciphertext_len":0}}`,
		"auth no sender":    `{"v":1,"kind":"k","crypto":{"mode":"authcrypt","recipient_verkey":"abc"},"payload":{"ciphertext":"","ciphertext_len":0}}`,
		"negative length":   `{"v":1,"kind":"k","crypto":{"mode":"none","recipient_verkey":""},"payload":{"ciphertext":"","ciphertext_len":-1}}`,
		"metadata array":    `{"v":1,"kind":"k","crypto":{"mode":"none","recipient_verkey":""},"payload":{"ciphertext":"","ciphertext_len":0},"metadata":[1]}`,
	}

	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(input))
			require.Equal(t, errs.InvalidEnvelope, errs.CodeOf(err))

			_, err = NewCodec(nil).UnpackAuto("", []byte(input))
			require.Equal(t, errs.InvalidEnvelope, errs.CodeOf(err))
		})
	}
}

func TestUnpackRejectsLengthMismatch(t *testing.T) {
	f := newFixture(t)
	env, err := Unmarshal(f.pack(t, ModeNone, "four", Options{}))
	require.NoError(t, err)
	env.Payload.CiphertextLen = 3

	data, err := Marshal(env)
	require.NoError(t, err)
	_, err = f.codec.UnpackAuto("", data)
	require.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"none", "anoncrypt", "authcrypt"} {
		m, err := ParseMode(s)
		require.NoError(t, err)
		require.Equal(t, Mode(s), m)
	}
	_, err := ParseMode("plain")
	require.ErrorIs(t, err, ErrUnknownMode)
}
