package backup

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/forest6511/ssiagent/pkg/crypto"
	"github.com/forest6511/ssiagent/pkg/errs"
)

var testOpts = Options{KDFParams: crypto.KDFParams{Time: 1, Memory: 8 * 1024, Parallelism: 1}}

const testPassphrase = "correct horse battery staple"

func createTestBackup(t *testing.T, password []byte) string {
	t.Helper()
	out := filepath.Join(t.TempDir(), "wallet.backup.json")
	if _, err := Create(password, testPassphrase, out, testOpts); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return out
}

func TestCreateRecoverRoundTrip(t *testing.T) {
	passwords := [][]byte{
		[]byte("testpassword123"),
		[]byte("pässwörd with spaces "),
		{0x00, 0xff, 0x10, 0x80, 'x', 'y', 'z', 0x00},
		bytes.Repeat([]byte("long"), 64),
	}

	for _, pw := range passwords {
		out := createTestBackup(t, pw)
		got, err := Recover(testPassphrase, out)
		if err != nil {
			t.Fatalf("Recover failed: %v", err)
		}
		if !bytes.Equal(got, pw) {
			t.Errorf("Recover returned %q, want %q", got, pw)
		}
	}
}

func TestCreateWritesRecord(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	opts := testOpts
	opts.Now = func() time.Time { return created }

	out := filepath.Join(t.TempDir(), "b.json")
	rec, err := Create([]byte("testpassword123"), testPassphrase, out, opts)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !rec.CreatedAt.Equal(created) {
		t.Errorf("expected created_at %v, got %v", created, rec.CreatedAt)
	}

	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("backup not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected 0600 permissions, got %04o", perm)
	}

	data, _ := os.ReadFile(out)
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("record is not JSON: %v", err)
	}
	for _, key := range []string{"version", "created_at", "cipher", "kdf_params_backup", "nonce", "ciphertext_of_wallet_password"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("record missing %q", key)
		}
	}
	if strings.Contains(string(data), "testpassword123") {
		t.Error("wallet password must not appear in the record")
	}

	kdf := raw["kdf_params_backup"].(map[string]any)
	for _, key := range []string{"algorithm", "salt", "time_cost", "memory_cost", "parallelism"} {
		if _, ok := kdf[key]; !ok {
			t.Errorf("kdf_params_backup missing %q", key)
		}
	}

	// No temp files left next to the output
	entries, _ := os.ReadDir(filepath.Dir(out))
	if len(entries) != 1 {
		t.Errorf("expected only the backup file, found %d entries", len(entries))
	}
}

func TestCreateFreshSaltAndNonce(t *testing.T) {
	a := createTestBackup(t, []byte("testpassword123"))
	b := createTestBackup(t, []byte("testpassword123"))

	ra, _ := ReadRecord(a)
	rb, _ := ReadRecord(b)
	if bytes.Equal(ra.KDF.Salt, rb.KDF.Salt) {
		t.Error("each backup must use a fresh salt")
	}
	if bytes.Equal(ra.Nonce, rb.Nonce) {
		t.Error("each backup must use a fresh nonce")
	}
}

func TestCreateRefusesExisting(t *testing.T) {
	out := createTestBackup(t, []byte("first-password"))

	if _, err := Create([]byte("second-password"), testPassphrase, out, testOpts); !errors.Is(err, ErrBackupExists) {
		t.Errorf("expected ErrBackupExists, got %v", err)
	}

	opts := testOpts
	opts.Force = true
	if _, err := Create([]byte("second-password"), testPassphrase, out, opts); err != nil {
		t.Fatalf("Create with Force failed: %v", err)
	}
	got, _ := Recover(testPassphrase, out)
	if string(got) != "second-password" {
		t.Errorf("expected replaced backup, got %q", got)
	}
}

func TestCreateValidation(t *testing.T) {
	out := filepath.Join(t.TempDir(), "b.json")

	if _, err := Create(nil, testPassphrase, out, testOpts); !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("empty password: expected InvalidArgument, got %v", err)
	}
	if _, err := Create([]byte("pw"), "", out, testOpts); !errors.Is(err, ErrEmptyPassword) {
		t.Errorf("empty passphrase: expected ErrEmptyPassword, got %v", err)
	}
	if _, err := Create([]byte("pw"), testPassphrase, "", testOpts); !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("empty path: expected InvalidArgument, got %v", err)
	}
	bad := testOpts
	bad.KDFParams.Memory = 1
	if _, err := Create([]byte("pw"), testPassphrase, out, bad); !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("bad kdf: expected InvalidArgument, got %v", err)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Error("failed Create must not leave a file")
	}
}

func TestRecoverWrongPassphrase(t *testing.T) {
	out := createTestBackup(t, []byte("testpassword123"))

	_, err := Recover("wrong passphrase", out)
	if !errors.Is(err, ErrAuthFailed) || errs.CodeOf(err) != errs.BackupAuthFailed {
		t.Errorf("expected BackupAuthFailed, got %v", err)
	}
}

func TestRecoverMissingFile(t *testing.T) {
	_, err := Recover(testPassphrase, filepath.Join(t.TempDir(), "nope.json"))
	if !errs.Is(err, errs.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestRecoverMalformed(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"not json":        "garbage",
		"empty object":    "{}",
		"unknown cipher":  `{"version":1,"cipher":"aes"}`,
		"future version":  `{"version":99,"cipher":"xchacha20poly1305"}`,
		"missing nonce":   `{"version":1,"cipher":"xchacha20poly1305","kdf_params_backup":{"algorithm":"argon2id","salt":"AAAAAAAAAAAAAAAAAAAAAA==","time_cost":1,"memory_cost":8192,"parallelism":1}}`,
		"unknown kdf alg": `{"version":1,"cipher":"xchacha20poly1305","kdf_params_backup":{"algorithm":"scrypt"}}`,
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			p := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".json")
			if err := os.WriteFile(p, []byte(content), 0600); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := Recover(testPassphrase, p); !errs.Is(err, errs.InvalidArgument) {
				t.Errorf("expected InvalidArgument, got %v", err)
			}
		})
	}

	big := filepath.Join(dir, "big.json")
	if err := os.WriteFile(big, bytes.Repeat([]byte(" "), maxRecordSize+10), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Recover(testPassphrase, big); !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("oversized: expected InvalidArgument, got %v", err)
	}
}

// Any change to the authenticated header or the ciphertext fails
// authentication, never decrypts to something else.
func TestRecoverTampered(t *testing.T) {
	out := createTestBackup(t, []byte("testpassword123"))
	orig, err := ReadRecord(out)
	if err != nil {
		t.Fatalf("ReadRecord failed: %v", err)
	}

	tamper := map[string]func(r *Record){
		"created_at": func(r *Record) { r.CreatedAt = r.CreatedAt.Add(time.Second) },
		"salt":       func(r *Record) { r.KDF.Salt[0] ^= 1 },
		"time_cost":  func(r *Record) { r.KDF.Time++ },
		"nonce":      func(r *Record) { r.Nonce[0] ^= 1 },
		"ciphertext": func(r *Record) { r.Ciphertext[len(r.Ciphertext)-1] ^= 1 },
	}

	for name, mutate := range tamper {
		t.Run(name, func(t *testing.T) {
			rec := *orig
			rec.KDF.Salt = append([]byte(nil), orig.KDF.Salt...)
			rec.Nonce = append([]byte(nil), orig.Nonce...)
			rec.Ciphertext = append([]byte(nil), orig.Ciphertext...)
			mutate(&rec)

			data, err := EncodeRecord(&rec)
			if err != nil {
				t.Fatalf("EncodeRecord failed: %v", err)
			}
			p := filepath.Join(t.TempDir(), "tampered.json")
			if err := os.WriteFile(p, data, 0600); err != nil {
				t.Fatalf("write: %v", err)
			}

			if _, err := Recover(testPassphrase, p); !errs.Is(err, errs.BackupAuthFailed) {
				t.Errorf("expected BackupAuthFailed, got %v", err)
			}
		})
	}
}

// Costs in the file are bounded before any key derivation runs.
func TestRecoverRejectsExcessiveKDFCosts(t *testing.T) {
	out := createTestBackup(t, []byte("testpassword123"))
	rec, err := ReadRecord(out)
	if err != nil {
		t.Fatalf("ReadRecord failed: %v", err)
	}

	costs := map[string]crypto.KDFParams{
		"memory": {Time: 1, Memory: 4 * 1024 * 1024, Parallelism: 1},
		"time":   {Time: 64, Memory: 8 * 1024, Parallelism: 1},
	}
	for name, params := range costs {
		t.Run(name, func(t *testing.T) {
			bad := *rec
			bad.KDF.KDFParams = params
			data, err := EncodeRecord(&bad)
			if err != nil {
				t.Fatalf("EncodeRecord failed: %v", err)
			}
			p := filepath.Join(t.TempDir(), "costly.json")
			if err := os.WriteFile(p, data, 0600); err != nil {
				t.Fatalf("write: %v", err)
			}

			_, err = Recover(testPassphrase, p)
			if !errors.Is(err, ErrInvalidBackup) {
				t.Errorf("expected ErrInvalidBackup, got %v", err)
			}
		})
	}

	opts := testOpts
	opts.KDFParams.Time = crypto.MaxStoredArgon2Time + 1
	if _, err := Create([]byte("pw"), testPassphrase, filepath.Join(t.TempDir(), "b.json"), opts); !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("Create with excessive time_cost: expected InvalidArgument, got %v", err)
	}
}

func TestVerify(t *testing.T) {
	out := createTestBackup(t, []byte("testpassword123"))

	result, err := Verify(testPassphrase, out)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid || result.Version != FormatVersion || result.Cipher != CipherXChaCha20Poly1305 {
		t.Errorf("unexpected verify result %+v", result)
	}

	result, err = Verify("wrong passphrase", out)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Valid || result.Error == "" {
		t.Errorf("wrong passphrase should not verify: %+v", result)
	}

	result, _ = Verify(testPassphrase, filepath.Join(t.TempDir(), "missing.json"))
	if result.Valid {
		t.Error("missing file should not verify")
	}
}

func TestHeaderBytesExcludesCiphertext(t *testing.T) {
	rec := &Record{Version: 1, Cipher: CipherXChaCha20Poly1305, Nonce: []byte{1}, Ciphertext: []byte{2}}
	h1, err := HeaderBytes(rec)
	if err != nil {
		t.Fatalf("HeaderBytes failed: %v", err)
	}
	rec.Nonce, rec.Ciphertext = []byte{9}, []byte{9}
	h2, _ := HeaderBytes(rec)
	if !bytes.Equal(h1, h2) {
		t.Error("header must not depend on nonce or ciphertext")
	}
}
