// Package audit records wallet operations in an append-only JSONL file
// protected by an HMAC chain for tamper detection.
//
// The HMAC key is derived from the wallet unlock key, so the log can only be
// written and verified while the wallet is open. DIDs are never written in
// clear; the subject of an event is an HMAC of the DID.
package audit

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/forest6511/ssiagent/pkg/errs"
)

// Operation types for audit logging
const (
	OpWalletCreate     = "wallet.create"
	OpWalletOpen       = "wallet.open"
	OpWalletOpenFailed = "wallet.open_failed"
	OpWalletClose      = "wallet.close"
	OpWalletPassword   = "wallet.password_change"

	OpDIDCreate   = "did.create"
	OpDIDImport   = "did.import"
	OpDIDStore    = "did.store_their"
	OpDIDAlias    = "did.alias"
	OpDIDDelete   = "did.delete"
	OpKeyResolved = "key.resolve"
)

// Result indicates the outcome of an operation
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

const (
	genesisHash = "genesis"
	hkdfInfo    = "ssiagent-audit-v1"
)

// ErrKeyNotSet is returned when writing or verifying before SetHMACKey.
var ErrKeyNotSet = errs.New(errs.WalletNotOpen, "audit: HMAC key not set")

// Event is a single audit log record.
type Event struct {
	Version   int        `json:"v" yaml:"v"`
	ID        string     `json:"id" yaml:"id"`
	Timestamp string     `json:"ts" yaml:"ts"`
	Operation string     `json:"op" yaml:"op"`
	Subject   string     `json:"subject,omitempty" yaml:"subject,omitempty"`
	SessionID string     `json:"session_id" yaml:"session_id"`
	Result    string     `json:"result" yaml:"result"`
	Error     *ErrorInfo `json:"error,omitempty" yaml:"error,omitempty"`
	Chain     Chain      `json:"chain" yaml:"chain"`
}

// ErrorInfo contains error details. Code is an errs.Code string.
type ErrorInfo struct {
	Code    string `json:"code,omitempty" yaml:"code,omitempty"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// Chain links each record to its predecessor.
type Chain struct {
	Sequence int64  `json:"seq" yaml:"seq"`
	PrevHash string `json:"prev" yaml:"prev"`
	HMAC     string `json:"hmac" yaml:"hmac"`
}

// Logger handles audit log writing with HMAC chain
type Logger struct {
	path      string
	hmacKey   []byte
	mu        sync.Mutex
	sequence  int64
	prevHash  string
	sessionID string
	now       func() time.Time
}

// NewLogger creates a logger writing to the JSONL file at path.
func NewLogger(path string) *Logger {
	return &Logger{
		path:      path,
		prevHash:  genesisHash,
		sessionID: uuid.NewString(),
		now:       time.Now,
	}
}

// Path returns the audit log file path
func (l *Logger) Path() string {
	return l.path
}

// SetHMACKey derives the chain key from the wallet unlock key and restores
// the chain position from the last record on disk.
func (l *Logger) SetHMACKey(unlockKey []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, unlockKey, nil, []byte(hkdfInfo)), key); err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	l.hmacKey = key

	l.sequence, l.prevHash = 0, genesisHash
	events, err := l.readEvents()
	if err != nil {
		// a missing file is the first run; anything else is reported by Verify
		if !errors.Is(err, os.ErrNotExist) {
			glog.Warningf("audit: cannot restore chain state: %v", err)
		}
		return nil
	}
	if n := len(events); n > 0 {
		l.sequence = events[n-1].Chain.Sequence
		l.prevHash = events[n-1].Chain.HMAC
	}
	return nil
}

// ClearKey forgets the HMAC key. Called when the wallet closes.
func (l *Logger) ClearKey() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.hmacKey {
		l.hmacKey[i] = 0
	}
	l.hmacKey = nil
}

// Log records an audit event
func (l *Logger) Log(op, subject, result string, errInfo *ErrorInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return ErrKeyNotSet
	}

	event := Event{
		Version:   1,
		ID:        uuid.NewString(),
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		Operation: op,
		SessionID: l.sessionID,
		Result:    result,
		Error:     errInfo,
	}
	if subject != "" {
		event.Subject = l.mac([]byte(subject))
	}

	event.Chain.Sequence = l.sequence + 1
	event.Chain.PrevHash = l.prevHash
	event.Chain.HMAC = l.mac(recordData(&event))

	if err := l.append(&event); err != nil {
		return err
	}

	l.sequence = event.Chain.Sequence
	l.prevHash = event.Chain.HMAC
	return nil
}

// LogSuccess is a convenience method for successful operations
func (l *Logger) LogSuccess(op, subject string) error {
	return l.Log(op, subject, ResultSuccess, nil)
}

// LogError records a failed operation with the error's code.
func (l *Logger) LogError(op, subject string, err error) error {
	return l.Log(op, subject, ResultError, &ErrorInfo{Code: string(errs.CodeOf(err)), Message: err.Error()})
}

func (l *Logger) mac(data []byte) string {
	m := hmac.New(sha256.New, l.hmacKey)
	m.Write(data)
	return hex.EncodeToString(m.Sum(nil))
}

// recordData is the canonical byte string covered by the chain HMAC.
func recordData(e *Event) []byte {
	errorData := ""
	if e.Error != nil {
		errorData = e.Error.Code + "|" + e.Error.Message
	}
	return []byte(fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%d|%s",
		e.Version, e.ID, e.Timestamp, e.Operation, e.Subject, e.SessionID,
		e.Result, errorData, e.Chain.Sequence, e.Chain.PrevHash))
}

func (l *Logger) append(e *Event) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return nil
}

func (l *Logger) readEvents() ([]Event, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}

	var events []Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for line := 1; sc.Scan(); line++ {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("audit: line %d: %w", line, err)
		}
		events = append(events, e)
	}
	return events, sc.Err()
}

// VerifyResult contains the results of chain verification
type VerifyResult struct {
	Valid           bool     `json:"valid" yaml:"valid"`
	RecordsTotal    int      `json:"records_total" yaml:"records_total"`
	RecordsVerified int      `json:"records_verified" yaml:"records_verified"`
	Errors          []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Verify checks the integrity of the audit log chain
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return nil, ErrKeyNotSet
	}

	events, err := l.readEvents()
	if errors.Is(err, os.ErrNotExist) {
		return &VerifyResult{Valid: true}, nil
	}
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true, RecordsTotal: len(events)}
	expectedPrev := genesisHash
	var expectedSeq int64 = 1

	for i := range events {
		e := &events[i]
		ok := true
		if e.Chain.Sequence != expectedSeq {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"sequence gap at record %s: expected %d, got %d", e.ID, expectedSeq, e.Chain.Sequence))
		}
		if e.Chain.PrevHash != expectedPrev {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf("chain broken at record %s", e.ID))
		}
		if !hmac.Equal([]byte(e.Chain.HMAC), []byte(l.mac(recordData(e)))) {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf("HMAC mismatch at record %s: possible tampering", e.ID))
		}
		if ok {
			result.RecordsVerified++
		} else {
			result.Valid = false
		}
		expectedPrev = e.Chain.HMAC
		expectedSeq = e.Chain.Sequence + 1
	}
	return result, nil
}

// ListEvents returns the most recent events, optionally filtered by
// operation prefix and start time. limit <= 0 returns all matches.
func (l *Logger) ListEvents(limit int, opPrefix string, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events, err := l.readEvents()
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var filtered []Event
	for _, e := range events {
		if opPrefix != "" && !strings.HasPrefix(e.Operation, opPrefix) {
			continue
		}
		if !since.IsZero() {
			ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
			if err != nil || !ts.After(since) {
				continue
			}
		}
		filtered = append(filtered, e)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Chain.Sequence < filtered[j].Chain.Sequence
	})

	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered, nil
}
