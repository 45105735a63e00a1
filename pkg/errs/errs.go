// Package errs defines the closed set of error codes surfaced by ssiagent and
// the structured error shape callers branch on.
//
// Every package declares its sentinel errors with New and wraps them with
// fmt.Errorf("%w: ...") for context. CodeOf recovers the code through any
// amount of wrapping, so callers never need to match on message text.
package errs

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error identifier.
type Code string

// Error codes. The string values are part of the external interface.
const (
	InvalidArgument      Code = "InvalidArgument"
	NotFound             Code = "NotFound"
	AlreadyExists        Code = "AlreadyExists"
	WalletNotOpen        Code = "WalletNotOpen"
	WalletAlreadyOpen    Code = "WalletAlreadyOpen"
	WalletAuthFailed     Code = "WalletAuthFailed"
	RecipientKeyNotFound Code = "RecipientKeyNotFound"
	RecipientMismatch    Code = "RecipientMismatch"
	DecryptionFailed     Code = "DecryptionFailed"
	InvalidEnvelope      Code = "InvalidEnvelope"
	EnvelopeExpired      Code = "EnvelopeExpired"
	BackupAuthFailed     Code = "BackupAuthFailed"
	PoolNotConnected     Code = "PoolNotConnected"
	StorageError         Code = "StorageError"
	Internal             Code = "Internal"
)

var knownCodes = map[Code]bool{
	InvalidArgument:      true,
	NotFound:             true,
	AlreadyExists:        true,
	WalletNotOpen:        true,
	WalletAlreadyOpen:    true,
	WalletAuthFailed:     true,
	RecipientKeyNotFound: true,
	RecipientMismatch:    true,
	DecryptionFailed:     true,
	InvalidEnvelope:      true,
	EnvelopeExpired:      true,
	BackupAuthFailed:     true,
	PoolNotConnected:     true,
	StorageError:         true,
	Internal:             true,
}

// Valid reports whether c is one of the declared codes.
func (c Code) Valid() bool {
	return knownCodes[c]
}

// Error is a coded error. Two *Error values match with errors.Is when they
// are the same sentinel; use CodeOf to compare by code.
type Error struct {
	Code    Code
	Message string
}

// New creates a coded sentinel error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a coded error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return e.Message
}

// CodeOf returns the code of the first *Error in err's chain.
// nil yields "", anything uncoded yields Internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Wrap attaches code to err unless err already carries a code.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return fmt.Errorf("%w: %v", New(code, string(code)), err)
}

// Replace is Wrap that always attaches code, even over an inner code.
// The inner error stays reachable through errors.Is and errors.As.
func Replace(code Code, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", New(code, string(code)), err)
}

// Response is the wire shape of a failure crossing the component boundary.
type Response struct {
	OK      bool   `json:"ok" yaml:"ok"`
	Code    Code   `json:"code" yaml:"code"`
	Message string `json:"message" yaml:"message"`
}

// ToResponse converts err into its structured form. The message is the full
// wrapped text so context is not lost; callers must branch on Code.
func ToResponse(err error) Response {
	return Response{OK: false, Code: CodeOf(err), Message: err.Error()}
}

// MarshalJSON renders the structured error shape.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(ToResponse(e))
}
