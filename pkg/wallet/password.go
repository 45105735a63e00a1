package wallet

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/forest6511/ssiagent/pkg/errs"
)

// Password length limits, counted in runes after NFC normalization.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 128
)

var (
	ErrPasswordTooShort = errs.Errorf(errs.InvalidArgument, "wallet: password must be at least %d characters", MinPasswordLength)
	ErrPasswordTooLong  = errs.Errorf(errs.InvalidArgument, "wallet: password must be at most %d characters", MaxPasswordLength)
)

// PasswordStrength represents the strength level of a password
type PasswordStrength int

const (
	PasswordWeak PasswordStrength = iota
	PasswordFair
	PasswordGood
	PasswordStrong
)

// String returns a human-readable representation of password strength
func (s PasswordStrength) String() string {
	switch s {
	case PasswordWeak:
		return "weak"
	case PasswordFair:
		return "fair"
	case PasswordGood:
		return "good"
	case PasswordStrong:
		return "strong"
	default:
		return "unknown"
	}
}

// PasswordValidationResult contains the result of password validation
type PasswordValidationResult struct {
	Valid    bool             // Whether password meets minimum requirements
	Strength PasswordStrength // Estimated strength
	Warnings []string         // Suggestions for improvement (not errors)
}

var (
	upperRe   = regexp.MustCompile(`[A-Z]`)
	lowerRe   = regexp.MustCompile(`[a-z]`)
	digitRe   = regexp.MustCompile(`\d`)
	specialRe = regexp.MustCompile(`[!@#$%^&*(),.?":{}|<>\-_=+\[\]\\;'~/\x60]`)
)

// ValidatePassword enforces the hard length limits.
func ValidatePassword(password string) error {
	n := utf8.RuneCountInString(norm.NFC.String(password))
	switch {
	case n < MinPasswordLength:
		return ErrPasswordTooShort
	case n > MaxPasswordLength:
		return ErrPasswordTooLong
	}
	return nil
}

// CheckPassword validates a wallet password and estimates its strength.
// Complexity only produces warnings.
func CheckPassword(password string) *PasswordValidationResult {
	result := &PasswordValidationResult{
		Valid:    true,
		Strength: PasswordFair,
	}

	if err := ValidatePassword(password); err != nil {
		result.Valid = false
		result.Strength = PasswordWeak
		result.Warnings = append(result.Warnings, err.Error())
		return result
	}

	complexity := 0
	for _, re := range []*regexp.Regexp{upperRe, lowerRe, digitRe, specialRe} {
		if re.MatchString(password) {
			complexity++
		}
	}
	length := utf8.RuneCountInString(password)

	if complexity < 2 {
		result.Warnings = append(result.Warnings,
			"Consider using a mix of uppercase, lowercase, numbers, and symbols")
	}
	if length < 12 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Longer passwords (12+ characters) are more secure, this one has %d", length))
	}

	switch {
	case complexity >= 3 && length >= 16:
		result.Strength = PasswordStrong
	case complexity >= 2 && length >= 12:
		result.Strength = PasswordGood
	case complexity >= 2 || length >= 12:
		result.Strength = PasswordFair
	default:
		result.Strength = PasswordWeak
	}

	return result
}

// normalizePassword returns the NFC form of password so the same text typed
// on different platforms derives the same key.
func normalizePassword(password string) []byte {
	return []byte(norm.NFC.String(password))
}
