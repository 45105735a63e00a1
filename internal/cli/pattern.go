// Package cli provides shared utilities for CLI commands.
package cli

import (
	"path/filepath"
	"strings"

	"github.com/forest6511/ssiagent/pkg/errs"
	"github.com/forest6511/ssiagent/pkg/wallet"
)

// IsPattern reports whether s contains glob characters (*?[).
func IsPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// ValidatePattern checks glob syntax.
func ValidatePattern(pattern string) error {
	if _, err := filepath.Match(pattern, ""); err != nil {
		return errs.Errorf(errs.InvalidArgument, "invalid pattern '%s': %v", pattern, err)
	}
	return nil
}

// matches reports whether a record's DID, verkey or alias matches pattern.
// Without glob characters only exact equality counts.
func matches(pattern string, rec *wallet.KeyRecord) bool {
	for _, s := range []string{rec.DID, rec.Verkey, rec.Alias} {
		if s == "" {
			continue
		}
		if ok, _ := filepath.Match(pattern, s); ok {
			return true
		}
	}
	return false
}

// MatchRecords returns the records whose DID, verkey or alias matches
// pattern, in input order. An empty pattern matches everything.
func MatchRecords(pattern string, records []*wallet.KeyRecord) ([]*wallet.KeyRecord, error) {
	if pattern == "" {
		return records, nil
	}
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	var out []*wallet.KeyRecord
	for _, rec := range records {
		if matches(pattern, rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ExpandPatterns resolves DID arguments that may be globs to DIDs. Every
// pattern must match at least one record. Results are unique and keep
// the order of first match.
func ExpandPatterns(patterns []string, records []*wallet.KeyRecord) ([]string, error) {
	seen := make(map[string]bool)
	var result []string

	for _, pattern := range patterns {
		matched, err := MatchRecords(pattern, records)
		if err != nil {
			return nil, err
		}
		if len(matched) == 0 {
			if IsPattern(pattern) {
				return nil, errs.Errorf(errs.NotFound, "no DIDs match pattern '%s'", pattern)
			}
			return nil, errs.Errorf(errs.NotFound, "DID '%s' not found", pattern)
		}
		for _, rec := range matched {
			if !seen[rec.DID] {
				seen[rec.DID] = true
				result = append(result, rec.DID)
			}
		}
	}

	return result, nil
}
