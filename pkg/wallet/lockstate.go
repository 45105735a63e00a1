package wallet

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// LockState tracks failed open attempts for cooldown enforcement
type LockState struct {
	FailedAttempts int       `json:"failed_attempts"`
	LastAttempt    time.Time `json:"last_attempt"`
	CooldownUntil  time.Time `json:"cooldown_until"`
}

func (w *Wallet) lockStatePath() string {
	return w.path + AttemptsSuffix
}

// loadLockState reads the lock state from the attempts file
func (w *Wallet) loadLockState() (*LockState, error) {
	data, err := os.ReadFile(w.lockStatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return &LockState{}, nil // No lock state yet
		}
		return nil, storageError("wallet: failed to read lock state: %w", err)
	}

	var state LockState
	if err := json.Unmarshal(data, &state); err != nil {
		// Corrupted lock file - reset state
		return &LockState{}, nil
	}
	return &state, nil
}

// saveLockState writes the lock state to the attempts file
func (w *Wallet) saveLockState(state *LockState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("wallet: failed to marshal lock state: %w", err)
	}
	if err := os.WriteFile(w.lockStatePath(), data, FileMode); err != nil {
		return storageError("wallet: failed to write lock state: %w", err)
	}
	return nil
}

// clearLockState removes the attempts file (called on successful open)
func (w *Wallet) clearLockState() error {
	err := os.Remove(w.lockStatePath())
	if err != nil && !os.IsNotExist(err) {
		return storageError("wallet: failed to clear lock state: %w", err)
	}
	return nil
}

// checkCooldown verifies if open is allowed or if cooldown is active
func (w *Wallet) checkCooldown() (time.Duration, error) {
	state, err := w.loadLockState()
	if err != nil {
		return 0, err
	}

	now := w.now()
	if !state.CooldownUntil.IsZero() && now.Before(state.CooldownUntil) {
		return state.CooldownUntil.Sub(now), ErrCooldownActive
	}
	return 0, nil
}

// recordFailedAttempt records a failed open attempt and potentially
// triggers a cooldown.
func (w *Wallet) recordFailedAttempt() (time.Duration, error) {
	state, err := w.loadLockState()
	if err != nil {
		return 0, err
	}

	now := w.now()
	state.FailedAttempts++
	state.LastAttempt = now

	var cooldown time.Duration
	switch {
	case state.FailedAttempts >= CooldownThreshold3:
		cooldown = CooldownDuration3
	case state.FailedAttempts >= CooldownThreshold2:
		cooldown = CooldownDuration2
	case state.FailedAttempts >= CooldownThreshold1:
		cooldown = CooldownDuration1
	}
	if cooldown > 0 {
		state.CooldownUntil = now.Add(cooldown)
	}

	if err := w.saveLockState(state); err != nil {
		return cooldown, err
	}
	return cooldown, nil
}

// GetLockState returns the current lock state for display purposes
func (w *Wallet) GetLockState() (*LockState, error) {
	return w.loadLockState()
}

// RemainingCooldown returns the remaining cooldown time, or 0 if not in cooldown
func (w *Wallet) RemainingCooldown() time.Duration {
	remaining, err := w.checkCooldown()
	if err != nil {
		return remaining
	}
	return 0
}
