package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"
)

// RecoveryPolicy wraps backend initialization with bounded retry.
//
// On a non-final failure the storage path is quarantined: renamed aside
// with a timestamp suffix, never deleted, so the corrupted data stays
// available for forensic recovery while a fresh backend takes its place.
// A hard attempt cap prevents retry storms against a permanently broken
// filesystem.
type RecoveryPolicy struct {
	// MaxAttempts is the total number of initialization tries. Default: 2.
	MaxAttempts int

	// now is overridable for deterministic quarantine names in tests.
	now func() time.Time
}

// DefaultRecoveryPolicy returns the standard policy: one retry after
// quarantining the corrupt path.
func DefaultRecoveryPolicy() *RecoveryPolicy {
	return &RecoveryPolicy{MaxAttempts: 2, now: time.Now}
}

// Initialize builds and initializes a backend, retrying per the policy.
// build must return a fresh, uninitialized backend each call; path is the
// backend's canonical storage location. On terminal failure the returned
// error wraps an *InitError and the entity is left uninitialized.
func (r *RecoveryPolicy) Initialize(ctx context.Context, entity, path string, build func() (Backend, error)) (Backend, error) {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = 2
	}
	nowFn := r.now
	if nowFn == nil {
		nowFn = time.Now
	}

	var lastErr error
	var kind Kind
	for attempt := 1; attempt <= attempts; attempt++ {
		b, err := build()
		if err != nil {
			lastErr = err
		} else {
			kind = b.Kind()
			if err = b.Initialize(ctx); err == nil {
				return b, nil
			}
			lastErr = err
			b.Close()
		}

		if attempt < attempts {
			log.Printf("[RECOVERY] Init attempt %d for entity %q failed: %v", attempt, entity, lastErr)
			if qpath, qerr := r.quarantine(path, nowFn()); qerr != nil {
				log.Printf("[RECOVERY] Quarantine of %s failed: %v", path, qerr)
			} else if qpath != "" {
				log.Printf("[RECOVERY] Quarantined %s -> %s", path, qpath)
			}
		}
	}

	return nil, &InitError{Entity: entity, Kind: kind, Attempts: attempts, Err: lastErr}
}

// quarantine renames the storage path aside. A missing path is not an
// error: there is nothing to preserve and the retry starts clean.
func (r *RecoveryPolicy) quarantine(path string, now time.Time) (string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", nil
	}
	qpath := fmt.Sprintf("%s.corrupt-%d", path, now.Unix())
	if err := os.Rename(path, qpath); err != nil {
		return "", fmt.Errorf("rename corrupt path: %w", err)
	}
	return qpath, nil
}
