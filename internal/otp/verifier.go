package otp

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"identity-service/internal/util"
)

// Verify checks submitted against the active code for identity. Attempts are
// counted per code window; the call made after MaxAttempts failures locks the
// identity out whatever code it carries.
func (m *Manager) Verify(ctx context.Context, identity, submitted string) error {
	locked, found, err := m.store.Get(ctx, LockKey(identity))
	if err != nil {
		return fmt.Errorf("failed to check otp lock: %w", err)
	}
	if found && locked != "" {
		return &Error{Kind: KindLockout}
	}

	stored, found, err := m.store.Get(ctx, CodeKey(identity))
	if err != nil {
		return fmt.Errorf("failed to read otp: %w", err)
	}
	if !found || stored == "" {
		return &Error{Kind: KindExpired}
	}

	attemptKey := AttemptKey(identity)
	raw, found, err := m.store.Get(ctx, attemptKey)
	if err != nil {
		return fmt.Errorf("failed to read otp attempts: %w", err)
	}
	if m.parseCounter(attemptKey, raw, found, MaxAttempts) >= MaxAttempts {
		return m.lockOut(ctx, identity)
	}

	if codesMatch(stored, submitted) {
		if _, err := m.store.Del(ctx, CodeKey(identity), attemptKey); err != nil {
			return fmt.Errorf("failed to clear otp: %w", err)
		}
		m.logger.Info("OTP verified", zap.String("email", util.MaskEmail(identity)))
		return nil
	}

	n, err := m.store.Incr(ctx, attemptKey, AttemptWindow)
	if err != nil {
		return fmt.Errorf("failed to record otp attempt: %w", err)
	}
	if n > MaxAttempts {
		return m.lockOut(ctx, identity)
	}

	left := MaxAttempts - int(n)
	m.logger.Info("Incorrect OTP submitted",
		zap.String("email", util.MaskEmail(identity)),
		zap.Int("attempts_left", left))
	return &Error{Kind: KindInvalid, AttemptsLeft: left}
}

func (m *Manager) lockOut(ctx context.Context, identity string) error {
	if err := m.store.Set(ctx, LockKey(identity), flagValue, FailureLockTTL); err != nil {
		return fmt.Errorf("failed to set otp lock: %w", err)
	}
	if _, err := m.store.Del(ctx, CodeKey(identity), AttemptKey(identity)); err != nil {
		return fmt.Errorf("failed to clear otp: %w", err)
	}
	m.logger.Warn("OTP verification locked",
		zap.String("email", util.MaskEmail(identity)),
		zap.Duration("ttl", FailureLockTTL))
	return &Error{Kind: KindLockout}
}

// codesMatch compares two codes as integers. A side that does not parse never
// matches.
func codesMatch(stored, submitted string) bool {
	a, err := strconv.ParseInt(strings.TrimSpace(stored), 10, 64)
	if err != nil {
		return false
	}
	b, err := strconv.ParseInt(strings.TrimSpace(submitted), 10, 64)
	if err != nil {
		return false
	}
	return a == b
}
