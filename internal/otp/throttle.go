package otp

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"identity-service/internal/util"
)

// TrackRequest counts an issuance request against the hourly window. Once the
// window already holds MaxRequests the identity is spam-locked for the rest
// of the hour.
func (m *Manager) TrackRequest(ctx context.Context, identity string) error {
	key := RequestCountKey(identity)

	raw, found, err := m.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read otp request count: %w", err)
	}
	if m.parseCounter(key, raw, found, MaxRequests) >= MaxRequests {
		return m.spamLock(ctx, identity)
	}

	// A concurrent request may have counted between the read and here.
	n, err := m.store.Incr(ctx, key, RequestWindow)
	if err != nil {
		return fmt.Errorf("failed to track otp request: %w", err)
	}
	if n > MaxRequests {
		return m.spamLock(ctx, identity)
	}
	return nil
}

func (m *Manager) spamLock(ctx context.Context, identity string) error {
	if err := m.store.Set(ctx, SpamLockKey(identity), flagValue, SpamLockTTL); err != nil {
		return fmt.Errorf("failed to set otp spam lock: %w", err)
	}
	m.logger.Warn("OTP spam lock set",
		zap.String("email", util.MaskEmail(identity)),
		zap.Duration("ttl", SpamLockTTL))
	return &Error{Kind: KindThrottle}
}
