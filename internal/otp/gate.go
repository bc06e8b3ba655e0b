package otp

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"identity-service/internal/util"
)

// CheckRestrictions fails when identity is under a failure lock, a spam lock
// or a cooldown, checked in that order. It never writes.
func (m *Manager) CheckRestrictions(ctx context.Context, identity string) error {
	checks := []struct {
		key    string
		reason Reason
	}{
		{LockKey(identity), ReasonLock},
		{SpamLockKey(identity), ReasonSpam},
		{CooldownKey(identity), ReasonCooldown},
	}

	for _, c := range checks {
		v, found, err := m.store.Get(ctx, c.key)
		if err != nil {
			return fmt.Errorf("failed to check otp restriction: %w", err)
		}
		if found && v != "" {
			m.logger.Info("OTP request restricted",
				zap.String("email", util.MaskEmail(identity)),
				zap.String("reason", string(c.reason)))
			return restriction(c.reason)
		}
	}
	return nil
}
