package otp

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"

	"go.uber.org/zap"

	"identity-service/internal/kv"
	"identity-service/internal/mailer"
	"identity-service/internal/util"
)

// GenerateCode returns a uniformly random code in [100000, 999999].
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(maxCode-minCode+1))
	if err != nil {
		return "", fmt.Errorf("failed to generate otp: %w", err)
	}
	return strconv.FormatInt(n.Int64()+minCode, 10), nil
}

// Issue emails a new code to identity and, only once the email is accepted,
// stores the code and the cooldown marker together. A send failure leaves no
// state behind and returns a KindDelivery error.
func (m *Manager) Issue(ctx context.Context, identity, displayName, template string) error {
	code, err := m.newCode()
	if err != nil {
		return err
	}

	msg := mailer.Message{
		To:       identity,
		Subject:  m.subject,
		Template: template,
		Data: map[string]any{
			"Name": displayName,
			"OTP":  code,
		},
	}
	if err := m.sender.Send(ctx, msg); err != nil {
		m.logger.Error("Failed to send OTP email",
			zap.String("email", util.MaskEmail(identity)),
			zap.String("template", template),
			zap.Error(err))
		return &Error{Kind: KindDelivery, Err: err}
	}

	err = m.store.SetAll(ctx,
		kv.Entry{Key: CodeKey(identity), Value: code, TTL: CodeTTL},
		kv.Entry{Key: CooldownKey(identity), Value: flagValue, TTL: CooldownTTL},
	)
	if err != nil {
		return fmt.Errorf("failed to store otp: %w", err)
	}

	m.logger.Info("OTP issued",
		zap.String("email", util.MaskEmail(identity)),
		zap.Duration("ttl", CodeTTL))
	return nil
}
