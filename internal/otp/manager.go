// Package otp implements the one-time password lifecycle: the restriction
// gate, the request throttle, issuance and verification. Every piece of state
// lives as an expiring key in a kv.Store.
package otp

import (
	"context"

	"go.uber.org/zap"

	"identity-service/internal/kv"
	"identity-service/internal/mailer"
)

// CodeGenerator returns a fresh six digit code.
type CodeGenerator func() (string, error)

type Manager struct {
	store   kv.Store
	sender  mailer.Sender
	subject string
	newCode CodeGenerator
	logger  *zap.Logger
}

type Option func(*Manager)

// WithSubject sets the subject line of OTP emails.
func WithSubject(subject string) Option {
	return func(m *Manager) { m.subject = subject }
}

// WithCodeGenerator replaces the crypto/rand code source.
func WithCodeGenerator(gen CodeGenerator) Option {
	return func(m *Manager) { m.newCode = gen }
}

func New(store kv.Store, sender mailer.Sender, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:   store,
		sender:  sender,
		subject: "Verify your email",
		newCode: GenerateCode,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Request runs the full pre-issuance flow for identity: gate, throttle, then
// issue.
func (m *Manager) Request(ctx context.Context, identity, displayName, template string) error {
	if err := m.CheckRestrictions(ctx, identity); err != nil {
		return err
	}
	if err := m.TrackRequest(ctx, identity); err != nil {
		return err
	}
	return m.Issue(ctx, identity, displayName, template)
}
