// Package mailer renders named email templates and hands them to a transport.
package mailer

import (
	"context"
	"errors"
)

//go:generate go run go.uber.org/mock/mockgen@latest -source=mailer.go -destination=mocks/sender_mock.go -package=mocks

var ErrUnknownTemplate = errors.New("unknown email template")

// Message is one templated email.
type Message struct {
	To       string
	Subject  string
	Template string
	Data     map[string]any
}

// Sender delivers a Message. A returned error means the email was not
// accepted by the transport.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}
