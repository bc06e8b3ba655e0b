package mailer

import (
	"context"
	"crypto/tls"
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// SMTPSender renders the message and delivers it over SMTP.
type SMTPSender struct {
	dialer   *gomail.Dialer
	renderer *Renderer
	from     string
	fromName string
}

func NewSMTPSender(cfg config.MailConfig, renderer *Renderer) *SMTPSender {
	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	dialer.TLSConfig = &tls.Config{
		ServerName: cfg.Host,
		MinVersion: tls.VersionTLS12,
	}

	from := cfg.From
	if from == "" {
		from = cfg.Username
	}

	return &SMTPSender{
		dialer:   dialer,
		renderer: renderer,
		from:     from,
		fromName: cfg.FromName,
	}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := s.renderer.Render(msg.Template, msg.Data)
	if err != nil {
		return err
	}

	m := gomail.NewMessage(
		gomail.SetCharset("UTF-8"),
		gomail.SetEncoding(gomail.Base64),
	)
	m.SetAddressHeader("From", s.from, s.fromName)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/html", body)

	// gomail takes no context and only bounds the dial.
	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(m) }()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to send email: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send email: %w", err)
		}
	}

	util.Debug("Email sent",
		zap.String("to", util.MaskEmail(msg.To)),
		zap.String("template", msg.Template))
	return nil
}
