package mailer

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"identity-service/internal/util"
)

// Producer publishes one message to a topic.
type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// EmailEvent is the notification event consumed by the mail delivery worker.
type EmailEvent struct {
	Type        string   `json:"type"`
	Subject     string   `json:"subject"`
	Message     string   `json:"message"`
	ContentType string   `json:"content_type"`
	Template    string   `json:"template"`
	Recipients  []string `json:"recipients"`
}

// KafkaSender renders the message and publishes it as an EmailEvent. The
// email counts as accepted once the broker acknowledges the write.
type KafkaSender struct {
	producer Producer
	topic    string
	renderer *Renderer
}

func NewKafkaSender(producer Producer, topic string, renderer *Renderer) *KafkaSender {
	return &KafkaSender{producer: producer, topic: topic, renderer: renderer}
}

func (s *KafkaSender) Send(ctx context.Context, msg Message) error {
	body, err := s.renderer.Render(msg.Template, msg.Data)
	if err != nil {
		return err
	}

	event := EmailEvent{
		Type:        "email",
		Subject:     msg.Subject,
		Message:     body,
		ContentType: "text/html",
		Template:    msg.Template,
		Recipients:  []string{msg.To},
	}
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal email event: %w", err)
	}

	headers := map[string]string{"event_type": "email"}
	if err := s.producer.ProduceMessage(ctx, s.topic, []byte(msg.To), b, headers); err != nil {
		return fmt.Errorf("failed to publish email event: %w", err)
	}

	util.Debug("Email event published",
		zap.String("to", util.MaskEmail(msg.To)),
		zap.String("topic", s.topic))
	return nil
}
