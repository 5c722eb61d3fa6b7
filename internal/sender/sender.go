// Package sender holds the channel senders the engine delivers through.
package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/unclebandit/outreach-engine/internal/model"
	"github.com/unclebandit/outreach-engine/internal/queue"
	"github.com/unclebandit/outreach-engine/internal/service"
)

// Renderer resolves a template for one recipient.
type Renderer interface {
	Render(ctx context.Context, templateID string, recipient *model.Recipient) (*service.RenderedMessage, error)
}

// LogSender renders the message and writes it to the log. Every send is
// reported as delivered.
type LogSender struct {
	Templates Renderer
	Logger    *slog.Logger
}

func (s *LogSender) Send(ctx context.Context, channel model.Channel, templateRef string, recipient *model.Recipient) (service.SendResult, error) {
	msg, err := s.Templates.Render(ctx, templateRef, recipient)
	if err != nil {
		return service.SendResult{}, err
	}
	ref := "log-" + uuid.NewString()
	s.Logger.InfoContext(ctx, "message sent",
		slog.String("channel", string(channel)),
		slog.String("template_id", templateRef),
		slog.String("recipient_id", recipient.ID),
		slog.String("subject", msg.Subject),
		slog.String("body", msg.Body),
		slog.String("provider_ref", ref),
	)
	return service.SendResult{Delivered: true, ProviderRef: ref}, nil
}

// DeliveryRequest is the message handed to the channel transports.
type DeliveryRequest struct {
	RequestID   string        `json:"request_id"`
	RecipientID string        `json:"recipient_id"`
	Channel     model.Channel `json:"channel"`
	Address     string        `json:"address,omitempty"`
	TemplateID  string        `json:"template_id"`
	Subject     string        `json:"subject,omitempty"`
	Body        string        `json:"body"`
	CreatedAt   time.Time     `json:"created_at"`
}

// DeclareDeliveryExchange declares the topic exchange transports bind to.
func DeclareDeliveryExchange(ch *amqp.Channel, name string) error {
	if err := ch.ExchangeDeclare(name, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	return nil
}

// AMQPSender publishes delivery requests to the delivery exchange, routed
// by lower-cased channel name. A confirmed publish counts as delivered; the
// transport behind the exchange owns retries.
type AMQPSender struct {
	Channel   queue.Publisher
	Exchange  string
	Templates Renderer
	Logger    *slog.Logger
	Now       func() time.Time

	mu sync.Mutex
}

func (s *AMQPSender) Send(ctx context.Context, channel model.Channel, templateRef string, recipient *model.Recipient) (service.SendResult, error) {
	msg, err := s.Templates.Render(ctx, templateRef, recipient)
	if err != nil {
		return service.SendResult{}, err
	}
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	req := DeliveryRequest{
		RequestID:   uuid.NewString(),
		RecipientID: recipient.ID,
		Channel:     channel,
		Address:     address(channel, recipient),
		TemplateID:  templateRef,
		Subject:     msg.Subject,
		Body:        msg.Body,
		CreatedAt:   now,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return service.SendResult{}, err
	}

	s.mu.Lock()
	err = s.Channel.Publish(s.Exchange, strings.ToLower(string(channel)), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    req.RequestID,
		Timestamp:    now,
		Body:         body,
	})
	s.mu.Unlock()
	if err != nil {
		return service.SendResult{}, fmt.Errorf("publish delivery request: %w", err)
	}
	s.Logger.DebugContext(ctx, "delivery request published",
		slog.String("request_id", req.RequestID), slog.String("recipient_id", recipient.ID), slog.String("channel", string(channel)))
	return service.SendResult{Delivered: true, ProviderRef: req.RequestID}, nil
}

// address picks the contact attribute matching the channel.
func address(channel model.Channel, r *model.Recipient) string {
	var key string
	switch channel {
	case model.ChannelSMS:
		key = "phone"
	case model.ChannelEmail:
		key = "email"
	default:
		return r.ID
	}
	if v, ok := r.Attributes[key].(string); ok {
		return v
	}
	return ""
}
