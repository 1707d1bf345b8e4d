package servicebus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"servicebus-demo/internal/domain"
	"servicebus-demo/internal/metrics"
)

type messageSender interface {
	SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

type closer interface {
	Close(ctx context.Context) error
}

// Sender sends text messages to a queue or a topic. It owns its transport
// client, so Close must be called when the sender is no longer needed.
type Sender struct {
	entity    string
	client    closer
	sdk       messageSender
	metrics   metrics.Collector
	log       *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

// Entity returns the queue or topic name.
func (s *Sender) Entity() string {
	return s.entity
}

// Send serialises msg and sends it.
func (s *Sender) Send(ctx context.Context, msg domain.TextMessage) error {
	return s.SendToSession(ctx, msg, "")
}

// SendToSession serialises msg and sends it as part of sessionID.
// Session-enabled queues reject messages without a session.
func (s *Sender) SendToSession(ctx context.Context, msg domain.TextMessage, sessionID string) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	return s.send(ctx, body, msg.ID.String(), sessionID)
}

// SendRaw sends body unchanged. Receivers with a handler abandon bodies that
// are not TextMessages.
func (s *Sender) SendRaw(ctx context.Context, body []byte, sessionID string) error {
	return s.send(ctx, body, "", sessionID)
}

func (s *Sender) send(ctx context.Context, body []byte, messageID, sessionID string) error {
	msg := &azservicebus.Message{
		Body:        body,
		ContentType: to.Ptr(domain.ContentType),
	}
	if messageID != "" {
		msg.MessageID = to.Ptr(messageID)
	}
	if sessionID != "" {
		msg.SessionID = to.Ptr(sessionID)
	}

	if err := s.sdk.SendMessage(ctx, msg, nil); err != nil {
		s.metrics.IncSent(s.entity, "error")
		return fmt.Errorf("send message to %s: %w", s.entity, err)
	}
	s.metrics.IncSent(s.entity, "ok")
	s.log.Debug("message sent", "entity", s.entity, "message_id", messageID)
	return nil
}

// Close releases the sender link and its transport client.
func (s *Sender) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if err := s.sdk.Close(ctx); err != nil {
			s.closeErr = fmt.Errorf("close sender %s: %w", s.entity, err)
		}
		if err := s.client.Close(ctx); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("close client for %s: %w", s.entity, err)
		}
	})
	return s.closeErr
}
