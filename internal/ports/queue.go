package ports

import (
	"context"

	"servicebus-demo/internal/domain"
)

// TextHandler processes one decoded message. A non-nil error abandons the
// message so the broker can redeliver it. Handlers run concurrently.
type TextHandler func(ctx context.Context, msg domain.TextMessage) error

// Sender sends text messages to a queue or topic.
type Sender interface {
	// Send serialises msg and sends it as a single message.
	Send(ctx context.Context, msg domain.TextMessage) error

	// SendToSession sends msg with a session ID, as session-enabled queues require.
	SendToSession(ctx context.Context, msg domain.TextMessage, sessionID string) error

	// Close releases the sender and its transport client.
	Close(ctx context.Context) error
}

// Receiver receives from a queue or a topic subscription in peek-lock mode.
type Receiver interface {
	// Entity names the queue or "topic/subscription" the receiver is bound to.
	Entity() string

	// Receive waits for up to max messages. Each must be settled with Complete or Abandon.
	Receive(ctx context.Context, max int) ([]domain.Delivery, error)

	// Complete acknowledges the message holding lockToken.
	Complete(ctx context.Context, lockToken string) error

	// Abandon releases the lock on the message so it can be redelivered.
	Abandon(ctx context.Context, lockToken string) error

	// Close stops any registered handler, waits for in-flight messages and
	// releases the transport client.
	Close(ctx context.Context) error
}

// ReceiverOptions configures GetDataReceiver.
type ReceiverOptions struct {
	Subscription   string      // Required for topics
	SessionEnabled bool        // Queues only
	Handler        TextHandler // Optional; starts background dispatch when set
}

// ClientFactory builds authenticated senders and receivers.
type ClientFactory interface {
	GetDataSender(ctx context.Context, t domain.ClientType, endpoint, path string) (Sender, error)
	GetDataReceiver(ctx context.Context, t domain.ClientType, endpoint, path string, opts ReceiverOptions) (Receiver, error)
}
