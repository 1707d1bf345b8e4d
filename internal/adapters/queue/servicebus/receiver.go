package servicebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"

	"servicebus-demo/internal/domain"
)

var errSessionReceive = errors.New("session receivers deliver through a handler only")

// receiver holds what queue and subscription receivers share: the transport
// client, the peek-lock link, unsettled deliveries and the optional dispatch loop.
type receiver struct {
	entity  string
	client  closer
	sdk     messageReceiver // nil for session-enabled receivers
	log     *slog.Logger
	pending sync.Map // lock token -> *azservicebus.ReceivedMessage

	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// start runs fn in the background until the receiver is closed or ctx ends.
func (r *receiver) start(ctx context.Context, fn func(context.Context)) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		fn(ctx)
	}()
}

// Entity names the queue or topic/subscription.
func (r *receiver) Entity() string {
	return r.entity
}

// Receive waits for up to max messages and returns them unsettled.
func (r *receiver) Receive(ctx context.Context, max int) ([]domain.Delivery, error) {
	if r.sdk == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, errSessionReceive)
	}
	msgs, err := r.sdk.ReceiveMessages(ctx, max, nil)
	if err != nil && len(msgs) == 0 {
		return nil, fmt.Errorf("receive from %s: %w", r.entity, err)
	}

	deliveries := make([]domain.Delivery, 0, len(msgs))
	for _, msg := range msgs {
		d := toDelivery(msg)
		r.pending.Store(d.LockToken, msg)
		deliveries = append(deliveries, d)
	}
	return deliveries, nil
}

// Complete acknowledges a delivery returned by Receive.
func (r *receiver) Complete(ctx context.Context, lockToken string) error {
	msg, err := r.take(lockToken)
	if err != nil {
		return err
	}
	if err := r.sdk.CompleteMessage(ctx, msg, nil); err != nil {
		return fmt.Errorf("complete %s on %s: %w", lockToken, r.entity, err)
	}
	return nil
}

// Abandon releases the lock on a delivery returned by Receive.
func (r *receiver) Abandon(ctx context.Context, lockToken string) error {
	msg, err := r.take(lockToken)
	if err != nil {
		return err
	}
	if err := r.sdk.AbandonMessage(ctx, msg, nil); err != nil {
		return fmt.Errorf("abandon %s on %s: %w", lockToken, r.entity, err)
	}
	return nil
}

func (r *receiver) take(lockToken string) (*azservicebus.ReceivedMessage, error) {
	v, ok := r.pending.LoadAndDelete(lockToken)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownLockToken, lockToken)
	}
	return v.(*azservicebus.ReceivedMessage), nil
}

// Close stops dispatch, waits for in-flight messages to settle and then closes
// the link and the transport client.
func (r *receiver) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
			select {
			case <-r.done:
			case <-ctx.Done():
				r.closeErr = fmt.Errorf("close receiver %s: %w", r.entity, ctx.Err())
				return
			}
		}
		if r.sdk != nil {
			if err := r.sdk.Close(ctx); err != nil {
				r.closeErr = fmt.Errorf("close receiver %s: %w", r.entity, err)
			}
		}
		if err := r.client.Close(ctx); err != nil && r.closeErr == nil {
			r.closeErr = fmt.Errorf("close client for %s: %w", r.entity, err)
		}
		r.log.Debug("receiver closed", "entity", r.entity)
	})
	return r.closeErr
}

func toDelivery(msg *azservicebus.ReceivedMessage) domain.Delivery {
	d := domain.Delivery{
		MessageID:     msg.MessageID,
		LockToken:     uuid.UUID(msg.LockToken).String(),
		DeliveryCount: msg.DeliveryCount,
		Body:          msg.Body,
	}
	if msg.SessionID != nil {
		d.SessionID = *msg.SessionID
	}
	if msg.EnqueuedTime != nil {
		d.EnqueuedAt = *msg.EnqueuedTime
	}
	return d
}

// QueueReceiver receives from a queue, optionally through sessions.
type QueueReceiver struct {
	*receiver
	Queue          string
	SessionEnabled bool
}

// SubscriptionReceiver receives from a subscription of a topic.
type SubscriptionReceiver struct {
	*receiver
	Topic        string
	Subscription string
}
