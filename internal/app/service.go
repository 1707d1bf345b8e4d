package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"servicebus-demo/internal/domain"
	"servicebus-demo/internal/ports"
)

// MaxBatch caps how many messages a single SendBatch call produces.
const MaxBatch = 100

// DemoService sends numbered text messages and records the ones it receives.
type DemoService struct {
	sender  ports.Sender
	inbox   ports.InboxRepository
	entity  string
	session string
	out     io.Writer
	outMu   sync.Mutex
	pause   func() time.Duration
	now     func() time.Time
	log     *slog.Logger
}

// Option customises a DemoService.
type Option func(*DemoService)

// WithInbox saves every handled message to repo.
func WithInbox(repo ports.InboxRepository) Option {
	return func(s *DemoService) { s.inbox = repo }
}

// WithOutput prints every handled message to w.
func WithOutput(w io.Writer) Option {
	return func(s *DemoService) { s.out = w }
}

// WithSessionID sends every message as part of session id, as
// session-enabled queues require.
func WithSessionID(id string) Option {
	return func(s *DemoService) { s.session = id }
}

// WithPause sets the wait between two sends of a batch.
func WithPause(pause func() time.Duration) Option {
	return func(s *DemoService) { s.pause = pause }
}

// NewDemoService wires the service. entity names where handled messages come from.
func NewDemoService(sender ports.Sender, entity string, log *slog.Logger, opts ...Option) *DemoService {
	s := &DemoService{
		sender: sender,
		entity: entity,
		out:    io.Discard,
		pause:  randomPause,
		now:    time.Now,
		log:    log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// randomPause waits 0 to 900ms in 100ms steps.
func randomPause() time.Duration {
	return time.Duration(rand.Intn(10)) * 100 * time.Millisecond
}

// SendText sends a single message carrying text.
func (s *DemoService) SendText(ctx context.Context, text string) (domain.TextMessage, error) {
	msg := domain.NewTextMessage(text)
	if err := s.send(ctx, msg); err != nil {
		return domain.TextMessage{}, fmt.Errorf("send text: %w", err)
	}
	s.log.Info("message sent", "message_id", msg.ID)
	return msg, nil
}

// SendBatch sends count messages "This is text <i>." without waiting for each
// send to finish, pausing between them. It returns the messages that were sent,
// in order, and the joined send errors.
func (s *DemoService) SendBatch(ctx context.Context, count int) ([]domain.TextMessage, error) {
	if count <= 0 || count > MaxBatch {
		return nil, fmt.Errorf("%w: count must be between 1 and %d", domain.ErrInvalidArgument, MaxBatch)
	}

	msgs := make([]domain.TextMessage, count)
	errs := make([]error, count)
	var (
		wg      sync.WaitGroup
		stopErr error
	)
	for i := 0; i < count; i++ {
		msgs[i] = domain.NewTextMessage(fmt.Sprintf("This is text %d.", i))
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.send(ctx, msgs[i])
		}(i)

		if i < count-1 {
			if stopErr = wait(ctx, s.pause()); stopErr != nil {
				break
			}
		}
	}
	wg.Wait()

	sent := make([]domain.TextMessage, 0, count)
	for i, msg := range msgs {
		if msg.ID != uuid.Nil && errs[i] == nil {
			sent = append(sent, msg)
		}
	}
	s.log.Info("batch sent", "requested", count, "sent", len(sent))
	if err := errors.Join(append(errs, stopErr)...); err != nil {
		return sent, fmt.Errorf("send batch: %w", err)
	}
	return sent, nil
}

func (s *DemoService) send(ctx context.Context, msg domain.TextMessage) error {
	if s.session != "" {
		return s.sender.SendToSession(ctx, msg, s.session)
	}
	return s.sender.Send(ctx, msg)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// HandleText is the receive handler: it prints the message and saves it to the inbox.
// An inbox failure abandons the message so it is redelivered.
func (s *DemoService) HandleText(ctx context.Context, msg domain.TextMessage) error {
	s.outMu.Lock()
	fmt.Fprintf(s.out, "%s: %s\n", msg.ID, msg.Text)
	s.outMu.Unlock()
	s.log.Info("message received", "entity", s.entity, "message_id", msg.ID)

	if s.inbox == nil {
		return nil
	}
	rec := domain.ReceivedText{
		ID:         msg.ID,
		Text:       msg.Text,
		Entity:     s.entity,
		ReceivedAt: s.now().UTC(),
	}
	if err := s.inbox.SaveReceived(ctx, rec); err != nil {
		return fmt.Errorf("save received: %w", err)
	}
	return nil
}

// Inbox lists up to limit received messages, newest first.
func (s *DemoService) Inbox(ctx context.Context, limit int) ([]domain.ReceivedText, error) {
	if s.inbox == nil {
		return nil, fmt.Errorf("%w: no inbox configured", domain.ErrConfiguration)
	}
	msgs, err := s.inbox.ListReceived(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list received: %w", err)
	}
	return msgs, nil
}
