package servicebus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"servicebus-demo/internal/domain"
	"servicebus-demo/internal/metrics"
	"servicebus-demo/internal/ports"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// fastPolicy keeps receive-loop backoff in the millisecond range.
var fastPolicy = RetryPolicy{MaxBackoff: 10 * time.Millisecond, MaxRetries: 5}

func textBody(t *testing.T, text string) []byte {
	t.Helper()
	body, err := domain.NewTextMessage(text).Encode()
	require.NoError(t, err)
	return body
}

func received(body []byte) *azservicebus.ReceivedMessage {
	id := uuid.New()
	return &azservicebus.ReceivedMessage{
		MessageID: id.String(),
		LockToken: [16]byte(id),
		Body:      body,
	}
}

type fakeSettler struct {
	mu          sync.Mutex
	completed   []*azservicebus.ReceivedMessage
	abandoned   []*azservicebus.ReceivedMessage
	completeErr error
}

func (s *fakeSettler) CompleteMessage(_ context.Context, msg *azservicebus.ReceivedMessage, _ *azservicebus.CompleteMessageOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, msg)
	return s.completeErr
}

func (s *fakeSettler) AbandonMessage(_ context.Context, msg *azservicebus.ReceivedMessage, _ *azservicebus.AbandonMessageOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandoned = append(s.abandoned, msg)
	return nil
}

func (s *fakeSettler) counts() (completed, abandoned int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed), len(s.abandoned)
}

// fakeReceiver hands out queued messages, at most max per call.
type fakeReceiver struct {
	fakeSettler
	mu       sync.Mutex
	queue    []*azservicebus.ReceivedMessage
	errs     []error
	maxAsked int
	renewals atomic.Int32
	closed   atomic.Int32
	ready    chan struct{}
}

func newFakeReceiver(msgs ...*azservicebus.ReceivedMessage) *fakeReceiver {
	return &fakeReceiver{queue: msgs, ready: make(chan struct{}, 1)}
}

func (r *fakeReceiver) ReceiveMessages(ctx context.Context, max int, _ *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error) {
	for {
		r.mu.Lock()
		if max > r.maxAsked {
			r.maxAsked = max
		}
		if len(r.errs) > 0 {
			err := r.errs[0]
			r.errs = r.errs[1:]
			r.mu.Unlock()
			return nil, err
		}
		if len(r.queue) > 0 {
			n := max
			if n > len(r.queue) {
				n = len(r.queue)
			}
			batch := r.queue[:n]
			r.queue = r.queue[n:]
			r.mu.Unlock()
			return batch, nil
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.ready:
		}
	}
}

func (r *fakeReceiver) RenewMessageLock(context.Context, *azservicebus.ReceivedMessage, *azservicebus.RenewMessageLockOptions) error {
	r.renewals.Add(1)
	return nil
}

func (r *fakeReceiver) Close(context.Context) error {
	r.closed.Add(1)
	return nil
}

// fakeSession is a session holding a fixed set of messages.
type fakeSession struct {
	fakeSettler
	id          string
	msgs        []*azservicebus.ReceivedMessage
	receiveErr  error
	renewals    atomic.Int32
	closed      atomic.Int32
	lockedUntil time.Time
}

func (s *fakeSession) ReceiveMessages(ctx context.Context, max int, _ *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error) {
	if s.receiveErr != nil {
		return nil, s.receiveErr
	}
	if len(s.msgs) == 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	n := max
	if n > len(s.msgs) {
		n = len(s.msgs)
	}
	batch := s.msgs[:n]
	s.msgs = s.msgs[n:]
	return batch, nil
}

func (s *fakeSession) RenewSessionLock(context.Context, *azservicebus.RenewSessionLockOptions) error {
	s.renewals.Add(1)
	return nil
}

func (s *fakeSession) LockedUntil() time.Time { return s.lockedUntil }
func (s *fakeSession) SessionID() string      { return s.id }

func (s *fakeSession) Close(context.Context) error {
	s.closed.Add(1)
	return nil
}

// recorder is a TextHandler that remembers what it saw.
type recorder struct {
	mu   sync.Mutex
	seen []domain.TextMessage
	err  error
}

func (h *recorder) handle(_ context.Context, msg domain.TextMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, msg)
	return h.err
}

func (h *recorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

// errorSink collects notification errors.
type errorSink struct {
	mu   sync.Mutex
	errs []*NotificationError
}

func (s *errorSink) handle(e *NotificationError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, e)
}

func (s *errorSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.errs))
	for _, e := range s.errs {
		out = append(out, e.Action)
	}
	return out
}

func testDispatcher(handler ports.TextHandler, sink *errorSink) *dispatcher {
	var onError ErrorHandler
	if sink != nil {
		onError = sink.handle
	}
	d := newDispatcher("orders", handler, fastPolicy, onError, metrics.Nop{}, discard)
	d.minRenewEvery = 10 * time.Millisecond
	d.idleTimeout = 50 * time.Millisecond
	return d
}

var noMetrics = metrics.Nop{}

type nopCloser struct{}

func (nopCloser) Close(context.Context) error { return nil }

type fakeSender struct {
	sent []*azservicebus.Message
	err  error
}

func (s *fakeSender) SendMessage(_ context.Context, msg *azservicebus.Message, _ *azservicebus.SendMessageOptions) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) Close(context.Context) error { return nil }
