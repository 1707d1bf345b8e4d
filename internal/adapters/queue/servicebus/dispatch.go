package servicebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/cenkalti/backoff/v4"

	"servicebus-demo/internal/domain"
	"servicebus-demo/internal/metrics"
	"servicebus-demo/internal/ports"
)

const (
	// MaxConcurrentCalls bounds in-flight handler calls on a non-session receiver.
	MaxConcurrentCalls = 10
	// MaxConcurrentSessions bounds sessions processed at once.
	MaxConcurrentSessions = 10
	// MaxLockRenewal is how long a message or session lock is kept alive while handling.
	MaxLockRenewal = 5 * time.Minute

	settleTimeout      = 30 * time.Second
	sessionIdleTimeout = time.Minute
	minRenewInterval   = time.Second
	defaultRenewEvery  = 10 * time.Second
)

// NotificationError is an error raised by the transport outside any handler call:
// receive failures, lock renewal, settlement and session handling.
type NotificationError struct {
	Entity string
	Action string
	Err    error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Entity, e.Action, e.Err)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

// ErrorHandler observes notification errors. It must not block.
type ErrorHandler func(*NotificationError)

type settler interface {
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
}

// messageReceiver is the part of *azservicebus.Receiver the dispatcher uses.
type messageReceiver interface {
	settler
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	RenewMessageLock(ctx context.Context, msg *azservicebus.ReceivedMessage, options *azservicebus.RenewMessageLockOptions) error
	Close(ctx context.Context) error
}

// sessionReceiver is the part of *azservicebus.SessionReceiver the dispatcher uses.
type sessionReceiver interface {
	settler
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	RenewSessionLock(ctx context.Context, options *azservicebus.RenewSessionLockOptions) error
	LockedUntil() time.Time
	SessionID() string
	Close(ctx context.Context) error
}

type sessionAcceptor func(ctx context.Context) (sessionReceiver, error)

// dispatcher pumps messages from the transport into a TextHandler and settles
// each one according to the handler's result.
type dispatcher struct {
	entity        string
	handler       ports.TextHandler
	maxConcurrent int
	maxRenewal    time.Duration
	minRenewEvery time.Duration
	idleTimeout   time.Duration
	policy        RetryPolicy
	onError       ErrorHandler
	metrics       metrics.Collector
	log           *slog.Logger
}

func newDispatcher(entity string, handler ports.TextHandler, policy RetryPolicy, onError ErrorHandler, m metrics.Collector, log *slog.Logger) *dispatcher {
	d := &dispatcher{
		entity:        entity,
		handler:       handler,
		maxConcurrent: MaxConcurrentCalls,
		maxRenewal:    MaxLockRenewal,
		minRenewEvery: minRenewInterval,
		idleTimeout:   sessionIdleTimeout,
		policy:        policy,
		onError:       onError,
		metrics:       m,
		log:           log,
	}
	if d.onError == nil {
		d.onError = d.logError
	}
	return d
}

func (d *dispatcher) logError(e *NotificationError) {
	d.log.Error("servicebus notification", "entity", e.Entity, "action", e.Action, "err", e.Err)
}

func (d *dispatcher) notify(action string, err error) {
	d.metrics.IncNotificationError(d.entity, action)
	d.onError(&NotificationError{Entity: d.entity, Action: action, Err: err})
}

// invoke decodes body and runs the handler. Panics are reported as failures.
func (d *dispatcher) invoke(ctx context.Context, body []byte) (res domain.Result) {
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("%w: handler panic: %v", domain.ErrMessageProcessing, r)
		}
	}()

	msg, err := domain.DecodeTextMessage(body)
	if err != nil {
		return domain.Result{Err: err}
	}
	res.Message = msg
	if err := d.handler(ctx, msg); err != nil {
		res.Err = fmt.Errorf("%w: %w", domain.ErrMessageProcessing, err)
	}
	return res
}

// process runs one message through the handler and settles it.
// A cancelled ctx leaves the message unsettled; its lock expires on the broker.
func (d *dispatcher) process(ctx context.Context, s settler, msg *azservicebus.ReceivedMessage, renew func(context.Context) error, lockedUntil func() time.Time) domain.Disposition {
	if ctx.Err() != nil {
		d.metrics.IncDisposition(d.entity, domain.DispositionSkipped)
		return domain.DispositionSkipped
	}

	renewCtx, stopRenew := context.WithCancel(ctx)
	var renewWG sync.WaitGroup
	if renew != nil {
		renewWG.Add(1)
		go func() {
			defer renewWG.Done()
			d.renewLock(renewCtx, renew, lockedUntil)
		}()
	}

	start := time.Now()
	res := d.invoke(ctx, msg.Body)
	d.metrics.ObserveHandler(d.entity, time.Since(start))

	stopRenew()
	renewWG.Wait()

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	disposition := res.Disposition()
	switch disposition {
	case domain.DispositionCompleted:
		if err := s.CompleteMessage(settleCtx, msg, nil); err != nil {
			d.notify("complete", err)
		}
	default:
		d.log.Warn("abandon message", "entity", d.entity, "message_id", msg.MessageID, "delivery_count", msg.DeliveryCount, "err", res.Err)
		if err := s.AbandonMessage(settleCtx, msg, nil); err != nil {
			d.notify("abandon", err)
		}
	}
	d.metrics.IncDisposition(d.entity, disposition)
	return disposition
}

// renewLock keeps a lock alive until ctx is done or maxRenewal has elapsed.
func (d *dispatcher) renewLock(ctx context.Context, renew func(context.Context) error, lockedUntil func() time.Time) {
	deadline := time.Now().Add(d.maxRenewal)
	for {
		wait := defaultRenewEvery
		if lockedUntil != nil {
			if until := lockedUntil(); !until.IsZero() {
				wait = time.Until(until) / 2
			}
		}
		if wait < d.minRenewEvery {
			wait = d.minRenewEvery
		}
		if time.Now().Add(wait).After(deadline) {
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := renew(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			d.notify("renew_lock", err)
		}
	}
}

// sleep waits for the next backoff interval. It returns false if ctx ended first.
func sleep(ctx context.Context, b backoff.BackOff) bool {
	wait := b.NextBackOff()
	if wait == backoff.Stop {
		return false
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// runMessages receives until ctx is cancelled, keeping at most maxConcurrent
// handler calls in flight. It returns once every in-flight call has settled.
func (d *dispatcher) runMessages(ctx context.Context, r messageReceiver) {
	slots := make(chan struct{}, d.maxConcurrent)
	var wg sync.WaitGroup
	defer wg.Wait()

	b := d.policy.BackOff()
	for {
		select {
		case <-ctx.Done():
			return
		case slots <- struct{}{}:
		}
		free := 1
	fill:
		for free < d.maxConcurrent {
			select {
			case slots <- struct{}{}:
				free++
			default:
				break fill
			}
		}

		msgs, err := r.ReceiveMessages(ctx, free, nil)
		for i := len(msgs); i < free; i++ {
			<-slots
		}

		for _, msg := range msgs {
			wg.Add(1)
			go func(msg *azservicebus.ReceivedMessage) {
				defer wg.Done()
				defer func() { <-slots }()
				renew := func(ctx context.Context) error { return r.RenewMessageLock(ctx, msg, nil) }
				lockedUntil := func() time.Time {
					if msg.LockedUntil == nil {
						return time.Time{}
					}
					return *msg.LockedUntil
				}
				d.process(ctx, r, msg, renew, lockedUntil)
			}(msg)
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.notify("receive", err)
			if !sleep(ctx, b) {
				return
			}
			continue
		}
		b.Reset()
	}
}

// runSessions runs maxConcurrent session workers until ctx is cancelled.
func (d *dispatcher) runSessions(ctx context.Context, accept sessionAcceptor) {
	var wg sync.WaitGroup
	for i := 0; i < d.maxConcurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.sessionWorker(ctx, accept)
		}()
	}
	wg.Wait()
}

func (d *dispatcher) sessionWorker(ctx context.Context, accept sessionAcceptor) {
	b := d.policy.BackOff()
	for ctx.Err() == nil {
		sess, err := accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var sbErr *azservicebus.Error
			if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeTimeout {
				// No session became available; ask again.
				b.Reset()
				continue
			}
			d.notify("accept_session", err)
			if !sleep(ctx, b) {
				return
			}
			continue
		}
		b.Reset()
		d.handleSession(ctx, sess)
	}
}

// handleSession processes the next message of an accepted session and then
// closes the session, whatever happened before.
func (d *dispatcher) handleSession(ctx context.Context, sess sessionReceiver) {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil {
			d.notify("close_session", err)
		}
	}()

	recvCtx, cancel := context.WithTimeout(ctx, d.idleTimeout)
	msgs, err := sess.ReceiveMessages(recvCtx, 1, nil)
	cancel()
	if err != nil && len(msgs) == 0 {
		if ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
			d.notify("receive", err)
		}
		return
	}

	renew := func(ctx context.Context) error { return sess.RenewSessionLock(ctx, nil) }
	for _, msg := range msgs {
		d.log.Debug("session message", "entity", d.entity, "session_id", sess.SessionID(), "message_id", msg.MessageID)
		d.process(ctx, sess, msg, renew, sess.LockedUntil)
	}
}
