package servicebus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"servicebus-demo/internal/auth"
	"servicebus-demo/internal/config"
	"servicebus-demo/internal/domain"
	"servicebus-demo/internal/metrics"
	"servicebus-demo/internal/ports"
)

// Factory builds authenticated senders and receivers. Every call creates a
// fresh credential and transport client; the factory keeps no reference to
// the handles it returns.
type Factory struct {
	cfg     config.ClientConfig
	store   auth.CertificateStore
	policy  RetryPolicy
	onError ErrorHandler
	metrics metrics.Collector
	log     *slog.Logger

	newCredential func(ctx context.Context) (azcore.TokenCredential, error)
}

// Option customises a Factory.
type Option func(*Factory)

// WithLogger sets the logger used by the factory and its handles.
func WithLogger(log *slog.Logger) Option {
	return func(f *Factory) { f.log = log }
}

// WithMetrics records sends and dispositions in m.
func WithMetrics(m metrics.Collector) Option {
	return func(f *Factory) { f.metrics = m }
}

// WithCertificateStore replaces the directory store built from the configuration.
func WithCertificateStore(store auth.CertificateStore) Option {
	return func(f *Factory) { f.store = store }
}

// WithErrorHandler receives notification errors instead of the default logger.
// They are counted in metrics either way.
func WithErrorHandler(h ErrorHandler) Option {
	return func(f *Factory) { f.onError = h }
}

// NewFactory validates cfg and returns a Factory.
func NewFactory(cfg config.ClientConfig, opts ...Option) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f := &Factory{
		cfg:     cfg,
		policy:  DefaultRetryPolicy,
		metrics: metrics.Nop{},
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.store == nil && cfg.IsOnPrem {
		f.store = auth.NewDirStore(cfg.CertificateStore, cfg.CertificatePassword, f.log)
	}
	f.newCredential = func(ctx context.Context) (azcore.TokenCredential, error) {
		tp, err := auth.NewTokenProvider(ctx, f.cfg, f.store, f.log)
		if err != nil {
			return nil, err
		}
		return tp, nil
	}
	return f, nil
}

// GetDataSender returns a sender for a queue or topic.
func (f *Factory) GetDataSender(ctx context.Context, t domain.ClientType, endpoint, path string) (ports.Sender, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown type %s", domain.ErrInvalidArgument, t)
	}

	client, err := f.newClient(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	sdk, err := client.NewSender(path, nil)
	if err != nil {
		_ = client.Close(ctx)
		return nil, fmt.Errorf("create sender for %s %s: %w", t, path, err)
	}

	f.log.Info("sender created", "type", t, "endpoint", endpoint, "entity", path)
	return &Sender{
		entity:  path,
		client:  client,
		sdk:     sdk,
		metrics: f.metrics,
		log:     f.log,
	}, nil
}

// GetDataReceiver returns a peek-lock receiver for a queue or a topic
// subscription. When opts.Handler is set, messages are dispatched to it in the
// background until ctx is cancelled or the receiver is closed.
func (f *Factory) GetDataReceiver(ctx context.Context, t domain.ClientType, endpoint, path string, opts ports.ReceiverOptions) (ports.Receiver, error) {
	if err := validateReceiver(t, opts); err != nil {
		return nil, err
	}

	client, err := f.newClient(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	switch t {
	case domain.ClientTypeQueue:
		r := &QueueReceiver{
			receiver:       &receiver{entity: path, client: client, log: f.log},
			Queue:          path,
			SessionEnabled: opts.SessionEnabled,
		}
		if !opts.SessionEnabled {
			sdk, err := client.NewReceiverForQueue(path, &azservicebus.ReceiverOptions{ReceiveMode: azservicebus.ReceiveModePeekLock})
			if err != nil {
				_ = client.Close(ctx)
				return nil, fmt.Errorf("create receiver for queue %s: %w", path, err)
			}
			r.sdk = sdk
		}
		if opts.Handler != nil {
			if opts.SessionEnabled {
				accept := func(ctx context.Context) (sessionReceiver, error) {
					sess, err := client.AcceptNextSessionForQueue(ctx, path, &azservicebus.SessionReceiverOptions{ReceiveMode: azservicebus.ReceiveModePeekLock})
					if err != nil {
						return nil, err
					}
					return sess, nil
				}
				f.startSessions(ctx, r.receiver, opts.Handler, accept)
			} else {
				f.startMessages(ctx, r.receiver, opts.Handler)
			}
		}
		f.log.Info("receiver created", "type", t, "endpoint", endpoint, "entity", r.entity, "sessions", opts.SessionEnabled, "handler", opts.Handler != nil)
		return r, nil

	default:
		entity := path + "/subscriptions/" + opts.Subscription
		sdk, err := client.NewReceiverForSubscription(path, opts.Subscription, &azservicebus.ReceiverOptions{ReceiveMode: azservicebus.ReceiveModePeekLock})
		if err != nil {
			_ = client.Close(ctx)
			return nil, fmt.Errorf("create receiver for %s: %w", entity, err)
		}
		r := &SubscriptionReceiver{
			receiver:     &receiver{entity: entity, client: client, sdk: sdk, log: f.log},
			Topic:        path,
			Subscription: opts.Subscription,
		}
		if opts.Handler != nil {
			f.startMessages(ctx, r.receiver, opts.Handler)
		}
		f.log.Info("receiver created", "type", t, "endpoint", endpoint, "entity", entity, "handler", opts.Handler != nil)
		return r, nil
	}
}

// validateReceiver checks the arguments in a fixed order; the first violation wins.
func validateReceiver(t domain.ClientType, opts ports.ReceiverOptions) error {
	if t == domain.ClientTypeTopic && opts.SessionEnabled {
		return fmt.Errorf("%w: service bus topic does not support sessions", domain.ErrInvalidArgument)
	}
	if t == domain.ClientTypeTopic && opts.Subscription == "" {
		return fmt.Errorf("%w: a subscription name is required to receive from a topic", domain.ErrInvalidArgument)
	}
	if !t.Valid() {
		return fmt.Errorf("%w: unknown type %s", domain.ErrInvalidArgument, t)
	}
	return nil
}

func (f *Factory) startMessages(ctx context.Context, r *receiver, handler ports.TextHandler) {
	d := newDispatcher(r.entity, handler, f.policy, f.onError, f.metrics, f.log)
	d.maxConcurrent = MaxConcurrentCalls
	sdk := r.sdk
	r.start(ctx, func(ctx context.Context) { d.runMessages(ctx, sdk) })
}

func (f *Factory) startSessions(ctx context.Context, r *receiver, handler ports.TextHandler, accept sessionAcceptor) {
	d := newDispatcher(r.entity, handler, f.policy, f.onError, f.metrics, f.log)
	d.maxConcurrent = MaxConcurrentSessions
	r.start(ctx, func(ctx context.Context) { d.runSessions(ctx, accept) })
}

func (f *Factory) newClient(ctx context.Context, endpoint string) (*azservicebus.Client, error) {
	namespace := namespaceHost(endpoint)
	if namespace == "" {
		return nil, fmt.Errorf("%w: endpoint is required", domain.ErrInvalidArgument)
	}

	cred, err := f.newCredential(ctx)
	if err != nil {
		return nil, err
	}
	client, err := azservicebus.NewClient(namespace, cred, &azservicebus.ClientOptions{
		RetryOptions: f.policy.RetryOptions(),
	})
	if err != nil {
		return nil, fmt.Errorf("create client for %s: %w", namespace, err)
	}
	return client, nil
}

// namespaceHost reduces an endpoint such as "sb://demo.servicebus.windows.net/"
// to the fully qualified namespace the SDK expects.
func namespaceHost(endpoint string) string {
	host := strings.TrimSpace(endpoint)
	for _, scheme := range []string{"sb://", "amqps://", "https://"} {
		host = strings.TrimPrefix(host, scheme)
	}
	return strings.TrimSuffix(host, "/")
}
