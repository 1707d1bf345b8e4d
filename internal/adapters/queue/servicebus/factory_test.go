package servicebus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicebus-demo/internal/config"
	"servicebus-demo/internal/domain"
	"servicebus-demo/internal/ports"
)

const testEndpoint = "sb://demo.servicebus.windows.net/"

type staticCredential struct{}

func (staticCredential) GetToken(context.Context, policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{Token: "token", ExpiresOn: time.Now().Add(time.Hour)}, nil
}

// offlineFactory returns a factory whose credential never leaves the process,
// and a counter of how many credentials it handed out.
func offlineFactory(t *testing.T) (*Factory, *int) {
	t.Helper()
	f, err := NewFactory(config.ClientConfig{}, WithLogger(discard))
	require.NoError(t, err)
	calls := 0
	f.newCredential = func(context.Context) (azcore.TokenCredential, error) {
		calls++
		return staticCredential{}, nil
	}
	return f, &calls
}

func TestNewFactoryRejectsIncompleteOnPremConfig(t *testing.T) {
	_, err := NewFactory(config.ClientConfig{IsOnPrem: true, AADClientID: "app"})
	require.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestGetDataReceiverValidation(t *testing.T) {
	tests := []struct {
		name string
		t    domain.ClientType
		opts ports.ReceiverOptions
		msg  string
	}{
		{
			name: "topic with sessions",
			t:    domain.ClientTypeTopic,
			opts: ports.ReceiverOptions{Subscription: "audit", SessionEnabled: true},
			msg:  "does not support sessions",
		},
		{
			name: "sessions win over missing subscription",
			t:    domain.ClientTypeTopic,
			opts: ports.ReceiverOptions{SessionEnabled: true},
			msg:  "does not support sessions",
		},
		{
			name: "topic without subscription",
			t:    domain.ClientTypeTopic,
			msg:  "subscription name is required",
		},
		{
			name: "unknown type",
			t:    domain.ClientType(9),
			msg:  "unknown type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, calls := offlineFactory(t)
			_, err := f.GetDataReceiver(context.Background(), tt.t, testEndpoint, "events", tt.opts)
			require.ErrorIs(t, err, domain.ErrInvalidArgument)
			assert.ErrorContains(t, err, tt.msg)
			assert.Zero(t, *calls)
		})
	}
}

func TestGetDataSenderRejectsUnknownType(t *testing.T) {
	f, calls := offlineFactory(t)
	_, err := f.GetDataSender(context.Background(), domain.ClientType(3), testEndpoint, "orders")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Zero(t, *calls)
}

func TestEmptyEndpointIsRejected(t *testing.T) {
	f, calls := offlineFactory(t)

	_, err := f.GetDataSender(context.Background(), domain.ClientTypeQueue, " ", "orders")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.GetDataReceiver(context.Background(), domain.ClientTypeQueue, "sb://", "orders", ports.ReceiverOptions{})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Zero(t, *calls)
}

func TestCredentialFailureIsReturned(t *testing.T) {
	f, _ := offlineFactory(t)
	f.newCredential = func(context.Context) (azcore.TokenCredential, error) {
		return nil, domain.ErrCertificateNotFound
	}

	_, err := f.GetDataSender(context.Background(), domain.ClientTypeQueue, testEndpoint, "orders")
	assert.ErrorIs(t, err, domain.ErrCertificateNotFound)
}

func TestNamespaceHost(t *testing.T) {
	tests := map[string]string{
		"demo.servicebus.windows.net":           "demo.servicebus.windows.net",
		"sb://demo.servicebus.windows.net/":     "demo.servicebus.windows.net",
		"amqps://demo.servicebus.windows.net":   "demo.servicebus.windows.net",
		"https://demo.servicebus.windows.net/":  "demo.servicebus.windows.net",
		"  sb://demo.servicebus.windows.net/  ": "demo.servicebus.windows.net",
		"sb://":                                 "",
	}
	for in, want := range tests {
		assert.Equal(t, want, namespaceHost(in), in)
	}
}

func TestGetDataSenderBuildsSender(t *testing.T) {
	f, calls := offlineFactory(t)
	ctx := context.Background()

	s, err := f.GetDataSender(ctx, domain.ClientTypeTopic, testEndpoint, "events")
	require.NoError(t, err)
	assert.Equal(t, 1, *calls)

	sender, ok := s.(*Sender)
	require.True(t, ok)
	assert.Equal(t, "events", sender.Entity())
	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx))
}

func TestGetDataReceiverBuildsTypedReceivers(t *testing.T) {
	ctx := context.Background()

	t.Run("queue", func(t *testing.T) {
		f, _ := offlineFactory(t)
		r, err := f.GetDataReceiver(ctx, domain.ClientTypeQueue, testEndpoint, "orders", ports.ReceiverOptions{})
		require.NoError(t, err)
		q, ok := r.(*QueueReceiver)
		require.True(t, ok)
		assert.Equal(t, "orders", q.Queue)
		assert.False(t, q.SessionEnabled)
		require.NoError(t, r.Close(ctx))
	})

	t.Run("session queue", func(t *testing.T) {
		f, _ := offlineFactory(t)
		r, err := f.GetDataReceiver(ctx, domain.ClientTypeQueue, testEndpoint, "orders", ports.ReceiverOptions{SessionEnabled: true})
		require.NoError(t, err)
		q, ok := r.(*QueueReceiver)
		require.True(t, ok)
		assert.True(t, q.SessionEnabled)

		_, err = r.Receive(ctx, 1)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		require.NoError(t, r.Close(ctx))
	})

	t.Run("subscription", func(t *testing.T) {
		f, _ := offlineFactory(t)
		r, err := f.GetDataReceiver(ctx, domain.ClientTypeTopic, testEndpoint, "events", ports.ReceiverOptions{Subscription: "audit"})
		require.NoError(t, err)
		s, ok := r.(*SubscriptionReceiver)
		require.True(t, ok)
		assert.Equal(t, "events", s.Topic)
		assert.Equal(t, "audit", s.Subscription)
		assert.Equal(t, "events/subscriptions/audit", r.Entity())
		require.NoError(t, r.Close(ctx))
	})
}

func TestReceiverRejectsUnknownLockToken(t *testing.T) {
	r := &receiver{entity: "orders", client: nopCloser{}, sdk: newFakeReceiver(), log: discard}

	err := r.Complete(context.Background(), "3b4c7a0e-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, domain.ErrUnknownLockToken)
	err = r.Abandon(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrUnknownLockToken)
}

func TestReceiverSettlesReceivedDeliveries(t *testing.T) {
	sdk := newFakeReceiver(received(textBody(t, "one")), received(textBody(t, "two")))
	r := &receiver{entity: "orders", client: nopCloser{}, sdk: sdk, log: discard}
	ctx := context.Background()

	got, err := r.Receive(ctx, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.NoError(t, r.Complete(ctx, got[0].LockToken))
	require.NoError(t, r.Abandon(ctx, got[1].LockToken))
	assert.ErrorIs(t, r.Complete(ctx, got[0].LockToken), domain.ErrUnknownLockToken)

	completed, abandoned := sdk.counts()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, abandoned)

	msg, err := domain.DecodeTextMessage(got[0].Body)
	require.NoError(t, err)
	assert.Equal(t, "one", msg.Text)
	assert.Equal(t, msg.ID.String(), got[0].MessageID)

	require.NoError(t, r.Close(ctx))
	assert.Equal(t, int32(1), sdk.closed.Load())
}

func TestReceiverCloseStopsDispatch(t *testing.T) {
	sdk := newFakeReceiver()
	h := &recorder{}
	r := &receiver{entity: "orders", client: nopCloser{}, sdk: sdk, log: discard}
	d := testDispatcher(h.handle, nil)
	r.start(context.Background(), func(ctx context.Context) { d.runMessages(ctx, sdk) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
	assert.Equal(t, int32(1), sdk.closed.Load())
}

func TestSenderSendsEncodedMessage(t *testing.T) {
	sdk := &fakeSender{}
	s := &Sender{entity: "orders", client: nopCloser{}, sdk: sdk, metrics: noMetrics, log: discard}
	msg := domain.NewTextMessage("hello")

	require.NoError(t, s.SendToSession(context.Background(), msg, "customer-1"))
	require.Len(t, sdk.sent, 1)
	got := sdk.sent[0]
	assert.Equal(t, msg.ID.String(), *got.MessageID)
	assert.Equal(t, "customer-1", *got.SessionID)
	assert.Equal(t, domain.ContentType, *got.ContentType)

	decoded, err := domain.DecodeTextMessage(got.Body)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestSenderWrapsSendFailure(t *testing.T) {
	sdk := &fakeSender{err: errors.New("link detached")}
	s := &Sender{entity: "orders", client: nopCloser{}, sdk: sdk, metrics: noMetrics, log: discard}

	err := s.Send(context.Background(), domain.NewTextMessage("hello"))
	assert.ErrorContains(t, err, "send message to orders")
	assert.ErrorContains(t, err, "link detached")
}
