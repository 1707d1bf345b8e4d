package servicebus

import (
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is an exponential backoff bounded by MinBackoff and MaxBackoff.
type RetryPolicy struct {
	MinBackoff time.Duration
	MaxBackoff time.Duration
	MaxRetries int
}

// DefaultRetryPolicy is applied to every sender and receiver.
var DefaultRetryPolicy = RetryPolicy{
	MinBackoff: 0,
	MaxBackoff: 30 * time.Second,
	MaxRetries: 5,
}

// step is the growth unit of the backoff: the range between the bounds spread
// over the allowed retries.
func (p RetryPolicy) step() time.Duration {
	if p.MaxRetries <= 0 || p.MaxBackoff <= p.MinBackoff {
		return p.MinBackoff
	}
	return (p.MaxBackoff - p.MinBackoff) / time.Duration(p.MaxRetries)
}

// RetryOptions converts the policy for the transport client.
func (p RetryPolicy) RetryOptions() azservicebus.RetryOptions {
	delay := p.MinBackoff + p.step()
	if delay <= 0 {
		// The SDK treats zero as "use the default"; negative disables the delay.
		delay = -1
	}
	return azservicebus.RetryOptions{
		MaxRetries:    int32(p.MaxRetries),
		RetryDelay:    delay,
		MaxRetryDelay: p.MaxBackoff,
	}
}

// BackOff returns an unbounded exponential backoff for loops that retry until
// cancelled, such as the receive loop. Its intervals stay within the policy bounds.
func (p RetryPolicy) BackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.MinBackoff + p.step()
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Millisecond
	}
	b.MaxInterval = p.MaxBackoff
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
