package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"servicebus-demo/internal/domain"
)

// Collector records what the dispatch wrapper does with received messages.
type Collector interface {
	IncDisposition(entity string, d domain.Disposition)
	IncNotificationError(entity, action string)
	ObserveHandler(entity string, d time.Duration)
	IncSent(entity, result string)
}

// Client implements Collector with Prometheus metrics.
type Client struct {
	dispositions *prometheus.CounterVec
	notifyErrors *prometheus.CounterVec
	handlerTime  *prometheus.HistogramVec
	sent         *prometheus.CounterVec
}

// New creates the Prometheus metrics and registers them with reg.
func New(reg prometheus.Registerer) (*Client, error) {
	c := &Client{
		dispositions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "servicebus_messages_total",
				Help: "Received messages by entity and disposition",
			},
			[]string{"entity", "disposition"},
		),
		notifyErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "servicebus_notification_errors_total",
				Help: "Errors reported by the receive loop, lock renewal and settlement",
			},
			[]string{"entity", "action"},
		),
		handlerTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "servicebus_handler_duration_seconds",
				Help:    "Time spent decoding and handling a message",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"entity"},
		),
		sent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "servicebus_sent_total",
				Help: "Messages sent by entity and result",
			},
			[]string{"entity", "result"},
		),
	}

	for _, col := range []prometheus.Collector{c.dispositions, c.notifyErrors, c.handlerTime, c.sent} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) IncDisposition(entity string, d domain.Disposition) {
	c.dispositions.WithLabelValues(entity, string(d)).Inc()
}

func (c *Client) IncNotificationError(entity, action string) {
	c.notifyErrors.WithLabelValues(entity, action).Inc()
}

func (c *Client) ObserveHandler(entity string, d time.Duration) {
	c.handlerTime.WithLabelValues(entity).Observe(d.Seconds())
}

func (c *Client) IncSent(entity, result string) {
	c.sent.WithLabelValues(entity, result).Inc()
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncDisposition(string, domain.Disposition) {}
func (Nop) IncNotificationError(string, string)       {}
func (Nop) ObserveHandler(string, time.Duration)      {}
func (Nop) IncSent(string, string)                    {}
