package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var HistogramBuckets = []float64{
	// --- Fast responses (0 - 500ms) ---
	5, 10, 25, 50, 75, 100, 150, 200, 300, 400, 500,

	// --- Medium responses (500ms - 2s) ---
	750, 1000, 1500, 2000,

	// --- Slow responses (2s - 30s) ---
	3000, 5000, 10000, 30000,
}

// Metric is a definition for the name, description, type, ID, and
// prometheus.Collector type (i.e. CounterVec, Summary, etc) of each metric
type Metric struct {
	MetricCollector prometheus.Collector
	ID              string
	Name            string
	Description     string
	Type            string
	Args            []string
}

// NewMetric associates prometheus.Collector based on Metric.Type
func NewMetric(m *Metric, subsystem string) prometheus.Collector {
	var metric prometheus.Collector
	switch m.Type {
	case "counter_vec":
		metric = prometheus.NewCounterVec(
			prometheus.CounterOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description},
			m.Args,
		)
	case "counter":
		metric = prometheus.NewCounter(
			prometheus.CounterOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description},
		)
	case "gauge_vec":
		metric = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description},
			m.Args,
		)
	case "histogram_vec":
		metric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description, Buckets: HistogramBuckets},
			m.Args,
		)
	case "summary_vec":
		metric = prometheus.NewSummaryVec(
			prometheus.SummaryOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description},
			m.Args,
		)
	}
	return metric
}

var webhookEvents = &Metric{
	ID:          "webhookEvents",
	Name:        "webhook_events_total",
	Description: "Billing provider webhook events, partitioned by provider, normalized event type and outcome.",
	Type:        "counter_vec",
	Args:        []string{"provider", "event_type", "outcome"},
}

var subscriptionWrites = &Metric{
	ID:          "subscriptionWrites",
	Name:        "subscription_writes_total",
	Description: "Subscription repository writes, partitioned by operation, source and result.",
	Type:        "counter_vec",
	Args:        []string{"op", "source", "result"},
}

var storeLatency = &Metric{
	ID:          "storeDur",
	Name:        "store_dur_ms",
	Description: "Subscription store call latency in milliseconds.",
	Type:        "histogram_vec",
	Args:        []string{"op"},
}

// Business holds the domain collectors. A nil *Business is a valid no-op
// recorder so services can be constructed in tests without a registry.
type Business struct {
	webhookEvents      *prometheus.CounterVec
	subscriptionWrites *prometheus.CounterVec
	storeDur           *prometheus.HistogramVec
}

// NewBusiness creates and registers the domain collectors on reg.
func NewBusiness(reg prometheus.Registerer) (*Business, error) {
	b := &Business{
		webhookEvents:      NewMetric(webhookEvents, "entitlement").(*prometheus.CounterVec),
		subscriptionWrites: NewMetric(subscriptionWrites, "entitlement").(*prometheus.CounterVec),
		storeDur:           NewMetric(storeLatency, "entitlement").(*prometheus.HistogramVec),
	}
	for _, c := range []prometheus.Collector{b.webhookEvents, b.subscriptionWrites, b.storeDur} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *Business) WebhookEvent(provider, eventType, outcome string) {
	if b == nil {
		return
	}
	b.webhookEvents.WithLabelValues(provider, eventType, outcome).Inc()
}

func (b *Business) SubscriptionWrite(op, source string, err error) {
	if b == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	b.subscriptionWrites.WithLabelValues(op, source, result).Inc()
}

func (b *Business) ObserveStore(op string, start time.Time) {
	if b == nil {
		return
	}
	b.storeDur.WithLabelValues(op).Observe(MillisecondsSince(start))
}

// MillisecondsSince returns the elapsed time in fractional milliseconds.
func MillisecondsSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

const (
	RefererKey = "X-Referer"
)
