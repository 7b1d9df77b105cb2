package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "talkbus"

// Metrics contains the messaging-layer metrics shared by every entity.
// Record methods are no-ops on a nil *Metrics so entities built without a
// registry need no guards.
type Metrics struct {
	// Sample flow
	SamplesPublished *prometheus.CounterVec
	SamplesDelivered *prometheus.CounterVec
	PublishErrors    *prometheus.CounterVec
	HandlerFailures  *prometheus.CounterVec

	// Active objects
	QueueDepth       *prometheus.GaugeVec
	WorkItemsDropped *prometheus.CounterVec

	// Request/reply
	PendingRequests  *prometheus.GaugeVec
	RequestOutcomes  *prometheus.CounterVec
	RequestLatency   *prometheus.HistogramVec
	UnmatchedReplies *prometheus.CounterVec

	// Participants
	Participants prometheus.Gauge

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all messaging metrics
func NewMetrics() *Metrics {
	return &Metrics{
		SamplesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "samples",
				Name:      "published_total",
				Help:      "Total number of samples handed to the middleware",
			},
			[]string{"topic"},
		),

		SamplesDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "samples",
				Name:      "delivered_total",
				Help:      "Total number of samples delivered to subscription handlers",
			},
			[]string{"topic"},
		),

		PublishErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "samples",
				Name:      "publish_errors_total",
				Help:      "Total number of samples rejected by the middleware",
			},
			[]string{"topic"},
		),

		HandlerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "handler_failures_total",
				Help:      "Work items that returned an error or panicked",
			},
			[]string{"worker", "kind"},
		),

		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "queue_depth",
				Help:      "Work items waiting in an active object queue",
			},
			[]string{"worker"},
		),

		WorkItemsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "dropped_total",
				Help:      "Work items dropped because the queue stayed full",
			},
			[]string{"worker"},
		),

		PendingRequests: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "requests",
				Name:      "pending",
				Help:      "Requests awaiting a reply",
			},
			[]string{"topic"},
		),

		RequestOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "requests",
				Name:      "completed_total",
				Help:      "Requests by terminal outcome (resolved, timeout, cancelled, failed)",
			},
			[]string{"topic", "outcome"},
		),

		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "requests",
				Name:      "latency_seconds",
				Help:      "Time from send to reply for resolved requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"topic"},
		),

		UnmatchedReplies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "requests",
				Name:      "unmatched_replies_total",
				Help:      "Replies that matched no pending request",
			},
			[]string{"topic"},
		),

		Participants: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "participants",
				Name:      "alive",
				Help:      "Domain participants currently alive",
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.SamplesPublished,
		c.SamplesDelivered,
		c.PublishErrors,
		c.HandlerFailures,
		c.QueueDepth,
		c.WorkItemsDropped,
		c.PendingRequests,
		c.RequestOutcomes,
		c.RequestLatency,
		c.UnmatchedReplies,
		c.Participants,
		c.NATSConnected,
		c.NATSReconnects,
		c.NATSCircuitBreaker,
	}
}

// RecordPublished increments the published counter, or the error counter when ok is false
func (c *Metrics) RecordPublished(topic string, ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.SamplesPublished.WithLabelValues(topic).Inc()
		return
	}
	c.PublishErrors.WithLabelValues(topic).Inc()
}

// RecordDelivered increments the delivered counter
func (c *Metrics) RecordDelivered(topic string) {
	if c == nil {
		return
	}
	c.SamplesDelivered.WithLabelValues(topic).Inc()
}

// RecordHandlerFailure counts a work item that failed; kind is "error" or "panic"
func (c *Metrics) RecordHandlerFailure(worker, kind string) {
	if c == nil {
		return
	}
	c.HandlerFailures.WithLabelValues(worker, kind).Inc()
}

// RecordQueueDepth sets the queue depth of a worker
func (c *Metrics) RecordQueueDepth(worker string, depth int) {
	if c == nil {
		return
	}
	c.QueueDepth.WithLabelValues(worker).Set(float64(depth))
}

// RecordDropped counts a dropped work item
func (c *Metrics) RecordDropped(worker string) {
	if c == nil {
		return
	}
	c.WorkItemsDropped.WithLabelValues(worker).Inc()
}

// RecordPending sets the number of pending requests for a request topic
func (c *Metrics) RecordPending(topic string, pending int) {
	if c == nil {
		return
	}
	c.PendingRequests.WithLabelValues(topic).Set(float64(pending))
}

// RecordRequestOutcome counts a request leaving the pending state
func (c *Metrics) RecordRequestOutcome(topic, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.RequestOutcomes.WithLabelValues(topic, outcome).Inc()
	if outcome == "resolved" {
		c.RequestLatency.WithLabelValues(topic).Observe(elapsed.Seconds())
	}
}

// RecordUnmatchedReply counts a reply with no pending request
func (c *Metrics) RecordUnmatchedReply(topic string) {
	if c == nil {
		return
	}
	c.UnmatchedReplies.WithLabelValues(topic).Inc()
}

// RecordParticipants sets the live participant count
func (c *Metrics) RecordParticipants(n int) {
	if c == nil {
		return
	}
	c.Participants.Set(float64(n))
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	if c == nil {
		return
	}
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	if c == nil {
		return
	}
	c.NATSCircuitBreaker.Set(float64(state))
}

// ForgetWorker drops the per-worker series once an active object stops
func (c *Metrics) ForgetWorker(worker string) {
	if c == nil {
		return
	}
	c.QueueDepth.DeleteLabelValues(worker)
}
