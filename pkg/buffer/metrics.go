package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/talkbus/metric"
)

// bufferMetrics holds Prometheus metrics for one buffer.
type bufferMetrics struct {
	registry *metric.MetricsRegistry
	prefix   string
	capacity float64

	writes prometheus.Counter
	drops  prometheus.Counter
	size   prometheus.Gauge
}

func newBufferMetrics(registry *metric.MetricsRegistry, prefix string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"buffer": prefix}
	m := &bufferMetrics{
		registry: registry,
		prefix:   prefix,
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "talkbus",
			Subsystem:   "buffer",
			Name:        "writes_total",
			ConstLabels: labels,
			Help:        "Items accepted by the buffer",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "talkbus",
			Subsystem:   "buffer",
			Name:        "drops_total",
			ConstLabels: labels,
			Help:        "Items discarded by the overflow policy or by Clear",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "talkbus",
			Subsystem:   "buffer",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Current number of items in the buffer",
		}),
	}

	if err := registry.RegisterCounter(prefix, "buffer_writes", m.writes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "buffer_drops", m.drops); err != nil {
		registry.Unregister(prefix, "buffer_writes")
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "buffer_size", m.size); err != nil {
		registry.Unregister(prefix, "buffer_writes")
		registry.Unregister(prefix, "buffer_drops")
		return nil, err
	}

	return m, nil
}

func (m *bufferMetrics) recordWrite(size int) {
	m.writes.Inc()
	m.size.Set(float64(size))
}

func (m *bufferMetrics) recordDrop() {
	m.drops.Inc()
}

func (m *bufferMetrics) updateSize(size int) {
	m.size.Set(float64(size))
}

func (m *bufferMetrics) unregister() {
	m.registry.Unregister(m.prefix, "buffer_writes")
	m.registry.Unregister(m.prefix, "buffer_drops")
	m.registry.Unregister(m.prefix, "buffer_size")
}
