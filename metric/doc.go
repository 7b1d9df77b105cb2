// Package metric provides the Prometheus registry and HTTP server for talkbus.
//
// A MetricsRegistry owns a private prometheus.Registry with the core messaging
// metrics already registered: published and delivered samples, publish errors,
// handler failures, queue depth and drops per active object, pending requests,
// request outcomes and unmatched replies.
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//	if err := server.Start(); err != nil {
//	    return err
//	}
//	defer server.Stop(ctx)
//
// Entities receive the registry through their options and record through
// CoreMetrics(). A nil registry yields a nil *Metrics whose Record methods do
// nothing.
//
// Entity-specific collectors can be added through the MetricsRegistrar
// interface. Registration is keyed by owner and metric name; registering the
// same key twice returns an invalid-class error.
package metric
