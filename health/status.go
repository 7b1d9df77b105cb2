// Package health reports the state of participants, subscriptions and
// reactors as plain Status values.
package health

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/c360/talkbus/pkg/worker"
)

var (
	urlRegex         = regexp.MustCompile(`(?:https?|nats|tls|wss?)://[^\s]+`)
	unixPathRegex    = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	windowsPathRegex = regexp.MustCompile(`[A-Z]:\\[^:\s]+`)
	ipAddrRegex      = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex        = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex  = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// State is the coarse health of an entity
type State string

// Health states
const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

// Status is the health of one entity and, optionally, its parts
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	State       State     `json:"state"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics are the counters behind a status
type Metrics struct {
	QueueDepth int   `json:"queue_depth"`
	Capacity   int   `json:"capacity"`
	Executed   int64 `json:"executed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	Pending    int   `json:"pending,omitempty"`
}

// IsHealthy returns true if the state is healthy
func (s Status) IsHealthy() bool {
	return s.State == StateHealthy
}

// IsDegraded returns true if the state is degraded
func (s Status) IsDegraded() bool {
	return s.State == StateDegraded
}

// IsUnhealthy returns true if the state is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.State == StateUnhealthy
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithSubStatus returns a copy with subStatus appended
func (s Status) WithSubStatus(subStatus Status) Status {
	subs := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(subs, s.SubStatuses)
	s.SubStatuses = append(subs, subStatus)
	return s
}

// queueHighWater is the fill ratio above which a worker queue counts as degraded
const queueHighWater = 0.8

// FromWorker derives a status from active object statistics. A stopped worker
// is unhealthy; a worker that dropped items or whose queue is nearly full is
// degraded.
func FromWorker(stats worker.Stats) Status {
	var s Status
	switch {
	case !stats.Running:
		s = NewUnhealthy(stats.Name, "worker not running")
	case stats.Capacity > 0 && float64(stats.QueueDepth) >= queueHighWater*float64(stats.Capacity):
		s = NewDegraded(stats.Name, fmt.Sprintf("queue at %d of %d", stats.QueueDepth, stats.Capacity))
	case stats.Dropped > 0:
		s = NewDegraded(stats.Name, fmt.Sprintf("%d work items dropped", stats.Dropped))
	default:
		s = NewHealthy(stats.Name, "worker running")
	}
	return s.WithMetrics(&Metrics{
		QueueDepth: stats.QueueDepth,
		Capacity:   stats.Capacity,
		Executed:   stats.Executed,
		Failed:     stats.Failed,
		Dropped:    stats.Dropped,
	})
}

// FromError reports component as unhealthy with a sanitized error message,
// or healthy when err is nil
func FromError(component string, err error) Status {
	if err == nil {
		return NewHealthy(component, "ok")
	}
	return NewUnhealthy(component, sanitizeErrorMessage(err.Error()))
}

// sanitizeErrorMessage strips URLs, paths, addresses and credentials from an
// error message before it leaves the process in a status.
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}

	sanitized := urlRegex.ReplaceAllString(err, "[URL]")
	sanitized = unixPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = windowsPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")
	sanitized = portRegex.ReplaceAllString(sanitized, "[PORT]")

	lower := strings.ToLower(sanitized)
	for _, word := range []string{"password", "token", "key", "secret", "credential"} {
		if strings.Contains(lower, word) {
			sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
			break
		}
	}
	return sanitized
}
