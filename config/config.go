package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/talkbus/errors"
	"github.com/c360/talkbus/metric"
	"github.com/c360/talkbus/middleware"
	"github.com/c360/talkbus/pkg/buffer"
	"github.com/c360/talkbus/pkg/worker"
	"github.com/c360/talkbus/qos"
)

// Middleware kinds
const (
	MiddlewareLoopback = "loopback"
	MiddlewareNATS     = "nats"
)

// Config is the complete talkbus configuration. It is loaded once and handed
// to the participant manager, which keeps a frozen copy.
type Config struct {
	Domain     DomainConfig     `json:"domain"`
	QoS        QoSConfig        `json:"qos"`
	Middleware MiddlewareConfig `json:"middleware"`
	Worker     WorkerConfig     `json:"worker"`
	Requester  RequesterConfig  `json:"requester"`
	Metrics    MetricsConfig    `json:"metrics"`
}

// DomainConfig selects the domain joined by default
type DomainConfig struct {
	ID             int    `json:"id"`
	DefaultProfile string `json:"default_profile,omitempty"` // Participant profile when Create gets none
}

// QoSConfig locates the YAML profile file
type QoSConfig struct {
	ProfileFile string `json:"profile_file,omitempty"`
}

// MiddlewareConfig selects and configures the middleware
type MiddlewareConfig struct {
	Kind string     `json:"kind"` // loopback | nats
	NATS NATSConfig `json:"nats,omitempty"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs            []string        `json:"urls,omitempty"`
	MaxReconnects   int             `json:"max_reconnects,omitempty"`
	ReconnectWait   time.Duration   `json:"reconnect_wait,omitempty"`
	ConnectAttempts int             `json:"connect_attempts,omitempty"`
	Username        string          `json:"username,omitempty"`
	Password        string          `json:"password,omitempty"`
	Token           string          `json:"token,omitempty"`
	TLS             NATSTLSConfig   `json:"tls,omitempty"`
	SubjectPrefix   string          `json:"subject_prefix,omitempty"`
	JetStream       JetStreamConfig `json:"jetstream,omitempty"`
}

// NATSTLSConfig for secure NATS connections
type NATSTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// JetStreamConfig for transient-local history streams
type JetStreamConfig struct {
	Storage string `json:"storage,omitempty"` // memory | file
}

// WorkerConfig configures every active object created by the messaging layer
type WorkerConfig struct {
	QueueSize      int           `json:"queue_size"`
	Overflow       string        `json:"overflow"` // block | drop_oldest | drop_newest
	EnqueueTimeout time.Duration `json:"enqueue_timeout"`
	StopPolicy     string        `json:"stop_policy"` // drain | discard
}

// RequesterConfig configures request/reply correlation
type RequesterConfig struct {
	DefaultTimeout time.Duration `json:"default_timeout"`
	SweepInterval  time.Duration `json:"sweep_interval"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Domain: DomainConfig{ID: 0, DefaultProfile: qos.ProfileReliable},
		Middleware: MiddlewareConfig{
			Kind: MiddlewareLoopback,
			NATS: NATSConfig{
				URLs:            []string{"nats://localhost:4222"},
				MaxReconnects:   -1,
				ReconnectWait:   2 * time.Second,
				ConnectAttempts: 5,
				JetStream:       JetStreamConfig{Storage: "memory"},
			},
		},
		Worker: WorkerConfig{
			QueueSize:      worker.DefaultQueueSize,
			Overflow:       buffer.Block.String(),
			EnqueueTimeout: worker.DefaultEnqueueTimeout,
			StopPolicy:     worker.StopDrain.String(),
		},
		Requester: RequesterConfig{
			DefaultTimeout: 5 * time.Second,
			SweepInterval:  100 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Clone returns a deep copy
func (c Config) Clone() Config {
	clone := c
	clone.Middleware.NATS.URLs = append([]string(nil), c.Middleware.NATS.URLs...)
	return clone
}

// Validate checks ranges and enumerations. Profile names are checked by the
// QoS resolver, which knows the loaded profile set.
func (c Config) Validate() error {
	var problems []error

	if c.Domain.ID < 0 || c.Domain.ID > middleware.MaxDomainID {
		problems = append(problems, fmt.Errorf("domain.id %d outside 0..%d", c.Domain.ID, middleware.MaxDomainID))
	}

	switch c.Middleware.Kind {
	case MiddlewareLoopback:
	case MiddlewareNATS:
		if len(c.Middleware.NATS.URLs) == 0 {
			problems = append(problems, fmt.Errorf("middleware.nats.urls is required"))
		}
		switch c.Middleware.NATS.JetStream.Storage {
		case "", "memory", "file":
		default:
			problems = append(problems, fmt.Errorf("middleware.nats.jetstream.storage %q is not memory or file",
				c.Middleware.NATS.JetStream.Storage))
		}
		if tls := c.Middleware.NATS.TLS; tls.Enabled && (tls.CertFile == "") != (tls.KeyFile == "") {
			problems = append(problems, fmt.Errorf("middleware.nats.tls needs both cert_file and key_file"))
		}
	default:
		problems = append(problems, fmt.Errorf("middleware.kind %q is not %s or %s",
			c.Middleware.Kind, MiddlewareLoopback, MiddlewareNATS))
	}

	if c.Worker.QueueSize <= 0 {
		problems = append(problems, fmt.Errorf("worker.queue_size must be positive"))
	}
	if _, ok := buffer.ParseOverflowPolicy(c.Worker.Overflow); !ok {
		problems = append(problems, fmt.Errorf("worker.overflow %q is unknown", c.Worker.Overflow))
	}
	if _, ok := worker.ParseStopPolicy(c.Worker.StopPolicy); !ok {
		problems = append(problems, fmt.Errorf("worker.stop_policy %q is unknown", c.Worker.StopPolicy))
	}
	if c.Worker.EnqueueTimeout < 0 {
		problems = append(problems, fmt.Errorf("worker.enqueue_timeout cannot be negative"))
	}

	if c.Requester.DefaultTimeout <= 0 {
		problems = append(problems, fmt.Errorf("requester.default_timeout must be positive"))
	}
	if c.Requester.SweepInterval <= 0 {
		problems = append(problems, fmt.Errorf("requester.sweep_interval must be positive"))
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			problems = append(problems, fmt.Errorf("metrics.port %d outside 1..65535", c.Metrics.Port))
		}
		if c.Metrics.Path == "" || c.Metrics.Path[0] != '/' {
			problems = append(problems, fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path))
		}
	}

	if len(problems) > 0 {
		return errors.WrapInvalid(errors.Join(errors.ErrInvalidConfig, joinProblems(problems)),
			"Config", "Validate", "validate configuration")
	}
	return nil
}

func joinProblems(problems []error) error {
	msg := problems[0].Error()
	for _, p := range problems[1:] {
		msg += "; " + p.Error()
	}
	return errors.New(msg)
}

// LoadProfiles reads the configured profile file; without one the set is empty
func (c Config) LoadProfiles() (qos.ProfileSet, error) {
	if c.QoS.ProfileFile == "" {
		return qos.ProfileSet{}, nil
	}
	data, err := readBounded(c.QoS.ProfileFile, ".yaml", ".yml")
	if err != nil {
		return qos.ProfileSet{}, errors.WrapInvalid(err, "Config", "LoadProfiles", "read "+c.QoS.ProfileFile)
	}
	if err := checkYAMLNesting(data); err != nil {
		return qos.ProfileSet{}, errors.WrapInvalid(err, "Config", "LoadProfiles", "check "+c.QoS.ProfileFile)
	}
	return qos.ParseProfiles(data)
}

// WorkerOptions translates the worker section into active object options
func (c Config) WorkerOptions(logger *slog.Logger, registry *metric.MetricsRegistry) []worker.Option {
	overflow, _ := buffer.ParseOverflowPolicy(c.Worker.Overflow)
	stop, _ := worker.ParseStopPolicy(c.Worker.StopPolicy)

	opts := []worker.Option{
		worker.WithQueueSize(c.Worker.QueueSize),
		worker.WithOverflowPolicy(overflow),
		worker.WithEnqueueTimeout(c.Worker.EnqueueTimeout),
		worker.WithStopPolicy(stop),
		worker.WithLogger(logger),
	}
	if registry != nil {
		opts = append(opts, worker.WithMetrics(registry))
	}
	return opts
}

// String returns a JSON representation with credentials masked
func (c Config) String() string {
	masked := c.Clone()
	if masked.Middleware.NATS.Password != "" {
		masked.Middleware.NATS.Password = "***"
	}
	if masked.Middleware.NATS.Token != "" {
		masked.Middleware.NATS.Token = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}
