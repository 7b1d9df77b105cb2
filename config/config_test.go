package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/talkbus/errors"
	"github.com/c360/talkbus/pkg/worker"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestLoader(env map[string]string) *Loader {
	l := NewLoader()
	l.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	return l
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, MiddlewareLoopback, cfg.Middleware.Kind)
	assert.Equal(t, "block", cfg.Worker.Overflow)
	assert.Equal(t, time.Second, cfg.Worker.EnqueueTimeout)
}

func TestLoader_LoadJSON(t *testing.T) {
	path := writeFile(t, "talkbus.json", `{
		"domain": {"id": 12, "default_profile": "bulk"},
		"middleware": {
			"kind": "nats",
			"nats": {"urls": ["nats://a:4222", "nats://b:4222"], "reconnect_wait": "500ms"}
		},
		"worker": {"queue_size": 64, "overflow": "drop_oldest", "enqueue_timeout": "250ms"},
		"requester": {"default_timeout": "2s"}
	}`)

	cfg, err := newTestLoader(nil).LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Domain.ID)
	assert.Equal(t, "bulk", cfg.Domain.DefaultProfile)
	assert.Equal(t, MiddlewareNATS, cfg.Middleware.Kind)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.Middleware.NATS.URLs)
	assert.Equal(t, 500*time.Millisecond, cfg.Middleware.NATS.ReconnectWait)
	assert.Equal(t, 64, cfg.Worker.QueueSize)
	assert.Equal(t, "drop_oldest", cfg.Worker.Overflow)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.EnqueueTimeout)
	assert.Equal(t, 2*time.Second, cfg.Requester.DefaultTimeout)

	// Untouched fields keep their defaults
	assert.Equal(t, "drain", cfg.Worker.StopPolicy)
	assert.Equal(t, -1, cfg.Middleware.NATS.MaxReconnects)
	assert.Equal(t, 100*time.Millisecond, cfg.Requester.SweepInterval)
}

func TestLoader_Layers(t *testing.T) {
	base := writeFile(t, "base.json", `{"domain": {"id": 1}, "worker": {"queue_size": 10}}`)
	override := writeFile(t, "override.json", `{"worker": {"queue_size": 20}}`)

	l := newTestLoader(nil)
	l.AddLayer(base)
	l.AddLayer(override)

	cfg, err := l.Load()
	require.NoError(t, err)

	want := Default()
	want.Domain.ID = 1
	want.Worker.QueueSize = 20
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("layered config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoader_SchemaCheckFollowsValidation(t *testing.T) {
	path := writeFile(t, "typo.json", `{"worker": {"queue_sise": 8}}`)

	_, err := newTestLoader(nil).LoadFile(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "queue_sise")

	l := newTestLoader(nil)
	l.EnableValidation(false)
	cfg, err := l.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Worker.QueueSize, cfg.Worker.QueueSize, "unknown keys are ignored")
}

func TestLoader_EnvOverrides(t *testing.T) {
	l := newTestLoader(map[string]string{
		"TALKBUS_DOMAIN_ID":       "42",
		"TALKBUS_MIDDLEWARE":      "nats",
		"TALKBUS_NATS_URLS":       "nats://x:1,nats://y:2",
		"TALKBUS_NATS_TOKEN":      "secret",
		"TALKBUS_REQUEST_TIMEOUT": "750ms",
		"TALKBUS_METRICS_ENABLED": "true",
		"TALKBUS_METRICS_PORT":    "9191",
		"TALKBUS_WORKER_STOP":     "discard",
	})

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Domain.ID)
	assert.Equal(t, MiddlewareNATS, cfg.Middleware.Kind)
	assert.Equal(t, []string{"nats://x:1", "nats://y:2"}, cfg.Middleware.NATS.URLs)
	assert.Equal(t, "secret", cfg.Middleware.NATS.Token)
	assert.Equal(t, 750*time.Millisecond, cfg.Requester.DefaultTimeout)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9191, cfg.Metrics.Port)
	assert.Equal(t, "discard", cfg.Worker.StopPolicy)

	assert.NotContains(t, cfg.String(), "secret")
}

func TestLoader_ProcessEnvironment(t *testing.T) {
	t.Setenv("TALKBUS_DOMAIN_ID", "7")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Domain.ID)
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) *Loader
	}{
		{
			name: "missing file",
			setup: func(t *testing.T) *Loader {
				l := newTestLoader(nil)
				l.AddLayer(filepath.Join(t.TempDir(), "absent.json"))
				return l
			},
		},
		{
			name: "not json extension",
			setup: func(t *testing.T) *Loader {
				l := newTestLoader(nil)
				l.AddLayer(writeFile(t, "cfg.yaml", `{}`))
				return l
			},
		},
		{
			name: "malformed json",
			setup: func(t *testing.T) *Loader {
				l := newTestLoader(nil)
				l.AddLayer(writeFile(t, "bad.json", `{"domain": `))
				return l
			},
		},
		{
			name: "bad duration",
			setup: func(t *testing.T) *Loader {
				l := newTestLoader(nil)
				l.AddLayer(writeFile(t, "bad.json", `{"worker": {"enqueue_timeout": "soon"}}`))
				return l
			},
		},
		{
			name: "too deep",
			setup: func(t *testing.T) *Loader {
				l := newTestLoader(nil)
				l.AddLayer(writeFile(t, "deep.json", strings.Repeat("[", 101)+strings.Repeat("]", 101)))
				return l
			},
		},
		{
			name: "wrong type",
			setup: func(t *testing.T) *Loader {
				l := newTestLoader(nil)
				l.AddLayer(writeFile(t, "typed.json", `{"domain": {"id": "twelve"}}`))
				return l
			},
		},
		{
			name: "unknown overflow policy",
			setup: func(t *testing.T) *Loader {
				l := newTestLoader(nil)
				l.AddLayer(writeFile(t, "policy.json", `{"worker": {"overflow": "spill"}}`))
				return l
			},
		},
		{
			name: "oversized layer",
			setup: func(t *testing.T) *Loader {
				l := newTestLoader(nil)
				pad := strings.Repeat(" ", maxFileSize)
				l.AddLayer(writeFile(t, "big.json", `{"domain": {"id": 1}}`+pad))
				return l
			},
		},
		{
			name: "directory layer",
			setup: func(t *testing.T) *Loader {
				l := newTestLoader(nil)
				dir := filepath.Join(t.TempDir(), "layer.json")
				require.NoError(t, os.Mkdir(dir, 0o700))
				l.AddLayer(dir)
				return l
			},
		},
		{
			name: "env too long",
			setup: func(t *testing.T) *Loader {
				return newTestLoader(map[string]string{"TALKBUS_NATS_TOKEN": strings.Repeat("x", maxEnvValue+1)})
			},
		},
		{
			name: "bad env int",
			setup: func(t *testing.T) *Loader {
				return newTestLoader(map[string]string{"TALKBUS_DOMAIN_ID": "one"})
			},
		},
		{
			name: "env null byte",
			setup: func(t *testing.T) *Loader {
				return newTestLoader(map[string]string{"TALKBUS_NATS_TOKEN": "a\x00b"})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.setup(t).Load()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"domain too large", func(c *Config) { c.Domain.ID = 233 }, "domain.id"},
		{"domain negative", func(c *Config) { c.Domain.ID = -1 }, "domain.id"},
		{"unknown middleware", func(c *Config) { c.Middleware.Kind = "zmq" }, "middleware.kind"},
		{"nats without urls", func(c *Config) {
			c.Middleware.Kind = MiddlewareNATS
			c.Middleware.NATS.URLs = nil
		}, "middleware.nats.urls"},
		{"nats bad storage", func(c *Config) {
			c.Middleware.Kind = MiddlewareNATS
			c.Middleware.NATS.JetStream.Storage = "tape"
		}, "storage"},
		{"queue size", func(c *Config) { c.Worker.QueueSize = 0 }, "worker.queue_size"},
		{"overflow", func(c *Config) { c.Worker.Overflow = "spill" }, "worker.overflow"},
		{"stop policy", func(c *Config) { c.Worker.StopPolicy = "later" }, "worker.stop_policy"},
		{"request timeout", func(c *Config) { c.Requester.DefaultTimeout = 0 }, "requester.default_timeout"},
		{"metrics port", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Port = 70000
		}, "metrics.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestClone_IsDeep(t *testing.T) {
	cfg := Default()
	clone := cfg.Clone()
	clone.Middleware.NATS.URLs[0] = "nats://other:4222"
	assert.Equal(t, "nats://localhost:4222", cfg.Middleware.NATS.URLs[0])
}

func TestLoadProfiles(t *testing.T) {
	cfg := Default()
	set, err := cfg.LoadProfiles()
	require.NoError(t, err)
	assert.Empty(t, set.Profiles)

	cfg.QoS.ProfileFile = writeFile(t, "profiles.yaml", `
profiles:
  telemetry:
    base: bulk
    depth: 5
`)
	set, err = cfg.LoadProfiles()
	require.NoError(t, err)
	assert.Contains(t, set.Profiles, "telemetry")

	cfg.QoS.ProfileFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = cfg.LoadProfiles()
	assert.True(t, errors.IsInvalid(err))
}

func TestLoadProfiles_Bounds(t *testing.T) {
	deep := "profiles:\n  nested:\n    base: bulk\n    extra:\n      - " +
		strings.Repeat("[", maxNesting+1) + strings.Repeat("]", maxNesting+1) + "\n"

	tests := []struct {
		name    string
		file    string
		content string
		is      error
	}{
		{"oversized", "big.yaml", "profiles: {}\n" + strings.Repeat("#", maxFileSize), errors.ErrInvalidConfig},
		{"too deep", "deep.yaml", deep, errors.ErrInvalidConfig},
		{"wrong extension", "profiles.json", "profiles: {}\n", errors.ErrInvalidConfig},
		{"malformed", "bad.yml", "profiles: [\n", errors.ErrParsingFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.QoS.ProfileFile = writeFile(t, tt.file, tt.content)
			_, err := cfg.LoadProfiles()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.ErrorIs(t, err, tt.is)
		})
	}
}

func TestWorkerOptions(t *testing.T) {
	cfg := Default()
	cfg.Worker.QueueSize = 3
	cfg.Worker.Overflow = "drop_newest"

	ao := worker.NewActiveObject("cfg", cfg.WorkerOptions(nil, nil)...)
	stats := ao.Stats()
	assert.Equal(t, 3, stats.Capacity)
}
