package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c360/talkbus/errors"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "TALKBUS"

// Loader builds a Config from defaults, file layers and environment overrides,
// in that order. The environment is read once, during Load.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader with validation enabled
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  EnvPrefix,
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer; later layers override earlier ones
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges every layer over the defaults, applies the environment and validates
func (l *Loader) Load() (Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRawJSON(path)
		if err != nil {
			return Config{}, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		if cfg, err = l.mergeFromMap(cfg, raw); err != nil {
			return Config{}, errors.WrapInvalid(err, "Loader", "Load", "merge "+path)
		}
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return Config{}, errors.WrapInvalid(err, "Loader", "Load", "apply environment")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// loadRawJSON loads a JSON file as a map
func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	data, err := readBounded(path, ".json")
	if err != nil {
		return nil, err
	}
	if err := checkJSONNesting(data); err != nil {
		return nil, err
	}
	if l.validation {
		if err := checkLayerSchema(data); err != nil {
			return nil, err
		}
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Join(errors.ErrParsingFailed, err)
	}
	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// durationKeys are the duration fields, by section path
var durationKeys = [][]string{
	{"middleware", "nats", "reconnect_wait"},
	{"worker", "enqueue_timeout"},
	{"requester", "default_timeout"},
	{"requester", "sweep_interval"},
}

// parseDurations converts duration strings such as "250ms" to nanoseconds
func parseDurations(raw map[string]any) error {
	for _, path := range durationKeys {
		section := raw
		for _, key := range path[:len(path)-1] {
			next, ok := section[key].(map[string]any)
			if !ok {
				section = nil
				break
			}
			section = next
		}
		if section == nil {
			continue
		}

		key := path[len(path)-1]
		s, ok := section[key].(string)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%s: %w", strings.Join(path, "."), err)
		}
		section[key] = d.Nanoseconds()
	}
	return nil
}

// mergeFromMap overrides only the fields present in the map
func (l *Loader) mergeFromMap(base Config, override map[string]any) (Config, error) {
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return base, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return base, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return base, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return base, errors.Join(errors.ErrParsingFailed, err)
	}
	return merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func (l *Loader) env(name string) (string, bool, error) {
	key := l.envPrefix + "_" + name
	val, ok := l.lookupEnv(key)
	if !ok || val == "" {
		return "", false, nil
	}
	if err := checkEnvValue(key, val); err != nil {
		return "", false, err
	}
	return val, true, nil
}

// applyEnvOverrides applies TALKBUS_* environment variables
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"DEFAULT_PROFILE":  &cfg.Domain.DefaultProfile,
		"QOS_PROFILE_FILE": &cfg.QoS.ProfileFile,
		"MIDDLEWARE":       &cfg.Middleware.Kind,
		"NATS_USERNAME":    &cfg.Middleware.NATS.Username,
		"NATS_PASSWORD":    &cfg.Middleware.NATS.Password,
		"NATS_TOKEN":       &cfg.Middleware.NATS.Token,
		"WORKER_OVERFLOW":  &cfg.Worker.Overflow,
		"WORKER_STOP":      &cfg.Worker.StopPolicy,
	}
	for name, dst := range strs {
		val, ok, err := l.env(name)
		if err != nil {
			return err
		}
		if ok {
			*dst = val
		}
	}

	ints := map[string]*int{
		"DOMAIN_ID":         &cfg.Domain.ID,
		"WORKER_QUEUE_SIZE": &cfg.Worker.QueueSize,
		"METRICS_PORT":      &cfg.Metrics.Port,
	}
	for name, dst := range ints {
		val, ok, err := l.env(name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s_%s: %w", l.envPrefix, name, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"REQUEST_TIMEOUT": &cfg.Requester.DefaultTimeout,
		"ENQUEUE_TIMEOUT": &cfg.Worker.EnqueueTimeout,
	}
	for name, dst := range durations {
		val, ok, err := l.env(name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s_%s: %w", l.envPrefix, name, err)
		}
		*dst = d
	}

	val, ok, err := l.env("NATS_URLS")
	if err != nil {
		return err
	}
	if ok {
		cfg.Middleware.NATS.URLs = strings.Split(val, ",")
	}

	val, ok, err = l.env("METRICS_ENABLED")
	if err != nil {
		return err
	}
	if ok {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%s_METRICS_ENABLED: %w", l.envPrefix, err)
		}
		cfg.Metrics.Enabled = enabled
	}
	return nil
}
