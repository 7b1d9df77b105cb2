package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"
)

// Run modes
const (
	modePub  = "pub"
	modeSub  = "sub"
	modePing = "ping"
	modePong = "pong"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Mode            string
	Topic           string
	Service         string
	Profile         string
	Count           int
	Interval        time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	HealthInterval  time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool

	usage func()
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigPath, "config", getEnv("TALKBUS_CONFIG", ""),
		"Path to a JSON configuration file (env: TALKBUS_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c", getEnv("TALKBUS_CONFIG", ""),
		"Path to a JSON configuration file (env: TALKBUS_CONFIG)")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("TALKBUS_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: TALKBUS_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("TALKBUS_LOG_FORMAT", "json"),
		"Log format: json, text (env: TALKBUS_LOG_FORMAT)")

	fs.StringVar(&cfg.Mode, "mode", modeSub, "Run mode: pub, sub, ping, pong")
	fs.StringVar(&cfg.Topic, "topic", "talkbus/chatter", "Topic for pub and sub")
	fs.StringVar(&cfg.Service, "service", "talkbus/echo", "Service for ping and pong")
	fs.StringVar(&cfg.Profile, "profile", "", "QoS profile for the entities created")
	fs.IntVar(&cfg.Count, "count", 0, "Samples or requests to send, 0 for no limit")
	fs.DurationVar(&cfg.Interval, "interval", time.Second, "Delay between samples or requests")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", 0,
		"Request timeout, 0 for the configured default")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("TALKBUS_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: TALKBUS_SHUTDOWN_TIMEOUT)")
	fs.DurationVar(&cfg.HealthInterval, "health-interval", 30*time.Second,
		"How often to check health, 0 to disable")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs) }
	cfg.usage = fs.Usage

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if !slices.Contains([]string{modePub, modeSub, modePing, modePong}, cfg.Mode) {
		return fmt.Errorf("invalid mode: %s", cfg.Mode)
	}
	if cfg.Count < 0 {
		return fmt.Errorf("invalid count: %d", cfg.Count)
	}
	if cfg.Interval <= 0 {
		return fmt.Errorf("invalid interval: %v", cfg.Interval)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - typed messaging over DDS-class middleware

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Publish ten samples on the default topic over NATS
  TALKBUS_MIDDLEWARE=nats %s --mode=pub --count=10

  # Print every sample on a topic
  %s --mode=sub --topic=sensor/temp --log-format=text

  # Answer and send echo requests
  %s --mode=pong --config=configs/lab.json
  %s --mode=ping --config=configs/lab.json --request-timeout=500ms

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
