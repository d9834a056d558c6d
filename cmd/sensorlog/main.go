// Sensorlog records every message published under an MQTT topic
// hierarchy into a local SQLite database.
//
// It holds one broker session at a time and replaces it with a fresh one
// after any failure, so it keeps running through broker restarts and
// network outages until it receives SIGINT or SIGTERM.
//
// Usage:
//
//	sensorlog [flags] [run]   Run the collector (default)
//	sensorlog version         Print version and build information
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/nugget/sensorlog/internal/buildinfo"
	"github.com/nugget/sensorlog/internal/config"
	"github.com/nugget/sensorlog/internal/faults"
	"github.com/nugget/sensorlog/internal/metrics"
	"github.com/nugget/sensorlog/internal/mqtt"
	"github.com/nugget/sensorlog/internal/reading"
	"github.com/nugget/sensorlog/internal/store"
	"github.com/nugget/sensorlog/internal/supervisor"
)

// main only builds the OS-level environment and hands off to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// Flag names that take a value, keyed by every spelling we accept.
var valueFlags = map[string]string{
	"-config":      "config",
	"--config":     "config",
	"-d":           "db-path",
	"--db-path":    "db-path",
	"-i":           "device-id",
	"--device-id":  "device-id",
	"-t":           "base-topic",
	"--base-topic": "base-topic",
	"-b":           "broker-ip",
	"--broker-ip":  "broker-ip",
}

// cliArgs is the parsed command line. Flags holds only the flags that
// were given, so an explicit empty value (e.g. -t "") still overrides
// the config file.
type cliArgs struct {
	command string
	help    bool
	flags   map[string]string
}

// parseArgs parses the command line by hand. The flag package relies on
// package-level state, which gets in the way of calling run from
// parallel tests.
func parseArgs(args []string) (cliArgs, error) {
	cli := cliArgs{flags: make(map[string]string)}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-h" || arg == "-help" || arg == "--help":
			cli.help = true
		case strings.HasPrefix(arg, "-"):
			name, value, hasValue := strings.Cut(arg, "=")
			key, ok := valueFlags[name]
			if !ok {
				return cli, fmt.Errorf("unknown flag: %s", name)
			}
			if !hasValue {
				if i+1 >= len(args) {
					return cli, fmt.Errorf("flag %s requires a value", name)
				}
				i++
				value = args[i]
			}
			cli.flags[key] = value
		case cli.command == "":
			cli.command = arg
		default:
			return cli, fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	return cli, nil
}

// apply overrides cfg with any values given on the command line.
func (c cliArgs) apply(cfg *config.Config) {
	if v, ok := c.flags["db-path"]; ok {
		cfg.DBPath = v
	}
	if v, ok := c.flags["device-id"]; ok {
		cfg.DeviceID = v
	}
	if v, ok := c.flags["base-topic"]; ok {
		cfg.BaseTopic = v
	}
	if v, ok := c.flags["broker-ip"]; ok {
		cfg.MQTT.Broker = v
	}
}

// run is the real entry point. Logs go to stdout; the caller prints the
// returned error to stderr and exits non-zero. It returns nil on a clean
// shutdown.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	cli, err := parseArgs(args)
	if err != nil {
		return err
	}
	if cli.help {
		return printUsage(stdout)
	}

	switch cli.command {
	case "", "run":
		return runCollector(ctx, stdout, cli)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	default:
		return fmt.Errorf("unknown command: %s", cli.command)
	}
}

// printUsage writes the help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "sensorlog - record MQTT messages into SQLite")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: sensorlog [flags] [command]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run          Run the collector (default)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>             Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -d, --db-path <path>       SQLite database file (default: ./dev.db)")
	fmt.Fprintln(w, "  -i, --device-id <id>       Device identifier stored with each reading")
	fmt.Fprintln(w, "                             (default: UNKNOWN_DEVICE; \"auto\" generates one)")
	fmt.Fprintln(w, "  -t, --base-topic <topic>   Subscribe to /<topic>/# (default: every topic)")
	fmt.Fprintln(w, "  -b, --broker-ip <host>     MQTT broker host, port 1883 (default: localhost)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./sensorlog.yaml, ~/.config/sensorlog/config.yaml, /etc/sensorlog/config.yaml")
	return nil
}

// runCollector opens storage and runs the supervisor until a shutdown
// signal arrives. Only startup failures are returned as errors.
func runCollector(ctx context.Context, stdout io.Writer, cli cliArgs) error {
	cfg, cfgPath, err := loadConfig(cli.flags["config"])
	if err != nil {
		return err
	}
	cli.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Validate has already checked both values.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	format, _ := config.ParseLogFormat(cfg.LogFormat)
	logger := newLogger(stdout, level, format)

	logger.Info("starting sensorlog", buildinfo.Info()...)
	if cfgPath != "" {
		logger.Info("config loaded", "path", cfgPath)
	} else {
		logger.Info("no config file found, using flags and defaults")
	}

	dataDir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return faults.Wrap(faults.Startup, "create data directory", err)
	}

	deviceID, err := reading.ResolveDeviceID(cfg.DeviceID, dataDir)
	if err != nil {
		return faults.Wrap(faults.Startup, "resolve device id", err)
	}

	st, err := store.Open(ctx, store.Options{Path: cfg.DBPath, Driver: cfg.Storage.Driver})
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("storage ready", "path", st.Path(), "driver", cfg.Storage.Driver)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.New()

	sessionOpts := mqtt.Options{
		Broker:    cfg.MQTT.Broker,
		Protocol:  cfg.MQTT.Protocol,
		ClientID:  cfg.MQTT.ClientID,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		KeepAlive: uint16(cfg.MQTT.KeepAliveSec),
	}
	sessions := func() (supervisor.Session, error) {
		return mqtt.New(sessionOpts, logger)
	}

	sup := supervisor.New(supervisor.Config{
		DeviceID:  deviceID,
		BaseTopic: cfg.BaseTopic,
		Backoff: supervisor.BackoffConfig{
			Policy:       cfg.Backoff.Policy,
			InitialDelay: cfg.Backoff.Initial(),
			MaxDelay:     cfg.Backoff.Max(),
		},
		Metrics: collector,
		Logger:  logger,
	}, sessions, st)

	if cfg.Metrics.Listen != "" {
		srv := metrics.NewServer(cfg.Metrics.Listen, collector, func() (any, bool) {
			status := sup.Status()
			return status, status.Healthy()
		}, logger)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	logger.Info("collector running",
		"broker", cfg.MQTT.Broker,
		"protocol", cfg.MQTT.Protocol,
		"base_topic", cfg.BaseTopic,
		"device_id", deviceID,
	)

	err = sup.Run(ctx)
	logger.Info("sensorlog stopped", "uptime", buildinfo.Uptime().String(), "stored", sup.Status().Stored)
	return err
}

// newLogger builds a structured logger writing to w. Format "json"
// selects the JSON handler; anything else gets the text handler.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. An explicit
// path must exist. Without one, a miss on the search path is not an
// error: the defaults are returned with an empty path.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if errors.Is(err, config.ErrNoConfig) {
		return config.Default(), "", nil
	}
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
