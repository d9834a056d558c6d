// Package config handles sensorlog configuration loading.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when neither the config file nor the command line
// provides a value.
const (
	DefaultDBPath   = "./dev.db"
	DefaultDeviceID = "UNKNOWN_DEVICE"
	DefaultBroker   = "localhost"
	DefaultProtocol = "3.1.1"
	DefaultDriver   = "sqlite3"

	DefaultBackoffPolicy = "fixed"
	DefaultBackoffInitMS = 1000
	DefaultBackoffMaxMS  = 60000
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./sensorlog.yaml, ~/.config/sensorlog/config.yaml,
// /etc/sensorlog/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"sensorlog.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "sensorlog", "config.yaml"))
	}

	paths = append(paths, "/etc/sensorlog/config.yaml")
	return paths
}

// ErrNoConfig is returned by FindConfig when no explicit path was given
// and nothing exists on the search path. The collector runs on flags and
// defaults alone in that case.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all sensorlog configuration.
type Config struct {
	// DBPath is the SQLite database file. Parent directories are created
	// at startup.
	DBPath string `yaml:"db_path"`
	// DeviceID is stamped on every stored reading. The value "auto"
	// derives a persistent identifier stored next to the database.
	DeviceID string `yaml:"device_id"`
	// BaseTopic scopes the subscription to "/<base>/#". Empty subscribes
	// to every topic.
	BaseTopic string `yaml:"base_topic"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json

	MQTT    MQTTConfig    `yaml:"mqtt"`
	Storage StorageConfig `yaml:"storage"`
	Backoff BackoffConfig `yaml:"backoff"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// MQTTConfig defines the broker connection.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Protocol string `yaml:"protocol"` // "3.1.1" or "5"
	// ClientID is used verbatim for every session when set. Leave empty
	// to get a fresh random client per session.
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	KeepAliveSec int    `yaml:"keep_alive"`
}

// StorageConfig selects the database driver.
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite3 (cgo) or sqlite (pure Go)
}

// BackoffConfig controls the delay between sessions.
type BackoffConfig struct {
	Policy    string `yaml:"policy"` // fixed or exponential
	InitialMS int    `yaml:"initial"`
	MaxMS     int    `yaml:"max"`
}

// Initial returns the first retry delay.
func (b BackoffConfig) Initial() time.Duration {
	return time.Duration(b.InitialMS) * time.Millisecond
}

// Max returns the exponential policy's delay cap.
func (b BackoffConfig) Max() time.Duration {
	return time.Duration(b.MaxMS) * time.Millisecond
}

// MetricsConfig defines the optional Prometheus listener.
type MetricsConfig struct {
	// Listen is a host:port for /metrics and /healthz. Empty disables
	// the listener.
	Listen string `yaml:"listen"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing and defaults fill any gaps.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	if c.DeviceID == "" {
		c.DeviceID = DefaultDeviceID
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = DefaultBroker
	}
	if c.MQTT.Protocol == "" {
		c.MQTT.Protocol = DefaultProtocol
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DefaultDriver
	}
	if c.Backoff.Policy == "" {
		c.Backoff.Policy = DefaultBackoffPolicy
	}
	if c.Backoff.InitialMS == 0 {
		c.Backoff.InitialMS = DefaultBackoffInitMS
	}
	if c.Backoff.MaxMS == 0 {
		c.Backoff.MaxMS = DefaultBackoffMaxMS
	}
}

// Validate reports the first invalid setting. It is called after flags
// are applied, before anything is opened.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("db_path must not be empty")
	}
	if strings.TrimSpace(c.MQTT.Broker) == "" {
		return errors.New("mqtt.broker must not be empty")
	}
	if strings.Contains(c.BaseTopic, "+") || strings.Contains(c.BaseTopic, "#") {
		return fmt.Errorf("base_topic %q must not contain MQTT wildcards", c.BaseTopic)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		return err
	}

	switch c.MQTT.Protocol {
	case "3.1.1", "311", "4", "5", "5.0":
	default:
		return fmt.Errorf("mqtt.protocol %q is not supported (valid: 3.1.1, 5)", c.MQTT.Protocol)
	}
	if c.MQTT.KeepAliveSec < 0 || c.MQTT.KeepAliveSec > 65535 {
		return fmt.Errorf("mqtt.keep_alive %d out of range (0-65535)", c.MQTT.KeepAliveSec)
	}

	switch c.Storage.Driver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("storage.driver %q is not supported (valid: sqlite3, sqlite)", c.Storage.Driver)
	}

	switch c.Backoff.Policy {
	case "fixed", "exponential":
	default:
		return fmt.Errorf("backoff.policy %q is not supported (valid: fixed, exponential)", c.Backoff.Policy)
	}
	if c.Backoff.InitialMS < 0 || c.Backoff.MaxMS < 0 {
		return errors.New("backoff delays must not be negative")
	}

	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen %q: %w", c.Metrics.Listen, err)
		}
	}
	return nil
}
