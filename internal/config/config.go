// Package config loads portalctl settings from defaults, an optional config
// file, PORTALCTL_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/portalctl/internal/logger"
)

// EnvPrefix is prepended to every environment override, e.g. PORTALCTL_DEVICE_URL.
const EnvPrefix = "PORTALCTL"

type Config struct {
	Device  DeviceConfig  `mapstructure:"device"`
	Trace   TraceConfig   `mapstructure:"trace"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Poll    PollConfig    `mapstructure:"poll"`
	Log     logger.Config `mapstructure:"log"`
	History HistoryConfig `mapstructure:"history"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type DeviceConfig struct {
	URL      string        `mapstructure:"url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Username string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	Insecure bool          `mapstructure:"insecure"`
	CACert   string        `mapstructure:"ca_cert"`
	CertFile string        `mapstructure:"cert_file"`
	KeyFile  string        `mapstructure:"key_file"`
}

type TraceConfig struct {
	GUIDs               []string      `mapstructure:"guids"`
	Channels            []string      `mapstructure:"channels"`
	LogLevels           []string      `mapstructure:"log_levels"`
	NoTimestamp         bool          `mapstructure:"no_timestamp"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
	ProcessStartTimeout time.Duration `mapstructure:"process_start_timeout"`
	// MirrorFile receives a copy of every printed trace line, rotated.
	MirrorFile string `mapstructure:"mirror_file"`
}

type MonitorConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	SteadyDelay  time.Duration `mapstructure:"steady_delay"`
	StopOnClose  bool          `mapstructure:"stop_on_close"`
}

type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type HistoryConfig struct {
	DSNs []string `mapstructure:"dsn"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("device.url", "https://127.0.0.1:11443")
	v.SetDefault("device.timeout", 10*time.Second)
	v.SetDefault("device.insecure", true)
	v.SetDefault("trace.open_timeout", 5*time.Second)
	v.SetDefault("trace.process_start_timeout", 15*time.Second)
	v.SetDefault("monitor.initial_delay", 20*time.Second)
	v.SetDefault("monitor.steady_delay", 5*time.Second)
	v.SetDefault("poll.interval", 250*time.Millisecond)
	v.SetDefault("poll.timeout", 30*time.Second)
	v.SetDefault("log.level", "info")

	// Keys without a meaningful default are still registered so that
	// environment overrides reach Unmarshal.
	for _, key := range []string{"device.user", "device.password", "device.ca_cert", "device.cert_file", "device.key_file", "trace.mirror_file", "log.file", "metrics.addr"} {
		v.SetDefault(key, "")
	}
	for _, key := range []string{"trace.guids", "trace.channels", "trace.log_levels", "history.dsn"} {
		v.SetDefault(key, []string{})
	}
	v.SetDefault("trace.no_timestamp", false)
	v.SetDefault("monitor.stop_on_close", false)
}

// New returns a viper instance with defaults and environment overrides wired.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path into v when it is set, then decodes and validates the result.
// The file format follows the extension (toml, yaml, json).
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late against the device.
func (c *Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.Device.URL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("device.url: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("device.url: scheme must be http or https, got %q", u.Scheme))
	case u.Host == "":
		errs = append(errs, errors.New("device.url: missing host"))
	}
	for name, d := range map[string]time.Duration{
		"device.timeout":              c.Device.Timeout,
		"trace.open_timeout":          c.Trace.OpenTimeout,
		"trace.process_start_timeout": c.Trace.ProcessStartTimeout,
		"monitor.initial_delay":       c.Monitor.InitialDelay,
		"monitor.steady_delay":        c.Monitor.SteadyDelay,
		"poll.interval":               c.Poll.Interval,
		"poll.timeout":                c.Poll.Timeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}
