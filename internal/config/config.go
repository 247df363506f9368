// Package config loads agent and collector settings from defaults, an
// optional config file and LOGSHIP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Chichichkin/logship/pkg/logging"
)

const EnvPrefix = "LOGSHIP"

const (
	TransportHTTP = "http"
	TransportUDP  = "udp"
)

type Config struct {
	// Transport selects the consumer: http or udp.
	Transport       string        `mapstructure:"transport" yaml:"transport"`
	TargetURL       string        `mapstructure:"target_url" yaml:"target_url"`
	TargetHost      string        `mapstructure:"target_host" yaml:"target_host"`
	TargetPort      int           `mapstructure:"target_port" yaml:"target_port"`
	BufferSize      int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	BatchSize       int           `mapstructure:"batch_size" yaml:"batch_size"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Daemon          bool          `mapstructure:"daemon" yaml:"daemon"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	Tail      TailConfig      `mapstructure:"tail" yaml:"tail"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Collector CollectorConfig `mapstructure:"collector" yaml:"collector"`
}

type TailConfig struct {
	Root         string        `mapstructure:"root" yaml:"root"`
	ScanInterval time.Duration `mapstructure:"scan_interval" yaml:"scan_interval"`
	// IdleTimeout stops following a file after this long without new lines. 0 follows forever.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	Workers     int           `mapstructure:"workers" yaml:"workers"`
	QueueSize   int           `mapstructure:"queue_size" yaml:"queue_size"`
	NodeName    string        `mapstructure:"node_name" yaml:"node_name"`
	FromStart   bool          `mapstructure:"from_start" yaml:"from_start"`
}

type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type CollectorConfig struct {
	HTTPAddr string `mapstructure:"http_addr" yaml:"http_addr"`
	UDPAddr  string `mapstructure:"udp_addr" yaml:"udp_addr"`
	Path     string `mapstructure:"path" yaml:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport", TransportHTTP)
	v.SetDefault("target_url", "")
	v.SetDefault("target_host", "")
	v.SetDefault("target_port", 0)
	v.SetDefault("buffer_size", logging.DefaultBufferSize)
	v.SetDefault("batch_size", logging.DefaultBatchSize)
	v.SetDefault("timeout", logging.DefaultTimeout)
	v.SetDefault("poll_interval", logging.DefaultPollInterval)
	v.SetDefault("daemon", false)
	v.SetDefault("shutdown_timeout", 10*time.Second)

	v.SetDefault("tail.root", "/var/log/pods")
	v.SetDefault("tail.scan_interval", 30*time.Second)
	v.SetDefault("tail.idle_timeout", 5*time.Minute)
	v.SetDefault("tail.workers", 4)
	v.SetDefault("tail.queue_size", 50)
	v.SetDefault("tail.node_name", "unknown")
	v.SetDefault("tail.from_start", false)

	v.SetDefault("metrics.listen_addr", ":9102")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("collector.http_addr", ":8080")
	v.SetDefault("collector.udp_addr", ":5140")
	v.SetDefault("collector.path", "/json/receive")
}

// Load reads the configuration with Read and checks it with Validate.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read reads the config file at path, or logship.{yaml,toml,json} from the
// working directory and /etc/logship when path is empty. A missing file in
// the search paths is not an error. Environment variables win over the file,
// e.g. LOGSHIP_TAIL_ROOT overrides tail.root.
func Read(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("logship")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/logship")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings the agent needs. Collector keys are checked by
// the collector itself.
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport {
	case TransportHTTP:
		if c.TargetURL == "" {
			errs = append(errs, errors.New("target_url is required for the http transport"))
		}
		if c.BatchSize <= 0 {
			errs = append(errs, fmt.Errorf("batch_size must be positive, got %d", c.BatchSize))
		}
		if c.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
		}
	case TransportUDP:
		if c.TargetHost == "" {
			errs = append(errs, errors.New("target_host is required for the udp transport"))
		}
		if c.TargetPort <= 0 || c.TargetPort > 65535 {
			errs = append(errs, fmt.Errorf("target_port must be in 1..65535, got %d", c.TargetPort))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q, want http or udp", c.Transport))
	}

	if c.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("buffer_size must be positive, got %d", c.BufferSize))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}
	if c.Tail.Workers <= 0 {
		errs = append(errs, fmt.Errorf("tail.workers must be positive, got %d", c.Tail.Workers))
	}
	if c.Tail.ScanInterval <= 0 {
		errs = append(errs, fmt.Errorf("tail.scan_interval must be positive, got %s", c.Tail.ScanInterval))
	}
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ValidateCollector checks the keys used by the development collector.
func (c *Config) ValidateCollector() error {
	var errs []error
	if c.Collector.HTTPAddr == "" && c.Collector.UDPAddr == "" {
		errs = append(errs, errors.New("collector needs http_addr, udp_addr or both"))
	}
	if c.Collector.HTTPAddr != "" && !strings.HasPrefix(c.Collector.Path, "/") {
		errs = append(errs, fmt.Errorf("collector.path must start with /, got %q", c.Collector.Path))
	}
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid collector config: %w", errors.Join(errs...))
	}
	return nil
}

// Dump renders the effective configuration as YAML.
func (c *Config) Dump() ([]byte, error) {
	return yaml.Marshal(c)
}

func (l LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return level, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// ApplyLevel sets v to the configured level, leaving it unchanged when the
// level does not parse.
func (l LogConfig) ApplyLevel(v *slog.LevelVar) {
	if level, err := l.level(); err == nil {
		v.Set(level)
	}
}

// NewLogger builds the process logger described by l. The returned LevelVar
// changes the level of the running logger, e.g. on config reload.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, *slog.LevelVar) {
	levelVar := new(slog.LevelVar)
	l.ApplyLevel(levelVar)
	opts := &slog.HandlerOptions{Level: levelVar}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), levelVar
	}
	return slog.New(slog.NewTextHandler(w, opts)), levelVar
}
