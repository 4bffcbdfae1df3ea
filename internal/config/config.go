// Package config loads trainpulse settings. A YAML file is unmarshalled
// over the defaults, then TRAINPULSE_* environment variables and bound
// command-line flags are applied through viper.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/trainpulse/trainpulse/internal/conn"
	"github.com/trainpulse/trainpulse/internal/logging"
	"github.com/trainpulse/trainpulse/internal/throttle"
	"github.com/trainpulse/trainpulse/internal/training"
)

// EnvPrefix prefixes every environment override, e.g.
// TRAINPULSE_CLIENT_BASE_URL.
const EnvPrefix = "TRAINPULSE"

type Config struct {
	Client   ClientConfig     `yaml:"client"`
	Server   ServerConfig     `yaml:"server"`
	Dispatch throttle.Options `yaml:"dispatch"`
	Training TrainingConfig   `yaml:"training"`
	Log      LogConfig        `yaml:"log"`
	Metrics  MetricsConfig    `yaml:"metrics"`
}

// ClientConfig drives the push connection and the REST client.
type ClientConfig struct {
	BaseURL              string        `yaml:"base_url"`
	WSPath               string        `yaml:"ws_path"`
	Token                string        `yaml:"token"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ReadTimeout          time.Duration `yaml:"read_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
}

// ServerConfig drives the development backend.
type ServerConfig struct {
	Host                  string        `yaml:"host"`
	Port                  int           `yaml:"port"`
	AllowedOrigins        []string      `yaml:"allowed_origins"`
	AuthToken             string        `yaml:"auth_token"`
	MaxConnections        int           `yaml:"max_connections"`
	SystemMetricsInterval time.Duration `yaml:"system_metrics_interval"`
	BroadcastThrottle     time.Duration `yaml:"broadcast_throttle"`
}

// TrainingConfig holds the job defaults used by `train` and the dev server.
type TrainingConfig struct {
	training.Config `yaml:",inline"`
	DatasetSize     int           `yaml:"dataset_size"`
	EpochDelay      time.Duration `yaml:"epoch_delay"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File receives log output instead of stderr. The dashboard commands
	// discard logs when it is empty.
	File string `yaml:"file"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9090".
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			BaseURL:              "http://127.0.0.1:8080",
			WSPath:               "/ws",
			ReconnectInterval:    3 * time.Second,
			MaxReconnectAttempts: 5,
			HeartbeatInterval:    30 * time.Second,
			ReadTimeout:          90 * time.Second,
			WriteTimeout:         10 * time.Second,
			HandshakeTimeout:     10 * time.Second,
		},
		Server: ServerConfig{
			Host:                  "127.0.0.1",
			Port:                  8080,
			MaxConnections:        1000,
			SystemMetricsInterval: 2 * time.Second,
			BroadcastThrottle:     100 * time.Millisecond,
		},
		Dispatch: throttle.DefaultOptions(),
		Training: TrainingConfig{
			Config: training.Config{
				Epochs:          10,
				BatchSize:       32,
				LearningRate:    0.001,
				ValidationSplit: 0.2,
				EarlyStopping:   true,
				Patience:        3,
			},
			DatasetSize: 60000,
			EpochDelay:  500 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatConsole,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// NewViper returns a viper instance that resolves TRAINPULSE_* variables
// for the keys ApplyOverrides understands. Flags bound to the same keys
// with BindPFlag take precedence over the environment.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ApplyOverrides copies every key set in v onto c.
func (c *Config) ApplyOverrides(v *viper.Viper) {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v.IsSet(key) {
			*dst = v.GetDuration(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}

	str("client.base_url", &c.Client.BaseURL)
	str("client.ws_path", &c.Client.WSPath)
	str("client.token", &c.Client.Token)
	dur("client.reconnect_interval", &c.Client.ReconnectInterval)
	num("client.max_reconnect_attempts", &c.Client.MaxReconnectAttempts)
	dur("client.heartbeat_interval", &c.Client.HeartbeatInterval)

	str("server.host", &c.Server.Host)
	num("server.port", &c.Server.Port)
	str("server.auth_token", &c.Server.AuthToken)
	if v.IsSet("server.allowed_origins") {
		c.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	}
	dur("server.system_metrics_interval", &c.Server.SystemMetricsInterval)

	dur("dispatch.throttle", &c.Dispatch.Throttle)
	num("dispatch.batch_size", &c.Dispatch.BatchSize)
	num("dispatch.max_batch_size", &c.Dispatch.MaxBatchSize)

	num("training.epochs", &c.Training.Epochs)
	num("training.batch_size", &c.Training.BatchSize)
	if v.IsSet("training.learning_rate") {
		c.Training.LearningRate = v.GetFloat64("training.learning_rate")
	}
	if v.IsSet("training.validation_split") {
		c.Training.ValidationSplit = v.GetFloat64("training.validation_split")
	}
	if v.IsSet("training.early_stopping") {
		c.Training.EarlyStopping = v.GetBool("training.early_stopping")
	}
	num("training.patience", &c.Training.Patience)
	num("training.dataset_size", &c.Training.DatasetSize)
	dur("training.epoch_delay", &c.Training.EpochDelay)

	str("log.level", &c.Log.Level)
	str("log.format", &c.Log.Format)
	str("log.file", &c.Log.File)
	str("metrics.addr", &c.Metrics.Addr)
}

// Validate reports every invalid setting. The training section is
// checked when a job starts, not here.
func (c *Config) Validate() error {
	var errs []error
	if c.Client.BaseURL == "" {
		errs = append(errs, errors.New("client.base_url is required"))
	}
	if _, err := c.ConnOptions(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.SystemMetricsInterval <= 0 {
		errs = append(errs, errors.New("server.system_metrics_interval must be positive"))
	}
	if err := c.Dispatch.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("dispatch: %w", err))
	}
	if c.Log.Format != logging.FormatConsole && c.Log.Format != logging.FormatJSON {
		errs = append(errs, fmt.Errorf("log.format must be %q or %q", logging.FormatConsole, logging.FormatJSON))
	}
	return errors.Join(errs...)
}

// ConnOptions derives the connection manager's options.
func (c *Config) ConnOptions() (conn.Options, error) {
	u, err := conn.EndpointURL(c.Client.BaseURL, c.Client.WSPath)
	if err != nil {
		return conn.Options{}, fmt.Errorf("client: %w", err)
	}
	o := conn.Options{
		URL:                  u,
		ReconnectInterval:    c.Client.ReconnectInterval,
		MaxReconnectAttempts: c.Client.MaxReconnectAttempts,
		HeartbeatInterval:    c.Client.HeartbeatInterval,
		ReadTimeout:          c.Client.ReadTimeout,
		WriteTimeout:         c.Client.WriteTimeout,
		HandshakeTimeout:     c.Client.HandshakeTimeout,
	}
	if c.Client.Token != "" {
		o.Header = http.Header{"Authorization": {"Bearer " + c.Client.Token}}
	}
	if err := o.Validate(); err != nil {
		return conn.Options{}, fmt.Errorf("client: %w", err)
	}
	return o, nil
}

// HTTPBase returns the REST base URL.
func (c *Config) HTTPBase() string {
	return strings.TrimRight(c.Client.BaseURL, "/")
}

// ListenAddr is the dev server's listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
