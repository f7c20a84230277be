// Package config loads the scribe server configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/scribe/internal/dispatch"
)

// Config represents the complete server configuration.
type Config struct {
	Listen          string         `yaml:"listen"`
	LogLevel        string         `yaml:"log_level"`
	ShutdownTimeout time.Duration  `yaml:"shutdown_timeout"`
	Dispatch        DispatchConfig `yaml:"dispatch"`
	Engine          EngineConfig   `yaml:"engine"`
	RPC             RPCConfig      `yaml:"rpc"`
	Database        DatabaseConfig `yaml:"database"`
	MQTT            MQTTConfig     `yaml:"mqtt"`
	Metrics         MetricsConfig  `yaml:"metrics"`
}

// DispatchConfig sizes the worker pool and the retry policy.
type DispatchConfig struct {
	Workers       int           `yaml:"workers"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	RetryTerminal bool          `yaml:"retry_terminal"` // retry undecodable images too
	QueueCapacity int           `yaml:"queue_capacity"` // 0 = unbounded
	QueuePolicy   string        `yaml:"queue_policy"`   // reject, block
	ResultTTL     time.Duration `yaml:"result_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// EngineConfig selects and tunes the recognition engine.
type EngineConfig struct {
	Kind         string            `yaml:"kind"` // tesseract, process
	Languages    []string          `yaml:"languages"`
	MaxDimension int               `yaml:"max_dimension"`
	Variables    map[string]string `yaml:"variables"`
	// Command and Timeout apply to the process engine.
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

// RPCConfig contains gRPC server settings.
type RPCConfig struct {
	CallTimeout    time.Duration `yaml:"call_timeout"`
	MaxMessageSize int           `yaml:"max_message_size"`
	GracePeriod    time.Duration `yaml:"grace_period"`
}

// DatabaseConfig enables the delivery archive when URL is set.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// MQTTConfig enables delivery events when Broker is set.
type MQTTConfig struct {
	Broker        string `yaml:"broker"`
	ClientID      string `yaml:"client_id"`
	BaseTopic     string `yaml:"base_topic"`
	QoS           byte   `yaml:"qos"`
	PreviewLength int    `yaml:"preview_length"`
}

// MetricsConfig controls the periodic metrics log line. 0 disables it.
type MetricsConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	d := dispatch.DefaultConfig()
	return &Config{
		Listen:          ":50051",
		LogLevel:        "info",
		ShutdownTimeout: 30 * time.Second,
		Dispatch: DispatchConfig{
			Workers:       d.NumWorkers,
			MaxAttempts:   d.MaxAttempts,
			RetryDelay:    d.RetryDelay,
			QueuePolicy:   string(d.QueuePolicy),
			ResultTTL:     d.ResultTTL,
			SweepInterval: d.SweepInterval,
		},
		Engine: EngineConfig{
			Kind:         "tesseract",
			Languages:    []string{"eng"},
			MaxDimension: 2000,
			Timeout:      30 * time.Second,
		},
		RPC: RPCConfig{
			MaxMessageSize: 64 << 20,
			GracePeriod:    10 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID:      "scribe",
			BaseTopic:     "scribe/deliveries",
			PreviewLength: 80,
		},
		Metrics: MetricsConfig{Interval: time.Minute},
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields the dispatcher does not check itself.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be > 0")
	}
	switch c.Engine.Kind {
	case "tesseract":
	case "process":
		if len(c.Engine.Command) == 0 {
			return fmt.Errorf("engine.command is required for the process engine")
		}
	default:
		return fmt.Errorf("engine.kind must be tesseract or process, got %q", c.Engine.Kind)
	}
	if c.Engine.MaxDimension < 0 {
		return fmt.Errorf("engine.max_dimension must not be negative")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if c.Metrics.Interval < 0 {
		return fmt.Errorf("metrics.interval must not be negative")
	}
	if err := c.DispatchConfig().Validate(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	return nil
}

// DispatchConfig converts the dispatch section.
func (c *Config) DispatchConfig() dispatch.Config {
	return dispatch.Config{
		NumWorkers:    c.Dispatch.Workers,
		MaxAttempts:   c.Dispatch.MaxAttempts,
		RetryDelay:    c.Dispatch.RetryDelay,
		RetryTerminal: c.Dispatch.RetryTerminal,
		QueueCapacity: c.Dispatch.QueueCapacity,
		QueuePolicy:   dispatch.QueuePolicy(c.Dispatch.QueuePolicy),
		ResultTTL:     c.Dispatch.ResultTTL,
		SweepInterval: c.Dispatch.SweepInterval,
	}
}
