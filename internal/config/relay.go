// Package config loads the relay configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for fields omitted from the file.
const (
	DefaultListen               = ":8000"
	DefaultConfidenceThreshold  = 0.5
	DefaultIdleTimeout          = 30 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultStreamActiveInterval = 33 * time.Millisecond
	DefaultStreamIdleInterval   = 100 * time.Millisecond
	DefaultMQTTTopicPrefix      = "aerosentinel"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// RelayConfig is the root configuration. Every field is optional; the Get*
// methods supply defaults for anything left unset, so partial files are safe.
// Durations are strings like "30s". JSON files parse too, since JSON is YAML.
type RelayConfig struct {
	Listen string `yaml:"listen,omitempty" json:"listen,omitempty"`

	// Detection
	ConfidenceThreshold *float64 `yaml:"confidence_threshold,omitempty" json:"confidence_threshold,omitempty"`
	ModelPath           string   `yaml:"model_path,omitempty" json:"model_path,omitempty"`
	ONNXLibraryPath     string   `yaml:"onnx_library_path,omitempty" json:"onnx_library_path,omitempty"`

	// Connections
	IdleTimeout  *string `yaml:"idle_timeout,omitempty" json:"idle_timeout,omitempty"`
	PongTimeout  *string `yaml:"pong_timeout,omitempty" json:"pong_timeout,omitempty"`
	WriteTimeout *string `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty"`

	// Video stream
	StreamActiveInterval *string `yaml:"stream_active_interval,omitempty" json:"stream_active_interval,omitempty"`
	StreamIdleInterval   *string `yaml:"stream_idle_interval,omitempty" json:"stream_idle_interval,omitempty"`

	// Optional services
	HealthListen    string  `yaml:"health_listen,omitempty" json:"health_listen,omitempty"`
	MQTTBroker      string  `yaml:"mqtt_broker,omitempty" json:"mqtt_broker,omitempty"`
	MQTTTopicPrefix *string `yaml:"mqtt_topic_prefix,omitempty" json:"mqtt_topic_prefix,omitempty"`

	Verbose bool `yaml:"verbose,omitempty" json:"verbose,omitempty"`
}

// Load reads a RelayConfig from a .yaml, .yml or .json file and validates it.
func Load(path string) (*RelayConfig, error) {
	cleanPath := filepath.Clean(path)
	switch ext := filepath.Ext(cleanPath); ext {
	case ".yaml", ".yml", ".json":
	default:
		return nil, fmt.Errorf("config file must have .yaml, .yml or .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &RelayConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that are set.
func (c *RelayConfig) Validate() error {
	if c.ConfidenceThreshold != nil {
		if v := *c.ConfidenceThreshold; v < 0 || v >= 1 {
			return fmt.Errorf("confidence_threshold must be in [0, 1), got %g", v)
		}
	}

	durations := []struct {
		name     string
		value    *string
		positive bool
	}{
		{"idle_timeout", c.IdleTimeout, true},
		{"pong_timeout", c.PongTimeout, false},
		{"write_timeout", c.WriteTimeout, true},
		{"stream_active_interval", c.StreamActiveInterval, true},
		{"stream_idle_interval", c.StreamIdleInterval, true},
	}
	for _, d := range durations {
		if d.value == nil || *d.value == "" {
			continue
		}
		v, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.value, err)
		}
		if v < 0 || (d.positive && v == 0) {
			return fmt.Errorf("%s must be positive, got %s", d.name, v)
		}
	}
	return nil
}

func duration(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetListen returns the HTTP listen address.
func (c *RelayConfig) GetListen() string {
	if c.Listen == "" {
		return DefaultListen
	}
	return c.Listen
}

// GetConfidenceThreshold returns the exclusive minimum detection confidence.
func (c *RelayConfig) GetConfidenceThreshold() float64 {
	if c.ConfidenceThreshold == nil {
		return DefaultConfidenceThreshold
	}
	return *c.ConfidenceThreshold
}

// GetIdleTimeout returns the frontend idle window before a ping.
func (c *RelayConfig) GetIdleTimeout() time.Duration {
	return duration(c.IdleTimeout, DefaultIdleTimeout)
}

// GetPongTimeout returns how long to wait after a ping; zero disables it.
func (c *RelayConfig) GetPongTimeout() time.Duration {
	return duration(c.PongTimeout, 0)
}

// GetWriteTimeout returns the per-message websocket write deadline.
func (c *RelayConfig) GetWriteTimeout() time.Duration {
	return duration(c.WriteTimeout, DefaultWriteTimeout)
}

// GetStreamActiveInterval returns the MJPEG part interval with a frame present.
func (c *RelayConfig) GetStreamActiveInterval() time.Duration {
	return duration(c.StreamActiveInterval, DefaultStreamActiveInterval)
}

// GetStreamIdleInterval returns the MJPEG poll interval before the first frame.
func (c *RelayConfig) GetStreamIdleInterval() time.Duration {
	return duration(c.StreamIdleInterval, DefaultStreamIdleInterval)
}

// GetMQTTTopicPrefix returns the topic prefix for mirrored messages.
func (c *RelayConfig) GetMQTTTopicPrefix() string {
	if c.MQTTTopicPrefix == nil {
		return DefaultMQTTTopicPrefix
	}
	return *c.MQTTTopicPrefix
}
