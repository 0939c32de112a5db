package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Service      ServiceConfig      `yaml:"service"`
	Poll         PollConfig         `yaml:"poll,omitempty"`
	Connectivity ConnectivityConfig `yaml:"connectivity,omitempty"`
	View         ViewConfig         `yaml:"view,omitempty"`
	MQTT         MQTTConfig         `yaml:"mqtt,omitempty"`
	Metrics      MetricsConfig      `yaml:"metrics,omitempty"`
	StateDB      string             `yaml:"state_db,omitempty"` // Live-state export for `rtenergy status`
	Debug        bool               `yaml:"debug,omitempty"`
}

// ServiceConfig points at the telemetry service
type ServiceConfig struct {
	BaseURL string        `yaml:"base_url"`          // e.g., "http://192.168.0.20:8000"
	Timeout time.Duration `yaml:"timeout,omitempty"` // Per request (fallback: 4s)
}

// PollConfig holds the periodic poll cadence
type PollConfig struct {
	SeriesInterval   time.Duration `yaml:"series_interval,omitempty"`   // fallback: 8s
	RMSInterval      time.Duration `yaml:"rms_interval,omitempty"`      // fallback: 5s
	SpectrumInterval time.Duration `yaml:"spectrum_interval,omitempty"` // fallback: 30s
	MaxSeriesPoints  int           `yaml:"max_series_points,omitempty"` // 0 keeps the whole batch
}

// ConnectivityConfig tunes the connected/disconnected estimate
type ConnectivityConfig struct {
	FailureThreshold int `yaml:"failure_threshold,omitempty"` // Consecutive failures before disconnected (fallback: 1)
}

// ViewConfig controls the text dashboard
type ViewConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty"` // fallback: 1s
}

// MQTTConfig holds the MQTT export settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`                 // host:port
	Username    string `yaml:"username,omitempty"`
	Password    string `yaml:"password,omitempty"`
	TopicPrefix string `yaml:"topic_prefix,omitempty"` // fallback: "rt_energy"
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr,omitempty"` // fallback: ":9108"
}

const (
	DefaultBaseURL          = "http://localhost:8000"
	DefaultTimeout          = 4 * time.Second
	DefaultSeriesInterval   = 8 * time.Second
	DefaultRMSInterval      = 5 * time.Second
	DefaultSpectrumInterval = 30 * time.Second
	DefaultRefreshInterval  = time.Second
	DefaultTopicPrefix      = "rt_energy"
	DefaultMetricsAddr      = ":9108"
	DefaultStateDB          = "rtenergy.db"

	// EnvBaseURL overrides service.base_url
	EnvBaseURL = "RTENERGY_BASE_URL"
)

// Load reads the config file. A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if v := os.Getenv(EnvBaseURL); v != "" {
		cfg.Service.BaseURL = v
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	return &cfg, nil
}

// Save writes the config to file
func Save(configPath string, cfg *Config) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	// MQTT password may be in here
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default config file path (local directory)
func DefaultConfigPath() string {
	return "config.yaml"
}

// Default returns a config with every default filled in, as written by init-config
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Poll = PollConfig{
		SeriesInterval:   DefaultSeriesInterval,
		RMSInterval:      DefaultRMSInterval,
		SpectrumInterval: DefaultSpectrumInterval,
	}
	cfg.Service.Timeout = DefaultTimeout
	cfg.Connectivity.FailureThreshold = 1
	cfg.View.RefreshInterval = DefaultRefreshInterval
	cfg.MQTT.TopicPrefix = DefaultTopicPrefix
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Service.BaseURL == "" {
		c.Service.BaseURL = DefaultBaseURL
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
	if c.StateDB == "" {
		c.StateDB = DefaultStateDB
	}
}

// Validate reports the first setting that cannot work
func (c *Config) Validate() error {
	u, err := url.Parse(c.Service.BaseURL)
	if err != nil {
		return fmt.Errorf("service.base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("service.base_url must be http or https, got %q", c.Service.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("service.base_url has no host: %q", c.Service.BaseURL)
	}
	if c.Service.Timeout < 0 || c.Poll.SeriesInterval < 0 || c.Poll.RMSInterval < 0 ||
		c.Poll.SpectrumInterval < 0 || c.View.RefreshInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.Poll.MaxSeriesPoints < 0 {
		return fmt.Errorf("poll.max_series_points must not be negative")
	}
	if c.Connectivity.FailureThreshold < 0 {
		return fmt.Errorf("connectivity.failure_threshold must not be negative")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// GetTimeout returns the per-request timeout with a default of 4s
func (c *Config) GetTimeout() time.Duration {
	if c.Service.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Service.Timeout
}

// GetSeriesInterval returns the waveform poll period with a default of 8s
func (c *Config) GetSeriesInterval() time.Duration {
	if c.Poll.SeriesInterval <= 0 {
		return DefaultSeriesInterval
	}
	return c.Poll.SeriesInterval
}

// GetRMSInterval returns the RMS poll period with a default of 5s
func (c *Config) GetRMSInterval() time.Duration {
	if c.Poll.RMSInterval <= 0 {
		return DefaultRMSInterval
	}
	return c.Poll.RMSInterval
}

// GetSpectrumInterval returns the spectrum poll period with a default of 30s
func (c *Config) GetSpectrumInterval() time.Duration {
	if c.Poll.SpectrumInterval <= 0 {
		return DefaultSpectrumInterval
	}
	return c.Poll.SpectrumInterval
}

// GetFailureThreshold returns how many consecutive failures mean disconnected
func (c *Config) GetFailureThreshold() int {
	if c.Connectivity.FailureThreshold <= 0 {
		return 1
	}
	return c.Connectivity.FailureThreshold
}

// GetRefreshInterval returns how often the dashboard is redrawn
func (c *Config) GetRefreshInterval() time.Duration {
	if c.View.RefreshInterval <= 0 {
		return DefaultRefreshInterval
	}
	return c.View.RefreshInterval
}

// GetTopicPrefix returns the MQTT topic prefix
func (c *Config) GetTopicPrefix() string {
	if c.MQTT.TopicPrefix == "" {
		return DefaultTopicPrefix
	}
	return c.MQTT.TopicPrefix
}
