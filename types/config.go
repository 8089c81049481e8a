package types

import (
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name    string         `yaml:"name" json:"name" validate:"required"`
	Version string         `yaml:"version" json:"version" validate:"required"`
	Logger  *LoggerConfig  `yaml:"logger" json:"logger"`
	Cache   *CacheConfig   `yaml:"cache" json:"cache"`
	Cron    *CronConfig    `yaml:"cron" json:"cron"`
	Metrics *MetricsConfig `yaml:"metrics" json:"metrics"`
	Health  *HealthConfig  `yaml:"health" json:"health"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level"`
	Config interface{} `yaml:"config" json:"config"`
}

// CacheConfig carries the knobs every backend understands. Backend
// specific settings (file path, redis address) live under Config and are
// decoded by the backend itself.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	Type          string        `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	DefaultTTL    time.Duration `yaml:"default_ttl" json:"default_ttl" validate:"min=0"`
	MaxEntries    int           `yaml:"max_entries" json:"max_entries" validate:"min=0"`
	MaxTotalBytes int64         `yaml:"max_total_bytes" json:"max_total_bytes" validate:"min=0"`
	Config        interface{}   `yaml:"config" json:"config"`
}

func (c CacheConfig) MarshalYAML() (interface{}, error) {
	return map[string]interface{}{
		"enabled":         c.Enabled,
		"type":            c.Type,
		"default_ttl":     c.DefaultTTL.String(),
		"max_entries":     c.MaxEntries,
		"max_total_bytes": c.MaxTotalBytes,
		"config":          c.Config,
	}, nil
}

// UnmarshalYAML accepts default_ttl both as a Go duration string ("90m")
// and as a bare number of seconds.
func (c *CacheConfig) UnmarshalYAML(value *yaml.Node) error {
	type rawCacheConfig struct {
		Enabled       bool        `yaml:"enabled"`
		Type          string      `yaml:"type"`
		DefaultTTL    string      `yaml:"default_ttl"`
		MaxEntries    int         `yaml:"max_entries"`
		MaxTotalBytes int64       `yaml:"max_total_bytes"`
		Config        interface{} `yaml:"config"`
	}

	var raw rawCacheConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}

	c.Enabled = raw.Enabled
	c.Type = raw.Type
	c.MaxEntries = raw.MaxEntries
	c.MaxTotalBytes = raw.MaxTotalBytes
	c.Config = raw.Config

	if raw.DefaultTTL == "" {
		c.DefaultTTL = 0
		return nil
	}

	if seconds, err := strconv.ParseInt(raw.DefaultTTL, 10, 64); err == nil {
		c.DefaultTTL = time.Duration(seconds) * time.Second
		return nil
	}

	ttl, err := time.ParseDuration(raw.DefaultTTL)
	if err != nil {
		return Errorf(ErrConfigParseFailed, "default_ttl: %s", raw.DefaultTTL)
	}
	c.DefaultTTL = ttl
	return nil
}

type CronConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Timezone string `yaml:"timezone" json:"timezone" validate:"required_if=Enabled true"`
	// SweepSchedule is the cron expression for the periodic expiry sweep.
	SweepSchedule string `yaml:"sweep_schedule" json:"sweep_schedule"`
}

type MetricsConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	Type    string            `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Prefix  string            `yaml:"prefix" json:"prefix"`
	Labels  map[string]string `yaml:"labels" json:"labels"`
	HTTP    MetricsHTTPConfig `yaml:"http" json:"http"`
	Config  interface{}       `yaml:"config" json:"config"`
}

type MetricsHTTPConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type HealthConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Port exposes /health and /version when non-zero.
	Port int `yaml:"port" json:"port"`
}
