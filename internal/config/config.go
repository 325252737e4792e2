package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/objectsync/internal/engine"
	"github.com/objectfs/objectsync/internal/filter"
	"github.com/objectfs/objectsync/internal/logger"
	"github.com/objectfs/objectsync/internal/metrics"
	"github.com/objectfs/objectsync/internal/progress"
	"github.com/objectfs/objectsync/internal/storage"
	"github.com/objectfs/objectsync/internal/storage/s3"
	"github.com/objectfs/objectsync/pkg/errors"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "OBJECTSYNC_"

// Configuration represents the complete application configuration
type Configuration struct {
	Job           JobConfig       `yaml:"job" envPrefix:"JOB_"`
	Options       engine.Options  `yaml:"options" envPrefix:"OPT_"`
	Store         progress.Config `yaml:"store" envPrefix:"STORE_"`
	SourceStorage storage.Options `yaml:"source_storage" envPrefix:"SOURCE_"`
	TargetStorage storage.Options `yaml:"target_storage" envPrefix:"TARGET_"`
	Logging       logger.Config   `yaml:"logging" envPrefix:"LOG_"`
	Metrics       metrics.Config  `yaml:"metrics" envPrefix:"METRICS_"`
	Server        ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
}

// JobConfig names what to sync.
type JobConfig struct {
	ID     string `yaml:"id" env:"ID"`
	Source string `yaml:"source" env:"SOURCE"`
	Target string `yaml:"target" env:"TARGET"`

	// ListFile replaces the source enumeration with the listed identifiers.
	ListFile string `yaml:"list_file" env:"LIST_FILE"`
	// RawList takes each list file line verbatim as an identifier.
	RawList bool `yaml:"raw_list" env:"RAW_LIST"`

	Filters []filter.Spec `yaml:"filters"`
}

// ServerConfig represents the control API listener
type ServerConfig struct {
	// Listen is the control API address; empty disables the server.
	Listen          string        `yaml:"listen" env:"LISTEN"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Options: engine.DefaultOptions(),
		Store:   progress.DefaultConfig(),
		SourceStorage: storage.Options{
			S3: *s3.NewDefaultConfig(),
		},
		TargetStorage: storage.Options{
			S3: *s3.NewDefaultConfig(),
		},
		Logging: logger.Config{
			Level:      "info",
			Format:     "console",
			Output:     "stderr",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
		Metrics: metrics.Config{
			Enabled:   false,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "objectsync",
		},
		Server: ServerConfig{
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load builds a configuration from the defaults, the YAML file at path (if
// any) and the environment, in that order of precedence. It does not
// validate; callers apply their own overrides first.
func Load(path string) (*Configuration, error) {
	c := NewDefault()
	if path != "" {
		if err := c.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := c.LoadFromEnv(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.NewError(errors.ErrCodeInvalidConfig, "failed to parse config file "+filename).WithCause(err)
	}

	return nil
}

// LoadFromEnv overlays OBJECTSYNC_* environment variables. Only variables
// that are set take effect.
func (c *Configuration) LoadFromEnv() error {
	overlay := &Configuration{}
	if err := env.ParseWithOptions(overlay, env.Options{Prefix: EnvPrefix}); err != nil {
		return errors.NewError(errors.ErrCodeInvalidConfig, "failed to read environment").WithCause(err)
	}
	return c.Merge(overlay)
}

// Merge copies every non-zero field of overlay onto c. A zero value in the
// overlay cannot reset a field; boolean flags that must turn something off
// are applied by the caller directly.
func (c *Configuration) Merge(overlay *Configuration) error {
	if err := mergo.Merge(c, overlay, mergo.WithOverride); err != nil {
		return fmt.Errorf("error merging configs: %w", err)
	}
	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var (
	validLogLevels  = []string{"trace", "debug", "info", "warn", "error"}
	validLogFormats = []string{"json", "console"}
	validDrivers    = []string{progress.DriverMemory, progress.DriverSQLite, progress.DriverPostgres}
)

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if c.Job.Source == "" {
		return errors.NewConfigurationError("job.source is required")
	}
	if c.Job.Target == "" {
		return errors.NewConfigurationError("job.target is required")
	}
	if c.Job.RawList && c.Job.ListFile == "" {
		return errors.NewConfigurationError("job.raw_list requires job.list_file")
	}
	for i, f := range c.Job.Filters {
		if f.Name == "" {
			return errors.NewConfigurationError(fmt.Sprintf("job.filters[%d] has no name", i))
		}
	}

	if err := c.Options.Validate(); err != nil {
		return err
	}

	if !slices.Contains(validDrivers, c.Store.Driver) {
		return errors.NewConfigurationError(fmt.Sprintf("invalid store.driver: %s (must be one of: %s)",
			c.Store.Driver, strings.Join(validDrivers, ", ")))
	}
	if c.Store.Driver != progress.DriverMemory && c.Store.DSN == "" {
		return errors.NewConfigurationError("store.dsn is required for driver " + c.Store.Driver)
	}
	if c.Store.MaxOpenConns < 1 {
		return errors.NewConfigurationError("store.max_open_conns must be greater than 0")
	}

	if !slices.Contains(validLogLevels, strings.ToLower(c.Logging.Level)) {
		return errors.NewConfigurationError(fmt.Sprintf("invalid logging.level: %s (must be one of: %s)",
			c.Logging.Level, strings.Join(validLogLevels, ", ")))
	}
	if !slices.Contains(validLogFormats, strings.ToLower(c.Logging.Format)) {
		return errors.NewConfigurationError(fmt.Sprintf("invalid logging.format: %s (must be one of: %s)",
			c.Logging.Format, strings.Join(validLogFormats, ", ")))
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.NewConfigurationError(fmt.Sprintf("metrics.port out of range: %d", c.Metrics.Port))
	}
	if c.Metrics.Enabled && c.Server.Listen != "" && strings.HasSuffix(c.Server.Listen, fmt.Sprintf(":%d", c.Metrics.Port)) {
		return errors.NewConfigurationError("metrics.port and server.listen cannot share a port")
	}

	return nil
}
