// Package config loads the server configuration from YAML and watches the
// file for changes.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/go-doc-sync/logging"
)

// DefaultPath is the file read when no path is given.
const DefaultPath = "config.yaml"

var validate = validator.New()

// Config is the complete server configuration.
type Config struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"min=1,max=65535"`

	// JWTSecret signs and verifies handshake and admin tokens.
	JWTSecret string `yaml:"jwtSecret" validate:"required,min=16"`
	JWTIssuer string `yaml:"jwtIssuer"`

	HeartbeatInterval time.Duration `yaml:"heartbeatInterval" validate:"gte=0"`
	MaxMessageBytes   int64         `yaml:"maxMessageBytes" validate:"gte=0"`
	SendQueueSize     int           `yaml:"sendQueueSize" validate:"gte=0"`

	// Engine selects the CRDT implementation.
	Engine string `yaml:"engine" validate:"oneof=automerge lww"`

	Storage     StorageConfig     `yaml:"storage"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`

	// KnowledgeBases lists the locations clients may open. Empty allows
	// any location their token is bound to.
	KnowledgeBases []string `yaml:"knowledgeBases" validate:"dive,required"`

	Logging logging.Config `yaml:"logging"`
	Metrics MetricsConfig  `yaml:"metrics"`
}

// StorageConfig selects and tunes the persistence backend.
type StorageConfig struct {
	Backend     string        `yaml:"backend" validate:"oneof=sqlite postgres"`
	FileName    string        `yaml:"fileName" validate:"required,excludesall=/\\"`
	PostgresDSN string        `yaml:"postgresDSN" validate:"required_if=Backend postgres"`
	WALMode     bool          `yaml:"walMode"`
	BusyTimeout time.Duration `yaml:"busyTimeout" validate:"gte=0"`
}

// CoordinatorConfig holds the acceptance limits. Zero disables a limit.
type CoordinatorConfig struct {
	MaxOpCount         int `yaml:"maxOpCount" validate:"gte=0"`
	MaxChangesPerBatch int `yaml:"maxChangesPerBatch" validate:"gte=0"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"omitempty,startswith=/"`
}

// Default returns the configuration used for fields a file leaves unset.
func Default() *Config {
	return &Config{
		Host:              "0.0.0.0",
		Port:              8080,
		HeartbeatInterval: 10 * time.Second,
		MaxMessageBytes:   64 << 20,
		SendQueueSize:     256,
		Engine:            "automerge",
		Storage: StorageConfig{
			Backend:     "sqlite",
			FileName:    "app-data.db",
			WALMode:     true,
			BusyTimeout: 5 * time.Second,
		},
		Logging: logging.DefaultConfig,
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks the struct constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed on %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Parse decodes YAML over the defaults, applies the logging environment
// overrides and validates the result. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	c.Logging = logging.ApplyEnv(c.Logging)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Watch reloads the file at path whenever it changes and passes every
// valid configuration to fn. Invalid files are logged and skipped. Watch
// blocks until ctx is done.
func Watch(ctx context.Context, path string, logger *logging.Logger, fn func(*Config)) error {
	if logger == nil {
		logger = logging.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving config path %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file, so watch the directory.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			c, err := Load(abs)
			if err != nil {
				logger.Warn("ignoring invalid config change",
					slog.String("path", abs),
					slog.String("error", err.Error()),
				)
				continue
			}
			logger.Info("config reloaded", slog.String("path", abs))
			fn(c)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}
