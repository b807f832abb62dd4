// Package config loads the migration engine configuration. The destination's
// database location and process handle are explicit, injected configuration;
// auto-detection of containers is only a fallback when the handle is omitted.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/flowferry/flowferry/pkg/remote"
)

var validate = validator.New()

// Config is the full engine configuration file.
type Config struct {
	Source      Instance `yaml:"source"      validate:"required"`
	Destination Instance `yaml:"destination" validate:"required"`

	Backups       BackupsConfig `yaml:"backups"`
	EventBus      string        `yaml:"event_bus"` // gochannel or kafka
	AllowlistPath string        `yaml:"allowlist_path"`
	ReportDir     string        `yaml:"report_dir"`
}

// Instance describes one automation server deployment.
type Instance struct {
	Name string `yaml:"name" validate:"required"`

	// SSH is nil when the instance runs on the invoking host.
	SSH *remote.SSHConfig `yaml:"ssh,omitempty"`

	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database" validate:"required"`
	Process  ProcessConfig  `yaml:"process"`
}

// ServerConfig locates the product surface on an instance.
type ServerConfig struct {
	Binary    string `yaml:"binary"`
	Container string `yaml:"container,omitempty"`
	BaseURL   string `yaml:"base_url"`

	// Key propagation targets. A missing target is tolerated with a warning;
	// deployments differ in which ones exist.
	KeyFilePath    string `yaml:"key_file_path,omitempty"`
	EnvFilePath    string `yaml:"env_file_path,omitempty"`
	UnitDropInPath string `yaml:"unit_drop_in_path,omitempty"`
}

// DatabaseConfig locates an instance's database.
type DatabaseConfig struct {
	Kind string `yaml:"kind" validate:"required,oneof=sqlite postgres"`
	Path string `yaml:"path,omitempty"` // sqlite file path
	URL  string `yaml:"url,omitempty"`  // postgres connection URL
}

// ProcessConfig names the process manager and service handle.
type ProcessConfig struct {
	Manager   string `yaml:"manager" validate:"omitempty,oneof=systemd docker"`
	ServiceID string `yaml:"service_id,omitempty"`

	// ContainerHint drives the auto-detect fallback when ServiceID is empty
	// and the manager is docker.
	ContainerHint string `yaml:"container_hint,omitempty"`
}

// BackupsConfig controls the backup store.
type BackupsConfig struct {
	Root       string `yaml:"root"`
	DailyKeep  int    `yaml:"daily_keep,omitempty"`
	WeeklyKeep int    `yaml:"weekly_keep,omitempty"`
}

// Load reads and validates a configuration file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	if err := cfg.check(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.EventBus == "" {
		c.EventBus = "gochannel"
	}

	if c.Backups.Root == "" {
		c.Backups.Root = "/var/lib/flowferry/backups"
	}

	if c.ReportDir == "" {
		c.ReportDir = "/var/lib/flowferry/reports"
	}

	for _, inst := range []*Instance{&c.Source, &c.Destination} {
		if inst.Server.Binary == "" {
			inst.Server.Binary = "n8n"
		}

		if inst.Process.Manager == "" {
			inst.Process.Manager = "docker"
		}
	}
}

func (c *Config) check() error {
	for _, inst := range []*Instance{&c.Source, &c.Destination} {
		switch inst.Database.Kind {
		case "sqlite":
			if inst.Database.Path == "" {
				return fmt.Errorf("instance %s: sqlite database needs a path", inst.Name)
			}
		case "postgres":
			if inst.Database.URL == "" {
				return fmt.Errorf("instance %s: postgres database needs a url", inst.Name)
			}
		}

		if inst.Process.ServiceID == "" && inst.Process.ContainerHint == "" {
			return fmt.Errorf("instance %s: process needs a service_id or a container_hint", inst.Name)
		}
	}

	return nil
}
