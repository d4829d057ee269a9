package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the top-level engine configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Tenancy   TenancyConfig   `yaml:"tenancy"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Workforce WorkforceConfig `yaml:"workforce"`
	Approvals ApprovalsConfig `yaml:"approvals"`
	Comms     CommsConfig     `yaml:"comms"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	CORS     bool   `yaml:"cors"`
}

type StorageConfig struct {
	Driver        string        `yaml:"driver"` // sqlite, postgres, mysql
	Path          string        `yaml:"path"`   // sqlite file
	DSN           string        `yaml:"dsn"`    // postgres/mysql; ${ENGINE_DB_DSN} works here
	FlushInterval Duration      `yaml:"flush_interval"`
}

// TenancyConfig controls org bootstrap behavior.
type TenancyConfig struct {
	SingleTenant bool             `yaml:"single_tenant"`
	DefaultOrg   DefaultOrgConfig `yaml:"default_org"`
}

type DefaultOrgConfig struct {
	Slug string `yaml:"slug"`
	Name string `yaml:"name"`
	Plan string `yaml:"plan"`
}

type LifecycleConfig struct {
	HealthCheckInterval Duration `yaml:"health_check_interval"`
	DeployWaitTimeout   Duration `yaml:"deploy_wait_timeout"`
	RestartWaitTimeout  Duration `yaml:"restart_wait_timeout"`
}

type WorkforceConfig struct {
	TickInterval Duration `yaml:"tick_interval"`
}

type ApprovalsConfig struct {
	DefaultTimeoutMinutes int `yaml:"default_timeout_minutes"`
}

type CommsConfig struct {
	RingSize int `yaml:"ring_size"`
}

// DefaultConfig returns a config with sensible defaults for zero-config
// startup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     7171,
			LogLevel: "info",
			CORS:     false,
		},
		Storage: StorageConfig{
			Driver:        "sqlite",
			Path:          "./engine.db",
			FlushInterval: Duration(5 * time.Second),
		},
		Tenancy: TenancyConfig{
			SingleTenant: false,
			DefaultOrg: DefaultOrgConfig{
				Slug: "default",
				Name: "Default Organization",
				Plan: "self-hosted",
			},
		},
		Lifecycle: LifecycleConfig{
			HealthCheckInterval: Duration(30 * time.Second),
			DeployWaitTimeout:   Duration(60 * time.Second),
			RestartWaitTimeout:  Duration(30 * time.Second),
		},
		Workforce: WorkforceConfig{
			TickInterval: Duration(60 * time.Second),
		},
		Approvals: ApprovalsConfig{
			DefaultTimeoutMinutes: 30,
		},
		Comms: CommsConfig{
			RingSize: 2000,
		},
	}
}
