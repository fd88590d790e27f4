package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// SottoYAMLConfig represents the complete sotto.yaml file structure.
// Every section is optional; omitted sections and fields fall back to
// built-in defaults.
type SottoYAMLConfig struct {
	Session   *SessionConfig   `yaml:"session"`
	Pipeline  *PipelineConfig  `yaml:"pipeline"`
	Bus       *BusConfig       `yaml:"bus"`
	Dispatch  *DispatchConfig  `yaml:"dispatch"`
	Server    *ServerConfig    `yaml:"server"`
	Redis     *RedisConfig     `yaml:"redis"`
	Retention *RetentionConfig `yaml:"retention"`
	Telemetry *TelemetryYAML   `yaml:"telemetry"`
}

// TelemetryYAML holds telemetry settings from YAML. MetricsEnabled is a
// pointer so an explicit false survives the merge with defaults.
type TelemetryYAML struct {
	MetricsEnabled *bool `yaml:"metrics_enabled,omitempty"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read sotto.yaml from configDir (missing file is not an error)
//  2. Expand {{.VAR}} environment references
//  3. Parse YAML into section structs
//  4. Merge user-provided sections over built-in defaults
//  5. Validate the merged result
//  6. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"mailbox_soft", cfg.Session.MailboxSoft,
		"mailbox_hard", cfg.Session.MailboxHard,
		"confidence_hard_floor", cfg.Pipeline.ConfidenceHardFloor,
		"confidence_auto_post_threshold", cfg.Pipeline.ConfidenceAutoPostThreshold,
		"dispatch_workers", cfg.Dispatch.WorkerCount,
		"redis_enabled", cfg.Redis.Enabled)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	fileCfg, err := loader.loadSottoYAML()
	if err != nil {
		return nil, NewLoadError("sotto.yaml", err)
	}

	// Merge user YAML over built-in defaults, section by section.
	// Non-zero user fields override; everything else keeps its default.
	session, err := overlay(DefaultSessionConfig(), fileCfg.Session, "session")
	if err != nil {
		return nil, err
	}
	pipeline, err := overlay(DefaultPipelineConfig(), fileCfg.Pipeline, "pipeline")
	if err != nil {
		return nil, err
	}
	busCfg, err := overlay(DefaultBusConfig(), fileCfg.Bus, "bus")
	if err != nil {
		return nil, err
	}
	dispatch, err := overlay(DefaultDispatchConfig(), fileCfg.Dispatch, "dispatch")
	if err != nil {
		return nil, err
	}
	server, err := overlay(DefaultServerConfig(), fileCfg.Server, "server")
	if err != nil {
		return nil, err
	}
	redis, err := overlay(DefaultRedisConfig(), fileCfg.Redis, "redis")
	if err != nil {
		return nil, err
	}
	retention, err := overlay(DefaultRetentionConfig(), fileCfg.Retention, "retention")
	if err != nil {
		return nil, err
	}

	return &Config{
		configDir: configDir,
		Session:   session,
		Pipeline:  pipeline,
		Bus:       busCfg,
		Dispatch:  dispatch,
		Server:    server,
		Redis:     redis,
		Retention: retention,
		Telemetry: resolveTelemetryConfig(fileCfg.Telemetry),
	}, nil
}

// overlay merges a user-provided YAML section over built-in defaults.
func overlay[T any](defaults *T, user *T, section string) (*T, error) {
	if user == nil {
		return defaults, nil
	}
	if err := mergo.Merge(defaults, user, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge %s config: %w", section, err)
	}
	return defaults, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// ExpandEnv passes through original data on template errors,
	// letting the YAML parser produce the clearer error message.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadSottoYAML() (*SottoYAMLConfig, error) {
	var config SottoYAMLConfig

	if err := l.loadYAML("sotto.yaml", &config); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			slog.Info("No sotto.yaml found, running on built-in defaults",
				"config_dir", l.configDir)
			return &SottoYAMLConfig{}, nil
		}
		return nil, err
	}

	return &config, nil
}

// resolveTelemetryConfig resolves telemetry settings from YAML, applying defaults.
func resolveTelemetryConfig(y *TelemetryYAML) *TelemetryConfig {
	cfg := DefaultTelemetryConfig()

	if y != nil && y.MetricsEnabled != nil {
		cfg.MetricsEnabled = *y.MetricsEnabled
	}

	return cfg
}
