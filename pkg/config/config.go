package config

// Config is the umbrella configuration object returned by Initialize()
// and threaded through the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	Session   *SessionConfig
	Pipeline  *PipelineConfig
	Bus       *BusConfig
	Dispatch  *DispatchConfig
	Server    *ServerConfig
	Redis     *RedisConfig
	Retention *RetentionConfig
	Telemetry *TelemetryConfig
}

// Initialize is defined in loader.go

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Default returns a Config built entirely from built-in defaults,
// bypassing file loading. Intended for tests and embedded use.
func Default() *Config {
	return &Config{
		Session:   DefaultSessionConfig(),
		Pipeline:  DefaultPipelineConfig(),
		Bus:       DefaultBusConfig(),
		Dispatch:  DefaultDispatchConfig(),
		Server:    DefaultServerConfig(),
		Redis:     DefaultRedisConfig(),
		Retention: DefaultRetentionConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}
