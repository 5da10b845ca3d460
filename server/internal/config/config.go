package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the server configuration.
const (
	DefaultHTTPPort       = 8080
	DefaultPipelinesDir   = "pipelines"
	DefaultAgentTTL       = 5 * time.Minute
	DefaultReloadInterval = 10 * time.Second
	DefaultMaxClockSkew   = 5 * time.Minute
	DefaultAuthHeader     = "x-api-key"
)

// Config holds the server-side configuration parsed from the `server:` section
// of server.yaml. Any `agent:` key in the same file is ignored.
type Config struct {
	Server ServerConfig `yaml:"server"`
}

// ServerConfig holds all server-side settings.
type ServerConfig struct {
	// HTTPPort is the port agents and operators connect to (default 8080).
	HTTPPort int `yaml:"http_port"`

	// LogLevel is one of debug | info | warn | error (default info).
	LogLevel string `yaml:"log_level"`

	// Auth configures how agents authenticate.
	Auth AuthConfig `yaml:"auth"`

	// PipelinesDir holds one <name>.yaml file per pipeline config served to
	// agents.
	PipelinesDir string `yaml:"pipelines_dir"`

	// StateFile keeps served pipeline versions across restarts. Empty
	// disables it and versions start again at 1.
	StateFile string `yaml:"state_file"`

	// ReloadInterval is the fallback rescan period of PipelinesDir; the
	// directory is also watched for changes.
	ReloadInterval time.Duration `yaml:"reload_interval"`

	// AgentTTL is how long an agent stays listed after its last heartbeat.
	AgentTTL time.Duration `yaml:"agent_ttl"`
}

// AuthConfig controls agent authentication on the server side.
type AuthConfig struct {
	// Mode is one of: apikey | hmac | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the environment variable holding the expected API key
	// (apikey mode).
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header the API key is read from.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`

	// AccessKeyID is the key id agents sign with (hmac mode).
	AccessKeyID string `yaml:"access_key_id"`

	// SecretEnv is the environment variable holding the signing secret
	// (hmac mode).
	SecretEnv string `yaml:"secret_env"`

	// MaxClockSkew bounds the age of a signed request's date (default 5m).
	MaxClockSkew time.Duration `yaml:"max_clock_skew"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Secret returns the HMAC secret resolved from the environment.
func (a AuthConfig) Secret() string {
	if a.SecretEnv == "" {
		return ""
	}
	return os.Getenv(a.SecretEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return DefaultAuthHeader
}

// Load reads and parses the config file at path, returning the server configuration.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:       DefaultHTTPPort,
			LogLevel:       "info",
			PipelinesDir:   DefaultPipelinesDir,
			ReloadInterval: DefaultReloadInterval,
			AgentTTL:       DefaultAgentTTL,
			Auth: AuthConfig{
				Mode:         "none",
				MaxClockSkew: DefaultMaxClockSkew,
			},
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	s := cfg.Server
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", s.HTTPPort)
	}
	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("server.log_level %q unknown: want debug|info|warn|error", s.LogLevel)
	}
	if s.PipelinesDir == "" {
		return fmt.Errorf("server.pipelines_dir is required")
	}
	if s.ReloadInterval <= 0 {
		return fmt.Errorf("server.reload_interval must be positive")
	}
	if s.AgentTTL <= 0 {
		return fmt.Errorf("server.agent_ttl must be positive")
	}
	switch s.Auth.Mode {
	case "apikey":
		if s.Auth.KeyEnv == "" {
			return fmt.Errorf("server.auth.key_env is required for mode apikey")
		}
	case "hmac":
		if s.Auth.AccessKeyID == "" || s.Auth.SecretEnv == "" {
			return fmt.Errorf("server.auth.access_key_id and server.auth.secret_env are required for mode hmac")
		}
		if s.Auth.MaxClockSkew <= 0 {
			return fmt.Errorf("server.auth.max_clock_skew must be positive")
		}
	case "none":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|hmac|none", s.Auth.Mode)
	}
	return nil
}
