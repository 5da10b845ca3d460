package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultConfigUpdateInterval     = 10 * time.Second
	DefaultFileTagsUpdateInterval   = 1 * time.Second
	DefaultMaxDepth                 = 100
	DefaultRegisterTimeout          = 3 * time.Second
	DefaultMultiConfigAlarmInterval = 10 * time.Minute
	DefaultMaxMultiConfigSize       = 20
	DefaultAlarmBufferSize          = 256
	DefaultAlarmRate                = 10.0
	DefaultDispatchInterval         = 1 * time.Second
	DefaultMetricsAddr              = ":9108"
	DefaultRequestTimeout           = 5 * time.Second
	DefaultAuthHeader               = "x-api-key"
)

// Config is the top-level agent configuration. Fields map 1:1 to
// agent.example.yaml.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig holds all agent-side settings.
type AgentConfig struct {
	// InstanceID identifies this agent to the configuration server. A random
	// UUID is used when empty.
	InstanceID string `yaml:"instance_id"`

	// LogLevel is one of: debug | info | warn | error. It is hot-reloaded.
	LogLevel string `yaml:"log_level"`

	// UserConfigPath is an optional multi-config document (configs: {name: ...}).
	UserConfigPath string `yaml:"user_config_path"`

	// LocalConfigDir holds one locally authored pipeline config per file.
	LocalConfigDir string `yaml:"local_config_dir"`

	// RemoteConfigDir receives name@version.yaml files from the configuration
	// server. Remote sync is off when it is empty.
	RemoteConfigDir string `yaml:"remote_config_dir"`

	ConfigUpdateInterval   time.Duration `yaml:"config_update_interval"`
	FileTagsUpdateInterval time.Duration `yaml:"file_tags_update_interval"`

	// FileTagsPath is a YAML map of tags attached to every collected file.
	FileTagsPath string `yaml:"file_tags_path"`

	// DefaultMaxDepth applies to pipeline configs without max_depth.
	DefaultMaxDepth int `yaml:"default_max_depth"`

	// RegisterTimeout bounds one directory registration walk.
	RegisterTimeout time.Duration `yaml:"register_timeout"`

	MultiConfigAlarmInterval time.Duration `yaml:"multi_config_alarm_interval"`
	MaxMultiConfigSize       int           `yaml:"max_multi_config_size"`

	AlarmBufferSize int `yaml:"alarm_buffer_size"`
	// AlarmRate is the number of alarms delivered per second.
	AlarmRate float64 `yaml:"alarm_rate"`
	// AlarmWebhooks receive every delivered alarm.
	AlarmWebhooks []WebhookConfig `yaml:"alarm_webhooks"`

	// DispatchInterval is how often the event loop checks for a staged update.
	DispatchInterval time.Duration `yaml:"dispatch_interval"`

	// MetricsAddr is the listen address of the Prometheus endpoint. Empty
	// disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	// MetricsTextfile, when set, receives the final metrics in the text
	// exposition format at shutdown (node_exporter textfile collector).
	MetricsTextfile string `yaml:"metrics_textfile"`

	ConfigServer ConfigServerConfig `yaml:"config_server"`
}

// ConfigServerConfig describes how to reach the configuration server.
type ConfigServerConfig struct {
	// Provider selects the request signing strategy: default | hmac.
	Provider string `yaml:"provider"`

	// Addresses is a list of host:port. The agent rotates through them on
	// failure.
	Addresses []string `yaml:"addresses"`

	TLS  TLSConfig  `yaml:"tls"`
	Auth AuthConfig `yaml:"auth"`

	// CredentialFile holds access_key_id and access_key for the hmac provider.
	// It is re-read whenever the server rejects a signature.
	CredentialFile string `yaml:"credential_file"`

	// Tags are reported in every heartbeat.
	Tags []string `yaml:"tags"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Enabled reports whether remote sync is configured.
func (c ConfigServerConfig) Enabled() bool { return len(c.Addresses) > 0 }

// AuthConfig specifies how the default provider authenticates.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// Header is the HTTP header name to send the key in.
	Header string `yaml:"header"`

	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`
}

// Key returns the API key value resolved from the environment.
// Returns empty string if KeyEnv is unset or the variable is not found.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// TLSConfig holds TLS dial options for the configuration server.
type TLSConfig struct {
	Enabled bool `yaml:"enabled"`

	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this for internal CAs in development environments.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// CAFile is an optional PEM bundle trusted in addition to nothing else.
	CAFile string `yaml:"ca_file"`
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			LogLevel:                 "info",
			ConfigUpdateInterval:     DefaultConfigUpdateInterval,
			FileTagsUpdateInterval:   DefaultFileTagsUpdateInterval,
			DefaultMaxDepth:          DefaultMaxDepth,
			RegisterTimeout:          DefaultRegisterTimeout,
			MultiConfigAlarmInterval: DefaultMultiConfigAlarmInterval,
			MaxMultiConfigSize:       DefaultMaxMultiConfigSize,
			AlarmBufferSize:          DefaultAlarmBufferSize,
			AlarmRate:                DefaultAlarmRate,
			DispatchInterval:         DefaultDispatchInterval,
			MetricsAddr:              DefaultMetricsAddr,
			ConfigServer: ConfigServerConfig{
				Provider:       "default",
				RequestTimeout: DefaultRequestTimeout,
				Auth:           AuthConfig{Header: DefaultAuthHeader},
			},
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	a := cfg.Agent
	if a.LocalConfigDir == "" && a.UserConfigPath == "" && a.RemoteConfigDir == "" {
		return fmt.Errorf("agent: one of local_config_dir, user_config_path or remote_config_dir is required")
	}
	if _, err := ParseLevel(a.LogLevel); err != nil {
		return err
	}
	for name, d := range map[string]time.Duration{
		"config_update_interval":        a.ConfigUpdateInterval,
		"file_tags_update_interval":     a.FileTagsUpdateInterval,
		"register_timeout":              a.RegisterTimeout,
		"multi_config_alarm_interval":   a.MultiConfigAlarmInterval,
		"dispatch_interval":             a.DispatchInterval,
		"config_server.request_timeout": a.ConfigServer.RequestTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("agent.%s must be positive", name)
		}
	}
	if a.MaxMultiConfigSize <= 0 {
		return fmt.Errorf("agent.max_multi_config_size must be positive")
	}
	if a.AlarmBufferSize <= 0 {
		return fmt.Errorf("agent.alarm_buffer_size must be positive")
	}
	if a.AlarmRate <= 0 {
		return fmt.Errorf("agent.alarm_rate must be positive")
	}

	for i, wh := range a.AlarmWebhooks {
		switch wh.Type {
		case "slack", "teams", "http":
		default:
			return fmt.Errorf("agent.alarm_webhooks[%d].type %q unknown: want slack|teams|http", i, wh.Type)
		}
		if wh.URLEnv == "" {
			return fmt.Errorf("agent.alarm_webhooks[%d].url_env is required", i)
		}
	}

	cs := a.ConfigServer
	if cs.Enabled() && a.RemoteConfigDir == "" {
		return fmt.Errorf("agent.remote_config_dir is required when config_server.addresses is set")
	}
	for i, addr := range cs.Addresses {
		if !strings.Contains(addr, ":") {
			return fmt.Errorf("config_server.addresses[%d] %q: want host:port", i, addr)
		}
	}
	switch cs.Provider {
	case "default":
		switch cs.Auth.Mode {
		case "apikey", "none", "":
		default:
			return fmt.Errorf("config_server.auth: unknown mode %q", cs.Auth.Mode)
		}
	case "hmac":
		if cs.Enabled() && cs.CredentialFile == "" {
			return fmt.Errorf("config_server.credential_file is required for the hmac provider")
		}
	default:
		return fmt.Errorf("config_server: unknown provider %q", cs.Provider)
	}
	return nil
}

// WebhookConfig defines one alarm delivery target.
type WebhookConfig struct {
	// Type is one of: slack | teams | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// ParseLevel maps a log_level value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("agent.log_level: unknown level %q", s)
}
