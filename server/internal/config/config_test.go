package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "server.yaml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_Defaults(t *testing.T) {
	// Server section absent; the agent section is ignored.
	p := writeConfig(t, `agent:
  local_config_dir: /etc/loghaven/conf.d
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s := cfg.Server
	if s.HTTPPort != DefaultHTTPPort {
		t.Errorf("http_port: got %d, want %d", s.HTTPPort, DefaultHTTPPort)
	}
	if s.PipelinesDir != DefaultPipelinesDir {
		t.Errorf("pipelines_dir: got %q, want %q", s.PipelinesDir, DefaultPipelinesDir)
	}
	if s.AgentTTL != DefaultAgentTTL {
		t.Errorf("agent_ttl: got %v, want %v", s.AgentTTL, DefaultAgentTTL)
	}
	if s.ReloadInterval != DefaultReloadInterval {
		t.Errorf("reload_interval: got %v, want %v", s.ReloadInterval, DefaultReloadInterval)
	}
	if s.Auth.Mode != "none" {
		t.Errorf("auth.mode: got %q, want none", s.Auth.Mode)
	}
	if s.Auth.MaxClockSkew != DefaultMaxClockSkew {
		t.Errorf("auth.max_clock_skew: got %v, want %v", s.Auth.MaxClockSkew, DefaultMaxClockSkew)
	}
}

func TestLoad_FullServer(t *testing.T) {
	p := writeConfig(t, `server:
  http_port: 9091
  log_level: debug
  pipelines_dir: /srv/pipelines
  state_file: /var/lib/loghaven/versions.yaml
  reload_interval: 30s
  agent_ttl: 10m
  auth:
    mode: apikey
    key_env: MY_KEY
    header: x-loghaven-key
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s := cfg.Server
	if s.HTTPPort != 9091 {
		t.Errorf("http_port: got %d, want 9091", s.HTTPPort)
	}
	if s.LogLevel != "debug" {
		t.Errorf("log_level: got %q, want debug", s.LogLevel)
	}
	if s.PipelinesDir != "/srv/pipelines" {
		t.Errorf("pipelines_dir: got %q, want /srv/pipelines", s.PipelinesDir)
	}
	if s.StateFile != "/var/lib/loghaven/versions.yaml" {
		t.Errorf("state_file: got %q", s.StateFile)
	}
	if s.ReloadInterval != 30*time.Second {
		t.Errorf("reload_interval: got %v, want 30s", s.ReloadInterval)
	}
	if s.AgentTTL != 10*time.Minute {
		t.Errorf("agent_ttl: got %v, want 10m", s.AgentTTL)
	}
	if s.Auth.Mode != "apikey" {
		t.Errorf("auth.mode: got %q, want apikey", s.Auth.Mode)
	}
	if h := s.Auth.EffectiveHeader(); h != "x-loghaven-key" {
		t.Errorf("header: got %q, want x-loghaven-key", h)
	}
}

func TestLoad_DefaultHeader(t *testing.T) {
	p := writeConfig(t, `server:
  auth:
    mode: apikey
    key_env: K
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if h := cfg.Server.Auth.EffectiveHeader(); h != "x-api-key" {
		t.Errorf("EffectiveHeader: got %q, want x-api-key", h)
	}
}

func TestLoad_EnvResolution(t *testing.T) {
	t.Setenv("TEST_SERVER_KEY", "supersecret")
	t.Setenv("TEST_SERVER_SECRET", "hmacsecret")
	p := writeConfig(t, `server:
  auth:
    mode: hmac
    key_env: TEST_SERVER_KEY
    access_key_id: ak-1
    secret_env: TEST_SERVER_SECRET
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if k := cfg.Server.Auth.Key(); k != "supersecret" {
		t.Errorf("Key(): got %q, want supersecret", k)
	}
	if s := cfg.Server.Auth.Secret(); s != "hmacsecret" {
		t.Errorf("Secret(): got %q, want hmacsecret", s)
	}
	if (AuthConfig{}).Secret() != "" {
		t.Error("Secret() without secret_env: want empty")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"port", "server:\n  http_port: 70000\n", "http_port"},
		{"log level", "server:\n  log_level: loud\n", "log_level"},
		{"empty pipelines dir", "server:\n  pipelines_dir: \"\"\n", "pipelines_dir"},
		{"reload interval", "server:\n  reload_interval: 0s\n", "reload_interval"},
		{"agent ttl", "server:\n  agent_ttl: -1s\n", "agent_ttl"},
		{"unknown auth mode", "server:\n  auth:\n    mode: oauth2\n", "auth.mode"},
		{"apikey without key_env", "server:\n  auth:\n    mode: apikey\n", "key_env"},
		{"hmac without secret", "server:\n  auth:\n    mode: hmac\n    access_key_id: ak\n", "secret_env"},
		{"hmac skew", "server:\n  auth:\n    mode: hmac\n    access_key_id: ak\n    secret_env: S\n    max_clock_skew: 0s\n", "max_clock_skew"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoad_BadYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "server: [unclosed\n")); err == nil {
		t.Fatal("expected parse error, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/server.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}
