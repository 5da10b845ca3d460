// Package config loads and watches the agent configuration file (agent.yaml).
//
// Top-level types:
//   - Config{Agent}: full config tree parsed from YAML
//   - AgentConfig: config directories, polling intervals, matcher limits,
//     alarm delivery, metrics address, config_server
//   - ConfigServerConfig: provider (default|hmac), addresses, tls, auth,
//     credential_file, tags, request_timeout
//   - AuthConfig: mode (apikey|none), header, key_env; Key() resolves the key
//     from the environment
//   - WebhookConfig: alarm_webhooks entry, type (slack|teams|http) and url_env;
//     URL() resolves the endpoint from the environment
//
// Load(path) reads the YAML file, applies defaults (10s config update, 1s file
// tags, depth 100, 3s register timeout, 20 multi-config cap), then validates
// required fields and enums.
//
// Watch(ctx, path, settle, onChange) watches the file's directory with
// fsnotify, waits for writes to settle, skips byte-identical rewrites and
// calls onChange(prev, next). RestartRequired(prev, next) lists the changed
// keys that only apply after a restart; the agent hot-reloads log_level and
// warns about the rest.
package config
