// Package config loads the configuration server settings from the `server:`
// section of server.yaml (an `agent:` key is ignored by the server binary).
//
// Config fields:
//   - HTTPPort       - port for the agent protocol and the REST API (default 8080)
//   - LogLevel       - debug | info | warn | error
//   - PipelinesDir   - directory of <name>.yaml pipeline configs served to agents
//   - ReloadInterval - fallback rescan period of PipelinesDir (default 10s)
//   - AgentTTL       - how long an agent stays listed after its last heartbeat (default 5m)
//   - Auth.Mode      - "apikey", "hmac" or "none"
//   - Auth.KeyEnv    - environment variable holding the expected API key
//   - Auth.Header    - HTTP header the API key is read from (default "x-api-key")
//   - Auth.AccessKeyID / Auth.SecretEnv - HMAC key id and secret variable
//
// Load(path) applies defaults before unmarshalling, then validates.
package config
