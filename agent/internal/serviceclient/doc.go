// Package serviceclient builds and signs requests to the configuration server.
//
// ServiceClient is the strategy interface used by remote sync:
//   - Init loads credentials
//   - FlushCredential reloads them after the server rejected a request
//   - SignHeader adds authentication headers to a transport.Request
//   - SendMetadata announces the agent once when the checker starts
//   - HeartbeatRequest encodes a protocol.HeartbeatRequest for one address
//
// Strategies, selected by config_server.provider:
//   - default: static API key header (auth.mode apikey) or no auth
//   - hmac: HMAC-SHA256 signature over the canonical request with an access
//     key pair read from credential_file and kept in the agent store
package serviceclient
