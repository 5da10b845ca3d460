// Package transport sends requests to the configuration server.
//
// The Transport interface is the agent's only network dependency:
//   - Send(ctx, *Request) (*Response, error) performs one HTTP exchange
//
// HTTP is the production implementation. New builds an http.Client from
// the config_server.tls settings (optional CA bundle, insecure_skip_verify).
// Each request is bounded by its own Timeout.
//
// Failures are go-errors values carrying one of the codes TRANSPORT_REQUEST
// (the request could not be built), TRANSPORT_CONNECT (no response) or
// TRANSPORT_READ (the body could not be read). Non-2xx statuses are not
// errors; callers inspect Response.StatusCode.
//
// HTTP.CheckCert dials a server and reports how long its leaf certificate
// has left.
package transport
