// Package auth provides the authentication middleware of loghaven-server.
//
// Middleware(cfg) wraps an http.Handler. In "apikey" mode the key is read from
// the configured header; in "hmac" mode the request must carry a signature
// produced by protocol.Sign with the configured access key. Failures answer
// 401 Unauthorized.
package auth
