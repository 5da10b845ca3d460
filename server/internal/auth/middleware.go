package auth

import (
	"bytes"
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/loghaven/loghaven/pkg/protocol"
	"github.com/loghaven/loghaven/server/internal/config"
)

// MaxSignedBodyBytes bounds the body read to verify a signature.
const MaxSignedBodyBytes = 4 << 20

// Middleware returns an http middleware that enforces cfg on every request.
//
// Behaviour:
//   - mode "none" passes every request through.
//   - mode "apikey" compares the cfg.EffectiveHeader() header to cfg.Key().
//     An unset key passes everything, as in local development.
//   - mode "hmac" verifies the Authorization header against the request
//     method, path, content type, date header and body, and rejects dates
//     further than cfg.MaxClockSkew from now.
//
// Rejected requests get 401, which makes agents refresh their credential
// and retry once.
func Middleware(cfg config.AuthConfig) func(http.Handler) http.Handler {
	return middleware(cfg, time.Now)
}

func middleware(cfg config.AuthConfig, now func() time.Time) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		switch cfg.Mode {
		case "apikey":
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				key := cfg.Key()
				if key == "" {
					next.ServeHTTP(w, r)
					return
				}
				got := r.Header.Get(cfg.EffectiveHeader())
				if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
					reject(w, r, "invalid api key")
					return
				}
				next.ServeHTTP(w, r)
			})

		case "hmac":
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if reason := verifySignature(cfg, r, now()); reason != "" {
					reject(w, r, reason)
					return
				}
				next.ServeHTTP(w, r)
			})

		default:
			return next
		}
	}
}

// verifySignature checks r and returns a rejection reason, or "" if the
// request is authentic. The body is restored for the next handler.
func verifySignature(cfg config.AuthConfig, r *http.Request, now time.Time) string {
	keyID, sig, ok := protocol.ParseAuthorization(r.Header.Get(protocol.HeaderAuthorization))
	if !ok {
		return "missing or malformed authorization"
	}
	if keyID != cfg.AccessKeyID {
		return "unknown access key"
	}
	date := r.Header.Get(protocol.HeaderDate)
	t, err := http.ParseTime(date)
	if err != nil {
		return "missing or malformed date"
	}
	if skew := now.Sub(t); skew > cfg.MaxClockSkew || skew < -cfg.MaxClockSkew {
		return "request date outside allowed skew"
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, MaxSignedBodyBytes+1))
		r.Body.Close()
		if err != nil {
			return "unreadable body"
		}
		if len(body) > MaxSignedBodyBytes {
			return "body too large"
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	secret := cfg.Secret()
	if secret == "" {
		return "signing secret not configured"
	}
	if !protocol.Verify(secret, sig, r.Method, r.URL.Path, r.Header.Get("Content-Type"), date, body) {
		return "signature mismatch"
	}
	return ""
}

func reject(w http.ResponseWriter, r *http.Request, reason string) {
	slog.Warn("auth: request rejected", "path", r.URL.Path, "remote", r.RemoteAddr, "reason", reason)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
