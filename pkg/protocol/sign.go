package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// Headers used by HMAC request signing.
const (
	HeaderDate          = "X-Loghaven-Date"
	HeaderAuthorization = "Authorization"
	AuthScheme          = "LOGHAVEN"
)

// StringToSign builds the canonical form of a request:
// method, path, content type, date and the hex SHA-256 of the body,
// one per line.
func StringToSign(method, path, contentType, date string, body []byte) string {
	sum := sha256.Sum256(body)
	return strings.Join([]string{
		strings.ToUpper(method), path, contentType, date, hex.EncodeToString(sum[:]),
	}, "\n")
}

// Sign returns the base64 HMAC-SHA256 of the canonical request under secret.
func Sign(secret, method, path, contentType, date string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(StringToSign(method, path, contentType, date, body)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Authorization formats the Authorization header value.
func Authorization(keyID, signature string) string {
	return AuthScheme + " " + keyID + ":" + signature
}

// ParseAuthorization splits an Authorization header value produced by
// Authorization.
func ParseAuthorization(v string) (keyID, signature string, ok bool) {
	rest, found := strings.CutPrefix(v, AuthScheme+" ")
	if !found {
		return "", "", false
	}
	keyID, signature, ok = strings.Cut(rest, ":")
	if !ok || keyID == "" || signature == "" {
		return "", "", false
	}
	return keyID, signature, true
}

// Verify reports whether signature matches the canonical request under secret.
func Verify(secret, signature, method, path, contentType, date string, body []byte) bool {
	want := Sign(secret, method, path, contentType, date, body)
	return hmac.Equal([]byte(want), []byte(signature))
}
