// Package auth implements the access checks shared by the OneBot
// endpoints: bearer-token comparison for HTTP and WebSocket connections,
// and the v11 HMAC-SHA1 body signature.
package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"strings"
)

// ParseBearer extracts the credential from an Authorization header value.
// Both "Bearer <token>" and "Token <token>" schemes are accepted, case
// insensitively. Returns "" when the header is empty or the scheme is
// unrecognized.
func ParseBearer(authorization string) string {
	scheme, param, found := strings.Cut(authorization, " ")
	if !found {
		return ""
	}
	switch strings.ToLower(scheme) {
	case "bearer", "token":
		return param
	}
	return ""
}

// CheckToken validates a request against the configured access token.
// The token may arrive in the Authorization header or, when allowQuery is
// set (OneBot v12), in the access_token query parameter. An empty
// configured token disables the check.
//
// On failure the returned message distinguishes a missing credential from
// an invalid one; status is always 403 per the OneBot connection spec.
func CheckToken(r *http.Request, accessToken string, allowQuery bool) (status int, msg string) {
	if accessToken == "" {
		return 0, ""
	}
	token := ParseBearer(r.Header.Get("Authorization"))
	if token == "" && allowQuery {
		token = r.URL.Query().Get("access_token")
	}
	if token == accessToken {
		return 0, ""
	}
	if token == "" {
		return http.StatusForbidden, "Missing Authorization Header"
	}
	return http.StatusForbidden, "Authorization Header is invalid"
}

// Signature computes the v11 webhook signature for body under secret:
// "sha1=" followed by the hex HMAC-SHA1 digest.
func Signature(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

// CheckSignature validates the X-Signature header of a v11 webhook
// request against the raw body. An empty secret disables the check.
// Returns 401 when the header is missing and 403 when it does not match.
func CheckSignature(r *http.Request, secret string, body []byte) (status int, msg string) {
	if secret == "" {
		return 0, ""
	}
	sig := r.Header.Get("X-Signature")
	if sig == "" {
		return http.StatusUnauthorized, "Missing Signature"
	}
	if !hmac.Equal([]byte(sig), []byte(Signature(secret, body))) {
		return http.StatusForbidden, "Signature is invalid"
	}
	return 0, ""
}
