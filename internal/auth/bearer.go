// Package auth implements bearer-token authentication for the wire
// protocol: authentication applies only when a token is configured.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrInvalidTokenSecret indicates the configured token is empty.
var ErrInvalidTokenSecret = errors.New("invalid token secret")

// Token is a server's configured bearer secret. The zero value accepts
// every request (auth disabled). It redacts itself from any logging or
// JSON encoding path.
type Token struct {
	secret string
}

// NewToken wraps a raw secret. An empty secret disables authentication.
func NewToken(secret string) Token { return Token{secret: secret} }

// Enabled reports whether requests must carry a matching token.
func (t Token) Enabled() bool { return t.secret != "" }

// Verify reports whether presented matches the configured secret using
// a constant-time comparison, guarding against response-time side
// channels on the comparison itself.
func (t Token) Verify(presented string) bool {
	if !t.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(t.secret), []byte(presented)) == 1
}

func (Token) String() string              { return "[REDACTED]" }
func (Token) MarshalJSON() ([]byte, error) { return []byte(`"[REDACTED]"`), nil }
func (Token) MarshalText() ([]byte, error) { return []byte("[REDACTED]"), nil }

// FromHeader extracts the bearer token from an Authorization header
// value of the form "Bearer <token>". It returns ok=false if the header
// is absent or malformed.
func FromHeader(headerValue string) (token string, ok bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(headerValue, prefix) {
		return "", false
	}
	return strings.TrimPrefix(headerValue, prefix), true
}

// Middleware rejects any request that fails t.Verify with 401, and
// otherwise records the verified-and-authenticated client IP in the
// request context for downstream handlers/audit logging.
func Middleware(t Token) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if t.Enabled() {
				presented, ok := FromHeader(r.Header.Get("Authorization"))
				if !ok || !t.Verify(presented) {
					w.Header().Set("WWW-Authenticate", "Bearer")
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
			}
			ctx := WithClientIP(r.Context(), r.RemoteAddr)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
