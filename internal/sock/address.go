// Package sock implements the UNIX-domain socket transport variant:
// the same JSON-over-HTTP wire protocol served over a local
// socket instead of TCP, addressed by the `http+unix://<percent-encoded
// path>` URL scheme.
package sock

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/tangramdotdev/tangram/internal/terror"
)

const prefix = "http+unix://"

// EncodeURL builds the `http+unix://` form of a socket path, with an
// optional request path appended. Percent-
// escaping the socket path turns any "/" in it into "%2F", so the first
// unescaped "/" in the result unambiguously starts the request path.
func EncodeURL(socketPath, requestPath string) string {
	if requestPath == "" {
		requestPath = "/"
	}
	if !strings.HasPrefix(requestPath, "/") {
		requestPath = "/" + requestPath
	}
	return prefix + url.PathEscape(socketPath) + requestPath
}

// DecodeURL extracts the socket path and request path from a
// `http+unix://` URL. It fails with terror.InvalidID if raw is not of
// that scheme.
func DecodeURL(raw string) (socketPath, requestPath string, err error) {
	if !strings.HasPrefix(raw, prefix) {
		return "", "", terror.New(terror.InvalidID, fmt.Sprintf("socket url %q does not use the http+unix scheme", raw))
	}
	rest := raw[len(prefix):]
	encodedPath := rest
	requestPath = "/"
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		encodedPath = rest[:idx]
		requestPath = rest[idx:]
	}
	socketPath, uerr := url.PathUnescape(encodedPath)
	if uerr != nil {
		return "", "", terror.Wrap(terror.InvalidID, "failed to unescape socket path", uerr)
	}
	return socketPath, requestPath, nil
}

// IsUnixURL reports whether raw uses the http+unix scheme.
func IsUnixURL(raw string) bool {
	return strings.HasPrefix(raw, prefix)
}
