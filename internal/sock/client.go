package sock

import (
	"context"
	"net"
	"net/http"
	"time"
)

// Client is an http.Client dialing a UNIX-domain socket instead of TCP,
// for callers (primarily internal/remote, when a remote's address uses
// the http+unix scheme) that need to speak the wire protocol over a
// local socket.
type Client struct {
	HTTP *http.Client
}

// NewClient returns a Client dialing the socket at path. Every request
// made through the returned http.Client ignores its URL's host and
// connects to path instead, so callers address requests with any
// `http://unix/...`-shaped URL.
func NewClient(path string) *Client {
	dialer := &net.Dialer{}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", path)
		},
	}
	return &Client{HTTP: &http.Client{Transport: transport, Timeout: 30 * time.Second}}
}
