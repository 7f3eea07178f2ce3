package sock_test

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tangramdotdev/tangram/internal/sock"
)

func TestEncodeDecodeURL(t *testing.T) {
	raw := sock.EncodeURL("/var/run/tangram/socket", "/objects/blb_abc")
	require.True(t, sock.IsUnixURL(raw))

	path, reqPath, err := sock.DecodeURL(raw)
	require.NoError(t, err)
	require.Equal(t, "/var/run/tangram/socket", path)
	require.Equal(t, "/objects/blb_abc", reqPath)
}

func TestDecodeURLDefaultsRootPath(t *testing.T) {
	raw := sock.EncodeURL("/tmp/socket", "")
	path, reqPath, err := sock.DecodeURL(raw)
	require.NoError(t, err)
	require.Equal(t, "/tmp/socket", path)
	require.Equal(t, "/", reqPath)
}

func TestDecodeURLRejectsOtherSchemes(t *testing.T) {
	_, _, err := sock.DecodeURL("http://example.com/objects/blb_abc")
	require.Error(t, err)
}

func TestServeAndRequest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sock")
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok:" + r.URL.Path))
	})
	srv, err := sock.NewServer(path, handler, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()

	client := sock.NewClient(path)
	resp, err := client.HTTP.Get("http://unix/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "ok:/status", string(body))

	require.NoError(t, srv.Shutdown(context.Background()))
	require.NoError(t, <-done)
}
