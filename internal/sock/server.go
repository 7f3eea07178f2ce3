package sock

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/tangramdotdev/tangram/internal/terror"
)

// Server serves an http.Handler over a UNIX-domain socket bound at a
// filesystem path. It is the transport counterpart of internal/frontend's
// router: the same handler is reachable over TCP or this socket.
type Server struct {
	listener net.Listener
	http     *http.Server
	logger   *slog.Logger
}

// NewServer binds a UNIX-domain socket at path, removing any stale
// socket file left by a prior, uncleanly-terminated server.
func NewServer(path string, handler http.Handler, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, terror.Wrap(terror.IO, "failed to remove stale socket", err)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, terror.Wrap(terror.IO, "failed to bind unix socket", err)
	}
	return &Server{
		listener: ln,
		http:     &http.Server{Handler: handler},
		logger:   logger,
	}, nil
}

// Serve blocks accepting connections until Shutdown is called, at which
// point it returns http.ErrServerClosed.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.InfoContext(ctx, "unix socket server listening", "addr", s.listener.Addr())
	err := s.http.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server and releases the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
