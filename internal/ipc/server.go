package ipc

import (
	"errors"
	"net"
	"os"
)

// ServerDelegate receives accepted channels. OnNewConnection runs on
// the accept goroutine; the delegate must not block it.
type ServerDelegate interface {
	OnNewConnection(c *Channel)
	OnServerError(err error)
}

// Server accepts UI helper connections on a unix socket endpoint.
type Server struct {
	endpoint string
	ln       net.Listener
}

// Listen binds the endpoint, replacing a stale socket file left by a
// previous service instance.
func Listen(endpoint string) (*Server, error) {
	if err := os.Remove(endpoint); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	ln, err := net.Listen("unix", endpoint)
	if err != nil {
		return nil, err
	}
	// Helpers run as the logged-in user; the service owns the socket.
	if err := os.Chmod(endpoint, 0o666); err != nil {
		_ = ln.Close()
		return nil, err
	}
	return &Server{endpoint: endpoint, ln: ln}, nil
}

// Endpoint returns the bound socket path.
func (s *Server) Endpoint() string {
	return s.endpoint
}

// Start runs the accept loop on its own goroutine.
func (s *Server) Start(delegate ServerDelegate) {
	go func() {
		for {
			conn, err := s.ln.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					delegate.OnServerError(err)
				}
				return
			}
			delegate.OnNewConnection(newChannel(conn))
		}
	}()
}

// Close stops accepting and removes the socket file.
func (s *Server) Close() {
	_ = s.ln.Close()
	_ = os.Remove(s.endpoint)
}
