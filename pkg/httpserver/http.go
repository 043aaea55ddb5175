package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"linuxdiag/pkg/network"

	"github.com/sirupsen/logrus"
)

// httpServer provides common HTTP server functionality.
type httpServer struct {
	name     string
	listener string
	server   *http.Server
	mux      *http.ServeMux
	// onShutdown runs when shutdown starts, before open requests drain.
	onShutdown []func()
}

func newUnixSockHTTPServer(name, listener string) *httpServer {
	return &httpServer{
		name:     name,
		listener: listener,
		mux:      http.NewServeMux(),
	}
}

// listen creates the unix socket, replacing a stale one. The socket is
// only reachable by the current user.
func (s *httpServer) listen() (net.Listener, string, error) {
	addr, err := network.ParseUnixAddr(s.listener)
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse unix socket address: %w", err)
	}

	_ = os.Remove(addr.Path)

	ln, err := net.Listen("unix", addr.Path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to listen on %q: %w", addr.Path, err)
	}
	if err := os.Chmod(addr.Path, 0o600); err != nil {
		_ = ln.Close()
		return nil, "", fmt.Errorf("failed to restrict %q: %w", addr.Path, err)
	}
	return ln, addr.Path, nil
}

// serve starts the HTTP server and blocks until context is cancelled.
func (s *httpServer) serve(ctx context.Context) error {
	ln, path, err := s.listen()
	if err != nil {
		return err
	}
	defer os.Remove(path)

	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	for _, fn := range s.onShutdown {
		s.server.RegisterOnShutdown(fn)
	}

	errChan := make(chan error, 1)
	go func() {
		logrus.Infof("starting %s httpserver on %q", s.name, ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			_ = s.server.Close()
		}
		_ = ln.Close()
		logrus.Infof("%s httpserver stopped", s.name)
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("%s httpserver error: %w", s.name, err)
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
