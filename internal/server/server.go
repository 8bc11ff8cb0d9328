package server

import (
	"context"
	"net"
	"net/http"
	"time"
)

// Server represents the worker's HTTP server
type Server struct {
	srv      *http.Server
	listener net.Listener
	errs     chan error
}

// New creates a new server instance listening on addr, e.g. ":8080".
func New(handler http.Handler, addr string) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			// Event streams stay open until the item ends.
			WriteTimeout: 0,
			IdleTimeout:  120 * time.Second,
		},
		errs: make(chan error, 1),
	}
}

// Start binds the address and serves in a goroutine. Serve failures are
// reported on Errors.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.errs <- err
		}
		close(s.errs)
	}()
	return nil
}

// Addr is the bound address once Start succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.srv.Addr
	}
	return s.listener.Addr().String()
}

// Errors yields a serve failure and is closed when the server stops.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
