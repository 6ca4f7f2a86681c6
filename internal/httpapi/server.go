// Package httpapi exposes the command interface over HTTP JSON.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"dispatchd/internal/dispatch"
	"dispatchd/internal/store"
	logx "dispatchd/pkg/logx"
)

type Config struct {
	// Address is the listen address, e.g. "127.0.0.1:8340".
	Address string
}

// Server manages lifecycle for the command-interface listener.
type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	svc  *dispatch.Service
	st   store.Store
	srv  *http.Server
	ln   net.Listener
	addr string
}

func New(svc *dispatch.Service, st store.Store, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		log: log.With(logx.String("comp", "httpapi")),
		svc: svc,
		st:  st,
	}
}

// Start binds the listener and serves in the background. It returns an
// error only when the address cannot be bound.
func (s *Server) Start(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return nil
	}

	srv := &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  time.Minute,
	}
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return err
	}

	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("server error", logx.String("addr", cfg.Address), logx.Err(err))
		}
	}()
	s.log.Info("listening", logx.String("addr", s.addr))
	return nil
}

// Addr returns the bound address, useful when Address had port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	addr := s.addr
	s.srv = nil
	s.ln = nil
	s.addr = ""
	s.mu.Unlock()

	if srv == nil {
		return
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	s.log.Info("stopped", logx.String("addr", addr))
}
