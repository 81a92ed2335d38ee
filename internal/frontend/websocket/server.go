// Package websocket accepts game clients over websocket connections, one
// protocol message per binary message.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/jigsaw/internal/config"
	"github.com/cory-johannsen/jigsaw/internal/frontend/handlers"
)

// Server upgrades HTTP requests on the configured path and hands each
// websocket to a SessionHandler.
type Server struct {
	cfg      config.WebSocketConfig
	handler  handlers.SessionHandler
	logger   *zap.Logger
	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
	quit       chan struct{}
	mu         sync.Mutex
	running    bool
}

// NewServer creates a websocket server with the given configuration.
//
// Precondition: handler and logger must be non-nil.
// Postcondition: Returns a Server ready to be started with ListenAndServe.
func NewServer(cfg config.WebSocketConfig, handler handlers.SessionHandler, logger *zap.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		quit: make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.serveWS)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe binds the configured address and serves upgrades until Stop
// is called.
//
// Postcondition: The socket is closed when this method returns.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}

	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		listener.Close()
		return nil
	default:
	}
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.logger.Info("websocket server accepting",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", s.cfg.Path),
	)

	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket: %w", err)
	}
	return nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	conn := NewConn(ws)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	if err := s.handler.HandleSession(ctx, conn); err != nil {
		s.logger.Debug("websocket closed",
			zap.String("remote_addr", conn.RemoteAddr()),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// Stop closes the listener, cancels every in-flight session and waits for
// them to exit.
//
// Postcondition: All connections are closed and goroutines have exited.
func (s *Server) Stop() {
	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		return
	default:
	}
	close(s.quit)
	s.running = false
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("websocket shutdown", zap.Error(err))
	}
	s.wg.Wait()
	s.logger.Info("websocket server stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the server is currently accepting upgrades.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
