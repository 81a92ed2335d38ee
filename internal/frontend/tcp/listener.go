// Package tcp accepts game clients over raw TCP using the framed binary protocol.
package tcp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/jigsaw/internal/config"
	"github.com/cory-johannsen/jigsaw/internal/frontend/handlers"
	"github.com/cory-johannsen/jigsaw/internal/protocol"
)

// Listener accepts TCP connections and runs each one through a SessionHandler
// on its own goroutine.
type Listener struct {
	cfg     config.ListenerConfig
	handler handlers.SessionHandler
	logger  *zap.Logger

	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewListener creates a TCP listener with the given configuration.
//
// Precondition: handler and logger must be non-nil.
// Postcondition: Returns a Listener ready to be started with ListenAndServe.
func NewListener(cfg config.ListenerConfig, handler handlers.SessionHandler, logger *zap.Logger) *Listener {
	return &Listener{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		quit:    make(chan struct{}),
	}
}

// ListenAndServe binds the configured address and accepts connections until
// Stop is called. This method blocks until the listener is stopped.
//
// Precondition: The listener must not already be running.
// Postcondition: The socket is closed when this method returns.
func (l *Listener) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", l.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", l.cfg.Addr(), err)
	}

	l.mu.Lock()
	select {
	case <-l.quit:
		l.mu.Unlock()
		listener.Close()
		return nil
	default:
	}
	l.listener = listener
	l.running = true
	l.mu.Unlock()

	l.logger.Info("game listener accepting",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-l.quit:
				return nil
			default:
				l.logger.Error("accepting connection", zap.Error(err))
				continue
			}
		}

		l.wg.Add(1)
		go l.handleConn(conn)
	}
}

// handleConn runs one client connection to completion.
func (l *Listener) handleConn(raw net.Conn) {
	defer l.wg.Done()
	start := time.Now()
	addr := raw.RemoteAddr().String()

	l.logger.Info("client connected", zap.String("remote_addr", addr))

	conn := protocol.NewStreamConn(raw, l.cfg.ReadTimeout, l.cfg.WriteTimeout)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel context when quit signal received
	go func() {
		select {
		case <-l.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := l.handler.HandleSession(ctx, conn); err != nil {
		l.logger.Debug("connection closed",
			zap.String("remote_addr", addr),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
	} else {
		l.logger.Info("connection closed cleanly",
			zap.String("remote_addr", addr),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// Stop closes the socket, cancels every in-flight session and waits for their
// goroutines to exit.
//
// Postcondition: All connections are closed and goroutines have exited.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case <-l.quit:
		return
	default:
	}
	close(l.quit)
	l.running = false

	if l.listener != nil {
		l.listener.Close()
	}
	l.wg.Wait()

	l.logger.Info("game listener stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (l *Listener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener != nil {
		return l.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the listener is currently accepting connections.
func (l *Listener) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}
