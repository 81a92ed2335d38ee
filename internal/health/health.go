// Package health exposes the standard gRPC health service. The overall server
// status is SERVING while the process runs. The session service reports
// SERVING only while the game has a free slot, and dependency services such as
// the results store follow a periodic reachability check.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cory-johannsen/jigsaw/internal/config"
	"github.com/cory-johannsen/jigsaw/internal/game/session"
)

// SessionService is the health service name that tracks session admission.
const SessionService = "jigsaw.Session"

// ResultsService is the health service name that tracks results store reachability.
const ResultsService = "jigsaw.Results"

// stopTimeout bounds how long Stop waits for open Watch streams to end.
const stopTimeout = 5 * time.Second

// Checker reports whether a dependency is reachable.
type Checker interface {
	Check(ctx context.Context) error
}

type dependency struct {
	service  string
	checker  Checker
	interval time.Duration
}

// PhaseSource reports the session phase and its changes.
type PhaseSource interface {
	Phase() session.Phase
	WaitPhaseChange(ctx context.Context, p session.Phase) (session.Phase, error)
}

// Server serves grpc.health.v1.Health for the jigsaw process.
type Server struct {
	cfg    config.HealthConfig
	source PhaseSource
	logger *zap.Logger

	health     *grpchealth.Server
	grpcServer *grpc.Server

	deps        []dependency
	stopTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	stopped  bool
	workers  sync.WaitGroup
}

// NewServer creates a health server backed by source.
//
// Precondition: source and logger must be non-nil.
// Postcondition: Returns a Server with the session service NOT_SERVING until started.
func NewServer(cfg config.HealthConfig, source PhaseSource, logger *zap.Logger) *Server {
	h := grpchealth.NewServer()
	h.SetServingStatus(SessionService, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, h)

	return &Server{
		cfg:        cfg,
		source:     source,
		logger:     logger,
		health:      h,
		grpcServer:  gs,
		stopTimeout: stopTimeout,
	}
}

// AddDependency reports service as SERVING while checker succeeds. The check
// runs when serving starts and then every interval.
//
// Precondition: Must be called before Serve; interval must be positive.
// Postcondition: service is NOT_SERVING until its first check passes.
func (s *Server) AddDependency(service string, checker Checker, interval time.Duration) {
	s.health.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
	s.deps = append(s.deps, dependency{service: service, checker: checker, interval: interval})
}

// StatusFor maps a session phase to the session service's serving status.
func StatusFor(p session.Phase) healthpb.HealthCheckResponse_ServingStatus {
	switch p {
	case session.PhaseIdle, session.PhaseConnecting, session.PhaseFinished:
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// ListenAndServe binds the configured address, starts tracking the session and
// serves health checks until Stop is called.
//
// Postcondition: The socket is closed when this method returns.
func (s *Server) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(lis)
}

// Serve serves health checks on lis until Stop is called.
//
// Precondition: Serve must be called at most once.
func (s *Server) Serve(lis net.Listener) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		lis.Close()
		return nil
	}
	s.listener = lis
	s.cancel = cancel
	s.workers.Add(1 + len(s.deps))
	s.mu.Unlock()

	go s.track(ctx)
	for _, d := range s.deps {
		go s.poll(ctx, d)
	}

	s.logger.Info("health service listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serving health: %w", err)
	}
	return nil
}

// track mirrors the session phase into the session service status.
func (s *Server) track(ctx context.Context) {
	defer s.workers.Done()
	phase := s.source.Phase()
	for {
		status := StatusFor(phase)
		s.health.SetServingStatus(SessionService, status)
		s.logger.Debug("session health", zap.Stringer("phase", phase), zap.Stringer("status", status))

		next, err := s.source.WaitPhaseChange(ctx, phase)
		if err != nil {
			return
		}
		phase = next
	}
}

// poll mirrors the outcome of d's check into its service status.
func (s *Server) poll(ctx context.Context, d dependency) {
	defer s.workers.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		status := healthpb.HealthCheckResponse_SERVING
		if err := d.checker.Check(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			status = healthpb.HealthCheckResponse_NOT_SERVING
			s.logger.Debug("dependency check failed", zap.String("service", d.service), zap.Error(err))
		}
		s.health.SetServingStatus(d.service, status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop marks every service NOT_SERVING and stops the gRPC server. Watch
// streams still open after stopTimeout are closed forcibly.
//
// Postcondition: The phase tracker and dependency pollers have exited.
func (s *Server) Stop() {
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(s.stopTimeout):
		s.logger.Warn("health service graceful stop timed out", zap.Duration("timeout", s.stopTimeout))
		s.grpcServer.Stop()
		<-stopped
	}

	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.workers.Wait()
	s.logger.Info("health service stopped")
}

// Addr returns the listening address, or empty string if not yet listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
