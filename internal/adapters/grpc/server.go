package grpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/eleven-am/graphflow/internal/domain"
)

type Server struct {
	handler WorkflowHandler
	config  domain.GRPCConfig
	logger  *slog.Logger

	mu       sync.Mutex
	started  bool
	server   *grpc.Server
	listener net.Listener
	health   *health.Server
	reporter *HealthReporter
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewServer(handler WorkflowHandler, config domain.GRPCConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		handler: handler,
		config:  config,
		logger:  logger.With("component", "grpc-server"),
	}
}

// Address returns the bound address once started, otherwise the configured one.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return net.JoinHostPort(s.config.BindAddress, fmt.Sprint(s.config.BindPort))
}

func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.BindAddress, fmt.Sprint(s.config.BindPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.logger.Error("failed to listen", "error", err, "address", addr)
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if err := s.Serve(ctx, listener); err != nil {
		_ = listener.Close()
		return err
	}
	return nil
}

// Serve starts the server on an existing listener. It returns once the
// server is accepting connections.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return domain.ErrAlreadyStarted
	}
	if s.handler == nil {
		return fmt.Errorf("%w: grpc server requires a workflow handler", domain.ErrInvalidConfig)
	}

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			UnaryRecoveryInterceptor(s.logger),
			UnaryLoggingInterceptor(s.logger),
		),
	}

	if s.config.MaxMessageSizeMB > 0 {
		size := s.config.MaxMessageSizeMB * 1024 * 1024
		opts = append(opts, grpc.MaxRecvMsgSize(size), grpc.MaxSendMsgSize(size))
	}

	if s.config.TLS.Enabled {
		creds, err := LoadServerTLSCredentials(s.config.TLS)
		if err != nil {
			s.logger.Error("failed to load TLS credentials", "error", err)
			return err
		}
		opts = append(opts, grpc.Creds(creds))
	}

	s.server = grpc.NewServer(opts...)
	s.server.RegisterService(&serviceDesc, s.handler)

	s.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(s.server, s.health)
	s.reporter = NewHealthReporter(s.health, s.handler, s.config.UnhealthyBelow, s.config.HealthInterval, s.logger)
	s.reporter.Refresh()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.listener = listener
	s.done = make(chan struct{})
	s.started = true

	go s.reporter.Run(runCtx)

	server, done := s.server, s.done
	go func() {
		defer close(done)
		s.logger.Info("gRPC server starting", "address", listener.Addr().String())
		if err := server.Serve(listener); err != nil && err != grpc.ErrServerStopped {
			s.logger.Error("gRPC server failed", "error", err)
		}
	}()

	go func() {
		select {
		case <-runCtx.Done():
			_ = s.Stop()
		case <-done:
		}
	}()

	return nil
}

// Health exposes the health reporter so callers can force a refresh.
func (s *Server) Health() *HealthReporter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reporter
}

func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	server, healthServer, cancel, done := s.server, s.health, s.cancel, s.done
	s.mu.Unlock()

	s.logger.Info("stopping gRPC server")
	healthServer.Shutdown()
	cancel()
	server.GracefulStop()
	<-done
	s.logger.Info("gRPC server stopped")
	return nil
}
