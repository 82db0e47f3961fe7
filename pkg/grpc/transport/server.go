package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevoDB/kvjournal/pkg/common/log"
	"github.com/KevoDB/kvjournal/pkg/grpc/service"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
)

var ErrServerStarted = errors.New("server already started")

// ServerOptions configures the gRPC server
type ServerOptions struct {
	ListenAddr string
	TLSConfig  *tls.Config

	MaxConnectionIdle     time.Duration
	MaxConnectionAge      time.Duration
	MaxConnectionAgeGrace time.Duration
	KeepAliveTime         time.Duration
	KeepAliveTimeout      time.Duration
	KeepAliveMinTime      time.Duration

	MaxMessageSize int
}

// DefaultServerOptions returns the keepalive settings used by the server
func DefaultServerOptions(listenAddr string) ServerOptions {
	return ServerOptions{
		ListenAddr:            listenAddr,
		MaxConnectionIdle:     60 * time.Second,
		MaxConnectionAge:      5 * time.Minute,
		MaxConnectionAgeGrace: 5 * time.Second,
		KeepAliveTime:         15 * time.Second,
		KeepAliveTimeout:      5 * time.Second,
		KeepAliveMinTime:      5 * time.Second,
		MaxMessageSize:        32 * 1024 * 1024, // 32MB
	}
}

// Server runs the registry service on a gRPC server
type Server struct {
	options  ServerOptions
	server   *grpc.Server
	listener net.Listener
	logger   log.Logger
	mu       sync.Mutex
	started  bool
}

// NewServer creates a server for impl. It does not listen until Start or Serve.
func NewServer(options ServerOptions, impl service.RegistryServer, logger log.Logger) *Server {
	var serverOpts []grpc.ServerOption

	if options.TLSConfig != nil {
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(options.TLSConfig)))
	}

	keepaliveParams := keepalive.ServerParameters{
		MaxConnectionIdle:     options.MaxConnectionIdle,
		MaxConnectionAge:      options.MaxConnectionAge,
		MaxConnectionAgeGrace: options.MaxConnectionAgeGrace,
		Time:                  options.KeepAliveTime,
		Timeout:               options.KeepAliveTimeout,
	}

	keepalivePolicy := keepalive.EnforcementPolicy{
		MinTime:             options.KeepAliveMinTime,
		PermitWithoutStream: true,
	}

	serverOpts = append(serverOpts,
		grpc.KeepaliveParams(keepaliveParams),
		grpc.KeepaliveEnforcementPolicy(keepalivePolicy),
	)
	if options.MaxMessageSize > 0 {
		serverOpts = append(serverOpts,
			grpc.MaxRecvMsgSize(options.MaxMessageSize),
			grpc.MaxSendMsgSize(options.MaxMessageSize),
		)
	}

	s := &Server{
		options: options,
		server:  grpc.NewServer(serverOpts...),
		logger:  log.OrDefault(logger).WithField("component", "server"),
	}
	service.RegisterRegistryServer(s.server, impl)
	return s
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrServerStarted
	}

	listener, err := net.Listen("tcp", s.options.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.options.ListenAddr, err)
	}
	s.listener = listener
	s.started = true

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("gRPC server error: %v", err)
		}
	}()

	s.logger.Info("Listening on %s", listener.Addr())
	return nil
}

// Serve serves on lis and blocks until the server is stopped
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrServerStarted
	}
	s.listener = lis
	s.started = true
	s.mu.Unlock()

	return s.server.Serve(lis)
}

// Addr returns the address the server listens on, nil before it started
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the server gracefully, forcing it once ctx is done
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warn("Graceful stop timed out, closing connections")
		s.server.Stop()
	}

	s.started = false
	return nil
}
