package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/KevoDB/kvjournal/pkg/common/log"
	"github.com/KevoDB/kvjournal/pkg/config"
	"github.com/KevoDB/kvjournal/pkg/grpc/service"
	"github.com/KevoDB/kvjournal/pkg/grpc/transport"
	"github.com/KevoDB/kvjournal/pkg/registry"
)

// shutdownTimeout bounds the graceful stop before connections are cut
const shutdownTimeout = 5 * time.Second

// newServer builds the gRPC server for reg from the command line options
func newServer(reg *registry.Registry, cfg *config.Config, opts Options, logger log.Logger) (*transport.Server, error) {
	serverOpts := transport.DefaultServerOptions(cfg.ListenAddr)
	if opts.TLSEnabled {
		tlsConfig, err := transport.LoadServerTLSConfig(opts.TLSCertFile, opts.TLSKeyFile, opts.TLSCAFile)
		if err != nil {
			return nil, err
		}
		serverOpts.TLSConfig = tlsConfig
	}
	return transport.NewServer(serverOpts, service.NewRegistryService(reg, logger), logger), nil
}

// runServer serves the registry until SIGINT or SIGTERM, then stops
// gracefully and closes every store
func runServer(reg *registry.Registry, cfg *config.Config, opts Options, logger log.Logger) error {
	server, err := newServer(reg, cfg, opts, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(); err != nil {
		return err
	}
	fmt.Printf("kvjournal server started on %s\n", server.Addr())

	<-ctx.Done()
	fmt.Println("\nShutting down...")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(stopCtx); err != nil {
		logger.Error("Error stopping server: %v", err)
	}

	if err := reg.Sync(); err != nil {
		logger.Error("Error syncing stores: %v", err)
	}
	if err := reg.Close(); err != nil {
		return fmt.Errorf("failed to close stores: %w", err)
	}
	fmt.Println("Shutdown complete")
	return nil
}
