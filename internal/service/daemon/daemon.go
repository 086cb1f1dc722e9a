package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"

	"github.com/oshokin/appliance-updater/internal/api/grpc/health"
	httpapi "github.com/oshokin/appliance-updater/internal/api/http"
	"github.com/oshokin/appliance-updater/internal/config"
	"github.com/oshokin/appliance-updater/internal/logger"
)

// shutdownTimeout bounds stopping the listeners.
const shutdownTimeout = 15 * time.Second

// Options controls the daemon process.
type Options struct {
	// Config holds loaded settings.
	Config *config.Config
	// HTTPAddress overrides the HTTP listen address from the settings.
	HTTPAddress string
	// GRPCAddress overrides the gRPC listen address from the settings.
	GRPCAddress string
	// Ready, when set, receives the bound addresses once both listeners accept connections.
	Ready func(httpAddr, grpcAddr net.Addr)
}

// ErrNoListenAddress indicates a listener without an address.
var ErrNoListenAddress = errors.New("no listen address configured")

// Run serves the HTTP API and the gRPC health service until ctx is canceled.
// An update run in flight when ctx ends fails and rolls back before Run returns.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "daemon")
	cfg := opts.Config

	httpAddress, err := resolveListenAddress(cfg.Server.HTTPAddress, opts.HTTPAddress)
	if err != nil {
		return fmt.Errorf("resolve HTTP address: %w", err)
	}

	grpcAddress, err := resolveListenAddress(cfg.Server.GRPCAddress, opts.GRPCAddress)
	if err != nil && !errors.Is(err, ErrNoListenAddress) {
		return fmt.Errorf("resolve gRPC address: %w", err)
	}

	components, err := Build(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := components.Close(); closeErr != nil {
			logger.WarnKV(ctx, "Failed to close components", "error", closeErr)
		}
	}()

	lc := net.ListenConfig{}

	httpListener, err := lc.Listen(ctx, "tcp", httpAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", httpAddress, err)
	}

	api := httpapi.NewServer(ctx, httpapi.Dependencies{
		Updater:  components.Orchestrator,
		Releases: components.Releases,
		Backups:  components.Backups,
		History:  components.History,
		Services: components.Services,
	}, cfg.Server)

	errs := make(chan error, 2)

	go func() {
		errs <- api.Serve(httpListener)
	}()

	var (
		grpcServer *grpc.Server
		grpcAddr   net.Addr
	)

	if grpcAddress != "" {
		grpcListener, listenErr := lc.Listen(ctx, "tcp", grpcAddress)
		if listenErr != nil {
			_ = api.Shutdown(context.Background())

			return fmt.Errorf("listen on %s: %w", grpcAddress, listenErr)
		}

		grpcAddr = grpcListener.Addr()

		healthServer := health.NewServer(components.Orchestrator)
		grpcServer = grpc.NewServer()
		healthServer.Register(grpcServer)

		go healthServer.Run(ctx)

		go func() {
			logger.InfoKV(ctx, "gRPC health service listening", "listen_address", grpcAddr.String())

			if serveErr := grpcServer.Serve(grpcListener); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
				errs <- fmt.Errorf("serve gRPC: %w", serveErr)
			}
		}()
	}

	if opts.Ready != nil {
		opts.Ready(httpListener.Addr(), grpcAddr)
	}

	var serveErr error

	select {
	case <-ctx.Done():
		logger.Info(ctx, "Shutting down")
	case serveErr = <-errs:
		logger.ErrorKV(ctx, "Listener stopped unexpectedly", "error", serveErr)
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err = api.Shutdown(stopCtx); err != nil {
		logger.WarnKV(ctx, "HTTP shutdown incomplete", "error", err)
	}

	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	// A canceled run still restores its backup, give it the restore timeout.
	waitCtx, cancelWait := context.WithTimeout(context.WithoutCancel(ctx), cfg.Backup.RestoreTimeout+shutdownTimeout)
	defer cancelWait()

	if err = components.Orchestrator.Wait(waitCtx); err != nil {
		logger.ErrorKV(ctx, "Update run did not finish before exit", "error", err)
	}

	logger.Info(ctx, "Daemon stopped")

	return serveErr
}

// resolveListenAddress picks override over the configured address and checks its form.
func resolveListenAddress(configAddr, override string) (string, error) {
	address := configAddr
	if override != "" {
		address = override
	}

	if address == "" {
		return "", ErrNoListenAddress
	}

	if _, _, err := net.SplitHostPort(address); err != nil {
		return "", fmt.Errorf("invalid listen address format %q: %w", address, err)
	}

	return address, nil
}
