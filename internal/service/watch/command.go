package watch

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"

	"github.com/oshokin/app-launcher/internal/api/grpc/status"
	"github.com/oshokin/app-launcher/internal/config"
	"github.com/oshokin/app-launcher/internal/logger"
	"github.com/oshokin/app-launcher/internal/service/updater"
)

// Options controls the resident launcher process.
type Options struct {
	// ConfigPath specifies the path to the settings YAML file.
	ConfigPath string
	// ListenAddress overrides the status address from the settings.
	ListenAddress string
}

// Run schedules update attempts and serves the status surface until ctx is canceled.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "app-launcher")

	settings, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	reporter := status.NewReporter()
	defer reporter.Shutdown()

	orchestrator, err := updater.Build(settings, nil, updater.WithObserver(reporter.Observe))
	if err != nil {
		return fmt.Errorf("initialise updater: %w", err)
	}

	watcher, err := NewWatcher(orchestrator, settings.CheckSchedule)
	if err != nil {
		return err
	}

	if err = watcher.Start(ctx); err != nil {
		return err
	}

	defer watcher.Stop()

	listenAddress := settings.StatusAddress
	if opts.ListenAddress != "" {
		listenAddress = opts.ListenAddress
	}

	if listenAddress == "" {
		logger.Info(ctx, "Status address is not configured, status surface disabled")
		<-ctx.Done()

		return nil
	}

	return serve(ctx, listenAddress, reporter)
}

// serve runs the gRPC status server until ctx is canceled.
func serve(ctx context.Context, listenAddress string, reporter *status.Reporter) error {
	lc := net.ListenConfig{}

	lis, err := lc.Listen(ctx, "tcp", listenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddress, err)
	}

	grpcServer := grpc.NewServer()
	reporter.Register(grpcServer)

	logger.InfoKV(ctx, "Status server listening", "listen_address", lis.Addr().String())

	// Done channel is closed after GracefulStop finishes to ensure we block
	// until the server fully stops before returning.
	done := make(chan struct{})

	go func() {
		<-ctx.Done()
		logger.Info(ctx, "Shutting down status server")
		grpcServer.GracefulStop()
		close(done)
	}()

	if err = grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve gRPC: %w", err)
	}

	<-done
	logger.Info(ctx, "Status server stopped")

	return nil
}
