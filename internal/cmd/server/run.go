package serverrun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/rzbill/orchq/internal/config"
	"github.com/rzbill/orchq/internal/runtime"
	grpcserver "github.com/rzbill/orchq/internal/server/grpc"
	httpserver "github.com/rzbill/orchq/internal/server/http"
	"github.com/rzbill/orchq/internal/worker"
	logpkg "github.com/rzbill/orchq/pkg/log"
)

type Options struct {
	Config cfgpkg.Config
	Logger logpkg.Logger
	// Handlers, when non-empty, starts an in-process worker pool.
	Handlers *worker.Registry
	// Ready is called with the bound addresses once both listeners are open.
	Ready func(grpcAddr, httpAddr net.Addr)
}

// Run starts gRPC and HTTP servers and blocks until ctx is cancelled or a
// server fails. Servers are drained before the runtime is closed.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	cfg := opts.Config
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}

	rt, err := runtime.Open(sctx, runtime.Options{Config: cfg, Logger: logger, Handlers: opts.Handlers})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("runtime close", logpkg.Err(err))
		}
	}()

	gl, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	hl, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		_ = gl.Close()
		return fmt.Errorf("http listen: %w", err)
	}

	logger.Info("starting orchq server",
		logpkg.Str("grpc", gl.Addr().String()),
		logpkg.Str("http", hl.Addr().String()),
		logpkg.Str("backend", cfg.Backend),
		logpkg.Str("scope", cfg.Scope),
		logpkg.Int("handlers", opts.Handlers.Len()),
	)

	gsrv := grpcserver.New(rt)
	hsrv := httpserver.New(rt, logger)
	if opts.Ready != nil {
		opts.Ready(gl.Addr(), hl.Addr())
	}

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error {
		if err := gsrv.Serve(gctx, gl); err != nil {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := hsrv.Serve(gctx, hl); err != nil {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	err = g.Wait()
	gsrv.Close()
	hsrv.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("orchq server stopped")
	return nil
}
