// MFQ Kernel Server
//
// Boots the simulated kernel, runs init and the shell workload, and serves
// the process-control gRPC service and Prometheus metrics.
//
// Usage:
//
//	go run ./cmd                          # defaults, :50051 and :9090
//	go run ./cmd -config mfq.yaml         # config file
//	MFQ_NCPU=4 go run ./cmd -addr :8080   # env override, custom port
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/jeeves-cluster-organization/mfqkernel/commbus"
	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/config"
	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/grpc"
	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/kernel"
	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/logging"
	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/machine"
	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/observability"
	"github.com/jeeves-cluster-organization/mfqkernel/coreengine/userland"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "config file (yaml, json, or toml)")
	addr := flag.String("addr", "", "gRPC listen address (overrides config)")
	flag.Parse()

	if err := run(*configPath, *addr); err != nil {
		fmt.Fprintf(os.Stderr, "mfqkernel: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, addr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.GRPCAddr = addr
	}
	config.Set(cfg)

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	logger.Info("mfqkernel_starting",
		"grpc_addr", cfg.GRPCAddr,
		"metrics_addr", cfg.MetricsAddr,
		"ncpu", cfg.NCPU,
		"nproc", cfg.NProc,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdownTracer, err := observability.InitTracer("mfqkernel", cfg.OTLPEndpoint)
		if err != nil {
			return err
		}
		defer func() {
			tctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdownTracer(tctx)
		}()
	}

	m, err := machine.New(cfg, nil)
	if err != nil {
		return err
	}

	halted := make(chan error, 1)
	k := kernel.NewKernel(logger.With("component", "kernel"), cfg,
		kernel.Devices{Memory: m.Memory, Stacks: m.Memory, Files: m.Files},
		kernel.WithHaltHandler(func(err error) {
			select {
			case halted <- err:
			default:
			}
		}),
	)

	busLogger := logger.With("component", "commbus")
	bus, err := commbus.NewInMemoryCommBus(busLogger, 5*time.Second, cfg.EventWorkers)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	bus.AddMiddleware(commbus.NewLoggingMiddleware(busLogger))
	if err := commbus.AttachKernel(ctx, k, bus); err != nil {
		return err
	}

	programs := userland.New(logger.With("component", "userland"), cfg)
	if err := k.Boot(ctx, programs.Init); err != nil {
		return fmt.Errorf("boot failed: %w", err)
	}

	grpcLogger := logger.With("component", "grpc")
	limiter := grpc.NewRateLimiter(&grpc.RateLimitConfig{RequestsPerMinute: cfg.RateLimitPerMinute})
	server := grpc.NewGracefulServer(
		grpc.NewKernelServer(grpcLogger, k, grpc.WithBus(bus)),
		cfg.GRPCAddr,
		grpc.ServerOptions(grpcLogger, limiter)...,
	)
	serveErr, err := server.StartBackground()
	if err != nil {
		shutdownKernel(k, bus)
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	metricsErr := make(chan error, 1)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			metricsErr <- err
		}
	}()

	logger.Info("mfqkernel_ready", "grpc_addr", cfg.GRPCAddr, "metrics_addr", cfg.MetricsAddr)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
	case err := <-halted:
		logger.Error("kernel_halted", "error", err.Error())
		runErr = err
	case err := <-serveErr:
		runErr = fmt.Errorf("grpc server: %w", err)
	case err := <-metricsErr:
		runErr = fmt.Errorf("metrics server: %w", err)
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	server.GracefulStop()
	runErr = multierr.Combine(runErr,
		metricsServer.Shutdown(sctx),
		k.Shutdown(sctx),
		bus.Close(),
	)

	logger.Info("mfqkernel_stopped")
	return runErr
}

// shutdownKernel stops a booted kernel when startup fails after Boot.
func shutdownKernel(k *kernel.Kernel, bus *commbus.InMemoryCommBus) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = k.Shutdown(ctx)
	_ = bus.Close()
}
