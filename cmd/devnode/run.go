package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/devnode/pkg/connector"
	"github.com/ava-labs/devnode/pkg/flavors"
	"github.com/ava-labs/devnode/pkg/gateway"
	"github.com/ava-labs/devnode/pkg/metrics"
	"github.com/ava-labs/devnode/pkg/utils"
)

const metricsShutdownTimeout = 5 * time.Second

func run(c *cli.Context) error {
	// Build configuration from CLI flags
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	sugar.Infow("config",
		"verbose", cfg.Verbose,
		"flavor", cfg.Flavor,
		"windowLength", cfg.WindowLength,
		"requestsPerWindow", cfg.RequestsPerWindow,
		"forkURL", utils.RedactURL(cfg.ForkURL),
		"forkBlock", cfg.ForkBlock,
		"chainID", cfg.ChainID,
		"rpcEndpoint", cfg.RPCEndpoint,
		"listenAddr", cfg.ListenAddr(),
		"concurrency", cfg.Concurrency,
		"maxRequestBytes", cfg.MaxRequestBytes,
		"forkCacheSize", cfg.Fork.CacheSize,
		"forkStartRetries", cfg.Fork.StartRetries,
		"forkRequestTimeout", cfg.Fork.RequestTimeout,
		"metricsHost", cfg.MetricsHost,
		"metricsPort", cfg.MetricsPort,
		"environment", cfg.Environment,
	)

	// Initialize Prometheus metrics with labels for multi-instance filtering
	registry := prometheus.NewRegistry()
	m, err := metrics.NewWithLabels(registry, metrics.Labels{
		EVMChainID:  cfg.ChainID,
		Environment: cfg.Environment,
		Flavor:      cfg.Flavor,
	})
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Configuration errors surface here, before anything listens.
	conn, ready, err := flavors.NewRegistry(cfg.Fork).Initialize(ctx, sugar, cfg.Flavor, cfg.ConnectorOptions(m))
	if err != nil {
		return fmt.Errorf("failed to initialize backend: %w", err)
	}

	// Start metrics server
	metricsServer := metrics.NewServer(cfg.MetricsAddr(), registry, metrics.WithHealthCheck(ready.Err))
	metricsErrCh := metricsServer.Start()
	if cfg.MetricsHost == "" {
		sugar.Infof("metrics server listening on http://0.0.0.0:%d/metrics", cfg.MetricsPort)
	} else {
		sugar.Infof("metrics server listening on http://%s/metrics", cfg.MetricsAddr())
	}
	defer shutdownMetrics(sugar, metricsServer)

	gw, err := gateway.New(sugar, conn, cfg.GatewayOptions(m))
	if err != nil {
		closeConnector(sugar, conn, cfg.ShutdownTimeout)
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	sugar.Infow("waiting for backend", "timeout", cfg.ReadyTimeout)
	readyCtx, cancelReady := context.WithTimeout(ctx, cfg.ReadyTimeout)
	err = ready.Wait(readyCtx)
	cancelReady()
	if err != nil {
		closeConnector(sugar, conn, cfg.ShutdownTimeout)
		return fmt.Errorf("backend not ready: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		closeConnector(sugar, conn, cfg.ShutdownTimeout)
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr(), err)
	}
	gatewayErrCh := gw.Serve(ln)
	sugar.Infof("JSON-RPC listening on http://%s%s", gw.Addr(), cfg.RPCEndpoint)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case err := <-gatewayErrCh:
			if err != nil {
				return fmt.Errorf("gateway failed: %w", err)
			}
			return nil
		}
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-metricsErrCh:
			if err != nil {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		sugar.Infow("exiting due to context cancellation")
		err = nil
	} else if err != nil {
		sugar.Errorw("run failed", "error", err)
	}

	// Close the gateway, which closes every connection and the backend
	sugar.Info("shutting down gateway")
	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if closeErr := gw.Close(closeCtx); closeErr != nil {
		sugar.Warnw("gateway shutdown error", "error", closeErr)
	}

	sugar.Info("shutdown complete")
	return err
}

func closeConnector(sugar *zap.SugaredLogger, conn connector.Connector, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		sugar.Warnw("backend close error", "error", err)
	}
}

// shutdownMetrics gracefully stops the metrics server
func shutdownMetrics(sugar *zap.SugaredLogger, srv *metrics.Server) {
	sugar.Info("shutting down metrics server")
	ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		sugar.Warnw("metrics server shutdown error", "error", err)
	}
}
