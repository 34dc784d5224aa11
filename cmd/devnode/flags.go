package main

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/devnode/pkg/connector"
	"github.com/ava-labs/devnode/pkg/flavors"
	"github.com/ava-labs/devnode/pkg/gateway"
)

// runFlags returns all CLI flags for the devnode run command
func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
			EnvVars: []string{"VERBOSE"},
			Value:   false,
		},
		&cli.StringFlag{
			Name:    "flavor",
			Aliases: []string{"f"},
			Usage:   "The backend to run (ethereum or avalanche)",
			EnvVars: []string{"FLAVOR"},
			Value:   flavors.Ethereum,
		},
		&cli.Uint64Flag{
			Name:    "window-length",
			Aliases: []string{"w"},
			Usage:   "Length in milliseconds of the rate limiting window for fork source requests",
			EnvVars: []string{"WINDOW_LENGTH"},
			Value:   uint64(connector.DefaultWindowLength.Milliseconds()),
		},
		&cli.Uint64Flag{
			Name:    "requests-per-window",
			Usage:   "Maximum fork source requests per window (0 disables rate limiting)",
			EnvVars: []string{"REQUESTS_PER_WINDOW"},
		},
		&cli.StringFlag{
			Name:    "rpc-endpoint",
			Usage:   "Path serving both HTTP and WebSocket JSON-RPC",
			EnvVars: []string{"RPC_ENDPOINT"},
			Value:   connector.DefaultRPCEndpoint,
		},
		&cli.StringFlag{
			Name:    "host",
			Usage:   "Host to listen on",
			EnvVars: []string{"HOST"},
			Value:   "127.0.0.1",
		},
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Port to listen on",
			EnvVars: []string{"PORT"},
			Value:   8545,
		},
		&cli.StringFlag{
			Name:    "fork-url",
			Aliases: []string{"F"},
			Usage:   "RPC URL of the network to fork; a fresh chain starts when empty",
			EnvVars: []string{"FORK_URL"},
		},
		&cli.Uint64Flag{
			Name:    "fork-block",
			Usage:   "Block height to fork from (0 forks the latest block)",
			EnvVars: []string{"FORK_BLOCK"},
		},
		&cli.Uint64Flag{
			Name:    "chain-id",
			Aliases: []string{"C"},
			Usage:   "Chain ID to report (0 uses the fork source's chain ID, or 1337 on a fresh chain)",
			EnvVars: []string{"CHAIN_ID"},
		},
		&cli.Int64Flag{
			Name:    "concurrency",
			Aliases: []string{"c"},
			Usage:   "Maximum concurrent dispatches per WebSocket connection or batch",
			EnvVars: []string{"CONCURRENCY"},
			Value:   gateway.DefaultConcurrency,
		},
		&cli.Int64Flag{
			Name:    "max-request-bytes",
			Usage:   "Largest accepted HTTP body or WebSocket message",
			EnvVars: []string{"MAX_REQUEST_BYTES"},
			Value:   gateway.DefaultMaxRequestBytes,
		},
		&cli.DurationFlag{
			Name:    "ready-timeout",
			Usage:   "How long to wait for the backend to become ready",
			EnvVars: []string{"READY_TIMEOUT"},
			Value:   2 * time.Minute,
		},
		&cli.DurationFlag{
			Name:    "shutdown-timeout",
			Usage:   "How long to wait for connections to close on shutdown",
			EnvVars: []string{"SHUTDOWN_TIMEOUT"},
			Value:   10 * time.Second,
		},
		&cli.StringFlag{
			Name:    "metrics-host",
			Usage:   "Host for Prometheus metrics server (empty for all interfaces)",
			EnvVars: []string{"METRICS_HOST"},
			Value:   "",
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Aliases: []string{"m"},
			Usage:   "Port for Prometheus metrics server",
			EnvVars: []string{"METRICS_PORT"},
			Value:   9090,
		},
		&cli.StringFlag{
			Name:    "environment",
			Aliases: []string{"E"},
			Usage:   "Deployment environment for metrics labels (e.g., 'local', 'ci')",
			EnvVars: []string{"ENVIRONMENT"},
			Value:   "",
		},
	}
}
