package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/ava-labs/devnode/pkg/flavors"
	"github.com/ava-labs/devnode/pkg/fork"
	"github.com/ava-labs/devnode/pkg/gateway"
)

// parseConfig runs the flag set through a throwaway app and returns what buildConfig saw.
func parseConfig(t *testing.T, args ...string) (*Config, error) {
	t.Helper()

	var (
		cfg      *Config
		buildErr error
	)
	app := &cli.App{
		Name:  "devnode",
		Flags: runFlags(),
		Action: func(c *cli.Context) error {
			cfg, buildErr = buildConfig(c)
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"devnode"}, args...)))
	return cfg, buildErr
}

func validConfig() Config {
	return Config{
		Flavor:          flavors.Ethereum,
		WindowLength:    time.Second,
		RPCEndpoint:     "/",
		Host:            "127.0.0.1",
		Port:            8545,
		Concurrency:     gateway.DefaultConcurrency,
		MaxRequestBytes: gateway.DefaultMaxRequestBytes,
		ReadyTimeout:    time.Minute,
		ShutdownTimeout: time.Second,
		Fork:            fork.DefaultConfig(),
		MetricsPort:     9090,
	}
}

func TestBuildConfig_Defaults(t *testing.T) {
	cfg, err := parseConfig(t)
	require.NoError(t, err)

	require.False(t, cfg.Verbose)
	require.Equal(t, flavors.Ethereum, cfg.Flavor)
	require.Equal(t, time.Second, cfg.WindowLength)
	require.Zero(t, cfg.RequestsPerWindow)
	require.Empty(t, cfg.ForkURL)
	require.Equal(t, "/", cfg.RPCEndpoint)
	require.Equal(t, "127.0.0.1:8545", cfg.ListenAddr())
	require.Equal(t, ":9090", cfg.MetricsAddr())
	require.Equal(t, int64(gateway.DefaultConcurrency), cfg.Concurrency)
	require.Equal(t, int64(gateway.DefaultMaxRequestBytes), cfg.MaxRequestBytes)
	require.Equal(t, 2*time.Minute, cfg.ReadyTimeout)
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	require.Equal(t, fork.DefaultConfig(), cfg.Fork)
}

func TestBuildConfig_Flags(t *testing.T) {
	cfg, err := parseConfig(t,
		"--verbose",
		"--flavor", "avalanche",
		"--window-length", "250",
		"--requests-per-window", "40",
		"--fork-url", "http://127.0.0.1:9650/ext/bc/C/rpc",
		"--fork-block", "1200",
		"--chain-id", "43114",
		"--rpc-endpoint", "/rpc",
		"--host", "::1",
		"--port", "0",
		"--concurrency", "4",
		"--metrics-host", "127.0.0.1",
		"--metrics-port", "9191",
		"--environment", "ci",
	)
	require.NoError(t, err)

	require.True(t, cfg.Verbose)
	require.Equal(t, flavors.Avalanche, cfg.Flavor)
	require.Equal(t, 250*time.Millisecond, cfg.WindowLength)
	require.Equal(t, "[::1]:0", cfg.ListenAddr())
	require.Equal(t, "127.0.0.1:9191", cfg.MetricsAddr())

	opts := cfg.ConnectorOptions(nil)
	require.Equal(t, flavors.Avalanche, opts.Flavor)
	require.Equal(t, 250*time.Millisecond, opts.WindowLength)
	require.Equal(t, uint64(40), opts.RequestsPerWindow)
	require.Equal(t, "http://127.0.0.1:9650/ext/bc/C/rpc", opts.ForkURL)
	require.Equal(t, uint64(1200), opts.ForkBlock)
	require.Equal(t, uint64(43114), opts.ChainID)
	require.Equal(t, "/rpc", opts.RPCEndpoint)

	gwOpts := cfg.GatewayOptions(nil)
	require.Equal(t, "/rpc", gwOpts.RPCEndpoint)
	require.Equal(t, int64(4), gwOpts.Concurrency)
	require.Equal(t, "ci", cfg.Environment)
}

func TestBuildConfig_Env(t *testing.T) {
	t.Setenv("FLAVOR", "avalanche")
	t.Setenv("PORT", "9650")
	t.Setenv("DEVNODE_FORK_CACHE_SIZE", "64")

	cfg, err := parseConfig(t)
	require.NoError(t, err)
	require.Equal(t, flavors.Avalanche, cfg.Flavor)
	require.Equal(t, 9650, cfg.Port)
	require.Equal(t, 64, cfg.Fork.CacheSize)
}

func TestBuildConfig_Invalid(t *testing.T) {
	_, err := parseConfig(t, "--port", "70000", "--concurrency", "0")
	require.ErrorContains(t, err, "port 70000 out of range")
	require.ErrorContains(t, err, "concurrency 0 must be positive")
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "ephemeral port", mutate: func(c *Config) { c.Port = 0 }},
		{name: "negative port", mutate: func(c *Config) { c.Port = -1 }, wantErr: "port -1 out of range"},
		{name: "metrics port zero", mutate: func(c *Config) { c.MetricsPort = 0 }, wantErr: "metrics port 0 out of range"},
		{name: "no concurrency", mutate: func(c *Config) { c.Concurrency = 0 }, wantErr: "concurrency 0 must be positive"},
		{name: "no body limit", mutate: func(c *Config) { c.MaxRequestBytes = 0 }, wantErr: "max request bytes 0 must be positive"},
		{name: "no ready timeout", mutate: func(c *Config) { c.ReadyTimeout = 0 }, wantErr: "ready timeout must be positive"},
		{name: "no shutdown timeout", mutate: func(c *Config) { c.ShutdownTimeout = 0 }, wantErr: "shutdown timeout must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestSupportedFlavors(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{flavors.Avalanche, flavors.Ethereum}, supportedFlavors())
}
