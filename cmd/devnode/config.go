package main

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ava-labs/devnode/pkg/connector"
	"github.com/ava-labs/devnode/pkg/flavors"
	"github.com/ava-labs/devnode/pkg/fork"
	"github.com/ava-labs/devnode/pkg/gateway"
	"github.com/ava-labs/devnode/pkg/metrics"
)

// Config holds all configuration for the devnode application
type Config struct {
	// Application settings
	Verbose bool

	// Backend settings
	Flavor            string
	WindowLength      time.Duration
	RequestsPerWindow uint64
	ForkURL           string
	ForkBlock         uint64
	ChainID           uint64

	// Gateway settings
	RPCEndpoint     string
	Host            string
	Port            int
	Concurrency     int64
	MaxRequestBytes int64
	ReadyTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Fork provider tuning, read from the environment
	Fork fork.Config

	// Metrics settings
	MetricsHost string
	MetricsPort int
	Environment string
}

// ListenAddr returns the JSON-RPC listen address
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// MetricsAddr returns the formatted metrics address
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsHost, c.MetricsPort)
}

// ConnectorOptions returns the options for the backend.
func (c *Config) ConnectorOptions(m *metrics.Metrics) connector.Options {
	return connector.Options{
		Flavor:            c.Flavor,
		WindowLength:      c.WindowLength,
		RPCEndpoint:       c.RPCEndpoint,
		ForkURL:           c.ForkURL,
		ForkBlock:         c.ForkBlock,
		ChainID:           c.ChainID,
		RequestsPerWindow: c.RequestsPerWindow,
		Metrics:           m,
	}
}

// GatewayOptions returns the options for the JSON-RPC gateway.
func (c *Config) GatewayOptions(m *metrics.Metrics) gateway.Options {
	return gateway.Options{
		RPCEndpoint:     c.RPCEndpoint,
		MaxRequestBytes: c.MaxRequestBytes,
		Concurrency:     c.Concurrency,
		Metrics:         m,
	}
}

// Validate checks the settings the backend and gateway do not validate themselves.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("metrics port %d out of range", c.MetricsPort))
	}
	if c.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("concurrency %d must be positive", c.Concurrency))
	}
	if c.MaxRequestBytes <= 0 {
		errs = append(errs, fmt.Errorf("max request bytes %d must be positive", c.MaxRequestBytes))
	}
	if c.ReadyTimeout <= 0 {
		errs = append(errs, errors.New("ready timeout must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}
	return errors.Join(errs...)
}

// buildConfig builds a Config from CLI context flags
func buildConfig(c *cli.Context) (*Config, error) {
	forkCfg, err := fork.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load fork config: %w", err)
	}

	cfg := &Config{
		Verbose:           c.Bool("verbose"),
		Flavor:            c.String("flavor"),
		WindowLength:      time.Duration(c.Uint64("window-length")) * time.Millisecond,
		RequestsPerWindow: c.Uint64("requests-per-window"),
		ForkURL:           c.String("fork-url"),
		ForkBlock:         c.Uint64("fork-block"),
		ChainID:           c.Uint64("chain-id"),
		RPCEndpoint:       c.String("rpc-endpoint"),
		Host:              c.String("host"),
		Port:              c.Int("port"),
		Concurrency:       c.Int64("concurrency"),
		MaxRequestBytes:   c.Int64("max-request-bytes"),
		ReadyTimeout:      c.Duration("ready-timeout"),
		ShutdownTimeout:   c.Duration("shutdown-timeout"),
		Fork:              forkCfg,
		MetricsHost:       c.String("metrics-host"),
		MetricsPort:       c.Int("metrics-port"),
		Environment:       c.String("environment"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func supportedFlavors() []string {
	return flavors.NewRegistry(fork.DefaultConfig()).Flavors()
}
