package connector

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ava-labs/devnode/pkg/metrics"
)

const (
	DefaultWindowLength = time.Second
	DefaultRPCEndpoint  = "/"
)

// Options configures a backend.
type Options struct {
	Flavor       string
	WindowLength time.Duration // rate limiting window for fork source requests
	RPCEndpoint  string        // path the gateway serves JSON-RPC on

	ForkURL           string // empty starts a fresh chain
	ForkBlock         uint64 // 0 pins the fork source's latest block
	ChainID           uint64 // 0 uses the fork source's chain ID
	RequestsPerWindow uint64 // 0 disables rate limiting

	Clock   clock.Clock      // nil uses the wall clock
	Metrics *metrics.Metrics // nil if metrics disabled
}

// Validate checks the options independent of the flavor.
func (o Options) Validate() error {
	var errs []error
	if o.Flavor == "" {
		errs = append(errs, errors.New("flavor must not be empty"))
	}
	if o.WindowLength < time.Millisecond {
		errs = append(errs, fmt.Errorf("window length %s must be at least 1ms", o.WindowLength))
	}
	if !strings.HasPrefix(o.RPCEndpoint, "/") {
		errs = append(errs, fmt.Errorf("rpc endpoint %q must start with /", o.RPCEndpoint))
	}
	if o.ForkURL != "" {
		u, err := url.Parse(o.ForkURL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("fork url: %w", err))
		case u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss":
			errs = append(errs, fmt.Errorf("fork url %q: unsupported scheme %q", o.ForkURL, u.Scheme))
		case u.Host == "":
			errs = append(errs, fmt.Errorf("fork url %q: missing host", o.ForkURL))
		}
	}
	if o.ForkURL == "" && o.ForkBlock != 0 {
		errs = append(errs, errors.New("fork block requires a fork url"))
	}
	return errors.Join(errs...)
}

// WithDefaults fills unset window length and endpoint.
func (o Options) WithDefaults() Options {
	if o.WindowLength == 0 {
		o.WindowLength = DefaultWindowLength
	}
	if o.RPCEndpoint == "" {
		o.RPCEndpoint = DefaultRPCEndpoint
	}
	return o
}
