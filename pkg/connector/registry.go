package connector

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"
)

// StartFunc brings a backend up. It runs in its own goroutine after the factory
// returned.
type StartFunc func(ctx context.Context) error

// Factory builds a backend synchronously. Contacting remote systems belongs in the
// returned StartFunc, which may be nil when there is nothing to wait for.
type Factory func(log *zap.SugaredLogger, opts Options) (Connector, StartFunc, error)

// Registry maps a flavor name to the factory that builds its backend.
type Registry map[string]Factory

// Flavors returns the registered flavor names in sorted order.
func (r Registry) Flavors() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Initialize validates opts and builds the backend for flavor. Configuration
// problems are returned synchronously wrapping ErrConfiguration. Startup then
// proceeds in the background; the returned Ready resolves with nil or an error
// wrapping ErrUpstreamUnavailable.
func (r Registry) Initialize(
	ctx context.Context,
	log *zap.SugaredLogger,
	flavor string,
	opts Options,
) (Connector, *Ready, error) {
	if log == nil {
		return nil, nil, errors.New("invalid logger: must not be nil")
	}

	factory, ok := r[flavor]
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown flavor %q (known: %s)",
			ErrConfiguration, flavor, strings.Join(r.Flavors(), ", "))
	}

	opts.Flavor = flavor
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	conn, start, err := factory(log.With("flavor", flavor), opts)
	if err != nil {
		if !errors.Is(err, ErrConfiguration) {
			err = fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		return nil, nil, err
	}

	ready := NewReady()
	if start == nil {
		ready.Resolve(nil)
		return conn, ready, nil
	}

	go func() {
		err := start(ctx)
		if err != nil && !errors.Is(err, ErrUpstreamUnavailable) {
			err = fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
		}
		if err != nil {
			log.Errorw("backend startup failed", "flavor", flavor, "error", err)
		} else {
			log.Infow("backend ready", "flavor", flavor)
		}
		ready.Resolve(err)
	}()
	return conn, ready, nil
}
