// Package connector defines the contract between the request gateway and a network
// backend, and the registry that builds backends by flavor.
package connector

import (
	"context"
	"errors"

	"github.com/ava-labs/devnode/pkg/jsonrpc"
)

var (
	// ErrConfiguration is returned for an unknown flavor or invalid options. It is
	// always reported before any listener exists.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrUpstreamUnavailable is returned when the backend cannot reach its fork source.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// Connector dispatches JSON-RPC requests to a network backend.
type Connector interface {
	// Handle serves one request. n is nil when the transport cannot carry
	// notifications (plain HTTP).
	Handle(ctx context.Context, n Notifier, req *jsonrpc.Request) (any, error)

	// Close releases the backend. It must be safe to call more than once.
	Close(ctx context.Context) error
}

// Notifier pushes server-initiated messages to one client connection.
type Notifier interface {
	// ID identifies the connection.
	ID() string

	// Notify sends n to the client. Notifying a closed connection is a no-op.
	Notify(n *jsonrpc.Notification) error

	// Done is closed when the connection has closed.
	Done() <-chan struct{}
}
