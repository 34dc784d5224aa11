// Package chainclient provides typed access to the remote node a fork is taken from.
package chainclient

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ava-labs/devnode/internal/types"
	"github.com/ava-labs/devnode/pkg/metrics"
)

// ForkSource is the remote node a fork is taken from.
type ForkSource interface {
	ChainID(ctx context.Context) (uint64, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (*types.Block, error)

	// Call forwards a raw JSON-RPC call and returns its raw result.
	Call(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error)

	Close()
}

// Dialer connects to a fork source at url.
type Dialer func(ctx context.Context, url string, m *metrics.Metrics) (ForkSource, error)

// Track records one RPC call on m. Call the returned function with the call's error.
func Track(m *metrics.Metrics, method string) func(error) {
	if m == nil {
		return func(error) {}
	}
	start := time.Now()
	m.IncRPCInFlight()
	return func(err error) {
		m.DecRPCInFlight()
		m.RecordRPCCall(method, err, time.Since(start).Seconds())
	}
}

// Args converts raw params into call arguments the RPC clients encode verbatim.
func Args(params []json.RawMessage) []any {
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p
	}
	return args
}
