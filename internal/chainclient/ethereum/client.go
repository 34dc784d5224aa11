package ethereum

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ava-labs/libevm/ethclient"
	"github.com/ava-labs/libevm/rpc"

	"github.com/ava-labs/devnode/internal/chainclient"
	"github.com/ava-labs/devnode/internal/types"
	"github.com/ava-labs/devnode/pkg/metrics"
)

// Client wraps the underlying RPC and eth clients.
type Client struct {
	rpc     *rpc.Client
	eth     *ethclient.Client
	metrics *metrics.Metrics // nil if metrics disabled
}

var _ chainclient.ForkSource = (*Client)(nil)

// Dial creates a new Ethereum client. It satisfies chainclient.Dialer.
func Dial(ctx context.Context, url string, m *metrics.Metrics) (chainclient.ForkSource, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum rpc: %w", err)
	}
	return &Client{
		rpc:     c,
		eth:     ethclient.NewClient(c),
		metrics: m,
	}, nil
}

func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	done := chainclient.Track(c.metrics, "eth_chainId")
	id, err := c.eth.ChainID(ctx)
	done(err)
	if err != nil {
		return 0, fmt.Errorf("get chain id: %w", err)
	}
	return id.Uint64(), nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	done := chainclient.Track(c.metrics, "eth_blockNumber")
	n, err := c.eth.BlockNumber(ctx)
	done(err)
	if err != nil {
		return 0, fmt.Errorf("get block number: %w", err)
	}
	return n, nil
}

func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	done := chainclient.Track(c.metrics, "eth_getBlockByNumber")
	h, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	done(err)
	if err != nil {
		return nil, fmt.Errorf("get header by number %d: %w", number, err)
	}
	return types.FromHeader(h), nil
}

func (c *Client) Call(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	done := chainclient.Track(c.metrics, method)
	var result json.RawMessage
	err := c.rpc.CallContext(ctx, &result, method, chainclient.Args(params)...)
	done(err)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return result, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	c.rpc.Close()
}
