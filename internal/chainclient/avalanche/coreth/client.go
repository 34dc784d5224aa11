package coreth

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/ava-labs/coreth/plugin/evm/customethclient"
	"github.com/ava-labs/coreth/plugin/evm/customtypes"
	"github.com/ava-labs/coreth/rpc"
	"github.com/ava-labs/libevm/common/hexutil"

	"github.com/ava-labs/devnode/internal/chainclient"
	"github.com/ava-labs/devnode/internal/types"
	"github.com/ava-labs/devnode/pkg/metrics"
)

var registerCustomTypesOnce sync.Once

// Client wraps the underlying RPC and eth clients.
type Client struct {
	rpc     *rpc.Client
	eth     *customethclient.Client
	metrics *metrics.Metrics // nil if metrics disabled
}

var _ chainclient.ForkSource = (*Client)(nil)

// Dial creates a new Coreth client. It satisfies chainclient.Dialer.
func Dial(ctx context.Context, url string, m *metrics.Metrics) (chainclient.ForkSource, error) {
	registerCustomTypesOnce.Do(func() {
		customtypes.Register()
	})

	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial coreth rpc: %w", err)
	}

	return &Client{
		rpc:     c,
		eth:     customethclient.New(c),
		metrics: m,
	}, nil
}

func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	done := chainclient.Track(c.metrics, "eth_chainId")
	var id hexutil.Big
	err := c.rpc.CallContext(ctx, &id, "eth_chainId")
	done(err)
	if err != nil {
		return 0, fmt.Errorf("get chain id: %w", err)
	}
	return id.ToInt().Uint64(), nil
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
	block, err := c.eth.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	done(err)
	if err != nil {
		return nil, fmt.Errorf("get block by number %d: %w", number, err)
	}
	return mapToInternalBlock(block), nil
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
