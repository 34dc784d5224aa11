// Package fork implements the EVM development backend: a local chain that either
// starts fresh or continues from a pinned block of a remote fork source, serving
// state it does not hold itself by forwarding to that source.
package fork

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ava-labs/libevm/common/hexutil"
	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ava-labs/devnode/internal/chainclient"
	"github.com/ava-labs/devnode/internal/types"
	"github.com/ava-labs/devnode/pkg/connector"
	"github.com/ava-labs/devnode/pkg/jsonrpc"
	"github.com/ava-labs/devnode/pkg/metrics"
	"github.com/ava-labs/devnode/pkg/slidingwindow"
)

// usageWarnRatio is the share of the request budget at which the usage watchdog warns.
const usageWarnRatio = 0.8

var errClosed = errors.New("backend closed")

// Provider is a connector.Connector backed by a local chain and an optional fork source.
type Provider struct {
	log     *zap.SugaredLogger
	cfg     Config
	opts    connector.Options
	dial    chainclient.Dialer
	clock   clock.Clock
	metrics *metrics.Metrics

	limiter *slidingwindow.Limiter
	sem     *semaphore.Weighted
	cache   *lru.Cache[string, []byte]

	mu        sync.RWMutex
	source    chainclient.ForkSource // nil on a fresh chain
	chainID   uint64
	forkBlock uint64
	blocks    []*types.Block // local blocks; blocks[0] is the fork block or genesis
	subs      map[string]*subscription
	closed    bool

	closeOnce     sync.Once
	stopWatchdog  context.CancelFunc
	watchdogDone  chan struct{}
	watchdogStart sync.Once
}

var _ connector.Connector = (*Provider)(nil)

// New creates a Provider. It does not contact the fork source; call Start for that.
func New(log *zap.SugaredLogger, cfg Config, opts connector.Options, dial chainclient.Dialer) (*Provider, error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", connector.ErrConfiguration, err)
	}
	if opts.ForkURL != "" && dial == nil {
		return nil, fmt.Errorf("%w: no fork source dialer for flavor %q", connector.ErrConfiguration, opts.Flavor)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	limiter, err := slidingwindow.NewLimiter(clk, opts.WindowLength, opts.RequestsPerWindow)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", connector.ErrConfiguration, err)
	}
	cache, err := lru.New[string, []byte](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: fork cache: %w", connector.ErrConfiguration, err)
	}

	return &Provider{
		log:     log,
		cfg:     cfg,
		opts:    opts,
		dial:    dial,
		clock:   clk,
		metrics: opts.Metrics,
		limiter: limiter,
		sem:     semaphore.NewWeighted(cfg.Concurrency),
		cache:   cache,
		subs:    make(map[string]*subscription),
	}, nil
}

// Start prepares the local chain. With a fork URL it pins the fork block on the
// fork source, retrying with backoff; the returned error then wraps
// connector.ErrUpstreamUnavailable.
func (p *Provider) Start(ctx context.Context) error {
	if p.opts.ForkURL == "" {
		chainID := p.opts.ChainID
		if chainID == 0 {
			chainID = DefaultChainID
		}
		genesis := types.Genesis(chainID, uint64(p.clock.Now().Unix()))
		p.mu.Lock()
		p.chainID = chainID
		p.blocks = []*types.Block{genesis}
		p.mu.Unlock()
		p.metrics.SetHead(genesis.Number)
		p.log.Infow("started fresh chain", "chainID", chainID, "genesis", genesis.Hash)
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= p.cfg.StartRetries; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", connector.ErrUpstreamUnavailable, ctx.Err())
		}

		lastErr = p.pin(ctx)
		if lastErr == nil {
			p.startWatchdog()
			return nil
		}
		if errors.Is(lastErr, errClosed) {
			return fmt.Errorf("%w: %w", connector.ErrUpstreamUnavailable, lastErr)
		}
		p.log.Warnw("fork source not reachable",
			"attempt", attempt+1,
			"maxAttempts", p.cfg.StartRetries+1,
			"error", lastErr,
		)

		// Don't sleep after the last attempt
		if attempt < p.cfg.StartRetries {
			timer := p.clock.Timer(p.cfg.RetryBackoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%w: %w", connector.ErrUpstreamUnavailable, ctx.Err())
			}
		}
	}
	return fmt.Errorf("%w: fork %s after %d attempts: %w",
		connector.ErrUpstreamUnavailable, p.opts.ForkURL, p.cfg.StartRetries+1, lastErr)
}

// pin dials the fork source and records the fork block.
func (p *Provider) pin(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	src, err := p.dial(dialCtx, p.opts.ForkURL, p.metrics)
	if err != nil {
		return err
	}

	chainID, forkBlock, block, err := p.describe(ctx, src)
	if err != nil {
		src.Close()
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		src.Close()
		return errClosed
	}
	p.source = src
	p.chainID = chainID
	p.forkBlock = forkBlock
	p.blocks = []*types.Block{block}
	p.mu.Unlock()

	p.metrics.SetHead(forkBlock)
	p.log.Infow("forked chain",
		"chainID", chainID,
		"forkBlock", forkBlock,
		"forkHash", block.Hash,
	)
	return nil
}

// describe reads the chain ID and the fork block from src.
func (p *Provider) describe(ctx context.Context, src chainclient.ForkSource) (uint64, uint64, *types.Block, error) {
	var upstreamID uint64
	err := p.upstream(ctx, func(ctx context.Context) (err error) {
		upstreamID, err = src.ChainID(ctx)
		return err
	})
	if err != nil {
		return 0, 0, nil, err
	}
	chainID := upstreamID
	if p.opts.ChainID != 0 && p.opts.ChainID != upstreamID {
		p.log.Warnw("overriding fork source chain ID", "upstream", upstreamID, "configured", p.opts.ChainID)
		chainID = p.opts.ChainID
	}

	var head uint64
	err = p.upstream(ctx, func(ctx context.Context) (err error) {
		head, err = src.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, 0, nil, err
	}
	forkBlock := head
	if p.opts.ForkBlock != 0 {
		if p.opts.ForkBlock > head {
			return 0, 0, nil, fmt.Errorf("fork block %d is ahead of the fork source head %d", p.opts.ForkBlock, head)
		}
		forkBlock = p.opts.ForkBlock
	}

	var block *types.Block
	err = p.upstream(ctx, func(ctx context.Context) (err error) {
		block, err = src.BlockByNumber(ctx, forkBlock)
		return err
	})
	if err != nil {
		return 0, 0, nil, err
	}
	return chainID, forkBlock, block, nil
}

func (p *Provider) startWatchdog() {
	if p.opts.RequestsPerWindow == 0 {
		return
	}
	p.watchdogStart.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		p.stopWatchdog = cancel
		p.watchdogDone = make(chan struct{})
		go func() {
			defer close(p.watchdogDone)
			slidingwindow.StartUsageWatchdog(ctx, p.log, p.limiter, p.metrics, p.cfg.UsageInterval, usageWarnRatio)
		}()
	})
}

// Limiter returns the limiter governing fork source calls.
func (p *Provider) Limiter() *slidingwindow.Limiter {
	return p.limiter
}

// Close drops all subscriptions and releases the fork source. It is idempotent.
func (p *Provider) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		src := p.source
		p.source = nil
		p.subs = make(map[string]*subscription)
		p.mu.Unlock()
		p.metrics.SetSubscriptions(0)

		// Blocks a concurrent startWatchdog so stopWatchdog is stable below.
		p.watchdogStart.Do(func() {})
		if p.stopWatchdog != nil {
			p.stopWatchdog()
			select {
			case <-p.watchdogDone:
			case <-ctx.Done():
			}
		}
		if src != nil {
			src.Close()
		}
		p.log.Infow("backend closed")
	})
	return nil
}

// Handle serves one JSON-RPC request.
func (p *Provider) Handle(ctx context.Context, n connector.Notifier, req *jsonrpc.Request) (any, error) {
	p.mu.RLock()
	closed, started := p.closed, len(p.blocks) > 0
	p.mu.RUnlock()
	if closed {
		return nil, errClosed
	}
	if !started {
		return nil, connector.ErrNotReady
	}

	switch req.Method {
	case "web3_clientVersion":
		return p.cfg.ClientVersion, nil
	case "net_version":
		return strconv.FormatUint(p.ChainID(), 10), nil
	case "net_listening":
		return true, nil
	case "eth_chainId":
		return hexutil.Uint64(p.ChainID()), nil
	case "eth_blockNumber":
		return hexutil.Uint64(p.Head().Number), nil
	case "eth_getBlockByNumber":
		return p.getBlockByNumber(ctx, req)
	case "eth_getBlockByHash":
		return p.getBlockByHash(ctx, req)
	case "evm_mine":
		return p.mineRequest(req)
	case "eth_subscribe":
		return p.subscribe(n, req)
	case "eth_unsubscribe":
		return p.unsubscribe(n, req)
	}
	return p.forward(ctx, req)
}

// ChainID returns the chain ID the node reports.
func (p *Provider) ChainID() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.chainID
}

// Head returns the latest local block.
func (p *Provider) Head() *types.Block {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.blocks[len(p.blocks)-1]
}

// upstream runs one fork source call under the rate limit, the concurrency bound
// and the request timeout.
func (p *Provider) upstream(ctx context.Context, call func(context.Context) error) error {
	if err := p.limiter.Reserve(); err != nil {
		var rle *slidingwindow.RateLimitError
		if !errors.As(err, &rle) {
			return err
		}
		p.metrics.RecordRateLimitDecision(false)
		p.log.Debugw("throttling fork source call", "retryAfter", rle.RetryAfter, "estimate", rle.Estimate)
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("wait for fork source budget: %w", err)
		}
	} else {
		p.metrics.RecordRateLimitDecision(true)
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for fork source slot: %w", err)
	}
	defer p.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()
	start := time.Now()
	err := call(callCtx)
	if err != nil {
		p.log.Debugw("fork source call failed", "duration", time.Since(start), "error", err)
	}
	return err
}
