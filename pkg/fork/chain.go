package fork

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ava-labs/libevm/common"
	"github.com/ava-labs/libevm/common/hexutil"
	"github.com/google/uuid"

	"github.com/ava-labs/devnode/internal/types"
	"github.com/ava-labs/devnode/pkg/connector"
	"github.com/ava-labs/devnode/pkg/jsonrpc"
)

const newHeads = "newHeads"

type subscription struct {
	id       string
	notifier connector.Notifier
}

// getBlockByNumber serves local blocks and forwards heights below the fork block.
func (p *Provider) getBlockByNumber(ctx context.Context, req *jsonrpc.Request) (any, error) {
	var (
		tagParam json.RawMessage
		full     bool
	)
	if err := req.DecodeParams(&tagParam, &full); err != nil {
		return nil, err
	}
	tag, err := parseBlockTag(tagParam)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	base := p.blocks[0].Number
	head := p.blocks[len(p.blocks)-1]
	var number uint64
	switch {
	case tag.number != nil:
		number = *tag.number
	case tag.name == "earliest":
		number = 0
	default:
		number = head.Number
	}
	var local *types.Block
	if number >= base && number <= head.Number {
		local = p.blocks[number-base]
	}
	p.mu.RUnlock()

	switch {
	case local != nil:
		return local, nil
	case number > head.Number:
		return nil, nil
	}
	return p.forward(ctx, req)
}

// getBlockByHash serves local blocks and forwards unknown hashes.
func (p *Provider) getBlockByHash(ctx context.Context, req *jsonrpc.Request) (any, error) {
	var hash common.Hash
	if err := req.DecodeParams(&hash, new(bool)); err != nil {
		return nil, err
	}
	p.mu.RLock()
	for _, b := range p.blocks {
		if b.Hash == hash {
			p.mu.RUnlock()
			return b, nil
		}
	}
	forking := p.source != nil
	p.mu.RUnlock()

	if !forking {
		return nil, nil
	}
	return p.forward(ctx, req)
}

// mineRequest serves evm_mine with an optional timestamp parameter.
func (p *Provider) mineRequest(req *jsonrpc.Request) (any, error) {
	var ts *hexutil.Uint64
	if err := req.DecodeParams(&ts); err != nil {
		return nil, err
	}
	var at uint64
	if ts != nil {
		at = uint64(*ts)
	}
	if _, err := p.Mine(at); err != nil {
		return nil, err
	}
	return "0x0", nil
}

// Mine appends an empty block and notifies newHeads subscribers. A zero timestamp
// uses the clock. Timestamps never go backwards.
func (p *Provider) Mine(timestamp uint64) (*types.Block, error) {
	if timestamp == 0 {
		timestamp = uint64(p.clock.Now().Unix())
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errClosed
	}
	parent := p.blocks[len(p.blocks)-1]
	if timestamp <= parent.Time {
		timestamp = parent.Time + 1
	}
	block := parent.Child(timestamp)
	p.blocks = append(p.blocks, block)
	subs := make([]*subscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.Unlock()

	p.metrics.RecordMinedBlock(block.Number)
	p.log.Debugw("mined block", "number", block.Number, "hash", block.Hash, "subscribers", len(subs))

	for _, s := range subs {
		err := s.notifier.Notify(&jsonrpc.Notification{
			JSONRPC: jsonrpc.Version,
			Method:  "eth_subscription",
			Params:  jsonrpc.SubscriptionResult{Subscription: s.id, Result: block},
		})
		if err != nil {
			p.log.Warnw("failed to deliver newHeads notification",
				"subscription", s.id,
				"connection", s.notifier.ID(),
				"error", err,
			)
		}
	}
	return block, nil
}

func (p *Provider) subscribe(n connector.Notifier, req *jsonrpc.Request) (any, error) {
	if n == nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "notifications not supported")
	}
	var kind string
	if err := req.DecodeParams(&kind); err != nil {
		return nil, err
	}
	if kind != newHeads {
		return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "unsupported subscription %q", kind)
	}

	s := &subscription{
		id:       "0x" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		notifier: n,
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errClosed
	}
	p.subs[s.id] = s
	count := len(p.subs)
	p.mu.Unlock()
	p.metrics.SetSubscriptions(count)

	go func() {
		<-n.Done()
		p.drop(s.id)
	}()
	return s.id, nil
}

func (p *Provider) unsubscribe(n connector.Notifier, req *jsonrpc.Request) (any, error) {
	if n == nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "notifications not supported")
	}
	var id string
	if err := req.DecodeParams(&id); err != nil {
		return nil, err
	}
	p.mu.RLock()
	s, ok := p.subs[id]
	p.mu.RUnlock()
	if !ok || s.notifier.ID() != n.ID() {
		return false, nil
	}
	return p.drop(id), nil
}

// drop removes a subscription and reports whether it existed.
func (p *Provider) drop(id string) bool {
	p.mu.Lock()
	_, ok := p.subs[id]
	delete(p.subs, id)
	count := len(p.subs)
	p.mu.Unlock()
	if ok {
		p.metrics.SetSubscriptions(count)
	}
	return ok
}

// Subscriptions returns the number of active subscriptions.
func (p *Provider) Subscriptions() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}
