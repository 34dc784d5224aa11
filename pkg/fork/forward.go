package fork

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"
	"strconv"

	"github.com/ava-labs/libevm/common"
	"github.com/ava-labs/libevm/common/hexutil"

	"github.com/ava-labs/devnode/pkg/accesslist"
	"github.com/ava-labs/devnode/pkg/jsonrpc"
)

// stateMethods maps state queries to the position of their block parameter.
var stateMethods = map[string]int{
	"eth_getBalance":          1,
	"eth_getCode":             1,
	"eth_getTransactionCount": 1,
	"eth_getStorageAt":        2,
	"eth_call":                1,
	"eth_estimateGas":         1,
	"eth_getProof":            2,
}

// historicalMethods return data that cannot change once it exists on the fork source.
var historicalMethods = map[string]bool{
	"eth_getBlockByNumber":      true,
	"eth_getBlockByHash":        true,
	"eth_getTransactionByHash":  true,
	"eth_getTransactionReceipt": true,
	"eth_getBlockReceipts":      true,
}

// blockTag is a decoded block parameter: a name, a height or an EIP-1898 hash.
type blockTag struct {
	name   string
	number *uint64
	hash   *common.Hash
}

func parseBlockTag(raw json.RawMessage) (blockTag, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return blockTag{name: "latest"}, nil
	}

	if raw[0] == '{' {
		var obj struct {
			BlockNumber *hexutil.Uint64 `json:"blockNumber"`
			BlockHash   *common.Hash    `json:"blockHash"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return blockTag{}, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "invalid block parameter: %v", err)
		}
		switch {
		case obj.BlockHash != nil && obj.BlockNumber != nil:
			return blockTag{}, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "block parameter must not set both blockHash and blockNumber")
		case obj.BlockHash != nil:
			return blockTag{hash: obj.BlockHash}, nil
		case obj.BlockNumber != nil:
			n := uint64(*obj.BlockNumber)
			return blockTag{number: &n}, nil
		}
		return blockTag{}, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "block parameter must set blockHash or blockNumber")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return blockTag{}, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "invalid block parameter: %v", err)
	}
	switch s {
	case "latest", "pending", "safe", "finalized", "earliest":
		return blockTag{name: s}, nil
	}
	n, err := hexutil.DecodeUint64(s)
	if err != nil {
		return blockTag{}, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "invalid block parameter %q: %v", s, err)
	}
	return blockTag{number: &n}, nil
}

// pinParams rewrites the block parameter at idx so it never names state past the
// fork block. isLocal reports whether a hash belongs to a locally mined block.
func pinParams(params []json.RawMessage, idx int, forkBlock uint64, isLocal func(common.Hash) bool) ([]json.RawMessage, error) {
	pinned := json.RawMessage(strconv.Quote(hexutil.EncodeUint64(forkBlock)))
	out := slices.Clone(params)
	if len(out) == idx {
		return append(out, pinned), nil
	}
	if len(out) < idx {
		return out, nil
	}

	tag, err := parseBlockTag(out[idx])
	if err != nil {
		return nil, err
	}
	switch {
	case tag.hash != nil:
		if isLocal(*tag.hash) {
			out[idx] = pinned
		}
	case tag.number != nil:
		if *tag.number > forkBlock {
			out[idx] = pinned
		}
	case tag.name == "earliest":
	default:
		out[idx] = pinned
	}
	return out, nil
}

// forward relays req to the fork source through the response cache.
func (p *Provider) forward(ctx context.Context, req *jsonrpc.Request) (any, error) {
	p.mu.RLock()
	src, forkBlock, closed := p.source, p.forkBlock, p.closed
	p.mu.RUnlock()
	if closed {
		return nil, errClosed
	}
	if src == nil {
		return nil, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "method %s not supported without a fork", req.Method)
	}

	params, err := req.RawParams()
	if err != nil {
		return nil, err
	}

	cacheable := historicalMethods[req.Method]
	if idx, ok := stateMethods[req.Method]; ok {
		if req.Method == "eth_call" || req.Method == "eth_estimateGas" {
			if err := p.checkAccessList(params); err != nil {
				return nil, err
			}
		}
		params, err = pinParams(params, idx, forkBlock, p.isLocalHash)
		if err != nil {
			return nil, err
		}
		cacheable = true
	}

	key := cacheKey(req.Method, params)
	if cacheable {
		if v, ok := p.cache.Get(key); ok {
			p.metrics.RecordCacheLookup(true)
			return json.RawMessage(v), nil
		}
		p.metrics.RecordCacheLookup(false)
	}

	var result json.RawMessage
	err = p.upstream(ctx, func(ctx context.Context) (err error) {
		result, err = src.Call(ctx, req.Method, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	if historicalMethods[req.Method] && minedAfter(req.Method, result, forkBlock) {
		p.log.Debugw("hiding fork source data past the fork block",
			"method", req.Method,
			"forkBlock", forkBlock,
		)
		return nil, nil
	}
	if cacheable && !bytes.Equal(result, []byte("null")) {
		p.cache.Add(key, result)
	}
	return result, nil
}

// minedAfter reports whether a block, transaction or receipt returned by the fork
// source lies past forkBlock or is still pending there. Such data is not part of
// the forked chain.
func minedAfter(method string, result json.RawMessage, forkBlock uint64) bool {
	item := bytes.TrimSpace(result)
	if method == "eth_getBlockReceipts" {
		var receipts []json.RawMessage
		if err := json.Unmarshal(item, &receipts); err != nil || len(receipts) == 0 {
			return false
		}
		item = receipts[0]
	}
	if len(item) == 0 || item[0] != '{' {
		return false
	}

	var obj struct {
		Number      *hexutil.Uint64 `json:"number"`
		BlockNumber *hexutil.Uint64 `json:"blockNumber"`
	}
	if err := json.Unmarshal(item, &obj); err != nil {
		return false
	}
	height := obj.BlockNumber
	if method == "eth_getBlockByNumber" || method == "eth_getBlockByHash" {
		height = obj.Number
	}
	return height == nil || uint64(*height) > forkBlock
}

// checkAccessList rejects call objects carrying a malformed access list before any
// fork source budget is spent.
func (p *Provider) checkAccessList(params []json.RawMessage) error {
	if len(params) == 0 {
		return nil
	}
	data, err := accesslist.FromCallArgs(params[0])
	if err != nil {
		return jsonrpc.NewError(jsonrpc.CodeInvalidParams, "invalid access list: %v", err)
	}
	if data != nil {
		p.log.Debugw("call carries access list",
			"addresses", data.Addresses,
			"storageKeys", data.StorageKeys,
			"dataFee", data.DataFee,
		)
	}
	return nil
}

func (p *Provider) isLocalHash(h common.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	// blocks[0] is the fork block itself, which the fork source knows.
	for _, b := range p.blocks[1:] {
		if b.Hash == h {
			return true
		}
	}
	return false
}

func cacheKey(method string, params []json.RawMessage) string {
	var buf bytes.Buffer
	buf.WriteString(method)
	for _, p := range params {
		buf.WriteByte(0)
		if err := json.Compact(&buf, p); err != nil {
			buf.Write(p)
		}
	}
	return buf.String()
}
