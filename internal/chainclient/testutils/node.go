// Package testutils runs an in-process JSON-RPC node to fork from in tests.
package testutils

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ava-labs/libevm/common"
	"github.com/ava-labs/libevm/common/hexutil"
	"github.com/ava-labs/libevm/core/types"
	"github.com/ava-labs/libevm/rpc"
)

// GenesisTime is the timestamp of block 0 on a Node.
const GenesisTime = 1_700_000_000

// Node is a fake upstream chain with empty blocks up to Head.
type Node struct {
	ChainID  uint64
	Head     uint64
	Balances map[common.Address]*big.Int
	// Transactions maps a transaction hash to the height it was mined at.
	Transactions map[common.Hash]uint64

	mu    sync.Mutex
	calls map[string]int
	tags  []string
	fail  error
}

// NewNode returns a node at head with no balances.
func NewNode(chainID, head uint64) *Node {
	return &Node{
		ChainID:      chainID,
		Head:         head,
		Balances:     map[common.Address]*big.Int{},
		Transactions: map[common.Hash]uint64{},
		calls:        map[string]int{},
	}
}

// Serve starts an HTTP JSON-RPC server for n and returns its URL. The server
// stops when the test ends.
func (n *Node) Serve(t testing.TB) string {
	t.Helper()
	srv := rpc.NewServer()
	if err := srv.RegisterName("eth", &ethService{node: n}); err != nil {
		t.Fatalf("register eth service: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
	})
	return ts.URL
}

// Calls returns how often method was served.
func (n *Node) Calls(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

// Tags returns the block parameters state queries were served with, in order.
func (n *Node) Tags() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.tags...)
}

// FailWith makes every subsequent call fail with err; nil restores service.
func (n *Node) FailWith(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fail = err
}

// Header returns the header of block number.
func (n *Node) Header(number uint64) *types.Header {
	h := &types.Header{
		Number:     new(big.Int).SetUint64(number),
		Time:       GenesisTime + number*2,
		GasLimit:   15_000_000,
		Difficulty: new(big.Int),
		BaseFee:    big.NewInt(25_000_000_000),
		Extra:      []byte{},
	}
	if number > 0 {
		h.ParentHash = n.Header(number - 1).Hash()
	}
	return h
}

func (n *Node) record(method, tag string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[method]++
	if tag != "" {
		n.tags = append(n.tags, tag)
	}
	return n.fail
}

type ethService struct {
	node *Node
}

func (s *ethService) ChainId() (*hexutil.Big, error) {
	if err := s.node.record("eth_chainId", ""); err != nil {
		return nil, err
	}
	return (*hexutil.Big)(new(big.Int).SetUint64(s.node.ChainID)), nil
}

func (s *ethService) BlockNumber() (hexutil.Uint64, error) {
	if err := s.node.record("eth_blockNumber", ""); err != nil {
		return 0, err
	}
	return hexutil.Uint64(s.node.Head), nil
}

func (s *ethService) GetBlockByNumber(number rpc.BlockNumber, _ bool) (*types.Header, error) {
	if err := s.node.record("eth_getBlockByNumber", ""); err != nil {
		return nil, err
	}
	height := s.node.Head
	if number >= 0 {
		height = uint64(number.Int64())
	}
	if height > s.node.Head {
		return nil, nil
	}
	return s.node.Header(height), nil
}

func (s *ethService) GetBlockByHash(hash common.Hash, _ bool) (*types.Header, error) {
	if err := s.node.record("eth_getBlockByHash", ""); err != nil {
		return nil, err
	}
	for height := uint64(0); height <= s.node.Head; height++ {
		if h := s.node.Header(height); h.Hash() == hash {
			return h, nil
		}
	}
	return nil, nil
}

func (s *ethService) GetTransactionByHash(hash common.Hash) (map[string]any, error) {
	if err := s.node.record("eth_getTransactionByHash", ""); err != nil {
		return nil, err
	}
	return s.node.transaction(hash), nil
}

func (s *ethService) GetTransactionReceipt(hash common.Hash) (map[string]any, error) {
	if err := s.node.record("eth_getTransactionReceipt", ""); err != nil {
		return nil, err
	}
	return s.node.transaction(hash), nil
}

func (n *Node) transaction(hash common.Hash) map[string]any {
	height, ok := n.Transactions[hash]
	if !ok {
		return nil
	}
	return map[string]any{
		"transactionHash": hash,
		"blockNumber":     hexutil.Uint64(height),
		"blockHash":       n.Header(height).Hash(),
	}
}

func (s *ethService) GetBalance(addr common.Address, block string) (*hexutil.Big, error) {
	if err := s.node.record("eth_getBalance", block); err != nil {
		return nil, err
	}
	bal, ok := s.node.Balances[addr]
	if !ok {
		bal = new(big.Int)
	}
	return (*hexutil.Big)(bal), nil
}

func (s *ethService) GetTransactionCount(_ common.Address, block string) (hexutil.Uint64, error) {
	if err := s.node.record("eth_getTransactionCount", block); err != nil {
		return 0, err
	}
	return 0, nil
}

func (s *ethService) Call(_ json.RawMessage, block string) (hexutil.Bytes, error) {
	if err := s.node.record("eth_call", block); err != nil {
		return nil, err
	}
	return hexutil.Bytes{0x01}, nil
}

func (s *ethService) EstimateGas(_ json.RawMessage, block *string) (hexutil.Uint64, error) {
	tag := ""
	if block != nil {
		tag = *block
	}
	if err := s.node.record("eth_estimateGas", tag); err != nil {
		return 0, err
	}
	return 21_000, nil
}

func (s *ethService) GasPrice() (*hexutil.Big, error) {
	if err := s.node.record("eth_gasPrice", ""); err != nil {
		return nil, err
	}
	return (*hexutil.Big)(big.NewInt(25_000_000_000)), nil
}

// ErrUnavailable is a ready-made failure for FailWith.
var ErrUnavailable = errors.New("node unavailable")
