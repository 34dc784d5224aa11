package types

import (
	"encoding/binary"
	"encoding/json"
	"math/big"

	"github.com/ava-labs/libevm/common"
	"github.com/ava-labs/libevm/common/hexutil"
	libevmtypes "github.com/ava-labs/libevm/core/types"
	"github.com/ava-labs/libevm/crypto"
	"github.com/ava-labs/libevm/params"
)

// DefaultGasLimit is the block gas limit of a fresh chain.
const DefaultGasLimit = 30_000_000

// Block is the header-level view of a block served by the node. Blocks mined on
// top of the fork carry no transactions.
type Block struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	Time       uint64
	GasLimit   uint64
	GasUsed    uint64
	BaseFee    *big.Int

	// Avalanche header extras; zero on other networks.
	BlockGasCost          *big.Int
	TimestampMilliseconds uint64
}

// FromHeader maps a libevm header.
func FromHeader(h *libevmtypes.Header) *Block {
	return &Block{
		Number:     h.Number.Uint64(),
		Hash:       h.Hash(),
		ParentHash: h.ParentHash,
		Time:       h.Time,
		GasLimit:   h.GasLimit,
		GasUsed:    h.GasUsed,
		BaseFee:    h.BaseFee,
	}
}

// Genesis returns block 0 of a fresh chain.
func Genesis(chainID, time uint64) *Block {
	b := &Block{
		Time:     time,
		GasLimit: DefaultGasLimit,
		BaseFee:  big.NewInt(params.GWei),
	}
	b.Hash = syntheticHash(common.BigToHash(new(big.Int).SetUint64(chainID)), 0, time)
	return b
}

// Child returns an empty block on top of b at the given time.
func (b *Block) Child(time uint64) *Block {
	number := b.Number + 1
	return &Block{
		Number:     number,
		Hash:       syntheticHash(b.Hash, number, time),
		ParentHash: b.Hash,
		Time:       time,
		GasLimit:   b.GasLimit,
		BaseFee:    b.BaseFee,
	}
}

// syntheticHash derives a stable hash for a locally produced block.
func syntheticHash(parent common.Hash, number, time uint64) common.Hash {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], number)
	binary.BigEndian.PutUint64(buf[8:], time)
	return crypto.Keccak256Hash(parent.Bytes(), buf[:])
}

type rpcBlock struct {
	Number                hexutil.Uint64  `json:"number"`
	Hash                  common.Hash     `json:"hash"`
	ParentHash            common.Hash     `json:"parentHash"`
	Timestamp             hexutil.Uint64  `json:"timestamp"`
	GasLimit              hexutil.Uint64  `json:"gasLimit"`
	GasUsed               hexutil.Uint64  `json:"gasUsed"`
	BaseFee               *hexutil.Big    `json:"baseFeePerGas,omitempty"`
	BlockGasCost          *hexutil.Big    `json:"blockGasCost,omitempty"`
	TimestampMilliseconds *hexutil.Uint64 `json:"timestampMilliseconds,omitempty"`
	Miner                 common.Address  `json:"miner"`
	Difficulty            *hexutil.Big    `json:"difficulty"`
	ExtraData             hexutil.Bytes   `json:"extraData"`
	Sha3Uncles            common.Hash     `json:"sha3Uncles"`
	TransactionsRoot      common.Hash     `json:"transactionsRoot"`
	ReceiptsRoot          common.Hash     `json:"receiptsRoot"`
	Transactions          []common.Hash   `json:"transactions"`
	Uncles                []common.Hash   `json:"uncles"`
}

// MarshalJSON encodes the block the way eth_getBlockByNumber returns it.
func (b *Block) MarshalJSON() ([]byte, error) {
	out := rpcBlock{
		Number:           hexutil.Uint64(b.Number),
		Hash:             b.Hash,
		ParentHash:       b.ParentHash,
		Timestamp:        hexutil.Uint64(b.Time),
		GasLimit:         hexutil.Uint64(b.GasLimit),
		GasUsed:          hexutil.Uint64(b.GasUsed),
		Difficulty:       (*hexutil.Big)(new(big.Int)),
		ExtraData:        hexutil.Bytes{},
		Sha3Uncles:       libevmtypes.EmptyUncleHash,
		TransactionsRoot: libevmtypes.EmptyTxsHash,
		ReceiptsRoot:     libevmtypes.EmptyReceiptsHash,
		Transactions:     []common.Hash{},
		Uncles:           []common.Hash{},
	}
	if b.BaseFee != nil {
		out.BaseFee = (*hexutil.Big)(b.BaseFee)
	}
	if b.BlockGasCost != nil {
		out.BlockGasCost = (*hexutil.Big)(b.BlockGasCost)
	}
	if b.TimestampMilliseconds != 0 {
		ms := hexutil.Uint64(b.TimestampMilliseconds)
		out.TimestampMilliseconds = &ms
	}
	return json.Marshal(out)
}
