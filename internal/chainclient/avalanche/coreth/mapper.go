package coreth

import (
	"github.com/ava-labs/coreth/plugin/evm/customtypes"
	libevmtypes "github.com/ava-labs/libevm/core/types"

	"github.com/ava-labs/devnode/internal/types"
)

func mapToInternalBlock(block *libevmtypes.Block) *types.Block {
	b := types.FromHeader(block.Header())
	b.Hash = block.Hash()

	extra := customtypes.GetHeaderExtra(block.Header())
	b.BlockGasCost = extra.BlockGasCost
	if extra.TimeMilliseconds != nil {
		b.TimestampMilliseconds = *extra.TimeMilliseconds
	}
	return b
}
