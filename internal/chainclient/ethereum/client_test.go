package ethereum

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ava-labs/libevm/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/devnode/internal/chainclient/testutils"
	"github.com/ava-labs/devnode/pkg/metrics"
)

func TestClient(t *testing.T) {
	node := testutils.NewNode(1337, 20)
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	node.Balances[addr] = big.NewInt(1_000)
	url := node.Serve(t)

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	src, err := Dial(t.Context(), url, m)
	require.NoError(t, err)
	defer src.Close()

	id, err := src.ChainID(t.Context())
	require.NoError(t, err)
	require.Equal(t, uint64(1337), id)

	head, err := src.BlockNumber(t.Context())
	require.NoError(t, err)
	require.Equal(t, uint64(20), head)

	block, err := src.BlockByNumber(t.Context(), 12)
	require.NoError(t, err)
	require.Equal(t, uint64(12), block.Number)
	require.Equal(t, node.Header(12).Hash(), block.Hash)
	require.Equal(t, node.Header(11).Hash(), block.ParentHash)

	_, err = src.BlockByNumber(t.Context(), 21)
	require.Error(t, err)

	raw, err := src.Call(t.Context(), "eth_getBalance", []json.RawMessage{
		json.RawMessage(`"` + addr.Hex() + `"`),
		json.RawMessage(`"0x14"`),
	})
	require.NoError(t, err)
	require.JSONEq(t, `"0x3e8"`, string(raw))
	require.Equal(t, []string{"0x14"}, node.Tags())

	_, err = src.Call(t.Context(), "eth_noSuchMethod", nil)
	require.ErrorContains(t, err, "call eth_noSuchMethod")

	// chainId, blockNumber, getBlockByNumber ok and failed, getBalance, noSuchMethod
	series, err := testutil.GatherAndCount(reg, "devnode_rpc_calls_total")
	require.NoError(t, err)
	require.Equal(t, 6, series)
}

func TestDial_InvalidURL(t *testing.T) {
	_, err := Dial(t.Context(), "ftp://127.0.0.1", nil)
	require.ErrorContains(t, err, "dial ethereum rpc")
}
