// Package accesslist derives the data carried by EIP-2930 access-list transactions.
package accesslist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/ava-labs/libevm/common"
	"github.com/ava-labs/libevm/core/types"
	"github.com/ava-labs/libevm/params"
)

// Data is the access list of a transaction together with its intrinsic gas
// contribution.
type Data struct {
	AccessList types.AccessList `json:"accessList"`

	// Slots maps every listed address to the distinct storage keys listed for it.
	Slots map[common.Address][]common.Hash `json:"slots"`

	Addresses   int    `json:"addresses"`
	StorageKeys int    `json:"storageKeys"`
	DataFee     uint64 `json:"dataFee"`
}

// New computes Data for list. Repeated tuples are charged again, as the
// intrinsic gas rules do, while Slots merges them.
func New(list types.AccessList) Data {
	d := Data{
		AccessList:  list,
		Slots:       make(map[common.Address][]common.Hash, len(list)),
		Addresses:   len(list),
		StorageKeys: list.StorageKeys(),
	}
	for _, tuple := range list {
		keys := d.Slots[tuple.Address]
		for _, key := range tuple.StorageKeys {
			if !slices.Contains(keys, key) {
				keys = append(keys, key)
			}
		}
		if keys == nil {
			keys = []common.Hash{}
		}
		d.Slots[tuple.Address] = keys
	}
	d.DataFee = uint64(d.Addresses)*params.TxAccessListAddressGas +
		uint64(d.StorageKeys)*params.TxAccessListStorageKeyGas
	return d
}

// Parse decodes a JSON access list and computes its Data.
func Parse(raw json.RawMessage) (Data, error) {
	// AccessTuple's generated decoder rejects tuples missing address or storageKeys.
	var list types.AccessList
	if err := json.Unmarshal(raw, &list); err != nil {
		return Data{}, fmt.Errorf("decode access list: %w", err)
	}
	return New(list), nil
}

// FromCallArgs extracts and parses the accessList field of a transaction call
// object. It returns nil without error when the object carries no access list.
func FromCallArgs(raw json.RawMessage) (*Data, error) {
	var args struct {
		AccessList json.RawMessage `json:"accessList"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode call object: %w", err)
	}
	if len(args.AccessList) == 0 || bytes.Equal(args.AccessList, []byte("null")) {
		return nil, nil
	}
	d, err := Parse(args.AccessList)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
