// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rpcapi provides the JSON wire types of the RPC methods a storage
// dump consumes, and the helpers that turn them into normalized values.
package rpcapi

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/common/hexutil"
	"github.com/luxfi/geth/rpc"

	"github.com/luxfi/storagedump"
)

// Block is the subset of eth_getBlockByNumber we read. Transactions are kept
// raw so both hash-only and full-object responses decode.
type Block struct {
	Number       hexutil.Uint64    `json:"number"`
	Hash         common.Hash       `json:"hash"`
	ParentHash   common.Hash       `json:"parentHash"`
	Transactions []json.RawMessage `json:"transactions"`
}

// ToBlock converts the wire block into a resolved snapshot
func (b *Block) ToBlock() *storagedump.Block {
	return &storagedump.Block{
		Number:  uint64(b.Number),
		Hash:    b.Hash,
		TxCount: len(b.Transactions),
	}
}

// StorageRangeResult is the result of a debug_storageRangeAt call.
// Storage is keyed by the keccak256 of the slot; Key is the slot preimage
// when the node has it.
type StorageRangeResult struct {
	Storage map[string]StorageEntry `json:"storage"`
	NextKey *string                 `json:"nextKey"`
}

// StorageEntry is one slot in a storage range page
type StorageEntry struct {
	Key   *string `json:"key"`
	Value string  `json:"value"`
}

// Normalize converts the page into 32-byte words. Values narrower than 32
// bytes are left-padded; an empty or "0x" cursor means no further pages.
func (r *StorageRangeResult) Normalize() (*storagedump.StorageRange, error) {
	out := &storagedump.StorageRange{
		Storage: make(map[common.Hash]storagedump.StorageEntry, len(r.Storage)),
	}

	for slotHex, entry := range r.Storage {
		slot, err := storagedump.NormalizeWord(slotHex)
		if err != nil {
			return nil, fmt.Errorf("storage key: %w", err)
		}
		value, err := storagedump.NormalizeWord(entry.Value)
		if err != nil {
			return nil, fmt.Errorf("storage value at %s: %w", slotHex, err)
		}
		normalized := storagedump.StorageEntry{Value: value}
		if entry.Key != nil && *entry.Key != "" {
			preimage, err := storagedump.NormalizeWord(*entry.Key)
			if err != nil {
				return nil, fmt.Errorf("storage preimage at %s: %w", slotHex, err)
			}
			normalized.Key = &preimage
		}
		out.Storage[slot] = normalized
	}

	if r.NextKey != nil && *r.NextKey != "" && *r.NextKey != "0x" {
		next, err := storagedump.NormalizeWord(*r.NextKey)
		if err != nil {
			return nil, fmt.Errorf("next key: %w", err)
		}
		out.NextKey = &next
	}
	return out, nil
}

// ToBlockNumArg renders a block selector the way eth_* methods expect it.
// nil is "latest"; negative values are the rpc.BlockNumber symbolic tags.
func ToBlockNumArg(number *big.Int) string {
	if number == nil {
		return "latest"
	}
	if number.Sign() >= 0 {
		return hexutil.EncodeBig(number)
	}
	if number.IsInt64() {
		return rpc.BlockNumber(number.Int64()).String()
	}
	return fmt.Sprintf("<invalid %d>", number)
}

// BlockHashArg renders an EIP-1898 block-hash selector
func BlockHashArg(hash common.Hash) map[string]interface{} {
	return map[string]interface{}{"blockHash": hash}
}
