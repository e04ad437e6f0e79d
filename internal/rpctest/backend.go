package rpctest

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/common/hexutil"
	"github.com/luxfi/geth/crypto"
	"github.com/luxfi/geth/rpc"

	"github.com/luxfi/storagedump"
)

// NewBackendServer serves gw over JSON-RPC. Words are returned in their
// shortest hex form the way many providers do.
func NewBackendServer(gw *Gateway) *Server {
	s := NewServer()
	ctx := context.Background()

	s.Handle("eth_chainId", func([]json.RawMessage) (interface{}, *Error) {
		id, _ := gw.ChainID(ctx)
		return hexutil.EncodeBig(id), nil
	})

	s.Handle("eth_blockNumber", func([]json.RawMessage) (interface{}, *Error) {
		n, _ := gw.BlockNumber(ctx)
		return hexutil.Uint64(n), nil
	})

	s.Handle("eth_getBlockByNumber", func(params []json.RawMessage) (interface{}, *Error) {
		var bn rpc.BlockNumber
		if err := json.Unmarshal(params[0], &bn); err != nil {
			return nil, invalidParams(err)
		}
		blk, err := gw.BlockByNumber(ctx, big.NewInt(bn.Int64()))
		if errors.Is(err, storagedump.ErrBlockNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, serverError(err)
		}
		txs := make([]common.Hash, blk.TxCount)
		for i := range txs {
			txs[i] = crypto.Keccak256Hash(blk.Hash[:], big.NewInt(int64(i)).Bytes())
		}
		parent := common.Hash{}
		if blk.Number > 0 {
			parent = BlockHash(blk.Number - 1)
		}
		return map[string]interface{}{
			"number":       hexutil.Uint64(blk.Number),
			"hash":         blk.Hash,
			"parentHash":   parent,
			"transactions": txs,
		}, nil
	})

	s.Handle("eth_getStorageAt", func(params []json.RawMessage) (interface{}, *Error) {
		var (
			address  common.Address
			slot     common.Hash
			selector struct {
				BlockHash common.Hash `json:"blockHash"`
			}
		)
		if err := decodeParams(params, &address, &slot, &selector); err != nil {
			return nil, invalidParams(err)
		}
		v, err := gw.StorageAt(ctx, address, slot, selector.BlockHash)
		if err != nil {
			return nil, serverError(err)
		}
		return hexutil.EncodeBig(v.Big()), nil
	})

	s.Handle("debug_storageRangeAt", func(params []json.RawMessage) (interface{}, *Error) {
		var (
			blockHash common.Hash
			txIndex   int
			address   common.Address
			start     common.Hash
			limit     int
		)
		if err := decodeParams(params, &blockHash, &txIndex, &address, &start, &limit); err != nil {
			return nil, invalidParams(err)
		}
		page, err := gw.StorageRangeAt(ctx, blockHash, txIndex, address, start, limit)
		if errors.Is(err, storagedump.ErrUnsupportedDebugAPI) {
			return nil, &Error{Code: -32601, Message: "the method debug_storageRangeAt does not exist/is not available"}
		}
		if err != nil {
			return nil, serverError(err)
		}

		storage := make(map[string]interface{}, len(page.Storage))
		for hashed, entry := range page.Storage {
			e := map[string]interface{}{"key": nil, "value": hexutil.EncodeBig(entry.Value.Big())}
			if entry.Key != nil {
				e["key"] = entry.Key.Hex()
			}
			storage[hashed.Hex()] = e
		}
		var next interface{}
		if page.NextKey != nil {
			next = page.NextKey.Hex()
		}
		return map[string]interface{}{"storage": storage, "nextKey": next}, nil
	})

	s.Handle("eth_getLogs", func(params []json.RawMessage) (interface{}, *Error) {
		var filter struct {
			Address   []common.Address `json:"address"`
			FromBlock hexutil.Uint64   `json:"fromBlock"`
			ToBlock   hexutil.Uint64   `json:"toBlock"`
			Topics    [][]common.Hash  `json:"topics"`
		}
		if err := decodeParams(params, &filter); err != nil {
			return nil, invalidParams(err)
		}
		q := storagedump.LogQuery{FromBlock: uint64(filter.FromBlock), ToBlock: uint64(filter.ToBlock)}
		if len(filter.Address) > 0 {
			q.Address = filter.Address[0]
		}
		if len(filter.Topics) > 0 && len(filter.Topics[0]) > 0 {
			q.Topic0 = &filter.Topics[0][0]
		}
		logs, err := gw.FilterLogs(ctx, q)
		if errors.Is(err, storagedump.ErrLogRangeTooLarge) {
			return nil, &Error{Code: -32005, Message: "query returned more than 10000 results"}
		}
		if err != nil {
			return nil, serverError(err)
		}
		if logs == nil {
			return []interface{}{}, nil
		}
		return logs, nil
	})

	return s
}

func decodeParams(params []json.RawMessage, out ...interface{}) error {
	if len(params) < len(out) {
		return errors.New("missing params")
	}
	for i, o := range out {
		if err := json.Unmarshal(params[i], o); err != nil {
			return err
		}
	}
	return nil
}

func invalidParams(err error) *Error {
	return &Error{Code: -32602, Message: err.Error()}
}

func serverError(err error) *Error {
	return &Error{Code: -32000, Message: err.Error()}
}
