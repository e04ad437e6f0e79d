package rpctest

import (
	"bytes"
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"
	"github.com/luxfi/geth/crypto"
	"github.com/luxfi/geth/rpc"

	"github.com/luxfi/storagedump"
)

// Gateway is an in-memory chain implementing storagedump.Gateway. Storage is
// held per block hash and served in hashed-slot order the way
// debug_storageRangeAt pages it. Err hooks inject provider faults.
type Gateway struct {
	mu sync.Mutex

	chainID *big.Int
	blocks  []storagedump.Block
	storage map[common.Hash]map[common.Address]map[common.Hash]common.Hash
	logs    []types.Log
	calls   map[string]int

	// DebugUnsupported makes StorageRangeAt fail as if the namespace were disabled
	DebugUnsupported bool

	// EndlessCursor makes every storage page return a continuation cursor
	EndlessCursor bool

	StorageRangeErr func(call int) error
	StorageAtErr    func(slot common.Hash) error
	FilterLogsErr   func(q storagedump.LogQuery) error

	// OnStorageRange runs before each page is served
	OnStorageRange func(call int)
}

// NewGateway returns an empty chain with the given chain id
func NewGateway(chainID int64) *Gateway {
	return &Gateway{
		chainID: big.NewInt(chainID),
		storage: make(map[common.Hash]map[common.Address]map[common.Hash]common.Hash),
		calls:   make(map[string]int),
	}
}

// BlockHash derives a deterministic hash for a test block height
func BlockHash(number uint64) common.Hash {
	return crypto.Keccak256Hash(new(big.Int).SetUint64(number).Bytes(), []byte("block"))
}

// AddBlocks appends blocks so that the i-th new block carries txCounts[i] transactions
func (g *Gateway) AddBlocks(txCounts ...int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range txCounts {
		number := uint64(len(g.blocks))
		g.blocks = append(g.blocks, storagedump.Block{
			Number:  number,
			Hash:    BlockHash(number),
			TxCount: n,
		})
	}
}

// ReplaceBlock swaps the hash at a height, simulating a reorg
func (g *Gateway) ReplaceBlock(number uint64, hash common.Hash) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocks[number].Hash = hash
}

// SetStorage writes a slot of address as seen at blockHash
func (g *Gateway) SetStorage(blockHash common.Hash, address common.Address, slot, value common.Hash) {
	g.mu.Lock()
	defer g.mu.Unlock()
	accounts, ok := g.storage[blockHash]
	if !ok {
		accounts = make(map[common.Address]map[common.Hash]common.Hash)
		g.storage[blockHash] = accounts
	}
	slots, ok := accounts[address]
	if !ok {
		slots = make(map[common.Hash]common.Hash)
		accounts[address] = slots
	}
	slots[slot] = value
}

// AddLogs appends logs to the chain's log index
func (g *Gateway) AddLogs(logs ...types.Log) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.logs = append(g.logs, logs...)
}

// Calls returns how many times a gateway method was invoked
func (g *Gateway) Calls(method string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[method]
}

func (g *Gateway) count(method string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[method]++
	return g.calls[method]
}

func (g *Gateway) ChainID(ctx context.Context) (*big.Int, error) {
	g.count("ChainID")
	return new(big.Int).Set(g.chainID), nil
}

func (g *Gateway) BlockNumber(ctx context.Context) (uint64, error) {
	g.count("BlockNumber")
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.blocks) == 0 {
		return 0, nil
	}
	return uint64(len(g.blocks) - 1), nil
}

func (g *Gateway) BlockByNumber(ctx context.Context, number *big.Int) (*storagedump.Block, error) {
	g.count("BlockByNumber")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.blocks) == 0 {
		return nil, storagedump.ErrBlockNotFound
	}

	var idx uint64
	switch {
	case number == nil:
		idx = uint64(len(g.blocks) - 1)
	case number.Sign() < 0:
		if rpc.BlockNumber(number.Int64()) == rpc.EarliestBlockNumber {
			idx = 0
		} else {
			idx = uint64(len(g.blocks) - 1)
		}
	case !number.IsUint64() || number.Uint64() >= uint64(len(g.blocks)):
		return nil, storagedump.ErrBlockNotFound
	default:
		idx = number.Uint64()
	}
	b := g.blocks[idx]
	return &b, nil
}

func (g *Gateway) StorageAt(ctx context.Context, address common.Address, slot common.Hash, blockHash common.Hash) (common.Hash, error) {
	g.count("StorageAt")
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	if g.StorageAtErr != nil {
		if err := g.StorageAtErr(slot); err != nil {
			return common.Hash{}, err
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.storage[blockHash][address][slot], nil
}

func (g *Gateway) FilterLogs(ctx context.Context, q storagedump.LogQuery) ([]types.Log, error) {
	g.count("FilterLogs")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if g.FilterLogsErr != nil {
		if err := g.FilterLogsErr(q); err != nil {
			return nil, err
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []types.Log
	for _, l := range g.logs {
		if l.Address != q.Address || l.BlockNumber < q.FromBlock || l.BlockNumber > q.ToBlock {
			continue
		}
		if q.Topic0 != nil && (len(l.Topics) == 0 || l.Topics[0] != *q.Topic0) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (g *Gateway) StorageRangeAt(ctx context.Context, blockHash common.Hash, txIndex int, address common.Address, start common.Hash, limit int) (*storagedump.StorageRange, error) {
	call := g.count("StorageRangeAt")
	if g.OnStorageRange != nil {
		g.OnStorageRange(call)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if g.DebugUnsupported {
		return nil, storagedump.ErrUnsupportedDebugAPI
	}
	if g.StorageRangeErr != nil {
		if err := g.StorageRangeErr(call); err != nil {
			return nil, err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	type entry struct {
		hashed common.Hash
		slot   common.Hash
		value  common.Hash
	}
	slots := g.storage[blockHash][address]
	entries := make([]entry, 0, len(slots))
	for slot, value := range slots {
		entries = append(entries, entry{hashed: crypto.Keccak256Hash(slot[:]), slot: slot, value: value})
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].hashed[:], entries[j].hashed[:]) < 0
	})

	page := &storagedump.StorageRange{Storage: make(map[common.Hash]storagedump.StorageEntry)}
	i := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].hashed[:], start[:]) >= 0
	})
	for ; i < len(entries) && len(page.Storage) < limit; i++ {
		slot := entries[i].slot
		page.Storage[entries[i].hashed] = storagedump.StorageEntry{Key: &slot, Value: entries[i].value}
	}
	if i < len(entries) {
		next := entries[i].hashed
		page.NextKey = &next
	} else if g.EndlessCursor {
		next := common.HexToHash("0xff")
		page.NextKey = &next
	}
	return page, nil
}

var _ storagedump.Gateway = (*Gateway)(nil)
