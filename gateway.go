package storagedump

import (
	"context"
	"math/big"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"
)

// Gateway defines the RPC primitives a storage dump is built from.
// All reads that belong to one dump are issued against the same pinned block.
type Gateway interface {
	// ChainID returns the network identity of the endpoint
	ChainID(ctx context.Context) (*big.Int, error)

	// BlockNumber returns the current head height
	BlockNumber(ctx context.Context) (uint64, error)

	// BlockByNumber returns the block at number. A nil number selects "latest";
	// negative numbers select the symbolic tags used by rpc.BlockNumber.
	// Returns ErrBlockNotFound when the provider has no such block.
	BlockByNumber(ctx context.Context, number *big.Int) (*Block, error)

	// StorageAt point-reads one slot pinned to blockHash
	StorageAt(ctx context.Context, address common.Address, slot common.Hash, blockHash common.Hash) (common.Hash, error)

	// FilterLogs runs a log query over an inclusive block window
	FilterLogs(ctx context.Context, q LogQuery) ([]types.Log, error)

	// StorageRangeAt fetches one page of raw storage through the debug namespace.
	// Returns an error wrapping ErrUnsupportedDebugAPI when the provider lacks it.
	StorageRangeAt(ctx context.Context, blockHash common.Hash, txIndex int, address common.Address, start common.Hash, limit int) (*StorageRange, error)
}

// CapabilityReporter is implemented by gateways that negotiate debug API support
type CapabilityReporter interface {
	DebugCapability() Capability
}

// Capability is the negotiated availability of the debug storage-range primitive
type Capability int

const (
	CapabilityUnknown Capability = iota
	CapabilitySupported
	CapabilityUnsupported
)

func (c Capability) String() string {
	switch c {
	case CapabilitySupported:
		return "supported"
	case CapabilityUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Block is a resolved (number, hash) snapshot
type Block struct {
	Number  uint64      `json:"number"`
	Hash    common.Hash `json:"hash"`
	TxCount int         `json:"txCount"`
}

// LogQuery is an inclusive [FromBlock, ToBlock] log filter.
// A nil Topic0 matches every event of the emitter.
type LogQuery struct {
	Address   common.Address
	Topic0    *common.Hash
	FromBlock uint64
	ToBlock   uint64
}

// StorageEntry is one slot of a storage range page.
// Key is the slot preimage when the provider knows it.
type StorageEntry struct {
	Key   *common.Hash
	Value common.Hash
}

// StorageRange is one normalized page returned by debug_storageRangeAt
type StorageRange struct {
	Storage map[common.Hash]StorageEntry
	NextKey *common.Hash // nil when the page holds the last slot
}

// HasNext reports whether the page carries a usable continuation cursor
func (r *StorageRange) HasNext() bool {
	return r.NextKey != nil && *r.NextKey != (common.Hash{})
}
