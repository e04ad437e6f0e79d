package mapping

import (
	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/crypto"
)

// BaseWord returns the 32-byte big-endian form of a mapping's declared slot
func BaseWord(slot *uint256.Int) common.Hash {
	return common.Hash(slot.Bytes32())
}

// LeafSlot returns keccak256(key ++ base), the slot of m[key] for a mapping at base
func LeafSlot(base, key common.Hash) common.Hash {
	return crypto.Keccak256Hash(key[:], base[:])
}

// NestedLeafSlot returns the slot of m[outer][inner] for a mapping at base
func NestedLeafSlot(base, outer, inner common.Hash) common.Hash {
	return LeafSlot(LeafSlot(base, outer), inner)
}
