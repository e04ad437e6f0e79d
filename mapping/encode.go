// Package mapping resolves Solidity mapping entries to their storage slots
// and point-reads them at a pinned block.
package mapping

import (
	"fmt"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/common/hexutil"

	"github.com/luxfi/storagedump"
)

// EncodedKey is a mapping key in ABI word form together with its canonical spelling
type EncodedKey struct {
	Word      common.Hash
	Canonical string
}

// EncodeKey encodes raw into the 32-byte word Solidity hashes for keyType.
// Addresses are checksum validated and left-padded, uint256 values are
// big-endian, and bytes32 values must be exactly 32 bytes.
func EncodeKey(raw storagedump.KeyValue, keyType storagedump.KeyType) (EncodedKey, error) {
	s := string(raw)
	switch keyType {
	case storagedump.KeyTypeAddress:
		addr, err := storagedump.ParseAddress(s)
		if err != nil {
			return EncodedKey{}, err
		}
		return EncodedKey{Word: common.BytesToHash(addr.Bytes()), Canonical: addr.Hex()}, nil

	case storagedump.KeyTypeUint256:
		v, err := storagedump.ParseUint256(s)
		if err != nil {
			return EncodedKey{}, fmt.Errorf("%w: %v", storagedump.ErrInvalidKey, err)
		}
		return EncodedKey{Word: common.Hash(v.Bytes32()), Canonical: v.Dec()}, nil

	case storagedump.KeyTypeBytes32:
		b, err := hexutil.Decode(s)
		if err != nil {
			return EncodedKey{}, fmt.Errorf("%w: bytes32 %q: %v", storagedump.ErrInvalidKey, s, err)
		}
		if len(b) != common.HashLength {
			return EncodedKey{}, fmt.Errorf("%w: bytes32 %q has %d bytes", storagedump.ErrInvalidKey, s, len(b))
		}
		word := common.BytesToHash(b)
		return EncodedKey{Word: word, Canonical: hexutil.Encode(word[:])}, nil
	}
	return EncodedKey{}, fmt.Errorf("%w: %q", storagedump.ErrUnsupportedKeyType, keyType)
}
