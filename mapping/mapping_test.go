package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/storagedump"
	"github.com/luxfi/storagedump/internal/rpctest"
)

var (
	contract = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	holder1  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	holder2  = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func word(n int64) common.Hash { return common.BigToHash(big.NewInt(n)) }

func TestLeafSlotMatchesSolidityLayout(t *testing.T) {
	key, err := EncodeKey(storagedump.KeyValue(holder1.Hex()), storagedump.KeyTypeAddress)
	require.NoError(t, err)

	// keccak256(pad32(0x1111...1111) ++ pad32(3))
	expected := common.HexToHash("0xfc40ea33816453f766ebc0872d4b5152b468882abe7b6b35528069db4d6e41c4")
	require.Equal(t, expected, LeafSlot(BaseWord(uint256.NewInt(3)), key.Word))
}

func TestNestedLeafSlot(t *testing.T) {
	base := BaseWord(uint256.NewInt(1))
	outer := common.BytesToHash(holder1.Bytes())
	inner := common.BytesToHash(holder2.Bytes())

	// allowance-style mapping(address => mapping(address => uint256)) at slot 1
	expected := common.HexToHash("0xc1c5f965d29f0d4614dc5d7a10929cd88a089f67386275dfd83b6bd3e280c8cd")
	require.Equal(t, expected, NestedLeafSlot(base, outer, inner))
	require.Equal(t, expected, LeafSlot(LeafSlot(base, outer), inner))
	require.NotEqual(t, LeafSlot(base, outer), NestedLeafSlot(base, outer, inner))
	require.NotEqual(t, NestedLeafSlot(base, outer, inner), NestedLeafSlot(base, inner, outer))
}

func TestEncodeKey(t *testing.T) {
	checksummed := "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	tests := []struct {
		name      string
		raw       string
		keyType   storagedump.KeyType
		word      common.Hash
		canonical string
		err       error
	}{
		{"checksummed address", checksummed, storagedump.KeyTypeAddress, common.HexToHash(checksummed), checksummed, nil},
		{"lowercase address", strings.ToLower(checksummed), storagedump.KeyTypeAddress, common.HexToHash(checksummed), checksummed, nil},
		{"bad checksum", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAeD", storagedump.KeyTypeAddress, common.Hash{}, "", storagedump.ErrInvalidAddress},
		{"short address", "0x1234", storagedump.KeyTypeAddress, common.Hash{}, "", storagedump.ErrInvalidAddress},
		{"decimal uint", "42", storagedump.KeyTypeUint256, word(42), "42", nil},
		{"hex uint", "0x2a", storagedump.KeyTypeUint256, word(42), "42", nil},
		{"negative uint", "-1", storagedump.KeyTypeUint256, common.Hash{}, "", storagedump.ErrInvalidKey},
		{"overflow uint", "0x1" + strings.Repeat("0", 64), storagedump.KeyTypeUint256, common.Hash{}, "", storagedump.ErrInvalidKey},
		{"bytes32", "0x" + strings.Repeat("AB", 32), storagedump.KeyTypeBytes32, common.HexToHash("0x" + strings.Repeat("ab", 32)), "0x" + strings.Repeat("ab", 32), nil},
		{"short bytes32", "0xabcd", storagedump.KeyTypeBytes32, common.Hash{}, "", storagedump.ErrInvalidKey},
		{"unknown type", "1", storagedump.KeyType("string"), common.Hash{}, "", storagedump.ErrUnsupportedKeyType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := EncodeKey(storagedump.KeyValue(tt.raw), tt.keyType)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.word, key.Word)
			require.Equal(t, tt.canonical, key.Canonical)
		})
	}
}

// newChain stores balances[holder1]=100 and balances[holder2]=200 at slot 3 and
// allowance[holder1][holder2]=7 at slot 4.
func newChain() (*rpctest.Gateway, common.Hash) {
	gw := rpctest.NewGateway(1)
	gw.AddBlocks(1)
	hash := rpctest.BlockHash(0)

	balances := BaseWord(uint256.NewInt(3))
	gw.SetStorage(hash, contract, LeafSlot(balances, common.BytesToHash(holder1.Bytes())), word(100))
	gw.SetStorage(hash, contract, LeafSlot(balances, common.BytesToHash(holder2.Bytes())), word(200))

	allowance := BaseWord(uint256.NewInt(4))
	gw.SetStorage(hash, contract, NestedLeafSlot(allowance, common.BytesToHash(holder1.Bytes()), common.BytesToHash(holder2.Bytes())), word(7))
	return gw, hash
}

func parseSpecs(t *testing.T, doc string) []storagedump.MappingSpec {
	t.Helper()
	var f storagedump.MappingFile
	require.NoError(t, json.Unmarshal([]byte(doc), &f))
	require.NoError(t, f.Validate())
	return f.Mappings
}

func TestResolveSimpleAndNested(t *testing.T) {
	gw, hash := newChain()
	specs := parseSpecs(t, `{"mappings": [
		{"name": "balances", "slot": 3, "keyType": "address",
		 "keys": ["0x1111111111111111111111111111111111111111", "0x2222222222222222222222222222222222222222", "0x3333333333333333333333333333333333333333"]},
		{"name": "allowance", "slot": "0x4", "keyTypes": ["address", "address"],
		 "keys": [["0x1111111111111111111111111111111111111111", ["0x2222222222222222222222222222222222222222"]],
		          ["0x2222222222222222222222222222222222222222", []]]}
	]}`)

	r := NewResolver(gw, log.NewLogger("test"))
	res, err := r.Resolve(context.Background(), contract, hash, specs)
	require.NoError(t, err)
	require.Empty(t, res.Errors)

	balances := res.Mappings["balances"]
	require.False(t, balances.IsNested())
	require.Equal(t, word(100), balances.Flat[holder1.Hex()])
	require.Equal(t, word(200), balances.Flat[holder2.Hex()])
	require.Equal(t, common.Hash{}, balances.Flat["0x3333333333333333333333333333333333333333"])
	require.Len(t, balances.Flat, 3)

	allowance := res.Mappings["allowance"]
	require.True(t, allowance.IsNested())
	require.Equal(t, word(7), allowance.Nested[holder1.Hex()][holder2.Hex()])
	require.Contains(t, allowance.Nested, holder2.Hex())
	require.Empty(t, allowance.Nested[holder2.Hex()])
}

func TestResolveDefaultsToUint256Keys(t *testing.T) {
	gw := rpctest.NewGateway(1)
	gw.AddBlocks(1)
	hash := rpctest.BlockHash(0)
	base := BaseWord(uint256.NewInt(0))
	gw.SetStorage(hash, contract, LeafSlot(base, word(5)), word(55))

	specs := parseSpecs(t, `{"mappings": [{"slot": 0, "keys": [5, "0x5"]}]}`)
	res, err := NewResolver(gw, log.NewLogger("test")).Resolve(context.Background(), contract, hash, specs)
	require.NoError(t, err)

	values := res.Mappings["mapping@0"]
	require.Equal(t, map[string]common.Hash{"5": word(55)}, values.Flat)
	require.Equal(t, 1, gw.Calls("StorageAt"))
}

func TestResolveRejectsBadKeysBeforeReading(t *testing.T) {
	gw, hash := newChain()
	specs := parseSpecs(t, `{"mappings": [
		{"name": "balances", "slot": 3, "keyType": "address",
		 "keys": ["0x1111111111111111111111111111111111111111", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAeD"]}
	]}`)

	_, err := NewResolver(gw, log.NewLogger("test")).Resolve(context.Background(), contract, hash, specs)
	require.ErrorIs(t, err, storagedump.ErrInvalidAddress)
	require.Zero(t, gw.Calls("StorageAt"))
}

func TestResolveRejectsUnknownKeyType(t *testing.T) {
	gw, hash := newChain()
	specs := []storagedump.MappingSpec{{Name: "m", Slot: uint256.NewInt(1), KeyType: "string", Keys: []storagedump.KeyValue{"a"}}}

	_, err := NewResolver(gw, log.NewLogger("test")).Resolve(context.Background(), contract, hash, specs)
	require.ErrorIs(t, err, storagedump.ErrUnsupportedKeyType)
	require.Zero(t, gw.Calls("StorageAt"))
}

func TestResolveCapturesReadFailures(t *testing.T) {
	gw, hash := newChain()
	balances := BaseWord(uint256.NewInt(3))
	failing := LeafSlot(balances, common.BytesToHash(holder2.Bytes()))
	gw.StorageAtErr = func(slot common.Hash) error {
		if slot == failing {
			return errors.New("upstream timeout")
		}
		return nil
	}

	specs := parseSpecs(t, `{"mappings": [{"name": "balances", "slot": 3, "keyType": "address",
		"keys": ["0x1111111111111111111111111111111111111111", "0x2222222222222222222222222222222222222222"]}]}`)

	r := NewResolver(gw, log.NewLogger("test"))
	r.Attempts = 3
	r.RetryDelay = 0
	res, err := r.Resolve(context.Background(), contract, hash, specs)
	require.NoError(t, err)

	require.Equal(t, word(100), res.Mappings["balances"].Flat[holder1.Hex()])
	require.NotContains(t, res.Mappings["balances"].Flat, holder2.Hex())
	require.Len(t, res.Errors, 1)
	require.Equal(t, holder2.Hex(), res.Errors[0].Outer)
	require.Equal(t, failing, res.Errors[0].Slot)
	// one successful read plus three attempts at the failing slot
	require.Equal(t, 4, gw.Calls("StorageAt"))
}
