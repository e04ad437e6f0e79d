package storagedump

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/luxfi/geth/common"
	"github.com/stretchr/testify/require"
)

func TestNormalizeWord(t *testing.T) {
	w, err := NormalizeWord("0x1")
	require.NoError(t, err)
	require.Equal(t, common.BigToHash(common.Big1), w)

	w, err = NormalizeWord("0x")
	require.NoError(t, err)
	require.Equal(t, common.Hash{}, w)

	for _, bad := range []string{"1", "0xzz", "0x" + strings.Repeat("1", 65)} {
		_, err := NormalizeWord(bad)
		require.Error(t, err, bad)
	}
}

func testParts() DumpParts {
	slot := common.HexToHash("0x01")
	return DumpParts{
		Address:       common.HexToAddress("0x00000000000000000000000000000000000000c0"),
		ChainID:       1,
		Block:         Block{Number: 10, Hash: common.HexToHash("0xabc")},
		Storage:       map[common.Hash]common.Hash{slot: common.HexToHash("0x05")},
		StorageStatus: StorageComplete,
		Mappings: map[string]MappingValues{
			"balances": {Flat: map[string]common.Hash{"0x1111111111111111111111111111111111111111": common.HexToHash("0x64")}},
			"allowance": {Nested: map[string]map[string]common.Hash{
				"0x1111111111111111111111111111111111111111": {"0x2222222222222222222222222222222222222222": common.HexToHash("0x01")},
				"0x3333333333333333333333333333333333333333": {},
			}},
		},
	}
}

func TestDumpResultIsImmutable(t *testing.T) {
	parts := testParts()
	r := NewDumpResult(parts)

	parts.Storage[common.Hash{}] = common.Hash{}
	parts.Mappings["balances"].Flat["0x00"] = common.Hash{}
	require.Len(t, r.Storage(), 1)

	storage := r.Storage()
	storage[common.Hash{}] = common.Hash{}
	require.Len(t, r.Storage(), 1)

	balances, ok := r.Mapping("balances")
	require.True(t, ok)
	require.Len(t, balances.Flat, 1)
	balances.Flat["0x00"] = common.Hash{}
	again, _ := r.Mapping("balances")
	require.Len(t, again.Flat, 1)

	require.Equal(t, []string{"allowance", "balances"}, r.MappingNames())
	require.False(t, r.Partial())
	require.NoError(t, r.Err())
}

func TestDumpResultPartial(t *testing.T) {
	parts := testParts()
	parts.StorageStatus = StorageCapped
	r := NewDumpResult(parts)
	require.True(t, r.Partial())
	require.ErrorIs(t, r.Err(), ErrPartialDump)

	parts = testParts()
	parts.Errors = []error{nil, errors.New("read failed")}
	r = NewDumpResult(parts)
	require.Equal(t, []string{"read failed"}, r.Errors())
	require.ErrorIs(t, r.Err(), ErrPartialDump)
	require.Contains(t, r.Err().Error(), "read failed")

	require.Equal(t, StorageSkipped, NewDumpResult(DumpParts{}).StorageStatus())
}

func TestDumpResultJSON(t *testing.T) {
	r := NewDumpResult(testParts())
	data, err := json.Marshal(r)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, r.Address().Hex(), out["address"])
	require.Equal(t, false, out["partial"])
	require.Equal(t, "complete", out["storageStatus"])
	require.NotContains(t, out, "preimages")
	require.NotContains(t, out, "errors")

	var back DumpResult
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, r.Storage(), back.Storage())
	require.Equal(t, r.BlockHash(), back.BlockHash())

	allowance, ok := back.Mapping("allowance")
	require.True(t, ok)
	require.True(t, allowance.IsNested())
	require.Equal(t, 1, allowance.Len())
	require.Contains(t, allowance.Nested, "0x3333333333333333333333333333333333333333")

	balances, _ := back.Mapping("balances")
	require.False(t, balances.IsNested())
	require.Equal(t, common.HexToHash("0x64"), balances.Flat["0x1111111111111111111111111111111111111111"])
}

func TestDumpResultEmptyNestedMappingKeepsDepth(t *testing.T) {
	r := NewDumpResult(DumpParts{
		StorageStatus: StorageComplete,
		Mappings: map[string]MappingValues{
			"allowance": {Nested: map[string]map[string]common.Hash{}},
			"balances":  {Flat: map[string]common.Hash{}},
		},
	})
	data, err := json.Marshal(r)
	require.NoError(t, err)
	require.Contains(t, string(data), `"nestedMappings":["allowance"]`)

	var back DumpResult
	require.NoError(t, json.Unmarshal(data, &back))
	allowance, ok := back.Mapping("allowance")
	require.True(t, ok)
	require.True(t, allowance.IsNested())
	require.Zero(t, allowance.Len())

	balances, ok := back.Mapping("balances")
	require.True(t, ok)
	require.False(t, balances.IsNested())

	err = json.Unmarshal([]byte(`{"mappings":{"allowance":{"0x1":"0x2"}},"nestedMappings":["allowance"]}`), &back)
	require.Error(t, err)
}

func TestDumpResultUnmarshalNormalizesShortWords(t *testing.T) {
	var r DumpResult
	require.NoError(t, json.Unmarshal([]byte(`{"storage":{"0x1":"0x2"},"storageStatus":"complete"}`), &r))
	require.Equal(t, common.BigToHash(common.Big2), r.Storage()[common.BigToHash(common.Big1)])
}
