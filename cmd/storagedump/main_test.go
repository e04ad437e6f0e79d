package main

import (
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"
	"github.com/luxfi/geth/crypto"
	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/storagedump"
	"github.com/luxfi/storagedump/cache"
	"github.com/luxfi/storagedump/internal/rpctest"
	"github.com/luxfi/storagedump/jsonl"
	"github.com/luxfi/storagedump/mapping"
)

var (
	token   = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	holder1 = common.HexToAddress("0x1111111111111111111111111111111111111111")
	holder2 = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func word(n int64) common.Hash { return common.BigToHash(big.NewInt(n)) }

// newTokenGateway builds a chain whose head (block 1) holds a token with
// totalSupply at slot 0 and balances at slot 3
func newTokenGateway() *rpctest.Gateway {
	gw := rpctest.NewGateway(1)
	gw.AddBlocks(2, 1)

	pinned := rpctest.BlockHash(1)
	balances := mapping.BaseWord(uint256.NewInt(3))
	gw.SetStorage(pinned, token, word(0), word(300))
	gw.SetStorage(pinned, token, mapping.LeafSlot(balances, common.BytesToHash(holder1.Bytes())), word(100))
	gw.SetStorage(pinned, token, mapping.LeafSlot(balances, common.BytesToHash(holder2.Bytes())), word(200))

	transfer := crypto.Keccak256Hash([]byte(storagedump.TransferEventSignature))
	gw.AddLogs(types.Log{
		Address:     token,
		BlockNumber: 1,
		Topics:      []common.Hash{transfer, common.BytesToHash(holder1.Bytes()), common.BytesToHash(holder2.Bytes())},
	})
	return gw
}

func newTokenServer(t *testing.T) *rpctest.Server {
	s := rpctest.NewBackendServer(newTokenGateway())
	t.Cleanup(s.Close)
	return s
}

func run(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestKeysThenDump(t *testing.T) {
	server := newTokenServer(t)
	dir := t.TempDir()
	keysPath := filepath.Join(dir, "holders.jsonl")
	dumpPath := filepath.Join(dir, "dump.json")

	require.NoError(t, run(t, "keys",
		"--rpc", server.URL,
		"--contract", token.Hex(),
		"--format", "jsonl",
		"--out", keysPath,
	))

	r, err := jsonl.NewReader(keysPath)
	require.NoError(t, err)
	records, err := r.ReadAll()
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Len(t, records, 2)
	require.Equal(t, holder1, records[0].Key)
	require.Equal(t, holder2, records[1].Key)

	require.NoError(t, run(t, "dump",
		"--rpc", server.URL,
		"--address", token.Hex(),
		"--block", "1",
		"--keys-file", keysPath,
		"--keys-slot", "3",
		"--out", dumpPath,
	))

	data, err := os.ReadFile(dumpPath)
	require.NoError(t, err)
	var res storagedump.DumpResult
	require.NoError(t, json.Unmarshal(data, &res))
	require.Equal(t, uint64(1), res.BlockNumber())
	require.Equal(t, storagedump.StorageComplete, res.StorageStatus())
	require.Len(t, res.Storage(), 3)

	balances, ok := res.Mapping("balances")
	require.True(t, ok)
	require.Equal(t, word(100), balances.Flat[holder1.Hex()])
	require.Equal(t, word(200), balances.Flat[holder2.Hex()])
}

func TestKeysDumpScansAtPinnedBlock(t *testing.T) {
	gw := newTokenGateway()
	gw.AddBlocks(1)
	late := common.HexToAddress("0x3333333333333333333333333333333333333333")
	gw.AddLogs(types.Log{
		Address:     token,
		BlockNumber: 2,
		Topics: []common.Hash{
			crypto.Keccak256Hash([]byte(storagedump.TransferEventSignature)),
			common.BytesToHash(holder2.Bytes()),
			common.BytesToHash(late.Bytes()),
		},
	})
	server := rpctest.NewBackendServer(gw)
	t.Cleanup(server.Close)

	dir := t.TempDir()
	keysPath := filepath.Join(dir, "holders.jsonl")
	dumpPath := filepath.Join(dir, "dump.json")
	require.NoError(t, run(t, "keys",
		"--rpc", server.URL,
		"--contract", token.Hex(),
		"--slot", "3",
		"--block", "1",
		"--format", "jsonl",
		"--out", keysPath,
		"--dump",
		"--dump-out", dumpPath,
	))

	r, err := jsonl.NewReader(keysPath)
	require.NoError(t, err)
	records, err := r.ReadAll()
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Len(t, records, 2)

	data, err := os.ReadFile(dumpPath)
	require.NoError(t, err)
	var res storagedump.DumpResult
	require.NoError(t, json.Unmarshal(data, &res))
	require.Equal(t, uint64(1), res.BlockNumber())
	require.False(t, res.Partial())

	balances, ok := res.Mapping("balances")
	require.True(t, ok)
	require.Equal(t, map[string]common.Hash{
		holder1.Hex(): word(100),
		holder2.Hex(): word(200),
	}, balances.Flat)
}

func TestLoadKeysFile(t *testing.T) {
	dir := t.TempDir()

	arrayPath := filepath.Join(dir, "keys.json")
	require.NoError(t, os.WriteFile(arrayPath, []byte(`["`+holder2.Hex()+`","`+holder1.Hex()+`"]`), 0o600))

	spec, err := loadKeysFile(arrayPath, "", "3")
	require.NoError(t, err)
	require.Equal(t, "balances", spec.Name)
	require.Equal(t, uint256.NewInt(3), spec.Slot)
	require.Equal(t, []storagedump.KeyValue{storagedump.KeyValue(holder1.Hex()), storagedump.KeyValue(holder2.Hex())}, spec.Keys)

	_, err = loadKeysFile(arrayPath, "", "")
	require.ErrorIs(t, err, storagedump.ErrInvalidMappingSpec)

	pairsPath := filepath.Join(dir, "pairs.jsonl")
	w, err := jsonl.NewWriter(pairsPath)
	require.NoError(t, err)
	require.NoError(t, w.WritePair(holder1, holder2))
	require.NoError(t, w.Close())

	spec, err = loadKeysFile(pairsPath, "", "0x4")
	require.NoError(t, err)
	require.Equal(t, "allowance", spec.Name)
	require.True(t, spec.IsNested())
	require.Len(t, spec.NestedKeys, 1)

	specPath := filepath.Join(dir, "spec.json")
	require.NoError(t, os.WriteFile(specPath, []byte(`{"mappings":[{"name":"owners","slot":2,"keyType":"uint256","keys":[1,2]}]}`), 0o600))
	spec, err = loadKeysFile(specPath, "", "")
	require.NoError(t, err)
	require.Equal(t, "owners", spec.Name)
	require.Equal(t, storagedump.KeyTypeUint256, spec.KeyType)
	require.Len(t, spec.Keys, 2)
}

func TestKeysRejectsUnknownFormat(t *testing.T) {
	err := run(t, "keys", "--rpc", "http://127.0.0.1:1", "--contract", token.Hex(), "--format", "csv")
	require.ErrorContains(t, err, "unknown format")
}

func TestCacheCommands(t *testing.T) {
	server := newTokenServer(t)
	dir := filepath.Join(t.TempDir(), "cache")

	require.NoError(t, run(t, "dump",
		"--rpc", server.URL,
		"--cache", dir,
		"--address", token.Hex(),
		"--out", filepath.Join(t.TempDir(), "dump.json"),
	))

	var cached []ids.ID
	c, err := cache.Open(dir)
	require.NoError(t, err)
	require.NoError(t, c.Iterate(func(key ids.ID, _ []byte) error {
		cached = append(cached, key)
		return nil
	}))
	require.NoError(t, c.Close())
	require.Len(t, cached, 1)

	require.NoError(t, run(t, "cache", "show", "--cache", dir, "--out", filepath.Join(t.TempDir(), "show.json"), cached[0].String()))
	require.NoError(t, run(t, "cache", "rm", "--cache", dir, cached[0].String()))

	c, err = cache.Open(dir)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Get(cached[0])
	require.ErrorIs(t, err, storagedump.ErrCacheMiss)
}
