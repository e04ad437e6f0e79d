package dump_test

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"
	"github.com/luxfi/geth/crypto"
	"github.com/luxfi/log"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/luxfi/storagedump"
	"github.com/luxfi/storagedump/cache"
	"github.com/luxfi/storagedump/dump"
	"github.com/luxfi/storagedump/internal/rpctest"
	"github.com/luxfi/storagedump/mapping"
	"github.com/luxfi/storagedump/rpcclient"
)

var (
	token   = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	holder1 = common.HexToAddress("0x1111111111111111111111111111111111111111")
	holder2 = common.HexToAddress("0x2222222222222222222222222222222222222222")

	transferTopic = crypto.Keccak256Hash([]byte(storagedump.TransferEventSignature))
)

func word(n int64) common.Hash { return common.BigToHash(big.NewInt(n)) }

func addrWord(a common.Address) common.Hash { return common.BytesToHash(a.Bytes()) }

// newToken builds a chain whose head (block 2) is empty and whose block 1
// holds a token with totalSupply at slot 0 and balances at slot 3
func newToken() *rpctest.Gateway {
	gw := rpctest.NewGateway(43114)
	gw.AddBlocks(1, 2, 0)

	pinned := rpctest.BlockHash(1)
	balances := mapping.BaseWord(uint256.NewInt(3))
	gw.SetStorage(pinned, token, word(0), word(300))
	gw.SetStorage(pinned, token, mapping.LeafSlot(balances, addrWord(holder1)), word(100))
	gw.SetStorage(pinned, token, mapping.LeafSlot(balances, addrWord(holder2)), word(200))

	gw.AddLogs(
		types.Log{Address: token, BlockNumber: 1, Topics: []common.Hash{transferTopic, {}, addrWord(holder1)}},
		types.Log{Address: token, BlockNumber: 1, Topics: []common.Hash{transferTopic, addrWord(holder1), addrWord(holder2)}},
	)
	return gw
}

func balancesSpec(keys ...common.Address) storagedump.MappingSpec {
	spec := storagedump.MappingSpec{Name: "balances", Slot: uint256.NewInt(3), KeyType: storagedump.KeyTypeAddress}
	for _, k := range keys {
		spec.Keys = append(spec.Keys, storagedump.KeyValue(k.Hex()))
	}
	return spec
}

var _ = Describe("Dumper", func() {
	var (
		ctx    context.Context
		logger log.Logger
		gw     *rpctest.Gateway
		server *rpctest.Server
		client *rpcclient.Client
		store  *cache.Pebble
		cfg    storagedump.Config
		dumper *dump.Dumper
	)

	BeforeEach(func() {
		ctx = context.Background()
		logger = log.NewLogger("test")
		gw = newToken()
		server = rpctest.NewBackendServer(gw)

		var err error
		client, err = rpcclient.Dial(ctx, server.URL, logger, nil)
		Expect(err).NotTo(HaveOccurred())
		store, err = cache.OpenInMemory()
		Expect(err).NotTo(HaveOccurred())

		cfg = storagedump.DefaultConfig()
		cfg.RPCURL = server.URL
		cfg.RetryDelay = 0
		dumper = dump.New(client, cfg, store, logger)
	})

	AfterEach(func() {
		client.Close()
		server.Close()
		Expect(store.Close()).To(Succeed())
	})

	Describe("a provider with the debug namespace", func() {
		It("dumps raw storage and declared mappings at the pinned block", func() {
			res, err := dumper.Dump(ctx, dump.Request{
				Address:  token,
				BlockTag: "latest",
				Mappings: []storagedump.MappingSpec{balancesSpec(holder1, holder2)},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Err()).NotTo(HaveOccurred())

			Expect(res.ChainID()).To(Equal(uint64(43114)))
			Expect(res.BlockNumber()).To(Equal(uint64(1)))
			Expect(res.BlockHash()).To(Equal(rpctest.BlockHash(1)))
			Expect(res.StorageStatus()).To(Equal(storagedump.StorageComplete))

			storage := res.Storage()
			Expect(storage).To(HaveLen(3))
			zero := word(0)
			Expect(storage[crypto.Keccak256Hash(zero[:])]).To(Equal(word(300)))
			Expect(res.Preimages()[crypto.Keccak256Hash(zero[:])]).To(Equal(zero))

			balances, ok := res.Mapping("balances")
			Expect(ok).To(BeTrue())
			Expect(balances.Flat).To(Equal(map[string]common.Hash{
				holder1.Hex(): word(100),
				holder2.Hex(): word(200),
			}))
		})

		It("encodes the export format", func() {
			res, err := dumper.Dump(ctx, dump.Request{Address: token, Mappings: []storagedump.MappingSpec{balancesSpec(holder1)}})
			Expect(err).NotTo(HaveOccurred())

			data, err := json.Marshal(res)
			Expect(err).NotTo(HaveOccurred())
			var out map[string]interface{}
			Expect(json.Unmarshal(data, &out)).To(Succeed())
			Expect(out).To(HaveKeyWithValue("address", token.Hex()))
			Expect(out).To(HaveKeyWithValue("chainId", BeNumerically("==", 43114)))
			Expect(out).To(HaveKeyWithValue("blockNumber", BeNumerically("==", 1)))
			Expect(out).To(HaveKeyWithValue("blockHash", rpctest.BlockHash(1).Hex()))
			Expect(out).To(HaveKeyWithValue("partial", false))
			Expect(out).To(HaveKey("storage"))
			Expect(out["mappings"]).To(HaveKeyWithValue("balances", HaveKeyWithValue(holder1.Hex(), word(100).Hex())))
		})

		It("discovers mapping keys from transfer logs", func() {
			res, err := dumper.Dump(ctx, dump.Request{
				Address:     token,
				SkipStorage: true,
				Discover: &dump.Discovery{
					Scan: storagedump.LogScanSpec{Emitter: token.Hex(), Mode: storagedump.ModeERC20Balances},
					Slot: uint256.NewInt(3),
				},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Partial()).To(BeFalse())
			Expect(res.StorageStatus()).To(Equal(storagedump.StorageSkipped))

			balances, ok := res.Mapping("balances")
			Expect(ok).To(BeTrue())
			Expect(balances.Flat).To(HaveLen(2))
			Expect(balances.Flat).To(HaveKeyWithValue(holder2.Hex(), word(200)))
			Expect(server.Calls("debug_storageRangeAt")).To(BeZero())
		})

		It("scans for keys up to the pinned block and returns the scan", func() {
			late := common.HexToAddress("0x3333333333333333333333333333333333333333")
			gw.AddLogs(types.Log{Address: token, BlockNumber: 2, Topics: []common.Hash{transferTopic, addrWord(holder2), addrWord(late)}})
			req := dump.Request{
				Address:     token,
				SkipStorage: true,
				Discover: &dump.Discovery{
					Scan: storagedump.LogScanSpec{Emitter: token.Hex(), Mode: storagedump.ModeERC20Balances},
					Slot: uint256.NewInt(3),
				},
			}

			res, scan, err := dumper.DumpAndScan(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(scan).NotTo(BeNil())
			Expect(scan.ToBlock).To(Equal(res.BlockNumber()))
			Expect(scan.Keys.Contains(late)).To(BeFalse())
			Expect(scan.Keys.Len()).To(Equal(2))

			_, cached, err := dumper.DumpAndScan(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(cached).To(BeNil())
			scans := server.Calls("eth_getLogs")

			req.Refresh = true
			_, rescanned, err := dumper.DumpAndScan(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(rescanned).NotTo(BeNil())
			Expect(server.Calls("eth_getLogs")).To(BeNumerically(">", scans))
		})

		It("serves a complete dump from the cache without walking again", func() {
			req := dump.Request{Address: token, Mappings: []storagedump.MappingSpec{balancesSpec(holder1)}}
			first, err := dumper.Dump(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			walks := server.Calls("debug_storageRangeAt")
			reads := server.Calls("eth_getStorageAt")

			second, err := dumper.Dump(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(server.Calls("debug_storageRangeAt")).To(Equal(walks))
			Expect(server.Calls("eth_getStorageAt")).To(Equal(reads))

			a, _ := json.Marshal(first)
			b, _ := json.Marshal(second)
			Expect(b).To(MatchJSON(a))
		})

		It("marks a capped walk partial and does not cache it", func() {
			cfg.PageSize = 1
			cfg.MaxPages = 2
			dumper = dump.New(client, cfg, store, logger)

			req := dump.Request{Address: token}
			res, err := dumper.Dump(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.StorageStatus()).To(Equal(storagedump.StorageCapped))
			Expect(res.Storage()).To(HaveLen(2))
			Expect(res.Err()).To(MatchError(storagedump.ErrPartialDump))

			_, err = dumper.Dump(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(server.Calls("debug_storageRangeAt")).To(Equal(4))
		})
	})

	Describe("a provider without the debug namespace", func() {
		BeforeEach(func() {
			gw.DebugUnsupported = true
		})

		It("returns mappings with an unsupported storage walk", func() {
			req := dump.Request{Address: token, Mappings: []storagedump.MappingSpec{balancesSpec(holder1)}}
			res, err := dumper.Dump(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.StorageStatus()).To(Equal(storagedump.StorageUnsupported))
			Expect(res.Storage()).To(BeEmpty())
			Expect(res.Partial()).To(BeTrue())
			Expect(res.Err()).To(MatchError(storagedump.ErrPartialDump))

			balances, _ := res.Mapping("balances")
			Expect(balances.Flat).To(HaveKeyWithValue(holder1.Hex(), word(100)))
		})

		It("negotiates the capability once per client", func() {
			req := dump.Request{Address: token}
			_, err := dumper.Dump(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			_, err = dumper.Dump(ctx, req)
			Expect(err).NotTo(HaveOccurred())

			Expect(client.DebugCapability()).To(Equal(storagedump.CapabilityUnsupported))
			Expect(server.Calls("debug_storageRangeAt")).To(Equal(1))
		})
	})

	Describe("request validation", func() {
		It("rejects malformed mapping keys before any RPC", func() {
			spec := balancesSpec()
			spec.Keys = []storagedump.KeyValue{"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAeD"}

			_, err := dumper.Dump(ctx, dump.Request{Address: token, Mappings: []storagedump.MappingSpec{spec}})
			Expect(err).To(MatchError(storagedump.ErrInvalidAddress))
			Expect(server.Calls("eth_chainId")).To(BeZero())
		})

		It("rejects an unknown block tag", func() {
			_, err := dumper.Dump(ctx, dump.Request{Address: token, BlockTag: "tip"})
			Expect(err).To(MatchError(storagedump.ErrInvalidBlockTag))
		})

		It("fails hard on a missing explicit block", func() {
			_, err := dumper.Dump(ctx, dump.Request{Address: token, BlockTag: "99"})
			Expect(err).To(MatchError(storagedump.ErrBlockNotFound))
		})
	})

	Describe("pin verification", func() {
		It("flags a block that changed while the dump ran", func() {
			gw.OnStorageRange = func(int) {
				gw.ReplaceBlock(1, common.HexToHash("0xdead"))
			}
			d := dump.New(gw, cfg, nil, logger)

			res, err := d.Dump(ctx, dump.Request{Address: token, BlockTag: "1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Partial()).To(BeTrue())
			Expect(res.Err()).To(MatchError(storagedump.ErrPartialDump))
			Expect(res.Errors()).To(ContainElement(ContainSubstring(storagedump.ErrPinMoved.Error())))
		})
	})
})
