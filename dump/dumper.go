// Package dump assembles a storage snapshot of one contract at one pinned
// block from the raw storage walk and the resolved mappings.
package dump

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/storagedump"
	"github.com/luxfi/storagedump/blocks"
	"github.com/luxfi/storagedump/keyscan"
	"github.com/luxfi/storagedump/mapping"
	"github.com/luxfi/storagedump/storagerange"
)

const cacheNamespace = "storagedump/dump/v1"

// Discovery asks the dumper to scan logs for keys and read them from the
// mapping at Slot. Scan.ToBlock 0 means the pinned block.
type Discovery struct {
	Scan storagedump.LogScanSpec `json:"scan"`
	Name string                  `json:"name,omitempty"`
	Slot *uint256.Int            `json:"slot"`
}

// Request selects what to dump
type Request struct {
	Address  common.Address
	BlockTag string

	// StartKey resumes the storage walk from a previous cursor
	StartKey    common.Hash
	SkipStorage bool

	Mappings []storagedump.MappingSpec
	Discover *Discovery

	// Refresh skips the cache lookup; a complete result is still stored
	Refresh bool
}

// Dumper runs the block resolver, storage walker, key scanner and mapping
// resolver against one gateway
type Dumper struct {
	gateway storagedump.Gateway
	cache   storagedump.Cache
	log     log.Logger

	Blocks   *blocks.Resolver
	Walker   *storagerange.Walker
	Scanner  *keyscan.Scanner
	Mappings *mapping.Resolver

	VerifyPin bool
}

// New creates a dumper configured from cfg. cache may be nil.
func New(gateway storagedump.Gateway, cfg storagedump.Config, cache storagedump.Cache, logger log.Logger) *Dumper {
	d := &Dumper{
		gateway:   gateway,
		cache:     cache,
		log:       logger,
		Blocks:    blocks.NewResolver(gateway, logger),
		Walker:    storagerange.NewWalker(gateway, logger),
		Scanner:   keyscan.NewScanner(gateway, logger),
		Mappings:  mapping.NewResolver(gateway, logger),
		VerifyPin: cfg.VerifyPin,
	}
	if cfg.HeadWindow > 0 {
		d.Blocks.HeadWindow = cfg.HeadWindow
	}
	if cfg.PageSize > 0 {
		d.Walker.PageSize = cfg.PageSize
	}
	if cfg.MaxPages > 0 {
		d.Walker.MaxPages = cfg.MaxPages
	}
	if cfg.LogBatchSize > 0 {
		d.Scanner.BatchSize = cfg.LogBatchSize
	}
	if cfg.Concurrency > 0 {
		d.Scanner.Concurrency = cfg.Concurrency
		d.Mappings.Concurrency = cfg.Concurrency
	}
	if cfg.RetryAttempts > 0 {
		d.Scanner.Attempts = cfg.RetryAttempts
		d.Mappings.Attempts = cfg.RetryAttempts
	}
	d.Scanner.RetryDelay = cfg.RetryDelay
	d.Mappings.RetryDelay = cfg.RetryDelay
	return d
}

// Dump produces the snapshot for req. Malformed requests and failures to
// pin a block are returned as errors; provider faults after pinning leave a
// partial result whose Err wraps storagedump.ErrPartialDump.
func (d *Dumper) Dump(ctx context.Context, req Request) (*storagedump.DumpResult, error) {
	res, _, err := d.DumpAndScan(ctx, req)
	return res, err
}

// DumpAndScan is Dump that also returns the key scan run for req.Discover at
// the pinned block. The scan is nil without Discover or on a cache hit.
func (d *Dumper) DumpAndScan(ctx context.Context, req Request) (*storagedump.DumpResult, *keyscan.Result, error) {
	if err := d.validate(req); err != nil {
		return nil, nil, err
	}

	chainID, err := d.gateway.ChainID(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	if !chainID.IsUint64() {
		return nil, nil, fmt.Errorf("chain ID %s out of range", chainID)
	}

	blk, err := d.Blocks.Resolve(ctx, req.BlockTag)
	if err != nil {
		return nil, nil, err
	}
	d.log.Info("Pinned block",
		"address", req.Address.Hex(),
		"chainID", chainID.Uint64(),
		"number", blk.Number,
		"hash", blk.Hash.Hex(),
	)

	key, err := cacheKey(chainID.Uint64(), blk.Hash, req)
	if err != nil {
		return nil, nil, err
	}
	if !req.Refresh {
		if cached := d.lookup(key); cached != nil {
			return cached, nil, nil
		}
	}

	parts := storagedump.DumpParts{
		Address:       req.Address,
		ChainID:       chainID.Uint64(),
		Block:         *blk,
		StorageStatus: storagedump.StorageSkipped,
	}

	var (
		g       errgroup.Group
		walk    *storagerange.Result
		mapped  *mapping.Result
		scanned *keyscan.Result
	)
	if !req.SkipStorage {
		g.Go(func() error {
			walk = d.Walker.Walk(ctx, req.Address, blk.Hash, req.StartKey)
			return nil
		})
	}
	if len(req.Mappings) > 0 || req.Discover != nil {
		g.Go(func() error {
			specs := append([]storagedump.MappingSpec(nil), req.Mappings...)
			if req.Discover != nil {
				scan := req.Discover.Scan
				if scan.ToBlock == 0 {
					scan.ToBlock = blk.Number
				}
				res, err := d.Scanner.Scan(ctx, scan)
				if err != nil {
					return err
				}
				scanned = res
				specs = append(specs, res.MappingSpec(req.Discover.Name, req.Discover.Slot))
			}
			res, err := d.Mappings.Resolve(ctx, req.Address, blk.Hash, specs)
			if err != nil {
				return err
			}
			mapped = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	if walk != nil {
		parts.Storage = walk.Storage
		parts.Preimages = walk.Preimages
		parts.StorageStatus = walk.Status
		if walk.Status == storagedump.StorageFaulted || walk.Status == storagedump.StorageCancelled {
			parts.Errors = append(parts.Errors, walk.Err)
		}
	}
	if scanned != nil {
		parts.Errors = append(parts.Errors, scanned.Errors()...)
	}
	if mapped != nil {
		parts.Mappings = mapped.Mappings
		for _, e := range mapped.Errors {
			parts.Errors = append(parts.Errors, e)
		}
	}
	if d.VerifyPin {
		if err := d.verifyPin(ctx, blk); err != nil {
			parts.Errors = append(parts.Errors, err)
		}
	}

	result := storagedump.NewDumpResult(parts)
	if result.Partial() {
		d.log.Warn("Dump is partial", "address", req.Address.Hex(), "error", result.Err())
		return result, scanned, nil
	}
	d.store(key, result)
	return result, scanned, nil
}

func (d *Dumper) validate(req Request) error {
	if req.Address == (common.Address{}) {
		return fmt.Errorf("%w: contract address required", storagedump.ErrInvalidAddress)
	}
	if _, err := blocks.ParseTag(req.BlockTag); err != nil {
		return err
	}
	if err := mapping.Validate(req.Mappings); err != nil {
		return err
	}
	if req.Discover == nil {
		return nil
	}
	if req.Discover.Slot == nil {
		return fmt.Errorf("%w: key discovery needs a mapping slot", storagedump.ErrInvalidMappingSpec)
	}
	if _, err := storagedump.ParseAddress(req.Discover.Scan.Emitter); err != nil {
		return fmt.Errorf("emitter: %w", err)
	}
	if _, err := storagedump.ParseScanMode(string(req.Discover.Scan.Mode)); err != nil {
		return err
	}
	name := req.Discover.Name
	if name == "" {
		mode, _ := storagedump.ParseScanMode(string(req.Discover.Scan.Mode))
		name = mode.DefaultMappingName()
	}
	for i := range req.Mappings {
		if req.Mappings[i].Name == name {
			return fmt.Errorf("%w: discovered mapping %q collides with a declared mapping", storagedump.ErrInvalidMappingSpec, name)
		}
	}
	return nil
}

// verifyPin re-reads the block at the pinned height and reports a changed hash
func (d *Dumper) verifyPin(ctx context.Context, pinned *storagedump.Block) error {
	blk, err := d.gateway.BlockByNumber(ctx, new(big.Int).SetUint64(pinned.Number))
	if err != nil {
		d.log.Warn("Could not re-verify pinned block", "number", pinned.Number, "error", err)
		return nil
	}
	if blk.Hash != pinned.Hash {
		d.log.Warn("Pinned block changed during dump",
			"number", pinned.Number,
			"pinned", pinned.Hash.Hex(),
			"current", blk.Hash.Hex(),
		)
		return fmt.Errorf("%w: block %d was %s, now %s", storagedump.ErrPinMoved, pinned.Number, pinned.Hash.Hex(), blk.Hash.Hex())
	}
	return nil
}

func (d *Dumper) lookup(key []byte) *storagedump.DumpResult {
	if d.cache == nil {
		return nil
	}
	id := storagedump.CacheKey(cacheNamespace, key)
	data, err := d.cache.Get(id)
	if err != nil {
		return nil
	}
	var result storagedump.DumpResult
	if err := json.Unmarshal(data, &result); err != nil {
		d.log.Warn("Ignoring unreadable cache entry", "key", id.String(), "error", err)
		return nil
	}
	d.log.Info("Serving dump from cache", "key", id.String(), "block", result.BlockNumber())
	return &result
}

func (d *Dumper) store(key []byte, result *storagedump.DumpResult) {
	if d.cache == nil {
		return
	}
	id := storagedump.CacheKey(cacheNamespace, key)
	data, err := json.Marshal(result)
	if err != nil {
		d.log.Warn("Failed to encode dump for cache", "error", err)
		return
	}
	if err := d.cache.Put(id, data); err != nil {
		d.log.Warn("Failed to cache dump", "key", id.String(), "error", err)
		return
	}
	d.log.Debug("Cached dump", "key", id.String(), "bytes", len(data))
}

// cacheKey serializes everything that determines a complete dump
func cacheKey(chainID uint64, blockHash common.Hash, req Request) ([]byte, error) {
	selection, err := json.Marshal(struct {
		StartKey    common.Hash               `json:"startKey"`
		SkipStorage bool                      `json:"skipStorage"`
		Mappings    []storagedump.MappingSpec `json:"mappings"`
		Discover    *Discovery                `json:"discover,omitempty"`
	}{req.StartKey, req.SkipStorage, req.Mappings, req.Discover})
	if err != nil {
		return nil, fmt.Errorf("encode cache key: %w", err)
	}

	var id [8]byte
	binary.BigEndian.PutUint64(id[:], chainID)
	key := make([]byte, 0, len(id)+common.HashLength+common.AddressLength+len(selection))
	key = append(key, id[:]...)
	key = append(key, blockHash[:]...)
	key = append(key, req.Address[:]...)
	return append(key, selection...), nil
}
