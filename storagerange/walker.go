// Package storagerange pages the raw storage of a contract through
// debug_storageRangeAt at a pinned block hash.
package storagerange

import (
	"context"
	"errors"
	"fmt"

	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"

	"github.com/luxfi/storagedump"
)

// Walker pages storage with a fixed page size and a hard page cap
type Walker struct {
	gateway storagedump.Gateway
	log     log.Logger

	PageSize int
	MaxPages int
}

// NewWalker creates a walker with the default page size and cap
func NewWalker(gateway storagedump.Gateway, logger log.Logger) *Walker {
	return &Walker{
		gateway:  gateway,
		log:      logger,
		PageSize: storagedump.DefaultPageSize,
		MaxPages: storagedump.DefaultMaxPages,
	}
}

// Result is the outcome of one walk. Storage holds every slot collected
// before the walk stopped, even when Status is partial.
type Result struct {
	Storage    map[common.Hash]common.Hash // hashed slot → value
	Preimages  map[common.Hash]common.Hash // hashed slot → slot, where known
	Pages      int
	Status     storagedump.StorageStatus
	LastCursor common.Hash // cursor the next page would have started from
	Err        error
}

// Walk pages storage of address at blockHash starting from start. Provider
// faults never escape as errors; they end the walk with a partial status and
// the cause in Result.Err.
func (w *Walker) Walk(ctx context.Context, address common.Address, blockHash common.Hash, start common.Hash) *Result {
	res := &Result{
		Storage:    make(map[common.Hash]common.Hash),
		Preimages:  make(map[common.Hash]common.Hash),
		LastCursor: start,
	}

	if r, ok := w.gateway.(storagedump.CapabilityReporter); ok && r.DebugCapability() == storagedump.CapabilityUnsupported {
		res.Status = storagedump.StorageUnsupported
		res.Err = storagedump.ErrUnsupportedDebugAPI
		w.log.Warn("Skipping storage walk, provider lacks debug_storageRangeAt", "address", address.Hex())
		return res
	}

	pageSize := w.PageSize
	if pageSize <= 0 {
		pageSize = storagedump.DefaultPageSize
	}
	maxPages := w.MaxPages
	if maxPages <= 0 {
		maxPages = storagedump.DefaultMaxPages
	}

	cursor := start
	for {
		if err := ctx.Err(); err != nil {
			res.Status = storagedump.StorageCancelled
			res.Err = err
			return res
		}

		page, err := w.gateway.StorageRangeAt(ctx, blockHash, 0, address, cursor, pageSize)
		if err != nil {
			switch {
			case errors.Is(err, storagedump.ErrUnsupportedDebugAPI):
				res.Status = storagedump.StorageUnsupported
				w.log.Warn("Provider lacks debug_storageRangeAt, raw storage unavailable", "address", address.Hex())
			case ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				res.Status = storagedump.StorageCancelled
			default:
				res.Status = storagedump.StorageFaulted
				w.log.Warn("Storage walk aborted",
					"address", address.Hex(),
					"pages", res.Pages,
					"cursor", cursor.Hex(),
					"error", err,
				)
			}
			res.Err = fmt.Errorf("storage page %d at %s: %w", res.Pages+1, cursor.Hex(), err)
			return res
		}
		res.Pages++

		for hashed, entry := range page.Storage {
			res.Storage[hashed] = entry.Value
			if entry.Key != nil {
				res.Preimages[hashed] = *entry.Key
			}
		}

		if !page.HasNext() {
			res.Status = storagedump.StorageComplete
			w.log.Debug("Storage walk complete",
				"address", address.Hex(),
				"pages", res.Pages,
				"slots", len(res.Storage),
			)
			return res
		}
		cursor = *page.NextKey
		res.LastCursor = cursor

		if res.Pages >= maxPages {
			res.Status = storagedump.StorageCapped
			w.log.Warn("Storage walk hit page cap",
				"address", address.Hex(),
				"pages", res.Pages,
				"slots", len(res.Storage),
				"cursor", cursor.Hex(),
			)
			return res
		}
	}
}
