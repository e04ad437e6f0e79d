// Package blocks pins a storage dump to one concrete (number, hash) snapshot.
package blocks

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/luxfi/geth/rpc"
	"github.com/luxfi/log"

	"github.com/luxfi/storagedump"
)

// Resolver turns a block tag into a resolved block
type Resolver struct {
	gateway storagedump.Gateway
	log     log.Logger

	// HeadWindow is how many blocks below the head a symbolic tag may fall back
	HeadWindow uint64
}

// NewResolver creates a resolver with the default head window
func NewResolver(gateway storagedump.Gateway, logger log.Logger) *Resolver {
	return &Resolver{
		gateway:    gateway,
		log:        logger,
		HeadWindow: storagedump.DefaultHeadWindow,
	}
}

// Tag is a parsed block selector. Exactly one of Number and Symbol is meaningful.
type Tag struct {
	Number   uint64
	Symbol   rpc.BlockNumber
	Explicit bool
}

func (t Tag) String() string {
	if t.Explicit {
		return strconv.FormatUint(t.Number, 10)
	}
	return t.Symbol.String()
}

// ParseTag classifies a block tag. Decimal and 0x-hex numbers are explicit;
// "", latest, safe, finalized and earliest are symbolic. Pending has no
// block hash to pin and is rejected.
func ParseTag(tag string) (Tag, error) {
	s := strings.ToLower(strings.TrimSpace(tag))
	switch s {
	case "", "latest":
		return Tag{Symbol: rpc.LatestBlockNumber}, nil
	case "pending":
		return Tag{}, fmt.Errorf("%w: pending block cannot be pinned", storagedump.ErrInvalidBlockTag)
	case "safe":
		return Tag{Symbol: rpc.SafeBlockNumber}, nil
	case "finalized":
		return Tag{Symbol: rpc.FinalizedBlockNumber}, nil
	case "earliest":
		return Tag{Symbol: rpc.EarliestBlockNumber}, nil
	}

	var (
		n   uint64
		err error
	)
	if strings.HasPrefix(s, "0x") {
		n, err = strconv.ParseUint(s[2:], 16, 64)
	} else {
		n, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return Tag{}, fmt.Errorf("%w: %q", storagedump.ErrInvalidBlockTag, tag)
	}
	return Tag{Number: n, Explicit: true}, nil
}

// Resolve pins tag to a block. An explicit number that does not exist is a
// hard failure. A symbolic tag resolves to the newest block with at least one
// transaction within HeadWindow blocks below the tagged head, or to the head
// itself when the window holds none.
func (r *Resolver) Resolve(ctx context.Context, tag string) (*storagedump.Block, error) {
	t, err := ParseTag(tag)
	if err != nil {
		return nil, err
	}

	if t.Explicit {
		blk, err := r.gateway.BlockByNumber(ctx, new(big.Int).SetUint64(t.Number))
		if err != nil {
			return nil, fmt.Errorf("resolve block %d: %w", t.Number, err)
		}
		r.log.Debug("Resolved explicit block", "number", blk.Number, "hash", blk.Hash.Hex())
		return blk, nil
	}

	head, err := r.gateway.BlockByNumber(ctx, big.NewInt(t.Symbol.Int64()))
	if err != nil {
		return nil, fmt.Errorf("resolve %s block: %w", t, err)
	}
	if head.TxCount > 0 {
		r.log.Debug("Resolved block", "tag", t.String(), "number", head.Number, "hash", head.Hash.Hex())
		return head, nil
	}

	var floor uint64
	if head.Number > r.HeadWindow {
		floor = head.Number - r.HeadWindow
	}
	for n := head.Number; n > floor; {
		n--
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		blk, err := r.gateway.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return nil, fmt.Errorf("scan block %d: %w", n, err)
		}
		if blk.TxCount > 0 {
			r.log.Info("Resolved block below head",
				"tag", t.String(),
				"head", head.Number,
				"number", blk.Number,
				"hash", blk.Hash.Hex(),
				"txCount", blk.TxCount,
			)
			return blk, nil
		}
	}

	r.log.Warn("No block with transactions near head, using head",
		"tag", t.String(),
		"head", head.Number,
		"window", r.HeadWindow,
	)
	return head, nil
}
