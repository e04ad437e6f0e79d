// Package rpcclient implements storagedump.Gateway over Ethereum JSON-RPC.
// Standard methods go through ethclient; eth_getBlockByNumber, pinned
// eth_getStorageAt and debug_storageRangeAt are raw calls so that responses
// from non-geth providers decode without header re-hashing.
package rpcclient

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/luxfi/geth"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"
	"github.com/luxfi/geth/ethclient"
	"github.com/luxfi/geth/rpc"
	"github.com/luxfi/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/storagedump"
	"github.com/luxfi/storagedump/rpcapi"
)

const (
	methodBlockByNumber  = "eth_getBlockByNumber"
	methodStorageAt      = "eth_getStorageAt"
	methodStorageRangeAt = "debug_storageRangeAt"
	methodChainID        = "eth_chainId"
	methodBlockNumber    = "eth_blockNumber"
	methodGetLogs        = "eth_getLogs"

	jsonrpcMethodNotFound = -32601
	jsonrpcInvalidParams  = -32602
	jsonrpcLimitExceeded  = -32005
)

// Client talks to one RPC endpoint. The debug storage-range capability is
// negotiated on first use and cached for the lifetime of the client.
type Client struct {
	rpc *rpc.Client
	eth *ethclient.Client
	log log.Logger

	metrics *metrics

	mu         sync.RWMutex
	capability storagedump.Capability
}

// Dial connects to an RPC endpoint. reg may be nil to skip metrics registration.
func Dial(ctx context.Context, url string, logger log.Logger, reg prometheus.Registerer) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("RPC URL required")
	}
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storagedump.ErrRPCConnectionFailed, err)
	}
	client, err := NewClient(c, logger, reg)
	if err != nil {
		c.Close()
		return nil, err
	}
	return client, nil
}

// NewClient wraps an existing rpc client
func NewClient(c *rpc.Client, logger log.Logger, reg prometheus.Registerer) (*Client, error) {
	m, err := newMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	return &Client{
		rpc:     c,
		eth:     ethclient.NewClient(c),
		log:     logger,
		metrics: m,
	}, nil
}

// Close closes the underlying connection
func (c *Client) Close() {
	c.rpc.Close()
}

// DebugCapability returns the negotiated debug_storageRangeAt availability
func (c *Client) DebugCapability() storagedump.Capability {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capability
}

func (c *Client) setCapability(capability storagedump.Capability) {
	c.mu.Lock()
	prev := c.capability
	c.capability = capability
	c.mu.Unlock()

	if prev != capability {
		c.log.Info("Debug storage range capability negotiated", "capability", capability.String())
	}
}

// ChainID returns the endpoint's eth_chainId
func (c *Client) ChainID(ctx context.Context) (id *big.Int, err error) {
	defer func(start time.Time) { c.metrics.observe(methodChainID, start, err) }(time.Now())

	id, err = c.eth.ChainID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "eth_chainId failed")
	}
	return id, nil
}

// BlockNumber returns the head height
func (c *Client) BlockNumber(ctx context.Context) (n uint64, err error) {
	defer func(start time.Time) { c.metrics.observe(methodBlockNumber, start, err) }(time.Now())

	n, err = c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "eth_blockNumber failed")
	}
	return n, nil
}

// BlockByNumber fetches a block header with its transaction hashes
func (c *Client) BlockByNumber(ctx context.Context, number *big.Int) (blk *storagedump.Block, err error) {
	defer func(start time.Time) { c.metrics.observe(methodBlockByNumber, start, err) }(time.Now())

	var raw *rpcapi.Block
	if err = c.rpc.CallContext(ctx, &raw, methodBlockByNumber, rpcapi.ToBlockNumArg(number), false); err != nil {
		return nil, errors.Wrapf(err, "eth_getBlockByNumber(%s) failed", rpcapi.ToBlockNumArg(number))
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s", storagedump.ErrBlockNotFound, rpcapi.ToBlockNumArg(number))
	}
	return raw.ToBlock(), nil
}

// StorageAt point-reads one slot at an EIP-1898 block-hash selector
func (c *Client) StorageAt(ctx context.Context, address common.Address, slot common.Hash, blockHash common.Hash) (value common.Hash, err error) {
	defer func(start time.Time) { c.metrics.observe(methodStorageAt, start, err) }(time.Now())

	var raw string
	if err = c.rpc.CallContext(ctx, &raw, methodStorageAt, address, slot, rpcapi.BlockHashArg(blockHash)); err != nil {
		return common.Hash{}, errors.Wrapf(err, "eth_getStorageAt(%s, %s) failed", address.Hex(), slot.Hex())
	}
	value, err = storagedump.NormalizeWord(raw)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "eth_getStorageAt returned a malformed word")
	}
	return value, nil
}

// FilterLogs runs eth_getLogs over one window. A provider rejection for size
// is reported as storagedump.ErrLogRangeTooLarge.
func (c *Client) FilterLogs(ctx context.Context, q storagedump.LogQuery) (logs []types.Log, err error) {
	defer func(start time.Time) { c.metrics.observe(methodGetLogs, start, err) }(time.Now())

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(q.FromBlock),
		ToBlock:   new(big.Int).SetUint64(q.ToBlock),
		Addresses: []common.Address{q.Address},
	}
	if q.Topic0 != nil {
		query.Topics = [][]common.Hash{{*q.Topic0}}
	}

	logs, err = c.eth.FilterLogs(ctx, query)
	if err != nil {
		if isRangeTooLarge(err) {
			return nil, fmt.Errorf("%w: %v", storagedump.ErrLogRangeTooLarge, err)
		}
		return nil, errors.Wrapf(err, "eth_getLogs [%d, %d] failed", q.FromBlock, q.ToBlock)
	}
	return logs, nil
}

// StorageRangeAt fetches one debug_storageRangeAt page. Once the provider has
// answered that the method does not exist, later calls fail fast without a
// round trip.
func (c *Client) StorageRangeAt(ctx context.Context, blockHash common.Hash, txIndex int, address common.Address, start common.Hash, limit int) (page *storagedump.StorageRange, err error) {
	if c.DebugCapability() == storagedump.CapabilityUnsupported {
		return nil, storagedump.ErrUnsupportedDebugAPI
	}
	defer func(begin time.Time) { c.metrics.observe(methodStorageRangeAt, begin, err) }(time.Now())

	var raw rpcapi.StorageRangeResult
	err = c.rpc.CallContext(ctx, &raw, methodStorageRangeAt, blockHash, txIndex, address, start, limit)
	if err != nil {
		if isMethodUnsupported(err, methodStorageRangeAt) {
			c.setCapability(storagedump.CapabilityUnsupported)
			return nil, fmt.Errorf("%w: %v", storagedump.ErrUnsupportedDebugAPI, err)
		}
		return nil, errors.Wrap(err, "debug_storageRangeAt failed")
	}
	c.setCapability(storagedump.CapabilitySupported)

	page, err = raw.Normalize()
	if err != nil {
		return nil, errors.Wrap(err, "debug_storageRangeAt returned a malformed page")
	}
	return page, nil
}

// isMethodUnsupported classifies provider answers meaning "this endpoint will
// never serve method". Messages only count when they name the method or the
// missing namespace; state errors such as "historical state ... is not
// available" are faults.
func isMethodUnsupported(err error, method string) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == jsonrpcMethodNotFound {
		return true
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case 405, 501:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"method not found",
		"unsupported method",
		"method not allowed",
		"namespace is disabled",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	if !strings.Contains(msg, strings.ToLower(method)) {
		return false
	}
	for _, s := range []string{
		"does not exist",
		"is not available",
		"not supported",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// isRangeTooLarge classifies eth_getLogs rejections caused by the window size
func isRangeTooLarge(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == jsonrpcLimitExceeded {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"query returned more than",
		"block range",
		"range too large",
		"range is too large",
		"too many blocks",
		"exceed maximum block range",
		"limit exceeded",
		"response size exceeded",
		"log response size",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == jsonrpcInvalidParams && strings.Contains(msg, "range") {
		return true
	}
	return false
}

// Ensure Client implements storagedump.Gateway
var (
	_ storagedump.Gateway            = (*Client)(nil)
	_ storagedump.CapabilityReporter = (*Client)(nil)
)
