// Package keyscan discovers candidate mapping keys by scanning the indexed
// address topics of historical event logs.
package keyscan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/core/types"
	"github.com/luxfi/geth/crypto"
	"github.com/luxfi/log"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/storagedump"
)

// Scanner queries eth_getLogs over fixed-size block windows
type Scanner struct {
	gateway storagedump.Gateway
	log     log.Logger

	BatchSize   uint64
	Concurrency int
	Attempts    uint
	RetryDelay  time.Duration
}

// NewScanner creates a sequential scanner with the default window size and no retries
func NewScanner(gateway storagedump.Gateway, logger log.Logger) *Scanner {
	return &Scanner{
		gateway:     gateway,
		log:         logger,
		BatchSize:   storagedump.DefaultLogBatchSize,
		Concurrency: 1,
		Attempts:    1,
		RetryDelay:  storagedump.DefaultRetryDelay,
	}
}

// Range is an inclusive block range
type Range struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// WindowError records a window whose logs could not be fetched
type WindowError struct {
	From uint64
	To   uint64
	Err  error
}

func (e *WindowError) Error() string {
	return fmt.Sprintf("logs [%d, %d]: %v", e.From, e.To, e.Err)
}

func (e *WindowError) Unwrap() error { return e.Err }

// Pair is one owner → spender relation seen in an Approval event
type Pair struct {
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
}

// Result is the outcome of one scan. Keys gathered from successful windows
// are kept even when sibling windows fail.
type Result struct {
	Emitter   common.Address
	Mode      storagedump.ScanMode
	Topic0    *common.Hash
	FromBlock uint64
	ToBlock   uint64

	Keys    *storagedump.KeySet
	Covered []Range
	Failed  []*WindowError
	Logs    int

	pairs map[common.Address]*storagedump.KeySet
}

// Partial reports whether any window was not scanned
func (r *Result) Partial() bool {
	return len(r.Failed) > 0
}

// Err summarizes failed windows, or returns nil for a complete scan
func (r *Result) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	if len(r.Failed) == 1 {
		return r.Failed[0]
	}
	return fmt.Errorf("%w (and %d more failed windows)", r.Failed[0], len(r.Failed)-1)
}

// Errors returns the failed windows as plain errors
func (r *Result) Errors() []error {
	out := make([]error, len(r.Failed))
	for i, f := range r.Failed {
		out[i] = f
	}
	return out
}

// Pairs returns the recorded owner → spender relations sorted by owner then spender
func (r *Result) Pairs() []Pair {
	owners := make([]common.Address, 0, len(r.pairs))
	for owner := range r.pairs {
		owners = append(owners, owner)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i].Cmp(owners[j]) < 0 })

	var out []Pair
	for _, owner := range owners {
		for _, spender := range r.pairs[owner].Addresses() {
			out = append(out, Pair{Owner: owner, Spender: spender})
		}
	}
	return out
}

// MappingSpec builds a declaration that reads the discovered keys from a
// mapping at slot. Allowance scans produce a nested owner → spender spec;
// every other mode produces a simple address-keyed spec.
func (r *Result) MappingSpec(name string, slot *uint256.Int) storagedump.MappingSpec {
	if name == "" {
		name = r.Mode.DefaultMappingName()
	}
	if r.Mode == storagedump.ModeERC20Allowance {
		spec := storagedump.MappingSpec{
			Name:     name,
			Slot:     slot,
			KeyTypes: []storagedump.KeyType{storagedump.KeyTypeAddress, storagedump.KeyTypeAddress},
		}
		owners := make(map[common.Address]int)
		for _, p := range r.Pairs() {
			i, ok := owners[p.Owner]
			if !ok {
				i = len(spec.NestedKeys)
				owners[p.Owner] = i
				spec.NestedKeys = append(spec.NestedKeys, storagedump.NestedKey{Outer: storagedump.KeyValue(p.Owner.Hex())})
			}
			spec.NestedKeys[i].Inner = append(spec.NestedKeys[i].Inner, storagedump.KeyValue(p.Spender.Hex()))
		}
		return spec
	}
	return storagedump.MappingSpec{
		Name:    name,
		Slot:    slot,
		KeyType: storagedump.KeyTypeAddress,
		Keys:    r.Keys.KeyValues(),
	}
}

// TopicAddress extracts an address from an indexed topic. A topic is address
// shaped only if its top 12 bytes are zero; the zero address is rejected.
func TopicAddress(topic common.Hash) (common.Address, bool) {
	for _, b := range topic[:12] {
		if b != 0 {
			return common.Address{}, false
		}
	}
	addr := common.BytesToAddress(topic[12:])
	if addr == (common.Address{}) {
		return common.Address{}, false
	}
	return addr, true
}

// EventTopic returns topic 0 for an event signature. A 32-byte hex string is
// taken as an already hashed topic; an empty signature matches any event.
func EventTopic(signature string) *common.Hash {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return nil
	}
	if len(signature) == 66 && strings.HasPrefix(signature, "0x") {
		if h, err := storagedump.NormalizeWord(signature); err == nil {
			return &h
		}
	}
	h := crypto.Keccak256Hash([]byte(strings.ReplaceAll(signature, " ", "")))
	return &h
}

// Windows partitions [from, to] into consecutive windows of at most size blocks
func Windows(from, to, size uint64) []Range {
	if size == 0 {
		size = storagedump.DefaultLogBatchSize
	}
	var out []Range
	for start := from; ; {
		end := to
		if to-start >= size {
			end = start + size - 1
		}
		out = append(out, Range{From: start, To: end})
		if end >= to {
			return out
		}
		start = end + 1
	}
}

// Scan discovers keys for spec. Invalid input fails before any query is
// issued; window failures are collected in the result.
func (s *Scanner) Scan(ctx context.Context, spec storagedump.LogScanSpec) (*Result, error) {
	emitter, err := storagedump.ParseAddress(spec.Emitter)
	if err != nil {
		return nil, fmt.Errorf("emitter: %w", err)
	}
	mode, err := storagedump.ParseScanMode(string(spec.Mode))
	if err != nil {
		return nil, err
	}

	signature := spec.EventSignature
	if signature == "" {
		signature = mode.DefaultEventSignature()
	}

	to := spec.ToBlock
	if to == 0 {
		if to, err = s.gateway.BlockNumber(ctx); err != nil {
			return nil, fmt.Errorf("resolve scan head: %w", err)
		}
	}
	if spec.FromBlock > to {
		return nil, fmt.Errorf("%w: %d > %d", storagedump.ErrInvalidBlockRange, spec.FromBlock, to)
	}

	batch := spec.BatchSize
	if batch == 0 {
		batch = s.BatchSize
	}
	concurrency := spec.Concurrency
	if concurrency <= 0 {
		concurrency = s.Concurrency
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	attempts := spec.Attempts
	if attempts == 0 {
		attempts = s.Attempts
	}
	if attempts == 0 {
		attempts = 1
	}

	res := &Result{
		Emitter:   emitter,
		Mode:      mode,
		Topic0:    EventTopic(signature),
		FromBlock: spec.FromBlock,
		ToBlock:   to,
		Keys:      storagedump.NewKeySet(),
		pairs:     make(map[common.Address]*storagedump.KeySet),
	}

	windows := Windows(spec.FromBlock, to, batch)
	s.log.Info("Scanning logs for mapping keys",
		"emitter", emitter.Hex(),
		"mode", string(mode),
		"from", spec.FromBlock,
		"to", to,
		"windows", len(windows),
		"concurrency", concurrency,
	)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(concurrency)

	for _, w := range windows {
		w := w
		g.Go(func() error {
			var logs []types.Log
			err := ctx.Err()
			if err == nil {
				logs, err = s.fetch(ctx, storagedump.LogQuery{
					Address:   emitter,
					Topic0:    res.Topic0,
					FromBlock: w.From,
					ToBlock:   w.To,
				}, attempts)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed = append(res.Failed, &WindowError{From: w.From, To: w.To, Err: err})
				if ctx.Err() == nil {
					s.log.Warn("Log window failed", "from", w.From, "to", w.To, "error", err)
				}
				return nil
			}
			res.Logs += len(logs)
			res.Covered = append(res.Covered, w)
			for i := range logs {
				res.collect(&logs[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Covered = mergeRanges(res.Covered)
	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i].From < res.Failed[j].From })

	s.log.Info("Log scan finished",
		"emitter", emitter.Hex(),
		"keys", res.Keys.Len(),
		"logs", res.Logs,
		"failedWindows", len(res.Failed),
	)
	return res, nil
}

func (s *Scanner) fetch(ctx context.Context, q storagedump.LogQuery, attempts uint) ([]types.Log, error) {
	var logs []types.Log
	err := retry.Do(
		func() error {
			l, err := s.gateway.FilterLogs(ctx, q)
			if err != nil {
				return err
			}
			logs = l
			return nil
		},
		retry.Attempts(attempts),
		retry.Delay(s.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, storagedump.ErrLogRangeTooLarge) &&
				!errors.Is(err, context.Canceled) &&
				!errors.Is(err, context.DeadlineExceeded)
		}),
	)
	return logs, err
}

// collect adds the address topics of one log according to the scan mode
func (r *Result) collect(l *types.Log) {
	if l.Removed {
		return
	}
	if r.Mode == storagedump.ModeEventsAny {
		for i := 1; i < len(l.Topics); i++ {
			if addr, ok := TopicAddress(l.Topics[i]); ok {
				r.Keys.Add(addr)
			}
		}
		return
	}

	var first, second common.Address
	var okFirst, okSecond bool
	if len(l.Topics) > 1 {
		first, okFirst = TopicAddress(l.Topics[1])
	}
	if len(l.Topics) > 2 {
		second, okSecond = TopicAddress(l.Topics[2])
	}
	if okFirst {
		r.Keys.Add(first)
	}
	if okSecond {
		r.Keys.Add(second)
	}
	if r.Mode == storagedump.ModeERC20Allowance && okFirst && okSecond {
		spenders, ok := r.pairs[first]
		if !ok {
			spenders = storagedump.NewKeySet()
			r.pairs[first] = spenders
		}
		spenders.Add(second)
	}
}

// mergeRanges sorts ranges and joins overlapping or adjacent ones
func mergeRanges(in []Range) []Range {
	if len(in) == 0 {
		return nil
	}
	sort.Slice(in, func(i, j int) bool { return in[i].From < in[j].From })
	out := []Range{in[0]}
	for _, r := range in[1:] {
		last := &out[len(out)-1]
		if r.From <= last.To+1 {
			if r.To > last.To {
				last.To = r.To
			}
			continue
		}
		out = append(out, r)
	}
	return out
}
