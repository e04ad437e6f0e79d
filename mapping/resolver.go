package mapping

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/log"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/storagedump"
)

// KeyError records a failed point read of one mapping entry
type KeyError struct {
	Mapping string
	Outer   string
	Inner   string // empty for simple mappings
	Slot    common.Hash
	Err     error
}

func (e *KeyError) Error() string {
	if e.Inner != "" {
		return fmt.Sprintf("mapping %s[%s][%s] (slot %s): %v", e.Mapping, e.Outer, e.Inner, e.Slot.Hex(), e.Err)
	}
	return fmt.Sprintf("mapping %s[%s] (slot %s): %v", e.Mapping, e.Outer, e.Slot.Hex(), e.Err)
}

func (e *KeyError) Unwrap() error { return e.Err }

// Result holds the resolved values of every requested mapping, keyed by
// mapping name, and the reads that failed.
type Result struct {
	Mappings map[string]storagedump.MappingValues
	Errors   []*KeyError
}

// Resolver point-reads mapping entries
type Resolver struct {
	gateway storagedump.Gateway
	log     log.Logger

	Concurrency int
	Attempts    uint
	RetryDelay  time.Duration
}

// NewResolver creates a resolver with default concurrency and no retries
func NewResolver(gateway storagedump.Gateway, logger log.Logger) *Resolver {
	return &Resolver{
		gateway:     gateway,
		log:         logger,
		Concurrency: storagedump.DefaultConcurrency,
		Attempts:    1,
		RetryDelay:  storagedump.DefaultRetryDelay,
	}
}

type read struct {
	mapping string
	outer   string
	inner   string
	nested  bool
	slot    common.Hash
}

// plan validates every spec and encodes every key without touching the
// provider. The returned reads are deduplicated per mapping.
func plan(specs []storagedump.MappingSpec) ([]read, error) {
	var (
		reads []read
		seen  = make(map[string]bool, len(specs))
	)
	for i := range specs {
		spec := &specs[i]
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("%w: duplicate mapping name %q", storagedump.ErrInvalidMappingSpec, spec.Name)
		}
		seen[spec.Name] = true

		base := BaseWord(spec.Slot)
		dedup := make(map[common.Hash]bool)

		if !spec.IsNested() {
			if len(spec.NestedKeys) > 0 {
				return nil, fmt.Errorf("%w: mapping %q has key pairs but one key type", storagedump.ErrInvalidMappingSpec, spec.Name)
			}
			for _, raw := range spec.Keys {
				key, err := EncodeKey(raw, spec.OuterKeyType())
				if err != nil {
					return nil, fmt.Errorf("mapping %q key %q: %w", spec.Name, raw, err)
				}
				slot := LeafSlot(base, key.Word)
				if dedup[slot] {
					continue
				}
				dedup[slot] = true
				reads = append(reads, read{mapping: spec.Name, outer: key.Canonical, slot: slot})
			}
			continue
		}

		if len(spec.Keys) > 0 {
			return nil, fmt.Errorf("%w: nested mapping %q needs [outer, [inner...]] key pairs", storagedump.ErrInvalidMappingSpec, spec.Name)
		}
		for _, pair := range spec.NestedKeys {
			outer, err := EncodeKey(pair.Outer, spec.OuterKeyType())
			if err != nil {
				return nil, fmt.Errorf("mapping %q outer key %q: %w", spec.Name, pair.Outer, err)
			}
			// an outer key with no inner keys still shows up as an empty map
			reads = append(reads, read{mapping: spec.Name, outer: outer.Canonical, nested: true})

			innerBase := LeafSlot(base, outer.Word)
			for _, raw := range pair.Inner {
				inner, err := EncodeKey(raw, spec.InnerKeyType())
				if err != nil {
					return nil, fmt.Errorf("mapping %q inner key %q: %w", spec.Name, raw, err)
				}
				slot := LeafSlot(innerBase, inner.Word)
				if dedup[slot] {
					continue
				}
				dedup[slot] = true
				reads = append(reads, read{mapping: spec.Name, outer: outer.Canonical, inner: inner.Canonical, nested: true, slot: slot})
			}
		}
	}
	return reads, nil
}

// Validate checks specs and encodes every key without reading anything
func Validate(specs []storagedump.MappingSpec) error {
	_, err := plan(specs)
	return err
}

// Resolve reads every entry of specs from address at blockHash. Invalid specs
// or keys fail the whole call before any read is issued; failed reads are
// collected in Result.Errors and leave their entries out.
func (r *Resolver) Resolve(ctx context.Context, address common.Address, blockHash common.Hash, specs []storagedump.MappingSpec) (*Result, error) {
	reads, err := plan(specs)
	if err != nil {
		return nil, err
	}

	res := &Result{Mappings: make(map[string]storagedump.MappingValues, len(specs))}
	for i := range specs {
		if specs[i].IsNested() {
			res.Mappings[specs[i].Name] = storagedump.MappingValues{Nested: make(map[string]map[string]common.Hash)}
		} else {
			res.Mappings[specs[i].Name] = storagedump.MappingValues{Flat: make(map[string]common.Hash)}
		}
	}

	var mu sync.Mutex
	for _, rd := range reads {
		if rd.nested && rd.inner == "" {
			if _, ok := res.Mappings[rd.mapping].Nested[rd.outer]; !ok {
				res.Mappings[rd.mapping].Nested[rd.outer] = make(map[string]common.Hash)
			}
		}
	}

	concurrency := r.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	var g errgroup.Group
	g.SetLimit(concurrency)

	for _, rd := range reads {
		rd := rd
		if rd.nested && rd.inner == "" {
			continue
		}
		g.Go(func() error {
			value, err := r.readSlot(ctx, address, rd.slot, blockHash)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors = append(res.Errors, &KeyError{
					Mapping: rd.mapping,
					Outer:   rd.outer,
					Inner:   rd.inner,
					Slot:    rd.slot,
					Err:     err,
				})
				return nil
			}
			if rd.nested {
				res.Mappings[rd.mapping].Nested[rd.outer][rd.inner] = value
			} else {
				res.Mappings[rd.mapping].Flat[rd.outer] = value
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(res.Errors) > 0 {
		r.log.Warn("Some mapping entries could not be read",
			"address", address.Hex(),
			"failed", len(res.Errors),
			"reads", len(reads),
		)
	}
	r.log.Debug("Resolved mappings", "address", address.Hex(), "mappings", len(specs), "reads", len(reads))
	return res, nil
}

func (r *Resolver) readSlot(ctx context.Context, address common.Address, slot, blockHash common.Hash) (common.Hash, error) {
	attempts := r.Attempts
	if attempts == 0 {
		attempts = 1
	}

	var value common.Hash
	err := retry.Do(
		func() error {
			v, err := r.gateway.StorageAt(ctx, address, slot, blockHash)
			if err != nil {
				return err
			}
			value = v
			return nil
		},
		retry.Attempts(attempts),
		retry.Delay(r.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}),
	)
	return value, err
}
