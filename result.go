package storagedump

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/luxfi/geth/common"
)

// StorageStatus records how a storage range walk ended
type StorageStatus string

const (
	StorageComplete    StorageStatus = "complete"    // provider returned no continuation cursor
	StorageUnsupported StorageStatus = "unsupported" // debug API absent
	StorageFaulted     StorageStatus = "faulted"     // provider error mid walk
	StorageCapped      StorageStatus = "capped"      // page cap reached with a live cursor
	StorageCancelled   StorageStatus = "cancelled"   // caller aborted the walk
	StorageSkipped     StorageStatus = "skipped"     // walk not requested
)

// Partial reports whether the walk stopped before the provider signalled the end
func (s StorageStatus) Partial() bool {
	return s != StorageComplete && s != StorageSkipped
}

// MappingValues holds the resolved entries of one mapping. Exactly one of
// Flat and Nested is populated, depending on the mapping's depth.
type MappingValues struct {
	Flat   map[string]common.Hash
	Nested map[string]map[string]common.Hash
}

// IsNested reports whether the values are keyed outer-then-inner
func (v MappingValues) IsNested() bool {
	return v.Nested != nil
}

// Len returns the number of leaf values
func (v MappingValues) Len() int {
	if v.Nested == nil {
		return len(v.Flat)
	}
	n := 0
	for _, inner := range v.Nested {
		n += len(inner)
	}
	return n
}

func (v MappingValues) clone() MappingValues {
	out := MappingValues{}
	if v.Nested != nil {
		out.Nested = make(map[string]map[string]common.Hash, len(v.Nested))
		for outer, inner := range v.Nested {
			m := make(map[string]common.Hash, len(inner))
			for k, val := range inner {
				m[k] = val
			}
			out.Nested[outer] = m
		}
		return out
	}
	out.Flat = make(map[string]common.Hash, len(v.Flat))
	for k, val := range v.Flat {
		out.Flat[k] = val
	}
	return out
}

// MarshalJSON encodes {"key": "0xvalue"} or {"outer": {"inner": "0xvalue"}}
func (v MappingValues) MarshalJSON() ([]byte, error) {
	if v.Nested != nil {
		return json.Marshal(v.Nested)
	}
	if v.Flat == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v.Flat)
}

// UnmarshalJSON detects the depth from the first entry. An empty object
// decodes as flat; DumpResult restores the depth of empty nested mappings.
func (v *MappingValues) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = MappingValues{}
	for _, val := range raw {
		if strings.HasPrefix(strings.TrimSpace(string(val)), "{") {
			return json.Unmarshal(data, &v.Nested)
		}
		break
	}
	return json.Unmarshal(data, &v.Flat)
}

// DumpParts carries the pieces an assembler merges into a DumpResult
type DumpParts struct {
	Address       common.Address
	ChainID       uint64
	Block         Block
	Storage       map[common.Hash]common.Hash
	Preimages     map[common.Hash]common.Hash
	StorageStatus StorageStatus
	Mappings      map[string]MappingValues
	Errors        []error
}

// DumpResult is an immutable storage snapshot of one contract at one pinned block.
// Accessors return copies.
type DumpResult struct {
	address       common.Address
	chainID       uint64
	blockNumber   uint64
	blockHash     common.Hash
	storage       map[common.Hash]common.Hash
	preimages     map[common.Hash]common.Hash
	storageStatus StorageStatus
	mappings      map[string]MappingValues
	errors        []string
}

// NewDumpResult deep-copies parts into a new result
func NewDumpResult(parts DumpParts) *DumpResult {
	r := &DumpResult{
		address:       parts.Address,
		chainID:       parts.ChainID,
		blockNumber:   parts.Block.Number,
		blockHash:     parts.Block.Hash,
		storage:       copyHashes(parts.Storage),
		preimages:     copyHashes(parts.Preimages),
		storageStatus: parts.StorageStatus,
		mappings:      make(map[string]MappingValues, len(parts.Mappings)),
	}
	if r.storageStatus == "" {
		r.storageStatus = StorageSkipped
	}
	for name, v := range parts.Mappings {
		r.mappings[name] = v.clone()
	}
	for _, err := range parts.Errors {
		if err != nil {
			r.errors = append(r.errors, err.Error())
		}
	}
	return r
}

func (r *DumpResult) Address() common.Address { return r.address }
func (r *DumpResult) ChainID() uint64         { return r.chainID }
func (r *DumpResult) BlockNumber() uint64     { return r.blockNumber }
func (r *DumpResult) BlockHash() common.Hash  { return r.blockHash }

// Block returns the pinned snapshot the dump was read at
func (r *DumpResult) Block() Block {
	return Block{Number: r.blockNumber, Hash: r.blockHash}
}

// StorageStatus returns how the raw storage walk ended
func (r *DumpResult) StorageStatus() StorageStatus { return r.storageStatus }

// Storage returns a copy of the raw slot → value map
func (r *DumpResult) Storage() map[common.Hash]common.Hash { return copyHashes(r.storage) }

// Preimages returns a copy of the hashed slot → slot preimage map
func (r *DumpResult) Preimages() map[common.Hash]common.Hash { return copyHashes(r.preimages) }

// Mapping returns a copy of one resolved mapping
func (r *DumpResult) Mapping(name string) (MappingValues, bool) {
	v, ok := r.mappings[name]
	if !ok {
		return MappingValues{}, false
	}
	return v.clone(), true
}

// MappingNames returns the resolved mapping names in sorted order
func (r *DumpResult) MappingNames() []string {
	names := make([]string, 0, len(r.mappings))
	for name := range r.mappings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Errors returns the provider faults captured while assembling the dump
func (r *DumpResult) Errors() []string {
	return append([]string(nil), r.errors...)
}

// Partial reports whether any part of the dump is known to be incomplete
func (r *DumpResult) Partial() bool {
	return r.storageStatus.Partial() || len(r.errors) > 0
}

// Err returns ErrPartialDump with the captured causes when the dump is partial
func (r *DumpResult) Err() error {
	if !r.Partial() {
		return nil
	}
	if len(r.errors) == 0 {
		return fmt.Errorf("%w: storage walk %s", ErrPartialDump, r.storageStatus)
	}
	return fmt.Errorf("%w: storage walk %s: %s", ErrPartialDump, r.storageStatus, strings.Join(r.errors, "; "))
}

type dumpResultJSON struct {
	Address       string                   `json:"address"`
	ChainID       uint64                   `json:"chainId"`
	BlockNumber   uint64                   `json:"blockNumber"`
	BlockHash     common.Hash              `json:"blockHash"`
	Storage       map[string]string        `json:"storage"`
	Mappings      map[string]MappingValues `json:"mappings"`
	StorageStatus StorageStatus            `json:"storageStatus"`
	Partial       bool                     `json:"partial"`
	Preimages     map[string]string        `json:"preimages,omitempty"`
	Errors        []string                 `json:"errors,omitempty"`

	// NestedMappings names the two-level mappings so empty ones keep their depth
	NestedMappings []string `json:"nestedMappings,omitempty"`
}

// MarshalJSON encodes the dump in the export format
func (r *DumpResult) MarshalJSON() ([]byte, error) {
	out := dumpResultJSON{
		Address:       r.address.Hex(),
		ChainID:       r.chainID,
		BlockNumber:   r.blockNumber,
		BlockHash:     r.blockHash,
		Storage:       hashesToHex(r.storage),
		Mappings:      r.mappings,
		StorageStatus: r.storageStatus,
		Partial:       r.Partial(),
		Errors:        r.errors,
	}
	if len(r.preimages) > 0 {
		out.Preimages = hashesToHex(r.preimages)
	}
	if out.Mappings == nil {
		out.Mappings = map[string]MappingValues{}
	}
	for _, name := range r.MappingNames() {
		if r.mappings[name].IsNested() {
			out.NestedMappings = append(out.NestedMappings, name)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the export format, normalizing every word to 32 bytes
func (r *DumpResult) UnmarshalJSON(data []byte) error {
	var in dumpResultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	storage, err := hexToHashes(in.Storage)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	preimages, err := hexToHashes(in.Preimages)
	if err != nil {
		return fmt.Errorf("preimages: %w", err)
	}
	var address common.Address
	if in.Address != "" {
		if !common.IsHexAddress(in.Address) {
			return fmt.Errorf("%w: %q", ErrInvalidAddress, in.Address)
		}
		address = common.HexToAddress(in.Address)
	}
	*r = DumpResult{
		address:       address,
		chainID:       in.ChainID,
		blockNumber:   in.BlockNumber,
		blockHash:     in.BlockHash,
		storage:       storage,
		preimages:     preimages,
		storageStatus: in.StorageStatus,
		mappings:      in.Mappings,
		errors:        in.Errors,
	}
	if r.mappings == nil {
		r.mappings = map[string]MappingValues{}
	}
	for _, name := range in.NestedMappings {
		v, ok := r.mappings[name]
		if !ok || v.IsNested() {
			continue
		}
		if len(v.Flat) > 0 {
			return fmt.Errorf("mapping %q: nested mapping holds flat values", name)
		}
		r.mappings[name] = MappingValues{Nested: map[string]map[string]common.Hash{}}
	}
	return nil
}

// NormalizeWord parses a hex word of at most 32 bytes and left-pads it to 32 bytes
func NormalizeWord(s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	if !has0xPrefix(s) {
		return common.Hash{}, fmt.Errorf("word %q lacks 0x prefix", s)
	}
	body := s[2:]
	if len(body) > 64 {
		return common.Hash{}, fmt.Errorf("word %q exceeds 32 bytes", s)
	}
	for _, c := range body {
		if !isHexDigit(c) {
			return common.Hash{}, fmt.Errorf("word %q is not hex", s)
		}
	}
	return common.HexToHash(s), nil
}

func isHexDigit(c rune) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func copyHashes(in map[common.Hash]common.Hash) map[common.Hash]common.Hash {
	out := make(map[common.Hash]common.Hash, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func hashesToHex(in map[common.Hash]common.Hash) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k.Hex()] = v.Hex()
	}
	return out
}

func hexToHashes(in map[string]string) (map[common.Hash]common.Hash, error) {
	out := make(map[common.Hash]common.Hash, len(in))
	for k, v := range in {
		key, err := NormalizeWord(k)
		if err != nil {
			return nil, err
		}
		val, err := NormalizeWord(v)
		if err != nil {
			return nil, err
		}
		out[key] = val
	}
	return out, nil
}
