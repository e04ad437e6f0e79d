// Package storagedump dumps the raw persistent storage of a deployed contract,
// resolves Solidity mapping entries to their exact storage slots and discovers
// candidate mapping keys from historical event logs.
//
// The concrete components live in subpackages: rpcclient (gateway), blocks
// (block pinning), storagerange (debug_storageRangeAt walker), mapping (slot
// resolution), keyscan (log based key discovery) and dump (assembly).
package storagedump

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// KeyType identifies how a mapping key is ABI encoded into a 32-byte word
type KeyType string

const (
	KeyTypeAddress KeyType = "address"
	KeyTypeUint256 KeyType = "uint256"
	KeyTypeBytes32 KeyType = "bytes32"
)

// Valid reports whether the key type has a known encoding
func (t KeyType) Valid() bool {
	switch t {
	case KeyTypeAddress, KeyTypeUint256, KeyTypeBytes32:
		return true
	}
	return false
}

// KeyValue is a raw mapping key as the caller wrote it. It unmarshals from
// both JSON strings ("0xabc", "123") and JSON numbers (123).
type KeyValue string

// UnmarshalJSON decodes either a string or a number into KeyValue
func (k *KeyValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*k = KeyValue(strings.TrimSpace(s))
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("mapping key must be a string or number: %s", data)
	}
	*k = KeyValue(n.String())
	return nil
}

// NestedKey selects inner keys under one outer key of a two-level mapping.
// JSON form is a two element array: [outerKey, [innerKeys...]].
type NestedKey struct {
	Outer KeyValue
	Inner []KeyValue
}

// UnmarshalJSON decodes the [outer, [inner...]] pair form
func (n *NestedKey) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("%w: nested key must be [outer, [inner...]]", ErrInvalidMappingSpec)
	}
	if len(pair) == 0 || len(pair) > 2 {
		return fmt.Errorf("%w: nested key must have 1 or 2 elements, got %d", ErrInvalidMappingSpec, len(pair))
	}
	if err := json.Unmarshal(pair[0], &n.Outer); err != nil {
		return err
	}
	n.Inner = nil
	if len(pair) == 2 && string(pair[1]) != "null" {
		if err := json.Unmarshal(pair[1], &n.Inner); err != nil {
			return fmt.Errorf("%w: inner keys: %v", ErrInvalidMappingSpec, err)
		}
	}
	return nil
}

// MarshalJSON encodes the pair form
func (n NestedKey) MarshalJSON() ([]byte, error) {
	inner := n.Inner
	if inner == nil {
		inner = []KeyValue{}
	}
	return json.Marshal([]interface{}{n.Outer, inner})
}

// MappingSpec declares one mapping of interest: its base slot, key encoding
// and the keys to resolve. A spec with two KeyTypes describes
// mapping(K1 => mapping(K2 => V)) and uses NestedKeys.
type MappingSpec struct {
	Name       string
	Slot       *uint256.Int
	KeyType    KeyType
	KeyTypes   []KeyType
	Keys       []KeyValue
	NestedKeys []NestedKey
}

// mappingSpecJSON accepts "slot" (file format) and "baseSlot" as aliases
type mappingSpecJSON struct {
	Name     string          `json:"name,omitempty"`
	Slot     json.RawMessage `json:"slot,omitempty"`
	BaseSlot json.RawMessage `json:"baseSlot,omitempty"`
	KeyType  KeyType         `json:"keyType,omitempty"`
	KeyTypes []KeyType       `json:"keyTypes,omitempty"`
	Keys     json.RawMessage `json:"keys,omitempty"`
}

// IsNested reports whether the spec describes a two-level mapping
func (m *MappingSpec) IsNested() bool {
	return len(m.KeyTypes) == 2
}

// OuterKeyType returns the key type of a simple mapping or the outer key type of a nested one
func (m *MappingSpec) OuterKeyType() KeyType {
	if len(m.KeyTypes) > 0 {
		return m.KeyTypes[0]
	}
	if m.KeyType != "" {
		return m.KeyType
	}
	return KeyTypeUint256
}

// InnerKeyType returns the inner key type of a nested mapping
func (m *MappingSpec) InnerKeyType() KeyType {
	if len(m.KeyTypes) == 2 {
		return m.KeyTypes[1]
	}
	return ""
}

// Validate checks the declaration without touching any key value
func (m *MappingSpec) Validate() error {
	if m.Slot == nil {
		return fmt.Errorf("%w: mapping %q has no slot", ErrInvalidMappingSpec, m.Name)
	}
	if len(m.KeyTypes) > 2 {
		return fmt.Errorf("%w: mapping %q declares %d key levels, at most 2 supported", ErrInvalidMappingSpec, m.Name, len(m.KeyTypes))
	}
	if !m.OuterKeyType().Valid() {
		return fmt.Errorf("%w: %q (mapping %q)", ErrUnsupportedKeyType, m.OuterKeyType(), m.Name)
	}
	if m.IsNested() && !m.InnerKeyType().Valid() {
		return fmt.Errorf("%w: %q (mapping %q)", ErrUnsupportedKeyType, m.InnerKeyType(), m.Name)
	}
	return nil
}

// UnmarshalJSON decodes a mapping declaration. Keys are decoded as pairs when
// two key types are declared and as scalars otherwise.
func (m *MappingSpec) UnmarshalJSON(data []byte) error {
	var aux mappingSpecJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	rawSlot := aux.Slot
	if len(rawSlot) == 0 {
		rawSlot = aux.BaseSlot
	}
	*m = MappingSpec{
		Name:     aux.Name,
		KeyType:  aux.KeyType,
		KeyTypes: aux.KeyTypes,
	}
	if len(rawSlot) > 0 && string(rawSlot) != "null" {
		var raw KeyValue
		if err := json.Unmarshal(rawSlot, &raw); err != nil {
			return fmt.Errorf("%w: slot: %v", ErrInvalidMappingSpec, err)
		}
		slot, err := ParseUint256(string(raw))
		if err != nil {
			return fmt.Errorf("%w: slot: %v", ErrInvalidMappingSpec, err)
		}
		m.Slot = slot
	}
	if m.Name == "" && m.Slot != nil {
		m.Name = "mapping@" + m.Slot.Dec()
	}

	if len(aux.Keys) == 0 || string(aux.Keys) == "null" {
		return nil
	}
	if m.IsNested() {
		return json.Unmarshal(aux.Keys, &m.NestedKeys)
	}
	return json.Unmarshal(aux.Keys, &m.Keys)
}

// MarshalJSON encodes the declaration in the mapping file format
func (m MappingSpec) MarshalJSON() ([]byte, error) {
	aux := struct {
		Name     string      `json:"name"`
		Slot     interface{} `json:"slot"`
		KeyType  KeyType     `json:"keyType,omitempty"`
		KeyTypes []KeyType   `json:"keyTypes,omitempty"`
		Keys     interface{} `json:"keys"`
	}{
		Name:     m.Name,
		KeyType:  m.KeyType,
		KeyTypes: m.KeyTypes,
	}
	switch {
	case m.Slot == nil:
		aux.Slot = nil
	case m.Slot.IsUint64():
		aux.Slot = m.Slot.Uint64()
	default:
		aux.Slot = m.Slot.Hex()
	}
	if m.IsNested() {
		keys := m.NestedKeys
		if keys == nil {
			keys = []NestedKey{}
		}
		aux.Keys = keys
	} else {
		keys := m.Keys
		if keys == nil {
			keys = []KeyValue{}
		}
		aux.Keys = keys
	}
	return json.Marshal(aux)
}

// MappingFile is the on-disk mapping declaration format: {"mappings": [...]}
type MappingFile struct {
	Mappings []MappingSpec `json:"mappings"`
}

// Validate validates every declaration and rejects duplicate names
func (f *MappingFile) Validate() error {
	seen := make(map[string]bool, len(f.Mappings))
	for i := range f.Mappings {
		if err := f.Mappings[i].Validate(); err != nil {
			return err
		}
		if seen[f.Mappings[i].Name] {
			return fmt.Errorf("%w: duplicate mapping name %q", ErrInvalidMappingSpec, f.Mappings[i].Name)
		}
		seen[f.Mappings[i].Name] = true
	}
	return nil
}

// ParseUint256 parses a decimal or 0x-prefixed hex unsigned integer up to 2^256-1
func ParseUint256(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty integer")
	}
	b, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	if b.Sign() < 0 {
		return nil, fmt.Errorf("negative integer %q", s)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("integer %q overflows 256 bits", s)
	}
	return v, nil
}

// ScanMode selects which indexed topics of which event contribute keys
type ScanMode string

const (
	ModeERC20Balances  ScanMode = "erc20-balances"
	ModeERC721Owners   ScanMode = "erc721-owners"
	ModeERC20Allowance ScanMode = "erc20-allowance"
	ModeEventsAny      ScanMode = "events-any"
)

// Event signatures used when a scan does not name one
const (
	TransferEventSignature = "Transfer(address,address,uint256)"
	ApprovalEventSignature = "Approval(address,address,uint256)"
)

// ParseScanMode validates a mode name
func ParseScanMode(s string) (ScanMode, error) {
	switch m := ScanMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeERC20Balances, ModeERC721Owners, ModeERC20Allowance, ModeEventsAny:
		return m, nil
	case "":
		return ModeERC20Balances, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidScanMode, s)
}

// DefaultEventSignature returns the event a mode scans when none is given.
// events-any has no default and matches every event of the emitter.
func (m ScanMode) DefaultEventSignature() string {
	switch m {
	case ModeERC20Balances, ModeERC721Owners:
		return TransferEventSignature
	case ModeERC20Allowance:
		return ApprovalEventSignature
	}
	return ""
}

// DefaultMappingName is the mapping a mode's keys usually populate. ERC-721
// holders index the token's balance mapping, not the tokenId owner mapping.
func (m ScanMode) DefaultMappingName() string {
	if m == ModeERC20Allowance {
		return "allowance"
	}
	return "balances"
}

// LogScanSpec describes one key discovery run. ToBlock 0 means the chain head
// (or the pinned block when the scan is part of a dump).
type LogScanSpec struct {
	Emitter        string   `json:"emitterAddress"`
	EventSignature string   `json:"eventSignature,omitempty"`
	FromBlock      uint64   `json:"fromBlock"`
	ToBlock        uint64   `json:"toBlock,omitempty"`
	BatchSize      uint64   `json:"batchSize,omitempty"`
	Mode           ScanMode `json:"mode"`
	Concurrency    int      `json:"concurrency,omitempty"`
	Attempts       uint     `json:"attempts,omitempty"`
}
