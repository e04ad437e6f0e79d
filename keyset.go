package storagedump

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/luxfi/geth/common"
)

// KeySet is a deduplicated set of addresses discovered as mapping keys.
// It is safe for concurrent writers. The zero address is never a member.
type KeySet struct {
	mu   sync.RWMutex
	keys map[common.Address]struct{}
}

// NewKeySet creates a set holding addrs
func NewKeySet(addrs ...common.Address) *KeySet {
	s := &KeySet{keys: make(map[common.Address]struct{}, len(addrs))}
	for _, a := range addrs {
		s.Add(a)
	}
	return s
}

// Add inserts addr and reports whether it was new
func (s *KeySet) Add(addr common.Address) bool {
	if addr == (common.Address{}) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.keys == nil {
		s.keys = make(map[common.Address]struct{})
	}
	if _, ok := s.keys[addr]; ok {
		return false
	}
	s.keys[addr] = struct{}{}
	return true
}

// Contains reports membership
func (s *KeySet) Contains(addr common.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[addr]
	return ok
}

// Len returns the number of distinct keys
func (s *KeySet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Merge adds every member of other
func (s *KeySet) Merge(other *KeySet) {
	for _, a := range other.Addresses() {
		s.Add(a)
	}
}

// Addresses returns the members in ascending byte order
func (s *KeySet) Addresses() []common.Address {
	s.mu.RLock()
	out := make([]common.Address, 0, len(s.keys))
	for a := range s.keys {
		out = append(out, a)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

// Strings returns the checksummed members in ascending byte order
func (s *KeySet) Strings() []string {
	addrs := s.Addresses()
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}

// KeyValues returns the members as mapping keys
func (s *KeySet) KeyValues() []KeyValue {
	addrs := s.Addresses()
	out := make([]KeyValue, len(addrs))
	for i, a := range addrs {
		out[i] = KeyValue(a.Hex())
	}
	return out
}

// MarshalJSON encodes the set as a flat sorted array of checksummed addresses
func (s *KeySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

// UnmarshalJSON decodes a flat array of addresses
func (s *KeySet) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	set := NewKeySet()
	for _, r := range raw {
		addr, err := ParseAddress(r)
		if err != nil {
			return err
		}
		set.Add(addr)
	}
	s.mu.Lock()
	s.keys = set.keys
	s.mu.Unlock()
	return nil
}

// ParseAddress validates a hex address. All-lowercase and all-uppercase
// spellings are accepted; mixed case must carry a valid EIP-55 checksum.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	addr := common.HexToAddress(s)

	body := s
	if has0xPrefix(body) {
		body = body[2:]
	}
	if hasMixedCase(body) && body != addr.Hex()[2:] {
		return common.Address{}, fmt.Errorf("%w: bad checksum %q", ErrInvalidAddress, s)
	}
	return addr, nil
}

func has0xPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

func hasMixedCase(s string) bool {
	var lower, upper bool
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'f':
			lower = true
		case c >= 'A' && c <= 'F':
			upper = true
		}
	}
	return lower && upper
}
