package storagedump

import (
	"encoding/binary"
	"errors"

	"github.com/luxfi/geth/crypto"
	"github.com/luxfi/ids"
)

// ErrCacheMiss is returned by Cache.Get when no entry exists for a key
var ErrCacheMiss = errors.New("cache miss")

// Cache stores serialized results under content-hash keys
type Cache interface {
	Get(key ids.ID) ([]byte, error)
	Put(key ids.ID, value []byte) error
}

// CacheKey derives a content-hash key from the parts that fully determine a result.
// Every part is length-prefixed so adjacent parts cannot run together.
func CacheKey(namespace string, parts ...[]byte) ids.ID {
	data := make([][]byte, 0, 2*len(parts)+1)
	data = append(data, []byte(namespace))
	for _, p := range parts {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		data = append(data, n[:], p)
	}
	return ids.ID(crypto.Keccak256Hash(data...))
}
