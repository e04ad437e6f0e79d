package storagedump

import (
	"fmt"
	"time"
)

const (
	// DefaultPageSize is the debug_storageRangeAt page size
	DefaultPageSize = 1024

	// DefaultMaxPages guards against providers that never return an empty cursor
	DefaultMaxPages = 1024

	// DefaultHeadWindow is how far below the head the resolver looks for a block with transactions
	DefaultHeadWindow uint64 = 1000

	// DefaultLogBatchSize is the eth_getLogs window size
	DefaultLogBatchSize uint64 = 5000

	// DefaultConcurrency bounds parallel log windows and point reads
	DefaultConcurrency = 4

	// DefaultRetryDelay is the fixed delay between attempts when retries are enabled
	DefaultRetryDelay = 500 * time.Millisecond
)

// Config configures a storage dump run
type Config struct {
	RPCURL   string
	BlockTag string

	// Storage walk
	PageSize int
	MaxPages int

	// Block resolution
	HeadWindow uint64

	// Key discovery and point reads
	LogBatchSize  uint64
	Concurrency   int
	RetryAttempts uint
	RetryDelay    time.Duration

	// Re-read the pinned block after the walk and flag a changed hash
	VerifyPin bool

	// Pebble directory for the result cache; empty disables caching
	CachePath string
}

// DefaultConfig returns a config with every default applied
func DefaultConfig() Config {
	return Config{
		BlockTag:      "latest",
		PageSize:      DefaultPageSize,
		MaxPages:      DefaultMaxPages,
		HeadWindow:    DefaultHeadWindow,
		LogBatchSize:  DefaultLogBatchSize,
		Concurrency:   DefaultConcurrency,
		RetryAttempts: 1,
		RetryDelay:    DefaultRetryDelay,
		VerifyPin:     true,
	}
}

// Validate checks the config for values no component can work with
func (c Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC URL required")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive, got %d", c.PageSize)
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive, got %d", c.MaxPages)
	}
	if c.LogBatchSize == 0 {
		return fmt.Errorf("log batch size must be positive")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.RetryAttempts == 0 {
		return fmt.Errorf("retry attempts must be at least 1")
	}
	return nil
}
