package storagedump

import "errors"

// Common storage dump errors
var (
	// ErrBlockNotFound indicates an explicitly requested block does not exist
	ErrBlockNotFound = errors.New("block not found")

	// ErrInvalidBlockTag indicates a block tag that is neither a number nor a known symbolic tag
	ErrInvalidBlockTag = errors.New("invalid block tag")

	// ErrInvalidBlockRange indicates an invalid block range
	ErrInvalidBlockRange = errors.New("invalid block range: start > end")

	// ErrUnsupportedDebugAPI indicates the provider does not serve debug_storageRangeAt
	ErrUnsupportedDebugAPI = errors.New("debug_storageRangeAt not supported by provider")

	// ErrPartialDump marks a dump whose storage walk or mapping reads were truncated
	ErrPartialDump = errors.New("partial dump")

	// ErrPinMoved indicates the pinned block hash no longer matches the block at that height
	ErrPinMoved = errors.New("pinned block changed during dump")

	// ErrUnsupportedKeyType indicates a mapping key type that has no known encoding
	ErrUnsupportedKeyType = errors.New("unsupported mapping key type")

	// ErrInvalidKey indicates a mapping key value that does not fit its declared type
	ErrInvalidKey = errors.New("invalid mapping key")

	// ErrInvalidMappingSpec indicates a structurally invalid mapping declaration
	ErrInvalidMappingSpec = errors.New("invalid mapping spec")

	// ErrLogRangeTooLarge indicates the provider rejected a log query window as too large
	ErrLogRangeTooLarge = errors.New("log query range too large for provider")

	// ErrInvalidAddress indicates a malformed or badly checksummed address
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInvalidScanMode indicates an unknown key discovery mode
	ErrInvalidScanMode = errors.New("invalid key discovery mode")

	// ErrRPCConnectionFailed indicates RPC connection failed
	ErrRPCConnectionFailed = errors.New("RPC connection failed")
)
