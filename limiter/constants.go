package limiter

import "time"

// Dimension tags used as the first component of a rate limit key.
const (
	DimensionIP       Dimension = "ip"
	DimensionUser     Dimension = "user"
	DimensionCombined Dimension = "combined"
)

// Storage types
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

const (
	// MaxKeyLength bounds every key handed to a Store.
	MaxKeyLength = 100
	// keyDelimiter separates key components. It is stripped from sanitized values.
	keyDelimiter = "|"
	// ttlWindows is the number of windows a bucket survives without traffic.
	ttlWindows = 2

	// DefaultKeyPrefix namespaces bucket records in Redis.
	DefaultKeyPrefix = "ratelimit:"
	// DefaultOperationTimeout bounds a single store round trip.
	DefaultOperationTimeout = 1 * time.Second
	// DefaultConnectTimeout bounds dialing the store.
	DefaultConnectTimeout = 500 * time.Millisecond
)

// Dimension identifies what a key limits by.
type Dimension string
