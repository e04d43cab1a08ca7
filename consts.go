package lottery

import "time"

const (
	// DefaultEntranceFee is 0.01 of a unit; amounts are counted in gwei (1e-9)
	DefaultEntranceFee uint64 = 10_000_000

	// DefaultInterval is the minimum time between two draws
	DefaultInterval = 30 * time.Second

	// DefaultCallbackGasLimit is the callback resource budget sent with each request
	DefaultCallbackGasLimit uint32 = 500_000

	// DefaultRequestConfirmations is the number of confirmations the oracle waits for
	DefaultRequestConfirmations uint16 = 3

	// DefaultNumWords is the number of random words requested per draw
	DefaultNumWords uint32 = 1

	// DefaultKeyHash is the gas lane used on local development networks
	DefaultKeyHash = "0x474e34a077df58807dbe9c96d3c009b23b3c6d0cce433e59bbf5b34f823bc56c"
)

const (
	// DefaultBaseFee is the flat cost of one randomness request (0.25 of a unit)
	DefaultBaseFee uint64 = 250_000_000

	// DefaultGasPriceLink is the per-word cost of one randomness request
	DefaultGasPriceLink uint64 = 1

	// DefaultSubscriptionFund is the amount used to fund a fresh local subscription
	DefaultSubscriptionFund uint64 = 30_000_000_000

	// MaxNumWords is the most words a single request may ask for
	MaxNumWords uint32 = 500

	// MaxRequestConfirmations is the upper bound for request confirmations
	MaxRequestConfirmations uint16 = 200
)

const (
	// DefaultRetryAttempts is the default number of retry attempts
	DefaultRetryAttempts = 3

	// DefaultRetryInterval is the default interval between retry attempts
	DefaultRetryInterval = 100 * time.Millisecond

	// MaxRetryAttempts is the maximum number of retry attempts allowed
	MaxRetryAttempts = 10

	// DefaultLockTimeout is the default timeout for acquiring distributed locks
	DefaultLockTimeout = 30 * time.Second

	// DefaultLockExpiration is the default expiration time for locks
	DefaultLockExpiration = 30 * time.Second

	// MinLockTimeout is the minimum lock timeout allowed
	MinLockTimeout = 1 * time.Second

	// MaxLockTimeout is the maximum lock timeout allowed
	MaxLockTimeout = 5 * time.Minute

	// LockKeyPrefix is the prefix for Redis lock keys
	LockKeyPrefix = "raffle:lock:"

	// StateKeyPrefix is the prefix for Redis snapshot keys
	StateKeyPrefix = "raffle:state:"

	// DefaultStateTTL is the default TTL for persisted snapshots, 0 keeps them forever
	DefaultStateTTL time.Duration = 0

	// MaxSerializationSize is the maximum allowed size for a serialized snapshot (10MB)
	MaxSerializationSize = 10 * 1024 * 1024
)

const (
	// DefaultKeeperPollInterval is how often a keeper evaluates its upkeep
	DefaultKeeperPollInterval = 5 * time.Second

	// DefaultKeeperLockKey is the distributed lock name shared by keepers
	DefaultKeeperLockKey = "keeper"
)

const (
	// DefaultCircuitBreakerName is the default name for Circuit Breaker
	DefaultCircuitBreakerName = "randomness-oracle"

	// DefaultCircuitBreakerMaxRequests is the default max requests
	DefaultCircuitBreakerMaxRequests = 3

	// DefaultCircuitBreakerInterval is the default interval
	DefaultCircuitBreakerInterval = 60 * time.Second

	// DefaultCircuitBreakerTimeout is the default timeout
	DefaultCircuitBreakerTimeout = 30 * time.Second

	// DefaultCircuitBreakerFailureRatio is the default failure ratio
	DefaultCircuitBreakerFailureRatio = 0.6

	// DefaultCircuitBreakerMinRequests is the default min requests
	DefaultCircuitBreakerMinRequests = 3

	// DefaultCircuitBreakerOnStateChange is the default on state change
	DefaultCircuitBreakerOnStateChange = true
)

const (
	DefaultRedisAddr         = "localhost:6379"
	DefaultRedisPassword     = ""
	DefaultRedisDB           = 0
	DefaultRedisPoolSize     = 50
	DefaultRedisMinIdleConns = 10
	DefaultRedisMaxRetries   = 3
	DefaultRedisDialTimeout  = 5 * time.Second
	DefaultRedisReadTimeout  = 3 * time.Second
	DefaultRedisWriteTimeout = 3 * time.Second
	DefaultRedisPoolTimeout  = 4 * time.Second
)

const (
	StoreBackendMemory = "memory"
	StoreBackendRedis  = "redis"
	StoreBackendBolt   = "bolt"

	DefaultBoltPath   = "./data/raffle.db"
	DefaultServerAddr = ":8080"
)
