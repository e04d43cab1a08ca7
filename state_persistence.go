package lottery

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// SnapshotVersion is the format version written into every snapshot
const SnapshotVersion = 1

// RaffleSnapshot is the persisted round state of a raffle
type RaffleSnapshot struct {
	Address          Address            `json:"address"`
	OracleAddress    Address            `json:"oracle_address"`
	SubscriptionID   uint64             `json:"subscription_id"`
	State            RaffleState        `json:"state"`
	Players          []Address          `json:"players"`
	Balance          uint64             `json:"balance"`
	LastTimestamp    time.Time          `json:"last_timestamp"`
	PendingRequestID uint64             `json:"pending_request_id"`
	CallbackToken    string             `json:"callback_token,omitempty"`
	RecentWinner     Address            `json:"recent_winner"`
	Unpaid           map[Address]uint64 `json:"unpaid,omitempty"`
	Version          int                `json:"version"`
	SavedAt          time.Time          `json:"saved_at"`
}

// Validate checks that the snapshot describes a reachable raffle state
func (s *RaffleSnapshot) Validate() error {
	if s == nil {
		return ErrInvalidParameters.WithDetails("snapshot cannot be nil")
	}
	if s.Address.IsZero() {
		return ErrStateCorrupted.WithDetails("snapshot has no raffle address")
	}
	if s.Version != SnapshotVersion {
		return ErrStateCorrupted.WithDetails(fmt.Sprintf("unsupported snapshot version %d", s.Version))
	}

	switch s.State {
	case RaffleOpen:
		if s.PendingRequestID != 0 {
			return ErrStateCorrupted.WithDetails("open raffle with a pending request")
		}
	case RaffleCalculating:
		if s.PendingRequestID == 0 {
			return ErrStateCorrupted.WithDetails("calculating raffle without a pending request")
		}
		if len(s.Players) == 0 {
			return ErrStateCorrupted.WithDetails("calculating raffle without players")
		}
	default:
		return ErrStateCorrupted.WithDetails(fmt.Sprintf("unknown state %d", s.State))
	}

	if len(s.Players) == 0 && s.Balance != 0 {
		return ErrStateCorrupted.WithDetails("balance held without players")
	}
	return nil
}

// serializeSnapshot serializes a snapshot to JSON bytes
func serializeSnapshot(snap *RaffleSnapshot) ([]byte, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, ErrSerializationFailed.WithCause(err)
	}

	if len(data) > MaxSerializationSize {
		return nil, ErrSerializationFailed.WithDetails(fmt.Sprintf(
			"snapshot size (%d bytes) exceeds maximum allowed size (%d bytes): address=%s, players=%d",
			len(data), MaxSerializationSize, snap.Address, len(snap.Players)))
	}
	return data, nil
}

// deserializeSnapshot deserializes JSON bytes back to a snapshot
func deserializeSnapshot(data []byte) (*RaffleSnapshot, error) {
	if len(data) == 0 {
		return nil, ErrInvalidParameters.WithDetails("empty snapshot data")
	}
	if len(data) > MaxSerializationSize {
		return nil, ErrDeserializationFailed.WithDetails(fmt.Sprintf(
			"snapshot size (%d bytes) exceeds maximum allowed size (%d bytes)", len(data), MaxSerializationSize))
	}

	var snap RaffleSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, ErrDeserializationFailed.WithCause(err)
	}
	if err := snap.Validate(); err != nil {
		return nil, ErrStateCorrupted.WithCause(err)
	}
	return &snap, nil
}

// generateStateKey generates the Redis key holding the snapshot of addr
func generateStateKey(addr Address) string {
	if addr.IsZero() {
		return ""
	}
	return StateKeyPrefix + addr.String()
}

// storeError wraps a backend error; only network-level failures are retried
func storeError(base *LotteryError, err error) *LotteryError {
	wrapped := base.WithCause(err)
	wrapped.Retryable = IsRetryableError(err)
	return wrapped
}

// ================================================================================

// RedisSnapshotStore keeps raffle snapshots in Redis
type RedisSnapshotStore struct {
	redisClient redis.Cmdable
	ttl         time.Duration
	recovery    *ErrorRecovery
	logger      Logger
}

// NewRedisSnapshotStore creates a Redis snapshot store with the default retry policy
func NewRedisSnapshotStore(redisClient redis.Cmdable, logger Logger) *RedisSnapshotStore {
	return NewRedisSnapshotStoreWithRetry(redisClient, logger, DefaultStateTTL, DefaultRetryAttempts, DefaultRetryInterval)
}

// NewRedisSnapshotStoreWithRetry creates a Redis snapshot store with custom TTL and retry settings
func NewRedisSnapshotStoreWithRetry(
	redisClient redis.Cmdable, logger Logger, ttl time.Duration, retryAttempts int, retryDelay time.Duration,
) *RedisSnapshotStore {
	if logger == nil {
		logger = NewSilentLogger()
	}
	return &RedisSnapshotStore{
		redisClient: redisClient,
		ttl:         ttl,
		recovery:    NewErrorRecovery(NewDefaultErrorHandler(logger, retryDelay), retryAttempts, logger),
		logger:      logger,
	}
}

// Save writes snap under the key of its raffle
func (s *RedisSnapshotStore) Save(ctx context.Context, snap *RaffleSnapshot) error {
	data, err := serializeSnapshot(snap)
	if err != nil {
		s.logger.Error("Failed to serialize snapshot: %v", err)
		return err
	}

	key := generateStateKey(snap.Address)
	err = s.recovery.ExecuteWithRetry(ctx, fmt.Sprintf("save[%s]", key), func() error {
		if err := s.redisClient.Set(ctx, key, data, s.ttl).Err(); err != nil {
			return storeError(ErrStateSaveFailure, err)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to save snapshot: key=%s, size=%d bytes, error=%v", key, len(data), err)
		return err
	}

	s.logger.Debug("Saved snapshot: key=%s, size=%d bytes, ttl=%v", key, len(data), s.ttl)
	return nil
}

// Load reads the snapshot of addr. It returns nil, nil when none exists.
func (s *RedisSnapshotStore) Load(ctx context.Context, addr Address) (*RaffleSnapshot, error) {
	key := generateStateKey(addr)
	if key == "" {
		return nil, ErrInvalidParameters.WithDetails("empty raffle address")
	}

	var data []byte
	err := s.recovery.ExecuteWithRetry(ctx, fmt.Sprintf("load[%s]", key), func() error {
		var err error
		data, err = s.redisClient.Get(ctx, key).Bytes()
		if err == redis.Nil {
			// Key doesn't exist - this is not an error condition, don't retry
			data = nil
			return nil
		}
		if err != nil {
			return storeError(ErrStateLoadFailure, err)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to load snapshot: key=%s, error=%v", key, err)
		return nil, err
	}

	if len(data) == 0 {
		s.logger.Debug("No saved snapshot found: key=%s", key)
		return nil, nil
	}
	return deserializeSnapshot(data)
}

// Delete removes the snapshot of addr
func (s *RedisSnapshotStore) Delete(ctx context.Context, addr Address) error {
	key := generateStateKey(addr)
	if key == "" {
		return ErrInvalidParameters.WithDetails("empty raffle address")
	}

	return s.recovery.ExecuteWithRetry(ctx, fmt.Sprintf("delete[%s]", key), func() error {
		if err := s.redisClient.Del(ctx, key).Err(); err != nil {
			return storeError(ErrStateSaveFailure, err)
		}
		return nil
	})
}

// ================================================================================

// MemorySnapshotStore keeps snapshots in process memory
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	snaps map[Address][]byte
}

// NewMemorySnapshotStore creates an empty in-memory store
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[Address][]byte)}
}

// Save stores a serialized copy of snap
func (s *MemorySnapshotStore) Save(ctx context.Context, snap *RaffleSnapshot) error {
	data, err := serializeSnapshot(snap)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.snaps[snap.Address] = data
	return nil
}

// Load returns a copy of the snapshot of addr, or nil when none exists
func (s *MemorySnapshotStore) Load(ctx context.Context, addr Address) (*RaffleSnapshot, error) {
	s.mu.RLock()
	data, ok := s.snaps[addr]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	return deserializeSnapshot(data)
}

// Delete removes the snapshot of addr
func (s *MemorySnapshotStore) Delete(ctx context.Context, addr Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.snaps, addr)
	return nil
}

// Addresses lists the raffles with a stored snapshot
func (s *MemorySnapshotStore) Addresses() []Address {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Sorted(maps.Keys(s.snaps))
}

// NewSnapshotStoreFromConfig builds the store selected by cfg.Backend
func NewSnapshotStoreFromConfig(cfg *StoreConfig, redisCfg *RedisConfig, logger Logger) (SnapshotStore, func() error, error) {
	if cfg == nil {
		cfg = DefaultStoreConfig()
	}
	noop := func() error { return nil }

	switch cfg.Backend {
	case StoreBackendMemory, "":
		return NewMemorySnapshotStore(), noop, nil
	case StoreBackendRedis:
		client := NewRedisClientFromConfig(redisCfg)
		store := NewRedisSnapshotStoreWithRetry(client, logger, cfg.StateTTL, cfg.RetryAttempts, cfg.RetryInterval)
		return store, client.Close, nil
	case StoreBackendBolt:
		store, err := OpenBoltSnapshotStore(cfg.BoltPath, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, ErrConfigInvalid.WithDetails(fmt.Sprintf("unknown store backend %q", cfg.Backend))
	}
}
