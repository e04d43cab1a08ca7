package lottery

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Distributed Lock Implementation Strategy:
// - Lock Acquisition: Use Redis SET NX for optimal performance (single network call)
// - Lock Release: Use Lua script for safety (ensures only lock owner can release)
// Keepers running in several processes take this lock before performing upkeep,
// so only one of them triggers a given draw.

const (
	// releaseLockScript ensures only the lock owner can release the lock
	// This prevents the dangerous scenario where:
	// 1. Keeper A's lock expires
	// 2. Keeper B acquires the lock
	// 3. Keeper A tries to release lock and accidentally deletes Keeper B's lock
	releaseLockScript = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
)

// DistributedLockManager manages Redis distributed locks
type DistributedLockManager struct {
	redisClient   redis.Cmdable
	lockTimeout   time.Duration
	retryAttempts int
	retryInterval time.Duration

	performanceMonitor *PerformanceMonitor
}

// NewLockManager creates a new distributed lock manager
func NewLockManager(redisClient redis.Cmdable, lockTimeout time.Duration) *DistributedLockManager {
	return NewLockManagerWithRetry(redisClient, lockTimeout, DefaultRetryAttempts, DefaultRetryInterval)
}

// NewLockManagerWithRetry creates a new distributed lock manager with custom retry settings
func NewLockManagerWithRetry(
	redisClient redis.Cmdable, lockTimeout time.Duration, retryAttempts int, retryInterval time.Duration,
) *DistributedLockManager {
	return &DistributedLockManager{
		redisClient:   redisClient,
		lockTimeout:   lockTimeout,
		retryAttempts: retryAttempts,
		retryInterval: retryInterval,

		performanceMonitor: NewPerformanceMonitor(),
	}
}

// validateLockParams validates lock key and value
func validateLockParams(lockKey, lockValue string) error {
	if lockKey == "" {
		return ErrInvalidParameters.WithDetails("lock key cannot be empty")
	}
	if lockValue == "" {
		return ErrInvalidParameters.WithDetails("lock value cannot be empty")
	}
	return nil
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// AcquireLock attempts to acquire a distributed lock using SET NX with retries
func (m *DistributedLockManager) AcquireLock(ctx context.Context, lockKey, lockValue string, expireTime time.Duration) (bool, error) {
	if err := validateLockParams(lockKey, lockValue); err != nil {
		return false, err
	}
	if expireTime <= 0 {
		expireTime = DefaultLockExpiration
	}

	fullLockKey := LockKeyPrefix + lockKey

	for attempt := 0; attempt <= m.retryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		acquired, err := m.redisClient.SetNX(ctx, fullLockKey, lockValue, expireTime).Result()
		if err != nil {
			if attempt == m.retryAttempts {
				m.performanceMonitor.RecordLockAcquisition(false)
				return false, ErrRedisConnectionFailed.WithCause(err)
			}
		} else if acquired {
			m.performanceMonitor.RecordLockAcquisition(true)
			return true, nil
		}

		if attempt < m.retryAttempts {
			if err := sleep(ctx, m.retryInterval); err != nil {
				return false, err
			}
		}
	}

	m.performanceMonitor.RecordLockAcquisition(false)
	return false, ErrLockAcquisitionFailed.WithMetadata("lock_key", lockKey)
}

// TryAcquireLock attempts to acquire a lock once. A held lock returns false, nil.
func (m *DistributedLockManager) TryAcquireLock(ctx context.Context, lockKey, lockValue string, expireTime time.Duration) (bool, error) {
	if err := validateLockParams(lockKey, lockValue); err != nil {
		return false, err
	}
	if expireTime <= 0 {
		expireTime = DefaultLockExpiration
	}

	acquired, err := m.redisClient.SetNX(ctx, LockKeyPrefix+lockKey, lockValue, expireTime).Result()
	if err != nil {
		m.performanceMonitor.RecordLockAcquisition(false)
		return false, ErrRedisConnectionFailed.WithCause(err)
	}

	m.performanceMonitor.RecordLockAcquisition(acquired)
	return acquired, nil
}

// AcquireLockWithTimeout keeps trying until the lock is acquired or timeout elapses
func (m *DistributedLockManager) AcquireLockWithTimeout(
	ctx context.Context, lockKey, lockValue string, expireTime, timeout time.Duration,
) (bool, error) {
	if err := validateLockParams(lockKey, lockValue); err != nil {
		return false, err
	}
	if expireTime <= 0 {
		expireTime = DefaultLockExpiration
	}
	if timeout <= 0 {
		timeout = m.lockTimeout
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fullLockKey := LockKeyPrefix + lockKey
	for {
		acquired, err := m.redisClient.SetNX(timeoutCtx, fullLockKey, lockValue, expireTime).Result()
		if err == nil && acquired {
			m.performanceMonitor.RecordLockAcquisition(true)
			return true, nil
		}

		if sleep(timeoutCtx, m.retryInterval) != nil {
			m.performanceMonitor.RecordLockAcquisition(false)
			return false, ErrLockTimeout.WithMetadata("lock_key", lockKey)
		}
	}
}

// ReleaseLock releases the lock if lockValue still owns it
func (m *DistributedLockManager) ReleaseLock(ctx context.Context, lockKey, lockValue string) (bool, error) {
	if err := validateLockParams(lockKey, lockValue); err != nil {
		return false, err
	}

	fullLockKey := LockKeyPrefix + lockKey

	for attempt := 0; attempt <= m.retryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		result, err := m.redisClient.Eval(ctx, releaseLockScript, []string{fullLockKey}, lockValue).Int64()
		if err != nil {
			if attempt == m.retryAttempts {
				return false, ErrRedisConnectionFailed.WithCause(err)
			}
			if err := sleep(ctx, m.retryInterval); err != nil {
				return false, err
			}
			continue
		}

		if result == 1 {
			m.performanceMonitor.RecordLockRelease()
			return true, nil
		}
		// Lock was not found or value didn't match - no need to retry
		return false, nil
	}

	return false, ErrRedisConnectionFailed
}

// GetPerformanceMetrics 获取性能指标
func (m *DistributedLockManager) GetPerformanceMetrics() PerformanceMetrics {
	return m.performanceMonitor.GetMetrics()
}

// SetPerformanceMonitor 设置性能监控器
func (m *DistributedLockManager) SetPerformanceMonitor(monitor *PerformanceMonitor) {
	m.performanceMonitor = monitor
}
