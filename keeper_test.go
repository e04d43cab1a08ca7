package lottery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUpkeep struct {
	needed     atomic.Bool
	performErr error
	checks     atomic.Int32
	performs   atomic.Int32
}

func (u *fakeUpkeep) CheckUpkeep(ctx context.Context, checkData []byte) (bool, []byte) {
	u.checks.Add(1)
	return u.needed.Load(), []byte("data")
}

func (u *fakeUpkeep) PerformUpkeep(ctx context.Context, performData []byte) error {
	u.performs.Add(1)
	return u.performErr
}

type fakeLocker struct {
	mu        sync.Mutex
	held      bool
	err       error
	acquired  int
	released  int
	onAcquire func()
}

func (l *fakeLocker) TryAcquireLock(ctx context.Context, lockKey, lockValue string, expireTime time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.err != nil {
		return false, l.err
	}
	if l.held {
		return false, nil
	}
	l.held = true
	l.acquired++
	if l.onAcquire != nil {
		l.onAcquire()
	}
	return true, nil
}

func (l *fakeLocker) ReleaseLock(ctx context.Context, lockKey, lockValue string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.held = false
	l.released++
	return true, nil
}

func lockingKeeperConfig() *KeeperConfig {
	cfg := DefaultKeeperConfig()
	cfg.UseLock = true
	cfg.PollInterval = 5 * time.Millisecond
	return cfg
}

func TestNewKeeper(t *testing.T) {
	_, err := NewKeeper(nil, nil)
	assert.ErrorIs(t, err, ErrInvalidParameters)

	cfg := DefaultKeeperConfig()
	cfg.PollInterval = 0
	_, err = NewKeeper(&fakeUpkeep{}, cfg)
	assert.Error(t, err)

	k, err := NewKeeper(&fakeUpkeep{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultKeeperConfig().PollInterval, k.config.PollInterval)
}

func TestKeeper_RunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("not_needed", func(t *testing.T) {
		upkeep := &fakeUpkeep{}
		k, err := NewKeeper(upkeep, nil, WithKeeperLogger(NewSilentLogger()))
		require.NoError(t, err)

		performed, err := k.RunOnce(ctx)
		require.NoError(t, err)
		assert.False(t, performed)
		assert.Equal(t, int32(0), upkeep.performs.Load())

		metrics := k.GetMetrics()
		assert.Equal(t, int64(1), metrics.KeeperChecks)
		assert.Equal(t, int64(0), metrics.KeeperPerforms)
	})

	t.Run("performs_when_needed", func(t *testing.T) {
		upkeep := &fakeUpkeep{}
		upkeep.needed.Store(true)
		k, err := NewKeeper(upkeep, nil, WithKeeperLogger(NewSilentLogger()))
		require.NoError(t, err)

		performed, err := k.RunOnce(ctx)
		require.NoError(t, err)
		assert.True(t, performed)
		assert.Equal(t, int64(1), k.GetMetrics().KeeperPerforms)
	})

	t.Run("lost_race_is_not_an_error", func(t *testing.T) {
		upkeep := &fakeUpkeep{performErr: UpkeepNotNeededError(0, 0, RaffleCalculating, 0)}
		upkeep.needed.Store(true)
		k, err := NewKeeper(upkeep, nil, WithKeeperLogger(NewSilentLogger()))
		require.NoError(t, err)

		performed, err := k.RunOnce(ctx)
		require.NoError(t, err)
		assert.False(t, performed)
		assert.Equal(t, int64(0), k.GetMetrics().KeeperErrors)
	})

	t.Run("perform_error", func(t *testing.T) {
		upkeep := &fakeUpkeep{performErr: ErrInsufficientFunds}
		upkeep.needed.Store(true)
		k, err := NewKeeper(upkeep, nil, WithKeeperLogger(NewSilentLogger()))
		require.NoError(t, err)

		performed, err := k.RunOnce(ctx)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.False(t, performed)
		assert.Equal(t, int64(1), k.GetMetrics().KeeperErrors)
	})

	t.Run("takes_and_releases_lock", func(t *testing.T) {
		upkeep := &fakeUpkeep{}
		upkeep.needed.Store(true)
		locker := &fakeLocker{}
		k, err := NewKeeper(upkeep, lockingKeeperConfig(), WithKeeperLocker(locker), WithKeeperLogger(NewSilentLogger()))
		require.NoError(t, err)

		performed, err := k.RunOnce(ctx)
		require.NoError(t, err)
		assert.True(t, performed)
		assert.Equal(t, 1, locker.acquired)
		assert.Equal(t, 1, locker.released)
		assert.False(t, locker.held)
		assert.Equal(t, int32(2), upkeep.checks.Load())
	})

	t.Run("rechecks_under_lock", func(t *testing.T) {
		upkeep := &fakeUpkeep{}
		upkeep.needed.Store(true)
		// 另一个 keeper 在拿到锁之前已经执行
		locker := &fakeLocker{onAcquire: func() { upkeep.needed.Store(false) }}
		k, err := NewKeeper(upkeep, lockingKeeperConfig(), WithKeeperLocker(locker), WithKeeperLogger(NewSilentLogger()))
		require.NoError(t, err)

		performed, err := k.RunOnce(ctx)
		require.NoError(t, err)
		assert.False(t, performed)
		assert.Equal(t, int32(2), upkeep.checks.Load())
		assert.Equal(t, int32(0), upkeep.performs.Load())
		assert.Equal(t, 1, locker.released)
	})

	t.Run("lock_held_elsewhere", func(t *testing.T) {
		upkeep := &fakeUpkeep{}
		upkeep.needed.Store(true)
		locker := &fakeLocker{held: true}
		k, err := NewKeeper(upkeep, lockingKeeperConfig(), WithKeeperLocker(locker), WithKeeperLogger(NewSilentLogger()))
		require.NoError(t, err)

		performed, err := k.RunOnce(ctx)
		require.NoError(t, err)
		assert.False(t, performed)
		assert.Equal(t, int32(0), upkeep.performs.Load())
		assert.Equal(t, 0, locker.released)
	})

	t.Run("lock_error", func(t *testing.T) {
		upkeep := &fakeUpkeep{}
		upkeep.needed.Store(true)
		locker := &fakeLocker{err: ErrRedisConnectionFailed}
		k, err := NewKeeper(upkeep, lockingKeeperConfig(), WithKeeperLocker(locker), WithKeeperLogger(NewSilentLogger()))
		require.NoError(t, err)

		_, err = k.RunOnce(ctx)
		assert.ErrorIs(t, err, ErrRedisConnectionFailed)
		assert.Equal(t, int32(0), upkeep.performs.Load())
	})

	t.Run("lock_disabled_in_config", func(t *testing.T) {
		upkeep := &fakeUpkeep{}
		upkeep.needed.Store(true)
		locker := &fakeLocker{held: true}
		k, err := NewKeeper(upkeep, nil, WithKeeperLocker(locker), WithKeeperLogger(NewSilentLogger()))
		require.NoError(t, err)

		performed, err := k.RunOnce(ctx)
		require.NoError(t, err)
		assert.True(t, performed)
	})
}

func TestKeeper_RedisLock(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	lm := NewLockManagerWithRetry(db, time.Second, 0, time.Millisecond)

	upkeep := &fakeUpkeep{}
	upkeep.needed.Store(true)
	cfg := lockingKeeperConfig()
	k, err := NewKeeper(upkeep, cfg, WithKeeperLocker(lm), WithKeeperLogger(NewSilentLogger()))
	require.NoError(t, err)

	fullKey := LockKeyPrefix + cfg.LockKey
	mock.Regexp().ExpectSetNX(fullKey, `[0-9a-f]{32}`, cfg.LockExpiration).SetVal(false)

	performed, err := k.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, performed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKeeper_DrivesRaffle(t *testing.T) {
	ctx := context.Background()
	f := newRaffleFixture(t, 10, 30*time.Second)
	k, err := NewKeeper(f.raffle, lockingKeeperConfig(),
		WithKeeperLocker(&fakeLocker{}),
		WithKeeperLogger(NewSilentLogger()))
	require.NoError(t, err)

	f.enterPlayers(t, 2)

	performed, err := k.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, performed, "interval has not passed")

	f.clock.Advance(30 * time.Second)
	performed, err = k.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, performed)
	assert.Equal(t, RaffleCalculating, f.raffle.State())

	performed, err = k.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, performed, "raffle is calculating")
}

func TestKeeper_Run(t *testing.T) {
	upkeep := &fakeUpkeep{}
	upkeep.needed.Store(true)
	k, err := NewKeeper(upkeep, lockingKeeperConfig(), WithKeeperLogger(NewSilentLogger()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	require.Eventually(t, func() bool { return upkeep.performs.Load() >= 2 }, time.Second, 5*time.Millisecond)

	// 同一个 keeper 不能并发运行
	assert.ErrorIs(t, k.Run(context.Background()), ErrInvalidParameters)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("keeper did not stop")
	}

	// 停止后可以再次运行
	ctx2, cancel2 := context.WithCancel(context.Background())
	cancel2()
	assert.ErrorIs(t, k.Run(ctx2), context.Canceled)
}
