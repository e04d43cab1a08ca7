package lottery

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Keeper 自动化执行器
//
// 定期调用 CheckUpkeep, 条件满足时调用 PerformUpkeep。
// 多个进程共享同一个 Upkeep 时, 通过 Locker 保证同一时刻只有一个 keeper 执行。
type Keeper struct {
	upkeep Upkeep
	config KeeperConfig
	locker Locker
	logger Logger

	performanceMonitor *PerformanceMonitor

	mu      sync.Mutex
	running bool
}

// KeeperOption configures a Keeper
type KeeperOption func(*Keeper)

// WithKeeperLocker makes the keeper take a distributed lock before performing
func WithKeeperLocker(l Locker) KeeperOption {
	return func(k *Keeper) { k.locker = l }
}

// WithKeeperLogger sets the keeper logger
func WithKeeperLogger(l Logger) KeeperOption {
	return func(k *Keeper) { k.logger = l }
}

// WithKeeperMonitor shares a performance monitor with the keeper
func WithKeeperMonitor(m *PerformanceMonitor) KeeperOption {
	return func(k *Keeper) { k.performanceMonitor = m }
}

// NewKeeper 创建 keeper
func NewKeeper(upkeep Upkeep, cfg *KeeperConfig, opts ...KeeperOption) (*Keeper, error) {
	if upkeep == nil {
		return nil, ErrInvalidParameters.WithDetails("upkeep cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultKeeperConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	k := &Keeper{
		upkeep: upkeep,
		config: *cfg,
		logger: &DefaultLogger{},

		performanceMonitor: NewPerformanceMonitor(),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.config.LockExpiration <= 0 {
		k.config.LockExpiration = DefaultLockExpiration
	}
	return k, nil
}

// RunOnce checks the upkeep and performs it when needed.
// It reports whether PerformUpkeep ran successfully.
func (k *Keeper) RunOnce(ctx context.Context) (bool, error) {
	performed, err := k.runOnce(ctx)
	k.performanceMonitor.RecordKeeperRun(performed, err)
	return performed, err
}

func (k *Keeper) runOnce(ctx context.Context) (bool, error) {
	needed, performData := k.upkeep.CheckUpkeep(ctx, nil)
	if !needed {
		return false, nil
	}

	if k.locker != nil && k.config.UseLock {
		lockValue := generateLockValue()
		acquired, err := k.locker.TryAcquireLock(ctx, k.config.LockKey, lockValue, k.config.LockExpiration)
		if err != nil {
			return false, err
		}
		if !acquired {
			k.logger.Debug("Keeper lock %s is held elsewhere, skipping", k.config.LockKey)
			return false, nil
		}
		defer func() {
			// The lock expires on its own if the release fails.
			if _, err := k.locker.ReleaseLock(context.WithoutCancel(ctx), k.config.LockKey, lockValue); err != nil {
				k.logger.Error("Failed to release keeper lock %s: %v", k.config.LockKey, err)
			}
		}()

		// The first check ran unlocked; only the one under the lock decides.
		needed, performData = k.upkeep.CheckUpkeep(ctx, nil)
		if !needed {
			k.logger.Debug("Upkeep performed elsewhere before lock %s was taken", k.config.LockKey)
			return false, nil
		}
	}

	if err := k.upkeep.PerformUpkeep(ctx, performData); err != nil {
		// Another keeper may have performed between our check and act.
		if errors.Is(err, ErrUpkeepNotNeeded) {
			k.logger.Debug("Upkeep no longer needed: %v", err)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Run polls the upkeep until ctx is done. Errors are logged and polling continues.
func (k *Keeper) Run(ctx context.Context) error {
	k.mu.Lock()
	if k.running {
		k.mu.Unlock()
		return ErrInvalidParameters.WithDetails("keeper is already running")
	}
	k.running = true
	k.mu.Unlock()

	defer func() {
		k.mu.Lock()
		k.running = false
		k.mu.Unlock()
	}()

	k.logger.Info("Keeper started, poll interval %v", k.config.PollInterval)
	ticker := time.NewTicker(k.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			k.logger.Info("Keeper stopped")
			return ctx.Err()
		case <-ticker.C:
			performed, err := k.RunOnce(ctx)
			if err != nil {
				k.logger.Error("Keeper run failed: %v", err)
				continue
			}
			if performed {
				k.logger.Info("Upkeep performed")
			}
		}
	}
}

// GetMetrics returns a copy of the keeper metrics
func (k *Keeper) GetMetrics() PerformanceMetrics { return k.performanceMonitor.GetMetrics() }
