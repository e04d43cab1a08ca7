package lottery

import (
	"context"
	"errors"
	"sync"

	"github.com/sony/gobreaker"
)

// BreakerOracle 带熔断器的随机数预言机
//
// 包装任意 RandomnessOracle。只有可重试的错误计为失败,
// 调用方错误 (未授权、余额不足等) 不会触发熔断。
type BreakerOracle struct {
	oracle RandomnessOracle

	mu      sync.RWMutex
	breaker *gobreaker.CircuitBreaker
	logger  Logger
	config  *CircuitBreakerConfig
}

// NewBreakerOracle 创建带熔断器的预言机
func NewBreakerOracle(oracle RandomnessOracle, config *CircuitBreakerConfig, logger Logger) *BreakerOracle {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	if logger == nil {
		logger = NewSilentLogger()
	}

	b := &BreakerOracle{
		oracle: oracle,
		logger: logger,
		config: config,
	}
	if config.Enabled {
		b.breaker = gobreaker.NewCircuitBreaker(b.settings())
	}
	return b
}

func (b *BreakerOracle) settings() gobreaker.Settings {
	config := b.config
	return gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// 当请求数达到最小要求且失败率超过阈值时触发熔断
			return counts.Requests >= config.MinRequests &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= config.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if config.OnStateChange {
				b.logger.Info("Circuit breaker '%s' state changed from %s to %s", name, from, to)
			}
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryableError(err)
		},
	}
}

// Address returns the identity of the wrapped oracle
func (b *BreakerOracle) Address() Address { return b.oracle.Address() }

// RequestRandomWords forwards the request through the breaker
func (b *BreakerOracle) RequestRandomWords(ctx context.Context, req RandomWordsRequest) (uint64, error) {
	b.mu.RLock()
	breaker := b.breaker
	b.mu.RUnlock()

	if breaker == nil {
		// 熔断器未启用，直接执行
		return b.oracle.RequestRandomWords(ctx, req)
	}

	result, err := breaker.Execute(func() (any, error) {
		return b.oracle.RequestRandomWords(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return 0, ErrCircuitBreakerOpen.WithDetails("circuit breaker is open, requests are being rejected")
		}
		if errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, ErrCircuitBreakerOpen.WithDetails("too many requests, circuit breaker is half-open")
		}
		return 0, err
	}
	return result.(uint64), nil
}

// RequestPending forwards to the wrapped oracle. Oracles that cannot
// track requests report every request as pending.
func (b *BreakerOracle) RequestPending(ctx context.Context, requestID uint64, consumer Address) bool {
	if tracker, ok := b.oracle.(RequestTracker); ok {
		return tracker.RequestPending(ctx, requestID, consumer)
	}
	return true
}

// GetCircuitBreakerState 获取熔断器状态
func (b *BreakerOracle) GetCircuitBreakerState() string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.breaker == nil {
		return "disabled"
	}

	switch b.breaker.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// GetCircuitBreakerCounts 获取熔断器统计信息
func (b *BreakerOracle) GetCircuitBreakerCounts() gobreaker.Counts {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.breaker == nil {
		return gobreaker.Counts{}
	}
	return b.breaker.Counts()
}

// ResetCircuitBreaker 重置熔断器 (重新创建熔断器实例)
func (b *BreakerOracle) ResetCircuitBreaker() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.breaker == nil {
		return
	}
	// gobreaker 没有 Reset 方法，重新创建一个实例
	b.breaker = gobreaker.NewCircuitBreaker(b.settings())
	b.logger.Info("Circuit breaker '%s' has been reset (recreated)", b.config.Name)
}

// BreakerStats 熔断器状态快照, 计数为当前统计周期内的值
type BreakerStats struct {
	Name                 string  `json:"name"`
	Enabled              bool    `json:"enabled"`
	State                string  `json:"state"`
	StateCode            int     `json:"state_code"`
	Requests             uint32  `json:"requests"`
	Successes            uint32  `json:"successes"`
	Failures             uint32  `json:"failures"`
	ConsecutiveSuccesses uint32  `json:"consecutive_successes"`
	ConsecutiveFailures  uint32  `json:"consecutive_failures"`
	FailureRate          float64 `json:"failure_rate"`
	Healthy              bool    `json:"healthy"`
}

// Stats 返回熔断器状态与计数
//
// 打开时不健康; 半开状态下连续失败超过 2 次也视为不健康。
func (b *BreakerOracle) Stats() BreakerStats {
	state := b.GetCircuitBreakerState()
	stats := BreakerStats{
		Name:      b.config.Name,
		Enabled:   b.config.Enabled,
		State:     state,
		StateCode: stateCode(state),
		Healthy:   true,
	}
	if state == "disabled" {
		return stats
	}

	counts := b.GetCircuitBreakerCounts()
	stats.Requests = counts.Requests
	stats.Successes = counts.TotalSuccesses
	stats.Failures = counts.TotalFailures
	stats.ConsecutiveSuccesses = counts.ConsecutiveSuccesses
	stats.ConsecutiveFailures = counts.ConsecutiveFailures
	if counts.Requests > 0 {
		stats.FailureRate = float64(counts.TotalFailures) / float64(counts.Requests)
	}

	switch state {
	case "open":
		stats.Healthy = false
	case "half-open":
		stats.Healthy = counts.ConsecutiveFailures <= 2
	}
	return stats
}

// stateCode maps a breaker state to a gauge value
func stateCode(state string) int {
	switch state {
	case "disabled":
		return -1
	case "closed":
		return 0
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return -2
	}
}
