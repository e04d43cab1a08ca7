package lottery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"strings"
	"time"
)

// ErrorCode 错误代码类型
type ErrorCode string

// 错误代码常量
const (
	// 系统级错误 (1000-1999)
	ErrCodeSystem             ErrorCode = "RAFFLE_1000"
	ErrCodeRedisConnection    ErrorCode = "RAFFLE_1001"
	ErrCodeConfigInvalid      ErrorCode = "RAFFLE_1004"
	ErrCodeServiceUnavailable ErrorCode = "RAFFLE_1005"

	// 参数错误 (2000-2999)
	ErrCodeInvalidParameters    ErrorCode = "RAFFLE_2000"
	ErrCodeInvalidEntranceFee   ErrorCode = "RAFFLE_2001"
	ErrCodeInvalidInterval      ErrorCode = "RAFFLE_2002"
	ErrCodeInvalidNumWords      ErrorCode = "RAFFLE_2003"
	ErrCodeInvalidLockTimeout   ErrorCode = "RAFFLE_2010"
	ErrCodeInvalidRetryAttempts ErrorCode = "RAFFLE_2011"
	ErrCodeInvalidRetryInterval ErrorCode = "RAFFLE_2012"

	// 锁相关错误 (3000-3999)
	ErrCodeLockAcquisitionFailed ErrorCode = "RAFFLE_3000"
	ErrCodeLockTimeout           ErrorCode = "RAFFLE_3001"

	// 安全相关错误 (4000-4999)
	ErrCodeUnauthorized ErrorCode = "RAFFLE_4000"

	// 熔断相关错误 (5000-5999)
	ErrCodeCircuitBreakerOpen ErrorCode = "RAFFLE_5002"

	// 状态存储错误 (6000-6999)
	ErrCodeStateNotFound         ErrorCode = "RAFFLE_6000"
	ErrCodeStateSaveFailure      ErrorCode = "RAFFLE_6001"
	ErrCodeStateLoadFailure      ErrorCode = "RAFFLE_6002"
	ErrCodeStateCorrupted        ErrorCode = "RAFFLE_6003"
	ErrCodeSerializationFailed   ErrorCode = "RAFFLE_6004"
	ErrCodeDeserializationFailed ErrorCode = "RAFFLE_6005"

	// 抽奖协调器错误 (7000-7999)
	ErrCodeNotOpen          ErrorCode = "RAFFLE_7000"
	ErrCodeInsufficientFee  ErrorCode = "RAFFLE_7001"
	ErrCodeUpkeepNotNeeded  ErrorCode = "RAFFLE_7002"
	ErrCodeUnknownRequest   ErrorCode = "RAFFLE_7003"
	ErrCodeTransferFailed   ErrorCode = "RAFFLE_7004"
	ErrCodeIndexOutOfRange  ErrorCode = "RAFFLE_7005"
	ErrCodeNothingToPayOut  ErrorCode = "RAFFLE_7006"
	ErrCodeSnapshotMismatch ErrorCode = "RAFFLE_7007"

	// 随机数预言机错误 (8000-8999)
	ErrCodeUnknownSubscription  ErrorCode = "RAFFLE_8000"
	ErrCodeInsufficientFunds    ErrorCode = "RAFFLE_8001"
	ErrCodeNonexistentRequest   ErrorCode = "RAFFLE_8002"
	ErrCodeInvalidConsumer      ErrorCode = "RAFFLE_8003"
	ErrCodePendingRequestExists ErrorCode = "RAFFLE_8004"
	ErrCodeInvalidRandomWords   ErrorCode = "RAFFLE_8005"
)

// ErrorSeverity 错误严重程度
type ErrorSeverity string

const (
	SeverityCritical ErrorSeverity = "critical"
	SeverityHigh     ErrorSeverity = "high"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityLow      ErrorSeverity = "low"
	SeverityInfo     ErrorSeverity = "info"
)

// LotteryError 增强的错误类型
type LotteryError struct {
	Code       ErrorCode      `json:"code"`
	Message    string         `json:"message"`
	Details    string         `json:"details,omitempty"`
	Severity   ErrorSeverity  `json:"severity"`
	Timestamp  time.Time      `json:"timestamp"`
	Operation  string         `json:"operation,omitempty"`
	StackTrace string         `json:"stack_trace,omitempty"`
	Cause      error          `json:"-"`
	Retryable  bool           `json:"retryable"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Error 实现 error 接口
func (e *LotteryError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现 errors.Unwrap 接口
func (e *LotteryError) Unwrap() error {
	return e.Cause
}

// Is 实现 errors.Is 接口, 按错误代码比较
func (e *LotteryError) Is(target error) bool {
	if t, ok := target.(*LotteryError); ok {
		return e.Code == t.Code
	}
	return false
}

// clone returns a shallow copy so the predeclared sentinels stay untouched.
func (e *LotteryError) clone() *LotteryError {
	c := *e
	c.Timestamp = time.Now()
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// WithCause 添加原因错误
func (e *LotteryError) WithCause(cause error) *LotteryError {
	c := e.clone()
	c.Cause = cause
	return c
}

// WithDetails 添加详细信息
func (e *LotteryError) WithDetails(details string) *LotteryError {
	c := e.clone()
	c.Details = details
	return c
}

// WithOperation 添加操作信息
func (e *LotteryError) WithOperation(operation string) *LotteryError {
	c := e.clone()
	c.Operation = operation
	return c
}

// WithMetadata 添加元数据
func (e *LotteryError) WithMetadata(key string, value any) *LotteryError {
	c := e.clone()
	if c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}
	c.Metadata[key] = value
	return c
}

// WithStackTrace 添加堆栈跟踪
func (e *LotteryError) WithStackTrace() *LotteryError {
	c := e.clone()
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	c.StackTrace = string(buf[:n])
	return c
}

// NewError 创建新的错误
func NewError(code ErrorCode, message string) *LotteryError {
	return &LotteryError{
		Code:      code,
		Message:   message,
		Severity:  SeverityMedium,
		Timestamp: time.Now(),
		Retryable: false,
	}
}

// NewRetryableError 创建可重试的错误
func NewRetryableError(code ErrorCode, message string) *LotteryError {
	return &LotteryError{
		Code:      code,
		Message:   message,
		Severity:  SeverityMedium,
		Timestamp: time.Now(),
		Retryable: true,
	}
}

// NewCriticalError 创建严重错误
func NewCriticalError(code ErrorCode, message string) *LotteryError {
	return &LotteryError{
		Code:      code,
		Message:   message,
		Severity:  SeverityCritical,
		Timestamp: time.Now(),
		Retryable: false,
	}
}

// 预定义的错误实例
var (
	// 系统级错误
	ErrSystemError           = NewCriticalError(ErrCodeSystem, "system error occurred")
	ErrRedisConnectionFailed = NewRetryableError(ErrCodeRedisConnection, "Redis connection failed")
	ErrConfigInvalid         = NewCriticalError(ErrCodeConfigInvalid, "configuration is invalid")
	ErrServiceUnavailable    = NewRetryableError(ErrCodeServiceUnavailable, "service temporarily unavailable")

	// 参数错误
	ErrInvalidParameters    = NewError(ErrCodeInvalidParameters, "invalid parameters provided")
	ErrInvalidEntranceFee   = NewError(ErrCodeInvalidEntranceFee, "invalid entrance fee: must be greater than 0")
	ErrInvalidInterval      = NewError(ErrCodeInvalidInterval, "invalid interval: must be greater than 0")
	ErrInvalidNumWords      = NewError(ErrCodeInvalidNumWords, "invalid number of words")
	ErrInvalidLockTimeout   = NewError(ErrCodeInvalidLockTimeout, "invalid lock timeout: must be between 1s and 5m")
	ErrInvalidRetryAttempts = NewError(ErrCodeInvalidRetryAttempts, "invalid retry attempts: must be between 0 and 10")
	ErrInvalidRetryInterval = NewError(ErrCodeInvalidRetryInterval, "invalid retry interval: cannot be negative")

	// 锁相关错误
	ErrLockAcquisitionFailed = NewRetryableError(ErrCodeLockAcquisitionFailed, "failed to acquire distributed lock")
	ErrLockTimeout           = NewRetryableError(ErrCodeLockTimeout, "lock acquisition timeout")

	// 安全相关错误
	ErrUnauthorized = NewError(ErrCodeUnauthorized, "unauthorized caller")

	// 熔断相关错误
	ErrCircuitBreakerOpen = NewRetryableError(ErrCodeCircuitBreakerOpen, "circuit breaker is open")

	// 状态存储错误
	ErrStateNotFound         = NewError(ErrCodeStateNotFound, "state not found")
	ErrStateSaveFailure      = NewRetryableError(ErrCodeStateSaveFailure, "failed to save state")
	ErrStateLoadFailure      = NewRetryableError(ErrCodeStateLoadFailure, "failed to load state")
	ErrStateCorrupted        = NewError(ErrCodeStateCorrupted, "state data is corrupted")
	ErrSerializationFailed   = NewError(ErrCodeSerializationFailed, "serialization failed")
	ErrDeserializationFailed = NewError(ErrCodeDeserializationFailed, "deserialization failed")

	// 抽奖协调器错误
	ErrNotOpen          = NewError(ErrCodeNotOpen, "raffle is not open")
	ErrInsufficientFee  = NewError(ErrCodeInsufficientFee, "not enough paid to enter the raffle")
	ErrUpkeepNotNeeded  = NewError(ErrCodeUpkeepNotNeeded, "upkeep not needed")
	ErrUnknownRequest   = NewError(ErrCodeUnknownRequest, "request id does not match the pending request")
	ErrIndexOutOfRange  = NewError(ErrCodeIndexOutOfRange, "player index out of range")
	ErrNothingToPayOut  = NewError(ErrCodeNothingToPayOut, "no unpaid winnings for address")
	ErrSnapshotMismatch = NewError(ErrCodeSnapshotMismatch, "snapshot does not belong to this raffle")

	// ErrTransferFailed is surfaced after the round has already been closed.
	ErrTransferFailed = &LotteryError{
		Code:      ErrCodeTransferFailed,
		Message:   "transfer to winner failed",
		Severity:  SeverityHigh,
		Timestamp: time.Now(),
	}

	// 随机数预言机错误
	ErrUnknownSubscription  = NewError(ErrCodeUnknownSubscription, "subscription does not exist")
	ErrInsufficientFunds    = NewError(ErrCodeInsufficientFunds, "insufficient subscription balance")
	ErrNonexistentRequest   = NewError(ErrCodeNonexistentRequest, "nonexistent request")
	ErrInvalidConsumer      = NewError(ErrCodeInvalidConsumer, "consumer is not registered on subscription")
	ErrPendingRequestExists = NewError(ErrCodePendingRequestExists, "subscription has pending requests")
	ErrInvalidRandomWords   = NewError(ErrCodeInvalidRandomWords, "random words do not match the request")
)

// UpkeepNotNeededError builds the diagnostic error returned by TriggerDraw.
func UpkeepNotNeededError(balance uint64, numPlayers int, state RaffleState, timeSinceLast time.Duration) *LotteryError {
	return ErrUpkeepNotNeeded.
		WithDetails(fmt.Sprintf("balance=%d players=%d state=%s time_since_last=%v",
			balance, numPlayers, state, timeSinceLast)).
		WithMetadata("balance", balance).
		WithMetadata("players", numPlayers).
		WithMetadata("state", state).
		WithMetadata("time_since_last", timeSinceLast)
}

// CodeOf returns the error code carried by err, or "" for foreign errors.
func CodeOf(err error) ErrorCode {
	var lotteryErr *LotteryError
	if errors.As(err, &lotteryErr) {
		return lotteryErr.Code
	}
	return ""
}

// ErrorHandler 错误处理器接口
type ErrorHandler interface {
	HandleError(ctx context.Context, err error) error
	ShouldRetry(err error) bool
	GetRetryDelay(attempt int, err error) time.Duration
}

// DefaultErrorHandler 默认错误处理器
type DefaultErrorHandler struct {
	logger        Logger
	baseDelay     time.Duration
	maxDelay      time.Duration
	backoffFactor float64
}

// NewDefaultErrorHandler 创建默认错误处理器
func NewDefaultErrorHandler(logger Logger, baseDelay time.Duration) *DefaultErrorHandler {
	if baseDelay <= 0 {
		baseDelay = DefaultRetryInterval
	}
	return &DefaultErrorHandler{
		logger:        logger,
		baseDelay:     baseDelay,
		maxDelay:      5 * time.Second,
		backoffFactor: 2.0,
	}
}

// HandleError 处理错误
func (h *DefaultErrorHandler) HandleError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}

	var lotteryErr *LotteryError
	if !errors.As(err, &lotteryErr) {
		// 包装普通错误
		lotteryErr = NewError(ErrCodeSystem, err.Error()).WithCause(err)
		lotteryErr.Retryable = IsRetryableError(err)
	}
	if lotteryErr.Severity == SeverityCritical && lotteryErr.StackTrace == "" {
		lotteryErr = lotteryErr.WithStackTrace()
	}

	h.logError(lotteryErr)
	return lotteryErr
}

// ShouldRetry 判断是否应该重试
func (h *DefaultErrorHandler) ShouldRetry(err error) bool {
	var lotteryErr *LotteryError
	if errors.As(err, &lotteryErr) {
		return lotteryErr.Retryable
	}
	return IsRetryableError(err)
}

// GetRetryDelay 获取重试延迟
func (h *DefaultErrorHandler) GetRetryDelay(attempt int, err error) time.Duration {
	if attempt <= 0 {
		return h.baseDelay
	}

	// 指数退避算法
	delay := time.Duration(float64(h.baseDelay) * pow(h.backoffFactor, float64(attempt-1)))

	// 添加抖动 (±25%)
	jitter := time.Duration(float64(delay) * 0.25 * (2*rand.Float64() - 1))
	delay += jitter

	if delay > h.maxDelay {
		delay = h.maxDelay
	}
	return delay
}

// logError 记录错误日志
func (h *DefaultErrorHandler) logError(err *LotteryError) {
	if h.logger == nil {
		return
	}

	switch err.Severity {
	case SeverityCritical:
		h.logger.Error("%s error: %s", err.Severity, err.Error())
		h.logger.Debug("stack trace:\n%s", err.StackTrace)
	case SeverityHigh:
		h.logger.Error("%s error: %s", err.Severity, err.Error())
	case SeverityLow, SeverityInfo:
		h.logger.Info("%s error: %s", err.Severity, err.Error())
	default:
		h.logger.Debug("%s error: %s", err.Severity, err.Error())
	}
}

// IsRetryableError 检查是否为可重试错误
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var lotteryErr *LotteryError
	if errors.As(err, &lotteryErr) {
		return lotteryErr.Retryable
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"network is unreachable",
		"temporary failure",
		"server closed",
		"broken pipe",
		"i/o timeout",
		"dial tcp",
		"connection timed out",
		"no route to host",
		"redis: connection pool timeout",
		"redis: client is closed",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// pow 计算幂次方 (简单实现)
func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}

// ErrorRecovery 错误恢复策略
type ErrorRecovery struct {
	handler    ErrorHandler
	maxRetries int
	logger     Logger
}

// NewErrorRecovery 创建错误恢复策略
func NewErrorRecovery(handler ErrorHandler, maxRetries int, logger Logger) *ErrorRecovery {
	return &ErrorRecovery{
		handler:    handler,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// ExecuteWithRetry 执行带重试的操作
func (r *ErrorRecovery) ExecuteWithRetry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return NewError(ErrCodeSystem, "operation cancelled").
				WithOperation(operation).WithCause(ctx.Err())
		default:
		}

		err := fn()
		if err == nil {
			if attempt > 0 {
				r.logger.Info("%s succeeded after %d retries", operation, attempt)
			}
			return nil
		}

		lastErr = r.handler.HandleError(ctx, err)
		if !r.handler.ShouldRetry(lastErr) {
			r.logger.Debug("%s: error is not retryable: %v", operation, lastErr)
			break
		}

		if attempt < r.maxRetries {
			delay := r.handler.GetRetryDelay(attempt+1, lastErr)
			r.logger.Debug("Retrying %s in %v (attempt %d/%d)", operation, delay, attempt+1, r.maxRetries)

			select {
			case <-ctx.Done():
				return NewError(ErrCodeSystem, "operation cancelled during retry").
					WithOperation(operation).WithCause(ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	return lastErr
}
