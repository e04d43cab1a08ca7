package lottery

import (
	"sync"
	"sync/atomic"
	"time"
)

// PerformanceMetrics 性能指标收集器
type PerformanceMetrics struct {
	// 参与统计
	TotalEntries int64 `json:"total_entries"` // 总参与次数
	TotalPaidIn  int64 `json:"total_paid_in"` // 总入场金额

	// 开奖统计
	DrawsRequested     int64 `json:"draws_requested"`      // 成功发起的开奖次数
	FailedDrawRequests int64 `json:"failed_draw_requests"` // 发起失败的开奖次数
	RoundsCompleted    int64 `json:"rounds_completed"`     // 已完成的轮次
	RejectedCallbacks  int64 `json:"rejected_callbacks"`   // 被拒绝的回调
	TransferFailures   int64 `json:"transfer_failures"`    // 转账失败次数
	TotalPaidOut       int64 `json:"total_paid_out"`       // 总派奖金额

	// 预言机统计
	RandomnessRequests int64 `json:"randomness_requests"` // 随机数请求次数
	Fulfillments       int64 `json:"fulfillments"`        // 成功交付次数
	FailedDeliveries   int64 `json:"failed_deliveries"`   // 交付失败次数
	TotalFulfillTime   int64 `json:"total_fulfill_time"`  // 请求到交付的总时间(纳秒)
	AverageFulfillTime int64 `json:"average_fulfill_time"`

	// Keeper 与锁统计
	KeeperChecks     int64 `json:"keeper_checks"`
	KeeperPerforms   int64 `json:"keeper_performs"`
	KeeperErrors     int64 `json:"keeper_errors"`
	LockAcquisitions int64 `json:"lock_acquisitions"`
	LockFailures     int64 `json:"lock_failures"`
	LockReleases     int64 `json:"lock_releases"`

	// 存储统计
	StoreErrors int64 `json:"store_errors"`

	// 时间戳
	StartTime      int64 `json:"start_time"`
	LastUpdateTime int64 `json:"last_update_time"`
}

// GetDeliverySuccessRate 获取交付成功率
func (pm *PerformanceMetrics) GetDeliverySuccessRate() float64 {
	ok := atomic.LoadInt64(&pm.Fulfillments)
	failed := atomic.LoadInt64(&pm.FailedDeliveries)
	if ok+failed == 0 {
		return 0.0
	}
	return float64(ok) / float64(ok+failed) * 100.0
}

// GetAverageFulfillTime 获取平均交付延迟
func (pm *PerformanceMetrics) GetAverageFulfillTime() time.Duration {
	return time.Duration(atomic.LoadInt64(&pm.AverageFulfillTime))
}

// Reset 重置性能指标
func (pm *PerformanceMetrics) Reset() {
	for _, p := range []*int64{
		&pm.TotalEntries, &pm.TotalPaidIn,
		&pm.DrawsRequested, &pm.FailedDrawRequests, &pm.RoundsCompleted,
		&pm.RejectedCallbacks, &pm.TransferFailures, &pm.TotalPaidOut,
		&pm.RandomnessRequests, &pm.Fulfillments, &pm.FailedDeliveries,
		&pm.TotalFulfillTime, &pm.AverageFulfillTime,
		&pm.KeeperChecks, &pm.KeeperPerforms, &pm.KeeperErrors,
		&pm.LockAcquisitions, &pm.LockFailures, &pm.LockReleases,
		&pm.StoreErrors,
	} {
		atomic.StoreInt64(p, 0)
	}
	atomic.StoreInt64(&pm.StartTime, time.Now().UnixNano())
	atomic.StoreInt64(&pm.LastUpdateTime, time.Now().UnixNano())
}

// ================================================================================

// PerformanceMonitor 性能监控器
type PerformanceMonitor struct {
	metrics *PerformanceMetrics
	mu      sync.RWMutex
	enabled bool
}

// NewPerformanceMonitor 创建新的性能监控器
func NewPerformanceMonitor() *PerformanceMonitor {
	pm := &PerformanceMonitor{
		metrics: &PerformanceMetrics{},
		enabled: true,
	}
	pm.metrics.Reset()
	return pm
}

// Enable 启用性能监控
func (pm *PerformanceMonitor) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.enabled = true
}

// Disable 禁用性能监控
func (pm *PerformanceMonitor) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.enabled = false
}

// IsEnabled 检查是否启用了性能监控
func (pm *PerformanceMonitor) IsEnabled() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	return pm.enabled
}

// add 原子累加并刷新更新时间
func (pm *PerformanceMonitor) add(p *int64, delta int64) {
	if pm == nil || !pm.IsEnabled() {
		return
	}
	atomic.AddInt64(p, delta)
	atomic.StoreInt64(&pm.metrics.LastUpdateTime, time.Now().UnixNano())
}

// RecordEntry 记录一次参与
func (pm *PerformanceMonitor) RecordEntry(amount uint64) {
	if pm == nil {
		return
	}
	pm.add(&pm.metrics.TotalEntries, 1)
	pm.add(&pm.metrics.TotalPaidIn, int64(amount))
}

// RecordDrawRequest 记录开奖请求
func (pm *PerformanceMonitor) RecordDrawRequest(success bool) {
	if pm == nil {
		return
	}
	if success {
		pm.add(&pm.metrics.DrawsRequested, 1)
	} else {
		pm.add(&pm.metrics.FailedDrawRequests, 1)
	}
}

// RecordRoundCompleted 记录一轮结束与派奖结果
func (pm *PerformanceMonitor) RecordRoundCompleted(amount uint64, paid bool) {
	if pm == nil {
		return
	}
	pm.add(&pm.metrics.RoundsCompleted, 1)
	if paid {
		pm.add(&pm.metrics.TotalPaidOut, int64(amount))
	} else {
		pm.add(&pm.metrics.TransferFailures, 1)
	}
}

// RecordPayout 记录补发奖金
func (pm *PerformanceMonitor) RecordPayout(amount uint64, paid bool) {
	if pm == nil {
		return
	}
	if paid {
		pm.add(&pm.metrics.TotalPaidOut, int64(amount))
	} else {
		pm.add(&pm.metrics.TransferFailures, 1)
	}
}

// RecordRejectedCallback 记录被拒绝的回调
func (pm *PerformanceMonitor) RecordRejectedCallback() {
	if pm == nil {
		return
	}
	pm.add(&pm.metrics.RejectedCallbacks, 1)
}

// RecordRandomnessRequest 记录随机数请求
func (pm *PerformanceMonitor) RecordRandomnessRequest() {
	if pm == nil {
		return
	}
	pm.add(&pm.metrics.RandomnessRequests, 1)
}

// RecordFulfillment 记录随机数交付
func (pm *PerformanceMonitor) RecordFulfillment(success bool, latency time.Duration) {
	if pm == nil || !pm.IsEnabled() {
		return
	}
	if !success {
		pm.add(&pm.metrics.FailedDeliveries, 1)
		return
	}

	pm.add(&pm.metrics.Fulfillments, 1)
	pm.add(&pm.metrics.TotalFulfillTime, int64(latency))

	// 更新平均交付时间
	n := atomic.LoadInt64(&pm.metrics.Fulfillments)
	total := atomic.LoadInt64(&pm.metrics.TotalFulfillTime)
	atomic.StoreInt64(&pm.metrics.AverageFulfillTime, total/n)
}

// RecordKeeperRun 记录 keeper 一次检查
func (pm *PerformanceMonitor) RecordKeeperRun(performed bool, err error) {
	if pm == nil {
		return
	}
	pm.add(&pm.metrics.KeeperChecks, 1)
	if performed {
		pm.add(&pm.metrics.KeeperPerforms, 1)
	}
	if err != nil {
		pm.add(&pm.metrics.KeeperErrors, 1)
	}
}

// RecordLockAcquisition 记录锁获取操作
func (pm *PerformanceMonitor) RecordLockAcquisition(success bool) {
	if pm == nil {
		return
	}
	if success {
		pm.add(&pm.metrics.LockAcquisitions, 1)
	} else {
		pm.add(&pm.metrics.LockFailures, 1)
	}
}

// RecordLockRelease 记录锁释放操作
func (pm *PerformanceMonitor) RecordLockRelease() {
	if pm == nil {
		return
	}
	pm.add(&pm.metrics.LockReleases, 1)
}

// RecordStoreError 记录存储错误
func (pm *PerformanceMonitor) RecordStoreError() {
	if pm == nil {
		return
	}
	pm.add(&pm.metrics.StoreErrors, 1)
}

// GetMetrics 获取性能指标的副本
func (pm *PerformanceMonitor) GetMetrics() PerformanceMetrics {
	m := pm.metrics
	return PerformanceMetrics{
		TotalEntries:       atomic.LoadInt64(&m.TotalEntries),
		TotalPaidIn:        atomic.LoadInt64(&m.TotalPaidIn),
		DrawsRequested:     atomic.LoadInt64(&m.DrawsRequested),
		FailedDrawRequests: atomic.LoadInt64(&m.FailedDrawRequests),
		RoundsCompleted:    atomic.LoadInt64(&m.RoundsCompleted),
		RejectedCallbacks:  atomic.LoadInt64(&m.RejectedCallbacks),
		TransferFailures:   atomic.LoadInt64(&m.TransferFailures),
		TotalPaidOut:       atomic.LoadInt64(&m.TotalPaidOut),
		RandomnessRequests: atomic.LoadInt64(&m.RandomnessRequests),
		Fulfillments:       atomic.LoadInt64(&m.Fulfillments),
		FailedDeliveries:   atomic.LoadInt64(&m.FailedDeliveries),
		TotalFulfillTime:   atomic.LoadInt64(&m.TotalFulfillTime),
		AverageFulfillTime: atomic.LoadInt64(&m.AverageFulfillTime),
		KeeperChecks:       atomic.LoadInt64(&m.KeeperChecks),
		KeeperPerforms:     atomic.LoadInt64(&m.KeeperPerforms),
		KeeperErrors:       atomic.LoadInt64(&m.KeeperErrors),
		LockAcquisitions:   atomic.LoadInt64(&m.LockAcquisitions),
		LockFailures:       atomic.LoadInt64(&m.LockFailures),
		LockReleases:       atomic.LoadInt64(&m.LockReleases),
		StoreErrors:        atomic.LoadInt64(&m.StoreErrors),
		StartTime:          atomic.LoadInt64(&m.StartTime),
		LastUpdateTime:     atomic.LoadInt64(&m.LastUpdateTime),
	}
}

// ResetMetrics 重置性能指标
func (pm *PerformanceMonitor) ResetMetrics() { pm.metrics.Reset() }
