package lottery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyOracle returns err for every request while it is set
type flakyOracle struct {
	mu     sync.Mutex
	err    error
	calls  int
	nextID uint64
}

func (o *flakyOracle) Address() Address { return "0xflaky" }

func (o *flakyOracle) RequestRandomWords(ctx context.Context, req RandomWordsRequest) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.calls++
	if o.err != nil {
		return 0, o.err
	}
	o.nextID++
	return o.nextID, nil
}

func (o *flakyOracle) setErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

func testBreakerConfig() *CircuitBreakerConfig {
	config := DefaultCircuitBreakerConfig()
	config.MinRequests = 3
	config.FailureRatio = 0.6
	config.Timeout = 50 * time.Millisecond
	return config
}

func TestBreakerOracle(t *testing.T) {
	ctx := context.Background()
	req := RandomWordsRequest{SubscriptionID: 1, Consumer: "0xraffle", NumWords: 1}

	t.Run("passes_through_when_closed", func(t *testing.T) {
		inner := &flakyOracle{}
		b := NewBreakerOracle(inner, testBreakerConfig(), nil)

		id, err := b.RequestRandomWords(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), id)
		assert.Equal(t, Address("0xflaky"), b.Address())
		assert.Equal(t, "closed", b.GetCircuitBreakerState())
	})

	t.Run("retryable_failures_trip_the_breaker", func(t *testing.T) {
		inner := &flakyOracle{err: ErrServiceUnavailable}
		b := NewBreakerOracle(inner, testBreakerConfig(), NewSilentLogger())

		for i := 0; i < 3; i++ {
			_, err := b.RequestRandomWords(ctx, req)
			assert.ErrorIs(t, err, ErrServiceUnavailable)
		}
		assert.Equal(t, "open", b.GetCircuitBreakerState())

		// 熔断状态下不再调用下游
		_, err := b.RequestRandomWords(ctx, req)
		assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
		assert.Equal(t, 3, inner.calls)

		time.Sleep(80 * time.Millisecond)
		assert.Equal(t, "half-open", b.GetCircuitBreakerState())

		inner.setErr(nil)
		_, err = b.RequestRandomWords(ctx, req)
		assert.NoError(t, err)
	})

	t.Run("caller_errors_do_not_trip", func(t *testing.T) {
		inner := &flakyOracle{err: ErrInsufficientFunds}
		b := NewBreakerOracle(inner, testBreakerConfig(), NewSilentLogger())

		for i := 0; i < 10; i++ {
			_, err := b.RequestRandomWords(ctx, req)
			assert.ErrorIs(t, err, ErrInsufficientFunds)
		}
		assert.Equal(t, "closed", b.GetCircuitBreakerState())
		assert.Equal(t, uint32(0), b.GetCircuitBreakerCounts().TotalFailures)
		assert.Equal(t, 10, inner.calls)
	})

	t.Run("reset", func(t *testing.T) {
		inner := &flakyOracle{err: errors.New("dial tcp: connection refused")}
		b := NewBreakerOracle(inner, testBreakerConfig(), NewSilentLogger())

		for i := 0; i < 3; i++ {
			_, _ = b.RequestRandomWords(ctx, req)
		}
		require.Equal(t, "open", b.GetCircuitBreakerState())

		b.ResetCircuitBreaker()
		assert.Equal(t, "closed", b.GetCircuitBreakerState())
		assert.Equal(t, uint32(0), b.GetCircuitBreakerCounts().Requests)
	})

	t.Run("disabled", func(t *testing.T) {
		config := testBreakerConfig()
		config.Enabled = false
		inner := &flakyOracle{err: ErrServiceUnavailable}
		b := NewBreakerOracle(inner, config, nil)

		for i := 0; i < 5; i++ {
			_, err := b.RequestRandomWords(ctx, req)
			assert.ErrorIs(t, err, ErrServiceUnavailable)
		}
		assert.Equal(t, "disabled", b.GetCircuitBreakerState())
		assert.Equal(t, 5, inner.calls)

		b.ResetCircuitBreaker()
		assert.Equal(t, "disabled", b.GetCircuitBreakerState())
	})

	t.Run("nil_config_uses_defaults", func(t *testing.T) {
		b := NewBreakerOracle(&flakyOracle{}, nil, nil)
		assert.Equal(t, "closed", b.GetCircuitBreakerState())
	})
}

func TestBreakerOracle_DrivesRaffle(t *testing.T) {
	ctx := context.Background()
	inner := &flakyOracle{err: ErrServiceUnavailable}
	b := NewBreakerOracle(inner, testBreakerConfig(), NewSilentLogger())

	clock := NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := NewRaffleConfig(10, 30*time.Second, 1, 500_000)
	raffle, err := NewRaffle(cfg, b, WithClock(clock), WithLogger(NewSilentLogger()))
	require.NoError(t, err)

	require.NoError(t, raffle.Enter(ctx, "0xplayer", 10))
	clock.Advance(31 * time.Second)

	for i := 0; i < 3; i++ {
		_, err := raffle.TriggerDraw(ctx)
		assert.ErrorIs(t, err, ErrServiceUnavailable)
		assert.Equal(t, RaffleOpen, raffle.State())
	}

	_, err = raffle.TriggerDraw(ctx)
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.Equal(t, RaffleOpen, raffle.State())
	assert.Equal(t, int64(4), raffle.GetMetrics().FailedDrawRequests)
}

func TestBreakerOracle_SimulatorOutage(t *testing.T) {
	ctx := context.Background()
	f := newRaffleFixture(t, 10, 30*time.Second)
	b := NewBreakerOracle(f.oracle, testBreakerConfig(), NewSilentLogger())
	cfg := f.raffle.config
	raffle, err := NewRaffle(&cfg, b,
		WithClock(f.clock),
		WithLogger(NewSilentLogger()),
	)
	require.NoError(t, err)
	require.NoError(t, f.oracle.AddConsumer(ctx, f.subID, raffle.Address()))

	require.NoError(t, raffle.Enter(ctx, NewAddress(), 10))
	f.clock.Advance(30 * time.Second)

	f.oracle.SetAvailable(false)
	assert.False(t, f.oracle.Available())
	for i := 0; i < 3; i++ {
		_, err := raffle.TriggerDraw(ctx)
		assert.ErrorIs(t, err, ErrServiceUnavailable)
	}
	assert.Equal(t, "open", b.GetCircuitBreakerState())

	// 恢复后熔断器仍需等待超时
	f.oracle.SetAvailable(true)
	_, err = raffle.TriggerDraw(ctx)
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.Equal(t, RaffleOpen, raffle.State())

	time.Sleep(80 * time.Millisecond)
	requestID, err := raffle.TriggerDraw(ctx)
	require.NoError(t, err)
	assert.Equal(t, RaffleCalculating, raffle.State())
	assert.True(t, b.RequestPending(ctx, requestID, raffle.Address()))
	assert.False(t, b.RequestPending(ctx, requestID, NewAddress()))

	require.NoError(t, f.oracle.FulfillRandomWords(ctx, requestID, raffle))
	assert.Equal(t, RaffleOpen, raffle.State())
	assert.False(t, b.RequestPending(ctx, requestID, raffle.Address()))
}

func TestBreakerOracle_RequestPendingWithoutTracker(t *testing.T) {
	b := NewBreakerOracle(&flakyOracle{}, testBreakerConfig(), nil)
	assert.True(t, b.RequestPending(context.Background(), 1, "0xraffle"))
}

func TestBreakerOracle_Stats(t *testing.T) {
	ctx := context.Background()
	req := RandomWordsRequest{SubscriptionID: 1, Consumer: "0xraffle", NumWords: 1}

	t.Run("healthy_when_closed", func(t *testing.T) {
		b := NewBreakerOracle(&flakyOracle{}, testBreakerConfig(), nil)
		_, err := b.RequestRandomWords(ctx, req)
		require.NoError(t, err)

		stats := b.Stats()
		assert.True(t, stats.Healthy)
		assert.True(t, stats.Enabled)
		assert.Equal(t, "closed", stats.State)
		assert.Equal(t, 0, stats.StateCode)
		assert.Equal(t, uint32(1), stats.Requests)
		assert.Equal(t, uint32(1), stats.Successes)
		assert.Equal(t, 0.0, stats.FailureRate)
	})

	t.Run("unhealthy_when_open", func(t *testing.T) {
		b := NewBreakerOracle(&flakyOracle{err: ErrServiceUnavailable}, testBreakerConfig(), nil)
		for i := 0; i < 3; i++ {
			_, _ = b.RequestRandomWords(ctx, req)
		}

		stats := b.Stats()
		assert.False(t, stats.Healthy)
		assert.Equal(t, "open", stats.State)
		assert.Equal(t, 2, stats.StateCode)
		assert.Equal(t, 1.0, stats.FailureRate)
	})

	t.Run("disabled_is_healthy", func(t *testing.T) {
		config := testBreakerConfig()
		config.Enabled = false
		b := NewBreakerOracle(&flakyOracle{}, config, nil)

		stats := b.Stats()
		assert.True(t, stats.Healthy)
		assert.False(t, stats.Enabled)
		assert.Equal(t, "disabled", stats.State)
		assert.Equal(t, -1, stats.StateCode)
	})

	assert.Equal(t, 1, stateCode("half-open"))
	assert.Equal(t, -2, stateCode("bogus"))
}
