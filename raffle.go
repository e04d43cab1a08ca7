package lottery

import (
	"context"
	"crypto/subtle"
	"maps"
	"math"
	"math/big"
	"sync"
	"time"
)

// RaffleState 抽奖轮次状态
type RaffleState uint8

const (
	// RaffleOpen accepts entries and allows draws
	RaffleOpen RaffleState = iota
	// RaffleCalculating waits for the oracle to deliver randomness
	RaffleCalculating
)

// String implements fmt.Stringer
func (s RaffleState) String() string {
	switch s {
	case RaffleOpen:
		return "OPEN"
	case RaffleCalculating:
		return "CALCULATING"
	default:
		return "UNKNOWN"
	}
}

// Raffle 抽奖协调器
//
// 管理参与者、按时间间隔触发开奖、向预言机请求随机数，并在回调中选出中奖者并派奖。
// 所有变更操作互斥执行。
type Raffle struct {
	mu sync.Mutex

	address Address
	config  RaffleConfig
	oracle  RandomnessOracle
	// oracleAddress 构造时记录，用于验证回调来源
	oracleAddress Address

	state            RaffleState
	players          []Address
	balance          uint64
	lastTimestamp    time.Time
	pendingRequestID uint64
	recentWinner     Address
	// callbackToken 本轮开奖的回调凭证, 只随请求交给预言机
	callbackToken string

	// 转账失败后未支付的奖金
	unpaid map[Address]uint64

	wallet Wallet
	clock  Clock
	events *EventLog
	store  SnapshotStore
	logger Logger

	performanceMonitor *PerformanceMonitor
}

// RaffleOption configures a Raffle
type RaffleOption func(*Raffle)

// WithRaffleAddress sets the identity the raffle uses as oracle consumer
func WithRaffleAddress(addr Address) RaffleOption {
	return func(r *Raffle) { r.address = addr }
}

// WithWallet sets where winnings are sent
func WithWallet(w Wallet) RaffleOption {
	return func(r *Raffle) { r.wallet = w }
}

// WithClock sets the raffle clock
func WithClock(c Clock) RaffleOption {
	return func(r *Raffle) { r.clock = c }
}

// WithLogger sets the raffle logger
func WithLogger(l Logger) RaffleOption {
	return func(r *Raffle) { r.logger = l }
}

// WithMonitor shares a performance monitor with the raffle
func WithMonitor(m *PerformanceMonitor) RaffleOption {
	return func(r *Raffle) { r.performanceMonitor = m }
}

// WithSnapshotStore enables Checkpoint and Recover
func WithSnapshotStore(s SnapshotStore) RaffleOption {
	return func(r *Raffle) { r.store = s }
}

// NewRaffle 创建抽奖协调器
func NewRaffle(cfg *RaffleConfig, oracle RandomnessOracle, opts ...RaffleOption) (*Raffle, error) {
	if cfg == nil {
		return nil, ErrInvalidParameters.WithDetails("raffle config cannot be nil")
	}
	if oracle == nil {
		return nil, ErrInvalidParameters.WithDetails("oracle cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Raffle{
		address:       NewAddress(),
		config:        *cfg,
		oracle:        oracle,
		oracleAddress: oracle.Address(),
		state:         RaffleOpen,
		unpaid:        make(map[Address]uint64),
		wallet:        NewMemoryLedger(),
		clock:         SystemClock{},
		events:        NewEventLog(),
		logger:        &DefaultLogger{},

		performanceMonitor: NewPerformanceMonitor(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.lastTimestamp = r.clock.Now()

	return r, nil
}

// Address returns the raffle identity
func (r *Raffle) Address() Address { return r.address }

// Events returns the raffle event log
func (r *Raffle) Events() *EventLog { return r.events }

// Wallet returns the wallet winnings are sent through
func (r *Raffle) Wallet() Wallet { return r.wallet }

// GetMetrics returns a copy of the raffle metrics
func (r *Raffle) GetMetrics() PerformanceMetrics { return r.performanceMonitor.GetMetrics() }

// Enter 参与抽奖
func (r *Raffle) Enter(ctx context.Context, player Address, amountPaid uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateAddress(player); err != nil {
		return err
	}

	r.mu.Lock()
	if state := r.state; state != RaffleOpen {
		r.mu.Unlock()
		return ErrNotOpen.WithMetadata("state", state)
	}
	if amountPaid < r.config.EntranceFee {
		r.mu.Unlock()
		return ErrInsufficientFee.
			WithMetadata("paid", amountPaid).
			WithMetadata("entrance_fee", r.config.EntranceFee)
	}
	if r.balance > math.MaxUint64-amountPaid {
		r.mu.Unlock()
		return ErrInvalidParameters.WithDetails("raffle balance overflow")
	}

	r.players = append(r.players, player)
	r.balance += amountPaid
	event := Entered{Player: player}
	r.events.record(r.clock.Now(), event)
	r.mu.Unlock()

	r.events.publish(event)
	r.performanceMonitor.RecordEntry(amountPaid)
	r.logger.Debug("Player %s entered with %d", player, amountPaid)
	return nil
}

// CheckDrawReady 检查是否可以开奖, 无副作用
func (r *Raffle) CheckDrawReady(ctx context.Context) (bool, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.drawReadyLocked(), nil
}

func (r *Raffle) drawReadyLocked() bool {
	return r.state == RaffleOpen &&
		r.clock.Now().Sub(r.lastTimestamp) >= r.config.Interval &&
		len(r.players) > 0 &&
		r.balance > 0
}

// CheckUpkeep implements Upkeep
func (r *Raffle) CheckUpkeep(ctx context.Context, _ []byte) (bool, []byte) {
	return r.CheckDrawReady(ctx)
}

// PerformUpkeep implements Upkeep
func (r *Raffle) PerformUpkeep(ctx context.Context, _ []byte) error {
	_, err := r.TriggerDraw(ctx)
	return err
}

// TriggerDraw 触发开奖, 向预言机请求随机数
//
// 调用时重新检查开奖条件。状态在请求发出前切换为 CALCULATING,
// 预言机请求失败时回到 OPEN。预言机调用期间不持有锁。
func (r *Raffle) TriggerDraw(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	if !r.drawReadyLocked() {
		err := UpkeepNotNeededError(r.balance, len(r.players), r.state, r.clock.Now().Sub(r.lastTimestamp))
		r.mu.Unlock()
		return 0, err
	}
	token := randomHex(32)
	r.state = RaffleCalculating
	r.callbackToken = token
	r.pendingRequestID = 0
	r.mu.Unlock()

	requestID, err := r.oracle.RequestRandomWords(ctx, RandomWordsRequest{
		KeyHash:                     r.config.KeyHash,
		SubscriptionID:              r.config.SubscriptionID,
		Consumer:                    r.address,
		MinimumRequestConfirmations: r.config.RequestConfirmations,
		CallbackGasLimit:            r.config.CallbackGasLimit,
		NumWords:                    r.config.NumWords,
		CallbackToken:               token,
	})

	r.mu.Lock()
	// The round may already be settled if the oracle delivered synchronously,
	// or replaced by Restore while the request was out.
	current := r.callbackToken == token
	if err != nil {
		if current {
			r.state = RaffleOpen
			r.callbackToken = ""
		}
		r.mu.Unlock()
		r.performanceMonitor.RecordDrawRequest(false)
		r.logger.Error("Randomness request failed for subscription %d: %v", r.config.SubscriptionID, err)
		return 0, err
	}

	var event Event
	if current && r.pendingRequestID == 0 {
		r.pendingRequestID = requestID
		event = DrawRequested{RequestID: requestID}
		r.events.record(r.clock.Now(), event)
	}
	players := len(r.players)
	r.mu.Unlock()

	if event != nil {
		r.events.publish(event)
	}
	r.performanceMonitor.RecordDrawRequest(true)
	r.logger.Info("Draw requested: request=%d players=%d", requestID, players)
	return requestID, nil
}

// RawFulfillRandomWords 预言机回调, 选出中奖者并派奖
//
// 只接受携带本轮回调凭证的调用, 凭证只随随机数请求发给预言机。
// 轮次状态在转账之前全部更新完毕。转账失败时轮次仍然结束,
// 奖金记入未支付账目并返回 ErrTransferFailed。
func (r *Raffle) RawFulfillRandomWords(ctx context.Context, proof CallbackProof, requestID uint64, words []*big.Int) error {
	r.mu.Lock()
	if proof.Oracle != r.oracleAddress {
		r.mu.Unlock()
		r.performanceMonitor.RecordRejectedCallback()
		return ErrUnauthorized.WithDetails("only the configured oracle may fulfill").
			WithMetadata("caller", proof.Oracle)
	}
	pending := r.pendingRequestID
	if r.state != RaffleCalculating || requestID == 0 || (pending != 0 && requestID != pending) {
		r.mu.Unlock()
		r.performanceMonitor.RecordRejectedCallback()
		return ErrUnknownRequest.
			WithMetadata("request_id", requestID).
			WithMetadata("pending_request_id", pending)
	}
	if r.callbackToken == "" || subtle.ConstantTimeCompare([]byte(proof.Token), []byte(r.callbackToken)) != 1 {
		r.mu.Unlock()
		r.performanceMonitor.RecordRejectedCallback()
		return ErrUnauthorized.WithDetails("callback token does not match the draw").
			WithMetadata("request_id", requestID)
	}
	if len(words) == 0 || words[0] == nil {
		r.mu.Unlock()
		r.performanceMonitor.RecordRejectedCallback()
		return ErrInvalidRandomWords.WithDetails("at least one word is required")
	}

	now := r.clock.Now()
	events := make([]Event, 0, 2)
	if pending == 0 {
		// Delivered before RequestRandomWords returned to TriggerDraw.
		events = append(events, DrawRequested{RequestID: requestID})
	}

	// Only the first word is consumed.
	index := winnerIndex(words[0], len(r.players))
	winner := r.players[index]
	r.players = nil
	r.recentWinner = winner
	r.state = RaffleOpen
	r.pendingRequestID = 0
	r.callbackToken = ""
	r.lastTimestamp = now

	amount := r.balance
	r.balance = 0
	events = append(events, WinnerPicked{Winner: winner})
	r.events.record(now, events...)

	sendErr := r.wallet.Send(ctx, winner, amount)
	if sendErr != nil {
		r.unpaid[winner] += amount
	}
	r.mu.Unlock()

	r.events.publish(events...)
	r.performanceMonitor.RecordRoundCompleted(amount, sendErr == nil)

	if sendErr != nil {
		r.logger.Error("Transfer of %d to winner %s failed: %v", amount, winner, sendErr)
		return ErrTransferFailed.WithCause(sendErr).
			WithMetadata("winner", winner).
			WithMetadata("amount", amount)
	}

	r.logger.Info("Winner picked: %s (index %d) paid %d", winner, index, amount)
	return nil
}

// UnpaidWinnings returns winnings that could not be delivered to addr
func (r *Raffle) UnpaidWinnings(addr Address) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.unpaid[addr]
}

// RetryPayout re-sends the unpaid winnings of winner
func (r *Raffle) RetryPayout(ctx context.Context, winner Address) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	amount, ok := r.unpaid[winner]
	if !ok || amount == 0 {
		r.mu.Unlock()
		return ErrNothingToPayOut.WithMetadata("winner", winner)
	}

	err := r.wallet.Send(ctx, winner, amount)
	if err == nil {
		delete(r.unpaid, winner)
	}
	r.mu.Unlock()

	r.performanceMonitor.RecordPayout(amount, err == nil)
	if err != nil {
		r.logger.Error("Payout retry of %d to %s failed: %v", amount, winner, err)
		return ErrTransferFailed.WithCause(err).
			WithMetadata("winner", winner).
			WithMetadata("amount", amount)
	}

	r.logger.Info("Unpaid winnings of %d delivered to %s", amount, winner)
	return nil
}

// EntranceFee returns the fee required per entry
func (r *Raffle) EntranceFee() uint64 { return r.config.EntranceFee }

// Interval returns the minimum time between draws
func (r *Raffle) Interval() time.Duration { return r.config.Interval }

// SubscriptionID returns the oracle subscription the raffle draws against
func (r *Raffle) SubscriptionID() uint64 { return r.config.SubscriptionID }

// State returns the current round state
func (r *Raffle) State() RaffleState {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state
}

// Player returns the player at index
func (r *Raffle) Player(index int) (Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.players) {
		return ZeroAddress, ErrIndexOutOfRange.
			WithMetadata("index", index).
			WithMetadata("players", len(r.players))
	}
	return r.players[index], nil
}

// NumberOfPlayers returns how many players entered the current round
func (r *Raffle) NumberOfPlayers() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.players)
}

// RecentWinner returns the last picked winner
func (r *Raffle) RecentWinner() Address {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.recentWinner
}

// LatestTimestamp returns when the last round completed
func (r *Raffle) LatestTimestamp() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastTimestamp
}

// Balance returns the amount currently held for the round
func (r *Raffle) Balance() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.balance
}

// PendingRequestID returns the in-flight request id, or 0
func (r *Raffle) PendingRequestID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.pendingRequestID
}

// Snapshot captures the round state. The callback token is left out.
func (r *Raffle) Snapshot() *RaffleSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.snapshotLocked()
}

func (r *Raffle) snapshotLocked() *RaffleSnapshot {
	return &RaffleSnapshot{
		Address:          r.address,
		OracleAddress:    r.oracleAddress,
		SubscriptionID:   r.config.SubscriptionID,
		State:            r.state,
		Players:          append([]Address(nil), r.players...),
		Balance:          r.balance,
		LastTimestamp:    r.lastTimestamp,
		PendingRequestID: r.pendingRequestID,
		RecentWinner:     r.recentWinner,
		Unpaid:           maps.Clone(r.unpaid),
		Version:          SnapshotVersion,
		SavedAt:          r.clock.Now(),
	}
}

// Restore replaces the round state with snap. The snapshot must come from
// a raffle with the same identity, oracle and subscription. A calculating
// snapshot also needs its callback token and, when the oracle can report
// it, a request the oracle still holds.
func (r *Raffle) Restore(ctx context.Context, snap *RaffleSnapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	if snap.Address != r.address || snap.OracleAddress != r.oracleAddress {
		return ErrSnapshotMismatch.
			WithMetadata("address", snap.Address).
			WithMetadata("oracle", snap.OracleAddress)
	}
	if snap.SubscriptionID != r.config.SubscriptionID {
		return ErrSnapshotMismatch.WithDetails("subscription differs").
			WithMetadata("subscription_id", snap.SubscriptionID)
	}
	if snap.State == RaffleCalculating {
		if snap.CallbackToken == "" {
			return ErrSnapshotMismatch.WithDetails("calculating snapshot carries no callback token")
		}
		if tracker, ok := r.oracle.(RequestTracker); ok && !tracker.RequestPending(ctx, snap.PendingRequestID, r.address) {
			return ErrSnapshotMismatch.WithDetails("pending request is unknown to the oracle").
				WithMetadata("request_id", snap.PendingRequestID)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = snap.State
	r.players = append([]Address(nil), snap.Players...)
	r.balance = snap.Balance
	r.lastTimestamp = snap.LastTimestamp
	r.pendingRequestID = snap.PendingRequestID
	r.callbackToken = snap.CallbackToken
	r.recentWinner = snap.RecentWinner
	r.unpaid = maps.Clone(snap.Unpaid)
	if r.unpaid == nil {
		r.unpaid = make(map[Address]uint64)
	}

	r.logger.Info("Raffle %s restored: state=%s players=%d balance=%d", r.address, r.state, len(r.players), r.balance)
	return nil
}

// Checkpoint saves a snapshot, callback token included, to the configured store
func (r *Raffle) Checkpoint(ctx context.Context) error {
	if r.store == nil {
		return ErrInvalidParameters.WithDetails("no snapshot store configured")
	}

	r.mu.Lock()
	if r.state == RaffleCalculating && r.pendingRequestID == 0 {
		r.mu.Unlock()
		return ErrServiceUnavailable.WithDetails("randomness request in flight")
	}
	snap := r.snapshotLocked()
	snap.CallbackToken = r.callbackToken
	r.mu.Unlock()

	if err := r.store.Save(ctx, snap); err != nil {
		r.performanceMonitor.RecordStoreError()
		return err
	}
	return nil
}

// Recover restores the last snapshot saved for this raffle.
// It returns false when the store holds none.
func (r *Raffle) Recover(ctx context.Context) (bool, error) {
	if r.store == nil {
		return false, ErrInvalidParameters.WithDetails("no snapshot store configured")
	}

	snap, err := r.store.Load(ctx, r.address)
	if err != nil {
		r.performanceMonitor.RecordStoreError()
		return false, err
	}
	if snap == nil {
		return false, nil
	}
	return true, r.Restore(ctx, snap)
}
